package main

import (
	"time"

	"dailyd/internal/config"
	"dailyd/internal/store"
	"dailyd/pkg/logx"
)

// commandContext lazily loads whatever shared state a subcommand needs, so
// `dailyd --help` never touches the filesystem.
type commandContext struct {
	configFlag *string

	cfg *config.Config
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil {
		return "dailyd.yaml"
	}
	return *c.configFlag
}

// ensureConfig parses and validates the config file once per invocation.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, err := config.NewManager(c.configPath()).Load()
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	return cfg, nil
}

// openStore opens the daemon's database read-write for offline subcommands
// (history, user management). The daemon may be running at the same time;
// sqlite's WAL mode and the busy timeout make that safe.
func (c *commandContext) openStore() (*store.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return store.Open(store.Config{
		Path:        cfg.Store.Path,
		BusyTimeout: config.ParseDurationOrDefault(cfg.Store.BusyTimeout, 5*time.Second),
	}, 0, logx.Nop())
}
