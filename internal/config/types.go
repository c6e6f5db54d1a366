package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the top-level daemon configuration.
//
// On disk it is YAML (or JSON); both are decoded strictly, so unknown fields
// are rejected instead of silently ignored. All durations are Go duration
// strings (e.g. "500ms", "10s", "1m").
type Config struct {
	// Timezone is the IANA zone all schedules fire in. Defaults to
	// Asia/Singapore, matching the deployment this daemon replaces.
	Timezone string `json:"timezone,omitempty"`

	// Crontab is the path of the schedule table.
	Crontab string `json:"crontab,omitempty"`

	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Programs  []ProgramConfig `json:"programs,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	Store     StoreConfig     `json:"store,omitempty"`
	API       APIConfig       `json:"api,omitempty"`
	Alerts    *AlertsConfig   `json:"alerts,omitempty"`
}

// SchedulerConfig controls job execution.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "1h"
//   - retry_max: 1
//   - history_size: 200
type SchedulerConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// ProgramConfig declares a long-running child process the daemon supervises.
//
// Autorestart is a pointer so we can distinguish "omitted" (default true)
// from an explicit false.
type ProgramConfig struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	Autorestart *bool  `json:"autorestart,omitempty"`
	RestartMax  int    `json:"restart_max,omitempty"` // <=0 means unlimited
	BackoffMin  string `json:"backoff_min,omitempty"` // default "1s"
	BackoffMax  string `json:"backoff_max,omitempty"` // default "30s"
	StopGrace   string `json:"stop_grace,omitempty"`  // default "10s"
}

// LoggingConfig mirrors logx.Config.
// Console is a pointer so an omitted field defaults to true.
type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console *bool  `json:"console,omitempty"`
	Dir     string `json:"dir,omitempty"`
}

type StoreConfig struct {
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	// Retention bounds how long job run rows are kept. "0s" disables pruning.
	Retention string `json:"retention,omitempty"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"`

	// Secret signs access tokens (HS256). Required when the API is enabled.
	Secret      string `json:"secret,omitempty"`
	TokenExpiry string `json:"token_expiry,omitempty"`

	// WorkspaceDir holds one sub-directory per user, listed by /auth/files.
	WorkspaceDir string `json:"workspace_dir,omitempty"`
	AllowOrigin  string `json:"allow_origin,omitempty"`
}

// AlertsConfig enables Telegram failure alerts. Omitting the section (or the
// token/chat pair) disables alerting cleanly.
type AlertsConfig struct {
	Token       string `json:"token,omitempty"`
	ChatID      int64  `json:"chat_id,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
}

const DefaultTimezone = "Asia/Singapore"

// Normalize fills defaulted fields in place. It is called after every
// successful parse so the rest of the daemon never re-derives defaults.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Timezone) == "" {
		c.Timezone = DefaultTimezone
	}
	if strings.TrimSpace(c.Crontab) == "" {
		c.Crontab = "./crontab"
	}
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = 2
	}
	if c.Scheduler.QueueSize <= 0 {
		c.Scheduler.QueueSize = 64
	}
	if strings.TrimSpace(c.Scheduler.DefaultTimeout) == "" {
		c.Scheduler.DefaultTimeout = "1h"
	}
	if c.Scheduler.HistorySize <= 0 {
		c.Scheduler.HistorySize = 200
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Logging.Dir) == "" {
		c.Logging.Dir = "log"
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		c.Store.Path = "./data/dailyd.db"
	}
	if strings.TrimSpace(c.Store.BusyTimeout) == "" {
		c.Store.BusyTimeout = "5s"
	}
	if strings.TrimSpace(c.API.Addr) == "" {
		c.API.Addr = ":8000"
	}
	if strings.TrimSpace(c.API.TokenExpiry) == "" {
		c.API.TokenExpiry = "30m"
	}
	if strings.TrimSpace(c.API.WorkspaceDir) == "" {
		c.API.WorkspaceDir = "workspace"
	}
	if strings.TrimSpace(c.API.AllowOrigin) == "" {
		c.API.AllowOrigin = "*"
	}
	for i := range c.Programs {
		p := &c.Programs[i]
		if strings.TrimSpace(p.BackoffMin) == "" {
			p.BackoffMin = "1s"
		}
		if strings.TrimSpace(p.BackoffMax) == "" {
			p.BackoffMax = "30s"
		}
		if strings.TrimSpace(p.StopGrace) == "" {
			p.StopGrace = "10s"
		}
	}
	if c.Alerts != nil {
		if c.Alerts.RatePerSec <= 0 {
			c.Alerts.RatePerSec = 1
		}
		if strings.TrimSpace(c.Alerts.DedupWindow) == "" {
			c.Alerts.DedupWindow = "10m"
		}
		if c.Alerts.QueueSize <= 0 {
			c.Alerts.QueueSize = 64
		}
	}
}

// ConsoleEnabled resolves the tri-state console flag.
func (l LoggingConfig) ConsoleEnabled() bool {
	return l.Console == nil || *l.Console
}

// Validate rejects configs the daemon could not run with. It is also the
// hot-reload gate: a config that fails here never replaces the running one.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone: invalid %q: %w", c.Timezone, err)
	}
	if _, err := ParseDurationField("scheduler.default_timeout", c.Scheduler.DefaultTimeout); err != nil {
		return err
	}
	if c.Scheduler.RetryMax < 0 {
		return fmt.Errorf("scheduler.retry_max must be >= 0")
	}
	if _, err := ParseDurationField("store.busy_timeout", c.Store.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("store.retention", c.Store.Retention); err != nil {
		return err
	}
	if c.API.Enabled {
		if strings.TrimSpace(c.API.Secret) == "" {
			return fmt.Errorf("api.secret is required when api.enabled is true")
		}
		if _, err := ParseDurationField("api.token_expiry", c.API.TokenExpiry); err != nil {
			return err
		}
	}
	seen := make(map[string]struct{}, len(c.Programs))
	for i, p := range c.Programs {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return fmt.Errorf("programs[%d].name is required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("programs[%d]: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(p.Command) == "" {
			return fmt.Errorf("programs[%d] (%s): command is required", i, name)
		}
		for _, f := range []struct{ field, raw string }{
			{"backoff_min", p.BackoffMin},
			{"backoff_max", p.BackoffMax},
			{"stop_grace", p.StopGrace},
		} {
			if _, err := ParseDurationField(fmt.Sprintf("programs[%d].%s", i, f.field), f.raw); err != nil {
				return err
			}
		}
	}
	if c.Alerts != nil {
		hasToken := strings.TrimSpace(c.Alerts.Token) != ""
		if hasToken != (c.Alerts.ChatID != 0) {
			return fmt.Errorf("alerts: token and chat_id must be set together")
		}
		if _, err := ParseDurationField("alerts.dedup_window", c.Alerts.DedupWindow); err != nil {
			return err
		}
	}
	return nil
}

// Location loads the configured timezone. Call after Validate.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
