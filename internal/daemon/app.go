// Package daemon assembles the services into one process lifecycle: config,
// logging, store, alerts, scheduler, program supervision, and the HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sdnotify "github.com/coreos/go-systemd/v22/daemon"
	"github.com/gofrs/flock"

	"dailyd/internal/api"
	"dailyd/internal/config"
	"dailyd/internal/crontab"
	"dailyd/internal/notify"
	"dailyd/internal/runner"
	"dailyd/internal/runtime/supervisor"
	"dailyd/internal/scheduler"
	"dailyd/internal/store"
	"dailyd/internal/supervise"
	"dailyd/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	lockPath string
	lock     *flock.Flock

	store  *store.Store
	alerts *notify.Service
	sched  *scheduler.Service
	procs  *supervise.Manager
	api    *api.Server
}

// New loads the config and constructs every service. Nothing runs until
// Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:    cfg.Logging.Level,
		Console:  cfg.Logging.ConsoleEnabled(),
		Dir:      cfg.Logging.Dir,
		Location: cfg.Location(),
	})
	log = log.With(logx.String("comp", "app"))

	dataDir := filepath.Dir(cfg.Store.Path)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	lockPath := filepath.Join(dataDir, "dailyd.lock")

	st, err := store.Open(store.Config{
		Path:        cfg.Store.Path,
		BusyTimeout: config.ParseDurationOrDefault(cfg.Store.BusyTimeout, 5*time.Second),
	}, config.ParseDurationOrDefault(cfg.Store.Retention, 0), log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	alerts, err := notify.New(cfg.Alerts, log.With(logx.String("comp", "alerts")))
	if err != nil {
		st.Close()
		return nil, err
	}

	run := runner.New(log.With(logx.String("comp", "runner")), st, alerts)
	sched := scheduler.New(schedulerConfig(cfg), run.Run, log.With(logx.String("comp", "scheduler")))
	procs := supervise.New(log.With(logx.String("comp", "supervise")), alerts)

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
		store:    st,
		alerts:   alerts,
		sched:    sched,
		procs:    procs,
	}

	if cfg.API.Enabled {
		srv, err := api.New(api.Config{
			Addr:         cfg.API.Addr,
			Secret:       cfg.API.Secret,
			TokenExpiry:  config.ParseDurationOrDefault(cfg.API.TokenExpiry, 30*time.Minute),
			WorkspaceDir: cfg.API.WorkspaceDir,
			AllowOrigin:  cfg.API.AllowOrigin,
		}, sched, procs, st, st, log.With(logx.String("comp", "api")))
		if err != nil {
			st.Close()
			return nil, err
		}
		a.api = srv
	}

	return a, nil
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Workers:        cfg.Scheduler.Workers,
		QueueSize:      cfg.Scheduler.QueueSize,
		DefaultTimeout: config.ParseDurationOrDefault(cfg.Scheduler.DefaultTimeout, time.Hour),
		RetryMax:       cfg.Scheduler.RetryMax,
		HistorySize:    cfg.Scheduler.HistorySize,
		Timezone:       cfg.Timezone,
	}
}

// Store exposes the run/user store for CLI subcommands.
func (a *App) Store() *store.Store { return a.store }

// Done is closed when the supervisor context is cancelled (fatal error or
// Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	ok, err := a.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another dailyd instance already holds %s", a.lockPath)
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(ctx context.Context, c *config.Config) error {
		return c.Validate()
	})

	// Initial crontab. A missing table is not fatal: the daemon still
	// supervises programs and serves the API, and the watcher picks the
	// file up once it appears.
	table, err := crontab.ParseFile(cfg.Crontab)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			a.log.Warn("crontab missing, starting with no jobs", logx.String("path", cfg.Crontab))
			table = &crontab.Table{}
		} else {
			a.unlock()
			return fmt.Errorf("crontab: %w", err)
		}
	}
	a.sched.SetTable(table)

	a.alerts.Start(a.sup.Context())
	a.procs.Start(a.sup.Context(), supervise.ResolveAll(cfg.Programs))
	a.sched.Start(a.sup.Context())
	if a.api != nil {
		if err := a.api.Start(a.sup.Context()); err != nil {
			// Programs are already spawned; tear everything down so a
			// failed bind doesn't orphan child processes.
			a.log.Error("api start failed, shutting down", logx.Err(err))
			a.sup.Cancel()
			a.stopCore(context.Background())
			if cerr := a.store.Close(); cerr != nil {
				a.log.Warn("store close failed", logx.Err(cerr))
			}
			a.unlock()
			return err
		}
	}

	crontabPath := cfg.Crontab
	lastHash := table.Hash()
	a.sup.GoRestart("crontab.watch", func(c context.Context) error {
		return crontab.Watch(c, crontabPath, lastHash, a.log.With(logx.String("comp", "crontab")), func(t *crontab.Table) {
			a.sched.SetTable(t)
			a.log.Info("crontab reloaded", logx.Int("jobs", len(t.Entries)))
		})
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.notifySystemd()

	a.log.Info("dailyd started",
		logx.String("timezone", cfg.Timezone),
		logx.Int("jobs", len(table.Entries)),
		logx.Int("programs", len(cfg.Programs)),
	)
	return nil
}

// notifySystemd reports readiness and feeds the watchdog when the process
// runs as a Type=notify unit. Off systemd both calls are no-ops.
func (a *App) notifySystemd() {
	if sent, err := sdnotify.SdNotify(false, sdnotify.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	interval, err := sdnotify.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				_, _ = sdnotify.SdNotify(false, sdnotify.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the newest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.applyConfig(cfg)
		}
	}
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:    cfg.Logging.Level,
		Console:  cfg.Logging.ConsoleEnabled(),
		Dir:      cfg.Logging.Dir,
		Location: cfg.Location(),
	})
	a.sched.Apply(schedulerConfig(cfg))
	a.procs.Apply(supervise.ResolveAll(cfg.Programs))

	// These bind sockets or open files at construction time; a live swap
	// would drop in-flight work, so they keep their boot-time settings.
	a.log.Info("config reloaded",
		logx.String("note", "store, api, and alerts changes take effect on restart"))
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	_, _ = sdnotify.SdNotify(false, sdnotify.SdNotifyStopping)

	a.sup.Cancel()

	if a.api != nil {
		a.stopStep(ctx, "api", 3*time.Second, func(c context.Context) { a.api.Stop(c) })
	}
	a.stopCore(ctx)

	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.unlock()
	a.log.Info("stopped")
	return a.logs.Close()
}

// stopCore winds down everything but the API server and the store. The
// supervisor context must already be cancelled.
func (a *App) stopCore(ctx context.Context) {
	a.stopStep(ctx, "scheduler", 5*time.Second, func(c context.Context) { a.sched.Stop(c) })
	a.stopStep(ctx, "programs", 15*time.Second, func(c context.Context) { a.procs.Stop(c) })
	a.stopStep(ctx, "alerts", 2*time.Second, func(c context.Context) { a.alerts.Stop(c) })
	a.stopStep(ctx, "supervisor", 3*time.Second, func(c context.Context) { _ = a.sup.Wait(c) })
}

// stopStep gives one component its own upper bound so it can't stall the
// whole shutdown.
func (a *App) stopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context)) {
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(stepCtx)
	}()
	select {
	case <-done:
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached", logx.String("step", name))
	}
}

func (a *App) unlock() {
	if err := a.lock.Unlock(); err != nil {
		a.log.Warn("lock release failed", logx.Err(err))
	}
}
