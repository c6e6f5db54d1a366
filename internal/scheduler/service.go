// Package scheduler fires crontab entries on schedule and runs them through
// a bounded worker pool with timeout, retry, and overlap control.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dailyd/internal/crontab"
	"dailyd/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	exec ExecFunc

	loc   *time.Location
	c     *cron.Cron
	table *crontab.Table
	defs  []entryDef

	// states persists across table reloads keyed by job name, so a reload
	// can't defeat overlap control for an in-flight run.
	states map[string]*runState

	queue    chan task
	stopCh   chan struct{}
	runCtx   context.Context
	workerWG sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, exec ExecFunc, log logx.Logger) *Service {
	return &Service{
		cfg:    cfg,
		exec:   exec,
		log:    log,
		states: map[string]*runState{},
	}
}

// SetTable installs (or replaces) the crontab driving the service. Safe to
// call before Start and during operation (hot reload).
func (s *Service) SetTable(t *crontab.Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = t
	if s.stopCh != nil {
		s.rebuildLocked()
	}
}

// Table returns the current crontab (may be nil before the first SetTable).
func (s *Service) Table() *crontab.Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table
}

// Apply updates execution settings. A timezone change rebuilds the cron
// instance; worker pool size changes take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	if s.stopCh == nil {
		return
	}
	if oldTZ != newTZ {
		s.rebuildLocked()
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.runCtx = ctx

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	queueSize := s.cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	s.queue = make(chan task, queueSize)

	for i := 0; i < workers; i++ {
		s.workerWG.Add(1)
		go s.worker(ctx, s.stopCh, s.queue)
	}

	s.rebuildLocked()
	s.log.Info("scheduler started",
		logx.Int("workers", workers),
		logx.String("tz", s.loc.String()),
		logx.Int("entries", len(s.defs)),
	)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	c := s.c
	s.c = nil
	s.queue = nil
	s.mu.Unlock()

	if c != nil {
		// Waits for in-flight AddFunc callbacks (cheap enqueues), not jobs.
		// Must happen outside s.mu: enqueue takes the lock.
		<-c.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out waiting for workers")
	case <-done:
	}
	s.log.Info("scheduler stopped")
}

// rebuildLocked replaces the cron instance from the current table.
// Caller holds s.mu and the service is running.
func (s *Service) rebuildLocked() {
	if s.c != nil {
		// No wait here: an in-flight callback may be blocked on s.mu in
		// enqueue. A straggler from the old instance fires into the same
		// queue with the same states, so letting it drain is harmless.
		s.c.Stop()
		s.c = nil
	}

	s.loc = s.loadLocationLocked()
	s.defs = nil
	if s.table == nil {
		return
	}

	c := cron.New(cron.WithLocation(s.loc))
	timeout := s.cfg.DefaultTimeout
	for _, e := range s.table.Entries {
		e := e
		st := s.states[e.Name]
		if st == nil {
			st = &runState{}
			s.states[e.Name] = st
		}
		id, err := c.AddFunc(e.Spec, func() {
			s.enqueue(task{
				name:     e.Name,
				command:  e.Command,
				env:      s.tableEnv(),
				timeout:  timeout,
				enqueued: time.Now(),
				state:    st,
			})
		})
		if err != nil {
			// The crontab parser already validated the spec; disagreement
			// here means the entry cannot run, not that the table is bad.
			s.log.Error("cron registration failed", logx.String("job", e.Name), logx.String("spec", e.Spec), logx.Err(err))
			continue
		}
		s.defs = append(s.defs, entryDef{name: e.Name, spec: e.Spec, command: e.Command, entryID: id})
	}
	s.c = c
	c.Start()
}

func (s *Service) tableEnv() []string {
	if s.table == nil {
		return nil
	}
	return s.table.Env
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Snapshot is a point-in-time view for the API and CLI.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Timezone: s.cfg.Timezone,
		Workers:  s.cfg.Workers,
	}
	if s.queue != nil {
		snap.QueueLen = len(s.queue)
	}
	for _, d := range s.defs {
		info := EntryInfo{Name: d.name, Spec: d.spec, Command: d.command}
		if s.c != nil {
			e := s.c.Entry(d.entryID)
			info.Next = e.Next
			info.Prev = e.Prev
		}
		snap.Entries = append(snap.Entries, info)
	}
	s.mu.Unlock()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}
