package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dailyd/internal/runner"
)

// Config controls job execution.
type Config struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	RetryMax       int
	HistorySize    int
	Timezone       string // IANA TZ, e.g. "Asia/Singapore"
}

// ExecFunc runs one job attempt. In the daemon this is (*runner.Runner).Run.
type ExecFunc func(ctx context.Context, job runner.Job) error

// runState is shared between cron firings of the same entry so an overlapping
// firing can be skipped while the previous run is still in flight.
type runState struct {
	mu      sync.Mutex
	running bool
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

type task struct {
	name     string
	command  string
	env      []string
	timeout  time.Duration
	enqueued time.Time
	state    *runState
}

// entryDef ties a crontab entry to its live cron registration.
type entryDef struct {
	name    string
	spec    string
	command string
	entryID cron.EntryID
}

type HistoryItem struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Attempts int
	Error    string
}

type EntryInfo struct {
	Name    string
	Spec    string
	Command string
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Timezone string
	Workers  int
	QueueLen int
	Entries  []EntryInfo
	History  []HistoryItem
}
