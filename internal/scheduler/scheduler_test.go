package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"dailyd/internal/crontab"
	"dailyd/internal/runner"
	"dailyd/pkg/logx"
)

func mustTable(t *testing.T, content string) *crontab.Table {
	t.Helper()
	table, err := crontab.Parse(strings.NewReader(content))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return table
}

func TestExecOneRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	calls := 0
	exec := func(ctx context.Context, job runner.Job) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}

	s := New(Config{RetryMax: 3, HistorySize: 10}, exec, logx.Nop())
	st := &runState{}
	st.tryAcquire()
	s.execOne(context.Background(), make(chan struct{}), task{name: "flaky", command: "x", state: st})

	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	h := s.History()
	if len(h) != 1 {
		t.Fatalf("history len = %d", len(h))
	}
	if h[0].Attempts != 3 || h[0].Error != "" {
		t.Fatalf("history item = %+v", h[0])
	}
	if st.tryAcquire() != true {
		t.Fatal("run state not released after execOne")
	}
}

func TestExecOneGivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	exec := func(ctx context.Context, job runner.Job) error { return errors.New("always") }

	s := New(Config{RetryMax: 1, HistorySize: 10}, exec, logx.Nop())
	st := &runState{}
	st.tryAcquire()
	s.execOne(context.Background(), make(chan struct{}), task{name: "bad", command: "x", state: st})

	h := s.History()
	if len(h) != 1 || h[0].Error != "always" || h[0].Attempts != 2 {
		t.Fatalf("history = %+v", h)
	}
}

func TestExecOneAppliesTimeout(t *testing.T) {
	t.Parallel()
	exec := func(ctx context.Context, job runner.Job) error {
		<-ctx.Done()
		return ctx.Err()
	}

	s := New(Config{RetryMax: 0, HistorySize: 10}, exec, logx.Nop())
	st := &runState{}
	st.tryAcquire()

	start := time.Now()
	s.execOne(context.Background(), make(chan struct{}), task{name: "slow", command: "x", timeout: 50 * time.Millisecond, state: st})
	if time.Since(start) > 5*time.Second {
		t.Fatal("per-attempt timeout not applied")
	}
	h := s.History()
	if len(h) != 1 || h[0].Error == "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestEnqueueSkipsOverlappingRuns(t *testing.T) {
	t.Parallel()
	s := New(Config{QueueSize: 4}, func(context.Context, runner.Job) error { return nil }, logx.Nop())
	s.queue = make(chan task, 4)

	st := &runState{}
	s.enqueue(task{name: "a", state: st})
	s.enqueue(task{name: "a", state: st}) // still "running": first enqueue holds the state

	if got := len(s.queue); got != 1 {
		t.Fatalf("queue len = %d, want 1 (overlap must be skipped)", got)
	}
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	t.Parallel()
	s := New(Config{}, func(context.Context, runner.Job) error { return nil }, logx.Nop())
	s.queue = make(chan task, 1)

	s.enqueue(task{name: "a", state: &runState{}})
	st := &runState{}
	s.enqueue(task{name: "b", state: st})

	if got := len(s.queue); got != 1 {
		t.Fatalf("queue len = %d, want 1", got)
	}
	// The dropped task must release its state or the job would never run again.
	if !st.tryAcquire() {
		t.Fatal("dropped task did not release run state")
	}
}

func TestStartFiresDueEntries(t *testing.T) {
	var mu sync.Mutex
	var got []string
	exec := func(ctx context.Context, job runner.Job) error {
		mu.Lock()
		got = append(got, job.Name)
		mu.Unlock()
		return nil
	}

	s := New(Config{Workers: 1, QueueSize: 8, Timezone: "UTC"}, exec, logx.Nop())
	s.SetTable(mustTable(t, "# name: tick\n@every 100ms true\n"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		s.Stop(stopCtx)
	}()

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("entry never fired")
		case <-time.After(20 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0] != "tick" {
		t.Fatalf("fired job = %q, want tick", got[0])
	}
}

func TestSnapshotExposesNextFireTime(t *testing.T) {
	s := New(Config{Workers: 1, Timezone: "UTC"}, func(context.Context, runner.Job) error { return nil }, logx.Nop())
	s.SetTable(mustTable(t, "# name: daily\n30 2 * * * /app/daily.sh\n"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		s.Stop(stopCtx)
	}()

	snap := s.Snapshot()
	if len(snap.Entries) != 1 {
		t.Fatalf("entries = %d", len(snap.Entries))
	}
	e := snap.Entries[0]
	if e.Name != "daily" || e.Spec != "30 2 * * *" {
		t.Fatalf("entry = %+v", e)
	}
	if e.Next.IsZero() {
		t.Fatal("Next not populated")
	}
	if e.Next.Hour() != 2 || e.Next.Minute() != 30 {
		t.Fatalf("Next = %v, want 02:30", e.Next)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	for retry := 1; retry <= 10; retry++ {
		d := retryDelay(retry)
		if d < 0 || d > 18*time.Second {
			t.Fatalf("retryDelay(%d) = %v out of bounds", retry, d)
		}
	}
}
