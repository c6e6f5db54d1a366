package supervise

import (
	"context"
	"sync"
	"testing"
	"time"

	"dailyd/internal/config"
	"dailyd/pkg/logx"
)

func boolPtr(b bool) *bool { return &b }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

type downRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (d *downRecorder) ProgramDown(name string, restarts int, err error) {
	d.mu.Lock()
	d.calls = append(d.calls, name)
	d.mu.Unlock()
}

func (d *downRecorder) names() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func TestResolveDefaultsAndEnvOrder(t *testing.T) {
	t.Parallel()
	p := Resolve(config.ProgramConfig{
		Name:    "svc",
		Command: "/bin/true",
		Env:     map[string]string{"B": "2", "A": "1"},
	})
	if !p.Autorestart {
		t.Fatal("autorestart should default to true")
	}
	if p.BackoffMin != time.Second || p.BackoffMax != 30*time.Second || p.StopGrace != 10*time.Second {
		t.Fatalf("duration defaults wrong: %+v", p)
	}
	if len(p.Env) != 2 || p.Env[0] != "A=1" || p.Env[1] != "B=2" {
		t.Fatalf("env not sorted: %v", p.Env)
	}
}

func TestManagerRunsAndStopsProgram(t *testing.T) {
	m := New(logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx, []Program{{
		Name:        "sleeper",
		Command:     "sleep",
		Args:        []string{"60"},
		Autorestart: true,
		BackoffMin:  10 * time.Millisecond,
		BackoffMax:  50 * time.Millisecond,
		StopGrace:   2 * time.Second,
	}})

	waitFor(t, 5*time.Second, func() bool {
		st := m.Statuses()
		return len(st) == 1 && st[0].State == StateRunning && st[0].PID > 0
	})

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	m.Stop(stopCtx)

	if got := m.Statuses(); len(got) != 0 {
		t.Fatalf("statuses after stop = %+v", got)
	}
}

func TestManagerRestartsCrashingProgram(t *testing.T) {
	m := New(logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx, []Program{{
		Name:        "crasher",
		Command:     "false",
		Autorestart: true,
		BackoffMin:  5 * time.Millisecond,
		BackoffMax:  20 * time.Millisecond,
		StopGrace:   time.Second,
	}})

	waitFor(t, 10*time.Second, func() bool {
		st := m.Statuses()
		return len(st) == 1 && st[0].Restarts >= 2
	})

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	m.Stop(stopCtx)
}

func TestManagerAbandonsAfterRestartBudget(t *testing.T) {
	rec := &downRecorder{}
	m := New(logx.Nop(), rec)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx, []Program{{
		Name:        "doomed",
		Command:     "false",
		Autorestart: true,
		RestartMax:  2,
		BackoffMin:  5 * time.Millisecond,
		BackoffMax:  10 * time.Millisecond,
		StopGrace:   time.Second,
	}})

	waitFor(t, 10*time.Second, func() bool {
		st := m.Statuses()
		return len(st) == 1 && st[0].State == StateFatal
	})
	if got := rec.names(); len(got) != 1 || got[0] != "doomed" {
		t.Fatalf("ProgramDown calls = %v", got)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	m.Stop(stopCtx)
}

func TestApplyReconcilesProgramSet(t *testing.T) {
	m := New(logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sleeper := func(name string) Program {
		return Program{
			Name:        name,
			Command:     "sleep",
			Args:        []string{"60"},
			Autorestart: true,
			BackoffMin:  10 * time.Millisecond,
			BackoffMax:  50 * time.Millisecond,
			StopGrace:   2 * time.Second,
		}
	}

	m.Start(ctx, []Program{sleeper("a"), sleeper("b")})
	waitFor(t, 5*time.Second, func() bool {
		st := m.Statuses()
		return len(st) == 2 && st[0].State == StateRunning && st[1].State == StateRunning
	})

	// Drop b, add c; a must keep its PID (untouched by the reload).
	before := m.Statuses()
	m.Apply([]Program{sleeper("a"), sleeper("c")})

	waitFor(t, 5*time.Second, func() bool {
		st := m.Statuses()
		return len(st) == 2 && st[0].Name == "a" && st[1].Name == "c" && st[1].State == StateRunning
	})
	after := m.Statuses()
	if before[0].PID != after[0].PID {
		t.Fatalf("unchanged program was restarted: pid %d -> %d", before[0].PID, after[0].PID)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	m.Stop(stopCtx)
}

func TestRestartBackoffBounds(t *testing.T) {
	t.Parallel()
	min, max := 100*time.Millisecond, 2*time.Second
	for restart := 1; restart <= 8; restart++ {
		d := restartBackoff(min, max, restart)
		if d < min || d > max {
			t.Fatalf("restartBackoff(%d) = %v outside [%v, %v]", restart, d, min, max)
		}
	}
}

func TestResolveUsesExplicitAutorestartFalse(t *testing.T) {
	t.Parallel()
	p := Resolve(config.ProgramConfig{Name: "once", Command: "true", Autorestart: boolPtr(false)})
	if p.Autorestart {
		t.Fatal("explicit autorestart: false ignored")
	}
}
