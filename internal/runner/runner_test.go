package runner

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"dailyd/internal/store"
	"dailyd/pkg/logx"
)

type memRecorder struct {
	mu   sync.Mutex
	runs []store.Run
}

func (m *memRecorder) RecordRun(_ context.Context, r store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, r)
	return nil
}

type memAlerter struct {
	mu    sync.Mutex
	calls []string
}

func (m *memAlerter) JobFailed(job, runID string, err error, tail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, job)
}

func TestRunSuccess(t *testing.T) {
	rec := &memRecorder{}
	al := &memAlerter{}
	r := New(logx.Nop(), rec, al)

	err := r.Run(context.Background(), Job{Name: "hello", Command: "echo hi", Env: []string{"GREETING=hi"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(rec.runs) != 1 {
		t.Fatalf("recorded %d runs, want 1", len(rec.runs))
	}
	got := rec.runs[0]
	if got.Job != "hello" || got.ExitCode != 0 || got.ID == "" {
		t.Fatalf("run row = %+v", got)
	}
	if !strings.Contains(got.Output, "hi") {
		t.Fatalf("output = %q", got.Output)
	}
	if len(al.calls) != 0 {
		t.Fatalf("unexpected alerts: %v", al.calls)
	}
}

func TestRunFailureRecordsAndAlerts(t *testing.T) {
	rec := &memRecorder{}
	al := &memAlerter{}
	r := New(logx.Nop(), rec, al)

	err := r.Run(context.Background(), Job{Name: "boom", Command: "echo oops >&2; exit 3"})
	if err == nil {
		t.Fatal("expected error for exit 3")
	}

	if len(rec.runs) != 1 {
		t.Fatalf("recorded %d runs, want 1", len(rec.runs))
	}
	got := rec.runs[0]
	if got.ExitCode != 3 {
		t.Fatalf("ExitCode = %d, want 3", got.ExitCode)
	}
	if !strings.Contains(got.Output, "oops") {
		t.Fatalf("stderr not captured: %q", got.Output)
	}
	if len(al.calls) != 1 || al.calls[0] != "boom" {
		t.Fatalf("alerts = %v", al.calls)
	}
}

func TestRunTimeout(t *testing.T) {
	r := New(logx.Nop(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := r.Run(ctx, Job{Name: "slow", Command: "sleep 30"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 10*time.Second {
		t.Fatal("job was not killed on timeout")
	}
}

func TestRunNilCollaborators(t *testing.T) {
	r := New(logx.Nop(), nil, nil)
	if err := r.Run(context.Background(), Job{Name: "ok", Command: "true"}); err != nil {
		t.Fatalf("Run with nil recorder/alerter: %v", err)
	}
}

func TestTailWriterBounds(t *testing.T) {
	t.Parallel()
	w := newTailWriter(8)
	_, _ = w.Write([]byte("abcd"))
	if w.String() != "abcd" {
		t.Fatalf("String = %q", w.String())
	}
	_, _ = w.Write([]byte("efghij"))
	if got := w.String(); got != "...cdefghij" {
		t.Fatalf("String = %q, want ...cdefghij", got)
	}

	w2 := newTailWriter(4)
	_, _ = w2.Write([]byte("0123456789"))
	if got := w2.String(); got != "...6789" {
		t.Fatalf("oversized write: %q", got)
	}
}
