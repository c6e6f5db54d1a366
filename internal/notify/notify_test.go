package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"dailyd/internal/config"
	"dailyd/pkg/logx"
)

type fakeBot struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeBot) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := what.(string); ok {
		f.sent = append(f.sent, s)
	}
	return &tele.Message{}, nil
}

func (f *fakeBot) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func testService(bot sender) *Service {
	return newWith(bot, &config.AlertsConfig{
		ChatID:      42,
		RatePerSec:  100,
		DedupWindow: "10m",
		QueueSize:   16,
	}, logx.Nop())
}

func waitSent(t *testing.T, bot *fakeBot, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(bot.texts()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("only %d alerts delivered, want %d", len(bot.texts()), n)
}

func TestDisabledServiceSwallowsCalls(t *testing.T) {
	t.Parallel()
	s, err := New(nil, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Enabled() {
		t.Fatal("nil config must yield a disabled service")
	}
	// Must not panic even without Start.
	s.JobFailed("j", "r", errors.New("x"), "")
	s.ProgramDown("p", 3, errors.New("y"))
	s.Start(context.Background())
	s.Stop(context.Background())
}

func TestJobFailedDelivered(t *testing.T) {
	t.Parallel()
	bot := &fakeBot{}
	s := testService(bot)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	s.JobFailed("daily", "run-1", errors.New("exit 2"), "some output\nlast line")
	waitSent(t, bot, 1)
	s.Stop(context.Background())

	got := bot.texts()[0]
	for _, want := range []string{"daily", "exit 2", "last line"} {
		if !strings.Contains(got, want) {
			t.Fatalf("alert %q missing %q", got, want)
		}
	}
}

func TestPostAfterStopIsDropped(t *testing.T) {
	t.Parallel()
	bot := &fakeBot{}
	s := testService(bot)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	s.JobFailed("daily", "r1", errors.New("boom"), "")
	waitSent(t, bot, 1)
	s.Stop(context.Background())

	// A job run finishing out its grace period may report after shutdown;
	// that must be a silent drop, never a send on the closed queue.
	s.JobFailed("daily", "r2", errors.New("late"), "")
	s.ProgramDown("p", 5, errors.New("late"))

	if n := len(bot.texts()); n != 1 {
		t.Fatalf("delivered %d alerts, want 1", n)
	}
}

func TestDedupSuppressesRepeats(t *testing.T) {
	t.Parallel()
	bot := &fakeBot{}
	s := testService(bot)
	now := time.Now()
	s.now = func() time.Time { return now }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	s.JobFailed("daily", "r1", errors.New("boom"), "")
	s.JobFailed("daily", "r2", errors.New("boom"), "")
	waitSent(t, bot, 1)

	// Advance past the window: the same key fires again.
	now = now.Add(11 * time.Minute)
	s.JobFailed("daily", "r3", errors.New("boom"), "")
	waitSent(t, bot, 2)

	s.Stop(context.Background())
	if n := len(bot.texts()); n != 2 {
		t.Fatalf("delivered %d alerts, want 2", n)
	}
}

func TestDistinctKeysNotDeduped(t *testing.T) {
	t.Parallel()
	bot := &fakeBot{}
	s := testService(bot)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	s.JobFailed("a", "r1", errors.New("x"), "")
	s.ProgramDown("a", 1, errors.New("x")) // different key space
	s.JobFailed("b", "r2", errors.New("x"), "")
	waitSent(t, bot, 3)
	s.Stop(context.Background())
}
