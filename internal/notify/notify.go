// Package notify delivers one-way failure alerts to a Telegram chat.
//
// The service is deliberately fire-and-forget: callers never block on
// delivery, a bounded queue drops on overflow, and an unconfigured service
// is a no-op so call sites don't need nil checks.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"dailyd/internal/config"
	"dailyd/pkg/logx"
)

// sender is the slice of *tele.Bot the worker needs.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type message struct {
	key  string
	text string
}

type Service struct {
	log     logx.Logger
	bot     sender
	chat    tele.ChatID
	limiter *rate.Limiter
	window  time.Duration
	now     func() time.Time

	queue chan message
	done  chan struct{}

	mu        sync.Mutex
	accepting bool
	sendWG    sync.WaitGroup
	seen      map[string]time.Time
}

// New builds the alert service from config. A nil config (alerts section
// omitted) yields a disabled service that swallows every call.
func New(cfg *config.AlertsConfig, log logx.Logger) (*Service, error) {
	if cfg == nil || strings.TrimSpace(cfg.Token) == "" {
		return &Service{log: log}, nil
	}

	// Send-only: no poller, the bot never consumes updates.
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}

	return newWith(bot, cfg, log), nil
}

func newWith(bot sender, cfg *config.AlertsConfig, log logx.Logger) *Service {
	return &Service{
		log:     log,
		bot:     bot,
		chat:    tele.ChatID(cfg.ChatID),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		window:  config.ParseDurationOrDefault(cfg.DedupWindow, 10*time.Minute),
		now:     time.Now,
		queue:   make(chan message, cfg.QueueSize),
		seen:    make(map[string]time.Time),
	}
}

// Enabled reports whether alerts actually go anywhere.
func (s *Service) Enabled() bool { return s != nil && s.bot != nil }

// Start launches the delivery worker. No-op when disabled.
func (s *Service) Start(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	s.done = make(chan struct{})
	s.mu.Lock()
	s.accepting = true
	s.mu.Unlock()
	go s.worker(ctx)
}

// Stop blocks intake, waits for in-flight enqueues, then lets the worker
// drain the queue, bounded by ctx. Posts arriving after Stop (a job run
// finishing out its grace period, a straggling program exit) are dropped
// with a log line instead of hitting a closed channel.
func (s *Service) Stop(ctx context.Context) {
	if !s.Enabled() || s.done == nil {
		return
	}
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	inflight := make(chan struct{})
	go func() {
		s.sendWG.Wait()
		close(inflight)
	}()
	select {
	case <-inflight:
	case <-ctx.Done():
		return
	}

	close(s.queue)
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}

// JobFailed implements runner.Alerter.
func (s *Service) JobFailed(job, runID string, err error, outputTail string) {
	text := fmt.Sprintf("❌ job %s failed: %v", job, err)
	if tail := strings.TrimSpace(outputTail); tail != "" {
		if len(tail) > 1000 {
			tail = tail[len(tail)-1000:]
		}
		text += "\n\n" + tail
	}
	s.post("job:"+job, text)
}

// ProgramDown implements supervise.Alerter.
func (s *Service) ProgramDown(name string, restarts int, err error) {
	s.post("program:"+name,
		fmt.Sprintf("🛑 program %s gave up after %d restarts: %v", name, restarts, err))
}

func (s *Service) post(key, text string) {
	if !s.Enabled() {
		return
	}
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		s.log.Debug("alert after shutdown, dropping", logx.String("key", key))
		return
	}
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if s.duplicate(key) {
		return
	}
	select {
	case s.queue <- message{key: key, text: text}:
	default:
		s.log.Warn("alert queue full, dropping", logx.String("key", key))
	}
}

// duplicate marks key as seen and reports whether an alert with the same key
// already fired inside the dedup window.
func (s *Service) duplicate(key string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.seen[key]; ok && now.Sub(last) < s.window {
		return true
	}
	s.seen[key] = now
	// Shed stale keys so a long-lived daemon doesn't accumulate them.
	if len(s.seen) > 1024 {
		for k, t := range s.seen {
			if now.Sub(t) >= s.window {
				delete(s.seen, k)
			}
		}
	}
	return false
}

func (s *Service) worker(ctx context.Context) {
	defer close(s.done)
	for msg := range s.queue {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		if _, err := s.bot.Send(s.chat, msg.text); err != nil {
			s.log.Warn("alert send failed", logx.String("key", msg.key), logx.Err(err))
		}
	}
}
