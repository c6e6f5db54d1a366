package scheduler

import (
	"context"
	"math/rand"
	"time"

	"dailyd/internal/runner"
	"dailyd/pkg/logx"
)

func (s *Service) enqueue(t task) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		s.log.Debug("scheduler not running; dropping task", logx.String("job", t.name))
		return
	}

	// Overlap control happens at enqueue time so a slow job can't stack up
	// queued duplicates of itself.
	if !t.state.tryAcquire() {
		s.log.Warn("job firing skipped (previous run still in flight)", logx.String("job", t.name))
		return
	}

	select {
	case q <- t:
	default:
		t.state.release()
		s.log.Warn("scheduler queue full; dropping task",
			logx.String("job", t.name),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
		)
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan task) {
	defer s.workerWG.Done()
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			s.execOne(ctx, stopCh, t)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, t task) {
	defer t.state.release()
	start := time.Now()

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	retries := cfg.RetryMax
	if retries < 0 {
		retries = 0
	}
	maxAttempts := 1 + retries

	var err error
	attempts := 0
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		// Per-attempt timeout (so a timed-out first attempt doesn't poison retries).
		runCtx := ctx
		var cancel func()
		if t.timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, t.timeout)
		}
		err = s.exec(runCtx, runner.Job{Name: t.name, Command: t.command, Env: t.env})
		if cancel != nil {
			cancel()
		}
		if err == nil || attempt >= maxAttempts || ctx.Err() != nil {
			break
		}

		delay := retryDelay(attempt)
		s.log.Debug("job retry scheduled",
			logx.String("job", t.name),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			break attemptLoop
		case <-tmr.C:
		}
	}

	item := HistoryItem{
		Name:     t.name,
		Started:  start,
		Duration: time.Since(start),
		Attempts: attempts,
	}
	if err != nil {
		item.Error = err.Error()
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	historySize := cfg.HistorySize
	if historySize <= 0 {
		historySize = 200
	}
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

// retryDelay grows exponentially from 500ms capped at 15s, with 20% jitter.
func retryDelay(retry int) time.Duration {
	const (
		base     = 500 * time.Millisecond
		maxDelay = 15 * time.Second
	)
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxDelay {
			d = maxDelay
			break
		}
	}
	j := (rand.Float64()*2 - 1) * 0.2
	d = time.Duration(float64(d) * (1 + j))
	if d < 0 {
		d = 0
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
