package supervise

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"dailyd/pkg/logx"
)

type proc struct {
	spec   Program
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	state     string
	pid       int
	restarts  int
	startedAt time.Time
	lastExit  string
}

func (p *proc) stop() {
	p.cancel()
	<-p.done
}

func (p *proc) status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Status{
		Name:     p.spec.Name,
		State:    p.state,
		Restarts: p.restarts,
		LastExit: p.lastExit,
	}
	if p.state == StateRunning {
		s.PID = p.pid
		s.StartedAt = p.startedAt
	}
	return s
}

func (p *proc) setState(state string) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
}

// run is the supervision loop for one program. It returns when ctx is
// cancelled, when the program exits cleanly without autorestart, or when the
// restart budget is exhausted.
func (m *Manager) run(ctx context.Context, p *proc) {
	defer close(p.done)
	spec := p.spec

	for {
		exitErr := m.runOnce(ctx, p)

		if ctx.Err() != nil {
			p.setState(StateStopped)
			return
		}

		p.mu.Lock()
		if exitErr != nil {
			p.lastExit = exitErr.Error()
		} else {
			p.lastExit = "exit 0"
		}
		p.mu.Unlock()

		if !spec.Autorestart {
			m.log.Info("program exited, autorestart off",
				logx.String("program", spec.Name), logx.Err(exitErr))
			p.setState(StateStopped)
			return
		}

		p.mu.Lock()
		p.restarts++
		restarts := p.restarts
		p.mu.Unlock()

		if spec.RestartMax > 0 && restarts > spec.RestartMax {
			m.log.Error("program abandoned after restart budget",
				logx.String("program", spec.Name),
				logx.Int("restarts", restarts-1),
				logx.Err(exitErr),
			)
			p.setState(StateFatal)
			if m.alerts != nil {
				m.alerts.ProgramDown(spec.Name, restarts-1, exitErr)
			}
			return
		}

		delay := restartBackoff(spec.BackoffMin, spec.BackoffMax, restarts)
		m.log.Warn("program exited, restarting",
			logx.String("program", spec.Name),
			logx.Int("restart", restarts),
			logx.Duration("backoff", delay),
			logx.Err(exitErr),
		)
		p.setState(StateBackoff)

		select {
		case <-ctx.Done():
			p.setState(StateStopped)
			return
		case <-time.After(delay):
		}
		if err := m.limiter.Wait(ctx); err != nil {
			p.setState(StateStopped)
			return
		}
	}
}

// runOnce starts the program and blocks until it exits. On ctx cancellation
// it escalates SIGTERM -> stop_grace -> SIGKILL against the process group.
func (m *Manager) runOnce(ctx context.Context, p *proc) error {
	spec := p.spec

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	pid := cmd.Process.Pid

	p.mu.Lock()
	p.state = StateRunning
	p.pid = pid
	p.startedAt = time.Now()
	p.mu.Unlock()

	m.log.Info("program running", logx.String("program", spec.Name), logx.Int("pid", pid))

	var outWG sync.WaitGroup
	outWG.Add(2)
	go func() {
		defer outWG.Done()
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for sc.Scan() {
			m.log.Info(sc.Text(), logx.String("program", spec.Name), logx.String("stream", "stdout"))
		}
	}()
	go func() {
		defer outWG.Done()
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for sc.Scan() {
			m.log.Warn(sc.Text(), logx.String("program", spec.Name), logx.String("stream", "stderr"))
		}
	}()

	waitCh := make(chan error, 1)
	go func() {
		// Pipes must drain before Wait closes them.
		outWG.Wait()
		waitCh <- cmd.Wait()
	}()

	select {
	case werr := <-waitCh:
		return exitError(werr)
	case <-ctx.Done():
	}

	// Graceful stop: TERM the group, give it stop_grace, then KILL.
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case werr := <-waitCh:
		return exitError(werr)
	case <-time.After(spec.StopGrace):
	}
	m.log.Warn("program ignored SIGTERM, killing",
		logx.String("program", spec.Name), logx.Int("pid", pid))
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	return exitError(<-waitCh)
}

func exitError(err error) error {
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return fmt.Errorf("exit %d", ee.ExitCode())
	}
	return err
}

// restartBackoff doubles from min toward max per consecutive restart, with
// +-20% jitter so a fleet restarted together doesn't thunder back in sync.
func restartBackoff(min, max time.Duration, restart int) time.Duration {
	d := min
	for i := 1; i < restart; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	j := (rand.Float64()*2 - 1) * 0.2
	d = time.Duration(float64(d) * (1 + j))
	if d < min {
		d = min
	}
	if d > max {
		d = max
	}
	return d
}
