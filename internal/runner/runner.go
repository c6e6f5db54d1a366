// Package runner executes crontab commands and records their outcome.
package runner

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"

	"dailyd/internal/store"
	"dailyd/pkg/logx"
)

// Recorder persists run outcomes. *store.Store satisfies it.
type Recorder interface {
	RecordRun(ctx context.Context, r store.Run) error
}

// Alerter raises failure alerts. *notify.Service satisfies it.
type Alerter interface {
	JobFailed(job, runID string, err error, outputTail string)
}

type Runner struct {
	log    logx.Logger
	rec    Recorder
	alerts Alerter
	shell  string
}

// New builds a runner. rec and alerts may be nil (history and alerting are
// then skipped, the run itself still happens).
func New(log logx.Logger, rec Recorder, alerts Alerter) *Runner {
	return &Runner{log: log, rec: rec, alerts: alerts, shell: "/bin/sh"}
}

type Job struct {
	Name    string
	Command string

	// Env is appended to the daemon's environment, crontab env lines first.
	Env []string
}

// Run executes one job attempt through the shell and blocks until it exits.
// The returned error is the execution failure (non-zero exit, spawn error,
// or context cancellation), which the scheduler uses for retry accounting.
func (r *Runner) Run(ctx context.Context, job Job) error {
	runID := uuid.NewString()
	start := time.Now()

	tail := newTailWriter(8 * 1024)

	cmd := exec.CommandContext(ctx, r.shell, "-c", job.Command)
	cmd.Env = append(os.Environ(), job.Env...)
	cmd.Stdout = tail
	cmd.Stderr = tail
	// Jobs spawn their own children; kill the whole group on cancellation so
	// a timed-out pipeline doesn't leave orphans behind.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	r.log.Info("job started", logx.String("job", job.Name), logx.String("run_id", runID))

	err := cmd.Run()
	dur := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		case ctx.Err() != nil:
			// Killed by timeout or shutdown; surface the cause, not the kill.
			err = ctx.Err()
			exitCode = -1
		default:
			exitCode = -1
		}
	}

	rec := store.Run{
		ID:        runID,
		Job:       job.Name,
		StartedAt: start,
		Duration:  dur,
		ExitCode:  exitCode,
		Output:    tail.String(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if r.rec != nil {
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if rerr := r.rec.RecordRun(rctx, rec); rerr != nil {
			r.log.Warn("run record failed", logx.String("job", job.Name), logx.Err(rerr))
		}
		cancel()
	}

	if err != nil {
		r.log.Warn("job failed",
			logx.String("job", job.Name),
			logx.String("run_id", runID),
			logx.Int("exit_code", exitCode),
			logx.Duration("dur", dur),
			logx.Err(err),
		)
		if r.alerts != nil {
			r.alerts.JobFailed(job.Name, runID, err, tail.String())
		}
		return err
	}

	r.log.Info("job completed", logx.String("job", job.Name), logx.String("run_id", runID), logx.Duration("dur", dur))
	return nil
}
