// Package supervise keeps configured child processes running, restarting
// them with bounded backoff when they exit unexpectedly.
package supervise

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dailyd/pkg/logx"
)

// Alerter raises an alert when a program is abandoned after exhausting its
// restart budget. *notify.Service satisfies it.
type Alerter interface {
	ProgramDown(name string, restarts int, err error)
}

// State names reported by Statuses.
const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateBackoff  = "backoff"
	StateStopped  = "stopped"
	StateFatal    = "fatal"
)

// Status is a point-in-time view of one supervised program.
type Status struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	PID       int       `json:"pid,omitempty"`
	Restarts  int       `json:"restarts"`
	StartedAt time.Time `json:"started_at,omitempty"`
	LastExit  string    `json:"last_exit,omitempty"`
}

// Manager owns the supervised process set. Apply reconciles it against a new
// spec list, so config hot-reload is just another Apply.
type Manager struct {
	log    logx.Logger
	alerts Alerter

	// Restarts across all programs share one limiter so a crash-looping
	// fleet can't monopolise the host.
	limiter *rate.Limiter

	mu      sync.Mutex
	ctx     context.Context
	procs   map[string]*proc
	stopped bool
}

// New builds a manager. alerts may be nil.
func New(log logx.Logger, alerts Alerter) *Manager {
	return &Manager{
		log:     log,
		alerts:  alerts,
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 3),
		procs:   make(map[string]*proc),
	}
}

// Start launches the initial program set. ctx bounds the lifetime of every
// child; cancelling it begins shutdown but Stop must still be called to wait.
func (m *Manager) Start(ctx context.Context, programs []Program) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx = ctx
	for _, p := range programs {
		m.launchLocked(p)
	}
}

// Apply reconciles the running set against a new spec list: unchanged
// programs keep running, removed ones stop, new or changed ones (re)start.
func (m *Manager) Apply(programs []Program) {
	m.mu.Lock()
	if m.stopped || m.ctx == nil {
		m.mu.Unlock()
		return
	}

	want := make(map[string]Program, len(programs))
	for _, p := range programs {
		want[p.Name] = p
	}

	var stop []*proc
	for name, pr := range m.procs {
		spec, keep := want[name]
		if keep && spec.equal(pr.spec) {
			delete(want, name)
			continue
		}
		stop = append(stop, pr)
		delete(m.procs, name)
	}
	m.mu.Unlock()

	for _, pr := range stop {
		m.log.Info("stopping program", logx.String("program", pr.spec.Name))
		pr.stop()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	for _, p := range programs {
		if _, changed := want[p.Name]; changed {
			m.launchLocked(p)
		}
	}
}

func (m *Manager) launchLocked(p Program) {
	ctx, cancel := context.WithCancel(m.ctx)
	pr := &proc{
		spec:   p,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateStarting,
	}
	m.procs[p.Name] = pr
	m.log.Info("starting program",
		logx.String("program", p.Name),
		logx.String("command", p.Command),
	)
	go m.run(ctx, pr)
}

// Stop terminates every program and waits for them, bounded by ctx.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	m.stopped = true
	procs := make([]*proc, 0, len(m.procs))
	for _, pr := range m.procs {
		procs = append(procs, pr)
	}
	m.procs = make(map[string]*proc)
	m.mu.Unlock()

	for _, pr := range procs {
		pr.cancel()
	}
	for _, pr := range procs {
		select {
		case <-pr.done:
		case <-ctx.Done():
			m.log.Warn("gave up waiting for program", logx.String("program", pr.spec.Name))
			return
		}
	}
}

// Statuses reports every supervised program, sorted by name.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	procs := make([]*proc, 0, len(m.procs))
	for _, pr := range m.procs {
		procs = append(procs, pr)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(procs))
	for _, pr := range procs {
		out = append(out, pr.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
