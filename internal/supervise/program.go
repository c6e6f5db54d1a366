package supervise

import (
	"sort"
	"time"

	"dailyd/internal/config"
)

// Program is a fully resolved child-process spec. Durations are parsed and
// env is flattened so the run loop never touches raw config again.
type Program struct {
	Name    string
	Command string
	Args    []string
	Dir     string
	Env     []string

	Autorestart bool
	RestartMax  int // <=0 means unlimited
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	StopGrace   time.Duration
}

// Resolve converts a validated config block into a Program.
func Resolve(pc config.ProgramConfig) Program {
	p := Program{
		Name:        pc.Name,
		Command:     pc.Command,
		Args:        append([]string(nil), pc.Args...),
		Dir:         pc.Dir,
		Autorestart: pc.Autorestart == nil || *pc.Autorestart,
		RestartMax:  pc.RestartMax,
		BackoffMin:  config.ParseDurationOrDefault(pc.BackoffMin, time.Second),
		BackoffMax:  config.ParseDurationOrDefault(pc.BackoffMax, 30*time.Second),
		StopGrace:   config.ParseDurationOrDefault(pc.StopGrace, 10*time.Second),
	}
	if p.BackoffMax < p.BackoffMin {
		p.BackoffMax = p.BackoffMin
	}
	// Sorted for stable comparison in Apply.
	keys := make([]string, 0, len(pc.Env))
	for k := range pc.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p.Env = append(p.Env, k+"="+pc.Env[k])
	}
	return p
}

// ResolveAll maps a config program list into specs.
func ResolveAll(pcs []config.ProgramConfig) []Program {
	out := make([]Program, 0, len(pcs))
	for _, pc := range pcs {
		out = append(out, Resolve(pc))
	}
	return out
}

func (p Program) equal(o Program) bool {
	if p.Name != o.Name || p.Command != o.Command || p.Dir != o.Dir ||
		p.Autorestart != o.Autorestart || p.RestartMax != o.RestartMax ||
		p.BackoffMin != o.BackoffMin || p.BackoffMax != o.BackoffMax ||
		p.StopGrace != o.StopGrace {
		return false
	}
	if len(p.Args) != len(o.Args) || len(p.Env) != len(o.Env) {
		return false
	}
	for i := range p.Args {
		if p.Args[i] != o.Args[i] {
			return false
		}
	}
	for i := range p.Env {
		if p.Env[i] != o.Env[i] {
			return false
		}
	}
	return true
}
