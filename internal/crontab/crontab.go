// Package crontab parses the schedule table that drives the daemon.
//
// The format is the operator-facing surface of classic cron: comments, blank
// lines, KEY=value environment lines, and entries made of a five-field spec
// (or a @descriptor) followed by a shell command. A `# name: <name>` comment
// directly above an entry names it; unnamed entries get jobN by order.
package crontab

import (
	"bufio"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Entry is one schedule line.
type Entry struct {
	Name    string
	Spec    string
	Command string
	Line    int

	Schedule cron.Schedule
}

// Next returns the first fire time after now.
func (e Entry) Next(now time.Time) time.Time {
	if e.Schedule == nil {
		return time.Time{}
	}
	return e.Schedule.Next(now)
}

// Table is a parsed crontab.
type Table struct {
	Entries []Entry

	// Env holds KEY=value lines in file order; they are applied to every
	// job's environment on top of the daemon's own.
	Env []string

	hash uint64
}

// Hash identifies the table content. Two parses of identical content hash
// equal, so reload paths can skip no-op changes.
func (t *Table) Hash() uint64 { return t.hash }

// Parser accepts the standard five fields plus descriptors (@daily, @every 1h, ...).
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSpec validates a single cron spec.
func ParseSpec(spec string) (cron.Schedule, error) {
	return parser.Parse(spec)
}

func ParseFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

func Parse(r io.Reader) (*Table, error) {
	t := &Table{}
	h := fnv.New64a()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	pendingName := ""
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := sc.Text()
		line := strings.TrimSpace(raw)

		if line == "" {
			pendingName = ""
			continue
		}
		if strings.HasPrefix(line, "#") {
			if name, ok := nameComment(line); ok {
				pendingName = name
			}
			continue
		}

		_, _ = h.Write([]byte(line))
		_, _ = h.Write([]byte{'\n'})

		if key, val, ok := envLine(line); ok {
			t.Env = append(t.Env, key+"="+val)
			pendingName = ""
			continue
		}

		e, err := parseEntry(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		e.Line = lineNo
		if pendingName != "" {
			e.Name = pendingName
			pendingName = ""
		} else {
			e.Name = fmt.Sprintf("job%d", len(t.Entries)+1)
		}
		t.Entries = append(t.Entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	seen := make(map[string]int, len(t.Entries))
	for _, e := range t.Entries {
		if prev, dup := seen[e.Name]; dup {
			return nil, fmt.Errorf("line %d: duplicate job name %q (first on line %d)", e.Line, e.Name, prev)
		}
		seen[e.Name] = e.Line
		// Names come from comments, which are otherwise excluded from the
		// hash; fold them in so a rename alone still counts as a change.
		_, _ = h.Write([]byte(e.Name))
		_, _ = h.Write([]byte{0})
	}

	t.hash = h.Sum64()
	return t, nil
}

func parseEntry(line string) (Entry, error) {
	var spec string
	rest := line

	if strings.HasPrefix(line, "@") {
		field, tail := nextField(line)
		if strings.EqualFold(field, "@every") {
			dur, tail2 := nextField(tail)
			if dur == "" {
				return Entry{}, fmt.Errorf("@every requires a duration")
			}
			spec = field + " " + dur
			rest = tail2
		} else {
			spec = field
			rest = tail
		}
	} else {
		fields := make([]string, 0, 5)
		for i := 0; i < 5; i++ {
			var field string
			field, rest = nextField(rest)
			if field == "" {
				return Entry{}, fmt.Errorf("expected 5 schedule fields and a command")
			}
			fields = append(fields, field)
		}
		spec = strings.Join(fields, " ")
	}

	cmd := strings.TrimSpace(rest)
	if cmd == "" {
		return Entry{}, fmt.Errorf("entry has no command")
	}

	sched, err := parser.Parse(spec)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return Entry{Spec: spec, Command: cmd, Schedule: sched}, nil
}

// nextField returns the first whitespace-delimited token and the remainder,
// preserving the remainder's inner spacing (commands may contain quoted runs).
func nextField(s string) (field, rest string) {
	s = strings.TrimLeft(s, " \t")
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i:]
}

// envLine recognizes KEY=value assignments. Keys follow shell identifier
// rules; values may be single- or double-quoted.
func envLine(line string) (key, val string, ok bool) {
	i := strings.IndexByte(line, '=')
	if i <= 0 {
		return "", "", false
	}
	key = strings.TrimRight(line[:i], " \t")
	if !validEnvKey(key) {
		return "", "", false
	}
	val = strings.TrimLeft(line[i+1:], " \t")
	if len(val) >= 2 {
		if (val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'') {
			val = val[1 : len(val)-1]
		}
	}
	return key, val, true
}

func validEnvKey(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// nameComment matches "# name: <job-name>".
func nameComment(line string) (string, bool) {
	s := strings.TrimSpace(strings.TrimPrefix(line, "#"))
	if !strings.HasPrefix(s, "name:") {
		return "", false
	}
	name := strings.TrimSpace(strings.TrimPrefix(s, "name:"))
	if name == "" || strings.ContainsAny(name, " \t") {
		return "", false
	}
	return name, true
}
