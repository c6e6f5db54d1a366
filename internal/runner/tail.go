package runner

import "sync"

// tailWriter keeps the last max bytes written to it. Job output is recorded
// for debugging, not archival, so only the tail matters.
type tailWriter struct {
	mu        sync.Mutex
	max       int
	buf       []byte
	truncated bool
}

func newTailWriter(max int) *tailWriter {
	if max <= 0 {
		max = 4096
	}
	return &tailWriter{max: max}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(p) >= w.max {
		if len(p) > w.max || len(w.buf) > 0 {
			w.truncated = true
		}
		w.buf = append(w.buf[:0], p[len(p)-w.max:]...)
		return len(p), nil
	}
	if over := len(w.buf) + len(p) - w.max; over > 0 {
		w.buf = w.buf[over:]
		w.truncated = true
	}
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.truncated {
		return "..." + string(w.buf)
	}
	return string(w.buf)
}
