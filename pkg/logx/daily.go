package logx

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// dailyFile appends to <dir>/<YYYY-MM-DD>.log and reopens the file when the
// calendar day (in loc) rolls over. The date check happens on every Write, so
// no background timer is needed and clock jumps are handled for free.
type dailyFile struct {
	dir string
	loc *time.Location
	now func() time.Time

	mu  sync.Mutex
	day string
	f   *os.File
}

func (w *dailyFile) open() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked(w.now().In(w.loc).Format(time.DateOnly))
}

func (w *dailyFile) rotateLocked(day string) error {
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(w.dir, day+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	w.day = day
	return nil
}

func (w *dailyFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	day := w.now().In(w.loc).Format(time.DateOnly)
	if w.f == nil || day != w.day {
		if err := w.rotateLocked(day); err != nil {
			return 0, err
		}
	}
	return w.f.Write(p)
}

func (w *dailyFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
