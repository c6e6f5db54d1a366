package crontab

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"dailyd/pkg/logx"
)

// Watch blocks, re-parsing the crontab whenever the file changes and handing
// good tables to onChange. Bad edits are logged and discarded so the last
// good schedule keeps running; content-identical rewrites are skipped.
//
// The returned error is only ever a watcher setup failure; run it under a
// restart loop.
func Watch(ctx context.Context, path string, last uint64, log logx.Logger, onChange func(*Table)) error {
	dir := filepath.Dir(path)
	file := filepath.Base(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}

	var (
		mu       sync.Mutex
		timer    *time.Timer
		lastHash = last
	)
	debounce := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			t, err := ParseFile(path)
			if err != nil {
				log.Warn("crontab reload rejected", logx.String("path", path), logx.Err(err))
				return
			}
			mu.Lock()
			unchanged := t.Hash() == lastHash
			if !unchanged {
				lastHash = t.Hash()
			}
			mu.Unlock()
			if unchanged {
				return
			}
			log.Info("crontab reloaded", logx.String("path", path), logx.Int("entries", len(t.Entries)))
			onChange(t)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) {
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					debounce()
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				log.Warn("crontab watch error", logx.Err(err), logx.String("dir", dir))
			}
		}
	}
}
