package storage

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reports writes to any of keys made by any process, including this one.
// fn runs on the watcher goroutine; Watch returns once the watcher is armed and
// stops delivering when ctx is done.
func (s *FileStore) Watch(ctx context.Context, keys []string, fn func(Change)) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return err
	}

	watched := make(map[string]string, len(keys))
	for _, k := range keys {
		watched[fileName(k)] = k
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.dir); err != nil {
		_ = w.Close()
		return err
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				name := filepath.Base(ev.Name)
				if !isStateFile(name) {
					continue
				}
				key, ok := watched[name]
				if !ok {
					continue
				}
				s.dispatch(key, ev, fn)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("storage watch error", "dir", s.dir, "error", err)
			}
		}
	}()

	return nil
}

func (s *FileStore) dispatch(key string, ev fsnotify.Event, fn func(Change)) {
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		fn(Change{Key: key, Deleted: true})
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		value, err := s.Get(key)
		if errors.Is(err, ErrNotFound) {
			fn(Change{Key: key, Deleted: true})
			return
		}
		if err != nil {
			slog.Warn("storage watch read failed", "key", key, "error", err)
			return
		}
		fn(Change{Key: key, Value: value})
	}
}
