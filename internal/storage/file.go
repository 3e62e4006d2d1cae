package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	logx "tabsync/pkg/logx"
)

// fileStore keeps one file per key in a directory shared by every tab.
//
// Writes go to a dot-prefixed temp file and are renamed into place, so a
// watcher never reads a partial value. Dot files are invisible to Keys and
// Watch.
type fileStore struct {
	dir string
	log logx.Logger

	mu       sync.Mutex
	closed   bool
	watchers []*fsnotify.Watcher
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{dir: dir, log: log.With(logx.String("driver", "file"))}, nil
}

func (s *fileStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fileStore) Put(ctx context.Context, key string, value []byte) error {
	_ = ctx
	if err := ValidKey(key); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}

	tmp := filepath.Join(s.dir, "."+key+"."+uuid.NewString()[:8]+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if _, err := f.Write(value); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, key)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *fileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	if err := ValidKey(key); err != nil {
		return nil, false, err
	}
	if s.isClosed() {
		return nil, false, ErrClosed
	}
	b, err := os.ReadFile(filepath.Join(s.dir, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return cloneBytes(b), true, nil
}

func (s *fileStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	if err := ValidKey(key); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}
	err := os.Remove(filepath.Join(s.dir, key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	_ = ctx
	if s.isClosed() {
		return nil, ErrClosed
	}
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ents))
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *fileStore) Watch(ctx context.Context) (<-chan Change, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("watch %s: %w", s.dir, err)
	}
	if err := w.Add(s.dir); err != nil {
		s.mu.Unlock()
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", s.dir, err)
	}
	s.watchers = append(s.watchers, w)
	s.mu.Unlock()

	out := make(chan Change, watchBuffer)
	go s.watchLoop(ctx, w, out)
	return out, nil
}

func (s *fileStore) watchLoop(ctx context.Context, w *fsnotify.Watcher, out chan<- Change) {
	defer close(out)
	defer func() { _ = w.Close() }()

	emit := func(c Change) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			key := filepath.Base(ev.Name)
			if ValidKey(key) != nil {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				b, err := os.ReadFile(ev.Name)
				if err != nil {
					// Removed before we could read it; the Remove event follows.
					continue
				}
				if !emit(Change{Key: key, Value: cloneBytes(b)}) {
					return
				}
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				if !emit(Change{Key: key}) {
					return
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if err != nil {
				s.log.Warn("store watch error", logx.String("dir", s.dir), logx.Err(err))
			}
		}
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var first error
	for _, w := range s.watchers {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.watchers = nil
	return first
}
