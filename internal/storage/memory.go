package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Hub is the shared state behind memory handles. Tabs in one process share
// a Hub the way browser tabs share their origin's storage.
type Hub struct {
	mu      sync.Mutex
	data    map[string][]byte
	nextID  uint64
	watches map[uint64]*memWatch
}

type memWatch struct {
	owner *memoryStore
	ch    chan Change
}

func NewHub() *Hub {
	return &Hub{data: map[string][]byte{}, watches: map[uint64]*memWatch{}}
}

// Open returns a new handle on the hub.
func (h *Hub) Open() Store {
	return &memoryStore{hub: h, done: make(chan struct{})}
}

// Len returns the number of stored keys.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.data)
}

// publish must be called with h.mu held. A full watcher drops the change.
func (h *Hub) publish(from *memoryStore, c Change) {
	for _, w := range h.watches {
		if w.owner == from {
			continue
		}
		select {
		case w.ch <- c:
		default:
		}
	}
}

type memoryStore struct {
	hub *Hub

	mu     sync.Mutex
	closed bool
	ids    []uint64
	done   chan struct{}
}

func (s *memoryStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *memoryStore) Put(ctx context.Context, key string, value []byte) error {
	_ = ctx
	if err := ValidKey(key); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}
	v := cloneBytes(value)
	h := s.hub
	h.mu.Lock()
	h.data[key] = v
	h.publish(s, Change{Key: key, Value: cloneBytes(v)})
	h.mu.Unlock()
	return nil
}

func (s *memoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	if s.isClosed() {
		return nil, false, ErrClosed
	}
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.data[key]
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(v), true, nil
}

func (s *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	if s.isClosed() {
		return ErrClosed
	}
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.data[key]; !ok {
		return nil
	}
	delete(h.data, key)
	h.publish(s, Change{Key: key})
	return nil
}

func (s *memoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	_ = ctx
	if s.isClosed() {
		return nil, ErrClosed
	}
	h := s.hub
	h.mu.Lock()
	out := make([]string, 0, len(h.data))
	for k := range h.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	h.mu.Unlock()
	sort.Strings(out)
	return out, nil
}

func (s *memoryStore) Watch(ctx context.Context) (<-chan Change, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	h := s.hub
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	w := &memWatch{owner: s, ch: make(chan Change, watchBuffer)}
	h.watches[id] = w
	h.mu.Unlock()
	s.ids = append(s.ids, id)
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.stopWatch(id)
	}()
	return w.ch, nil
}

func (s *memoryStore) stopWatch(id uint64) {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if w, ok := h.watches[id]; ok {
		delete(h.watches, id)
		close(w.ch)
	}
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ids := s.ids
	s.ids = nil
	close(s.done)
	s.mu.Unlock()

	for _, id := range ids {
		s.stopWatch(id)
	}
	return nil
}
