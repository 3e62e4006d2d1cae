package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrDisabled   = errors.New("storage disabled")
	ErrClosed     = errors.New("storage closed")
	ErrInvalidKey = errors.New("invalid storage key")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process hub (default)
//   - "file": shared directory at Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is "none", storage is disabled.
type Config struct {
	Driver       string
	Path         string
	PollInterval time.Duration // sqlite only; 0 means 200ms
	BusyTimeout  time.Duration // sqlite only; 0 means default

	// Hub is shared by memory handles. Nil gives the handle a private hub.
	Hub *Hub
}

// Change is one observed mutation. A nil Value reports a deletion.
type Change struct {
	Key   string
	Value []byte
}

// Deleted reports whether the change removed the key.
func (c Change) Deleted() bool { return c.Value == nil }

// Store is a shared key-value store with change notifications.
//
// Watch reports changes made through other handles. A driver may also report
// the handle's own writes; consumers must tolerate that.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Watch streams changes until ctx is done or the store is closed.
	Watch(ctx context.Context) (<-chan Change, error)

	Close() error
}

const watchBuffer = 256

// ValidKey rejects keys that cannot be stored by every driver.
func ValidKey(key string) error {
	if key == "" || strings.HasPrefix(key, ".") || strings.ContainsAny(key, `/\`+"\x00") {
		return ErrInvalidKey
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
