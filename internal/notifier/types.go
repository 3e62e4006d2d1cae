package notifier

import (
	"context"
	"time"
)

// Config controls the toast pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	HistorySize     int
}

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarn    Level = "warn"
	LevelError   Level = "error"
)

// Toast is one on-page notification.
type Toast struct {
	Level Level         `json:"level"`
	Text  string        `json:"text"`
	TTL   time.Duration `json:"ttl,omitempty"` // display time; zero lets the sink decide
}

// Sink displays toasts.
type Sink interface {
	Show(ctx context.Context, t Toast) error
}

type SinkFunc func(ctx context.Context, t Toast) error

func (f SinkFunc) Show(ctx context.Context, t Toast) error { return f(ctx, t) }

type HistoryItem struct {
	At    time.Time `json:"at"`
	Level Level     `json:"level"`
	Text  string    `json:"text"`
}

// Event is dispatched on the local bus for toast lifecycle changes.
type Event struct {
	Level Level     `json:"level"`
	Text  string    `json:"text"`
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

type Stats struct {
	Queued  uint64 `json:"queued"`
	Shown   uint64 `json:"shown"`
	Deduped uint64 `json:"deduped"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}
