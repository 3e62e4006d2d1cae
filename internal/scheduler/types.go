package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"tabsync/internal/activity"
	"tabsync/internal/resource"
	"tabsync/internal/syncqueue"
)

// EventCompleted is emitted on the bus after a successful sync.
const EventCompleted = "sync.completed"

// Queue reasons set by the scheduler itself.
const (
	ReasonPoll    = "poll"
	ReasonForce   = "force"
	ReasonVisible = "visible"
	ReasonRetry   = "retry"

	// RemotePrefix marks reasons caused by another tab's completion.
	RemotePrefix = "remote:"
)

// announces reports whether a sync queued for reasons should be broadcast as
// a completion. Polls, catch-ups, remote completions and the scheduler's own
// bookkeeping are not news to other tabs.
func announces(reasons []string) bool {
	for _, r := range reasons {
		switch {
		case r == ReasonPoll, r == ReasonVisible, r == ReasonRetry:
		case strings.HasPrefix(r, RemotePrefix):
		default:
			return true
		}
	}
	return false
}

var (
	ErrNoHandler = errors.New("scheduler: no handler registered")
	ErrInvalid   = errors.New("scheduler: invalid resource")
)

type Config struct {
	Enabled           bool
	FastInterval      time.Duration
	IdleInterval      time.Duration
	HiddenMultiplier  int
	SuspendWhenHidden bool
	MinSpacing        time.Duration
	FlushDelay        time.Duration
	HistorySize       int
}

func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		FastInterval:     5 * time.Second,
		IdleInterval:     30 * time.Second,
		HiddenMultiplier: 4,
		MinSpacing:       3 * time.Second,
		FlushDelay:       1500 * time.Millisecond,
		HistorySize:      50,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.FastInterval <= 0 {
		c.FastInterval = d.FastInterval
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = d.IdleInterval
	}
	if c.IdleInterval < c.FastInterval {
		c.IdleInterval = c.FastInterval
	}
	if c.HiddenMultiplier <= 0 {
		c.HiddenMultiplier = d.HiddenMultiplier
	}
	if c.MinSpacing < 0 {
		c.MinSpacing = 0
	}
	if c.FlushDelay <= 0 {
		c.FlushDelay = d.FlushDelay
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	return c
}

// SyncFunc re-fetches and re-renders one resource. It must be safe to call
// repeatedly.
type SyncFunc func(ctx context.Context) error

type registration struct {
	resource resource.Type
	name     string
	poll     bool
	fn       SyncFunc
}

type RegisterOption func(*registration)

// WithPoll queues the resource on every tick, not only when something
// enqueued it.
func WithPoll() RegisterOption { return func(r *registration) { r.poll = true } }

// WithName labels the handler in logs and snapshots.
func WithName(name string) RegisterOption { return func(r *registration) { r.name = name } }

// Presence reports the tab's visibility and user activity.
type Presence interface {
	State() activity.State
}

// Emitter publishes completion events.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload any, source string) error
}

// Toaster shows a short on-page notification.
type Toaster interface {
	Toast(ctx context.Context, level, text string)
}

// Toast levels.
const (
	ToastSuccess = "success"
	ToastError   = "error"
)

// Completion is the payload of EventCompleted.
type Completion struct {
	Resource resource.Type `json:"resource"`
	Reasons  []string      `json:"reasons"`
	At       int64         `json:"at"`
}

type Mode string

const (
	ModeActive   Mode = "active"
	ModeIdle     Mode = "idle"
	ModeHidden   Mode = "hidden"
	ModeDisabled Mode = "disabled"
)

// Trigger is what started a sync cycle.
type Trigger string

const (
	TriggerTick    Trigger = "tick"
	TriggerFlush   Trigger = "flush"
	TriggerForce   Trigger = "force"
	TriggerVisible Trigger = "visible"
)

type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeFailed    Outcome = "failed"
	OutcomeDeferred  Outcome = "deferred" // refused by minimum spacing; not retried
	OutcomeNoHandler Outcome = "no_handler"
)

// Result describes one resource's fate in a sync cycle.
type Result struct {
	Resource resource.Type `json:"resource"`
	Reasons  []string      `json:"reasons"`
	Trigger  Trigger       `json:"trigger"`
	Outcome  Outcome       `json:"outcome"`
	Started  time.Time     `json:"started"`
	Took     time.Duration `json:"took"`
	Error    string        `json:"error,omitempty"`
}

type resourceState struct {
	lastAttempt time.Time
	lastSync    time.Time
	lastError   string
	successes   uint64
	failures    uint64
}

type ResourceInfo struct {
	Resource    resource.Type `json:"resource"`
	Name        string        `json:"name,omitempty"`
	Poll        bool          `json:"poll"`
	LastAttempt time.Time     `json:"last_attempt,omitempty"`
	LastSync    time.Time     `json:"last_sync,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	Successes   uint64        `json:"successes"`
	Failures    uint64        `json:"failures"`
}

// Counters count every skipped or swallowed outcome.
type Counters struct {
	Ticks           uint64 `json:"ticks"`
	SkippedDisabled uint64 `json:"skipped_disabled"`
	SkippedHidden   uint64 `json:"skipped_hidden"`
	SkippedBusy     uint64 `json:"skipped_busy"`
	Cycles          uint64 `json:"cycles"`
	Flushes         uint64 `json:"flushes"`
	CatchUps        uint64 `json:"catch_ups"`
	Syncs           uint64 `json:"syncs"`
	Failures        uint64 `json:"failures"`
	Panics          uint64 `json:"panics"`
	Deferred        uint64 `json:"deferred"`
	Unhandled       uint64 `json:"unhandled"`
	Completions     uint64 `json:"completions"`
	Unannounced     uint64 `json:"unannounced"`
	EmitErrors      uint64 `json:"emit_errors"`
	CronErrors      uint64 `json:"cron_errors"`
}

type Snapshot struct {
	Enabled         bool              `json:"enabled"`
	Mode            Mode              `json:"mode"`
	Visible         bool              `json:"visible"`
	Active          bool              `json:"active"`
	LastActivity    time.Time         `json:"last_activity"`
	CurrentInterval time.Duration     `json:"current_interval"`
	FastInterval    time.Duration     `json:"fast_interval"`
	IdleInterval    time.Duration     `json:"idle_interval"`
	MinSpacing      time.Duration     `json:"min_spacing"`
	NextTick        time.Time         `json:"next_tick,omitempty"`
	Queue           []syncqueue.Entry `json:"queue"`
	QueueStats      syncqueue.Stats   `json:"queue_stats"`
	Resources       []ResourceInfo    `json:"resources"`
	Counters        Counters          `json:"counters"`
	History         []Result          `json:"history"`
}
