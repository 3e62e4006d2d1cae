// Package activity derives whether the user is active and whether the page
// is visible from interaction signals fed in by the host.
package activity

import (
	"context"
	"strings"
	"sync"
	"time"

	logx "tabsync/pkg/logx"
)

const (
	DefaultThreshold     = 60 * time.Second
	DefaultCheckInterval = 30 * time.Second
)

type Signal string

const (
	Pointer Signal = "pointer"
	Key     Signal = "key"
	Scroll  Signal = "scroll"
	Touch   Signal = "touch"
	Focus   Signal = "focus"
)

// ParseSignal accepts the canonical names plus a few host aliases.
func ParseSignal(s string) (Signal, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pointer", "mouse", "mousemove", "mousedown", "click":
		return Pointer, true
	case "key", "keydown", "keypress":
		return Key, true
	case "scroll", "wheel":
		return Scroll, true
	case "touch", "touchstart":
		return Touch, true
	case "focus":
		return Focus, true
	}
	return "", false
}

type State struct {
	Visible      bool      `json:"visible"`
	Active       bool      `json:"active"`
	LastActivity time.Time `json:"last_activity"`
}

// TransitionFunc observes a change of Visible or Active. It runs outside the
// monitor's lock.
type TransitionFunc func(prev, next State)

type Config struct {
	Threshold     time.Duration
	CheckInterval time.Duration
}

type Option func(*Monitor)

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// Monitor starts visible and active, as a freshly opened page would.
type Monitor struct {
	log logx.Logger
	now func() time.Time

	mu        sync.Mutex
	cfg       Config
	state     State
	listeners []TransitionFunc
	signals   map[Signal]uint64
}

func New(cfg Config, log logx.Logger, opts ...Option) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Monitor{
		log:     log.Comp("activity"),
		now:     time.Now,
		signals: map[Signal]uint64{},
	}
	for _, o := range opts {
		o(m)
	}
	m.cfg = normalize(cfg)
	m.state = State{Visible: true, Active: true, LastActivity: m.now()}
	return m
}

func normalize(cfg Config) Config {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	return cfg
}

// Configure swaps thresholds and re-evaluates activity.
func (m *Monitor) Configure(cfg Config) {
	m.mu.Lock()
	m.cfg = normalize(cfg)
	m.mu.Unlock()
	m.Check()
}

// OnTransition registers fn for every state change.
func (m *Monitor) OnTransition(fn TransitionFunc) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Record marks user activity. An inactive session flips to active at once.
func (m *Monitor) Record(sig Signal) {
	m.update(func(s *State) {
		s.LastActivity = m.now()
		s.Active = true
		m.signals[sig]++
	})
}

// SetVisible records a page visibility change.
func (m *Monitor) SetVisible(visible bool) {
	m.update(func(s *State) { s.Visible = visible })
}

// Check recomputes Active from the time since the last signal.
func (m *Monitor) Check() {
	m.update(func(s *State) {
		s.Active = m.now().Sub(s.LastActivity) < m.cfg.Threshold
	})
}

func (m *Monitor) update(fn func(*State)) {
	m.mu.Lock()
	prev := m.state
	fn(&m.state)
	next := m.state
	var ls []TransitionFunc
	if prev.Visible != next.Visible || prev.Active != next.Active {
		ls = append(ls, m.listeners...)
	}
	m.mu.Unlock()

	if len(ls) == 0 {
		return
	}
	m.log.Debug("activity transition",
		logx.Bool("visible", next.Visible),
		logx.Bool("active", next.Active),
	)
	for _, fn := range ls {
		fn(prev, next)
	}
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Signals returns per-signal counts.
func (m *Monitor) Signals() map[Signal]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Signal]uint64, len(m.signals))
	for k, v := range m.signals {
		out[k] = v
	}
	return out
}

// Run re-evaluates activity every CheckInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	every := m.cfg.CheckInterval
	m.mu.Unlock()

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Check()
			m.mu.Lock()
			cur := m.cfg.CheckInterval
			m.mu.Unlock()
			if cur != every {
				every = cur
				t.Reset(every)
			}
		}
	}
}
