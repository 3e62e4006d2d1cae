package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"tabsync/internal/activity"
	"tabsync/internal/resource"
	"tabsync/internal/syncqueue"
	logx "tabsync/pkg/logx"
)

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithPresence(p Presence) Option { return func(s *Service) { s.presence = p } }

func WithEmitter(e Emitter) Option { return func(s *Service) { s.emitter = e } }

func WithToaster(t Toaster) Option { return func(s *Service) { s.toaster = t } }

// WithSource supplies the module id completions are emitted under.
func WithSource(fn func() string) Option { return func(s *Service) { s.source = fn } }

// WithSpreadTag seeds the first-tick jitter. Tabs should pass distinct tags.
func WithSpreadTag(tag string) Option { return func(s *Service) { s.tag = tag } }

type Service struct {
	log logx.Logger
	now func() time.Time
	tag string

	queue    *syncqueue.Queue
	presence Presence
	emitter  Emitter
	toaster  Toaster
	source   func() string

	mu         sync.Mutex
	cfg        Config
	regs       map[resource.Type]*registration
	state      map[resource.Type]*resourceState
	history    []Result
	counters   Counters
	runCtx     context.Context
	flushTimer *time.Timer
	flushAt    time.Time

	// cronMu guards the cron instance and its single entry.
	// Lock order: cronMu, then mu.
	cronMu   sync.Mutex
	c        *cron.Cron
	entry    cron.EntryID
	curEvery time.Duration

	// cycleMu serializes sync cycles.
	cycleMu sync.Mutex

	cronErrors atomic.Uint64
}

func New(cfg Config, queue *syncqueue.Queue, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if queue == nil {
		queue = syncqueue.New()
	}
	s := &Service{
		log:    log.Comp("scheduler"),
		now:    time.Now,
		queue:  queue,
		source: func() string { return "" },
		cfg:    cfg.normalized(),
		regs:   map[resource.Type]*registration{},
		state:  map[resource.Type]*resourceState{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register installs fn as the sync routine for r, replacing any previous one.
func (s *Service) Register(r resource.Type, fn SyncFunc, opts ...RegisterOption) error {
	if !r.Valid() || fn == nil {
		return fmt.Errorf("register %v: %w", r, ErrInvalid)
	}
	reg := &registration{resource: r, name: r.String(), fn: fn}
	for _, o := range opts {
		o(reg)
	}
	s.mu.Lock()
	s.regs[r] = reg
	s.mu.Unlock()
	s.log.Debug("handler registered", logx.String("resource", r.String()), logx.String("name", reg.name), logx.Bool("poll", reg.poll))
	return nil
}

func (s *Service) Unregister(r resource.Type) {
	s.mu.Lock()
	delete(s.regs, r)
	s.mu.Unlock()
}

func (s *Service) registered() []resource.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]resource.Type, 0, len(s.regs))
	for r := range s.regs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Service) pollTargets() []resource.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []resource.Type
	for r, reg := range s.regs {
		if reg.poll {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Enabled reports the current flag. Ticks no-op while disabled.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// SetActive enables or disables ticking. The timer keeps running either way.
func (s *Service) SetActive(on bool) {
	s.mu.Lock()
	changed := s.cfg.Enabled != on
	s.cfg.Enabled = on
	s.mu.Unlock()
	if changed {
		s.log.Info("scheduler toggled", logx.Bool("enabled", on))
	}
}

// SetSyncInterval changes the fast interval. The idle interval is raised to
// match if it would otherwise be shorter.
func (s *Service) SetSyncInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("sync interval must be positive, got %s", d)
	}
	s.mu.Lock()
	s.cfg.FastInterval = d
	if s.cfg.IdleInterval < d {
		s.cfg.IdleInterval = d
	}
	s.mu.Unlock()
	s.reschedule()
	return nil
}

// Apply swaps the configuration and recomputes the cadence.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.normalized()
	s.mu.Unlock()
	s.reschedule()
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) presenceState() activity.State {
	if s.presence == nil {
		return activity.State{Visible: true, Active: true}
	}
	return s.presence.State()
}

// Mode classifies the tab from its presence and the enabled flag.
func (s *Service) Mode() Mode {
	st := s.presenceState()
	s.mu.Lock()
	enabled := s.cfg.Enabled
	s.mu.Unlock()
	switch {
	case !enabled:
		return ModeDisabled
	case !st.Visible:
		return ModeHidden
	case st.Active:
		return ModeActive
	default:
		return ModeIdle
	}
}

// CurrentInterval is the tick period for the present state. Zero means
// ticking is suspended.
func (s *Service) CurrentInterval() time.Duration {
	st := s.presenceState()
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	switch {
	case !st.Visible:
		if cfg.SuspendWhenHidden {
			return 0
		}
		return cfg.IdleInterval * time.Duration(cfg.HiddenMultiplier)
	case st.Active:
		return cfg.FastInterval
	default:
		return cfg.IdleInterval
	}
}

// Start begins ticking. Handler calls receive ctx.
func (s *Service) Start(ctx context.Context) {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.c != nil {
		return
	}

	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	logger := cronLogger{s: s}
	s.c = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	every := s.CurrentInterval()
	s.scheduleLocked(every, true)
	s.c.Start()
	s.log.Info("service started", logx.Duration("interval", every), logx.String("mode", string(s.Mode())))
}

// Stop halts ticking and any pending flush. In-flight handlers finish on
// their own.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.cronMu.Lock()
	c := s.c
	s.c = nil
	s.entry = 0
	s.curEvery = 0
	s.cronMu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.mu.Lock()
	s.runCtx = nil
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
		s.flushAt = time.Time{}
	}
	s.mu.Unlock()

	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// scheduleLocked must be called with cronMu held.
func (s *Service) scheduleLocked(every time.Duration, spread bool) {
	if s.entry != 0 {
		s.c.Remove(s.entry)
		s.entry = 0
	}
	s.curEvery = every
	if every <= 0 {
		s.log.Debug("ticking suspended")
		return
	}
	job := cron.FuncJob(func() {
		ctx := s.ctx()
		if ctx.Err() != nil {
			return
		}
		s.Tick(ctx)
	})
	s.entry = s.c.Schedule(makeSchedule(every, s.now(), s.tag, spread), job)
}

// reschedule re-arms the tick entry if the interval changed.
func (s *Service) reschedule() {
	every := s.CurrentInterval()
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.c == nil || every == s.curEvery {
		return
	}
	prev := s.curEvery
	s.scheduleLocked(every, false)
	s.log.Debug("cadence changed", logx.Duration("from", prev), logx.Duration("to", every))
}

// NextTick is the next scheduled tick, or zero when suspended or stopped.
func (s *Service) NextTick() time.Time {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.c == nil || s.entry == 0 {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

func (s *Service) ctx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		return context.Background()
	}
	return s.runCtx
}

// QueueSync marks r for the next drain and arms the responsive flush when
// the queue was empty.
func (s *Service) QueueSync(r resource.Type, reason string) error {
	if !r.Valid() {
		return fmt.Errorf("queue %v: %w", r, ErrInvalid)
	}
	s.mu.Lock()
	_, ok := s.regs[r]
	delay := s.cfg.FlushDelay
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("queue %s: %w", r, ErrNoHandler)
	}
	if s.queue.Enqueue(r, reason) {
		s.armFlush(delay)
	}
	return nil
}

// armFlush schedules a drain after delay unless an earlier one is pending.
func (s *Service) armFlush(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		return
	}
	at := time.Now().Add(delay)
	if s.flushTimer != nil && !s.flushAt.After(at) {
		return
	}
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	s.flushAt = at
	s.flushTimer = time.AfterFunc(delay, s.flush)
}

func (s *Service) flush() {
	s.mu.Lock()
	s.flushTimer = nil
	s.flushAt = time.Time{}
	ctx := s.runCtx
	enabled := s.cfg.Enabled
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil || !enabled {
		return
	}
	if !s.presenceState().Visible {
		// held until the catch-up on the next visible transition
		return
	}

	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	s.bump(func(c *Counters) { c.Flushes++ })
	s.runCycle(ctx, TriggerFlush)
}

// HandleTransition reacts to presence changes: the cadence is recomputed and
// a hidden-to-visible transition drains immediately.
func (s *Service) HandleTransition(prev, next activity.State) {
	s.reschedule()
	if prev.Visible || !next.Visible {
		return
	}
	s.catchUp()
}

func (s *Service) catchUp() {
	s.bump(func(c *Counters) { c.CatchUps++ })
	for _, r := range s.registered() {
		s.queue.Enqueue(r, ReasonVisible)
	}
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	s.runCycle(s.ctx(), TriggerVisible)
}

func (s *Service) bump(fn func(*Counters)) {
	s.mu.Lock()
	fn(&s.counters)
	s.mu.Unlock()
}

func (s *Service) Queue() *syncqueue.Queue { return s.queue }
