package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabsync/internal/activity"
	"tabsync/internal/resource"
	"tabsync/internal/syncqueue"
	logx "tabsync/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakePresence struct {
	mu sync.Mutex
	st activity.State
}

func (p *fakePresence) State() activity.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st
}

func (p *fakePresence) set(visible, active bool) {
	p.mu.Lock()
	p.st.Visible, p.st.Active = visible, active
	p.mu.Unlock()
}

type emitted struct {
	eventType string
	payload   any
	source    string
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (e *fakeEmitter) Emit(_ context.Context, eventType string, payload any, source string) error {
	e.mu.Lock()
	e.events = append(e.events, emitted{eventType, payload, source})
	e.mu.Unlock()
	return nil
}

func (e *fakeEmitter) all() []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]emitted(nil), e.events...)
}

type fakeToaster struct {
	mu     sync.Mutex
	toasts []string
}

func (f *fakeToaster) Toast(_ context.Context, level, text string) {
	f.mu.Lock()
	f.toasts = append(f.toasts, level+": "+text)
	f.mu.Unlock()
}

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) fn(errs ...error) SyncFunc {
	return func(context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		i := c.n
		c.n++
		if i < len(errs) {
			return errs[i]
		}
		return nil
	}
}

func (c *counter) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type harness struct {
	svc      *Service
	clock    *fakeClock
	presence *fakePresence
	emitter  *fakeEmitter
	toaster  *fakeToaster
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		clock:    &fakeClock{t: time.Unix(1_700_000_000, 0)},
		presence: &fakePresence{st: activity.State{Visible: true, Active: true}},
		emitter:  &fakeEmitter{},
		toaster:  &fakeToaster{},
	}
	h.svc = New(cfg, syncqueue.New(), logx.Nop(),
		WithClock(h.clock.now),
		WithPresence(h.presence),
		WithEmitter(h.emitter),
		WithToaster(h.toaster),
		WithSource(func() string { return "backlog" }),
	)
	return h
}

func TestCoalescedEnqueuesSyncOnce(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	var c counter
	require.NoError(t, h.svc.Register(resource.Tasks, c.fn()))

	for i := 0; i < 10; i++ {
		require.NoError(t, h.svc.QueueSync(resource.Tasks, "task_saved"))
	}
	res := h.svc.Tick(context.Background())

	require.Len(t, res, 1)
	assert.Equal(t, OutcomeOK, res[0].Outcome)
	assert.Equal(t, []string{"task_saved"}, res[0].Reasons)
	assert.Equal(t, 1, c.calls())
}

func TestMinimumSpacingRefusesSecondAttempt(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	var c counter
	require.NoError(t, h.svc.Register(resource.Tasks, c.fn()))
	ctx := context.Background()

	require.NoError(t, h.svc.QueueSync(resource.Tasks, "a"))
	h.svc.Tick(ctx)

	h.clock.advance(2999 * time.Millisecond)
	require.NoError(t, h.svc.QueueSync(resource.Tasks, "b"))
	res := h.svc.Tick(ctx)
	require.Len(t, res, 1)
	assert.Equal(t, OutcomeDeferred, res[0].Outcome)
	assert.Equal(t, 1, c.calls())
	assert.Zero(t, h.svc.Queue().Len(), "a refused attempt is dropped")

	h.clock.advance(time.Millisecond)
	assert.Nil(t, h.svc.Tick(ctx))
	assert.Equal(t, 1, c.calls())
	assert.EqualValues(t, 1, h.svc.Snapshot().Counters.Deferred)

	// a new request after the window goes through
	require.NoError(t, h.svc.QueueSync(resource.Tasks, "c"))
	res = h.svc.Tick(ctx)
	require.Len(t, res, 1)
	assert.Equal(t, OutcomeOK, res[0].Outcome)
	assert.Equal(t, 2, c.calls())
}

func TestRefusedForceIsNotReplayedAfterWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FastInterval = time.Hour
	cfg.IdleInterval = time.Hour
	cfg.MinSpacing = 100 * time.Millisecond
	cfg.FlushDelay = 10 * time.Millisecond
	svc := New(cfg, nil, logx.Nop())
	var c counter
	require.NoError(t, svc.Register(resource.Tasks, c.fn()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop(context.Background())

	_, err := svc.ForceSyncAll(ctx)
	require.NoError(t, err)
	res, err := svc.ForceSyncAll(ctx)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, OutcomeDeferred, res[0].Outcome)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, c.calls())
	assert.Zero(t, svc.Queue().Len())
}

func TestFailedSyncIsRetriedOnNextTick(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	var c counter
	require.NoError(t, h.svc.Register(resource.Sprints, c.fn(errors.New("503 from /api/sprints"))))
	ctx := context.Background()

	require.NoError(t, h.svc.QueueSync(resource.Sprints, "dom_change"))
	res := h.svc.Tick(ctx)
	require.Len(t, res, 1)
	assert.Equal(t, OutcomeFailed, res[0].Outcome)

	snap := h.svc.Snapshot()
	assert.Equal(t, ModeActive, snap.Mode)
	assert.EqualValues(t, 1, snap.Counters.Failures)
	require.Len(t, snap.Queue, 1)
	assert.Equal(t, resource.Sprints, snap.Queue[0].Resource)
	assert.Contains(t, snap.Queue[0].Reasons, ReasonRetry)
	require.Len(t, snap.Resources, 1)
	assert.Equal(t, "503 from /api/sprints", snap.Resources[0].LastError)

	// background failures stay quiet
	assert.Empty(t, h.toaster.toasts)
	assert.Empty(t, h.emitter.all())

	h.clock.advance(5 * time.Second)
	res = h.svc.Tick(ctx)
	require.Len(t, res, 1)
	assert.Equal(t, OutcomeOK, res[0].Outcome)
	assert.Equal(t, 2, c.calls())
	assert.Zero(t, h.svc.Queue().Len())

	snap = h.svc.Snapshot()
	assert.Empty(t, snap.Resources[0].LastError)
	assert.EqualValues(t, 1, snap.Resources[0].Successes)
	require.Len(t, h.emitter.all(), 1, "the first local cause is still announced")
}

func TestHiddenTickDoesNothing(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	var c counter
	require.NoError(t, h.svc.Register(resource.Tasks, c.fn(), WithPoll()))
	require.NoError(t, h.svc.QueueSync(resource.Tasks, "x"))

	h.presence.set(false, true)
	assert.Nil(t, h.svc.Tick(context.Background()))
	assert.Zero(t, c.calls())
	assert.Equal(t, 1, h.svc.Queue().Len())
	assert.EqualValues(t, 1, h.svc.Snapshot().Counters.SkippedHidden)
	assert.Equal(t, ModeHidden, h.svc.Mode())
}

func TestVisibleTransitionDrainsImmediately(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	var tasks, sprints counter
	require.NoError(t, h.svc.Register(resource.Tasks, tasks.fn()))
	require.NoError(t, h.svc.Register(resource.Sprints, sprints.fn()))

	h.presence.set(false, false)
	h.svc.HandleTransition(activity.State{Visible: true}, activity.State{Visible: false})
	assert.Zero(t, tasks.calls())

	h.presence.set(true, false)
	h.svc.HandleTransition(activity.State{Visible: false}, activity.State{Visible: true})
	assert.Equal(t, 1, tasks.calls())
	assert.Equal(t, 1, sprints.calls())
	assert.EqualValues(t, 1, h.svc.Snapshot().Counters.CatchUps)
	// catch-ups are not news to other tabs
	assert.Empty(t, h.emitter.all())
}

func TestDisabledTickNoops(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	var c counter
	require.NoError(t, h.svc.Register(resource.Tasks, c.fn(), WithPoll()))

	h.svc.SetActive(false)
	assert.Nil(t, h.svc.Tick(context.Background()))
	assert.Zero(t, c.calls())
	assert.Equal(t, ModeDisabled, h.svc.Mode())
	assert.EqualValues(t, 1, h.svc.Snapshot().Counters.SkippedDisabled)

	h.svc.SetActive(true)
	h.svc.Tick(context.Background())
	assert.Equal(t, 1, c.calls())
}

func TestVisibleTransitionDrainsWhileDisabled(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	var c counter
	require.NoError(t, h.svc.Register(resource.Tasks, c.fn()))
	h.svc.SetActive(false)

	h.presence.set(true, false)
	h.svc.HandleTransition(activity.State{Visible: false}, activity.State{Visible: true})
	assert.Equal(t, 1, c.calls())
	assert.Zero(t, h.svc.Queue().Len())
	assert.Equal(t, ModeDisabled, h.svc.Mode())
}

func TestCompletionAnnouncement(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	var c counter
	require.NoError(t, h.svc.Register(resource.Tasks, c.fn(), WithPoll()))
	ctx := context.Background()

	// a poll or a remote completion is not re-broadcast
	h.svc.Tick(ctx)
	h.clock.advance(5 * time.Second)
	require.NoError(t, h.svc.QueueSync(resource.Tasks, RemotePrefix+"sprints"))
	h.svc.Tick(ctx)
	assert.Empty(t, h.emitter.all())
	assert.EqualValues(t, 2, h.svc.Snapshot().Counters.Unannounced)

	h.clock.advance(5 * time.Second)
	require.NoError(t, h.svc.QueueSync(resource.Tasks, "request:POST"))
	h.svc.Tick(ctx)

	ev := h.emitter.all()
	require.Len(t, ev, 1)
	assert.Equal(t, EventCompleted, ev[0].eventType)
	assert.Equal(t, "backlog", ev[0].source)
	comp, ok := ev[0].payload.(Completion)
	require.True(t, ok)
	assert.Equal(t, resource.Tasks, comp.Resource)
	assert.Equal(t, []string{"request:POST", ReasonPoll}, comp.Reasons)
	assert.Equal(t, []string{"success: tasks updated"}, h.toaster.toasts)
}

func TestForceSyncAllReportsFailures(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	var tasks, dash counter
	require.NoError(t, h.svc.Register(resource.Tasks, tasks.fn()))
	require.NoError(t, h.svc.Register(resource.Dashboard, dash.fn(errors.New("boom"))))

	res, err := h.svc.ForceSyncAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dashboard: boom")
	require.Len(t, res, 2)
	assert.Equal(t, resource.Tasks, res[0].Resource)
	assert.Equal(t, OutcomeOK, res[0].Outcome)
	assert.Equal(t, OutcomeFailed, res[1].Outcome)
	assert.Contains(t, h.toaster.toasts, "error: dashboard refresh failed")

	// spacing applies to forced syncs as well
	res, err = h.svc.ForceSyncAll(context.Background())
	require.NoError(t, err)
	for _, r := range res {
		assert.Equal(t, OutcomeDeferred, r.Outcome)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	require.NoError(t, h.svc.Register(resource.Tasks, func(context.Context) error { panic("nil map") }))
	require.NoError(t, h.svc.QueueSync(resource.Tasks, "x"))

	var res []Result
	require.NotPanics(t, func() { res = h.svc.Tick(context.Background()) })
	require.Len(t, res, 1)
	assert.Equal(t, OutcomeFailed, res[0].Outcome)

	c := h.svc.Snapshot().Counters
	assert.EqualValues(t, 1, c.Panics)
	assert.EqualValues(t, 1, c.Failures)
}

func TestQueueSyncValidation(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	assert.ErrorIs(t, h.svc.QueueSync(resource.Tasks, "x"), ErrNoHandler)
	assert.ErrorIs(t, h.svc.QueueSync(resource.Type(99), "x"), ErrInvalid)
	assert.ErrorIs(t, h.svc.Register(resource.Tasks, nil), ErrInvalid)
}

func TestCurrentInterval(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg)

	assert.Equal(t, 5*time.Second, h.svc.CurrentInterval())

	h.presence.set(true, false)
	assert.Equal(t, 30*time.Second, h.svc.CurrentInterval())
	assert.Equal(t, ModeIdle, h.svc.Mode())

	h.presence.set(false, true)
	assert.Equal(t, 2*time.Minute, h.svc.CurrentInterval())

	cfg.SuspendWhenHidden = true
	h.svc.Apply(cfg)
	assert.Zero(t, h.svc.CurrentInterval())

	h.presence.set(true, true)
	require.NoError(t, h.svc.SetSyncInterval(45*time.Second))
	assert.Equal(t, 45*time.Second, h.svc.CurrentInterval())
	assert.Equal(t, 45*time.Second, h.svc.Config().IdleInterval)
	assert.Error(t, h.svc.SetSyncInterval(0))
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistorySize = 3
	h := newHarness(t, cfg)
	var c counter
	require.NoError(t, h.svc.Register(resource.Tasks, c.fn(), WithPoll()))

	for i := 0; i < 5; i++ {
		h.svc.Tick(context.Background())
		h.clock.advance(5 * time.Second)
	}
	snap := h.svc.Snapshot()
	assert.Len(t, snap.History, 3)
	assert.Equal(t, 5, c.calls())
}

func TestCronDrivesTicks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FastInterval = 20 * time.Millisecond
	cfg.MinSpacing = 0
	svc := New(cfg, nil, logx.Nop())
	var c counter
	require.NoError(t, svc.Register(resource.Tasks, c.fn(), WithPoll()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop(context.Background())

	require.Eventually(t, func() bool { return c.calls() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, svc.NextTick().IsZero())
}

func TestResponsiveFlush(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FastInterval = time.Hour
	cfg.FlushDelay = 20 * time.Millisecond
	svc := New(cfg, nil, logx.Nop())
	var c counter
	require.NoError(t, svc.Register(resource.Tasks, c.fn()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop(context.Background())

	require.NoError(t, svc.QueueSync(resource.Tasks, "task_saved"))
	require.NoError(t, svc.QueueSync(resource.Tasks, "task_saved"))
	require.Eventually(t, func() bool { return c.calls() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, svc.Snapshot().Counters.Flushes)
}
