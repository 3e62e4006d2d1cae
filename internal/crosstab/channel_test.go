package crosstab

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabsync/internal/eventbus"
	"tabsync/internal/storage"
	logx "tabsync/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) Dispatch(e eventbus.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]eventbus.Event(nil), r.events...)
}

type tab struct {
	bus *eventbus.Bus
	ch  *Channel
}

func newTab(t *testing.T, ctx context.Context, st storage.Store, moduleID string) *tab {
	t.Helper()
	bus := eventbus.New(logx.Nop())
	ch := New(st, bus, moduleID, 200*time.Millisecond, logx.Nop())
	bus.SetBroadcaster(ch)
	go func() { _ = ch.Run(ctx) }()
	t.Cleanup(func() { _ = ch.Close() })
	return &tab{bus: bus, ch: ch}
}

func TestKeyRoundTrip(t *testing.T) {
	k := Key("task_updated", 1700000000123, "abc123")
	assert.Equal(t, "sync_task_updated_1700000000123_abc123", k)

	typ, ts, id, ok := ParseKey(k)
	require.True(t, ok)
	assert.Equal(t, "task_updated", typ)
	assert.EqualValues(t, 1700000000123, ts)
	assert.Equal(t, "abc123", id)

	for _, bad := range []string{"task_1_a", "sync_", "sync_x_notanumber_a", "sync_1_a", "sync_x_1_"} {
		_, _, _, ok := ParseKey(bad)
		assert.False(t, ok, bad)
	}
}

func TestCrossTabDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := storage.NewHub()
	a := newTab(t, ctx, hub.Open(), "backlog")
	b := newTab(t, ctx, hub.Open(), "sprints")
	// let both watchers register
	time.Sleep(20 * time.Millisecond)

	var (
		mu        sync.Mutex
		gotB      []eventbus.Event
		selfCalls int
	)
	b.bus.On("task_updated", func(e eventbus.Event) error {
		mu.Lock()
		gotB = append(gotB, e)
		mu.Unlock()
		return nil
	}, "sprints")
	a.bus.On("task_updated", func(eventbus.Event) error {
		mu.Lock()
		selfCalls++
		mu.Unlock()
		return nil
	}, "backlog")

	require.NoError(t, a.bus.Emit(ctx, "task_updated", map[string]int{"taskId": 42}, "backlog"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotB) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	e := gotB[0]
	mu.Unlock()
	assert.Equal(t, "backlog", e.Source)
	assert.True(t, e.Remote)
	var p struct {
		TaskID int `json:"taskId"`
	}
	require.NoError(t, e.Decode(&p))
	assert.Equal(t, 42, p.TaskID)

	// entry self-expires
	require.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Zero(t, selfCalls)
	mu.Unlock()
	assert.EqualValues(t, 1, a.ch.Stats().Sent)
	assert.EqualValues(t, 1, a.ch.Stats().Expired)
	assert.EqualValues(t, 1, b.ch.Stats().Received)
}

func TestCrossTabDeliveryOverFileStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "bus")}
	sa, err := storage.Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer sa.Close()
	sb, err := storage.Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer sb.Close()

	a := newTab(t, ctx, sa, "backlog")
	b := newTab(t, ctx, sb, "sprints")
	time.Sleep(50 * time.Millisecond)

	var got, self atomicCount
	b.bus.On("task_updated", func(eventbus.Event) error { got.inc(); return nil }, "sprints")
	a.bus.On(eventbus.Wildcard, func(e eventbus.Event) error {
		if e.Remote {
			self.inc()
		}
		return nil
	}, "diag")

	require.NoError(t, a.bus.Emit(ctx, "task_updated", map[string]int{"taskId": 42}, "backlog"))
	require.Eventually(t, func() bool { return got.load() == 1 }, 3*time.Second, 10*time.Millisecond)

	// the file driver echoes our own write; the channel must drop it
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, self.load())
	assert.Zero(t, a.ch.Stats().Received)
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	rec := &recorder{}
	c := New(storage.NewHub().Open(), rec, "sprints", time.Second, logx.Nop())

	assert.NotPanics(t, func() {
		c.Handle(storage.Change{Key: "sync_task_updated_1_a", Value: []byte("not json")})
		c.Handle(storage.Change{Key: "sync_task_updated_2_b", Value: []byte(`{"payload":{}}`)})
	})
	c.Handle(storage.Change{Key: "unrelated", Value: []byte("not json")})

	assert.Empty(t, rec.snapshot())
	st := c.Stats()
	assert.EqualValues(t, 2, st.Malformed)
	assert.Zero(t, st.Received)
}

func TestHandleSkipsSelfAndDuplicates(t *testing.T) {
	rec := &recorder{}
	c := New(storage.NewHub().Open(), rec, "sprints", time.Second, logx.Nop())

	c.Handle(storage.Change{Key: "sync_x_1_a", Value: []byte(`{"eventType":"x","source":"sprints","timestamp":1}`)})
	c.Handle(storage.Change{Key: "sync_x_2_b", Value: []byte(`{"eventType":"x","source":"backlog","timestamp":2}`)})
	c.Handle(storage.Change{Key: "sync_x_2_b", Value: []byte(`{"eventType":"x","source":"backlog","timestamp":2}`)})
	// deletions are ignored
	c.Handle(storage.Change{Key: "sync_x_2_b"})

	got := rec.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "backlog", got[0].Source)
	assert.True(t, got[0].Remote)

	st := c.Stats()
	assert.EqualValues(t, 1, st.SkippedSelf)
	assert.EqualValues(t, 1, st.Duplicates)

	c.SetModuleID("backlog")
	c.Handle(storage.Change{Key: "sync_x_3_c", Value: []byte(`{"eventType":"x","source":"backlog","timestamp":3}`)})
	assert.Len(t, rec.snapshot(), 1)
}

func TestPruneRemovesOrphans(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_100_000)
	st := storage.NewHub().Open()
	c := New(st, nil, "m", time.Second, logx.Nop(), WithClock(func() time.Time { return now }))

	old := Key("task_updated", now.Add(-11*time.Second).UnixMilli(), "old")
	fresh := Key("task_updated", now.Add(-5*time.Second).UnixMilli(), "new")
	require.NoError(t, st.Put(ctx, old, []byte("{}")))
	require.NoError(t, st.Put(ctx, fresh, []byte("{}")))
	require.NoError(t, st.Put(ctx, "sync_garbage", []byte("{}")))
	require.NoError(t, st.Put(ctx, "theme", []byte("dark")))

	n, err := c.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	keys, err := st.Keys(ctx, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{fresh, "theme"}, keys)
}

func TestCloseDeletesOutstandingEntries(t *testing.T) {
	ctx := context.Background()
	hub := storage.NewHub()
	c := New(hub.Open(), nil, "m", time.Hour, logx.Nop())

	require.NoError(t, c.Broadcast(ctx, eventbus.Event{Type: "x", Source: "m", Timestamp: 1}))
	assert.Equal(t, 1, hub.Len())
	assert.Equal(t, 1, c.Stats().Pending)

	require.NoError(t, c.Close())
	assert.Equal(t, 0, hub.Len())
	assert.ErrorIs(t, c.Broadcast(ctx, eventbus.Event{Type: "x"}), ErrClosed)
}

type atomicCount struct {
	mu sync.Mutex
	n  int
}

func (a *atomicCount) inc() {
	a.mu.Lock()
	a.n++
	a.mu.Unlock()
}

func (a *atomicCount) load() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}
