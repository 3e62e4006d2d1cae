package syncrt

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabsync/internal/detect"
	"tabsync/internal/eventbus"
	"tabsync/internal/resource"
	"tabsync/internal/scheduler"
	"tabsync/internal/storage"
	"tabsync/internal/syncqueue"
	logx "tabsync/pkg/logx"
)

type fakeAPI struct {
	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeAPI) FetchJSON(_ context.Context, path string) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[path]++
	return []json.RawMessage{json.RawMessage(`{"id":1}`)}, nil
}

func testConfig(moduleID string) Config {
	sc := scheduler.DefaultConfig()
	sc.FastInterval = time.Hour
	sc.IdleInterval = time.Hour
	sc.MinSpacing = 0
	sc.FlushDelay = 10 * time.Millisecond
	return Config{
		ModuleID:     moduleID,
		Scheduler:    sc,
		BroadcastTTL: 500 * time.Millisecond,
	}
}

func startTab(t *testing.T, cfg Config, deps Deps) *Runtime {
	t.Helper()
	deps.Log = logx.Nop()
	rt, err := New(cfg, deps)
	require.NoError(t, err)
	rt.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
	})
	return rt
}

func pendingResources(entries []syncqueue.Entry) []resource.Type {
	out := make([]resource.Type, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Resource)
	}
	return out
}

func TestCrossTabDelivery(t *testing.T) {
	hub := storage.NewHub()
	a := startTab(t, testConfig("backlog"), Deps{Store: hub.Open()})
	b := startTab(t, testConfig("sprints"), Deps{Store: hub.Open()})
	// let both watchers register
	time.Sleep(50 * time.Millisecond)

	var (
		mu     sync.Mutex
		gotB   []eventbus.Event
		gotA   int
		remote int
	)
	b.On("task_updated", func(e eventbus.Event) error {
		mu.Lock()
		gotB = append(gotB, e)
		mu.Unlock()
		return nil
	}, "sprint-board")
	a.On("task_updated", func(e eventbus.Event) error {
		mu.Lock()
		gotA++
		if e.Remote {
			remote++
		}
		mu.Unlock()
		return nil
	}, "kanban-board")

	require.NoError(t, a.Emit(context.Background(), "task_updated", map[string]int{"taskId": 42}, "backlog"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotB) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "backlog", gotB[0].Source)
	assert.Equal(t, 1, gotA, "local subscriber runs once")
	assert.Zero(t, remote, "emitting tab never re-receives its own event")
	mu.Unlock()

	st := b.Stats()
	require.NotNil(t, st.CrossTab)
	assert.EqualValues(t, 1, st.CrossTab.Received)
}

func TestRemoteCompletionQueuesDependentModules(t *testing.T) {
	hub := storage.NewHub()
	apiA, apiB := &fakeAPI{}, &fakeAPI{}
	a := startTab(t, testConfig("backlog"), Deps{Store: hub.Open(), Fetcher: apiA})
	b := startTab(t, testConfig("dashboard"), Deps{Store: hub.Open(), Fetcher: apiB})
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, a.QueueSync(resource.Tasks, "request:POST"))

	require.Eventually(t, func() bool {
		return b.Stats().Scheduler.Counters.Syncs == 3
	}, 2*time.Second, 10*time.Millisecond)

	sa, sb := a.Stats(), b.Stats()
	assert.EqualValues(t, 1, sa.Scheduler.Counters.Completions)
	assert.EqualValues(t, 0, sa.Remote.Seen)
	assert.EqualValues(t, 1, sb.Remote.Seen)
	assert.EqualValues(t, 3, sb.Remote.Queued)
	// remote-caused syncs are not announced back
	assert.EqualValues(t, 0, sb.Scheduler.Counters.Completions)
	assert.EqualValues(t, 3, sb.Scheduler.Counters.Unannounced)
	for _, h := range sb.Scheduler.History {
		assert.Equal(t, []string{"remote:backlog"}, h.Reasons)
	}
}

func TestMalformedPayloadKeepsStatsValid(t *testing.T) {
	hub := storage.NewHub()
	b := startTab(t, testConfig("sprints"), Deps{Store: hub.Open()})
	time.Sleep(50 * time.Millisecond)

	writer := hub.Open()
	defer writer.Close()
	require.NoError(t, writer.Put(context.Background(), "sync_task_updated_1700000000000_abc", []byte("{not json")))

	require.Eventually(t, func() bool {
		return b.Stats().CrossTab.Malformed == 1
	}, 2*time.Second, 5*time.Millisecond)

	st := b.Stats()
	assert.True(t, st.Running)
	assert.Equal(t, "sprints", st.ModuleID)
	_, err := json.Marshal(st)
	require.NoError(t, err)
}

func TestVisibleTransitionDrainsImmediately(t *testing.T) {
	rt, err := New(testConfig("tasks"), Deps{Log: logx.Nop()})
	require.NoError(t, err)

	var calls atomic.Int32
	require.NoError(t, rt.Register(resource.Tasks, func(context.Context) error {
		calls.Add(1)
		return nil
	}))

	rt.SetVisible(false)
	assert.Zero(t, calls.Load())
	rt.SetVisible(true)
	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 1, rt.Stats().Scheduler.Counters.CatchUps)
}

func TestFailedSyncIsRetriedByNextTick(t *testing.T) {
	cfg := testConfig("tasks")
	cfg.Scheduler.FastInterval = 30 * time.Millisecond
	cfg.Scheduler.IdleInterval = 30 * time.Millisecond
	rt, err := New(cfg, Deps{Log: logx.Nop()})
	require.NoError(t, err)

	var calls atomic.Int32
	require.NoError(t, rt.Register(resource.Tasks, func(context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("api down")
		}
		return nil
	}))
	rt.Start(context.Background())
	defer rt.Stop(context.Background())

	require.NoError(t, rt.QueueSync(resource.Tasks, "request:PUT"))
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		c := rt.Stats().Scheduler.Counters
		return c.Syncs == 1 && c.Failures == 1
	}, time.Second, 5*time.Millisecond)
	snap := rt.Stats().Scheduler
	assert.Equal(t, scheduler.ModeActive, snap.Mode)
	assert.Empty(t, snap.Queue)
}

func TestHTTPClientQueuesAfterWrites(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	cfg := testConfig("backlog")
	cfg.APIBaseURL = srv.URL
	cfg.APITimeout = time.Second
	rt, err := New(cfg, Deps{Log: logx.Nop()})
	require.NoError(t, err)

	resp, err := rt.HTTPClient().Post(srv.URL+"/api/sprints/7", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()

	st := rt.Stats()
	assert.EqualValues(t, 1, st.Requests.Detected)
	assert.Equal(t, []resource.Type{resource.Sprints, resource.Dashboard}, pendingResources(st.Scheduler.Queue))
}

func TestObserveUsesModuleContainers(t *testing.T) {
	rt, err := New(testConfig("backlog"), Deps{Fetcher: &fakeAPI{}, Log: logx.Nop()})
	require.NoError(t, err)

	assert.True(t, rt.Observe(detect.Mutation{Container: "kanban-board", Kind: "childList"}))
	assert.False(t, rt.Observe(detect.Mutation{Container: "sidebar"}))
	assert.Equal(t, []resource.Type{resource.Tasks}, pendingResources(rt.Stats().Scheduler.Queue))
}

func TestSetModuleIDAndStopIdempotent(t *testing.T) {
	hub := storage.NewHub()
	rt := startTab(t, testConfig("backlog"), Deps{Store: hub.Open()})
	rt.SetModuleID("dashboard")
	assert.Equal(t, "dashboard", rt.ModuleID())
	assert.Equal(t, "dashboard", rt.Stats().ModuleID)

	require.NoError(t, rt.Stop(context.Background()))
	require.NoError(t, rt.Stop(context.Background()))
	assert.False(t, rt.Stats().Running)
}
