package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabsync/internal/resource"
	"tabsync/internal/respcache"
	logx "tabsync/pkg/logx"
)

func newAPI(t *testing.T) (*httptest.Server, *sync.Map) {
	t.Helper()
	hits := &sync.Map{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := hits.LoadOrStore(r.URL.Path, new(atomic.Int64))
		n.(*atomic.Int64).Add(1)
		switch r.URL.Path {
		case "/api/tasks":
			_, _ = w.Write([]byte(`[{"id":1},{"id":2}]`))
		case "/api/sprints":
			_, _ = w.Write([]byte(`{"data":[{"id":7}]}`))
		case "/api/broken":
			_, _ = w.Write([]byte(`{"id":1}`))
		default:
			http.Error(w, "missing", http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, hits
}

func hitCount(m *sync.Map, path string) int {
	v, ok := m.Load(path)
	if !ok {
		return 0
	}
	return int(v.(*atomic.Int64).Load())
}

func TestFetchJSON(t *testing.T) {
	srv, _ := newAPI(t)
	c, err := NewClient(srv.URL, nil, time.Second, logx.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	items, err := c.FetchJSON(ctx, "/api/tasks")
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = c.FetchJSON(ctx, "/api/sprints")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.JSONEq(t, `{"id":7}`, string(items[0]))

	_, err = c.FetchJSON(ctx, "/api/risks")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Equal(t, "missing", se.Body)

	_, err = c.FetchJSON(ctx, "/api/broken")
	assert.Error(t, err)

	_, err = NewClient("not a url", nil, time.Second, logx.Nop())
	assert.Error(t, err)
}

func TestModuleSharesCacheAcrossModules(t *testing.T) {
	srv, hits := newAPI(t)
	c, err := NewClient(srv.URL, nil, time.Second, logx.Nop())
	require.NoError(t, err)
	cache := respcache.New(10 * time.Second)

	var rendered []string
	r := RendererFunc(func(_ context.Context, container string, data map[string][]json.RawMessage) error {
		rendered = append(rendered, container)
		return nil
	})
	specs := DefaultSpecs()
	tasks := NewModule(specs[0], c, cache, r, logx.Nop())
	sprints := NewModule(specs[1], c, cache, r, logx.Nop())
	ctx := context.Background()

	require.NoError(t, tasks.Sync(ctx))
	require.NoError(t, sprints.Sync(ctx))
	assert.Equal(t, 1, hitCount(hits, "/api/tasks"), "second module reuses the cached task list")
	assert.Equal(t, 1, hitCount(hits, "/api/sprints"))
	assert.Equal(t, []string{"kanban-board", "sprint-board"}, rendered)

	// nothing changed: served from cache, render skipped
	require.NoError(t, tasks.Sync(ctx))
	n, skipped := tasks.Renders()
	assert.EqualValues(t, 1, n)
	assert.EqualValues(t, 1, skipped)

	// an invalidation forces a refetch and a render
	cache.Invalidate("/api/tasks")
	require.NoError(t, tasks.Sync(ctx))
	assert.Equal(t, 2, hitCount(hits, "/api/tasks"))
	n, _ = tasks.Renders()
	assert.EqualValues(t, 2, n)
}

func TestModuleFailsOnAPIError(t *testing.T) {
	srv, _ := newAPI(t)
	c, err := NewClient(srv.URL, nil, time.Second, logx.Nop())
	require.NoError(t, err)

	m := NewModule(DefaultSpecs()[2], c, respcache.New(time.Second), nil, logx.Nop())
	err = m.Sync(context.Background())
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "/api/risks", se.Path)
	assert.Equal(t, resource.Dashboard, m.Spec().Resource)
}
