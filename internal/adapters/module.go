package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"tabsync/internal/resource"
	"tabsync/internal/respcache"
	logx "tabsync/pkg/logx"
)

// Renderer re-renders a page container from freshly fetched collections,
// keyed by endpoint path.
type Renderer interface {
	Render(ctx context.Context, container string, data map[string][]json.RawMessage) error
}

type RendererFunc func(ctx context.Context, container string, data map[string][]json.RawMessage) error

func (f RendererFunc) Render(ctx context.Context, container string, data map[string][]json.RawMessage) error {
	return f(ctx, container, data)
}

// Spec describes one page module.
type Spec struct {
	Resource  resource.Type
	Endpoints []string
	Container string
}

// DefaultSpecs lists the project-management modules.
func DefaultSpecs() []Spec {
	return []Spec{
		{Resource: resource.Tasks, Endpoints: []string{"/api/tasks"}, Container: "kanban-board"},
		{Resource: resource.Sprints, Endpoints: []string{"/api/sprints", "/api/tasks"}, Container: "sprint-board"},
		{Resource: resource.Dashboard, Endpoints: []string{"/api/tasks", "/api/sprints", "/api/risks", "/api/milestones"}, Container: "dashboard"},
	}
}

// Module syncs one resource: fetch each endpoint through the response cache,
// then render. When every endpoint is served from cache with the records
// that were last rendered, the render is skipped.
type Module struct {
	spec   Spec
	fetch  Fetcher
	cache  *respcache.Cache
	render Renderer
	log    logx.Logger

	mu       sync.Mutex
	rendered map[string]time.Time
	renders  uint64
	skipped  uint64
}

func NewModule(spec Spec, fetch Fetcher, cache *respcache.Cache, render Renderer, log logx.Logger) *Module {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Module{
		spec:     spec,
		fetch:    fetch,
		cache:    cache,
		render:   render,
		log:      log.With(logx.String("module", spec.Resource.String())),
		rendered: map[string]time.Time{},
	}
}

func (m *Module) Spec() Spec { return m.spec }

// Sync is the module's scheduler hook.
func (m *Module) Sync(ctx context.Context) error {
	data := make(map[string][]json.RawMessage, len(m.spec.Endpoints))
	stamps := make(map[string]time.Time, len(m.spec.Endpoints))
	allCached := true

	for _, ep := range m.spec.Endpoints {
		if m.cache != nil {
			if rec, ok := m.cache.Get(ep); ok {
				if items, ok := rec.Data.([]json.RawMessage); ok {
					data[ep] = items
					stamps[ep] = rec.Timestamp
					continue
				}
			}
		}
		allCached = false
		items, err := m.fetch.FetchJSON(ctx, ep)
		if err != nil {
			return fmt.Errorf("%s: %w", m.spec.Resource, err)
		}
		data[ep] = items
		if m.cache != nil {
			stamps[ep] = m.cache.Set(ep, items).Timestamp
		}
	}

	m.mu.Lock()
	unchanged := allCached && sameStamps(m.rendered, stamps)
	if unchanged {
		m.skipped++
	}
	m.mu.Unlock()
	if unchanged {
		m.log.Trace("render skipped; cache unchanged")
		return nil
	}

	if m.render != nil {
		if err := m.render.Render(ctx, m.spec.Container, data); err != nil {
			return fmt.Errorf("%s: render %s: %w", m.spec.Resource, m.spec.Container, err)
		}
	}

	m.mu.Lock()
	m.renders++
	m.rendered = stamps
	m.mu.Unlock()
	return nil
}

// Renders returns how many renders ran and how many were skipped.
func (m *Module) Renders() (rendered, skipped uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renders, m.skipped
}

func sameStamps(a, b map[string]time.Time) bool {
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || !w.Equal(v) {
			return false
		}
	}
	return true
}

// LogRenderer stands in for a page: it logs what would be re-rendered.
type LogRenderer struct {
	Log logx.Logger
}

func (r LogRenderer) Render(_ context.Context, container string, data map[string][]json.RawMessage) error {
	fields := []logx.Field{logx.String("container", container)}
	for ep, items := range data {
		fields = append(fields, logx.Int(ep, len(items)))
	}
	r.Log.Info("render", fields...)
	return nil
}
