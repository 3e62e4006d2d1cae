package detect

import (
	"errors"
	"net/http"
	"strings"
	"sync/atomic"

	"tabsync/internal/resource"
	"tabsync/internal/scheduler"
	logx "tabsync/pkg/logx"
)

// Route maps an API path prefix to the resources its writes make stale.
// Prefix doubles as the cache key to invalidate.
type Route struct {
	Prefix    string
	Resources []resource.Type
}

// DefaultRoutes covers the project-management endpoints.
func DefaultRoutes() []Route {
	return []Route{
		{Prefix: "/api/tasks", Resources: []resource.Type{resource.Tasks, resource.Sprints, resource.Dashboard}},
		{Prefix: "/api/sprints", Resources: []resource.Type{resource.Sprints, resource.Dashboard}},
		{Prefix: "/api/risks", Resources: []resource.Type{resource.Dashboard}},
		{Prefix: "/api/milestones", Resources: []resource.Type{resource.Dashboard}},
		{Prefix: "/api/phases", Resources: []resource.Type{resource.Dashboard}},
	}
}

type TransportStats struct {
	Requests    uint64 `json:"requests"`
	Detected    uint64 `json:"detected"`
	QueueErrors uint64 `json:"queue_errors"`
}

// Transport is an http.RoundTripper that queues syncs after successful
// writes (POST, PUT, PATCH, DELETE answered with 2xx).
type Transport struct {
	base   http.RoundTripper
	routes []Route
	queue  Enqueuer
	cache  Invalidator
	log    logx.Logger

	requests    atomic.Uint64
	detected    atomic.Uint64
	queueErrors atomic.Uint64
}

func NewTransport(base http.RoundTripper, queue Enqueuer, cache Invalidator, log logx.Logger, routes ...Route) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if len(routes) == 0 {
		routes = DefaultRoutes()
	}
	return &Transport{
		base:   base,
		routes: routes,
		queue:  queue,
		cache:  cache,
		log:    log.Comp("detect.transport"),
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.requests.Add(1)
	resp, err := t.base.RoundTrip(req)
	if err != nil || resp == nil {
		return resp, err
	}
	if !isWrite(req.Method) || resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, nil
	}
	route, ok := t.match(req.URL.Path)
	if !ok {
		return resp, nil
	}

	t.detected.Add(1)
	if t.cache != nil {
		t.cache.Invalidate(route.Prefix)
	}
	reason := "request:" + strings.ToUpper(req.Method)
	for _, r := range route.Resources {
		if t.queue == nil {
			break
		}
		if err := t.queue.QueueSync(r, reason); err != nil && !isUnhandled(err) {
			t.queueErrors.Add(1)
			t.log.Warn("queue sync failed", logx.String("resource", r.String()), logx.Err(err))
		}
	}
	t.log.Debug("write detected", logx.String("method", req.Method), logx.String("path", req.URL.Path))
	return resp, nil
}

// match picks the longest matching prefix.
func (t *Transport) match(path string) (Route, bool) {
	var (
		best  Route
		found bool
	)
	for _, r := range t.routes {
		if !strings.HasPrefix(path, r.Prefix) {
			continue
		}
		rest := path[len(r.Prefix):]
		if rest != "" && rest[0] != '/' && rest[0] != '?' {
			continue
		}
		if !found || len(r.Prefix) > len(best.Prefix) {
			best, found = r, true
		}
	}
	return best, found
}

func (t *Transport) Stats() TransportStats {
	return TransportStats{
		Requests:    t.requests.Load(),
		Detected:    t.detected.Load(),
		QueueErrors: t.queueErrors.Load(),
	}
}

func isWrite(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func isUnhandled(err error) bool {
	return errors.Is(err, scheduler.ErrNoHandler)
}
