package detect

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tabsync/internal/resource"
	logx "tabsync/pkg/logx"
)

// ReasonDOMChange is queued for observed element mutations.
const ReasonDOMChange = "dom_change"

// Mutation is one element change reported by the host page.
type Mutation struct {
	Container string `json:"container"`
	Kind      string `json:"kind,omitempty"` // e.g. "childList", "attributes"
}

type ObserverStats struct {
	Observed  uint64 `json:"observed"`
	Queued    uint64 `json:"queued"`
	Throttled uint64 `json:"throttled"`
	Unmapped  uint64 `json:"unmapped"`
}

type ObserverOption func(*MutationObserver)

// WithThrottle allows burst mutations per resource, refilled every `every`.
func WithThrottle(every time.Duration, burst int) ObserverOption {
	return func(o *MutationObserver) {
		if every > 0 {
			o.every = every
		}
		if burst > 0 {
			o.burst = burst
		}
	}
}

func WithObserverClock(now func() time.Time) ObserverOption {
	return func(o *MutationObserver) {
		if now != nil {
			o.now = now
		}
	}
}

// MutationObserver maps container ids to resources. Storms of mutations on
// one container are throttled; the queue coalesces whatever gets through.
type MutationObserver struct {
	queue Enqueuer
	log   logx.Logger
	now   func() time.Time
	every time.Duration
	burst int

	mu         sync.Mutex
	containers map[string]resource.Type
	limiters   map[resource.Type]*rate.Limiter

	observed  atomic.Uint64
	queued    atomic.Uint64
	throttled atomic.Uint64
	unmapped  atomic.Uint64
}

func NewMutationObserver(queue Enqueuer, log logx.Logger, opts ...ObserverOption) *MutationObserver {
	if log.IsZero() {
		log = logx.Nop()
	}
	o := &MutationObserver{
		queue:      queue,
		log:        log.Comp("detect.mutation"),
		now:        time.Now,
		every:      500 * time.Millisecond,
		burst:      1,
		containers: map[string]resource.Type{},
		limiters:   map[resource.Type]*rate.Limiter{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Map routes mutations in container to r.
func (o *MutationObserver) Map(container string, r resource.Type) {
	container = strings.TrimSpace(container)
	if container == "" || !r.Valid() {
		return
	}
	o.mu.Lock()
	o.containers[container] = r
	o.mu.Unlock()
}

// Observe records m and reports whether it queued a sync.
func (o *MutationObserver) Observe(m Mutation) bool {
	o.observed.Add(1)

	o.mu.Lock()
	r, ok := o.containers[strings.TrimSpace(m.Container)]
	var lim *rate.Limiter
	if ok {
		lim = o.limiters[r]
		if lim == nil {
			lim = rate.NewLimiter(rate.Every(o.every), o.burst)
			o.limiters[r] = lim
		}
	}
	o.mu.Unlock()

	if !ok {
		o.unmapped.Add(1)
		return false
	}
	if !lim.AllowN(o.now(), 1) {
		o.throttled.Add(1)
		return false
	}
	if o.queue == nil {
		return false
	}
	if err := o.queue.QueueSync(r, ReasonDOMChange); err != nil {
		if !isUnhandled(err) {
			o.log.Warn("queue sync failed", logx.String("resource", r.String()), logx.Err(err))
		}
		return false
	}
	o.queued.Add(1)
	return true
}

func (o *MutationObserver) Stats() ObserverStats {
	return ObserverStats{
		Observed:  o.observed.Load(),
		Queued:    o.queued.Load(),
		Throttled: o.throttled.Load(),
		Unmapped:  o.unmapped.Load(),
	}
}
