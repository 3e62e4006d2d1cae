package syncrt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tabsync/internal/activity"
	"tabsync/internal/adapters"
	"tabsync/internal/crosstab"
	"tabsync/internal/detect"
	"tabsync/internal/eventbus"
	"tabsync/internal/notifier"
	"tabsync/internal/resource"
	"tabsync/internal/respcache"
	rtsup "tabsync/internal/runtime/supervisor"
	"tabsync/internal/scheduler"
	"tabsync/internal/storage"
	"tabsync/internal/syncqueue"
	logx "tabsync/pkg/logx"
)

// Owner is the bus owner id of the runtime's own subscriptions.
const Owner = "runtime"

type Config struct {
	// ModuleID names the page area this tab shows. Empty gets a random id.
	ModuleID     string
	Scheduler    scheduler.Config
	Activity     activity.Config
	CacheTTL     time.Duration
	BroadcastTTL time.Duration
	// Poll queues every module on each tick instead of only queued ones.
	Poll       bool
	APIBaseURL string
	APITimeout time.Duration
	Notifier   notifier.Config
	// Modules defaults to adapters.DefaultSpecs when empty.
	Modules []adapters.Spec
	// Routes defaults to detect.DefaultRoutes when empty.
	Routes []detect.Route
}

// Deps are the runtime's collaborators. All are optional.
type Deps struct {
	// Store carries cross-tab events. Nil keeps the tab isolated.
	Store storage.Store
	// Fetcher replaces the API client built from Config.APIBaseURL.
	Fetcher adapters.Fetcher
	// Transport is the base round tripper under the write detector.
	Transport http.RoundTripper
	Renderer  adapters.Renderer
	Sink      notifier.Sink
	Clock     func() time.Time
	Log       logx.Logger
}

// Runtime is one tab.
type Runtime struct {
	log logx.Logger
	cfg Config

	moduleID atomic.Value // string

	bus      *eventbus.Bus
	channel  *crosstab.Channel
	monitor  *activity.Monitor
	queue    *syncqueue.Queue
	cache    *respcache.Cache
	sched    *scheduler.Service
	toasts   *notifier.Service
	observer *detect.MutationObserver
	detector *detect.Transport
	hc       *http.Client
	modules  map[resource.Type]*adapters.Module

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	running bool

	remoteSeen   atomic.Uint64
	remoteQueued atomic.Uint64
	remoteErrors atomic.Uint64
}

func New(cfg Config, deps Deps) (*Runtime, error) {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	if cfg.ModuleID == "" {
		cfg.ModuleID = "tab-" + uuid.NewString()[:8]
	}
	if len(cfg.Modules) == 0 {
		cfg.Modules = adapters.DefaultSpecs()
	}
	if len(cfg.Routes) == 0 {
		cfg.Routes = detect.DefaultRoutes()
	}

	rt := &Runtime{
		log:     log.Comp("runtime").With(logx.String("tab", cfg.ModuleID)),
		cfg:     cfg,
		modules: map[resource.Type]*adapters.Module{},
	}
	rt.moduleID.Store(cfg.ModuleID)

	rt.bus = eventbus.New(log, eventbus.WithClock(now))
	if deps.Store != nil {
		rt.channel = crosstab.New(deps.Store, rt.bus, cfg.ModuleID, cfg.BroadcastTTL, log, crosstab.WithClock(now))
		rt.bus.SetBroadcaster(rt.channel)
	}
	rt.monitor = activity.New(cfg.Activity, log, activity.WithClock(now))
	rt.queue = syncqueue.New()
	rt.cache = respcache.New(cfg.CacheTTL, respcache.WithClock(now))

	sink := deps.Sink
	if sink == nil {
		sink = notifier.LogSink{Log: log.Comp("toast")}
	}
	rt.toasts = notifier.New(cfg.Notifier, sink, log, rt.bus)

	rt.sched = scheduler.New(cfg.Scheduler, rt.queue, log,
		scheduler.WithClock(now),
		scheduler.WithPresence(rt.monitor),
		scheduler.WithEmitter(rt.bus),
		scheduler.WithToaster(rt.toasts),
		scheduler.WithSource(rt.ModuleID),
		scheduler.WithSpreadTag(cfg.ModuleID),
	)
	rt.monitor.OnTransition(rt.sched.HandleTransition)
	rt.observer = detect.NewMutationObserver(rt.sched, log)

	rt.detector = detect.NewTransport(deps.Transport, rt.sched, rt.cache, log, cfg.Routes...)
	rt.hc = &http.Client{Transport: rt.detector, Timeout: cfg.APITimeout}

	fetch := deps.Fetcher
	if fetch == nil && cfg.APIBaseURL != "" {
		client, err := adapters.NewClient(cfg.APIBaseURL, rt.hc, cfg.APITimeout, log)
		if err != nil {
			return nil, err
		}
		fetch = client
	}
	render := deps.Renderer
	if render == nil {
		render = adapters.LogRenderer{Log: log}
	}
	if fetch != nil {
		for _, spec := range cfg.Modules {
			if err := rt.addModule(spec, fetch, render); err != nil {
				return nil, err
			}
		}
	}

	rt.bus.On(scheduler.EventCompleted, rt.onCompleted, Owner)
	return rt, nil
}

func (rt *Runtime) addModule(spec adapters.Spec, fetch adapters.Fetcher, render adapters.Renderer) error {
	m := adapters.NewModule(spec, fetch, rt.cache, render, rt.log)
	opts := []scheduler.RegisterOption{scheduler.WithName(spec.Container)}
	if rt.cfg.Poll {
		opts = append(opts, scheduler.WithPoll())
	}
	if err := rt.sched.Register(spec.Resource, m.Sync, opts...); err != nil {
		return fmt.Errorf("module %s: %w", spec.Resource, err)
	}
	if spec.Container != "" {
		rt.observer.Map(spec.Container, spec.Resource)
	}
	rt.modules[spec.Resource] = m
	return nil
}

// Start runs the tab's loops under ctx. Calling Start twice is a no-op.
func (rt *Runtime) Start(ctx context.Context) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.running {
		return
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(rt.log))
	rt.sup = sup
	rt.running = true

	if rt.channel != nil {
		if n, err := rt.channel.Prune(ctx); err != nil {
			rt.log.Warn("prune stale broadcasts failed", logx.Err(err))
		} else if n > 0 {
			rt.log.Debug("pruned stale broadcasts", logx.Int("count", n))
		}
		sup.GoRestart("crosstab.watch", rt.channel.Run, rtsup.WithPublishFirstError(true))
	}
	sup.GoRestart("activity.check", rt.monitor.Run)
	rt.toasts.Start(sup.Context())
	rt.sched.Start(sup.Context())
	rt.log.Info("runtime started", logx.Int("modules", len(rt.modules)), logx.Bool("crosstab", rt.channel != nil))
}

// Stop halts ticking, drains pending toasts, deletes this tab's outstanding
// broadcasts and waits for the loops until ctx is done.
func (rt *Runtime) Stop(ctx context.Context) error {
	rt.mu.Lock()
	if !rt.running {
		rt.mu.Unlock()
		return nil
	}
	sup := rt.sup
	rt.running = false
	rt.sup = nil
	rt.mu.Unlock()

	rt.sched.Stop(ctx)
	rt.toasts.Stop(ctx)
	var errs []error
	if rt.channel != nil {
		if err := rt.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	rt.log.Info("runtime stopped")
	return errors.Join(errs...)
}

// onCompleted handles another tab's sync.completed: the shared endpoints are
// invalidated and every local module reading them is queued.
func (rt *Runtime) onCompleted(e eventbus.Event) error {
	if !e.Remote {
		return nil
	}
	rt.remoteSeen.Add(1)
	var c scheduler.Completion
	if err := e.Decode(&c); err != nil {
		rt.remoteErrors.Add(1)
		return fmt.Errorf("decode completion: %w", err)
	}
	if !c.Resource.Valid() {
		rt.remoteErrors.Add(1)
		return fmt.Errorf("completion for %v: %w", c.Resource, scheduler.ErrInvalid)
	}

	reason := scheduler.RemotePrefix + e.Source
	for _, ep := range rt.endpoints(c.Resource) {
		rt.cache.Invalidate(ep)
	}
	for _, r := range rt.affected(c.Resource) {
		err := rt.sched.QueueSync(r, reason)
		switch {
		case err == nil:
			rt.remoteQueued.Add(1)
		case errors.Is(err, scheduler.ErrNoHandler):
		default:
			rt.remoteErrors.Add(1)
			rt.log.Warn("queue remote completion failed", logx.String("resource", r.String()), logx.Err(err))
		}
	}
	return nil
}

// endpoints lists what the module for r reads.
func (rt *Runtime) endpoints(r resource.Type) []string {
	for _, spec := range rt.cfg.Modules {
		if spec.Resource == r {
			return spec.Endpoints
		}
	}
	return nil
}

// affected returns r plus every module sharing an endpoint with it.
func (rt *Runtime) affected(r resource.Type) []resource.Type {
	eps := map[string]bool{}
	for _, ep := range rt.endpoints(r) {
		eps[ep] = true
	}
	out := []resource.Type{r}
	for _, spec := range rt.cfg.Modules {
		if spec.Resource == r {
			continue
		}
		for _, ep := range spec.Endpoints {
			if eps[ep] {
				out = append(out, spec.Resource)
				break
			}
		}
	}
	return out
}
