package syncrt

import (
	"context"
	"net/http"
	"time"

	"tabsync/internal/activity"
	"tabsync/internal/detect"
	"tabsync/internal/eventbus"
	"tabsync/internal/resource"
	"tabsync/internal/scheduler"
	logx "tabsync/pkg/logx"
)

// QueueSync marks r stale. It is safe to call from any goroutine.
func (rt *Runtime) QueueSync(r resource.Type, reason string) error {
	return rt.sched.QueueSync(r, reason)
}

// ForceSyncAll syncs every registered resource now.
func (rt *Runtime) ForceSyncAll(ctx context.Context) ([]scheduler.Result, error) {
	return rt.sched.ForceSyncAll(ctx)
}

func (rt *Runtime) SetActive(on bool) { rt.sched.SetActive(on) }

func (rt *Runtime) SetSyncInterval(d time.Duration) error { return rt.sched.SetSyncInterval(d) }

// Register installs a custom sync routine for r, replacing the module
// adapter if one was configured.
func (rt *Runtime) Register(r resource.Type, fn scheduler.SyncFunc, opts ...scheduler.RegisterOption) error {
	return rt.sched.Register(r, fn, opts...)
}

func (rt *Runtime) On(eventType string, h eventbus.Handler, owner string) { rt.bus.On(eventType, h, owner) }

func (rt *Runtime) Off(eventType, owner string) { rt.bus.Off(eventType, owner) }

// Emit delivers locally and to the other tabs.
func (rt *Runtime) Emit(ctx context.Context, eventType string, payload any, source string) error {
	return rt.bus.Emit(ctx, eventType, payload, source)
}

func (rt *Runtime) RecordActivity(sig activity.Signal) { rt.monitor.Record(sig) }

// SetVisible reports a page visibility change. Becoming visible drains the
// queue before returning.
func (rt *Runtime) SetVisible(visible bool) { rt.monitor.SetVisible(visible) }

// Observe reports a change inside a rendered container.
func (rt *Runtime) Observe(m detect.Mutation) bool { return rt.observer.Observe(m) }

// MapContainer routes mutations of container to r.
func (rt *Runtime) MapContainer(container string, r resource.Type) { rt.observer.Map(container, r) }

// HTTPClient is the client page writes should go through so successful
// mutations queue the resources they affect.
func (rt *Runtime) HTTPClient() *http.Client { return rt.hc }

func (rt *Runtime) ModuleID() string {
	id, _ := rt.moduleID.Load().(string)
	return id
}

// SetModuleID follows page navigation. Completions are emitted under the new
// id and envelopes carrying it are treated as this tab's own.
func (rt *Runtime) SetModuleID(id string) {
	if id == "" || id == rt.ModuleID() {
		return
	}
	rt.moduleID.Store(id)
	if rt.channel != nil {
		rt.channel.SetModuleID(id)
	}
	rt.log.Debug("module id changed", logx.String("module", id))
}

// Apply swaps the live-reloadable settings. Modules, routes and the API
// endpoint are fixed for the runtime's lifetime.
func (rt *Runtime) Apply(cfg Config) {
	rt.sched.Apply(cfg.Scheduler)
	rt.monitor.Configure(cfg.Activity)
	rt.cache.SetTTL(cfg.CacheTTL)
	if rt.channel != nil {
		rt.channel.SetTTL(cfg.BroadcastTTL)
	}
	rt.toasts.Apply(cfg.Notifier)
	if cfg.ModuleID != "" {
		rt.SetModuleID(cfg.ModuleID)
	}

	rt.mu.Lock()
	cfg.Modules, cfg.Routes = rt.cfg.Modules, rt.cfg.Routes
	cfg.APIBaseURL, cfg.APITimeout = rt.cfg.APIBaseURL, rt.cfg.APITimeout
	cfg.ModuleID = rt.ModuleID()
	rt.cfg = cfg
	rt.mu.Unlock()
}
