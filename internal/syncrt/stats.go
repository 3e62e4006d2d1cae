package syncrt

import (
	"tabsync/internal/activity"
	"tabsync/internal/crosstab"
	"tabsync/internal/detect"
	"tabsync/internal/eventbus"
	"tabsync/internal/notifier"
	"tabsync/internal/respcache"
	rtsup "tabsync/internal/runtime/supervisor"
	"tabsync/internal/scheduler"
)

// Stats is a diagnostic snapshot of one tab.
type Stats struct {
	ModuleID      string                     `json:"module_id"`
	Running       bool                       `json:"running"`
	Scheduler     scheduler.Snapshot         `json:"scheduler"`
	Activity      activity.State             `json:"activity"`
	Signals       map[activity.Signal]uint64 `json:"signals"`
	Bus           eventbus.Counters          `json:"bus"`
	Subscriptions int                        `json:"subscriptions"`
	CrossTab      *crosstab.Stats            `json:"crosstab,omitempty"`
	Remote        RemoteStats                `json:"remote"`
	Cache         respcache.Stats            `json:"cache"`
	Requests      detect.TransportStats      `json:"requests"`
	Mutations     detect.ObserverStats       `json:"mutations"`
	Modules       map[string]ModuleStats     `json:"modules"`
	Toasts        notifier.Stats             `json:"toasts"`
	Supervisor    rtsup.Snapshot             `json:"supervisor"`
}

// RemoteStats counts completions received from other tabs.
type RemoteStats struct {
	Seen   uint64 `json:"seen"`
	Queued uint64 `json:"queued"`
	Errors uint64 `json:"errors"`
}

type ModuleStats struct {
	Container string `json:"container"`
	Rendered  uint64 `json:"rendered"`
	Skipped   uint64 `json:"skipped"`
}

// Stats never fails; every swallowed error shows up in one of its counters.
func (rt *Runtime) Stats() Stats {
	rt.mu.Lock()
	running := rt.running
	sup := rt.sup
	rt.mu.Unlock()

	st := Stats{
		ModuleID:      rt.ModuleID(),
		Running:       running,
		Scheduler:     rt.sched.Snapshot(),
		Activity:      rt.monitor.State(),
		Signals:       rt.monitor.Signals(),
		Bus:           rt.bus.Counters(),
		Subscriptions: rt.bus.Count(),
		Remote: RemoteStats{
			Seen:   rt.remoteSeen.Load(),
			Queued: rt.remoteQueued.Load(),
			Errors: rt.remoteErrors.Load(),
		},
		Cache:      rt.cache.Stats(),
		Requests:   rt.detector.Stats(),
		Mutations:  rt.observer.Stats(),
		Modules:    make(map[string]ModuleStats, len(rt.modules)),
		Toasts:     rt.toasts.Stats(),
		Supervisor: sup.Snapshot(),
	}
	if rt.channel != nil {
		cs := rt.channel.Stats()
		st.CrossTab = &cs
	}
	for r, m := range rt.modules {
		rendered, skipped := m.Renders()
		st.Modules[r.String()] = ModuleStats{Container: m.Spec().Container, Rendered: rendered, Skipped: skipped}
	}
	return st
}
