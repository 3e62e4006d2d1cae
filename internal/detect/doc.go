// Package detect turns "something changed" signals into sync queue entries.
//
// Transport watches outgoing API writes; MutationObserver watches element
// mutations reported by the host page.
package detect

import "tabsync/internal/resource"

// Enqueuer accepts sync requests. Requests for resources the tab does not
// handle are expected to fail and are ignored.
type Enqueuer interface {
	QueueSync(r resource.Type, reason string) error
}

// Invalidator drops cached responses made stale by a write.
type Invalidator interface {
	Invalidate(key string)
}
