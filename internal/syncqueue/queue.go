// Package syncqueue holds the set of resources waiting to be synchronized.
package syncqueue

import (
	"sort"
	"strings"
	"sync"

	"tabsync/internal/resource"
)

// Entry is one pending resource with every reason it was queued for.
// Reasons are kept in first-seen order and are informational only.
type Entry struct {
	Resource resource.Type `json:"resource"`
	Reasons  []string      `json:"reasons"`
}

// Queue coalesces enqueues per resource until the next Drain.
type Queue struct {
	mu      sync.Mutex
	pending map[resource.Type][]string

	enqueued  uint64
	coalesced uint64
	drained   uint64
}

func New() *Queue {
	return &Queue{pending: map[resource.Type][]string{}}
}

// Enqueue adds r with reason. It reports true when the queue was empty
// before the call.
func (q *Queue) Enqueue(r resource.Type, reason string) bool {
	reason = strings.TrimSpace(reason)
	q.mu.Lock()
	defer q.mu.Unlock()

	first := len(q.pending) == 0
	q.enqueued++
	reasons, ok := q.pending[r]
	if ok {
		q.coalesced++
	}
	if reason != "" && !contains(reasons, reason) {
		reasons = append(reasons, reason)
	}
	if reasons == nil {
		reasons = []string{}
	}
	q.pending[r] = reasons
	return first
}

// Drain takes and clears every pending entry, ordered by resource.
func (q *Queue) Drain() []Entry {
	q.mu.Lock()
	pending := q.pending
	q.pending = map[resource.Type][]string{}
	q.drained += uint64(len(pending))
	q.mu.Unlock()

	out := make([]Entry, 0, len(pending))
	for r, reasons := range pending {
		out = append(out, Entry{Resource: r, Reasons: reasons})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns a copy of the queue without draining it.
func (q *Queue) Pending() []Entry {
	q.mu.Lock()
	out := make([]Entry, 0, len(q.pending))
	for r, reasons := range q.pending {
		out = append(out, Entry{Resource: r, Reasons: append([]string(nil), reasons...)})
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out
}

type Stats struct {
	Enqueued  uint64 `json:"enqueued"`
	Coalesced uint64 `json:"coalesced"`
	Drained   uint64 `json:"drained"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Enqueued: q.enqueued, Coalesced: q.coalesced, Drained: q.drained}
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
