package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "tabsync/pkg/logx"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Event is one emission on the bus.
//
// Payload is opaque JSON. Events are not deduplicated by content; identity is
// implicit (type + timestamp).
type Event struct {
	Type      string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Source    string          `json:"source"`
	Timestamp int64           `json:"timestamp"` // unix milli

	// Remote is set when the event arrived from another tab.
	Remote bool `json:"-"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s: empty payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

// Handler receives an event. Returned errors and panics are logged and
// counted; they never stop delivery to the remaining handlers.
type Handler func(Event) error

// Broadcaster forwards emissions to other tabs.
type Broadcaster interface {
	Broadcast(ctx context.Context, e Event) error
}

type subscription struct {
	owner   string
	handler Handler
}

// Counters are best-effort delivery metrics.
type Counters struct {
	Emitted         uint64 `json:"emitted"`
	Dispatched      uint64 `json:"dispatched"`
	Delivered       uint64 `json:"delivered"`
	HandlerErrors   uint64 `json:"handler_errors"`
	HandlerPanics   uint64 `json:"handler_panics"`
	BroadcastErrors uint64 `json:"broadcast_errors"`
}

// Bus is an in-process publish/subscribe registry keyed by event type.
//
// Every subscription is tagged with an owner module id; an emission from
// module M never reaches subscriptions owned by M. Delivery is synchronous
// and runs in subscription order before Emit returns.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]subscription
	bc   Broadcaster

	log logx.Logger
	now func() time.Time

	emitted         atomic.Uint64
	dispatched      atomic.Uint64
	delivered       atomic.Uint64
	handlerErrors   atomic.Uint64
	handlerPanics   atomic.Uint64
	broadcastErrors atomic.Uint64
}

type Option func(*Bus)

func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

func New(log logx.Logger, opts ...Option) *Bus {
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bus{
		subs: map[string][]subscription{},
		log:  log,
		now:  time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// SetBroadcaster installs (or clears, with nil) the cross-tab transport.
func (b *Bus) SetBroadcaster(bc Broadcaster) {
	b.mu.Lock()
	b.bc = bc
	b.mu.Unlock()
}

// On registers handler for eventType. Registering twice yields two invocations.
func (b *Bus) On(eventType string, handler Handler, owner string) {
	if handler == nil {
		return
	}
	eventType = strings.TrimSpace(eventType)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], subscription{owner: owner, handler: handler})
	b.mu.Unlock()
}

// Off removes every subscription of owner under eventType.
func (b *Bus) Off(eventType, owner string) {
	eventType = strings.TrimSpace(eventType)
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	if len(subs) == 0 {
		return
	}
	kept := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.owner != owner {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.subs, eventType)
		return
	}
	b.subs[eventType] = kept
}

// Count returns the number of registered subscriptions.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

// Emit broadcasts the event to other tabs and then delivers it to local
// subscribers not owned by source.
//
// Transport failures are logged and counted, never returned. The only error
// is a payload that cannot be encoded as JSON.
func (b *Bus) Emit(ctx context.Context, eventType string, payload any, source string) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("emit %s: %w", eventType, err)
	}
	e := Event{
		Type:      strings.TrimSpace(eventType),
		Payload:   raw,
		Source:    source,
		Timestamp: b.now().UnixMilli(),
	}
	b.emitted.Add(1)

	b.mu.RLock()
	bc := b.bc
	b.mu.RUnlock()
	if bc != nil {
		if ctx == nil {
			ctx = context.Background()
		}
		if err := bc.Broadcast(ctx, e); err != nil {
			b.broadcastErrors.Add(1)
			b.log.Warn("broadcast failed", logx.String("event", e.Type), logx.Err(err))
		}
	}

	b.deliver(e)
	return nil
}

// Dispatch delivers an already-formed event to local subscribers only.
// The cross-tab channel uses it to republish remote events.
func (b *Bus) Dispatch(e Event) {
	b.dispatched.Add(1)
	b.deliver(e)
}

func (b *Bus) deliver(e Event) {
	b.mu.RLock()
	specific := append([]subscription(nil), b.subs[e.Type]...)
	var wildcard []subscription
	if e.Type != Wildcard {
		wildcard = append([]subscription(nil), b.subs[Wildcard]...)
	}
	b.mu.RUnlock()

	for _, s := range specific {
		if s.owner == e.Source {
			continue
		}
		b.safeCall(s, e)
	}
	for _, s := range wildcard {
		if s.owner == e.Source {
			continue
		}
		b.safeCall(s, e)
	}
}

func (b *Bus) safeCall(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerPanics.Add(1)
			b.log.Error("event handler panicked",
				logx.String("event", e.Type),
				logx.String("owner", s.owner),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	b.delivered.Add(1)
	if err := s.handler(e); err != nil {
		b.handlerErrors.Add(1)
		b.log.Warn("event handler failed", logx.String("event", e.Type), logx.String("owner", s.owner), logx.Err(err))
	}
}

func (b *Bus) Counters() Counters {
	return Counters{
		Emitted:         b.emitted.Load(),
		Dispatched:      b.dispatched.Load(),
		Delivered:       b.delivered.Load(),
		HandlerErrors:   b.handlerErrors.Load(),
		HandlerPanics:   b.handlerPanics.Load(),
		BroadcastErrors: b.broadcastErrors.Load(),
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return validRaw(p)
	case []byte:
		return validRaw(p)
	default:
		return json.Marshal(p)
	}
}

// validRaw passes pre-encoded payloads through; empty means no payload.
func validRaw(p []byte) (json.RawMessage, error) {
	if len(p) == 0 {
		return nil, nil
	}
	if !json.Valid(p) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(p), nil
}
