// Package crosstab carries bus events between tabs through a shared store.
//
// Each broadcast is written once under a unique key and deleted a few
// seconds later. Receivers react only to new writes, so lingering entries are
// inert.
package crosstab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tabsync/internal/eventbus"
	"tabsync/internal/storage"
	logx "tabsync/pkg/logx"
)

const (
	KeyPrefix  = "sync_"
	DefaultTTL = 3 * time.Second

	// Entries older than pruneFactor*TTL are assumed orphaned by a tab that
	// exited before its delete timer fired.
	pruneFactor = 10
	seenLimit   = 1024
)

var ErrClosed = errors.New("crosstab: channel closed")

// Dispatcher republishes remote events locally.
type Dispatcher interface {
	Dispatch(e eventbus.Event)
}

type envelope struct {
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Source    string          `json:"source"`
	Timestamp int64           `json:"timestamp"`
}

// Stats are cumulative channel counters.
type Stats struct {
	Sent         uint64 `json:"sent"`
	SendErrors   uint64 `json:"send_errors"`
	Received     uint64 `json:"received"`
	SkippedSelf  uint64 `json:"skipped_self"`
	Duplicates   uint64 `json:"duplicates"`
	Malformed    uint64 `json:"malformed"`
	Expired      uint64 `json:"expired"`
	DeleteErrors uint64 `json:"delete_errors"`
	Pruned       uint64 `json:"pruned"`
	Pending      int    `json:"pending"`
}

type Option func(*Channel)

func WithClock(now func() time.Time) Option {
	return func(c *Channel) {
		if now != nil {
			c.now = now
		}
	}
}

// Channel is one tab's endpoint on the shared store.
type Channel struct {
	store storage.Store
	out   Dispatcher
	log   logx.Logger
	now   func() time.Time
	ttl   time.Duration

	moduleID atomic.Value // string

	mu     sync.Mutex
	closed bool
	own    map[string]*time.Timer
	seen   map[string]int64

	sent         atomic.Uint64
	sendErrors   atomic.Uint64
	received     atomic.Uint64
	skippedSelf  atomic.Uint64
	duplicates   atomic.Uint64
	malformed    atomic.Uint64
	expired      atomic.Uint64
	deleteErrors atomic.Uint64
	pruned       atomic.Uint64
}

func New(store storage.Store, out Dispatcher, moduleID string, ttl time.Duration, log logx.Logger, opts ...Option) *Channel {
	if log.IsZero() {
		log = logx.Nop()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Channel{
		store: store,
		out:   out,
		log:   log.Comp("crosstab"),
		now:   time.Now,
		ttl:   ttl,
		own:   map[string]*time.Timer{},
		seen:  map[string]int64{},
	}
	c.moduleID.Store(moduleID)
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Channel) ModuleID() string {
	s, _ := c.moduleID.Load().(string)
	return s
}

// SetModuleID changes the id used for self-exclusion of received events.
func (c *Channel) SetModuleID(id string) { c.moduleID.Store(id) }

// SetTTL changes the lifetime of entries written from now on.
func (c *Channel) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

func (c *Channel) currentTTL() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttl
}

// Key builds the store key for an event written at ts.
func Key(eventType string, ts int64, id string) string {
	return KeyPrefix + eventType + "_" + strconv.FormatInt(ts, 10) + "_" + id
}

// ParseKey splits a channel key. Event types may contain underscores, so the
// timestamp and id are taken from the right.
func ParseKey(key string) (eventType string, ts int64, id string, ok bool) {
	rest, found := strings.CutPrefix(key, KeyPrefix)
	if !found {
		return "", 0, "", false
	}
	i := strings.LastIndexByte(rest, '_')
	if i <= 0 || i == len(rest)-1 {
		return "", 0, "", false
	}
	id = rest[i+1:]
	rest = rest[:i]
	j := strings.LastIndexByte(rest, '_')
	if j <= 0 {
		return "", 0, "", false
	}
	ts, err := strconv.ParseInt(rest[j+1:], 10, 64)
	if err != nil {
		return "", 0, "", false
	}
	return rest[:j], ts, id, true
}

// Broadcast writes e to the shared store and schedules its deletion.
// It implements eventbus.Broadcaster.
func (c *Channel) Broadcast(ctx context.Context, e eventbus.Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	ttl := c.ttl
	c.mu.Unlock()

	ts := e.Timestamp
	if ts == 0 {
		ts = c.now().UnixMilli()
	}
	b, err := json.Marshal(envelope{EventType: e.Type, Payload: e.Payload, Source: e.Source, Timestamp: ts})
	if err != nil {
		c.sendErrors.Add(1)
		return fmt.Errorf("encode %s: %w", e.Type, err)
	}
	key := Key(e.Type, ts, strings.ReplaceAll(uuid.NewString(), "-", "")[:12])

	// Register before writing so a driver that echoes our own write back
	// finds the key already marked as ours.
	c.mu.Lock()
	c.own[key] = nil
	c.mu.Unlock()

	if err := c.store.Put(ctx, key, b); err != nil {
		c.mu.Lock()
		delete(c.own, key)
		c.mu.Unlock()
		c.sendErrors.Add(1)
		return fmt.Errorf("broadcast %s: %w", e.Type, err)
	}
	c.sent.Add(1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.expire(key)
		return nil
	}
	c.own[key] = time.AfterFunc(ttl, func() { c.expire(key) })
	c.mu.Unlock()
	return nil
}

func (c *Channel) expire(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.store.Delete(ctx, key); err != nil {
		c.deleteErrors.Add(1)
		c.log.Debug("broadcast entry delete failed", logx.String("key", key), logx.Err(err))
	} else {
		c.expired.Add(1)
	}
	c.mu.Lock()
	delete(c.own, key)
	c.mu.Unlock()
}

// Run watches the store and republishes remote events until ctx is done.
// It returns an error if the change feed ends while ctx is still live.
func (c *Channel) Run(ctx context.Context) error {
	ch, err := c.store.Watch(ctx)
	if err != nil {
		return fmt.Errorf("crosstab watch: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("crosstab: store change feed closed")
			}
			c.Handle(change)
		}
	}
}

// Handle processes one store change. Malformed entries are counted and
// dropped.
func (c *Channel) Handle(change storage.Change) {
	if !strings.HasPrefix(change.Key, KeyPrefix) {
		return
	}
	if change.Deleted() {
		c.mu.Lock()
		delete(c.seen, change.Key)
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	_, mine := c.own[change.Key]
	_, dup := c.seen[change.Key]
	if !mine && !dup {
		c.rememberLocked(change.Key)
	}
	c.mu.Unlock()
	if mine {
		return
	}
	if dup {
		c.duplicates.Add(1)
		return
	}

	var env envelope
	if err := json.Unmarshal(change.Value, &env); err != nil || strings.TrimSpace(env.EventType) == "" {
		c.malformed.Add(1)
		if err == nil {
			err = errors.New("missing eventType")
		}
		c.log.Debug("dropping malformed broadcast", logx.String("key", change.Key), logx.Raw("value", change.Value), logx.Err(err))
		return
	}
	if env.Source != "" && env.Source == c.ModuleID() {
		c.skippedSelf.Add(1)
		return
	}

	c.received.Add(1)
	if c.out == nil {
		return
	}
	c.out.Dispatch(eventbus.Event{
		Type:      env.EventType,
		Payload:   env.Payload,
		Source:    env.Source,
		Timestamp: env.Timestamp,
		Remote:    true,
	})
}

// rememberLocked must be called with c.mu held.
func (c *Channel) rememberLocked(key string) {
	_, ts, _, _ := ParseKey(key)
	c.seen[key] = ts
	if len(c.seen) <= seenLimit {
		return
	}
	cutoff := c.now().Add(-pruneFactor * c.ttl).UnixMilli()
	for k, t := range c.seen {
		if t < cutoff {
			delete(c.seen, k)
		}
	}
}

// Prune deletes entries older than ten times the TTL. Tabs that exit before
// their delete timers fire leave such entries behind.
func (c *Channel) Prune(ctx context.Context) (int, error) {
	keys, err := c.store.Keys(ctx, KeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("crosstab prune: %w", err)
	}
	cutoff := c.now().Add(-pruneFactor * c.currentTTL()).UnixMilli()
	n := 0
	for _, k := range keys {
		_, ts, _, ok := ParseKey(k)
		if ok && ts >= cutoff {
			continue
		}
		if err := c.store.Delete(ctx, k); err != nil {
			c.deleteErrors.Add(1)
			continue
		}
		n++
	}
	c.pruned.Add(uint64(n))
	return n, nil
}

// Close stops pending delete timers and removes this tab's outstanding
// entries. It does not close the store.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	keys := make([]string, 0, len(c.own))
	for k, t := range c.own {
		if t != nil {
			t.Stop()
		}
		keys = append(keys, k)
	}
	c.mu.Unlock()

	for _, k := range keys {
		c.expire(k)
	}
	return nil
}

func (c *Channel) Stats() Stats {
	c.mu.Lock()
	pending := len(c.own)
	c.mu.Unlock()
	return Stats{
		Sent:         c.sent.Load(),
		SendErrors:   c.sendErrors.Load(),
		Received:     c.received.Load(),
		SkippedSelf:  c.skippedSelf.Load(),
		Duplicates:   c.duplicates.Load(),
		Malformed:    c.malformed.Load(),
		Expired:      c.expired.Load(),
		DeleteErrors: c.deleteErrors.Load(),
		Pruned:       c.pruned.Load(),
		Pending:      pending,
	}
}
