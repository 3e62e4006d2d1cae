// Package respcache keeps the last fetched payload per key for a short TTL so
// overlapping module syncs do not hit the network twice.
package respcache

import (
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const DefaultTTL = 10 * time.Second

// Record is one cached payload and the time it was stored.
type Record struct {
	Key       string
	Data      any
	Timestamp time.Time
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// Cache is a read-checked TTL cache. A record is valid while
// now-Timestamp < TTL. Expired records stay in memory until the next Set,
// which sweeps them.
type Cache struct {
	store *gocache.Cache
	now   func() time.Time

	mu  sync.RWMutex
	ttl time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
}

func New(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		// go-cache expiry is driven by wall time; TTL is enforced here
		// against the injected clock instead.
		store: gocache.New(gocache.NoExpiration, 0),
		now:   time.Now,
		ttl:   ttl,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) TTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ttl
}

func (c *Cache) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

func (c *Cache) fresh(r Record, now time.Time) bool {
	return now.Sub(r.Timestamp) < c.TTL()
}

// Get returns the record for key if it has not expired.
func (c *Cache) Get(key string) (Record, bool) {
	v, ok := c.store.Get(key)
	if ok {
		if r, isRec := v.(Record); isRec && c.fresh(r, c.now()) {
			c.hits.Add(1)
			return r, true
		}
	}
	c.misses.Add(1)
	return Record{}, false
}

// Set stores data under key and drops expired records.
func (c *Cache) Set(key string, data any) Record {
	now := c.now()
	for k, it := range c.store.Items() {
		if r, ok := it.Object.(Record); ok && !c.fresh(r, now) {
			c.store.Delete(k)
		}
	}
	r := Record{Key: key, Data: data, Timestamp: now}
	c.store.Set(key, r, gocache.NoExpiration)
	return r
}

// Invalidate removes key.
func (c *Cache) Invalidate(key string) {
	c.store.Delete(key)
}

// Clear removes every record.
func (c *Cache) Clear() {
	c.store.Flush()
}

type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Items  int    `json:"items"`
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Items:  c.store.ItemCount(),
	}
}
