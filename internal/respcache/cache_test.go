package respcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestTTLBoundaries(t *testing.T) {
	start := time.UnixMilli(1_700_000_000_000)
	c := &clock{t: start}
	cache := New(10*time.Second, WithClock(c.now))

	cache.Set("/api/tasks", []int{1, 2})

	c.t = start.Add(10*time.Second - time.Millisecond)
	r, ok := cache.Get("/api/tasks")
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, r.Data)
	assert.Equal(t, start, r.Timestamp)

	c.t = start.Add(10 * time.Second)
	_, ok = cache.Get("/api/tasks")
	assert.False(t, ok, "record at exactly TTL is expired")

	c.t = start.Add(10*time.Second + time.Millisecond)
	_, ok = cache.Get("/api/tasks")
	assert.False(t, ok)

	st := cache.Stats()
	assert.EqualValues(t, 1, st.Hits)
	assert.EqualValues(t, 2, st.Misses)
}

func TestExpiredRecordsAreSweptOnSet(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	c := &clock{t: start}
	cache := New(time.Second, WithClock(c.now))

	cache.Set("a", 1)
	cache.Set("b", 2)
	c.t = start.Add(2 * time.Second)

	// expired, but still held until the next Set
	_, ok := cache.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 2, cache.Stats().Items)

	cache.Set("c", 3)
	assert.Equal(t, 1, cache.Stats().Items)
}

func TestInvalidate(t *testing.T) {
	cache := New(time.Minute)
	cache.Set("a", 1)
	cache.Invalidate("a")
	_, ok := cache.Get("a")
	assert.False(t, ok)

	cache.Set("b", 1)
	cache.Clear()
	assert.Zero(t, cache.Stats().Items)
}
