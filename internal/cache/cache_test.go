package cache

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache() (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	c := New()
	c.now = clock.Now
	return c, clock
}

func TestGetMiss(t *testing.T) {
	c, _ := newTestCache()
	_, ok := c.Get("absent", time.Minute)
	assert.False(t, ok)
}

func TestLookupTimeTTL(t *testing.T) {
	c, clock := newTestCache()
	c.Set("k", json.RawMessage(`{"v":1}`))

	clock.Advance(90 * time.Second)

	// The same entry serves two caller classes with different staleness
	// tolerance: fresh for the 300s metadata class, stale for the 60s
	// data class.
	v, ok := c.Get("k", 300*time.Second)
	require.True(t, ok)
	assert.JSONEq(t, `{"v":1}`, string(v))

	_, ok = c.Get("k", 60*time.Second)
	assert.False(t, ok)
}

func TestSetOverwritesWholesale(t *testing.T) {
	c, clock := newTestCache()
	c.Set("k", json.RawMessage(`1`))
	clock.Advance(2 * time.Minute)
	c.Set("k", json.RawMessage(`2`))

	v, ok := c.Get("k", time.Minute)
	require.True(t, ok, "overwrite must refresh the timestamp along with the value")
	assert.Equal(t, `2`, string(v))
}

func TestSetCapped(t *testing.T) {
	c, clock := newTestCache()
	c.SetCapped("k", json.RawMessage(`{"error":"boom"}`), 10*time.Second)

	// Within the cap the entry serves any caller class.
	_, ok := c.Get("k", 300*time.Second)
	assert.True(t, ok)

	// Past the cap it is stale even for callers with a long TTL.
	clock.Advance(11 * time.Second)
	_, ok = c.Get("k", 300*time.Second)
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	c, _ := newTestCache()
	c.Set("a", json.RawMessage(`1`))
	c.Set("b", json.RawMessage(`2`))
	require.Equal(t, 2, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
	_, ok := c.Get("a", time.Hour)
	assert.False(t, ok)
}

func TestSnapshot(t *testing.T) {
	c, clock := newTestCache()
	c.Set("old", json.RawMessage(`1`))
	clock.Advance(2 * time.Minute)
	c.Set("new", json.RawMessage(`2`))

	snap := c.Snapshot(time.Minute)
	require.Len(t, snap, 1)
	_, ok := snap["new"]
	assert.True(t, ok)

	// Snapshot is a copy; mutating the cache afterwards must not change it.
	c.Clear()
	assert.Len(t, snap, 1)
}

func TestConcurrentAccess(t *testing.T) {
	c, _ := newTestCache()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.Set("k", json.RawMessage(`1`))
				c.Get("k", time.Minute)
				c.Snapshot(time.Minute)
			}
		}()
	}
	wg.Wait()
	_, ok := c.Get("k", time.Minute)
	assert.True(t, ok)
}
