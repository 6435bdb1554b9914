// ABOUTME: Tests for the correlation ID memory used to classify late replies.
// ABOUTME: Validates TTL expiry, one-shot Take, capacity eviction, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// clock is a settable time source for deterministic expiry tests.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestCache(ttl time.Duration, size int) (*Cache, *clock) {
	c := New(ttl, size)
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	c.mu.Lock()
	c.now = clk.now
	c.mu.Unlock()
	return c, clk
}

func TestCache_TakeUnknown(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)
	defer c.Close()

	assert.False(t, c.Take("never-marked"))
}

func TestCache_TakeIsOneShot(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)
	defer c.Close()

	c.Mark("req-1")
	assert.True(t, c.Take("req-1"))
	assert.False(t, c.Take("req-1"), "second take must miss")
	assert.Equal(t, 0, c.Len())
}

func TestCache_TakeAfterTTL(t *testing.T) {
	c, clk := newTestCache(time.Minute, 10)
	defer c.Close()

	c.Mark("req-1")
	clk.advance(2 * time.Minute)

	assert.False(t, c.Take("req-1"))
	assert.Equal(t, 0, c.Len(), "expired key is still forgotten by Take")
}

func TestCache_RemarkRefreshesTTL(t *testing.T) {
	c, clk := newTestCache(time.Minute, 10)
	defer c.Close()

	c.Mark("req-1")
	clk.advance(50 * time.Second)
	c.Mark("req-1")
	clk.advance(50 * time.Second)

	assert.True(t, c.Take("req-1"))
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c, _ := newTestCache(time.Minute, 3)
	defer c.Close()

	for i := range 4 {
		c.Mark(fmt.Sprintf("req-%d", i))
	}

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Take("req-0"))
	assert.True(t, c.Take("req-3"))
}

func TestCache_ExpireDropsOnlyStaleKeys(t *testing.T) {
	c, clk := newTestCache(time.Minute, 10)
	defer c.Close()

	c.Mark("old")
	clk.advance(90 * time.Second)
	c.Mark("new")

	c.expire()

	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Take("new"))
}

func TestCache_SweeperExpiresInBackground(t *testing.T) {
	c := New(10*time.Millisecond, 10)
	defer c.Close()

	c.Mark("req-1")

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	assert.NotPanics(t, c.Close)
}

func TestCache_ConcurrentMarkTake(t *testing.T) {
	c := New(time.Minute, 1000)
	defer c.Close()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Go(func() {
			for j := range 50 {
				key := fmt.Sprintf("req-%d-%d", i, j)
				c.Mark(key)
				c.Take(key)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, 0, c.Len())
}
