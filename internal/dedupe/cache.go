// ABOUTME: Bounded TTL set of correlation IDs whose requests stopped waiting.
// ABOUTME: Lets a connection tell a late reply apart from a stray one when it arrives.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry is one remembered key and when it was marked.
type entry struct {
	key    string
	marked time.Time
}

// Cache remembers keys for a fixed TTL, holding at most maxSize of them.
// Keys are kept in mark order, so expiry and eviction both pop from the front.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // of *entry, oldest mark at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and capacity and starts its sweeper.
// Call Close to stop the sweeper.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweep(sweepInterval(ttl))
	return c
}

// sweepInterval runs expiry at most once a minute and at least once per TTL.
func sweepInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > time.Minute {
		return time.Minute
	}
	return ttl
}

// Mark remembers key. Re-marking refreshes its TTL.
// When the cache is full the oldest key is forgotten.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if elem, ok := c.index[key]; ok {
		elem.Value.(*entry).marked = now
		c.order.MoveToBack(elem)
		return
	}
	if c.order.Len() >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.index[key] = c.order.PushBack(&entry{key: key, marked: now})
}

// Take reports whether key is remembered and unexpired, forgetting it either way.
// A second Take for the same key returns false.
func (c *Cache) Take(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[key]
	if !ok {
		return false
	}
	fresh := c.now().Sub(elem.Value.(*entry).marked) < c.ttl
	c.removeLocked(elem)
	return fresh
}

// Len returns the number of remembered keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// expire drops every key older than the TTL.
func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.ttl)
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if front.Value.(*entry).marked.After(cutoff) {
			return
		}
		c.removeLocked(front)
	}
}

// removeLocked drops elem. Must be called with mu held.
func (c *Cache) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	e := elem.Value.(*entry)
	c.order.Remove(elem)
	delete(c.index, e.key)
}

func (c *Cache) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

// Close stops the sweeper. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
