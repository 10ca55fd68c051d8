// ABOUTME: TTL-based cache of recently seen provider message IDs.
// ABOUTME: A fast path in front of the ledger's unique constraint, which stays authoritative.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	at   time.Time
	elem *list.Element
}

// Cache tracks recently seen keys with a TTL and a size cap. When the cap is
// reached the oldest key is evicted, so a miss here never means "not a
// duplicate"; it only means the database has to decide.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache that remembers keys for ttl, holding at most maxSize
// entries. A background goroutine sweeps expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Remember reports whether key was seen within the TTL, recording it either
// way. The check and the record happen under one lock so concurrent calls for
// the same key agree on a single first sighting.
func (c *Cache) Remember(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.seen[key]; ok {
		fresh := now.Sub(e.at) < c.ttl
		e.at = now
		c.order.MoveToBack(e.elem)
		return fresh
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			old, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.seen, old)
		}
	}

	c.seen[key] = &entry{at: now, elem: c.order.PushBack(key)}
	return false
}

// Contains reports whether key was seen within the TTL without recording it.
// Callers that only record keys once their work succeeded use this for the
// read side, so a failed attempt does not poison later retries.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.seen[key]
	return ok && time.Since(e.at) < c.ttl
}

// Len returns the number of tracked keys, counting expired entries not yet
// swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.seen {
		if now.Sub(e.at) > c.ttl {
			c.order.Remove(e.elem)
			delete(c.seen, key)
		}
	}
}

// Close stops the background sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
