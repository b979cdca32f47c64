// ABOUTME: TTL cache of recently seen inbound message keys.
// ABOUTME: Prevents a redelivered protocol message from being forwarded twice.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Cache is a thread-safe, size-capped TTL set of message keys. Keys are
// tenant-scoped by the caller (tenantID + "/" + messageID).
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // keys in insertion order, oldest first
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

type entry struct {
	at   time.Time
	elem *list.Element
}

// New creates a cache with the given TTL and maximum size. A background
// goroutine sweeps expired entries until Close is called.
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

// Seen atomically checks whether key was already recorded and records it if
// not. Returns true for a duplicate.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[key]; ok && time.Since(e.at) < c.ttl {
		return true
	}

	if e, ok := c.seen[key]; ok {
		// Expired entry for the same key: refresh in place.
		e.at = time.Now()
		c.order.MoveToBack(e.elem)
		return false
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	c.seen[key] = &entry{at: time.Now(), elem: c.order.PushBack(key)}
	return false
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// sweep drops expired entries once per TTL interval.
func (c *Cache) sweep() {
	interval := c.ttl
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			for e := c.order.Front(); e != nil; {
				next := e.Next()
				key, _ := e.Value.(string)
				if ent, ok := c.seen[key]; ok && time.Since(ent.at) >= c.ttl {
					c.order.Remove(e)
					delete(c.seen, key)
				}
				e = next
			}
			c.mu.Unlock()
		}
	}
}

// Close stops the background sweeper. The cache remains usable.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}
