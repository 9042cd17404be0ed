// ABOUTME: Thread-safe TTL cache remembering values by key with bounded size.
// ABOUTME: Maps (conversation, sender, local_id) to the message already sequenced for it.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry[V any] struct {
	key     string
	value   V
	stored  time.Time
	element *list.Element
}

// Cache is a size-limited, TTL-bounded map. Insertion order is tracked with a
// linked list so eviction of the oldest entry is O(1).
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its background sweep.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	return newCache[V](ttl, maxSize, time.Now)
}

func newCache[V any](ttl time.Duration, maxSize int, now func() time.Time) *Cache[V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache[V]{
		entries: make(map[string]*entry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Key builds the cache key for a client-supplied local id.
func Key(conversationID, senderID, localID string) string {
	return conversationID + "\x00" + senderID + "\x00" + localID
}

// Get returns the live value stored under key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// PutIfAbsent stores value unless a live entry exists, in which case the
// existing value is returned with loaded=true.
func (c *Cache[V]) PutIfAbsent(key string, value V) (actual V, loaded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && !c.expired(e) {
		return e.value, true
	}
	c.putLocked(key, value)
	return value, false
}

// Put stores value under key, replacing any previous entry.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value)
}

// Len reports the number of stored entries, expired ones included until swept.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// putLocked must be called with mu held.
func (c *Cache[V]) putLocked(key string, value V) {
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.stored = c.now()
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	e := &entry[V]{key: key, value: value, stored: c.now()}
	e.element = c.order.PushBack(e)
	c.entries[key] = e
}

func (c *Cache[V]) expired(e *entry[V]) bool {
	return c.now().Sub(e.stored) >= c.ttl
}

// evictOldest must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e, _ := front.Value.(*entry[V])
	c.order.Remove(front)
	delete(c.entries, e.key)
}

func (c *Cache[V]) sweep() {
	interval := c.ttl
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
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

func (c *Cache[V]) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Entries are ordered by store time, so stop at the first live one
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e, _ := front.Value.(*entry[V])
		if !c.expired(e) {
			return
		}
		c.order.Remove(front)
		delete(c.entries, e.key)
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
