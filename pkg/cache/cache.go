// Package cache provides a thread-safe in-memory cache with TTL expiration
// and an LRU size cap. Used for LLM response caching and semantic condition
// memoization; correctness never depends on a hit.
package cache

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key      string
	value    any
	storedAt time.Time
}

// Cache is a TTL + LRU bounded cache. Expired entries are cleaned up lazily
// on Get; no background goroutine.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	ttl     time.Duration
	max     int
}

// New creates a cache with the given TTL and maximum entry count.
func New(ttl time.Duration, max int) *Cache {
	if max <= 0 {
		max = 1
	}
	return &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		max:     max,
	}
}

// Get returns the cached value if present and not expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if time.Since(e.storedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return e.value, true
}

// Set stores value under key, evicting the least recently used entry when
// the cache is full.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.storedAt = time.Now()
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&entry{key: key, value: value, storedAt: time.Now()})
	c.entries[key] = el

	for len(c.entries) > c.max {
		tail := c.order.Back()
		if tail == nil {
			break
		}
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(*entry).key)
	}
}

// Len returns the number of cached entries, including not-yet-reaped
// expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
