// Package cache provides a bounded in-memory LRU cache with per-entry TTL.
//
// The pipeline uses it to memoize generation responses keyed by a digest of
// the request, so retried and duplicated events do not re-spend provider
// tokens.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Cache is a fixed-capacity LRU with expiry. Safe for concurrent use.
//
// Expired entries count as misses and are removed lazily on access; a
// Purge pass can be scheduled by the owner when memory pressure matters.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration

	order   *list.List // front = most recently used
	entries map[K]*list.Element

	hits      int64
	misses    int64
	evictions int64

	// now is swappable for tests.
	now func() time.Time

	onEvict func(K, V)
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithTTL sets the per-entry lifetime. Zero means entries never expire.
func WithTTL[K comparable, V any](ttl time.Duration) Option[K, V] {
	return func(c *Cache[K, V]) { c.ttl = ttl }
}

// WithEvictionCallback registers a function invoked for every entry removed
// by capacity eviction or expiry. Called without the cache lock held is NOT
// guaranteed; callbacks must not call back into the cache.
func WithEvictionCallback[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(c *Cache[K, V]) { c.onEvict = fn }
}

// WithClock replaces the time source. Test hook.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *Cache[K, V]) { c.now = now }
}

// New creates a cache holding at most maxSize entries. maxSize below 1 is
// treated as 1.
func New[K comparable, V any](maxSize int, opts ...Option[K, V]) *Cache[K, V] {
	if maxSize < 1 {
		maxSize = 1
	}
	c := &Cache[K, V]{
		maxSize: maxSize,
		order:   list.New(),
		entries: make(map[K]*list.Element),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for key and refreshes its recency. An
// expired entry is removed and reported as a miss.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}
	ent := elem.Value.(*entry[K, V])
	if c.expired(ent) {
		c.remove(elem, ent)
		c.misses++
		return zero, false
	}

	c.order.MoveToFront(elem)
	c.hits++
	return ent.value, true
}

// Set stores value under key, refreshing TTL and recency. When the cache is
// full the least recently used entry is evicted.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}

	if elem, ok := c.entries[key]; ok {
		ent := elem.Value.(*entry[K, V])
		ent.value = value
		ent.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(&entry[K, V]{key: key, value: value, expiresAt: expiresAt})
	c.entries[key] = elem

	if c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		if oldest != nil {
			ent := oldest.Value.(*entry[K, V])
			c.remove(oldest, ent)
			c.evictions++
		}
	}
}

// Delete removes key if present.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.remove(elem, elem.Value.(*entry[K, V]))
	}
}

// Purge removes every expired entry and returns how many were dropped.
func (c *Cache[K, V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		ent := elem.Value.(*entry[K, V])
		if c.expired(ent) {
			c.remove(elem, ent)
			removed++
		}
		elem = prev
	}
	return removed
}

// Clear drops every entry without touching the hit/miss counters.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, elem := range c.entries {
		ent := elem.Value.(*entry[K, V])
		if c.onEvict != nil {
			c.onEvict(ent.key, ent.value)
		}
	}
	c.order.Init()
	c.entries = make(map[K]*list.Element)
}

// Len returns the current entry count, including not-yet-purged expired
// entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats reports cumulative cache counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	s := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.order.Len(),
		MaxSize:   c.maxSize,
	}
	if total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Size      int     `json:"size"`
	MaxSize   int     `json:"max_size"`
	HitRate   float64 `json:"hit_rate"`
}

func (c *Cache[K, V]) expired(ent *entry[K, V]) bool {
	return !ent.expiresAt.IsZero() && c.now().After(ent.expiresAt)
}

// remove unlinks an entry. Caller holds c.mu.
func (c *Cache[K, V]) remove(elem *list.Element, ent *entry[K, V]) {
	c.order.Remove(elem)
	delete(c.entries, ent.key)
	if c.onEvict != nil {
		c.onEvict(ent.key, ent.value)
	}
}
