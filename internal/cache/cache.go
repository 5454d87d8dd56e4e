// Package cache holds the in-process "recently alerted" fast path that sits in
// front of the durable alert store.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// Config configures a TTL cache.
type Config struct {
	TTL     time.Duration
	MaxSize int
}

// DefaultConfig returns a 1h TTL and 10k entries.
func DefaultConfig() Config {
	return Config{TTL: time.Hour, MaxSize: 10000}
}

type entry struct {
	key       string
	firstSeen time.Time
}

// TTLCache is a thread-safe TTL+LRU set of keys with their first-seen time.
// Contains returning true is authoritative; false only means "not cached".
type TTLCache struct {
	config Config
	now    func() time.Time

	mu    sync.Mutex
	order *list.List // front = most recently inserted
	items map[string]*list.Element

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	expired   atomic.Int64
}

// New creates a TTLCache.
func New(config Config) *TTLCache {
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultConfig().MaxSize
	}
	return &TTLCache{
		config: config,
		now:    time.Now,
		order:  list.New(),
		items:  make(map[string]*list.Element),
	}
}

// SetClock replaces the time source. Tests only.
func (c *TTLCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Contains reports whether key is present and not past its TTL. Expired
// entries are evicted on the way.
func (c *TTLCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return false
	}
	if c.isExpired(el.Value.(*entry)) {
		c.removeElement(el)
		c.expired.Add(1)
		c.misses.Add(1)
		return false
	}
	c.hits.Add(1)
	return true
}

// Add inserts key. Re-adding an existing key refreshes its position but keeps
// the original first-seen time. When full, the oldest entry is evicted first.
func (c *TTLCache) Add(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		if !c.isExpired(el.Value.(*entry)) {
			c.order.MoveToFront(el)
			return
		}
		c.removeElement(el)
	}

	if c.order.Len() >= c.config.MaxSize {
		if oldest := c.order.Back(); oldest != nil {
			c.removeElement(oldest)
			c.evictions.Add(1)
		}
	}

	c.items[key] = c.order.PushFront(&entry{key: key, firstSeen: c.now()})
}

// Remove deletes key if present.
func (c *TTLCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// FirstSeen returns when key was first added, if still cached.
func (c *TTLCache) FirstSeen(key string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok || c.isExpired(el.Value.(*entry)) {
		return time.Time{}, false
	}
	return el.Value.(*entry).firstSeen, true
}

// CleanupExpired drops every expired entry and returns how many were removed.
func (c *TTLCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if c.isExpired(el.Value.(*entry)) {
			c.removeElement(el)
			removed++
		}
		el = prev
	}
	c.expired.Add(int64(removed))
	return removed
}

// Len returns the number of cached entries, expired or not.
func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *TTLCache) isExpired(e *entry) bool {
	return c.now().Sub(e.firstSeen) >= c.config.TTL
}

func (c *TTLCache) removeElement(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*entry).key)
}

// Stats holds cache counters.
type Stats struct {
	Size      int     `json:"size"`
	MaxSize   int     `json:"max_size"`
	TTLSecs   float64 `json:"ttl_s"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Expired   int64   `json:"expired"`
	HitRate   float64 `json:"hit_rate"`
}

func (c *TTLCache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	rate := 0.0
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}
	return Stats{
		Size:      c.Len(),
		MaxSize:   c.config.MaxSize,
		TTLSecs:   c.config.TTL.Seconds(),
		Hits:      hits,
		Misses:    misses,
		Evictions: c.evictions.Load(),
		Expired:   c.expired.Load(),
		HitRate:   rate,
	}
}
