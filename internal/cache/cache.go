package cache

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

// EvictionReason categorizes why one entry left the cache.
// Params: lru/ttl/manual reason constants.
// Returns: per-reason eviction accounting key.
type EvictionReason string

const (
	// ReasonLRU marks capacity eviction of the least-recently-used entry.
	ReasonLRU EvictionReason = "lru"
	// ReasonTTL marks expiry-driven removal.
	ReasonTTL EvictionReason = "ttl"
	// ReasonManual marks explicit Delete calls.
	ReasonManual EvictionReason = "manual"
)

// Stats is one cache counters snapshot.
// Params: hit/miss totals, per-reason evictions, size, capacity, and hit rate.
// Returns: copy safe for caller inspection.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions map[EvictionReason]uint64
	Size      int
	Capacity  int
	HitRate   float64
}

// entry is one stored value with its expiry deadline.
type entry struct {
	key       string
	value     any
	expiresAt time.Time
}

// Cache is a bounded LRU store with per-entry TTL and eviction accounting.
// Params: hash index plus access-order list guarded by one exclusive mutex.
// Returns: O(1) Get/Set/Delete with background expiry sweep.
//
// Locking discipline: Get promotes the entry in the access list, which
// mutates shared state, so both Get and Set take the exclusive lock.
type Cache struct {
	mu        sync.Mutex
	capacity  int
	index     map[string]*list.Element
	order     *list.List
	hits      uint64
	misses    uint64
	evictions map[EvictionReason]uint64
	now       func() time.Time

	sweepStop chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// New creates a cache and starts its background expiry sweep.
// Params: positive capacity, sweep interval (disabled when <=0), and now function (defaults to time.Now).
// Returns: initialized cache or capacity error.
func New(capacity int, sweepInterval time.Duration, now func() time.Time) (*Cache, error) {
	if capacity <= 0 {
		return nil, errors.New("cache capacity must be >0")
	}
	if now == nil {
		now = time.Now
	}
	c := &Cache{
		capacity:  capacity,
		index:     make(map[string]*list.Element, capacity),
		order:     list.New(),
		evictions: make(map[EvictionReason]uint64, 3),
		now:       now,
	}
	if sweepInterval > 0 {
		c.sweepStop = make(chan struct{})
		c.sweepDone = make(chan struct{})
		go c.sweepLoop(sweepInterval)
	}
	return c, nil
}

// Close stops the background sweep goroutine.
// Params: none.
// Returns: nil after the sweeper has exited.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		if c.sweepStop != nil {
			close(c.sweepStop)
			<-c.sweepDone
		}
	})
	return nil
}

// Get looks up one key and promotes it to most-recently-used on hit.
// Params: entry key.
// Returns: stored value and true on unexpired hit; (nil, false) on miss or expiry.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, exists := c.index[key]
	if !exists {
		c.misses++
		return nil, false
	}
	stored := element.Value.(*entry)
	if c.expired(stored) {
		c.removeLocked(element, ReasonTTL)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(element)
	c.hits++
	return stored.value, true
}

// Set inserts or updates one entry, evicting the LRU entry at capacity.
// Params: key, value, and TTL (no expiry when ttl<=0).
// Returns: entry stored at most-recently-used position.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	if element, exists := c.index[key]; exists {
		stored := element.Value.(*entry)
		stored.value = value
		stored.expiresAt = expiresAt
		c.order.MoveToFront(element)
		return
	}

	if c.order.Len() >= c.capacity {
		c.dropExpiredFromBackLocked()
	}
	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.removeLocked(oldest, ReasonLRU)
		}
	}

	element := c.order.PushFront(&entry{key: key, value: value, expiresAt: expiresAt})
	c.index[key] = element
}

// Delete removes one entry with manual eviction accounting.
// Params: entry key.
// Returns: true when entry existed.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, exists := c.index[key]
	if !exists {
		return false
	}
	c.removeLocked(element, ReasonManual)
	return true
}

// Len returns current live entry count.
// Params: none.
// Returns: stored entry count including not-yet-swept expired entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns a counters snapshot.
// Params: none.
// Returns: copy of hit/miss/eviction counters with computed hit rate.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	evictions := make(map[EvictionReason]uint64, len(c.evictions))
	for reason, count := range c.evictions {
		evictions[reason] = count
	}
	stats := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: evictions,
		Size:      c.order.Len(),
		Capacity:  c.capacity,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// Sweep removes every expired entry immediately.
// Params: none.
// Returns: count of removed entries.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for element := c.order.Back(); element != nil; {
		previous := element.Prev()
		if c.expired(element.Value.(*entry)) {
			c.removeLocked(element, ReasonTTL)
			removed++
		}
		element = previous
	}
	return removed
}

// sweepLoop runs the periodic expiry sweep until Close.
// Params: sweep interval.
// Returns: signals sweepDone on exit.
func (c *Cache) sweepLoop(interval time.Duration) {
	defer close(c.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.sweepStop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// expired reports whether entry deadline has passed.
// Params: stored entry.
// Returns: true when a deadline is set and not after now.
func (c *Cache) expired(stored *entry) bool {
	return !stored.expiresAt.IsZero() && !c.now().Before(stored.expiresAt)
}

// dropExpiredFromBackLocked removes expired entries found at the LRU end.
// Params: none (caller holds the lock).
// Returns: expired tail entries removed with TTL reason.
func (c *Cache) dropExpiredFromBackLocked() {
	for element := c.order.Back(); element != nil; {
		previous := element.Prev()
		if !c.expired(element.Value.(*entry)) {
			element = previous
			continue
		}
		c.removeLocked(element, ReasonTTL)
		element = previous
	}
}

// removeLocked unlinks one entry and accounts the eviction reason.
// Params: list element and eviction reason (caller holds the lock).
// Returns: entry removed from both index and access list.
func (c *Cache) removeLocked(element *list.Element, reason EvictionReason) {
	stored := element.Value.(*entry)
	delete(c.index, stored.key)
	c.order.Remove(element)
	c.evictions[reason]++
}
