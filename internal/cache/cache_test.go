package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"dispatch/internal/clock"
)

func newTestCache(t *testing.T, capacity int, clk *clock.ManualClock) *Cache {
	t.Helper()
	c, err := New(capacity, 0, clk.Now)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewRejectsNonPositiveCapacity(t *testing.T) {
	t.Parallel()

	if _, err := New(0, 0, nil); err == nil {
		t.Fatalf("expected capacity error")
	}
}

func TestGetSetDelete(t *testing.T) {
	t.Parallel()

	clk := clock.NewManualClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	c := newTestCache(t, 4, clk)

	if _, ok := c.Get("fp-1"); ok {
		t.Fatalf("expected miss for empty cache")
	}
	c.Set("fp-1", "INC-1", time.Hour)
	value, ok := c.Get("fp-1")
	if !ok || value.(string) != "INC-1" {
		t.Fatalf("unexpected hit result: %v %v", value, ok)
	}

	c.Set("fp-1", "INC-2", time.Hour)
	if value, _ := c.Get("fp-1"); value.(string) != "INC-2" {
		t.Fatalf("expected updated value, got %v", value)
	}

	if !c.Delete("fp-1") {
		t.Fatalf("expected delete to report existing entry")
	}
	if c.Delete("fp-1") {
		t.Fatalf("expected delete miss on second call")
	}
	if _, ok := c.Get("fp-1"); ok {
		t.Fatalf("expected miss after delete")
	}
}

func TestLRUEvictionOrder(t *testing.T) {
	t.Parallel()

	clk := clock.NewManualClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	c := newTestCache(t, 3, clk)

	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	c.Set("c", 3, 0)

	// Touch "a" so "b" becomes the least recently used entry.
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected hit for a")
	}
	c.Set("d", 4, 0)

	if _, ok := c.Get("b"); ok {
		t.Fatalf("expected lru eviction of b")
	}
	for _, key := range []string{"a", "c", "d"} {
		if _, ok := c.Get(key); !ok {
			t.Fatalf("expected %q to survive", key)
		}
	}
	if got := c.Stats().Evictions[ReasonLRU]; got != 1 {
		t.Fatalf("lru evictions = %d", got)
	}
}

func TestTTLExpiry(t *testing.T) {
	t.Parallel()

	clk := clock.NewManualClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	c := newTestCache(t, 4, clk)

	c.Set("fp-1", "INC-1", 2*time.Second)
	if _, ok := c.Get("fp-1"); !ok {
		t.Fatalf("expected hit before expiry")
	}

	clk.Advance(3 * time.Second)
	if _, ok := c.Get("fp-1"); ok {
		t.Fatalf("expected miss after ttl elapsed")
	}
	if got := c.Stats().Evictions[ReasonTTL]; got != 1 {
		t.Fatalf("ttl evictions = %d", got)
	}
}

func TestExpiredEntriesFreedBeforeLRUEviction(t *testing.T) {
	t.Parallel()

	clk := clock.NewManualClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	c := newTestCache(t, 2, clk)

	c.Set("short", 1, time.Second)
	c.Set("long", 2, time.Hour)
	clk.Advance(2 * time.Second)

	c.Set("next", 3, time.Hour)
	if _, ok := c.Get("long"); !ok {
		t.Fatalf("unexpired entry must not be evicted while expired one exists")
	}
	if _, ok := c.Get("next"); !ok {
		t.Fatalf("expected inserted entry to be present")
	}
	stats := c.Stats()
	if stats.Evictions[ReasonTTL] != 1 || stats.Evictions[ReasonLRU] != 0 {
		t.Fatalf("unexpected evictions: %#v", stats.Evictions)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	t.Parallel()

	clk := clock.NewManualClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	c := newTestCache(t, 8, clk)

	c.Set("a", 1, time.Second)
	c.Set("b", 2, time.Second)
	c.Set("c", 3, time.Hour)
	clk.Advance(2 * time.Second)

	if removed := c.Sweep(); removed != 2 {
		t.Fatalf("sweep removed %d", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("len after sweep = %d", c.Len())
	}
}

func TestStatsHitRate(t *testing.T) {
	t.Parallel()

	clk := clock.NewManualClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	c := newTestCache(t, 4, clk)

	c.Set("a", 1, 0)
	c.Get("a")
	c.Get("a")
	c.Get("missing")
	c.Delete("a")

	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Fatalf("unexpected counters: %+v", stats)
	}
	if stats.HitRate < 0.66 || stats.HitRate > 0.67 {
		t.Fatalf("hit rate = %f", stats.HitRate)
	}
	if stats.Evictions[ReasonManual] != 1 {
		t.Fatalf("manual evictions = %d", stats.Evictions[ReasonManual])
	}
	if stats.Capacity != 4 || stats.Size != 0 {
		t.Fatalf("size/capacity = %d/%d", stats.Size, stats.Capacity)
	}
}

func TestConcurrentGetSet(t *testing.T) {
	t.Parallel()

	c, err := New(64, 0, nil)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer c.Close()

	var wg sync.WaitGroup
	for worker := 0; worker < 16; worker++ {
		worker := worker
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("key-%d", (worker+i)%80)
				c.Set(key, i, time.Minute)
				c.Get(key)
			}
		}()
	}
	wg.Wait()

	if c.Len() > 64 {
		t.Fatalf("capacity invariant violated: len=%d", c.Len())
	}
}
