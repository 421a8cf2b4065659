package cache

import (
	"expvar"
	"testing"
)

func TestLRUPutAndGet(t *testing.T) {
	c := NewLRUCache(3, nil, nil)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)
	if c.Len() != 3 {
		t.Fatalf("expected 3 items, got %d", c.Len())
	}

	v, ok := c.Get("a")
	if !ok || v.(int) != 1 {
		t.Errorf("Get(a) = %v, %v", v, ok)
	}

	// "a" was just touched; inserting "d" should evict "b".
	c.Put("d", 4)
	if _, ok := c.Get("b"); ok {
		t.Error("expected b to be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("expected a to survive")
	}
}

func TestLRUDisabled(t *testing.T) {
	c := NewLRUCache(0, nil, nil)
	c.Put("a", 1)
	if _, ok := c.Get("a"); ok {
		t.Error("disabled cache should store nothing")
	}
}

func TestLRUEvictionCallback(t *testing.T) {
	evicted := map[string]interface{}{}
	c := NewLRUCache(1, func(key string, value interface{}) {
		evicted[key] = value
	}, nil)

	c.Put("a", 1)
	c.Put("b", 2)
	if v, ok := evicted["a"]; !ok || v.(int) != 1 {
		t.Errorf("expected eviction callback for a, got %v", evicted)
	}
}

func TestLRUEvictionVeto(t *testing.T) {
	pinned := map[string]bool{"a": true}
	c := NewLRUCache(2,
		nil,
		func(key string, value interface{}) bool { return !pinned[key] },
	)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3) // must evict b, not the pinned a

	if _, ok := c.Get("a"); !ok {
		t.Error("pinned entry was evicted")
	}
	if _, ok := c.Get("b"); ok {
		t.Error("expected b to be evicted instead of pinned a")
	}
	if c.Len() != 2 {
		t.Errorf("expected len 2, got %d", c.Len())
	}
}

func TestLRUVetoAllGrowsOverCapacity(t *testing.T) {
	c := NewLRUCache(1, nil, func(string, interface{}) bool { return false })
	c.Put("a", 1)
	c.Put("b", 2)
	if c.Len() != 2 {
		t.Errorf("fully pinned cache should grow, got len %d", c.Len())
	}
}

func TestLRURemove(t *testing.T) {
	removed := ""
	c := NewLRUCache(2, func(key string, _ interface{}) { removed = key }, nil)
	c.Put("a", 1)
	if !c.Remove("a") {
		t.Fatal("Remove(a) = false")
	}
	if removed != "a" {
		t.Errorf("eviction callback not invoked on Remove, got %q", removed)
	}
	if c.Remove("a") {
		t.Error("second Remove should report missing")
	}
}

func TestLRUMetricsAndClear(t *testing.T) {
	c := NewLRUCache(2, nil, nil)
	hits := new(expvar.Int)
	misses := new(expvar.Int)
	c.SetMetrics(hits, misses)

	c.Put("a", 1)
	c.Get("a")
	c.Get("zz")
	if hits.Value() != 1 || misses.Value() != 1 {
		t.Errorf("hits=%d misses=%d", hits.Value(), misses.Value())
	}
	if rate := c.GetHitRate(); rate != 0.5 {
		t.Errorf("hit rate = %f", rate)
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Clear left %d items", c.Len())
	}
	if hits.Value() != 0 || misses.Value() != 0 {
		t.Error("Clear should reset metrics")
	}
}

func TestLRUKeysOrder(t *testing.T) {
	c := NewLRUCache(3, nil, nil)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a")
	keys := c.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("Keys() = %v", keys)
	}
}
