package cache

import (
	"container/list"
	"expvar"
	"sync"
)

// cacheEntry holds the key and value for a cache item.
type cacheEntry struct {
	key   string
	value interface{}
}

// LRUCache implements a generic fixed-size LRU cache.
//
// An optional canEvict callback lets the owner veto eviction of an
// entry that is still in use (the memory fabric's map cache refuses to
// drop a mapping while decode tasks hold handles on it). A vetoed
// entry is skipped and the scan continues toward the front; if every
// resident entry is vetoed the insert proceeds over capacity.
type LRUCache struct {
	mu         sync.Mutex
	capacity   int
	lruList    *list.List
	cacheItems map[string]*list.Element
	onEvicted  func(key string, value interface{})
	canEvict   func(key string, value interface{}) bool

	hits   *expvar.Int
	misses *expvar.Int
}

// NewLRUCache creates a new LRUCache. A capacity <= 0 disables caching.
func NewLRUCache(capacity int, onEvicted func(key string, value interface{}), canEvict func(key string, value interface{}) bool) *LRUCache {
	return &LRUCache{
		capacity:   capacity,
		lruList:    list.New(),
		cacheItems: make(map[string]*list.Element),
		onEvicted:  onEvicted,
		canEvict:   canEvict,
	}
}

// SetMetrics attaches expvar counters for hits and misses.
func (c *LRUCache) SetMetrics(hits, misses *expvar.Int) {
	c.hits = hits
	c.misses = misses
}

// Get retrieves a value from the cache.
func (c *LRUCache) Get(key string) (value interface{}, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return nil, false
	}

	if elem, ok := c.cacheItems[key]; ok {
		if c.hits != nil {
			c.hits.Add(1)
		}
		c.lruList.MoveToFront(elem)
		return elem.Value.(*cacheEntry).value, true
	}

	if c.misses != nil {
		c.misses.Add(1)
	}
	return nil, false
}

// Put adds a value to the cache.
func (c *LRUCache) Put(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return
	}

	if elem, ok := c.cacheItems[key]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value.(*cacheEntry).value = value
		return
	}

	if c.lruList.Len() >= c.capacity {
		c.evict()
	}

	newEntry := &cacheEntry{key: key, value: value}
	element := c.lruList.PushFront(newEntry)
	c.cacheItems[key] = element
}

// Remove drops a specific key, invoking onEvicted for it.
func (c *LRUCache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.cacheItems[key]
	if !ok {
		return false
	}
	removed := c.lruList.Remove(elem).(*cacheEntry)
	delete(c.cacheItems, removed.key)
	if c.onEvicted != nil {
		c.onEvicted(removed.key, removed.value)
	}
	return true
}

// Len returns the current number of items in the cache.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// Keys returns the cached keys from most to least recently used.
func (c *LRUCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.lruList.Len())
	for elem := c.lruList.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*cacheEntry).key)
	}
	return keys
}

// evict removes the least recently used evictable item.
// Must be called with c.mu locked.
func (c *LRUCache) evict() {
	for elem := c.lruList.Back(); elem != nil; elem = elem.Prev() {
		entry := elem.Value.(*cacheEntry)
		if c.canEvict != nil && !c.canEvict(entry.key, entry.value) {
			continue
		}
		c.lruList.Remove(elem)
		delete(c.cacheItems, entry.key)
		if c.onEvicted != nil {
			c.onEvicted(entry.key, entry.value)
		}
		return
	}
}

// Clear removes all entries from the cache, invoking onEvicted for
// each so pooled resources are returned to their pools.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onEvicted != nil {
		for _, elem := range c.cacheItems {
			c.onEvicted(elem.Value.(*cacheEntry).key, elem.Value.(*cacheEntry).value)
		}
	}
	c.lruList = list.New()
	c.cacheItems = make(map[string]*list.Element)
	if c.hits != nil {
		c.hits.Set(0)
	}
	if c.misses != nil {
		c.misses.Set(0)
	}
}

// GetHitRate calculates the cache hit rate.
func (c *LRUCache) GetHitRate() float64 {
	var hits, misses float64
	if c.hits != nil {
		hits = float64(c.hits.Value())
	}
	if c.misses != nil {
		misses = float64(c.misses.Value())
	}
	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return hits / total
}
