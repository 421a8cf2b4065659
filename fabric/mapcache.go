package fabric

import (
	"fmt"
	"sync"

	"github.com/Abyteon/canp/cache"
	"github.com/Abyteon/canp/core"
)

// MappedFile is a read-only view over a file's contents. Handles are
// reference counted; the underlying mapping stays valid while any
// handle is open, and the cache never evicts an entry with open
// handles.
type MappedFile struct {
	path string
	data []byte

	owner *mapCache
	// guarded by owner.mu
	refs    int
	doomed  bool // evicted from the LRU while handles were open
	closed  bool
	munmapF func([]byte) error
}

// Path returns the absolute path the mapping was opened from.
func (m *MappedFile) Path() string { return m.path }

// Bytes returns the mapped contents. The slice is valid until Close.
func (m *MappedFile) Bytes() []byte { return m.data }

// Len returns the mapped length in bytes.
func (m *MappedFile) Len() int { return len(m.data) }

// Close releases this handle. The mapping is torn down once the cache
// entry is evicted and the last handle closes.
func (m *MappedFile) Close() error {
	return m.owner.release(m)
}

// mapCache keys mappings by path with bounded LRU replacement.
// The lookup runs under the read lock; the write lock is taken on
// insertion, eviction, handle release and, on a hit, to bump the
// handle count.
type mapCache struct {
	fabric *Fabric
	mu     sync.RWMutex
	lru    *cache.LRUCache
}

func newMapCache(f *Fabric, capacity int) *mapCache {
	mc := &mapCache{fabric: f}
	mc.lru = cache.NewLRUCache(capacity,
		func(key string, value interface{}) {
			// Runs with mc.mu held (all LRU mutations happen under it).
			mf := value.(*MappedFile)
			if mf.refs == 0 {
				mc.unmap(mf)
			} else {
				mf.doomed = true
			}
		},
		func(key string, value interface{}) bool {
			return value.(*MappedFile).refs == 0
		})
	return mc
}

// acquire returns a handle for path, mapping it on a miss.
func (mc *mapCache) acquire(path string) (*MappedFile, error) {
	mc.mu.RLock()
	if v, ok := mc.lru.Get(path); ok {
		mf := v.(*MappedFile)
		mc.mu.RUnlock()
		// Upgrade to bump the refcount under the write lock.
		mc.mu.Lock()
		if !mf.closed {
			mf.refs++
			mc.mu.Unlock()
			mc.fabric.stats.mapHits.Add(1)
			return mf, nil
		}
		mc.mu.Unlock()
	} else {
		mc.mu.RUnlock()
	}

	data, munmapF, err := mapReadOnly(path)
	if err != nil {
		return nil, &core.IoError{Path: path, Cause: err}
	}

	mf := &MappedFile{path: path, data: data, munmapF: munmapF, refs: 1}
	mf.owner = mc

	mc.mu.Lock()
	// Another goroutine may have mapped the same path meanwhile; keep
	// the resident entry and discard ours.
	if v, ok := mc.lru.Get(path); ok {
		existing := v.(*MappedFile)
		if !existing.closed {
			existing.refs++
			mc.mu.Unlock()
			_ = munmapF(data)
			mc.fabric.stats.mapHits.Add(1)
			return existing, nil
		}
	}
	mc.lru.Put(path, mf)
	mc.fabric.stats.mappedBytes.Add(int64(len(data)))
	mc.mu.Unlock()
	mc.fabric.stats.mapMisses.Add(1)
	return mf, nil
}

func (mc *mapCache) release(mf *MappedFile) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mf.refs <= 0 {
		return fmt.Errorf("mapped file %s: release without open handle", mf.path)
	}
	mf.refs--
	if mf.refs == 0 && mf.doomed {
		mc.unmap(mf)
	}
	return nil
}

// unmap tears the mapping down. Caller holds mc.mu.
func (mc *mapCache) unmap(mf *MappedFile) {
	if mf.closed {
		return
	}
	mf.closed = true
	mc.fabric.stats.mappedBytes.Add(-int64(len(mf.data)))
	if mf.munmapF != nil {
		_ = mf.munmapF(mf.data)
	}
	mf.data = nil
}

// clear drops every evictable entry and dooms the rest.
func (mc *mapCache) clear() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	for _, key := range mc.lru.Keys() {
		mc.lru.Remove(key)
	}
}
