package dictionary

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Abyteon/canp/core"
	"github.com/RoaringBitmap/roaring/roaring64"
)

const (
	DefaultExpiry     = time.Hour
	DefaultMaxEntries = 100
)

// entry is one cached dictionary plus its load metadata.
type entry struct {
	dict     *SignalDictionary
	loadedAt time.Time
	priority core.Priority
	source   string
}

// CacheStats is a snapshot of the cache's counters.
type CacheStats struct {
	Hits            uint64
	Misses          uint64
	DecodedFrames   uint64
	UnknownMessages uint64
	// UnknownIDs is the count of distinct unknown message ids seen.
	UnknownIDs uint64
	ParseTime  time.Duration
	Entries    int
}

// Options configures a Cache.
type Options struct {
	// Expiry after which an entry becomes eligible for eviction.
	Expiry time.Duration
	// MaxEntries bounds the number of resident dictionaries.
	MaxEntries int
	Logger     *slog.Logger
}

// Cache parses dictionary files on demand and serves decoder lookups.
// Dictionaries are immutable once published; the table itself is
// guarded by a reader-writer lock and readers dominate.
type Cache struct {
	opts Options

	mu      sync.RWMutex
	entries map[string]*entry

	statsMu         sync.Mutex
	hits            uint64
	misses          uint64
	decodedFrames   uint64
	unknownMessages uint64
	malformed       uint64
	parseTime       time.Duration
	unknownIDs      *roaring64.Bitmap

	logger *slog.Logger
}

// NewCache creates a dictionary cache.
func NewCache(opts Options) *Cache {
	if opts.Expiry == 0 {
		opts.Expiry = DefaultExpiry
	}
	if opts.MaxEntries == 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		opts:       opts,
		entries:    make(map[string]*entry),
		unknownIDs: roaring64.New(),
		logger:     opts.Logger.With("component", "DictionaryCache"),
	}
}

// Load parses the dictionary at path and publishes it under that path.
// Within the expiry window a repeated Load is a no-op. Eviction of
// expired and over-bound entries runs opportunistically here.
func (c *Cache) Load(path string, priority core.Priority) error {
	c.mu.RLock()
	e, ok := c.entries[path]
	c.mu.RUnlock()
	if ok && time.Since(e.loadedAt) < c.opts.Expiry {
		return nil
	}

	start := time.Now()
	dict, err := ParseFile(path)
	elapsed := time.Since(start)

	c.statsMu.Lock()
	c.parseTime += elapsed
	c.statsMu.Unlock()

	if err != nil {
		return err
	}

	c.mu.Lock()
	c.entries[path] = &entry{dict: dict, loadedAt: time.Now(), priority: priority, source: path}
	c.evictLocked()
	c.mu.Unlock()

	c.logger.Debug("dictionary loaded", "path", path, "messages", dict.Len(), "parse_time", elapsed)
	return nil
}

// Publish stores an already-built dictionary under key. Used for
// merged multi-file tables; Load remains the path for single files.
func (c *Cache) Publish(key string, dict *SignalDictionary, priority core.Priority) {
	c.mu.Lock()
	c.entries[key] = &entry{dict: dict, loadedAt: time.Now(), priority: priority, source: key}
	c.evictLocked()
	c.mu.Unlock()
}

// Paths returns the keys of the resident dictionaries.
func (c *Cache) Paths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	paths := make([]string, 0, len(c.entries))
	for p := range c.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// LoadDirectory loads every *.dbc file directly under dir and returns
// the count loaded. The first parse failure aborts the walk.
func (c *Cache) LoadDirectory(dir string) (int, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return 0, &core.IoError{Path: dir, Cause: err}
	}
	loaded := 0
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), DictionaryExtension) {
			continue
		}
		if err := c.Load(filepath.Join(dir, de.Name()), core.PriorityNormal); err != nil {
			return loaded, err
		}
		loaded++
	}
	return loaded, nil
}

// Get returns the published dictionary for path.
func (c *Cache) Get(path string) (*SignalDictionary, bool) {
	c.mu.RLock()
	e, ok := c.entries[path]
	c.mu.RUnlock()

	c.statsMu.Lock()
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.statsMu.Unlock()
	if !ok {
		return nil, false
	}
	return e.dict, true
}

// Lookup resolves a message descriptor by logical id on the
// dictionary published under path.
func (c *Cache) Lookup(path string, id uint32) (*Message, bool) {
	dict, ok := c.Get(path)
	if !ok {
		return nil, false
	}
	return dict.Lookup(id)
}

// DecodeFrame decodes fr against the dictionary at path. An unknown
// message id yields no rows and bumps the unknown counter; a remote
// frame yields no rows. The returned slice is freshly appended.
func (c *Cache) DecodeFrame(path string, fr core.Frame) ([]core.DecodedRow, error) {
	dict, ok := c.Get(path)
	if !ok {
		return nil, fmt.Errorf("no dictionary loaded for %q", path)
	}
	if fr.Remote() {
		return nil, nil
	}
	msg, ok := dict.Lookup(fr.ID())
	if !ok {
		c.noteUnknown(fr.ID())
		return nil, nil
	}
	rows, st := DecodeFrame(msg, fr, nil)
	c.statsMu.Lock()
	c.decodedFrames++
	c.malformed += uint64(st.MalformedSignals)
	c.statsMu.Unlock()
	return rows, nil
}

// noteUnknown records an unknown message id.
func (c *Cache) noteUnknown(id uint32) {
	c.statsMu.Lock()
	c.unknownMessages++
	c.unknownIDs.Add(uint64(id))
	c.statsMu.Unlock()
}

// NoteUnknown is the decoder's hook for unknown ids it counts itself.
func (c *Cache) NoteUnknown(id uint32) { c.noteUnknown(id) }

// NoteDecoded bumps the decoded-frame and malformed-signal counters on
// behalf of a decoder that resolved the message itself.
func (c *Cache) NoteDecoded(malformedSignals int) {
	c.statsMu.Lock()
	c.decodedFrames++
	c.malformed += uint64(malformedSignals)
	c.statsMu.Unlock()
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	entries := len(c.entries)
	c.mu.RUnlock()

	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return CacheStats{
		Hits:            c.hits,
		Misses:          c.misses,
		DecodedFrames:   c.decodedFrames,
		UnknownMessages: c.unknownMessages,
		UnknownIDs:      c.unknownIDs.GetCardinality(),
		ParseTime:       c.parseTime,
		Entries:         entries,
	}
}

// UnknownMessageIDs returns the distinct unknown ids seen, ascending.
func (c *Cache) UnknownMessageIDs() []uint64 {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.unknownIDs.ToArray()
}

// evictLocked drops expired entries, then enforces the size bound by
// evicting lowest-priority, oldest-first. Caller holds c.mu.
func (c *Cache) evictLocked() {
	now := time.Now()
	for path, e := range c.entries {
		if now.Sub(e.loadedAt) >= c.opts.Expiry {
			delete(c.entries, path)
		}
	}
	if len(c.entries) <= c.opts.MaxEntries {
		return
	}
	type victim struct {
		path string
		e    *entry
	}
	victims := make([]victim, 0, len(c.entries))
	for path, e := range c.entries {
		victims = append(victims, victim{path, e})
	}
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].e.priority != victims[j].e.priority {
			return victims[i].e.priority < victims[j].e.priority
		}
		return victims[i].e.loadedAt.Before(victims[j].e.loadedAt)
	})
	for _, v := range victims {
		if len(c.entries) <= c.opts.MaxEntries {
			break
		}
		delete(c.entries, v.path)
	}
}
