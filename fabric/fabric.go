package fabric

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Abyteon/canp/core"
)

// Family selects which tier family a checkout draws from.
type Family int

const (
	FamilyGeneric Family = iota
	FamilyDecompress
	FamilyFrame
)

func (f Family) String() string {
	switch f {
	case FamilyGeneric:
		return "generic"
	case FamilyDecompress:
		return "decompress"
	case FamilyFrame:
		return "frame"
	default:
		return "unknown"
	}
}

// Default capacity floors per family. The decompression family extends
// far past the generic tiers because a capture's payload expands to
// several times its compressed length.
var (
	DefaultGenericTiers    = []int{512, 1024, 2048, 4096, 8192}
	DefaultDecompressTiers = []int{16 * 1024, 64 * 1024, 256 * 1024, 1024 * 1024}
	DefaultFrameTiers      = []int{512, 1024, 2048, 4096, 8192}
)

const (
	DefaultCeilingBytes = 2 * 1024 * 1024 * 1024
	DefaultWarnFraction = 0.8
)

// Options configures a Fabric.
type Options struct {
	GenericTiers    []int
	DecompressTiers []int
	FrameTiers      []int
	// CeilingBytes is the hard upper bound on bytes owned by the
	// fabric's buffers. Crossing it fails the checkout; it is never
	// silently exceeded.
	CeilingBytes int64
	// WarnFraction of the ceiling gates new allocations when the
	// requested tier has no reusable buffer.
	WarnFraction float64
	// MapCacheCapacity bounds the mapped-file LRU.
	MapCacheCapacity int
	// PrewarmPerTier pre-populates every tier with this many buffers.
	PrewarmPerTier int
	Logger         *slog.Logger
}

// tier is one size class: a mutex-guarded stack of reusable byte
// slices, all with capacity >= floor.
type tier struct {
	family Family
	index  int
	floor  int

	mu    sync.Mutex
	items [][]byte
}

func (t *tier) pop() ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.items) == 0 {
		return nil, false
	}
	b := t.items[len(t.items)-1]
	t.items = t.items[:len(t.items)-1]
	return b, true
}

func (t *tier) push(b []byte) {
	t.mu.Lock()
	t.items = append(t.items, b)
	t.mu.Unlock()
}

// Fabric owns all large reusable allocations: tiered buffer pools per
// family plus the mapped-file cache. Checkout and return are O(1)
// amortized; stats use relaxed atomics.
type Fabric struct {
	opts     Options
	families [3][]*tier
	stats    statsCounters
	maps     *mapCache
	logger   *slog.Logger
}

// New creates a Fabric. Zero-valued options fall back to defaults.
func New(opts Options) (*Fabric, error) {
	if opts.CeilingBytes == 0 {
		opts.CeilingBytes = DefaultCeilingBytes
	}
	if opts.CeilingBytes < 0 {
		return nil, fmt.Errorf("fabric: negative ceiling %d", opts.CeilingBytes)
	}
	if opts.WarnFraction == 0 {
		opts.WarnFraction = DefaultWarnFraction
	}
	if opts.WarnFraction < 0 || opts.WarnFraction > 1 {
		return nil, fmt.Errorf("fabric: warn fraction %f out of range", opts.WarnFraction)
	}
	if opts.GenericTiers == nil {
		opts.GenericTiers = DefaultGenericTiers
	}
	if opts.DecompressTiers == nil {
		opts.DecompressTiers = DefaultDecompressTiers
	}
	if opts.FrameTiers == nil {
		opts.FrameTiers = DefaultFrameTiers
	}
	if opts.MapCacheCapacity == 0 {
		opts.MapCacheCapacity = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	f := &Fabric{
		opts:   opts,
		logger: opts.Logger.With("component", "MemoryFabric"),
	}
	for fam, floors := range [][]int{opts.GenericTiers, opts.DecompressTiers, opts.FrameTiers} {
		floors = append([]int(nil), floors...)
		sort.Ints(floors)
		tiers := make([]*tier, len(floors))
		for i, floor := range floors {
			if floor <= 0 {
				return nil, fmt.Errorf("fabric: tier floor must be positive, got %d", floor)
			}
			tiers[i] = &tier{family: Family(fam), index: i, floor: floor}
		}
		f.families[fam] = tiers
	}
	f.maps = newMapCache(f, opts.MapCacheCapacity)

	if opts.PrewarmPerTier > 0 {
		if err := f.prewarm(opts.PrewarmPerTier); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *Fabric) prewarm(perTier int) error {
	for _, tiers := range f.families {
		for _, t := range tiers {
			for i := 0; i < perTier; i++ {
				if err := f.reserve(int64(t.floor)); err != nil {
					return fmt.Errorf("fabric prewarm: %w", err)
				}
				t.push(make([]byte, 0, t.floor))
			}
		}
	}
	return nil
}

// selectTier returns the smallest tier of the family whose floor
// covers size, or nil when size exceeds the largest floor.
func (f *Fabric) selectTier(family Family, size int) *tier {
	tiers := f.families[family]
	i := sort.Search(len(tiers), func(i int) bool { return tiers[i].floor >= size })
	if i == len(tiers) {
		return nil
	}
	return tiers[i]
}

// Checkout returns a buffer with capacity >= size from the named
// family. When no pooled buffer is reusable and the gauge sits above
// the warning threshold, or a new allocation would cross the hard
// ceiling, it returns an error wrapping core.ErrCapacityExceeded; the
// caller retries after releases catch up.
func (f *Fabric) Checkout(family Family, size int) (*Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("fabric: negative checkout size %d", size)
	}
	t := f.selectTier(family, size)
	if t == nil {
		// Oversized request: standalone buffer tied to no pool.
		if f.aboveWarn() {
			return nil, &core.CapacityError{Requested: int64(size), Ceiling: f.opts.CeilingBytes}
		}
		if err := f.reserve(int64(size)); err != nil {
			return nil, err
		}
		f.stats.checkouts.Add(1)
		return &Buffer{fabric: f, data: make([]byte, 0, size)}, nil
	}

	if b, ok := t.pop(); ok {
		f.stats.checkouts.Add(1)
		return &Buffer{fabric: f, tier: t, data: b[:0]}, nil
	}

	// Tier depleted: a fresh allocation is admitted only at or below
	// the warning threshold, and never across the hard ceiling.
	if f.aboveWarn() {
		return nil, &core.CapacityError{Requested: int64(t.floor), Ceiling: f.opts.CeilingBytes}
	}
	if err := f.reserve(int64(t.floor)); err != nil {
		return nil, err
	}
	f.stats.checkouts.Add(1)
	return &Buffer{fabric: f, tier: t, data: make([]byte, 0, t.floor)}, nil
}

// CheckoutBatch checks out one buffer per requested size, in order.
// On failure every already-granted buffer is released and the error is
// returned; no partial batch leaks.
func (f *Fabric) CheckoutBatch(family Family, sizes []int) ([]*Buffer, error) {
	out := make([]*Buffer, 0, len(sizes))
	for _, size := range sizes {
		b, err := f.Checkout(family, size)
		if err != nil {
			for _, granted := range out {
				granted.Release()
			}
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// MapFile returns a reference-counted read-only mapping of path.
func (f *Fabric) MapFile(path string) (*MappedFile, error) {
	return f.maps.acquire(path)
}

// MapFiles maps every path, returning a handle or an error per slot.
func (f *Fabric) MapFiles(paths []string) ([]*MappedFile, []error) {
	handles := make([]*MappedFile, len(paths))
	errs := make([]error, len(paths))
	for i, p := range paths {
		handles[i], errs[i] = f.maps.acquire(p)
	}
	return handles, errs
}

// Stats returns a snapshot of the fabric's counters and gauges.
func (f *Fabric) Stats() FabricStats {
	return f.stats.snapshot()
}

// Close drops every cached file mapping. A mapping with open handles
// is unmapped when its last handle closes. Buffers still checked out
// remain valid; Close is idempotent.
func (f *Fabric) Close() error {
	f.maps.clear()
	return nil
}

func (f *Fabric) aboveWarn() bool {
	warn := int64(float64(f.opts.CeilingBytes) * f.opts.WarnFraction)
	return f.stats.currentBytes.Load() > warn
}

// reserve accounts n new bytes against the ceiling, failing without
// side effects when the ceiling would be crossed.
func (f *Fabric) reserve(n int64) error {
	for {
		cur := f.stats.currentBytes.Load()
		next := cur + n
		if next > f.opts.CeilingBytes {
			return &core.CapacityError{Requested: n, Ceiling: f.opts.CeilingBytes}
		}
		if f.stats.currentBytes.CompareAndSwap(cur, next) {
			f.stats.bumpPeak(next)
			return nil
		}
	}
}

func (f *Fabric) unreserve(n int64) {
	f.stats.currentBytes.Add(-n)
}
