package fabric

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abyteon/canp/core"
)

func newTestFabric(t *testing.T, opts Options) *Fabric {
	t.Helper()
	f, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestCheckoutRoutesToSmallestCoveringTier(t *testing.T) {
	f := newTestFabric(t, Options{})

	b, err := f.Checkout(FamilyGeneric, 600)
	require.NoError(t, err)
	defer b.Release()

	// 600 routes past the 512 floor into the 1024 tier.
	assert.Equal(t, 1, b.Tier())
	assert.GreaterOrEqual(t, b.Cap(), 1024)
	assert.Equal(t, 0, b.Len())
}

func TestReleaseReturnsToOriginTier(t *testing.T) {
	f := newTestFabric(t, Options{})

	b, err := f.Checkout(FamilyFrame, 100)
	require.NoError(t, err)
	require.NoError(t, b.Append([]byte("payload")))
	b.Release()

	// The same tier must hand the buffer back, logically cleared.
	b2, err := f.Checkout(FamilyFrame, 100)
	require.NoError(t, err)
	defer b2.Release()
	assert.Equal(t, 0, b2.Len())
	assert.Equal(t, 0, b2.Tier())

	st := f.Stats()
	assert.Equal(t, uint64(2), st.Checkouts)
	assert.Equal(t, uint64(1), st.Releases)
}

func TestReleaseIsIdempotent(t *testing.T) {
	f := newTestFabric(t, Options{})
	b, err := f.Checkout(FamilyGeneric, 100)
	require.NoError(t, err)
	b.Release()
	b.Release()
	assert.Equal(t, uint64(1), f.Stats().Releases)
}

func TestOversizeCheckoutIsStandalone(t *testing.T) {
	f := newTestFabric(t, Options{})

	b, err := f.Checkout(FamilyGeneric, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, -1, b.Tier())

	before := f.Stats().CurrentBytes
	b.Release()
	after := f.Stats().CurrentBytes
	assert.Equal(t, before-int64(1<<20), after, "standalone release must unreserve")
}

func TestHardCeilingRejectsCheckout(t *testing.T) {
	f := newTestFabric(t, Options{CeilingBytes: 4096, WarnFraction: 1.0})

	_, err := f.Checkout(FamilyGeneric, 8192)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrCapacityExceeded))

	var ce *core.CapacityError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, int64(4096), ce.Ceiling)

	// Failed admission must not corrupt accounting.
	assert.Equal(t, int64(0), f.Stats().CurrentBytes)
	assert.Equal(t, uint64(0), f.Stats().Checkouts)
}

func TestWarnThresholdGatesFreshAllocations(t *testing.T) {
	// One 16 KiB decompress buffer saturates an 18 KiB ceiling past
	// the 0.8 warning mark.
	f := newTestFabric(t, Options{CeilingBytes: 18 * 1024, WarnFraction: 0.8})

	first, err := f.Checkout(FamilyDecompress, 16*1024)
	require.NoError(t, err)

	_, err = f.Checkout(FamilyDecompress, 16*1024)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrCapacityExceeded))

	// After the first release the pooled buffer satisfies the retry
	// even though the gauge still sits above the warning line.
	first.Release()
	second, err := f.Checkout(FamilyDecompress, 16*1024)
	require.NoError(t, err)
	second.Release()
}

func TestCheckoutAtExactWarnThresholdStillAdmits(t *testing.T) {
	// Gauge zero, warn threshold positive: the first checkout is below
	// the line and must be admitted.
	f := newTestFabric(t, Options{CeilingBytes: 1024 * 1024, WarnFraction: 0.8})
	b, err := f.Checkout(FamilyGeneric, 512)
	require.NoError(t, err)
	b.Release()

	// A 2048-byte buffer puts the gauge exactly on the 0.5 mark of a
	// 4096-byte ceiling; only a gauge above the mark refuses, so the
	// next fresh allocation is still admitted.
	exact := newTestFabric(t, Options{CeilingBytes: 4096, WarnFraction: 0.5})
	first, err := exact.Checkout(FamilyGeneric, 2048)
	require.NoError(t, err)
	defer first.Release()
	require.Equal(t, int64(2048), exact.Stats().CurrentBytes)
	second, err := exact.Checkout(FamilyGeneric, 512)
	require.NoError(t, err)
	second.Release()
}

func TestCheckoutBatchOrderAndRollback(t *testing.T) {
	f := newTestFabric(t, Options{})

	sizes := []int{100, 2000, 600}
	bufs, err := f.CheckoutBatch(FamilyGeneric, sizes)
	require.NoError(t, err)
	require.Len(t, bufs, 3)
	assert.Equal(t, 0, bufs[0].Tier())
	assert.Equal(t, 2, bufs[1].Tier())
	assert.Equal(t, 1, bufs[2].Tier())
	for _, b := range bufs {
		b.Release()
	}

	// A failing slot rolls back the earlier grants.
	tight, err := New(Options{CeilingBytes: 2048, WarnFraction: 1.0})
	require.NoError(t, err)
	defer tight.Close()
	_, err = tight.CheckoutBatch(FamilyGeneric, []int{512, 512, 8192})
	require.Error(t, err)
	st := tight.Stats()
	assert.Equal(t, st.Checkouts, st.Releases, "partial batch must not leak")
}

func TestBufferGrowAccountsDelta(t *testing.T) {
	f := newTestFabric(t, Options{})

	b, err := f.Checkout(FamilyGeneric, 512)
	require.NoError(t, err)
	before := f.Stats().CurrentBytes

	require.NoError(t, b.Grow(3000))
	assert.GreaterOrEqual(t, b.Cap(), 3000)
	assert.Greater(t, f.Stats().CurrentBytes, before)
	b.Release()
}

func TestBufferGrowHitsCeiling(t *testing.T) {
	f := newTestFabric(t, Options{CeilingBytes: 1024, WarnFraction: 1.0})
	b, err := f.Checkout(FamilyGeneric, 512)
	require.NoError(t, err)
	defer b.Release()

	err = b.Grow(64 * 1024)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrCapacityExceeded))
}

func TestPeakGaugeIsMonotonic(t *testing.T) {
	f := newTestFabric(t, Options{})
	b, err := f.Checkout(FamilyGeneric, 1<<16)
	require.NoError(t, err)
	peak := f.Stats().PeakBytes
	b.Release()
	assert.Equal(t, peak, f.Stats().PeakBytes)
}

func TestPrewarmPopulatesTiers(t *testing.T) {
	f := newTestFabric(t, Options{PrewarmPerTier: 2})
	assert.Greater(t, f.Stats().CurrentBytes, int64(0))

	// A checkout from a prewarmed tier reuses pooled memory.
	before := f.Stats().CurrentBytes
	b, err := f.Checkout(FamilyGeneric, 512)
	require.NoError(t, err)
	assert.Equal(t, before, f.Stats().CurrentBytes)
	b.Release()
}

func writeTempFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.bin")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestMapFileMissThenHit(t *testing.T) {
	f := newTestFabric(t, Options{})
	path := writeTempFile(t, []byte("hello capture"))

	m1, err := f.MapFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello capture"), m1.Bytes())

	m2, err := f.MapFile(path)
	require.NoError(t, err)
	assert.Same(t, m1, m2, "cache hit must return the same mapping")

	st := f.Stats()
	assert.Equal(t, uint64(1), st.MapMisses)
	assert.Equal(t, uint64(1), st.MapHits)
	assert.Equal(t, int64(len("hello capture")), st.MappedBytes)

	require.NoError(t, m1.Close())
	require.NoError(t, m2.Close())
}

func TestMapFileMissingPath(t *testing.T) {
	f := newTestFabric(t, Options{})
	_, err := f.MapFile(filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	var ioErr *core.IoError
	assert.True(t, errors.As(err, &ioErr))
}

func TestMapCacheNeverEvictsReferencedEntry(t *testing.T) {
	f := newTestFabric(t, Options{MapCacheCapacity: 1})

	pathA := writeTempFile(t, []byte("aaaa"))
	pathB := writeTempFile(t, []byte("bbbb"))

	ma, err := f.MapFile(pathA)
	require.NoError(t, err)

	// Inserting B wants to evict A, but A has an open handle; the
	// mapping must stay valid.
	mb, err := f.MapFile(pathB)
	require.NoError(t, err)
	assert.Equal(t, []byte("aaaa"), ma.Bytes())

	require.NoError(t, ma.Close())
	require.NoError(t, mb.Close())
}

func TestMapFilesReportsPerPathErrors(t *testing.T) {
	f := newTestFabric(t, Options{})
	good := writeTempFile(t, []byte("data"))
	bad := filepath.Join(t.TempDir(), "missing")

	handles, errs := f.MapFiles([]string{good, bad})
	require.Len(t, handles, 2)
	assert.NotNil(t, handles[0])
	assert.NoError(t, errs[0])
	assert.Nil(t, handles[1])
	assert.Error(t, errs[1])

	require.NoError(t, handles[0].Close())
}
