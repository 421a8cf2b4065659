package dictionary

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abyteon/canp/core"
)

func writeDBC(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const cacheDBC = `BO_ 291 M: 8 ECM
 SG_ S : 0|16@1+ (1,0) [0|0] "" X
`

func TestCacheLoadAndLookup(t *testing.T) {
	c := NewCache(Options{})
	path := writeDBC(t, t.TempDir(), "m.dbc", cacheDBC)

	require.NoError(t, c.Load(path, core.PriorityNormal))

	msg, ok := c.Lookup(path, 291)
	require.True(t, ok)
	assert.Equal(t, "M", msg.Name)

	_, ok = c.Lookup(path, 999)
	assert.False(t, ok)

	st := c.Stats()
	assert.Equal(t, 1, st.Entries)
	assert.Greater(t, st.ParseTime, time.Duration(0))
}

func TestCacheLoadIsIdempotentWithinExpiry(t *testing.T) {
	c := NewCache(Options{})
	path := writeDBC(t, t.TempDir(), "m.dbc", cacheDBC)

	require.NoError(t, c.Load(path, core.PriorityNormal))
	first, _ := c.Get(path)
	require.NoError(t, c.Load(path, core.PriorityNormal))
	second, _ := c.Get(path)
	assert.Same(t, first, second, "reload within expiry must keep the published table")
}

func TestCacheReloadsAfterExpiry(t *testing.T) {
	c := NewCache(Options{Expiry: 20 * time.Millisecond})
	path := writeDBC(t, t.TempDir(), "m.dbc", cacheDBC)

	require.NoError(t, c.Load(path, core.PriorityNormal))
	first, ok := c.Get(path)
	require.True(t, ok)
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, c.Load(path, core.PriorityNormal))
	second, ok := c.Get(path)
	require.True(t, ok)
	assert.NotSame(t, first, second)
}

func TestCacheSizeBoundEvictsLowPriorityFirst(t *testing.T) {
	c := NewCache(Options{MaxEntries: 2})
	dir := t.TempDir()
	low := writeDBC(t, dir, "low.dbc", cacheDBC)
	mid := writeDBC(t, dir, "mid.dbc", cacheDBC)
	high := writeDBC(t, dir, "high.dbc", cacheDBC)

	require.NoError(t, c.Load(low, core.PriorityLow))
	require.NoError(t, c.Load(mid, core.PriorityNormal))
	require.NoError(t, c.Load(high, core.PriorityHigh))

	_, ok := c.Get(low)
	assert.False(t, ok, "lowest priority entry should be evicted")
	_, ok = c.Get(high)
	assert.True(t, ok)
	assert.Equal(t, 2, c.Stats().Entries)
}

func TestCacheLoadDirectory(t *testing.T) {
	c := NewCache(Options{})
	dir := t.TempDir()
	writeDBC(t, dir, "a.dbc", cacheDBC)
	writeDBC(t, dir, "b.dbc", "BO_ 7 N: 1 X\n")
	writeDBC(t, dir, "notes.txt", "not a dictionary")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o755))

	n, err := c.LoadDirectory(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, c.Paths(), 2)
}

func TestCacheLoadDirectoryParseFailure(t *testing.T) {
	c := NewCache(Options{})
	dir := t.TempDir()
	writeDBC(t, dir, "bad.dbc", "BO_ nope\n")

	_, err := c.LoadDirectory(dir)
	require.Error(t, err)
}

func TestCacheDecodeFrame(t *testing.T) {
	c := NewCache(Options{})
	path := writeDBC(t, t.TempDir(), "m.dbc", cacheDBC)
	require.NoError(t, c.Load(path, core.PriorityNormal))

	fr := core.Frame{RawID: 291, DLC: 2, Timestamp: 42}
	fr.Payload[0] = 0x34
	fr.Payload[1] = 0x12

	rows, err := c.DecodeFrame(path, fr)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(0x1234), rows[0].RawValue)
	assert.Equal(t, uint64(1), c.Stats().DecodedFrames)
}

func TestCacheDecodeFrameUnknownMessage(t *testing.T) {
	c := NewCache(Options{})
	path := writeDBC(t, t.TempDir(), "m.dbc", cacheDBC)
	require.NoError(t, c.Load(path, core.PriorityNormal))

	rows, err := c.DecodeFrame(path, core.Frame{RawID: 0xABC, DLC: 1})
	require.NoError(t, err)
	assert.Empty(t, rows)

	st := c.Stats()
	assert.Equal(t, uint64(1), st.UnknownMessages)
	assert.Equal(t, uint64(1), st.UnknownIDs)
	// A standard id keeps only its low 11 bits: 0xABC reads as 0x2BC.
	assert.Equal(t, []uint64{0x2BC}, c.UnknownMessageIDs())

	// The same unknown id again grows the counter but not the set.
	_, _ = c.DecodeFrame(path, core.Frame{RawID: 0xABC, DLC: 1})
	st = c.Stats()
	assert.Equal(t, uint64(2), st.UnknownMessages)
	assert.Equal(t, uint64(1), st.UnknownIDs)
}

func TestCacheDecodeFrameWithoutDictionary(t *testing.T) {
	c := NewCache(Options{})
	_, err := c.DecodeFrame("nowhere.dbc", core.Frame{RawID: 1})
	require.Error(t, err)
}

func TestCacheDictionaryImmutableAcrossLookups(t *testing.T) {
	c := NewCache(Options{})
	path := writeDBC(t, t.TempDir(), "m.dbc", cacheDBC)
	require.NoError(t, c.Load(path, core.PriorityNormal))

	first, ok := c.Lookup(path, 291)
	require.True(t, ok)
	snapshot := *first

	fr := core.Frame{RawID: 291, DLC: 2}
	for i := 0; i < 100; i++ {
		_, err := c.DecodeFrame(path, fr)
		require.NoError(t, err)
	}

	again, ok := c.Lookup(path, 291)
	require.True(t, ok)
	assert.Same(t, first, again)
	assert.Equal(t, snapshot, *again, "decoding must never mutate a dictionary")
}
