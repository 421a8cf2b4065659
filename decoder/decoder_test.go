package decoder

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abyteon/canp/core"
	"github.com/Abyteon/canp/dictionary"
	"github.com/Abyteon/canp/fabric"
)

const testDBC = `BO_ 291 M: 8 ECM
 SG_ S : 0|16@1+ (1,0) [0|0] "" X

BO_ 2147484758 BatteryInfo: 4 TCM
 SG_ PackCurrent : 24|8@1- (0.5,-1) [-65|62.5] "A" X
`

type collectSink struct {
	mu      sync.Mutex
	batches [][]core.DecodedRow
	fail    error
}

func (c *collectSink) HandleBatch(_ context.Context, rows []core.DecodedRow) error {
	if c.fail != nil {
		return c.fail
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := make([]core.DecodedRow, len(rows))
	copy(batch, rows)
	c.batches = append(c.batches, batch)
	return nil
}

func (c *collectSink) rows() []core.DecodedRow {
	c.mu.Lock()
	defer c.mu.Unlock()
	var all []core.DecodedRow
	for _, b := range c.batches {
		all = append(all, b...)
	}
	return all
}

// encodeRegion packs frame groups into the inner frame-region layout.
func encodeRegion(groups ...[]core.Frame) []byte {
	var region []byte
	for _, g := range groups {
		var frames []byte
		for _, f := range g {
			frames = f.Encode(frames)
		}
		gh := core.GroupHeader{GroupLength: uint32(len(frames))}
		region = gh.Encode(region)
		region = append(region, frames...)
	}
	return region
}

// buildCapture assembles a complete capture file from a frame region.
func buildCapture(t *testing.T, region []byte) []byte {
	t.Helper()
	inner := core.NewInnerHeader(uint32(len(region)))
	payload := inner.Encode(nil)
	payload = append(payload, region...)

	var zbuf bytes.Buffer
	zw := gzip.NewWriter(&zbuf)
	_, err := zw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	outer := core.NewFileHeader(uint32(zbuf.Len()))
	out := outer.Encode(nil)
	return append(out, zbuf.Bytes()...)
}

type harness struct {
	fab      *fabric.Fabric
	dec      *StreamDecoder
	dictPath string
	dir      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fab, err := fabric.New(fabric.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { fab.Close() })

	dir := t.TempDir()
	dictPath := filepath.Join(dir, "bus.dbc")
	require.NoError(t, os.WriteFile(dictPath, []byte(testDBC), 0o644))
	dicts := dictionary.NewCache(dictionary.Options{})
	require.NoError(t, dicts.Load(dictPath, core.PriorityNormal))

	return &harness{
		fab:      fab,
		dec:      New(Options{Fabric: fab, Dictionaries: dicts, BatchSize: 16}),
		dictPath: dictPath,
		dir:      dir,
	}
}

func (h *harness) decode(t *testing.T, capture []byte, sink BatchHandler) (FileStats, error) {
	t.Helper()
	path := filepath.Join(h.dir, "capture.canp")
	require.NoError(t, os.WriteFile(path, capture, 0o644))
	mf, err := h.fab.MapFile(path)
	require.NoError(t, err)
	defer mf.Close()
	return h.dec.DecodeFile(context.Background(), mf, h.dictPath, sink)
}

func standardFrame() core.Frame {
	fr := core.Frame{RawID: 0x123, DLC: 2, Timestamp: 1000000}
	fr.Payload[0] = 0x34
	fr.Payload[1] = 0x12
	return fr
}

func TestDecodeSingleStandardFrame(t *testing.T) {
	h := newHarness(t)
	sink := &collectSink{}

	capture := buildCapture(t, encodeRegion([]core.Frame{standardFrame()}))
	st, err := h.decode(t, capture, sink)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), st.Groups)
	assert.Equal(t, uint64(1), st.Frames)
	assert.Equal(t, uint64(1), st.Rows)

	rows := sink.rows()
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(1000000), rows[0].Timestamp)
	assert.Equal(t, uint32(0x123), rows[0].MessageID)
	assert.Equal(t, "S", rows[0].SignalName)
	assert.Equal(t, int64(0x1234), rows[0].RawValue)
	assert.Equal(t, 4660.0, rows[0].Physical)
	assert.Empty(t, rows[0].Unit)
	assert.Empty(t, rows[0].Label)
}

func TestDecodeExtendedFrameWithSignedSignal(t *testing.T) {
	h := newHarness(t)
	sink := &collectSink{}

	fr := core.Frame{RawID: 0x80000456, DLC: 4, Timestamp: 7}
	fr.Payload[3] = 0x80
	capture := buildCapture(t, encodeRegion([]core.Frame{fr}))

	_, err := h.decode(t, capture, sink)
	require.NoError(t, err)

	rows := sink.rows()
	require.Len(t, rows, 1)
	assert.Equal(t, uint32(0x456), rows[0].MessageID)
	assert.Equal(t, int64(-128), rows[0].RawValue)
	assert.Equal(t, -65.0, rows[0].Physical)
	assert.Equal(t, "A", rows[0].Unit)
}

func TestDecodeUnknownMessage(t *testing.T) {
	h := newHarness(t)
	sink := &collectSink{}

	fr := core.Frame{RawID: 0xABC, DLC: 1}
	fr.Payload[0] = 0x01
	capture := buildCapture(t, encodeRegion([]core.Frame{fr}))

	st, err := h.decode(t, capture, sink)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.UnknownFrames)
	assert.Equal(t, uint64(0), st.Rows)
	assert.Empty(t, sink.rows())
}

func TestDecodeZeroLengthFrameRegion(t *testing.T) {
	h := newHarness(t)
	sink := &collectSink{}

	st, err := h.decode(t, buildCapture(t, nil), sink)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), st.Groups)
	assert.Empty(t, sink.rows())
}

func TestDecodeSkipsOversizedDLC(t *testing.T) {
	h := newHarness(t)
	sink := &collectSink{}

	bad := core.Frame{RawID: 0x123, DLC: 12}
	good := standardFrame()
	capture := buildCapture(t, encodeRegion([]core.Frame{bad, good}))

	st, err := h.decode(t, capture, sink)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.MalformedFrames)
	assert.Equal(t, uint64(2), st.Frames)
	require.Len(t, sink.rows(), 1)
}

func TestDecodeSkipsRemoteFrames(t *testing.T) {
	h := newHarness(t)
	sink := &collectSink{}

	remote := core.Frame{RawID: 0x123, DLC: 0, Flags: core.FrameFlagRemote}
	capture := buildCapture(t, encodeRegion([]core.Frame{remote}))

	st, err := h.decode(t, capture, sink)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.RemoteFrames)
	assert.Empty(t, sink.rows())
}

func TestDecodeDLCBounds(t *testing.T) {
	h := newHarness(t)
	sink := &collectSink{}

	dlc0 := core.Frame{RawID: 0x123, DLC: 0, Timestamp: 1}
	dlc8 := core.Frame{RawID: 0x123, DLC: 8, Timestamp: 2}
	dlc8.Payload[0] = 0xFF
	dlc8.Payload[1] = 0x00
	capture := buildCapture(t, encodeRegion([]core.Frame{dlc0, dlc8}))

	st, err := h.decode(t, capture, sink)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.Frames)
	// DLC=0 leaves the 16-bit signal overrunning: counted, skipped.
	assert.Equal(t, uint64(1), st.MalformedSignals)
	rows := sink.rows()
	require.Len(t, rows, 1)
	assert.Equal(t, int64(0xFF), rows[0].RawValue)
}

func TestDecodeMalformedOuterMagic(t *testing.T) {
	h := newHarness(t)

	capture := buildCapture(t, encodeRegion([]core.Frame{standardFrame()}))
	capture[0] = 'X'

	_, err := h.decode(t, capture, &collectSink{})
	require.Error(t, err)
	var mh *core.MalformedHeaderError
	require.True(t, errors.As(err, &mh))
	assert.Equal(t, int64(0), mh.At)
}

func TestDecodeTruncatedCompressedRegion(t *testing.T) {
	h := newHarness(t)

	capture := buildCapture(t, encodeRegion([]core.Frame{standardFrame()}))
	// Chop the tail of the gzip stream off.
	_, err := h.decode(t, capture[:len(capture)-5], &collectSink{})
	require.Error(t, err)
	var tr *core.TruncatedRegionError
	assert.True(t, errors.As(err, &tr))
}

func TestDecodeCorruptGzipStream(t *testing.T) {
	h := newHarness(t)

	capture := buildCapture(t, encodeRegion([]core.Frame{standardFrame()}))
	// Flip bytes inside the compressed region, keeping the length.
	for i := core.FileHeaderSize; i < len(capture); i++ {
		capture[i] ^= 0xFF
	}
	_, err := h.decode(t, capture, &collectSink{})
	require.Error(t, err)
	var de *core.DecompressError
	assert.True(t, errors.As(err, &de))
}

func TestDecodeRejectsTrailingBytesAfterGzipStream(t *testing.T) {
	h := newHarness(t)

	// Rebuild the capture with junk appended after the gzip member but
	// inside the declared compressed_length.
	valid := buildCapture(t, encodeRegion([]core.Frame{standardFrame()}))
	stream := valid[core.FileHeaderSize:]
	junk := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	outer := core.NewFileHeader(uint32(len(stream) + len(junk)))
	capture := outer.Encode(nil)
	capture = append(capture, stream...)
	capture = append(capture, junk...)

	_, err := h.decode(t, capture, &collectSink{})
	require.Error(t, err)
	var de *core.DecompressError
	require.True(t, errors.As(err, &de))
	assert.Contains(t, de.Cause.Error(), "trailing bytes")
}

func TestDecodeTruncatedLastGroup(t *testing.T) {
	h := newHarness(t)
	sink := &collectSink{}

	// A valid first group, then a group header declaring more frame
	// bytes than remain in the region.
	region := encodeRegion([]core.Frame{standardFrame()})
	lying := core.GroupHeader{GroupLength: 48}
	region = lying.Encode(region)
	region = standardFrame().Encode(region) // only 24 of the declared 48

	_, err := h.decode(t, buildCapture(t, region), sink)
	require.Error(t, err)
	var tr *core.TruncatedRegionError
	require.True(t, errors.As(err, &tr))

	// Rows from the earlier intact group still reached the sink.
	require.Len(t, sink.rows(), 1)
	assert.Equal(t, int64(0x1234), sink.rows()[0].RawValue)
}

func TestDecodePreservesFrameOrderAcrossBatches(t *testing.T) {
	h := newHarness(t)
	h.dec = New(Options{Fabric: h.fab, Dictionaries: h.dec.dicts, BatchSize: 2})
	sink := &collectSink{}

	var frames []core.Frame
	for i := 0; i < 7; i++ {
		fr := standardFrame()
		fr.Timestamp = uint64(i)
		frames = append(frames, fr)
	}
	capture := buildCapture(t, encodeRegion(frames[:3], frames[3:]))

	st, err := h.decode(t, capture, sink)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.Groups)
	assert.Equal(t, uint64(7), st.Rows)
	assert.GreaterOrEqual(t, len(sink.batches), 3)

	rows := sink.rows()
	require.Len(t, rows, 7)
	for i, row := range rows {
		assert.Equal(t, uint64(i), row.Timestamp, "rows must preserve frame order")
	}
}

func TestDecodeSinkFailurePropagates(t *testing.T) {
	h := newHarness(t)
	sink := &collectSink{fail: &core.SinkError{Partition: "p", Cause: errors.New("disk full")}}

	capture := buildCapture(t, encodeRegion([]core.Frame{standardFrame()}))
	_, err := h.decode(t, capture, sink)
	require.Error(t, err)
	assert.True(t, core.IsRetriable(err))
}

func TestDecodeReleasesBuffersOnAllPaths(t *testing.T) {
	h := newHarness(t)
	sink := &collectSink{}

	good := buildCapture(t, encodeRegion([]core.Frame{standardFrame()}))
	_, err := h.decode(t, good, sink)
	require.NoError(t, err)

	bad := buildCapture(t, encodeRegion([]core.Frame{standardFrame()}))
	bad[0] = 'X'
	_, _ = h.decode(t, bad, sink)

	st := h.fab.Stats()
	assert.Equal(t, st.Checkouts, st.Releases)
}
