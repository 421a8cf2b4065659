// Package decoder walks the nested capture layout in place: outer
// header, gzip decompression into pooled buffers, inner header, frame
// groups, per-frame signal decoding against a cached dictionary.
package decoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Abyteon/canp/core"
	"github.com/Abyteon/canp/dictionary"
	"github.com/Abyteon/canp/fabric"
)

const (
	DefaultBatchSize = 4096

	// decompressGuess sizes the initial decompression buffer relative
	// to the compressed length; the buffer doubles from there when the
	// payload expands further.
	decompressGuess = 4
)

// BatchHandler receives decoded row batches. The handoff blocks under
// sink back-pressure; rows are never dropped.
type BatchHandler interface {
	HandleBatch(ctx context.Context, rows []core.DecodedRow) error
}

// FileStats summarizes one decoded file.
type FileStats struct {
	Groups           uint64
	Frames           uint64
	Rows             uint64
	UnknownFrames    uint64
	RemoteFrames     uint64
	MalformedFrames  uint64
	MalformedSignals uint64
	CompressedBytes  int64
	PayloadBytes     int64
}

// Options configures a StreamDecoder.
type Options struct {
	Fabric       *fabric.Fabric
	Dictionaries *dictionary.Cache
	// BatchSize is the row threshold that triggers a flush.
	BatchSize int
	Logger    *slog.Logger
	Tracer    trace.Tracer
}

// StreamDecoder drives the per-file state machine. Safe for use from
// concurrent decode tasks; all per-file state lives on the stack.
type StreamDecoder struct {
	fabric *fabric.Fabric
	dicts  *dictionary.Cache
	batch  int
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a StreamDecoder.
func New(opts Options) *StreamDecoder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("canp/decoder")
	}
	return &StreamDecoder{
		fabric: opts.Fabric,
		dicts:  opts.Dictionaries,
		batch:  opts.BatchSize,
		logger: opts.Logger.With("component", "StreamDecoder"),
		tracer: opts.Tracer,
	}
}

// DecodeFile decodes one mapped capture file against the dictionary
// published under dictPath, handing row batches to sink. Rows within a
// batch preserve frame order; batches preserve file order.
//
// Header, truncation and decompression failures abort the file;
// batches already flushed for earlier groups stay flushed. Per-frame
// and per-signal damage is counted and skipped.
func (d *StreamDecoder) DecodeFile(ctx context.Context, mf *fabric.MappedFile, dictPath string, sink BatchHandler) (FileStats, error) {
	ctx, span := d.tracer.Start(ctx, "decoder.DecodeFile",
		trace.WithAttributes(attribute.String("file", mf.Path())))
	defer span.End()

	st, err := d.decodeFile(ctx, mf, dictPath, sink)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.Int64("frames", int64(st.Frames)),
		attribute.Int64("rows", int64(st.Rows)),
	)
	return st, err
}

func (d *StreamDecoder) decodeFile(ctx context.Context, mf *fabric.MappedFile, dictPath string, sink BatchHandler) (FileStats, error) {
	var st FileStats
	file := mf.Path()
	data := mf.Bytes()

	// ReadOuterHeader
	outer, err := core.DecodeFileHeader(data)
	if err != nil {
		return st, &core.MalformedHeaderError{File: file, At: 0, Msg: err.Error()}
	}
	lc := int64(outer.CompressedLength)
	st.CompressedBytes = lc
	if int64(core.FileHeaderSize)+lc > int64(len(data)) {
		return st, &core.TruncatedRegionError{File: file, At: core.FileHeaderSize}
	}
	compressed := data[core.FileHeaderSize : int64(core.FileHeaderSize)+lc]

	// Decompress into a pooled buffer sized ~4x the compressed length.
	buf, err := d.fabric.Checkout(fabric.FamilyDecompress, int(lc)*decompressGuess)
	if err != nil {
		return st, err
	}
	defer buf.Release()
	if err := d.decompress(buf, compressed); err != nil {
		if core.IsRetriable(err) {
			return st, err
		}
		return st, &core.DecompressError{File: file, Cause: err}
	}
	payload := buf.Bytes()
	st.PayloadBytes = int64(len(payload))

	// ReadInnerHeader
	inner, err := core.DecodeInnerHeader(payload)
	if err != nil {
		return st, &core.MalformedHeaderError{File: file, At: core.FileHeaderSize, Msg: err.Error()}
	}
	lf := int64(inner.FrameRegionLength)
	if int64(core.InnerHeaderSize)+lf > int64(len(payload)) {
		return st, &core.TruncatedRegionError{File: file, At: core.InnerHeaderSize}
	}
	region := payload[core.InnerHeaderSize : int64(core.InnerHeaderSize)+lf]

	dict, ok := d.dicts.Get(dictPath)
	if !ok {
		return st, fmt.Errorf("no dictionary loaded for %q", dictPath)
	}

	// WalkGroups / DecodeFrame / Flush
	batch := make([]core.DecodedRow, 0, d.batch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := sink.HandleBatch(ctx, batch); err != nil {
			return err
		}
		st.Rows += uint64(len(batch))
		// Handed-off rows are never shared back; start fresh.
		batch = make([]core.DecodedRow, 0, d.batch)
		return nil
	}

	off := 0
	for off < len(region) {
		// Cancellation is checked at group boundaries.
		if err := ctx.Err(); err != nil {
			return st, core.ErrCancelled
		}
		gh, err := core.DecodeGroupHeader(region[off:])
		if err != nil {
			if ferr := flush(); ferr != nil {
				return st, ferr
			}
			return st, &core.MalformedHeaderError{File: file, At: int64(off), Msg: err.Error()}
		}
		frames := int64(off) + core.GroupHeaderSize + int64(gh.GroupLength)
		if frames > int64(len(region)) {
			// Rows from earlier groups still reach the sink.
			if ferr := flush(); ferr != nil {
				return st, ferr
			}
			return st, &core.TruncatedRegionError{File: file, At: int64(off)}
		}
		group := region[off+core.GroupHeaderSize : frames]
		st.Groups++

		for len(group) >= core.FrameSize {
			fr, _ := core.DecodeFrame(group)
			group = group[core.FrameSize:]
			st.Frames++

			if fr.DLC > core.MaxDLC {
				st.MalformedFrames++
				continue
			}
			if fr.Remote() {
				st.RemoteFrames++
				continue
			}
			msg, ok := dict.Lookup(fr.ID())
			if !ok {
				st.UnknownFrames++
				d.dicts.NoteUnknown(fr.ID())
				continue
			}
			var ds dictionary.DecodeStats
			batch, ds = dictionary.DecodeFrame(msg, fr, batch)
			st.MalformedSignals += uint64(ds.MalformedSignals)
			d.dicts.NoteDecoded(ds.MalformedSignals)

			if len(batch) >= d.batch {
				if err := flush(); err != nil {
					return st, err
				}
			}
		}
		if len(group) != 0 {
			// Trailing partial frame record inside the group.
			st.MalformedFrames++
		}
		off = int(frames)
	}

	if err := flush(); err != nil {
		return st, err
	}
	d.logger.Debug("file decoded",
		"file", file,
		"groups", st.Groups,
		"frames", st.Frames,
		"rows", st.Rows,
		"unknown", st.UnknownFrames)
	return st, nil
}

// decompress expands the gzip member into buf, growing it by doubling
// through the fabric's accounting. The compressed region must hold
// exactly one gzip member: bytes left behind after the member ends are
// a producer bug and fail the file.
func (d *StreamDecoder) decompress(buf *fabric.Buffer, compressed []byte) error {
	br := bytes.NewReader(compressed)
	zr, err := gzip.NewReader(br)
	if err != nil {
		return err
	}
	defer zr.Close()
	zr.Multistream(false)

	chunk := make([]byte, 64*1024)
	for {
		n, err := zr.Read(chunk)
		if n > 0 {
			if aerr := buf.Append(chunk[:n]); aerr != nil {
				return aerr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if br.Len() != 0 {
					return fmt.Errorf("%d trailing bytes after gzip stream", br.Len())
				}
				return nil
			}
			return err
		}
	}
}
