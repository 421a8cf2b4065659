// Package archive persists decoded rows as partitioned, compressed
// column chunks with a run manifest.
package archive

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Abyteon/canp/compressors"
	"github.com/Abyteon/canp/core"
)

const (
	partMagic  = "CANC"
	groupMagic = "RGRP"
	footMagic  = "CEND"

	partVersion = 1

	// DefaultMaxRowsPerPart rotates a partition's open part once it
	// holds this many rows.
	DefaultMaxRowsPerPart = 1_000_000

	ManifestName = "_manifest"
)

// Column ids in part files, in chunk order.
const (
	colTimestamp = iota
	colMessageID
	colSignalName
	colRawValue
	colPhysical
	colUnit
	colLabel
	columnCount
)

var columnNames = [columnCount]string{
	"timestamp", "message_id", "signal_name", "raw_value", "physical_value", "unit", "label",
}

// Options configures a Sink.
type Options struct {
	OutputDir   string
	Compression core.CompressionType
	Rule        PartitionRule
	// MaxRowsPerPart bounds one part file; crossing it rotates.
	MaxRowsPerPart int
	Logger         *slog.Logger
	Tracer         trace.Tracer
}

// ManifestPart is one emitted part's entry in the run manifest.
type ManifestPart struct {
	Partition    string         `json:"partition"`
	File         string         `json:"file"`
	Rows         uint64         `json:"rows"`
	MinTimestamp uint64         `json:"min_timestamp"`
	MaxTimestamp uint64         `json:"max_timestamp"`
	Bytes        int64          `json:"bytes"`
	NullCounts   map[string]int `json:"null_counts"`
}

// Manifest enumerates the parts emitted by one run.
type Manifest struct {
	CreatedAt   time.Time      `json:"created_at"`
	Compression string         `json:"compression"`
	Parts       []ManifestPart `json:"parts"`
	TotalRows   uint64         `json:"total_rows"`
}

// Sink accepts decoded row batches, partitions them, and persists
// column chunks. A batch is durable once Append returns nil: every row
// group is synced before the call completes. Failures are retriable by
// the caller.
type Sink struct {
	opts       Options
	compressor core.Compressor
	logger     *slog.Logger
	tracer     trace.Tracer

	mu       sync.Mutex
	closed   bool
	parts    map[string]*partWriter
	sequence map[string]int
	manifest []ManifestPart
	rows     uint64
	bytes    int64
}

// NewSink creates the output directory and the sink over it.
func NewSink(opts Options) (*Sink, error) {
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("archive: output directory required")
	}
	if opts.MaxRowsPerPart <= 0 {
		opts.MaxRowsPerPart = DefaultMaxRowsPerPart
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("canp/archive")
	}
	comp, err := compressors.Create(opts.Compression)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, &core.IoError{Path: opts.OutputDir, Cause: err}
	}
	return &Sink{
		opts:       opts,
		compressor: comp,
		logger:     opts.Logger.With("component", "ArchiveSink"),
		tracer:     opts.Tracer,
		parts:      map[string]*partWriter{},
		sequence:   map[string]int{},
	}, nil
}

// HandleBatch implements the decoder's batch handoff.
func (s *Sink) HandleBatch(ctx context.Context, rows []core.DecodedRow) error {
	return s.Append(ctx, rows)
}

// Append partitions and persists one batch. It blocks until every row
// group is written and synced; rows are never dropped.
func (s *Sink) Append(ctx context.Context, rows []core.DecodedRow) error {
	if len(rows) == 0 {
		return nil
	}
	_, span := s.tracer.Start(ctx, "archive.Append",
		trace.WithAttributes(attribute.Int("rows", len(rows))))
	defer span.End()

	// Rows within a batch keep frame order inside their partition.
	grouped := make(map[string][]core.DecodedRow)
	var keys []string
	for _, row := range rows {
		key := s.opts.Rule.Key(row)
		if _, seen := grouped[key]; !seen {
			keys = append(keys, key)
		}
		grouped[key] = append(grouped[key], row)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &core.SinkError{Cause: fmt.Errorf("sink closed")}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, key := range keys {
		pw, err := s.openLocked(key)
		if err != nil {
			return &core.SinkError{Partition: key, Cause: err}
		}
		if err := pw.writeRowGroup(grouped[key], s.compressor); err != nil {
			return &core.SinkError{Partition: key, Cause: err}
		}
		s.rows += uint64(len(grouped[key]))
		if pw.rows >= uint64(s.opts.MaxRowsPerPart) {
			if err := s.finalizeLocked(key, pw); err != nil {
				return &core.SinkError{Partition: key, Cause: err}
			}
		}
	}
	return nil
}

// Close finalizes every open part and writes the run manifest.
// Idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for key, pw := range s.parts {
		if err := s.finalizeLocked(key, pw); err != nil && firstErr == nil {
			firstErr = &core.SinkError{Partition: key, Cause: err}
		}
	}
	if firstErr != nil {
		return firstErr
	}
	return s.writeManifestLocked()
}

// TotalRows returns the rows persisted so far.
func (s *Sink) TotalRows() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows
}

// BytesWritten returns the finalized part bytes so far.
func (s *Sink) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// openLocked returns the open part writer for a partition, creating
// the partition directory and a fresh temp part on first use.
func (s *Sink) openLocked(key string) (*partWriter, error) {
	if pw, ok := s.parts[key]; ok {
		return pw, nil
	}
	dir := filepath.Join(s.opts.OutputDir, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	seq := s.sequence[key]
	s.sequence[key] = seq + 1
	finalName := fmt.Sprintf("part-%05d.%s.col", seq, s.opts.Compression)
	pw, err := newPartWriter(dir, finalName, s.opts.Compression)
	if err != nil {
		return nil, err
	}
	s.parts[key] = pw
	return pw, nil
}

func (s *Sink) finalizeLocked(key string, pw *partWriter) error {
	delete(s.parts, key)
	entry, err := pw.finalize()
	if err != nil {
		return err
	}
	if entry.Rows == 0 {
		return nil
	}
	entry.Partition = key
	entry.File = filepath.Join(key, filepath.Base(entry.File))
	s.manifest = append(s.manifest, entry)
	s.bytes += entry.Bytes
	s.logger.Debug("part finalized", "partition", key, "file", entry.File, "rows", entry.Rows)
	return nil
}

func (s *Sink) writeManifestLocked() error {
	sort.Slice(s.manifest, func(i, j int) bool {
		if s.manifest[i].Partition != s.manifest[j].Partition {
			return s.manifest[i].Partition < s.manifest[j].Partition
		}
		return s.manifest[i].File < s.manifest[j].File
	})
	m := Manifest{
		CreatedAt:   time.Now().UTC(),
		Compression: s.opts.Compression.String(),
		Parts:       s.manifest,
		TotalRows:   s.rows,
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.opts.OutputDir, ManifestName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &core.IoError{Path: tmp, Cause: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &core.IoError{Path: path, Cause: err}
	}
	return nil
}

// partWriter appends row groups to one temp part file and renames it
// into place on finalize.
type partWriter struct {
	dir       string
	finalName string
	tmpPath   string
	file      *os.File

	rows      uint64
	groups    uint32
	minTS     uint64
	maxTS     uint64
	nullUnit  int
	nullLabel int
}

func newPartWriter(dir, finalName string, codec core.CompressionType) (*partWriter, error) {
	tmpPath := filepath.Join(dir, finalName+".tmp")
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	pw := &partWriter{dir: dir, finalName: finalName, tmpPath: tmpPath, file: f}

	header := make([]byte, 0, 6)
	header = append(header, partMagic...)
	header = append(header, partVersion, byte(codec))
	if _, err := f.Write(header); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, err
	}
	return pw, nil
}

// writeRowGroup encodes rows as one chunk per column, compresses each,
// and appends the group followed by a sync.
func (pw *partWriter) writeRowGroup(rows []core.DecodedRow, comp core.Compressor) error {
	var columns [columnCount][]byte
	var scratch [8]byte

	for _, row := range rows {
		binary.LittleEndian.PutUint64(scratch[:], row.Timestamp)
		columns[colTimestamp] = append(columns[colTimestamp], scratch[:8]...)
		binary.LittleEndian.PutUint32(scratch[:4], row.MessageID)
		columns[colMessageID] = append(columns[colMessageID], scratch[:4]...)
		columns[colSignalName] = appendString(columns[colSignalName], row.SignalName)
		binary.LittleEndian.PutUint64(scratch[:], uint64(row.RawValue))
		columns[colRawValue] = append(columns[colRawValue], scratch[:8]...)
		binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(row.Physical))
		columns[colPhysical] = append(columns[colPhysical], scratch[:8]...)
		columns[colUnit] = appendString(columns[colUnit], row.Unit)
		columns[colLabel] = appendString(columns[colLabel], row.Label)

		if row.Unit == "" {
			pw.nullUnit++
		}
		if row.Label == "" {
			pw.nullLabel++
		}
		if pw.rows == 0 && pw.minTS == 0 && pw.maxTS == 0 {
			pw.minTS = row.Timestamp
			pw.maxTS = row.Timestamp
		}
		if row.Timestamp < pw.minTS {
			pw.minTS = row.Timestamp
		}
		if row.Timestamp > pw.maxTS {
			pw.maxTS = row.Timestamp
		}
	}

	head := make([]byte, 0, 16)
	head = append(head, groupMagic...)
	var rc [4]byte
	binary.LittleEndian.PutUint32(rc[:], uint32(len(rows)))
	head = append(head, rc[:]...)
	head = append(head, byte(columnCount))
	if _, err := pw.file.Write(head); err != nil {
		return err
	}

	for colID, raw := range columns {
		compressed, err := comp.Compress(raw)
		if err != nil {
			return err
		}
		meta := make([]byte, 13)
		meta[0] = byte(colID)
		binary.LittleEndian.PutUint32(meta[1:5], uint32(len(raw)))
		binary.LittleEndian.PutUint32(meta[5:9], uint32(len(compressed)))
		binary.LittleEndian.PutUint32(meta[9:13], crc32.ChecksumIEEE(compressed))
		if _, err := pw.file.Write(meta); err != nil {
			return err
		}
		if _, err := pw.file.Write(compressed); err != nil {
			return err
		}
	}

	pw.rows += uint64(len(rows))
	pw.groups++
	return pw.file.Sync()
}

// finalize writes the footer, syncs, and renames the temp file into
// place. An empty part is removed instead.
func (pw *partWriter) finalize() (ManifestPart, error) {
	var entry ManifestPart
	if pw.rows == 0 {
		pw.file.Close()
		os.Remove(pw.tmpPath)
		return entry, nil
	}
	foot := make([]byte, 0, 16)
	foot = append(foot, footMagic...)
	var b [12]byte
	binary.LittleEndian.PutUint32(b[0:4], pw.groups)
	binary.LittleEndian.PutUint64(b[4:12], pw.rows)
	foot = append(foot, b[:]...)
	if _, err := pw.file.Write(foot); err != nil {
		pw.file.Close()
		return entry, err
	}
	if err := pw.file.Sync(); err != nil {
		pw.file.Close()
		return entry, err
	}
	info, err := pw.file.Stat()
	if err != nil {
		pw.file.Close()
		return entry, err
	}
	if err := pw.file.Close(); err != nil {
		return entry, err
	}
	finalPath := filepath.Join(pw.dir, pw.finalName)
	if err := os.Rename(pw.tmpPath, finalPath); err != nil {
		return entry, err
	}
	return ManifestPart{
		File:         finalPath,
		Rows:         pw.rows,
		MinTimestamp: pw.minTS,
		MaxTimestamp: pw.maxTS,
		Bytes:        info.Size(),
		NullCounts: map[string]int{
			columnNames[colUnit]:  pw.nullUnit,
			columnNames[colLabel]: pw.nullLabel,
		},
	}, nil
}

// appendString encodes a length-prefixed string cell; length zero
// doubles as null for the optional columns.
func appendString(dst []byte, s string) []byte {
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], uint16(len(s)))
	dst = append(dst, l[:]...)
	return append(dst, s...)
}
