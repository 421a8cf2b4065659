// Package engine drives the per-file pipeline: an IO task maps each
// capture, a CPU task decodes it, and row batches flow to the archive
// sink. Retriable pressure errors re-queue the file.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Abyteon/canp/archive"
	"github.com/Abyteon/canp/core"
	"github.com/Abyteon/canp/decoder"
	"github.com/Abyteon/canp/dictionary"
	"github.com/Abyteon/canp/fabric"
	"github.com/Abyteon/canp/scheduler"
)

// CaptureExtension filters input files during the directory scan.
const CaptureExtension = ".canp"

// Options wires the engine's collaborators together.
type Options struct {
	Fabric       *fabric.Fabric
	Scheduler    *scheduler.Scheduler
	Dictionaries *dictionary.Cache
	Decoder      *decoder.StreamDecoder
	Sink         *archive.Sink
	// DictPath keys the dictionary every file decodes against.
	DictPath string
	// ProgressEvery logs a progress line after this many files.
	ProgressEvery int
	// MaxRetries bounds re-queues of a file hit by Busy or capacity
	// pressure.
	MaxRetries int
	// RetryBackoff spaces those re-queues.
	RetryBackoff time.Duration
	// FanOut bounds concurrent per-file controllers; actual work is
	// bounded by the scheduler's admission semaphore.
	FanOut int
	Logger       *slog.Logger
	Tracer       trace.Tracer
}

// RunStats summarizes one engine run.
type RunStats struct {
	FilesAttempted  int
	FilesCompleted  int
	FilesFailed     int
	IOFailures      int
	FormatFailures  int
	Groups          uint64
	FramesDecoded   uint64
	FramesSkipped   uint64
	UnknownFrames   uint64
	RowsEmitted     uint64
	CompressedBytes int64
	PayloadBytes    int64
	BytesWritten    int64
	Elapsed         time.Duration
}

// Engine is the pipeline controller. One Run per process is typical;
// the engine owns none of its collaborators and tears nothing down.
type Engine struct {
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer
}

type fileResult struct {
	path     string
	attempts int
	stats    decoder.FileStats
	err      error
}

// NewEngine validates the wiring and returns an Engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Fabric == nil || opts.Scheduler == nil || opts.Dictionaries == nil || opts.Decoder == nil || opts.Sink == nil {
		return nil, fmt.Errorf("engine: all collaborators are required")
	}
	if opts.DictPath == "" {
		return nil, fmt.Errorf("engine: dictionary path required")
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 100
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 16
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 50 * time.Millisecond
	}
	if opts.FanOut <= 0 {
		opts.FanOut = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("canp/engine")
	}
	return &Engine{
		opts:   opts,
		logger: opts.Logger.With("component", "Engine"),
		tracer: opts.Tracer,
	}, nil
}

// Scan lists the capture files directly under dir, sorted by name.
func Scan(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &core.IoError{Path: dir, Cause: err}
	}
	var files []string
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), CaptureExtension) {
			continue
		}
		files = append(files, filepath.Join(dir, de.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// Run processes every capture under inputDir. Per-file failures are
// counted, logged at warning, and do not stop the run; Run errors only
// when the scan fails or the context is cancelled.
func (e *Engine) Run(ctx context.Context, inputDir string) (RunStats, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Run",
		trace.WithAttributes(attribute.String("input_dir", inputDir)))
	defer span.End()

	start := time.Now()
	var stats RunStats

	files, err := Scan(inputDir)
	if err != nil {
		return stats, err
	}
	stats.FilesAttempted = len(files)
	if len(files) == 0 {
		e.logger.Warn("no capture files found", "dir", inputDir)
		return stats, nil
	}
	e.logger.Info("run starting", "files", len(files), "dictionary", e.opts.DictPath)

	// One controller goroutine per file, bounded by FanOut; the
	// scheduler's pools do the actual work. Per-file failures are
	// counted, never fatal, so the group only errors on cancellation.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.FanOut)
	var mu sync.Mutex
	for _, path := range files {
		path := path
		g.Go(func() error {
			r := e.processFile(gctx, path)
			mu.Lock()
			e.accumulate(&stats, r)
			done := stats.FilesCompleted + stats.FilesFailed
			progress := done%e.opts.ProgressEvery == 0 && done < stats.FilesAttempted
			snapshot := stats
			mu.Unlock()
			if progress {
				e.logProgress(snapshot)
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	stats.BytesWritten = e.opts.Sink.BytesWritten()
	stats.Elapsed = time.Since(start)
	e.report(stats)
	return stats, nil
}

// processFile drives one capture through the pipeline, re-queueing it
// with backoff while the scheduler or fabric report pressure.
func (e *Engine) processFile(ctx context.Context, path string) fileResult {
	for attempt := 0; ; attempt++ {
		r := e.decodeOnce(ctx, path, attempt)
		if r.err == nil || !core.IsRetriable(r.err) || attempt >= e.opts.MaxRetries || ctx.Err() != nil {
			return r
		}
		e.logger.Debug("re-queueing file under pressure",
			"file", path, "attempt", attempt+1, "error", r.err)
		select {
		case <-time.After(e.opts.RetryBackoff << uint(min(attempt, 6))):
		case <-ctx.Done():
			return fileResult{path: path, attempts: attempt, err: ctx.Err()}
		}
	}
}

// decodeOnce submits the IO stage for one file; the IO task chains the
// CPU decode stage. Busy admission is retried in place with backoff.
// Exactly one result is delivered per invocation.
func (e *Engine) decodeOnce(ctx context.Context, path string, attempt int) fileResult {
	results := make(chan fileResult, 1)
	ioWork := func(taskCtx context.Context) error {
		mf, err := e.opts.Fabric.MapFile(path)
		if err != nil {
			results <- fileResult{path: path, attempts: attempt, err: err}
			return err
		}
		cpuWork := func(cpuCtx context.Context) error {
			defer mf.Close()
			fs, derr := e.opts.Decoder.DecodeFile(cpuCtx, mf, e.opts.DictPath, e.opts.Sink)
			results <- fileResult{path: path, attempts: attempt, stats: fs, err: derr}
			return derr
		}
		if _, serr := e.submitWithBusyRetry(taskCtx, core.TaskCPU, cpuWork); serr != nil {
			mf.Close()
			results <- fileResult{path: path, attempts: attempt, err: serr}
			return serr
		}
		return nil
	}
	if _, err := e.submitWithBusyRetry(ctx, core.TaskIO, ioWork); err != nil {
		return fileResult{path: path, attempts: attempt, err: err}
	}
	select {
	case r := <-results:
		return r
	case <-ctx.Done():
		return fileResult{path: path, attempts: attempt, err: ctx.Err()}
	}
}

// submitWithBusyRetry keeps trying while the scheduler reports Busy;
// other submission errors surface immediately.
func (e *Engine) submitWithBusyRetry(ctx context.Context, kind core.TaskKind, work scheduler.Task) (*scheduler.TaskHandle, error) {
	for {
		var h *scheduler.TaskHandle
		var err error
		switch kind {
		case core.TaskIO:
			h, err = e.opts.Scheduler.SubmitIO(core.PriorityNormal, work)
		default:
			h, err = e.opts.Scheduler.SubmitCPU(core.PriorityNormal, work)
		}
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, core.ErrBusy) {
			return nil, err
		}
		select {
		case <-time.After(e.opts.RetryBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *Engine) accumulate(stats *RunStats, r fileResult) {
	fs := r.stats
	stats.Groups += fs.Groups
	stats.FramesDecoded += fs.Frames - fs.UnknownFrames - fs.MalformedFrames - fs.RemoteFrames
	stats.FramesSkipped += fs.UnknownFrames + fs.MalformedFrames + fs.RemoteFrames
	stats.UnknownFrames += fs.UnknownFrames
	stats.RowsEmitted += fs.Rows
	stats.CompressedBytes += fs.CompressedBytes
	stats.PayloadBytes += fs.PayloadBytes
	if r.err != nil {
		stats.FilesFailed++
		var ioErr *core.IoError
		switch {
		case core.IsFileFatal(r.err):
			stats.FormatFailures++
		case errors.As(r.err, &ioErr):
			stats.IOFailures++
		}
		e.logger.Warn("file failed", "file", r.path, "error", r.err, "attempts", r.attempts+1)
		return
	}
	stats.FilesCompleted++
}

func (e *Engine) logProgress(stats RunStats) {
	e.logger.Info("progress",
		"files_done", stats.FilesCompleted+stats.FilesFailed,
		"files_total", stats.FilesAttempted,
		"frames_decoded", stats.FramesDecoded,
		"rows_emitted", stats.RowsEmitted,
		"payload_mb", fmt.Sprintf("%.1f", float64(stats.PayloadBytes)/(1024*1024)))
}

// report emits the run summary through the priority lane so it lands
// even while the general queues are saturated.
func (e *Engine) report(stats RunStats) {
	h, err := e.opts.Scheduler.SubmitPriority(func(context.Context) error {
		e.logger.Info("run complete",
			"files_attempted", stats.FilesAttempted,
			"files_completed", stats.FilesCompleted,
			"files_failed", stats.FilesFailed,
			"frames_decoded", stats.FramesDecoded,
			"frames_skipped", stats.FramesSkipped,
			"rows_emitted", stats.RowsEmitted,
			"bytes_written", stats.BytesWritten,
			"elapsed", stats.Elapsed)
		return nil
	})
	if err != nil {
		e.logProgress(stats)
		return
	}
	<-h.Done()
}
