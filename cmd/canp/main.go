// canp decodes directories of compressed CAN capture files into a
// partitioned columnar archive.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Abyteon/canp/archive"
	"github.com/Abyteon/canp/config"
	"github.com/Abyteon/canp/core"
	"github.com/Abyteon/canp/decoder"
	"github.com/Abyteon/canp/dictionary"
	"github.com/Abyteon/canp/engine"
	"github.com/Abyteon/canp/fabric"
	"github.com/Abyteon/canp/scheduler"
)

// Exit codes.
const (
	exitOK       = 0
	exitUsage    = 2
	exitInput    = 64
	exitFormat   = 65
	exitInternal = 70
)

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("canp", flag.ContinueOnError)
	var (
		configPath    = fs.String("config", "", "optional YAML config file")
		outputDir     = fs.String("output", "", "output directory for the archive")
		dictionaries  stringList
		batchSize     = fs.Int("batch-size", 0, "rows per decoder batch")
		workersIO     = fs.Int("workers-io", 0, "IO pool workers")
		workersCPU    = fs.Int("workers-cpu", 0, "CPU pool workers")
		memoryCeiling = fs.Int64("memory-ceiling", 0, "fabric hard ceiling in bytes")
		compression   = fs.String("compression", "", "archive codec: none|fast|gzip|lz4|zstd")
		partition     = fs.String("partition", "", "partition rule: time:<seconds>|hash:<buckets>")
		logLevel      = fs.String("log-level", "", "error|warn|info|debug|trace")
		debugAddr     = fs.String("debug-addr", "", "serve pprof/expvar/statsviz on this address")
	)
	fs.Var(&dictionaries, "dictionary", "signal dictionary file or directory (repeatable)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: canp [flags] <input-directory>\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return exitUsage
	}
	inputDir := fs.Arg(0)

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "canp: %v\n", err)
			return exitUsage
		}
		cfg = loaded
	}

	// Flags override the config file; CANP_LOG overrides both.
	if *batchSize > 0 {
		cfg.Archive.BatchSize = *batchSize
	}
	if *workersIO > 0 {
		cfg.Scheduler.IOWorkers = *workersIO
	}
	if *workersCPU > 0 {
		cfg.Scheduler.CPUWorkers = *workersCPU
	}
	if *memoryCeiling > 0 {
		cfg.Fabric.CeilingBytes = *memoryCeiling
	}
	if *compression != "" {
		cfg.Archive.Compression = *compression
	}
	if *partition != "" {
		cfg.Archive.Partition = *partition
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if env := os.Getenv("CANP_LOG"); env != "" {
		cfg.Logging.Level = env
	}
	if *debugAddr != "" {
		cfg.Debug = config.DebugConfig{
			Addr:            *debugAddr,
			EnableProfiling: true,
			EnableMetrics:   true,
			EnableStatsviz:  true,
		}
	}
	if *outputDir == "" {
		fmt.Fprintln(os.Stderr, "canp: --output is required")
		return exitUsage
	}
	if len(dictionaries) == 0 {
		fmt.Fprintln(os.Stderr, "canp: at least one --dictionary is required")
		return exitUsage
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "canp: %v\n", err)
		return exitUsage
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	slog.SetDefault(logger)

	codec, err := core.ParseCompressionType(cfg.Archive.Compression)
	if err != nil {
		fmt.Fprintf(os.Stderr, "canp: %v\n", err)
		return exitUsage
	}
	rule, err := archive.ParsePartitionRule(cfg.Archive.Partition)
	if err != nil {
		fmt.Fprintf(os.Stderr, "canp: %v\n", err)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdownTracer, err := initTracer(ctx, cfg.Tracing)
		if err != nil {
			logger.Warn("tracing disabled", "error", err)
		} else {
			defer shutdownTracer()
		}
	}
	if cfg.Debug.Addr != "" {
		stopDebug := startDebugServer(cfg.Debug, logger)
		defer stopDebug()
	}

	return pipeline(ctx, cfg, logger, inputDir, *outputDir, dictionaries, codec, rule)
}

func pipeline(ctx context.Context, cfg config.Config, logger *slog.Logger, inputDir, outputDir string, dictPaths []string, codec core.CompressionType, rule archive.PartitionRule) int {
	fab, err := fabric.New(fabric.Options{
		GenericTiers:     cfg.Fabric.GenericTiers,
		DecompressTiers:  cfg.Fabric.DecompressTiers,
		FrameTiers:       cfg.Fabric.FrameTiers,
		CeilingBytes:     cfg.Fabric.CeilingBytes,
		WarnFraction:     cfg.Fabric.WarnFraction,
		MapCacheCapacity: cfg.Fabric.MapCacheCapacity,
		PrewarmPerTier:   cfg.Fabric.PrewarmPerTier,
		Logger:           logger,
	})
	if err != nil {
		logger.Error("fabric init failed", "error", err)
		return exitInternal
	}
	defer fab.Close()

	dictExpiry, _ := time.ParseDuration(cfg.Dictionary.Expiry)
	dicts := dictionary.NewCache(dictionary.Options{
		Expiry:     dictExpiry,
		MaxEntries: cfg.Dictionary.MaxEntries,
		Logger:     logger,
	})
	dictKey, err := loadDictionaries(dicts, dictPaths)
	if err != nil {
		logger.Error("dictionary load failed", "error", err)
		var pe *core.DictionaryParseError
		if errors.As(err, &pe) {
			return exitFormat
		}
		return exitInput
	}

	taskDeadline, _ := time.ParseDuration(cfg.Scheduler.TaskDeadline)
	sched, err := scheduler.New(scheduler.Options{
		IOWorkers:       cfg.Scheduler.IOWorkers,
		CPUWorkers:      cfg.Scheduler.CPUWorkers,
		PriorityWorkers: cfg.Scheduler.PriorityWorkers,
		QueueDepth:      cfg.Scheduler.QueueDepth,
		MaxInFlight:     cfg.Scheduler.MaxInFlight,
		TaskDeadline:    taskDeadline,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("scheduler init failed", "error", err)
		return exitInternal
	}

	sink, err := archive.NewSink(archive.Options{
		OutputDir:      outputDir,
		Compression:    codec,
		Rule:           rule,
		MaxRowsPerPart: cfg.Archive.MaxRowsPerPart,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("sink init failed", "error", err)
		return exitInput
	}

	dec := decoder.New(decoder.Options{
		Fabric:       fab,
		Dictionaries: dicts,
		BatchSize:    cfg.Archive.BatchSize,
		Logger:       logger,
	})

	eng, err := engine.NewEngine(engine.Options{
		Fabric:       fab,
		Scheduler:    sched,
		Dictionaries: dicts,
		Decoder:      dec,
		Sink:         sink,
		DictPath:     dictKey,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("engine init failed", "error", err)
		return exitInternal
	}

	stats, runErr := eng.Run(ctx, inputDir)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sched.Shutdown(shutdownCtx); err != nil {
		logger.Warn("scheduler shutdown incomplete", "error", err)
	}
	if err := sink.Close(); err != nil {
		logger.Error("sink close failed", "error", err)
		return exitInternal
	}

	fabStats := fab.Stats()
	logger.Info("fabric summary",
		"checkouts", fabStats.Checkouts,
		"releases", fabStats.Releases,
		"map_hits", fabStats.MapHits,
		"map_misses", fabStats.MapMisses,
		"peak_bytes", fabStats.PeakBytes)

	if runErr != nil {
		var ioErr *core.IoError
		if errors.As(runErr, &ioErr) {
			logger.Error("run failed", "error", runErr)
			return exitInput
		}
		logger.Error("run failed", "error", runErr)
		return exitInternal
	}
	// Exit non-zero only when nothing completed: any format failure
	// selects the format code, else any IO failure the input code.
	if stats.FilesAttempted > 0 && stats.FilesCompleted == 0 {
		switch {
		case stats.FormatFailures > 0:
			return exitFormat
		case stats.IOFailures > 0:
			return exitInput
		default:
			return exitInternal
		}
	}
	return exitOK
}

// loadDictionaries loads every named file or directory and returns the
// cache key the engine decodes against. Multiple sources merge into a
// single table.
func loadDictionaries(dicts *dictionary.Cache, paths []string) (string, error) {
	var loadedFiles []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return "", &core.IoError{Path: p, Cause: err}
		}
		if info.IsDir() {
			if _, err := dicts.LoadDirectory(p); err != nil {
				return "", err
			}
			continue
		}
		if err := dicts.Load(p, core.PriorityNormal); err != nil {
			return "", err
		}
		loadedFiles = append(loadedFiles, p)
	}
	resident := dicts.Paths()
	if len(resident) == 0 {
		return "", fmt.Errorf("no dictionaries found under %s", strings.Join(paths, ", "))
	}
	if len(resident) == 1 {
		return resident[0], nil
	}
	merged := make([]*dictionary.SignalDictionary, 0, len(resident))
	for _, p := range resident {
		if d, ok := dicts.Get(p); ok {
			merged = append(merged, d)
		}
	}
	const mergedKey = "<merged>"
	dicts.Publish(mergedKey, dictionary.Merge(merged...), core.PriorityHigh)
	return mergedKey, nil
}

// createLogger builds a slog.Logger from the logging configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "trace", "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "", "stderr":
		output = os.Stderr
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path given")
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		output = f
		closer = f
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	handler := slog.NewTextHandler(output, &slog.HandlerOptions{Level: level})
	return slog.New(handler), closer, nil
}
