package config

import (
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/mem"
	"gopkg.in/yaml.v3"
)

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "error", "warn", "info", "debug", "trace"
	Output string `yaml:"output"` // "stdout", "stderr", "file", "none"
	File   string `yaml:"file"`   // used when output is "file"
}

// FabricConfig holds memory-fabric configurations.
type FabricConfig struct {
	CeilingBytes     int64   `yaml:"ceiling_bytes"`
	WarnFraction     float64 `yaml:"warn_fraction"`
	MapCacheCapacity int     `yaml:"map_cache_capacity"`
	PrewarmPerTier   int     `yaml:"prewarm_per_tier"`
	GenericTiers     []int   `yaml:"generic_tiers"`
	DecompressTiers  []int   `yaml:"decompress_tiers"`
	FrameTiers       []int   `yaml:"frame_tiers"`
}

// SchedulerConfig holds worker-pool configurations.
type SchedulerConfig struct {
	IOWorkers       int    `yaml:"io_workers"`
	CPUWorkers      int    `yaml:"cpu_workers"`
	PriorityWorkers int    `yaml:"priority_workers"`
	QueueDepth      int    `yaml:"queue_depth"`
	MaxInFlight     int64  `yaml:"max_in_flight"`
	TaskDeadline    string `yaml:"task_deadline"` // duration string
}

// DictionaryConfig holds dictionary-cache configurations.
type DictionaryConfig struct {
	Expiry     string `yaml:"expiry"` // duration string
	MaxEntries int    `yaml:"max_entries"`
}

// ArchiveConfig holds sink configurations.
type ArchiveConfig struct {
	Compression    string `yaml:"compression"` // none|fast|gzip|lz4|zstd
	Partition      string `yaml:"partition"`   // time:<seconds>|hash:<buckets>
	MaxRowsPerPart int    `yaml:"max_rows_per_part"`
	BatchSize      int    `yaml:"batch_size"`
}

// DebugConfig enables the local diagnostics HTTP server.
type DebugConfig struct {
	Addr             string `yaml:"addr"`
	EnableProfiling  bool   `yaml:"enable_profiling"`
	EnableMetrics    bool   `yaml:"enable_metrics"`
	EnableStatsviz   bool   `yaml:"enable_statsviz"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the root configuration document.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Fabric     FabricConfig     `yaml:"fabric"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Dictionary DictionaryConfig `yaml:"dictionary"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Debug      DebugConfig      `yaml:"debug"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// DefaultConfig returns the defaults used when no file or flag
// overrides a value. The memory ceiling derives from host RAM: half
// of physical memory, floored at 256 MiB.
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Output: "stderr"},
		Fabric: FabricConfig{
			CeilingBytes: defaultCeiling(),
			WarnFraction: 0.8,
		},
		Scheduler: SchedulerConfig{
			IOWorkers:       maxInt(runtime.NumCPU()/2, 1),
			CPUWorkers:      runtime.NumCPU(),
			PriorityWorkers: 1,
		},
		Dictionary: DictionaryConfig{Expiry: "1h", MaxEntries: 100},
		Archive: ArchiveConfig{
			Compression: "zstd",
			Partition:   "time:3600",
			BatchSize:   4096,
		},
	}
}

func defaultCeiling() int64 {
	const floor = 256 * 1024 * 1024
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		return 2 * 1024 * 1024 * 1024
	}
	ceiling := int64(vm.Total / 2)
	if ceiling < floor {
		return floor
	}
	return ceiling
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values no component could run with.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "error", "warn", "info", "debug", "trace":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	if c.Fabric.CeilingBytes <= 0 {
		return fmt.Errorf("fabric ceiling must be positive, got %d", c.Fabric.CeilingBytes)
	}
	if c.Fabric.WarnFraction < 0 || c.Fabric.WarnFraction > 1 {
		return fmt.Errorf("fabric warn fraction %f out of range", c.Fabric.WarnFraction)
	}
	if c.Archive.BatchSize < 0 {
		return fmt.Errorf("batch size must not be negative, got %d", c.Archive.BatchSize)
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
