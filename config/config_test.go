package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Greater(t, cfg.Fabric.CeilingBytes, int64(0))
	assert.GreaterOrEqual(t, cfg.Scheduler.IOWorkers, 1)
	assert.GreaterOrEqual(t, cfg.Scheduler.CPUWorkers, 1)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canp.yaml")
	doc := `
logging:
  level: debug
fabric:
  ceiling_bytes: 1048576
  warn_fraction: 0.5
scheduler:
  cpu_workers: 3
archive:
  compression: lz4
  batch_size: 128
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, int64(1048576), cfg.Fabric.CeilingBytes)
	assert.Equal(t, 0.5, cfg.Fabric.WarnFraction)
	assert.Equal(t, 3, cfg.Scheduler.CPUWorkers)
	assert.Equal(t, "lz4", cfg.Archive.Compression)
	assert.Equal(t, 128, cfg.Archive.BatchSize)
	// Untouched sections keep their defaults.
	assert.Equal(t, "time:3600", cfg.Archive.Partition)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"bad level", "logging:\n  level: loud\n"},
		{"negative ceiling", "fabric:\n  ceiling_bytes: -5\n"},
		{"warn out of range", "fabric:\n  warn_fraction: 1.5\n"},
		{"negative batch", "archive:\n  batch_size: -1\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "canp.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.doc), 0o644))
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging: [unclosed"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}
