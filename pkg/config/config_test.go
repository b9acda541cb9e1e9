package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.Collector.Disabled)
	assert.Equal(t, 0, cfg.Collector.MaxAttempts)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cyclegc.yaml")
	content := `
collector:
  disabled: true
  assert_invariants: true
  retry_jitter: 2ms
  max_attempts: 5
logging:
  level: debug
stress:
  workers: 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Collector.Disabled)
	assert.True(t, cfg.Collector.AssertInvariants)
	assert.Equal(t, 2*time.Millisecond, cfg.Collector.RetryJitter)
	assert.Equal(t, 5, cfg.Collector.MaxAttempts)
	assert.Equal(t, 3, cfg.Stress.Workers)
	// untouched sections keep their defaults
	assert.Equal(t, Default().Stress.GraphSize, cfg.Stress.GraphSize)

	level, err := cfg.Logging.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"negative attempts", "collector:\n  max_attempts: -1\n"},
		{"unknown level", "logging:\n  level: chatty\n"},
		{"no workers", "stress:\n  workers: 0\n"},
		{"unknown exporter", "observability:\n  trace_exporter: zipkin\n"},
		{"negative rate", "stress:\n  rounds_per_second: -2\n"},
		{"malformed yaml", "collector: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
