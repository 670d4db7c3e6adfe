package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cyclegc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultUnsyncThreshold, cfg.Unsync.Threshold)
	assert.Equal(t, DefaultSharedThreshold, cfg.Shared.Threshold)
	assert.Zero(t, cfg.Shared.MaxTraceNodes)
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeFile(t, `
log:
  level: debug
shared:
  threshold: 0
  max_trace_nodes: 500
bench:
  threads: [2, 16]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format, "unset keys keep defaults")
	assert.Zero(t, cfg.Shared.Threshold)
	assert.Equal(t, 500, cfg.Shared.MaxTraceNodes)
	assert.Equal(t, DefaultUnsyncThreshold, cfg.Unsync.Threshold)
	assert.Equal(t, []int{2, 16}, cfg.Bench.Threads)
	assert.Equal(t, 100000, cfg.Bench.Ops)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"NegativeThreshold", "unsync:\n  threshold: -1\n"},
		{"BadLevel", "log:\n  level: loud\n"},
		{"BadFormat", "log:\n  format: xml\n"},
		{"NoThreads", "bench:\n  threads: []\n"},
		{"ZeroThreads", "bench:\n  threads: [0]\n"},
		{"BadExporter", "telemetry:\n  trace_exporter: jaeger\n"},
		{"BadMetricsAddr", "telemetry:\n  metrics_addr: not-an-address\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeFile(t, "log: [unclosed"))
	assert.ErrorContains(t, err, "parse config")
}

func TestMarshal_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Shared.MaxTraceNodes = 77
	data, err := cfg.Marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "logger")

	loaded, err := Load(writeFile(t, string(data)))
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
