// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := NewLoader("", "v1.0.0").Load()
	require.NoError(t, err)

	want := Defaults()
	want.Version = "v1.0.0"
	assert.Equal(t, want, cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
sync:
  interval: 45s
  batch_size: 8
  completed_values: [done]
sheets:
  excluded_sheets: [Config, Lookup]
redis:
  enabled: true
  addr: redis:6379
`)
	cfg, err := NewLoader(path, "dev").Load()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 8, cfg.Sync.BatchSize)
	assert.Equal(t, 3, cfg.Sync.MaxConcurrent, "unset keys keep their default")
	assert.Equal(t, []string{"done"}, cfg.Sync.CompletedValues)
	assert.Equal(t, []string{"Config", "Lookup"}, cfg.Sheets.ExcludedSheets)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "sync:\n  batch_size: 8\n")
	t.Setenv("SHEETSYNC_SYNC_BATCH_SIZE", "2")
	t.Setenv("SHEETSYNC_SHEETS_EXCLUDED_SHEETS", "A, B,,")
	t.Setenv("SHEETSYNC_HISTORY_ENABLED", "yes")
	t.Setenv("SHEETSYNC_TELEMETRY_SAMPLING_RATE", "0.25")

	l := NewLoader(path, "dev")
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Sync.BatchSize)
	assert.Equal(t, []string{"A", "B"}, cfg.Sheets.ExcludedSheets)
	assert.True(t, cfg.History.Enabled)
	assert.InDelta(t, 0.25, cfg.Telemetry.SamplingRate, 1e-9)
	assert.Contains(t, l.ConsumedEnvKeys, "SHEETSYNC_SYNC_BATCH_SIZE")
}

func TestLoad_InvalidEnvFallsBack(t *testing.T) {
	t.Setenv("SHEETSYNC_SYNC_INTERVAL", "often")
	cfg, err := NewLoader("", "dev").Load()
	require.NoError(t, err)
	assert.Equal(t, Defaults().Sync.Interval, cfg.Sync.Interval)
}

func TestLoad_UnknownFieldIsRejected(t *testing.T) {
	path := writeConfig(t, "sync:\n  colour: red\n")
	_, err := NewLoader(path, "dev").Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownConfigField)
}

func TestLoad_FileErrors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{"wrong extension", func(t *testing.T) string {
			p := filepath.Join(t.TempDir(), "config.json")
			require.NoError(t, os.WriteFile(p, []byte("{}"), 0o600))
			return p
		}},
		{"missing file", func(t *testing.T) string { return filepath.Join(t.TempDir(), "absent.yaml") }},
		{"two documents", func(t *testing.T) string { return writeConfig(t, "log:\n  level: info\n---\nlog:\n  level: debug\n") }},
		{"bad duration", func(t *testing.T) string { return writeConfig(t, "sync:\n  interval: soon\n") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader(tt.path(t), "dev").Load()
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrUnknownConfigField)
		})
	}
}

func TestLoad_EmptyFileKeepsDefaults(t *testing.T) {
	cfg, err := NewLoader(writeConfig(t, ""), "dev").Load()
	require.NoError(t, err)
	assert.Equal(t, Defaults().Sync, cfg.Sync)
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeConfig(t, "sync:\n  batch_size: 0\n")
	_, err := NewLoader(path, "dev").Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
