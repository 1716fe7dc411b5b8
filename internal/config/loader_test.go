// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hive.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := NewLoader("", "v1.0.0").Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "v1.0.0", cfg.Version)
	assert.Equal(t, 1000, cfg.Scheduler.ReadyQueueCapacity)
	assert.True(t, filepath.IsAbs(cfg.DataDir))
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
logLevel: debug
scheduler:
  readyQueueCapacity: 50
  ackTimeout: 45s
domain:
  qpsPerDrone: 2.5
trace:
  enabled: true
  exporter: http
  endpoint: collector:4318
`)

	cfg, err := NewLoader(path, "test").Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 50, cfg.Scheduler.ReadyQueueCapacity)
	assert.Equal(t, 45*time.Second, cfg.Scheduler.AckTimeout)
	assert.Equal(t, 2.5, cfg.Domain.QPSPerDrone)
	assert.True(t, cfg.Trace.Enabled)
	assert.Equal(t, "http", cfg.Trace.Exporter)

	// Untouched fields keep their defaults.
	assert.Equal(t, 10, cfg.Scheduler.DroneQueueCapacity)
}

func TestLoadEnvBeatsFile(t *testing.T) {
	path := writeConfig(t, `listen: ":9090"`)
	t.Setenv("HIVE_LISTEN", ":7070")
	t.Setenv("HIVE_ACK_TIMEOUT", "90s")

	cfg, err := NewLoader(path, "test").Load()
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.AckTimeout)
}

func TestLoadStrictRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `listne: ":9090"`)

	_, err := NewLoader(path, "test").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strict config parse")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  ackTimeout: soon
`)

	_, err := NewLoader(path, "test").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.ackTimeout")
}

func TestLoadRejectsNonYAMLExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hive.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0600))

	_, err := NewLoader(path, "test").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config format")
}

func TestLoadEmptyFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "")

	cfg, err := NewLoader(path, "test").Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
}
