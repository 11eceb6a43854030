package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamview/streamview/internal/config"
)

func TestLoadConfig_FlagsOverrideEnvAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streamview.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  addr: \":1000\"\ngrpc:\n  addr: \":2000\"\nlog:\n  level: error\n"), 0644))
	t.Setenv("STREAMVIEW_GRPC_ADDR", ":3000")
	t.Setenv("STREAMVIEW_LOG_LEVEL", "warn")

	cfg, err := loadConfig(flags{configFile: path, logLevel: "debug", dataDir: "/tmp/sv"})
	require.NoError(t, err)
	assert.Equal(t, ":1000", cfg.HTTP.Addr)
	assert.Equal(t, ":3000", cfg.GRPC.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/tmp/sv", cfg.DataDir)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := loadConfig(flags{configFile: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)

	t.Setenv("STREAMVIEW_SNAPSHOT_RETAIN", "lots")
	_, err = loadConfig(flags{})
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "log")
	require.NoError(t, err)
	defer f.Close()

	logger, err := newLogger(f, config.LogConfig{Level: "warn", Format: "text"})
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "table", "trades")

	logger, err = newLogger(f, config.LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	logger.Info("structured")

	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	out := string(data)
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "table=trades")
	assert.Contains(t, out, `"msg":"structured"`)

	_, err = newLogger(f, config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestRun_Version(t *testing.T) {
	require.NoError(t, run([]string{"-version"}))
	assert.Error(t, run([]string{"extra"}))
	assert.Error(t, run([]string{"-nope"}))
}
