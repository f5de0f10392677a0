package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilot-net/huawei-manager/agent/internal/config"
)

func TestNew_WritesStderrAndFile(t *testing.T) {
	dir := t.TempDir()
	var stderr bytes.Buffer
	l, err := New(config.LoggingConfig{
		Level: "info",
		File:  filepath.Join(dir, "hm.log"),
	}, &stderr)
	require.NoError(t, err)

	l.Info("hello", "device", "modem1")
	l.Debug("hidden")
	require.NoError(t, l.Close())

	assert.Contains(t, stderr.String(), "msg=hello")
	assert.NotContains(t, stderr.String(), "hidden")

	data, err := os.ReadFile(filepath.Join(dir, "hm.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "device=modem1")
	assert.Equal(t, filepath.Join(dir, "hm.log"), l.Path)
}

func TestNew_FallbackFile(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	l, err := New(config.LoggingConfig{
		File:         filepath.Join(blocker, "hm.log"),
		FallbackFile: filepath.Join(dir, "fallback.log"),
	}, &bytes.Buffer{})
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, filepath.Join(dir, "fallback.log"), l.Path)
	assert.Equal(t, "stderr+"+l.Path, l.String())
}

func TestNew_StderrOnly(t *testing.T) {
	var stderr bytes.Buffer
	l, err := New(config.LoggingConfig{}, &stderr)
	require.NoError(t, err)

	l.Warn("careful")
	assert.Contains(t, stderr.String(), "careful")
	assert.Empty(t, l.Path)
	assert.Equal(t, "stderr", l.String())
	assert.NoError(t, l.Close())
}

func TestSetLevel(t *testing.T) {
	var stderr bytes.Buffer
	l, err := New(config.LoggingConfig{Level: "warn"}, &stderr)
	require.NoError(t, err)

	l.Info("before")
	require.NoError(t, l.SetLevel("debug"))
	l.Debug("after")

	assert.NotContains(t, stderr.String(), "before")
	assert.Contains(t, stderr.String(), "after")
	assert.Error(t, l.SetLevel("loud"))
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "verbose"}, &bytes.Buffer{})
	assert.Error(t, err)
}
