package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GALLERYUP_CONFIG_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.Dir)
	assert.Equal(t, filepath.Join(dir, "queue.db"), cfg.DBPath)
	assert.Equal(t, DefaultParallelBatchSize, cfg.ParallelBatchSize)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, DefaultRetryDelay, cfg.RetryDelay)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GALLERYUP_CONFIG_DIR", t.TempDir())
	t.Setenv("GALLERYUP_PARALLEL", "8")
	t.Setenv("GALLERYUP_MAX_RETRIES", "1")
	t.Setenv("GALLERYUP_RETRY_DELAY", "500ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.ParallelBatchSize)
	assert.Equal(t, 1, cfg.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryDelay)
}

func TestLoad_InvalidOverride(t *testing.T) {
	t.Setenv("GALLERYUP_CONFIG_DIR", t.TempDir())
	t.Setenv("GALLERYUP_PARALLEL", "lots")

	_, err := Load()
	assert.Error(t, err)
}

func TestCredentials(t *testing.T) {
	t.Setenv("GALLERYUP_CRED_IMX", "key-123")
	cfg := &Config{}
	assert.Equal(t, "key-123", cfg.Credentials("imx"))
	assert.Empty(t, cfg.Credentials("rapidgator"))
}
