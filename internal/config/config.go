// Package config resolves where galleryup keeps its state and what the
// runtime defaults are. Values come from the environment (optionally via a
// .env file) layered over built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envConfigDir  = "GALLERYUP_CONFIG_DIR"
	envPassphrase = "GALLERYUP_PASSPHRASE"
	envParallel   = "GALLERYUP_PARALLEL"
	envRetries    = "GALLERYUP_MAX_RETRIES"
	envRetryDelay = "GALLERYUP_RETRY_DELAY"
	envCredPrefix = "GALLERYUP_CRED_"
)

// Defaults applied when neither the environment nor the settings table
// says otherwise.
const (
	DefaultParallelBatchSize = 4
	DefaultMaxRetries        = 3
	DefaultRetryDelay        = 2 * time.Second
)

// Config is the resolved runtime configuration.
type Config struct {
	Dir            string
	DBPath         string
	TokenCacheDir  string
	HostConfigPath string
	Passphrase     string

	ParallelBatchSize int
	MaxRetries        int
	RetryDelay        time.Duration
}

// Dir returns the configuration directory. An environment override wins;
// otherwise the user config dir is used, with a repo-local fallback when
// even that is unavailable.
func Dir() string {
	if dir := os.Getenv(envConfigDir); dir != "" {
		return dir
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return ".galleryup"
	}
	return filepath.Join(base, "galleryup")
}

// Load reads .env (when present), resolves the config directory and
// applies defaults and environment overrides.
func Load() (*Config, error) {
	// Missing .env is the normal case, not an error.
	_ = godotenv.Load()

	dir := Dir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	cfg := &Config{
		Dir:               dir,
		DBPath:            filepath.Join(dir, "queue.db"),
		TokenCacheDir:     filepath.Join(dir, "tokens"),
		HostConfigPath:    filepath.Join(dir, "hosts.json"),
		Passphrase:        os.Getenv(envPassphrase),
		ParallelBatchSize: DefaultParallelBatchSize,
		MaxRetries:        DefaultMaxRetries,
		RetryDelay:        DefaultRetryDelay,
	}

	var err error
	if cfg.ParallelBatchSize, err = intEnv(envParallel, cfg.ParallelBatchSize); err != nil {
		return nil, err
	}
	if cfg.MaxRetries, err = intEnv(envRetries, cfg.MaxRetries); err != nil {
		return nil, err
	}
	if raw := os.Getenv(envRetryDelay); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", envRetryDelay, err)
		}
		cfg.RetryDelay = d
	}
	return cfg, nil
}

// Credentials returns the opaque credential string for a host, or empty
// when none is configured. The value format is host-defined ("user:pass"
// or an API key); it is never parsed here.
func (c *Config) Credentials(hostID string) string {
	key := envCredPrefix + strings.ToUpper(strings.ReplaceAll(hostID, "-", "_"))
	return os.Getenv(key)
}

func intEnv(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
