// Package config loads televault settings from a YAML file overlaid by
// environment variables and keeps them current while the process runs.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"

	"github.com/and161185/televault/internal/cache"
	"github.com/and161185/televault/internal/limiter"
	"github.com/and161185/televault/internal/logging"
	"github.com/and161185/televault/internal/service"
	"github.com/and161185/televault/internal/transport"
)

// Index backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// RateLimit configures the upload token bucket.
type RateLimit struct {
	PerMinute int           `yaml:"per_minute"`
	Burst     int           `yaml:"burst"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Log configures the process logger.
type Log struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Config is the complete settings set.
type Config struct {
	BotToken    string `yaml:"bot_token"`
	ChannelID   int64  `yaml:"channel_id"`
	APIID       int    `yaml:"api_id"`
	APIHash     string `yaml:"api_hash"`
	SessionPath string `yaml:"session_path"`
	BotAPIURL   string `yaml:"bot_api_url"`

	IndexBackend string `yaml:"index_backend"`
	IndexPath    string `yaml:"index_path"`
	IndexDSN     string `yaml:"index_dsn"`

	RateLimit       RateLimit `yaml:"rate_limit"`
	CacheMB         int       `yaml:"cache_mb"`
	UploadWorkers   int       `yaml:"upload_workers"`
	TempDir         string    `yaml:"temp_dir"`
	MaxEmptyWindows int       `yaml:"max_empty_windows"`
	RebuildBatch    int       `yaml:"rebuild_batch"`

	Log         Log    `yaml:"log"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Dir returns the directory holding the default config, index and session files.
func Dir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "televault")
}

// DefaultPath returns the config file location used when none is given.
func DefaultPath() string { return filepath.Join(Dir(), "config.yaml") }

// Default returns the settings used for every key absent from file and environment.
func Default() *Config {
	dir := Dir()
	return &Config{
		SessionPath:  filepath.Join(dir, "session.json"),
		IndexBackend: BackendSQLite,
		IndexPath:    filepath.Join(dir, "index.db"),
		RateLimit: RateLimit{
			PerMinute: limiter.DefaultPerMinute,
			Burst:     limiter.DefaultBurst,
			Timeout:   limiter.DefaultTimeout,
		},
		CacheMB:       int(cache.DefaultMaxBytes >> 20),
		UploadWorkers: service.DefaultUploadWorkers,
		RebuildBatch:  service.DefaultRebuildBatch,
		Log:           Log{Level: "info", Format: "json"},
	}
}

// LoadDotEnv copies KEY=VALUE pairs from a .env file into the environment
// without overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	err := gotenv.Load(path)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Load reads path (a missing file yields defaults), applies the environment
// overlay and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables on the file values.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var firstErr error
	num := func(key string, set func(int64)) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("config: %s=%q is not a number", key, v)
			}
			return
		}
		set(n)
	}

	str("BOT_TOKEN", &c.BotToken)
	num("CHANNEL_ID", func(n int64) { c.ChannelID = n })
	num("TG_API_ID", func(n int64) { c.APIID = int(n) })
	str("TG_API_HASH", &c.APIHash)
	str("TG_SESSION", &c.SessionPath)
	str("TG_BOT_API_URL", &c.BotAPIURL)
	str("TG_STORE_DB", &c.IndexPath)
	if v, ok := lookup("TG_STORE_DSN"); ok && v != "" {
		c.IndexDSN = v
		c.IndexBackend = BackendPostgres
	}
	num("FUSE_CACHE_MB", func(n int64) { c.CacheMB = int(n) })
	num("TELEVAULT_RATE_PER_MIN", func(n int64) { c.RateLimit.PerMinute = int(n) })
	num("TELEVAULT_RATE_BURST", func(n int64) { c.RateLimit.Burst = int(n) })
	num("TELEVAULT_UPLOAD_WORKERS", func(n int64) { c.UploadWorkers = int(n) })
	str("TELEVAULT_LOG_LEVEL", &c.Log.Level)
	str("TELEVAULT_LOG_FILE", &c.Log.File)
	str("TELEVAULT_METRICS_ADDR", &c.MetricsAddr)
	return firstErr
}

// Validate rejects settings that can never work.
func (c *Config) Validate() error {
	switch c.IndexBackend {
	case BackendSQLite:
		if c.IndexPath == "" {
			return errors.New("config: index_path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.IndexDSN == "" {
			return errors.New("config: index_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown index_backend %q", c.IndexBackend)
	}
	if (c.APIID != 0) != (c.APIHash != "") {
		return errors.New("config: api_id and api_hash must be set together")
	}
	if c.RateLimit.PerMinute < 0 || c.RateLimit.Burst < 0 || c.RateLimit.Timeout < 0 {
		return errors.New("config: rate_limit values must not be negative")
	}
	if c.CacheMB < 0 {
		return errors.New("config: cache_mb must not be negative")
	}
	if c.UploadWorkers < 0 {
		return errors.New("config: upload_workers must not be negative")
	}
	return nil
}

// Credentials returns the transport credentials carried by c.
func (c *Config) Credentials() transport.Credentials {
	return transport.Credentials{
		BotToken:    c.BotToken,
		ChannelID:   c.ChannelID,
		APIID:       c.APIID,
		APIHash:     c.APIHash,
		SessionPath: c.SessionPath,
	}
}

// Limiter returns the token bucket settings.
func (c *Config) Limiter() limiter.Config {
	return limiter.Config{PerMinute: c.RateLimit.PerMinute, Burst: c.RateLimit.Burst, Timeout: c.RateLimit.Timeout}
}

// CacheBytes returns the cache ceiling in bytes.
func (c *Config) CacheBytes() int64 { return int64(c.CacheMB) << 20 }

// Logging returns the logger settings.
func (c *Config) Logging() logging.Config {
	return logging.Config{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}
