// Package config defines the top-level configuration for the bot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by BINGXBOT_* environment
// variables.
type Config struct {
	BingX      BingXConfig      `toml:"bingx"`
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Reconciler ReconcilerConfig `toml:"reconciler"`
	Slots      SlotsConfig      `toml:"slots"`
	Ingest     IngestConfig     `toml:"ingest"`
	Archive    ArchiveConfig    `toml:"archive"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// BingXConfig holds BingX swap API endpoints and credentials.
type BingXConfig struct {
	BaseURL      string `toml:"base_url"`
	WsURL        string `toml:"ws_url"`
	ApiKey       string `toml:"api_key"`
	ApiSecret    string `toml:"api_secret"`
	RecvWindowMs int    `toml:"recv_window_ms"`
	// RateLimitPerSec bounds outbound API calls via the shared limiter.
	RateLimitPerSec int `toml:"rate_limit_per_sec"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the archiver.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ReconcilerConfig holds the position reconciliation loop parameters.
type ReconcilerConfig struct {
	// CheckInterval is the time between reconciliation cycles.
	CheckInterval duration `toml:"check_interval"`
	// APIRequestDelay is the pause between consecutive positions and
	// between per-order status fetches within one position.
	APIRequestDelay duration `toml:"api_request_delay"`
	// CancelSettleDelay is the wait before verifying a stop cancellation.
	CancelSettleDelay duration `toml:"cancel_settle_delay"`
	// CreateDelay is the wait between a verified cancellation and placing
	// the replacement stop.
	CreateDelay duration `toml:"create_delay"`
}

// SlotPolicy configures capacity accounting for one signal source.
type SlotPolicy struct {
	Limit int `toml:"limit"`
	// ReleaseOnBreakeven frees the slot as soon as the position reaches
	// breakeven instead of waiting for full closure.
	ReleaseOnBreakeven bool `toml:"release_on_breakeven"`
}

// SlotsConfig maps signal source keys to their slot policies. Sources absent
// from the map do not participate in slot accounting.
type SlotsConfig struct {
	Sources map[string]SlotPolicy `toml:"sources"`
}

// IngestConfig holds the trade-intent stream consumer parameters.
type IngestConfig struct {
	Enabled   bool     `toml:"enabled"`
	Stream    string   `toml:"stream"`
	BatchSize int      `toml:"batch_size"`
	Poll      duration `toml:"poll"`
	// DedupeTTL drops repeated intents for the same symbol inside the
	// window; zero disables deduplication.
	DedupeTTL duration `toml:"dedupe_ttl"`
}

// ArchiveConfig holds closed-position archival parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "60s", "200ms").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		BingX: BingXConfig{
			BaseURL:         "https://open-api.bingx.com",
			WsURL:           "wss://open-api-swap.bingx.com/swap-market",
			RecvWindowMs:    5000,
			RateLimitPerSec: 5,
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "bingxbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		Reconciler: ReconcilerConfig{
			CheckInterval:     duration{60 * time.Second},
			APIRequestDelay:   duration{200 * time.Millisecond},
			CancelSettleDelay: duration{1 * time.Second},
			CreateDelay:       duration{2 * time.Second},
		},
		Slots: SlotsConfig{
			Sources: map[string]SlotPolicy{},
		},
		Ingest: IngestConfig{
			Enabled:   true,
			Stream:    "trade_intents",
			BatchSize: 16,
			Poll:      duration{2 * time.Second},
			DedupeTTL: duration{5 * time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Notify: NotifyConfig{
			Events: []string{"position_closed", "breakeven", "critical"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"reconcile": true,
	"ingest":    true,
	"full":      true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: reconcile, ingest, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// BingX credentials are required in every mode: the reconciler and the
	// placement flow both talk to the exchange.
	if c.BingX.BaseURL == "" {
		errs = append(errs, "bingx: base_url must not be empty")
	}
	if c.BingX.ApiKey == "" || c.BingX.ApiSecret == "" {
		errs = append(errs, "bingx: api_key and api_secret must be set")
	}
	if c.BingX.RateLimitPerSec < 1 {
		errs = append(errs, "bingx: rate_limit_per_sec must be >= 1")
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Reconciler
	if c.Reconciler.CheckInterval.Duration <= 0 {
		errs = append(errs, "reconciler: check_interval must be positive")
	}
	if c.Reconciler.APIRequestDelay.Duration < 0 {
		errs = append(errs, "reconciler: api_request_delay must not be negative")
	}

	// Slots
	for key, policy := range c.Slots.Sources {
		if policy.Limit < 1 {
			errs = append(errs, fmt.Sprintf("slots: source %q limit must be >= 1", key))
		}
	}

	// Ingest
	if c.Ingest.Enabled {
		if c.Ingest.Stream == "" {
			errs = append(errs, "ingest: stream must not be empty when enabled")
		}
		if c.Ingest.BatchSize < 1 {
			errs = append(errs, "ingest: batch_size must be >= 1")
		}
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
