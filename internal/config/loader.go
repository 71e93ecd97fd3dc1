package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies BINGXBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known BINGXBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── BingX ──
	setStr(&cfg.BingX.BaseURL, "BINGXBOT_BINGX_BASE_URL")
	setStr(&cfg.BingX.WsURL, "BINGXBOT_BINGX_WS_URL")
	setStr(&cfg.BingX.ApiKey, "BINGXBOT_BINGX_API_KEY")
	setStr(&cfg.BingX.ApiSecret, "BINGXBOT_BINGX_API_SECRET")
	setInt(&cfg.BingX.RecvWindowMs, "BINGXBOT_BINGX_RECV_WINDOW_MS")
	setInt(&cfg.BingX.RateLimitPerSec, "BINGXBOT_BINGX_RATE_LIMIT_PER_SEC")

	// ── Database ──
	setStr(&cfg.Database.DSN, "BINGXBOT_DATABASE_DSN")
	setStr(&cfg.Database.Host, "BINGXBOT_DATABASE_HOST")
	setInt(&cfg.Database.Port, "BINGXBOT_DATABASE_PORT")
	setStr(&cfg.Database.Database, "BINGXBOT_DATABASE_NAME")
	setStr(&cfg.Database.User, "BINGXBOT_DATABASE_USER")
	setStr(&cfg.Database.Password, "BINGXBOT_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "BINGXBOT_DATABASE_SSLMODE")
	setInt(&cfg.Database.PoolMaxConns, "BINGXBOT_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "BINGXBOT_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "BINGXBOT_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "BINGXBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BINGXBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BINGXBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BINGXBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "BINGXBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "BINGXBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "BINGXBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BINGXBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "BINGXBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BINGXBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BINGXBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BINGXBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BINGXBOT_S3_FORCE_PATH_STYLE")

	// ── Reconciler ──
	setDuration(&cfg.Reconciler.CheckInterval, "BINGXBOT_RECONCILER_CHECK_INTERVAL")
	setDuration(&cfg.Reconciler.APIRequestDelay, "BINGXBOT_RECONCILER_API_REQUEST_DELAY")
	setDuration(&cfg.Reconciler.CancelSettleDelay, "BINGXBOT_RECONCILER_CANCEL_SETTLE_DELAY")
	setDuration(&cfg.Reconciler.CreateDelay, "BINGXBOT_RECONCILER_CREATE_DELAY")

	// ── Ingest ──
	setBool(&cfg.Ingest.Enabled, "BINGXBOT_INGEST_ENABLED")
	setStr(&cfg.Ingest.Stream, "BINGXBOT_INGEST_STREAM")
	setInt(&cfg.Ingest.BatchSize, "BINGXBOT_INGEST_BATCH_SIZE")
	setDuration(&cfg.Ingest.Poll, "BINGXBOT_INGEST_POLL")
	setDuration(&cfg.Ingest.DedupeTTL, "BINGXBOT_INGEST_DEDUPE_TTL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "BINGXBOT_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "BINGXBOT_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "BINGXBOT_ARCHIVE_INTERVAL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "BINGXBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BINGXBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BINGXBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BINGXBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "BINGXBOT_MODE")
	setStr(&cfg.LogLevel, "BINGXBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
