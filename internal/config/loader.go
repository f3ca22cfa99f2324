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
// built-in defaults, applies LIQD_* environment variable overrides, and
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

// applyEnvOverrides reads well-known LIQD_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "LIQD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "LIQD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LIQD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LIQD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LIQD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LIQD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LIQD_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "LIQD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LIQD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LIQD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "LIQD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LIQD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LIQD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LIQD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LIQD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LIQD_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.CacheTTL, "LIQD_REDIS_CACHE_TTL")

	// ── Ledger ──
	setStr(&cfg.Ledger.BaseURL, "LIQD_LEDGER_BASE_URL")
	setStr(&cfg.Ledger.APIKey, "LIQD_LEDGER_API_KEY")

	// ── Feed ──
	setBool(&cfg.Feed.Enabled, "LIQD_FEED_ENABLED")
	setStr(&cfg.Feed.WsURL, "LIQD_FEED_WS_URL")
	setStr(&cfg.Feed.Source, "LIQD_FEED_SOURCE")
	setStringSlice(&cfg.Feed.Assets, "LIQD_FEED_ASSETS")

	// ── Monitor ──
	setDuration(&cfg.Monitor.Interval, "LIQD_MONITOR_INTERVAL")
	setInt(&cfg.Monitor.Concurrency, "LIQD_MONITOR_CONCURRENCY")
	setDuration(&cfg.Monitor.StaleAfter, "LIQD_MONITOR_STALE_AFTER")
	setDuration(&cfg.Monitor.PassTTL, "LIQD_MONITOR_PASS_TTL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "LIQD_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Endpoint, "LIQD_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Region, "LIQD_ARCHIVE_REGION")
	setStr(&cfg.Archive.Bucket, "LIQD_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.AccessKey, "LIQD_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "LIQD_ARCHIVE_SECRET_KEY")
	setBool(&cfg.Archive.ForcePathStyle, "LIQD_ARCHIVE_FORCE_PATH_STYLE")
	setDuration(&cfg.Archive.Interval, "LIQD_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "LIQD_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "LIQD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "LIQD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "LIQD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "LIQD_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LIQD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LIQD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LIQD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LIQD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "LIQD_MODE")
	setStr(&cfg.LogLevel, "LIQD_LOG_LEVEL")
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
