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
// built-in defaults, applies NFTMARKET_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known NFTMARKET_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Market ──
	setStr(&cfg.Market.Name, "NFTMARKET_MARKET_NAME")
	setStr(&cfg.Market.Owner, "NFTMARKET_MARKET_OWNER")
	setStr(&cfg.Market.Escrow, "NFTMARKET_MARKET_ESCROW")
	setStr(&cfg.Market.ListingFee, "NFTMARKET_MARKET_LISTING_FEE")
	setDuration(&cfg.Market.LockTTL, "NFTMARKET_MARKET_LOCK_TTL")
	setDuration(&cfg.Market.LockWait, "NFTMARKET_MARKET_LOCK_WAIT")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "NFTMARKET_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "NFTMARKET_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "NFTMARKET_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "NFTMARKET_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "NFTMARKET_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "NFTMARKET_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "NFTMARKET_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "NFTMARKET_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "NFTMARKET_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "NFTMARKET_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "NFTMARKET_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "NFTMARKET_REDIS_ENABLED")
	setStr(&cfg.Redis.URL, "NFTMARKET_REDIS_URL")
	setStr(&cfg.Redis.Addr, "NFTMARKET_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "NFTMARKET_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "NFTMARKET_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "NFTMARKET_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "NFTMARKET_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "NFTMARKET_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.CacheTTL, "NFTMARKET_REDIS_CACHE_TTL")
	setDuration(&cfg.Redis.DialTimeout, "NFTMARKET_REDIS_DIAL_TIMEOUT")
	setDuration(&cfg.Redis.ReadTimeout, "NFTMARKET_REDIS_READ_TIMEOUT")
	setDuration(&cfg.Redis.WriteTimeout, "NFTMARKET_REDIS_WRITE_TIMEOUT")
	setInt64(&cfg.Redis.StreamMaxLen, "NFTMARKET_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "NFTMARKET_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "NFTMARKET_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "NFTMARKET_S3_REGION")
	setStr(&cfg.S3.Bucket, "NFTMARKET_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "NFTMARKET_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "NFTMARKET_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "NFTMARKET_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "NFTMARKET_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.ArchiveCron, "NFTMARKET_S3_ARCHIVE_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "NFTMARKET_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "NFTMARKET_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "NFTMARKET_SERVER_CORS_ORIGINS")
	setDuration(&cfg.Server.SignatureMaxAge, "NFTMARKET_SERVER_SIGNATURE_MAX_AGE")
	setInt(&cfg.Server.RateLimit, "NFTMARKET_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "NFTMARKET_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "NFTMARKET_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NFTMARKET_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NFTMARKET_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NFTMARKET_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "NFTMARKET_MODE")
	setStr(&cfg.LogLevel, "NFTMARKET_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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
