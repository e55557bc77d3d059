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
// built-in defaults, applies PROTECTBOT_* environment variable overrides,
// and returns the final Config. The returned Config has NOT been validated;
// the caller should invoke Config.Validate() after Load.
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

// applyEnvOverrides reads well-known PROTECTBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e.
// not empty). This lets operators inject secrets at deploy time without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Venue ──
	setStr(&cfg.Venue.BaseURL, "PROTECTBOT_VENUE_BASE_URL")
	setStr(&cfg.Venue.WsURL, "PROTECTBOT_VENUE_WS_URL")
	setStr(&cfg.Venue.ApiKey, "PROTECTBOT_VENUE_API_KEY")
	setStr(&cfg.Venue.ApiSecret, "PROTECTBOT_VENUE_API_SECRET")
	setStr(&cfg.Venue.EncryptedSecretPath, "PROTECTBOT_VENUE_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Venue.SecretPassword, "PROTECTBOT_VENUE_SECRET_PASSWORD")
	setInt64(&cfg.Venue.LotSize, "PROTECTBOT_VENUE_LOT_SIZE")
	setStringSlice(&cfg.Venue.Symbols, "PROTECTBOT_VENUE_SYMBOLS")
	setInt(&cfg.Venue.RateLimit, "PROTECTBOT_VENUE_RATE_LIMIT")
	setDuration(&cfg.Venue.RateWindow, "PROTECTBOT_VENUE_RATE_WINDOW")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PROTECTBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PROTECTBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PROTECTBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PROTECTBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PROTECTBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PROTECTBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PROTECTBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PROTECTBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PROTECTBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PROTECTBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PROTECTBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PROTECTBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PROTECTBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PROTECTBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PROTECTBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PROTECTBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PROTECTBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PROTECTBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PROTECTBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PROTECTBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PROTECTBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PROTECTBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PROTECTBOT_S3_FORCE_PATH_STYLE")

	// ── Protection ──
	setDuration(&cfg.Protection.TickInterval, "PROTECTBOT_PROTECTION_TICK_INTERVAL")
	setDuration(&cfg.Protection.PriceTimeout, "PROTECTBOT_PROTECTION_PRICE_TIMEOUT")
	setDuration(&cfg.Protection.PriceStaleAfter, "PROTECTBOT_PROTECTION_PRICE_STALE_AFTER")
	setInt(&cfg.Protection.MaxConsecutiveFailures, "PROTECTBOT_PROTECTION_MAX_CONSECUTIVE_FAILURES")
	setInt(&cfg.Protection.MaxActionsPerTick, "PROTECTBOT_PROTECTION_MAX_ACTIONS_PER_TICK")
	setDuration(&cfg.Protection.CallTimeout, "PROTECTBOT_PROTECTION_CALL_TIMEOUT")
	setDuration(&cfg.Protection.ConfirmTimeout, "PROTECTBOT_PROTECTION_CONFIRM_TIMEOUT")
	setDuration(&cfg.Protection.PollInterval, "PROTECTBOT_PROTECTION_POLL_INTERVAL")
	setInt(&cfg.Protection.RetryMaxAttempts, "PROTECTBOT_PROTECTION_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Protection.RetryInitialDelay, "PROTECTBOT_PROTECTION_RETRY_INITIAL_DELAY")
	setDuration(&cfg.Protection.RetryMaxDelay, "PROTECTBOT_PROTECTION_RETRY_MAX_DELAY")
	setFloat64(&cfg.Protection.RetryBackoffFactor, "PROTECTBOT_PROTECTION_RETRY_BACKOFF_FACTOR")
	setFloat64(&cfg.Protection.FailsafeStopPct, "PROTECTBOT_PROTECTION_FAILSAFE_STOP_PCT")

	// ── Entry ──
	setBool(&cfg.Entry.Enabled, "PROTECTBOT_ENTRY_ENABLED")
	setStr(&cfg.Entry.SignalChannel, "PROTECTBOT_ENTRY_SIGNAL_CHANNEL")
	setFloat64(&cfg.Entry.BufferPct, "PROTECTBOT_ENTRY_BUFFER_PCT")
	setDuration(&cfg.Entry.FillTimeout, "PROTECTBOT_ENTRY_FILL_TIMEOUT")
	setDuration(&cfg.Entry.PollInterval, "PROTECTBOT_ENTRY_POLL_INTERVAL")
	setFloat64(&cfg.Entry.MaxSlippagePct, "PROTECTBOT_ENTRY_MAX_SLIPPAGE_PCT")
	setFloat64(&cfg.Entry.MinRiskReward, "PROTECTBOT_ENTRY_MIN_RISK_REWARD")
	setFloat64(&cfg.Entry.RiskPct, "PROTECTBOT_ENTRY_RISK_PCT")
	setFloat64(&cfg.Entry.MaxPositionValue, "PROTECTBOT_ENTRY_MAX_POSITION_VALUE")
	setDuration(&cfg.Entry.DedupTTL, "PROTECTBOT_ENTRY_DEDUP_TTL")

	// ── Paper ──
	setFloat64(&cfg.Paper.StartingEquity, "PROTECTBOT_PAPER_STARTING_EQUITY")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "PROTECTBOT_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "PROTECTBOT_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "PROTECTBOT_ARCHIVE_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PROTECTBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PROTECTBOT_SERVER_PORT")
	setStr(&cfg.Server.AuthToken, "PROTECTBOT_SERVER_AUTH_TOKEN")
	setStringSlice(&cfg.Server.CORSOrigins, "PROTECTBOT_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PROTECTBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PROTECTBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PROTECTBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PROTECTBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PROTECTBOT_MODE")
	setStr(&cfg.LogLevel, "PROTECTBOT_LOG_LEVEL")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
