// Package config defines the top-level configuration for protectbot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by PROTECTBOT_* environment
// variables.
type Config struct {
	Venue      VenueConfig      `toml:"venue"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Protection ProtectionConfig `toml:"protection"`
	Entry      EntryConfig      `toml:"entry"`
	Paper      PaperConfig      `toml:"paper"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// VenueConfig holds broker API endpoints and credentials.
type VenueConfig struct {
	BaseURL string `toml:"base_url"`
	WsURL   string `toml:"ws_url"`

	ApiKey    string `toml:"api_key"`
	ApiSecret string `toml:"api_secret"`

	// EncryptedSecretPath points at an encrypted API secret on disk; when
	// set, SecretPassword is required and ApiSecret is ignored.
	EncryptedSecretPath string `toml:"encrypted_secret_path"`
	SecretPassword      string `toml:"secret_password"`

	// LotSize is the venue's minimum quantity increment.
	LotSize int64 `toml:"lot_size"`

	// Symbols is the instrument universe for the price stream.
	Symbols []string `toml:"symbols"`

	// RateLimit / RateWindow throttle venue calls.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
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

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// StopRungConfig is one rung of the protective stop ladder.
type StopRungConfig struct {
	TriggerR float64 `toml:"trigger_r"`
	LockR    float64 `toml:"lock_r"`
}

// ExitStepConfig is one step of the staged profit-taking schedule.
type ExitStepConfig struct {
	TriggerR float64 `toml:"trigger_r"`
	Fraction float64 `toml:"fraction"`
}

// ProtectionConfig holds the tick loop and coordinator parameters.
type ProtectionConfig struct {
	TickInterval           duration `toml:"tick_interval"`
	PriceTimeout           duration `toml:"price_timeout"`
	PriceStaleAfter        duration `toml:"price_stale_after"`
	MaxConsecutiveFailures int      `toml:"max_consecutive_failures"`
	MaxActionsPerTick      int      `toml:"max_actions_per_tick"`

	CallTimeout    duration `toml:"call_timeout"`
	ConfirmTimeout duration `toml:"confirm_timeout"`
	PollInterval   duration `toml:"poll_interval"`

	RetryMaxAttempts   int      `toml:"retry_max_attempts"`
	RetryInitialDelay  duration `toml:"retry_initial_delay"`
	RetryMaxDelay      duration `toml:"retry_max_delay"`
	RetryBackoffFactor float64  `toml:"retry_backoff_factor"`

	// FailsafeStopPct is the adverse offset of the fail-safe stop from the
	// last known price, e.g. 0.05.
	FailsafeStopPct float64 `toml:"failsafe_stop_pct"`

	// StopLadder and ExitSchedule override the built-in defaults when set.
	StopLadder   []StopRungConfig `toml:"stop_ladder"`
	ExitSchedule []ExitStepConfig `toml:"exit_schedule"`
}

// EntryConfig holds the entry executor parameters.
type EntryConfig struct {
	Enabled          bool     `toml:"enabled"`
	SignalChannel    string   `toml:"signal_channel"`
	BufferPct        float64  `toml:"buffer_pct"`
	FillTimeout      duration `toml:"fill_timeout"`
	PollInterval     duration `toml:"poll_interval"`
	MaxSlippagePct   float64  `toml:"max_slippage_pct"`
	MinRiskReward    float64  `toml:"min_risk_reward"`
	RiskPct          float64  `toml:"risk_pct"`
	MaxPositionValue float64  `toml:"max_position_value"`
	DedupTTL         duration `toml:"dedup_ttl"`
}

// PaperConfig tunes the in-memory simulated venue.
type PaperConfig struct {
	// StartingEquity seeds the simulated account balance.
	StartingEquity float64 `toml:"starting_equity"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	AuthToken   string   `toml:"auth_token"`
	CORSOrigins []string `toml:"cors_origins"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values. These
// match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Venue: VenueConfig{
			LotSize:    1,
			RateLimit:  30,
			RateWindow: duration{time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "protectbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  8,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
		},
		S3: S3Config{
			Region: "us-east-1",
			UseSSL: true,
		},
		Protection: ProtectionConfig{
			TickInterval:           duration{time.Second},
			PriceTimeout:           duration{2 * time.Second},
			PriceStaleAfter:        duration{10 * time.Second},
			MaxConsecutiveFailures: 5,
			MaxActionsPerTick:      8,
			CallTimeout:            duration{5 * time.Second},
			ConfirmTimeout:         duration{15 * time.Second},
			PollInterval:           duration{500 * time.Millisecond},
			RetryMaxAttempts:       3,
			RetryInitialDelay:      duration{250 * time.Millisecond},
			RetryMaxDelay:          duration{2 * time.Second},
			RetryBackoffFactor:     2.0,
			FailsafeStopPct:        0.05,
		},
		Entry: EntryConfig{
			Enabled:        true,
			SignalChannel:  "entry.signals",
			BufferPct:      0.001,
			FillTimeout:    duration{30 * time.Second},
			PollInterval:   duration{500 * time.Millisecond},
			MaxSlippagePct: 0.003,
			MinRiskReward:  1.5,
			RiskPct:        0.01,
			DedupTTL:       duration{2 * time.Minute},
		},
		Paper: PaperConfig{
			StartingEquity: 100_000,
		},
		Archive: ArchiveConfig{
			RetentionDays: 30,
			Interval:      duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8080,
		},
		Mode:     "protect",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"protect": true, // protection loop only, no new entries
	"trade":   true, // entries plus protection
	"paper":   true, // in-memory venue, no real orders
	"server":  true, // read-only HTTP surface
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and
// returns a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: protect, trade, paper, server, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Venue credentials are required whenever real orders can be placed.
	needsVenue := c.Mode == "protect" || c.Mode == "trade" || c.Mode == "full"
	if needsVenue {
		if c.Venue.BaseURL == "" {
			errs = append(errs, "venue: base_url must not be empty for mode "+c.Mode)
		}
		if c.Venue.ApiKey == "" {
			errs = append(errs, "venue: api_key must not be empty for mode "+c.Mode)
		}
		if c.Venue.ApiSecret == "" && c.Venue.EncryptedSecretPath == "" {
			errs = append(errs, "venue: either api_secret or encrypted_secret_path must be set for mode "+c.Mode)
		}
		if c.Venue.EncryptedSecretPath != "" && c.Venue.SecretPassword == "" {
			errs = append(errs, "venue: secret_password is required when encrypted_secret_path is set")
		}
	}
	if c.Venue.LotSize < 1 {
		errs = append(errs, "venue: lot_size must be >= 1")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 is only required when archival is on.
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

	// Protection
	if c.Protection.TickInterval.Duration <= 0 {
		errs = append(errs, "protection: tick_interval must be > 0")
	}
	if c.Protection.MaxConsecutiveFailures < 1 {
		errs = append(errs, "protection: max_consecutive_failures must be >= 1")
	}
	if c.Protection.MaxActionsPerTick < 1 {
		errs = append(errs, "protection: max_actions_per_tick must be >= 1")
	}
	if c.Protection.RetryMaxAttempts < 1 {
		errs = append(errs, "protection: retry_max_attempts must be >= 1")
	}
	if c.Protection.FailsafeStopPct <= 0 || c.Protection.FailsafeStopPct >= 1 {
		errs = append(errs, fmt.Sprintf("protection: failsafe_stop_pct must be in (0, 1), got %g", c.Protection.FailsafeStopPct))
	}
	for i, rung := range c.Protection.StopLadder {
		if i > 0 && rung.TriggerR <= c.Protection.StopLadder[i-1].TriggerR {
			errs = append(errs, fmt.Sprintf("protection: stop_ladder rung %d trigger_r must ascend", i))
		}
		if rung.LockR >= rung.TriggerR {
			errs = append(errs, fmt.Sprintf("protection: stop_ladder rung %d lock_r must be below trigger_r", i))
		}
	}
	var fractions float64
	for i, step := range c.Protection.ExitSchedule {
		if i > 0 && step.TriggerR <= c.Protection.ExitSchedule[i-1].TriggerR {
			errs = append(errs, fmt.Sprintf("protection: exit_schedule step %d trigger_r must ascend", i))
		}
		if step.Fraction <= 0 || step.Fraction > 1 {
			errs = append(errs, fmt.Sprintf("protection: exit_schedule step %d fraction must be in (0, 1]", i))
		}
		fractions += step.Fraction
	}
	if fractions > 1.000001 {
		errs = append(errs, fmt.Sprintf("protection: exit_schedule fractions sum to %g", fractions))
	}

	// Entry
	if c.Entry.Enabled {
		if c.Entry.RiskPct <= 0 || c.Entry.RiskPct >= 1 {
			errs = append(errs, fmt.Sprintf("entry: risk_pct must be in (0, 1), got %g", c.Entry.RiskPct))
		}
		if c.Entry.MinRiskReward <= 0 {
			errs = append(errs, "entry: min_risk_reward must be > 0")
		}
		if c.Entry.MaxSlippagePct < 0 {
			errs = append(errs, "entry: max_slippage_pct must be >= 0")
		}
		if c.Entry.FillTimeout.Duration <= 0 {
			errs = append(errs, "entry: fill_timeout must be > 0")
		}
		if c.Entry.SignalChannel == "" {
			errs = append(errs, "entry: signal_channel must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
