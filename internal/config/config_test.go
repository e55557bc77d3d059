package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Venue.BaseURL = "https://api.broker.example"
	cfg.Venue.ApiKey = "key"
	cfg.Venue.ApiSecret = "secret"
	return cfg
}

func TestDefaultsValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "yolo"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateRequiresVenueCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.Venue.ApiSecret = ""
	cfg.Venue.EncryptedSecretPath = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_secret or encrypted_secret_path")
}

func TestValidatePaperModeNeedsNoCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "paper"
	require.NoError(t, cfg.Validate())
}

func TestValidateStopLadderOverride(t *testing.T) {
	cfg := validConfig()
	cfg.Protection.StopLadder = []StopRungConfig{
		{TriggerR: 1, LockR: 0},
		{TriggerR: 1, LockR: 0.5}, // duplicate trigger
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop_ladder")
}

func TestValidateExitScheduleFractions(t *testing.T) {
	cfg := validConfig()
	cfg.Protection.ExitSchedule = []ExitStepConfig{
		{TriggerR: 2, Fraction: 0.8},
		{TriggerR: 3, Fraction: 0.8},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fractions sum")
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "hunter2"
	cfg.Notify.TelegramToken = "tok"

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Venue.ApiSecret)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Notify.TelegramToken)

	// Original untouched.
	assert.Equal(t, "secret", cfg.Venue.ApiSecret)
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
}
