package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{
		"SERVER_PORT", "PORT", "RESERVATION_TTL_SECONDS", "RELEASE_MAX_ATTEMPTS",
		"EVENTS_EXCHANGE", "RESERVATION_SWEEP_SCHEDULE", "RUN_MIGRATIONS",
	} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.ReservationTTLSeconds != 90 {
		t.Fatalf("expected default reservation ttl 90, got %d", cfg.ReservationTTLSeconds)
	}
	if cfg.ReleaseMaxAttempts != 3 {
		t.Fatalf("expected default release attempts 3, got %d", cfg.ReleaseMaxAttempts)
	}
	if cfg.EventsExchange != "movement.events" {
		t.Fatalf("expected default exchange, got %q", cfg.EventsExchange)
	}
	if !cfg.RunMigrations {
		t.Fatalf("expected migrations to run by default")
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "7000")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "7000" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_UsesServiceInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "RELEASE_SERVICE_INTERNAL_API_KEY", " alias-only-key ")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_InternalAPIKeyTakesPrecedenceOverAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "INTERNAL_API_KEY", "primary-key")
	setEnvWithCleanup(t, "RELEASE_SERVICE_INTERNAL_API_KEY", "alias-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "primary-key" {
		t.Fatalf("expected InternalAPIKey to prioritize INTERNAL_API_KEY, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_CoercesInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		check func(t *testing.T, cfg Config)
	}{
		{
			name: "non positive ttl", key: "RESERVATION_TTL_SECONDS", value: "0",
			check: func(t *testing.T, cfg Config) {
				if cfg.ReservationTTLSeconds != 90 {
					t.Fatalf("expected ttl 90, got %d", cfg.ReservationTTLSeconds)
				}
			},
		},
		{
			name: "excessive attempts", key: "RELEASE_MAX_ATTEMPTS", value: "50",
			check: func(t *testing.T, cfg Config) {
				if cfg.ReleaseMaxAttempts != 10 {
					t.Fatalf("expected attempts capped at 10, got %d", cfg.ReleaseMaxAttempts)
				}
			},
		},
		{
			name: "negative reserve limit", key: "RESERVE_RATE_LIMIT_PER_MINUTE", value: "-4",
			check: func(t *testing.T, cfg Config) {
				if cfg.ReserveRateLimitPerMinute != 10 {
					t.Fatalf("expected reserve limit 10, got %d", cfg.ReserveRateLimitPerMinute)
				}
			},
		},
		{
			name: "zero release limit disables", key: "RELEASE_RATE_LIMIT_PER_MINUTE", value: "0",
			check: func(t *testing.T, cfg Config) {
				if cfg.ReleaseRateLimitPerMinute != 0 {
					t.Fatalf("expected release limit 0, got %d", cfg.ReleaseRateLimitPerMinute)
				}
			},
		},
		{
			name: "bad sweep schedule", key: "RESERVATION_SWEEP_SCHEDULE", value: "every so often",
			check: func(t *testing.T, cfg Config) {
				if cfg.ReservationSweepSchedule != "@every 30s" {
					t.Fatalf("expected default schedule, got %q", cfg.ReservationSweepSchedule)
				}
			},
		},
		{
			name: "min conns above max", key: "DATABASE_MIN_CONNS", value: "500",
			check: func(t *testing.T, cfg Config) {
				if cfg.DatabaseMinConns != cfg.DatabaseMaxConns {
					t.Fatalf("expected min conns clamped to %d, got %d", cfg.DatabaseMaxConns, cfg.DatabaseMinConns)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			t.Cleanup(viper.Reset)
			setEnvWithCleanup(t, tt.key, tt.value)

			cfg, err := LoadConfig(t.TempDir())
			if err != nil {
				t.Fatalf("LoadConfig returned error: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoadConfig_ReadsDotEnvFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	unsetEnvWithCleanup(t, "EVENTS_EXCHANGE")

	dir := t.TempDir()
	if err := os.WriteFile(dir+"/.env", []byte("EVENTS_EXCHANGE=staging.events\n"), 0o600); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.EventsExchange != "staging.events" {
		t.Fatalf("expected exchange from .env, got %q", cfg.EventsExchange)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
