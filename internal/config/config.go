/**
 * @description
 * This package handles the configuration management for the release-service. It uses
 * Viper to read configuration from environment variables (and an optional .env file),
 * then normalises the loaded values so the rest of the service can trust them.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/robfig/cron/v3: Validates the sweep schedule with the scheduler's own parser.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	defaultServerPort           = "8080"
	defaultRateLimitPrefix      = "movefund:rate_limit"
	defaultEventsExchange       = "movement.events"
	defaultPayoutEventQueue     = "release_service.payout_updates"
	defaultSweepSchedule        = "@every 30s"
	defaultReservationTTLSecs   = 90
	defaultReleaseMaxAttempts   = 3
	defaultReleaseRetryBaseMs   = 25
	defaultDatabaseMaxConns     = 100
	defaultDatabaseMinConns     = 20
	defaultReserveLimitPerMin   = 10
	defaultReleaseLimitPerMin   = 60
	defaultBreakerFailures      = 5
	defaultBreakerOpenSeconds   = 30
	maxReleaseAttemptsAllowed   = 10
	maxReservationTTLSecsCapped = 3600
)

// Config holds all the configuration variables for the release-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	DatabaseURL               string `mapstructure:"DATABASE_URL"`
	DatabaseMaxConns          int32  `mapstructure:"DATABASE_MAX_CONNS"`
	DatabaseMinConns          int32  `mapstructure:"DATABASE_MIN_CONNS"`
	RunMigrations             bool   `mapstructure:"RUN_MIGRATIONS"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix      string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	ReleaseRateLimitPerMinute int    `mapstructure:"RELEASE_RATE_LIMIT_PER_MINUTE"`
	ReserveRateLimitPerMinute int    `mapstructure:"RESERVE_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	EventsExchange            string `mapstructure:"EVENTS_EXCHANGE"`
	PayoutEventQueue          string `mapstructure:"PAYOUT_EVENT_QUEUE"`
	EventBreakerFailures      int    `mapstructure:"EVENT_BREAKER_FAILURES"`
	EventBreakerOpenSeconds   int    `mapstructure:"EVENT_BREAKER_OPEN_SECONDS"`
	ClerkJWKSURL              string `mapstructure:"CLERK_JWKS_URL"`
	InternalAPIKey            string `mapstructure:"INTERNAL_API_KEY"`
	ReservationTTLSeconds     int    `mapstructure:"RESERVATION_TTL_SECONDS"`
	ReservationSweepSchedule  string `mapstructure:"RESERVATION_SWEEP_SCHEDULE"`
	ReleaseMaxAttempts        int    `mapstructure:"RELEASE_MAX_ATTEMPTS"`
	ReleaseRetryBaseMs        int    `mapstructure:"RELEASE_RETRY_BASE_MS"`
}

// LoadConfig reads configuration from environment variables and an optional .env
// file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", defaultServerPort)
	viper.SetDefault("DATABASE_MAX_CONNS", defaultDatabaseMaxConns)
	viper.SetDefault("DATABASE_MIN_CONNS", defaultDatabaseMinConns)
	viper.SetDefault("RUN_MIGRATIONS", true)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("RELEASE_RATE_LIMIT_PER_MINUTE", defaultReleaseLimitPerMin)
	viper.SetDefault("RESERVE_RATE_LIMIT_PER_MINUTE", defaultReserveLimitPerMin)
	viper.SetDefault("EVENTS_EXCHANGE", defaultEventsExchange)
	viper.SetDefault("PAYOUT_EVENT_QUEUE", defaultPayoutEventQueue)
	viper.SetDefault("EVENT_BREAKER_FAILURES", defaultBreakerFailures)
	viper.SetDefault("EVENT_BREAKER_OPEN_SECONDS", defaultBreakerOpenSeconds)
	viper.SetDefault("RESERVATION_TTL_SECONDS", defaultReservationTTLSecs)
	viper.SetDefault("RESERVATION_SWEEP_SCHEDULE", defaultSweepSchedule)
	viper.SetDefault("RELEASE_MAX_ATTEMPTS", defaultReleaseMaxAttempts)
	viper.SetDefault("RELEASE_RETRY_BASE_MS", defaultReleaseRetryBaseMs)

	// Bind explicitly so keys without a default still appear in Unmarshal.
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("DATABASE_MAX_CONNS")
	_ = viper.BindEnv("DATABASE_MIN_CONNS")
	_ = viper.BindEnv("RUN_MIGRATIONS")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "RELEASE_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RELEASE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RESERVE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("PAYOUT_EVENT_QUEUE")
	_ = viper.BindEnv("EVENT_BREAKER_FAILURES")
	_ = viper.BindEnv("EVENT_BREAKER_OPEN_SECONDS")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "RELEASE_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("RESERVATION_TTL_SECONDS")
	_ = viper.BindEnv("RESERVATION_SWEEP_SCHEDULE")
	_ = viper.BindEnv("RELEASE_MAX_ATTEMPTS")
	_ = viper.BindEnv("RELEASE_RETRY_BASE_MS")

	// A missing .env file is fine.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	normalize(&config)
	return
}

func normalize(config *Config) {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.ServerPort = strings.TrimSpace(config.ServerPort)
	if config.ServerPort == "" {
		config.ServerPort = defaultServerPort
	}

	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	if config.DatabaseMaxConns <= 0 {
		log.Printf("level=warn component=config msg=\"invalid DATABASE_MAX_CONNS; using default\" value=%d", config.DatabaseMaxConns)
		config.DatabaseMaxConns = defaultDatabaseMaxConns
	}
	if config.DatabaseMinConns < 0 || config.DatabaseMinConns > config.DatabaseMaxConns {
		log.Printf("level=warn component=config msg=\"invalid DATABASE_MIN_CONNS; clamping\" value=%d max=%d", config.DatabaseMinConns, config.DatabaseMaxConns)
		config.DatabaseMinConns = min(max(config.DatabaseMinConns, 0), config.DatabaseMaxConns)
	}

	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.ClerkJWKSURL = strings.TrimSpace(config.ClerkJWKSURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)

	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	config.EventsExchange = strings.TrimSpace(config.EventsExchange)
	if config.EventsExchange == "" {
		config.EventsExchange = defaultEventsExchange
	}
	config.PayoutEventQueue = strings.TrimSpace(config.PayoutEventQueue)
	if config.PayoutEventQueue == "" {
		config.PayoutEventQueue = defaultPayoutEventQueue
	}

	// Zero disables a limit; only negative values are coerced.
	if config.ReleaseRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative release rate limit configured; coercing to default\" value=%d", config.ReleaseRateLimitPerMinute)
		config.ReleaseRateLimitPerMinute = defaultReleaseLimitPerMin
	}
	if config.ReserveRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative reserve rate limit configured; coercing to default\" value=%d", config.ReserveRateLimitPerMinute)
		config.ReserveRateLimitPerMinute = defaultReserveLimitPerMin
	}

	if config.EventBreakerFailures <= 0 {
		config.EventBreakerFailures = defaultBreakerFailures
	}
	if config.EventBreakerOpenSeconds <= 0 {
		config.EventBreakerOpenSeconds = defaultBreakerOpenSeconds
	}

	if config.ReservationTTLSeconds <= 0 || config.ReservationTTLSeconds > maxReservationTTLSecsCapped {
		log.Printf("level=warn component=config msg=\"reservation ttl out of range; using default\" value=%d", config.ReservationTTLSeconds)
		config.ReservationTTLSeconds = defaultReservationTTLSecs
	}

	config.ReservationSweepSchedule = strings.TrimSpace(config.ReservationSweepSchedule)
	if _, parseErr := cron.ParseStandard(config.ReservationSweepSchedule); parseErr != nil {
		log.Printf("level=warn component=config msg=\"invalid RESERVATION_SWEEP_SCHEDULE; using default\" value=%q err=%v", config.ReservationSweepSchedule, parseErr)
		config.ReservationSweepSchedule = defaultSweepSchedule
	}

	if config.ReleaseMaxAttempts <= 0 {
		config.ReleaseMaxAttempts = defaultReleaseMaxAttempts
	}
	if config.ReleaseMaxAttempts > maxReleaseAttemptsAllowed {
		log.Printf("level=warn component=config msg=\"release max attempts too high; capping\" value=%d cap=%d", config.ReleaseMaxAttempts, maxReleaseAttemptsAllowed)
		config.ReleaseMaxAttempts = maxReleaseAttemptsAllowed
	}
	if config.ReleaseRetryBaseMs <= 0 {
		config.ReleaseRetryBaseMs = defaultReleaseRetryBaseMs
	}
}
