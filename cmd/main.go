/**
 * @description
 * This is the main entry point for the release-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection and migrations, the Redis rate limiter, the RabbitMQ producer and
 * payout consumer, the reservation sweeper and the HTTP server. It wires everything
 * together and starts the service.
 *
 * @dependencies
 * - log, log/slog, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/redis/go-redis/v9: Backing store for rate limits.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/movefund/release-service/internal/api"
	"github.com/movefund/release-service/internal/app"
	"github.com/movefund/release-service/internal/config"
	"github.com/movefund/release-service/internal/domain"
	"github.com/movefund/release-service/internal/store"
	rmrabbit "github.com/movefund/release-service/pkg/rabbitmq"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	log.Printf("level=info component=bootstrap msg=\"starting release-service\" port=%s", cfg.ServerPort)

	if cfg.RunMigrations {
		if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database migration failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"database migrations applied\"")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = cfg.DatabaseMaxConns
	poolConfig.MinConns = cfg.DatabaseMinConns
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Events are best effort; a missing broker degrades to the no-op publisher.
	var publisher rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; events disabled\" env=RABBITMQ_URL")
	} else if producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		publisher = rmrabbit.NewBreakerPublisher(producer, rmrabbit.BreakerSettings{
			Name:                "release-events",
			ConsecutiveFailures: uint32(cfg.EventBreakerFailures),
			OpenTimeout:         time.Duration(cfg.EventBreakerOpenSeconds) * time.Second,
		})
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}
	defer publisher.Close()

	var redisClient *redis.Client
	rateLimitingEnabled := cfg.ReserveRateLimitPerMinute > 0 || cfg.ReleaseRateLimitPerMinute > 0
	if rateLimitingEnabled {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				pingErr := redisClient.Ping(pingCtx).Err()
				cancelPing()
				if pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	repository := store.NewPostgresRepository(dbpool)

	releaseService := app.NewService(repository, publisher, app.Options{
		ReservationTTL:            time.Duration(cfg.ReservationTTLSeconds) * time.Second,
		MaxTxAttempts:             cfg.ReleaseMaxAttempts,
		RetryBaseDelay:            time.Duration(cfg.ReleaseRetryBaseMs) * time.Millisecond,
		EventsExchange:            cfg.EventsExchange,
		ReserveRateLimitPerMinute: cfg.ReserveRateLimitPerMinute,
		ApproveRateLimitPerMinute: cfg.ReleaseRateLimitPerMinute,
	})
	if redisClient != nil {
		releaseService.SetRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix))
	}

	// Payout confirmations arrive over RabbitMQ; the HTTP route stays available when the broker is down.
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; payout events disabled\" err=%v", err)
		} else {
			defer rabbitConsumer.Close()
			payoutConsumer := app.NewPayoutConsumer(releaseService)
			bindings := map[string]rmrabbit.Handler{
				domain.RoutingKeyPayablePaid: payoutConsumer.HandleMessage,
			}
			if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.PayoutEventQueue, bindings); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"payout consumer start failed\" err=%v", err)
			}
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	scheduler := app.NewScheduler(app.NewJobs(releaseService, logger), logger, cfg.ReservationSweepSchedule)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
	}

	handlers := api.NewHandlers(releaseService)
	router := api.NewRouter(handlers, api.NewJWKSKeySource(cfg.ClerkJWKSURL), cfg.InternalAPIKey)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	<-scheduler.Stop().Done()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
