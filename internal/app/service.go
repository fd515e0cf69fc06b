/**
 * @description
 * This file contains the core wiring of the release-service. The `Service` struct
 * orchestrates the pool ledger, the claim lifecycle, the release engine and payable
 * generation, coordinating between the database repository, the rate limiter and
 * the message broker.
 *
 * Key features:
 * - Every money movement happens inside one repository transaction.
 * - Transient transaction conflicts are retried a bounded number of times with
 *   jittered exponential backoff; business failures are never retried.
 * - Events are published to RabbitMQ after commit and never affect the outcome.
 *
 * @dependencies
 * - context, log, time: Standard Go libraries.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For event publishing.
 */

package app

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/movefund/release-service/internal/domain"
	"github.com/movefund/release-service/internal/store"
	"github.com/movefund/release-service/pkg/rabbitmq"
)

const (
	DefaultReservationTTL = 90 * time.Second
	DefaultMaxTxAttempts  = 3
	DefaultEventsExchange = "movement.events"
	sweepBatchSize        = 200
)

// Options tunes the service. Zero values fall back to the defaults above.
type Options struct {
	ReservationTTL            time.Duration
	MaxTxAttempts             int
	RetryBaseDelay            time.Duration
	EventsExchange            string
	ReserveRateLimitPerMinute int
	ApproveRateLimitPerMinute int
}

// RateLimiter is a fixed-window limiter keyed by scope and subject.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope string, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic of the release-service.
type Service struct {
	repo    store.Repository
	events  rabbitmq.Publisher
	limiter RateLimiter
	opts    Options

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewService creates a new service instance. A nil publisher falls back to a no-op.
func NewService(repo store.Repository, publisher rabbitmq.Publisher, opts Options) *Service {
	if opts.ReservationTTL <= 0 {
		opts.ReservationTTL = DefaultReservationTTL
	}
	if opts.MaxTxAttempts <= 0 {
		opts.MaxTxAttempts = DefaultMaxTxAttempts
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 25 * time.Millisecond
	}
	if strings.TrimSpace(opts.EventsExchange) == "" {
		opts.EventsExchange = DefaultEventsExchange
	}
	if publisher == nil {
		publisher = &rabbitmq.EventProducerFallback{}
	}

	return &Service{
		repo:   repo,
		events: publisher,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		sleep:  sleepWithContext,
	}
}

// SetRateLimiter enables rate limiting for reserve and approve calls.
func (s *Service) SetRateLimiter(limiter RateLimiter) {
	s.limiter = limiter
}

func (s *Service) consumeRateLimit(ctx context.Context, scope, subject string, perMinute int) error {
	if s.limiter == nil || perMinute <= 0 {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, scope, subject, perMinute, time.Minute)
	if err != nil {
		// Limiter outages fail open.
		log.Printf("level=warn component=rate_limit msg=\"limiter unavailable; allowing request\" scope=%s err=%v", scope, err)
		return nil
	}
	if count > perMinute {
		return &RateLimitError{Scope: scope, RetryAfterSeconds: retryAfter}
	}
	return nil
}

func (s *Service) publish(ctx context.Context, routingKey string, payload interface{}) {
	if err := s.events.Publish(ctx, s.opts.EventsExchange, routingKey, payload); err != nil {
		log.Printf("level=warn component=events msg=\"event publish failed\" routing_key=%s err=%v", routingKey, err)
	}
}

func (s *Service) publishClaimStatus(ctx context.Context, claim domain.Claim) {
	s.publish(ctx, domain.ClaimStatusRoutingKey(claim.Status), domain.ClaimStatusEvent{
		ClaimID:     claim.ID,
		ChallengeID: claim.ChallengeID,
		AthleteID:   claim.AthleteID,
		Status:      claim.Status,
		OccurredAt:  s.now(),
	})
}
