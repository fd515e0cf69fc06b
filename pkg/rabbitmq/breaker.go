package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// ErrPublisherUnavailable is returned while the breaker is open.
var ErrPublisherUnavailable = errors.New("event publisher unavailable")

// BreakerSettings tunes the circuit breaker around a Publisher.
type BreakerSettings struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	HalfOpenRequests    uint32
}

// BreakerPublisher stops hammering a broken broker: after a run of failures it fails
// fast until OpenTimeout elapses, then lets a few trial requests through.
type BreakerPublisher struct {
	next    Publisher
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerPublisher wraps next with a gobreaker circuit breaker.
func NewBreakerPublisher(next Publisher, settings BreakerSettings) *BreakerPublisher {
	if settings.Name == "" {
		settings.Name = "rabbitmq-publisher"
	}
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	if settings.HalfOpenRequests == 0 {
		settings.HalfOpenRequests = 1
	}

	threshold := settings.ConsecutiveFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: settings.HalfOpenRequests,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("level=warn component=rabbitmq_producer msg=\"circuit breaker state changed\" breaker=%s from=%s to=%s", name, from, to)
		},
	})

	return &BreakerPublisher{next: next, breaker: breaker}
}

func (p *BreakerPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.next.Publish(ctx, exchange, routingKey, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrPublisherUnavailable, err)
	}
	return err
}

// State reports the breaker state, for health output.
func (p *BreakerPublisher) State() string {
	return p.breaker.State().String()
}

func (p *BreakerPublisher) Close() {
	p.next.Close()
}
