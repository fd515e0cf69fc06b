package app

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientBaseFunds  = errors.New("insufficient base pool funds")
	ErrPoolInactive           = errors.New("funding pool is inactive")
	ErrInvalidReleaseRequest  = errors.New("invalid release request")
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrInvalidPoolDefinition  = errors.New("invalid funding pool definition")
	ErrPartnerInactive        = errors.New("corporate partner is inactive")
	ErrPartnerPoolMismatch    = errors.New("pool does not belong to corporate partner")
	ErrInvalidClaimTransition = errors.New("invalid claim transition")
	ErrReservationExpired     = errors.New("reservation expired")
	ErrChallengeUnavailable   = errors.New("challenge is not accepting claims")
	ErrNonprofitRequired      = errors.New("nonprofit is required for this challenge")
	ErrReviewerRequired       = errors.New("reviewer id is required")
	ErrAthleteRequired        = errors.New("athlete id is required")
)

// RateLimitError is returned when a caller exhausts its window.
type RateLimitError struct {
	Scope             string
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s; retry after %ds", e.Scope, e.RetryAfterSeconds)
}
