package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	RoutingKeyReleaseCreated = "release.created"
	RoutingKeyPayableCreated = "payable.created"
	RoutingKeyPayablePaid    = "payout.payable.paid"
)

// ClaimStatusRoutingKey is the routing key for a claim status change.
func ClaimStatusRoutingKey(status ClaimStatus) string {
	return "claim.status." + string(status)
}

// ReleaseCreatedEvent is published after a release commits.
type ReleaseCreatedEvent struct {
	ReleaseID          uuid.UUID  `json:"release_id"`
	ClaimID            uuid.UUID  `json:"claim_id"`
	ChallengeID        uuid.UUID  `json:"challenge_id"`
	NonprofitID        uuid.UUID  `json:"nonprofit_id"`
	FundingPoolID      uuid.UUID  `json:"funding_pool_id"`
	PartnerPoolID      *uuid.UUID `json:"partner_pool_id,omitempty"`
	AmountCents        int64      `json:"amount_cents"`
	MatchedAmountCents int64      `json:"matched_amount_cents"`
	DesiredMatchCents  int64      `json:"desired_match_cents"`
	OccurredAt         time.Time  `json:"occurred_at"`
}

// PayableCreatedEvent is published for the payout process.
type PayableCreatedEvent struct {
	PayableID   uuid.UUID `json:"payable_id"`
	ReleaseID   uuid.UUID `json:"release_id"`
	NonprofitID uuid.UUID `json:"nonprofit_id"`
	TotalCents  int64     `json:"total_cents"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// ClaimStatusEvent is published on every lifecycle transition.
type ClaimStatusEvent struct {
	ClaimID     uuid.UUID   `json:"claim_id"`
	ChallengeID uuid.UUID   `json:"challenge_id"`
	AthleteID   string      `json:"athlete_id"`
	Status      ClaimStatus `json:"status"`
	OccurredAt  time.Time   `json:"occurred_at"`
}

// PayablePaidEvent is consumed from the payout process.
type PayablePaidEvent struct {
	EventID         string     `json:"event_id"`
	PayableID       *uuid.UUID `json:"payable_id,omitempty"`
	ReleaseID       *uuid.UUID `json:"release_id,omitempty"`
	PayoutReference string     `json:"payout_reference"`
	PaidAt          *time.Time `json:"paid_at,omitempty"`
}
