package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Release is written exactly once per approved claim and never updated.
type Release struct {
	ID                 uuid.UUID  `json:"id"`
	ClaimID            uuid.UUID  `json:"claim_id"`
	ChallengeID        uuid.UUID  `json:"challenge_id"`
	NonprofitID        uuid.UUID  `json:"nonprofit_id"`
	FundingPoolID      uuid.UUID  `json:"funding_pool_id"`
	CorporatePartnerID *uuid.UUID `json:"corporate_partner_id,omitempty"`
	PartnerPoolID      *uuid.UUID `json:"partner_pool_id,omitempty"`
	AmountCents        int64      `json:"amount_cents"`
	MatchedAmountCents int64      `json:"matched_amount_cents"`
	DesiredMatchCents  int64      `json:"desired_match_cents"`
	ReleasedAt         time.Time  `json:"released_at"`
}

// TotalCents is base plus match.
func (r Release) TotalCents() int64 {
	return r.AmountCents + r.MatchedAmountCents
}

type PayableStatus string

const (
	PayableStatusQueued PayableStatus = "queued"
	PayableStatusPaid   PayableStatus = "paid"
)

// Payable is the obligation to the nonprofit created from a Release.
// TotalCents is fixed at insert; only Status, PaidAt and PayoutReference ever change.
type Payable struct {
	ID                 uuid.UUID     `json:"id"`
	ReleaseID          uuid.UUID     `json:"release_id"`
	NonprofitID        uuid.UUID     `json:"nonprofit_id"`
	AmountCents        int64         `json:"amount_cents"`
	MatchedAmountCents int64         `json:"matched_amount_cents"`
	TotalCents         int64         `json:"total_cents"`
	Status             PayableStatus `json:"status"`
	PaidAt             *time.Time    `json:"paid_at,omitempty"`
	PayoutReference    *string       `json:"payout_reference,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}

// NewPayableFromRelease builds the queued payable for a release.
func NewPayableFromRelease(release Release, now time.Time) Payable {
	return Payable{
		ID:                 uuid.New(),
		ReleaseID:          release.ID,
		NonprofitID:        release.NonprofitID,
		AmountCents:        release.AmountCents,
		MatchedAmountCents: release.MatchedAmountCents,
		TotalCents:         release.TotalCents(),
		Status:             PayableStatusQueued,
		CreatedAt:          now,
	}
}

// PayableListOptions filters ListPayables.
type PayableListOptions struct {
	Status      *PayableStatus
	NonprofitID *uuid.UUID
	Limit       int
	Offset      int
}

// MarkPayablePaidRequest is sent by the payout process.
type MarkPayablePaidRequest struct {
	PayoutReference string     `json:"payout_reference"`
	PaidAt          *time.Time `json:"paid_at,omitempty"`
}

// ReleaseRequest carries the inputs of CreateReleaseAndDebitPools.
type ReleaseRequest struct {
	ClaimID            uuid.UUID        `json:"claim_id"`
	ChallengeID        uuid.UUID        `json:"challenge_id"`
	NonprofitID        uuid.UUID        `json:"nonprofit_id"`
	BasePoolID         uuid.UUID        `json:"base_pool_id"`
	CorporatePartnerID *uuid.UUID       `json:"partner_id,omitempty"`
	AmountCents        int64            `json:"amount_cents"`
	MatchRatio         *decimal.Decimal `json:"match_ratio,omitempty"`
}

// WantsMatch reports whether a partner match should be attempted.
func (r ReleaseRequest) WantsMatch() bool {
	return r.CorporatePartnerID != nil && r.MatchRatio != nil && r.MatchRatio.IsPositive()
}

// ReleaseResult is returned for both fresh and duplicate releases.
type ReleaseResult struct {
	OK                   bool      `json:"ok"`
	ReleaseID            uuid.UUID `json:"release_id"`
	BaseAmountDebited    int64     `json:"base_amount_debited"`
	MatchedAmountDebited int64     `json:"matched_amount_debited"`
	DesiredMatchCents    int64     `json:"desired_match_cents"`
	PayableID            uuid.UUID `json:"payable_id"`
	Duplicate            bool      `json:"duplicate"`
}

// MatchShortfall is how much of the desired match the partner could not cover.
func (r ReleaseResult) MatchShortfall() int64 {
	if r.DesiredMatchCents <= r.MatchedAmountDebited {
		return 0
	}
	return r.DesiredMatchCents - r.MatchedAmountDebited
}

// ResultFromRelease rebuilds the caller-facing result from a stored release.
func ResultFromRelease(release Release, payableID uuid.UUID, duplicate bool) ReleaseResult {
	return ReleaseResult{
		OK:                   true,
		ReleaseID:            release.ID,
		BaseAmountDebited:    release.AmountCents,
		MatchedAmountDebited: release.MatchedAmountCents,
		DesiredMatchCents:    release.DesiredMatchCents,
		PayableID:            payableID,
		Duplicate:            duplicate,
	}
}

// DesiredMatch computes round_half_up(amount * ratio) in cents.
// Amounts and ratios are non-negative, so rounding half away from zero is half-up.
// Callers check ReleaseFitsCents first; an oversized product is clamped to MaxInt64.
func DesiredMatch(amountCents int64, ratio decimal.Decimal) int64 {
	if amountCents <= 0 || !ratio.IsPositive() {
		return 0
	}
	match := decimal.NewFromInt(amountCents).Mul(ratio).Round(0)
	if match.GreaterThan(maxCents) {
		return math.MaxInt64
	}
	return match.IntPart()
}

// ReleaseFitsCents reports whether amount plus its desired match fits in int64 cents.
func ReleaseFitsCents(amountCents int64, ratio decimal.Decimal) bool {
	if amountCents <= 0 || !ratio.IsPositive() {
		return true
	}
	match := decimal.NewFromInt(amountCents).Mul(ratio).Round(0)
	return decimal.NewFromInt(amountCents).Add(match).LessThanOrEqual(maxCents)
}

var maxCents = decimal.NewFromInt(math.MaxInt64)
