package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ClaimStatus is the string enum exchanged with callers.
type ClaimStatus string

const (
	ClaimStatusReserved  ClaimStatus = "reserved"
	ClaimStatusClaimed   ClaimStatus = "claimed"
	ClaimStatusSubmitted ClaimStatus = "submitted"
	ClaimStatusApproved  ClaimStatus = "approved"
	ClaimStatusRejected  ClaimStatus = "rejected"
	ClaimStatusExpired   ClaimStatus = "expired"
	ClaimStatusCancelled ClaimStatus = "cancelled"
)

// ActiveClaimStatuses are the non-terminal states; an athlete holds at most one claim in them.
var ActiveClaimStatuses = []ClaimStatus{ClaimStatusReserved, ClaimStatusClaimed, ClaimStatusSubmitted}

var claimTransitions = map[ClaimStatus][]ClaimStatus{
	ClaimStatusReserved:  {ClaimStatusClaimed, ClaimStatusExpired, ClaimStatusCancelled},
	ClaimStatusClaimed:   {ClaimStatusSubmitted, ClaimStatusRejected, ClaimStatusExpired, ClaimStatusCancelled},
	ClaimStatusSubmitted: {ClaimStatusApproved, ClaimStatusRejected, ClaimStatusExpired, ClaimStatusCancelled},
}

// ParseClaimStatus validates a raw status string.
func ParseClaimStatus(raw string) (ClaimStatus, bool) {
	switch s := ClaimStatus(raw); s {
	case ClaimStatusReserved, ClaimStatusClaimed, ClaimStatusSubmitted, ClaimStatusApproved,
		ClaimStatusRejected, ClaimStatusExpired, ClaimStatusCancelled:
		return s, true
	}
	return "", false
}

// IsTerminal reports whether no further transition is possible.
func (s ClaimStatus) IsTerminal() bool {
	_, ok := claimTransitions[s]
	return !ok
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to ClaimStatus) bool {
	for _, next := range claimTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ReleasesSlot reports whether entering this status gives the challenge slot back.
func (s ClaimStatus) ReleasesSlot() bool {
	return s == ClaimStatusExpired || s == ClaimStatusCancelled || s == ClaimStatusRejected
}

type ChallengeStatus string

const (
	ChallengeStatusOpen   ChallengeStatus = "open"
	ChallengeStatusFull   ChallengeStatus = "full"
	ChallengeStatusClosed ChallengeStatus = "closed"
)

// Challenge maps to the `challenges` table.
type Challenge struct {
	ID                 uuid.UUID        `json:"id"`
	Title              string           `json:"title"`
	NonprofitID        *uuid.UUID       `json:"nonprofit_id,omitempty"`
	FundingPoolID      *uuid.UUID       `json:"funding_pool_id,omitempty"`
	CorporatePartnerID *uuid.UUID       `json:"corporate_partner_id,omitempty"`
	MatchRatio         *decimal.Decimal `json:"match_ratio,omitempty"`
	AmountCents        int64            `json:"amount_cents"`
	DistanceMiles      decimal.Decimal  `json:"distance_miles"`
	SlotsTotal         int              `json:"slots_total"`
	SlotsClaimed       int              `json:"slots_claimed"`
	Status             ChallengeStatus  `json:"status"`
	CreatedAt          time.Time        `json:"created_at"`
}

// HasFreeSlot reports whether a new reservation may be taken.
func (c Challenge) HasFreeSlot() bool {
	return c.Status != ChallengeStatusClosed && c.SlotsClaimed < c.SlotsTotal
}

// Claim maps to the `claims` table. Amount and distance are snapshots taken at reservation.
type Claim struct {
	ID                    uuid.UUID       `json:"id"`
	AthleteID             string          `json:"athlete_id"`
	ChallengeID           uuid.UUID       `json:"challenge_id"`
	Status                ClaimStatus     `json:"status"`
	AmountCentsSnapshot   int64           `json:"amount_cents_snapshot"`
	DistanceMilesSnapshot decimal.Decimal `json:"distance_miles_snapshot"`
	NonprofitID           *uuid.UUID      `json:"nonprofit_id,omitempty"`
	ReservedAt            time.Time       `json:"reserved_at"`
	ExpiresAt             *time.Time      `json:"expires_at,omitempty"`
	ClaimedAt             *time.Time      `json:"claimed_at,omitempty"`
	SubmittedAt           *time.Time      `json:"submitted_at,omitempty"`
	VerifiedAt            *time.Time      `json:"verified_at,omitempty"`
	RejectedAt            *time.Time      `json:"rejected_at,omitempty"`
	EndedAt               *time.Time      `json:"ended_at,omitempty"`
	VerifiedBy            *string         `json:"verified_by,omitempty"`
	RejectionReason       *string         `json:"rejection_reason,omitempty"`
}

// ReservationExpired reports whether a reserved claim ran past its hold.
func (c Claim) ReservationExpired(now time.Time) bool {
	return c.Status == ClaimStatusReserved && c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// ClaimTransition is what the store needs to move a locked claim to a new status.
type ClaimTransition struct {
	To         ClaimStatus
	At         time.Time
	ReviewerID *string
	Reason     *string
	// NonprofitID is only set on approval of a challenge without a fixed nonprofit.
	NonprofitID *uuid.UUID
}

// Verification is the audit row written alongside an approval.
type Verification struct {
	ID         uuid.UUID `json:"id"`
	ClaimID    uuid.UUID `json:"claim_id"`
	Method     string    `json:"method"`
	Status     string    `json:"status"`
	VerifiedBy string    `json:"verified_by"`
	VerifiedAt time.Time `json:"verified_at"`
}

// ApproveClaimRequest is sent by the reviewer workflow.
type ApproveClaimRequest struct {
	ReviewerID  string     `json:"reviewer_id"`
	NonprofitID *uuid.UUID `json:"nonprofit_id,omitempty"`
}

// RejectClaimRequest is sent by the reviewer workflow.
type RejectClaimRequest struct {
	ReviewerID string `json:"reviewer_id"`
	Reason     string `json:"reason"`
}

// ApprovalResult couples the claim's final state with its release outcome.
type ApprovalResult struct {
	Claim   Claim         `json:"claim"`
	Release ReleaseResult `json:"release"`
}
