/**
 * @description
 * This file defines the `Repository` and `Tx` interfaces, the contract for all data
 * access performed by the release-service. Reads that need no locking live on the
 * Repository; everything that mutates balances, claims, releases or payables runs on
 * a Tx obtained through RunInTx, so callers control the transaction boundary.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/google/uuid: For identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/movefund/release-service/internal/domain"
)

var (
	ErrPoolNotFound         = errors.New("funding pool not found")
	ErrInsufficientFunds    = errors.New("insufficient pool funds")
	ErrPartnerNotFound      = errors.New("corporate partner not found")
	ErrChallengeNotFound    = errors.New("challenge not found")
	ErrChallengeFull        = errors.New("challenge has no free slots")
	ErrClaimNotFound        = errors.New("claim not found")
	ErrActiveClaimExists    = errors.New("athlete already has an active claim")
	ErrClaimStatusChanged   = errors.New("claim status changed concurrently")
	ErrReleaseNotFound      = errors.New("release not found")
	ErrPayableNotFound      = errors.New("payable not found")
	ErrTransactionConflict  = errors.New("transaction conflict")
	ErrRemainingOutOfBounds = errors.New("pool balance would leave its bounds")
)

// TxFunc runs inside a single database transaction.
type TxFunc func(ctx context.Context, tx Tx) error

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// RunInTx commits when fn returns nil and rolls back otherwise. Serialization
	// failures and deadlocks surface wrapped in ErrTransactionConflict.
	RunInTx(ctx context.Context, fn TxFunc) error

	FindPoolByID(ctx context.Context, poolID uuid.UUID) (*domain.FundingPool, error)
	GetPoolLedgerTotals(ctx context.Context, poolID uuid.UUID) (*domain.PoolLedgerTotals, error)
	FindReleaseByClaimID(ctx context.Context, claimID uuid.UUID) (*domain.Release, error)
	FindPayableByID(ctx context.Context, payableID uuid.UUID) (*domain.Payable, error)
	FindPayableByReleaseID(ctx context.Context, releaseID uuid.UUID) (*domain.Payable, error)
	ListPayables(ctx context.Context, opts domain.PayableListOptions) ([]domain.Payable, error)
	ListExpiredReservationIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// Tx is the set of operations available inside a transaction. Every Lock* method
// takes a row lock held until commit or rollback.
type Tx interface {
	// Pool ledger
	LockPool(ctx context.Context, poolID uuid.UUID) (*domain.FundingPool, error)
	LockPartnerMatchPool(ctx context.Context, partnerID uuid.UUID, now time.Time) (*domain.FundingPool, error)
	LockDonorPool(ctx context.Context, nonprofitID *uuid.UUID, now time.Time) (*domain.FundingPool, error)
	InsertPool(ctx context.Context, pool *domain.FundingPool) error
	DebitPool(ctx context.Context, poolID uuid.UUID, amount int64) error
	CreditPool(ctx context.Context, poolID uuid.UUID, amount int64) (*domain.FundingPool, error)
	InsertLedgerEntry(ctx context.Context, entry *domain.PoolLedgerEntry) error
	InsertDonation(ctx context.Context, donation *domain.Donation) error
	FindCorporatePartner(ctx context.Context, partnerID uuid.UUID) (*domain.CorporatePartner, error)

	// Claims
	LockChallenge(ctx context.Context, challengeID uuid.UUID) (*domain.Challenge, error)
	LockClaim(ctx context.Context, claimID uuid.UUID) (*domain.Claim, error)
	HasActiveClaim(ctx context.Context, athleteID string) (bool, error)
	InsertClaim(ctx context.Context, claim *domain.Claim) error
	TransitionClaim(ctx context.Context, claimID uuid.UUID, from domain.ClaimStatus, t domain.ClaimTransition) (*domain.Claim, error)
	AdjustChallengeSlots(ctx context.Context, challengeID uuid.UUID, delta int) (*domain.Challenge, error)
	UpsertVerification(ctx context.Context, v *domain.Verification) error

	// Releases and payables
	FindReleaseByClaimID(ctx context.Context, claimID uuid.UUID) (*domain.Release, error)
	InsertRelease(ctx context.Context, release *domain.Release) (bool, error)
	FindPayableByReleaseID(ctx context.Context, releaseID uuid.UUID) (*domain.Payable, error)
	InsertPayable(ctx context.Context, payable *domain.Payable) (bool, error)
	LockPayable(ctx context.Context, payableID uuid.UUID) (*domain.Payable, error)
	MarkPayablePaid(ctx context.Context, payableID uuid.UUID, reference string, paidAt time.Time) (*domain.Payable, error)
}
