package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/movefund/release-service/internal/domain"
)

// postgresTx implements Tx on top of a live pgx transaction.
type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) LockPool(ctx context.Context, poolID uuid.UUID) (*domain.FundingPool, error) {
	pool, err := scanPool(t.tx.QueryRow(ctx, `SELECT `+poolColumns+` FROM funding_pools WHERE id = $1 FOR UPDATE`, poolID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPoolNotFound
		}
		return nil, err
	}
	return pool, nil
}

// LockPartnerMatchPool locks the partner's oldest pool that is active, inside its
// validity window and not yet exhausted.
func (t *postgresTx) LockPartnerMatchPool(ctx context.Context, partnerID uuid.UUID, now time.Time) (*domain.FundingPool, error) {
	query := `
		SELECT ` + poolColumns + `
		FROM funding_pools
		WHERE corporate_partner_id = $1
		  AND source_type = 'corporate_partner'
		  AND is_active = TRUE
		  AND remaining_amount_cents > 0
		  AND (starts_at IS NULL OR starts_at <= $2)
		  AND (ends_at IS NULL OR ends_at > $2)
		ORDER BY created_at ASC, id ASC
		LIMIT 1
		FOR UPDATE
	`
	pool, err := scanPool(t.tx.QueryRow(ctx, query, partnerID, now))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPoolNotFound
		}
		return nil, err
	}
	return pool, nil
}

// LockDonorPool locks the active donor pool for a nonprofit (restricted) or, when
// nonprofitID is nil, the active unrestricted donor pool.
func (t *postgresTx) LockDonorPool(ctx context.Context, nonprofitID *uuid.UUID, now time.Time) (*domain.FundingPool, error) {
	var row pgx.Row
	if nonprofitID != nil {
		row = t.tx.QueryRow(ctx, `
			SELECT `+poolColumns+`
			FROM funding_pools
			WHERE source_type = 'donor' AND pool_type = 'restricted' AND nonprofit_id = $1
			  AND is_active = TRUE
			  AND (ends_at IS NULL OR ends_at > $2)
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE
		`, *nonprofitID, now)
	} else {
		row = t.tx.QueryRow(ctx, `
			SELECT `+poolColumns+`
			FROM funding_pools
			WHERE source_type = 'donor' AND pool_type = 'unrestricted' AND nonprofit_id IS NULL
			  AND is_active = TRUE
			  AND (ends_at IS NULL OR ends_at > $1)
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE
		`, now)
	}
	pool, err := scanPool(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPoolNotFound
		}
		return nil, err
	}
	return pool, nil
}

func (t *postgresTx) InsertPool(ctx context.Context, pool *domain.FundingPool) error {
	query := `
		INSERT INTO funding_pools (
			id, pool_type, source_type, source_name, nonprofit_id, corporate_partner_id,
			total_amount_cents, remaining_amount_cents, currency, is_active, starts_at, ends_at,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`
	_, err := t.tx.Exec(ctx, query,
		pool.ID,
		string(pool.PoolType),
		string(pool.SourceType),
		pool.SourceName,
		pool.NonprofitID,
		pool.CorporatePartnerID,
		pool.TotalAmountCents,
		pool.RemainingAmountCents,
		pool.Currency,
		pool.IsActive,
		pool.StartsAt,
		pool.EndsAt,
		pool.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert funding pool: %w", err)
	}
	return nil
}

// DebitPool decrements remaining only when it covers amount. The WHERE guard keeps the
// balance non-negative even if a caller skipped the lock.
func (t *postgresTx) DebitPool(ctx context.Context, poolID uuid.UUID, amount int64) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE funding_pools
		SET remaining_amount_cents = remaining_amount_cents - $2, updated_at = NOW()
		WHERE id = $1 AND remaining_amount_cents >= $2
	`, poolID, amount)
	if err != nil {
		return fmt.Errorf("debit pool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (t *postgresTx) CreditPool(ctx context.Context, poolID uuid.UUID, amount int64) (*domain.FundingPool, error) {
	pool, err := scanPool(t.tx.QueryRow(ctx, `
		UPDATE funding_pools
		SET total_amount_cents = total_amount_cents + $2,
		    remaining_amount_cents = remaining_amount_cents + $2,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+poolColumns, poolID, amount))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPoolNotFound
		}
		return nil, fmt.Errorf("credit pool: %w", err)
	}
	return pool, nil
}

func (t *postgresTx) InsertLedgerEntry(ctx context.Context, entry *domain.PoolLedgerEntry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO pool_ledger_entries (id, funding_pool_id, entry_type, amount_cents, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.FundingPoolID, string(entry.EntryType), entry.AmountCents, entry.ReferenceID, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (t *postgresTx) InsertDonation(ctx context.Context, donation *domain.Donation) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO donations (id, funding_pool_id, nonprofit_id, donor_name, donor_email, amount_cents, provider, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		donation.ID,
		donation.FundingPoolID,
		donation.NonprofitID,
		donation.DonorName,
		donation.DonorEmail,
		donation.AmountCents,
		donation.Provider,
		donation.Status,
		donation.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert donation: %w", err)
	}
	return nil
}

func (t *postgresTx) FindCorporatePartner(ctx context.Context, partnerID uuid.UUID) (*domain.CorporatePartner, error) {
	var partner domain.CorporatePartner
	err := t.tx.QueryRow(ctx, `
		SELECT id, name, is_active, created_at FROM corporate_partners WHERE id = $1 FOR SHARE
	`, partnerID).Scan(&partner.ID, &partner.Name, &partner.IsActive, &partner.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPartnerNotFound
		}
		return nil, err
	}
	return &partner, nil
}

func (t *postgresTx) LockChallenge(ctx context.Context, challengeID uuid.UUID) (*domain.Challenge, error) {
	challenge, err := scanChallenge(t.tx.QueryRow(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE id = $1 FOR UPDATE`, challengeID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrChallengeNotFound
		}
		return nil, err
	}
	return challenge, nil
}

func (t *postgresTx) LockClaim(ctx context.Context, claimID uuid.UUID) (*domain.Claim, error) {
	claim, err := scanClaim(t.tx.QueryRow(ctx, `SELECT `+claimColumns+` FROM claims WHERE id = $1 FOR UPDATE`, claimID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrClaimNotFound
		}
		return nil, err
	}
	return claim, nil
}

func (t *postgresTx) HasActiveClaim(ctx context.Context, athleteID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM claims WHERE athlete_id = $1 AND status IN ('reserved', 'claimed', 'submitted')
		)
	`, athleteID).Scan(&exists)
	return exists, err
}

func (t *postgresTx) InsertClaim(ctx context.Context, claim *domain.Claim) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO claims (
			id, athlete_id, challenge_id, status, amount_cents_snapshot, distance_miles_snapshot,
			nonprofit_id, reserved_at, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		claim.ID,
		claim.AthleteID,
		claim.ChallengeID,
		string(claim.Status),
		claim.AmountCentsSnapshot,
		claim.DistanceMilesSnapshot.String(),
		claim.NonprofitID,
		claim.ReservedAt,
		claim.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err, activeClaimIndex) {
			return ErrActiveClaimExists
		}
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}

// TransitionClaim moves a claim out of `from` and stamps the timestamp that belongs
// to the target status. A claim no longer in `from` yields ErrClaimStatusChanged.
func (t *postgresTx) TransitionClaim(ctx context.Context, claimID uuid.UUID, from domain.ClaimStatus, tr domain.ClaimTransition) (*domain.Claim, error) {
	query := `
		UPDATE claims
		SET status = $3,
		    expires_at = CASE WHEN $3 = 'reserved' THEN expires_at ELSE NULL END,
		    claimed_at = CASE WHEN $3 = 'claimed' THEN $4 ELSE claimed_at END,
		    submitted_at = CASE WHEN $3 = 'submitted' THEN $4 ELSE submitted_at END,
		    verified_at = CASE WHEN $3 = 'approved' THEN $4 ELSE verified_at END,
		    rejected_at = CASE WHEN $3 = 'rejected' THEN $4 ELSE rejected_at END,
		    ended_at = CASE WHEN $3 IN ('expired', 'cancelled') THEN $4 ELSE ended_at END,
		    verified_by = COALESCE($5, verified_by),
		    rejection_reason = COALESCE($6, rejection_reason),
		    nonprofit_id = COALESCE($7, nonprofit_id)
		WHERE id = $1 AND status = $2
		RETURNING ` + claimColumns
	claim, err := scanClaim(t.tx.QueryRow(ctx, query,
		claimID,
		string(from),
		string(tr.To),
		tr.At,
		tr.ReviewerID,
		tr.Reason,
		tr.NonprofitID,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrClaimStatusChanged
		}
		return nil, fmt.Errorf("transition claim: %w", err)
	}
	return claim, nil
}

// AdjustChallengeSlots moves slots_claimed by delta and keeps status in step with
// capacity. Increments past capacity fail with ErrChallengeFull; decrements floor at zero.
func (t *postgresTx) AdjustChallengeSlots(ctx context.Context, challengeID uuid.UUID, delta int) (*domain.Challenge, error) {
	query := `
		UPDATE challenges
		SET slots_claimed = GREATEST(slots_claimed + $2, 0),
		    status = CASE
		        WHEN status = 'closed' THEN status
		        WHEN GREATEST(slots_claimed + $2, 0) >= slots_total THEN 'full'
		        ELSE 'open'
		    END
		WHERE id = $1 AND slots_claimed + $2 <= slots_total
		RETURNING ` + challengeColumns
	challenge, err := scanChallenge(t.tx.QueryRow(ctx, query, challengeID, delta))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrChallengeFull
		}
		return nil, fmt.Errorf("adjust challenge slots: %w", err)
	}
	return challenge, nil
}

func (t *postgresTx) UpsertVerification(ctx context.Context, v *domain.Verification) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO verifications (id, claim_id, method, status, verified_by, verified_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (claim_id) DO UPDATE
		SET status = EXCLUDED.status, verified_by = EXCLUDED.verified_by, verified_at = EXCLUDED.verified_at
	`, v.ID, v.ClaimID, v.Method, v.Status, v.VerifiedBy, v.VerifiedAt)
	if err != nil {
		return fmt.Errorf("upsert verification: %w", err)
	}
	return nil
}

func (t *postgresTx) FindReleaseByClaimID(ctx context.Context, claimID uuid.UUID) (*domain.Release, error) {
	return findReleaseByClaimID(ctx, t.tx, claimID)
}

// InsertRelease reports false when a release for the claim already exists.
func (t *postgresTx) InsertRelease(ctx context.Context, release *domain.Release) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO releases (
			id, claim_id, challenge_id, nonprofit_id, funding_pool_id, corporate_partner_id,
			partner_pool_id, amount_cents, matched_amount_cents, desired_match_cents, released_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (claim_id) DO NOTHING
	`,
		release.ID,
		release.ClaimID,
		release.ChallengeID,
		release.NonprofitID,
		release.FundingPoolID,
		release.CorporatePartnerID,
		release.PartnerPoolID,
		release.AmountCents,
		release.MatchedAmountCents,
		release.DesiredMatchCents,
		release.ReleasedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert release: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *postgresTx) FindPayableByReleaseID(ctx context.Context, releaseID uuid.UUID) (*domain.Payable, error) {
	return findPayableByReleaseID(ctx, t.tx, releaseID)
}

// InsertPayable reports false when the release already has a payable.
func (t *postgresTx) InsertPayable(ctx context.Context, payable *domain.Payable) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO payables (
			id, release_id, nonprofit_id, amount_cents, matched_amount_cents, total_cents, status, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (release_id) DO NOTHING
	`,
		payable.ID,
		payable.ReleaseID,
		payable.NonprofitID,
		payable.AmountCents,
		payable.MatchedAmountCents,
		payable.TotalCents,
		string(payable.Status),
		payable.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert payable: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *postgresTx) LockPayable(ctx context.Context, payableID uuid.UUID) (*domain.Payable, error) {
	payable, err := scanPayable(t.tx.QueryRow(ctx, `SELECT `+payableColumns+` FROM payables WHERE id = $1 FOR UPDATE`, payableID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPayableNotFound
		}
		return nil, err
	}
	return payable, nil
}

// MarkPayablePaid only touches status, paid_at and payout_reference.
func (t *postgresTx) MarkPayablePaid(ctx context.Context, payableID uuid.UUID, reference string, paidAt time.Time) (*domain.Payable, error) {
	payable, err := scanPayable(t.tx.QueryRow(ctx, `
		UPDATE payables
		SET status = 'paid', paid_at = $2, payout_reference = NULLIF($3, '')
		WHERE id = $1 AND status = 'queued'
		RETURNING `+payableColumns, payableID, paidAt, reference))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPayableNotFound
		}
		return nil, fmt.Errorf("mark payable paid: %w", err)
	}
	return payable, nil
}
