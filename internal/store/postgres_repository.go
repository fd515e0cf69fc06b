/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL used to read and mutate funding pools, claims, releases
 * and payables.
 *
 * @notes
 * - Transactions run at READ COMMITTED. Correctness comes from explicit row locks
 *   (`SELECT ... FOR UPDATE`) plus guarded UPDATEs and unique constraints, not from
 *   the isolation level.
 * - Lock order inside a release is claim -> base pool -> partner pool. Nothing else
 *   locks two pools in one transaction, so pool locks never form a cycle.
 *
 * @dependencies
 * - context, fmt, strings, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/movefund/release-service/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	poolColumns = `id, pool_type, source_type, source_name, nonprofit_id, corporate_partner_id,
		total_amount_cents, remaining_amount_cents, currency, is_active, starts_at, ends_at,
		created_at, updated_at`
	challengeColumns = `id, title, nonprofit_id, funding_pool_id, corporate_partner_id, match_ratio,
		amount_cents, distance_miles, slots_total, slots_claimed, status, created_at`
	claimColumns = `id, athlete_id, challenge_id, status, amount_cents_snapshot, distance_miles_snapshot,
		nonprofit_id, reserved_at, expires_at, claimed_at, submitted_at, verified_at, rejected_at,
		ended_at, verified_by, rejection_reason`
	releaseColumns = `id, claim_id, challenge_id, nonprofit_id, funding_pool_id, corporate_partner_id,
		partner_pool_id, amount_cents, matched_amount_cents, desired_match_cents, released_at`
	payableColumns = `id, release_id, nonprofit_id, amount_cents, matched_amount_cents, total_cents,
		status, paid_at, payout_reference, created_at`
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// RunInTx opens a READ COMMITTED transaction and hands it to fn.
func (r *PostgresRepository) RunInTx(ctx context.Context, fn TxFunc) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classifyPgError(err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &postgresTx{tx: tx}); err != nil {
		return classifyPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPgError(err)
	}
	return nil
}

func (r *PostgresRepository) FindPoolByID(ctx context.Context, poolID uuid.UUID) (*domain.FundingPool, error) {
	pool, err := scanPool(r.db.QueryRow(ctx, `SELECT `+poolColumns+` FROM funding_pools WHERE id = $1`, poolID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPoolNotFound
		}
		return nil, err
	}
	return pool, nil
}

// GetPoolLedgerTotals sums the pool's ledger by entry type. Debits are reported as positive values.
func (r *PostgresRepository) GetPoolLedgerTotals(ctx context.Context, poolID uuid.UUID) (*domain.PoolLedgerTotals, error) {
	query := `
		SELECT
			COALESCE(SUM(amount_cents) FILTER (WHERE entry_type = 'topup'), 0),
			COALESCE(-SUM(amount_cents) FILTER (WHERE entry_type = 'release_debit'), 0),
			COALESCE(-SUM(amount_cents) FILTER (WHERE entry_type = 'match_debit'), 0),
			COUNT(*)
		FROM pool_ledger_entries
		WHERE funding_pool_id = $1
	`
	var totals domain.PoolLedgerTotals
	if err := r.db.QueryRow(ctx, query, poolID).Scan(
		&totals.ToppedUpCents,
		&totals.ReleaseDebitCents,
		&totals.MatchDebitCents,
		&totals.EntryCount,
	); err != nil {
		return nil, err
	}
	return &totals, nil
}

func (r *PostgresRepository) FindReleaseByClaimID(ctx context.Context, claimID uuid.UUID) (*domain.Release, error) {
	return findReleaseByClaimID(ctx, r.db, claimID)
}

func (r *PostgresRepository) FindPayableByID(ctx context.Context, payableID uuid.UUID) (*domain.Payable, error) {
	payable, err := scanPayable(r.db.QueryRow(ctx, `SELECT `+payableColumns+` FROM payables WHERE id = $1`, payableID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPayableNotFound
		}
		return nil, err
	}
	return payable, nil
}

func (r *PostgresRepository) FindPayableByReleaseID(ctx context.Context, releaseID uuid.UUID) (*domain.Payable, error) {
	return findPayableByReleaseID(ctx, r.db, releaseID)
}

// ListPayables returns payables oldest first, optionally filtered by status and nonprofit.
func (r *PostgresRepository) ListPayables(ctx context.Context, opts domain.PayableListOptions) ([]domain.Payable, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	conditions := make([]string, 0, 2)
	args := make([]interface{}, 0, 4)
	if opts.Status != nil {
		args = append(args, string(*opts.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if opts.NonprofitID != nil {
		args = append(args, *opts.NonprofitID)
		conditions = append(conditions, fmt.Sprintf("nonprofit_id = $%d", len(args)))
	}

	query := `SELECT ` + payableColumns + ` FROM payables`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY created_at ASC, id ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payables := make([]domain.Payable, 0)
	for rows.Next() {
		payable, err := scanPayable(rows)
		if err != nil {
			return nil, err
		}
		payables = append(payables, *payable)
	}
	return payables, rows.Err()
}

// ListExpiredReservationIDs returns reserved claims whose hold has lapsed.
func (r *PostgresRepository) ListExpiredReservationIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT id FROM claims
		WHERE status = 'reserved' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// queryer is satisfied by both the pool and a transaction.
type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func findReleaseByClaimID(ctx context.Context, q queryer, claimID uuid.UUID) (*domain.Release, error) {
	release, err := scanRelease(q.QueryRow(ctx, `SELECT `+releaseColumns+` FROM releases WHERE claim_id = $1`, claimID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrReleaseNotFound
		}
		return nil, err
	}
	return release, nil
}

func findPayableByReleaseID(ctx context.Context, q queryer, releaseID uuid.UUID) (*domain.Payable, error) {
	payable, err := scanPayable(q.QueryRow(ctx, `SELECT `+payableColumns+` FROM payables WHERE release_id = $1`, releaseID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPayableNotFound
		}
		return nil, err
	}
	return payable, nil
}

func scanPool(row rowScanner) (*domain.FundingPool, error) {
	var (
		pool       domain.FundingPool
		poolType   string
		sourceType string
	)
	if err := row.Scan(
		&pool.ID,
		&poolType,
		&sourceType,
		&pool.SourceName,
		&pool.NonprofitID,
		&pool.CorporatePartnerID,
		&pool.TotalAmountCents,
		&pool.RemainingAmountCents,
		&pool.Currency,
		&pool.IsActive,
		&pool.StartsAt,
		&pool.EndsAt,
		&pool.CreatedAt,
		&pool.UpdatedAt,
	); err != nil {
		return nil, err
	}
	pool.PoolType = domain.PoolType(poolType)
	pool.SourceType = domain.SourceType(sourceType)
	return &pool, nil
}

func scanChallenge(row rowScanner) (*domain.Challenge, error) {
	var (
		challenge  domain.Challenge
		matchRatio decimal.NullDecimal
		status     string
	)
	if err := row.Scan(
		&challenge.ID,
		&challenge.Title,
		&challenge.NonprofitID,
		&challenge.FundingPoolID,
		&challenge.CorporatePartnerID,
		&matchRatio,
		&challenge.AmountCents,
		&challenge.DistanceMiles,
		&challenge.SlotsTotal,
		&challenge.SlotsClaimed,
		&status,
		&challenge.CreatedAt,
	); err != nil {
		return nil, err
	}
	if matchRatio.Valid {
		ratio := matchRatio.Decimal
		challenge.MatchRatio = &ratio
	}
	challenge.Status = domain.ChallengeStatus(status)
	return &challenge, nil
}

func scanClaim(row rowScanner) (*domain.Claim, error) {
	var (
		claim  domain.Claim
		status string
	)
	if err := row.Scan(
		&claim.ID,
		&claim.AthleteID,
		&claim.ChallengeID,
		&status,
		&claim.AmountCentsSnapshot,
		&claim.DistanceMilesSnapshot,
		&claim.NonprofitID,
		&claim.ReservedAt,
		&claim.ExpiresAt,
		&claim.ClaimedAt,
		&claim.SubmittedAt,
		&claim.VerifiedAt,
		&claim.RejectedAt,
		&claim.EndedAt,
		&claim.VerifiedBy,
		&claim.RejectionReason,
	); err != nil {
		return nil, err
	}
	claim.Status = domain.ClaimStatus(status)
	return &claim, nil
}

func scanRelease(row rowScanner) (*domain.Release, error) {
	var release domain.Release
	if err := row.Scan(
		&release.ID,
		&release.ClaimID,
		&release.ChallengeID,
		&release.NonprofitID,
		&release.FundingPoolID,
		&release.CorporatePartnerID,
		&release.PartnerPoolID,
		&release.AmountCents,
		&release.MatchedAmountCents,
		&release.DesiredMatchCents,
		&release.ReleasedAt,
	); err != nil {
		return nil, err
	}
	return &release, nil
}

func scanPayable(row rowScanner) (*domain.Payable, error) {
	var (
		payable domain.Payable
		status  string
	)
	if err := row.Scan(
		&payable.ID,
		&payable.ReleaseID,
		&payable.NonprofitID,
		&payable.AmountCents,
		&payable.MatchedAmountCents,
		&payable.TotalCents,
		&status,
		&payable.PaidAt,
		&payable.PayoutReference,
		&payable.CreatedAt,
	); err != nil {
		return nil, err
	}
	payable.Status = domain.PayableStatus(status)
	return &payable, nil
}
