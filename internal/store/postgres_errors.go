package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"

	poolBoundsConstraint = "funding_pools_remaining_bounds"
	activeClaimIndex     = "uniq_claims_active_athlete"
)

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// classifyPgError maps transient PostgreSQL failures onto ErrTransactionConflict and
// balance CHECK violations onto ErrRemainingOutOfBounds. Anything else passes through.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransactionConflict) || errors.Is(err, ErrRemainingOutOfBounds) {
		return err
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected:
		return fmt.Errorf("%w: %w", ErrTransactionConflict, err)
	case pgCheckViolation:
		if pgErr.ConstraintName == poolBoundsConstraint {
			return fmt.Errorf("%w: %w", ErrRemainingOutOfBounds, err)
		}
	}
	return err
}
