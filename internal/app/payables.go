package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/movefund/release-service/internal/domain"
	"github.com/movefund/release-service/internal/store"
)

const (
	defaultPayableListLimit = 50
	maxPayableListLimit     = 200
)

// MarkPayablePaid moves a queued payable to paid. Marking a paid payable again
// returns it unchanged; amounts are never touched.
func (s *Service) MarkPayablePaid(ctx context.Context, payableID uuid.UUID, req domain.MarkPayablePaidRequest) (*domain.Payable, error) {
	var (
		payable *domain.Payable
		changed bool
	)
	err := s.runTx(ctx, "mark_payable_paid", func(ctx context.Context, tx store.Tx) error {
		payable, changed = nil, false

		current, err := tx.LockPayable(ctx, payableID)
		if err != nil {
			return err
		}
		if current.Status == domain.PayableStatusPaid {
			payable = current
			return nil
		}

		paidAt := s.now()
		if req.PaidAt != nil && !req.PaidAt.IsZero() {
			paidAt = req.PaidAt.UTC()
		}
		updated, err := tx.MarkPayablePaid(ctx, current.ID, strings.TrimSpace(req.PayoutReference), paidAt)
		if err != nil {
			return err
		}
		payable, changed = updated, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		log.Printf("level=info component=payables msg=\"payable marked paid\" payable_id=%s release_id=%s total_cents=%d", payable.ID, payable.ReleaseID, payable.TotalCents)
	}
	return payable, nil
}

// MarkReleasePayablePaid resolves the payable through its release first.
func (s *Service) MarkReleasePayablePaid(ctx context.Context, releaseID uuid.UUID, req domain.MarkPayablePaidRequest) (*domain.Payable, error) {
	payable, err := s.repo.FindPayableByReleaseID(ctx, releaseID)
	if err != nil {
		return nil, err
	}
	return s.MarkPayablePaid(ctx, payable.ID, req)
}

// ListPayables returns payables for the payout process, oldest first.
func (s *Service) ListPayables(ctx context.Context, opts domain.PayableListOptions) ([]domain.Payable, error) {
	if opts.Limit <= 0 {
		opts.Limit = defaultPayableListLimit
	}
	if opts.Limit > maxPayableListLimit {
		opts.Limit = maxPayableListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	payables, err := s.repo.ListPayables(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list payables: %w", err)
	}
	if payables == nil {
		payables = []domain.Payable{}
	}
	return payables, nil
}

// GetPayable returns one payable.
func (s *Service) GetPayable(ctx context.Context, payableID uuid.UUID) (*domain.Payable, error) {
	payable, err := s.repo.FindPayableByID(ctx, payableID)
	if err != nil {
		if errors.Is(err, store.ErrPayableNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("find payable: %w", err)
	}
	return payable, nil
}
