package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/movefund/release-service/internal/domain"
	"github.com/movefund/release-service/internal/store"
)

const (
	defaultCurrency        = "USD"
	donationProviderManual = "manual"
	donationStatusReceived = "received"
)

// debitPool is the hard debit: the whole amount or nothing. pool must already be
// locked by tx; its in-memory copy is updated to the new balance.
func debitPool(ctx context.Context, tx store.Tx, pool *domain.FundingPool, amount int64, entryType domain.LedgerEntryType, ref uuid.UUID, now time.Time) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if pool.RemainingAmountCents < amount {
		return store.ErrInsufficientFunds
	}
	if err := tx.DebitPool(ctx, pool.ID, amount); err != nil {
		return err
	}
	pool.RemainingAmountCents -= amount
	pool.UpdatedAt = now

	return tx.InsertLedgerEntry(ctx, &domain.PoolLedgerEntry{
		ID:            uuid.New(),
		FundingPoolID: pool.ID,
		EntryType:     entryType,
		AmountCents:   -amount,
		ReferenceID:   &ref,
		CreatedAt:     now,
	})
}

// partialDebitPool debits min(requested, remaining) and returns what it took.
// Unavailable or empty pools yield 0 without error.
func partialDebitPool(ctx context.Context, tx store.Tx, pool *domain.FundingPool, requested int64, entryType domain.LedgerEntryType, ref uuid.UUID, now time.Time) (int64, error) {
	if requested <= 0 || pool.RemainingAmountCents <= 0 || !pool.AvailableAt(now) {
		return 0, nil
	}
	amount := min(requested, pool.RemainingAmountCents)
	if err := debitPool(ctx, tx, pool, amount, entryType, ref, now); err != nil {
		return 0, err
	}
	return amount, nil
}

// topUpPool adds amount to both total and remaining of a locked pool.
func topUpPool(ctx context.Context, tx store.Tx, poolID uuid.UUID, amount int64, ref *uuid.UUID, now time.Time) (*domain.FundingPool, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	pool, err := tx.CreditPool(ctx, poolID, amount)
	if err != nil {
		return nil, err
	}
	if err := tx.InsertLedgerEntry(ctx, &domain.PoolLedgerEntry{
		ID:            uuid.New(),
		FundingPoolID: poolID,
		EntryType:     domain.LedgerEntryTopUp,
		AmountCents:   amount,
		ReferenceID:   ref,
		CreatedAt:     now,
	}); err != nil {
		return nil, err
	}
	return pool, nil
}

// lockDebitablePool locks a pool and rejects it when it cannot currently be debited.
func lockDebitablePool(ctx context.Context, tx store.Tx, poolID uuid.UUID, now time.Time) (*domain.FundingPool, error) {
	pool, err := tx.LockPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if !pool.AvailableAt(now) {
		return nil, fmt.Errorf("%w: pool %s", ErrPoolInactive, poolID)
	}
	return pool, nil
}

func newPool(poolType domain.PoolType, sourceType domain.SourceType, sourceName string, nonprofitID, partnerID *uuid.UUID, now time.Time) domain.FundingPool {
	return domain.FundingPool{
		ID:                 uuid.New(),
		PoolType:           poolType,
		SourceType:         sourceType,
		SourceName:         sourceName,
		NonprofitID:        nonprofitID,
		CorporatePartnerID: partnerID,
		Currency:           defaultCurrency,
		IsActive:           true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func validatePoolRequest(req *domain.CreatePoolRequest) error {
	if req.InitialAmountCents < 0 {
		return fmt.Errorf("%w: initial amount must not be negative", ErrInvalidPoolDefinition)
	}
	if req.StartsAt != nil && req.EndsAt != nil && !req.EndsAt.After(*req.StartsAt) {
		return fmt.Errorf("%w: ends_at must be after starts_at", ErrInvalidPoolDefinition)
	}
	switch req.PoolType {
	case domain.PoolTypeRestricted:
		if req.NonprofitID == nil {
			return fmt.Errorf("%w: restricted pools need a nonprofit", ErrInvalidPoolDefinition)
		}
	case domain.PoolTypeUnrestricted:
		if req.NonprofitID != nil {
			return fmt.Errorf("%w: unrestricted pools cannot name a nonprofit", ErrInvalidPoolDefinition)
		}
	case domain.PoolTypePartnerMatch:
		if req.CorporatePartnerID == nil {
			return fmt.Errorf("%w: partner match pools need a corporate partner", ErrInvalidPoolDefinition)
		}
	default:
		return fmt.Errorf("%w: unknown pool type %q", ErrInvalidPoolDefinition, req.PoolType)
	}

	if req.SourceType == "" {
		req.SourceType = domain.SourceTypeDonor
		if req.PoolType == domain.PoolTypePartnerMatch {
			req.SourceType = domain.SourceTypeCorporatePartner
		}
	}
	switch req.SourceType {
	case domain.SourceTypeDonor:
		if req.PoolType == domain.PoolTypePartnerMatch {
			return fmt.Errorf("%w: partner match pools are funded by a corporate partner", ErrInvalidPoolDefinition)
		}
	case domain.SourceTypeCorporatePartner:
		if req.CorporatePartnerID == nil {
			return fmt.Errorf("%w: corporate partner pools need a corporate partner", ErrInvalidPoolDefinition)
		}
	default:
		return fmt.Errorf("%w: unknown source type %q", ErrInvalidPoolDefinition, req.SourceType)
	}
	return nil
}

// CreatePool opens a pool with total = remaining = the initial amount.
func (s *Service) CreatePool(ctx context.Context, req domain.CreatePoolRequest) (*domain.FundingPool, error) {
	if err := validatePoolRequest(&req); err != nil {
		return nil, err
	}

	var created *domain.FundingPool
	err := s.runTx(ctx, "create_pool", func(ctx context.Context, tx store.Tx) error {
		created = nil
		now := s.now()
		if req.CorporatePartnerID != nil {
			if _, err := tx.FindCorporatePartner(ctx, *req.CorporatePartnerID); err != nil {
				return err
			}
		}

		pool := newPool(req.PoolType, req.SourceType, strings.TrimSpace(req.SourceName), req.NonprofitID, req.CorporatePartnerID, now)
		pool.StartsAt = req.StartsAt
		pool.EndsAt = req.EndsAt
		if err := tx.InsertPool(ctx, &pool); err != nil {
			return err
		}
		if req.InitialAmountCents > 0 {
			funded, err := topUpPool(ctx, tx, pool.ID, req.InitialAmountCents, nil, now)
			if err != nil {
				return err
			}
			pool = *funded
		}
		created = &pool
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=ledger msg=\"pool created\" pool_id=%s pool_type=%s amount_cents=%d", created.ID, created.PoolType, created.TotalAmountCents)
	return created, nil
}

// TopUpPool adds funds to an existing pool.
func (s *Service) TopUpPool(ctx context.Context, poolID uuid.UUID, amount int64) (*domain.FundingPool, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var updated *domain.FundingPool
	err := s.runTx(ctx, "topup_pool", func(ctx context.Context, tx store.Tx) error {
		updated = nil
		if _, err := tx.LockPool(ctx, poolID); err != nil {
			return err
		}
		pool, err := topUpPool(ctx, tx, poolID, amount, nil, s.now())
		if err != nil {
			return err
		}
		updated = pool
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=ledger msg=\"pool topped up\" pool_id=%s amount_cents=%d remaining_cents=%d", poolID, amount, updated.RemainingAmountCents)
	return updated, nil
}

// RecordDonation credits a donor gift to the active donor pool for the nonprofit
// (or the unrestricted pool), opening that pool first when none exists.
func (s *Service) RecordDonation(ctx context.Context, req domain.DonationRequest) (*domain.Donation, *domain.FundingPool, error) {
	if req.AmountCents <= 0 {
		return nil, nil, ErrInvalidAmount
	}

	var (
		donation *domain.Donation
		pool     *domain.FundingPool
	)
	err := s.runTx(ctx, "record_donation", func(ctx context.Context, tx store.Tx) error {
		donation, pool = nil, nil
		now := s.now()

		target, err := tx.LockDonorPool(ctx, req.NonprofitID, now)
		if errors.Is(err, store.ErrPoolNotFound) {
			poolType := domain.PoolTypeUnrestricted
			sourceName := "Unrestricted donor pool"
			if req.NonprofitID != nil {
				poolType = domain.PoolTypeRestricted
				sourceName = "Restricted donor pool"
			}
			fresh := newPool(poolType, domain.SourceTypeDonor, sourceName, req.NonprofitID, nil, now)
			if err := tx.InsertPool(ctx, &fresh); err != nil {
				return err
			}
			target = &fresh
		} else if err != nil {
			return err
		}

		d := domain.Donation{
			ID:            uuid.New(),
			FundingPoolID: target.ID,
			NonprofitID:   req.NonprofitID,
			DonorName:     strings.TrimSpace(req.DonorName),
			DonorEmail:    strings.TrimSpace(req.DonorEmail),
			AmountCents:   req.AmountCents,
			Provider:      donationProviderManual,
			Status:        donationStatusReceived,
			CreatedAt:     now,
		}
		if err := tx.InsertDonation(ctx, &d); err != nil {
			return err
		}
		funded, err := topUpPool(ctx, tx, target.ID, req.AmountCents, &d.ID, now)
		if err != nil {
			return err
		}
		donation, pool = &d, funded
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	log.Printf("level=info component=ledger msg=\"donation recorded\" donation_id=%s pool_id=%s amount_cents=%d", donation.ID, pool.ID, donation.AmountCents)
	return donation, pool, nil
}

// FundPartnerPool tops up one of the partner's own active pools, or opens a new
// partner_match pool when no pool is named.
func (s *Service) FundPartnerPool(ctx context.Context, partnerID uuid.UUID, req domain.PartnerFundingRequest) (*domain.FundingPool, error) {
	if req.AmountCents <= 0 {
		return nil, ErrInvalidAmount
	}

	var pool *domain.FundingPool
	err := s.runTx(ctx, "fund_partner_pool", func(ctx context.Context, tx store.Tx) error {
		pool = nil
		now := s.now()

		partner, err := tx.FindCorporatePartner(ctx, partnerID)
		if err != nil {
			return err
		}
		if !partner.IsActive {
			return fmt.Errorf("%w: %s", ErrPartnerInactive, partnerID)
		}

		if req.PoolID != nil {
			existing, err := tx.LockPool(ctx, *req.PoolID)
			if err != nil {
				return err
			}
			if existing.SourceType != domain.SourceTypeCorporatePartner || existing.CorporatePartnerID == nil || *existing.CorporatePartnerID != partnerID {
				return fmt.Errorf("%w: pool %s", ErrPartnerPoolMismatch, existing.ID)
			}
			if !existing.IsActive {
				return fmt.Errorf("%w: pool %s", ErrPoolInactive, existing.ID)
			}
			funded, err := topUpPool(ctx, tx, existing.ID, req.AmountCents, nil, now)
			if err != nil {
				return err
			}
			pool = funded
			return nil
		}

		sourceName := strings.TrimSpace(req.SourceName)
		if sourceName == "" {
			sourceName = partner.Name
		}
		fresh := newPool(domain.PoolTypePartnerMatch, domain.SourceTypeCorporatePartner, sourceName, nil, &partnerID, now)
		if err := tx.InsertPool(ctx, &fresh); err != nil {
			return err
		}
		funded, err := topUpPool(ctx, tx, fresh.ID, req.AmountCents, nil, now)
		if err != nil {
			return err
		}
		pool = funded
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=ledger msg=\"partner pool funded\" partner_id=%s pool_id=%s amount_cents=%d", partnerID, pool.ID, req.AmountCents)
	return pool, nil
}

// GetPoolSummary returns a pool with its ledger totals.
func (s *Service) GetPoolSummary(ctx context.Context, poolID uuid.UUID) (*domain.PoolSummary, error) {
	pool, err := s.repo.FindPoolByID(ctx, poolID)
	if err != nil {
		return nil, err
	}
	totals, err := s.repo.GetPoolLedgerTotals(ctx, poolID)
	if err != nil {
		return nil, fmt.Errorf("load ledger totals: %w", err)
	}
	return &domain.PoolSummary{Pool: *pool, Ledger: *totals}, nil
}
