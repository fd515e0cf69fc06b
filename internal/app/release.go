package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/movefund/release-service/internal/domain"
	"github.com/movefund/release-service/internal/store"
)

func validateReleaseRequest(req domain.ReleaseRequest) error {
	switch {
	case req.ClaimID == uuid.Nil:
		return fmt.Errorf("%w: claim_id is required", ErrInvalidReleaseRequest)
	case req.ChallengeID == uuid.Nil:
		return fmt.Errorf("%w: challenge_id is required", ErrInvalidReleaseRequest)
	case req.NonprofitID == uuid.Nil:
		return fmt.Errorf("%w: nonprofit_id is required", ErrInvalidReleaseRequest)
	case req.BasePoolID == uuid.Nil:
		return fmt.Errorf("%w: base_pool_id is required", ErrInvalidReleaseRequest)
	case req.AmountCents <= 0:
		return fmt.Errorf("%w: amount_cents must be positive", ErrInvalidReleaseRequest)
	case req.MatchRatio != nil && req.MatchRatio.IsNegative():
		return fmt.Errorf("%w: match_ratio must not be negative", ErrInvalidReleaseRequest)
	case req.MatchRatio != nil && !domain.ReleaseFitsCents(req.AmountCents, *req.MatchRatio):
		return fmt.Errorf("%w: amount_cents with its match exceeds the cents range", ErrInvalidReleaseRequest)
	}
	return nil
}

// CreateReleaseAndDebitPools debits the base pool in full, takes as much of the
// desired partner match as is available, and writes the release and its payable,
// all in one transaction. A claim that already has a release returns that release
// with Duplicate set and nothing is debited again.
func (s *Service) CreateReleaseAndDebitPools(ctx context.Context, req domain.ReleaseRequest) (*domain.ReleaseResult, error) {
	if err := validateReleaseRequest(req); err != nil {
		return nil, err
	}

	var (
		result  domain.ReleaseResult
		release domain.Release
		payable domain.Payable
		fresh   bool
	)
	err := s.runTx(ctx, "create_release", func(ctx context.Context, tx store.Tx) error {
		fresh = false
		now := s.now()

		claim, err := tx.LockClaim(ctx, req.ClaimID)
		if err != nil {
			return err
		}

		existing, err := tx.FindReleaseByClaimID(ctx, claim.ID)
		switch {
		case err == nil:
			p, _, err := ensurePayable(ctx, tx, *existing, now)
			if err != nil {
				return err
			}
			release, payable = *existing, *p
			result = domain.ResultFromRelease(release, payable.ID, true)
			return nil
		case !errors.Is(err, store.ErrReleaseNotFound):
			return err
		}

		if claim.Status != domain.ClaimStatusApproved {
			return fmt.Errorf("%w: claim %s is %s", ErrInvalidReleaseRequest, claim.ID, claim.Status)
		}
		if claim.ChallengeID != req.ChallengeID {
			return fmt.Errorf("%w: claim %s does not belong to challenge %s", ErrInvalidReleaseRequest, claim.ID, req.ChallengeID)
		}

		basePool, err := lockDebitablePool(ctx, tx, req.BasePoolID, now)
		if err != nil {
			return err
		}
		if basePool.PoolType == domain.PoolTypePartnerMatch {
			return fmt.Errorf("%w: pool %s is a partner match pool", ErrInvalidReleaseRequest, basePool.ID)
		}
		if basePool.PoolType == domain.PoolTypeRestricted && (basePool.NonprofitID == nil || *basePool.NonprofitID != req.NonprofitID) {
			return fmt.Errorf("%w: pool %s is restricted to another nonprofit", ErrInvalidReleaseRequest, basePool.ID)
		}

		r := domain.Release{
			ID:            uuid.New(),
			ClaimID:       claim.ID,
			ChallengeID:   req.ChallengeID,
			NonprofitID:   req.NonprofitID,
			FundingPoolID: basePool.ID,
			AmountCents:   req.AmountCents,
			ReleasedAt:    now,
		}

		if err := debitPool(ctx, tx, basePool, req.AmountCents, domain.LedgerEntryReleaseDebit, r.ID, now); err != nil {
			if errors.Is(err, store.ErrInsufficientFunds) {
				return fmt.Errorf("%w: pool %s has %d cents, release needs %d", ErrInsufficientBaseFunds, basePool.ID, basePool.RemainingAmountCents, req.AmountCents)
			}
			return err
		}

		if req.WantsMatch() {
			r.CorporatePartnerID = req.CorporatePartnerID
			r.DesiredMatchCents = domain.DesiredMatch(req.AmountCents, *req.MatchRatio)
			matchPoolID, matched, err := debitPartnerMatch(ctx, tx, *req.CorporatePartnerID, r.DesiredMatchCents, r.ID, now)
			if err != nil {
				return err
			}
			r.PartnerPoolID = matchPoolID
			r.MatchedAmountCents = matched
		}

		inserted, err := tx.InsertRelease(ctx, &r)
		if err != nil {
			return err
		}
		if !inserted {
			// A concurrent release for this claim committed first; the retry takes the duplicate path.
			return fmt.Errorf("%w: release for claim %s already inserted", store.ErrTransactionConflict, claim.ID)
		}

		p, _, err := ensurePayable(ctx, tx, r, now)
		if err != nil {
			return err
		}
		release, payable, fresh = r, *p, true
		result = domain.ResultFromRelease(release, payable.ID, false)
		return nil
	})
	if err != nil {
		log.Printf("level=warn component=release msg=\"release failed\" claim_id=%s base_pool_id=%s amount_cents=%d err=%v", req.ClaimID, req.BasePoolID, req.AmountCents, err)
		return nil, err
	}

	if !fresh {
		log.Printf("level=info component=release msg=\"duplicate release attempt\" claim_id=%s release_id=%s", release.ClaimID, release.ID)
		return &result, nil
	}

	log.Printf("level=info component=release msg=\"release created\" claim_id=%s release_id=%s base_cents=%d matched_cents=%d desired_match_cents=%d", release.ClaimID, release.ID, release.AmountCents, release.MatchedAmountCents, release.DesiredMatchCents)
	if shortfall := result.MatchShortfall(); shortfall > 0 {
		log.Printf("level=info component=release msg=\"partner match shortfall\" release_id=%s shortfall_cents=%d", release.ID, shortfall)
	}
	s.publishRelease(ctx, release, payable)
	return &result, nil
}

// debitPartnerMatch takes up to desired cents from the partner's oldest available
// match pool. A missing or inactive partner, or no funded pool, matches nothing.
func debitPartnerMatch(ctx context.Context, tx store.Tx, partnerID uuid.UUID, desired int64, releaseID uuid.UUID, now time.Time) (*uuid.UUID, int64, error) {
	if desired <= 0 {
		return nil, 0, nil
	}

	partner, err := tx.FindCorporatePartner(ctx, partnerID)
	if errors.Is(err, store.ErrPartnerNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	if !partner.IsActive {
		return nil, 0, nil
	}

	pool, err := tx.LockPartnerMatchPool(ctx, partnerID, now)
	if errors.Is(err, store.ErrPoolNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	matched, err := partialDebitPool(ctx, tx, pool, desired, domain.LedgerEntryMatchDebit, releaseID, now)
	if err != nil {
		return nil, 0, err
	}
	if matched == 0 {
		return nil, 0, nil
	}
	poolID := pool.ID
	return &poolID, matched, nil
}

// ensurePayable returns the release's payable, inserting a queued one when missing.
func ensurePayable(ctx context.Context, tx store.Tx, release domain.Release, now time.Time) (*domain.Payable, bool, error) {
	existing, err := tx.FindPayableByReleaseID(ctx, release.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrPayableNotFound) {
		return nil, false, err
	}

	payable := domain.NewPayableFromRelease(release, now)
	inserted, err := tx.InsertPayable(ctx, &payable)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		existing, err := tx.FindPayableByReleaseID(ctx, release.ID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return &payable, true, nil
}

func (s *Service) publishRelease(ctx context.Context, release domain.Release, payable domain.Payable) {
	now := s.now()
	s.publish(ctx, domain.RoutingKeyReleaseCreated, domain.ReleaseCreatedEvent{
		ReleaseID:          release.ID,
		ClaimID:            release.ClaimID,
		ChallengeID:        release.ChallengeID,
		NonprofitID:        release.NonprofitID,
		FundingPoolID:      release.FundingPoolID,
		PartnerPoolID:      release.PartnerPoolID,
		AmountCents:        release.AmountCents,
		MatchedAmountCents: release.MatchedAmountCents,
		DesiredMatchCents:  release.DesiredMatchCents,
		OccurredAt:         now,
	})
	s.publish(ctx, domain.RoutingKeyPayableCreated, domain.PayableCreatedEvent{
		PayableID:   payable.ID,
		ReleaseID:   payable.ReleaseID,
		NonprofitID: payable.NonprofitID,
		TotalCents:  payable.TotalCents,
		OccurredAt:  now,
	})
}

// GetReleaseByClaimID returns a claim's release together with its payable.
func (s *Service) GetReleaseByClaimID(ctx context.Context, claimID uuid.UUID) (*domain.Release, *domain.Payable, error) {
	release, err := s.repo.FindReleaseByClaimID(ctx, claimID)
	if err != nil {
		return nil, nil, err
	}
	payable, err := s.repo.FindPayableByReleaseID(ctx, release.ID)
	if err != nil && !errors.Is(err, store.ErrPayableNotFound) {
		return nil, nil, err
	}
	return release, payable, nil
}
