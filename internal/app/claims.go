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
	rateLimitScopeReserve = "reserve"
	rateLimitScopeApprove = "approve"

	verificationMethodManual   = "manual"
	verificationStatusApproved = "approved"
)

// applyTransition moves a locked claim and gives the challenge slot back when the
// new status ends the attempt.
func applyTransition(ctx context.Context, tx store.Tx, claim *domain.Claim, tr domain.ClaimTransition) (*domain.Claim, error) {
	if !domain.CanTransition(claim.Status, tr.To) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidClaimTransition, claim.Status, tr.To)
	}

	updated, err := tx.TransitionClaim(ctx, claim.ID, claim.Status, tr)
	if err != nil {
		if errors.Is(err, store.ErrClaimStatusChanged) {
			return nil, fmt.Errorf("%w: %w", store.ErrTransactionConflict, err)
		}
		return nil, err
	}

	if tr.To.ReleasesSlot() {
		if _, err := tx.AdjustChallengeSlots(ctx, claim.ChallengeID, -1); err != nil {
			return nil, fmt.Errorf("release challenge slot: %w", err)
		}
	}
	return updated, nil
}

// lockOwnedClaim hides claims owned by another athlete behind ErrClaimNotFound.
func lockOwnedClaim(ctx context.Context, tx store.Tx, claimID uuid.UUID, athleteID string) (*domain.Claim, error) {
	claim, err := tx.LockClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if athleteID != "" && claim.AthleteID != athleteID {
		return nil, store.ErrClaimNotFound
	}
	return claim, nil
}

// ReserveChallenge holds one slot of a challenge for the athlete until the
// reservation TTL runs out.
func (s *Service) ReserveChallenge(ctx context.Context, athleteID string, challengeID uuid.UUID) (*domain.Claim, error) {
	athleteID = strings.TrimSpace(athleteID)
	if athleteID == "" {
		return nil, ErrAthleteRequired
	}
	if err := s.consumeRateLimit(ctx, rateLimitScopeReserve, athleteID, s.opts.ReserveRateLimitPerMinute); err != nil {
		return nil, err
	}

	var claim *domain.Claim
	err := s.runTx(ctx, "reserve_challenge", func(ctx context.Context, tx store.Tx) error {
		claim = nil
		now := s.now()

		challenge, err := tx.LockChallenge(ctx, challengeID)
		if err != nil {
			return err
		}
		if !challenge.HasFreeSlot() {
			return fmt.Errorf("%w: challenge %s is %s", ErrChallengeUnavailable, challenge.ID, challenge.Status)
		}

		active, err := tx.HasActiveClaim(ctx, athleteID)
		if err != nil {
			return err
		}
		if active {
			return store.ErrActiveClaimExists
		}

		if _, err := tx.AdjustChallengeSlots(ctx, challenge.ID, 1); err != nil {
			if errors.Is(err, store.ErrChallengeFull) {
				return fmt.Errorf("%w: %w", ErrChallengeUnavailable, err)
			}
			return err
		}

		expiresAt := now.Add(s.opts.ReservationTTL)
		c := domain.Claim{
			ID:                    uuid.New(),
			AthleteID:             athleteID,
			ChallengeID:           challenge.ID,
			Status:                domain.ClaimStatusReserved,
			AmountCentsSnapshot:   challenge.AmountCents,
			DistanceMilesSnapshot: challenge.DistanceMiles,
			NonprofitID:           challenge.NonprofitID,
			ReservedAt:            now,
			ExpiresAt:             &expiresAt,
		}
		if err := tx.InsertClaim(ctx, &c); err != nil {
			return err
		}
		claim = &c
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=claims msg=\"challenge reserved\" claim_id=%s challenge_id=%s athlete_id=%s expires_at=%s", claim.ID, claim.ChallengeID, athleteID, claim.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
	s.publishClaimStatus(ctx, *claim)
	return claim, nil
}

// ConfirmClaim turns a live reservation into a claim. A reservation past its
// expiry is expired instead and ErrReservationExpired is returned.
func (s *Service) ConfirmClaim(ctx context.Context, claimID uuid.UUID, athleteID string) (*domain.Claim, error) {
	var (
		claim   *domain.Claim
		expired bool
	)
	err := s.runTx(ctx, "confirm_claim", func(ctx context.Context, tx store.Tx) error {
		claim, expired = nil, false
		now := s.now()

		current, err := lockOwnedClaim(ctx, tx, claimID, athleteID)
		if err != nil {
			return err
		}

		to := domain.ClaimStatusClaimed
		if current.ReservationExpired(now) {
			to, expired = domain.ClaimStatusExpired, true
		}
		updated, err := applyTransition(ctx, tx, current, domain.ClaimTransition{To: to, At: now})
		if err != nil {
			return err
		}
		claim = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishClaimStatus(ctx, *claim)
	if expired {
		log.Printf("level=info component=claims msg=\"reservation expired on confirm\" claim_id=%s", claim.ID)
		return claim, ErrReservationExpired
	}
	log.Printf("level=info component=claims msg=\"claim confirmed\" claim_id=%s", claim.ID)
	return claim, nil
}

// SubmitClaim records that the athlete finished and wants review.
func (s *Service) SubmitClaim(ctx context.Context, claimID uuid.UUID, athleteID string) (*domain.Claim, error) {
	return s.moveClaim(ctx, "submit_claim", claimID, athleteID, func(*domain.Claim) (domain.ClaimTransition, error) {
		return domain.ClaimTransition{To: domain.ClaimStatusSubmitted}, nil
	})
}

// CancelClaimForAthlete lets an athlete give up their own claim.
func (s *Service) CancelClaimForAthlete(ctx context.Context, claimID uuid.UUID, athleteID string) (*domain.Claim, error) {
	if strings.TrimSpace(athleteID) == "" {
		return nil, ErrAthleteRequired
	}
	return s.CancelClaim(ctx, claimID, athleteID)
}

// CancelClaim cancels any non-terminal claim. An empty athleteID skips the ownership check.
func (s *Service) CancelClaim(ctx context.Context, claimID uuid.UUID, athleteID string) (*domain.Claim, error) {
	return s.moveClaim(ctx, "cancel_claim", claimID, athleteID, func(*domain.Claim) (domain.ClaimTransition, error) {
		return domain.ClaimTransition{To: domain.ClaimStatusCancelled}, nil
	})
}

// ExpireClaim ends a non-terminal claim as expired.
func (s *Service) ExpireClaim(ctx context.Context, claimID uuid.UUID) (*domain.Claim, error) {
	return s.moveClaim(ctx, "expire_claim", claimID, "", func(*domain.Claim) (domain.ClaimTransition, error) {
		return domain.ClaimTransition{To: domain.ClaimStatusExpired}, nil
	})
}

// RejectClaim records a reviewer's rejection.
func (s *Service) RejectClaim(ctx context.Context, claimID uuid.UUID, req domain.RejectClaimRequest) (*domain.Claim, error) {
	reviewer := strings.TrimSpace(req.ReviewerID)
	if reviewer == "" {
		return nil, ErrReviewerRequired
	}
	reason := strings.TrimSpace(req.Reason)
	return s.moveClaim(ctx, "reject_claim", claimID, "", func(*domain.Claim) (domain.ClaimTransition, error) {
		tr := domain.ClaimTransition{To: domain.ClaimStatusRejected, ReviewerID: &reviewer}
		if reason != "" {
			tr.Reason = &reason
		}
		return tr, nil
	})
}

func (s *Service) moveClaim(ctx context.Context, op string, claimID uuid.UUID, athleteID string, build func(*domain.Claim) (domain.ClaimTransition, error)) (*domain.Claim, error) {
	var claim *domain.Claim
	err := s.runTx(ctx, op, func(ctx context.Context, tx store.Tx) error {
		claim = nil
		current, err := lockOwnedClaim(ctx, tx, claimID, athleteID)
		if err != nil {
			return err
		}
		tr, err := build(current)
		if err != nil {
			return err
		}
		tr.At = s.now()
		updated, err := applyTransition(ctx, tx, current, tr)
		if err != nil {
			return err
		}
		claim = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=claims msg=\"claim transitioned\" op=%s claim_id=%s status=%s", op, claim.ID, claim.Status)
	s.publishClaimStatus(ctx, *claim)
	return claim, nil
}

// ApproveClaim approves a submitted claim and releases its funds. The approval
// commits before the release runs, so a release failure such as
// ErrInsufficientBaseFunds leaves the claim approved and a later call retries the
// release only. Approving an already approved claim is allowed for that reason.
func (s *Service) ApproveClaim(ctx context.Context, claimID uuid.UUID, req domain.ApproveClaimRequest) (*domain.ApprovalResult, error) {
	reviewer := strings.TrimSpace(req.ReviewerID)
	if reviewer == "" {
		return nil, ErrReviewerRequired
	}
	if err := s.consumeRateLimit(ctx, rateLimitScopeApprove, reviewer, s.opts.ApproveRateLimitPerMinute); err != nil {
		return nil, err
	}

	var (
		claim       *domain.Claim
		challenge   *domain.Challenge
		transitions bool
	)
	err := s.runTx(ctx, "approve_claim", func(ctx context.Context, tx store.Tx) error {
		claim, challenge, transitions = nil, nil, false
		now := s.now()

		current, err := tx.LockClaim(ctx, claimID)
		if err != nil {
			return err
		}
		ch, err := tx.LockChallenge(ctx, current.ChallengeID)
		if err != nil {
			return err
		}
		if ch.FundingPoolID == nil {
			return fmt.Errorf("%w: challenge %s has no funding pool", ErrInvalidReleaseRequest, ch.ID)
		}
		challenge = ch

		if current.Status == domain.ClaimStatusApproved {
			claim = current
			return nil
		}

		tr := domain.ClaimTransition{To: domain.ClaimStatusApproved, At: now, ReviewerID: &reviewer}
		if ch.NonprofitID == nil {
			if req.NonprofitID == nil || *req.NonprofitID == uuid.Nil {
				return ErrNonprofitRequired
			}
			tr.NonprofitID = req.NonprofitID
		}
		updated, err := applyTransition(ctx, tx, current, tr)
		if err != nil {
			return err
		}
		if err := tx.UpsertVerification(ctx, &domain.Verification{
			ID:         uuid.New(),
			ClaimID:    updated.ID,
			Method:     verificationMethodManual,
			Status:     verificationStatusApproved,
			VerifiedBy: reviewer,
			VerifiedAt: now,
		}); err != nil {
			return err
		}
		claim, transitions = updated, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if transitions {
		log.Printf("level=info component=claims msg=\"claim approved\" claim_id=%s reviewer_id=%s", claim.ID, reviewer)
		s.publishClaimStatus(ctx, *claim)
	}

	nonprofitID := claim.NonprofitID
	if nonprofitID == nil {
		nonprofitID = challenge.NonprofitID
	}
	if nonprofitID == nil {
		return nil, ErrNonprofitRequired
	}

	releaseReq := domain.ReleaseRequest{
		ClaimID:     claim.ID,
		ChallengeID: challenge.ID,
		NonprofitID: *nonprofitID,
		BasePoolID:  *challenge.FundingPoolID,
		AmountCents: claim.AmountCentsSnapshot,
	}
	if challenge.CorporatePartnerID != nil && challenge.MatchRatio != nil {
		releaseReq.CorporatePartnerID = challenge.CorporatePartnerID
		releaseReq.MatchRatio = challenge.MatchRatio
	}

	result, err := s.CreateReleaseAndDebitPools(ctx, releaseReq)
	if err != nil {
		return nil, fmt.Errorf("release approved claim %s: %w", claim.ID, err)
	}
	return &domain.ApprovalResult{Claim: *claim, Release: *result}, nil
}

// SweepExpiredReservations expires reservations whose hold has run out and
// returns how many it moved. Claims confirmed in the meantime are skipped.
func (s *Service) SweepExpiredReservations(ctx context.Context) (int, error) {
	ids, err := s.repo.ListExpiredReservationIDs(ctx, s.now(), sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired reservations: %w", err)
	}

	var (
		expired int
		errs    []error
	)
	for _, id := range ids {
		var claim *domain.Claim
		err := s.runTx(ctx, "sweep_reservation", func(ctx context.Context, tx store.Tx) error {
			claim = nil
			now := s.now()
			current, err := tx.LockClaim(ctx, id)
			if err != nil {
				return err
			}
			if !current.ReservationExpired(now) {
				return nil
			}
			updated, err := applyTransition(ctx, tx, current, domain.ClaimTransition{To: domain.ClaimStatusExpired, At: now})
			if err != nil {
				return err
			}
			claim = updated
			return nil
		})
		if err != nil {
			log.Printf("level=warn component=claims msg=\"reservation sweep failed\" claim_id=%s err=%v", id, err)
			errs = append(errs, err)
			continue
		}
		if claim != nil {
			expired++
			s.publishClaimStatus(ctx, *claim)
		}
	}

	if expired > 0 {
		log.Printf("level=info component=claims msg=\"expired reservations swept\" count=%d", expired)
	}
	return expired, errors.Join(errs...)
}
