// Package storetest provides an in-memory store.Repository for service and handler tests.
// Transactions are serialized behind one mutex and roll back by restoring a snapshot.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/movefund/release-service/internal/domain"
	"github.com/movefund/release-service/internal/store"
)

type state struct {
	pools         map[uuid.UUID]domain.FundingPool
	partners      map[uuid.UUID]domain.CorporatePartner
	challenges    map[uuid.UUID]domain.Challenge
	claims        map[uuid.UUID]domain.Claim
	releases      map[uuid.UUID]domain.Release
	payables      map[uuid.UUID]domain.Payable
	verifications map[uuid.UUID]domain.Verification
	ledger        []domain.PoolLedgerEntry
	donations     []domain.Donation
}

func newState() state {
	return state{
		pools:         map[uuid.UUID]domain.FundingPool{},
		partners:      map[uuid.UUID]domain.CorporatePartner{},
		challenges:    map[uuid.UUID]domain.Challenge{},
		claims:        map[uuid.UUID]domain.Claim{},
		releases:      map[uuid.UUID]domain.Release{},
		payables:      map[uuid.UUID]domain.Payable{},
		verifications: map[uuid.UUID]domain.Verification{},
	}
}

func (s state) clone() state {
	c := newState()
	for k, v := range s.pools {
		c.pools[k] = v
	}
	for k, v := range s.partners {
		c.partners[k] = v
	}
	for k, v := range s.challenges {
		c.challenges[k] = v
	}
	for k, v := range s.claims {
		c.claims[k] = v
	}
	for k, v := range s.releases {
		c.releases[k] = v
	}
	for k, v := range s.payables {
		c.payables[k] = v
	}
	for k, v := range s.verifications {
		c.verifications[k] = v
	}
	c.ledger = append([]domain.PoolLedgerEntry(nil), s.ledger...)
	c.donations = append([]domain.Donation(nil), s.donations...)
	return c
}

// Store is an in-memory store.Repository.
type Store struct {
	mu    sync.Mutex
	state state

	conflictsToInject int
	// TxCount counts RunInTx calls, committed or not.
	TxCount int
}

// New returns an empty Store.
func New() *Store {
	return &Store{state: newState()}
}

// InjectConflicts makes the next n transactions fail with store.ErrTransactionConflict
// after fn has run, discarding their writes.
func (s *Store) InjectConflicts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflictsToInject = n
}

func (s *Store) RunInTx(ctx context.Context, fn store.TxFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TxCount++

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := s.state.clone()
	if err := fn(ctx, &memTx{st: &s.state}); err != nil {
		s.state = snapshot
		return err
	}
	if s.conflictsToInject > 0 {
		s.conflictsToInject--
		s.state = snapshot
		return store.ErrTransactionConflict
	}
	return nil
}

// Seeding and inspection helpers.

func (s *Store) PutPool(pool domain.FundingPool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pool.CreatedAt.IsZero() {
		pool.CreatedAt = time.Now()
	}
	s.state.pools[pool.ID] = pool
}

func (s *Store) PutPartner(partner domain.CorporatePartner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.partners[partner.ID] = partner
}

func (s *Store) PutChallenge(challenge domain.Challenge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.challenges[challenge.ID] = challenge
}

func (s *Store) PutClaim(claim domain.Claim) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.claims[claim.ID] = claim
}

func (s *Store) Pool(id uuid.UUID) domain.FundingPool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.pools[id]
}

func (s *Store) Challenge(id uuid.UUID) domain.Challenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.challenges[id]
}

func (s *Store) Claim(id uuid.UUID) domain.Claim {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.claims[id]
}

func (s *Store) Releases() []domain.Release {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Release, 0, len(s.state.releases))
	for _, r := range s.state.releases {
		out = append(out, r)
	}
	return out
}

func (s *Store) Payables() []domain.Payable {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Payable, 0, len(s.state.payables))
	for _, p := range s.state.payables {
		out = append(out, p)
	}
	return out
}

func (s *Store) LedgerEntries(poolID uuid.UUID) []domain.PoolLedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PoolLedgerEntry, 0)
	for _, e := range s.state.ledger {
		if e.FundingPoolID == poolID {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) Donations() []domain.Donation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Donation(nil), s.state.donations...)
}

func (s *Store) Verification(claimID uuid.UUID) (domain.Verification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state.verifications[claimID]
	return v, ok
}

// Repository reads.

func (s *Store) FindPoolByID(ctx context.Context, poolID uuid.UUID) (*domain.FundingPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.state.pools[poolID]
	if !ok {
		return nil, store.ErrPoolNotFound
	}
	return &pool, nil
}

func (s *Store) GetPoolLedgerTotals(ctx context.Context, poolID uuid.UUID) (*domain.PoolLedgerTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var totals domain.PoolLedgerTotals
	for _, e := range s.state.ledger {
		if e.FundingPoolID != poolID {
			continue
		}
		totals.EntryCount++
		switch e.EntryType {
		case domain.LedgerEntryTopUp:
			totals.ToppedUpCents += e.AmountCents
		case domain.LedgerEntryReleaseDebit:
			totals.ReleaseDebitCents -= e.AmountCents
		case domain.LedgerEntryMatchDebit:
			totals.MatchDebitCents -= e.AmountCents
		}
	}
	return &totals, nil
}

func (s *Store) FindReleaseByClaimID(ctx context.Context, claimID uuid.UUID) (*domain.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{st: &s.state}).FindReleaseByClaimID(ctx, claimID)
}

func (s *Store) FindPayableByID(ctx context.Context, payableID uuid.UUID) (*domain.Payable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payable, ok := s.state.payables[payableID]
	if !ok {
		return nil, store.ErrPayableNotFound
	}
	return &payable, nil
}

func (s *Store) FindPayableByReleaseID(ctx context.Context, releaseID uuid.UUID) (*domain.Payable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{st: &s.state}).FindPayableByReleaseID(ctx, releaseID)
}

func (s *Store) ListPayables(ctx context.Context, opts domain.PayableListOptions) ([]domain.Payable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Payable, 0)
	for _, p := range s.state.payables {
		if opts.Status != nil && p.Status != *opts.Status {
			continue
		}
		if opts.NonprofitID != nil && p.NonprofitID != *opts.NonprofitID {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []domain.Payable{}, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *Store) ListExpiredReservationIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, 0)
	for _, c := range s.state.claims {
		if c.ReservationExpired(now) {
			ids = append(ids, c.ID)
		}
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// memTx operates on the live state while the Store mutex is held by RunInTx.
type memTx struct {
	st *state
}

func (t *memTx) LockPool(ctx context.Context, poolID uuid.UUID) (*domain.FundingPool, error) {
	pool, ok := t.st.pools[poolID]
	if !ok {
		return nil, store.ErrPoolNotFound
	}
	return &pool, nil
}

func (t *memTx) LockPartnerMatchPool(ctx context.Context, partnerID uuid.UUID, now time.Time) (*domain.FundingPool, error) {
	var candidates []domain.FundingPool
	for _, p := range t.st.pools {
		if p.CorporatePartnerID == nil || *p.CorporatePartnerID != partnerID {
			continue
		}
		if p.SourceType != domain.SourceTypeCorporatePartner || p.RemainingAmountCents <= 0 || !p.AvailableAt(now) {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil, store.ErrPoolNotFound
	}
	sortPools(candidates)
	return &candidates[0], nil
}

func (t *memTx) LockDonorPool(ctx context.Context, nonprofitID *uuid.UUID, now time.Time) (*domain.FundingPool, error) {
	var candidates []domain.FundingPool
	for _, p := range t.st.pools {
		if p.SourceType != domain.SourceTypeDonor || !p.IsActive {
			continue
		}
		if p.EndsAt != nil && !now.Before(*p.EndsAt) {
			continue
		}
		if nonprofitID != nil {
			if p.PoolType != domain.PoolTypeRestricted || p.NonprofitID == nil || *p.NonprofitID != *nonprofitID {
				continue
			}
		} else if p.PoolType != domain.PoolTypeUnrestricted || p.NonprofitID != nil {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil, store.ErrPoolNotFound
	}
	sortPools(candidates)
	return &candidates[0], nil
}

func sortPools(pools []domain.FundingPool) {
	sort.Slice(pools, func(i, j int) bool {
		if pools[i].CreatedAt.Equal(pools[j].CreatedAt) {
			return pools[i].ID.String() < pools[j].ID.String()
		}
		return pools[i].CreatedAt.Before(pools[j].CreatedAt)
	})
}

func (t *memTx) InsertPool(ctx context.Context, pool *domain.FundingPool) error {
	if pool.RemainingAmountCents < 0 || pool.RemainingAmountCents > pool.TotalAmountCents {
		return store.ErrRemainingOutOfBounds
	}
	t.st.pools[pool.ID] = *pool
	return nil
}

func (t *memTx) DebitPool(ctx context.Context, poolID uuid.UUID, amount int64) error {
	pool, ok := t.st.pools[poolID]
	if !ok || pool.RemainingAmountCents < amount {
		return store.ErrInsufficientFunds
	}
	pool.RemainingAmountCents -= amount
	t.st.pools[poolID] = pool
	return nil
}

func (t *memTx) CreditPool(ctx context.Context, poolID uuid.UUID, amount int64) (*domain.FundingPool, error) {
	pool, ok := t.st.pools[poolID]
	if !ok {
		return nil, store.ErrPoolNotFound
	}
	pool.TotalAmountCents += amount
	pool.RemainingAmountCents += amount
	t.st.pools[poolID] = pool
	return &pool, nil
}

func (t *memTx) InsertLedgerEntry(ctx context.Context, entry *domain.PoolLedgerEntry) error {
	t.st.ledger = append(t.st.ledger, *entry)
	return nil
}

func (t *memTx) InsertDonation(ctx context.Context, donation *domain.Donation) error {
	t.st.donations = append(t.st.donations, *donation)
	return nil
}

func (t *memTx) FindCorporatePartner(ctx context.Context, partnerID uuid.UUID) (*domain.CorporatePartner, error) {
	partner, ok := t.st.partners[partnerID]
	if !ok {
		return nil, store.ErrPartnerNotFound
	}
	return &partner, nil
}

func (t *memTx) LockChallenge(ctx context.Context, challengeID uuid.UUID) (*domain.Challenge, error) {
	challenge, ok := t.st.challenges[challengeID]
	if !ok {
		return nil, store.ErrChallengeNotFound
	}
	return &challenge, nil
}

func (t *memTx) LockClaim(ctx context.Context, claimID uuid.UUID) (*domain.Claim, error) {
	claim, ok := t.st.claims[claimID]
	if !ok {
		return nil, store.ErrClaimNotFound
	}
	return &claim, nil
}

func (t *memTx) HasActiveClaim(ctx context.Context, athleteID string) (bool, error) {
	for _, c := range t.st.claims {
		if c.AthleteID == athleteID && !c.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertClaim(ctx context.Context, claim *domain.Claim) error {
	if active, _ := t.HasActiveClaim(ctx, claim.AthleteID); active {
		return store.ErrActiveClaimExists
	}
	t.st.claims[claim.ID] = *claim
	return nil
}

func (t *memTx) TransitionClaim(ctx context.Context, claimID uuid.UUID, from domain.ClaimStatus, tr domain.ClaimTransition) (*domain.Claim, error) {
	claim, ok := t.st.claims[claimID]
	if !ok || claim.Status != from {
		return nil, store.ErrClaimStatusChanged
	}
	at := tr.At
	claim.Status = tr.To
	if tr.To != domain.ClaimStatusReserved {
		claim.ExpiresAt = nil
	}
	switch tr.To {
	case domain.ClaimStatusClaimed:
		claim.ClaimedAt = &at
	case domain.ClaimStatusSubmitted:
		claim.SubmittedAt = &at
	case domain.ClaimStatusApproved:
		claim.VerifiedAt = &at
	case domain.ClaimStatusRejected:
		claim.RejectedAt = &at
	case domain.ClaimStatusExpired, domain.ClaimStatusCancelled:
		claim.EndedAt = &at
	}
	if tr.ReviewerID != nil {
		claim.VerifiedBy = tr.ReviewerID
	}
	if tr.Reason != nil {
		claim.RejectionReason = tr.Reason
	}
	if tr.NonprofitID != nil {
		claim.NonprofitID = tr.NonprofitID
	}
	t.st.claims[claimID] = claim
	return &claim, nil
}

func (t *memTx) AdjustChallengeSlots(ctx context.Context, challengeID uuid.UUID, delta int) (*domain.Challenge, error) {
	challenge, ok := t.st.challenges[challengeID]
	if !ok || challenge.SlotsClaimed+delta > challenge.SlotsTotal {
		return nil, store.ErrChallengeFull
	}
	challenge.SlotsClaimed += delta
	if challenge.SlotsClaimed < 0 {
		challenge.SlotsClaimed = 0
	}
	if challenge.Status != domain.ChallengeStatusClosed {
		if challenge.SlotsClaimed >= challenge.SlotsTotal {
			challenge.Status = domain.ChallengeStatusFull
		} else {
			challenge.Status = domain.ChallengeStatusOpen
		}
	}
	t.st.challenges[challengeID] = challenge
	return &challenge, nil
}

func (t *memTx) UpsertVerification(ctx context.Context, v *domain.Verification) error {
	t.st.verifications[v.ClaimID] = *v
	return nil
}

func (t *memTx) FindReleaseByClaimID(ctx context.Context, claimID uuid.UUID) (*domain.Release, error) {
	for _, r := range t.st.releases {
		if r.ClaimID == claimID {
			release := r
			return &release, nil
		}
	}
	return nil, store.ErrReleaseNotFound
}

func (t *memTx) InsertRelease(ctx context.Context, release *domain.Release) (bool, error) {
	if _, err := t.FindReleaseByClaimID(ctx, release.ClaimID); err == nil {
		return false, nil
	}
	t.st.releases[release.ID] = *release
	return true, nil
}

func (t *memTx) FindPayableByReleaseID(ctx context.Context, releaseID uuid.UUID) (*domain.Payable, error) {
	for _, p := range t.st.payables {
		if p.ReleaseID == releaseID {
			payable := p
			return &payable, nil
		}
	}
	return nil, store.ErrPayableNotFound
}

func (t *memTx) InsertPayable(ctx context.Context, payable *domain.Payable) (bool, error) {
	if _, err := t.FindPayableByReleaseID(ctx, payable.ReleaseID); err == nil {
		return false, nil
	}
	t.st.payables[payable.ID] = *payable
	return true, nil
}

func (t *memTx) LockPayable(ctx context.Context, payableID uuid.UUID) (*domain.Payable, error) {
	payable, ok := t.st.payables[payableID]
	if !ok {
		return nil, store.ErrPayableNotFound
	}
	return &payable, nil
}

func (t *memTx) MarkPayablePaid(ctx context.Context, payableID uuid.UUID, reference string, paidAt time.Time) (*domain.Payable, error) {
	payable, ok := t.st.payables[payableID]
	if !ok || payable.Status != domain.PayableStatusQueued {
		return nil, store.ErrPayableNotFound
	}
	payable.Status = domain.PayableStatusPaid
	payable.PaidAt = &paidAt
	if reference != "" {
		ref := reference
		payable.PayoutReference = &ref
	}
	t.st.payables[payableID] = payable
	return &payable, nil
}
