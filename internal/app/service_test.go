package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/movefund/release-service/internal/domain"
	"github.com/movefund/release-service/internal/store/storetest"
	"github.com/shopspring/decimal"
)

var testNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) routingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.events))
	for _, e := range p.events {
		keys = append(keys, e.routingKey)
	}
	return keys
}

type testEnv struct {
	svc    *Service
	store  *storetest.Store
	events *recordingPublisher
	sleeps []time.Duration
	clock  time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{store: storetest.New(), events: &recordingPublisher{}, clock: testNow}
	env.svc = NewService(env.store, env.events, Options{})
	env.svc.now = func() time.Time { return env.clock }
	env.svc.sleep = func(ctx context.Context, d time.Duration) error {
		env.sleeps = append(env.sleeps, d)
		return nil
	}
	return env
}

func (e *testEnv) advance(d time.Duration) {
	e.clock = e.clock.Add(d)
}

func (e *testEnv) seedPool(poolType domain.PoolType, remaining int64, nonprofitID, partnerID *uuid.UUID) domain.FundingPool {
	source := domain.SourceTypeDonor
	if partnerID != nil {
		source = domain.SourceTypeCorporatePartner
	}
	pool := domain.FundingPool{
		ID:                   uuid.New(),
		PoolType:             poolType,
		SourceType:           source,
		SourceName:           "seed",
		NonprofitID:          nonprofitID,
		CorporatePartnerID:   partnerID,
		TotalAmountCents:     remaining,
		RemainingAmountCents: remaining,
		Currency:             "USD",
		IsActive:             true,
		CreatedAt:            testNow.Add(-time.Hour),
	}
	e.store.PutPool(pool)
	return pool
}

func (e *testEnv) seedPartner(active bool) domain.CorporatePartner {
	partner := domain.CorporatePartner{ID: uuid.New(), Name: "Acme Running Co", IsActive: active, CreatedAt: testNow}
	e.store.PutPartner(partner)
	return partner
}

func (e *testEnv) seedChallenge(pool domain.FundingPool, nonprofitID *uuid.UUID, amount int64, slots int) domain.Challenge {
	poolID := pool.ID
	challenge := domain.Challenge{
		ID:            uuid.New(),
		Title:         "5k for clean water",
		NonprofitID:   nonprofitID,
		FundingPoolID: &poolID,
		AmountCents:   amount,
		DistanceMiles: decimal.RequireFromString("3.1"),
		SlotsTotal:    slots,
		Status:        domain.ChallengeStatusOpen,
		CreatedAt:     testNow,
	}
	e.store.PutChallenge(challenge)
	return challenge
}

// seedApprovedClaim places an approved claim directly, as if the review already happened.
func (e *testEnv) seedApprovedClaim(challengeID uuid.UUID, amount int64, nonprofitID uuid.UUID) domain.Claim {
	verifiedAt := testNow
	claim := domain.Claim{
		ID:                  uuid.New(),
		AthleteID:           "user_" + uuid.NewString(),
		ChallengeID:         challengeID,
		Status:              domain.ClaimStatusApproved,
		AmountCentsSnapshot: amount,
		NonprofitID:         &nonprofitID,
		ReservedAt:          testNow.Add(-time.Hour),
		VerifiedAt:          &verifiedAt,
	}
	e.store.PutClaim(claim)
	return claim
}

func releaseRequest(claim domain.Claim, pool domain.FundingPool, nonprofitID uuid.UUID) domain.ReleaseRequest {
	return domain.ReleaseRequest{
		ClaimID:     claim.ID,
		ChallengeID: claim.ChallengeID,
		NonprofitID: nonprofitID,
		BasePoolID:  pool.ID,
		AmountCents: claim.AmountCentsSnapshot,
	}
}

func ratio(raw string) *decimal.Decimal {
	d := decimal.RequireFromString(raw)
	return &d
}

func ptrUUID(v uuid.UUID) *uuid.UUID {
	return &v
}
