package domain

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestDesiredMatch(t *testing.T) {
	tests := []struct {
		name   string
		amount int64
		ratio  string
		want   int64
	}{
		{name: "one to one", amount: 2500, ratio: "1.0", want: 2500},
		{name: "half", amount: 2500, ratio: "0.5", want: 1250},
		{name: "rounds half up", amount: 5, ratio: "0.5", want: 3},
		{name: "rounds below half down", amount: 3, ratio: "0.333", want: 1},
		{name: "one third of 100", amount: 100, ratio: "0.3333333", want: 33},
		{name: "over one", amount: 1001, ratio: "1.5", want: 1502},
		{name: "zero ratio", amount: 2500, ratio: "0", want: 0},
		{name: "negative ratio ignored", amount: 2500, ratio: "-1", want: 0},
		{name: "zero amount", amount: 0, ratio: "2", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DesiredMatch(tt.amount, decimal.RequireFromString(tt.ratio)))
		})
	}
}

func TestDesiredMatch_ClampsOverflow(t *testing.T) {
	assert.Equal(t, int64(math.MaxInt64), DesiredMatch(math.MaxInt64/2+1, decimal.RequireFromString("2.5")))
}

func TestReleaseFitsCents(t *testing.T) {
	tests := []struct {
		name   string
		amount int64
		ratio  string
		want   bool
	}{
		{name: "ordinary", amount: 2500, ratio: "1.0", want: true},
		{name: "no match", amount: math.MaxInt64, ratio: "0", want: true},
		{name: "exactly max", amount: math.MaxInt64 / 2, ratio: "1", want: true},
		{name: "total overflows", amount: math.MaxInt64/2 + 1, ratio: "1", want: false},
		{name: "match overflows", amount: math.MaxInt64/2 + 1, ratio: "2.5", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReleaseFitsCents(tt.amount, decimal.RequireFromString(tt.ratio)))
		})
	}
}

func TestReleaseRequestWantsMatch(t *testing.T) {
	partner := uuid.New()
	one := decimal.NewFromInt(1)
	zero := decimal.Zero

	assert.False(t, ReleaseRequest{}.WantsMatch())
	assert.False(t, ReleaseRequest{CorporatePartnerID: &partner}.WantsMatch())
	assert.False(t, ReleaseRequest{MatchRatio: &one}.WantsMatch())
	assert.False(t, ReleaseRequest{CorporatePartnerID: &partner, MatchRatio: &zero}.WantsMatch())
	assert.True(t, ReleaseRequest{CorporatePartnerID: &partner, MatchRatio: &one}.WantsMatch())
}

func TestNewPayableFromRelease(t *testing.T) {
	release := Release{ID: uuid.New(), NonprofitID: uuid.New(), AmountCents: 2500, MatchedAmountCents: 1000}
	now := time.Now()

	payable := NewPayableFromRelease(release, now)

	assert.Equal(t, release.ID, payable.ReleaseID)
	assert.Equal(t, release.NonprofitID, payable.NonprofitID)
	assert.Equal(t, int64(3500), payable.TotalCents)
	assert.Equal(t, PayableStatusQueued, payable.Status)
	assert.Nil(t, payable.PaidAt)
}

func TestReleaseResultMatchShortfall(t *testing.T) {
	assert.Equal(t, int64(1500), ReleaseResult{DesiredMatchCents: 2500, MatchedAmountDebited: 1000}.MatchShortfall())
	assert.Equal(t, int64(0), ReleaseResult{DesiredMatchCents: 0, MatchedAmountDebited: 0}.MatchShortfall())
}

func TestClaimTransitions(t *testing.T) {
	allowed := []struct{ from, to ClaimStatus }{
		{ClaimStatusReserved, ClaimStatusClaimed},
		{ClaimStatusReserved, ClaimStatusExpired},
		{ClaimStatusReserved, ClaimStatusCancelled},
		{ClaimStatusClaimed, ClaimStatusSubmitted},
		{ClaimStatusClaimed, ClaimStatusRejected},
		{ClaimStatusSubmitted, ClaimStatusApproved},
		{ClaimStatusSubmitted, ClaimStatusRejected},
		{ClaimStatusSubmitted, ClaimStatusExpired},
		{ClaimStatusSubmitted, ClaimStatusCancelled},
	}
	for _, tr := range allowed {
		assert.Truef(t, CanTransition(tr.from, tr.to), "%s -> %s should be allowed", tr.from, tr.to)
	}

	denied := []struct{ from, to ClaimStatus }{
		{ClaimStatusReserved, ClaimStatusApproved},
		{ClaimStatusReserved, ClaimStatusSubmitted},
		{ClaimStatusClaimed, ClaimStatusApproved},
		{ClaimStatusApproved, ClaimStatusRejected},
		{ClaimStatusApproved, ClaimStatusApproved},
		{ClaimStatusExpired, ClaimStatusClaimed},
		{ClaimStatusCancelled, ClaimStatusReserved},
		{ClaimStatusRejected, ClaimStatusSubmitted},
	}
	for _, tr := range denied {
		assert.Falsef(t, CanTransition(tr.from, tr.to), "%s -> %s should be denied", tr.from, tr.to)
	}

	for _, s := range []ClaimStatus{ClaimStatusApproved, ClaimStatusRejected, ClaimStatusExpired, ClaimStatusCancelled} {
		assert.True(t, s.IsTerminal(), string(s))
	}
	for _, s := range ActiveClaimStatuses {
		assert.False(t, s.IsTerminal(), string(s))
	}
}

func TestClaimReservationExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	future := now.Add(time.Minute)

	assert.True(t, Claim{Status: ClaimStatusReserved, ExpiresAt: &past}.ReservationExpired(now))
	assert.True(t, Claim{Status: ClaimStatusReserved, ExpiresAt: &now}.ReservationExpired(now))
	assert.False(t, Claim{Status: ClaimStatusReserved, ExpiresAt: &future}.ReservationExpired(now))
	assert.False(t, Claim{Status: ClaimStatusClaimed, ExpiresAt: &past}.ReservationExpired(now))
}

func TestFundingPoolAvailableAt(t *testing.T) {
	now := time.Now()
	before := now.Add(-time.Hour)
	after := now.Add(time.Hour)

	assert.True(t, FundingPool{IsActive: true}.AvailableAt(now))
	assert.False(t, FundingPool{IsActive: false}.AvailableAt(now))
	assert.False(t, FundingPool{IsActive: true, StartsAt: &after}.AvailableAt(now))
	assert.False(t, FundingPool{IsActive: true, EndsAt: &before}.AvailableAt(now))
	assert.True(t, FundingPool{IsActive: true, StartsAt: &before, EndsAt: &after}.AvailableAt(now))
}
