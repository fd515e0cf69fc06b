package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/movefund/release-service/internal/app"
	"github.com/movefund/release-service/internal/domain"
	"github.com/movefund/release-service/internal/store"
	"github.com/movefund/release-service/internal/store/storetest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testInternalKey = "internal-test-key"
	testKid         = "test-kid"
)

var (
	signingKeyOnce sync.Once
	signingKey     *rsa.PrivateKey
)

func testSigningKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	signingKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		signingKey = key
	})
	return signingKey
}

type staticKeys struct {
	key *rsa.PublicKey
}

func (s staticKeys) PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if kid != testKid {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}
	return s.key, nil
}

type apiEnv struct {
	store   *storetest.Store
	handler http.Handler
	key     *rsa.PrivateKey
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	key := testSigningKey(t)
	st := storetest.New()
	svc := app.NewService(st, nil, app.Options{})
	return &apiEnv{
		store:   st,
		handler: NewRouter(NewHandlers(svc), staticKeys{key: &key.PublicKey}, testInternalKey),
		key:     key,
	}
}

func (e *apiEnv) token(t *testing.T, athleteID string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": athleteID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = testKid
	signed, err := tok.SignedString(e.key)
	require.NoError(t, err)
	return signed
}

func (e *apiEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *apiEnv) internal(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{"X-Internal-API-Key": testInternalKey})
}

func (e *apiEnv) athlete(t *testing.T, athleteID, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, nil, map[string]string{"Authorization": "Bearer " + e.token(t, athleteID)})
}

func (e *apiEnv) seedPool(remaining int64, nonprofitID *uuid.UUID) domain.FundingPool {
	poolType := domain.PoolTypeUnrestricted
	if nonprofitID != nil {
		poolType = domain.PoolTypeRestricted
	}
	pool := domain.FundingPool{
		ID:                   uuid.New(),
		PoolType:             poolType,
		SourceType:           domain.SourceTypeDonor,
		SourceName:           "seed",
		NonprofitID:          nonprofitID,
		TotalAmountCents:     remaining,
		RemainingAmountCents: remaining,
		Currency:             "USD",
		IsActive:             true,
	}
	e.store.PutPool(pool)
	return pool
}

func (e *apiEnv) seedChallenge(pool domain.FundingPool, nonprofitID *uuid.UUID, amount int64) domain.Challenge {
	poolID := pool.ID
	challenge := domain.Challenge{
		ID:            uuid.New(),
		Title:         "10k for trails",
		NonprofitID:   nonprofitID,
		FundingPoolID: &poolID,
		AmountCents:   amount,
		DistanceMiles: decimal.RequireFromString("6.2"),
		SlotsTotal:    5,
		Status:        domain.ChallengeStatusOpen,
		CreatedAt:     time.Now().Add(-time.Hour),
	}
	e.store.PutChallenge(challenge)
	return challenge
}

func (e *apiEnv) seedApprovedClaim(challenge domain.Challenge, nonprofitID uuid.UUID) domain.Claim {
	claim := domain.Claim{
		ID:                  uuid.New(),
		AthleteID:           "user_" + uuid.NewString()[:8],
		ChallengeID:         challenge.ID,
		Status:              domain.ClaimStatusApproved,
		AmountCentsSnapshot: challenge.AmountCents,
		NonprofitID:         &nonprofitID,
		ReservedAt:          time.Now().Add(-time.Hour),
	}
	e.store.PutClaim(claim)
	return claim
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(dst), "body: %s", rec.Body.String())
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", rec.Body.String())
}

func TestInternalRoutesRequireKey(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/internal/payables", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/internal/payables", nil, map[string]string{"X-Internal-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.internal(t, http.MethodGet, "/v1/internal/payables", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAthleteRoutesRequireToken(t *testing.T) {
	env := newAPIEnv(t)
	path := "/v1/challenges/" + uuid.NewString() + "/reserve"

	rec := env.do(t, http.MethodPost, path, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, path, nil, map[string]string{"Authorization": "Token abc"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	forged := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "user_1", "exp": time.Now().Add(time.Hour).Unix()})
	forged.Header["kid"] = testKid
	signed, err := forged.SignedString(other)
	require.NoError(t, err)
	rec = env.do(t, http.MethodPost, path, nil, map[string]string{"Authorization": "Bearer " + signed})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateRelease_FreshThenDuplicate(t *testing.T) {
	env := newAPIEnv(t)
	nonprofit := uuid.New()
	pool := env.seedPool(10000, &nonprofit)
	challenge := env.seedChallenge(pool, &nonprofit, 2500)
	claim := env.seedApprovedClaim(challenge, nonprofit)

	body := domain.ReleaseRequest{
		ClaimID:     claim.ID,
		ChallengeID: challenge.ID,
		NonprofitID: nonprofit,
		BasePoolID:  pool.ID,
		AmountCents: 2500,
	}

	rec := env.internal(t, http.MethodPost, "/v1/internal/releases", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var first domain.ReleaseResult
	decodeBody(t, rec, &first)
	assert.True(t, first.OK)
	assert.False(t, first.Duplicate)
	assert.Equal(t, int64(2500), first.BaseAmountDebited)
	assert.Zero(t, first.MatchedAmountDebited)

	rec = env.internal(t, http.MethodPost, "/v1/internal/releases", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var second domain.ReleaseResult
	decodeBody(t, rec, &second)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ReleaseID, second.ReleaseID)
	assert.Equal(t, first.PayableID, second.PayableID)

	assert.Equal(t, int64(7500), env.store.Pool(pool.ID).RemainingAmountCents)

	rec = env.internal(t, http.MethodGet, "/v1/internal/releases/"+claim.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Release domain.Release `json:"release"`
		Payable domain.Payable `json:"payable"`
	}
	decodeBody(t, rec, &got)
	assert.Equal(t, first.ReleaseID, got.Release.ID)
	assert.Equal(t, int64(2500), got.Payable.TotalCents)
	assert.Equal(t, domain.PayableStatusQueued, got.Payable.Status)
}

func TestCreateRelease_ErrorStatuses(t *testing.T) {
	env := newAPIEnv(t)
	nonprofit := uuid.New()
	small := env.seedPool(1000, &nonprofit)
	challenge := env.seedChallenge(small, &nonprofit, 2500)
	claim := env.seedApprovedClaim(challenge, nonprofit)

	tests := []struct {
		name   string
		body   interface{}
		status int
	}{
		{
			name: "insufficient base funds",
			body: domain.ReleaseRequest{
				ClaimID: claim.ID, ChallengeID: challenge.ID, NonprofitID: nonprofit,
				BasePoolID: small.ID, AmountCents: 2500,
			},
			status: http.StatusUnprocessableEntity,
		},
		{
			name: "unknown pool",
			body: domain.ReleaseRequest{
				ClaimID: claim.ID, ChallengeID: challenge.ID, NonprofitID: nonprofit,
				BasePoolID: uuid.New(), AmountCents: 2500,
			},
			status: http.StatusNotFound,
		},
		{
			name: "unknown claim",
			body: domain.ReleaseRequest{
				ClaimID: uuid.New(), ChallengeID: challenge.ID, NonprofitID: nonprofit,
				BasePoolID: small.ID, AmountCents: 2500,
			},
			status: http.StatusNotFound,
		},
		{
			name: "missing amount",
			body: domain.ReleaseRequest{
				ClaimID: claim.ID, ChallengeID: challenge.ID, NonprofitID: nonprofit, BasePoolID: small.ID,
			},
			status: http.StatusBadRequest,
		},
		{
			name:   "malformed body",
			body:   "{not json",
			status: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.internal(t, http.MethodPost, "/v1/internal/releases", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	assert.Equal(t, int64(1000), env.store.Pool(small.ID).RemainingAmountCents)
	assert.Empty(t, env.store.Releases())
}

func TestAthleteFlowThroughApproval(t *testing.T) {
	env := newAPIEnv(t)
	nonprofit := uuid.New()
	pool := env.seedPool(10000, &nonprofit)
	challenge := env.seedChallenge(pool, &nonprofit, 2500)
	athlete := "user_flow"

	rec := env.athlete(t, athlete, http.MethodPost, "/v1/challenges/"+challenge.ID.String()+"/reserve")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var claim domain.Claim
	decodeBody(t, rec, &claim)
	assert.Equal(t, domain.ClaimStatusReserved, claim.Status)
	assert.Equal(t, athlete, claim.AthleteID)

	rec = env.athlete(t, athlete, http.MethodPost, "/v1/challenges/"+challenge.ID.String()+"/reserve")
	assert.Equal(t, http.StatusConflict, rec.Code, "second active claim")

	rec = env.athlete(t, "user_other", http.MethodPost, "/v1/claims/"+claim.ID.String()+"/confirm")
	assert.Equal(t, http.StatusNotFound, rec.Code, "claims of other athletes are hidden")

	rec = env.athlete(t, athlete, http.MethodPost, "/v1/claims/"+claim.ID.String()+"/confirm")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.athlete(t, athlete, http.MethodPost, "/v1/claims/"+claim.ID.String()+"/submit")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.internal(t, http.MethodPost, "/v1/internal/claims/"+claim.ID.String()+"/approve", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reviewer is required")

	rec = env.internal(t, http.MethodPost, "/v1/internal/claims/"+claim.ID.String()+"/approve", domain.ApproveClaimRequest{ReviewerID: "rev_1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var approval domain.ApprovalResult
	decodeBody(t, rec, &approval)
	assert.Equal(t, domain.ClaimStatusApproved, approval.Claim.Status)
	assert.Equal(t, int64(2500), approval.Release.BaseAmountDebited)

	rec = env.athlete(t, athlete, http.MethodPost, "/v1/claims/"+claim.ID.String()+"/cancel")
	assert.Equal(t, http.StatusConflict, rec.Code, "approved claims cannot be cancelled")

	assert.Equal(t, int64(7500), env.store.Pool(pool.ID).RemainingAmountCents)
}

func TestAdminClaimTransitions(t *testing.T) {
	env := newAPIEnv(t)
	nonprofit := uuid.New()
	pool := env.seedPool(10000, &nonprofit)
	challenge := env.seedChallenge(pool, &nonprofit, 2500)

	rec := env.athlete(t, "user_a", http.MethodPost, "/v1/challenges/"+challenge.ID.String()+"/reserve")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var claim domain.Claim
	decodeBody(t, rec, &claim)

	rec = env.internal(t, http.MethodPost, "/v1/internal/claims/"+claim.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var cancelled domain.Claim
	decodeBody(t, rec, &cancelled)
	assert.Equal(t, domain.ClaimStatusCancelled, cancelled.Status)

	rec = env.internal(t, http.MethodPost, "/v1/internal/claims/"+claim.ID.String()+"/expire", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.internal(t, http.MethodPost, "/v1/internal/claims/not-a-uuid/expire", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.internal(t, http.MethodPost, "/v1/internal/claims/"+uuid.NewString()+"/reject", domain.RejectClaimRequest{ReviewerID: "rev", Reason: "gps gap"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPoolRoutes(t *testing.T) {
	env := newAPIEnv(t)
	nonprofit := uuid.New()

	rec := env.internal(t, http.MethodPost, "/v1/internal/pools", domain.CreatePoolRequest{
		PoolType:           domain.PoolTypeRestricted,
		SourceName:         "Spring drive",
		NonprofitID:        &nonprofit,
		InitialAmountCents: 5000,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var pool domain.FundingPool
	decodeBody(t, rec, &pool)
	assert.Equal(t, int64(5000), pool.RemainingAmountCents)

	rec = env.internal(t, http.MethodPost, "/v1/internal/pools/"+pool.ID.String()+"/topup", domain.TopUpRequest{AmountCents: 2500})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.internal(t, http.MethodPost, "/v1/internal/pools/"+pool.ID.String()+"/topup", domain.TopUpRequest{AmountCents: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.internal(t, http.MethodGet, "/v1/internal/pools/"+pool.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary domain.PoolSummary
	decodeBody(t, rec, &summary)
	assert.Equal(t, int64(7500), summary.Pool.RemainingAmountCents)
	assert.Equal(t, int64(7500), summary.Ledger.ToppedUpCents)

	rec = env.internal(t, http.MethodGet, "/v1/internal/pools/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.internal(t, http.MethodPost, "/v1/internal/donations", domain.DonationRequest{
		NonprofitID: &nonprofit, DonorName: "Jo", AmountCents: 1200,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Len(t, env.store.Donations(), 1)

	rec = env.internal(t, http.MethodPost, "/v1/internal/partners/"+uuid.NewString()+"/funding", domain.PartnerFundingRequest{AmountCents: 1000})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPayableRoutes(t *testing.T) {
	env := newAPIEnv(t)
	nonprofit := uuid.New()
	pool := env.seedPool(10000, &nonprofit)
	challenge := env.seedChallenge(pool, &nonprofit, 2500)
	claim := env.seedApprovedClaim(challenge, nonprofit)

	rec := env.internal(t, http.MethodPost, "/v1/internal/releases", domain.ReleaseRequest{
		ClaimID: claim.ID, ChallengeID: challenge.ID, NonprofitID: nonprofit, BasePoolID: pool.ID, AmountCents: 2500,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var result domain.ReleaseResult
	decodeBody(t, rec, &result)

	rec = env.internal(t, http.MethodGet, "/v1/internal/payables?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.internal(t, http.MethodGet, "/v1/internal/payables?limit=ten", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.internal(t, http.MethodGet, "/v1/internal/payables?status=queued&nonprofit_id="+nonprofit.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Payables []domain.Payable `json:"payables"`
	}
	decodeBody(t, rec, &listed)
	require.Len(t, listed.Payables, 1)
	assert.Equal(t, result.PayableID, listed.Payables[0].ID)

	rec = env.internal(t, http.MethodGet, "/v1/internal/payables/"+result.PayableID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var fetched domain.Payable
	decodeBody(t, rec, &fetched)
	assert.Equal(t, result.ReleaseID, fetched.ReleaseID)
	assert.Equal(t, int64(2500), fetched.TotalCents)
	assert.Equal(t, domain.PayableStatusQueued, fetched.Status)

	rec = env.internal(t, http.MethodGet, "/v1/internal/payables/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.internal(t, http.MethodGet, "/v1/internal/payables/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.internal(t, http.MethodPost, "/v1/internal/payables/"+result.PayableID.String()+"/paid", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var paid domain.Payable
	decodeBody(t, rec, &paid)
	assert.Equal(t, domain.PayableStatusPaid, paid.Status)
	assert.NotNil(t, paid.PaidAt)

	rec = env.internal(t, http.MethodGet, "/v1/internal/payables?status=queued", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &listed)
	assert.Empty(t, listed.Payables)

	rec = env.internal(t, http.MethodPost, "/v1/internal/payables/"+uuid.NewString()+"/paid", domain.MarkPayablePaidRequest{PayoutReference: "po_1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "insufficient", err: fmt.Errorf("wrap: %w", app.ErrInsufficientBaseFunds), status: http.StatusUnprocessableEntity},
		{name: "pool inactive", err: app.ErrPoolInactive, status: http.StatusUnprocessableEntity},
		{name: "payable missing", err: store.ErrPayableNotFound, status: http.StatusNotFound},
		{name: "transition", err: app.ErrInvalidClaimTransition, status: http.StatusConflict},
		{name: "expired", err: app.ErrReservationExpired, status: http.StatusGone},
		{name: "partner mismatch", err: app.ErrPartnerPoolMismatch, status: http.StatusBadRequest},
		{name: "conflict exhausted", err: store.ErrTransactionConflict, status: http.StatusServiceUnavailable},
		{name: "rate limited", err: &app.RateLimitError{Scope: "reserve", RetryAfterSeconds: 12}, status: http.StatusTooManyRequests},
		{name: "unknown", err: errors.New("pq: connection reset"), status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := statusForError(tt.err)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestWriteServiceError_RateLimitAndInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	writeServiceError(rec, "reserve_challenge", fmt.Errorf("reserve: %w", &app.RateLimitError{Scope: "reserve", RetryAfterSeconds: 42}))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	writeServiceError(rec, "list_payables", errors.New("dial tcp 10.0.0.3:5432: connection refused"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.3")
}
