package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/movefund/release-service/internal/domain"
	"github.com/movefund/release-service/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func releaseOne(t *testing.T, env *testEnv) *domain.ReleaseResult {
	t.Helper()
	nonprofit := uuid.New()
	pool := env.seedPool(domain.PoolTypeRestricted, 10000, &nonprofit, nil)
	challenge := env.seedChallenge(pool, &nonprofit, 2500, 5)
	claim := env.seedApprovedClaim(challenge.ID, 2500, nonprofit)
	result, err := env.svc.CreateReleaseAndDebitPools(context.Background(), releaseRequest(claim, pool, nonprofit))
	require.NoError(t, err)
	return result
}

func TestMarkPayablePaid_IsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	result := releaseOne(t, env)
	paidAt := testNow.Add(2 * time.Hour)

	paid, err := env.svc.MarkPayablePaid(context.Background(), result.PayableID, domain.MarkPayablePaidRequest{PayoutReference: "po_123", PaidAt: &paidAt})
	require.NoError(t, err)
	assert.Equal(t, domain.PayableStatusPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)
	assert.Equal(t, paidAt, *paid.PaidAt)
	require.NotNil(t, paid.PayoutReference)
	assert.Equal(t, "po_123", *paid.PayoutReference)
	assert.Equal(t, int64(2500), paid.TotalCents)

	again, err := env.svc.MarkPayablePaid(context.Background(), result.PayableID, domain.MarkPayablePaidRequest{PayoutReference: "po_other"})
	require.NoError(t, err)
	assert.Equal(t, "po_123", *again.PayoutReference, "second mark keeps the first payout")
	assert.Equal(t, paidAt, *again.PaidAt)

	_, err = env.svc.MarkPayablePaid(context.Background(), uuid.New(), domain.MarkPayablePaidRequest{})
	require.ErrorIs(t, err, store.ErrPayableNotFound)
}

func TestMarkReleasePayablePaid(t *testing.T) {
	env := newTestEnv(t)
	result := releaseOne(t, env)

	paid, err := env.svc.MarkReleasePayablePaid(context.Background(), result.ReleaseID, domain.MarkPayablePaidRequest{})
	require.NoError(t, err)
	assert.Equal(t, result.PayableID, paid.ID)
	assert.Equal(t, testNow, *paid.PaidAt)
	assert.Nil(t, paid.PayoutReference)
}

func TestListPayables(t *testing.T) {
	env := newTestEnv(t)
	first := releaseOne(t, env)
	releaseOne(t, env)
	_, err := env.svc.MarkPayablePaid(context.Background(), first.PayableID, domain.MarkPayablePaidRequest{})
	require.NoError(t, err)

	all, err := env.svc.ListPayables(context.Background(), domain.PayableListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	queued := domain.PayableStatusQueued
	pending, err := env.svc.ListPayables(context.Background(), domain.PayableListOptions{Status: &queued})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.NotEqual(t, first.PayableID, pending[0].ID)

	none, err := env.svc.ListPayables(context.Background(), domain.PayableListOptions{Offset: 10})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestPayoutConsumer_HandleMessage(t *testing.T) {
	env := newTestEnv(t)
	result := releaseOne(t, env)
	consumer := NewPayoutConsumer(env.svc)

	body, err := json.Marshal(domain.PayablePaidEvent{EventID: "evt_1", ReleaseID: &result.ReleaseID, PayoutReference: "po_9"})
	require.NoError(t, err)
	assert.True(t, consumer.HandleMessage(body))

	payable, err := env.svc.GetPayable(context.Background(), result.PayableID)
	require.NoError(t, err)
	assert.Equal(t, domain.PayableStatusPaid, payable.Status)
	assert.Equal(t, "po_9", *payable.PayoutReference)

	assert.True(t, consumer.HandleMessage(body), "replays are acknowledged")
}

func TestPayoutConsumer_AcknowledgesUnusableMessages(t *testing.T) {
	env := newTestEnv(t)
	consumer := NewPayoutConsumer(env.svc)
	unknown := uuid.New()

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: "{"},
		{name: "no identifiers", body: `{"event_id":"evt_2"}`},
		{name: "unknown payable", body: `{"event_id":"evt_3","payable_id":"` + unknown.String() + `"}`},
		{name: "unknown release", body: `{"event_id":"evt_4","release_id":"` + unknown.String() + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, consumer.HandleMessage([]byte(tt.body)))
		})
	}
}

func TestPayoutConsumer_RequeuesTransientFailures(t *testing.T) {
	env := newTestEnv(t)
	result := releaseOne(t, env)
	env.store.InjectConflicts(DefaultMaxTxAttempts)
	consumer := NewPayoutConsumer(env.svc)

	body, err := json.Marshal(domain.PayablePaidEvent{PayableID: &result.PayableID})
	require.NoError(t, err)
	assert.False(t, consumer.HandleMessage(body))

	payable, err := env.svc.GetPayable(context.Background(), result.PayableID)
	require.NoError(t, err)
	assert.Equal(t, domain.PayableStatusQueued, payable.Status)
}
