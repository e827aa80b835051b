package copytrade

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copytrader/internal/domain"
)

func TestLeaseManager_AcquireSucceedsOnDetectedRecord(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := newFakeTradeRecordStore(domain.TradeRecord{ID: "t1", State: domain.TradeStateDetected})
	lm := NewLeaseManager(store, time.Minute)

	rec, ok, err := lm.Acquire(context.Background(), "t1", now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.TradeStateClaimed, rec.State)
	require.NotNil(t, rec.ClaimedBy)
	assert.Equal(t, lm.WorkerID(), *rec.ClaimedBy)
}

func TestLeaseManager_AcquireFailsWhenAlreadyClaimed(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := newFakeTradeRecordStore(domain.TradeRecord{ID: "t1", State: domain.TradeStateDetected})
	lm1 := NewLeaseManager(store, time.Minute)
	lm2 := NewLeaseManager(store, time.Minute)

	_, ok1, err1 := lm1.Acquire(context.Background(), "t1", now)
	require.NoError(t, err1)
	require.True(t, ok1)

	_, ok2, err2 := lm2.Acquire(context.Background(), "t1", now)
	require.NoError(t, err2)
	assert.False(t, ok2)
}

func TestLeaseManager_AcquireSucceedsAfterLeaseExpires(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	store := newFakeTradeRecordStore(domain.TradeRecord{ID: "t1", State: domain.TradeStateDetected})
	lm1 := NewLeaseManager(store, time.Minute)
	lm2 := NewLeaseManager(store, time.Minute)

	_, ok1, err1 := lm1.Acquire(context.Background(), "t1", start)
	require.NoError(t, err1)
	require.True(t, ok1)

	later := start.Add(2 * time.Minute)
	_, ok2, err2 := lm2.Acquire(context.Background(), "t1", later)
	require.NoError(t, err2)
	assert.True(t, ok2)
}

func TestLeaseManager_ExtendFailsForNonHolder(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := newFakeTradeRecordStore(domain.TradeRecord{ID: "t1", State: domain.TradeStateDetected})
	lm1 := NewLeaseManager(store, time.Minute)
	lm2 := NewLeaseManager(store, time.Minute)

	_, ok, err := lm1.Acquire(context.Background(), "t1", now)
	require.NoError(t, err)
	require.True(t, ok)

	err = lm2.Extend(context.Background(), "t1", now)
	assert.Error(t, err)
}

func TestLeaseManager_ReleaseTransitionsStateAndClearsLease(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := newFakeTradeRecordStore(domain.TradeRecord{ID: "t1", State: domain.TradeStateDetected})
	lm := NewLeaseManager(store, time.Minute)

	_, ok, err := lm.Acquire(context.Background(), "t1", now)
	require.NoError(t, err)
	require.True(t, ok)

	err = lm.Release(context.Background(), "t1", domain.TradeStateExecuted, domain.TradeUpdateFields{
		ActualTokens: 12,
	})
	require.NoError(t, err)

	rec := store.get("t1")
	assert.Equal(t, domain.TradeStateExecuted, rec.State)
	assert.Nil(t, rec.ClaimedBy)
	assert.Nil(t, rec.LeaseExpiresAt)
	assert.Equal(t, 12.0, rec.ActualTokens)
}

func TestLeaseManager_ReleaseFailsAfterLeaseStolen(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	store := newFakeTradeRecordStore(domain.TradeRecord{ID: "t1", State: domain.TradeStateDetected})
	lm1 := NewLeaseManager(store, time.Minute)
	lm2 := NewLeaseManager(store, time.Minute)

	_, ok, err := lm1.Acquire(context.Background(), "t1", start)
	require.NoError(t, err)
	require.True(t, ok)

	later := start.Add(2 * time.Minute)
	_, ok, err = lm2.Acquire(context.Background(), "t1", later)
	require.NoError(t, err)
	require.True(t, ok)

	err = lm1.Release(context.Background(), "t1", domain.TradeStateExecuted, domain.TradeUpdateFields{})
	assert.Error(t, err)
}

func TestLeaseManager_ClearExpiredResetsToDetected(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	store := newFakeTradeRecordStore(domain.TradeRecord{ID: "t1", State: domain.TradeStateDetected})
	lm := NewLeaseManager(store, time.Minute)

	_, ok, err := lm.Acquire(context.Background(), "t1", start)
	require.NoError(t, err)
	require.True(t, ok)

	later := start.Add(5 * time.Minute)
	n, err := lm.ClearExpired(context.Background(), later)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rec := store.get("t1")
	assert.Equal(t, domain.TradeStateDetected, rec.State)
	assert.Nil(t, rec.ClaimedBy)
}

func TestLeaseManager_ClearExpiredLeavesExecutingUntouched(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	worker := "some-worker"
	expired := start.Add(-time.Minute)
	store := newFakeTradeRecordStore(domain.TradeRecord{
		ID:             "t1",
		State:          domain.TradeStateExecuting,
		ClaimedBy:      &worker,
		LeaseExpiresAt: &expired,
	})
	lm := NewLeaseManager(store, time.Minute)

	n, err := lm.ClearExpired(context.Background(), start)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	rec := store.get("t1")
	assert.Equal(t, domain.TradeStateExecuting, rec.State)
}

func TestLeaseManager_StuckExecutingFindsExpiredOnly(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	worker := "some-worker"
	expired := now.Add(-time.Minute)
	stillGood := now.Add(time.Minute)

	store := newFakeTradeRecordStore(
		domain.TradeRecord{ID: "stuck", State: domain.TradeStateExecuting, ClaimedBy: &worker, LeaseExpiresAt: &expired},
		domain.TradeRecord{ID: "fine", State: domain.TradeStateExecuting, ClaimedBy: &worker, LeaseExpiresAt: &stillGood},
	)
	lm := NewLeaseManager(store, time.Minute)

	stuck, err := lm.StuckExecuting(context.Background(), now, domain.ListOpts{Limit: 100})
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "stuck", stuck[0].ID)
}
