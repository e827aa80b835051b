package copytrade

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copytrader/internal/domain"
)

type fakePositionFeed struct {
	positions []FollowerPositionSnapshot
	err       error
}

func (f *fakePositionFeed) GetPositions(ctx context.Context, wallet string) ([]FollowerPositionSnapshot, error) {
	return f.positions, f.err
}

type fakeReconciliationStore struct {
	mu      sync.Mutex
	results []domain.ReconciliationResult
}

func (s *fakeReconciliationStore) Insert(ctx context.Context, res domain.ReconciliationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
	return nil
}

func (s *fakeReconciliationStore) ListRecent(ctx context.Context, limit int) ([]domain.ReconciliationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results, nil
}

func (s *fakeReconciliationStore) ListBySeverity(ctx context.Context, sev domain.Severity, opts domain.ListOpts) ([]domain.ReconciliationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ReconciliationResult
	for _, r := range s.results {
		if r.Severity == sev {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestReconciler_MatchingPositionIsInfoAndMarksReconciled(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	trades := newFakeTradeRecordStore(
		domain.TradeRecord{ID: "b1", TokenID: "tok1", Side: domain.TradeSideBuy, State: domain.TradeStateExecuted, ActualTokens: 10},
	)
	feed := &fakePositionFeed{positions: []FollowerPositionSnapshot{{TokenID: "tok1", Size: 10}}}
	store := &fakeReconciliationStore{}
	r := NewReconciler(trades, feed, store, "0xfollower", 5, 20, nil)

	results, err := r.Run(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, domain.SeverityInfo, results[0].Severity)
	assert.True(t, results[0].Matched)
	assert.False(t, results[0].Unknown)

	final := trades.get("b1")
	assert.Equal(t, domain.TradeStateReconciled, final.State)
}

func TestReconciler_DriftBeyondCriticalThreshold(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	trades := newFakeTradeRecordStore(
		domain.TradeRecord{ID: "b1", TokenID: "tok1", Side: domain.TradeSideBuy, State: domain.TradeStateExecuted, ActualTokens: 100},
	)
	feed := &fakePositionFeed{positions: []FollowerPositionSnapshot{{TokenID: "tok1", Size: 50}}}
	store := &fakeReconciliationStore{}
	r := NewReconciler(trades, feed, store, "0xfollower", 5, 20, nil)

	results, err := r.Run(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, domain.SeverityCritical, results[0].Severity)
	assert.False(t, results[0].Matched)
	assert.InDelta(t, -50.0, results[0].Diff, 0.001)

	final := trades.get("b1")
	assert.Equal(t, domain.TradeStateExecuted, final.State) // not reconciled, didn't match
}

func TestReconciler_DriftWithinWarningBand(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	trades := newFakeTradeRecordStore(
		domain.TradeRecord{ID: "b1", TokenID: "tok1", Side: domain.TradeSideBuy, State: domain.TradeStateExecuted, ActualTokens: 100},
	)
	feed := &fakePositionFeed{positions: []FollowerPositionSnapshot{{TokenID: "tok1", Size: 90}}}
	store := &fakeReconciliationStore{}
	r := NewReconciler(trades, feed, store, "0xfollower", 5, 20, nil)

	results, err := r.Run(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, domain.SeverityWarning, results[0].Severity)
	assert.False(t, results[0].Matched)
}

func TestReconciler_UnknownPositionHasNoExpectedEntry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	trades := newFakeTradeRecordStore()
	feed := &fakePositionFeed{positions: []FollowerPositionSnapshot{{TokenID: "tok-mystery", Size: 30}}}
	store := &fakeReconciliationStore{}
	r := NewReconciler(trades, feed, store, "0xfollower", 5, 20, nil)

	results, err := r.Run(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Unknown)
	assert.Equal(t, domain.SeverityWarning, results[0].Severity)
	assert.False(t, results[0].Matched)
	assert.Equal(t, 30.0, results[0].Diff)
}

func TestReconciler_ExpectedNetsBuysAndSellsFlooredAtZero(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	trades := newFakeTradeRecordStore(
		domain.TradeRecord{ID: "b1", TokenID: "tok1", Side: domain.TradeSideBuy, State: domain.TradeStateExecuted, ActualTokens: 10},
		domain.TradeRecord{ID: "s1", TokenID: "tok1", Side: domain.TradeSideSell, State: domain.TradeStateExecuted, ActualTokens: 15},
	)
	feed := &fakePositionFeed{positions: []FollowerPositionSnapshot{{TokenID: "tok1", Size: 0}}}
	store := &fakeReconciliationStore{}
	r := NewReconciler(trades, feed, store, "0xfollower", 5, 20, nil)

	results, err := r.Run(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0.0, results[0].Expected)
	assert.True(t, results[0].Matched)
}
