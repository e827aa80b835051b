package copytrade

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copytrader/internal/config"
	"github.com/alanyoungcy/copytrader/internal/domain"
)

type fakeLeaderPositionStore struct {
	mu   sync.Mutex
	rows map[string]domain.LeaderPosition
}

func newFakeLeaderPositionStore() *fakeLeaderPositionStore {
	return &fakeLeaderPositionStore{rows: make(map[string]domain.LeaderPosition)}
}

func (s *fakeLeaderPositionStore) key(leaderAddress, tokenID string) string { return leaderAddress + "|" + tokenID }

func (s *fakeLeaderPositionStore) Upsert(ctx context.Context, pos domain.LeaderPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[s.key(pos.LeaderAddress, pos.TokenID)] = pos
	return nil
}

func (s *fakeLeaderPositionStore) GetByTokenID(ctx context.Context, leaderAddress, tokenID string) (domain.LeaderPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.rows[s.key(leaderAddress, tokenID)]
	if !ok {
		return domain.LeaderPosition{}, domain.ErrNotFound
	}
	return pos, nil
}

type fakeActivityFeed struct {
	entries []domain.ActivityEntry
	err     error
}

func (f *fakeActivityFeed) GetActivity(ctx context.Context, leaderAddress string, since time.Time, limit int) ([]domain.ActivityEntry, error) {
	return f.entries, f.err
}

type fakeMarketVerifier struct {
	markets map[string]domain.Market
	err     error
}

func (f *fakeMarketVerifier) GetMarketBySlug(ctx context.Context, slug string) (domain.Market, error) {
	if f.err != nil {
		return domain.Market{}, f.err
	}
	m, ok := f.markets[slug]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func TestDetector_BootstrapsFirstPollAsSkippedHistory(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := newFakeTradeRecordStore()
	feed := &fakeActivityFeed{entries: []domain.ActivityEntry{
		{Timestamp: now.Add(-72 * time.Hour).Unix(), Asset: "tok1", TransactionHash: "0xa", Side: domain.TradeSideBuy, Size: 10, USDCSize: 5},
		{Timestamp: now.Add(-48 * time.Hour).Unix(), Asset: "tok2", TransactionHash: "0xb", Side: domain.TradeSideBuy, Size: 20, USDCSize: 10},
	}}
	d := NewDetector(feed, nil, store, newFakeLeaderPositionStore(), config.LeadersConfig{TooOldTimestampHours: 24}, nil)

	n, err := d.PollLeader(context.Background(), "leader1", now)
	require.NoError(t, err)
	assert.Equal(t, 0, n) // bootstrap inserts don't count as "detected"

	all, err := store.ListByState(context.Background(), domain.TradeStateSkipped, domain.ListOpts{Limit: 100})
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, rec := range all {
		assert.Equal(t, "historical_bootstrap", rec.SkipReason)
	}

	last, err := store.GetLastTimestamp(context.Background(), "leader1")
	require.NoError(t, err)
	assert.False(t, last.IsZero())
}

func TestDetector_SubsequentPollInsertsDetectedRecords(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	bootstrapTS := now.Add(-72 * time.Hour)
	store := newFakeTradeRecordStore(domain.TradeRecord{
		ID: "prior", LeaderAddress: "leader1", TokenID: "tok0", TransactionHash: "0xprior",
		Timestamp: bootstrapTS, State: domain.TradeStateSkipped, SkipReason: "historical_bootstrap",
	})

	newEntryTS := now.Add(-time.Minute)
	feed := &fakeActivityFeed{entries: []domain.ActivityEntry{
		{Timestamp: newEntryTS.Unix(), Asset: "tok1", TransactionHash: "0xnew", Side: domain.TradeSideBuy, Size: 10, USDCSize: 5},
	}}
	d := NewDetector(feed, nil, store, newFakeLeaderPositionStore(), config.LeadersConfig{TooOldTimestampHours: 24}, nil)

	n, err := d.PollLeader(context.Background(), "leader1", now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	detected, err := store.ListByState(context.Background(), domain.TradeStateDetected, domain.ListOpts{Limit: 100})
	require.NoError(t, err)
	require.Len(t, detected, 1)
	assert.Equal(t, "tok1", detected[0].TokenID)
	assert.NotEmpty(t, detected[0].ID)
}

func TestDetector_DropsStaleEntries(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := newFakeTradeRecordStore(domain.TradeRecord{
		ID: "prior", LeaderAddress: "leader1", TokenID: "tok0", TransactionHash: "0xprior",
		Timestamp: now.Add(-72 * time.Hour), State: domain.TradeStateSkipped, SkipReason: "historical_bootstrap",
	})

	staleTS := now.Add(-48 * time.Hour)
	feed := &fakeActivityFeed{entries: []domain.ActivityEntry{
		{Timestamp: staleTS.Unix(), Asset: "tok1", TransactionHash: "0xstale", Side: domain.TradeSideBuy, Size: 10, USDCSize: 5},
	}}
	d := NewDetector(feed, nil, store, newFakeLeaderPositionStore(), config.LeadersConfig{TooOldTimestampHours: 24}, nil)

	n, err := d.PollLeader(context.Background(), "leader1", now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDetector_TreatsDuplicateInsertAsNoOp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	entryTS := now.Add(-time.Minute)
	store := newFakeTradeRecordStore(domain.TradeRecord{
		ID: "existing", LeaderAddress: "leader1", TokenID: "tok1", TransactionHash: "0xdup",
		Timestamp: entryTS, State: domain.TradeStateDetected,
	})

	feed := &fakeActivityFeed{entries: []domain.ActivityEntry{
		{Timestamp: entryTS.Unix(), Asset: "tok1", TransactionHash: "0xdup", Side: domain.TradeSideBuy, Size: 10, USDCSize: 5},
	}}
	d := NewDetector(feed, nil, store, newFakeLeaderPositionStore(), config.LeadersConfig{TooOldTimestampHours: 24}, nil)

	n, err := d.PollLeader(context.Background(), "leader1", now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDetector_SkipsEntryWhenVerifierDisagrees(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := newFakeTradeRecordStore(domain.TradeRecord{
		ID: "prior", LeaderAddress: "leader1", TokenID: "tok0", TransactionHash: "0xprior",
		Timestamp: now.Add(-72 * time.Hour), State: domain.TradeStateSkipped, SkipReason: "historical_bootstrap",
	})

	entryTS := now.Add(-time.Minute)
	feed := &fakeActivityFeed{entries: []domain.ActivityEntry{
		{
			Timestamp: entryTS.Unix(), Asset: "tokA", TransactionHash: "0xmismatch",
			Side: domain.TradeSideBuy, Size: 10, USDCSize: 5, Slug: "some-market", OutcomeIndex: 0,
		},
	}}
	verifier := &fakeMarketVerifier{markets: map[string]domain.Market{
		"some-market": {Slug: "some-market", TokenIDs: [2]string{"tokB", "tokC"}},
	}}
	d := NewDetector(feed, verifier, store, newFakeLeaderPositionStore(), config.LeadersConfig{TooOldTimestampHours: 24}, nil)

	n, err := d.PollLeader(context.Background(), "leader1", now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDetector_RefreshLeaderPositionUpserts(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := newFakeTradeRecordStore()
	posStore := newFakeLeaderPositionStore()
	d := NewDetector(&fakeActivityFeed{}, nil, store, posStore, config.LeadersConfig{}, nil)

	err := d.RefreshLeaderPosition(context.Background(), "leader1", "tok1", 42.0, now)
	require.NoError(t, err)

	pos, err := posStore.GetByTokenID(context.Background(), "leader1", "tok1")
	require.NoError(t, err)
	assert.Equal(t, 42.0, pos.Size)
}
