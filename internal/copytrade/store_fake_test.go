package copytrade

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/copytrader/internal/domain"
)

// fakeTradeRecordStore is an in-memory domain.TradeRecordStore used across
// this package's tests, standing in for the Postgres-backed store without a
// database. It reproduces the atomic conditional-update semantics the real
// store guarantees (Claim/Release/ExtendLease guarded by claimedBy).
type fakeTradeRecordStore struct {
	mu      sync.Mutex
	records map[string]domain.TradeRecord
}

func newFakeTradeRecordStore(recs ...domain.TradeRecord) *fakeTradeRecordStore {
	s := &fakeTradeRecordStore{records: make(map[string]domain.TradeRecord)}
	for _, r := range recs {
		s.records[r.ID] = r
	}
	return s
}

func (s *fakeTradeRecordStore) Insert(ctx context.Context, rec domain.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.records {
		if existing.LeaderAddress == rec.LeaderAddress &&
			existing.TransactionHash == rec.TransactionHash &&
			existing.TokenID == rec.TokenID {
			return domain.ErrAlreadyExists
		}
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *fakeTradeRecordStore) GetByID(ctx context.Context, id string) (domain.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.TradeRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (s *fakeTradeRecordStore) Claim(ctx context.Context, id, workerID string, leaseTTL time.Duration, now time.Time) (domain.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.TradeRecord{}, domain.ErrNotFound
	}
	if rec.LeaseHeld(now) {
		return domain.TradeRecord{}, domain.ErrAlreadyClaimed
	}
	worker := workerID
	expires := now.Add(leaseTTL)
	rec.ClaimedBy = &worker
	rec.LeaseExpiresAt = &expires
	rec.ClaimedAt = &now
	rec.State = domain.TradeStateClaimed
	s.records[id] = rec
	return rec, nil
}

func (s *fakeTradeRecordStore) ExtendLease(ctx context.Context, id, workerID string, leaseTTL time.Duration, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	if rec.ClaimedBy == nil || *rec.ClaimedBy != workerID {
		return domain.ErrLeaseNotHeld
	}
	expires := now.Add(leaseTTL)
	rec.LeaseExpiresAt = &expires
	s.records[id] = rec
	return nil
}

func (s *fakeTradeRecordStore) Release(ctx context.Context, id, workerID string, next domain.TradeState, fields domain.TradeUpdateFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	if rec.ClaimedBy == nil || *rec.ClaimedBy != workerID {
		return domain.ErrLeaseNotHeld
	}
	rec.ClaimedBy = nil
	rec.LeaseExpiresAt = nil
	rec.State = next
	rec.SkipReason = fields.SkipReason
	rec.FailureReason = fields.FailureReason
	if fields.ClobOrderID != nil {
		rec.ClobOrderID = fields.ClobOrderID
	}
	rec.IntendedSize = fields.IntendedSize
	rec.FilledSize = fields.FilledSize
	rec.ActualTokens = fields.ActualTokens
	rec.AvgFillPrice = fields.AvgFillPrice
	rec.ExpectedTokens = fields.ExpectedTokens
	if fields.ExecutedAt != nil {
		rec.ExecutedAt = fields.ExecutedAt
	}
	rec.NeedsManualReview = fields.NeedsManualReview
	if fields.MyBoughtSize != nil {
		rec.MyBoughtSize = *fields.MyBoughtSize
	}
	if fields.IncrementRetry {
		rec.RetryCount++
	}
	s.records[id] = rec
	return nil
}

func (s *fakeTradeRecordStore) ReserveIdempotencyKey(ctx context.Context, id, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	if rec.IdempotencyKey != nil {
		return domain.ErrIdempotencyConflict
	}
	k := key
	rec.IdempotencyKey = &k
	s.records[id] = rec
	return nil
}

func (s *fakeTradeRecordStore) ClearExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.records {
		if rec.State != domain.TradeStateClaimed {
			continue
		}
		if rec.LeaseExpiresAt != nil && rec.LeaseExpiresAt.Before(now) {
			rec.ClaimedBy = nil
			rec.LeaseExpiresAt = nil
			rec.State = domain.TradeStateDetected
			s.records[id] = rec
			n++
		}
	}
	return n, nil
}

func (s *fakeTradeRecordStore) ListByState(ctx context.Context, state domain.TradeState, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TradeRecord
	for _, rec := range s.records {
		if rec.State == state {
			out = append(out, rec)
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *fakeTradeRecordStore) ListByLeader(ctx context.Context, leaderAddress string, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TradeRecord
	for _, rec := range s.records {
		if rec.LeaderAddress == leaderAddress {
			out = append(out, rec)
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *fakeTradeRecordStore) GetLastTimestamp(ctx context.Context, leaderAddress string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	for _, rec := range s.records {
		if rec.LeaderAddress == leaderAddress && rec.Timestamp.After(last) {
			last = rec.Timestamp
		}
	}
	return last, nil
}

func (s *fakeTradeRecordStore) UpdateMyBoughtSize(ctx context.Context, id string, size float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	rec.MyBoughtSize = size
	s.records[id] = rec
	return nil
}

func (s *fakeTradeRecordStore) MarkExecutedReconciled(ctx context.Context, tokenID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.records {
		if rec.TokenID == tokenID && rec.State == domain.TradeStateExecuted {
			rec.State = domain.TradeStateReconciled
			s.records[id] = rec
			n++
		}
	}
	return n, nil
}

func (s *fakeTradeRecordStore) get(id string) domain.TradeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}
