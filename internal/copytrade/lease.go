// Package copytrade implements the trade replication pipeline: the
// Activity Detector, Lease Manager, Trade Executor Loop, sizing rules,
// Guarded Executor, and Reconciler described in the copy-trading engine's
// component design. The Guarded Executor is the only type in this package
// (or the whole module) permitted to call the exchange's order-placement
// operation; every other component reaches the exchange only through it.
package copytrade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/copytrader/internal/domain"
)

// LeaseManager coordinates claim/release of TradeRecords across workers.
// The trade_records table is the only shared mutable state; acquire,
// extend and release are each a single atomic conditional UPDATE rather
// than calls to a separate lock service, so workers in the same process
// behave identically to workers in different processes.
type LeaseManager struct {
	store    domain.TradeRecordStore
	workerID string
	timeout  time.Duration
}

// NewLeaseManager creates a LeaseManager with a process-unique worker id.
// Persistence of the worker id across restarts is not required.
func NewLeaseManager(store domain.TradeRecordStore, timeout time.Duration) *LeaseManager {
	return &LeaseManager{
		store:    store,
		workerID: uuid.NewString(),
		timeout:  timeout,
	}
}

// WorkerID returns this manager's opaque worker identifier.
func (m *LeaseManager) WorkerID() string {
	return m.workerID
}

// Acquire attempts to claim a record. It returns the claimed record and
// true on success. A failed claim (another worker holds an unexpired
// lease) is reported as (zero value, false, nil) rather than an error, so
// callers can treat contention as routine flow control.
func (m *LeaseManager) Acquire(ctx context.Context, recordID string, now time.Time) (domain.TradeRecord, bool, error) {
	rec, err := m.store.Claim(ctx, recordID, m.workerID, m.timeout, now)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyClaimed) {
			return domain.TradeRecord{}, false, nil
		}
		return domain.TradeRecord{}, false, fmt.Errorf("copytrade: acquire lease %s: %w", recordID, err)
	}
	return rec, true, nil
}

// Extend bumps the lease held by this worker by the configured timeout.
// The Guarded Executor's sweep loop does not call it.
func (m *LeaseManager) Extend(ctx context.Context, recordID string, now time.Time) error {
	if err := m.store.ExtendLease(ctx, recordID, m.workerID, m.timeout, now); err != nil {
		return fmt.Errorf("copytrade: extend lease %s: %w", recordID, err)
	}
	return nil
}

// Release clears the lease and transitions the record to its terminal or
// recovery state in one update, guarded by worker id so a worker that
// already lost its lease cannot clobber a new owner's progress.
func (m *LeaseManager) Release(ctx context.Context, recordID string, next domain.TradeState, fields domain.TradeUpdateFields) error {
	if err := m.store.Release(ctx, recordID, m.workerID, next, fields); err != nil {
		return fmt.Errorf("copytrade: release lease %s: %w", recordID, err)
	}
	return nil
}

// ClearExpired resets claimed records with a stale lease back to detected
// so they become re-claimable. Records stuck in executing with a stale
// lease are left untouched: an order may have reached the exchange without
// the writeback completing, so automatic reset would risk a double
// submission. They must surface for human inspection instead.
func (m *LeaseManager) ClearExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := m.store.ClearExpiredLeases(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("copytrade: clear expired leases: %w", err)
	}
	return n, nil
}

// LeaseStatus reports the current lease state of one TradeRecord.
type LeaseStatus struct {
	RecordID  string
	Held      bool
	HeldByMe  bool
	ClaimedBy string
	ExpiresAt *time.Time
}

// Status reports recordID's current lease state without acquiring or
// mutating it, so operators and health checks can inspect a lease in
// flight (spec §4.2's lease contract).
func (m *LeaseManager) Status(ctx context.Context, recordID string, now time.Time) (LeaseStatus, error) {
	rec, err := m.store.GetByID(ctx, recordID)
	if err != nil {
		return LeaseStatus{}, fmt.Errorf("copytrade: lease status %s: %w", recordID, err)
	}

	status := LeaseStatus{
		RecordID:  recordID,
		Held:      rec.LeaseHeld(now),
		ExpiresAt: rec.LeaseExpiresAt,
	}
	if rec.ClaimedBy != nil {
		status.ClaimedBy = *rec.ClaimedBy
		status.HeldByMe = status.Held && *rec.ClaimedBy == m.workerID
	}
	return status, nil
}

// StuckExecuting returns executing records whose lease has already expired,
// the set clearExpired deliberately leaves alone (spec §4.2 expiry
// recovery). The admin HTTP surface does not expose it.
func (m *LeaseManager) StuckExecuting(ctx context.Context, now time.Time, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	records, err := m.store.ListByState(ctx, domain.TradeStateExecuting, opts)
	if err != nil {
		return nil, fmt.Errorf("copytrade: list executing records: %w", err)
	}
	stuck := make([]domain.TradeRecord, 0, len(records))
	for _, r := range records {
		if r.LeaseExpiresAt != nil && r.LeaseExpiresAt.Before(now) {
			stuck = append(stuck, r)
		}
	}
	return stuck, nil
}
