package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/copytrader/internal/domain"
)

// TradeRecordStore implements domain.TradeRecordStore using PostgreSQL. It
// is the module's only shared mutable state: lease acquisition,
// idempotency reservation, and terminal-state transitions are all atomic
// conditional UPDATEs against this table rather than a separate lock
// service (spec.md §5).
type TradeRecordStore struct {
	pool *pgxpool.Pool
}

// NewTradeRecordStore creates a new TradeRecordStore backed by the given
// connection pool.
func NewTradeRecordStore(pool *pgxpool.Pool) *TradeRecordStore {
	return &TradeRecordStore{pool: pool}
}

const tradeRecordCols = `id, leader_address, transaction_hash, token_id, condition_id, timestamp,
	side, size, usdc_size, price,
	title, slug, outcome, outcome_index, end_date,
	state, retry_count, last_retry_at, skip_reason, failure_reason,
	claimed_by, lease_expires_at, claimed_at,
	idempotency_key, clob_order_id,
	intended_size, filled_size, actual_tokens, avg_fill_price, expected_tokens,
	executed_at, needs_manual_review, my_bought_size,
	created_at, updated_at`

func scanTradeRecord(row pgx.Row) (domain.TradeRecord, error) {
	var r domain.TradeRecord
	var side, state string
	err := row.Scan(
		&r.ID, &r.LeaderAddress, &r.TransactionHash, &r.TokenID, &r.ConditionID, &r.Timestamp,
		&side, &r.Size, &r.USDCSize, &r.Price,
		&r.Title, &r.Slug, &r.Outcome, &r.OutcomeIndex, &r.EndDate,
		&state, &r.RetryCount, &r.LastRetryAt, &r.SkipReason, &r.FailureReason,
		&r.ClaimedBy, &r.LeaseExpiresAt, &r.ClaimedAt,
		&r.IdempotencyKey, &r.ClobOrderID,
		&r.IntendedSize, &r.FilledSize, &r.ActualTokens, &r.AvgFillPrice, &r.ExpectedTokens,
		&r.ExecutedAt, &r.NeedsManualReview, &r.MyBoughtSize,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return domain.TradeRecord{}, err
	}
	r.Side = domain.TradeSide(side)
	r.State = domain.TradeState(state)
	return r, nil
}

// Insert adds a newly detected trade. The unique index on
// (leader_address, transaction_hash, token_id) makes re-detection of the
// same trade a no-op rather than a duplicate row.
func (s *TradeRecordStore) Insert(ctx context.Context, r domain.TradeRecord) error {
	const query = `
		INSERT INTO trade_records (
			id, leader_address, transaction_hash, token_id, condition_id, timestamp,
			side, size, usdc_size, price,
			title, slug, outcome, outcome_index, end_date,
			state, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, NOW(), NOW()
		)
		ON CONFLICT (leader_address, transaction_hash, token_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		r.ID, r.LeaderAddress, r.TransactionHash, r.TokenID, r.ConditionID, r.Timestamp,
		string(r.Side), r.Size, r.USDCSize, r.Price,
		r.Title, r.Slug, r.Outcome, r.OutcomeIndex, r.EndDate,
		string(domain.TradeStateDetected),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade record %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

// GetByID retrieves a single trade record.
func (s *TradeRecordStore) GetByID(ctx context.Context, id string) (domain.TradeRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tradeRecordCols+` FROM trade_records WHERE id = $1`, id)
	r, err := scanTradeRecord(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.TradeRecord{}, domain.ErrNotFound
		}
		return domain.TradeRecord{}, fmt.Errorf("postgres: get trade record %s: %w", id, err)
	}
	return r, nil
}

// Claim atomically transitions a record to claimed, only succeeding if it
// is currently detected, or its previous claim's lease has expired. This
// single UPDATE is the entire Lease Manager acquire operation — there is
// no separate lock table.
func (s *TradeRecordStore) Claim(ctx context.Context, id, workerID string, leaseTTL time.Duration, now time.Time) (domain.TradeRecord, error) {
	const query = `
		UPDATE trade_records SET
			state = 'claimed',
			claimed_by = $2,
			claimed_at = $3,
			lease_expires_at = $4,
			updated_at = $3
		WHERE id = $1
		  AND (
		    state = 'detected'
		    OR (state IN ('claimed', 'executing') AND lease_expires_at IS NOT NULL AND lease_expires_at <= $3)
		  )
		RETURNING ` + tradeRecordCols

	leaseExpiry := now.Add(leaseTTL)
	row := s.pool.QueryRow(ctx, query, id, workerID, now, leaseExpiry)
	r, err := scanTradeRecord(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.TradeRecord{}, domain.ErrAlreadyClaimed
		}
		return domain.TradeRecord{}, fmt.Errorf("postgres: claim trade record %s: %w", id, err)
	}
	return r, nil
}

// ExtendLease bumps lease_expires_at for a record the caller still holds.
func (s *TradeRecordStore) ExtendLease(ctx context.Context, id, workerID string, leaseTTL time.Duration, now time.Time) error {
	const query = `
		UPDATE trade_records SET
			lease_expires_at = $4,
			updated_at = $3
		WHERE id = $1 AND claimed_by = $2 AND state IN ('claimed', 'executing')`

	tag, err := s.pool.Exec(ctx, query, id, workerID, now, now.Add(leaseTTL))
	if err != nil {
		return fmt.Errorf("postgres: extend lease %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseNotHeld
	}
	return nil
}

// Release clears the lease and moves a record to a terminal or recovery
// state in one UPDATE, guarded by workerID so a worker that already lost
// its lease cannot clobber a new owner's progress.
func (s *TradeRecordStore) Release(ctx context.Context, id, workerID string, next domain.TradeState, f domain.TradeUpdateFields) error {
	query := `
		UPDATE trade_records SET
			state = $3,
			claimed_by = NULL,
			lease_expires_at = NULL,
			skip_reason = $4,
			failure_reason = $5,
			clob_order_id = COALESCE($6, clob_order_id),
			intended_size = $7,
			filled_size = $8,
			actual_tokens = $9,
			avg_fill_price = $10,
			expected_tokens = $11,
			executed_at = $12,
			needs_manual_review = $13,
			retry_count = CASE WHEN $14 THEN retry_count + 1 ELSE retry_count END,
			last_retry_at = CASE WHEN $14 THEN NOW() ELSE last_retry_at END,
			my_bought_size = COALESCE($15, my_bought_size),
			updated_at = NOW()
		WHERE id = $1 AND claimed_by = $2`

	tag, err := s.pool.Exec(ctx, query,
		id, workerID, string(next),
		f.SkipReason, f.FailureReason, f.ClobOrderID,
		f.IntendedSize, f.FilledSize, f.ActualTokens, f.AvgFillPrice, f.ExpectedTokens,
		f.ExecutedAt, f.NeedsManualReview, f.IncrementRetry, f.MyBoughtSize,
	)
	if err != nil {
		return fmt.Errorf("postgres: release trade record %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseNotHeld
	}
	return nil
}

// ReserveIdempotencyKey atomically sets idempotency_key on a record that
// does not yet have one.
func (s *TradeRecordStore) ReserveIdempotencyKey(ctx context.Context, id, key string) error {
	const query = `
		UPDATE trade_records SET idempotency_key = $2, updated_at = NOW()
		WHERE id = $1 AND idempotency_key IS NULL`

	tag, err := s.pool.Exec(ctx, query, id, key)
	if err != nil {
		return fmt.Errorf("postgres: reserve idempotency key %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrIdempotencyConflict
	}
	return nil
}

// ClearExpiredLeases resets every claimed record whose lease has expired
// back to detected. executing records with an expired lease are left
// alone and reported separately, per the decision that a stuck executing
// record needs operator attention rather than automatic reset.
func (s *TradeRecordStore) ClearExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	const query = `
		UPDATE trade_records SET
			state = 'detected',
			claimed_by = NULL,
			lease_expires_at = NULL,
			claimed_at = NULL,
			updated_at = $1
		WHERE state = 'claimed' AND lease_expires_at IS NOT NULL AND lease_expires_at <= $1`

	tag, err := s.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: clear expired leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanTradeRecordRows(rows pgx.Rows) ([]domain.TradeRecord, error) {
	var records []domain.TradeRecord
	for rows.Next() {
		var r domain.TradeRecord
		var side, state string
		if err := rows.Scan(
			&r.ID, &r.LeaderAddress, &r.TransactionHash, &r.TokenID, &r.ConditionID, &r.Timestamp,
			&side, &r.Size, &r.USDCSize, &r.Price,
			&r.Title, &r.Slug, &r.Outcome, &r.OutcomeIndex, &r.EndDate,
			&state, &r.RetryCount, &r.LastRetryAt, &r.SkipReason, &r.FailureReason,
			&r.ClaimedBy, &r.LeaseExpiresAt, &r.ClaimedAt,
			&r.IdempotencyKey, &r.ClobOrderID,
			&r.IntendedSize, &r.FilledSize, &r.ActualTokens, &r.AvgFillPrice, &r.ExpectedTokens,
			&r.ExecutedAt, &r.NeedsManualReview, &r.MyBoughtSize,
			&r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		r.Side = domain.TradeSide(side)
		r.State = domain.TradeState(state)
		records = append(records, r)
	}
	return records, rows.Err()
}

// ListByState returns trade records in a given state with pagination.
func (s *TradeRecordStore) ListByState(ctx context.Context, state domain.TradeState, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	query := `SELECT ` + tradeRecordCols + ` FROM trade_records WHERE state = $1`
	args := []any{string(state)}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND timestamp <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY timestamp DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade records by state: %w", err)
	}
	defer rows.Close()

	records, err := scanTradeRecordRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trade records by state: %w", err)
	}
	return records, nil
}

// ListByLeader returns trade records for a given leader with pagination.
func (s *TradeRecordStore) ListByLeader(ctx context.Context, leaderAddress string, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	query := `SELECT ` + tradeRecordCols + ` FROM trade_records WHERE leader_address = $1`
	args := []any{leaderAddress}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND timestamp <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY timestamp DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade records by leader: %w", err)
	}
	defer rows.Close()

	records, err := scanTradeRecordRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trade records by leader: %w", err)
	}
	return records, nil
}

// GetLastTimestamp returns the most recent detected trade timestamp for a
// leader, or the zero time if the Detector has never seen this leader —
// the signal it uses to decide whether this is a first run (spec.md §9).
func (s *TradeRecordStore) GetLastTimestamp(ctx context.Context, leaderAddress string) (time.Time, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(timestamp) FROM trade_records WHERE leader_address = $1`, leaderAddress).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("postgres: get last trade timestamp for %s: %w", leaderAddress, err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}

// UpdateMyBoughtSize adjusts the tracked follower lot size on an
// already-executed BUY record. Unlike Release, it is not guarded by
// claimed_by: by the time SELL accounting runs, the BUY record has long
// since left the lease's care.
func (s *TradeRecordStore) UpdateMyBoughtSize(ctx context.Context, id string, size float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trade_records SET my_bought_size = $2, updated_at = NOW() WHERE id = $1`,
		id, size)
	if err != nil {
		return fmt.Errorf("postgres: update my_bought_size for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkExecutedReconciled transitions every executed record for tokenID to
// reconciled in one statement.
func (s *TradeRecordStore) MarkExecutedReconciled(ctx context.Context, tokenID string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trade_records SET state = 'reconciled', updated_at = NOW() WHERE token_id = $1 AND state = 'executed'`,
		tokenID)
	if err != nil {
		return 0, fmt.Errorf("postgres: mark reconciled for token %s: %w", tokenID, err)
	}
	return tag.RowsAffected(), nil
}

// ListArchivable returns terminal trade records older than the given
// cutoff, used by the Archiver to move rows to cold storage.
func (s *TradeRecordStore) ListArchivable(ctx context.Context, before time.Time) ([]domain.TradeRecord, error) {
	query := `SELECT ` + tradeRecordCols + ` FROM trade_records
		WHERE state IN ('executed', 'skipped', 'failed', 'reconciled') AND updated_at < $1
		ORDER BY updated_at ASC`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list archivable trade records: %w", err)
	}
	defer rows.Close()
	return scanTradeRecordRows(rows)
}

// DeleteBefore deletes archived trade records older than the cutoff.
func (s *TradeRecordStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM trade_records WHERE state IN ('executed', 'skipped', 'failed', 'reconciled') AND updated_at < $1`,
		before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete archivable trade records: %w", err)
	}
	return tag.RowsAffected(), nil
}
