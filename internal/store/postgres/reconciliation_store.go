package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/copytrader/internal/domain"
)

// ReconciliationStore implements domain.ReconciliationStore using
// PostgreSQL, recording every Reconciler run for audit and alerting.
type ReconciliationStore struct {
	pool *pgxpool.Pool
}

// NewReconciliationStore creates a new ReconciliationStore.
func NewReconciliationStore(pool *pgxpool.Pool) *ReconciliationStore {
	return &ReconciliationStore{pool: pool}
}

func (s *ReconciliationStore) Insert(ctx context.Context, r domain.ReconciliationResult) error {
	const query = `
		INSERT INTO reconciliation_results (
			id, leader_address, token_id, expected, actual, diff, diff_percent,
			severity, unknown, matched, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.pool.Exec(ctx, query,
		r.ID, r.LeaderAddress, r.TokenID, r.Expected, r.Actual, r.Diff, r.DiffPercent,
		string(r.Severity), r.Unknown, r.Matched, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert reconciliation result %s: %w", r.ID, err)
	}
	return nil
}

func scanReconciliationRows(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]domain.ReconciliationResult, error) {
	var results []domain.ReconciliationResult
	for rows.Next() {
		var r domain.ReconciliationResult
		var sev string
		if err := rows.Scan(
			&r.ID, &r.LeaderAddress, &r.TokenID, &r.Expected, &r.Actual, &r.Diff, &r.DiffPercent,
			&sev, &r.Unknown, &r.Matched, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		r.Severity = domain.Severity(sev)
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *ReconciliationStore) ListRecent(ctx context.Context, limit int) ([]domain.ReconciliationResult, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, leader_address, token_id, expected, actual, diff, diff_percent,
		severity, unknown, matched, created_at
		FROM reconciliation_results ORDER BY created_at DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent reconciliation results: %w", err)
	}
	defer rows.Close()

	results, err := scanReconciliationRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan reconciliation results: %w", err)
	}
	return results, nil
}

// ListBefore returns reconciliation results created strictly before the
// given cutoff, used by the Archiver to move rows to cold storage.
func (s *ReconciliationStore) ListBefore(ctx context.Context, before time.Time) ([]domain.ReconciliationResult, error) {
	const query = `SELECT id, leader_address, token_id, expected, actual, diff, diff_percent,
		severity, unknown, matched, created_at
		FROM reconciliation_results WHERE created_at < $1 ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list archivable reconciliation results: %w", err)
	}
	defer rows.Close()

	results, err := scanReconciliationRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan archivable reconciliation results: %w", err)
	}
	return results, nil
}

// DeleteBefore deletes archived reconciliation results older than the cutoff.
func (s *ReconciliationStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM reconciliation_results WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete archivable reconciliation results: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *ReconciliationStore) ListBySeverity(ctx context.Context, sev domain.Severity, opts domain.ListOpts) ([]domain.ReconciliationResult, error) {
	query := `SELECT id, leader_address, token_id, expected, actual, diff, diff_percent,
		severity, unknown, matched, created_at
		FROM reconciliation_results WHERE severity = $1`
	args := []any{string(sev)}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY created_at DESC"
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
		return nil, fmt.Errorf("postgres: list reconciliation results by severity: %w", err)
	}
	defer rows.Close()

	results, err := scanReconciliationRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan reconciliation results by severity: %w", err)
	}
	return results, nil
}
