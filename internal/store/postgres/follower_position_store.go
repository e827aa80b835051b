package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/copytrader/internal/domain"
)

// FollowerPositionStore implements domain.FollowerPositionStore using
// PostgreSQL, backing the exchange positions cache with a durable copy.
type FollowerPositionStore struct {
	pool *pgxpool.Pool
}

// NewFollowerPositionStore creates a new FollowerPositionStore.
func NewFollowerPositionStore(pool *pgxpool.Pool) *FollowerPositionStore {
	return &FollowerPositionStore{pool: pool}
}

func (s *FollowerPositionStore) Upsert(ctx context.Context, p domain.FollowerPosition) error {
	const query = `
		INSERT INTO follower_positions (
			token_id, condition_id, size, avg_price, cur_price, slug,
			end_date, redeemable, mergeable, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (token_id) DO UPDATE SET
			condition_id = EXCLUDED.condition_id,
			size         = EXCLUDED.size,
			avg_price    = EXCLUDED.avg_price,
			cur_price    = EXCLUDED.cur_price,
			slug         = EXCLUDED.slug,
			end_date     = EXCLUDED.end_date,
			redeemable   = EXCLUDED.redeemable,
			mergeable    = EXCLUDED.mergeable,
			updated_at   = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		p.TokenID, p.ConditionID, p.Size, p.AvgPrice, p.CurPrice, p.Slug,
		p.EndDate, p.Redeemable, p.Mergeable, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert follower position %s: %w", p.TokenID, err)
	}
	return nil
}

func (s *FollowerPositionStore) GetByTokenID(ctx context.Context, tokenID string) (domain.FollowerPosition, error) {
	const query = `SELECT token_id, condition_id, size, avg_price, cur_price, slug,
		end_date, redeemable, mergeable, updated_at
		FROM follower_positions WHERE token_id = $1`

	var p domain.FollowerPosition
	err := s.pool.QueryRow(ctx, query, tokenID).Scan(
		&p.TokenID, &p.ConditionID, &p.Size, &p.AvgPrice, &p.CurPrice, &p.Slug,
		&p.EndDate, &p.Redeemable, &p.Mergeable, &p.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.FollowerPosition{}, domain.ErrNotFound
		}
		return domain.FollowerPosition{}, fmt.Errorf("postgres: get follower position %s: %w", tokenID, err)
	}
	return p, nil
}

func (s *FollowerPositionStore) List(ctx context.Context) ([]domain.FollowerPosition, error) {
	const query = `SELECT token_id, condition_id, size, avg_price, cur_price, slug,
		end_date, redeemable, mergeable, updated_at
		FROM follower_positions ORDER BY updated_at DESC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list follower positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.FollowerPosition
	for rows.Next() {
		var p domain.FollowerPosition
		if err := rows.Scan(
			&p.TokenID, &p.ConditionID, &p.Size, &p.AvgPrice, &p.CurPrice, &p.Slug,
			&p.EndDate, &p.Redeemable, &p.Mergeable, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan follower position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list follower positions rows: %w", err)
	}
	return positions, nil
}

// LeaderPositionStore implements domain.LeaderPositionStore using
// PostgreSQL.
type LeaderPositionStore struct {
	pool *pgxpool.Pool
}

// NewLeaderPositionStore creates a new LeaderPositionStore.
func NewLeaderPositionStore(pool *pgxpool.Pool) *LeaderPositionStore {
	return &LeaderPositionStore{pool: pool}
}

func (s *LeaderPositionStore) Upsert(ctx context.Context, p domain.LeaderPosition) error {
	const query = `
		INSERT INTO leader_positions (leader_address, token_id, size, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (leader_address, token_id) DO UPDATE SET
			size = EXCLUDED.size, updated_at = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query, p.LeaderAddress, p.TokenID, p.Size, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert leader position %s/%s: %w", p.LeaderAddress, p.TokenID, err)
	}
	return nil
}

func (s *LeaderPositionStore) GetByTokenID(ctx context.Context, leaderAddress, tokenID string) (domain.LeaderPosition, error) {
	const query = `SELECT leader_address, token_id, size, updated_at
		FROM leader_positions WHERE leader_address = $1 AND token_id = $2`

	var p domain.LeaderPosition
	err := s.pool.QueryRow(ctx, query, leaderAddress, tokenID).Scan(
		&p.LeaderAddress, &p.TokenID, &p.Size, &p.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.LeaderPosition{}, domain.ErrNotFound
		}
		return domain.LeaderPosition{}, fmt.Errorf("postgres: get leader position %s/%s: %w", leaderAddress, tokenID, err)
	}
	return p, nil
}
