package copytrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/copytrader/internal/config"
	"github.com/alanyoungcy/copytrader/internal/domain"
)

// ActivityFeed is the leader-activity read used by the Detector, satisfied
// by *polymarket.DataAPIClient.
type ActivityFeed interface {
	GetActivity(ctx context.Context, leaderAddress string, since time.Time, limit int) ([]domain.ActivityEntry, error)
}

// MarketVerifier re-checks a tokenID's live outcome/slug/end-date shortly
// before a detected trade is persisted, guarding against the activity
// feed momentarily disagreeing with the market's canonical metadata.
// Satisfied directly by *polymarket.GammaClient.
type MarketVerifier interface {
	GetMarketBySlug(ctx context.Context, slug string) (domain.Market, error)
}

// Detector polls a leader's activity feed, classifies each new entry as a
// BUY, SELL, or MERGE, and inserts it as a detected TradeRecord. The
// natural key enforced by TradeRecordStore.Insert is the sole dedup
// mechanism; the detector never keeps its own seen-set.
type Detector struct {
	activity ActivityFeed
	verifier MarketVerifier
	trades   domain.TradeRecordStore
	leaderPositions domain.LeaderPositionStore

	leaders config.LeadersConfig

	log *slog.Logger
}

// NewDetector creates a Detector for the configured leader set.
func NewDetector(
	activity ActivityFeed,
	verifier MarketVerifier,
	trades domain.TradeRecordStore,
	leaderPositions domain.LeaderPositionStore,
	leaders config.LeadersConfig,
	log *slog.Logger,
) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{
		activity:        activity,
		verifier:        verifier,
		trades:          trades,
		leaderPositions: leaderPositions,
		leaders:         leaders,
		log:             log.With("component", "detector"),
	}
}

// PollLeader fetches new activity for one leader address since its last
// recorded trade timestamp and inserts each as a detected TradeRecord.
// On a leader's very first poll (no prior trades on record at all), it
// applies the historical_bootstrap policy: the page returned is inserted
// pre-skipped with reason "historical_bootstrap" rather than detected, so
// GetLastTimestamp advances past the leader's existing history and the
// engine starts copying only trades placed after it began following,
// without ever executing against a leader's entire back book.
func (d *Detector) PollLeader(ctx context.Context, leaderAddress string, now time.Time) (int, error) {
	since, err := d.trades.GetLastTimestamp(ctx, leaderAddress)
	if err != nil {
		return 0, fmt.Errorf("copytrade/detector: get last timestamp for %s: %w", leaderAddress, err)
	}

	bootstrap := since.IsZero()

	entries, err := d.activity.GetActivity(ctx, leaderAddress, since, 100)
	if err != nil {
		return 0, fmt.Errorf("copytrade/detector: get activity for %s: %w", leaderAddress, err)
	}

	freshness := time.Duration(d.leaders.TooOldTimestampHours) * time.Hour
	inserted := 0

	for _, entry := range entries {
		ts := time.Unix(entry.Timestamp, 0)

		if bootstrap {
			if err := d.insertBootstrapped(ctx, leaderAddress, entry, ts); err != nil {
				return inserted, err
			}
			continue
		}

		if now.Sub(ts) > freshness {
			d.log.Debug("dropping stale activity entry", "leader", leaderAddress, "asset", entry.Asset, "age", now.Sub(ts))
			continue
		}

		if d.verifier != nil && entry.Slug != "" {
			market, err := d.verifier.GetMarketBySlug(ctx, entry.Slug)
			if err != nil {
				d.log.Warn("market re-verification failed, keeping feed values", "leader", leaderAddress, "slug", entry.Slug, "err", err)
			} else if !outcomeMatches(market, entry) {
				d.log.Warn("activity entry outcome disagrees with live market metadata, skipping", "leader", leaderAddress, "slug", entry.Slug, "outcome_index", entry.OutcomeIndex)
				continue
			}
		}

		rec := newDetectedRecord(leaderAddress, entry, ts)

		if err := d.trades.Insert(ctx, rec); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				continue
			}
			return inserted, fmt.Errorf("copytrade/detector: insert trade record: %w", err)
		}
		inserted++

		if err := d.trackLeaderPosition(ctx, leaderAddress, entry, now); err != nil {
			d.log.Warn("failed to update leader position after trade", "leader", leaderAddress, "asset", entry.Asset, "err", err)
		}
	}

	if bootstrap {
		d.log.Info("bootstrapped leader history", "leader", leaderAddress, "backlog_count", len(entries))
	}

	return inserted, nil
}

func (d *Detector) insertBootstrapped(ctx context.Context, leaderAddress string, entry domain.ActivityEntry, ts time.Time) error {
	rec := newDetectedRecord(leaderAddress, entry, ts)
	rec.State = domain.TradeStateSkipped
	rec.SkipReason = "historical_bootstrap"

	if err := d.trades.Insert(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil
		}
		return fmt.Errorf("copytrade/detector: insert bootstrap record: %w", err)
	}
	return nil
}

func newDetectedRecord(leaderAddress string, entry domain.ActivityEntry, ts time.Time) domain.TradeRecord {
	return domain.TradeRecord{
		ID:              uuid.NewString(),
		LeaderAddress:   leaderAddress,
		TransactionHash: entry.TransactionHash,
		TokenID:         entry.Asset,
		ConditionID:     entry.ConditionID,
		Timestamp:       ts,
		Side:            entry.Side,
		Size:            entry.Size,
		USDCSize:        entry.USDCSize,
		Price:           entry.Price,
		Title:           entry.Title,
		Slug:            entry.Slug,
		Outcome:         entry.Outcome,
		OutcomeIndex:    entry.OutcomeIndex,
		EndDate:         entry.EndDate,
		State:           domain.TradeStateDetected,
	}
}

// trackLeaderPosition applies a just-detected trade's delta to the
// leader's last-known position for entry.Asset and persists the result,
// so LeaderPositionAfter is always current by the time the Trade Executor
// Loop sizes a SELL against it.
func (d *Detector) trackLeaderPosition(ctx context.Context, leaderAddress string, entry domain.ActivityEntry, now time.Time) error {
	before, err := d.leaderPositions.GetByTokenID(ctx, leaderAddress, entry.Asset)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("copytrade/detector: load leader position: %w", err)
	}

	after := before.Size
	switch entry.Side {
	case domain.TradeSideBuy:
		after += entry.Size
	case domain.TradeSideSell:
		after -= entry.Size
	}

	return d.RefreshLeaderPosition(ctx, leaderAddress, entry.Asset, after, now)
}

// RefreshLeaderPosition snapshots a leader's current on-chain position for
// tokenID, used by the SELL sizing formula's leaderPositionAfter input.
func (d *Detector) RefreshLeaderPosition(ctx context.Context, leaderAddress, tokenID string, size float64, now time.Time) error {
	pos := domain.LeaderPosition{
		LeaderAddress: leaderAddress,
		TokenID:       tokenID,
		Size:          size,
		UpdatedAt:     now,
	}
	if err := d.leaderPositions.Upsert(ctx, pos); err != nil {
		return fmt.Errorf("copytrade/detector: upsert leader position: %w", err)
	}
	return nil
}

func outcomeMatches(market domain.Market, entry domain.ActivityEntry) bool {
	if entry.OutcomeIndex < 0 || entry.OutcomeIndex > 1 {
		return true // outside the binary shape this check understands, don't block on it
	}
	if market.TokenIDs[entry.OutcomeIndex] == "" {
		return true
	}
	return market.TokenIDs[entry.OutcomeIndex] == entry.Asset
}
