package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/copytrader/internal/domain"
)

// DataAPIClient is the REST client for Polymarket's Data API, the source
// of the leader activity feed and both leader and follower positions feeds
// (spec.md §6 External Interfaces). It is a distinct host from the CLOB
// and Gamma APIs but follows the same unauthenticated-GET shape as
// GammaClient.
type DataAPIClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewDataAPIClient creates a new Data API client.
//
// baseURL is the Data API root, e.g. "https://data-api.polymarket.com".
func NewDataAPIClient(baseURL string) *DataAPIClient {
	return &DataAPIClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIActivity is a single row from the /activity endpoint: one leader
// trade, before it has been classified into a domain.ActivityEntry.
type APIActivity struct {
	Timestamp       int64   `json:"timestamp"`
	ConditionID     string  `json:"conditionId"`
	Type            string  `json:"type"` // "TRADE", "SPLIT", "MERGE", "REDEEM"
	Size            float64 `json:"size"`
	USDCSize        float64 `json:"usdcSize"`
	Price           float64 `json:"price"`
	Asset           string  `json:"asset"`
	Side            string  `json:"side"` // "BUY" or "SELL"
	TransactionHash string  `json:"transactionHash"`
	OutcomeIndex    int     `json:"outcomeIndex"`
	Slug            string  `json:"slug"`
	Title           string  `json:"title"`
	Outcome         string  `json:"outcome"`
	EndDate         string  `json:"endDate"`
}

// ToDomainActivityEntry converts an APIActivity row into a
// domain.ActivityEntry. It returns ok=false for non-TRADE activity types
// (SPLIT/MERGE/REDEEM); GetActivity drops those rows, so the Detector
// never sees them.
func (a *APIActivity) ToDomainActivityEntry() (domain.ActivityEntry, bool) {
	if a.Type != "TRADE" {
		return domain.ActivityEntry{}, false
	}

	entry := domain.ActivityEntry{
		Timestamp:       a.Timestamp,
		ConditionID:     a.ConditionID,
		Size:            a.Size,
		USDCSize:        a.USDCSize,
		Price:           a.Price,
		Asset:           a.Asset,
		TransactionHash: a.TransactionHash,
		OutcomeIndex:    a.OutcomeIndex,
		Slug:            a.Slug,
		Title:           a.Title,
		Outcome:         a.Outcome,
	}

	switch a.Side {
	case "BUY":
		entry.Side = domain.TradeSideBuy
	case "SELL":
		entry.Side = domain.TradeSideSell
	default:
		return domain.ActivityEntry{}, false
	}

	if a.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, a.EndDate); err == nil {
			entry.EndDate = t
		}
	}

	return entry, true
}

// GetActivity returns the activity feed for a leader wallet, most recent
// first, filtered to entries strictly after `since` (exclusive) so the
// Detector's polling loop never re-emits the same trade twice.
func (d *DataAPIClient) GetActivity(ctx context.Context, leaderAddress string, since time.Time, limit int) ([]domain.ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	params := url.Values{}
	params.Set("user", leaderAddress)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("sortBy", "TIMESTAMP")
	params.Set("sortDirection", "DESC")

	body, err := d.doGet(ctx, "/activity?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/dataapi: get activity for %s: %w", leaderAddress, err)
	}

	var rows []APIActivity
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("polymarket/dataapi: decode activity: %w", err)
	}

	sinceUnix := since.Unix()
	entries := make([]domain.ActivityEntry, 0, len(rows))
	for i := range rows {
		if rows[i].Timestamp <= sinceUnix {
			continue
		}
		entry, ok := rows[i].ToDomainActivityEntry()
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// APIPosition is a single row from the /positions endpoint.
type APIPosition struct {
	Asset       string  `json:"asset"`
	ConditionID string  `json:"conditionId"`
	Size        float64 `json:"size"`
	AvgPrice    float64 `json:"avgPrice"`
	CurPrice    float64 `json:"curPrice"`
	Slug        string  `json:"slug"`
	EndDate     string  `json:"endDate"`
	Redeemable  bool    `json:"redeemable"`
	Mergeable   bool    `json:"mergeable"`
}

// GetPositions returns the current on-chain positions for the given
// wallet, used both for the follower's own book (FollowerPosition) and to
// read a leader's exposure for the SELL sizing formula (LeaderPosition).
func (d *DataAPIClient) GetPositions(ctx context.Context, wallet string) ([]APIPosition, error) {
	params := url.Values{}
	params.Set("user", wallet)

	body, err := d.doGet(ctx, "/positions?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/dataapi: get positions for %s: %w", wallet, err)
	}

	var rows []APIPosition
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("polymarket/dataapi: decode positions: %w", err)
	}

	return rows, nil
}

// ToDomainFollowerPosition converts an APIPosition row into a
// domain.FollowerPosition snapshot.
func (p *APIPosition) ToDomainFollowerPosition(now time.Time) domain.FollowerPosition {
	fp := domain.FollowerPosition{
		TokenID:     p.Asset,
		ConditionID: p.ConditionID,
		Size:        p.Size,
		AvgPrice:    p.AvgPrice,
		CurPrice:    p.CurPrice,
		Slug:        p.Slug,
		Redeemable:  p.Redeemable,
		Mergeable:   p.Mergeable,
		UpdatedAt:   now,
	}
	if p.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, p.EndDate); err == nil {
			fp.EndDate = t
		}
	}
	return fp
}

// doGet sends an unauthenticated GET request to the Data API.
func (d *DataAPIClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}
