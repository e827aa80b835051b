package copytrade

import (
	"sync"
	"time"
)

// Metrics is an in-memory counter set updated by the Executor Loop and
// read by the admin HTTP surface. It intentionally holds no history: the
// durable record of every trade's outcome lives in TradeRecordStore, this
// is only a cheap running summary for dashboards.
type Metrics struct {
	mu sync.Mutex

	tradesCopied int64
	tradesSkipped int64
	tradesFailed int64

	totalLatency time.Duration
	latencyCount int64
	fastest      time.Duration
	slowest      time.Duration
}

// NewMetrics creates an empty Metrics set.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordExecuted records one successfully copied trade and the latency
// between the leader's trade timestamp and the follower's fill.
func (m *Metrics) RecordExecuted(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tradesCopied++
	m.totalLatency += latency
	m.latencyCount++
	if m.fastest == 0 || latency < m.fastest {
		m.fastest = latency
	}
	if latency > m.slowest {
		m.slowest = latency
	}
}

// RecordSkipped records one gate-rejected or sweep-skipped trade.
func (m *Metrics) RecordSkipped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tradesSkipped++
}

// RecordFailed records one trade that exhausted its retry budget or hard
// aborted.
func (m *Metrics) RecordFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tradesFailed++
}

// Snapshot is a point-in-time, immutable read of Metrics, safe to
// serialize directly to JSON for the admin surface.
type Snapshot struct {
	TradesCopied  int64         `json:"trades_copied"`
	TradesSkipped int64         `json:"trades_skipped"`
	TradesFailed  int64         `json:"trades_failed"`
	AvgLatencyMS  int64         `json:"avg_copy_latency_ms"`
	FastestMS     int64         `json:"fastest_copy_latency_ms"`
	SlowestMS     int64         `json:"slowest_copy_latency_ms"`
}

// Snapshot returns a consistent copy of the current counters.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var avg time.Duration
	if m.latencyCount > 0 {
		avg = m.totalLatency / time.Duration(m.latencyCount)
	}

	return Snapshot{
		TradesCopied:  m.tradesCopied,
		TradesSkipped: m.tradesSkipped,
		TradesFailed:  m.tradesFailed,
		AvgLatencyMS:  avg.Milliseconds(),
		FastestMS:     m.fastest.Milliseconds(),
		SlowestMS:     m.slowest.Milliseconds(),
	}
}
