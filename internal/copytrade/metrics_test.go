package copytrade

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_SnapshotAggregatesCounts(t *testing.T) {
	m := NewMetrics()

	m.RecordExecuted(100 * time.Millisecond)
	m.RecordExecuted(300 * time.Millisecond)
	m.RecordSkipped()
	m.RecordFailed()
	m.RecordFailed()

	snap := m.Snapshot()
	assert.EqualValues(t, 2, snap.TradesCopied)
	assert.EqualValues(t, 1, snap.TradesSkipped)
	assert.EqualValues(t, 2, snap.TradesFailed)
	assert.EqualValues(t, 200, snap.AvgLatencyMS)
	assert.EqualValues(t, 100, snap.FastestMS)
	assert.EqualValues(t, 300, snap.SlowestMS)
}

func TestMetrics_EmptySnapshotHasZeroAverage(t *testing.T) {
	m := NewMetrics()
	snap := m.Snapshot()
	assert.Zero(t, snap.TradesCopied)
	assert.Zero(t, snap.AvgLatencyMS)
}

func TestMetrics_ConcurrentRecordsDoNotRace(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				m.RecordExecuted(time.Duration(i) * time.Millisecond)
			case 1:
				m.RecordSkipped()
			default:
				m.RecordFailed()
			}
		}(i)
	}
	wg.Wait()

	snap := m.Snapshot()
	assert.EqualValues(t, 100, snap.TradesCopied+snap.TradesSkipped+snap.TradesFailed)
}
