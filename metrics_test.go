package chronodb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	if m.Gauge != nil {
		return m.Gauge.GetValue()
	}
	return 0
}

func TestMetricsActiveTxnsTracksBeginAndEnd(t *testing.T) {
	db := openTestDB(t)

	before := counterValue(t, db.metrics.activeTxns)
	tx, err := db.Begin(false)
	require.NoError(t, err)
	during := counterValue(t, db.metrics.activeTxns)
	assert.Equal(t, before+1, during)

	require.NoError(t, tx.Rollback())
	after := counterValue(t, db.metrics.activeTxns)
	assert.Equal(t, before, after)
}

func TestMetricsWalBytesWrittenIncreasesOnCommit(t *testing.T) {
	db := openTestDB(t)
	before := counterValue(t, db.metrics.walBytesWritten)

	_, err := db.Collection("widgets").Insert(NewDocument("name", "sprocket"))
	require.NoError(t, err)

	after := counterValue(t, db.metrics.walBytesWritten)
	assert.Greater(t, after, before)
}

func TestMetricsConflictsIncrementedOnAbort(t *testing.T) {
	db := openTestDB(t)
	coll := db.Collection("widgets")
	id, err := coll.Insert(NewDocument("qty", 1))
	require.NoError(t, err)

	before := counterValue(t, db.metrics.conflicts)

	tx1, err := db.Begin(true)
	require.NoError(t, err)
	_, err = tx1.UpdateByID("widgets", id, map[string]any{"qty": 2})
	require.NoError(t, err)

	tx2, err := db.Begin(true)
	require.NoError(t, err)
	_, err = tx2.UpdateByID("widgets", id, map[string]any{"qty": 3})
	require.NoError(t, err)

	require.NoError(t, tx1.Commit())
	require.Error(t, tx2.Commit())

	after := counterValue(t, db.metrics.conflicts)
	assert.Equal(t, before+1, after)
}

func TestSampleCacheStatsAccumulatesDeltas(t *testing.T) {
	m := newMetricsSet()
	m.sampleCacheStats(10, 2)
	assert.Equal(t, float64(10), counterValue(t, m.cacheHits))
	assert.Equal(t, float64(2), counterValue(t, m.cacheMisses))

	m.sampleCacheStats(15, 2)
	assert.Equal(t, float64(15), counterValue(t, m.cacheHits))
	assert.Equal(t, float64(2), counterValue(t, m.cacheMisses))
}
