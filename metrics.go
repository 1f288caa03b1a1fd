package chronodb

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsSet is the database's prometheus collector set, registered
// once per DB.Open and updated inline by the pager/commit/checkpoint
// paths, grounded on the teacher pack's PrometheusObserver pattern.
type metricsSet struct {
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
	walBytesWritten   prometheus.Counter
	checkpointLatency prometheus.Histogram
	checkpoints       prometheus.Counter
	activeTxns        prometheus.Gauge
	conflicts         prometheus.Counter

	// lastCacheHits/lastCacheMisses hold the cumulative pager.Stats
	// values last sampled, since prometheus.Counter only grows by
	// Add(delta) but pager.CacheStats() returns running totals.
	lastCacheHits   float64
	lastCacheMisses float64
}

func newMetricsSet() *metricsSet {
	m := &metricsSet{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronodb_page_cache_hits_total",
			Help: "Page cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronodb_page_cache_misses_total",
			Help: "Page cache misses.",
		}),
		walBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronodb_wal_bytes_written_total",
			Help: "Bytes appended to the write-ahead log.",
		}),
		checkpointLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chronodb_checkpoint_duration_seconds",
			Help:    "Time spent flushing and truncating the WAL during a checkpoint.",
			Buckets: prometheus.DefBuckets,
		}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronodb_checkpoints_total",
			Help: "Completed checkpoints.",
		}),
		activeTxns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chronodb_active_transactions",
			Help: "Currently open transactions (readers and writers).",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronodb_commit_conflicts_total",
			Help: "Commits aborted by write-write conflict detection.",
		}),
	}

	// Registration failures here mean another chronodb instance in the
	// same process already registered the same collector names; that
	// is a caller error (two Opens sharing a registry), not something
	// this constructor can recover from meaningfully.
	_ = prometheus.Register(m.cacheHits)
	_ = prometheus.Register(m.cacheMisses)
	_ = prometheus.Register(m.walBytesWritten)
	_ = prometheus.Register(m.checkpointLatency)
	_ = prometheus.Register(m.checkpoints)
	_ = prometheus.Register(m.activeTxns)
	_ = prometheus.Register(m.conflicts)

	return m
}

func (m *metricsSet) observeCheckpoint(d time.Duration) {
	m.checkpointLatency.Observe(d.Seconds())
	m.checkpoints.Inc()
}

func (m *metricsSet) sampleCacheStats(hits, misses uint64) {
	m.cacheHits.Add(float64(hits) - m.lastCacheHits)
	m.lastCacheHits = float64(hits)
	m.cacheMisses.Add(float64(misses) - m.lastCacheMisses)
	m.lastCacheMisses = float64(misses)
}
