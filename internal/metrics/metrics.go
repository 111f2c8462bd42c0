// Package metrics exposes the datastore's Prometheus metrics: epoch
// durability progress, compaction throughput, BLOB GC activity, and
// backup session counts.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects the engine's Prometheus metrics.
type Collector struct {
	epochSwitched       prometheus.Gauge
	epochInformed       prometheus.Gauge
	epochUpdateFailures prometheus.Counter

	compactionsTotal prometheus.Counter
	compactionKeys   prometheus.Histogram
	compactionLatency prometheus.Histogram

	gcCandidates prometheus.Gauge
	gcDeleted    prometheus.Counter

	backupSessionsActive prometheus.Gauge
	backupSessionsTotal  prometheus.Counter
}

// NewCollector constructs and registers a Collector against the default
// Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		epochSwitched: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledgerstore_epoch_switched",
			Help: "Most recently switched epoch id.",
		}),
		epochInformed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledgerstore_epoch_informed",
			Help: "Most recently advertised durable epoch id.",
		}),
		epochUpdateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgerstore_epoch_update_failures_total",
			Help: "Number of UpdateMinEpochID calls that returned an error.",
		}),
		compactionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgerstore_compactions_total",
			Help: "Total number of completed compaction cycles.",
		}),
		compactionKeys: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledgerstore_compaction_keys_merged",
			Help:    "Number of distinct keys in a compacted output.",
			Buckets: prometheus.ExponentialBuckets(10, 4, 8),
		}),
		compactionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledgerstore_compaction_duration_seconds",
			Help:    "Wall-clock duration of a compaction cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		gcCandidates: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledgerstore_gc_candidates",
			Help: "BLOB candidates found in the most recent GC scan.",
		}),
		gcDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgerstore_gc_deleted_total",
			Help: "Total number of BLOB files deleted by garbage collection.",
		}),
		backupSessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledgerstore_backup_sessions_active",
			Help: "Currently outstanding backup sessions.",
		}),
		backupSessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgerstore_backup_sessions_total",
			Help: "Total number of backup sessions begun.",
		}),
	}

	prometheus.MustRegister(
		c.epochSwitched,
		c.epochInformed,
		c.epochUpdateFailures,
		c.compactionsTotal,
		c.compactionKeys,
		c.compactionLatency,
		c.gcCandidates,
		c.gcDeleted,
		c.backupSessionsActive,
		c.backupSessionsTotal,
	)

	return c
}

// SetEpochSwitched records epoch_id_switched.
func (c *Collector) SetEpochSwitched(epoch uint64) { c.epochSwitched.Set(float64(epoch)) }

// SetEpochInformed records epoch_id_informed.
func (c *Collector) SetEpochInformed(epoch uint64) { c.epochInformed.Set(float64(epoch)) }

// RecordEpochUpdateFailure increments the update-failure counter.
func (c *Collector) RecordEpochUpdateFailure() { c.epochUpdateFailures.Inc() }

// RecordCompaction records one completed compaction's key count and
// duration.
func (c *Collector) RecordCompaction(keysMerged int, durationSeconds float64) {
	c.compactionsTotal.Inc()
	c.compactionKeys.Observe(float64(keysMerged))
	c.compactionLatency.Observe(durationSeconds)
}

// RecordGCScan records the candidate count found by a BLOB scan.
func (c *Collector) RecordGCScan(candidates int) { c.gcCandidates.Set(float64(candidates)) }

// RecordGCDeleted increments the cumulative deleted-BLOB counter.
func (c *Collector) RecordGCDeleted(count int) { c.gcDeleted.Add(float64(count)) }

// RecordBackupBegin records a new backup session starting.
func (c *Collector) RecordBackupBegin() {
	c.backupSessionsTotal.Inc()
	c.backupSessionsActive.Inc()
}

// RecordBackupEnd records a backup session ending.
func (c *Collector) RecordBackupEnd() { c.backupSessionsActive.Dec() }

// StartServer starts the Prometheus metrics HTTP server, blocking until it
// exits.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
