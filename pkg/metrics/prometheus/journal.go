// Package prometheus holds the Prometheus implementations of the metrics
// interfaces defined by consumer packages. Importing it registers the
// constructors with pkg/metrics.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/crestfs/crestfs/pkg/journal"
	"github.com/crestfs/crestfs/pkg/metrics"
)

func init() {
	metrics.RegisterJournalMetricsConstructor(newJournalMetrics)
}

// journalMetrics is the Prometheus implementation of journal.Metrics.
type journalMetrics struct {
	slowPath       prometheus.Counter
	entriesClosed  *prometheus.CounterVec
	writes         *prometheus.CounterVec
	writeSectors   prometheus.Histogram
	reclaimRuns    *prometheus.CounterVec
	pinsFlushed    prometheus.Counter
	spaceSectors   *prometheus.GaugeVec
	pinCount       prometheus.Gauge
	watermarkLevel prometheus.Gauge
}

// newJournalMetrics creates a new Prometheus-backed journal.Metrics
// instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func newJournalMetrics() journal.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &journalMetrics{
		slowPath: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "crestfs_journal_reservation_slow_path_total",
				Help: "Reservations that missed the lock-free fast path",
			},
		),
		entriesClosed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "crestfs_journal_entries_closed_total",
				Help: "Journal entries closed, by trigger",
			},
			[]string{"reason"}, // "full", "timer", "flush", "watermark", "error"
		),
		writes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "crestfs_journal_writes_total",
				Help: "Completed journal entry writes, by flush mode",
			},
			[]string{"mode"}, // "flush", "noflush"
		),
		writeSectors: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "crestfs_journal_write_sectors",
				Help: "Size of written journal entries in 512-byte sectors",
				Buckets: []float64{
					1,    // minimal entry
					8,    // 4KB
					64,   // 32KB
					256,  // 128KB
					1024, // 512KB
					2048, // 1MB
				},
			},
		),
		reclaimRuns: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "crestfs_journal_reclaim_runs_total",
				Help: "Reclaim passes, by trigger",
			},
			[]string{"trigger"}, // "direct", "background"
		),
		pinsFlushed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "crestfs_journal_pins_flushed_total",
				Help: "Pins flushed by reclaim",
			},
		),
		spaceSectors: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crestfs_journal_space_sectors",
				Help: "Journal space accounting in 512-byte sectors, by kind",
			},
			[]string{"kind"}, // "discarded", "clean_ondisk", "clean", "total"
		),
		pinCount: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "crestfs_journal_pins",
				Help: "Live journal pins",
			},
		),
		watermarkLevel: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "crestfs_journal_watermark",
				Help: "Admission watermark level (0=normal, 1=reclaim, 2=reserved)",
			},
		),
	}
}

// SlowPath records a reservation that took the locked slow path.
func (m *journalMetrics) SlowPath() {
	if m == nil {
		return
	}
	m.slowPath.Inc()
}

// EntryClosed records an entry close by trigger.
func (m *journalMetrics) EntryClosed(reason string) {
	if m == nil {
		return
	}
	m.entriesClosed.WithLabelValues(reason).Inc()
}

// WriteDone records a completed entry write-out.
func (m *journalMetrics) WriteDone(flush bool, sectors int) {
	if m == nil {
		return
	}
	mode := "noflush"
	if flush {
		mode = "flush"
	}
	m.writes.WithLabelValues(mode).Inc()
	m.writeSectors.Observe(float64(sectors))
}

// ReclaimRun records one reclaim pass.
func (m *journalMetrics) ReclaimRun(direct bool, pinsFlushed int) {
	if m == nil {
		return
	}
	trigger := "background"
	if direct {
		trigger = "direct"
	}
	m.reclaimRuns.WithLabelValues(trigger).Inc()
	m.pinsFlushed.Add(float64(pinsFlushed))
}

// SpaceUpdate publishes the space figures.
func (m *journalMetrics) SpaceUpdate(discarded, cleanOndisk, clean, total int64) {
	if m == nil {
		return
	}
	m.spaceSectors.WithLabelValues("discarded").Set(float64(discarded))
	m.spaceSectors.WithLabelValues("clean_ondisk").Set(float64(cleanOndisk))
	m.spaceSectors.WithLabelValues("clean").Set(float64(clean))
	m.spaceSectors.WithLabelValues("total").Set(float64(total))
}

// SetPinCount publishes the live pin count.
func (m *journalMetrics) SetPinCount(count int) {
	if m == nil {
		return
	}
	m.pinCount.Set(float64(count))
}

// SetWatermark publishes the admission watermark level.
func (m *journalMetrics) SetWatermark(level int) {
	if m == nil {
		return
	}
	m.watermarkLevel.Set(float64(level))
}

var _ journal.Metrics = (*journalMetrics)(nil)
