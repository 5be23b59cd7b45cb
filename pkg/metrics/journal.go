package metrics

import (
	"github.com/crestfs/crestfs/pkg/journal"
)

// NewJournalMetrics creates a Prometheus-backed journal.Metrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
// When nil is returned, callers should pass nil to the journal, which
// results in zero overhead.
func NewJournalMetrics() journal.Metrics {
	if !IsEnabled() || newPrometheusJournalMetrics == nil {
		return nil
	}
	return newPrometheusJournalMetrics()
}

// newPrometheusJournalMetrics is implemented in pkg/metrics/prometheus.
// This indirection avoids import cycles while keeping the API clean.
var newPrometheusJournalMetrics func() journal.Metrics

// RegisterJournalMetricsConstructor registers the Prometheus journal
// metrics constructor. Called by pkg/metrics/prometheus during package
// initialization.
func RegisterJournalMetricsConstructor(constructor func() journal.Metrics) {
	newPrometheusJournalMetrics = constructor
}
