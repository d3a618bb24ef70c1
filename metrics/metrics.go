// Package metrics - Prometheus instrumentation and progress reporting for
// masking runs.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"phimask.evalgo.org/mask"
	"phimask.evalgo.org/rules"
)

// Metrics holds all Prometheus metrics for a masking run.
type Metrics struct {
	// Document flow metrics
	DocsRead         prometheus.Counter
	DocsMasked       prometheus.Counter
	DocsUnchanged    prometheus.Counter
	DocsCommitted    prometheus.Counter
	DocsDeadLettered prometheus.Counter

	// Rule metrics
	RulesApplied   *prometheus.CounterVec
	RuleFailures   *prometheus.CounterVec
	TypeMismatches prometheus.Counter

	// Batch metrics
	BatchDuration prometheus.Histogram
	BatchSize     prometheus.Gauge
	Batches       prometheus.Counter
	SoloRetries   prometheus.Counter
	Conflicts     prometheus.Counter

	// Resource metrics
	RSSBytes prometheus.Gauge

	mu       sync.Mutex
	coverage map[string]int64
}

// NewMetrics creates and registers metrics against the given registerer.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "phimask"
	}
	factory := promauto.With(reg)

	m := &Metrics{
		DocsRead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_read_total",
			Help:      "Total documents read from the source collection",
		}),

		DocsMasked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_masked_total",
			Help:      "Total documents with at least one field changed",
		}),

		DocsUnchanged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_unchanged_total",
			Help:      "Total documents no rule touched",
		}),

		DocsCommitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_committed_total",
			Help:      "Total documents durably written to the sink",
		}),

		DocsDeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_dead_lettered_total",
			Help:      "Total documents abandoned after the retry budget",
		}),

		RulesApplied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rules_applied_total",
				Help:      "Total rule applications that changed a value",
			},
			[]string{"path", "rule_type"},
		),

		RuleFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_failures_total",
				Help:      "Total rule applications that failed open",
			},
			[]string{"path", "rule_type", "reason"},
		),

		TypeMismatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "type_mismatches_total",
			Help:      "Total fields whose runtime type did not match their rule",
		}),

		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "End-to-end duration of one batch from read to commit",
			Buckets:   []float64{.25, .5, 1, 2, 4, 8, 16, 32, 64},
		}),

		BatchSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Current adaptive batch size in documents",
		}),

		Batches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Total batches committed",
		}),

		SoloRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "solo_retries_total",
			Help:      "Total single-document retry attempts after a partial bulk failure",
		}),

		Conflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_conflicts_total",
			Help:      "Total MVCC conflicts observed on commit",
		}),

		RSSBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rss_bytes",
			Help:      "Resident set size of the process",
		}),

		coverage: make(map[string]int64),
	}
	return m
}

// RuleApplied records one value change. Implements the transformer's
// reporter contract.
func (m *Metrics) RuleApplied(path string, typ rules.Type) {
	m.RulesApplied.WithLabelValues(path, string(typ)).Inc()

	m.mu.Lock()
	m.coverage[path]++
	m.mu.Unlock()
}

// RuleFailed records one fail-open rule application.
func (m *Metrics) RuleFailed(docID, path string, typ rules.Type, reason string) {
	m.RuleFailures.WithLabelValues(path, string(typ), reason).Inc()
	if reason == mask.ReasonTypeMismatch {
		m.TypeMismatches.Inc()
	}
}

// ObserveBatch records one committed batch. The BatchSize gauge is not
// set here; it tracks the scheduler's current adaptive target, which the
// scheduler updates after folding the batch into its sizing state.
func (m *Metrics) ObserveBatch(d time.Duration) {
	m.Batches.Inc()
	m.BatchDuration.Observe(d.Seconds())
}

// Coverage returns how many times each rule path changed a value, keyed
// by the rule's declared path.
func (m *Metrics) Coverage() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.coverage))
	for k, v := range m.coverage {
		out[k] = v
	}
	return out
}

// UncoveredPaths returns the declared paths that never matched a value,
// sorted for stable output.
func (m *Metrics) UncoveredPaths(declared []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for _, p := range declared {
		if m.coverage[p] == 0 {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
