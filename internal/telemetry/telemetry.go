// Package telemetry wires structured logging and metrics: logrus for
// structured, leveled logs and a prometheus registry for gauges/counters
// the F+C worker and transaction manager update as they run. HdrHistogram
// measures commit latency for cmd/pancake-bench's reporting, not for
// in-process serving.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// NewLogger builds the root structured logger. JSON in production-ish
// contexts, text for local runs.
func NewLogger(jsonFormat bool) *logrus.Logger {
	l := logrus.New()
	if jsonFormat {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}

// Metrics is the set of prometheus collectors the engine updates.
// Registered against a private registry (rather than the global default)
// so multiple DB instances in one process, as in tests, don't collide on
// metric names.
type Metrics struct {
	Registry *prometheus.Registry

	CommitsTotal    *prometheus.CounterVec
	ConflictsTotal  prometheus.Counter
	ChainLength     prometheus.Gauge
	DanglingNodes   prometheus.Gauge
	CompactionsTotal prometheus.Counter
	ScndIdxBackfillsTotal prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		CommitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pancake",
			Name:      "commits_total",
			Help:      "Transaction commit outcomes.",
		}, []string{"outcome"}),
		ConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pancake",
			Name:      "conflicts_total",
			Help:      "Transactions rejected for a read/write conflict.",
		}),
		ChainLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pancake",
			Name:      "chain_length",
			Help:      "Current length of the primary unit chain.",
		}),
		DanglingNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pancake",
			Name:      "dangling_nodes",
			Help:      "Chain nodes spliced out but not yet GC-reclaimed.",
		}),
		CompactionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pancake",
			Name:      "compactions_total",
			Help:      "Flush+compaction folds performed.",
		}),
		ScndIdxBackfillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pancake",
			Name:      "scndidx_backfills_total",
			Help:      "Secondary index backfill passes completed.",
		}),
	}
	reg.MustRegister(m.CommitsTotal, m.ConflictsTotal, m.ChainLength, m.DanglingNodes, m.CompactionsTotal, m.ScndIdxBackfillsTotal)
	return m
}
