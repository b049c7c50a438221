package consensus

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "consensus"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Height of the chain.
	Height metrics.Gauge
	// View number of the current height.
	View metrics.Gauge
	// Number of validators.
	Validators metrics.Gauge
	// Number of commits collected in the current height.
	Committed metrics.Gauge
	// Number of validators presumed lost.
	Failed metrics.Gauge

	// Number of view changes.
	ViewChanges metrics.Counter
	// Number of recovery requests sent.
	Recoveries metrics.Counter
	// Number of payloads dropped by the intake.
	RejectedPayloads metrics.Counter
	// Number of blocks handed to the ledger.
	FinalizedBlocks metrics.Counter

	// Time between this and the last block.
	BlockIntervalSeconds metrics.Histogram
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Height: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "height",
			Help:      "Height of the chain.",
		}, labels).With(labelsAndValues...),
		View: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "view",
			Help:      "View number of the current height.",
		}, labels).With(labelsAndValues...),
		Validators: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "validators",
			Help:      "Number of validators.",
		}, labels).With(labelsAndValues...),
		Committed: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "committed",
			Help:      "Number of commits collected in the current height.",
		}, labels).With(labelsAndValues...),
		Failed: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "failed",
			Help:      "Number of validators presumed lost.",
		}, labels).With(labelsAndValues...),
		ViewChanges: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "view_changes",
			Help:      "Number of view changes.",
		}, labels).With(labelsAndValues...),
		Recoveries: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "recoveries",
			Help:      "Number of recovery requests sent.",
		}, labels).With(labelsAndValues...),
		RejectedPayloads: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "rejected_payloads",
			Help:      "Number of payloads dropped by the intake.",
		}, labels).With(labelsAndValues...),
		FinalizedBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "finalized_blocks",
			Help:      "Number of blocks handed to the ledger.",
		}, labels).With(labelsAndValues...),
		BlockIntervalSeconds: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "block_interval_seconds",
			Help:      "Time between this and the last block.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Height:               discard.NewGauge(),
		View:                 discard.NewGauge(),
		Validators:           discard.NewGauge(),
		Committed:            discard.NewGauge(),
		Failed:               discard.NewGauge(),
		ViewChanges:          discard.NewCounter(),
		Recoveries:           discard.NewCounter(),
		RejectedPayloads:     discard.NewCounter(),
		FinalizedBlocks:      discard.NewCounter(),
		BlockIntervalSeconds: discard.NewHistogram(),
	}
}
