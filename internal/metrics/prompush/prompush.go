// Package prompush implements a Prometheus Pushgateway backend for the
// metrics package.
//
// Sessions are short-lived, so metrics are pushed to a Pushgateway instead of
// being exposed on a scrape endpoint. The job name is the Pushgateway
// grouping key; step, status and kind become Prometheus labels.
package prompush

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/haohanyang/compass/internal/metrics"
)

// Backend is a Prometheus Pushgateway metrics backend.
type Backend struct {
	gatewayURL string // e.g. http://pushgateway:9091
	jobName    string // Pushgateway "job" group
	reg        *prometheus.Registry

	stepCounter  *prometheus.CounterVec
	stepDuration *prometheus.SummaryVec
	docCounter   *prometheus.CounterVec
	batchCounter prometheus.Counter
}

// NewBackend constructs a Pushgateway backend. An empty jobName defaults to
// "docetl".
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "docetl"
	}

	reg := prometheus.NewRegistry()

	stepCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metrics.StepTotal,
			Help: "Session step executions, partitioned by step and status.",
		},
		[]string{"step", "status"},
	)
	stepDuration := prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       metrics.StepDurationSeconds,
			Help:       "Duration of session steps in seconds.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"step", "status"},
	)
	docCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metrics.DocsTotal,
			Help: "Document counts per kind (processed, written, errors, exported).",
		},
		[]string{"kind"},
	)
	batchCounter := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: metrics.BatchesTotal,
			Help: "Insert batches submitted to the store.",
		},
	)

	for _, c := range []prometheus.Collector{stepCounter, stepDuration, docCounter, batchCounter} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("prompush: register: %w", err)
		}
	}

	return &Backend{
		gatewayURL:   gatewayURL,
		jobName:      jobName,
		reg:          reg,
		stepCounter:  stepCounter,
		stepDuration: stepDuration,
		docCounter:   docCounter,
		batchCounter: batchCounter,
	}, nil
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case metrics.StepTotal:
		b.stepCounter.WithLabelValues(labels["step"], labels["status"]).Add(delta)
	case metrics.DocsTotal:
		b.docCounter.WithLabelValues(labels["kind"]).Add(delta)
	case metrics.BatchesTotal:
		b.batchCounter.Add(delta)
	}
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != metrics.StepDurationSeconds {
		return
	}
	b.stepDuration.WithLabelValues(labels["step"], labels["status"]).Observe(value)
}

// Flush pushes the current registry to the Pushgateway.
func (b *Backend) Flush() error {
	return push.New(b.gatewayURL, b.jobName).
		Gatherer(b.reg).
		Push()
}
