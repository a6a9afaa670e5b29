// Package metrics provides a small, backend-agnostic abstraction for recording
// operational metrics from import and export sessions.
//
// A global, pluggable backend defaults to a no-op implementation, so metrics
// are always safe to call even when no real backend is configured. Concrete
// systems (Prometheus Pushgateway, DogStatsD) live in subpackages.
package metrics

import (
	"sync"
	"time"
)

// Metric names shared by all backends.
const (
	StepTotal           = "docetl_step_total"
	StepDurationSeconds = "docetl_step_duration_seconds"
	DocsTotal           = "docetl_docs_total"
	BatchesTotal        = "docetl_batches_total"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a latency/duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it (e.g. Pushgateway).
	Flush() error
}

// nopBackend is used by default so metrics are optional.
type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b and returns the previous backend. Passing nil
// restores the no-op backend.
func SetBackend(b Backend) Backend {
	if b == nil {
		b = nopBackend{}
	}
	mu.Lock()
	defer mu.Unlock()
	prev := backend
	backend = b
	return prev
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush delegates to the current backend.
func Flush() error {
	return current().Flush()
}

// RecordStep counts one execution of a step and observes its duration.
// Steps are "analyze", "import" and "export".
func RecordStep(job, step string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	lbls := Labels{
		"job":    job,
		"step":   step,
		"status": status,
	}
	b := current()
	b.IncCounter(StepTotal, 1, lbls)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), lbls)
}

// RecordRow increments a document-level counter. Kinds are "processed",
// "written", "errors" and "exported".
func RecordRow(job, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	current().IncCounter(DocsTotal, float64(delta), Labels{
		"job":  job,
		"kind": kind,
	})
}

// RecordBatches increments the insert batch counter.
func RecordBatches(job string, delta int64) {
	if delta <= 0 {
		return
	}
	current().IncCounter(BatchesTotal, float64(delta), Labels{
		"job": job,
	})
}
