// Package monitoring implements per-component metrics: monotone call
// counters, execution-time aggregates, and last-success/last-failure
// timestamps, exported both as an in-process snapshot and as Prometheus
// series for a pull-based operator view.
package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Snapshot is a point-in-time, read-only copy of a component's metrics.
// Fields are monotone non-decreasing except LastExecMs and the
// timestamps, which record the most recent observation.
type Snapshot struct {
	TotalCalls      uint64
	SuccessfulCalls uint64
	FailedCalls     uint64
	TimeoutCalls    uint64
	TotalExecMs     float64
	LastExecMs      float64
	LastSuccessTS   time.Time
	LastFailureTS   time.Time
}

// Metrics tracks the call statistics for one pipeline component; each
// Worker Handle owns one. The invariants
// TotalCalls == SuccessfulCalls + FailedCalls and TimeoutCalls <=
// FailedCalls hold after every RecordSuccess/RecordFailure call.
type Metrics struct {
	mu       sync.RWMutex
	snapshot Snapshot

	calls       *prometheus.CounterVec
	execSeconds *prometheus.HistogramVec
}

// New creates a Metrics instance for a named component (conventionally
// a stage name), registering its Prometheus series under that label.
func New(component string) *Metrics {
	return &Metrics{
		calls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "pipeline_component_calls_total",
				Help:        "Total component calls by outcome.",
				ConstLabels: prometheus.Labels{"component": component},
			},
			[]string{"outcome"},
		),
		execSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "pipeline_component_exec_seconds",
				Help:        "Component call execution time in seconds.",
				Buckets:     []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
				ConstLabels: prometheus.Labels{"component": component},
			},
			[]string{"outcome"},
		),
	}
}

// RecordSuccess records a successful call and its execution time.
func (m *Metrics) RecordSuccess(exec time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.TotalCalls++
	m.snapshot.SuccessfulCalls++
	ms := float64(exec.Microseconds()) / 1000.0
	m.snapshot.TotalExecMs += ms
	m.snapshot.LastExecMs = ms
	m.snapshot.LastSuccessTS = time.Now()

	m.calls.WithLabelValues("success").Inc()
	m.execSeconds.WithLabelValues("success").Observe(exec.Seconds())
}

// RecordFailure records a failed call. isTimeout additionally increments
// TimeoutCalls, which is always <= FailedCalls.
func (m *Metrics) RecordFailure(exec time.Duration, isTimeout bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.TotalCalls++
	m.snapshot.FailedCalls++
	if isTimeout {
		m.snapshot.TimeoutCalls++
	}
	ms := float64(exec.Microseconds()) / 1000.0
	m.snapshot.TotalExecMs += ms
	m.snapshot.LastExecMs = ms
	m.snapshot.LastFailureTS = time.Now()

	outcome := "failure"
	if isTimeout {
		outcome = "timeout"
	}
	m.calls.WithLabelValues(outcome).Inc()
	m.execSeconds.WithLabelValues(outcome).Observe(exec.Seconds())
}

// Snapshot returns a copy of the current metrics.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// Reset clears this component's accumulated statistics, both the
// in-process snapshot and its Prometheus series. A hot-swapped handle
// calls this after starting its new plugin so the new plugin's call
// history starts from zero rather than inheriting the retired one's.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = Snapshot{}
	m.calls.Reset()
	m.execSeconds.Reset()
}
