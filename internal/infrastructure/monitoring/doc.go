/*
Package monitoring provides per-component call metrics for the pipeline
runtime.

# Overview

Each Worker Handle owns one Metrics instance, keyed by component name
(its stage name), tracking call counts by outcome and execution-time
aggregates in process and in Prometheus.

# Usage

	m := monitoring.New("enrich")

	start := time.Now()
	if err := call(); err != nil {
		m.RecordFailure(time.Since(start), errors.Is(err, context.DeadlineExceeded))
	} else {
		m.RecordSuccess(time.Since(start))
	}

	snap := m.Snapshot()

# Metrics Endpoint

Expose the registered series via the standard Prometheus endpoint:

	import "github.com/prometheus/client_golang/prometheus/promhttp"
	mux.Handle("/metrics", promhttp.Handler())
*/
package monitoring
