/*
Package resilience implements the circuit breaker the Resilient Executor
opens around a stage's worker calls, so a stage that is consistently
failing stops burning retry attempts and timeout windows against a
worker that will not answer.

# Overview

Each pipeline stage that opts into FailoverPolicy.CircuitBreakerEnabled
gets its own breaker, keyed by stage name, and its trip threshold
follows that stage's own MaxRetries rather than a fixed default — a
stage that retries five times before a terminal decision trips its
breaker on five consecutive failures too.

# Usage

	breaker := resilience.New(stageName, resilience.Settings{
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(policy.MaxRetries)
		},
		OnStateChange: func(name string, from, to resilience.State) {
			log.Warn("circuit breaker state change", zap.String("stage", name))
		},
	})

	_, err := breaker.Execute(func() (interface{}, error) {
		_, err := h.ProcessBatch(ctx, batch, deadline)
		return nil, err
	})

# States

  - Closed: the stage's calls pass through to its worker normally.
  - Open: the breaker answers ErrCircuitOpen without calling the worker.
  - Half-Open: a limited probe is allowed through to test recovery.

# Pattern

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                    [failure]
	                                           |
	                                           v
	                                         Open
*/
package resilience
