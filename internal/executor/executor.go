// Package executor implements the Resilient Executor: it wraps a
// single per-stage call with a timeout/retry/backoff loop and, once the
// retry budget is exhausted, a terminal decision driven by the stage's
// failover policy.
package executor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coriolis-run/pipeline-runtime/internal/codec"
	"github.com/coriolis-run/pipeline-runtime/internal/errs"
	"github.com/coriolis-run/pipeline-runtime/internal/handle"
	"github.com/coriolis-run/pipeline-runtime/internal/infrastructure/resilience"
	"github.com/coriolis-run/pipeline-runtime/internal/stageconfig"
)

// Result is the outcome the resilient executor hands back to the
// Pipeline Runner for one stage invocation.
type Result int

const (
	OK Result = iota
	Skipped
	Fatal
)

func (r Result) String() string {
	switch r {
	case OK:
		return "OK"
	case Skipped:
		return "SKIPPED"
	case Fatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// caller is the subset of *handle.Handle the executor drives, so tests
// can substitute a fake that fails a controlled number of times.
type caller interface {
	ProcessBatch(ctx context.Context, batch *codec.Batch, deadline time.Time) (int, error)
	Quarantine()
}

// Executor runs stage calls under a stage's failover policy. It keeps
// one circuit breaker per stage name for policies that opt in.
type Executor struct {
	log      *zap.Logger
	breakers map[string]*resilience.Breaker
}

// New constructs an Executor.
func New(log *zap.Logger) *Executor {
	return &Executor{log: log, breakers: make(map[string]*resilience.Breaker)}
}

// breakerFor returns the stage's circuit breaker, constructing it on
// first use. The trip threshold follows the stage's own retry budget —
// a stage configured to retry five times trips its breaker on the same
// number of consecutive failures it would otherwise spend retrying a
// single call — and state transitions are logged against the stage
// name so a breaker trip shows up next to the stage's other log lines.
func (e *Executor) breakerFor(stageName string, policy stageconfig.FailoverPolicy) *resilience.Breaker {
	if b, ok := e.breakers[stageName]; ok {
		return b
	}
	threshold := uint32(policy.MaxRetries)
	if threshold == 0 {
		threshold = 1
	}
	b := resilience.New(stageName, resilience.Settings{
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to resilience.State) {
			e.log.Warn("executor: circuit breaker state change",
				zap.String("stage", name), zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})
	e.breakers[stageName] = b
	return b
}

// Run executes one stage call against h under policy, applying retry
// with exponential backoff across failed attempts and the policy's
// terminal decision once the retry budget is spent.
func (e *Executor) Run(ctx context.Context, h caller, stageName string, batch *codec.Batch, policy stageconfig.FailoverPolicy) Result {
	attempts := policy.MaxRetries + 1
	delay := time.Duration(policy.InitialDelayMs) * time.Millisecond
	maxDelay := time.Duration(policy.MaxDelayMs) * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if !sleepOrCancel(ctx, delay) {
				lastErr = ctx.Err()
				break
			}
			delay = time.Duration(float64(delay) * policy.BackoffMultiplier)
			if delay > maxDelay {
				delay = maxDelay
			}
		}

		var rc int
		var err error
		deadline := time.Now().Add(time.Duration(policy.TimeoutMs) * time.Millisecond)
		if policy.CircuitBreakerEnabled {
			_, err = e.breakerFor(stageName, policy).Execute(func() (interface{}, error) {
				rc, err = h.ProcessBatch(ctx, batch, deadline)
				return nil, err
			})
		} else {
			rc, err = h.ProcessBatch(ctx, batch, deadline)
		}

		if err == nil {
			if pe := errs.NewPluginError(rc); pe != nil {
				lastErr = pe
				continue
			}
			return OK
		}
		lastErr = err
	}

	return e.terminal(ctx, h, stageName, batch, policy, lastErr)
}

func (e *Executor) terminal(ctx context.Context, h caller, stageName string, batch *codec.Batch, policy stageconfig.FailoverPolicy, lastErr error) Result {
	switch policy.Kind {
	case stageconfig.SkipAndContinue:
		e.log.Warn("executor: skipping stage after exhausted retries", zap.String("stage", stageName), zap.Error(lastErr))
		return Skipped

	case stageconfig.UseFallbackPlugin:
		if policy.FallbackPluginPath == "" {
			e.log.Warn("executor: no fallback plugin configured, skipping", zap.String("stage", stageName))
			return Skipped
		}
		return e.runFallback(ctx, stageName, batch, policy)

	case stageconfig.IsolateAndContinue:
		h.Quarantine()
		e.log.Warn("executor: quarantined stage after exhausted retries", zap.String("stage", stageName), zap.Error(lastErr))
		return Skipped

	default: // FailFast, RetryWithBackoff
		e.log.Error("executor: stage failed terminally", zap.String("stage", stageName), zap.Error(lastErr))
		return Fatal
	}
}

// runFallback one-shot spawns a transient handle at the policy's
// fallback plugin path, runs a single attempt with the same timeout,
// and tears the transient handle down regardless of outcome.
func (e *Executor) runFallback(ctx context.Context, stageName string, batch *codec.Batch, policy stageconfig.FailoverPolicy) Result {
	// A fresh suffix per call keeps concurrent fallback spawns for the
	// same stage from colliding on the shared-memory region name, which
	// is derived from the handle's stage name and the coordinator pid.
	fallbackName := stageName + "-fallback-" + uuid.New().String()
	fb := handle.New(fallbackName, policy.FallbackPluginPath, "", batch.Capacity, e.log)
	if err := fb.Start(); err != nil {
		e.log.Error("executor: fallback plugin failed to start", zap.String("stage", stageName), zap.Error(err))
		return Skipped
	}
	defer fb.Terminate()

	deadline := time.Now().Add(time.Duration(policy.TimeoutMs) * time.Millisecond)
	rc, err := fb.ProcessBatch(ctx, batch, deadline)
	if err == nil && errs.NewPluginError(rc) == nil {
		return OK
	}
	e.log.Warn("executor: fallback plugin call failed", zap.String("stage", stageName), zap.Error(err))
	return Skipped
}

func sleepOrCancel(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
