// Package stageconfig defines the value types describing a pipeline's
// stages and their failover policies, and loads them from the
// line-oriented pipeline configuration file format and from a
// supplementary YAML supervisor spec.
package stageconfig

import (
	"fmt"
)

// FailoverKind selects the terminal behavior a stage falls back to once
// the resilient executor's retry budget is exhausted.
type FailoverKind string

const (
	FailFast           FailoverKind = "FAIL_FAST"
	RetryWithBackoff   FailoverKind = "RETRY_WITH_BACKOFF"
	SkipAndContinue    FailoverKind = "SKIP_AND_CONTINUE"
	UseFallbackPlugin  FailoverKind = "USE_FALLBACK_PLUGIN"
	IsolateAndContinue FailoverKind = "ISOLATE_AND_CONTINUE"
)

func validKind(k FailoverKind) bool {
	switch k {
	case FailFast, RetryWithBackoff, SkipAndContinue, UseFallbackPlugin, IsolateAndContinue:
		return true
	}
	return false
}

// FailoverPolicy governs how the resilient executor retries and
// ultimately disposes of a failing per-stage call.
type FailoverPolicy struct {
	Kind                  FailoverKind
	MaxRetries            int
	InitialDelayMs        int
	MaxDelayMs            int
	BackoffMultiplier     float64
	TimeoutMs             int
	FallbackPluginPath    string
	CircuitBreakerEnabled bool
}

// Validate checks the invariants the spec places on a failover policy.
func (p FailoverPolicy) Validate() error {
	if !validKind(p.Kind) {
		return fmt.Errorf("stageconfig: unknown failover kind %q", p.Kind)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("stageconfig: max_retries must be >= 0")
	}
	if p.TimeoutMs <= 0 {
		return fmt.Errorf("stageconfig: timeout_ms must be > 0")
	}
	if p.InitialDelayMs <= 0 {
		return fmt.Errorf("stageconfig: initial_delay_ms must be > 0")
	}
	if p.MaxDelayMs < p.InitialDelayMs {
		return fmt.Errorf("stageconfig: max_delay_ms must be >= initial_delay_ms")
	}
	if p.BackoffMultiplier < 1.0 {
		return fmt.Errorf("stageconfig: backoff_multiplier must be >= 1.0")
	}
	return nil
}

// Descriptor is one stage in the pipeline's ordered sequence.
type Descriptor struct {
	Name       string
	PluginPath string
	Params     string
	Enabled    bool
	Failover   FailoverPolicy
}

// Validate checks the invariants the spec places on a stage descriptor.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("stageconfig: stage name must not be empty")
	}
	if d.PluginPath == "" {
		return fmt.Errorf("stageconfig: plugin_path must not be empty for stage %q", d.Name)
	}
	return d.Failover.Validate()
}

// RestartPolicy selects the scope of workers a supervisor restarts when
// one of its supervised workers dies.
type RestartPolicy string

const (
	OneForOne  RestartPolicy = "ONE_FOR_ONE"
	OneForAll  RestartPolicy = "ONE_FOR_ALL"
	RestForOne RestartPolicy = "REST_FOR_ONE"
)

// SupervisorSpec configures one supervisor's restart behavior.
type SupervisorSpec struct {
	RestartPolicy    RestartPolicy
	MaxRestarts      int
	RestartPeriodS   int
	ShutdownTimeoutS int
}

// Validate checks the invariants the spec places on a supervisor spec.
func (s SupervisorSpec) Validate() error {
	switch s.RestartPolicy {
	case OneForOne, OneForAll, RestForOne:
	default:
		return fmt.Errorf("stageconfig: unknown restart policy %q", s.RestartPolicy)
	}
	if s.MaxRestarts < 0 {
		return fmt.Errorf("stageconfig: max_restarts must be >= 0")
	}
	if s.RestartPeriodS <= 0 {
		return fmt.Errorf("stageconfig: restart_period_s must be > 0")
	}
	return nil
}

// DefaultSupervisorSpec returns the supervisor spec used when no YAML
// override is loaded.
func DefaultSupervisorSpec() SupervisorSpec {
	return SupervisorSpec{
		RestartPolicy:    OneForOne,
		MaxRestarts:      3,
		RestartPeriodS:   60,
		ShutdownTimeoutS: 2,
	}
}

// Pipeline is the ordered, validated sequence of stages plus the
// supervisor spec governing their restarts.
type Pipeline struct {
	Stages     []Descriptor
	Supervisor SupervisorSpec
}

// Validate checks name uniqueness across stages, each stage's own
// invariants, and the supervisor spec.
func (p Pipeline) Validate() error {
	seen := make(map[string]bool, len(p.Stages))
	for _, s := range p.Stages {
		if err := s.Validate(); err != nil {
			return err
		}
		if seen[s.Name] {
			return fmt.Errorf("stageconfig: duplicate stage name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return p.Supervisor.Validate()
}
