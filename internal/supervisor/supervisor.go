// Package supervisor implements the OTP-style supervision tree: a
// monitor loop that observes a set of supervised components and, on
// death, restarts them according to a declared strategy and within a
// sliding-window restart budget.
package supervisor

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coriolis-run/pipeline-runtime/internal/stageconfig"
)

// swappable is satisfied by *handle.Handle; a nested child Supervisor
// does not implement it, since hot-swap only makes sense for a leaf
// worker's plugin path.
type swappable interface {
	Swap(newPluginPath string) error
}

// Supervised is the common capability set over the two kinds of thing a
// Supervisor watches: a leaf Worker Handle, or a child Supervisor. Both
// satisfy this interface, so the restart logic never branches on which
// kind it is holding.
type Supervised interface {
	Name() string
	IsHealthy() bool
	Terminate() error
	Restart() error
}

// Stats is a diagnostic snapshot for the admin API and tree printing.
type Stats struct {
	Total         int
	Healthy       int
	TotalRestarts int
}

// Supervisor owns an ordered set of Supervised components and restarts
// them per spec on death, tracking a restart-history deque per name to
// enforce a sliding-window budget.
type Supervisor struct {
	mu sync.Mutex

	spec     stageconfig.SupervisorSpec
	children []Supervised

	restartHistory map[string][]time.Time
	permanentlyDown map[string]bool
	totalRestarts  int

	alive  bool
	stopCh chan struct{}

	log *zap.Logger
}

// New constructs a Supervisor over an initial (possibly empty) set of
// supervised components.
func New(spec stageconfig.SupervisorSpec, log *zap.Logger) *Supervisor {
	return &Supervisor{
		spec:            spec,
		restartHistory:  make(map[string][]time.Time),
		permanentlyDown: make(map[string]bool),
		log:             log,
	}
}

// Add appends a component to the supervised set, in stage order.
func (s *Supervisor) Add(c Supervised) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children = append(s.children, c)
}

// IsHealthy reports the supervisor's own health to an enclosing
// supervisor: healthy iff every supervised component is healthy.
func (s *Supervisor) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.children {
		if !c.IsHealthy() {
			return false
		}
	}
	return true
}

// Name identifies this supervisor when nested as a child of another.
func (s *Supervisor) Name() string { return "supervisor" }

// Terminate stops every supervised component.
func (s *Supervisor) Terminate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, c := range s.children {
		if err := c.Terminate(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Restart restarts every supervised component — used when this
// supervisor itself is a child being restarted by its parent.
func (s *Supervisor) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, c := range s.children {
		if err := c.Restart(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run starts the 5-second monitor tick. It blocks until Stop is called.
func (s *Supervisor) Run() {
	s.mu.Lock()
	s.alive = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// Stop ends the monitor loop started by Run.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alive {
		s.alive = false
		close(s.stopCh)
	}
}

func (s *Supervisor) tick() {
	s.mu.Lock()
	dead := make([]string, 0)
	for _, c := range s.children {
		if !c.IsHealthy() && !s.permanentlyDown[c.Name()] {
			dead = append(dead, c.Name())
		}
	}
	s.mu.Unlock()

	for _, name := range dead {
		s.onDeath(name)
	}
}

// onDeath applies the configured restart strategy to the dead
// component named name, serialized under the supervisor mutex so
// concurrent death reports do not interleave a cascade.
func (s *Supervisor) onDeath(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOfLocked(name)
	if idx < 0 {
		return
	}

	if !s.shouldRestartLocked(name) {
		s.permanentlyDown[name] = true
		s.log.Error("supervisor: restart budget exhausted, stage permanently down", zap.String("stage", name))
		return
	}

	targets := s.restartScopeLocked(idx)
	for _, i := range targets {
		c := s.children[i]
		if err := c.Restart(); err != nil {
			s.log.Error("supervisor: restart failed", zap.String("stage", c.Name()), zap.Error(err))
			continue
		}
		s.recordRestartLocked(c.Name())
		s.log.Info("supervisor: restarted stage", zap.String("stage", c.Name()))
	}
}

func (s *Supervisor) indexOfLocked(name string) int {
	for i, c := range s.children {
		if c.Name() == name {
			return i
		}
	}
	return -1
}

// restartScopeLocked returns the indices to restart for the component
// at idx, per the configured strategy.
func (s *Supervisor) restartScopeLocked(idx int) []int {
	switch s.spec.RestartPolicy {
	case stageconfig.OneForAll:
		out := make([]int, len(s.children))
		for i := range s.children {
			out[i] = i
		}
		return out
	case stageconfig.RestForOne:
		out := make([]int, 0, len(s.children)-idx)
		for i := idx; i < len(s.children); i++ {
			out = append(out, i)
		}
		return out
	default: // OneForOne
		return []int{idx}
	}
}

// shouldRestartLocked reports whether name's restart history within the
// sliding window still has budget, per |H(name)| < max_restarts.
func (s *Supervisor) shouldRestartLocked(name string) bool {
	s.pruneHistoryLocked(name)
	return len(s.restartHistory[name]) < s.spec.MaxRestarts
}

func (s *Supervisor) pruneHistoryLocked(name string) {
	cutoff := time.Now().Add(-time.Duration(s.spec.RestartPeriodS) * time.Second)
	hist := s.restartHistory[name]
	i := 0
	for i < len(hist) && hist[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		s.restartHistory[name] = hist[i:]
	}
}

func (s *Supervisor) recordRestartLocked(name string) {
	s.restartHistory[name] = append(s.restartHistory[name], time.Now())
	s.totalRestarts++
}

// Swap hot-swaps the named stage's worker to a new plugin path in
// place: the child's index in the supervised set is untouched, so a
// subsequent restart-scope computation for ONE_FOR_ALL/REST_FOR_ONE
// still sees the same ordering it did before the swap. Only a leaf
// Worker Handle supports this; swapping a nested child Supervisor
// returns an error.
func (s *Supervisor) Swap(name, newPluginPath string) error {
	s.mu.Lock()
	idx := s.indexOfLocked(name)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: no such stage %q", name)
	}
	child := s.children[idx]
	s.mu.Unlock()

	sw, ok := child.(swappable)
	if !ok {
		return fmt.Errorf("supervisor: stage %q does not support hot-swap", name)
	}
	if err := sw.Swap(newPluginPath); err != nil {
		s.log.Error("supervisor: hot-swap failed", zap.String("stage", name), zap.Error(err))
		return err
	}
	s.log.Info("supervisor: hot-swapped stage", zap.String("stage", name), zap.String("plugin_path", newPluginPath))
	return nil
}

// PermanentlyDown reports whether name's restart budget has been
// exhausted; the pipeline runner treats this identically to a
// quarantined handle.
func (s *Supervisor) PermanentlyDown(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permanentlyDown[name]
}

// ClearPermanentFailure lifts a permanent-failure observation, allowing
// an operator to resume scheduling calls to name after manual
// intervention.
func (s *Supervisor) ClearPermanentFailure(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.permanentlyDown, name)
	delete(s.restartHistory, name)
}

// Statistics returns a consistent snapshot of supervised-component
// counts for the admin API and tree printing.
func (s *Supervisor) Statistics() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	healthy := 0
	for _, c := range s.children {
		if c.IsHealthy() {
			healthy++
		}
	}
	return Stats{Total: len(s.children), Healthy: healthy, TotalRestarts: s.totalRestarts}
}

// Tree renders a diagnostic, indented view of the supervised set.
func (s *Supervisor) Tree() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := "supervisor\n"
	for _, c := range s.children {
		status := "healthy"
		if s.permanentlyDown[c.Name()] {
			status = "permanently-down"
		} else if !c.IsHealthy() {
			status = "unhealthy"
		}
		out += "  - " + c.Name() + " (" + status + ")\n"
	}
	return out
}
