package handle

import (
	"errors"
	"os/exec"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/coriolis-run/pipeline-runtime/internal/errs"
	"github.com/coriolis-run/pipeline-runtime/internal/shm"
)

// withTempRegionDir points shm at a scratch directory for the duration
// of a test, as wireUp does for the protocol tests in this package.
func withTempRegionDir(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	old := shm.DefaultDir
	shm.DefaultDir = dir
	t.Cleanup(func() { shm.DefaultDir = old })
}

// withSpawn substitutes the package's worker-launch seam for the
// duration of a test, restoring it on cleanup.
func withSpawn(t *testing.T, fn func(name string, arg ...string) *exec.Cmd) {
	t.Helper()
	old := spawn
	spawn = fn
	t.Cleanup(func() { spawn = old })
}

// longRunning ignores the real worker flags and execs a process that
// outlives the test, standing in for a successfully started worker.
func longRunning(name string, arg ...string) *exec.Cmd {
	return exec.Command("sleep", "30")
}

func TestSwapStartsNewPluginAndResetsMetrics(t *testing.T) {
	withTempRegionDir(t)
	withSpawn(t, longRunning)

	h := New(t.Name(), "/plugins/old.so", "", 4, zap.NewNop())
	if err := h.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Terminate()

	h.Metrics().RecordSuccess(time.Millisecond)
	if h.Metrics().Snapshot().TotalCalls == 0 {
		t.Fatalf("expected metrics to record before swap")
	}

	if err := h.Swap("/plugins/new.so"); err != nil {
		t.Fatalf("swap: %v", err)
	}

	if h.PluginPath != "/plugins/new.so" {
		t.Fatalf("want plugin path updated to new.so, got %q", h.PluginPath)
	}
	if snap := h.Metrics().Snapshot(); snap.TotalCalls != 0 {
		t.Fatalf("want metrics reset after swap, got %+v", snap)
	}
	if !h.Running() {
		t.Fatalf("want handle running after successful swap")
	}
}

func TestSwapRollsBackOnNewStartFailure(t *testing.T) {
	withTempRegionDir(t)

	var calls int
	withSpawn(t, func(name string, arg ...string) *exec.Cmd {
		calls++
		if calls == 2 {
			// Simulate the new plugin's worker failing to exec; the
			// first call (Start, below) and the third (Swap's rollback
			// start) both succeed.
			return exec.Command("/nonexistent-pipeline-worker-binary")
		}
		return longRunning(name, arg...)
	})

	h := New(t.Name(), "/plugins/old.so", "", 4, zap.NewNop())
	if err := h.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Terminate()

	err := h.Swap("/plugins/new.so")
	if err == nil {
		t.Fatalf("expected swap to report the new plugin's start failure")
	}
	if !errors.Is(err, errs.ErrSpawn) {
		t.Fatalf("want wrapped errs.ErrSpawn, got %v", err)
	}

	if h.PluginPath != "/plugins/old.so" {
		t.Fatalf("want plugin path rolled back to old.so, got %q", h.PluginPath)
	}
	if !h.Running() {
		t.Fatalf("want handle running again after rollback")
	}
}
