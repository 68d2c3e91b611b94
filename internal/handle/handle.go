// Package handle implements the Worker Handle: the coordinator-side
// proxy for one Worker Process. A Handle owns that worker's channels,
// shared region, and lifecycle (spawn, call, heartbeat, terminate,
// restart) and serializes calls to it behind its own mutex, since the
// worker's request loop is single-threaded and strictly blocking
// between receive and reply.
package handle

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/coriolis-run/pipeline-runtime/internal/codec"
	"github.com/coriolis-run/pipeline-runtime/internal/errs"
	"github.com/coriolis-run/pipeline-runtime/internal/infrastructure/monitoring"
	"github.com/coriolis-run/pipeline-runtime/internal/shm"
	"github.com/coriolis-run/pipeline-runtime/internal/transport"
)

// WorkerBinary is the path to the worker entry point binary this
// package execs for every Start/restart. Overridable for tests and for
// deployments that install the worker binary elsewhere.
var WorkerBinary = "pipeline-worker"

// spawn builds the *exec.Cmd for a worker start. A package-level seam so
// tests can substitute a command that fails on a chosen call without
// needing a real worker binary on disk — used to exercise Handle.Swap's
// rollback path deterministically.
var spawn = exec.Command

// heartbeatStaleAfter is how long a handle may go without a fresh
// heartbeat before IsAlive reports false even if the OS still reports
// the child process as running.
const heartbeatStaleAfter = 60 * time.Second

// healthCheckMaxBytes bounds the payload this handle will accept for a
// HEALTH_CHECK/BATCH_RESULT control reply; batch bodies never travel in
// the frame payload, so this only needs to cover the fixed header.
const healthCheckMaxBytes = 4096

// Handle is the coordinator-side proxy for one stage's Worker Process.
type Handle struct {
	StageName  string
	PluginPath string
	Params     string
	Capacity   int

	callMu sync.Mutex // one in-flight process_batch at a time

	mu            sync.Mutex
	cmd           *exec.Cmd
	channel       *transport.Channel
	region        *shm.Region
	childPID      int
	running       bool
	lastHeartbeat time.Time
	quarantined   bool
	epoch         int32

	metrics *monitoring.Metrics
	log     *zap.Logger
}

// New constructs a Handle for a stage. The handle is not started; call
// Start before the first ProcessBatch/SendHeartbeat.
func New(stageName, pluginPath, params string, capacity int, log *zap.Logger) *Handle {
	return &Handle{
		StageName:  stageName,
		PluginPath: pluginPath,
		Params:     params,
		Capacity:   capacity,
		metrics:    monitoring.New(stageName),
		log:        log,
	}
}

// Metrics returns this handle's component metrics.
func (h *Handle) Metrics() *monitoring.Metrics { return h.metrics }

// Start allocates the shared region and stream channels, forks the
// worker binary bound to those resources, and marks the handle running.
func (h *Handle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startLocked()
}

func (h *Handle) startLocked() error {
	regionName := shm.Name(h.StageName, os.Getpid())
	shm.UnlinkStale(regionName)
	region, err := shm.Create(regionName, shm.SizeFor(h.Capacity))
	if err != nil {
		return fmt.Errorf("%w: shared region: %v", errs.ErrSpawn, err)
	}

	cmd := spawn(WorkerBinary,
		"--region", regionName,
		"--capacity", fmt.Sprint(h.Capacity),
		"--plugin", h.PluginPath,
		"--params", h.Params,
	)
	stdinW, err := cmd.StdinPipe()
	if err != nil {
		region.Unlink()
		return fmt.Errorf("%w: stdin pipe: %v", errs.ErrSpawn, err)
	}
	stdoutR, err := cmd.StdoutPipe()
	if err != nil {
		region.Unlink()
		return fmt.Errorf("%w: stdout pipe: %v", errs.ErrSpawn, err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		region.Unlink()
		return fmt.Errorf("%w: start worker: %v", errs.ErrSpawn, err)
	}

	h.cmd = cmd
	h.region = region
	h.channel = transport.New(stdoutR, stdinW)
	h.childPID = cmd.Process.Pid
	h.running = true
	h.lastHeartbeat = time.Now()
	h.quarantined = false
	return nil
}

// ProcessBatch encodes batch into the shared region, sends a
// PROCESS_BATCH frame, and awaits the matching BATCH_RESULT until
// deadline. On success it decodes the worker's mutated batch back into
// batch and returns the plugin's return code. A lapsed deadline returns
// errs.ErrTimeout; any transport or codec failure returns a wrapped
// errs.ErrTransport/errs.ErrCodec. Exactly one call may be in flight on
// a handle at a time.
func (h *Handle) ProcessBatch(ctx context.Context, batch *codec.Batch, deadline time.Time) (int, error) {
	h.callMu.Lock()
	defer h.callMu.Unlock()

	h.mu.Lock()
	region, channel, running := h.region, h.channel, h.running
	h.mu.Unlock()
	if !running {
		return 0, fmt.Errorf("%w: handle %q not running", errs.ErrTransport, h.StageName)
	}

	if _, err := codec.Encode(batch, region.Body()); err != nil {
		return 0, fmt.Errorf("%w: encode: %v", errs.ErrCodec, err)
	}

	epoch := atomic.AddInt32(&h.epoch, 1)
	start := time.Now()
	if err := channel.SendFrame(transport.Header{MsgType: transport.MsgProcessBatch, SenderID: epoch}, nil); err != nil {
		h.metrics.RecordFailure(time.Since(start), false)
		return 0, fmt.Errorf("%w: send: %v", errs.ErrTransport, err)
	}

	for {
		callCtx, cancel := context.WithDeadline(ctx, deadline)
		frame, err := channel.RecvFrame(callCtx, healthCheckMaxBytes)
		cancel()
		if err != nil {
			isTimeout := err == context.DeadlineExceeded
			h.metrics.RecordFailure(time.Since(start), isTimeout)
			if isTimeout {
				return 0, errs.ErrTimeout
			}
			return 0, fmt.Errorf("%w: recv: %v", errs.ErrTransport, err)
		}
		// Discard a reply addressed to an earlier, already-timed-out
		// attempt; the worker's eventual answer to that attempt is stale.
		if frame.Header.ReceiverID != epoch {
			continue
		}

		if err := codec.Decode(region.Body(), batch); err != nil {
			h.metrics.RecordFailure(time.Since(start), false)
			return 0, fmt.Errorf("%w: decode: %v", errs.ErrCodec, err)
		}

		rc := decodeReturnCode(frame.Payload)
		h.metrics.RecordSuccess(time.Since(start))
		return rc, nil
	}
}

func decodeReturnCode(payload []byte) int {
	if len(payload) < 4 {
		return 0
	}
	return int(int32(binary.LittleEndian.Uint32(payload)))
}

// SendHeartbeat sends a non-blocking HEALTH_CHECK frame and, if
// accepted by the transport, updates LastHeartbeat.
func (h *Handle) SendHeartbeat() {
	h.mu.Lock()
	channel, running := h.channel, h.running
	h.mu.Unlock()
	if !running {
		return
	}
	if err := channel.SendFrame(transport.Header{MsgType: transport.MsgHealthCheck}, nil); err != nil {
		return
	}
	h.mu.Lock()
	h.lastHeartbeat = time.Now()
	h.mu.Unlock()
}

// IsAlive reports whether the handle is running, its child process
// still exists, and its last heartbeat is within heartbeatStaleAfter.
func (h *Handle) IsAlive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return false
	}
	if h.cmd.Process == nil {
		return false
	}
	if err := h.cmd.Process.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	return time.Since(h.lastHeartbeat) <= heartbeatStaleAfter
}

// Name returns the stage name this handle proxies, satisfying the
// Supervised capability set.
func (h *Handle) Name() string { return h.StageName }

// IsHealthy is an alias for IsAlive, satisfying the Supervised
// capability set the supervisor operates over.
func (h *Handle) IsHealthy() bool { return h.IsAlive() }

// Quarantined reports whether an operator or the resilient executor has
// quarantined this handle; the pipeline runner skips quarantined
// handles without attempting a call.
func (h *Handle) Quarantined() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.quarantined
}

// Quarantine marks the handle quarantined until ClearQuarantine is
// called by an operator.
func (h *Handle) Quarantine() {
	h.mu.Lock()
	h.quarantined = true
	h.mu.Unlock()
}

// ClearQuarantine lifts a quarantine previously set by Quarantine.
func (h *Handle) ClearQuarantine() {
	h.mu.Lock()
	h.quarantined = false
	h.mu.Unlock()
}

// Terminate sends SHUTDOWN, waits briefly for a clean exit, escalates
// to SIGTERM and then SIGKILL, and marks the handle stopped. Descriptor
// fields are retained so Restart can reuse them.
func (h *Handle) Terminate() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminateLocked()
}

func (h *Handle) terminateLocked() error {
	if !h.running {
		return nil
	}
	h.running = false

	if h.channel != nil {
		h.channel.SendFrame(transport.Header{MsgType: transport.MsgShutdown}, nil)
	}

	done := make(chan error, 1)
	go func() { done <- h.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		if h.cmd.Process != nil {
			h.cmd.Process.Signal(syscall.SIGTERM)
		}
		select {
		case <-done:
		case <-time.After(1 * time.Second):
			if h.cmd.Process != nil {
				h.cmd.Process.Kill()
			}
			<-done
		}
	}

	if h.channel != nil {
		h.channel.Close()
	}
	if h.region != nil {
		h.region.Unlink()
	}
	return nil
}

// Restart terminates the current worker, if any, and starts a fresh
// one at the same plugin path and params, preserving Metrics.
func (h *Handle) Restart() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.terminateLocked(); err != nil {
		return err
	}
	return h.startLocked()
}

// Swap terminates the currently running worker and starts a fresh one
// at newPluginPath, under the same stage name and params, then resets
// Metrics so the new plugin's call history starts clean. If the new
// path fails to start, the old path is restarted in its place and Swap
// returns the start error — the handle is left either fully swapped or
// fully reverted, never half down.
func (h *Handle) Swap(newPluginPath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	oldPath := h.PluginPath
	if err := h.terminateLocked(); err != nil {
		return err
	}

	h.PluginPath = newPluginPath
	if err := h.startLocked(); err != nil {
		h.PluginPath = oldPath
		if rollbackErr := h.startLocked(); rollbackErr != nil {
			return fmt.Errorf("%w: swap: new plugin %q failed to start (%v), rollback to %q also failed: %v", errs.ErrSpawn, newPluginPath, err, oldPath, rollbackErr)
		}
		return fmt.Errorf("%w: swap: new plugin %q failed to start, rolled back to %q: %v", errs.ErrSpawn, newPluginPath, oldPath, err)
	}

	h.metrics.Reset()
	return nil
}

// Running reports whether the handle currently believes its worker is
// up; unlike IsAlive this does not re-check the OS or heartbeat age.
func (h *Handle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}
