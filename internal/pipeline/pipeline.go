// Package pipeline implements the Pipeline Runner: it threads a batch
// through an ordered sequence of stages, invoking the Resilient
// Executor for each and skipping any stage that is quarantined,
// permanently down, or otherwise unhealthy.
package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/coriolis-run/pipeline-runtime/internal/codec"
	"github.com/coriolis-run/pipeline-runtime/internal/executor"
	"github.com/coriolis-run/pipeline-runtime/internal/handle"
	"github.com/coriolis-run/pipeline-runtime/internal/stageconfig"
)

// healthGate reports whether a stage's supervisor has permanently given
// up on it; satisfied by *supervisor.Supervisor.
type healthGate interface {
	PermanentlyDown(name string) bool
}

// Stage binds one pipeline position to its handle and failover policy.
type Stage struct {
	Name   string
	Handle *handle.Handle
	Policy stageconfig.FailoverPolicy
}

// Outcome is the result of one Pipeline.Run call.
type Outcome struct {
	OK            bool
	AbortedStage  string
	AbortedReason string
}

func (o Outcome) String() string {
	if o.OK {
		return "OK"
	}
	return fmt.Sprintf("Aborted(stage=%s, reason=%s)", o.AbortedStage, o.AbortedReason)
}

// Runner threads a batch through its ordered stages.
type Runner struct {
	stages []Stage
	exec   *executor.Executor
	gate   healthGate
	log    *zap.Logger
}

// New constructs a Runner over an ordered stage list. gate is consulted
// to skip stages a supervisor has marked permanently down; it may be
// nil if no supervisor tree is in use.
func New(stages []Stage, exec *executor.Executor, gate healthGate, log *zap.Logger) *Runner {
	return &Runner{stages: stages, exec: exec, gate: gate, log: log}
}

// Run threads batch through every enabled stage in order. A FATAL
// result from any stage aborts the run; OK and SKIPPED continue to the
// next stage. Skipped stages leave batch bytewise unchanged.
func (r *Runner) Run(ctx context.Context, batch *codec.Batch) Outcome {
	for _, s := range r.stages {
		if r.gate != nil && r.gate.PermanentlyDown(s.Name) {
			r.log.Debug("pipeline: skipping permanently down stage", zap.String("stage", s.Name))
			continue
		}
		if s.Handle.Quarantined() {
			r.log.Debug("pipeline: skipping quarantined stage", zap.String("stage", s.Name))
			continue
		}
		if !s.Handle.IsHealthy() {
			r.log.Debug("pipeline: skipping unhealthy stage", zap.String("stage", s.Name))
			continue
		}

		// An attempt whose plugin returned a non-zero code has already
		// decoded the worker's post-image into batch, so keep the
		// pre-image for a SKIPPED result to put back.
		before := batch.Clone()
		result := r.exec.Run(ctx, s.Handle, s.Name, batch, s.Policy)
		switch result {
		case executor.Fatal:
			return Outcome{OK: false, AbortedStage: s.Name, AbortedReason: result.String()}
		case executor.Skipped:
			copy(batch.Records, before.Records)
			batch.Count = before.Count
			batch.BatchID = before.BatchID
			continue
		case executor.OK:
			continue
		}
	}
	return Outcome{OK: true}
}

// Ingest reads a stream of wire-encoded batches from r — each framed as
// the codec header immediately followed by its active records, exactly
// as codec.Encode writes them — and threads each through Run in turn
// until r is exhausted or ctx is cancelled. capacity bounds the decode
// buffer; a batch whose encoded count exceeds it is a malformed frame
// and ends ingestion with an error rather than silently truncating.
//
// This is the coordinator's minimal ingestion path: a real deployment
// in front of this pipeline substitutes its own transport for r, but
// the framing and the call into Run are unchanged.
func (r *Runner) Ingest(ctx context.Context, in io.Reader, capacity int) error {
	header := make([]byte, codec.HeaderSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := io.ReadFull(in, header); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("pipeline: ingest: read header: %w", err)
		}

		count := decodeHeaderCount(header)
		if count > capacity {
			return fmt.Errorf("pipeline: ingest: encoded count %d exceeds capacity %d", count, capacity)
		}

		buf := make([]byte, codec.EncodedSize(count))
		copy(buf, header)
		if _, err := io.ReadFull(in, buf[codec.HeaderSize:]); err != nil {
			return fmt.Errorf("pipeline: ingest: read body: %w", err)
		}

		batch := codec.NewBatch(capacity, 0)
		if err := codec.Decode(buf, batch); err != nil {
			return fmt.Errorf("pipeline: ingest: decode: %w", err)
		}

		outcome := r.Run(ctx, batch)
		if !outcome.OK {
			r.log.Error("pipeline: ingest: batch aborted", zap.Int32("batch_id", batch.BatchID), zap.String("outcome", outcome.String()))
			continue
		}
		r.log.Debug("pipeline: ingest: batch completed", zap.Int32("batch_id", batch.BatchID))
	}
}

func decodeHeaderCount(header []byte) int {
	return int(binary.LittleEndian.Uint64(header[0:8]))
}
