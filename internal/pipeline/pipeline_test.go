package pipeline

import (
	"bytes"
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/coriolis-run/pipeline-runtime/internal/codec"
	"github.com/coriolis-run/pipeline-runtime/internal/executor"
	"github.com/coriolis-run/pipeline-runtime/internal/handle"
	"github.com/coriolis-run/pipeline-runtime/internal/stageconfig"
)

func failFastPolicy() stageconfig.FailoverPolicy {
	return stageconfig.FailoverPolicy{
		Kind:              stageconfig.FailFast,
		MaxRetries:        0,
		InitialDelayMs:    5,
		MaxDelayMs:        10,
		BackoffMultiplier: 2,
		TimeoutMs:         1000,
	}
}

func TestRunSkipsQuarantinedStage(t *testing.T) {
	h := handle.New("enrich", "/plugins/enrich.so", "", 4, zap.NewNop())
	h.Quarantine()

	before := codec.NewBatch(4, 1)
	before.Records[0] = codec.NewRecord(1, "R1", 10.0, 1)
	before.SetCount(1)
	batch := before.Clone()

	r := New([]Stage{{Name: "enrich", Handle: h, Policy: failFastPolicy()}}, executor.New(zap.NewNop()), nil, zap.NewNop())
	outcome := r.Run(context.Background(), batch)

	if !outcome.OK {
		t.Fatalf("want OK outcome when the only stage is quarantined, got %v", outcome)
	}
	if !batch.Equal(before) {
		t.Fatalf("quarantined stage must leave batch unchanged")
	}
}

func TestRunSkipsUnstartedUnhealthyStage(t *testing.T) {
	h := handle.New("validate", "/plugins/validate.so", "", 4, zap.NewNop())
	// never Start()ed: IsHealthy() must report false without panicking.

	before := codec.NewBatch(4, 2)
	batch := before.Clone()

	r := New([]Stage{{Name: "validate", Handle: h, Policy: failFastPolicy()}}, executor.New(zap.NewNop()), nil, zap.NewNop())
	outcome := r.Run(context.Background(), batch)

	if !outcome.OK {
		t.Fatalf("want OK outcome when the only stage is unhealthy, got %v", outcome)
	}
	if !batch.Equal(before) {
		t.Fatalf("unhealthy stage must leave batch unchanged")
	}
}

func encodedBatch(t *testing.T, batchID int32, count int) []byte {
	t.Helper()
	b := codec.NewBatch(4, batchID)
	for i := 0; i < count; i++ {
		b.Records[i] = codec.NewRecord(int32(i), "R", float64(i), 0)
	}
	b.SetCount(count)
	buf := make([]byte, codec.EncodedSize(count))
	if _, err := codec.Encode(b, buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf
}

func TestIngestRunsEachFramedBatchUntilEOF(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(encodedBatch(t, 1, 2))
	stream.Write(encodedBatch(t, 2, 0))

	r := New(nil, executor.New(zap.NewNop()), nil, zap.NewNop())
	if err := r.Ingest(context.Background(), &stream, 4); err != nil {
		t.Fatalf("ingest: %v", err)
	}
}

func TestIngestRejectsCountOverCapacity(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(encodedBatch(t, 1, 4))

	r := New(nil, executor.New(zap.NewNop()), nil, zap.NewNop())
	if err := r.Ingest(context.Background(), &stream, 2); err == nil {
		t.Fatalf("want error when encoded count exceeds ingest capacity")
	}
}
