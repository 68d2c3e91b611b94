package handle

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/coriolis-run/pipeline-runtime/internal/codec"
	"github.com/coriolis-run/pipeline-runtime/internal/shm"
	"github.com/coriolis-run/pipeline-runtime/internal/transport"
)

// wireUp builds a Handle whose channel/region are wired to an in-process
// fake worker goroutine instead of a forked process, so ProcessBatch's
// protocol logic can be exercised without an external binary. The
// handle's stage name is derived from t.Name() so that two tests in the
// same package never construct monitoring.Metrics under the same
// component name — New registers Prometheus collectors keyed by that
// name against the process-global registry, and a second registration
// under a name already in use panics.
func wireUp(t *testing.T, capacity int, respond func(region *shm.Region, req transport.Header) (transport.Header, []byte)) *Handle {
	t.Helper()
	dir := t.TempDir()
	old := shm.DefaultDir
	shm.DefaultDir = dir
	t.Cleanup(func() { shm.DefaultDir = old })

	stageName := t.Name()
	name := shm.Name(stageName, os.Getpid())
	region, err := shm.Create(name, shm.SizeFor(capacity))
	if err != nil {
		t.Fatalf("create region: %v", err)
	}
	t.Cleanup(func() { region.Unlink() })

	coordR, workerW := io.Pipe()
	workerR, coordW := io.Pipe()
	coordChannel := transport.New(coordR, coordW)
	workerChannel := transport.New(workerR, workerW)
	t.Cleanup(func() { coordChannel.Close(); workerChannel.Close() })

	go func() {
		for {
			frame, err := workerChannel.RecvFrame(context.Background(), 4096)
			if err != nil {
				return
			}
			h, payload := respond(region, frame.Header)
			if err := workerChannel.SendFrame(h, payload); err != nil {
				return
			}
		}
	}()

	h := New(stageName, "/plugins/test.so", "", capacity, zap.NewNop())
	h.region = region
	h.channel = coordChannel
	h.running = true
	h.lastHeartbeat = time.Now()
	return h
}

func TestProcessBatchRoundTrip(t *testing.T) {
	h := wireUp(t, 4, func(region *shm.Region, req transport.Header) (transport.Header, []byte) {
		var b codec.Batch
		b.Records = make([]codec.Record, 4)
		b.Capacity = 4
		if err := codec.Decode(region.Body(), &b); err != nil {
			t.Fatalf("worker-side decode: %v", err)
		}
		for i := 0; i < b.Count; i++ {
			b.Records[i].Value *= 2
		}
		if _, err := codec.Encode(&b, region.Body()); err != nil {
			t.Fatalf("worker-side encode: %v", err)
		}
		return transport.Header{MsgType: transport.MsgBatchResult, SenderID: req.ReceiverID, ReceiverID: req.SenderID}, []byte{0, 0, 0, 0}
	})

	batch := codec.NewBatch(4, 1)
	batch.Records[0] = codec.NewRecord(1, "R1", 10.0, 1)
	batch.SetCount(1)

	rc, err := h.ProcessBatch(context.Background(), batch, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if rc != 0 {
		t.Fatalf("want rc 0, got %d", rc)
	}
	if batch.Records[0].Value != 20.0 {
		t.Fatalf("want mutated value 20.0, got %v", batch.Records[0].Value)
	}
	snap := h.Metrics().Snapshot()
	if snap.SuccessfulCalls != 1 || snap.TotalCalls != 1 {
		t.Fatalf("unexpected metrics snapshot: %+v", snap)
	}
}

func TestProcessBatchTimeout(t *testing.T) {
	h := wireUp(t, 4, func(region *shm.Region, req transport.Header) (transport.Header, []byte) {
		time.Sleep(200 * time.Millisecond)
		return transport.Header{MsgType: transport.MsgBatchResult, SenderID: req.ReceiverID, ReceiverID: req.SenderID}, []byte{0, 0, 0, 0}
	})

	batch := codec.NewBatch(4, 1)
	_, err := h.ProcessBatch(context.Background(), batch, time.Now().Add(20*time.Millisecond))
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	snap := h.Metrics().Snapshot()
	if snap.TimeoutCalls != 1 || snap.FailedCalls != 1 {
		t.Fatalf("unexpected metrics snapshot: %+v", snap)
	}
}

func TestQuarantineRoundTrip(t *testing.T) {
	h := New("s", "/p.so", "", 1, zap.NewNop())
	if h.Quarantined() {
		t.Fatalf("should not start quarantined")
	}
	h.Quarantine()
	if !h.Quarantined() {
		t.Fatalf("want quarantined")
	}
	h.ClearQuarantine()
	if h.Quarantined() {
		t.Fatalf("want cleared")
	}
}
