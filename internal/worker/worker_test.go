package worker

import (
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/coriolis-run/pipeline-runtime/internal/codec"
	"github.com/coriolis-run/pipeline-runtime/internal/pluginabi"
	"github.com/coriolis-run/pipeline-runtime/internal/shm"
	"github.com/coriolis-run/pipeline-runtime/internal/transport"
)

// fakePlugin is a processor that multiplies every record's value by a
// fixed factor, standing in for a real dlopen'd plugin in tests.
type fakePlugin struct {
	factor float64
	closed bool
}

func (f *fakePlugin) Process(b *pluginabi.Batch) (int, error) {
	for i := uint64(0); i < b.Count; i++ {
		b.Records[i].Value *= f.factor
	}
	return 0, nil
}

func (f *fakePlugin) Close() error {
	f.closed = true
	return nil
}

func newTestRegion(t *testing.T, capacity int) *shm.Region {
	t.Helper()
	dir := t.TempDir()
	old := shm.DefaultDir
	shm.DefaultDir = dir
	t.Cleanup(func() { shm.DefaultDir = old })

	name := shm.Name("test", 1)
	r, err := shm.Create(name, shm.SizeFor(capacity))
	if err != nil {
		t.Fatalf("create region: %v", err)
	}
	t.Cleanup(func() { r.Unlink() })
	return r
}

func TestProcessOneAppliesPluginAndReencodes(t *testing.T) {
	region := newTestRegion(t, 4)
	in := codec.NewBatch(4, 7)
	in.Records[0] = codec.NewRecord(1, "R1", 10.0, 1)
	in.SetCount(1)
	if _, err := codec.Encode(in, region.Body()); err != nil {
		t.Fatalf("encode: %v", err)
	}

	out := codec.NewBatch(4, 0)
	rc := processOne(&fakePlugin{factor: 2.0}, region, out)
	if rc != 0 {
		t.Fatalf("want rc 0, got %d", rc)
	}
	if out.Count != 1 || out.Records[0].Value != 20.0 {
		t.Fatalf("unexpected result batch: %+v", out)
	}
}

func TestProcessOneReturnsCodecFailureOnCorruptRegion(t *testing.T) {
	region := newTestRegion(t, 4)
	// leave the region zeroed: count=0, capacity=0, checksum=0 all match,
	// so corrupt the checksum field directly to force a decode failure.
	binary.LittleEndian.PutUint32(region.Body()[20:24], 0xDEADBEEF)

	out := codec.NewBatch(4, 0)
	rc := processOne(&fakePlugin{factor: 1.0}, region, out)
	if rc != errCodecFailure {
		t.Fatalf("want errCodecFailure, got %d", rc)
	}
}

func TestServeHealthCheckAndShutdown(t *testing.T) {
	region := newTestRegion(t, 1)
	ar, aw := io.Pipe()
	br, bw := io.Pipe()
	// coordinator side: writes to aw, reads from br.
	coord := transport.New(br, aw)
	defer coord.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, ar, bw, region, &fakePlugin{factor: 1.0}, 1, zap.NewNop())
	}()

	if err := coord.SendFrame(transport.Header{MsgType: transport.MsgHealthCheck, SenderID: 1, ReceiverID: 2}, nil); err != nil {
		t.Fatalf("send health check: %v", err)
	}
	recvCtx, rcancel := context.WithTimeout(context.Background(), time.Second)
	defer rcancel()
	frame, err := coord.RecvFrame(recvCtx, 4096)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if frame.Header.MsgType != transport.MsgBatchResult {
		t.Fatalf("want BATCH_RESULT, got %v", frame.Header.MsgType)
	}

	if err := coord.SendFrame(transport.Header{MsgType: transport.MsgShutdown}, nil); err != nil {
		t.Fatalf("send shutdown: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("serve did not exit after SHUTDOWN")
	}
}
