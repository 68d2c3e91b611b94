// Package worker implements the Worker Process: the isolated,
// single-threaded request loop that a coordinator forks one of per
// pipeline stage. It loads a plugin shared library, maps its shared
// memory region, and serves PROCESS_BATCH/HEALTH_CHECK/SHUTDOWN frames
// over its inherited stdio pipes until told to stop.
//
// A crash, hang, or corruption inside the loaded plugin's process_batch
// brings down only this process; it is never caught here — that is the
// isolation property the surrounding coordinator depends on.
package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/coriolis-run/pipeline-runtime/internal/codec"
	"github.com/coriolis-run/pipeline-runtime/internal/pluginabi"
	"github.com/coriolis-run/pipeline-runtime/internal/shm"
	"github.com/coriolis-run/pipeline-runtime/internal/transport"
)

// pollInterval bounds how long a single RecvFrame wait blocks before the
// loop re-checks for a cancelled context, keeping shutdown prompt.
const pollInterval = 10 * time.Millisecond

// errCodecFailure is the reserved return code reported to the
// coordinator when this process fails to decode or re-encode a batch.
// It is negative, so the coordinator counts it as a failed attempt just
// as it does a plugin's negative error code; a plugin that itself
// returns this value is not told apart from a codec failure.
const errCodecFailure = -9999

// Config carries everything the request loop needs to start serving.
type Config struct {
	RegionName string
	Capacity   int
	PluginPath string
	Params     string
}

// processor is the subset of *pluginabi.Plugin the request loop calls.
// Tests substitute a fake to exercise the loop without dlopen'ing a real
// shared library.
type processor interface {
	Process(batch *pluginabi.Batch) (int, error)
	Close() error
}

// Run opens the plugin and the shared region, then serves frames read
// from r and written to w until ctx is cancelled or a SHUTDOWN frame is
// received. It returns nil on a clean SHUTDOWN, and a non-nil error if
// the plugin or region could not be opened.
func Run(ctx context.Context, r io.Reader, w io.Writer, cfg Config, log *zap.Logger) error {
	pluginabi.SetLogSink(log)

	region, err := shm.Open(cfg.RegionName, shm.SizeFor(cfg.Capacity))
	if err != nil {
		return fmt.Errorf("worker: open region: %w", err)
	}
	defer region.Close()

	plugin, err := pluginabi.Open(cfg.PluginPath, cfg.Params)
	if err != nil {
		return fmt.Errorf("worker: open plugin: %w", err)
	}

	return serve(ctx, r, w, region, plugin, cfg.Capacity, log)
}

func serve(ctx context.Context, r io.Reader, w io.Writer, region *shm.Region, plugin processor, capacity int, log *zap.Logger) error {
	ch := transport.New(r, w)
	defer ch.Close()

	batch := codec.NewBatch(capacity, 0)

	for {
		select {
		case <-ctx.Done():
			plugin.Close()
			return nil
		default:
		}

		recvCtx, cancel := context.WithTimeout(ctx, pollInterval)
		frame, err := ch.RecvFrame(recvCtx, shm.ReservedPrefix)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			// Transport gone (coordinator exited) — nothing left to serve.
			plugin.Close()
			return fmt.Errorf("worker: recv: %w", err)
		}

		switch frame.Header.MsgType {
		case transport.MsgShutdown:
			plugin.Close()
			return nil

		case transport.MsgHealthCheck:
			reply(ch, log, frame.Header, nil)

		case transport.MsgProcessBatch:
			code := processOne(plugin, region, batch)
			reply(ch, log, frame.Header, encodeCode(code))

		default:
			log.Warn("worker: unknown message type", zap.Stringer("type", frame.Header.MsgType))
		}
	}
}

func processOne(plugin processor, region *shm.Region, batch *codec.Batch) int {
	if err := codec.Decode(region.Body(), batch); err != nil {
		return errCodecFailure
	}

	abiBatch := &pluginabi.Batch{
		Records:  toABIRecords(batch.Records),
		Count:    uint64(batch.Count),
		Capacity: uint64(batch.Capacity),
		BatchID:  batch.BatchID,
	}
	rc, err := plugin.Process(abiBatch)
	if err != nil {
		return errCodecFailure
	}
	fromABIRecords(abiBatch.Records, batch.Records)
	if err := batch.SetCount(int(abiBatch.Count)); err != nil {
		return errCodecFailure
	}
	batch.BatchID = abiBatch.BatchID

	if _, err := codec.Encode(batch, region.Body()); err != nil {
		return errCodecFailure
	}
	return rc
}

func reply(ch *transport.Channel, log *zap.Logger, reqHeader transport.Header, payload []byte) {
	h := transport.Header{
		MsgType:    transport.MsgBatchResult,
		SenderID:   reqHeader.ReceiverID,
		ReceiverID: reqHeader.SenderID,
	}
	if err := ch.SendFrame(h, payload); err != nil {
		log.Error("worker: send reply failed", zap.Error(err))
	}
}

func encodeCode(code int) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(int32(code)))
	return buf
}

func toABIRecords(rs []codec.Record) []pluginabi.Record {
	out := make([]pluginabi.Record, len(rs))
	for i := range rs {
		out[i] = pluginabi.Record{ID: rs[i].ID, Name: rs[i].Name, Value: rs[i].Value, Category: rs[i].Category}
	}
	return out
}

func fromABIRecords(src []pluginabi.Record, dst []codec.Record) {
	for i := range src {
		dst[i] = codec.Record{ID: src[i].ID, Name: src[i].Name, Value: src[i].Value, Category: src[i].Category}
	}
}
