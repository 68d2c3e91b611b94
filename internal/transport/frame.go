// Package transport implements the length-prefixed frame protocol used
// between the coordinator and a worker process over a pair of byte
// streams (the worker's inherited stdio pipes).
package transport

import (
	"encoding/binary"
	"errors"
)

// MsgType identifies the kind of frame being exchanged.
type MsgType uint8

const (
	MsgProcessBatch MsgType = iota + 1
	MsgBatchResult
	MsgHealthCheck
	MsgShutdown
)

func (m MsgType) String() string {
	switch m {
	case MsgProcessBatch:
		return "PROCESS_BATCH"
	case MsgBatchResult:
		return "BATCH_RESULT"
	case MsgHealthCheck:
		return "HEALTH_CHECK"
	case MsgShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// HeaderSize is the fixed size of a frame header: msg_type(1),
// sender_id(4), receiver_id(4), data_size(8).
const HeaderSize = 1 + 4 + 4 + 8

// Header is the fixed portion of a frame. SenderID carries the calling
// epoch so a receiver can discard a response addressed to an attempt
// that has already timed out.
type Header struct {
	MsgType    MsgType
	SenderID   int32
	ReceiverID int32
	DataSize   uint64
}

// ErrOversizedFrame is returned when a header declares a payload larger
// than the receiver's max_bytes budget.
var ErrOversizedFrame = errors.New("transport: frame exceeds max_bytes")

func encodeHeader(h Header, buf []byte) {
	buf[0] = byte(h.MsgType)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(h.SenderID))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(h.ReceiverID))
	binary.LittleEndian.PutUint64(buf[9:17], h.DataSize)
}

func decodeHeader(buf []byte) Header {
	return Header{
		MsgType:    MsgType(buf[0]),
		SenderID:   int32(binary.LittleEndian.Uint32(buf[1:5])),
		ReceiverID: int32(binary.LittleEndian.Uint32(buf[5:9])),
		DataSize:   binary.LittleEndian.Uint64(buf[9:17]),
	}
}
