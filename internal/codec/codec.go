package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// HeaderSize is the fixed header preceding the record array: count(8),
// capacity(8), batch_id(4), checksum(4).
const HeaderSize = 8 + 8 + 4 + 4

// ErrChecksum is returned by Decode when the header checksum does not
// match the count/capacity/batch_id fields, signalling corruption during
// the shared-memory race window between sender and receiver.
var ErrChecksum = errors.New("codec: header checksum mismatch")

// ErrBufferTooSmall is returned by Encode when the destination buffer
// cannot hold the header plus the active records.
var ErrBufferTooSmall = errors.New("codec: destination buffer too small")

// ErrCountExceedsCapacity is returned by Decode when the encoded count
// exceeds either the encoded capacity or the destination batch's
// capacity.
var ErrCountExceedsCapacity = errors.New("codec: count exceeds capacity")

// EncodedSize returns the number of bytes Encode will write for a batch
// with the given active count.
func EncodedSize(count int) int {
	return HeaderSize + count*RecordSize
}

// checksum XORs count, capacity and batch_id as 32-bit words. The 64-bit
// count and capacity each contribute both their low and high word, so a
// flip of any single header bit changes the checksum.
func checksum(count, capacity uint64, batchID int32) uint32 {
	return uint32(count) ^ uint32(count>>32) ^ uint32(capacity) ^ uint32(capacity>>32) ^ uint32(batchID)
}

// Encode writes batch's header and active records into buf, little
// endian throughout. It returns the number of bytes written. Encode
// fails if buf is too small to hold the header plus count*RecordSize
// bytes; it never inspects buf beyond what it writes.
func Encode(batch *Batch, buf []byte) (int, error) {
	total := EncodedSize(batch.Count)
	if len(buf) < total {
		return 0, ErrBufferTooSmall
	}

	binary.LittleEndian.PutUint64(buf[0:8], uint64(batch.Count))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(batch.Capacity))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(batch.BatchID))
	binary.LittleEndian.PutUint32(buf[20:24], checksum(uint64(batch.Count), uint64(batch.Capacity), batch.BatchID))

	off := HeaderSize
	for i := 0; i < batch.Count; i++ {
		encodeRecord(&batch.Records[i], buf[off:off+RecordSize])
		off += RecordSize
	}
	return total, nil
}

// Decode reads the header from buf, verifies its checksum, and copies
// the active records into out.Records, updating out.Count and
// out.BatchID. out.Capacity is never mutated. Decode fails if the
// encoded count exceeds either the encoded capacity or out.Capacity, or
// if buf is shorter than the header plus the encoded record array.
func Decode(buf []byte, out *Batch) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("codec: buffer shorter than header (%d < %d)", len(buf), HeaderSize)
	}

	count := binary.LittleEndian.Uint64(buf[0:8])
	capacity := binary.LittleEndian.Uint64(buf[8:16])
	batchID := int32(binary.LittleEndian.Uint32(buf[16:20]))
	wantSum := binary.LittleEndian.Uint32(buf[20:24])

	if checksum(count, capacity, batchID) != wantSum {
		return ErrChecksum
	}
	if count > capacity || count > uint64(out.Capacity) {
		return ErrCountExceedsCapacity
	}

	need := HeaderSize + int(count)*RecordSize
	if len(buf) < need {
		return fmt.Errorf("codec: buffer shorter than encoded body (%d < %d)", len(buf), need)
	}

	off := HeaderSize
	for i := uint64(0); i < count; i++ {
		decodeRecord(buf[off:off+RecordSize], &out.Records[i])
		off += RecordSize
	}
	out.Count = int(count)
	out.BatchID = batchID
	return nil
}

func encodeRecord(r *Record, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.ID))
	copy(buf[4:4+NameSize], r.Name[:])
	binary.LittleEndian.PutUint64(buf[4+NameSize:12+NameSize], math.Float64bits(r.Value))
	binary.LittleEndian.PutUint32(buf[12+NameSize:16+NameSize], uint32(r.Category))
}

func decodeRecord(buf []byte, r *Record) {
	r.ID = int32(binary.LittleEndian.Uint32(buf[0:4]))
	copy(r.Name[:], buf[4:4+NameSize])
	r.Value = math.Float64frombits(binary.LittleEndian.Uint64(buf[4+NameSize : 12+NameSize]))
	r.Category = int32(binary.LittleEndian.Uint32(buf[12+NameSize : 16+NameSize]))
}
