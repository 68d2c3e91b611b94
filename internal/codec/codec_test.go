package codec

import "testing"

func sampleBatch() *Batch {
	b := NewBatch(4, 42)
	b.Records[0] = NewRecord(1, "R1", 10.0, 1)
	b.Records[1] = NewRecord(2, "R2", 20.0, 2)
	b.Records[2] = NewRecord(3, "R3", 30.0, 3)
	b.Count = 3
	return b
}

func TestRoundTrip(t *testing.T) {
	b := sampleBatch()
	buf := make([]byte, EncodedSize(b.Count))

	n, err := Encode(b, buf)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("encode wrote %d bytes, want %d", n, len(buf))
	}

	out := NewBatch(4, 0)
	if err := Decode(buf, out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !b.Equal(out) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, b)
	}
	if out.Capacity != 4 {
		t.Fatalf("decode must not mutate capacity, got %d", out.Capacity)
	}
}

func TestDecodeChecksumMismatch(t *testing.T) {
	b := sampleBatch()
	buf := make([]byte, EncodedSize(b.Count))
	if _, err := Encode(b, buf); err != nil {
		t.Fatalf("encode: %v", err)
	}

	for bit := 0; bit < HeaderSize*8; bit++ {
		corrupt := append([]byte(nil), buf...)
		corrupt[bit/8] ^= 1 << (bit % 8)

		out := NewBatch(4, 0)
		err := Decode(corrupt, out)
		if err == nil {
			t.Fatalf("bit flip at %d decoded without error", bit)
		}
	}
}

func TestEncodeBufferTooSmall(t *testing.T) {
	b := sampleBatch()
	buf := make([]byte, EncodedSize(b.Count)-1)
	if _, err := Encode(b, buf); err != ErrBufferTooSmall {
		t.Fatalf("want ErrBufferTooSmall, got %v", err)
	}
}

func TestDecodeCountExceedsDestinationCapacity(t *testing.T) {
	b := sampleBatch()
	buf := make([]byte, EncodedSize(b.Count))
	if _, err := Encode(b, buf); err != nil {
		t.Fatalf("encode: %v", err)
	}

	out := NewBatch(2, 0) // smaller capacity than encoded count
	if err := Decode(buf, out); err != ErrCountExceedsCapacity {
		t.Fatalf("want ErrCountExceedsCapacity, got %v", err)
	}
}

func TestRecordNameNullTermination(t *testing.T) {
	r := NewRecord(1, "short", 1.0, 0)
	if r.NameString() != "short" {
		t.Fatalf("got %q", r.NameString())
	}

	long := make([]byte, NameSize+50)
	for i := range long {
		long[i] = 'x'
	}
	r2 := NewRecord(2, string(long), 1.0, 0)
	if len(r2.NameString()) != NameSize-1 {
		t.Fatalf("name not truncated: len=%d", len(r2.NameString()))
	}
	if r2.Name[NameSize-1] != 0 {
		t.Fatalf("missing null terminator within bounds")
	}
}
