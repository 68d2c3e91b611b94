// Package codec implements the fixed-layout record/batch types and the
// framed, checksummed binary encoding used to move a batch across the
// worker boundary (shared-memory transport and, optionally, cross-node
// forwarding).
package codec

import "bytes"

// NameSize is the fixed width of a Record's name field, in bytes.
const NameSize = 100

// RecordSize is the exact on-wire size of a Record: a 4-byte id, a
// 100-byte name, an 8-byte value, and a 4-byte category. In memory the
// Go struct below is padded to 120 bytes on 64-bit targets, because
// Value is 8-byte aligned; the codec writes the fields without padding.
const RecordSize = 4 + NameSize + 8 + 4

// Record is a fixed-layout value. Stages mutate it in place; its size
// never changes, so a batch body never needs re-parsing.
type Record struct {
	ID       int32
	Name     [NameSize]byte
	Value    float64
	Category int32
}

// NewRecord builds a Record, truncating name to fit and null-terminating
// it within the fixed field.
func NewRecord(id int32, name string, value float64, category int32) Record {
	var r Record
	r.ID = id
	r.SetName(name)
	r.Value = value
	r.Category = category
	return r
}

// SetName writes name into the fixed field, truncating if necessary and
// always leaving a null terminator within bounds.
func (r *Record) SetName(name string) {
	for i := range r.Name {
		r.Name[i] = 0
	}
	n := copy(r.Name[:NameSize-1], name)
	r.Name[n] = 0
}

// NameString returns the name field up to its null terminator.
func (r *Record) NameString() string {
	if i := bytes.IndexByte(r.Name[:], 0); i >= 0 {
		return string(r.Name[:i])
	}
	return string(r.Name[:])
}

// Equal reports whether two records are field-for-field identical.
func (r Record) Equal(o Record) bool {
	return r.ID == o.ID && r.Name == o.Name && r.Value == o.Value && r.Category == o.Category
}
