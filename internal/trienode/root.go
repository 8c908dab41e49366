package trienode

import "encoding/binary"

// RootRecord is the fixed 24-byte record living at storage offset 0:
//
//	[0:8)   root trie node pointer (0 until the trie body is initialized)
//	[8:16)  generation node pointer (0 until the trie body is initialized)
//	[16:24) record count
//
// There is no separate magic or version field: the sentinel for "freshly
// created, empty file" is the root pointer being 0, avoiding a header byte
// the wire format doesn't otherwise call for.
type RootRecord struct {
	data []byte
}

// NewRootRecord builds an empty root record for a freshly created store.
func NewRootRecord() *RootRecord {
	return &RootRecord{data: make([]byte, RootRecordSize)}
}

// DecodeRootRecord wraps data as a root record view.
func DecodeRootRecord(data []byte) (*RootRecord, error) {
	if len(data) != RootRecordSize {
		return nil, corrupt("root record buffer length %d, want %d", len(data), RootRecordSize)
	}
	return &RootRecord{data: data}, nil
}

// Bytes returns the record's raw buffer.
func (r *RootRecord) Bytes() []byte { return r.data }

// IsEmpty reports whether this is a freshly initialized record: no trie
// node has ever been written.
func (r *RootRecord) IsEmpty() bool { return r.RootPointer() == 0 }

// RootPointer returns the offset of the top-level trie node, or 0 if no
// trie node has been written yet.
func (r *RootRecord) RootPointer() uint64 {
	return binary.LittleEndian.Uint64(r.data[0:8])
}

// SetRootPointer updates the top-level trie node pointer in place.
func (r *RootRecord) SetRootPointer(ptr uint64) {
	binary.LittleEndian.PutUint64(r.data[0:8], ptr)
}

// GenerationPointer returns the offset of the generation node, or 0 if
// none has been allocated yet.
func (r *RootRecord) GenerationPointer() uint64 {
	return binary.LittleEndian.Uint64(r.data[8:16])
}

// SetGenerationPointer updates the generation node pointer in place.
func (r *RootRecord) SetGenerationPointer(ptr uint64) {
	binary.LittleEndian.PutUint64(r.data[8:16], ptr)
}

// RecordCount returns the number of live (non-deleted) records.
func (r *RootRecord) RecordCount() uint64 {
	return binary.LittleEndian.Uint64(r.data[16:24])
}

// SetRecordCount updates the record count in place.
func (r *RootRecord) SetRecordCount(n uint64) {
	binary.LittleEndian.PutUint64(r.data[16:24], n)
}
