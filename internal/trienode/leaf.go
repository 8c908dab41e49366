package trienode

import "encoding/binary"

// LeafNode wraps a raw byte buffer laid out as:
//
//	[0]      tag = TagLeaf
//	[1:5)    key length
//	[5:9)    value capacity (allocated slack, >= value length)
//	[9:13)   value length (occupied)
//	[13:...) key bytes, then valueCap bytes of value storage (value length
//	         of it occupied, remainder zero slack)
//
// A leaf stores the full key, not just the suffix past its parent's
// discriminant path: simpler at the cost of some redundancy with the path
// already encoded by the trie above it.
type LeafNode struct {
	data []byte
}

// LeafFootprint returns the total byte size of a leaf node holding a key of
// length keyLen and a value slack of valueCap bytes.
func LeafFootprint(keyLen, valueCap int) int {
	return LeafHeaderSize + keyLen + valueCap
}

// NewLeafNode allocates a fresh leaf for key and value, with value slack of
// at least MinLeafValueCapacity and at least len(value).
func NewLeafNode(key, value []byte) *LeafNode {
	valueCap := MinLeafValueCapacity
	if len(value) > valueCap {
		valueCap = len(value)
	}
	data := make([]byte, LeafFootprint(len(key), valueCap))
	data[0] = byte(TagLeaf)
	binary.LittleEndian.PutUint32(data[1:5], uint32(len(key)))
	binary.LittleEndian.PutUint32(data[5:9], uint32(valueCap))
	binary.LittleEndian.PutUint32(data[9:13], uint32(len(value)))
	copy(data[LeafHeaderSize:LeafHeaderSize+len(key)], key)
	copy(data[LeafHeaderSize+len(key):], value)
	return &LeafNode{data: data}
}

// DecodeLeafNode wraps data as a leaf node view, validating the tag and that
// the declared lengths are internally consistent with the buffer's length.
func DecodeLeafNode(data []byte) (*LeafNode, error) {
	if len(data) < LeafHeaderSize {
		return nil, corrupt("leaf node buffer shorter than header (%d bytes)", len(data))
	}
	if Tag(data[0]) != TagLeaf {
		return nil, corrupt("expected leaf tag, got %d", data[0])
	}
	n := &LeafNode{data: data}
	keyLen := int(binary.LittleEndian.Uint32(data[1:5]))
	valueCap := int(binary.LittleEndian.Uint32(data[5:9]))
	valueLen := int(binary.LittleEndian.Uint32(data[9:13]))
	if valueLen > valueCap {
		return nil, corrupt("leaf value length %d exceeds capacity %d", valueLen, valueCap)
	}
	if len(data) != LeafFootprint(keyLen, valueCap) {
		return nil, corrupt("leaf node buffer length %d does not match key %d / value cap %d", len(data), keyLen, valueCap)
	}
	return n, nil
}

// Bytes returns the node's raw buffer.
func (n *LeafNode) Bytes() []byte { return n.data }

// KeyLen returns the length of the stored key.
func (n *LeafNode) KeyLen() int {
	return int(binary.LittleEndian.Uint32(n.data[1:5]))
}

// ValueCap returns the allocated value slack.
func (n *LeafNode) ValueCap() int {
	return int(binary.LittleEndian.Uint32(n.data[5:9]))
}

// ValueLen returns the occupied portion of the value slack.
func (n *LeafNode) ValueLen() int {
	return int(binary.LittleEndian.Uint32(n.data[9:13]))
}

func (n *LeafNode) setValueLen(l int) {
	binary.LittleEndian.PutUint32(n.data[9:13], uint32(l))
}

// Key returns the stored key bytes.
func (n *LeafNode) Key() []byte {
	start := LeafHeaderSize
	return n.data[start : start+n.KeyLen()]
}

// Value returns the occupied value bytes.
func (n *LeafNode) Value() []byte {
	start := LeafHeaderSize + n.KeyLen()
	return n.data[start : start+n.ValueLen()]
}

// HasSlack reports whether value can be written in place without
// relocating, i.e. whether it fits within the current value capacity.
func (n *LeafNode) HasSlack(value []byte) bool {
	return len(value) <= n.ValueCap()
}

// SetValue overwrites the value in place. The caller must have checked
// HasSlack first; SetValue panics otherwise, since writing past capacity
// would corrupt whatever follows this node in the arena.
func (n *LeafNode) SetValue(value []byte) {
	if !n.HasSlack(value) {
		panic("trienode: SetValue value exceeds leaf capacity")
	}
	start := LeafHeaderSize + n.KeyLen()
	copy(n.data[start:start+len(value)], value)
	// Zero any trailing bytes from a previous, longer value.
	for i := start + len(value); i < start+n.ValueCap(); i++ {
		n.data[i] = 0
	}
	n.setValueLen(len(value))
}

// Grow returns a new leaf node holding the same key and the new value, with
// value capacity doubled from the current capacity (or sized to fit the new
// value, whichever is larger). The caller writes the returned node to
// storage and rewrites whatever pointer referenced the old one.
func (n *LeafNode) Grow(value []byte) *LeafNode {
	valueCap := n.ValueCap() * 2
	if valueCap < len(value) {
		valueCap = len(value)
	}
	if valueCap < MinLeafValueCapacity {
		valueCap = MinLeafValueCapacity
	}
	data := make([]byte, LeafFootprint(n.KeyLen(), valueCap))
	data[0] = byte(TagLeaf)
	binary.LittleEndian.PutUint32(data[1:5], uint32(n.KeyLen()))
	binary.LittleEndian.PutUint32(data[5:9], uint32(valueCap))
	binary.LittleEndian.PutUint32(data[9:13], uint32(len(value)))
	copy(data[LeafHeaderSize:LeafHeaderSize+n.KeyLen()], n.Key())
	copy(data[LeafHeaderSize+n.KeyLen():], value)
	return &LeafNode{data: data}
}
