package trienode

import (
	"encoding/binary"
	"sort"
)

// InternalNode wraps a raw byte buffer laid out as:
//
//	[0]      tag = TagInternal
//	[1:9)    link-to-value pointer (0 = no record terminates at this depth)
//	[9:11)   child count, uint16 LE
//	[11:13)  child capacity, uint16 LE
//	[13:...) capacity * {1 byte discriminant, 8 byte pointer}, occupied
//	         slots sorted ascending by discriminant, remainder zero slack
//
// Count and capacity are two bytes wide, not one, so that a node with more
// than 255 children (reachable after a handful of doublings from the
// initial capacity) can still be represented and grown.
type InternalNode struct {
	data []byte
}

// InternalFootprint returns the total byte size of an internal node with the
// given child slot capacity.
func InternalFootprint(capacity int) int {
	return InternalHeaderSize + capacity*ChildSlotSize
}

// NewInternalNode allocates a fresh, empty internal node with room for
// capacity children.
func NewInternalNode(capacity int) *InternalNode {
	data := make([]byte, InternalFootprint(capacity))
	data[0] = byte(TagInternal)
	binary.LittleEndian.PutUint16(data[11:13], uint16(capacity))
	return &InternalNode{data: data}
}

// DecodeInternalNode wraps data as an internal node view, validating the tag
// and that the declared child count and capacity are internally consistent
// with the buffer's length and with each other.
func DecodeInternalNode(data []byte) (*InternalNode, error) {
	if len(data) < InternalHeaderSize {
		return nil, corrupt("internal node buffer shorter than header (%d bytes)", len(data))
	}
	if Tag(data[0]) != TagInternal {
		return nil, corrupt("expected internal tag, got %d", data[0])
	}
	n := &InternalNode{data: data}
	count := int(binary.LittleEndian.Uint16(data[9:11]))
	capacity := int(binary.LittleEndian.Uint16(data[11:13]))
	if count > capacity {
		return nil, corrupt("child count %d exceeds capacity %d", count, capacity)
	}
	if len(data) != InternalFootprint(capacity) {
		return nil, corrupt("internal node buffer length %d does not match capacity %d", len(data), capacity)
	}
	for i := 1; i < count; i++ {
		prevB, _ := n.ChildAt(i - 1)
		curB, _ := n.ChildAt(i)
		if curB <= prevB {
			return nil, corrupt("children not strictly sorted at slot %d", i)
		}
	}
	return n, nil
}

// Bytes returns the node's raw buffer.
func (n *InternalNode) Bytes() []byte { return n.data }

// LinkValue returns the pointer to the leaf whose key ends exactly at this
// node's depth, or 0 if no such record exists.
func (n *InternalNode) LinkValue() uint64 {
	return binary.LittleEndian.Uint64(n.data[1:9])
}

// SetLinkValue sets the link-to-value pointer in place; this never changes
// the node's footprint so it is always safe without relocation.
func (n *InternalNode) SetLinkValue(ptr uint64) {
	binary.LittleEndian.PutUint64(n.data[1:9], ptr)
}

// ChildCount returns the number of occupied child slots.
func (n *InternalNode) ChildCount() int {
	return int(binary.LittleEndian.Uint16(n.data[9:11]))
}

// Capacity returns the total number of child slots, occupied or slack.
func (n *InternalNode) Capacity() int {
	return int(binary.LittleEndian.Uint16(n.data[11:13]))
}

// HasSlack reports whether a child can be inserted without relocating.
func (n *InternalNode) HasSlack() bool { return n.ChildCount() < n.Capacity() }

func (n *InternalNode) slotOffset(i int) int {
	return InternalHeaderSize + i*ChildSlotSize
}

// ChildAt returns the discriminant byte and pointer stored at slot i.
func (n *InternalNode) ChildAt(i int) (byte, uint64) {
	off := n.slotOffset(i)
	return n.data[off], binary.LittleEndian.Uint64(n.data[off+1 : off+9])
}

func (n *InternalNode) setChildAt(i int, b byte, ptr uint64) {
	off := n.slotOffset(i)
	n.data[off] = b
	binary.LittleEndian.PutUint64(n.data[off+1:off+9], ptr)
}

// setChildCount writes the occupied-slot count in place.
func (n *InternalNode) setChildCount(count int) {
	binary.LittleEndian.PutUint16(n.data[9:11], uint16(count))
}

// Find looks up the child slot for discriminant byte b via binary search
// over the sorted occupied slots (mirrors bnode.InternalNode.Search).
// Returns the slot index and whether b was found there; when not found, idx
// is the position at which b should be inserted to keep slots sorted.
func (n *InternalNode) Find(b byte) (idx int, found bool) {
	count := n.ChildCount()
	idx = sort.Search(count, func(i int) bool {
		db, _ := n.ChildAt(i)
		return db >= b
	})
	if idx < count {
		db, _ := n.ChildAt(idx)
		if db == b {
			return idx, true
		}
	}
	return idx, false
}

// InsertChild inserts a new {b, ptr} slot in sorted position. It returns
// false without modifying the node if there is no slack left; the caller
// must Grow and relocate first.
func (n *InternalNode) InsertChild(b byte, ptr uint64) bool {
	if !n.HasSlack() {
		return false
	}
	idx, found := n.Find(b)
	if found {
		// SetKey/SetKey never re-inserts an existing discriminant into an
		// internal node: a repeat byte at the same depth is only possible
		// as a caller bug, not a data condition, so this is a hard
		// precondition rather than a recoverable outcome.
		panic("trienode: InsertChild called with a discriminant already present")
	}
	count := n.ChildCount()
	for i := count; i > idx; i-- {
		db, dp := n.ChildAt(i - 1)
		n.setChildAt(i, db, dp)
	}
	n.setChildAt(idx, b, ptr)
	n.setChildCount(count + 1)
	return true
}

// SetChildPointer overwrites the pointer for an already-present
// discriminant byte at slot idx, used when a child subtree relocates and
// this node's pointer to it must be rewritten.
func (n *InternalNode) SetChildPointer(idx int, ptr uint64) {
	b, _ := n.ChildAt(idx)
	n.setChildAt(idx, b, ptr)
}

// RemoveChildAt deletes the occupied slot at idx, shifting subsequent
// slots left and shrinking the child count. Unlike insertion this never
// needs relocation: a node only ever shrinks in place.
func (n *InternalNode) RemoveChildAt(idx int) {
	count := n.ChildCount()
	for i := idx; i < count-1; i++ {
		b, ptr := n.ChildAt(i + 1)
		n.setChildAt(i, b, ptr)
	}
	n.setChildAt(count-1, 0, 0)
	n.setChildCount(count - 1)
}

// Grow returns a new internal node with newCapacity child slots, carrying
// over every existing child and the link-value pointer. newCapacity must be
// >= n.ChildCount(). The caller is responsible for writing the returned
// node to storage (via Cache.WriteToEnd) and rewriting whatever pointer
// referenced the old node.
func (n *InternalNode) Grow(newCapacity int) *InternalNode {
	grown := NewInternalNode(newCapacity)
	grown.SetLinkValue(n.LinkValue())
	count := n.ChildCount()
	for i := 0; i < count; i++ {
		b, ptr := n.ChildAt(i)
		grown.setChildAt(i, b, ptr)
	}
	grown.setChildCount(count)
	return grown
}

// MaxInternalCapacity is the largest child slot capacity a node can hold:
// the count and capacity header fields are uint16, so 65535 children is the
// hard ceiling regardless of doubling.
const MaxInternalCapacity = 65535

// NextCapacity doubles capacity, the slack policy applied on every
// relocation, capped at MaxInternalCapacity.
func NextCapacity(capacity int) int {
	if capacity < InitialInternalCapacity {
		return InitialInternalCapacity
	}
	if capacity >= MaxInternalCapacity/2 {
		return MaxInternalCapacity
	}
	return capacity * 2
}
