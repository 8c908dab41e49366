package trienode

import "encoding/binary"

// GenerationNode is a fixed-size, never-relocating counter written once at
// a well-known offset and bumped in place on every mutation. Readers use it
// to cheaply tell whether anything cached from a prior traversal might be
// stale, without re-walking the tree.
//
//	[0]    tag = TagGeneration
//	[1:9)  monotonic counter, little-endian
type GenerationNode struct {
	data []byte
}

// NewGenerationNode allocates a generation node starting at counter 0.
func NewGenerationNode() *GenerationNode {
	data := make([]byte, GenerationNodeSize)
	data[0] = byte(TagGeneration)
	return &GenerationNode{data: data}
}

// DecodeGenerationNode wraps data as a generation node view.
func DecodeGenerationNode(data []byte) (*GenerationNode, error) {
	if len(data) != GenerationNodeSize {
		return nil, corrupt("generation node buffer length %d, want %d", len(data), GenerationNodeSize)
	}
	if Tag(data[0]) != TagGeneration {
		return nil, corrupt("expected generation tag, got %d", data[0])
	}
	return &GenerationNode{data: data}, nil
}

// Bytes returns the node's raw buffer.
func (g *GenerationNode) Bytes() []byte { return g.data }

// Counter returns the current generation count.
func (g *GenerationNode) Counter() uint64 {
	return binary.LittleEndian.Uint64(g.data[1:9])
}

// Bump increments the counter in place and returns the new value.
func (g *GenerationNode) Bump() uint64 {
	next := g.Counter() + 1
	binary.LittleEndian.PutUint64(g.data[1:9], next)
	return next
}
