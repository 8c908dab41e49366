package ltrie

import (
	"bytes"
	"fmt"

	"github.com/oda/ltrie/internal/trienode"
)

// Row describes one stored record without reading its value bytes. The
// value is fetched lazily via Trie.ReadValue, keeping a row handle
// separate from its payload.
type Row struct {
	Key          []byte
	Pointer      uint64 // offset of the leaf node
	ValuePointer uint64 // offset where the value bytes begin within the leaf
	ValueLength  uint32
}

func rowFromLeaf(leafPtr uint64, leaf *trienode.LeafNode) *Row {
	return &Row{
		Key:          append([]byte(nil), leaf.Key()...),
		Pointer:      leafPtr,
		ValuePointer: leafPtr + uint64(trienode.LeafHeaderSize+leaf.KeyLen()),
		ValueLength:  uint32(leaf.ValueLen()),
	}
}

// enumFrame is one level of the depth-first walk EnumerateStartWith
// performs: the internal node at this level, and how far through its
// link-to-value slot and children array the walk has progressed.
type enumFrame struct {
	node         *trienode.InternalNode
	nodePtr      uint64
	emittedLink  bool
	nextChildIdx int
}

// Cursor yields Rows in ascending lexicographic key order. It is
// invalidated by any mutating operation on the Trie it was created from.
type Cursor struct {
	trie    *Trie
	prefix  []byte
	stack   []enumFrame
	pending *Row // a single already-resolved leaf-only match, emitted once
	done    bool
}

// EnumerateStartWith returns a Cursor over every stored key beginning with
// prefix, in ascending order. An empty prefix enumerates every record.
func (t *Trie) EnumerateStartWith(prefix []byte) (*Cursor, error) {
	if err := t.checkPoisoned(); err != nil {
		return nil, err
	}

	c := &Cursor{trie: t, prefix: append([]byte(nil), prefix...)}

	ptr := t.root.RootPointer()
	depth := 0
	for {
		tag, err := t.peekTag(ptr)
		if err != nil {
			return nil, err
		}

		if tag == trienode.TagLeaf {
			leaf, err := t.readLeaf(ptr)
			if err != nil {
				return nil, err
			}
			if bytes.HasPrefix(leaf.Key(), prefix) {
				c.pending = rowFromLeaf(ptr, leaf)
			} else {
				c.done = true
			}
			return c, nil
		}

		node, err := t.readInternal(ptr)
		if err != nil {
			return nil, err
		}
		if depth == len(prefix) {
			c.stack = []enumFrame{{node: node, nodePtr: ptr}}
			return c, nil
		}
		idx, found := node.Find(prefix[depth])
		if !found {
			c.done = true
			return c, nil
		}
		_, childPtr := node.ChildAt(idx)
		ptr = childPtr
		depth++
	}
}

// Next advances the cursor and reports whether a row is available.
func (c *Cursor) Next() (*Row, bool, error) {
	if c.pending != nil {
		row := c.pending
		c.pending = nil
		c.done = true
		return row, true, nil
	}
	if c.done {
		return nil, false, nil
	}

	for len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]

		if !top.emittedLink {
			top.emittedLink = true
			if lv := top.node.LinkValue(); lv != 0 {
				leaf, err := c.trie.readLeaf(lv)
				if err != nil {
					return nil, false, err
				}
				return rowFromLeaf(lv, leaf), true, nil
			}
		}

		if top.nextChildIdx >= top.node.ChildCount() {
			c.stack = c.stack[:len(c.stack)-1]
			continue
		}

		_, childPtr := top.node.ChildAt(top.nextChildIdx)
		top.nextChildIdx++

		tag, err := c.trie.peekTag(childPtr)
		if err != nil {
			return nil, false, err
		}
		switch tag {
		case trienode.TagLeaf:
			leaf, err := c.trie.readLeaf(childPtr)
			if err != nil {
				return nil, false, err
			}
			return rowFromLeaf(childPtr, leaf), true, nil
		case trienode.TagInternal:
			child, err := c.trie.readInternal(childPtr)
			if err != nil {
				return nil, false, err
			}
			c.stack = append(c.stack, enumFrame{node: child, nodePtr: childPtr})
		default:
			return nil, false, c.trie.corrupt("ltrie: unexpected tag %d at %d", tag, childPtr)
		}
	}

	c.done = true
	return nil, false, nil
}

// Collect drains the cursor into a slice, for callers that don't need
// streaming enumeration (bulk tests).
func (c *Cursor) Collect() ([]*Row, error) {
	var rows []*Row
	for {
		row, ok, err := c.Next()
		if err != nil {
			return rows, fmt.Errorf("ltrie: enumerate: %w", err)
		}
		if !ok {
			return rows, nil
		}
		rows = append(rows, row)
	}
}
