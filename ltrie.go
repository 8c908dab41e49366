// Package ltrie is an embedded, single-file, persistent ordered
// key-value store built on a byte-granular radix trie layered over a
// write-back page cache over growable byte storage.
//
// A Trie is a single-writer handle: callers must serialize their own
// access, and once an operation reports corruption (a malformed node or a
// failed node read) or returns ErrConsistencyCheckFailed the handle is
// poisoned and every subsequent call returns the same error.
package ltrie

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/oda/ltrie/internal/bstore"
	"github.com/oda/ltrie/internal/dbglog"
	"github.com/oda/ltrie/internal/pagecache"
	"github.com/oda/ltrie/internal/trienode"
)

// ErrConsistencyCheckFailed is returned, and poisons the handle, when
// Options.ConsistencyCheck is enabled and a just-written record cannot be
// read back with the value that was written.
var ErrConsistencyCheckFailed = errors.New("ltrie: consistency check failed")

// Options configures a Trie at Open. The zero value is a usable default:
// DefaultPageSize, consistency checking off, logging discarded.
type Options struct {
	// PageSize is the page cache's page granularity. Zero means
	// pagecache.DefaultPageSize.
	PageSize int

	// ConsistencyCheck enables an after-each-write read-back verification.
	// Tests that bulk-load data typically leave this off.
	ConsistencyCheck bool

	// Logger receives corruption, consistency-check-failure, and (at
	// debug level) relocation events. Nil means dbglog.Discard.
	Logger *dbglog.Logger
}

func (o Options) pageSize() int {
	if o.PageSize <= 0 {
		return pagecache.DefaultPageSize
	}
	return o.PageSize
}

func (o Options) logger() *dbglog.Logger {
	if o.Logger == nil {
		return dbglog.Discard
	}
	return o.Logger
}

// Trie is an open handle onto a single storage file.
type Trie struct {
	cache   *pagecache.Cache
	options Options
	root    *trienode.RootRecord
	poison  error
}

// Open opens path, creating it if it does not exist, and initializes an
// empty trie on a fresh file.
func Open(path string, options Options) (*Trie, error) {
	store, err := bstore.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ltrie: open %s: %w", path, err)
	}
	cache := pagecache.New(store, options.pageSize())

	t := &Trie{cache: cache, options: options}

	if cache.Length() == 0 {
		if err := t.initializeEmpty(); err != nil {
			cache.Close()
			return nil, err
		}
		return t, nil
	}

	rootBuf := make([]byte, trienode.RootRecordSize)
	if err := cache.Read(0, rootBuf); err != nil {
		cache.Close()
		return nil, fmt.Errorf("ltrie: read root record: %w", err)
	}
	root, err := trienode.DecodeRootRecord(rootBuf)
	if err != nil {
		cache.Close()
		return nil, fmt.Errorf("ltrie: decode root record: %w", err)
	}
	t.root = root

	if root.IsEmpty() {
		if err := t.initializeEmptyTrieBody(); err != nil {
			cache.Close()
			return nil, err
		}
	}
	return t, nil
}

// initializeEmpty handles a brand new, zero-length file: it must first
// reserve the 24-byte root record before anything else can be appended
// after it.
func (t *Trie) initializeEmpty() error {
	t.root = trienode.NewRootRecord()
	if _, err := t.cache.WriteToEnd(t.root.Bytes()); err != nil {
		return fmt.Errorf("ltrie: write initial root record: %w", err)
	}
	return t.initializeEmptyTrieBody()
}

// initializeEmptyTrieBody allocates the empty root internal node and the
// generation node and rewrites the root record to point at them.
func (t *Trie) initializeEmptyTrieBody() error {
	rootNode := trienode.NewInternalNode(trienode.InitialInternalCapacity)
	rootPtr, err := t.cache.WriteToEnd(rootNode.Bytes())
	if err != nil {
		return fmt.Errorf("ltrie: allocate root node: %w", err)
	}

	gen := trienode.NewGenerationNode()
	genPtr, err := t.cache.WriteToEnd(gen.Bytes())
	if err != nil {
		return fmt.Errorf("ltrie: allocate generation node: %w", err)
	}

	t.root.SetRootPointer(uint64(rootPtr))
	t.root.SetGenerationPointer(uint64(genPtr))
	return t.writeRootRecord()
}

func (t *Trie) writeRootRecord() error {
	if err := t.cache.Write(0, t.root.Bytes()); err != nil {
		return fmt.Errorf("ltrie: write root record: %w", err)
	}
	return nil
}

func (t *Trie) fail(err error) error {
	if t.poison == nil {
		t.poison = err
	}
	return err
}

func (t *Trie) corrupt(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	t.options.logger().Error("corruption detected", map[string]any{"error": err.Error()})
	return t.fail(err)
}

func (t *Trie) checkPoisoned() error {
	if t.poison != nil {
		return t.poison
	}
	return nil
}

func (t *Trie) readInternal(ptr uint64) (*trienode.InternalNode, error) {
	header := make([]byte, trienode.InternalHeaderSize)
	if err := t.cache.Read(int64(ptr), header); err != nil {
		return nil, t.corrupt("ltrie: read internal node header at %d: %w", ptr, err)
	}
	capacity := int(binary.LittleEndian.Uint16(header[11:13]))
	footprint := trienode.InternalFootprint(capacity)
	buf := make([]byte, footprint)
	if err := t.cache.Read(int64(ptr), buf); err != nil {
		return nil, t.corrupt("ltrie: read internal node body at %d: %w", ptr, err)
	}
	node, err := trienode.DecodeInternalNode(buf)
	if err != nil {
		return nil, t.corrupt("ltrie: %w", err)
	}
	return node, nil
}

func (t *Trie) readLeaf(ptr uint64) (*trienode.LeafNode, error) {
	header := make([]byte, trienode.LeafHeaderSize)
	if err := t.cache.Read(int64(ptr), header); err != nil {
		return nil, t.corrupt("ltrie: read leaf header at %d: %w", ptr, err)
	}
	keyLen := int(binary.LittleEndian.Uint32(header[1:5]))
	valueCap := int(binary.LittleEndian.Uint32(header[5:9]))
	footprint := trienode.LeafFootprint(keyLen, valueCap)
	buf := make([]byte, footprint)
	if err := t.cache.Read(int64(ptr), buf); err != nil {
		return nil, t.corrupt("ltrie: read leaf body at %d: %w", ptr, err)
	}
	leaf, err := trienode.DecodeLeafNode(buf)
	if err != nil {
		return nil, t.corrupt("ltrie: %w", err)
	}
	return leaf, nil
}

func (t *Trie) peekTag(ptr uint64) (trienode.Tag, error) {
	buf := make([]byte, 1)
	if err := t.cache.Read(int64(ptr), buf); err != nil {
		return trienode.TagNone, t.corrupt("ltrie: peek tag at %d: %w", ptr, err)
	}
	return trienode.Tag(buf[0]), nil
}

// pathFrame records one internal node visited on the way down to the node
// currently being examined, and which of its slots led onward. This
// depth-keyed stack is needed only to rewrite a parent's pointer when the
// node it leads to relocates.
type pathFrame struct {
	nodeOffset uint64
	slotIndex  int // -1 means the link-to-value slot
}

func (t *Trie) rewriteParentPointer(stack []pathFrame, newPtr uint64) error {
	if len(stack) == 0 {
		t.root.SetRootPointer(newPtr)
		return t.writeRootRecord()
	}
	top := stack[len(stack)-1]
	parent, err := t.readInternal(top.nodeOffset)
	if err != nil {
		return err
	}
	if top.slotIndex == -1 {
		parent.SetLinkValue(newPtr)
	} else {
		parent.SetChildPointer(top.slotIndex, newPtr)
	}
	if err := t.cache.Write(int64(top.nodeOffset), parent.Bytes()); err != nil {
		return fmt.Errorf("ltrie: rewrite parent pointer at %d: %w", top.nodeOffset, err)
	}
	return nil
}

// RecordCount returns the number of live records.
func (t *Trie) RecordCount() uint64 {
	return t.root.RecordCount()
}

// Flush writes every dirty page to the backing file and forces it to
// durable media.
func (t *Trie) Flush() error {
	if err := t.checkPoisoned(); err != nil {
		return err
	}
	if err := t.cache.Flush(); err != nil {
		return fmt.Errorf("ltrie: flush: %w", err)
	}
	return nil
}

// Close flushes and releases the underlying file handle.
func (t *Trie) Close() error {
	if err := t.cache.Flush(); err != nil {
		t.cache.Close()
		return fmt.Errorf("ltrie: flush on close: %w", err)
	}
	return t.cache.Close()
}

// GetKey looks up key and returns its Row, or found=false if absent.
func (t *Trie) GetKey(key []byte) (row *Row, found bool, err error) {
	if err := t.checkPoisoned(); err != nil {
		return nil, false, err
	}
	return t.getKey(key)
}

func (t *Trie) getKey(key []byte) (*Row, bool, error) {
	ptr := t.root.RootPointer()
	depth := 0
	for {
		node, err := t.readInternal(ptr)
		if err != nil {
			return nil, false, err
		}
		if depth == len(key) {
			lv := node.LinkValue()
			if lv == 0 {
				return nil, false, nil
			}
			leaf, err := t.readLeaf(lv)
			if err != nil {
				return nil, false, err
			}
			return rowFromLeaf(lv, leaf), true, nil
		}
		idx, found := node.Find(key[depth])
		if !found {
			return nil, false, nil
		}
		_, childPtr := node.ChildAt(idx)
		tag, err := t.peekTag(childPtr)
		if err != nil {
			return nil, false, err
		}
		switch tag {
		case trienode.TagLeaf:
			leaf, err := t.readLeaf(childPtr)
			if err != nil {
				return nil, false, err
			}
			if !bytes.Equal(leaf.Key(), key) {
				return nil, false, nil
			}
			return rowFromLeaf(childPtr, leaf), true, nil
		case trienode.TagInternal:
			ptr = childPtr
			depth++
		default:
			return nil, false, t.corrupt("ltrie: unexpected tag %d at %d", tag, childPtr)
		}
	}
}

// GetValue looks up key and returns its value, or found=false if absent.
func (t *Trie) GetValue(key []byte) (value []byte, found bool, err error) {
	row, found, err := t.GetKey(key)
	if err != nil || !found {
		return nil, found, err
	}
	value, err = t.readRowValue(row)
	return value, true, err
}

func (t *Trie) readRowValue(row *Row) ([]byte, error) {
	buf := make([]byte, row.ValueLength)
	if err := t.cache.Read(int64(row.ValuePointer), buf); err != nil {
		return nil, fmt.Errorf("ltrie: read value at %d: %w", row.ValuePointer, err)
	}
	return buf, nil
}

// ReadValue fetches the value bytes a Row points at. Exported for callers
// of EnumerateStartWith, which yields Rows lazily without reading values.
func (t *Trie) ReadValue(row *Row) ([]byte, error) {
	if err := t.checkPoisoned(); err != nil {
		return nil, err
	}
	return t.readRowValue(row)
}

// SetKey inserts or updates key to value. RecordCount is incremented only
// when key did not previously exist.
func (t *Trie) SetKey(key, value []byte) error {
	if err := t.checkPoisoned(); err != nil {
		return err
	}
	if err := t.setKey(key, value); err != nil {
		return err
	}
	if err := t.bumpGeneration(); err != nil {
		return err
	}
	if t.options.ConsistencyCheck {
		return t.verifyWrite(key, value)
	}
	return nil
}

func (t *Trie) setKey(key, value []byte) error {
	var stack []pathFrame
	ptr := t.root.RootPointer()
	depth := 0

	for {
		node, err := t.readInternal(ptr)
		if err != nil {
			return err
		}

		if depth == len(key) {
			return t.setLinkValue(node, ptr, key, value)
		}

		b := key[depth]
		idx, found := node.Find(b)
		if !found {
			return t.insertNewChild(stack, node, ptr, b, key, value)
		}

		_, childPtr := node.ChildAt(idx)
		tag, err := t.peekTag(childPtr)
		if err != nil {
			return err
		}

		switch tag {
		case trienode.TagLeaf:
			return t.mutateLeafChild(node, ptr, idx, childPtr, depth, key, value)
		case trienode.TagInternal:
			stack = append(stack, pathFrame{nodeOffset: ptr, slotIndex: idx})
			ptr = childPtr
			depth++
		default:
			return t.corrupt("ltrie: unexpected tag %d at %d", tag, childPtr)
		}
	}
}

// setLinkValue handles the case where key's path exhausts exactly at
// node's depth: the value belongs on node's link-to-value slot rather
// than a child.
func (t *Trie) setLinkValue(node *trienode.InternalNode, nodePtr uint64, key, value []byte) error {
	lv := node.LinkValue()
	if lv != 0 {
		leaf, err := t.readLeaf(lv)
		if err != nil {
			return err
		}
		return t.overwriteLeaf(node, nodePtr, -1, lv, leaf, value)
	}

	leaf := trienode.NewLeafNode(key, value)
	leafPtr, err := t.cache.WriteToEnd(leaf.Bytes())
	if err != nil {
		return fmt.Errorf("ltrie: allocate leaf: %w", err)
	}
	node.SetLinkValue(uint64(leafPtr))
	if err := t.cache.Write(int64(nodePtr), node.Bytes()); err != nil {
		return fmt.Errorf("ltrie: write node %d: %w", nodePtr, err)
	}
	return t.recordInserted()
}

// insertNewChild handles divergence at an internal node: discriminant
// byte b is not present among its children and must be added, relocating
// the node first if it has no slack left.
func (t *Trie) insertNewChild(stack []pathFrame, node *trienode.InternalNode, nodePtr uint64, b byte, key, value []byte) error {
	leaf := trienode.NewLeafNode(key, value)
	leafPtr, err := t.cache.WriteToEnd(leaf.Bytes())
	if err != nil {
		return fmt.Errorf("ltrie: allocate leaf: %w", err)
	}

	if node.InsertChild(b, uint64(leafPtr)) {
		if err := t.cache.Write(int64(nodePtr), node.Bytes()); err != nil {
			return fmt.Errorf("ltrie: write node %d: %w", nodePtr, err)
		}
		return t.recordInserted()
	}

	grown := node.Grow(trienode.NextCapacity(node.Capacity()))
	if !grown.InsertChild(b, uint64(leafPtr)) {
		return t.corrupt("ltrie: grown node at %d still has no slack for child %q", nodePtr, b)
	}
	newPtr, err := t.cache.WriteToEnd(grown.Bytes())
	if err != nil {
		return fmt.Errorf("ltrie: relocate grown node: %w", err)
	}
	t.options.logger().Debug("relocated internal node", map[string]any{"from": nodePtr, "to": newPtr})
	if err := t.rewriteParentPointer(stack, uint64(newPtr)); err != nil {
		return err
	}
	return t.recordInserted()
}

// mutateLeafChild handles the case where the child at idx is a leaf:
// either key matches it exactly (overwrite) or diverges partway through
// (split).
func (t *Trie) mutateLeafChild(node *trienode.InternalNode, nodePtr uint64, idx int, leafPtr uint64, depth int, key, value []byte) error {
	leaf, err := t.readLeaf(leafPtr)
	if err != nil {
		return err
	}
	if bytes.Equal(leaf.Key(), key) {
		return t.overwriteLeaf(node, nodePtr, idx, leafPtr, leaf, value)
	}
	return t.splitLeaf(node, nodePtr, idx, leafPtr, leaf, depth, key, value)
}

// overwriteLeaf updates an existing leaf's value in place if it fits in
// its slack, else relocates it and rewrites the single pointer to it
// (slotIndex, or -1 for the link-to-value field).
func (t *Trie) overwriteLeaf(node *trienode.InternalNode, nodePtr uint64, slotIndex int, leafPtr uint64, leaf *trienode.LeafNode, value []byte) error {
	if leaf.HasSlack(value) {
		leaf.SetValue(value)
		if err := t.cache.Write(int64(leafPtr), leaf.Bytes()); err != nil {
			return fmt.Errorf("ltrie: write leaf %d: %w", leafPtr, err)
		}
		return nil
	}

	grown := leaf.Grow(value)
	newPtr, err := t.cache.WriteToEnd(grown.Bytes())
	if err != nil {
		return fmt.Errorf("ltrie: relocate grown leaf: %w", err)
	}
	t.options.logger().Debug("relocated leaf", map[string]any{"from": leafPtr, "to": newPtr})
	if slotIndex == -1 {
		node.SetLinkValue(uint64(newPtr))
	} else {
		node.SetChildPointer(slotIndex, uint64(newPtr))
	}
	if err := t.cache.Write(int64(nodePtr), node.Bytes()); err != nil {
		return fmt.Errorf("ltrie: write node %d: %w", nodePtr, err)
	}
	return nil
}

// splitLeaf handles key diverging from the existing leaf's key partway
// through. Both leaves keep their full stored key (this codec never
// stores compressed suffixes), so neither needs to relocate: only new
// internal nodes are built between them, one where the keys diverge plus
// a single-child node for each byte they share past node's depth.
func (t *Trie) splitLeaf(node *trienode.InternalNode, nodePtr uint64, idx int, existingPtr uint64, existing *trienode.LeafNode, depth int, key, value []byte) error {
	existingKey := existing.Key()
	i := depth + 1
	for i < len(key) && i < len(existingKey) && key[i] == existingKey[i] {
		i++
	}

	m := trienode.NewInternalNode(trienode.InitialInternalCapacity)

	switch {
	case i == len(key) && i == len(existingKey):
		// Unreachable: equal-length-and-content keys would have matched
		// bytes.Equal(leaf.Key(), key) earlier and taken the overwrite path.
		return t.corrupt("ltrie: split invoked for identical keys %q", key)
	case i == len(key):
		newLeaf := trienode.NewLeafNode(key, value)
		newPtr, err := t.cache.WriteToEnd(newLeaf.Bytes())
		if err != nil {
			return fmt.Errorf("ltrie: allocate leaf: %w", err)
		}
		m.SetLinkValue(uint64(newPtr))
		m.InsertChild(existingKey[i], existingPtr)
	case i == len(existingKey):
		m.SetLinkValue(existingPtr)
		newLeaf := trienode.NewLeafNode(key, value)
		newPtr, err := t.cache.WriteToEnd(newLeaf.Bytes())
		if err != nil {
			return fmt.Errorf("ltrie: allocate leaf: %w", err)
		}
		m.InsertChild(key[i], uint64(newPtr))
	default:
		newLeaf := trienode.NewLeafNode(key, value)
		newPtr, err := t.cache.WriteToEnd(newLeaf.Bytes())
		if err != nil {
			return fmt.Errorf("ltrie: allocate leaf: %w", err)
		}
		m.InsertChild(existingKey[i], existingPtr)
		m.InsertChild(key[i], uint64(newPtr))
	}

	mPtr, err := t.cache.WriteToEnd(m.Bytes())
	if err != nil {
		return fmt.Errorf("ltrie: allocate split node: %w", err)
	}
	// Lookup descends one byte per internal node, so every byte the two
	// keys share past node's own discriminant needs a single-child node
	// between node and m.
	for j := i - 1; j > depth; j-- {
		link := trienode.NewInternalNode(trienode.InitialInternalCapacity)
		link.InsertChild(key[j], uint64(mPtr))
		if mPtr, err = t.cache.WriteToEnd(link.Bytes()); err != nil {
			return fmt.Errorf("ltrie: allocate split node: %w", err)
		}
	}
	node.SetChildPointer(idx, uint64(mPtr))
	if err := t.cache.Write(int64(nodePtr), node.Bytes()); err != nil {
		return fmt.Errorf("ltrie: write node %d: %w", nodePtr, err)
	}
	return t.recordInserted()
}

func (t *Trie) recordInserted() error {
	t.root.SetRecordCount(t.root.RecordCount() + 1)
	return t.writeRootRecord()
}

// DeleteKey removes key if present, returning whether it was found.
// Deletion never relocates anything: a record's bytes are simply
// abandoned once unreachable. There is no compaction.
func (t *Trie) DeleteKey(key []byte) (found bool, err error) {
	if err := t.checkPoisoned(); err != nil {
		return false, err
	}

	ptr := t.root.RootPointer()
	depth := 0
	for {
		node, err := t.readInternal(ptr)
		if err != nil {
			return false, err
		}

		if depth == len(key) {
			if node.LinkValue() == 0 {
				return false, nil
			}
			node.SetLinkValue(0)
			if err := t.cache.Write(int64(ptr), node.Bytes()); err != nil {
				return false, fmt.Errorf("ltrie: write node %d: %w", ptr, err)
			}
			if err := t.recordDeleted(); err != nil {
				return false, err
			}
			return true, t.bumpGeneration()
		}

		idx, found := node.Find(key[depth])
		if !found {
			return false, nil
		}
		_, childPtr := node.ChildAt(idx)
		tag, err := t.peekTag(childPtr)
		if err != nil {
			return false, err
		}
		switch tag {
		case trienode.TagLeaf:
			leaf, err := t.readLeaf(childPtr)
			if err != nil {
				return false, err
			}
			if !bytes.Equal(leaf.Key(), key) {
				return false, nil
			}
			node.RemoveChildAt(idx)
			if err := t.cache.Write(int64(ptr), node.Bytes()); err != nil {
				return false, fmt.Errorf("ltrie: write node %d: %w", ptr, err)
			}
			if err := t.recordDeleted(); err != nil {
				return false, err
			}
			return true, t.bumpGeneration()
		case trienode.TagInternal:
			ptr = childPtr
			depth++
		default:
			return false, t.corrupt("ltrie: unexpected tag %d at %d", tag, childPtr)
		}
	}
}

func (t *Trie) recordDeleted() error {
	t.root.SetRecordCount(t.root.RecordCount() - 1)
	return t.writeRootRecord()
}

// FindBestMatch walks needle through the trie one byte per internal node
// and reports whether the walk ends on a value-bearing link. If the walk
// reaches a leaf, the result is whether the leaf's key and needle are
// prefix-related (one is a prefix of the other). If it stops at an
// internal node, because needle is exhausted or its next byte has no
// child there, the result is whether that node has a link-to-value;
// keys further down that node's subtree and link values on the nodes
// above it are not consulted.
func (t *Trie) FindBestMatch(needle []byte) (hasLink bool, err error) {
	if err := t.checkPoisoned(); err != nil {
		return false, err
	}

	ptr := t.root.RootPointer()
	depth := 0
	for {
		tag, err := t.peekTag(ptr)
		if err != nil {
			return false, err
		}

		if tag == trienode.TagLeaf {
			leaf, err := t.readLeaf(ptr)
			if err != nil {
				return false, err
			}
			return leafIsPrefixMatch(leaf.Key(), needle, depth), nil
		}

		node, err := t.readInternal(ptr)
		if err != nil {
			return false, err
		}
		if depth == len(needle) {
			return node.LinkValue() != 0, nil
		}
		idx, found := node.Find(needle[depth])
		if !found {
			return node.LinkValue() != 0, nil
		}
		_, childPtr := node.ChildAt(idx)
		ptr = childPtr
		depth++
	}
}

// leafIsPrefixMatch reports whether leafKey and needle are prefix-related,
// given that the discriminant chain leading to this leaf has already
// confirmed they agree on their first matchedLen bytes.
func leafIsPrefixMatch(leafKey, needle []byte, matchedLen int) bool {
	common := matchedLen
	for common < len(needle) && common < len(leafKey) && needle[common] == leafKey[common] {
		common++
	}
	return common == len(needle) || common == len(leafKey)
}
