// Package pagecache implements a write-back page cache over a growable
// byte-addressable backing store. Mutations land in page buffers; nothing
// reaches the backing store until Flush. Pages are a pure caching
// granularity over an arbitrary byte heap rather than one page per
// fixed-size tree node, since trie nodes vary in size and commonly span or
// share pages.
package pagecache

import (
	"fmt"
	"sort"
)

// DefaultPageSize is the page granularity used when no Options.PageSize is
// given.
const DefaultPageSize = 8192

// Backing is the byte-storage contract the cache writes back through. It is
// satisfied by *bstore.Store.
type Backing interface {
	Read(offset int64, dest []byte) error
	Write(offset int64, src []byte) error
	Reserve(n int64) (int64, error)
	Length() int64
	Flush() error
	Close() error
}

// page mirrors storage bytes [index*pageSize, index*pageSize+validLen). Its
// capacity is always pageSize; validLen is pageSize except possibly for the
// last page of the backing store, which may hold bytes appended past the
// original length.
type page struct {
	data     []byte
	validLen int
	dirty    bool
}

// Cache is a write-back page cache. It has no internal lock: LTrie is a
// single-writer engine and callers are responsible for serializing access.
type Cache struct {
	backing  Backing
	pageSize int
	pages    map[int64]*page
	length   int64 // logical length; may exceed backing.Length() until Flush
}

// New wraps backing in a write-back page cache using pageSize-byte pages.
func New(backing Backing, pageSize int) *Cache {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Cache{
		backing:  backing,
		pageSize: pageSize,
		pages:    make(map[int64]*page),
		length:   backing.Length(),
	}
}

// Length returns the cache's logical length, which may be ahead of the
// backing store's length until Flush.
func (c *Cache) Length() int64 {
	return c.length
}

func (c *Cache) pageIndex(offset int64) int64 {
	return offset / int64(c.pageSize)
}

// loadPage returns the page at index idx, reading it from backing storage if
// it is not already cached. allocate controls what happens when the page
// lies entirely or partly past the current logical length: if true, a fresh
// zero-filled page is fabricated (the write path); if false and the page has
// no valid bytes yet, nil is returned (the read path, signalling "nothing
// there").
func (c *Cache) loadPage(idx int64, allocate bool) (*page, error) {
	if p, ok := c.pages[idx]; ok {
		return p, nil
	}

	pageStart := idx * int64(c.pageSize)
	backingLen := c.backing.Length()

	p := &page{data: make([]byte, c.pageSize)}

	switch {
	case pageStart >= backingLen:
		// Entirely past the backing store: nothing to read through.
		if !allocate && pageStart >= c.length {
			return nil, nil
		}
	default:
		validLen := c.pageSize
		if pageStart+int64(c.pageSize) > backingLen {
			validLen = int(backingLen - pageStart) // short read at the tail
		}
		if err := c.backing.Read(pageStart, p.data[:validLen]); err != nil {
			return nil, fmt.Errorf("pagecache: load page %d: %w", idx, err)
		}
		p.validLen = validLen
	}

	c.pages[idx] = p
	return p, nil
}

// Read fills dest from [offset, offset+len(dest)), decomposing the range
// into page-aligned slices.
func (c *Cache) Read(offset int64, dest []byte) error {
	if offset < 0 || offset+int64(len(dest)) > c.length {
		return fmt.Errorf("pagecache: read [%d,%d) exceeds length %d", offset, offset+int64(len(dest)), c.length)
	}

	remaining := dest
	pos := offset
	for len(remaining) > 0 {
		idx := c.pageIndex(pos)
		pageStart := idx * int64(c.pageSize)
		within := int(pos - pageStart)
		n := c.pageSize - within
		if n > len(remaining) {
			n = len(remaining)
		}

		p, err := c.loadPage(idx, false)
		if err != nil {
			return err
		}
		if p == nil || within >= p.validLen {
			for i := 0; i < n; i++ {
				remaining[i] = 0
			}
		} else {
			avail := p.validLen - within
			if avail > n {
				avail = n
			}
			copy(remaining[:avail], p.data[within:within+avail])
			for i := avail; i < n; i++ {
				remaining[i] = 0
			}
		}

		remaining = remaining[n:]
		pos += int64(n)
	}
	return nil
}

// Write copies src into the cache starting at offset, marking every touched
// page dirty, extending the cache's logical length as needed.
func (c *Cache) Write(offset int64, src []byte) error {
	if offset < 0 {
		return fmt.Errorf("pagecache: write at negative offset %d", offset)
	}

	if end := offset + int64(len(src)); end > c.length {
		c.length = end
	}

	remaining := src
	pos := offset
	for len(remaining) > 0 {
		idx := c.pageIndex(pos)
		pageStart := idx * int64(c.pageSize)
		within := int(pos - pageStart)
		n := c.pageSize - within
		if n > len(remaining) {
			n = len(remaining)
		}

		p, err := c.loadPage(idx, true)
		if err != nil {
			return err
		}
		copy(p.data[within:within+n], remaining[:n])
		if within+n > p.validLen {
			p.validLen = within + n
		}
		p.dirty = true

		remaining = remaining[n:]
		pos += int64(n)
	}
	return nil
}

// WriteToEnd appends data at the cache's current logical length and returns
// the offset at which it was written. Every node allocation in the trie
// layer goes through this: the trie is an arena addressed by 64-bit
// offsets, and new nodes are always created by appending.
func (c *Cache) WriteToEnd(data []byte) (int64, error) {
	offset := c.length
	if err := c.Write(offset, data); err != nil {
		return 0, err
	}
	return offset, nil
}

// Flush writes every dirty page back to the backing store in ascending page
// index order, then flushes the backing store itself.
func (c *Cache) Flush() error {
	var dirtyIdx []int64
	for idx, p := range c.pages {
		if p.dirty {
			dirtyIdx = append(dirtyIdx, idx)
		}
	}
	sort.Slice(dirtyIdx, func(i, j int) bool { return dirtyIdx[i] < dirtyIdx[j] })

	for _, idx := range dirtyIdx {
		p := c.pages[idx]
		pageStart := idx * int64(c.pageSize)
		if err := c.backing.Write(pageStart, p.data[:p.validLen]); err != nil {
			return fmt.Errorf("pagecache: flush page %d: %w", idx, err)
		}
		p.dirty = false
	}

	if err := c.backing.Flush(); err != nil {
		return fmt.Errorf("pagecache: backing flush: %w", err)
	}
	return nil
}

// Close closes the underlying backing store. It does not implicitly flush.
func (c *Cache) Close() error {
	return c.backing.Close()
}
