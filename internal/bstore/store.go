// Package bstore provides a growable random-access byte store backed by a
// single file. It is the bottom layer of LTrie: a page cache is layered on
// top of it (see internal/pagecache) and never touches the file directly.
package bstore

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Store is a contiguous, zero-indexed, growable sequence of bytes backed by
// a file. Reads past Length fail; writes past Length extend it, zero-filling
// any gap. Store does not buffer writes: every Write/Read reaches the file
// immediately. Write-back buffering lives one layer up, in pagecache.Cache.
type Store struct {
	file   *os.File
	length int64 // logical length; may exceed the file's actual on-disk size
	fsize  int64 // the file's actual on-disk size (result of the last grow)
}

// Open opens or creates the file at path and returns a Store positioned at
// its current length (0 for a freshly created file).
func Open(path string) (*Store, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("bstore: open %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("bstore: stat %s: %w", path, err)
	}

	return &Store{
		file:   file,
		length: info.Size(),
		fsize:  info.Size(),
	}, nil
}

// Length returns the current logical length of the store.
func (s *Store) Length() int64 {
	return s.length
}

// Read fills dest from [offset, offset+len(dest)). It fails if the range
// exceeds the store's logical length.
func (s *Store) Read(offset int64, dest []byte) error {
	if offset < 0 || offset+int64(len(dest)) > s.length {
		return fmt.Errorf("bstore: read [%d,%d) exceeds length %d", offset, offset+int64(len(dest)), s.length)
	}
	if len(dest) == 0 {
		return nil
	}

	// The logical length can be ahead of the file's actual size (bytes
	// reserved but never grown into the file). Bytes in that gap read as
	// zero without touching the file.
	if offset >= s.fsize {
		for i := range dest {
			dest[i] = 0
		}
		return nil
	}

	readable := dest
	if offset+int64(len(dest)) > s.fsize {
		readable = dest[:s.fsize-offset]
	}
	if _, err := s.file.ReadAt(readable, offset); err != nil {
		return fmt.Errorf("bstore: read at %d: %w", offset, err)
	}
	for i := len(readable); i < len(dest); i++ {
		dest[i] = 0
	}
	return nil
}

// Write writes src starting at offset, extending the store's length to
// max(length, offset+len(src)) and zero-filling any gap between the previous
// length and offset.
func (s *Store) Write(offset int64, src []byte) error {
	if offset < 0 {
		return fmt.Errorf("bstore: write at negative offset %d", offset)
	}
	if len(src) == 0 {
		if end := offset; end > s.length {
			s.length = end
		}
		return nil
	}

	if err := s.growFile(offset + int64(len(src))); err != nil {
		return err
	}
	if _, err := s.file.WriteAt(src, offset); err != nil {
		return fmt.Errorf("bstore: write at %d: %w", offset, err)
	}

	if end := offset + int64(len(src)); end > s.length {
		s.length = end
	}
	return nil
}

// Reserve extends the store's length by n zero bytes and returns the offset
// at which the reserved region begins.
func (s *Store) Reserve(n int64) (int64, error) {
	if n < 0 {
		return 0, fmt.Errorf("bstore: reserve negative length %d", n)
	}
	start := s.length
	s.length += n
	return start, nil
}

// growFile extends the underlying file so that it is at least size bytes,
// zero-filling the extension. Extending the file lazily (only when a write
// actually needs bytes to land on disk) lets Reserve stay a pure bookkeeping
// operation, avoiding a Truncate syscall per small reservation.
func (s *Store) growFile(size int64) error {
	if size <= s.fsize {
		return nil
	}
	if err := s.file.Truncate(size); err != nil {
		return fmt.Errorf("bstore: grow to %d: %w", size, err)
	}
	s.fsize = size
	return nil
}

// Flush ensures persistence to durable media: it grows the file to cover the
// full logical length (any bytes reserved but not yet written land as
// zeroes), syncs file data, then forces a durability barrier via fdatasync.
func (s *Store) Flush() error {
	if err := s.growFile(s.length); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("bstore: sync: %w", err)
	}
	if err := unix.Fdatasync(int(s.file.Fd())); err != nil {
		return fmt.Errorf("bstore: fdatasync: %w", err)
	}
	return nil
}

// Close releases the underlying file handle. It does not implicitly flush.
func (s *Store) Close() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("bstore: close: %w", err)
	}
	return nil
}
