// Package schema is a thin table-name registry layered on top of a Trie's
// public surface: a reserved key prefix maps table names to monotonically
// issued file numbers. It never reaches into trie internals.
package schema

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/oda/ltrie"
)

const (
	tablePrefix       = "@ut"
	lastFileNumberKey = "@@@@LastFileNumber"
)

// Schema wraps a *ltrie.Trie with the table-name registry.
type Schema struct {
	trie *ltrie.Trie
}

// New wraps trie in a table-name registry.
func New(trie *ltrie.Trie) *Schema {
	return &Schema{trie: trie}
}

func encodeFileNumber(n uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, n)
	return buf
}

func decodeFileNumber(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("schema: file number value length %d, want 8", len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}

// GetLastFileNumber returns the most recently issued file number, or 0 if
// none has ever been issued.
func (s *Schema) GetLastFileNumber() (uint64, error) {
	value, found, err := s.trie.GetValue([]byte(lastFileNumberKey))
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return decodeFileNumber(value)
}

func (s *Schema) setLastFileNumber(n uint64) error {
	return s.trie.SetKey([]byte(lastFileNumberKey), encodeFileNumber(n))
}

// GetFileNameOrCreate returns the file number for name, allocating and
// persisting a new one if name has never been registered. Idempotent: a
// second call with the same name returns the same number without
// consuming another counter value.
func (s *Schema) GetFileNameOrCreate(name string) (uint64, error) {
	key := []byte(tablePrefix + name)
	value, found, err := s.trie.GetValue(key)
	if err != nil {
		return 0, err
	}
	if found {
		return decodeFileNumber(value)
	}

	last, err := s.GetLastFileNumber()
	if err != nil {
		return 0, err
	}
	next := last + 1
	if err := s.setLastFileNumber(next); err != nil {
		return 0, err
	}
	if err := s.trie.SetKey(key, encodeFileNumber(next)); err != nil {
		return 0, err
	}
	return next, nil
}

// GetTables enumerates every registered table name beginning with prefix,
// in ascending order, with the @ut marker stripped. An empty prefix
// enumerates every table.
func (s *Schema) GetTables(prefix string) ([]string, error) {
	cursor, err := s.trie.EnumerateStartWith([]byte(tablePrefix + prefix))
	if err != nil {
		return nil, err
	}

	var names []string
	for {
		row, ok, err := cursor.Next()
		if err != nil {
			return names, err
		}
		if !ok {
			break
		}
		names = append(names, strings.TrimPrefix(string(row.Key), tablePrefix))
	}
	return names, nil
}
