package ltrie

import (
	"fmt"

	"github.com/oda/ltrie/internal/trienode"
)

// Generation returns the current value of the generation counter, read
// fresh from storage rather than cached in the handle: no language-level
// reference into the node arena is ever held across a suspension point,
// and a generation read is no exception.
func (t *Trie) Generation() (uint64, error) {
	if err := t.checkPoisoned(); err != nil {
		return 0, err
	}
	gen, err := t.readGeneration()
	if err != nil {
		return 0, err
	}
	return gen.Counter(), nil
}

func (t *Trie) readGeneration() (*trienode.GenerationNode, error) {
	buf := make([]byte, trienode.GenerationNodeSize)
	if err := t.cache.Read(int64(t.root.GenerationPointer()), buf); err != nil {
		return nil, fmt.Errorf("ltrie: read generation node: %w", err)
	}
	gen, err := trienode.DecodeGenerationNode(buf)
	if err != nil {
		return nil, t.corrupt("ltrie: %w", err)
	}
	return gen, nil
}

// bumpGeneration increments the generation counter in place. Called once
// per mutating operation (SetKey, DeleteKey).
func (t *Trie) bumpGeneration() error {
	gen, err := t.readGeneration()
	if err != nil {
		return err
	}
	gen.Bump()
	if err := t.cache.Write(int64(t.root.GenerationPointer()), gen.Bytes()); err != nil {
		return fmt.Errorf("ltrie: write generation node: %w", err)
	}
	return nil
}
