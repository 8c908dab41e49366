package ltrie

import (
	"bytes"
	"fmt"
)

// verifyWrite re-reads key through the normal lookup path and confirms it
// resolves to value. Only called when Options.ConsistencyCheck is set.
// Any failure here is fatal: it means the engine wrote bytes it cannot
// read back.
func (t *Trie) verifyWrite(key, value []byte) error {
	failed := func(reason string) error {
		err := fmt.Errorf("%w: %s", ErrConsistencyCheckFailed, reason)
		t.options.logger().Error("consistency check failed", map[string]any{"error": err.Error()})
		return t.fail(err)
	}
	row, found, err := t.getKey(key)
	if err != nil {
		return err
	}
	if !found {
		return failed("key not found after write")
	}
	readBack, err := t.readRowValue(row)
	if err != nil {
		return err
	}
	if !bytes.Equal(readBack, value) {
		return failed("value mismatch after write")
	}
	return nil
}
