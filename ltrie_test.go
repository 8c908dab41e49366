package ltrie_test

import (
	"bytes"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"

	"github.com/oda/ltrie"
)

func openFixture(t *testing.T, opts ltrie.Options) *ltrie.Trie {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.ltrie")
	trie, err := ltrie.Open(path, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { trie.Close() })
	return trie
}

func TestSetKeyGetValueRoundTrip(t *testing.T) {
	tr := openFixture(t, ltrie.Options{PageSize: 128})

	if err := tr.SetKey([]byte("hello"), []byte("world")); err != nil {
		t.Fatalf("SetKey failed: %v", err)
	}
	value, found, err := tr.GetValue([]byte("hello"))
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if !found {
		t.Fatal("expected key to be found")
	}
	if !bytes.Equal(value, []byte("world")) {
		t.Errorf("expected %q, got %q", "world", value)
	}
}

func TestGetValueNotFound(t *testing.T) {
	tr := openFixture(t, ltrie.Options{PageSize: 128})
	if err := tr.SetKey([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("SetKey failed: %v", err)
	}
	_, found, err := tr.GetValue([]byte("nope"))
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if found {
		t.Error("expected key not to be found")
	}
}

func TestOverwriteDoesNotChangeRecordCount(t *testing.T) {
	tr := openFixture(t, ltrie.Options{PageSize: 128})

	if err := tr.SetKey([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("SetKey failed: %v", err)
	}
	if tr.RecordCount() != 1 {
		t.Fatalf("expected record count 1, got %d", tr.RecordCount())
	}

	if err := tr.SetKey([]byte("k"), []byte("v2")); err != nil {
		t.Fatalf("SetKey failed: %v", err)
	}
	if tr.RecordCount() != 1 {
		t.Errorf("expected record count unchanged at 1, got %d", tr.RecordCount())
	}

	value, found, err := tr.GetValue([]byte("k"))
	if err != nil || !found {
		t.Fatalf("GetValue failed: found=%v err=%v", found, err)
	}
	if !bytes.Equal(value, []byte("v2")) {
		t.Errorf("expected %q, got %q", "v2", value)
	}
}

func TestOverwriteWithLongerValueRelocates(t *testing.T) {
	tr := openFixture(t, ltrie.Options{PageSize: 128})

	if err := tr.SetKey([]byte("k"), []byte("short")); err != nil {
		t.Fatalf("SetKey failed: %v", err)
	}
	big := bytes.Repeat([]byte("x"), 500)
	if err := tr.SetKey([]byte("k"), big); err != nil {
		t.Fatalf("SetKey with long value failed: %v", err)
	}
	value, found, err := tr.GetValue([]byte("k"))
	if err != nil || !found {
		t.Fatalf("GetValue failed: found=%v err=%v", found, err)
	}
	if !bytes.Equal(value, big) {
		t.Error("expected relocated value to match")
	}
	if tr.RecordCount() != 1 {
		t.Errorf("expected record count 1, got %d", tr.RecordCount())
	}
}

func TestSharedPrefixKeysDoNotCollide(t *testing.T) {
	tr := openFixture(t, ltrie.Options{PageSize: 128})

	keys := []string{"team", "tea", "teapot", "teal", "t"}
	for i, k := range keys {
		if err := tr.SetKey([]byte(k), []byte{byte(i)}); err != nil {
			t.Fatalf("SetKey(%q) failed: %v", k, err)
		}
	}
	for i, k := range keys {
		value, found, err := tr.GetValue([]byte(k))
		if err != nil || !found {
			t.Fatalf("GetValue(%q) failed: found=%v err=%v", k, found, err)
		}
		if len(value) != 1 || value[0] != byte(i) {
			t.Errorf("GetValue(%q) = %v, want [%d]", k, value, i)
		}
	}
	if tr.RecordCount() != uint64(len(keys)) {
		t.Errorf("expected record count %d, got %d", len(keys), tr.RecordCount())
	}
}

func TestManyKeysForceInternalNodeGrowth(t *testing.T) {
	tr := openFixture(t, ltrie.Options{PageSize: 128})

	// More than the initial capacity of 4 children sharing a common
	// parent, forcing at least one relocation-with-doubled-capacity.
	for b := byte('a'); b <= 'z'; b++ {
		key := []byte{b}
		if err := tr.SetKey(key, []byte{b}); err != nil {
			t.Fatalf("SetKey(%q) failed: %v", key, err)
		}
	}
	for b := byte('a'); b <= 'z'; b++ {
		value, found, err := tr.GetValue([]byte{b})
		if err != nil || !found {
			t.Fatalf("GetValue(%q) failed: found=%v err=%v", []byte{b}, found, err)
		}
		if len(value) != 1 || value[0] != b {
			t.Errorf("GetValue(%q) = %v, want [%d]", []byte{b}, value, b)
		}
	}
}

func TestReopenAfterFlushPreservesRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.ltrie")

	tr, err := ltrie.Open(path, ltrie.Options{PageSize: 128})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for _, k := range []string{"one", "two", "three"} {
		if err := tr.SetKey([]byte(k), []byte(k+"-value")); err != nil {
			t.Fatalf("SetKey(%q) failed: %v", k, err)
		}
	}
	if err := tr.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := ltrie.Open(path, ltrie.Options{PageSize: 128})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if reopened.RecordCount() != 3 {
		t.Errorf("expected record count 3 after reopen, got %d", reopened.RecordCount())
	}
	for _, k := range []string{"one", "two", "three"} {
		value, found, err := reopened.GetValue([]byte(k))
		if err != nil || !found {
			t.Fatalf("GetValue(%q) failed: found=%v err=%v", k, found, err)
		}
		if !bytes.Equal(value, []byte(k+"-value")) {
			t.Errorf("GetValue(%q) = %q, want %q", k, value, k+"-value")
		}
	}
}

func TestEnumerateStartWithOrderingAndCompleteness(t *testing.T) {
	tr := openFixture(t, ltrie.Options{PageSize: 128})

	keys := []string{"banana", "band", "bandana", "apple", "application", "ant", "z"}
	for _, k := range keys {
		if err := tr.SetKey([]byte(k), []byte("v")); err != nil {
			t.Fatalf("SetKey(%q) failed: %v", k, err)
		}
	}

	cursor, err := tr.EnumerateStartWith([]byte("ban"))
	if err != nil {
		t.Fatalf("EnumerateStartWith failed: %v", err)
	}
	rows, err := cursor.Collect()
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	var got []string
	for _, r := range rows {
		got = append(got, string(r.Key))
	}
	want := []string{"banana", "band", "bandana"}
	sort.Strings(want)
	if !sort.StringsAreSorted(got) {
		t.Errorf("expected ascending order, got %v", got)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("at %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestRecordCountEqualsEnumerateAllLength(t *testing.T) {
	tr := openFixture(t, ltrie.Options{PageSize: 128})

	keys := []string{"a", "ab", "abc", "b", "ba", "c"}
	for _, k := range keys {
		if err := tr.SetKey([]byte(k), []byte("v")); err != nil {
			t.Fatalf("SetKey(%q) failed: %v", k, err)
		}
	}

	cursor, err := tr.EnumerateStartWith(nil)
	if err != nil {
		t.Fatalf("EnumerateStartWith failed: %v", err)
	}
	rows, err := cursor.Collect()
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if uint64(len(rows)) != tr.RecordCount() {
		t.Errorf("expected %d rows, got %d", tr.RecordCount(), len(rows))
	}
}

func TestFindBestMatch(t *testing.T) {
	tr := openFixture(t, ltrie.Options{PageSize: 128})

	if err := tr.SetKey([]byte("IndexProgress"), []byte("v")); err != nil {
		t.Fatalf("SetKey failed: %v", err)
	}

	cases := []struct {
		needle string
		want   bool
	}{
		{"ZZZnotrelated", false},
		{"IndexProg", true},
		{"IndexProgressPlus", true},
		{"IndexProgress", true},
	}
	for _, tc := range cases {
		got, err := tr.FindBestMatch([]byte(tc.needle))
		if err != nil {
			t.Fatalf("FindBestMatch(%q) failed: %v", tc.needle, err)
		}
		if got != tc.want {
			t.Errorf("FindBestMatch(%q) = %v, want %v", tc.needle, got, tc.want)
		}
	}
}

func TestDeleteKey(t *testing.T) {
	tr := openFixture(t, ltrie.Options{PageSize: 128})

	for _, k := range []string{"x", "xy", "xyz"} {
		if err := tr.SetKey([]byte(k), []byte("v")); err != nil {
			t.Fatalf("SetKey(%q) failed: %v", k, err)
		}
	}

	found, err := tr.DeleteKey([]byte("xy"))
	if err != nil {
		t.Fatalf("DeleteKey failed: %v", err)
	}
	if !found {
		t.Fatal("expected DeleteKey to find the key")
	}
	if tr.RecordCount() != 2 {
		t.Errorf("expected record count 2 after delete, got %d", tr.RecordCount())
	}

	_, found, err = tr.GetValue([]byte("xy"))
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if found {
		t.Error("expected deleted key to be absent")
	}

	for _, k := range []string{"x", "xyz"} {
		_, found, err := tr.GetValue([]byte(k))
		if err != nil || !found {
			t.Errorf("expected unrelated key %q to survive delete: found=%v err=%v", k, found, err)
		}
	}

	found, err = tr.DeleteKey([]byte("notthere"))
	if err != nil {
		t.Fatalf("DeleteKey failed: %v", err)
	}
	if found {
		t.Error("expected DeleteKey on missing key to report not found")
	}
}

func TestConsistencyCheckPasses(t *testing.T) {
	tr := openFixture(t, ltrie.Options{PageSize: 128, ConsistencyCheck: true})
	if err := tr.SetKey([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("SetKey with consistency check failed: %v", err)
	}
}

func TestGenerationBumpsOnMutation(t *testing.T) {
	tr := openFixture(t, ltrie.Options{PageSize: 128})

	g0, err := tr.Generation()
	if err != nil {
		t.Fatalf("Generation failed: %v", err)
	}
	if err := tr.SetKey([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("SetKey failed: %v", err)
	}
	g1, err := tr.Generation()
	if err != nil {
		t.Fatalf("Generation failed: %v", err)
	}
	if g1 <= g0 {
		t.Errorf("expected generation to increase, got %d -> %d", g0, g1)
	}
}

func TestStressRandomOverwritesPreserveRecordCount(t *testing.T) {
	tr := openFixture(t, ltrie.Options{PageSize: 256})

	keys := []string{
		"@utOrders", "@utOrdersHistory", "@utCustomers", "@utCustomersArchive",
		"@@@@LastFileNumber", "plain", "plainish", "pl",
	}
	for i, k := range keys {
		if err := tr.SetKey([]byte(k), []byte{byte(i)}); err != nil {
			t.Fatalf("SetKey(%q) failed: %v", k, err)
		}
	}
	want := tr.RecordCount()

	// Overwrite every key a few times; RecordCount must not move.
	for round := 0; round < 3; round++ {
		for i, k := range keys {
			if err := tr.SetKey([]byte(k), []byte{byte(i), byte(round)}); err != nil {
				t.Fatalf("SetKey(%q) failed: %v", k, err)
			}
		}
	}
	if tr.RecordCount() != want {
		t.Errorf("expected record count unchanged at %d, got %d", want, tr.RecordCount())
	}
	for i, k := range keys {
		value, found, err := tr.GetValue([]byte(k))
		if err != nil || !found {
			t.Fatalf("GetValue(%q) failed: found=%v err=%v", k, found, err)
		}
		if len(value) != 2 || value[0] != byte(i) || value[1] != 2 {
			t.Errorf("GetValue(%q) = %v, want last round's value for index %d", k, value, i)
		}
	}
}

// randomOverlappingKey draws a key from a small alphabet so that, across
// many draws, most keys share a common prefix with several others.
func randomOverlappingKey() []byte {
	const alphabet = "abcde"
	length := 1 + rand.Intn(8)
	key := make([]byte, length)
	for i := range key {
		key[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return key
}

// TestStressRandomKeysWithOverlappingPrefixes inserts 500 random keys drawn
// from a small alphabet (so most share a prefix with several others),
// checking after each insert that it reads back correctly, then reloads
// from disk and re-verifies every key, then applies random overwrites and
// value truncations and confirms RecordCount and unrelated keys survive
// untouched.
func TestStressRandomKeysWithOverlappingPrefixes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.ltrie")
	tr, err := ltrie.Open(path, ltrie.Options{PageSize: 256})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	const n = 500
	expected := make(map[string][]byte)

	for i := 0; i < n; i++ {
		key := randomOverlappingKey()
		value := []byte(fmt.Sprintf("value-%d", i))
		if err := tr.SetKey(key, value); err != nil {
			t.Fatalf("SetKey(%q) failed: %v", key, err)
		}
		expected[string(key)] = value

		got, found, err := tr.GetValue(key)
		if err != nil || !found {
			t.Fatalf("GetValue(%q) immediately after SetKey failed: found=%v err=%v", key, found, err)
		}
		if !bytes.Equal(got, value) {
			t.Fatalf("GetValue(%q) = %q, want %q", key, got, value)
		}
	}

	if tr.RecordCount() != uint64(len(expected)) {
		t.Fatalf("expected record count %d (distinct keys), got %d", len(expected), tr.RecordCount())
	}
	for key, value := range expected {
		got, found, err := tr.GetValue([]byte(key))
		if err != nil || !found {
			t.Fatalf("GetValue(%q) failed before reload: found=%v err=%v", key, found, err)
		}
		if !bytes.Equal(got, value) {
			t.Fatalf("GetValue(%q) = %q, want %q before reload", key, got, value)
		}
	}

	if err := tr.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := ltrie.Open(path, ltrie.Options{PageSize: 256})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if reopened.RecordCount() != uint64(len(expected)) {
		t.Fatalf("expected record count %d after reload, got %d", len(expected), reopened.RecordCount())
	}
	for key, value := range expected {
		got, found, err := reopened.GetValue([]byte(key))
		if err != nil || !found {
			t.Fatalf("GetValue(%q) failed after reload: found=%v err=%v", key, found, err)
		}
		if !bytes.Equal(got, value) {
			t.Fatalf("GetValue(%q) = %q, want %q after reload", key, got, value)
		}
	}

	recordCountBefore := reopened.RecordCount()

	// Random overwrites, including truncating to a shorter value than
	// originally stored. Neither should move RecordCount or disturb any
	// key that wasn't touched.
	var keys []string
	for key := range expected {
		keys = append(keys, key)
	}
	untouched := make(map[string][]byte, len(expected))
	for k, v := range expected {
		untouched[k] = v
	}

	touchCount := len(keys) / 4
	for i := 0; i < touchCount; i++ {
		key := keys[rand.Intn(len(keys))]
		truncated := []byte(fmt.Sprintf("v%d", i)) // much shorter than "value-<n>"
		if err := reopened.SetKey([]byte(key), truncated); err != nil {
			t.Fatalf("overwrite SetKey(%q) failed: %v", key, err)
		}
		expected[key] = truncated
		delete(untouched, key)
	}

	if reopened.RecordCount() != recordCountBefore {
		t.Errorf("expected record count unchanged by overwrites at %d, got %d", recordCountBefore, reopened.RecordCount())
	}
	for key, value := range expected {
		got, found, err := reopened.GetValue([]byte(key))
		if err != nil || !found {
			t.Fatalf("GetValue(%q) failed after overwrites: found=%v err=%v", key, found, err)
		}
		if !bytes.Equal(got, value) {
			t.Fatalf("GetValue(%q) = %q, want %q after overwrites", key, got, value)
		}
	}
	for key, value := range untouched {
		got, found, err := reopened.GetValue([]byte(key))
		if err != nil || !found {
			t.Fatalf("untouched key %q disturbed by unrelated overwrites: found=%v err=%v", key, found, err)
		}
		if !bytes.Equal(got, value) {
			t.Fatalf("untouched key %q changed value to %q, want %q", key, got, value)
		}
	}
}

// TestManyDistinctFirstBytesForcesRootBeyond128Children inserts one key per
// possible first byte so the root internal node must grow past the
// 128->256 capacity doubling step, the exact boundary where an
// undersized count/capacity field would silently corrupt the node.
func TestManyDistinctFirstBytesForcesRootBeyond128Children(t *testing.T) {
	tr := openFixture(t, ltrie.Options{PageSize: 256})

	for i := 0; i < 256; i++ {
		key := []byte{byte(i), byte(i), byte(i)}
		if err := tr.SetKey(key, []byte{byte(i)}); err != nil {
			t.Fatalf("SetKey(%v) failed: %v", key, err)
		}
	}
	if tr.RecordCount() != 256 {
		t.Fatalf("expected record count 256, got %d", tr.RecordCount())
	}
	for i := 0; i < 256; i++ {
		key := []byte{byte(i), byte(i), byte(i)}
		value, found, err := tr.GetValue(key)
		if err != nil || !found {
			t.Fatalf("GetValue(%v) failed: found=%v err=%v", key, found, err)
		}
		if len(value) != 1 || value[0] != byte(i) {
			t.Errorf("GetValue(%v) = %v, want [%d]", key, value, i)
		}
	}
}
