// SymbolTable tests: interning, collisions, truncation.
package strata

import (
	"fmt"
	"testing"
)

func openTestSymtab(t *testing.T, distinct int) *SymbolTable {
	t.Helper()
	c := &ColumnMetadata{
		Name: "sym", Type: TypeSymbol, DistinctCountHint: distinct,
		AvgSize: 12, BitHint: minBitHint, IndexBitHint: minBitHint,
	}
	st, err := openSymbolTable(t.TempDir(), "sym", c, 1024, true)
	if err != nil {
		t.Fatalf("openSymbolTable: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// TestPutIdempotent pins the dictionary laws: put is idempotent, keys
// are dense in insertion order, and value(put(s)) == s. Everything the
// SYMBOL column type promises reduces to these.
func TestPutIdempotent(t *testing.T) {
	st := openTestSymtab(t, 16)

	k1, err := st.Put("AAA")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	k2, _ := st.Put("BBB")
	k3, _ := st.Put("AAA")

	if k1 != 0 || k2 != 1 {
		t.Errorf("keys = %d, %d, want dense 0, 1", k1, k2)
	}
	if k3 != k1 {
		t.Errorf("re-put of AAA = %d, want %d", k3, k1)
	}
	if st.Size() != 2 {
		t.Errorf("Size = %d, want 2", st.Size())
	}

	for s, k := range map[string]int32{"AAA": k1, "BBB": k2} {
		got, err := st.Value(k)
		if err != nil {
			t.Fatalf("Value(%d): %v", k, err)
		}
		if got != s {
			t.Errorf("Value(%d) = %q, want %q", k, got, s)
		}
	}
}

// TestCollisions forces every string into two hash buckets
// (distinctCountHint 2) so chains get long and every lookup must
// byte-compare its way past colliding entries. A hash-only comparison
// would alias distinct symbols onto one key here.
func TestCollisions(t *testing.T) {
	st := openTestSymtab(t, 2)

	const n = 50
	keys := make(map[string]int32, n)
	for i := 0; i < n; i++ {
		s := fmt.Sprintf("symbol-%02d", i)
		k, err := st.Put(s)
		if err != nil {
			t.Fatalf("Put(%s): %v", s, err)
		}
		if prev, dup := keys[s]; dup {
			t.Fatalf("Put(%s) assigned twice: %d then %d", s, prev, k)
		}
		keys[s] = k
	}
	if st.Size() != n {
		t.Fatalf("Size = %d, want %d", st.Size(), n)
	}

	// Every string resolves to its own key through the crowded buckets,
	// with the cache cleared so lookups hit the index.
	st.cache = make(map[string]int32)
	for s, k := range keys {
		got, err := st.Put(s)
		if err != nil {
			t.Fatalf("re-Put(%s): %v", s, err)
		}
		if got != k {
			t.Errorf("re-Put(%s) = %d, want %d", s, got, k)
		}
		v, _ := st.Value(k)
		if v != s {
			t.Errorf("Value(%d) = %q, want %q", k, v, s)
		}
	}
}

// TestValueBounds verifies key bounds: the null sentinel resolves to
// the empty string, unknown keys fail.
func TestValueBounds(t *testing.T) {
	st := openTestSymtab(t, 16)
	st.Put("only")

	if v, err := st.Value(symValueNull); err != nil || v != "" {
		t.Errorf("Value(null) = (%q, %v), want (\"\", nil)", v, err)
	}
	if _, err := st.Value(5); err == nil {
		t.Error("Value(5) on one-entry table succeeded")
	}
}

// TestTruncateShedsTail verifies rollback support: truncation drops
// keys from the top and frees their strings for reassignment, so a
// re-intern after rollback lands on the same dense key the rolled-back
// append used.
func TestTruncateShedsTail(t *testing.T) {
	st := openTestSymtab(t, 16)
	st.Put("a")
	st.Put("b")
	st.Put("c")

	if err := st.Truncate(1); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if st.Size() != 1 {
		t.Fatalf("Size = %d, want 1", st.Size())
	}

	k, err := st.Put("fresh")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if k != 1 {
		t.Errorf("key after truncate = %d, want 1", k)
	}
	if v, _ := st.Value(0); v != "a" {
		t.Errorf("Value(0) = %q, want a", v)
	}
	// "b" must have lost its slot, not kept a stale index entry.
	if k, _ := st.Put("b"); k != 2 {
		t.Errorf("re-Put(b) = %d, want a fresh key 2", k)
	}
}

// TestReaderVisibilityCap verifies that applied tx sizes gate what a
// reader may resolve: keys above the cap are unpublished even though
// their bytes exist in the shared files.
func TestReaderVisibilityCap(t *testing.T) {
	st := openTestSymtab(t, 16)
	st.Put("a")
	st.Put("b")
	st.Put("c")

	st.applyTx(2)
	if st.Size() != 2 {
		t.Errorf("capped size = %d, want 2", st.Size())
	}
	if _, err := st.Value(2); err == nil {
		t.Error("Value(2) above the cap succeeded")
	}
	if v, err := st.Value(1); err != nil || v != "b" {
		t.Errorf("Value(1) = (%q, %v), want (b, nil)", v, err)
	}
}
