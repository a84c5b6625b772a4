// SymbolTable: the journal-scoped string to dense-int dictionary.
//
// Distinct strings live in a VariableColumn (.symd data, .symi offsets)
// where the row id IS the symbol key. A KVIndex over boundedHash (.symk
// key file, .symr row file) resolves strings to keys; collisions are
// settled by byte comparison against the stored string, newest first.
// The writer keeps a write-through map so repeated Puts of hot symbols
// never touch the index.
//
// The table grows monotonically and is written only by the journal
// writer. Readers bound key resolution by the size published in the
// last observed transaction, never by the file size.
package strata

import (
	"fmt"
	"path/filepath"
)

// Symbol key sentinels stored in SYMBOL column slots.
const (
	symValueNull     = int32(-1) // null symbol
	symValueNotFound = int32(-2) // transient miss marker, never persisted by appends
)

// SymbolTable maps strings to stable dense integer keys.
type SymbolTable struct {
	column string
	col    *VariableColumn
	idx    *KVIndex
	mask   int

	cache    map[string]int32
	writable bool
	visible  int64 // reader cap from the last applied tx; -1 = writer, uncapped
}

func openSymbolTable(dir, column string, c *ColumnMetadata, recordHint int, writable bool) (*SymbolTable, error) {
	base := filepath.Join(dir, column)
	col, err := openVariableColumn(base+".symd", base+".symi", c.BitHint, c.IndexBitHint, writable)
	if err != nil {
		return nil, err
	}
	idx, err := openKVIndex(base+".symk", base+".symr", c.DistinctCountHint, recordHint, c.BitHint, writable)
	if err != nil {
		col.Close()
		return nil, err
	}
	t := &SymbolTable{
		column:   column,
		col:      col,
		idx:      idx,
		mask:     c.DistinctCountHint - 1,
		writable: writable,
		visible:  -1,
	}
	if writable {
		t.cache = make(map[string]int32)
	}
	return t, nil
}

// Size returns the number of distinct symbols: the tx-visible count for
// readers, the appended count for the writer.
func (t *SymbolTable) Size() int64 {
	if t.visible >= 0 {
		return t.visible
	}
	return t.col.Size()
}

// Put interns s and returns its key. Idempotent: a known string returns
// its existing key.
func (t *SymbolTable) Put(s string) (int32, error) {
	if !t.writable {
		return symValueNotFound, fmt.Errorf("%w: symbol put on read-only journal", ErrConfig)
	}
	if key, ok := t.cache[s]; ok {
		return key, nil
	}

	key, err := t.lookup(s)
	if err != nil {
		return symValueNotFound, err
	}
	if key == symValueNotFound {
		row, err := t.col.PutStr(s)
		if err != nil {
			return symValueNotFound, err
		}
		key = int32(row)
		if err := t.idx.Add(boundedHash(s, t.mask), row); err != nil {
			return symValueNotFound, err
		}
	}
	t.cache[s] = key
	return key, nil
}

// lookup scans the hash bucket newest to oldest, comparing stored
// bytes. Returns symValueNotFound on a clean miss.
func (t *SymbolTable) lookup(s string) (int32, error) {
	h := boundedHash(s, t.mask)
	n, err := t.idx.ValueCount(h)
	if err != nil {
		return symValueNotFound, err
	}
	for j := n - 1; j >= 0; j-- {
		row, err := t.idx.ValueQuick(h, j)
		if err != nil {
			return symValueNotFound, err
		}
		fw, err := t.col.FlyweightStr(row)
		if err != nil {
			return symValueNotFound, err
		}
		eq, err := fw.EqualsString(s)
		if err != nil {
			return symValueNotFound, err
		}
		if eq {
			return int32(row), nil
		}
	}
	return symValueNotFound, nil
}

// Key resolves s without interning. Readers only see keys the last
// applied tx published.
func (t *SymbolTable) Key(s string) (int32, error) {
	key, err := t.lookup(s)
	if err != nil {
		return symValueNotFound, err
	}
	if key >= 0 && t.visible >= 0 && int64(key) >= t.visible {
		return symValueNotFound, nil
	}
	return key, nil
}

// Value resolves key to its string. symValueNull resolves to the empty
// string; an unpublished key fails with ErrSymbolNotFound.
func (t *SymbolTable) Value(key int32) (string, error) {
	if key == symValueNull {
		return "", nil
	}
	if key < 0 || int64(key) >= t.Size() {
		return "", fmt.Errorf("%w: key %d of %d in %s", ErrSymbolNotFound, key, t.Size(), t.column)
	}
	s, _, err := t.col.Str(int64(key))
	return s, err
}

// Commit flushes the dictionary and its hash index.
func (t *SymbolTable) Commit() error {
	if err := t.col.Commit(); err != nil {
		return err
	}
	return t.idx.Commit()
}

func (t *SymbolTable) force() error {
	if err := t.col.Force(); err != nil {
		return err
	}
	return t.idx.Force()
}

// Truncate drops every symbol with key >= n; used by rollback to shed
// symbols interned after the last commit, and by full journal truncate
// with n = 0.
func (t *SymbolTable) Truncate(n int64) error {
	if err := t.col.Truncate(n); err != nil {
		return err
	}
	if err := t.idx.Truncate(n); err != nil {
		return err
	}
	for s, key := range t.cache {
		if int64(key) >= n {
			delete(t.cache, s)
		}
	}
	return nil
}

// applyTx caps reader-visible keys at the published size.
func (t *SymbolTable) applyTx(size int64) {
	t.visible = size
}

func (t *SymbolTable) Close() error {
	if err := t.col.Close(); err != nil {
		t.idx.Close()
		return err
	}
	return t.idx.Close()
}
