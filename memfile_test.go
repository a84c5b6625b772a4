// MemoryFile primitive tests.
//
// Every byte the engine stores flows through MemoryFile, so the window
// machinery must be correct before anything above it can be: writes
// that straddle window boundaries, growth in window multiples, the
// commit-time trim to logical size, and truncation unmapping.
package strata

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func openTestFile(t *testing.T, bitHint uint) *MemoryFile {
	t.Helper()
	m, err := openMemoryFile(filepath.Join(t.TempDir(), "col.d"), bitHint, true)
	if err != nil {
		t.Fatalf("openMemoryFile: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

// TestAppendReadBack verifies the basic append/read contract and that
// the logical size tracks appended bytes exactly, not the physical
// window-multiple growth.
func TestAppendReadBack(t *testing.T) {
	m := openTestFile(t, minBitHint)

	data := []byte("the quick brown fox")
	off, err := m.Append(data)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if off != 0 {
		t.Errorf("first append offset = %d, want 0", off)
	}
	if m.Size() != int64(len(data)) {
		t.Errorf("Size = %d, want %d", m.Size(), len(data))
	}

	got := make([]byte, len(data))
	if err := m.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("read %q, want %q", got, data)
	}
}

// TestWindowStraddle writes a record across a window boundary and
// reads it back. The chunked WriteAt/ReadAt paths are what variable
// columns rely on; a bug here corrupts exactly the records that happen
// to land on a 2^bitHint boundary — rare in small tests, routine in
// production.
func TestWindowStraddle(t *testing.T) {
	m := openTestFile(t, minBitHint)
	ws := m.windowSize()

	record := bytes.Repeat([]byte("0123456789abcdef"), 64) // 1KB
	start := ws - 100                                      // straddles the first boundary
	if err := m.WriteAt(record, start); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, len(record))
	if err := m.ReadAt(got, start); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, record) {
		t.Error("bytes straddling the window boundary did not round-trip")
	}
}

// TestBufferContiguity verifies the Buffer contract: at least min
// contiguous bytes or ErrOutOfWindow. Callers that hold fixed-width
// elements aligned to the window size depend on the success path;
// nothing may silently receive a short buffer.
func TestBufferContiguity(t *testing.T) {
	m := openTestFile(t, minBitHint)
	ws := m.windowSize()

	b, err := m.Buffer(0, 8)
	if err != nil {
		t.Fatalf("Buffer: %v", err)
	}
	if int64(len(b)) < 8 {
		t.Errorf("buffer len = %d, want >= 8", len(b))
	}

	if _, err := m.Buffer(0, int(ws)+1); !errors.Is(err, ErrOutOfWindow) {
		t.Errorf("oversized request err = %v, want ErrOutOfWindow", err)
	}
	if _, err := m.Buffer(ws-4, 8); !errors.Is(err, ErrOutOfWindow) {
		t.Errorf("straddling contiguous request err = %v, want ErrOutOfWindow", err)
	}
}

// TestCommitTrimsPhysicalSize verifies that Commit cuts the physical
// file back to the logical size. Readers derive final partition sizes
// from file length, so a stale window-multiple tail would inflate
// committed row counts by thousands of phantom rows.
func TestCommitTrimsPhysicalSize(t *testing.T) {
	m := openTestFile(t, minBitHint)

	m.Append([]byte("abc"))
	info, _ := os.Stat(m.path)
	if info.Size() != m.windowSize() {
		t.Fatalf("pre-commit physical size = %d, want one window (%d)", info.Size(), m.windowSize())
	}

	if err := m.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	info, _ = os.Stat(m.path)
	if info.Size() != 3 {
		t.Errorf("post-commit physical size = %d, want 3", info.Size())
	}

	// Writing after the trim must regrow transparently.
	if _, err := m.Append([]byte("def")); err != nil {
		t.Fatalf("Append after trim: %v", err)
	}
	got := make([]byte, 6)
	m.ReadAt(got, 0)
	if string(got) != "abcdef" {
		t.Errorf("data = %q, want abcdef", got)
	}
}

// TestTruncateDropsTail verifies truncation shrinks both the logical
// and the physical size to the cut.
func TestTruncateDropsTail(t *testing.T) {
	m := openTestFile(t, minBitHint)

	m.Append(bytes.Repeat([]byte{0xAB}, 1000))
	if err := m.Truncate(100); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if m.Size() != 100 {
		t.Errorf("Size = %d, want 100", m.Size())
	}
	info, _ := os.Stat(m.path)
	if info.Size() != 100 {
		t.Errorf("physical size = %d, want 100", info.Size())
	}
}

// TestReaderSeesWriterGrowth verifies a read-only MemoryFile follows
// file growth performed by a separate writable handle, the exact
// sharing mode of a reader journal refreshing against a live writer.
func TestReaderSeesWriterGrowth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "col.d")
	w, err := openMemoryFile(path, minBitHint, true)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer w.Close()
	w.Append([]byte("first"))
	w.Commit()

	r, err := openMemoryFile(path, minBitHint, false)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()
	if r.Size() != 5 {
		t.Fatalf("reader size = %d, want 5", r.Size())
	}

	w.Append([]byte("second"))
	w.Commit()
	if r.Size() != 11 {
		t.Errorf("reader size after writer growth = %d, want 11", r.Size())
	}
	got := make([]byte, 6)
	if err := r.ReadAt(got, 5); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("read %q, want second", got)
	}
}

// TestBitHintClamped verifies hint clamping: a tiny column still maps
// 128KB windows, a huge one never exceeds 1GB.
func TestBitHintClamped(t *testing.T) {
	if got := bitHintFor(1, 10); got != minBitHint {
		t.Errorf("small hint = %d, want %d", got, minBitHint)
	}
	if got := bitHintFor(1<<20, 1<<20); got != maxBitHint {
		t.Errorf("huge hint = %d, want %d", got, maxBitHint)
	}
	if got := bitHintFor(8, 1<<20); got != 23 {
		t.Errorf("8B x 1M hint = %d, want 23", got)
	}
}
