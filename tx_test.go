// Transaction record framing and log scan tests.
package strata

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func sampleTx() *Tx {
	return &Tx{
		TxNumber:        7,
		CommitMillis:    1420070400000,
		MaxRowID:        GlobalRowID(2, 1500),
		LastPartitionTS: 1420156800000,
		LagName:         "2015-01-02.3.lag",
		LagSize:         42,
		IndexAddrs:      []int64{32, 4128},
		SymSizes:        []int64{10, 0},
		KeyHash:         0xDEADBEEFCAFE,
	}
}

// TestTxBodyRoundTrip verifies field-exact encode/decode of a fully
// populated record: every field the writer publishes must come back
// bit-identical, because readers reconstruct partition visibility from
// nothing else.
func TestTxBodyRoundTrip(t *testing.T) {
	want := sampleTx()
	got, err := decodeTxBody(want.encodeBody())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.TxNumber != want.TxNumber || got.CommitMillis != want.CommitMillis ||
		got.MaxRowID != want.MaxRowID || got.LastPartitionTS != want.LastPartitionTS {
		t.Errorf("scalar fields did not round-trip: %+v", got)
	}
	if got.LagName != want.LagName || got.LagSize != want.LagSize {
		t.Errorf("lag fields = (%q, %d), want (%q, %d)", got.LagName, got.LagSize, want.LagName, want.LagSize)
	}
	if len(got.IndexAddrs) != 2 || got.IndexAddrs[1] != 4128 {
		t.Errorf("index addrs = %v", got.IndexAddrs)
	}
	if len(got.SymSizes) != 2 || got.SymSizes[0] != 10 {
		t.Errorf("sym sizes = %v", got.SymSizes)
	}
	if got.KeyHash != want.KeyHash {
		t.Errorf("key hash = %x", got.KeyHash)
	}
}

// TestTxEmptyFields verifies the minimal record: no lag, no indexes,
// no symbols — the shape of a journal of plain fixed columns.
func TestTxEmptyFields(t *testing.T) {
	want := &Tx{TxNumber: 1, CommitMillis: 5, MaxRowID: 1}
	got, err := decodeTxBody(want.encodeBody())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.LagName != "" || len(got.IndexAddrs) != 0 || len(got.SymSizes) != 0 {
		t.Errorf("empty fields materialized: %+v", got)
	}
}

// TestTxUnknownVersionRejected pins the versioning rule: an
// unrecognized format version reads as corruption, never as a guess.
func TestTxUnknownVersionRejected(t *testing.T) {
	body := sampleTx().encodeBody()
	binary.BigEndian.PutUint16(body, 99)
	if _, err := decodeTxBody(body); !errors.Is(err, ErrTxCorruption) {
		t.Errorf("unknown version err = %v, want ErrTxCorruption", err)
	}
}

// TestTxShortBodyRejected walks every truncation point of a valid
// body; each must fail cleanly rather than read out of bounds or
// fabricate fields.
func TestTxShortBodyRejected(t *testing.T) {
	body := sampleTx().encodeBody()
	for cut := 0; cut < len(body); cut++ {
		if _, err := decodeTxBody(body[:cut]); err == nil {
			t.Fatalf("decode of %d/%d bytes succeeded", cut, len(body))
		}
	}
}

// TestTxLogAppendScan verifies the log round-trip: records appended by
// one handle are found by a scan from another, in order, with the tail
// offset advancing past each.
func TestTxLogAppendScan(t *testing.T) {
	dir := t.TempDir()
	l, err := openTxLog(dir, true)
	if err != nil {
		t.Fatalf("openTxLog: %v", err)
	}
	defer l.close()

	for i := int64(1); i <= 3; i++ {
		tx := sampleTx()
		tx.TxNumber = i
		if err := l.append(tx); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	r, err := openTxLog(dir, false)
	if err != nil {
		t.Fatalf("open reader log: %v", err)
	}
	defer r.close()
	if r.last == nil || r.last.TxNumber != 3 {
		t.Fatalf("reader last = %+v, want tx 3", r.last)
	}
	if r.tailOff != l.tailOff {
		t.Errorf("reader tail %d != writer tail %d", r.tailOff, l.tailOff)
	}
}

// TestTxLogIncrementalScan verifies the reader polling path: a scan
// picks up records appended after the previous scan without rereading
// the whole file.
func TestTxLogIncrementalScan(t *testing.T) {
	dir := t.TempDir()
	w, _ := openTxLog(dir, true)
	defer w.close()
	r, _ := openTxLog(dir, false)
	defer r.close()

	tx := sampleTx()
	tx.TxNumber = 1
	w.append(tx)
	if err := r.scan(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if r.last == nil || r.last.TxNumber != 1 {
		t.Fatalf("after first scan last = %+v", r.last)
	}

	tx2 := sampleTx()
	tx2.TxNumber = 2
	w.append(tx2)
	if err := r.scan(); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if r.last.TxNumber != 2 {
		t.Errorf("after rescan last = %d, want 2", r.last.TxNumber)
	}
}

// TestTxLogBadMagicStopsScan verifies that garbage after the good
// records is ignored — the shape left by a torn write that clobbered
// the frame header.
func TestTxLogBadMagicStopsScan(t *testing.T) {
	dir := t.TempDir()
	w, _ := openTxLog(dir, true)
	tx := sampleTx()
	tx.TxNumber = 1
	w.append(tx)
	good := w.tailOff
	w.f.WriteAt([]byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}, good)
	w.close()

	r, err := openTxLog(dir, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.close()
	if r.last == nil || r.last.TxNumber != 1 {
		t.Errorf("last = %+v, want tx 1", r.last)
	}
	if r.tailOff != good {
		t.Errorf("tail = %d, want %d", r.tailOff, good)
	}
}

// TestTxLogTruncateTail verifies writer-open recovery drops the bad
// bytes so the next append lands at the good tail.
func TestTxLogTruncateTail(t *testing.T) {
	dir := t.TempDir()
	w, _ := openTxLog(dir, true)
	tx := sampleTx()
	tx.TxNumber = 1
	w.append(tx)
	good := w.tailOff
	w.f.WriteAt([]byte("torn write debris"), good)
	w.close()

	w2, err := openTxLog(dir, true)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.close()
	if err := w2.truncateTail(); err != nil {
		t.Fatalf("truncateTail: %v", err)
	}
	info, _ := os.Stat(filepath.Join(dir, txFile))
	if info.Size() != good {
		t.Errorf("file size = %d, want %d", info.Size(), good)
	}
}
