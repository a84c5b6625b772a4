// Transaction log: the append-only _tx file that publishes visibility.
//
// Each record is framed as magic, body size, body, CRC32-IEEE over the
// body. The body opens with a format version so the layout can evolve;
// readers reject versions they do not know exactly as they reject a bad
// CRC, since both are indistinguishable from corruption. A partial or
// corrupt tail is ignored: the previous good record stays the visible
// transaction, and a reopening writer truncates the file back to it.
// All integers are big-endian.
package strata

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"unicode/utf16"
)

const (
	txMagic         = uint16(0xFACE)
	txFormatVersion = uint16(1)
	txFile          = "_tx"
)

// Tx is one committed transaction: the visible row count and the index
// and symbol state that goes with it.
type Tx struct {
	TxNumber     int64
	CommitMillis int64
	// MaxRowID is the global row id one past the last committed row of
	// the last regular partition.
	MaxRowID int64
	// LastPartitionTS is the interval start of the last regular
	// partition, in epoch millis.
	LastPartitionTS int64
	// LagName names the out-of-order staging partition, empty when none.
	LagName string
	// LagSize is the visible row count of the lag partition.
	LagSize int64
	// IndexAddrs carries the tx address of every indexed column of the
	// active partition, in column order, densely packed.
	IndexAddrs []int64
	// SymSizes carries the size of every symbol table, in column order,
	// densely packed.
	SymSizes []int64
	// KeyHash is the key-column uniqueness digest, 0 when unused.
	KeyHash uint64
}

func (tx *Tx) encodeBody() []byte {
	units := utf16.Encode([]rune(tx.LagName))
	n := 2 + 8*4 + 1 + 2*len(units) + 8 + 4 + 8*len(tx.IndexAddrs) + 4 + 8*len(tx.SymSizes) + 8
	b := make([]byte, 0, n)

	var tmp [8]byte
	p64 := func(v uint64) {
		binary.BigEndian.PutUint64(tmp[:], v)
		b = append(b, tmp[:8]...)
	}
	p32 := func(v uint32) {
		binary.BigEndian.PutUint32(tmp[:4], v)
		b = append(b, tmp[:4]...)
	}
	p16 := func(v uint16) {
		binary.BigEndian.PutUint16(tmp[:2], v)
		b = append(b, tmp[:2]...)
	}

	p16(txFormatVersion)
	p64(uint64(tx.TxNumber))
	p64(uint64(tx.CommitMillis))
	p64(uint64(tx.MaxRowID))
	p64(uint64(tx.LastPartitionTS))
	b = append(b, byte(len(units)))
	for _, u := range units {
		p16(u)
	}
	p64(uint64(tx.LagSize))
	p32(uint32(len(tx.IndexAddrs)))
	for _, a := range tx.IndexAddrs {
		p64(uint64(a))
	}
	p32(uint32(len(tx.SymSizes)))
	for _, s := range tx.SymSizes {
		p64(uint64(s))
	}
	p64(tx.KeyHash)
	return b
}

func decodeTxBody(b []byte) (*Tx, error) {
	bad := fmt.Errorf("%w: short body", ErrTxCorruption)
	off := 0
	r64 := func() (uint64, error) {
		if off+8 > len(b) {
			return 0, bad
		}
		v := binary.BigEndian.Uint64(b[off:])
		off += 8
		return v, nil
	}
	r32 := func() (uint32, error) {
		if off+4 > len(b) {
			return 0, bad
		}
		v := binary.BigEndian.Uint32(b[off:])
		off += 4
		return v, nil
	}

	if len(b) < 2 {
		return nil, bad
	}
	if v := binary.BigEndian.Uint16(b); v != txFormatVersion {
		return nil, fmt.Errorf("%w: unknown format version %d", ErrTxCorruption, v)
	}
	off = 2

	var tx Tx
	var err error
	var v uint64
	if v, err = r64(); err != nil {
		return nil, err
	}
	tx.TxNumber = int64(v)
	if v, err = r64(); err != nil {
		return nil, err
	}
	tx.CommitMillis = int64(v)
	if v, err = r64(); err != nil {
		return nil, err
	}
	tx.MaxRowID = int64(v)
	if v, err = r64(); err != nil {
		return nil, err
	}
	tx.LastPartitionTS = int64(v)

	if off >= len(b) {
		return nil, bad
	}
	nameLen := int(b[off])
	off++
	if off+2*nameLen > len(b) {
		return nil, bad
	}
	units := make([]uint16, nameLen)
	for i := range units {
		units[i] = binary.BigEndian.Uint16(b[off:])
		off += 2
	}
	tx.LagName = string(utf16.Decode(units))

	if v, err = r64(); err != nil {
		return nil, err
	}
	tx.LagSize = int64(v)

	cnt, err := r32()
	if err != nil {
		return nil, err
	}
	tx.IndexAddrs = make([]int64, cnt)
	for i := range tx.IndexAddrs {
		if v, err = r64(); err != nil {
			return nil, err
		}
		tx.IndexAddrs[i] = int64(v)
	}
	cnt, err = r32()
	if err != nil {
		return nil, err
	}
	tx.SymSizes = make([]int64, cnt)
	for i := range tx.SymSizes {
		if v, err = r64(); err != nil {
			return nil, err
		}
		tx.SymSizes[i] = int64(v)
	}
	if tx.KeyHash, err = r64(); err != nil {
		return nil, err
	}
	return &tx, nil
}

// txLog reads and appends transaction records.
type txLog struct {
	path     string
	f        *os.File
	writable bool
	tailOff  int64 // end of the last good record
	last     *Tx
}

func openTxLog(dir string, writable bool) (*txLog, error) {
	path := filepath.Join(dir, txFile)
	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			// A reader may open before the writer's first commit.
			return &txLog{path: path}, nil
		}
		return nil, ioErr("open", path, err)
	}
	l := &txLog{path: path, f: f, writable: writable}
	if err := l.scan(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// scan reads forward from the last known good record, keeping the
// newest record that frames and checksums correctly. A bad or partial
// tail ends the scan without error.
func (l *txLog) scan() error {
	if l.f == nil {
		// Deferred open: the file may exist by now.
		f, err := os.OpenFile(l.path, os.O_RDONLY, 0644)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return ioErr("open", l.path, err)
		}
		l.f = f
	}

	info, err := l.f.Stat()
	if err != nil {
		return ioErr("stat", l.path, err)
	}
	end := info.Size()

	var hdr [6]byte
	for l.tailOff+int64(len(hdr)) <= end {
		if _, err := l.f.ReadAt(hdr[:], l.tailOff); err != nil {
			return ioErr("read", l.path, err)
		}
		if binary.BigEndian.Uint16(hdr[:2]) != txMagic {
			break
		}
		size := int64(binary.BigEndian.Uint32(hdr[2:]))
		if l.tailOff+6+size+4 > end {
			break // partial tail
		}
		body := make([]byte, size)
		if _, err := l.f.ReadAt(body, l.tailOff+6); err != nil {
			return ioErr("read", l.path, err)
		}
		var cb [4]byte
		if _, err := l.f.ReadAt(cb[:], l.tailOff+6+size); err != nil {
			return ioErr("read", l.path, err)
		}
		if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(cb[:]) {
			break
		}
		tx, err := decodeTxBody(body)
		if err != nil {
			break
		}
		l.last = tx
		l.tailOff += 6 + size + 4
	}
	return nil
}

// append frames, writes and fsyncs one record at the good tail.
func (l *txLog) append(tx *Tx) error {
	if !l.writable || l.f == nil {
		return fmt.Errorf("%w: append to read-only tx log", ErrConfig)
	}
	body := tx.encodeBody()
	rec := make([]byte, 0, 6+len(body)+4)
	var tmp [6]byte
	binary.BigEndian.PutUint16(tmp[:2], txMagic)
	binary.BigEndian.PutUint32(tmp[2:], uint32(len(body)))
	rec = append(rec, tmp[:]...)
	rec = append(rec, body...)
	var cb [4]byte
	binary.BigEndian.PutUint32(cb[:], crc32.ChecksumIEEE(body))
	rec = append(rec, cb[:]...)

	if _, err := l.f.WriteAt(rec, l.tailOff); err != nil {
		return ioErr("write", l.path, err)
	}
	if err := l.f.Sync(); err != nil {
		return ioErr("fsync", l.path, err)
	}
	l.tailOff += int64(len(rec))
	l.last = tx
	return nil
}

// truncateTail cuts any corrupt or partial bytes past the last good
// record. Writer-open recovery.
func (l *txLog) truncateTail() error {
	if l.f == nil {
		return nil
	}
	info, err := l.f.Stat()
	if err != nil {
		return ioErr("stat", l.path, err)
	}
	if info.Size() > l.tailOff {
		if err := l.f.Truncate(l.tailOff); err != nil {
			return ioErr("truncate", l.path, err)
		}
	}
	return nil
}

func (l *txLog) close() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	if err != nil && err != io.EOF {
		return ioErr("close", l.path, err)
	}
	return nil
}
