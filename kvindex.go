// KVIndex: append-only inverted index from a bounded integer key space
// to ordered row-id chains.
//
// Two files back the index. The key file ("k") opens with a fixed
// header carrying the key space and row chunk size, followed by
// copy-on-write key blocks: arrays of {rowCount u64, lastChunkOffset
// u64} per key. The row file ("r") holds fixed-size chunks per key,
// each storing rowChunkSize row ids followed by a previous-chunk
// pointer, chained newest to oldest.
//
// The first mutation after a commit clones the current key block, so a
// block offset published in a transaction record is never written
// again. That offset is the index's tx address: readers retarget reads
// with SetTxAddress and see exactly the row counts of that commit,
// while the shared row file needs no versioning because counts bound
// what a reader may walk. All integers are big-endian.
package strata

import (
	"encoding/binary"
	"os"
)

const (
	kvMagic      = 0x53494458 // "SIDX"
	kvHeaderSize = 32
	kvSlotSize   = 16
	// Chunk size floor keeps chains shallow for sparse keys.
	minRowChunk = 8
)

// KVIndex is an append-only multimap from int key to ordered int64 row
// ids.
type KVIndex struct {
	kf *MemoryFile // key file: header + key blocks
	rf *MemoryFile // row file: chunk chains

	keySpace  int
	chunkSize int

	blockOff  int64 // current mutable key block (writer)
	readBlock int64 // block consulted by reads
	txDirty   bool  // block has uncommitted mutations

	// Cached chunk cursor for sequential ValueQuick scans.
	curKey   int
	curOrd   int64
	curChunk int64
}

// openKVIndex opens or creates the key/row file pair. keySpace must be
// a power of two; rowChunkSize is derived from recordCountHint/keySpace
// when creating.
func openKVIndex(kPath, rPath string, keySpace, recordCountHint int, bitHint uint, writable bool) (*KVIndex, error) {
	_, statErr := os.Stat(kPath)
	fresh := os.IsNotExist(statErr)

	kf, err := openMemoryFile(kPath, bitHint, writable)
	if err != nil {
		return nil, err
	}
	rf, err := openMemoryFile(rPath, bitHint, writable)
	if err != nil {
		kf.Close()
		return nil, err
	}

	idx := &KVIndex{kf: kf, rf: rf, curKey: -1}

	if fresh {
		if !writable {
			kf.Close()
			rf.Close()
			return nil, ioErr("open", kPath, os.ErrNotExist)
		}
		idx.keySpace = keySpace
		idx.chunkSize = ceilPowerOfTwo(recordCountHint/keySpace, minRowChunk)
		if err := idx.format(); err != nil {
			idx.Close()
			return nil, err
		}
	} else {
		if err := idx.readHeader(); err != nil {
			idx.Close()
			return nil, err
		}
	}
	idx.readBlock = idx.blockOff
	return idx, nil
}

// format lays out the header, the initial zeroed key block and the row
// file pad that keeps chunk offset 0 meaning "no chunk".
func (x *KVIndex) format() error {
	var hdr [kvHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:], kvMagic)
	binary.BigEndian.PutUint32(hdr[4:], uint32(x.keySpace))
	binary.BigEndian.PutUint32(hdr[8:], uint32(x.chunkSize))
	binary.BigEndian.PutUint64(hdr[12:], uint64(kvHeaderSize))
	if _, err := x.kf.Append(hdr[:]); err != nil {
		return err
	}
	x.blockOff = kvHeaderSize
	block := make([]byte, x.blockBytes())
	if _, err := x.kf.Append(block); err != nil {
		return err
	}

	var pad [8]byte
	if _, err := x.rf.Append(pad[:]); err != nil {
		return err
	}
	return nil
}

func (x *KVIndex) readHeader() error {
	var hdr [kvHeaderSize]byte
	if err := x.kf.ReadAt(hdr[:], 0); err != nil {
		return err
	}
	if binary.BigEndian.Uint32(hdr[0:]) != kvMagic {
		return ioErr("header", x.kf.path, os.ErrInvalid)
	}
	x.keySpace = int(binary.BigEndian.Uint32(hdr[4:]))
	x.chunkSize = int(binary.BigEndian.Uint32(hdr[8:]))
	x.blockOff = int64(binary.BigEndian.Uint64(hdr[12:]))
	return nil
}

func (x *KVIndex) blockBytes() int64 { return int64(x.keySpace) * kvSlotSize }

func (x *KVIndex) chunkBytes() int64 { return int64(x.chunkSize)*8 + 8 }

// KeySpace returns the bounded key range.
func (x *KVIndex) KeySpace() int { return x.keySpace }

func (x *KVIndex) slot(block int64, key int) (count int64, last int64, err error) {
	b, err := x.kf.Buffer(block+int64(key)*kvSlotSize, kvSlotSize)
	if err != nil {
		return 0, 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), int64(binary.BigEndian.Uint64(b[8:])), nil
}

func (x *KVIndex) putSlot(key int, count, last int64) error {
	b, err := x.kf.Buffer(x.blockOff+int64(key)*kvSlotSize, kvSlotSize)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint64(b, uint64(count))
	binary.BigEndian.PutUint64(b[8:], uint64(last))
	return nil
}

// beginMutation clones the current key block on the first write after a
// commit, preserving every published tx address.
func (x *KVIndex) beginMutation() error {
	if x.txDirty {
		return nil
	}
	src := x.blockOff
	dst := x.kf.Size()
	block := make([]byte, x.blockBytes())
	if err := x.kf.ReadAt(block, src); err != nil {
		return err
	}
	if _, err := x.kf.Append(block); err != nil {
		return err
	}
	x.blockOff = dst
	x.readBlock = dst
	x.txDirty = true
	x.curKey = -1
	return nil
}

// Add appends rowID to key's chain, allocating a new chunk when the
// current one is full.
func (x *KVIndex) Add(key int, rowID int64) error {
	if key < 0 || key >= x.keySpace {
		return ErrIndexKeyOutOfRange
	}
	if err := x.beginMutation(); err != nil {
		return err
	}

	count, last, err := x.slot(x.blockOff, key)
	if err != nil {
		return err
	}

	fill := count % int64(x.chunkSize)
	if fill == 0 {
		// Previous chunk is full, or the chain is empty: allocate.
		off := x.rf.Size()
		x.rf.SetSize(off + x.chunkBytes())
		var prev [8]byte
		binary.BigEndian.PutUint64(prev[:], uint64(last))
		if err := x.rf.WriteAt(prev[:], off+int64(x.chunkSize)*8); err != nil {
			return err
		}
		last = off
	}

	var rb [8]byte
	binary.BigEndian.PutUint64(rb[:], uint64(rowID))
	if err := x.rf.WriteAt(rb[:], last+fill*8); err != nil {
		return err
	}
	return x.putSlot(key, count+1, last)
}

// ValueCount returns the number of row ids visible for key under the
// current tx address.
func (x *KVIndex) ValueCount(key int) (int64, error) {
	if key < 0 || key >= x.keySpace {
		return 0, ErrIndexKeyOutOfRange
	}
	count, _, err := x.slot(x.readBlock, key)
	return count, err
}

// ValueQuick reads the i-th row id for key, walking the chunk chain
// from the tail. A cached chunk cursor makes sequential scans O(1)
// amortized.
func (x *KVIndex) ValueQuick(key int, i int64) (int64, error) {
	if key < 0 || key >= x.keySpace {
		return 0, ErrIndexKeyOutOfRange
	}
	count, last, err := x.slot(x.readBlock, key)
	if err != nil {
		return 0, err
	}
	if i < 0 || i >= count {
		return 0, ErrIndexKeyOutOfRange
	}

	targetOrd := i / int64(x.chunkSize)
	lastOrd := (count - 1) / int64(x.chunkSize)

	// Chains link newest to oldest, so a walk can only move toward older
	// chunks. The cursor helps when it sits at or past the target.
	chunk, ord := last, lastOrd
	if x.curKey == key && x.curOrd >= targetOrd && x.curOrd <= lastOrd {
		chunk, ord = x.curChunk, x.curOrd
	}
	for ord > targetOrd {
		var pb [8]byte
		if err := x.rf.ReadAt(pb[:], chunk+int64(x.chunkSize)*8); err != nil {
			return 0, err
		}
		chunk = int64(binary.BigEndian.Uint64(pb[:]))
		ord--
	}

	x.curKey, x.curOrd, x.curChunk = key, ord, chunk

	var rb [8]byte
	if err := x.rf.ReadAt(rb[:], chunk+(i%int64(x.chunkSize))*8); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(rb[:])), nil
}

// Commit publishes the current key block: its offset becomes the tx
// address and is recorded in the header for fresh opens.
func (x *KVIndex) Commit() error {
	if x.txDirty {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(x.blockOff))
		if err := x.kf.WriteAt(b[:], 12); err != nil {
			return err
		}
		x.txDirty = false
	}
	if err := x.kf.Commit(); err != nil {
		return err
	}
	return x.rf.Commit()
}

// TxAddress returns the offset of the key block current at the last
// commit.
func (x *KVIndex) TxAddress() int64 {
	if x.txDirty {
		// Uncommitted mutations live in a cloned block; the published
		// address is still the previous one. Callers commit first.
		return x.readBlockBeforeMutation()
	}
	return x.blockOff
}

func (x *KVIndex) readBlockBeforeMutation() int64 {
	var hdr [8]byte
	if err := x.kf.ReadAt(hdr[:], 12); err != nil {
		return kvHeaderSize
	}
	return int64(binary.BigEndian.Uint64(hdr[:]))
}

// SetTxAddress retargets reads at the key block published by an earlier
// commit. Rows added after that commit become invisible.
func (x *KVIndex) SetTxAddress(addr int64) {
	if addr < kvHeaderSize {
		addr = kvHeaderSize
	}
	x.readBlock = addr
	x.curKey = -1
}

// Truncate drops every (key, rowID) pair with rowID >= newSize. Row ids
// within a key are appended in ascending order, so each chain is walked
// from the tail only while entries fall past the cut.
func (x *KVIndex) Truncate(newSize int64) error {
	if err := x.beginMutation(); err != nil {
		return err
	}
	for key := 0; key < x.keySpace; key++ {
		count, last, err := x.slot(x.blockOff, key)
		if err != nil {
			return err
		}
		for count > 0 {
			fill := (count-1)%int64(x.chunkSize) + 1
			var rb [8]byte
			if err := x.rf.ReadAt(rb[:], last+(fill-1)*8); err != nil {
				return err
			}
			if int64(binary.BigEndian.Uint64(rb[:])) < newSize {
				break
			}
			count--
			if count%int64(x.chunkSize) == 0 && count > 0 {
				var pb [8]byte
				if err := x.rf.ReadAt(pb[:], last+int64(x.chunkSize)*8); err != nil {
					return err
				}
				last = int64(binary.BigEndian.Uint64(pb[:]))
			}
		}
		if count == 0 {
			last = 0
		}
		if err := x.putSlot(key, count, last); err != nil {
			return err
		}
	}
	x.curKey = -1
	return nil
}

// Force flushes both files synchronously.
func (x *KVIndex) Force() error {
	if err := x.kf.Force(); err != nil {
		return err
	}
	return x.rf.Force()
}

// Compact releases cached mapping windows.
func (x *KVIndex) Compact() {
	x.kf.Compact()
	x.rf.Compact()
	x.curKey = -1
}

func (x *KVIndex) Close() error {
	if err := x.kf.Close(); err != nil {
		x.rf.Close()
		return err
	}
	return x.rf.Close()
}

// removeKVIndex deletes both files; used by index rebuild.
func removeKVIndex(kPath, rPath string) error {
	if err := os.Remove(kPath); err != nil && !os.IsNotExist(err) {
		return ioErr("remove", kPath, err)
	}
	if err := os.Remove(rPath); err != nil && !os.IsNotExist(err) {
		return ioErr("remove", rPath, err)
	}
	return nil
}
