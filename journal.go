// Journal: the ordered collection of partitions behind one schema.
//
// A Journal opened with Open is a reader: it materializes partitions up
// to the last transaction record and refreshes its view by polling the
// log tail, never blocking the writer. A Journal instance is not safe
// for concurrent use; concurrent readers each open their own instance
// against the same directory, sharing mapped pages through the OS.
package strata

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"
)

// partitionBits is the width of the local row id inside a global row
// id: globalRowID = partitionIndex<<partitionBits | localRowID.
const partitionBits = 44

const localRowMask = int64(1)<<partitionBits - 1

// GlobalRowID packs a partition index and local row id.
func GlobalRowID(partition int, localRow int64) int64 {
	return int64(partition)<<partitionBits | localRow
}

// Journal is a read view over a journal directory.
type Journal struct {
	meta     *JournalMetadata
	dir      string
	writable bool

	partitions []*Partition // regular partitions in interval order
	lag        *Partition   // out-of-order staging partition, nil when absent
	symtabs    []*SymbolTable
	inactive   []bool

	txlog *txLog
	tx    *Tx // last applied transaction

	closed bool
}

// Open opens a read view of the journal at dir. When expect is non-nil
// its schema is verified against the stored one.
func Open(dir string, expect *JournalMetadata) (*Journal, error) {
	j, err := openJournal(dir, expect, false)
	if err != nil {
		return nil, err
	}
	if err := j.Refresh(); err != nil {
		j.Close()
		return nil, err
	}
	return j, nil
}

func openJournal(dir string, expect *JournalMetadata, writable bool) (*Journal, error) {
	if expect != nil {
		if err := expect.validate(); err != nil {
			return nil, err
		}
	}

	if writable {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, ioErr("mkdir", dir, err)
		}
		if _, err := os.Stat(filepath.Join(dir, metaFile)); os.IsNotExist(err) {
			if expect == nil {
				return nil, fmt.Errorf("%w: creating a journal needs metadata", ErrConfig)
			}
			if err := writeMeta(dir, expect); err != nil {
				return nil, err
			}
		}
	}

	meta, err := readMeta(dir, expect)
	if err != nil {
		return nil, err
	}

	j := &Journal{
		meta:     meta,
		dir:      dir,
		writable: writable,
		inactive: make([]bool, len(meta.Columns)),
		symtabs:  make([]*SymbolTable, len(meta.Columns)),
	}

	for i := range meta.Columns {
		c := &meta.Columns[i]
		if c.Type != TypeSymbol {
			continue
		}
		// Symbol files are created by the first writer; a reader racing
		// ahead of that sees an empty table.
		if !writable {
			if _, err := os.Stat(filepath.Join(j.dir, c.Name+".symd")); os.IsNotExist(err) {
				continue
			}
		}
		st, err := openSymbolTable(dir, c.Name, c, meta.RecordHint, writable)
		if err != nil {
			j.Close()
			return nil, err
		}
		if !writable {
			st.applyTx(0)
		}
		j.symtabs[i] = st
	}

	j.txlog, err = openTxLog(dir, writable)
	if err != nil {
		j.Close()
		return nil, err
	}
	return j, nil
}

// Metadata returns the journal schema.
func (j *Journal) Metadata() *JournalMetadata { return j.meta }

// SetInactive marks columns the read path should skip. Unknown names
// are ignored.
func (j *Journal) SetInactive(names ...string) {
	for i := range j.inactive {
		j.inactive[i] = false
	}
	for _, n := range names {
		if i := j.meta.ColumnIndex(n); i >= 0 {
			j.inactive[i] = true
		}
	}
}

// SymbolTable returns the shared dictionary of a SYMBOL column.
func (j *Journal) SymbolTable(name string) (*SymbolTable, error) {
	i := j.meta.ColumnIndex(name)
	if i < 0 || j.symtabs[i] == nil {
		return nil, fmt.Errorf("%w: %q is not a symbol column", ErrConfig, name)
	}
	return j.symtabs[i], nil
}

// PartitionCount returns the number of visible partitions, the lag
// partition included.
func (j *Journal) PartitionCount() int {
	n := len(j.partitions)
	if j.lag != nil {
		n++
	}
	return n
}

// Partition returns partition i, opening it when openIt is set. The lag
// partition, when present, sits at the last index.
func (j *Journal) Partition(i int, openIt bool) (*Partition, error) {
	p := j.partitionAt(i)
	if p == nil {
		return nil, fmt.Errorf("%w: partition %d of %d", ErrStorageIO, i, j.PartitionCount())
	}
	if openIt {
		if err := p.Open(); err != nil {
			return nil, err
		}
	}
	p.lastAccess = time.Now().UnixMilli()
	return p, nil
}

func (j *Journal) partitionAt(i int) *Partition {
	if i >= 0 && i < len(j.partitions) {
		return j.partitions[i]
	}
	if j.lag != nil && i == len(j.partitions) {
		return j.lag
	}
	return nil
}

// LastPartition returns the newest visible partition, or nil on an
// empty journal.
func (j *Journal) LastPartition() *Partition {
	if j.lag != nil {
		return j.lag
	}
	if n := len(j.partitions); n > 0 {
		return j.partitions[n-1]
	}
	return nil
}

// Size returns the visible row count across all partitions.
func (j *Journal) Size() (int64, error) {
	var total int64
	for _, p := range j.partitions {
		n, err := p.Size()
		if err != nil {
			return 0, err
		}
		total += n
	}
	if j.lag != nil {
		n, err := j.lag.Size()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Read copies the row at globalRowID into rec.
func (j *Journal) Read(globalRowID int64, rec *Record) error {
	p := j.partitionAt(int(globalRowID >> partitionBits))
	if p == nil {
		return fmt.Errorf("%w: no partition for row %d", ErrStorageIO, globalRowID)
	}
	return p.Read(globalRowID&localRowMask, rec)
}

// Refresh re-reads the transaction log tail and applies any newer
// transaction to the partition and symbol views. Readers call this per
// query; it never blocks the writer.
func (j *Journal) Refresh() error {
	if j.closed {
		return ErrClosed
	}
	if err := j.txlog.scan(); err != nil {
		return err
	}
	tx := j.txlog.last
	if tx == nil || tx == j.tx {
		return nil
	}
	return j.applyTx(tx)
}

// applyTx installs a transaction: partition visible sizes, index
// addresses of the active partition, symbol table caps, and the lag
// partition view.
func (j *Journal) applyTx(tx *Tx) error {
	lastIdx := int(tx.MaxRowID >> partitionBits)
	lastSize := tx.MaxRowID & localRowMask

	if tx.MaxRowID == 0 {
		// Empty journal (or full truncate): drop every materialized
		// partition.
		for _, p := range j.partitions {
			p.Close()
		}
		j.partitions = nil
		lastIdx = -1
	}

	// A truncate between refreshes can shrink or replace the partition
	// list; detect both and rebuild the view from disk.
	if lastIdx >= 0 && lastIdx < len(j.partitions)-1 ||
		lastIdx >= 0 && lastIdx < len(j.partitions) && j.partitions[lastIdx].startMs != tx.LastPartitionTS {
		for _, p := range j.partitions {
			p.Close()
		}
		j.partitions = nil
	}

	if lastIdx >= 0 {
		if err := j.materializePartitions(lastIdx); err != nil {
			return err
		}
		for i, p := range j.partitions {
			switch {
			case i < lastIdx:
				// Earlier partitions are final; their trimmed files carry
				// the exact size.
				p.ApplyTx(-1, nil)
			case i == lastIdx:
				p.ApplyTx(lastSize, tx.IndexAddrs)
			}
		}
	}

	// The lag partition is rewritten wholesale by merge-appends, so a
	// reader reopens it on every transaction that names one.
	if j.lag != nil {
		j.lag.Close()
		j.lag = nil
	}
	if tx.LagName != "" {
		start, _, ok := parsePartitionDirName(tx.LagName, j.meta.PartitionBy)
		if !ok {
			return fmt.Errorf("%w: bad lag partition name %q", ErrTxCorruption, tx.LagName)
		}
		j.lag = newPartition(j, len(j.partitions), start, true)
		j.lag.dirName = tx.LagName
		j.lag.ApplyTx(tx.LagSize, nil)
	}

	sym := 0
	for i := range j.meta.Columns {
		c := &j.meta.Columns[i]
		if c.Type != TypeSymbol {
			continue
		}
		if j.symtabs[i] == nil {
			// The reader opened before the writer created the symbol
			// files; they exist once a tx references them.
			st, err := openSymbolTable(j.dir, c.Name, c, j.meta.RecordHint, false)
			if err != nil {
				return err
			}
			j.symtabs[i] = st
		}
		if !j.writable {
			size := int64(0)
			if sym < len(tx.SymSizes) {
				size = tx.SymSizes[sym]
			}
			j.symtabs[i].applyTx(size)
		}
		sym++
	}

	j.tx = tx
	return nil
}

// materializePartitions ensures partitions 0..lastIdx exist, discovered
// from the directory in interval order.
func (j *Journal) materializePartitions(lastIdx int) error {
	if lastIdx < len(j.partitions) {
		return nil
	}
	starts, err := j.scanPartitionDirs()
	if err != nil {
		return err
	}
	if lastIdx >= len(starts) {
		return fmt.Errorf("%w: tx references partition %d but only %d on disk",
			ErrTxCorruption, lastIdx, len(starts))
	}
	for i := len(j.partitions); i <= lastIdx; i++ {
		j.partitions = append(j.partitions, newPartition(j, i, starts[i], false))
	}
	return nil
}

// scanPartitionDirs lists regular partition interval starts in order.
func (j *Journal) scanPartitionDirs() ([]int64, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, ioErr("readdir", j.dir, err)
	}
	var starts []int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		start, isLag, ok := parsePartitionDirName(e.Name(), j.meta.PartitionBy)
		if !ok || isLag {
			continue
		}
		starts = append(starts, start)
	}
	slices.Sort(starts)
	return starts, nil
}

// Sweep closes partitions whose last access is older than the open
// file TTL. The active partition and the lag partition are never
// evicted. Host-driven: the engine spawns no threads.
func (j *Journal) Sweep(now time.Time) {
	if j.meta.OpenFileTTL <= 0 {
		return
	}
	cutoff := now.UnixMilli() - j.meta.OpenFileTTL.Milliseconds()
	for i, p := range j.partitions {
		if i == len(j.partitions)-1 && j.lag == nil {
			continue // active partition
		}
		if p.opened && p.lastAccess < cutoff {
			p.Close()
		}
	}
}

// Close releases every partition, symbol table and the tx log.
func (j *Journal) Close() error {
	if j.closed {
		return nil
	}
	j.closed = true
	var first error
	for _, p := range j.partitions {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	if j.lag != nil {
		if err := j.lag.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, st := range j.symtabs {
		if st != nil {
			if err := st.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	if j.txlog != nil {
		if err := j.txlog.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
