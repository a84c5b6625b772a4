// Writer: the single append path of a journal.
//
// A Writer owns the exclusive journal lock and is the only mutator of
// column, index and symbol files. Appends accumulate in the active
// partition; Commit publishes them by flushing every file and
// appending a transaction record; Rollback rewinds every file to the
// last published transaction. Opening a writer over a crashed journal
// truncates all storage back to the last good transaction before
// accepting new rows.
package strata

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// commitPoint snapshots the durable state of the last published
// transaction; rollback and crash recovery rewind to it.
type commitPoint struct {
	nRegular int   // committed regular partition count
	lastSize int64 // committed size of the last regular partition
	lagName  string
	lagSize  int64
	symSizes []int64
	lastTs   int64
	keyHash  uint64
}

// Writer appends records to a journal. At most one exists per journal
// directory across all processes.
type Writer struct {
	*Journal
	flk      *flock.Flock
	degraded bool

	txn     int64
	lastTs  int64 // newest timestamp seen, order gate
	keyHash uint64
	keyIdx  int // key column index, -1 when unused
	lagSeq  int // monotonic suffix for lag partition directories
	purge   []string
	commit  commitPoint
}

// OpenWriter opens dir for writing, creating the journal when meta is
// supplied and none exists. Crash recovery runs before the writer is
// returned.
func OpenWriter(dir string, meta *JournalMetadata) (*Writer, error) {
	j, err := openJournal(dir, meta, true)
	if err != nil {
		return nil, err
	}
	flk, err := acquireWriterLock(dir)
	if err != nil {
		j.Close()
		return nil, err
	}

	w := &Writer{Journal: j, flk: flk, keyIdx: -1}
	if j.meta.KeyColumn != "" {
		w.keyIdx = j.meta.ColumnIndex(j.meta.KeyColumn)
	}
	if err := w.recover(); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// recover rewinds storage to the last good transaction: the tx tail is
// cut, uncommitted partitions are deleted, the active partition and
// every symbol table are truncated to their published sizes.
func (w *Writer) recover() error {
	if err := w.txlog.truncateTail(); err != nil {
		return err
	}
	tx := w.txlog.last

	starts, err := w.scanPartitionDirs()
	if err != nil {
		return err
	}

	lastIdx, lastSize := -1, int64(0)
	if tx != nil && tx.MaxRowID > 0 {
		lastIdx = int(tx.MaxRowID >> partitionBits)
		lastSize = tx.MaxRowID & localRowMask
	}
	if lastIdx >= len(starts) {
		return fmt.Errorf("%w: tx references partition %d but only %d on disk",
			ErrTxCorruption, lastIdx, len(starts))
	}

	// Partition directories past the last committed one never made it
	// into a transaction.
	for i := len(starts) - 1; i > lastIdx; i-- {
		p := newPartition(w.Journal, i, starts[i], false)
		if err := p.remove(); err != nil {
			return err
		}
		starts = starts[:i]
	}

	for i, start := range starts {
		w.partitions = append(w.partitions, newPartition(w.Journal, i, start, false))
	}
	if lastIdx >= 0 {
		if err := w.partitions[lastIdx].Truncate(lastSize); err != nil {
			return err
		}
	}

	// Lag directories: keep the one the tx names, truncated; remove the
	// rest.
	if err := w.recoverLag(tx); err != nil {
		return err
	}

	// Symbol tables rewind to their published sizes.
	sym := 0
	for i := range w.meta.Columns {
		if w.symtabs[i] == nil {
			continue
		}
		var size int64
		if tx != nil && sym < len(tx.SymSizes) {
			size = tx.SymSizes[sym]
		}
		if err := w.symtabs[i].Truncate(size); err != nil {
			return err
		}
		sym++
	}

	if tx != nil {
		w.txn = tx.TxNumber
		w.keyHash = tx.KeyHash
	}
	if err := w.loadLastTs(); err != nil {
		return err
	}
	w.commit = w.snapshot()
	w.tx = tx
	return nil
}

func (w *Writer) recoverLag(tx *Tx) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return ioErr("readdir", w.dir, err)
	}
	keep := ""
	if tx != nil {
		keep = tx.LagName
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), lagSuffix) {
			continue
		}
		if seq := lagDirSeq(e.Name()); seq >= w.lagSeq {
			w.lagSeq = seq + 1
		}
		if e.Name() != keep {
			if err := os.RemoveAll(filepath.Join(w.dir, e.Name())); err != nil {
				return ioErr("remove", e.Name(), err)
			}
		}
	}
	if keep != "" {
		start, _, ok := parsePartitionDirName(keep, w.meta.PartitionBy)
		if !ok {
			return fmt.Errorf("%w: bad lag partition name %q", ErrTxCorruption, keep)
		}
		w.lag = newPartition(w.Journal, len(w.partitions), start, true)
		w.lag.dirName = keep
		if err := w.lag.Truncate(tx.LagSize); err != nil {
			return err
		}
	}
	return nil
}

// lagDirSeq extracts the numeric sequence from "<interval>.<n>.lag".
func lagDirSeq(name string) int {
	parts := strings.Split(strings.TrimSuffix(name, lagSuffix), ".")
	if len(parts) < 2 {
		return 0
	}
	n, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return 0
	}
	return n
}

// loadLastTs primes the order gate from the newest visible row.
func (w *Writer) loadLastTs() error {
	w.lastTs = 0
	if w.meta.TimestampIndex < 0 {
		return nil
	}
	p := w.LastPartition()
	if p == nil {
		return nil
	}
	n, err := p.Size()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if err := p.Open(); err != nil {
		return err
	}
	ts, err := p.cols[w.meta.TimestampIndex].fixed.Long(n - 1)
	if err != nil {
		return err
	}
	w.lastTs = ts
	return nil
}

func (w *Writer) snapshot() commitPoint {
	cp := commitPoint{
		nRegular: len(w.partitions),
		lastTs:   w.lastTs,
		keyHash:  w.keyHash,
	}
	if n := len(w.partitions); n > 0 {
		size, _ := w.partitions[n-1].Size()
		cp.lastSize = size
	}
	if w.lag != nil {
		cp.lagName = w.lag.dirName
		cp.lagSize, _ = w.lag.Size()
	}
	for i := range w.meta.Columns {
		if w.symtabs[i] != nil {
			cp.symSizes = append(cp.symSizes, w.symtabs[i].Size())
		}
	}
	return cp
}

func (w *Writer) gate() error {
	if w.closed {
		return ErrClosed
	}
	if w.degraded {
		return ErrDegraded
	}
	return nil
}

// Append writes one record. With a lag window configured the row is
// routed through MergeAppend; otherwise its timestamp must not precede
// the newest row. Any storage failure rolls the journal back to the
// last commit before returning.
func (w *Writer) Append(rec *Record) error {
	if err := w.gate(); err != nil {
		return err
	}
	if w.meta.Lag > 0 {
		return w.MergeAppend([]*Record{rec})
	}

	ts := int64(0)
	if w.meta.TimestampIndex >= 0 {
		ts, _ = rec.timestamp()
		if ts < w.lastTs {
			return fmt.Errorf("%w: %s after %s", ErrTimestampOutOfOrder, fmtTs(ts), fmtTs(w.lastTs))
		}
	}

	if _, _, err := w.appendRegular(rec, ts); err != nil {
		w.Rollback()
		return err
	}
	return nil
}

// appendRegular locates or creates the partition for ts and appends,
// returning the partition and local row id.
func (w *Writer) appendRegular(rec *Record, ts int64) (*Partition, int64, error) {
	p, err := w.partitionFor(ts)
	if err != nil {
		return nil, -1, err
	}
	row, err := p.Append(rec)
	if err != nil {
		return nil, -1, err
	}
	w.lastTs = ts
	if w.keyIdx >= 0 {
		w.keyHash = chainHash(w.keyHash, keyString(rec, w.keyIdx))
	}
	return p, row, nil
}

// partitionFor returns the active partition covering ts, creating one
// when ts falls past the current interval.
func (w *Writer) partitionFor(ts int64) (*Partition, error) {
	n := len(w.partitions)
	if n > 0 {
		p := w.partitions[n-1]
		if ts < p.endMs {
			return p, p.Open()
		}
	}
	start := intervalStart(ts, w.meta.PartitionBy)
	p := newPartition(w.Journal, n, start, false)
	if err := p.Open(); err != nil {
		return nil, err
	}
	w.partitions = append(w.partitions, p)
	return p, nil
}

// keyString renders the key column value for the uniqueness digest.
func keyString(rec *Record, i int) string {
	v := &rec.vals[i]
	switch rec.m.Columns[i].Type {
	case TypeString, TypeSymbol:
		return v.str
	case TypeFloat, TypeDouble:
		return strconv.FormatFloat(v.fp, 'g', -1, 64)
	default:
		return strconv.FormatInt(v.num, 10)
	}
}

// MergeAppend accepts a batch sorted by timestamp that may overlap the
// lag window. Rows older than the window spill into the regular
// partitions; the remainder is merged with the current lag partition
// into a fresh one. The batch is rejected whole when any row precedes
// the newest row in the regular partitions, committed or not.
func (w *Writer) MergeAppend(batch []*Record) error {
	if err := w.gate(); err != nil {
		return err
	}
	if w.meta.Lag <= 0 {
		return fmt.Errorf("%w: journal has no lag window", ErrConfig)
	}
	if len(batch) == 0 {
		return nil
	}

	for i := 1; i < len(batch); i++ {
		a, _ := batch[i-1].timestamp()
		b, _ := batch[i].timestamp()
		if b < a {
			return ErrUnsortedBatch
		}
	}

	regularTs := w.regularLastTs()
	if ts, _ := batch[0].timestamp(); ts < regularTs {
		return fmt.Errorf("%w: %s before regular tail %s", ErrTimestampOutOfOrder, fmtTs(ts), fmtTs(regularTs))
	}

	merged, err := w.mergeWithLag(batch)
	if err != nil {
		w.Rollback()
		return err
	}

	maxTs, _ := merged[len(merged)-1].timestamp()
	watermark := maxTs - w.meta.Lag.Milliseconds()

	spill := 0
	for spill < len(merged) {
		if ts, _ := merged[spill].timestamp(); ts >= watermark {
			break
		}
		spill++
	}

	for _, rec := range merged[:spill] {
		ts, _ := rec.timestamp()
		if _, _, err := w.appendRegular(rec, ts); err != nil {
			w.Rollback()
			return err
		}
	}

	if err := w.rebuildLag(merged[spill:]); err != nil {
		w.Rollback()
		return err
	}
	if ts, _ := merged[len(merged)-1].timestamp(); ts > w.lastTs {
		w.lastTs = ts
	}
	return nil
}

// regularLastTs returns the newest timestamp in the regular partitions.
func (w *Writer) regularLastTs() int64 {
	n := len(w.partitions)
	if n == 0 || w.meta.TimestampIndex < 0 {
		return 0
	}
	p := w.partitions[n-1]
	size, err := p.Size()
	if err != nil || size == 0 {
		return 0
	}
	if err := p.Open(); err != nil {
		return 0
	}
	ts, err := p.cols[w.meta.TimestampIndex].fixed.Long(size - 1)
	if err != nil {
		return 0
	}
	return ts
}

// mergeWithLag merge-sorts the current lag rows with the batch. Ties
// keep lag rows first: they were appended earlier.
func (w *Writer) mergeWithLag(batch []*Record) ([]*Record, error) {
	if w.lag == nil {
		return batch, nil
	}
	n, err := w.lag.Size()
	if err != nil {
		return nil, err
	}
	existing := make([]*Record, 0, n)
	for i := int64(0); i < n; i++ {
		rec := NewRecord(w.meta)
		if err := w.lag.Read(i, rec); err != nil {
			return nil, err
		}
		existing = append(existing, rec)
	}

	merged := make([]*Record, 0, len(existing)+len(batch))
	i, k := 0, 0
	for i < len(existing) && k < len(batch) {
		a, _ := existing[i].timestamp()
		b, _ := batch[k].timestamp()
		if a <= b {
			merged = append(merged, existing[i])
			i++
		} else {
			merged = append(merged, batch[k])
			k++
		}
	}
	merged = append(merged, existing[i:]...)
	merged = append(merged, batch[k:]...)
	return merged, nil
}

// rebuildLag writes rows into a fresh lag partition and retires the old
// one. The old directory stays on disk until the next commit publishes
// the replacement, so rollback can fall back to it.
func (w *Writer) rebuildLag(rows []*Record) error {
	old := w.lag
	if len(rows) == 0 {
		w.lag = nil
		if old != nil {
			old.Close()
			w.purge = append(w.purge, old.dirName)
		}
		return nil
	}

	firstTs, _ := rows[0].timestamp()
	start := intervalStart(firstTs, w.meta.PartitionBy)
	p := newPartition(w.Journal, len(w.partitions), start, true)
	p.dirName = fmt.Sprintf("%s.%d%s", partitionDirName(start, w.meta.PartitionBy), w.lagSeq, lagSuffix)
	w.lagSeq++
	if err := p.Open(); err != nil {
		return err
	}
	for _, rec := range rows {
		if _, err := p.Append(rec); err != nil {
			p.Close()
			p.remove()
			return err
		}
	}

	w.lag = p
	if old != nil {
		old.Close()
		w.purge = append(w.purge, old.dirName)
	}
	return nil
}

// Commit flushes every dirty file and publishes a transaction record.
// A failure while publishing degrades the journal: no further writes
// until reopen.
func (w *Writer) Commit() error {
	if err := w.gate(); err != nil {
		return err
	}

	// Every partition touched since the last commit: the one that was
	// active then, plus any created by appends or merge spills.
	first := w.commit.nRegular - 1
	if first < 0 {
		first = 0
	}
	for i := first; i < len(w.partitions); i++ {
		if err := w.partitions[i].commit(); err != nil {
			w.degraded = true
			return err
		}
	}
	if w.lag != nil {
		if err := w.lag.commit(); err != nil {
			w.degraded = true
			return err
		}
	}
	for i := range w.meta.Columns {
		if w.symtabs[i] != nil {
			if err := w.symtabs[i].Commit(); err != nil {
				w.degraded = true
				return err
			}
		}
	}

	tx, err := w.buildTx()
	if err != nil {
		w.degraded = true
		return err
	}
	if err := w.txlog.append(tx); err != nil {
		w.degraded = true
		return err
	}
	w.tx = tx
	w.txn = tx.TxNumber
	w.commit = w.snapshot()

	// Retired lag directories are unreachable from the published tx.
	for _, name := range w.purge {
		os.RemoveAll(filepath.Join(w.dir, name))
	}
	w.purge = nil
	return nil
}

func (w *Writer) buildTx() (*Tx, error) {
	tx := &Tx{
		TxNumber:     w.txn + 1,
		CommitMillis: time.Now().UnixMilli(),
		KeyHash:      w.keyHash,
	}
	if n := len(w.partitions); n > 0 {
		p := w.partitions[n-1]
		size, err := p.Size()
		if err != nil {
			return nil, err
		}
		tx.MaxRowID = GlobalRowID(n-1, size)
		tx.LastPartitionTS = p.startMs
		if err := p.Open(); err != nil {
			return nil, err
		}
		tx.IndexAddrs = p.indexTxAddresses()
	}
	if w.lag != nil {
		size, err := w.lag.Size()
		if err != nil {
			return nil, err
		}
		tx.LagName = w.lag.dirName
		tx.LagSize = size
	}
	for i := range w.meta.Columns {
		if w.symtabs[i] != nil {
			tx.SymSizes = append(tx.SymSizes, w.symtabs[i].Size())
		}
	}
	return tx, nil
}

// Rollback rewinds every uncommitted append: partitions created since
// the last commit are deleted, the active partition, the lag partition
// and every symbol table are truncated back to their committed sizes.
func (w *Writer) Rollback() error {
	if w.closed {
		return ErrClosed
	}

	for i := len(w.partitions) - 1; i >= w.commit.nRegular; i-- {
		p := w.partitions[i]
		if err := p.Close(); err != nil {
			w.degraded = true
			return err
		}
		if err := p.remove(); err != nil {
			w.degraded = true
			return err
		}
	}
	w.partitions = w.partitions[:w.commit.nRegular]
	if n := w.commit.nRegular; n > 0 {
		if err := w.partitions[n-1].Truncate(w.commit.lastSize); err != nil {
			w.degraded = true
			return err
		}
	}

	if err := w.rollbackLag(); err != nil {
		w.degraded = true
		return err
	}

	sym := 0
	for i := range w.meta.Columns {
		if w.symtabs[i] == nil {
			continue
		}
		if sym < len(w.commit.symSizes) {
			if err := w.symtabs[i].Truncate(w.commit.symSizes[sym]); err != nil {
				w.degraded = true
				return err
			}
		}
		sym++
	}

	w.lastTs = w.commit.lastTs
	w.keyHash = w.commit.keyHash
	w.purge = nil
	return nil
}

func (w *Writer) rollbackLag() error {
	current := ""
	if w.lag != nil {
		current = w.lag.dirName
	}
	if current == w.commit.lagName {
		if w.lag != nil {
			return w.lag.Truncate(w.commit.lagSize)
		}
		return nil
	}
	// A merge built a replacement that never got published.
	if w.lag != nil {
		if err := w.lag.Close(); err != nil {
			return err
		}
		if err := w.lag.remove(); err != nil {
			return err
		}
		w.lag = nil
	}
	if w.commit.lagName != "" {
		start, _, ok := parsePartitionDirName(w.commit.lagName, w.meta.PartitionBy)
		if !ok {
			return fmt.Errorf("%w: bad lag partition name %q", ErrTxCorruption, w.commit.lagName)
		}
		w.lag = newPartition(w.Journal, len(w.partitions), start, true)
		w.lag.dirName = w.commit.lagName
		if err := w.lag.Truncate(w.commit.lagSize); err != nil {
			return err
		}
	}
	return nil
}

// Truncate drops every row in the journal: all partitions are deleted,
// symbol tables are emptied, and an empty transaction is published.
func (w *Writer) Truncate() error {
	if err := w.gate(); err != nil {
		return err
	}
	for _, p := range w.partitions {
		if err := p.Close(); err != nil {
			return err
		}
		if err := p.remove(); err != nil {
			return err
		}
	}
	w.partitions = nil
	if w.lag != nil {
		if err := w.lag.Close(); err != nil {
			return err
		}
		if err := w.lag.remove(); err != nil {
			return err
		}
		w.lag = nil
	}
	for i := range w.meta.Columns {
		if w.symtabs[i] != nil {
			if err := w.symtabs[i].Truncate(0); err != nil {
				return err
			}
			if err := w.symtabs[i].Commit(); err != nil {
				return err
			}
		}
	}
	w.lastTs = 0
	w.keyHash = 0
	return w.Commit()
}

// Force fsyncs every open file of the active partitions and the symbol
// tables; stronger durability than Commit's asynchronous flush.
func (w *Writer) Force() error {
	if err := w.gate(); err != nil {
		return err
	}
	if n := len(w.partitions); n > 0 {
		if err := w.partitions[n-1].force(); err != nil {
			return err
		}
	}
	if w.lag != nil {
		if err := w.lag.force(); err != nil {
			return err
		}
	}
	for i := range w.meta.Columns {
		if w.symtabs[i] != nil {
			if err := w.symtabs[i].force(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close releases the writer lock and every mapped file. Uncommitted
// appends are not published; they are truncated away on the next open.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	err := w.Journal.Close()
	if w.flk != nil {
		w.flk.Unlock()
	}
	return err
}
