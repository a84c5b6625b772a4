// Partition: the column bundle for one time interval.
//
// A partition owns one column per schema column plus a sparse parallel
// array of KVIndex proxies for indexed columns. It is created lazily by
// the writer when a row lands in its interval, or by a reader when a
// transaction record references it. Closing preserves applied tx state
// so TTL eviction is invisible to callers.
package strata

import (
	"fmt"
	"os"
	"path/filepath"
)

type partitionColumn struct {
	fixed *FixedColumn
	varc  *VariableColumn
}

// Partition bundles the columns and indexes of one time range.
type Partition struct {
	j       *Journal
	index   int
	startMs int64
	endMs   int64
	isLag   bool
	dirName string

	opened bool
	cols   []partitionColumn
	idx    []*KVIndex // sparse: nil for unindexed columns

	txLimit     int64   // visible row count; -1 derives from columns
	pendingAddr []int64 // index addresses to apply on next open
	cachedSize  int64
	lastAccess  int64 // journal clock, for TTL eviction
}

func newPartition(j *Journal, index int, startMs int64, isLag bool) *Partition {
	name := partitionDirName(startMs, j.meta.PartitionBy)
	if isLag {
		name += lagSuffix
	}
	return &Partition{
		j:          j,
		index:      index,
		startMs:    startMs,
		endMs:      intervalEnd(startMs, j.meta.PartitionBy),
		isLag:      isLag,
		dirName:    name,
		txLimit:    -1,
		cachedSize: -1,
	}
}

func (p *Partition) dir() string { return filepath.Join(p.j.dir, p.dirName) }

// Open maps every column file and instantiates index proxies.
func (p *Partition) Open() error {
	if p.opened {
		return nil
	}
	m := p.j.meta
	if p.j.writable {
		if err := os.MkdirAll(p.dir(), 0755); err != nil {
			return ioErr("mkdir", p.dir(), err)
		}
	}

	p.cols = make([]partitionColumn, len(m.Columns))
	p.idx = make([]*KVIndex, len(m.Columns))
	for i := range m.Columns {
		c := &m.Columns[i]
		base := filepath.Join(p.dir(), c.Name)
		if c.Type.variable() {
			vc, err := openVariableColumn(base+".d", base+".i", c.BitHint, c.IndexBitHint, p.j.writable)
			if err != nil {
				p.Close()
				return err
			}
			p.cols[i].varc = vc
		} else {
			fc, err := openFixedColumn(base+".d", c.Type.fixedWidth(), c.BitHint, p.j.writable)
			if err != nil {
				p.Close()
				return err
			}
			p.cols[i].fixed = fc
		}
		if c.Indexed {
			kv, err := openKVIndex(base+".k", base+".r", c.DistinctCountHint, m.RecordHint, c.BitHint, p.j.writable)
			if err != nil {
				p.Close()
				return err
			}
			p.idx[i] = kv
		}
	}

	p.opened = true
	if p.pendingAddr != nil {
		p.applyIndexAddrs(p.pendingAddr)
		p.pendingAddr = nil
	}
	return nil
}

// Close unmaps and frees every column and index, keeping tx state.
func (p *Partition) Close() error {
	var first error
	for i := range p.cols {
		if p.cols[i].fixed != nil {
			if err := p.cols[i].fixed.Close(); err != nil && first == nil {
				first = err
			}
			p.cols[i].fixed = nil
		}
		if p.cols[i].varc != nil {
			if err := p.cols[i].varc.Close(); err != nil && first == nil {
				first = err
			}
			p.cols[i].varc = nil
		}
	}
	for i, kv := range p.idx {
		if kv != nil {
			if err := kv.Close(); err != nil && first == nil {
				first = err
			}
			p.idx[i] = nil
		}
	}
	p.cols = nil
	p.idx = nil
	p.opened = false
	p.cachedSize = -1
	return first
}

// Size returns the visible row count: the applied tx limit when one is
// set, otherwise the size of the last column, cached until invalidated.
func (p *Partition) Size() (int64, error) {
	if p.txLimit >= 0 {
		return p.txLimit, nil
	}
	if p.cachedSize >= 0 {
		return p.cachedSize, nil
	}
	if !p.opened {
		if err := p.Open(); err != nil {
			return 0, err
		}
	}
	last := p.cols[len(p.cols)-1]
	var n int64
	if last.fixed != nil {
		n = last.fixed.Size()
	} else {
		n = last.varc.Size()
	}
	p.cachedSize = n
	return n, nil
}

// ApplyTx installs the visible size and index tx addresses published by
// a transaction record. Closed partitions stash the addresses for the
// next open.
func (p *Partition) ApplyTx(txLimit int64, indexAddrs []int64) {
	p.txLimit = txLimit
	p.cachedSize = -1
	if !p.opened {
		p.pendingAddr = indexAddrs
		return
	}
	p.applyIndexAddrs(indexAddrs)
}

func (p *Partition) applyIndexAddrs(addrs []int64) {
	n := 0
	for _, kv := range p.idx {
		if kv == nil {
			continue
		}
		if n < len(addrs) {
			kv.SetTxAddress(addrs[n])
		}
		n++
	}
}

// indexTxAddresses snapshots every index's tx address in column order.
func (p *Partition) indexTxAddresses() []int64 {
	var out []int64
	for _, kv := range p.idx {
		if kv != nil {
			out = append(out, kv.TxAddress())
		}
	}
	return out
}

// Append writes one record and returns its local row id. On any
// column-level failure the caller must roll the partition back to the
// last commit; a partially written row is not self-healing.
func (p *Partition) Append(rec *Record) (int64, error) {
	if !p.opened {
		if err := p.Open(); err != nil {
			return -1, err
		}
	}
	row, err := p.Size()
	if err != nil {
		return -1, err
	}

	m := p.j.meta
	for i := range m.Columns {
		c := &m.Columns[i]
		v := &rec.vals[i]
		switch c.Type {
		case TypeBool:
			_, err = p.cols[i].fixed.PutBool(v.num != 0)
		case TypeByte:
			_, err = p.cols[i].fixed.PutByte(byte(v.num))
		case TypeShort:
			_, err = p.cols[i].fixed.PutShort(int16(v.num))
		case TypeInt:
			iv := int32(v.num)
			if v.null {
				iv = intNull
			}
			if _, err = p.cols[i].fixed.PutInt(iv); err == nil && p.idx[i] != nil {
				err = p.idx[i].Add(boundedIntKey(iv, c.DistinctCountHint-1), row)
			}
		case TypeLong, TypeDate:
			_, err = p.cols[i].fixed.PutLong(v.num)
		case TypeFloat:
			_, err = p.cols[i].fixed.PutFloat(float32(v.fp))
		case TypeDouble:
			_, err = p.cols[i].fixed.PutDouble(v.fp)
		case TypeString:
			if v.null {
				_, err = p.cols[i].varc.PutNull()
			} else if _, err = p.cols[i].varc.PutStr(v.str); err == nil && p.idx[i] != nil {
				err = p.idx[i].Add(boundedHash(v.str, c.DistinctCountHint-1), row)
			}
		case TypeBinary:
			if v.null {
				_, err = p.cols[i].varc.PutNull()
			} else {
				_, err = p.cols[i].varc.PutBin(v.bin)
			}
		case TypeSymbol:
			key := symValueNull
			if !v.null {
				key, err = p.j.symtabs[i].Put(v.str)
			}
			if err == nil {
				_, err = p.cols[i].fixed.PutInt(key)
			}
			if err == nil && p.idx[i] != nil && key >= 0 {
				err = p.idx[i].Add(int(key), row)
			}
		}
		if err != nil {
			return -1, fmt.Errorf("column %s: %w", c.Name, err)
		}
	}

	if p.cachedSize >= 0 {
		p.cachedSize++
	}
	return row, nil
}

// Read copies row localRow into rec, skipping columns the journal has
// marked inactive.
func (p *Partition) Read(localRow int64, rec *Record) error {
	if !p.opened {
		if err := p.Open(); err != nil {
			return err
		}
	}
	n, err := p.Size()
	if err != nil {
		return err
	}
	if localRow < 0 || localRow >= n {
		return fmt.Errorf("%w: row %d of %d in %s", ErrStorageIO, localRow, n, p.dirName)
	}

	m := p.j.meta
	for i := range m.Columns {
		if p.j.inactive[i] {
			continue
		}
		c := &m.Columns[i]
		v := &rec.vals[i]
		*v = fieldValue{}
		switch c.Type {
		case TypeBool:
			b, e := p.cols[i].fixed.Bool(localRow)
			if e != nil {
				return e
			}
			if b {
				v.num = 1
			}
		case TypeByte:
			b, e := p.cols[i].fixed.Byte(localRow)
			if e != nil {
				return e
			}
			v.num = int64(b)
		case TypeShort:
			s, e := p.cols[i].fixed.Short(localRow)
			if e != nil {
				return e
			}
			v.num = int64(s)
		case TypeInt:
			iv, e := p.cols[i].fixed.Int(localRow)
			if e != nil {
				return e
			}
			v.num = int64(iv)
			v.null = iv == intNull
		case TypeLong, TypeDate:
			l, e := p.cols[i].fixed.Long(localRow)
			if e != nil {
				return e
			}
			v.num = l
		case TypeFloat:
			f, e := p.cols[i].fixed.Float(localRow)
			if e != nil {
				return e
			}
			v.fp = float64(f)
		case TypeDouble:
			d, e := p.cols[i].fixed.Double(localRow)
			if e != nil {
				return e
			}
			v.fp = d
		case TypeString:
			s, null, e := p.cols[i].varc.Str(localRow)
			if e != nil {
				return e
			}
			v.str, v.null = s, null
		case TypeBinary:
			b, e := p.cols[i].varc.Bin(localRow)
			if e != nil {
				return e
			}
			v.bin = b
			v.null = b == nil
		case TypeSymbol:
			key, e := p.cols[i].fixed.Int(localRow)
			if e != nil {
				return e
			}
			if key == symValueNull {
				v.null = true
				break
			}
			s, e := p.j.symtabs[i].Value(key)
			if e != nil {
				return e
			}
			v.str = s
		}
	}
	return nil
}

// SearchTimestamp binary-searches the timestamp column within the
// visible rows.
func (p *Partition) SearchTimestamp(ts int64, edge Edge) (int64, error) {
	m := p.j.meta
	if m.TimestampIndex < 0 {
		return -1, fmt.Errorf("%w: journal has no timestamp column", ErrConfig)
	}
	if !p.opened {
		if err := p.Open(); err != nil {
			return -1, err
		}
	}
	n, err := p.Size()
	if err != nil {
		return -1, err
	}
	return p.cols[m.TimestampIndex].fixed.edgeSearch(ts, edge, n)
}

// Index exposes the KVIndex of an indexed column for lookups.
func (p *Partition) Index(columnIndex int) (*KVIndex, error) {
	if !p.opened {
		if err := p.Open(); err != nil {
			return nil, err
		}
	}
	if columnIndex < 0 || columnIndex >= len(p.idx) || p.idx[columnIndex] == nil {
		return nil, fmt.Errorf("%w: column %d is not indexed", ErrConfig, columnIndex)
	}
	return p.idx[columnIndex], nil
}

// commit flushes columns first-to-last, then indexes, so a derived
// partition size never observes a partial earlier column.
func (p *Partition) commit() error {
	for i := range p.cols {
		if p.cols[i].fixed != nil {
			if err := p.cols[i].fixed.Commit(); err != nil {
				return err
			}
		}
		if p.cols[i].varc != nil {
			if err := p.cols[i].varc.Commit(); err != nil {
				return err
			}
		}
	}
	for _, kv := range p.idx {
		if kv != nil {
			if err := kv.Commit(); err != nil {
				return err
			}
		}
	}
	return nil
}

// force fsyncs everything; used by Writer.Force.
func (p *Partition) force() error {
	for i := range p.cols {
		if p.cols[i].fixed != nil {
			if err := p.cols[i].fixed.Force(); err != nil {
				return err
			}
		}
		if p.cols[i].varc != nil {
			if err := p.cols[i].varc.Force(); err != nil {
				return err
			}
		}
	}
	for _, kv := range p.idx {
		if kv != nil {
			if err := kv.Force(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Truncate shrinks every column and index to newSize rows and commits
// the columns.
func (p *Partition) Truncate(newSize int64) error {
	if !p.opened {
		if err := p.Open(); err != nil {
			return err
		}
	}
	for i := range p.cols {
		if p.cols[i].fixed != nil {
			if err := p.cols[i].fixed.Truncate(newSize); err != nil {
				return err
			}
		}
		if p.cols[i].varc != nil {
			if err := p.cols[i].varc.Truncate(newSize); err != nil {
				return err
			}
		}
	}
	for _, kv := range p.idx {
		if kv != nil {
			if err := kv.Truncate(newSize); err != nil {
				return err
			}
		}
	}
	p.cachedSize = -1
	if p.txLimit >= 0 && p.txLimit > newSize {
		p.txLimit = newSize
	}
	return p.commit()
}

// RebuildIndex drops and rebuilds the KVIndex of one column from the
// column data. The partition stays open; callers must exclude writers.
func (p *Partition) RebuildIndex(columnIndex int) error {
	m := p.j.meta
	if columnIndex < 0 || columnIndex >= len(m.Columns) || !m.Columns[columnIndex].Indexed {
		return fmt.Errorf("%w: column %d is not indexed", ErrConfig, columnIndex)
	}
	if !p.opened {
		if err := p.Open(); err != nil {
			return err
		}
	}
	c := &m.Columns[columnIndex]
	base := filepath.Join(p.dir(), c.Name)

	if kv := p.idx[columnIndex]; kv != nil {
		if err := kv.Close(); err != nil {
			return err
		}
		p.idx[columnIndex] = nil
	}
	if err := removeKVIndex(base+".k", base+".r"); err != nil {
		return err
	}
	kv, err := openKVIndex(base+".k", base+".r", c.DistinctCountHint, m.RecordHint, c.BitHint, true)
	if err != nil {
		return err
	}
	p.idx[columnIndex] = kv

	n, err := p.Size()
	if err != nil {
		return err
	}
	mask := c.DistinctCountHint - 1
	for row := int64(0); row < n; row++ {
		switch c.Type {
		case TypeSymbol:
			key, e := p.cols[columnIndex].fixed.Int(row)
			if e != nil {
				return e
			}
			if key < 0 {
				continue
			}
			err = kv.Add(int(key), row)
		case TypeInt:
			iv, e := p.cols[columnIndex].fixed.Int(row)
			if e != nil {
				return e
			}
			err = kv.Add(boundedIntKey(iv, mask), row)
		case TypeString:
			s, null, e := p.cols[columnIndex].varc.Str(row)
			if e != nil {
				return e
			}
			if null {
				continue
			}
			err = kv.Add(boundedHash(s, mask), row)
		}
		if err != nil {
			return err
		}
	}
	return kv.Commit()
}

// remove deletes the partition directory. Only valid on a closed
// partition.
func (p *Partition) remove() error {
	if p.opened {
		return fmt.Errorf("%w: remove of open partition %s", ErrStorageIO, p.dirName)
	}
	if err := os.RemoveAll(p.dir()); err != nil {
		return ioErr("remove", p.dir(), err)
	}
	return nil
}
