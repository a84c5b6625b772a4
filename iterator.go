// Forward row iterators over a journal's visible rows.
//
// Iteration order is partition order, local row order within each
// partition, the lag partition last. The view is not pinned at iterator
// creation: the partition count and each partition's size are read as
// iteration reaches them, so a Refresh on the journal mid-iteration can
// change the rows still ahead of the iterator.
package strata

// Iterator walks rows in append order.
type Iterator struct {
	j      *Journal
	p      int
	row    int64
	size   int64
	rec    *Record
	shared bool // reuse one record across Next calls
	err    error
}

// Iterator returns a forward iterator that materializes a fresh Record
// per row.
func (j *Journal) Iterator() *Iterator {
	return &Iterator{j: j, row: -1, size: -1}
}

// BufferedIterator returns a forward iterator that reuses one Record.
// The record returned by Record is only valid until the next call to
// Next.
func (j *Journal) BufferedIterator() *Iterator {
	return &Iterator{j: j, row: -1, size: -1, shared: true, rec: NewRecord(j.meta)}
}

// Next advances to the next visible row, returning false at the end or
// on error.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	for {
		if it.p >= it.j.PartitionCount() {
			return false
		}
		if it.size < 0 {
			p, err := it.j.Partition(it.p, false)
			if err != nil {
				it.err = err
				return false
			}
			it.size, err = p.Size()
			if err != nil {
				it.err = err
				return false
			}
		}
		if it.row+1 < it.size {
			it.row++
			break
		}
		it.p++
		it.row = -1
		it.size = -1
	}

	if !it.shared {
		it.rec = NewRecord(it.j.meta)
	}
	p, err := it.j.Partition(it.p, true)
	if err != nil {
		it.err = err
		return false
	}
	if err := p.Read(it.row, it.rec); err != nil {
		it.err = err
		return false
	}
	return true
}

// Record returns the row read by the last successful Next.
func (it *Iterator) Record() *Record { return it.rec }

// GlobalRowID returns the packed id of the current row.
func (it *Iterator) GlobalRowID() int64 { return GlobalRowID(it.p, it.row) }

// Err reports the error that stopped iteration, if any.
func (it *Iterator) Err() error { return it.err }
