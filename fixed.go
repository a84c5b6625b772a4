// Fixed-width column: a thin typed view over a MemoryFile.
//
// Element i lives at byte offset i*width. Primitives are little-endian.
// Widths are powers of two no larger than 8, so an element never
// straddles a mapping window and every access is a single buffer call.
package strata

import (
	"encoding/binary"
	"math"
)

// FixedColumn stores one primitive value per row.
type FixedColumn struct {
	mf    *MemoryFile
	width int64
}

func openFixedColumn(path string, width int, bitHint uint, writable bool) (*FixedColumn, error) {
	mf, err := openMemoryFile(path, bitHint, writable)
	if err != nil {
		return nil, err
	}
	return &FixedColumn{mf: mf, width: int64(width)}, nil
}

// Size returns the row count.
func (c *FixedColumn) Size() int64 { return c.mf.Size() / c.width }

func (c *FixedColumn) buf(i int64) ([]byte, error) {
	return c.mf.Buffer(i*c.width, int(c.width))
}

func (c *FixedColumn) appendBuf() ([]byte, int64, error) {
	row := c.Size()
	b, err := c.mf.Buffer(row*c.width, int(c.width))
	if err != nil {
		return nil, 0, err
	}
	c.mf.SetSize((row + 1) * c.width)
	return b, row, nil
}

// PutLong appends v and returns the new row id.
func (c *FixedColumn) PutLong(v int64) (int64, error) {
	b, row, err := c.appendBuf()
	if err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint64(b, uint64(v))
	return row, nil
}

func (c *FixedColumn) PutInt(v int32) (int64, error) {
	b, row, err := c.appendBuf()
	if err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint32(b, uint32(v))
	return row, nil
}

func (c *FixedColumn) PutShort(v int16) (int64, error) {
	b, row, err := c.appendBuf()
	if err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint16(b, uint16(v))
	return row, nil
}

func (c *FixedColumn) PutByte(v byte) (int64, error) {
	b, row, err := c.appendBuf()
	if err != nil {
		return 0, err
	}
	b[0] = v
	return row, nil
}

func (c *FixedColumn) PutBool(v bool) (int64, error) {
	var b byte
	if v {
		b = 1
	}
	return c.PutByte(b)
}

func (c *FixedColumn) PutDouble(v float64) (int64, error) {
	return c.PutLong(int64(math.Float64bits(v)))
}

func (c *FixedColumn) PutFloat(v float32) (int64, error) {
	return c.PutInt(int32(math.Float32bits(v)))
}

// Long reads element i as int64.
func (c *FixedColumn) Long(i int64) (int64, error) {
	b, err := c.buf(i)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func (c *FixedColumn) Int(i int64) (int32, error) {
	b, err := c.buf(i)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func (c *FixedColumn) Short(i int64) (int16, error) {
	b, err := c.buf(i)
	if err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(b)), nil
}

func (c *FixedColumn) Byte(i int64) (byte, error) {
	b, err := c.buf(i)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *FixedColumn) Bool(i int64) (bool, error) {
	b, err := c.Byte(i)
	return b != 0, err
}

func (c *FixedColumn) Double(i int64) (float64, error) {
	v, err := c.Long(i)
	return math.Float64frombits(uint64(v)), err
}

func (c *FixedColumn) Float(i int64) (float32, error) {
	v, err := c.Int(i)
	return math.Float32frombits(uint32(v)), err
}

// Commit flushes dirty windows and trims the file to the exact size.
func (c *FixedColumn) Commit() error { return c.mf.Commit() }

// Force flushes synchronously and fsyncs.
func (c *FixedColumn) Force() error { return c.mf.Force() }

// Truncate shrinks the column to rows elements.
func (c *FixedColumn) Truncate(rows int64) error {
	return c.mf.Truncate(rows * c.width)
}

// Compact releases cached mapping windows.
func (c *FixedColumn) Compact() { c.mf.Compact() }

func (c *FixedColumn) Close() error { return c.mf.Close() }

// Edge selects which boundary SearchEdge resolves when the probed value
// has duplicates or is absent.
type Edge int

const (
	// EdgeNewerOrSame finds the smallest row with value >= v.
	EdgeNewerOrSame Edge = iota
	// EdgeOlderOrSame finds the largest row with value <= v.
	EdgeOlderOrSame
	// EdgeNewer finds the smallest row with value > v.
	EdgeNewer
	// EdgeOlder finds the largest row with value < v.
	EdgeOlder
)

// SearchEdge binary-searches a non-decreasing int64 column (the
// timestamp column) for the row nearest v on the requested edge.
// Returns -1 when no row satisfies the edge.
func (c *FixedColumn) SearchEdge(v int64, edge Edge) (int64, error) {
	return c.edgeSearch(v, edge, c.Size())
}

// edgeSearch bounds the search to the first n rows, letting readers
// clamp to the committed row count.
func (c *FixedColumn) edgeSearch(v int64, edge Edge, n int64) (int64, error) {
	// Resolve strict edges through the inclusive ones.
	switch edge {
	case EdgeNewer:
		if v == math.MaxInt64 {
			return -1, nil
		}
		return c.edgeSearch(v+1, EdgeNewerOrSame, n)
	case EdgeOlder:
		if v == math.MinInt64 {
			return -1, nil
		}
		return c.edgeSearch(v-1, EdgeOlderOrSame, n)
	}

	// lo converges on the count of rows strictly below the boundary:
	// value < v for NewerOrSame, value <= v for OlderOrSame.
	lo, hi := int64(0), n
	for lo < hi {
		mid := (lo + hi) >> 1
		mv, err := c.Long(mid)
		if err != nil {
			return -1, err
		}
		below := mv < v
		if edge == EdgeOlderOrSame {
			below = mv <= v
		}
		if below {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	if edge == EdgeNewerOrSame {
		if lo == n {
			return -1, nil
		}
		return lo, nil
	}
	// OlderOrSame: lo is one past the last row with value <= v.
	return lo - 1, nil
}
