// Variable-length column: a data file plus an offsets file.
//
// Row i's value starts at offset[i] in the data file as a 4-byte
// big-endian length followed by the payload. STRING payloads are UTF-16
// code units (2 bytes each, big-endian) and the length counts code
// units; BINARY payloads are raw bytes and the length counts bytes.
// Length -1 encodes null, distinct from an empty value. Offsets are
// 8-byte big-endian and monotonically non-decreasing.
//
// Flyweight reads borrow the mapped buffer. Every write, truncate,
// compact and close bumps an epoch counter captured by flyweights at
// creation, so a stale borrow surfaces as ErrStaleFlyweight instead of
// silent garbage. Window remaps inside the data file do not bump it.
package strata

import (
	"encoding/binary"
	"unicode/utf16"
)

const nullLen = int32(-1)

// VariableColumn stores one string or blob per row.
type VariableColumn struct {
	data    *MemoryFile
	offsets *MemoryFile
	epoch   uint64
}

func openVariableColumn(dataPath, offsetsPath string, bitHint, indexBitHint uint, writable bool) (*VariableColumn, error) {
	data, err := openMemoryFile(dataPath, bitHint, writable)
	if err != nil {
		return nil, err
	}
	offsets, err := openMemoryFile(offsetsPath, indexBitHint, writable)
	if err != nil {
		data.Close()
		return nil, err
	}
	return &VariableColumn{data: data, offsets: offsets}, nil
}

// Size returns the row count.
func (c *VariableColumn) Size() int64 { return c.offsets.Size() / 8 }

func (c *VariableColumn) offset(i int64) (int64, error) {
	b, err := c.offsets.Buffer(i*8, 8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (c *VariableColumn) length(i int64) (int32, int64, error) {
	off, err := c.offset(i)
	if err != nil {
		return 0, 0, err
	}
	var lb [4]byte
	if err := c.data.ReadAt(lb[:], off); err != nil {
		return 0, 0, err
	}
	return int32(binary.BigEndian.Uint32(lb[:])), off + 4, nil
}

func (c *VariableColumn) putOffset(row, dataOff int64) error {
	b, err := c.offsets.Buffer(row*8, 8)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint64(b, uint64(dataOff))
	c.offsets.SetSize((row + 1) * 8)
	return nil
}

// PutStr appends s and returns the new row id.
func (c *VariableColumn) PutStr(s string) (int64, error) {
	c.epoch++
	row := c.Size()
	units := utf16.Encode([]rune(s))

	payload := make([]byte, 4+2*len(units))
	binary.BigEndian.PutUint32(payload, uint32(len(units)))
	for i, u := range units {
		binary.BigEndian.PutUint16(payload[4+2*i:], u)
	}

	off, err := c.data.Append(payload)
	if err != nil {
		return 0, err
	}
	if err := c.putOffset(row, off); err != nil {
		return 0, err
	}
	return row, nil
}

// PutBin appends a blob and returns the new row id.
func (c *VariableColumn) PutBin(b []byte) (int64, error) {
	c.epoch++
	row := c.Size()

	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(b)))
	off, err := c.data.Append(lb[:])
	if err != nil {
		return 0, err
	}
	if _, err := c.data.Append(b); err != nil {
		return 0, err
	}
	if err := c.putOffset(row, off); err != nil {
		return 0, err
	}
	return row, nil
}

// PutNull appends a null value, distinct from empty.
func (c *VariableColumn) PutNull() (int64, error) {
	c.epoch++
	row := c.Size()

	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(nullLen))
	off, err := c.data.Append(lb[:])
	if err != nil {
		return 0, err
	}
	if err := c.putOffset(row, off); err != nil {
		return 0, err
	}
	return row, nil
}

// IsNull reports whether row i holds a null.
func (c *VariableColumn) IsNull(i int64) (bool, error) {
	n, _, err := c.length(i)
	return n == nullLen, err
}

// Str materializes row i as a Go string. Null decodes as "" with
// null=true.
func (c *VariableColumn) Str(i int64) (s string, null bool, err error) {
	n, payload, err := c.length(i)
	if err != nil {
		return "", false, err
	}
	if n == nullLen {
		return "", true, nil
	}
	units := make([]uint16, n)
	raw := make([]byte, 2*n)
	if err := c.data.ReadAt(raw, payload); err != nil {
		return "", false, err
	}
	for j := range units {
		units[j] = binary.BigEndian.Uint16(raw[2*j:])
	}
	return string(utf16.Decode(units)), false, nil
}

// BinLen returns the byte length of row i, or -1 for null.
func (c *VariableColumn) BinLen(i int64) (int32, error) {
	n, _, err := c.length(i)
	return n, err
}

// Bin copies row i's blob out of the mapping. Null yields nil.
func (c *VariableColumn) Bin(i int64) ([]byte, error) {
	n, payload, err := c.length(i)
	if err != nil {
		return nil, err
	}
	if n == nullLen {
		return nil, nil
	}
	out := make([]byte, n)
	if err := c.data.ReadAt(out, payload); err != nil {
		return nil, err
	}
	return out, nil
}

// FlyweightStr returns a borrowed view of row i. The borrow is valid
// until the next write, truncate, compact or close on this column.
func (c *VariableColumn) FlyweightStr(i int64) (*StrFlyweight, error) {
	n, payload, err := c.length(i)
	if err != nil {
		return nil, err
	}
	return &StrFlyweight{col: c, epoch: c.epoch, off: payload, units: n}, nil
}

// Commit flushes both files.
func (c *VariableColumn) Commit() error {
	if err := c.data.Commit(); err != nil {
		return err
	}
	return c.offsets.Commit()
}

// Force flushes both files synchronously.
func (c *VariableColumn) Force() error {
	if err := c.data.Force(); err != nil {
		return err
	}
	return c.offsets.Force()
}

// Truncate shrinks the column to rows entries. The data file is cut at
// the offset the first dropped row pointed to.
func (c *VariableColumn) Truncate(rows int64) error {
	c.epoch++
	if rows < c.Size() {
		cut := int64(0)
		if rows > 0 {
			off, err := c.offset(rows)
			if err != nil {
				return err
			}
			cut = off
		}
		if err := c.data.Truncate(cut); err != nil {
			return err
		}
	}
	return c.offsets.Truncate(rows * 8)
}

// Compact releases cached mapping windows of both files.
func (c *VariableColumn) Compact() {
	c.epoch++
	c.data.Compact()
	c.offsets.Compact()
}

func (c *VariableColumn) Close() error {
	c.epoch++
	if err := c.data.Close(); err != nil {
		c.offsets.Close()
		return err
	}
	return c.offsets.Close()
}

// StrFlyweight is a borrowed string view over the mapped data file.
// Accessors fail with ErrStaleFlyweight once the column moves on.
type StrFlyweight struct {
	col   *VariableColumn
	epoch uint64
	off   int64 // payload start, past the length prefix
	units int32 // -1 for null
}

// Valid reports whether the borrow still references live data.
func (f *StrFlyweight) Valid() bool { return f.epoch == f.col.epoch }

// IsNull reports whether the row held a null.
func (f *StrFlyweight) IsNull() bool { return f.units == nullLen }

// Len returns the UTF-16 code unit count, or -1 for null.
func (f *StrFlyweight) Len() int { return int(f.units) }

// UnitAt reads the i-th UTF-16 code unit.
func (f *StrFlyweight) UnitAt(i int) (uint16, error) {
	if !f.Valid() {
		return 0, ErrStaleFlyweight
	}
	var b [2]byte
	if err := f.col.data.ReadAt(b[:], f.off+2*int64(i)); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

// String materializes the view. Null decodes as "".
func (f *StrFlyweight) String() (string, error) {
	if !f.Valid() {
		return "", ErrStaleFlyweight
	}
	if f.units <= 0 {
		return "", nil
	}
	units := make([]uint16, f.units)
	raw := make([]byte, 2*f.units)
	if err := f.col.data.ReadAt(raw, f.off); err != nil {
		return "", err
	}
	for j := range units {
		units[j] = binary.BigEndian.Uint16(raw[2*j:])
	}
	return string(utf16.Decode(units)), nil
}

// EqualsString compares the view against s without materializing when
// lengths already disagree.
func (f *StrFlyweight) EqualsString(s string) (bool, error) {
	if !f.Valid() {
		return false, ErrStaleFlyweight
	}
	if f.units == nullLen {
		return false, nil
	}
	units := utf16.Encode([]rune(s))
	if len(units) != int(f.units) {
		return false, nil
	}
	for i, u := range units {
		got, err := f.UnitAt(i)
		if err != nil {
			return false, err
		}
		if got != u {
			return false, nil
		}
	}
	return true, nil
}
