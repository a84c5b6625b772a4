// Memory-mapped column file with bit-sized mapping windows.
//
// A MemoryFile presents a file as an addressable byte region through
// fixed-size mapped windows of 1<<bitHint bytes. Windows are mapped on
// demand and cached in a small LRU; the logical size (append offset) is
// tracked separately from the physical file size, which grows in window
// multiples ahead of writes and is trimmed back to the logical size on
// Commit and Close. Readers therefore see exact sizes for committed data
// while the writer keeps cheap amortized growth.
package strata

import (
	"os"

	"golang.org/x/sys/unix"
)

// Mapping window bounds. bitHint is the log2 of the window size, derived
// from the column's average record size and the journal's record count
// hint, clamped to [128KB, 1GB] windows.
const (
	minBitHint = 17
	maxBitHint = 30
)

// windowCacheSize bounds how many windows stay mapped per file.
const windowCacheSize = 16

type window struct {
	base  int64  // file offset of the window start
	buf   []byte // mapped region, len <= 1<<bitHint
	used  uint64 // LRU stamp
	dirty bool
}

// MemoryFile is a mapped view over one column file. Not safe for
// concurrent use; every journal instance owns its files exclusively.
type MemoryFile struct {
	path     string
	f        *os.File
	bitHint  uint
	writable bool
	size     int64 // logical size: append offset
	fileSize int64 // physical size on disk
	windows  []*window
	stamp    uint64
	closed   bool
}

// openMemoryFile opens or creates the file at path. The logical size
// starts at the physical size; callers that recover from a transaction
// log truncate afterwards.
func openMemoryFile(path string, bitHint uint, writable bool) (*MemoryFile, error) {
	if bitHint < minBitHint {
		bitHint = minBitHint
	}
	if bitHint > maxBitHint {
		bitHint = maxBitHint
	}

	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, ioErr("open", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ioErr("stat", path, err)
	}

	return &MemoryFile{
		path:     path,
		f:        f,
		bitHint:  bitHint,
		writable: writable,
		size:     info.Size(),
		fileSize: info.Size(),
		windows:  make([]*window, 0, windowCacheSize),
	}, nil
}

func (m *MemoryFile) windowSize() int64 { return 1 << m.bitHint }

// Size returns the logical size in bytes. For read-only files the
// writer owns the logical size and publishes it through file length at
// commit, so readers re-stat on every call.
func (m *MemoryFile) Size() int64 {
	if !m.writable && m.f != nil && !m.closed {
		if info, err := m.f.Stat(); err == nil {
			m.size = info.Size()
			m.fileSize = info.Size()
		}
	}
	return m.size
}

// SetSize advances the logical size without writing. Used by chunk
// allocators that reserve regions before filling them.
func (m *MemoryFile) SetSize(n int64) { m.size = n }

// mapWindow returns the cached or freshly mapped window containing
// offset. Writers grow the file to the window end first so every mapped
// page is backed; readers map only up to the current physical size.
func (m *MemoryFile) mapWindow(offset int64, need int64) (*window, error) {
	if m.closed {
		return nil, ErrClosed
	}
	base := offset &^ (m.windowSize() - 1)
	end := offset + need

	// Commit trims the physical file to the logical size, which can land
	// inside a still-mapped window. Re-grow before any write so touched
	// pages are always file-backed.
	if m.writable && end > m.fileSize {
		if err := m.grow(base + m.windowSize()); err != nil {
			return nil, err
		}
	}

	for _, w := range m.windows {
		if w.base == base {
			if end-base <= int64(len(w.buf)) {
				m.stamp++
				w.used = m.stamp
				return w, nil
			}
			// Partial reader mapping that no longer covers the request:
			// the file has grown, remap.
			m.evict(w)
			break
		}
	}

	length := m.windowSize()
	if !m.writable {
		if end > m.fileSize {
			// The writer may have grown the file since open.
			info, err := m.f.Stat()
			if err != nil {
				return nil, ioErr("stat", m.path, err)
			}
			m.fileSize = info.Size()
		}
		if base+length > m.fileSize {
			length = m.fileSize - base
		}
		if length <= 0 || end > base+length {
			return nil, &MappingError{Path: m.path, Offset: base, Length: length, Err: unix.ENXIO}
		}
	}

	prot := unix.PROT_READ
	if m.writable {
		prot |= unix.PROT_WRITE
	}
	buf, err := unix.Mmap(int(m.f.Fd()), base, int(length), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, &MappingError{Path: m.path, Offset: base, Length: length, Err: err}
	}

	m.stamp++
	w := &window{base: base, buf: buf, used: m.stamp}
	if len(m.windows) >= windowCacheSize {
		oldest := 0
		for i, c := range m.windows {
			if c.used < m.windows[oldest].used {
				oldest = i
			}
		}
		m.unmap(m.windows[oldest])
		m.windows[oldest] = w
	} else {
		m.windows = append(m.windows, w)
	}
	return w, nil
}

// grow extends the physical file to at least n bytes, rounded up to a
// window multiple.
func (m *MemoryFile) grow(n int64) error {
	n = (n + m.windowSize() - 1) &^ (m.windowSize() - 1)
	if n <= m.fileSize {
		return nil
	}
	if err := unix.Ftruncate(int(m.f.Fd()), n); err != nil {
		return ioErr("grow", m.path, err)
	}
	m.fileSize = n
	return nil
}

func (m *MemoryFile) unmap(w *window) {
	if w.dirty {
		unix.Msync(w.buf, unix.MS_ASYNC)
	}
	unix.Munmap(w.buf)
}

func (m *MemoryFile) evict(w *window) {
	for i, c := range m.windows {
		if c == w {
			m.unmap(c)
			m.windows = append(m.windows[:i], m.windows[i+1:]...)
			return
		}
	}
}

// Buffer returns at least min contiguous bytes starting at offset, or
// ErrOutOfWindow when min cannot fit in the remainder of the window.
// The slice aliases the mapping and is invalidated by eviction,
// Truncate and Close. Writers receive a mutable slice and the window is
// marked dirty.
func (m *MemoryFile) Buffer(offset int64, min int) ([]byte, error) {
	if int64(min) > m.windowSize() {
		return nil, ErrOutOfWindow
	}
	w, err := m.mapWindow(offset, int64(min))
	if err != nil {
		return nil, err
	}
	off := offset - w.base
	if off+int64(min) > int64(len(w.buf)) {
		return nil, ErrOutOfWindow
	}
	if m.writable {
		w.dirty = true
	}
	return w.buf[off:], nil
}

// WriteAt copies p into the file at offset, crossing window boundaries
// as needed. Does not move the logical size.
func (m *MemoryFile) WriteAt(p []byte, offset int64) error {
	for len(p) > 0 {
		w, err := m.mapWindow(offset, 1)
		if err != nil {
			return err
		}
		w.dirty = true
		n := copy(w.buf[offset-w.base:], p)
		p = p[n:]
		offset += int64(n)
	}
	return nil
}

// ReadAt fills p from the file at offset, crossing window boundaries.
func (m *MemoryFile) ReadAt(p []byte, offset int64) error {
	for len(p) > 0 {
		w, err := m.mapWindow(offset, 1)
		if err != nil {
			return err
		}
		n := copy(p, w.buf[offset-w.base:])
		if n == 0 {
			return ioErr("read", m.path, unix.ENXIO)
		}
		p = p[n:]
		offset += int64(n)
	}
	return nil
}

// Append copies p at the logical end of the file and advances the
// logical size. Returns the offset the data landed at.
func (m *MemoryFile) Append(p []byte) (int64, error) {
	off := m.size
	if err := m.WriteAt(p, off); err != nil {
		return 0, err
	}
	m.size += int64(len(p))
	return off, nil
}

// Commit flushes dirty windows with an asynchronous msync and trims the
// physical file back to the logical size, so that committed files carry
// exact sizes on disk. It does not force an fsync.
func (m *MemoryFile) Commit() error {
	for _, w := range m.windows {
		if w.dirty {
			if err := unix.Msync(w.buf, unix.MS_ASYNC); err != nil {
				return ioErr("msync", m.path, err)
			}
			w.dirty = false
		}
	}
	if m.writable && m.fileSize != m.size {
		if err := unix.Ftruncate(int(m.f.Fd()), m.size); err != nil {
			return ioErr("trim", m.path, err)
		}
		m.fileSize = m.size
	}
	return nil
}

// Force flushes dirty windows synchronously and fsyncs the file.
func (m *MemoryFile) Force() error {
	for _, w := range m.windows {
		if w.dirty {
			if err := unix.Msync(w.buf, unix.MS_SYNC); err != nil {
				return ioErr("msync", m.path, err)
			}
			w.dirty = false
		}
	}
	if err := m.f.Sync(); err != nil {
		return ioErr("fsync", m.path, err)
	}
	return nil
}

// Truncate shrinks the logical and physical size to n and unmaps every
// window past the new end.
func (m *MemoryFile) Truncate(n int64) error {
	if n < 0 {
		n = 0
	}
	for i := 0; i < len(m.windows); {
		if m.windows[i].base >= n {
			m.unmap(m.windows[i])
			m.windows = append(m.windows[:i], m.windows[i+1:]...)
			continue
		}
		i++
	}
	if m.writable {
		if err := unix.Ftruncate(int(m.f.Fd()), n); err != nil {
			return ioErr("truncate", m.path, err)
		}
		m.fileSize = n
	}
	m.size = n
	return nil
}

// Compact drops every cached window, releasing mapped memory without
// touching the data.
func (m *MemoryFile) Compact() {
	for _, w := range m.windows {
		m.unmap(w)
	}
	m.windows = m.windows[:0]
}

// Close unmaps all windows and closes the handle. Writable files are
// trimmed to their logical size first.
func (m *MemoryFile) Close() error {
	if m.closed {
		return nil
	}
	m.Compact()
	if m.writable && m.fileSize != m.size {
		unix.Ftruncate(int(m.f.Fd()), m.size)
	}
	m.closed = true
	if err := m.f.Close(); err != nil {
		return ioErr("close", m.path, err)
	}
	return nil
}

// bitHintFor sizes a mapping window for avgSize bytes per record across
// recordHint records, rounded up to a power of two within bounds.
func bitHintFor(avgSize, recordHint int) uint {
	need := int64(avgSize) * int64(recordHint)
	bits := uint(minBitHint)
	for bits < maxBitHint && (int64(1)<<bits) < need {
		bits++
	}
	return bits
}
