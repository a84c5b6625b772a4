// Package strata is an embedded, append-optimized, columnar time-series
// storage engine.
//
// A journal stores fixed-schema records into time-range partitions, each
// partition holding one memory-mapped file per column. Low-cardinality
// string columns share a journal-level symbol dictionary, and indexed
// columns maintain an append-only key to row-id inverted index. A single
// writer publishes visibility through an append-only transaction log that
// any number of readers poll without blocking the writer.
package strata

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by engine operations. Recoverable conditions
// (rollback territory) and fatal ones (reopen territory) are distinct
// values so callers can branch with errors.Is.
var (
	// ErrConfig is returned for invalid schemas: duplicate columns, bad
	// hints, missing timestamp column type, fingerprint mismatch.
	ErrConfig = errors.New("invalid journal configuration")

	// ErrStorageIO is returned when an underlying read, write or map
	// call fails. The affected partition must be closed.
	ErrStorageIO = errors.New("storage i/o failure")

	// ErrIndexKeyOutOfRange is returned when an index key falls outside
	// [0, keySpace). The current append is rolled back.
	ErrIndexKeyOutOfRange = errors.New("index key out of range")

	// ErrTxCorruption is returned for a transaction record with a bad
	// CRC or truncated tail. Readers ignore the tail; a writer truncates
	// back to the previous good record.
	ErrTxCorruption = errors.New("corrupt transaction record")

	// ErrTimestampOutOfOrder is returned when an appended timestamp
	// precedes the last seen timestamp and no lag window is configured.
	ErrTimestampOutOfOrder = errors.New("timestamp out of order")

	// ErrClosed is returned when operating on a closed journal,
	// partition or column.
	ErrClosed = errors.New("closed")

	// ErrConcurrentWriter is returned when a second writer attempts to
	// acquire the journal lock.
	ErrConcurrentWriter = errors.New("journal already locked by a writer")

	// ErrDegraded is returned after a failed commit. No further writes
	// are accepted until the journal is reopened.
	ErrDegraded = errors.New("journal degraded by failed commit")

	// ErrOutOfWindow is returned when a contiguous buffer request
	// exceeds the mapping window size.
	ErrOutOfWindow = errors.New("request exceeds mapping window")

	// ErrStaleFlyweight is returned when a borrowed string or blob view
	// is read after a write or remap invalidated its buffer.
	ErrStaleFlyweight = errors.New("flyweight invalidated by column write")

	// ErrSymbolNotFound is returned when resolving a key the symbol
	// table has not published.
	ErrSymbolNotFound = errors.New("symbol key not found")

	// ErrUnsortedBatch is returned by MergeAppend when the supplied
	// batch is not in timestamp order.
	ErrUnsortedBatch = errors.New("merge batch not sorted by timestamp")
)

// MappingError reports a failed mmap of a column window. It carries the
// OS error in Err and enough position detail to identify the window,
// and unwraps to ErrStorageIO.
type MappingError struct {
	Path   string
	Offset int64
	Length int64
	Err    error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("mapping %s at %d+%d: %v", e.Path, e.Offset, e.Length, e.Err)
}

func (e *MappingError) Unwrap() error { return ErrStorageIO }

// ioErr wraps an OS-level failure so that errors.Is(err, ErrStorageIO)
// holds at every API boundary.
func ioErr(op string, path string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrStorageIO, op, path, err)
}
