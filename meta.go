// Journal schema: column metadata, validation and the _meta file.
//
// _meta is a JSON document carrying the ordered column list, partition
// type, hints and a blake2b fingerprint of the canonical schema. The
// fingerprint is verified on every open so a journal directory cannot
// be reopened under a drifted schema.
package strata

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/crypto/blake2b"
)

// ColumnType enumerates the supported storage types.
type ColumnType int

const (
	TypeBool ColumnType = iota + 1
	TypeByte
	TypeShort
	TypeInt
	TypeLong
	TypeFloat
	TypeDouble
	TypeDate // epoch millis, stored as LONG
	TypeString
	TypeBinary
	TypeSymbol // stored as INT key into the journal symbol table
)

var typeNames = map[ColumnType]string{
	TypeBool: "BOOL", TypeByte: "BYTE", TypeShort: "SHORT", TypeInt: "INT",
	TypeLong: "LONG", TypeFloat: "FLOAT", TypeDouble: "DOUBLE", TypeDate: "DATE",
	TypeString: "STRING", TypeBinary: "BINARY", TypeSymbol: "SYMBOL",
}

func (t ColumnType) String() string { return typeNames[t] }

// fixedWidth returns the on-disk byte width, or 0 for variable types.
func (t ColumnType) fixedWidth() int {
	switch t {
	case TypeBool, TypeByte:
		return 1
	case TypeShort:
		return 2
	case TypeInt, TypeFloat, TypeSymbol:
		return 4
	case TypeLong, TypeDouble, TypeDate:
		return 8
	}
	return 0
}

func (t ColumnType) variable() bool { return t == TypeString || t == TypeBinary }

// ColumnMetadata describes one schema column.
type ColumnMetadata struct {
	Name    string     `json:"name"`
	Type    ColumnType `json:"type"`
	AvgSize int        `json:"avgSize,omitempty"` // bytes per value hint, variable types
	BitHint uint       `json:"bitHint,omitempty"` // log2 of the data mapping window
	// IndexBitHint sizes the offsets-file window for variable types.
	IndexBitHint uint `json:"indexBitHint,omitempty"`
	Indexed      bool `json:"indexed,omitempty"`
	// DistinctCountHint sizes the KVIndex key space; must be a power of
	// two for SYMBOL and indexed columns.
	DistinctCountHint int `json:"distinctCountHint,omitempty"`
}

// PartitionType selects the time range covered by one partition.
type PartitionType int

const (
	PartitionNone PartitionType = iota
	PartitionDay
	PartitionMonth
	PartitionYear
)

// JournalMetadata describes a journal: its schema and tuning hints.
type JournalMetadata struct {
	Name           string           `json:"name"`
	Columns        []ColumnMetadata `json:"columns"`
	TimestampIndex int              `json:"timestampIndex"` // -1 if none
	PartitionBy    PartitionType    `json:"partitionBy"`
	RecordHint     int              `json:"recordHint,omitempty"`
	TxCountHint    int              `json:"txCountHint,omitempty"`
	OpenFileTTL    time.Duration    `json:"openFileTTL,omitempty"`
	// Lag admits out-of-order timestamps within the window via
	// MergeAppend.
	Lag time.Duration `json:"lag,omitempty"`
	// KeyColumn names a column whose values feed the uniqueness digest
	// published with every transaction.
	KeyColumn string `json:"keyColumn,omitempty"`

	Fingerprint string `json:"fingerprint,omitempty"`
}

const (
	defaultRecordHint = 1 << 16
	defaultAvgSize    = 12
)

// ColumnIndex returns the position of name, or -1.
func (m *JournalMetadata) ColumnIndex(name string) int {
	for i := range m.Columns {
		if m.Columns[i].Name == name {
			return i
		}
	}
	return -1
}

// validate normalizes hints and rejects broken schemas.
func (m *JournalMetadata) validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: empty journal name", ErrConfig)
	}
	if len(m.Columns) == 0 {
		return fmt.Errorf("%w: no columns", ErrConfig)
	}
	if m.RecordHint <= 0 {
		m.RecordHint = defaultRecordHint
	}
	seen := make(map[string]bool, len(m.Columns))
	for i := range m.Columns {
		c := &m.Columns[i]
		if c.Name == "" {
			return fmt.Errorf("%w: column %d has no name", ErrConfig, i)
		}
		if strings.ContainsAny(c.Name, "/\\. ") {
			return fmt.Errorf("%w: column name %q has path characters", ErrConfig, c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: duplicate column %q", ErrConfig, c.Name)
		}
		seen[c.Name] = true
		if typeNames[c.Type] == "" {
			return fmt.Errorf("%w: column %q has unknown type", ErrConfig, c.Name)
		}
		if c.AvgSize <= 0 {
			c.AvgSize = defaultAvgSize
		}
		if c.Type.variable() {
			if c.BitHint == 0 {
				c.BitHint = bitHintFor(c.AvgSize, m.RecordHint)
			}
			if c.IndexBitHint == 0 {
				c.IndexBitHint = bitHintFor(8, m.RecordHint)
			}
		} else if c.BitHint == 0 {
			c.BitHint = bitHintFor(c.Type.fixedWidth(), m.RecordHint)
		}
		needsKeySpace := c.Type == TypeSymbol || c.Indexed
		if needsKeySpace {
			if c.DistinctCountHint == 0 {
				return fmt.Errorf("%w: column %q needs distinctCountHint", ErrConfig, c.Name)
			}
			if !isPowerOfTwo(c.DistinctCountHint) {
				return fmt.Errorf("%w: distinctCountHint of %q is not a power of two", ErrConfig, c.Name)
			}
		}
		if c.Indexed && c.Type.variable() && c.Type != TypeString {
			return fmt.Errorf("%w: column %q of type %s cannot be indexed", ErrConfig, c.Name, c.Type)
		}
	}
	if m.TimestampIndex >= len(m.Columns) {
		return fmt.Errorf("%w: timestamp index out of range", ErrConfig)
	}
	if m.TimestampIndex >= 0 {
		t := m.Columns[m.TimestampIndex].Type
		if t != TypeDate && t != TypeLong {
			return fmt.Errorf("%w: timestamp column must be DATE or LONG", ErrConfig)
		}
	}
	if m.PartitionBy != PartitionNone && m.TimestampIndex < 0 {
		return fmt.Errorf("%w: partitioning requires a timestamp column", ErrConfig)
	}
	if m.Lag > 0 && m.TimestampIndex < 0 {
		return fmt.Errorf("%w: lag requires a timestamp column", ErrConfig)
	}
	if m.KeyColumn != "" && m.ColumnIndex(m.KeyColumn) < 0 {
		return fmt.Errorf("%w: key column %q not in schema", ErrConfig, m.KeyColumn)
	}
	return nil
}

// fingerprint digests the canonical column list. Hints are excluded:
// retuning a journal is not a schema change.
func (m *JournalMetadata) fingerprint() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d|%d|", m.PartitionBy, m.TimestampIndex)
	for i := range m.Columns {
		c := &m.Columns[i]
		fmt.Fprintf(&sb, "%s:%d:%t|", c.Name, c.Type, c.Indexed)
	}
	sum := blake2b.Sum256([]byte(sb.String()))
	return fmt.Sprintf("%016x", sum[:8])
}

const metaFile = "_meta"

// writeMeta persists the schema to dir/_meta.
func writeMeta(dir string, m *JournalMetadata) error {
	m.Fingerprint = m.fingerprint()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	path := filepath.Join(dir, metaFile)
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return ioErr("write", path, err)
	}
	return nil
}

// readMeta loads and verifies dir/_meta against the expected schema.
// When expect is nil the stored schema is used as-is.
func readMeta(dir string, expect *JournalMetadata) (*JournalMetadata, error) {
	path := filepath.Join(dir, metaFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ioErr("read", path, err)
	}
	var stored JournalMetadata
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("%w: corrupt _meta: %v", ErrConfig, err)
	}
	if err := stored.validate(); err != nil {
		return nil, err
	}
	if stored.Fingerprint != stored.fingerprint() {
		return nil, fmt.Errorf("%w: _meta fingerprint mismatch", ErrConfig)
	}
	if expect != nil && expect.fingerprint() != stored.fingerprint() {
		return nil, fmt.Errorf("%w: schema does not match journal at %s", ErrConfig, dir)
	}
	return &stored, nil
}
