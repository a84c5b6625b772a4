// Record: the typed row value the append and read paths move through.
//
// A Record is schema-bound: slot i carries the value for column i as a
// small tagged union. Symbols travel as strings and are resolved
// against the journal dictionary inside the partition, so hosts never
// see raw symbol keys. The RecordCodec interface lets hosts map their
// own types onto Records without the engine knowing their layout.
package strata

import (
	"fmt"
	"math"
)

// intNull is the INT null sentinel. It round-trips bit-exactly as an
// int, surfaces as NaN through floating point accessors and as the
// minimum int64 through Long.
const intNull = int32(math.MinInt32)

type fieldValue struct {
	num  int64 // bool/byte/short/int/long/date/symbol key source value
	fp   float64
	str  string
	bin  []byte
	null bool
}

// Record is one row's worth of typed values, bound to a schema.
type Record struct {
	m    *JournalMetadata
	vals []fieldValue
}

// NewRecord allocates a record for the journal schema.
func NewRecord(m *JournalMetadata) *Record {
	return &Record{m: m, vals: make([]fieldValue, len(m.Columns))}
}

// Clear resets every field to its zero value.
func (r *Record) Clear() {
	for i := range r.vals {
		r.vals[i] = fieldValue{}
	}
}

func (r *Record) check(i int, want ...ColumnType) ColumnType {
	t := r.m.Columns[i].Type
	for _, w := range want {
		if t == w {
			return t
		}
	}
	panic(fmt.Sprintf("column %s is %s, not %s", r.m.Columns[i].Name, t, want[0]))
}

// SetBool stores a BOOL value.
func (r *Record) SetBool(i int, v bool) {
	r.check(i, TypeBool)
	n := int64(0)
	if v {
		n = 1
	}
	r.vals[i] = fieldValue{num: n}
}

func (r *Record) SetByte(i int, v byte) {
	r.check(i, TypeByte)
	r.vals[i] = fieldValue{num: int64(v)}
}

func (r *Record) SetShort(i int, v int16) {
	r.check(i, TypeShort)
	r.vals[i] = fieldValue{num: int64(v)}
}

func (r *Record) SetInt(i int, v int32) {
	r.check(i, TypeInt)
	r.vals[i] = fieldValue{num: int64(v)}
}

func (r *Record) SetLong(i int, v int64) {
	r.check(i, TypeLong)
	r.vals[i] = fieldValue{num: v}
}

// SetDate stores epoch milliseconds.
func (r *Record) SetDate(i int, ms int64) {
	r.check(i, TypeDate)
	r.vals[i] = fieldValue{num: ms}
}

func (r *Record) SetFloat(i int, v float32) {
	r.check(i, TypeFloat)
	r.vals[i] = fieldValue{fp: float64(v)}
}

func (r *Record) SetDouble(i int, v float64) {
	r.check(i, TypeDouble)
	r.vals[i] = fieldValue{fp: v}
}

func (r *Record) SetStr(i int, s string) {
	r.check(i, TypeString)
	r.vals[i] = fieldValue{str: s}
}

func (r *Record) SetSym(i int, s string) {
	r.check(i, TypeSymbol)
	r.vals[i] = fieldValue{str: s}
}

func (r *Record) SetBin(i int, b []byte) {
	r.check(i, TypeBinary)
	r.vals[i] = fieldValue{bin: b}
}

// SetNull stores a null in any nullable slot (STRING, BINARY, SYMBOL,
// INT).
func (r *Record) SetNull(i int) {
	t := r.m.Columns[i].Type
	switch t {
	case TypeString, TypeBinary, TypeSymbol:
		r.vals[i] = fieldValue{null: true}
	case TypeInt:
		r.vals[i] = fieldValue{num: int64(intNull), null: true}
	default:
		panic(fmt.Sprintf("column %s of type %s is not nullable", r.m.Columns[i].Name, t))
	}
}

// IsNull reports whether slot i holds a null.
func (r *Record) IsNull(i int) bool { return r.vals[i].null }

func (r *Record) Bool(i int) bool { r.check(i, TypeBool); return r.vals[i].num != 0 }

func (r *Record) Byte(i int) byte { r.check(i, TypeByte); return byte(r.vals[i].num) }

func (r *Record) Short(i int) int16 { r.check(i, TypeShort); return int16(r.vals[i].num) }

func (r *Record) Int(i int) int32 { r.check(i, TypeInt); return int32(r.vals[i].num) }

// Long reads an integral slot widened to int64. An INT null surfaces as
// the minimum int64.
func (r *Record) Long(i int) int64 {
	t := r.check(i, TypeLong, TypeInt, TypeDate, TypeShort, TypeByte)
	if t == TypeInt && int32(r.vals[i].num) == intNull {
		return math.MinInt64
	}
	return r.vals[i].num
}

func (r *Record) Date(i int) int64 { r.check(i, TypeDate); return r.vals[i].num }

func (r *Record) Float(i int) float32 { r.check(i, TypeFloat); return float32(r.vals[i].fp) }

// Double reads a floating slot. An INT null surfaces as NaN.
func (r *Record) Double(i int) float64 {
	t := r.check(i, TypeDouble, TypeFloat, TypeInt)
	if t == TypeInt {
		if int32(r.vals[i].num) == intNull {
			return math.NaN()
		}
		return float64(r.vals[i].num)
	}
	return r.vals[i].fp
}

func (r *Record) Str(i int) string { r.check(i, TypeString); return r.vals[i].str }

func (r *Record) Sym(i int) string { r.check(i, TypeSymbol); return r.vals[i].str }

func (r *Record) Bin(i int) []byte { r.check(i, TypeBinary); return r.vals[i].bin }

// timestamp returns the row's timestamp in epoch millis, or false when
// the schema carries none.
func (r *Record) timestamp() (int64, bool) {
	if r.m.TimestampIndex < 0 {
		return 0, false
	}
	return r.vals[r.m.TimestampIndex].num, true
}

// RecordCodec copies between host values and engine records. The column
// layer is codec-agnostic: implementations may be generated, reflective
// or hand-written, the engine only ever sees Records.
type RecordCodec interface {
	// Encode fills rec from src before an append.
	Encode(src any, rec *Record) error
	// Decode fills dst from rec after a read.
	Decode(rec *Record, dst any) error
}
