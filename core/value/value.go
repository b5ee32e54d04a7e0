// Package value holds the scalar key kinds that can be stored in an index,
// together with the total order used to compare them.
package value

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Kind is the type tag written in front of every serialized key.
type Kind byte

const (
	KindMinValue Kind = 0
	KindNull     Kind = 1
	KindInt32    Kind = 2
	KindInt64    Kind = 3
	KindDouble   Kind = 4
	KindString   Kind = 6
	KindBinary   Kind = 9
	KindGuid     Kind = 11
	KindBoolean  Kind = 12
	KindDateTime Kind = 13
	KindMaxValue Kind = 14
)

func (k Kind) String() string {
	switch k {
	case KindMinValue:
		return "MinValue"
	case KindNull:
		return "Null"
	case KindInt32:
		return "Int32"
	case KindInt64:
		return "Int64"
	case KindDouble:
		return "Double"
	case KindString:
		return "String"
	case KindBinary:
		return "Binary"
	case KindGuid:
		return "Guid"
	case KindBoolean:
		return "Boolean"
	case KindDateTime:
		return "DateTime"
	case KindMaxValue:
		return "MaxValue"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindMinValue, KindNull, KindInt32, KindInt64, KindDouble, KindString,
		KindBinary, KindGuid, KindBoolean, KindDateTime, KindMaxValue:
		return true
	}
	return false
}

// rank groups kinds for cross-kind comparison. All numbers share one rank.
func (k Kind) rank() int {
	switch k {
	case KindMinValue:
		return 0
	case KindNull:
		return 1
	case KindInt32, KindInt64, KindDouble:
		return 2
	case KindString:
		return 3
	case KindBinary:
		return 4
	case KindGuid:
		return 5
	case KindBoolean:
		return 6
	case KindDateTime:
		return 7
	default:
		return 8
	}
}

// Value is an immutable index key. The zero Value is MinValue.
type Value struct {
	kind Kind
	num  int64
	dbl  float64
	str  string
	raw  []byte
}

func MinValue() Value        { return Value{kind: KindMinValue} }
func MaxValue() Value        { return Value{kind: KindMaxValue} }
func Null() Value            { return Value{kind: KindNull} }
func Int32(v int32) Value    { return Value{kind: KindInt32, num: int64(v)} }
func Int64(v int64) Value    { return Value{kind: KindInt64, num: v} }
func Double(v float64) Value { return Value{kind: KindDouble, dbl: v} }
func String(v string) Value  { return Value{kind: KindString, str: v} }

func Boolean(v bool) Value {
	if v {
		return Value{kind: KindBoolean, num: 1}
	}
	return Value{kind: KindBoolean}
}

// Binary copies b.
func Binary(b []byte) Value {
	return Value{kind: KindBinary, raw: bytes.Clone(b)}
}

func Guid(g uuid.UUID) Value {
	return Value{kind: KindGuid, raw: g[:]}
}

// DateTime keeps microsecond precision in UTC.
func DateTime(t time.Time) Value {
	return Value{kind: KindDateTime, num: t.UTC().UnixMicro()}
}

func (v Value) Kind() Kind        { return v.kind }
func (v Value) IsMinValue() bool  { return v.kind == KindMinValue }
func (v Value) IsMaxValue() bool  { return v.kind == KindMaxValue }
func (v Value) IsNull() bool      { return v.kind == KindNull }
func (v Value) IsNumber() bool    { return v.kind.rank() == 2 }
func (v Value) AsString() string  { return v.str }
func (v Value) AsBinary() []byte  { return v.raw }
func (v Value) AsBool() bool      { return v.num != 0 }
func (v Value) AsTime() time.Time { return time.UnixMicro(v.num).UTC() }

// AsGuid returns uuid.Nil for non-guid kinds.
func (v Value) AsGuid() uuid.UUID {
	g, _ := uuid.FromBytes(v.raw)
	return g
}

// AsInt64 converts any numeric kind.
func (v Value) AsInt64() int64 {
	if v.kind == KindDouble {
		return int64(v.dbl)
	}
	return v.num
}

// AsDouble converts any numeric kind.
func (v Value) AsDouble() float64 {
	if v.kind == KindDouble {
		return v.dbl
	}
	return float64(v.num)
}

// Equal compares with the binary collation.
func (v Value) Equal(o Value) bool {
	return v.Compare(o, nil) == 0
}

// Compare returns -1, 0 or 1. Values of different kinds are ordered by kind
// rank; numbers of different kinds compare numerically. A nil collation
// compares strings byte-wise.
func (v Value) Compare(o Value, c *Collation) int {
	if v.kind != o.kind {
		rv, ro := v.kind.rank(), o.kind.rank()
		if rv != ro {
			return cmpInt(rv, ro)
		}
		if v.kind == KindDouble || o.kind == KindDouble {
			return cmpFloat(v.AsDouble(), o.AsDouble())
		}
		return cmpInt64(v.num, o.num)
	}

	switch v.kind {
	case KindMinValue, KindMaxValue, KindNull:
		return 0
	case KindInt32, KindInt64, KindBoolean, KindDateTime:
		return cmpInt64(v.num, o.num)
	case KindDouble:
		return cmpFloat(v.dbl, o.dbl)
	case KindString:
		if c == nil {
			return cmpString(v.str, o.str)
		}
		return c.Compare(v.str, o.str)
	case KindBinary, KindGuid:
		return bytes.Compare(v.raw, o.raw)
	}
	return 0
}

func (v Value) String() string {
	switch v.kind {
	case KindMinValue:
		return "$minValue"
	case KindMaxValue:
		return "$maxValue"
	case KindNull:
		return "null"
	case KindInt32, KindInt64:
		return strconv.FormatInt(v.num, 10)
	case KindDouble:
		return strconv.FormatFloat(v.dbl, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.str)
	case KindBinary:
		return "0x" + hex.EncodeToString(v.raw)
	case KindGuid:
		return v.AsGuid().String()
	case KindBoolean:
		return strconv.FormatBool(v.AsBool())
	case KindDateTime:
		return v.AsTime().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("<%s>", v.kind)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// cmpFloat orders NaN below every other number.
func cmpFloat(a, b float64) int {
	an, bn := math.IsNaN(a), math.IsNaN(b)
	switch {
	case an && bn:
		return 0
	case an:
		return -1
	case bn:
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
