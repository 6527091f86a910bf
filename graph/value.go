package graph

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/sombra/sombra/errs"
)

// ValueKind tags the dynamic property sum type (spec.md §9 "Dynamic
// property values"). Grounded on the teacher's storage.FieldType, with
// Document/Array dropped (graphs hold typed scalars per property, not
// nested documents) and DateTime added.
type ValueKind byte

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindStr
	KindBytes
	KindDateTime
)

// Value is a single dynamic property value. Exactly one of the typed
// fields is meaningful, selected by Kind.
type Value struct {
	Kind  ValueKind
	Bool  bool
	Int   int64
	Float float64
	Str   string
	Bytes []byte
	Time  time.Time
}

func NullValue() Value               { return Value{Kind: KindNull} }
func BoolValue(b bool) Value         { return Value{Kind: KindBool, Bool: b} }
func IntValue(v int64) Value         { return Value{Kind: KindInt, Int: v} }
func FloatValue(v float64) Value     { return Value{Kind: KindFloat, Float: v} }
func StrValue(s string) Value        { return Value{Kind: KindStr, Str: s} }
func BytesValue(b []byte) Value      { return Value{Kind: KindBytes, Bytes: b} }
func DateTimeValue(t time.Time) Value { return Value{Kind: KindDateTime, Time: t} }

// encodeValue writes the type tag followed by the value's bytes.
func encodeValue(v Value) []byte {
	switch v.Kind {
	case KindNull:
		return []byte{byte(KindNull)}
	case KindBool:
		b := byte(0)
		if v.Bool {
			b = 1
		}
		return []byte{byte(KindBool), b}
	case KindInt:
		buf := make([]byte, 9)
		buf[0] = byte(KindInt)
		binary.BigEndian.PutUint64(buf[1:], uint64(v.Int))
		return buf
	case KindFloat:
		buf := make([]byte, 9)
		buf[0] = byte(KindFloat)
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(v.Float))
		return buf
	case KindStr:
		s := []byte(v.Str)
		buf := make([]byte, 1+4+len(s))
		buf[0] = byte(KindStr)
		binary.BigEndian.PutUint32(buf[1:5], uint32(len(s)))
		copy(buf[5:], s)
		return buf
	case KindBytes:
		buf := make([]byte, 1+4+len(v.Bytes))
		buf[0] = byte(KindBytes)
		binary.BigEndian.PutUint32(buf[1:5], uint32(len(v.Bytes)))
		copy(buf[5:], v.Bytes)
		return buf
	case KindDateTime:
		buf := make([]byte, 9)
		buf[0] = byte(KindDateTime)
		binary.BigEndian.PutUint64(buf[1:], uint64(v.Time.UnixNano()))
		return buf
	default:
		return []byte{byte(KindNull)}
	}
}

// decodeValue reads one tagged value, returning the number of bytes
// consumed.
func decodeValue(b []byte) (Value, int, error) {
	if len(b) < 1 {
		return Value{}, 0, errs.New("graph.decodeValue", errs.Corruption, nil)
	}
	switch ValueKind(b[0]) {
	case KindNull:
		return Value{Kind: KindNull}, 1, nil
	case KindBool:
		if len(b) < 2 {
			return Value{}, 0, errs.New("graph.decodeValue", errs.Corruption, nil)
		}
		return Value{Kind: KindBool, Bool: b[1] != 0}, 2, nil
	case KindInt:
		if len(b) < 9 {
			return Value{}, 0, errs.New("graph.decodeValue", errs.Corruption, nil)
		}
		return Value{Kind: KindInt, Int: int64(binary.BigEndian.Uint64(b[1:9]))}, 9, nil
	case KindFloat:
		if len(b) < 9 {
			return Value{}, 0, errs.New("graph.decodeValue", errs.Corruption, nil)
		}
		return Value{Kind: KindFloat, Float: math.Float64frombits(binary.BigEndian.Uint64(b[1:9]))}, 9, nil
	case KindStr:
		if len(b) < 5 {
			return Value{}, 0, errs.New("graph.decodeValue", errs.Corruption, nil)
		}
		n := int(binary.BigEndian.Uint32(b[1:5]))
		if len(b) < 5+n {
			return Value{}, 0, errs.New("graph.decodeValue", errs.Corruption, nil)
		}
		return Value{Kind: KindStr, Str: string(b[5 : 5+n])}, 5 + n, nil
	case KindBytes:
		if len(b) < 5 {
			return Value{}, 0, errs.New("graph.decodeValue", errs.Corruption, nil)
		}
		n := int(binary.BigEndian.Uint32(b[1:5]))
		if len(b) < 5+n {
			return Value{}, 0, errs.New("graph.decodeValue", errs.Corruption, nil)
		}
		out := append([]byte(nil), b[5:5+n]...)
		return Value{Kind: KindBytes, Bytes: out}, 5 + n, nil
	case KindDateTime:
		if len(b) < 9 {
			return Value{}, 0, errs.New("graph.decodeValue", errs.Corruption, nil)
		}
		ns := int64(binary.BigEndian.Uint64(b[1:9]))
		return Value{Kind: KindDateTime, Time: time.Unix(0, ns).UTC()}, 9, nil
	default:
		return Value{}, 0, errs.New("graph.decodeValue", errs.Corruption, nil)
	}
}

// PropOpKind tags a single PropPatch entry.
type PropOpKind byte

const (
	PropSet PropOpKind = iota
	PropDelete
)

// PropOp is one element of a PropPatch (spec.md §6 "update_node").
type PropOp struct {
	Kind   PropOpKind
	PropID uint32
	Value  Value
}

// SetOp builds a Set PropOp.
func SetOp(propID uint32, v Value) PropOp { return PropOp{Kind: PropSet, PropID: propID, Value: v} }

// DeleteOp builds a Delete PropOp.
func DeleteOp(propID uint32) PropOp { return PropOp{Kind: PropDelete, PropID: propID} }

// PropPatch is an ordered sequence of property operations applied
// atomically by UpdateNode/UpdateEdge.
type PropPatch []PropOp
