package btree

import (
	"encoding/binary"
	"math"
)

// The codecs below turn typed values into byte strings whose
// lexicographic (bytes.Compare) order matches the values' natural
// order, so the generic tree can stay opaque to what it's indexing
// (spec.md §4.2 "order-preserving key codecs").

// EncodeUint64 is already order-preserving in big-endian form.
func EncodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func DecodeUint64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

// EncodeInt64 flips the sign bit so two's-complement negative numbers
// sort before positive ones in unsigned big-endian byte order.
func EncodeInt64(v int64) []byte {
	u := uint64(v) ^ (1 << 63)
	return EncodeUint64(u)
}

func DecodeInt64(b []byte) int64 {
	u := binary.BigEndian.Uint64(b)
	return int64(u ^ (1 << 63))
}

// EncodeFloat64 maps IEEE-754 bit patterns onto an order-preserving
// unsigned space: flip the sign bit for non-negative numbers, and
// invert every bit for negative numbers (so larger magnitude negatives
// sort lower).
func EncodeFloat64(v float64) []byte {
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	return EncodeUint64(bits)
}

func DecodeFloat64(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

// EncodeString returns the key bytes for a string-valued index: a
// big-endian u32 length prefix followed by the UTF-8 bytes (spec.md
// §4.2), so a string component can sit unambiguously inside a
// composite key next to other encoded fields. Note this means
// range-ordering across strings of different lengths is by length
// first, not pure lexicographic order; the dictionary and property
// indexes only rely on this for equality lookups and same-length
// range scans.
func EncodeString(s string) []byte {
	b := make([]byte, 4+len(s))
	binary.BigEndian.PutUint32(b[0:4], uint32(len(s)))
	copy(b[4:], s)
	return b
}

// DecodeString reverses EncodeString.
func DecodeString(b []byte) string {
	n := binary.BigEndian.Uint32(b[0:4])
	return string(b[4 : 4+n])
}

// Concat builds a composite key from fixed-width parts (e.g. the
// forward-adjacency key src||type||dst||edge). Parts must each be
// fixed-width for the concatenation to preserve ordering correctly;
// a variable-width part (such as a string) may only appear last.
func Concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
