// Package wire implements the binary framing codec for the broker protocol:
// dynamically typed cells (Value), request records, and response records.
// Every frame produced here is meant to be handed to the ipc package as a
// single self-delimited message — this package never concatenates frames.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Kind tags the dynamic type carried by a Value.
type Kind byte

const (
	KindNull Kind = iota
	KindBool
	KindInt64
	KindUInt64
	KindFloat64
	KindString
	KindBytes
	KindDate
)

// dateLayout is the ISO-8601 layout used to encode/decode Date values.
const dateLayout = "2006-01-02T15:04:05Z07:00"

// Value is the dynamically typed cell exchanged between client and broker.
// Exactly one of the fields below is meaningful, selected by Kind.
type Value struct {
	Kind    Kind
	Bool    bool
	Int64   int64
	UInt64  uint64
	Float64 float64
	String  string
	Bytes   []byte
	Date    time.Time
}

// Null is the zero Value: Kind NULL carries no payload.
var Null = Value{Kind: KindNull}

func NewBool(b bool) Value       { return Value{Kind: KindBool, Bool: b} }
func NewInt64(i int64) Value     { return Value{Kind: KindInt64, Int64: i} }
func NewUInt64(u uint64) Value    { return Value{Kind: KindUInt64, UInt64: u} }
func NewFloat64(f float64) Value { return Value{Kind: KindFloat64, Float64: f} }
func NewString(s string) Value   { return Value{Kind: KindString, String: s} }
func NewBytes(b []byte) Value    { return Value{Kind: KindBytes, Bytes: b} }
func NewDate(t time.Time) Value  { return Value{Kind: KindDate, Date: t} }

// Equal implements the type-sensitive equality spec §4.6 requires for
// subscription-key comparisons: a numeric key and a string of the same
// digits are never equal.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return v.Bool == o.Bool
	case KindInt64:
		return v.Int64 == o.Int64
	case KindUInt64:
		return v.UInt64 == o.UInt64
	case KindFloat64:
		return v.Float64 == o.Float64
	case KindString:
		return v.String == o.String
	case KindBytes:
		return string(v.Bytes) == string(o.Bytes)
	case KindDate:
		return v.Date.Equal(o.Date)
	default:
		return false
	}
}

// encodeValue appends the wire encoding of v to buf and returns the result.
//
// Longer-than-32-bit integer Values are narrowed to 32 bits on encode and
// the overflow is clipped silently — this is a preserved legacy coercion
// from the system this protocol is modeled on, not a new design choice.
func encodeValue(buf []byte, v Value) []byte {
	buf = append(buf, byte(v.Kind))
	switch v.Kind {
	case KindNull:
		// tag only
	case KindBool:
		if v.Bool {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case KindInt64:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(int32(v.Int64)))
		buf = append(buf, b[:]...)
	case KindUInt64:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v.UInt64))
		buf = append(buf, b[:]...)
	case KindFloat64:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(v.Float64))
		buf = append(buf, b[:]...)
	case KindString:
		buf = appendLengthPrefixed(buf, []byte(v.String))
	case KindBytes:
		buf = appendLengthPrefixed(buf, v.Bytes)
	case KindDate:
		buf = appendLengthPrefixed(buf, []byte(v.Date.UTC().Format(dateLayout)))
	}
	return buf
}

func appendLengthPrefixed(buf, data []byte) []byte {
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], uint32(len(data)))
	buf = append(buf, lb[:]...)
	buf = append(buf, data...)
	return buf
}

// decodeValue reads one Value from the front of buf, returning the
// remaining, unconsumed bytes.
func decodeValue(buf []byte) (Value, []byte, error) {
	if len(buf) < 1 {
		return Value{}, nil, fmt.Errorf("wire: truncated value tag")
	}
	kind := Kind(buf[0])
	buf = buf[1:]

	switch kind {
	case KindNull:
		return Value{Kind: KindNull}, buf, nil
	case KindBool:
		if len(buf) < 1 {
			return Value{}, nil, fmt.Errorf("wire: truncated bool")
		}
		return Value{Kind: KindBool, Bool: buf[0] != 0}, buf[1:], nil
	case KindInt64:
		if len(buf) < 4 {
			return Value{}, nil, fmt.Errorf("wire: truncated int64")
		}
		n := int32(binary.LittleEndian.Uint32(buf[:4]))
		return Value{Kind: KindInt64, Int64: int64(n)}, buf[4:], nil
	case KindUInt64:
		if len(buf) < 4 {
			return Value{}, nil, fmt.Errorf("wire: truncated uint64")
		}
		n := binary.LittleEndian.Uint32(buf[:4])
		return Value{Kind: KindUInt64, UInt64: uint64(n)}, buf[4:], nil
	case KindFloat64:
		if len(buf) < 8 {
			return Value{}, nil, fmt.Errorf("wire: truncated float64")
		}
		bits := binary.LittleEndian.Uint64(buf[:8])
		return Value{Kind: KindFloat64, Float64: math.Float64frombits(bits)}, buf[8:], nil
	case KindString:
		s, rest, err := decodeLengthPrefixed(buf)
		if err != nil {
			return Value{}, nil, err
		}
		return Value{Kind: KindString, String: string(s)}, rest, nil
	case KindBytes:
		b, rest, err := decodeLengthPrefixed(buf)
		if err != nil {
			return Value{}, nil, err
		}
		return Value{Kind: KindBytes, Bytes: b}, rest, nil
	case KindDate:
		s, rest, err := decodeLengthPrefixed(buf)
		if err != nil {
			return Value{}, nil, err
		}
		t, err := time.Parse(dateLayout, string(s))
		if err != nil {
			return Value{}, nil, fmt.Errorf("wire: bad date %q: %w", s, err)
		}
		return Value{Kind: KindDate, Date: t}, rest, nil
	default:
		return Value{}, nil, fmt.Errorf("wire: unknown value tag %d", kind)
	}
}

func decodeLengthPrefixed(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("wire: truncated length prefix")
	}
	n := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint64(len(buf)) < uint64(n) {
		return nil, nil, fmt.Errorf("wire: truncated payload (want %d, have %d)", n, len(buf))
	}
	return buf[:n], buf[n:], nil
}
