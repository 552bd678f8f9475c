package value

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var (
	ErrBadType  = errors.New("value: unknown physical type")
	ErrShort    = errors.New("value: truncated encoding")
	ErrTrailing = errors.New("value: trailing bytes after encoding")
)

// EncodedLen is the number of bytes AppendValue will add for v.
func EncodedLen(v Value) int {
	if v.typ == String {
		return 4 + len(v.s)
	}
	return 8
}

// AppendValue appends [type:u32][payload] to dst, big-endian.
// Object values go out as their Uint32 id. Undef, Any and
// List have no encoding and are sent as Uint32 zero.
func AppendValue(dst []byte, v Value) []byte {
	switch v.typ {
	case String:
		dst = binary.BigEndian.AppendUint32(dst, uint32(String))
		return append(dst, v.s...)
	case Int32:
		dst = binary.BigEndian.AppendUint32(dst, uint32(Int32))
		return binary.BigEndian.AppendUint32(dst, uint32(v.i))
	case Uint32:
		dst = binary.BigEndian.AppendUint32(dst, uint32(Uint32))
		return binary.BigEndian.AppendUint32(dst, v.u)
	case Object:
		dst = binary.BigEndian.AppendUint32(dst, uint32(Uint32))
		return binary.BigEndian.AppendUint32(dst, objectID(v.obj))
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(Uint32))
	return binary.BigEndian.AppendUint32(dst, 0)
}

func EncodeValue(v Value) []byte {
	return AppendValue(make([]byte, 0, EncodedLen(v)), v)
}

// DecodeValue reverses EncodeValue. b must hold exactly one value.
func DecodeValue(b []byte) (v Value, err error) {
	if len(b) < 4 {
		return v, ErrShort
	}
	typ := Type(binary.BigEndian.Uint32(b))
	payload := b[4:]
	switch typ {
	case String:
		return NewBytes(payload), nil
	case Uint32, Int32:
		if len(payload) < 4 {
			return v, ErrShort
		}
		if len(payload) > 4 {
			return v, ErrTrailing
		}
		n := binary.BigEndian.Uint32(payload)
		if typ == Int32 {
			return NewInt32(int32(n)), nil
		}
		return NewUint32(n), nil
	}
	return v, errors.Wrapf(ErrBadType, "tag %v", uint32(typ))
}

// AppendTuple appends [count:u32] then [len:u32][value] per element.
func AppendTuple(dst []byte, t *Tuple) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(t.Len()))
	for i := 0; i < t.Len(); i++ {
		v := t.vals[i]
		dst = binary.BigEndian.AppendUint32(dst, uint32(EncodedLen(v)))
		dst = AppendValue(dst, v)
	}
	return dst
}

func EncodeTuple(t *Tuple) []byte {
	return AppendTuple(nil, t)
}

// TupleLen is the encoded size of t.
func TupleLen(t *Tuple) (n int) {
	n = 4
	for i := 0; i < t.Len(); i++ {
		n += 4 + EncodedLen(t.vals[i])
	}
	return
}

// DecodeTuple reverses EncodeTuple; b must hold exactly one tuple.
func DecodeTuple(b []byte) (*Tuple, error) {
	t, rest, err := ReadTuple(b)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, ErrTrailing
	}
	return t, nil
}

// ReadTuple decodes one tuple from the front of b and returns
// what follows it.
func ReadTuple(b []byte) (t *Tuple, rest []byte, err error) {
	if len(b) < 4 {
		return nil, b, ErrShort
	}
	count := binary.BigEndian.Uint32(b)
	b = b[4:]
	// each value needs at least 8 bytes; refuse absurd counts
	// before allocating.
	if uint64(count)*8 > uint64(len(b)) {
		return nil, b, errors.Wrapf(ErrShort, "count %v with %v bytes left", count, len(b))
	}
	t = NewTuple(int(count))
	for i := 0; i < int(count); i++ {
		if len(b) < 4 {
			return nil, b, ErrShort
		}
		vlen := binary.BigEndian.Uint32(b)
		b = b[4:]
		if uint64(vlen) > uint64(len(b)) {
			return nil, b, errors.Wrapf(ErrShort, "value %v claims %v bytes, %v left", i, vlen, len(b))
		}
		v, err := DecodeValue(b[:vlen])
		if err != nil {
			return nil, b, errors.Wrapf(err, "value %v", i)
		}
		t.vals[i] = v
		b = b[vlen:]
	}
	return t, b, nil
}
