// Package value holds the typed units (Value) and argument
// lists (Tuple) that every wsys method call carries, their
// binary encoding, the casting matrix, and the overload
// resolution used to pick a method signature.
package value

import (
	"fmt"
	"strconv"
	"unicode/utf8"

	cristalbase64 "github.com/cristalhq/base64"
)

// Type is the tag of a Value. Only String, Uint32 and Int32
// ever appear on the wire; Object is a local reference, and
// Any and List are only used in method signatures.
type Type uint32

const (
	Undef  Type = 0
	String Type = 1
	Uint32 Type = 2
	Int32  Type = 3

	// API-only
	Object Type = 4
	Any    Type = 5
	List   Type = 6
)

func (t Type) String() string {
	switch t {
	case Undef:
		return "undef"
	case String:
		return "string"
	case Uint32:
		return "uint32"
	case Int32:
		return "int32"
	case Object:
		return "object"
	case Any:
		return "any"
	case List:
		return "list"
	}
	return fmt.Sprintf("Type(%v)", uint32(t))
}

// physical reports whether t may appear on the wire.
func (t Type) physical() bool {
	return t == String || t == Uint32 || t == Int32
}

// ObjectRef is the local handle an Object Value carries.
// The registry's *Object satisfies it.
type ObjectRef interface {
	ObjectID() uint32
}

// ObjectTable resolves ids back into live objects when a
// Uint32 is cast to Object.
type ObjectTable interface {
	LookupObject(id uint32) (ObjectRef, bool)
}

// Value is a tagged union. The zero Value is Undef.
// A String Value owns its bytes: constructors copy, and
// anyone retaining a Value they did not create must Clone it.
type Value struct {
	typ Type
	u   uint32
	i   int32
	s   []byte
	obj ObjectRef
}

func NewUint32(u uint32) Value { return Value{typ: Uint32, u: u} }
func NewInt32(i int32) Value   { return Value{typ: Int32, i: i} }

// NewString copies s.
func NewString(s string) Value {
	return Value{typ: String, s: []byte(s)}
}

// NewBytes copies b, which may contain zero bytes.
func NewBytes(b []byte) Value {
	return Value{typ: String, s: append([]byte{}, b...)}
}

// NewObject wraps a local reference; o may be nil for the null object.
func NewObject(o ObjectRef) Value {
	return Value{typ: Object, obj: o}
}

func (v Value) Type() Type     { return v.typ }
func (v Value) IsUndef() bool  { return v.typ == Undef }
func (v Value) Uint32() uint32 { return v.u }
func (v Value) Int32() int32   { return v.i }

// Str returns the string payload as a Go string (a copy).
func (v Value) Str() string { return string(v.s) }

// Bytes returns the owned buffer. Callers must not modify it.
func (v Value) Bytes() []byte { return v.s }

// Obj returns the referenced object, nil for the null object.
func (v Value) Obj() ObjectRef { return v.obj }

// Clone deep-copies v.
func (v Value) Clone() Value {
	c := v
	if v.s != nil {
		c.s = append([]byte{}, v.s...)
	}
	return c
}

// Equal compares type and payload. Object values compare
// by id.
func (v Value) Equal(w Value) bool {
	if v.typ != w.typ {
		return false
	}
	switch v.typ {
	case Uint32:
		return v.u == w.u
	case Int32:
		return v.i == w.i
	case String:
		return string(v.s) == string(w.s)
	case Object:
		return objectID(v.obj) == objectID(w.obj)
	}
	return true
}

func objectID(o ObjectRef) uint32 {
	if o == nil {
		return 0
	}
	return o.ObjectID()
}

func (v Value) String() string {
	switch v.typ {
	case Uint32:
		return strconv.FormatUint(uint64(v.u), 10)
	case Int32:
		return strconv.FormatInt(int64(v.i), 10)
	case String:
		if printable(v.s) {
			return strconv.Quote(string(v.s))
		}
		return "b64:" + cristalbase64.URLEncoding.EncodeToString(v.s)
	case Object:
		return fmt.Sprintf("object#%v", objectID(v.obj))
	}
	return v.typ.String()
}

func printable(b []byte) bool {
	if !utf8.Valid(b) {
		return false
	}
	for _, r := range string(b) {
		if r == 0 || (r < 0x20 && r != '\t' && r != '\n') {
			return false
		}
	}
	return true
}
