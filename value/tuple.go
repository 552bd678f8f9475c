package value

import (
	"fmt"
	"strings"
)

// Tuple is an ordered, fixed-length list of Values. It is
// the argument list of every call and the result of every
// method. A Tuple with Err set turns any reply carrying it
// into an error reply.
type Tuple struct {
	vals []Value
	Err  bool
}

// NewTuple makes a Tuple of n Undef values.
func NewTuple(n int) *Tuple {
	return &Tuple{vals: make([]Value, n)}
}

// TupleOf copies vs into a new Tuple.
func TupleOf(vs ...Value) *Tuple {
	t := NewTuple(len(vs))
	for i, v := range vs {
		t.vals[i] = v.Clone()
	}
	return t
}

// ErrorTuple builds an error-flagged Tuple whose single
// element is the human readable reason.
func ErrorTuple(format string, a ...interface{}) *Tuple {
	t := TupleOf(NewString(fmt.Sprintf(format, a...)))
	t.Err = true
	return t
}

func (t *Tuple) Len() int {
	if t == nil {
		return 0
	}
	return len(t.vals)
}

// Get returns the i-th value, Undef when out of range.
func (t *Tuple) Get(i int) Value {
	if t == nil || i < 0 || i >= len(t.vals) {
		return Value{}
	}
	return t.vals[i]
}

// Set stores v at i. The Tuple takes ownership of v.
func (t *Tuple) Set(i int, v Value) {
	t.vals[i] = v
}

// Slice returns a new Tuple holding copies of values [from, Len).
func (t *Tuple) Slice(from int) *Tuple {
	if from > t.Len() {
		from = t.Len()
	}
	return TupleOf(t.vals[from:]...)
}

// Clone deep-copies t, including the Err flag.
func (t *Tuple) Clone() *Tuple {
	if t == nil {
		return nil
	}
	c := TupleOf(t.vals...)
	c.Err = t.Err
	return c
}

// Types lists the physical type of each element.
func (t *Tuple) Types() []Type {
	ty := make([]Type, t.Len())
	for i := range ty {
		ty[i] = t.vals[i].typ
	}
	return ty
}

// Reason returns the first element as text, for error tuples.
func (t *Tuple) Reason() string {
	if t.Len() == 0 {
		return ""
	}
	v := t.vals[0]
	if v.typ == String {
		return string(v.s)
	}
	return v.String()
}

func (t *Tuple) Equal(u *Tuple) bool {
	if t.Len() != u.Len() {
		return false
	}
	if t != nil && u != nil && t.Err != u.Err {
		return false
	}
	for i := 0; i < t.Len(); i++ {
		if !t.vals[i].Equal(u.vals[i]) {
			return false
		}
	}
	return true
}

func (t *Tuple) String() string {
	if t == nil {
		return "()"
	}
	parts := make([]string, len(t.vals))
	for i, v := range t.vals {
		parts[i] = v.String()
	}
	s := "(" + strings.Join(parts, ", ") + ")"
	if t.Err {
		s = "error" + s
	}
	return s
}
