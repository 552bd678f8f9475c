package value

import "math"

// Cast converts v to target. It never modifies v; on failure
// it returns the zero Value and false. objects may be nil, in
// which case Uint32->Object always fails.
//
// Casting to List is not meaningful for a single value and
// fails here; Match handles List as a signature tail.
func Cast(v Value, target Type, objects ObjectTable) (Value, bool) {
	if v.typ == target {
		return v, true
	}
	switch target {
	case Any:
		return v, true
	case Uint32:
		switch v.typ {
		case Int32:
			if v.i < 0 {
				return Value{}, false
			}
			return NewUint32(uint32(v.i)), true
		case Object:
			return NewUint32(objectID(v.obj)), true
		case String:
			n := parseLeadingInt(v.s)
			if n < 0 || n > math.MaxUint32 {
				n = 0
			}
			return NewUint32(uint32(n)), true
		}
	case Int32:
		switch v.typ {
		case Uint32:
			if v.u > math.MaxInt32 {
				return Value{}, false
			}
			return NewInt32(int32(v.u)), true
		case String:
			n := parseLeadingInt(v.s)
			if n < math.MinInt32 || n > math.MaxInt32 {
				n = 0
			}
			return NewInt32(int32(n)), true
		}
	case Object:
		if v.typ == Uint32 && objects != nil {
			if o, ok := objects.LookupObject(v.u); ok {
				return NewObject(o), true
			}
		}
	}
	return Value{}, false
}

// parseLeadingInt reads an optional sign and decimal digits
// from the front of b, skipping leading blanks, and stops at
// the first other byte. Text with no digits yields 0. The
// result saturates well outside the 32-bit ranges so callers
// can range check.
func parseLeadingInt(b []byte) int64 {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n') {
		i++
	}
	neg := false
	if i < len(b) && (b[i] == '+' || b[i] == '-') {
		neg = b[i] == '-'
		i++
	}
	var n int64
	for ; i < len(b) && b[i] >= '0' && b[i] <= '9'; i++ {
		if n < 1<<40 {
			n = n*10 + int64(b[i]-'0')
		}
	}
	if neg {
		return -n
	}
	return n
}
