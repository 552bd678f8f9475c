package value

// Signature is the declared parameter list of one method
// overload. List may only appear last, where it absorbs
// zero or more trailing arguments.
type Signature []Type

func (s Signature) String() string {
	r := "("
	for i, t := range s {
		if i > 0 {
			r += ", "
		}
		r += t.String()
	}
	return r + ")"
}

// valid rejects a List anywhere but the last position.
func (s Signature) valid() bool {
	for i, t := range s {
		if t == List && i != len(s)-1 {
			return false
		}
	}
	return true
}

func (s Signature) soleList() bool {
	return len(s) == 1 && s[0] == List
}

type candidate struct {
	idx    int
	prefix int // for tailed candidates: position of the List
}

// Match picks which of sigs the call args should bind to.
//
//  1. A single signature whose types equal the args'
//     physical types exactly wins outright.
//  2. The first signature that is only a List is set aside
//     as the fallback.
//  3. Everyone else is scanned left to right. At each
//     position the survivors are the exact matches if there
//     are any, else those that can cast the argument. A
//     candidate that reaches its List tail stops competing
//     positionally and is parked, remembering how long its
//     fixed prefix was.
//  4. Once the args run out, a single survivor with no
//     parameters left wins. With none, the parked candidate
//     with the longest prefix wins if unique. Anything else
//     is a tie, which resolves to the fallback, or no match.
func Match(args *Tuple, sigs []Signature, objects ObjectTable) (int, bool) {
	n := args.Len()
	types := args.Types()

	// 1. exact
	exactIdx, exactCount := -1, 0
	for i, sig := range sigs {
		if len(sig) != n {
			continue
		}
		same := true
		for j := range sig {
			if sig[j] != types[j] {
				same = false
				break
			}
		}
		if same {
			if exactCount == 0 {
				exactIdx = i
			}
			exactCount++
		}
	}
	if exactCount == 1 {
		return exactIdx, true
	}

	// 2. fallback
	fallback := -1
	var alive []candidate
	for i, sig := range sigs {
		if !sig.valid() {
			continue
		}
		if sig.soleList() && fallback < 0 {
			fallback = i
			continue
		}
		alive = append(alive, candidate{idx: i})
	}

	// 3. positional elimination
	var parked []candidate
	for pos := 0; pos < n && len(alive) > 0; pos++ {
		arg := args.Get(pos)
		var exact, cast []candidate
		for _, c := range alive {
			sig := sigs[c.idx]
			if pos >= len(sig) {
				continue // too short
			}
			switch t := sig[pos]; {
			case t == List:
				parked = append(parked, candidate{idx: c.idx, prefix: pos})
			case t == arg.typ:
				exact = append(exact, c)
			case t == Any:
				cast = append(cast, c)
			default:
				if _, ok := Cast(arg, t, objects); ok {
					cast = append(cast, c)
				}
			}
		}
		if len(exact) > 0 {
			alive = exact
		} else {
			alive = cast
		}
	}

	// 4. resolve
	var done []candidate
	for _, c := range alive {
		sig := sigs[c.idx]
		switch {
		case len(sig) == n:
			done = append(done, c)
		case len(sig) == n+1 && sig[n] == List:
			parked = append(parked, candidate{idx: c.idx, prefix: n})
		}
	}
	if len(done) == 1 {
		return done[0].idx, true
	}
	if len(done) == 0 && len(parked) > 0 {
		best, unique := parked[0], true
		for _, c := range parked[1:] {
			switch {
			case c.prefix > best.prefix:
				best, unique = c, true
			case c.prefix == best.prefix:
				unique = false
			}
		}
		if unique {
			return best.idx, true
		}
	}
	if fallback >= 0 {
		return fallback, true
	}
	return -1, false
}

// Conform casts args to sig, returning a new Tuple. A List
// tail receives copies of the remaining arguments unchanged.
// args is not modified.
func Conform(args *Tuple, sig Signature, objects ObjectTable) (*Tuple, bool) {
	out := make([]Value, 0, args.Len())
	for i, t := range sig {
		if t == List {
			for j := i; j < args.Len(); j++ {
				out = append(out, args.Get(j).Clone())
			}
			return &Tuple{vals: out}, true
		}
		if i >= args.Len() {
			return nil, false
		}
		v, ok := Cast(args.Get(i), t, objects)
		if !ok {
			return nil, false
		}
		out = append(out, v.Clone())
	}
	if len(sig) != args.Len() {
		return nil, false
	}
	return &Tuple{vals: out}, true
}
