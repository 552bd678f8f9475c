package wsys

import (
	"sync"
	"time"

	rb "github.com/glycerine/rbtree"
)

// TimerID names a pending timer so it can be cancelled.
type TimerID uint64

type timerItem struct {
	at time.Time
	id TimerID
	fn func()
}

// timerSet orders pending timers by deadline, then id, so
// timers sharing a deadline fire in the order they were added.
// Its lock is never held while a timer runs.
type timerSet struct {
	mut    sync.Mutex
	tree   *rb.Tree
	byID   map[TimerID]*timerItem
	lastID TimerID
}

func newTimerSet() *timerSet {
	return &timerSet{
		tree: rb.NewTree(func(a, b rb.Item) int {
			av := a.(*timerItem)
			bv := b.(*timerItem)
			if av == bv {
				return 0
			}
			if !av.at.Equal(bv.at) {
				if av.at.Before(bv.at) {
					return -1
				}
				return 1
			}
			switch {
			case av.id < bv.id:
				return -1
			case av.id > bv.id:
				return 1
			}
			return 0
		}),
		byID: make(map[TimerID]*timerItem),
	}
}

func (ts *timerSet) add(at time.Time, fn func()) TimerID {
	ts.mut.Lock()
	defer ts.mut.Unlock()
	ts.lastID++
	it := &timerItem{at: at, id: ts.lastID, fn: fn}
	ts.tree.Insert(it)
	ts.byID[it.id] = it
	return it.id
}

// cancel reports whether id was still pending.
func (ts *timerSet) cancel(id TimerID) bool {
	ts.mut.Lock()
	defer ts.mut.Unlock()
	it, ok := ts.byID[id]
	if !ok {
		return false
	}
	delete(ts.byID, id)
	ts.tree.DeleteWithKey(it)
	return true
}

// next is the earliest deadline.
func (ts *timerSet) next() (time.Time, bool) {
	ts.mut.Lock()
	defer ts.mut.Unlock()
	if ts.tree.Len() == 0 {
		return time.Time{}, false
	}
	return ts.tree.Min().Item().(*timerItem).at, true
}

// popDue removes and returns one timer due at now, or nil.
func (ts *timerSet) popDue(now time.Time) *timerItem {
	ts.mut.Lock()
	defer ts.mut.Unlock()
	if ts.tree.Len() == 0 {
		return nil
	}
	it := ts.tree.Min()
	top := it.Item().(*timerItem)
	if top.at.After(now) {
		return nil
	}
	ts.tree.DeleteWithIterator(it)
	delete(ts.byID, top.id)
	return top
}

func (ts *timerSet) Len() int {
	ts.mut.Lock()
	defer ts.mut.Unlock()
	return ts.tree.Len()
}

// runDue fires every timer due at now, in order, and reports
// how many ran.
func (ts *timerSet) runDue(now time.Time) (n int) {
	for {
		it := ts.popDue(now)
		if it == nil {
			return
		}
		it.fn()
		n++
	}
}

// pollTimeout converts the time to the next deadline into a
// unix.Poll timeout in milliseconds, capped at max (-1 means
// no cap).
func (ts *timerSet) pollTimeout(now time.Time, max int) int {
	at, ok := ts.next()
	if !ok {
		return max
	}
	d := at.Sub(now)
	if d <= 0 {
		return 0
	}
	ms := int((d + time.Millisecond - 1) / time.Millisecond)
	if max >= 0 && ms > max {
		return max
	}
	return ms
}
