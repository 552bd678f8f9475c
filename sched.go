//go:build linux

package wsys

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
	"golang.org/x/sys/unix"
)

// scheduler drives a Client. Both kinds run the same two
// steps: ioRound (readiness, raw reads and writes) and
// dispatchRound (decode, deliver, timers).
type scheduler interface {
	// pumpsHere reports whether the calling goroutine has to
	// drive progress itself while it waits.
	pumpsHere() bool

	// pump makes progress for at most max.
	pump(max time.Duration) error
}

// Cooperative runs both steps on whatever goroutine calls
// Round, including from inside Reply.Wait.
type Cooperative struct {
	c     *Client
	ioMut sync.Mutex
}

func (s *Cooperative) pumpsHere() bool { return true }

func (s *Cooperative) pump(max time.Duration) error { return s.Round(max) }

// Round does one I/O step, waiting at most timeout for
// readiness (negative waits until something happens, or the
// next timer), then one dispatch step.
func (s *Cooperative) Round(timeout time.Duration) error {
	c := s.c
	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	if c.hasInput() {
		ms = 0
	}
	ms = c.timers.pollTimeout(time.Now(), ms)

	s.ioMut.Lock()
	_, err := c.ioRound(ms)
	s.ioMut.Unlock()

	c.dispatchRound()
	if err != nil {
		return err
	}
	return c.Err()
}

// DualThread runs the I/O step on one locked OS thread and
// the dispatch step on another. Message handlers and timers
// run only on the dispatch thread.
type DualThread struct {
	c *Client

	mu       sync.Mutex
	cond     *sync.Cond
	pending  bool
	stopping bool

	// ioParked: the I/O thread saw a due timer already
	// signalled, and polls without a timeout until the
	// dispatch side has run a round and wakes it.
	ioParked bool

	dispatchTid atomic.Int64
	running     atomic.Bool
	closeOnExit atomic.Bool

	halt       *idem.Halter
	ioDone     chan struct{}
	dispatchDn chan struct{}
}

func NewDualThread(c *Client) *DualThread {
	d := &DualThread{
		c:          c,
		halt:       idem.NewHalter(),
		ioDone:     make(chan struct{}),
		dispatchDn: make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start switches the client over to d. A DualThread runs
// once; make a new one after Stop.
func (d *DualThread) Start() {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	d.dispatchTid.Store(-1)
	d.c.setScheduler(d)
	started := make(chan struct{})
	go d.dispatchLoop(started)
	<-started
	go d.ioLoop()
}

func (d *DualThread) pumpsHere() bool {
	return d.onDispatchThread()
}

func (d *DualThread) onDispatchThread() bool {
	return d.running.Load() && int64(unix.Gettid()) == d.dispatchTid.Load()
}

// pump is only reached on the dispatch thread, from a
// handler waiting on a Reply: it runs a nested dispatch
// round once the I/O thread has something, or max passes.
func (d *DualThread) pump(max time.Duration) error {
	c := d.c
	id := c.AddTimer(max, func() {})
	stop := d.waitPending()
	c.CancelTimer(id)
	if stop {
		return ErrShutdown
	}
	d.round()
	return c.Err()
}

// round is one dispatch step, after which a parked I/O
// thread is woken to recompute its timeout.
func (d *DualThread) round() {
	d.c.dispatchRound()
	d.mu.Lock()
	parked := d.ioParked
	d.ioParked = false
	d.mu.Unlock()
	if parked {
		d.c.wakeIO()
	}
}

// ioTimeout is the poll timeout for the I/O thread. A due
// timer the dispatch side has been told about and not yet
// taken does not shorten it.
func (d *DualThread) ioTimeout() int {
	ms := d.c.timers.pollTimeout(time.Now(), -1)
	if ms != 0 {
		return ms
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending {
		d.ioParked = true
		return -1
	}
	return 0
}

func (d *DualThread) waitPending() (stop bool) {
	d.mu.Lock()
	for !d.pending && !d.stopping {
		d.cond.Wait()
	}
	d.pending = false
	stop = d.stopping
	d.mu.Unlock()
	return
}

func (d *DualThread) signal() {
	d.mu.Lock()
	d.pending = true
	d.cond.Signal()
	d.mu.Unlock()
}

func (d *DualThread) ioLoop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(d.ioDone)
	c := d.c

	for !d.halt.ReqStop.IsClosed() {
		progress, err := c.ioRound(d.ioTimeout())
		if err != nil {
			break
		}
		if progress {
			d.signal()
			continue
		}
		if at, ok := c.timers.next(); ok && !at.After(time.Now()) {
			d.signal()
		}
	}
	// let the dispatch side drain what we read and see the error
	d.signal()
}

func (d *DualThread) dispatchLoop(started chan struct{}) {
	runtime.LockOSThread()
	// no UnlockOSThread: the thread may have run a Goexit
	// from Stop, and is retired along with us.
	d.dispatchTid.Store(int64(unix.Gettid()))
	defer func() {
		d.dispatchTid.Store(-1)
		close(d.dispatchDn)
		if d.closeOnExit.Load() {
			<-d.ioDone
			d.c.closeFDs()
		}
	}()
	close(started)

	c := d.c
	for {
		if d.waitPending() {
			return
		}
		d.round()
		if c.Err() != nil && !c.hasInput() {
			select {
			case <-d.ioDone:
				return
			default:
			}
		}
	}
}

// Stop halts both threads and hands the client back to its
// cooperative scheduler. Called from a handler on the
// dispatch thread it does not wait: that thread exits at once.
func (d *DualThread) Stop() {
	if !d.running.Load() {
		return
	}
	d.mu.Lock()
	d.stopping = true
	d.cond.Broadcast()
	d.mu.Unlock()
	d.halt.ReqStop.Close()
	d.c.wakeIO()

	if d.onDispatchThread() {
		d.c.setScheduler(d.c.coop)
		d.running.Store(false)
		d.halt.Done.Close()
		runtime.Goexit()
	}
	<-d.dispatchDn
	<-d.ioDone
	d.c.setScheduler(d.c.coop)
	d.running.Store(false)
	d.halt.Done.Close()
}
