//go:build linux

package wsys

// cli.go: the client runtime. All state shared between the
// I/O side and the dispatch side sits behind one lock per
// concern; none of them is ever held while application code
// (OnMessage, OnChannel, timers) runs.

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tdigest "github.com/caio/go-tdigest"
	"github.com/glycerine/idem"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/glycerine/wsys/value"
	"github.com/glycerine/wsys/wire"
)

var (
	ErrClosed         = errors.New("wsys: client closed")
	ErrUnknownChannel = errors.New("wsys: no such channel")
)

// RemoteError is an error reply turned into a Go error by
// the convenience calls (FindClass, InvokeClass, ...).
type RemoteError struct {
	Seq    uint32
	Reason string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (seq %v): %v", e.Seq, e.Reason)
}

// Client is one connection to a Server: the control
// connection plus every data channel handed to us.
type Client struct {
	cfg *Config
	Log zerolog.Logger

	id  atomic.Uint32
	ctl int

	halt    *idem.Halter
	failMut sync.Mutex
	failErr error

	// descriptors
	fdMut    sync.Mutex
	chans    map[uint32]*cliChannel
	arrived  map[uint32]chan struct{}
	ctlDec   wire.ControlDecoder
	spareFDs []int
	wake     [2]int
	fdClosed bool
	buf      []byte
	oob      []byte

	// outbound bytes, per channel queues
	outMut sync.Mutex

	// inbound bytes not yet decoded, and decoded events not
	// yet delivered
	inMut   sync.Mutex
	inbound []inChunk
	ready   []event

	// pending replies
	replyMut sync.Mutex
	replies  map[uint32]*Reply
	seq      atomic.Uint32

	timers *timerSet

	// class name -> id
	classes *Mutexmap[string, uint32]

	cbMut     sync.Mutex
	onMessage func(m *wire.Message)
	onChannel func(id uint32)

	latMut sync.Mutex
	lat    *tdigest.TDigest

	schedMut sync.Mutex
	sched    scheduler
	coop     *Cooperative
}

type cliChannel struct {
	id  uint32
	fd  int
	out outQueue      // under outMut
	dec *wire.Decoder // under inMut
}

// inChunk is raw input in arrival order; ctl chunks carry a
// control event instead of bytes.
type inChunk struct {
	ch  *cliChannel
	b   []byte
	ctl *wire.Control
}

type event struct {
	m   *wire.Message
	ctl *wire.Control
}

// Dial connects to the server named by cfg, authenticates
// with our process credentials and waits for our client id
// and channel 0. The client starts out cooperative.
func Dial(cfg *Config, log zerolog.Logger) (*Client, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	path, err := cfg.ClientSocketPath()
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "socket")
	}
	if err = unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "connect %v", path)
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "nonblock")
	}
	c, err := newClient(cfg, log, fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err = sendAuthenticate(fd); err != nil {
		c.Close()
		return nil, errors.Wrap(err, "authenticate")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err = waitOn(c, c.channelArrived(0), func() bool {
		return c.ID() != 0 && c.hasChannel(0)
	}, timeout); err != nil {
		c.Close()
		return nil, errors.Wrap(err, "waiting for channel 0")
	}
	c.Log.Debug().Uint32("client", c.ID()).Str("path", path).Msg("connected")
	return c, nil
}

func newClient(cfg *Config, log zerolog.Logger, ctl int) (*Client, error) {
	td, err := tdigest.New(tdigest.Compression(100))
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:     cfg,
		Log:     log,
		ctl:     ctl,
		halt:    idem.NewHalter(),
		chans:   make(map[uint32]*cliChannel),
		arrived: make(map[uint32]chan struct{}),
		buf:     make([]byte, cfg.ReadChunk),
		oob:     make([]byte, oobSpace()),
		replies: make(map[uint32]*Reply),
		timers:  newTimerSet(),
		classes: NewMutexmap[string, uint32](),
		lat:     td,
	}
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, errors.Wrap(err, "wake pipe")
	}
	c.wake = p
	c.coop = &Cooperative{c: c}
	c.sched = c.coop
	return c, nil
}

// ID is the client id the server assigned, 0 before hello.
func (c *Client) ID() uint32 { return c.id.Load() }

// Err is the reason the client stopped working, or nil.
func (c *Client) Err() error {
	c.failMut.Lock()
	defer c.failMut.Unlock()
	return c.failErr
}

// Cooperative returns the client's cooperative scheduler.
// Use its Round only while no DualThread is running.
func (c *Client) Cooperative() *Cooperative { return c.coop }

func (c *Client) scheduler() scheduler {
	c.schedMut.Lock()
	defer c.schedMut.Unlock()
	return c.sched
}

func (c *Client) setScheduler(s scheduler) {
	c.schedMut.Lock()
	c.sched = s
	c.schedMut.Unlock()
}

// OnMessage sets the callback for every message not claimed
// by a pending Reply: events, relayed messages, and error
// replies to fire-and-forget sends.
func (c *Client) OnMessage(fn func(m *wire.Message)) {
	c.cbMut.Lock()
	c.onMessage = fn
	c.cbMut.Unlock()
}

// OnChannel is told about each channel the server hands us.
func (c *Client) OnChannel(fn func(id uint32)) {
	c.cbMut.Lock()
	c.onChannel = fn
	c.cbMut.Unlock()
}

// fail records the first fatal error, fails every pending
// reply, and tells the schedulers to stop. Descriptors are
// closed by Close, once nothing polls them.
func (c *Client) fail(err error) {
	c.failMut.Lock()
	if c.failErr != nil {
		c.failMut.Unlock()
		return
	}
	c.failErr = err
	c.failMut.Unlock()

	if err != ErrClosed {
		c.Log.Warn().Err(err).Uint32("client", c.ID()).Msg("connection failed")
	}
	c.replyMut.Lock()
	pending := make([]*Reply, 0, len(c.replies))
	for _, r := range c.replies {
		pending = append(pending, r)
	}
	c.replyMut.Unlock()
	for _, r := range pending {
		r.complete(nil, err)
	}
	c.classes.Clear()
	c.halt.ReqStop.Close()
	c.wakeIO()
}

// Close stops any dual-thread scheduler, then closes every
// descriptor. Called on the dispatch thread it finishes the
// job as that thread exits.
func (c *Client) Close() error {
	c.fail(ErrClosed)
	if d, ok := c.scheduler().(*DualThread); ok {
		if d.onDispatchThread() {
			d.closeOnExit.Store(true)
		}
		d.Stop()
	}
	c.closeFDs()
	return nil
}

func (c *Client) closeFDs() {
	c.fdMut.Lock()
	defer c.fdMut.Unlock()
	if c.fdClosed {
		return
	}
	c.fdClosed = true
	for id, ch := range c.chans {
		unix.Close(ch.fd)
		delete(c.chans, id)
	}
	closeFDs(c.spareFDs)
	c.spareFDs = nil
	unix.Close(c.ctl)

	c.outMut.Lock()
	unix.Close(c.wake[0])
	unix.Close(c.wake[1])
	c.wake = [2]int{-1, -1}
	c.outMut.Unlock()
	c.halt.Done.Close()
}

// wakeIO interrupts a poll in progress so it sees new
// outbound bytes, a new timer, or a stop request.
func (c *Client) wakeIO() {
	c.outMut.Lock()
	if c.wake[1] >= 0 {
		unix.Write(c.wake[1], []byte{1})
	}
	c.outMut.Unlock()
}

// adoptChannel installs fd as channel id.
func (c *Client) adoptChannel(id uint32, fd int) {
	c.fdMut.Lock()
	defer c.fdMut.Unlock()
	if old := c.chans[id]; old != nil {
		c.Log.Warn().Uint32("channel", id).Msg("server reused a channel id; replacing")
		unix.Close(old.fd)
	}
	c.chans[id] = &cliChannel{
		id:  id,
		fd:  fd,
		dec: wire.NewDecoder(c.cfg.MaxPacket),
	}
	if ch, ok := c.arrived[id]; ok {
		close(ch)
	} else {
		ch = make(chan struct{})
		close(ch)
		c.arrived[id] = ch
	}
}

func (c *Client) channelArrived(id uint32) <-chan struct{} {
	c.fdMut.Lock()
	defer c.fdMut.Unlock()
	ch, ok := c.arrived[id]
	if !ok {
		ch = make(chan struct{})
		c.arrived[id] = ch
	}
	return ch
}

func (c *Client) hasChannel(id uint32) bool {
	c.fdMut.Lock()
	defer c.fdMut.Unlock()
	return c.chans[id] != nil
}

// Channels lists the ids of the channels we hold.
func (c *Client) Channels() (ids []uint32) {
	c.fdMut.Lock()
	defer c.fdMut.Unlock()
	for id := range c.chans {
		ids = append(ids, id)
	}
	return
}

// ioRound is one readiness check plus the raw reads and
// writes it allows. progress means new input is waiting for
// the dispatch side.
func (c *Client) ioRound(timeoutMS int) (progress bool, err error) {
	if err := c.Err(); err != nil {
		return false, err
	}

	c.fdMut.Lock()
	if c.fdClosed {
		c.fdMut.Unlock()
		return false, ErrClosed
	}
	fds := []unix.PollFd{
		{Fd: int32(c.wake[0]), Events: unix.POLLIN},
		{Fd: int32(c.ctl), Events: unix.POLLIN},
	}
	chans := []*cliChannel{nil, nil}
	c.outMut.Lock()
	for _, ch := range c.chans {
		ev := int16(unix.POLLIN)
		if !ch.out.empty() {
			ev |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(ch.fd), Events: ev})
		chans = append(chans, ch)
	}
	c.outMut.Unlock()
	c.fdMut.Unlock()

	_, err = unix.Poll(fds, timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		c.fail(errors.Wrap(err, "poll"))
		return false, err
	}
	if fds[0].Revents != 0 {
		c.drainWake()
	}
	if fds[1].Revents != 0 {
		if err := c.readCtl(); err != nil {
			c.fail(err)
			return true, err
		}
		progress = true
	}
	for i := 2; i < len(fds); i++ {
		rev := fds[i].Revents
		if rev == 0 {
			continue
		}
		ch := chans[i]
		if rev&readable != 0 {
			got, err := c.readChan(ch)
			if err != nil {
				c.fail(err)
				return true, err
			}
			progress = progress || got
		}
		if rev&unix.POLLOUT != 0 {
			c.outMut.Lock()
			_, err := ch.out.writeTo(func(b []byte) (int, error) {
				return unix.Write(ch.fd, b)
			})
			c.outMut.Unlock()
			if err != nil {
				err = errors.Wrapf(err, "channel %v write", ch.id)
				c.fail(err)
				return progress, err
			}
		}
	}
	return progress, nil
}

func (c *Client) drainWake() {
	var b [64]byte
	for {
		n, err := unix.Read(c.wake[0], b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (c *Client) readCtl() error {
	c.fdMut.Lock()
	r, err := readControl(c.ctl, c.buf, c.oob)
	if err != nil {
		c.fdMut.Unlock()
		if isAgain(err) {
			return nil
		}
		return errors.Wrap(err, "control read")
	}
	c.spareFDs = append(c.spareFDs, r.fds...)
	if r.n == 0 {
		c.fdMut.Unlock()
		return io.EOF
	}
	c.ctlDec.Write(c.buf[:r.n])
	var got []wire.Control
	var fds []int
	for {
		m, err := c.ctlDec.Next()
		if err != nil {
			c.fdMut.Unlock()
			return err
		}
		if m == nil {
			break
		}
		if m.Type == wire.CtrlNewChannel {
			if len(c.spareFDs) == 0 {
				c.fdMut.Unlock()
				return ErrBadHandoff
			}
			fds = append(fds, c.spareFDs[0])
			c.spareFDs = c.spareFDs[1:]
		}
		got = append(got, *m)
	}
	c.fdMut.Unlock()

	k := 0
	for i := range got {
		m := got[i]
		switch m.Type {
		case wire.CtrlHello:
			c.id.Store(m.Arg)
		case wire.CtrlNewChannel:
			c.adoptChannel(m.Arg, fds[k])
			k++
		default:
			c.Log.Warn().Str("type", m.Type.String()).Msg("unexpected control message from server")
			continue
		}
		c.inMut.Lock()
		c.inbound = append(c.inbound, inChunk{ctl: &m})
		c.inMut.Unlock()
	}
	return nil
}

func (c *Client) readChan(ch *cliChannel) (bool, error) {
	b := make([]byte, c.cfg.ReadChunk)
	n, err := unix.Read(ch.fd, b)
	if err != nil {
		if isAgain(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "channel %v read", ch.id)
	}
	if n == 0 {
		return false, io.EOF
	}
	c.inMut.Lock()
	c.inbound = append(c.inbound, inChunk{ch: ch, b: b[:n]})
	c.inMut.Unlock()
	return true, nil
}

func (c *Client) hasInput() bool {
	c.inMut.Lock()
	defer c.inMut.Unlock()
	return len(c.inbound) > 0 || len(c.ready) > 0
}

// dispatchRound decodes all buffered input, delivers every
// decoded event in order, then runs the timers that are due.
// Events are taken one at a time, so a callback that waits on
// a Reply (and so runs a nested round) cannot reorder them.
func (c *Client) dispatchRound() (n int) {
	var decErr error
	c.inMut.Lock()
	chunks := c.inbound
	c.inbound = nil
	for _, ck := range chunks {
		if ck.ctl != nil {
			c.ready = append(c.ready, event{ctl: ck.ctl})
			continue
		}
		if decErr != nil {
			continue
		}
		ck.ch.dec.Write(ck.b)
		msgs, err := ck.ch.dec.DecodeAll()
		for _, m := range msgs {
			c.ready = append(c.ready, event{m: m})
		}
		if err != nil {
			decErr = errors.Wrapf(err, "channel %v", ck.ch.id)
		}
	}
	c.inMut.Unlock()

	for {
		c.inMut.Lock()
		if len(c.ready) == 0 {
			c.inMut.Unlock()
			break
		}
		ev := c.ready[0]
		c.ready[0] = event{}
		c.ready = c.ready[1:]
		c.inMut.Unlock()

		c.deliver(ev)
		n++
	}
	if decErr != nil {
		c.fail(decErr)
	}
	n += c.timers.runDue(time.Now())
	return
}

func (c *Client) deliver(ev event) {
	if ev.ctl != nil {
		if ev.ctl.Type != wire.CtrlNewChannel {
			return
		}
		c.cbMut.Lock()
		fn := c.onChannel
		c.cbMut.Unlock()
		if fn != nil {
			fn(ev.ctl.Arg)
		}
		return
	}
	m := ev.m
	if (m.Op == wire.OpReply || m.Op == wire.OpError) && m.Seq != 0 {
		c.replyMut.Lock()
		r := c.replies[m.Seq]
		c.replyMut.Unlock()
		if r != nil && r.complete(m, nil) {
			c.observeLatency(time.Since(r.sent))
			return
		}
	}
	c.cbMut.Lock()
	fn := c.onMessage
	c.cbMut.Unlock()
	if fn != nil {
		fn(m)
	} else {
		vv("client %v: no OnMessage for %v", c.ID(), m)
	}
}

func (c *Client) observeLatency(d time.Duration) {
	c.latMut.Lock()
	c.lat.Add(float64(d) / float64(time.Millisecond))
	c.latMut.Unlock()
}

// LatencyQuantile is the q-quantile of reply round trips in
// milliseconds, and how many replies it covers.
func (c *Client) LatencyQuantile(q float64) (ms float64, count uint64) {
	c.latMut.Lock()
	defer c.latMut.Unlock()
	return c.lat.Quantile(q), c.lat.Count()
}

func (c *Client) nextSeq() uint32 {
	for {
		s := c.seq.Add(1)
		if s != 0 {
			return s
		}
	}
}

// Send queues m on channel ch without expecting a reply.
// From is stamped with our id.
func (c *Client) Send(ch uint32, m *wire.Message) error {
	if err := c.Err(); err != nil {
		return err
	}
	m.From = c.ID()
	by := wire.Encode(m)

	c.fdMut.Lock()
	cc := c.chans[ch]
	c.fdMut.Unlock()
	if cc == nil {
		return errors.Wrapf(ErrUnknownChannel, "%v", ch)
	}
	c.outMut.Lock()
	cc.out.push(by)
	c.outMut.Unlock()
	c.wakeIO()
	return nil
}

// Call sends m on channel ch asking for a reply, and returns
// the Reply to wait on. m.Seq is assigned here.
func (c *Client) Call(ch uint32, m *wire.Message) (*Reply, error) {
	seq := c.nextSeq()
	m.Seq = seq
	m.Meta |= wire.MetaWantReply
	r := newReply(c, seq)

	c.replyMut.Lock()
	c.replies[seq] = r
	c.replyMut.Unlock()

	if err := c.Send(ch, m); err != nil {
		c.releaseReply(seq)
		return nil, err
	}
	return r, nil
}

func (c *Client) releaseReply(seq uint32) {
	c.replyMut.Lock()
	delete(c.replies, seq)
	c.replyMut.Unlock()
}

// Pending counts registered, unreleased replies.
func (c *Client) Pending() int {
	c.replyMut.Lock()
	defer c.replyMut.Unlock()
	return len(c.replies)
}

// roundTrip is Call + Wait + Release on channel 0, with an
// error reply turned into a RemoteError.
func (c *Client) roundTrip(m *wire.Message) (*value.Tuple, error) {
	r, err := c.Call(0, m)
	if err != nil {
		return nil, err
	}
	defer r.Release()
	rep, err := r.Wait(0)
	if err != nil {
		return nil, err
	}
	if rep.Op == wire.OpError || rep.Args.Err {
		return nil, &RemoteError{Seq: rep.Seq, Reason: rep.Args.Reason()}
	}
	return rep.Args, nil
}

// FindClass resolves a class name to its id, caching hits.
func (c *Client) FindClass(name string) (uint32, error) {
	if id, ok := c.classes.Get(name); ok {
		return id, nil
	}
	res, err := c.roundTrip(wire.NewMessage(wire.OpFindClass, 0, value.TupleOf(value.NewString(name))))
	if err != nil {
		return 0, err
	}
	id := res.Get(0).Uint32()
	c.classes.Set(name, id)
	return id, nil
}

func invokeArgs(method string, args []value.Value) *value.Tuple {
	t := value.NewTuple(1 + len(args))
	t.Set(0, value.NewString(method))
	for i, a := range args {
		t.Set(i+1, a.Clone())
	}
	return t
}

// InvokeClass calls a class method and waits for its result.
// A server that no longer knows classID drops it from the
// FindClass cache.
func (c *Client) InvokeClass(classID uint32, method string, args ...value.Value) (*value.Tuple, error) {
	res, err := c.roundTrip(wire.NewMessage(wire.OpInvokeClass, classID, invokeArgs(method, args)))
	if re, ok := err.(*RemoteError); ok && strings.HasPrefix(re.Reason, "Class not found") {
		c.forgetClass(classID)
	}
	return res, err
}

func (c *Client) forgetClass(classID uint32) {
	names := c.classes.SortedKeys(func(a, b string) bool { return a < b })
	for _, name := range names {
		if id, ok := c.classes.Get(name); ok && id == classID {
			c.classes.Del(name)
		}
	}
	vv("client %v: forgot class %v, %v names cached", c.ID(), classID, c.classes.Len())
}

// InvokeInstance calls an instance method and waits.
func (c *Client) InvokeInstance(objID uint32, method string, args ...value.Value) (*value.Tuple, error) {
	return c.roundTrip(wire.NewMessage(wire.OpInvokeInstance, objID, invokeArgs(method, args)))
}

// New instantiates the named class on the server; we own it.
func (c *Client) New(class string) (uint32, error) {
	id, err := c.FindClass(class)
	if err != nil {
		return 0, err
	}
	res, err := c.InvokeClass(id, "new")
	if err != nil {
		return 0, err
	}
	return res.Get(0).Uint32(), nil
}

// SetProperty is fire-and-forget; a failure comes back as
// an error message through OnMessage.
func (c *Client) SetProperty(objID uint32, name string, v value.Value) error {
	return c.Send(0, wire.NewMessage(wire.OpInvokeInstance, objID,
		invokeArgs("set", []value.Value{value.NewString(name), v})))
}

// Subscribe asks for OpEvent messages from objID's signal.
// Fire-and-forget, like SetProperty.
func (c *Client) Subscribe(objID uint32, signal string) error {
	return c.Send(0, wire.NewMessage(wire.OpInvokeInstance, objID,
		invokeArgs("subscribe", []value.Value{value.NewString(signal)})))
}

// Relay sends m to client to through the broker.
func (c *Client) Relay(to uint32, m *wire.Message) error {
	m.To = to
	return c.Send(0, m)
}

// NewChannel asks the server for another data channel and
// waits until its descriptor has arrived.
func (c *Client) NewChannel() (uint32, error) {
	sid, err := c.FindClass(ServerClass)
	if err != nil {
		return 0, err
	}
	res, err := c.InvokeClass(sid, "new-channel")
	if err != nil {
		return 0, err
	}
	id := res.Get(0).Uint32()
	if err := waitOn(c, c.channelArrived(id), func() bool { return c.hasChannel(id) }, c.cfg.CallTimeout); err != nil {
		return 0, err
	}
	return id, nil
}

// Ping times one round trip through the broker.
func (c *Client) Ping() (time.Duration, error) {
	sid, err := c.FindClass(ServerClass)
	if err != nil {
		return 0, err
	}
	t0 := time.Now()
	_, err = c.InvokeClass(sid, "clients")
	return time.Since(t0), err
}

// AddTimer runs fn on the dispatch side after d.
func (c *Client) AddTimer(d time.Duration, fn func()) TimerID {
	id := c.timers.add(time.Now().Add(d), fn)
	c.wakeIO()
	return id
}

// CancelTimer reports whether the timer was still pending.
func (c *Client) CancelTimer(id TimerID) bool {
	return c.timers.cancel(id)
}

// waitOn blocks until ok() holds. When the calling goroutine
// is the one that must make progress (cooperative, or the
// dual-thread dispatch thread) it drives rounds itself;
// otherwise it sleeps on ready. timeout <= 0 waits forever.
func waitOn[T any](c *Client, ready <-chan T, ok func() bool, timeout time.Duration) error {
	var deadline time.Time
	var timerC <-chan time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		t := time.NewTimer(timeout)
		defer t.Stop()
		timerC = t.C
	}
	const slice = 50 * time.Millisecond
	for !ok() {
		if err := c.Err(); err != nil {
			if ok() {
				return nil
			}
			return err
		}
		if s := c.scheduler(); s.pumpsHere() {
			step := slice
			if !deadline.IsZero() {
				left := time.Until(deadline)
				if left <= 0 {
					return ErrTimeout
				}
				if left < step {
					step = left
				}
			}
			if err := s.pump(step); err != nil && !ok() {
				return err
			}
			continue
		}
		select {
		case <-ready:
		case <-timerC:
			if ok() {
				return nil
			}
			return ErrTimeout
		case <-c.halt.ReqStop.Chan:
		case <-time.After(slice):
			// the scheduler may have changed under us
		}
	}
	return nil
}
