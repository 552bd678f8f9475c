//go:build linux

package wsys

// srv.go: the server reactor. One goroutine owns every
// descriptor, the broker and the registry, and services
// them all from a single unix.Poll.

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/glycerine/idem"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/glycerine/wsys/registry"
	"github.com/glycerine/wsys/value"
	"github.com/glycerine/wsys/wire"
)

var (
	ErrShutdown      = errors.New("wsys: shutting down")
	ErrUnknownClient = errors.New("wsys: no such client")
)

// ServerClass is the builtin class through which clients
// ask the server itself for things.
const ServerClass = "Server"

// Server accepts control connections on a per-pid unix
// socket, authenticates them, and multiplexes each client's
// data channels into the Broker.
type Server struct {
	cfg    *Config
	Log    zerolog.Logger
	M      *Metrics
	Reg    *registry.Registry
	Broker *Broker

	path    string
	lfd     int
	wake    [2]int
	started bool

	halt *idem.Halter

	doMut sync.Mutex
	doQ   []func()

	// reactor owned
	conns  map[uint32]*srvClient
	lastID uint32
	buf    []byte
	oob    []byte
}

// srvClient is one control connection and its channels.
type srvClient struct {
	id  uint32
	srv *Server
	ctl int

	authed bool
	cred   *unix.Ucred
	ctlIn  wire.ControlDecoder
	ctlOut []ctlItem

	chans    map[uint32]*srvChannel
	nextChan uint32
	closed   bool
}

type ctlItem struct {
	c  wire.Control
	fd int // endpoint to hand off, -1 for none
}

type srvChannel struct {
	id  uint32
	fd  int
	out outQueue
	dec *wire.Decoder
}

func (cl *srvClient) PeerID() uint32 { return cl.id }

// Deliver queues m on channel ch; it is written when the
// channel next polls writable.
func (cl *srvClient) Deliver(ch uint32, m *wire.Message) {
	if cl.closed {
		return
	}
	c := cl.chans[ch]
	if c == nil {
		c = cl.chans[0]
	}
	if c == nil {
		cl.srv.Log.Warn().Uint32("client", cl.id).Msg("deliver before channel 0 exists, dropped")
		return
	}
	c.out.pushMessage(m)
}

func (cl *srvClient) Close(reason error) {
	cl.srv.teardown(cl, reason)
}

// Cred returns the credentials the client authenticated with.
func (cl *srvClient) Cred() *unix.Ucred { return cl.cred }

// NewServer builds a server with the builtin Object and
// Server classes registered. Register further classes on
// s.Reg before Start, which links the registry.
func NewServer(cfg *Config, log zerolog.Logger, m *Metrics) *Server {
	if cfg == nil {
		cfg = NewConfig()
	}
	if m == nil {
		m = DefaultMetrics()
	}
	reg := registry.New(log)
	s := &Server{
		cfg:    cfg,
		Log:    log,
		M:      m,
		Reg:    reg,
		Broker: NewBroker(reg, log, m),
		lfd:    -1,
		wake:   [2]int{-1, -1},
		halt:   idem.NewHalter(),
		conns:  make(map[uint32]*srvClient),
		buf:    make([]byte, cfg.ReadChunk),
		oob:    make([]byte, oobSpace()),
	}
	registry.InstallBuiltins(reg)
	s.installServerClass()
	return s
}

func (s *Server) installServerClass() {
	s.Reg.MustRegister(registry.ClassDef{
		Name: ServerClass,
		ClassMethods: map[string][]registry.Overload{
			"new-channel": {registry.Over(s.newChannelMethod)},
			"clients":     {registry.Over(s.clientsMethod)},
		},
	})
}

func (s *Server) newChannelMethod(c *registry.Call) *value.Tuple {
	cl, ok := c.Client.(*srvClient)
	if !ok || cl.closed {
		return value.ErrorTuple("new-channel needs a connected client")
	}
	id, err := s.newChannel(cl)
	if err != nil {
		return value.ErrorTuple("new-channel failed: %v", err)
	}
	return value.TupleOf(value.NewUint32(id))
}

func (s *Server) clientsMethod(c *registry.Call) *value.Tuple {
	return value.TupleOf(value.NewUint32(uint32(s.Broker.NumPeers())))
}

// Path is the rendezvous socket path, known after Start.
func (s *Server) Path() string { return s.path }

// Start links the class registry, binds the socket and
// launches the reactor. A registry that cannot be linked is
// fatal for the server.
func (s *Server) Start() (err error) {
	if err = s.Reg.Initialise(); err != nil {
		s.Log.Error().Err(err).Msg("class registry cannot be linked")
		return err
	}
	s.path = s.cfg.ServerSocketPath()
	if err = os.MkdirAll(s.cfg.SocketDir, 0755); err != nil {
		return errors.Wrap(err, "socket dir")
	}
	unix.Unlink(s.path)

	s.lfd, err = unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return errors.Wrap(err, "socket")
	}
	defer func() {
		if err != nil {
			unix.Close(s.lfd)
			s.lfd = -1
		}
	}()
	if err = unix.Bind(s.lfd, &unix.SockaddrUnix{Name: s.path}); err != nil {
		return errors.Wrapf(err, "bind %v", s.path)
	}
	// anyone local may connect; credentials decide who they are.
	if err = unix.Chmod(s.path, 0777); err != nil {
		return errors.Wrapf(err, "chmod %v", s.path)
	}
	if err = unix.SetsockoptInt(s.lfd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
		return errors.Wrap(err, "SO_PASSCRED")
	}
	if err = unix.Listen(s.lfd, 128); err != nil {
		return errors.Wrap(err, "listen")
	}
	var p [2]int
	if err = unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return errors.Wrap(err, "wake pipe")
	}
	s.doMut.Lock()
	s.wake = p
	s.doMut.Unlock()
	s.started = true
	s.Log.Info().Str("path", s.path).Msg("server listening")
	go s.loop()
	return nil
}

// Close stops the reactor, tears down every client and
// removes the socket. It waits for the reactor to finish.
func (s *Server) Close() {
	if !s.started {
		return
	}
	s.halt.ReqStop.Close()
	s.wakeup()
	<-s.halt.Done.Chan
}

// Do runs f on the reactor goroutine. It does not wait.
func (s *Server) Do(f func()) {
	s.doMut.Lock()
	s.doQ = append(s.doQ, f)
	s.wakeLocked()
	s.doMut.Unlock()
}

// Exec runs f on the reactor goroutine and waits for it.
func (s *Server) Exec(f func()) error {
	done := make(chan struct{})
	s.Do(func() {
		f()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-s.halt.Done.Chan:
		return ErrShutdown
	}
}

func (s *Server) wakeup() {
	s.doMut.Lock()
	s.wakeLocked()
	s.doMut.Unlock()
}

// wakeLocked needs doMut, which also guards closing the pipe.
func (s *Server) wakeLocked() {
	if s.wake[1] >= 0 {
		unix.Write(s.wake[1], []byte{1})
	}
}

const (
	ownListen = iota
	ownWake
	ownCtl
	ownChan
)

type pollOwner struct {
	kind int
	cl   *srvClient
	ch   *srvChannel
}

func (s *Server) pollSet(fds []unix.PollFd, owners []pollOwner) ([]unix.PollFd, []pollOwner) {
	fds = append(fds,
		unix.PollFd{Fd: int32(s.lfd), Events: unix.POLLIN},
		unix.PollFd{Fd: int32(s.wake[0]), Events: unix.POLLIN},
	)
	owners = append(owners, pollOwner{kind: ownListen}, pollOwner{kind: ownWake})
	for _, cl := range s.conns {
		ev := int16(unix.POLLIN)
		if len(cl.ctlOut) > 0 {
			ev |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(cl.ctl), Events: ev})
		owners = append(owners, pollOwner{kind: ownCtl, cl: cl})
		for _, ch := range cl.chans {
			ev := int16(unix.POLLIN)
			if !ch.out.empty() {
				ev |= unix.POLLOUT
			}
			fds = append(fds, unix.PollFd{Fd: int32(ch.fd), Events: ev})
			owners = append(owners, pollOwner{kind: ownChan, cl: cl, ch: ch})
		}
	}
	return fds, owners
}

func (s *Server) loop() {
	defer func() {
		if r := recover(); r != nil {
			s.Log.Error().Str("panic", fmt.Sprint(r)).Str("stack", stack()).Msg("server reactor panic")
		}
		s.shutdown()
		s.halt.Done.Close()
	}()

	var fds []unix.PollFd
	var owners []pollOwner
	for {
		if s.halt.ReqStop.IsClosed() {
			return
		}
		fds, owners = s.pollSet(fds[:0], owners[:0])
		_, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			s.Log.Error().Err(err).Msg("poll")
			return
		}
		for i := range fds {
			if fds[i].Revents == 0 {
				continue
			}
			s.service(owners[i], fds[i].Revents)
		}
	}
}

const readable = unix.POLLIN | unix.POLLHUP | unix.POLLERR | unix.POLLNVAL

func (s *Server) service(o pollOwner, rev int16) {
	switch o.kind {
	case ownListen:
		s.acceptAll()
	case ownWake:
		s.drainWake()
		s.runDo()
	case ownCtl:
		if o.cl.closed {
			return
		}
		if rev&readable != 0 {
			s.readCtl(o.cl)
		}
		if !o.cl.closed && rev&unix.POLLOUT != 0 {
			s.writeCtl(o.cl)
		}
	case ownChan:
		// a teardown earlier in this round may have closed it
		if o.cl.closed || o.cl.chans[o.ch.id] != o.ch {
			return
		}
		if rev&readable != 0 {
			s.readChan(o.cl, o.ch)
		}
		if !o.cl.closed && rev&unix.POLLOUT != 0 {
			s.writeChan(o.cl, o.ch)
		}
	}
}

func (s *Server) drainWake() {
	var b [64]byte
	for {
		n, err := unix.Read(s.wake[0], b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (s *Server) runDo() {
	s.doMut.Lock()
	q := s.doQ
	s.doQ = nil
	s.doMut.Unlock()
	for _, f := range q {
		f()
	}
}

func (s *Server) acceptAll() {
	for {
		fd, _, err := unix.Accept4(s.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if !isAgain(err) && err != unix.ECONNABORTED {
				s.Log.Warn().Err(err).Msg("accept")
			}
			return
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
			s.Log.Warn().Err(err).Msg("SO_PASSCRED on accepted socket")
			unix.Close(fd)
			continue
		}
		s.lastID++
		cl := &srvClient{
			id:    s.lastID,
			srv:   s,
			ctl:   fd,
			chans: make(map[uint32]*srvChannel),
		}
		s.conns[cl.id] = cl
		vv("accepted control connection %v as client %v", fd, cl.id)
	}
}

func (s *Server) readCtl(cl *srvClient) {
	r, err := readControl(cl.ctl, s.buf, s.oob)
	if err != nil {
		if isAgain(err) {
			return
		}
		s.teardown(cl, errors.Wrap(err, "control read"))
		return
	}
	// clients never hand us descriptors
	closeFDs(r.fds)
	if r.n == 0 {
		s.teardown(cl, io.EOF)
		return
	}
	if r.cred != nil && cl.cred == nil {
		cl.cred = r.cred
	}
	cl.ctlIn.Write(s.buf[:r.n])
	for !cl.closed {
		c, err := cl.ctlIn.Next()
		if err != nil {
			s.teardown(cl, err)
			return
		}
		if c == nil {
			return
		}
		switch {
		case c.Type == wire.CtrlAuthenticate && cl.authed:
			s.Log.Warn().Uint32("client", cl.id).Msg("repeated authenticate ignored")
		case c.Type == wire.CtrlAuthenticate:
			if cl.cred == nil {
				s.M.AuthFailures.Inc()
				s.teardown(cl, ErrNoCredentials)
				return
			}
			s.authenticate(cl)
		case !cl.authed:
			s.M.AuthFailures.Inc()
			s.teardown(cl, ErrNotAuthenticated)
			return
		default:
			s.Log.Warn().Uint32("client", cl.id).Str("type", c.Type.String()).Msg("unexpected control message from client")
		}
	}
}

func (s *Server) authenticate(cl *srvClient) {
	cl.authed = true
	s.Broker.Attach(cl)
	s.Log.Info().Uint32("client", cl.id).
		Int32("pid", cl.cred.Pid).Uint32("uid", cl.cred.Uid).Uint32("gid", cl.cred.Gid).
		Msg("client authenticated")

	cl.ctlOut = append(cl.ctlOut, ctlItem{c: wire.Control{Type: wire.CtrlHello, Arg: cl.id}, fd: -1})
	if _, err := s.newChannel(cl); err != nil {
		s.teardown(cl, err)
	}
}

// NewChannel opens another data channel to client clientID,
// as if the client had asked for one. It must not be called
// on the reactor goroutine.
func (s *Server) NewChannel(clientID uint32) (id uint32, err error) {
	xerr := s.Exec(func() {
		cl := s.conns[clientID]
		if cl == nil {
			err = errors.Wrapf(ErrUnknownClient, "%v", clientID)
			return
		}
		id, err = s.newChannel(cl)
	})
	if xerr != nil {
		return 0, xerr
	}
	return
}

// newChannel creates the next data channel of cl. The local
// end is live at once; the remote end leaves with a queued
// new-channel control message. Must run on the reactor.
func (s *Server) newChannel(cl *srvClient) (uint32, error) {
	if cl.closed || !cl.authed {
		return 0, ErrNotAuthenticated
	}
	local, remote, err := streamPair()
	if err != nil {
		return 0, err
	}
	id := cl.nextChan
	cl.nextChan++
	cl.chans[id] = &srvChannel{
		id:  id,
		fd:  local,
		dec: wire.NewDecoder(s.cfg.MaxPacket),
	}
	cl.ctlOut = append(cl.ctlOut, ctlItem{c: wire.Control{Type: wire.CtrlNewChannel, Arg: id}, fd: remote})
	s.M.Channels.Inc()
	vv("client %v: channel %v local fd %v, handing off fd %v", cl.id, id, local, remote)
	return id, nil
}

// writeCtl sends one queued control message.
func (s *Server) writeCtl(cl *srvClient) {
	if len(cl.ctlOut) == 0 {
		return
	}
	it := cl.ctlOut[0]
	err := handOff(cl.ctl, it.c, it.fd)
	if err != nil {
		if isAgain(err) {
			return
		}
		s.teardown(cl, errors.Wrapf(err, "sending %v", it.c.Type))
		return
	}
	if it.fd >= 0 {
		unix.Close(it.fd)
	}
	cl.ctlOut[0] = ctlItem{}
	cl.ctlOut = cl.ctlOut[1:]
}

func (s *Server) readChan(cl *srvClient, ch *srvChannel) {
	n, err := unix.Read(ch.fd, s.buf)
	if err != nil {
		if isAgain(err) {
			return
		}
		s.teardown(cl, errors.Wrapf(err, "channel %v read", ch.id))
		return
	}
	if n == 0 {
		s.teardown(cl, io.EOF)
		return
	}
	s.M.BytesIn.Add(float64(n))
	ch.dec.Write(s.buf[:n])
	for !cl.closed {
		m, err := ch.dec.Next()
		if err != nil {
			s.teardown(cl, errors.Wrapf(err, "channel %v", ch.id))
			return
		}
		if m == nil {
			return
		}
		s.Broker.Dispatch(cl, ch.id, m)
	}
}

func (s *Server) writeChan(cl *srvClient, ch *srvChannel) {
	n, err := ch.out.writeTo(func(b []byte) (int, error) {
		return unix.Write(ch.fd, b)
	})
	s.M.BytesOut.Add(float64(n))
	if err != nil {
		s.teardown(cl, errors.Wrapf(err, "channel %v write", ch.id))
	}
}

func teardownReason(reason error) string {
	switch {
	case reason == io.EOF:
		return "eof"
	case errors.Is(reason, ErrClientQuit):
		return "quit"
	case errors.Is(reason, ErrShutdown):
		return "shutdown"
	case errors.Is(reason, ErrNoCredentials), errors.Is(reason, ErrNotAuthenticated):
		return "auth"
	case errors.Is(reason, wire.ErrShortPacket), errors.Is(reason, wire.ErrTooLarge),
		errors.Is(reason, wire.ErrTrailing), errors.Is(reason, wire.ErrBadControl),
		errors.Is(reason, value.ErrBadType), errors.Is(reason, value.ErrShort),
		errors.Is(reason, value.ErrTrailing):
		return "protocol"
	}
	return "io"
}

// teardown closes every channel and the control connection
// of cl and releases what it owned. Safe to repeat.
func (s *Server) teardown(cl *srvClient, reason error) {
	if cl.closed {
		return
	}
	cl.closed = true
	why := teardownReason(reason)
	s.M.Teardowns.WithLabelValues(why).Inc()
	ev := s.Log.Info()
	if why != "eof" && why != "quit" && why != "shutdown" {
		ev = s.Log.Warn()
	}
	ev.Uint32("client", cl.id).Str("reason", why).Err(reason).Msg("client torn down")

	if cl.authed {
		s.Broker.Detach(cl)
	}
	for id, ch := range cl.chans {
		unix.Close(ch.fd)
		ch.out.reset()
		delete(cl.chans, id)
		s.M.Channels.Dec()
	}
	for _, it := range cl.ctlOut {
		if it.fd >= 0 {
			unix.Close(it.fd)
		}
	}
	cl.ctlOut = nil
	unix.Close(cl.ctl)
	delete(s.conns, cl.id)
}

func (s *Server) shutdown() {
	for _, cl := range s.conns {
		s.teardown(cl, ErrShutdown)
	}
	if s.lfd >= 0 {
		unix.Close(s.lfd)
		s.lfd = -1
	}
	unix.Unlink(s.path)
	s.doMut.Lock()
	unix.Close(s.wake[0])
	unix.Close(s.wake[1])
	s.wake = [2]int{-1, -1}
	s.doQ = nil
	s.doMut.Unlock()
	s.Log.Info().Str("path", s.path).Msg("server stopped")
}

// ClientInfo describes one authenticated client.
type ClientInfo struct {
	ID       uint32
	Pid      int32
	Uid      uint32
	Gid      uint32
	Channels int
}

// Clients lists the authenticated clients.
func (s *Server) Clients() (out []ClientInfo) {
	s.Exec(func() {
		for _, cl := range s.conns {
			if !cl.authed {
				continue
			}
			cred := cl.Cred()
			out = append(out, ClientInfo{
				ID:       cl.id,
				Pid:      cred.Pid,
				Uid:      cred.Uid,
				Gid:      cred.Gid,
				Channels: len(cl.chans),
			})
		}
	})
	return
}
