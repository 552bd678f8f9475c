package wsys

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/glycerine/wsys/registry"
	"github.com/glycerine/wsys/value"
	"github.com/glycerine/wsys/wire"
)

// Conn is a connected, authenticated client as the broker
// sees it.
type Conn interface {
	registry.Peer

	// Close tears the client down. It must be safe to call
	// more than once, and from inside Dispatch.
	Close(reason error)
}

// ErrClientQuit is the teardown reason for OpQuit and
// inbound OpError.
var ErrClientQuit = errors.New("wsys: client quit")

// Broker routes every inbound Message: it relays those
// addressed to another client and hands the rest to the
// registry, then applies the reply policy. Like the
// registry, it belongs to the server reactor goroutine.
type Broker struct {
	Reg *registry.Registry
	Log zerolog.Logger
	M   *Metrics

	peers map[uint32]Conn
}

func NewBroker(reg *registry.Registry, log zerolog.Logger, m *Metrics) *Broker {
	return &Broker{
		Reg:   reg,
		Log:   log,
		M:     m,
		peers: make(map[uint32]Conn),
	}
}

// Attach makes c reachable as a relay target and as a
// message origin.
func (b *Broker) Attach(c Conn) {
	b.peers[c.PeerID()] = c
	b.M.Clients.Set(float64(len(b.peers)))
}

// Detach forgets c and releases everything it owned in the
// registry.
func (b *Broker) Detach(c Conn) {
	if _, ok := b.peers[c.PeerID()]; !ok {
		return
	}
	delete(b.peers, c.PeerID())
	b.M.Clients.Set(float64(len(b.peers)))
	b.Reg.DropClient(c)
}

func (b *Broker) Peer(id uint32) Conn {
	return b.peers[id]
}

func (b *Broker) NumPeers() int {
	return len(b.peers)
}

func (b *Broker) drop(reason string, m *wire.Message) {
	b.M.Dropped.WithLabelValues(reason).Inc()
	b.Log.Warn().Str("reason", reason).
		Uint32("seq", m.Seq).Uint32("to", m.To).Uint32("from", m.From).
		Str("op", m.Op.String()).Msg("dropping message")
}

// Dispatch handles m, which arrived on channel ch of from.
// from may be nil, in which case it is looked up by m.From.
// Every path is terminal: m is relayed, answered, or dropped,
// and is not touched again afterwards.
func (b *Broker) Dispatch(from Conn, ch uint32, m *wire.Message) {

	// 1. origin
	if from == nil {
		from = b.peers[m.From]
		if from == nil {
			b.drop("unknown from", m)
			return
		}
	} else if m.From == 0 {
		m.From = from.PeerID()
	} else if m.From != from.PeerID() {
		b.drop("from does not match sender", m)
		return
	}

	// 2. relay
	if m.To != 0 {
		to := b.peers[m.To]
		if to == nil {
			b.drop("unknown to", m)
			return
		}
		b.M.Relayed.Inc()
		vv("relay %v -> %v: %v", m.From, m.To, m)
		to.Deliver(0, m)
		return
	}

	// 3. local
	b.M.Dispatched.WithLabelValues(m.Op.String()).Inc()
	b.Reg.PushClient(from)
	defer b.Reg.PopClient()

	var res *value.Tuple
	switch m.Op {
	case wire.OpFindClass:
		res = b.findClass(m)
	case wire.OpInvokeClass, wire.OpInvokeInstance:
		res = b.invoke(m)
	case wire.OpQuit, wire.OpError:
		b.Log.Debug().Uint32("client", from.PeerID()).Str("op", m.Op.String()).Msg("client closing")
		from.Close(ErrClientQuit)
		return
	case wire.OpEvent:
		b.drop("event from a client", m)
		return
	default:
		b.drop("not handled", m)
		return
	}

	// 4. reply policy
	if !m.WantsReply() && !res.Err {
		return
	}
	reply := &wire.Message{
		Seq:  m.Seq,
		To:   m.From,
		Op:   wire.OpReply,
		ID:   m.ID,
		Args: res,
	}
	if res.Err {
		reply.Op = wire.OpError
	}
	b.M.Replies.WithLabelValues(reply.Op.String()).Inc()
	from.Deliver(ch, reply)
}

func (b *Broker) findClass(m *wire.Message) *value.Tuple {
	name := m.Args.Get(0)
	if m.Args.Len() != 1 || name.Type() != value.String {
		return value.ErrorTuple("Type mismatch: find-class takes one string")
	}
	c := b.Reg.FindClass(name.Str())
	if c == nil {
		return value.ErrorTuple("Class not found: %v", name.Str())
	}
	return value.TupleOf(value.NewUint32(c.ID))
}

func (b *Broker) invoke(m *wire.Message) *value.Tuple {
	name := m.Args.Get(0)
	if name.Type() != value.String {
		return value.ErrorTuple("Type mismatch: %v needs a leading method name", m.Op)
	}
	args := m.Args.Slice(1)
	if m.Op == wire.OpInvokeClass {
		return b.Reg.InvokeClassMethod(m.ID, name.Str(), args)
	}
	return b.Reg.InvokeInstanceMethod(m.ID, name.Str(), args)
}
