// Package wire frames routed Messages, and the control
// connection's messages, as length-prefixed big-endian packets.
package wire

import (
	"fmt"

	gjson "github.com/goccy/go-json"

	"github.com/glycerine/wsys/value"
)

// Op is the opcode of a Message. The numbering is part of
// the protocol and must not change.
type Op uint32

const (
	OpNone           Op = 0
	OpFindClass      Op = 1
	OpInvokeClass    Op = 2
	OpInvokeInstance Op = 3
	OpReply          Op = 4
	OpError          Op = 5
	OpEvent          Op = 6
	OpQuit           Op = 7
)

func (op Op) String() string {
	switch op {
	case OpNone:
		return "OpNone"
	case OpFindClass:
		return "OpFindClass"
	case OpInvokeClass:
		return "OpInvokeClass"
	case OpInvokeInstance:
		return "OpInvokeInstance"
	case OpReply:
		return "OpReply"
	case OpError:
		return "OpError"
	case OpEvent:
		return "OpEvent"
	case OpQuit:
		return "OpQuit"
	}
	return fmt.Sprintf("Op(%v)", uint32(op))
}

// MetaWantReply is bit 0 of Meta: the caller wants a reply
// even when the result is not an error.
const MetaWantReply uint32 = 1

// Message is a routed envelope. To == 0 means "handle on the
// server"; otherwise the broker relays it to client To.
type Message struct {
	Seq  uint32
	To   uint32
	From uint32
	Op   Op
	ID   uint32 // class id, object id, or unused, depending on Op
	Meta uint32

	Args *value.Tuple
}

// NewMessage returns a Message owning args (nil means empty).
func NewMessage(op Op, id uint32, args *value.Tuple) *Message {
	if args == nil {
		args = value.NewTuple(0)
	}
	return &Message{Op: op, ID: id, Args: args}
}

func (m *Message) WantsReply() bool {
	return m.Meta&MetaWantReply != 0
}

// Clone deep-copies m, including its Tuple.
func (m *Message) Clone() *Message {
	c := *m
	c.Args = m.Args.Clone()
	return &c
}

// Equal compares every header field and the Tuple.
func (m *Message) Equal(b *Message) bool {
	if m == b {
		return true
	}
	if m == nil || b == nil {
		return false
	}
	return m.Seq == b.Seq &&
		m.To == b.To &&
		m.From == b.From &&
		m.Op == b.Op &&
		m.ID == b.ID &&
		m.Meta == b.Meta &&
		m.Args.Equal(b.Args)
}

func (m *Message) String() string {
	return fmt.Sprintf("&wire.Message{Seq:%v, To:%v, From:%v, Op:%s, ID:%v, Meta:%v, Args:%v}",
		m.Seq, m.To, m.From, m.Op, m.ID, m.Meta, m.Args)
}

type jsonMessage struct {
	Seq  uint32   `json:"seq"`
	To   uint32   `json:"to"`
	From uint32   `json:"from"`
	Op   string   `json:"op"`
	ID   uint32   `json:"id"`
	Meta uint32   `json:"meta"`
	Args []string `json:"args"`
	Err  bool     `json:"err,omitempty"`
}

// JSON renders m for logs and the command line tools.
func (m *Message) JSON() []byte {
	j := jsonMessage{
		Seq: m.Seq, To: m.To, From: m.From,
		Op: m.Op.String(), ID: m.ID, Meta: m.Meta,
		Args: make([]string, m.Args.Len()),
		Err:  m.Args != nil && m.Args.Err,
	}
	for i := range j.Args {
		j.Args[i] = m.Args.Get(i).String()
	}
	by, err := gjson.Marshal(j)
	if err != nil {
		panic(err)
	}
	return by
}
