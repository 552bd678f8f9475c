package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/glycerine/wsys/value"
)

// =========================
//
// packet structure, all big-endian u32:
//
//  packet_len   bytes that follow this field
//  seq
//  to
//  from
//  op
//  id
//  meta
//  value_count
//  value_count x { value_len; type; payload[value_len-4] }
//
// =========================

const (
	headerLen = 6 * 4

	// smallest legal packet body: the header plus value_count.
	minBody = headerLen + 4

	// DefaultMaxPacket bounds packet_len, so a corrupt or
	// hostile length cannot make us buffer without limit.
	DefaultMaxPacket = 1024 * 1024
)

var (
	ErrShortPacket = errors.New("wire: packet_len smaller than the fixed header")
	ErrTooLarge    = errors.New("wire: packet_len over the maximum")
	ErrTrailing    = errors.New("wire: trailing bytes inside packet")
)

// PacketLen is the full encoded size of m, including packet_len.
func PacketLen(m *Message) int {
	return 4 + headerLen + value.TupleLen(m.Args)
}

// AppendMessage appends the framed packet for m to dst.
func AppendMessage(dst []byte, m *Message) []byte {
	body := PacketLen(m) - 4
	dst = binary.BigEndian.AppendUint32(dst, uint32(body))
	dst = binary.BigEndian.AppendUint32(dst, m.Seq)
	dst = binary.BigEndian.AppendUint32(dst, m.To)
	dst = binary.BigEndian.AppendUint32(dst, m.From)
	dst = binary.BigEndian.AppendUint32(dst, uint32(m.Op))
	dst = binary.BigEndian.AppendUint32(dst, m.ID)
	dst = binary.BigEndian.AppendUint32(dst, m.Meta)
	return value.AppendTuple(dst, m.Args)
}

func Encode(m *Message) []byte {
	return AppendMessage(make([]byte, 0, PacketLen(m)), m)
}

// decodeBody parses everything after packet_len. An OpError
// message always carries an error-flagged Tuple.
func decodeBody(b []byte) (*Message, error) {
	if len(b) < minBody {
		return nil, ErrShortPacket
	}
	m := &Message{
		Seq:  binary.BigEndian.Uint32(b[0:]),
		To:   binary.BigEndian.Uint32(b[4:]),
		From: binary.BigEndian.Uint32(b[8:]),
		Op:   Op(binary.BigEndian.Uint32(b[12:])),
		ID:   binary.BigEndian.Uint32(b[16:]),
		Meta: binary.BigEndian.Uint32(b[20:]),
	}
	args, rest, err := value.ReadTuple(b[headerLen:])
	if err != nil {
		return nil, errors.Wrap(err, "wire: decoding arguments")
	}
	if len(rest) != 0 {
		return nil, errors.Wrapf(ErrTrailing, "%v bytes", len(rest))
	}
	if m.Op == OpError {
		args.Err = true
	}
	m.Args = args
	return m, nil
}

// Decode parses exactly one framed packet.
func Decode(packet []byte) (*Message, error) {
	if len(packet) < 4 {
		return nil, ErrShortPacket
	}
	n := binary.BigEndian.Uint32(packet)
	if uint64(n) != uint64(len(packet)-4) {
		if uint64(n) < uint64(len(packet)-4) {
			return nil, ErrTrailing
		}
		return nil, errors.Wrapf(ErrShortPacket, "packet_len %v, have %v", n, len(packet)-4)
	}
	return decodeBody(packet[4:])
}

// Decoder accumulates the bytes of one channel and hands
// back Messages as their packets complete. Bytes are consumed
// strictly in order, so messages come out in the order sent.
// Any error is fatal for the channel.
type Decoder struct {
	buf []byte
	max int
	err error
}

// NewDecoder makes a Decoder refusing packets over max bytes;
// max <= 0 means DefaultMaxPacket.
func NewDecoder(max int) *Decoder {
	if max <= 0 {
		max = DefaultMaxPacket
	}
	return &Decoder{max: max}
}

// Write buffers p. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Buffered reports how many undecoded bytes are held.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next returns the next complete Message, or nil, nil when
// more bytes are needed.
func (d *Decoder) Next() (*Message, error) {
	if d.err != nil {
		return nil, d.err
	}
	if len(d.buf) < 4 {
		return nil, nil
	}
	n := int(binary.BigEndian.Uint32(d.buf))
	switch {
	case n < minBody:
		d.err = errors.Wrapf(ErrShortPacket, "packet_len %v", n)
		return nil, d.err
	case n > d.max:
		d.err = errors.Wrapf(ErrTooLarge, "packet_len %v > %v", n, d.max)
		return nil, d.err
	}
	if len(d.buf) < 4+n {
		return nil, nil
	}
	m, err := decodeBody(d.buf[4 : 4+n])
	if err != nil {
		d.err = err
		return nil, err
	}
	d.buf = d.buf[4+n:]
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return m, nil
}

// DecodeAll drains every complete Message currently buffered.
func (d *Decoder) DecodeAll() (msgs []*Message, err error) {
	for {
		m, err := d.Next()
		if err != nil {
			return msgs, err
		}
		if m == nil {
			return msgs, nil
		}
		msgs = append(msgs, m)
	}
}
