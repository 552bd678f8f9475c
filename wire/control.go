package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// CtrlType identifies a control-connection message.
type CtrlType uint32

const (
	// client -> server, first message, with SCM_CREDENTIALS.
	CtrlAuthenticate CtrlType = 0

	// server -> client, payload u32 channel id, with exactly
	// one descriptor attached.
	CtrlNewChannel CtrlType = 1

	// server -> client, payload u32 client id. Sent once
	// right after authentication succeeds.
	CtrlHello CtrlType = 2
)

func (c CtrlType) String() string {
	switch c {
	case CtrlAuthenticate:
		return "CtrlAuthenticate"
	case CtrlNewChannel:
		return "CtrlNewChannel"
	case CtrlHello:
		return "CtrlHello"
	}
	return fmt.Sprintf("CtrlType(%v)", uint32(c))
}

// maxControl bounds msg_len; control payloads are tiny.
const maxControl = 64

var ErrBadControl = errors.New("wire: malformed control message")

// Control is one control-connection message. Arg is the
// channel id for CtrlNewChannel and the client id for CtrlHello.
type Control struct {
	Type CtrlType
	Arg  uint32
}

func (c Control) hasArg() bool {
	return c.Type == CtrlNewChannel || c.Type == CtrlHello
}

// AppendControl frames c as [msg_len][msg_type][payload].
func AppendControl(dst []byte, c Control) []byte {
	n := 4
	if c.hasArg() {
		n += 4
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(n))
	dst = binary.BigEndian.AppendUint32(dst, uint32(c.Type))
	if c.hasArg() {
		dst = binary.BigEndian.AppendUint32(dst, c.Arg)
	}
	return dst
}

func EncodeControl(c Control) []byte {
	return AppendControl(nil, c)
}

// ControlDecoder reassembles control messages from a stream.
type ControlDecoder struct {
	buf []byte
}

func (d *ControlDecoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Next returns the next complete control message, nil when
// more bytes are needed.
func (d *ControlDecoder) Next() (*Control, error) {
	if len(d.buf) < 4 {
		return nil, nil
	}
	n := int(binary.BigEndian.Uint32(d.buf))
	if n < 4 || n > maxControl {
		return nil, errors.Wrapf(ErrBadControl, "msg_len %v", n)
	}
	if len(d.buf) < 4+n {
		return nil, nil
	}
	body := d.buf[4 : 4+n]
	c := &Control{Type: CtrlType(binary.BigEndian.Uint32(body))}
	switch c.Type {
	case CtrlAuthenticate:
		if n != 4 {
			return nil, errors.Wrapf(ErrBadControl, "authenticate with %v payload bytes", n-4)
		}
	case CtrlNewChannel, CtrlHello:
		if n != 8 {
			return nil, errors.Wrapf(ErrBadControl, "%v with %v payload bytes", c.Type, n-4)
		}
		c.Arg = binary.BigEndian.Uint32(body[4:])
	default:
		return nil, errors.Wrapf(ErrBadControl, "unknown type %v", uint32(c.Type))
	}
	d.buf = d.buf[4+n:]
	return c, nil
}
