package wire

import (
	"encoding/binary"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
	"github.com/pkg/errors"

	"github.com/glycerine/wsys/value"
)

func sampleMessage() *Message {
	m := NewMessage(OpInvokeInstance, 17, value.TupleOf(
		value.NewString("set"),
		value.NewString("title"),
		value.NewBytes([]byte{0, 1, 0}),
		value.NewInt32(-5),
	))
	m.Seq = 9
	m.To = 0
	m.From = 3
	m.Meta = MetaWantReply
	return m
}

func Test020_message_round_trip(t *testing.T) {

	cv.Convey("Decode(Encode(m)) gives back every header field and the tuple", t, func() {
		m := sampleMessage()
		by := Encode(m)
		cv.So(len(by), cv.ShouldEqual, PacketLen(m))
		cv.So(binary.BigEndian.Uint32(by), cv.ShouldEqual, len(by)-4)

		back, err := Decode(by)
		cv.So(err, cv.ShouldBeNil)
		cv.So(back.Equal(m), cv.ShouldBeTrue)
		cv.So(back.WantsReply(), cv.ShouldBeTrue)

		cv.Convey("an empty tuple frames as header plus a zero count", func() {
			e := NewMessage(OpQuit, 0, nil)
			by := Encode(e)
			cv.So(len(by), cv.ShouldEqual, 4+minBody)
			back, err := Decode(by)
			cv.So(err, cv.ShouldBeNil)
			cv.So(back.Args.Len(), cv.ShouldEqual, 0)
			cv.So(back.Op, cv.ShouldEqual, OpQuit)
		})

		cv.Convey("OpError messages decode with the error flag set", func() {
			e := NewMessage(OpError, 4, value.ErrorTuple("Class not found"))
			back, err := Decode(Encode(e))
			cv.So(err, cv.ShouldBeNil)
			cv.So(back.Args.Err, cv.ShouldBeTrue)
			cv.So(back.Equal(e), cv.ShouldBeTrue)
		})
	})
}

func Test021_decoder_waits_for_packet_len(t *testing.T) {

	cv.Convey("the Decoder yields nothing until packet_len bytes are buffered, then preserves order", t, func() {
		a := sampleMessage()
		b := sampleMessage()
		b.Seq = 10
		stream := append(Encode(a), Encode(b)...)

		d := NewDecoder(0)
		var got []*Message
		// dribble one byte at a time
		for i := range stream {
			d.Write(stream[i : i+1])
			m, err := d.Next()
			cv.So(err, cv.ShouldBeNil)
			if m != nil {
				got = append(got, m)
				cv.So(i == len(Encode(a))-1 || i == len(stream)-1, cv.ShouldBeTrue)
			}
		}
		cv.So(len(got), cv.ShouldEqual, 2)
		cv.So(got[0].Seq, cv.ShouldEqual, 9)
		cv.So(got[1].Seq, cv.ShouldEqual, 10)
		cv.So(d.Buffered(), cv.ShouldEqual, 0)

		d.Write(stream)
		all, err := d.DecodeAll()
		cv.So(err, cv.ShouldBeNil)
		cv.So(len(all), cv.ShouldEqual, 2)
	})
}

func Test022_decoder_rejects_malformed_packets(t *testing.T) {

	cv.Convey("malformed packets are fatal for the channel", t, func() {

		cv.Convey("a packet_len below the fixed header", func() {
			d := NewDecoder(0)
			d.Write([]byte{0, 0, 0, 3, 1, 2, 3})
			_, err := d.Next()
			cv.So(errors.Is(err, ErrShortPacket), cv.ShouldBeTrue)
			// sticky
			_, err = d.Next()
			cv.So(err, cv.ShouldNotBeNil)
		})

		cv.Convey("a packet_len over the limit", func() {
			d := NewDecoder(64)
			d.Write(binary.BigEndian.AppendUint32(nil, 65))
			_, err := d.Next()
			cv.So(errors.Is(err, ErrTooLarge), cv.ShouldBeTrue)
		})

		cv.Convey("trailing garbage inside the packet", func() {
			by := Encode(sampleMessage())
			by = append(by, 0xee)
			binary.BigEndian.PutUint32(by, uint32(len(by)-4))
			d := NewDecoder(0)
			d.Write(by)
			_, err := d.Next()
			cv.So(errors.Is(err, ErrTrailing), cv.ShouldBeTrue)
		})

		cv.Convey("an unknown physical value type", func() {
			m := NewMessage(OpFindClass, 0, value.TupleOf(value.NewUint32(1)))
			by := Encode(m)
			// the type tag of the only value sits after
			// packet_len, header, count and value_len
			binary.BigEndian.PutUint32(by[4+headerLen+8:], 9)
			_, err := Decode(by)
			cv.So(errors.Is(err, value.ErrBadType), cv.ShouldBeTrue)
		})
	})
}

func Test023_control_messages(t *testing.T) {

	cv.Convey("control messages frame as [msg_len][msg_type][payload]", t, func() {
		auth := EncodeControl(Control{Type: CtrlAuthenticate})
		cv.So(auth, cv.ShouldResemble, []byte{0, 0, 0, 4, 0, 0, 0, 0})

		nc := EncodeControl(Control{Type: CtrlNewChannel, Arg: 7})
		cv.So(nc, cv.ShouldResemble, []byte{0, 0, 0, 8, 0, 0, 0, 1, 0, 0, 0, 7})

		var d ControlDecoder
		d.Write(auth)
		d.Write(nc[:5])
		c, err := d.Next()
		cv.So(err, cv.ShouldBeNil)
		cv.So(c.Type, cv.ShouldEqual, CtrlAuthenticate)
		c, err = d.Next()
		cv.So(err, cv.ShouldBeNil)
		cv.So(c, cv.ShouldBeNil)
		d.Write(nc[5:])
		c, err = d.Next()
		cv.So(err, cv.ShouldBeNil)
		cv.So(c.Type, cv.ShouldEqual, CtrlNewChannel)
		cv.So(c.Arg, cv.ShouldEqual, 7)

		d.Write([]byte{0, 0, 0, 4, 0, 0, 0, 9})
		_, err = d.Next()
		cv.So(errors.Is(err, ErrBadControl), cv.ShouldBeTrue)
	})
}
