//go:build linux

package wsys

import (
	"bytes"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
	"golang.org/x/sys/unix"
)

func Test051_outqueue_partial_writes(t *testing.T) {

	cv.Convey("outQueue hands out bytes in order across partial writes and stops on EAGAIN", t, func() {
		var q outQueue
		q.push([]byte("hello "))
		q.push(nil)
		q.push([]byte("world"))
		cv.So(q.Len(), cv.ShouldEqual, 11)

		var sink bytes.Buffer
		budget := 4
		write := func(b []byte) (int, error) {
			if budget == 0 {
				return 0, unix.EAGAIN
			}
			if len(b) > budget {
				b = b[:budget]
			}
			sink.Write(b)
			budget -= len(b)
			return len(b), nil
		}
		n, err := q.writeTo(write)
		cv.So(err, cv.ShouldBeNil)
		cv.So(n, cv.ShouldEqual, 4)
		cv.So(q.Len(), cv.ShouldEqual, 7)

		budget = 100
		n, err = q.writeTo(write)
		cv.So(err, cv.ShouldBeNil)
		cv.So(n, cv.ShouldEqual, 7)
		cv.So(q.empty(), cv.ShouldBeTrue)
		cv.So(sink.String(), cv.ShouldEqual, "hello world")
	})

	cv.Convey("a hard write error is returned with the bytes still queued", t, func() {
		var q outQueue
		q.push([]byte("abc"))
		_, err := q.writeTo(func(b []byte) (int, error) { return 0, unix.EPIPE })
		cv.So(err, cv.ShouldEqual, unix.EPIPE)
		cv.So(q.Len(), cv.ShouldEqual, 3)
		q.reset()
		cv.So(q.empty(), cv.ShouldBeTrue)
	})
}
