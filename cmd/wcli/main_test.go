//go:build linux

package main

import (
	"testing"

	cv "github.com/glycerine/goconvey/convey"

	"github.com/glycerine/wsys/value"
)

func Test090_typed_arguments(t *testing.T) {

	cv.Convey("command line arguments are typed by their prefix", t, func() {
		vals, err := parseArgs([]string{"u:7", "i:-3", "s:u:7", "plain"})
		cv.So(err, cv.ShouldBeNil)
		cv.So(len(vals), cv.ShouldEqual, 4)
		cv.So(vals[0].Equal(value.NewUint32(7)), cv.ShouldBeTrue)
		cv.So(vals[1].Equal(value.NewInt32(-3)), cv.ShouldBeTrue)
		cv.So(vals[2].Equal(value.NewString("u:7")), cv.ShouldBeTrue)
		cv.So(vals[3].Equal(value.NewString("plain")), cv.ShouldBeTrue)

		_, err = parseArgs([]string{"u:-1"})
		cv.So(err, cv.ShouldNotBeNil)
	})

	cv.Convey("the ping bar tracks a smoothed rate", t, func() {
		s := newPingStats(100)
		s.isTerm = false
		s.show(10)
		cv.So(s.lastDone, cv.ShouldEqual, 10)
		cv.So(s.emaRate, cv.ShouldBeGreaterThan, 0)
	})
}
