package value

import (
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func Test010_cast_matrix(t *testing.T) {

	cv.Convey("Cast follows the casting matrix and never touches its input", t, func() {
		objs := fakeTable{5: fakeObj(5)}

		cases := []struct {
			in     Value
			target Type
			ok     bool
			want   Value
		}{
			{NewUint32(3), Uint32, true, NewUint32(3)},
			{NewInt32(3), Uint32, true, NewUint32(3)},
			{NewInt32(-3), Uint32, false, Value{}},
			{NewUint32(1 << 31), Int32, false, Value{}},
			{NewUint32(1<<31 - 1), Int32, true, NewInt32(1<<31 - 1)},
			{NewObject(fakeObj(5)), Uint32, true, NewUint32(5)},
			{NewObject(nil), Uint32, true, NewUint32(0)},
			{NewUint32(5), Object, true, NewObject(fakeObj(5))},
			{NewUint32(6), Object, false, Value{}},
			{NewString("42"), Uint32, true, NewUint32(42)},
			{NewString("-42"), Int32, true, NewInt32(-42)},
			{NewString("12abc"), Int32, true, NewInt32(12)},
			{NewString("banana"), Uint32, true, NewUint32(0)},
			{NewString("-1"), Uint32, true, NewUint32(0)},
			{NewString("99999999999"), Int32, true, NewInt32(0)},
			{NewUint32(1), String, false, Value{}},
			{NewInt32(1), String, false, Value{}},
			{NewString("x"), String, true, NewString("x")},
			{NewInt32(-9), Any, true, NewInt32(-9)},
			{NewString("x"), List, false, Value{}},
		}
		for _, c := range cases {
			before := c.in.Clone()
			got, ok := Cast(c.in, c.target, objs)
			cv.So(ok, cv.ShouldEqual, c.ok)
			if ok {
				cv.So(got.Equal(c.want), cv.ShouldBeTrue)
			}
			cv.So(c.in.Equal(before), cv.ShouldBeTrue)
		}

		cv.Convey("without an object table, uint32->object fails", func() {
			_, ok := Cast(NewUint32(5), Object, nil)
			cv.So(ok, cv.ShouldBeFalse)
		})
	})
}

func Test011_exact_match_beats_list_fallback(t *testing.T) {

	cv.Convey("given [(uint32,uint32), (string,list)] a (uint32,uint32) call binds the exact signature", t, func() {
		sigs := []Signature{{Uint32, Uint32}, {String, List}}
		i, ok := Match(TupleOf(NewUint32(1), NewUint32(2)), sigs, nil)
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(i, cv.ShouldEqual, 0)

		i, ok = Match(TupleOf(NewString("a"), NewUint32(2), NewInt32(3)), sigs, nil)
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(i, cv.ShouldEqual, 1)
	})
}

func Test012_sole_list_is_the_fallback(t *testing.T) {

	cv.Convey("a signature that is only a list catches what nothing else does", t, func() {
		sigs := []Signature{{List}, {Uint32}}

		i, ok := Match(TupleOf(NewUint32(1)), sigs, nil)
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(i, cv.ShouldEqual, 1)

		i, ok = Match(TupleOf(NewUint32(1), NewUint32(2)), sigs, nil)
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(i, cv.ShouldEqual, 0)

		i, ok = Match(NewTuple(0), sigs, nil)
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(i, cv.ShouldEqual, 0)

		cv.Convey("and ties resolve to it too", func() {
			sigs := []Signature{{Int32}, {Uint32}, {List}}
			i, ok := Match(TupleOf(NewString("7")), sigs, nil)
			cv.So(ok, cv.ShouldBeTrue)
			cv.So(i, cv.ShouldEqual, 2)
		})
	})
}

func Test013_positional_elimination(t *testing.T) {

	cv.Convey("positions are scanned left to right preferring exact over cast", t, func() {

		cv.Convey("exact at the first position eliminates the cast candidate", func() {
			sigs := []Signature{{Int32, Any}, {Uint32, Any}}
			i, ok := Match(TupleOf(NewUint32(1), NewString("x")), sigs, nil)
			cv.So(ok, cv.ShouldBeTrue)
			cv.So(i, cv.ShouldEqual, 1)
		})

		cv.Convey("a cast is used when nothing matches exactly", func() {
			sigs := []Signature{{String}, {Int32}}
			i, ok := Match(TupleOf(NewUint32(1)), sigs, nil)
			cv.So(ok, cv.ShouldBeTrue)
			cv.So(i, cv.ShouldEqual, 1)
		})

		cv.Convey("a list tail absorbs extra arguments once fixed candidates run out", func() {
			sigs := []Signature{{Uint32, Uint32}, {Uint32, List}}
			i, ok := Match(TupleOf(NewUint32(1), NewUint32(2), NewUint32(3)), sigs, nil)
			cv.So(ok, cv.ShouldBeTrue)
			cv.So(i, cv.ShouldEqual, 1)

			i, ok = Match(TupleOf(NewUint32(1)), sigs, nil)
			cv.So(ok, cv.ShouldBeTrue)
			cv.So(i, cv.ShouldEqual, 1)
		})

		cv.Convey("the longest fixed prefix wins among tails", func() {
			sigs := []Signature{{Uint32, List}, {Uint32, Uint32, List}}
			i, ok := Match(TupleOf(NewUint32(1), NewUint32(2), NewString("x")), sigs, nil)
			cv.So(ok, cv.ShouldBeTrue)
			cv.So(i, cv.ShouldEqual, 1)
		})

		cv.Convey("an unresolved tie without a fallback is no match", func() {
			sigs := []Signature{{Int32}, {Uint32}}
			_, ok := Match(TupleOf(NewString("7")), sigs, nil)
			cv.So(ok, cv.ShouldBeFalse)

			_, ok = Match(TupleOf(NewUint32(1), NewUint32(1)), []Signature{{Uint32}}, nil)
			cv.So(ok, cv.ShouldBeFalse)
		})

		cv.Convey("a list that is not last is never bound", func() {
			_, ok := Match(TupleOf(NewUint32(1)), []Signature{{List, Uint32}}, nil)
			cv.So(ok, cv.ShouldBeFalse)
		})

		cv.Convey("an object parameter needs a live id", func() {
			objs := fakeTable{5: fakeObj(5)}
			sigs := []Signature{{Object}}
			i, ok := Match(TupleOf(NewUint32(5)), sigs, objs)
			cv.So(ok, cv.ShouldBeTrue)
			cv.So(i, cv.ShouldEqual, 0)
			_, ok = Match(TupleOf(NewUint32(6)), sigs, objs)
			cv.So(ok, cv.ShouldBeFalse)
		})
	})
}

func Test014_conform_casts_to_the_chosen_signature(t *testing.T) {

	cv.Convey("Conform casts each argument and copies a list tail", t, func() {
		objs := fakeTable{5: fakeObj(5)}
		args := TupleOf(NewUint32(5), NewString("3"), NewInt32(-1), NewString("rest"))
		out, ok := Conform(args, Signature{Object, Int32, List}, objs)
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(out.Len(), cv.ShouldEqual, 4)
		cv.So(out.Get(0).Type(), cv.ShouldEqual, Object)
		cv.So(out.Get(0).Obj().ObjectID(), cv.ShouldEqual, 5)
		cv.So(out.Get(1).Int32(), cv.ShouldEqual, 3)
		cv.So(out.Get(3).Str(), cv.ShouldEqual, "rest")

		// input untouched
		cv.So(args.Get(0).Type(), cv.ShouldEqual, Uint32)

		_, ok = Conform(TupleOf(NewInt32(-1)), Signature{Uint32}, nil)
		cv.So(ok, cv.ShouldBeFalse)
		_, ok = Conform(TupleOf(NewInt32(1), NewInt32(1)), Signature{Int32}, nil)
		cv.So(ok, cv.ShouldBeFalse)
	})
}
