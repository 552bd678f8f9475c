package registry

import (
	"testing"

	cv "github.com/glycerine/goconvey/convey"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/glycerine/wsys/value"
	"github.com/glycerine/wsys/wire"
)

type fakePeer struct {
	id  uint32
	got []*wire.Message
}

func (p *fakePeer) PeerID() uint32 { return p.id }
func (p *fakePeer) Deliver(ch uint32, m *wire.Message) {
	p.got = append(p.got, m)
}

func say(s string) Handler {
	return func(c *Call) *value.Tuple {
		return value.TupleOf(value.NewString(s))
	}
}

func Test030_two_phase_init_resolves_late_supers(t *testing.T) {

	cv.Convey("B names super A before A exists; Initialise links it", t, func() {
		r := New(zerolog.Nop())
		b := r.MustRegister(ClassDef{Name: "B", Supers: []string{"A"}})
		cv.So(b.Linked(), cv.ShouldBeFalse)
		a := r.MustRegister(ClassDef{Name: "A",
			Methods: map[string][]Overload{"hello": {Over(say("from A"))}},
		})
		cv.So(r.Initialise(), cv.ShouldBeNil)
		cv.So(b.Linked(), cv.ShouldBeTrue)
		cv.So(len(b.Supers()), cv.ShouldEqual, 1)
		cv.So(b.Supers()[0] == a, cv.ShouldBeTrue)

		m, from := b.FindMethod("hello")
		cv.So(m, cv.ShouldNotBeNil)
		cv.So(from, cv.ShouldEqual, a)

		cv.Convey("a class registered afterwards links immediately", func() {
			c, err := r.Register(ClassDef{Name: "C", Supers: []string{"B"}})
			cv.So(err, cv.ShouldBeNil)
			cv.So(c.Linked(), cv.ShouldBeTrue)
			cv.So(c.IsA("A"), cv.ShouldBeTrue)

			_, err = r.Register(ClassDef{Name: "D", Supers: []string{"Nope"}})
			cv.So(errors.Is(err, ErrUnresolved), cv.ShouldBeTrue)
			cv.So(r.FindClass("D"), cv.ShouldBeNil)
		})
	})

	cv.Convey("omitting A entirely is fatal", t, func() {
		r := New(zerolog.Nop())
		r.MustRegister(ClassDef{Name: "B", Supers: []string{"A"}})
		err := r.Initialise()
		cv.So(errors.Is(err, ErrUnresolved), cv.ShouldBeTrue)
		cv.So(err.Error(), cv.ShouldContainSubstring, `"A"`)
		cv.So(func() { r.MustInitialise() }, cv.ShouldPanic)
	})

	cv.Convey("super-class cycles are refused", t, func() {
		r := New(zerolog.Nop())
		r.MustRegister(ClassDef{Name: "X", Supers: []string{"Y"}})
		r.MustRegister(ClassDef{Name: "Y", Supers: []string{"X"}})
		err := r.Initialise()
		cv.So(errors.Is(err, ErrSuperCycle), cv.ShouldBeTrue)
		cv.So(r.Linked(), cv.ShouldBeFalse)
	})

	cv.Convey("duplicate names are refused", t, func() {
		r := New(zerolog.Nop())
		r.MustRegister(ClassDef{Name: "X"})
		_, err := r.Register(ClassDef{Name: "X"})
		cv.So(errors.Is(err, ErrDuplicateClass), cv.ShouldBeTrue)
	})
}

func Test031_depth_first_lookup_in_a_diamond(t *testing.T) {

	cv.Convey("with D(B, C), B(A), C(A) the left branch shadows the right", t, func() {
		r := New(zerolog.Nop())
		r.MustRegister(ClassDef{Name: "D", Supers: []string{"B", "C"}})
		r.MustRegister(ClassDef{Name: "B", Supers: []string{"A"}})
		r.MustRegister(ClassDef{Name: "C", Supers: []string{"A"},
			Methods: map[string][]Overload{"paint": {Over(say("C"))}},
		})
		r.MustRegister(ClassDef{Name: "A",
			Methods: map[string][]Overload{"paint": {Over(say("A"))}},
		})
		r.MustInitialise()

		// DFS goes D, B, A before it ever looks at C.
		o := r.NewObject(r.FindClass("D"))
		res := r.InvokeInstanceMethod(o.ID, "paint", value.NewTuple(0))
		cv.So(res.Err, cv.ShouldBeFalse)
		cv.So(res.Get(0).Str(), cv.ShouldEqual, "A")
	})
}

func Test032_invoke_failures_are_error_tuples(t *testing.T) {

	cv.Convey("unknown class, object, method and bad arguments all come back as error tuples", t, func() {
		r := New(zerolog.Nop())
		InstallBuiltins(r)
		win := r.MustRegister(ClassDef{Name: "Window", Supers: []string{RootClass},
			ClassMethods: map[string][]Overload{
				"add": {Over(func(c *Call) *value.Tuple {
					return value.TupleOf(value.NewUint32(c.Args.Get(0).Uint32() + c.Args.Get(1).Uint32()))
				}, value.Uint32, value.Uint32)},
			},
		})
		r.MustInitialise()

		res := r.InvokeClassMethod(99, "add", value.NewTuple(0))
		cv.So(res.Err, cv.ShouldBeTrue)
		cv.So(res.Reason(), cv.ShouldStartWith, "Class not found")

		res = r.InvokeInstanceMethod(42, "get", value.TupleOf(value.NewString("x")))
		cv.So(res.Err, cv.ShouldBeTrue)
		cv.So(res.Reason(), cv.ShouldStartWith, "Object not found")

		res = r.InvokeClassMethod(win.ID, "nope", value.NewTuple(0))
		cv.So(res.Reason(), cv.ShouldEqual, "Method not found: Window.nope")

		res = r.InvokeClassMethod(win.ID, "add", value.TupleOf(value.NewString("x")))
		cv.So(res.Err, cv.ShouldBeTrue)
		cv.So(res.Reason(), cv.ShouldStartWith, "Type mismatch")

		// string->uint32 is a legal cast
		res = r.InvokeClassMethod(win.ID, "add", value.TupleOf(value.NewString("40"), value.NewUint32(2)))
		cv.So(res.Err, cv.ShouldBeFalse)
		cv.So(res.Get(0).Uint32(), cv.ShouldEqual, 42)
	})
}

func Test033_properties_cast_store_and_hook(t *testing.T) {

	cv.Convey("SetProperty casts to the declared type and runs the declaring class's hook", t, func() {
		r := New(zerolog.Nop())
		InstallBuiltins(r)

		type change struct{ old, new value.Value }
		var seen []change
		r.MustRegister(ClassDef{Name: "Widget", Supers: []string{RootClass},
			Props: []Property{{Name: "width", Type: value.Uint32,
				Hook: func(o *Object, name string, old, new value.Value) {
					seen = append(seen, change{old, new})
				}}},
		})
		btn := r.MustRegister(ClassDef{Name: "Button", Supers: []string{"Widget"}})
		r.MustInitialise()

		decl, p := btn.PropertyClass("width")
		cv.So(decl.Name, cv.ShouldEqual, "Widget")
		cv.So(p.Type, cv.ShouldEqual, value.Uint32)

		o := r.NewObject(btn)
		cv.So(r.SetProperty(o, "width", value.NewString("120")), cv.ShouldBeNil)
		v, err := r.GetProperty(o, "width")
		cv.So(err, cv.ShouldBeNil)
		cv.So(v.Equal(value.NewUint32(120)), cv.ShouldBeTrue)
		cv.So(len(seen), cv.ShouldEqual, 1)
		cv.So(seen[0].old.IsUndef(), cv.ShouldBeTrue)

		err = r.SetProperty(o, "width", value.NewInt32(-1))
		cv.So(errors.Is(err, ErrCast), cv.ShouldBeTrue)
		cv.So(len(seen), cv.ShouldEqual, 1)

		cv.So(r.SetProperty(o, "width", value.Value{}), cv.ShouldBeNil)
		v, _ = r.GetProperty(o, "width")
		cv.So(v.IsUndef(), cv.ShouldBeTrue)
		cv.So(len(seen), cv.ShouldEqual, 2)
		cv.So(seen[1].old.Uint32(), cv.ShouldEqual, 120)
		cv.So(seen[1].new.IsUndef(), cv.ShouldBeTrue)

		err = r.SetProperty(o, "height", value.NewUint32(1))
		cv.So(errors.Is(err, ErrNoProperty), cv.ShouldBeTrue)

		cv.Convey("and the builtin get and set reach the same storage", func() {
			res := r.InvokeInstanceMethod(o.ID, "set", value.TupleOf(value.NewString("width"), value.NewUint32(7)))
			cv.So(res.Err, cv.ShouldBeFalse)
			res = r.InvokeInstanceMethod(o.ID, "get", value.TupleOf(value.NewString("width")))
			cv.So(res.Get(0).Uint32(), cv.ShouldEqual, 7)
			res = r.InvokeInstanceMethod(o.ID, "set", value.TupleOf(value.NewString("width"), value.NewInt32(-7)))
			cv.So(res.Err, cv.ShouldBeTrue)
			res = r.InvokeInstanceMethod(o.ID, "get", value.TupleOf(value.NewString("depth")))
			cv.So(res.Reason(), cv.ShouldEqual, "Property not found: Button.depth")
		})
	})
}

func Test034_signals_subscribe_emit_and_teardown(t *testing.T) {

	cv.Convey("subscribers get OpEvent messages; DESTROY and DropClient clean up", t, func() {
		r := New(zerolog.Nop())
		root := InstallBuiltins(r)
		r.MustInitialise()

		alice := &fakePeer{id: 1}
		bob := &fakePeer{id: 2}

		r.PushClient(alice)
		res := r.InvokeClassMethod(root.ID, "new", value.NewTuple(0))
		r.PopClient()
		cv.So(res.Err, cv.ShouldBeFalse)
		o := r.Object(res.Get(0).Obj().ObjectID())
		cv.So(o.Owner, cv.ShouldEqual, alice)
		cv.So(r.CurrentClient(), cv.ShouldBeNil)

		cv.So(r.Subscribe(bob, o, "clicked"), cv.ShouldBeTrue)
		cv.So(r.Subscribe(bob, o, "clicked"), cv.ShouldBeFalse)
		cv.So(r.Subscribe(alice, o, "clicked"), cv.ShouldBeTrue)

		args := value.TupleOf(value.NewUint32(3), value.NewString("left"))
		cv.So(r.Emit(o, "clicked", args), cv.ShouldEqual, 2)
		cv.So(len(bob.got), cv.ShouldEqual, 1)
		ev := bob.got[0]
		cv.So(ev.Op, cv.ShouldEqual, wire.OpEvent)
		cv.So(ev.ID, cv.ShouldEqual, o.ID)
		cv.So(ev.To, cv.ShouldEqual, 2)
		cv.So(ev.Args.Get(0).Str(), cv.ShouldEqual, "clicked")
		cv.So(ev.Args.Get(2).Str(), cv.ShouldEqual, "left")

		cv.So(r.Unsubscribe(alice, o, "clicked"), cv.ShouldBeTrue)
		cv.So(r.Emit(o, "clicked", value.NewTuple(0)), cv.ShouldEqual, 1)
		cv.So(r.Emit(o, "nobody", value.NewTuple(0)), cv.ShouldEqual, 0)

		cv.Convey("DropClient destroys what the client owns", func() {
			other := r.NewObject(root)
			r.Subscribe(bob, other, "moved")
			r.DropClient(alice)
			cv.So(o.Alive(), cv.ShouldBeFalse)
			cv.So(r.Object(o.ID), cv.ShouldBeNil)
			cv.So(other.Alive(), cv.ShouldBeTrue)

			r.DropClient(bob)
			cv.So(r.Subscribers(other, "moved"), cv.ShouldBeEmpty)
		})

		cv.Convey("DESTROY through the protocol drops listeners and the object", func() {
			res := r.InvokeInstanceMethod(o.ID, "DESTROY", value.NewTuple(0))
			cv.So(res.Err, cv.ShouldBeFalse)
			cv.So(r.Object(o.ID), cv.ShouldBeNil)
			cv.So(r.Subscribers(o, "clicked"), cv.ShouldBeEmpty)

			// ids are never reused
			n := r.NewObject(root)
			cv.So(n.ID, cv.ShouldBeGreaterThan, o.ID)
		})
	})
}

func Test035_describe_is_json(t *testing.T) {

	cv.Convey("describe returns a ClassInfo for the addressed class", t, func() {
		r := New(zerolog.Nop())
		InstallBuiltins(r)
		w := r.MustRegister(ClassDef{Name: "Window", Supers: []string{RootClass},
			Props: []Property{{Name: "title", Type: value.String}},
		})
		r.MustInitialise()

		res := r.InvokeClassMethod(w.ID, "describe", value.NewTuple(0))
		cv.So(res.Err, cv.ShouldBeFalse)
		ci, err := ParseClassInfo(res.Get(0).Bytes())
		cv.So(err, cv.ShouldBeNil)
		cv.So(ci.Name, cv.ShouldEqual, "Window")
		cv.So(ci.Supers, cv.ShouldResemble, []string{RootClass})
		cv.So(ci.Props, cv.ShouldResemble, []PropertyInfo{{Name: "title", Type: "string"}})

		root, _ := ParseClassInfo(r.FindClass(RootClass).JSON())
		cv.So(len(root.Methods), cv.ShouldEqual, 7)
		cv.So(root.Methods[0].Name, cv.ShouldEqual, "DESTROY")
	})
}

func Test036_overridden_destroy_still_frees(t *testing.T) {

	cv.Convey("a class overriding DESTROY gets its cleanup run, and the object is released afterwards", t, func() {
		r := New(zerolog.Nop())
		InstallBuiltins(r)
		cleaned := 0
		widget := r.MustRegister(ClassDef{
			Name:   "Widget",
			Supers: []string{RootClass},
			Methods: map[string][]Overload{
				"DESTROY": {Over(func(c *Call) *value.Tuple {
					cleaned++
					// tearing down again from inside is a no-op
					c.Reg.Destroy(c.Self)
					cv.So(c.Self.Alive(), cv.ShouldBeTrue)
					return nil
				})},
			},
		})
		r.MustInitialise()
		cv.So(len(r.Classes()), cv.ShouldEqual, 2)
		cv.So(r.Classes()[1], cv.ShouldEqual, widget)

		bob := &fakePeer{id: 2}
		w := r.NewObject(widget)
		r.Subscribe(bob, w, "clicked")
		before := r.NumObjects()

		res := r.InvokeInstanceMethod(w.ID, "DESTROY", value.NewTuple(0))
		cv.So(res.Err, cv.ShouldBeFalse)
		cv.So(cleaned, cv.ShouldEqual, 1)
		cv.So(w.Alive(), cv.ShouldBeFalse)
		cv.So(r.Object(w.ID), cv.ShouldBeNil)
		cv.So(r.NumObjects(), cv.ShouldEqual, before-1)
		cv.So(r.Subscribers(w, "clicked"), cv.ShouldBeEmpty)

		cv.Convey("Destroy goes through the override exactly once", func() {
			w2 := r.NewObject(widget)
			r.Destroy(w2)
			cv.So(cleaned, cv.ShouldEqual, 2)
			cv.So(w2.Alive(), cv.ShouldBeFalse)
		})

		cv.Convey("a DESTROY that fails leaves the object alive", func() {
			picky := r.MustRegister(ClassDef{
				Name:   "Picky",
				Supers: []string{RootClass},
				Methods: map[string][]Overload{
					"DESTROY": {Over(func(c *Call) *value.Tuple {
						return value.ErrorTuple("busy")
					})},
				},
			})
			p := r.NewObject(picky)
			res := r.InvokeInstanceMethod(p.ID, "DESTROY", value.NewTuple(0))
			cv.So(res.Err, cv.ShouldBeTrue)
			cv.So(p.Alive(), cv.ShouldBeTrue)

			// teardown still takes it down
			r.Destroy(p)
			cv.So(p.Alive(), cv.ShouldBeFalse)
		})
	})
}
