package registry

import (
	"github.com/pkg/errors"

	"github.com/glycerine/wsys/value"
	"github.com/glycerine/wsys/wire"
)

// Object is a live instance.
type Object struct {
	ID    uint32
	Class *Class

	// Owner is the client that was current at creation, nil
	// for server owned objects.
	Owner Peer

	props   map[string]value.Value
	signals map[string]*signal
	dead    bool
	dying   bool
}

func (o *Object) ObjectID() uint32 { return o.ID }

// Alive is false once the object has been destroyed.
func (o *Object) Alive() bool { return !o.dead }

// signal keeps its subscribers in subscription order.
type signal struct {
	subs  []Peer
	index map[uint32]int
}

func (s *signal) add(p Peer) bool {
	if _, ok := s.index[p.PeerID()]; ok {
		return false
	}
	s.index[p.PeerID()] = len(s.subs)
	s.subs = append(s.subs, p)
	return true
}

func (s *signal) remove(id uint32) bool {
	k, ok := s.index[id]
	if !ok {
		return false
	}
	s.subs = append(s.subs[:k], s.subs[k+1:]...)
	delete(s.index, id)
	for i := k; i < len(s.subs); i++ {
		s.index[s.subs[i].PeerID()] = i
	}
	return true
}

// NewObject instantiates cls, owned by the current client.
// Object ids come from one counter and are never reused.
func (r *Registry) NewObject(cls *Class) *Object {
	r.lastObj++
	o := &Object{
		ID:      r.lastObj,
		Class:   cls,
		Owner:   r.CurrentClient(),
		props:   make(map[string]value.Value),
		signals: make(map[string]*signal),
	}
	r.objects[o.ID] = o
	return o
}

// Object returns the live object with id, or nil.
func (r *Registry) Object(id uint32) *Object {
	return r.objects[id]
}

// LookupObject lets casts turn a uint32 back into an object.
func (r *Registry) LookupObject(id uint32) (value.ObjectRef, bool) {
	o, ok := r.objects[id]
	if !ok {
		return nil, false
	}
	return o, true
}

// NumObjects counts live objects.
func (r *Registry) NumObjects() int { return len(r.objects) }

// Destroy takes o down through its DESTROY method, so a class
// may override teardown. A class with no DESTROY anywhere in
// its ancestry is released directly.
func (r *Registry) Destroy(o *Object) {
	if o.dead || o.dying {
		return
	}
	if m, _ := o.Class.FindMethod(destroyMethod); m != nil {
		r.InvokeInstanceMethod(o.ID, destroyMethod, value.NewTuple(0))
	}
	if !o.dead {
		r.release(o)
	}
}

// destroy runs a DESTROY overload on o, then releases o unless
// the overload failed. While it runs, o cannot be destroyed
// again from inside it.
func (r *Registry) destroy(call *Call, m *Method, args *value.Tuple) *value.Tuple {
	o := call.Self
	if o.dying {
		return value.NewTuple(0)
	}
	o.dying = true
	res := r.invoke(call, m, args)
	o.dying = false
	if !res.Err && !o.dead {
		r.release(o)
	}
	return res
}

// release unsubscribes every listener, then drops o from the
// live table.
func (r *Registry) release(o *Object) {
	for name := range o.signals {
		delete(o.signals, name)
	}
	delete(r.objects, o.ID)
	o.dead = true
}

// SetProperty casts v to the declared type and stores it, or
// clears the property when v is Undef. The declaring class's
// hook sees the old and new values before SetProperty returns.
func (r *Registry) SetProperty(o *Object, name string, v value.Value) error {
	decl, p := o.Class.PropertyClass(name)
	if p == nil {
		return errors.Wrapf(ErrNoProperty, "%v.%v", o.Class.Name, name)
	}
	old := o.props[name]
	var nv value.Value
	if v.IsUndef() {
		delete(o.props, name)
	} else {
		cv, ok := value.Cast(v, p.Type, r)
		if !ok {
			return errors.Wrapf(ErrCast, "%v.%v: %v to %v", o.Class.Name, name, v.Type(), p.Type)
		}
		nv = cv.Clone()
		o.props[name] = nv
	}
	if p.Hook != nil {
		r.Log.Debug().Str("class", decl.Name).Str("property", name).Msg("property hook")
		p.Hook(o, name, old, nv)
	}
	return nil
}

// GetProperty returns the stored value, Undef when unset.
func (r *Registry) GetProperty(o *Object, name string) (value.Value, error) {
	if _, p := o.Class.PropertyClass(name); p == nil {
		return value.Value{}, errors.Wrapf(ErrNoProperty, "%v.%v", o.Class.Name, name)
	}
	return o.props[name], nil
}

// Subscribe adds p to o's signal name, creating the signal on
// first use. It reports whether p was newly added.
func (r *Registry) Subscribe(p Peer, o *Object, name string) bool {
	s := o.signals[name]
	if s == nil {
		s = &signal{index: make(map[uint32]int)}
		o.signals[name] = s
	}
	return s.add(p)
}

func (r *Registry) Unsubscribe(p Peer, o *Object, name string) bool {
	s := o.signals[name]
	if s == nil {
		return false
	}
	return s.remove(p.PeerID())
}

// Subscribers lists the peers listening to o's signal name.
func (r *Registry) Subscribers(o *Object, name string) []Peer {
	s := o.signals[name]
	if s == nil {
		return nil
	}
	return append([]Peer{}, s.subs...)
}

// Emit sends an OpEvent to every subscriber of o's signal
// name. The event's ID is o's id and its arguments are the
// signal name followed by args. Emit consumes args.
func (r *Registry) Emit(o *Object, name string, args *value.Tuple) int {
	s := o.signals[name]
	if s == nil || len(s.subs) == 0 {
		return 0
	}
	payload := value.NewTuple(1 + args.Len())
	payload.Set(0, value.NewString(name))
	for i := 0; i < args.Len(); i++ {
		payload.Set(i+1, args.Get(i).Clone())
	}
	// copy: a hook run by Deliver may unsubscribe
	subs := append([]Peer{}, s.subs...)
	for _, p := range subs {
		m := wire.NewMessage(wire.OpEvent, o.ID, payload.Clone())
		m.To = p.PeerID()
		p.Deliver(0, m)
	}
	return len(subs)
}
