package registry

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/glycerine/wsys/value"
	"github.com/glycerine/wsys/wire"
)

var (
	ErrDuplicateClass = errors.New("registry: class already registered")
	ErrUnresolved     = errors.New("registry: unresolved super-class")
	ErrSuperCycle     = errors.New("registry: super-class cycle")
	ErrNoProperty     = errors.New("registry: no such property")
	ErrCast           = errors.New("registry: property value cast failed")
)

// Peer is a connected client as the registry sees it: an
// id and somewhere to deliver events.
type Peer interface {
	PeerID() uint32

	// Deliver queues m for the client on channel ch. The
	// callee owns m.
	Deliver(ch uint32, m *wire.Message)
}

// Registry is the class arena, the live object table and the
// current-client context.
type Registry struct {
	arena  []*Class
	byName map[string]int
	linked bool

	objects map[uint32]*Object
	lastObj uint32

	clients []Peer

	Log zerolog.Logger
}

// New makes an empty registry. Register every statically
// known class, then call Initialise once.
func New(log zerolog.Logger) *Registry {
	return &Registry{
		byName:  make(map[string]int),
		objects: make(map[uint32]*Object),
		Log:     log,
	}
}

// Register records def. Before Initialise only the super
// names are kept; after it the supers must already exist.
// Class ids start at 1.
func (r *Registry) Register(def ClassDef) (*Class, error) {
	if _, dup := r.byName[def.Name]; dup {
		return nil, errors.Wrapf(ErrDuplicateClass, "%q", def.Name)
	}
	c := newClass(uint32(len(r.arena)+1), &def, r)
	if r.linked {
		if err := r.link(c); err != nil {
			return nil, err
		}
	}
	r.byName[c.Name] = len(r.arena)
	r.arena = append(r.arena, c)
	return c, nil
}

// MustRegister panics if Register fails.
func (r *Registry) MustRegister(def ClassDef) *Class {
	c, err := r.Register(def)
	panicOn(err)
	return c
}

func (r *Registry) link(c *Class) error {
	supers := make([]int, 0, len(c.SuperNames))
	for _, name := range c.SuperNames {
		k, ok := r.byName[name]
		if !ok {
			return errors.Wrapf(ErrUnresolved, "class %q names super %q", c.Name, name)
		}
		supers = append(supers, k)
	}
	c.supers = supers
	c.linked = true
	return nil
}

// Initialise resolves every recorded super name. It reports
// every unresolved name at once, and refuses cycles, which
// would make the depth first lookup run forever.
func (r *Registry) Initialise() error {
	var missing []string
	for _, c := range r.arena {
		if c.linked {
			continue
		}
		if err := r.link(c); err != nil {
			missing = append(missing, err.Error())
		}
	}
	if len(missing) > 0 {
		for _, c := range r.arena {
			c.linked = false
			c.supers = nil
		}
		return errors.Wrap(ErrUnresolved, strings.Join(missing, "; "))
	}
	if err := r.checkCycles(); err != nil {
		for _, c := range r.arena {
			c.linked = false
			c.supers = nil
		}
		return err
	}
	r.linked = true
	r.Log.Debug().Int("classes", len(r.arena)).Msg("class registry linked")
	return nil
}

// MustInitialise is Initialise that treats failure as fatal.
func (r *Registry) MustInitialise() {
	if err := r.Initialise(); err != nil {
		r.Log.Error().Err(err).Msg("class registry cannot be linked")
		panic(err)
	}
}

func (r *Registry) checkCycles() error {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(r.arena))
	var visit func(k int) error
	visit = func(k int) error {
		color[k] = grey
		for _, s := range r.arena[k].supers {
			switch color[s] {
			case grey:
				return errors.Wrapf(ErrSuperCycle, "%q -> %q", r.arena[k].Name, r.arena[s].Name)
			case white:
				if err := visit(s); err != nil {
					return err
				}
			}
		}
		color[k] = black
		return nil
	}
	for k := range r.arena {
		if color[k] == white {
			if err := visit(k); err != nil {
				return err
			}
		}
	}
	return nil
}

// Linked reports whether Initialise has succeeded.
func (r *Registry) Linked() bool { return r.linked }

func (r *Registry) FindClass(name string) *Class {
	k, ok := r.byName[name]
	if !ok {
		return nil
	}
	return r.arena[k]
}

func (r *Registry) ClassByID(id uint32) *Class {
	if id == 0 || int(id) > len(r.arena) {
		return nil
	}
	return r.arena[id-1]
}

// Classes returns every class in registration order.
func (r *Registry) Classes() []*Class {
	return append([]*Class{}, r.arena...)
}

// Call is the context of one method invocation.
type Call struct {
	Reg *Registry

	// Class is the class the call was addressed to, which for
	// an inherited method is not the declaring class.
	Class *Class

	// Self is nil for class methods.
	Self *Object

	Method string
	Args   *value.Tuple

	// Client is the current client, nil when the server
	// itself is calling.
	Client Peer
}

// InvokeClassMethod calls class method name on class classID.
// Failures come back as error Tuples, never as Go errors.
func (r *Registry) InvokeClassMethod(classID uint32, name string, args *value.Tuple) *value.Tuple {
	c := r.ClassByID(classID)
	if c == nil {
		return value.ErrorTuple("Class not found: %v", classID)
	}
	m, _ := c.FindClassMethod(name)
	if m == nil {
		return value.ErrorTuple("Method not found: %v.%v", c.Name, name)
	}
	return r.invoke(&Call{Reg: r, Class: c, Method: name}, m, args)
}

// InvokeInstanceMethod calls instance method name on object objID.
func (r *Registry) InvokeInstanceMethod(objID uint32, name string, args *value.Tuple) *value.Tuple {
	o := r.objects[objID]
	if o == nil {
		return value.ErrorTuple("Object not found: %v", objID)
	}
	m, _ := o.Class.FindMethod(name)
	if m == nil {
		return value.ErrorTuple("Method not found: %v.%v", o.Class.Name, name)
	}
	call := &Call{Reg: r, Class: o.Class, Self: o, Method: name}
	if name == destroyMethod {
		return r.destroy(call, m, args)
	}
	return r.invoke(call, m, args)
}

func (r *Registry) invoke(call *Call, m *Method, args *value.Tuple) *value.Tuple {
	i, ok := value.Match(args, m.sigs, r)
	if !ok {
		return value.ErrorTuple("Type mismatch: %v.%v%v", call.Class.Name, m.Name, value.Signature(args.Types()))
	}
	conformed, ok := value.Conform(args, m.Overloads[i].Sig, r)
	if !ok {
		return value.ErrorTuple("Type mismatch: %v.%v%v", call.Class.Name, m.Name, value.Signature(args.Types()))
	}
	call.Args = conformed
	call.Client = r.CurrentClient()
	res := m.Overloads[i].Fn(call)
	if res == nil {
		res = value.NewTuple(0)
	}
	return res
}

// PushClient makes p the current client until the matching
// PopClient. Objects created meanwhile are owned by p.
func (r *Registry) PushClient(p Peer) {
	r.clients = append(r.clients, p)
}

func (r *Registry) PopClient() {
	if len(r.clients) == 0 {
		panic("registry: PopClient without PushClient")
	}
	r.clients[len(r.clients)-1] = nil
	r.clients = r.clients[:len(r.clients)-1]
}

// CurrentClient returns the innermost pushed client, or nil.
func (r *Registry) CurrentClient() Peer {
	if len(r.clients) == 0 {
		return nil
	}
	return r.clients[len(r.clients)-1]
}

// DropClient destroys every object p owns and removes p from
// every signal it listens to.
func (r *Registry) DropClient(p Peer) {
	id := p.PeerID()
	var owned []uint32
	for oid, o := range r.objects {
		if o.Owner != nil && o.Owner.PeerID() == id {
			owned = append(owned, oid)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i] < owned[j] })
	for _, oid := range owned {
		// an earlier DESTROY may have taken it down already
		if o := r.objects[oid]; o != nil {
			r.Destroy(o)
		}
	}
	for _, o := range r.objects {
		for _, sig := range o.signals {
			sig.remove(id)
		}
	}
	r.Log.Debug().Uint32("client", id).Int("objects", len(owned)).Msg("dropped client")
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}
