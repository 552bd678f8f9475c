// Package registry holds the dynamic class and object model
// that the protocol addresses: classes registered by name with
// super-classes named before they exist, linked in a second
// phase, and live objects with typed properties and signals.
//
// A Registry is not safe for concurrent use. The server
// reactor is its only mutator.
package registry

import (
	"github.com/glycerine/wsys/value"
)

// Handler implements one overload of a method. It receives
// the conformed arguments in c.Args and returns the result,
// which the caller then owns. Returning nil means an empty
// result.
type Handler func(c *Call) *value.Tuple

// Overload pairs a signature with its implementation.
type Overload struct {
	Sig value.Signature
	Fn  Handler
}

// Over is shorthand for an Overload literal.
func Over(fn Handler, sig ...value.Type) Overload {
	return Overload{Sig: sig, Fn: fn}
}

// Method is a named set of overloads.
type Method struct {
	Name      string
	Overloads []Overload

	sigs []value.Signature
}

func newMethod(name string, ovs []Overload) *Method {
	m := &Method{Name: name, Overloads: ovs}
	for _, ov := range ovs {
		m.sigs = append(m.sigs, ov.Sig)
	}
	return m
}

// Hook observes a property change. It runs synchronously,
// before SetProperty returns. old or new may be Undef.
type Hook func(o *Object, name string, old, new value.Value)

// Property is a typed property declaration with an optional
// change hook.
type Property struct {
	Name string
	Type value.Type
	Hook Hook
}

// ClassDef is what an external collaborator hands to Register.
type ClassDef struct {
	Name   string
	Supers []string

	ClassMethods map[string][]Overload
	Methods      map[string][]Overload
	Props        []Property
}

// Class is a registered class. Its supers are links into
// the registry's arena, valid once the registry is linked.
type Class struct {
	ID         uint32
	Name       string
	SuperNames []string

	classMethods map[string]*Method
	methods      map[string]*Method
	props        map[string]*Property
	propOrder    []string

	supers []int
	linked bool
	reg    *Registry
}

func newClass(id uint32, def *ClassDef, reg *Registry) *Class {
	c := &Class{
		ID:           id,
		Name:         def.Name,
		SuperNames:   append([]string{}, def.Supers...),
		classMethods: make(map[string]*Method),
		methods:      make(map[string]*Method),
		props:        make(map[string]*Property),
		reg:          reg,
	}
	for name, ovs := range def.ClassMethods {
		c.classMethods[name] = newMethod(name, ovs)
	}
	for name, ovs := range def.Methods {
		c.methods[name] = newMethod(name, ovs)
	}
	for i := range def.Props {
		p := def.Props[i]
		if _, dup := c.props[p.Name]; !dup {
			c.propOrder = append(c.propOrder, p.Name)
		}
		c.props[p.Name] = &p
	}
	return c
}

// Linked reports whether every super name has been resolved.
func (c *Class) Linked() bool { return c.linked }

// Supers returns the resolved super-classes in declaration
// order, nil before linking.
func (c *Class) Supers() []*Class {
	if !c.linked {
		return nil
	}
	out := make([]*Class, len(c.supers))
	for i, k := range c.supers {
		out[i] = c.reg.arena[k]
	}
	return out
}

func (c *Class) String() string {
	return c.Name
}

// Registry is the registry c was registered with; property
// hooks use it to emit.
func (c *Class) Registry() *Registry { return c.reg }

// lookup searches c, then each super in declaration order,
// depth first, and returns the first hit. A diamond can make
// one branch shadow the other; that is the lookup rule.
func (c *Class) lookup(name string, instance bool) (*Method, *Class) {
	tab := c.classMethods
	if instance {
		tab = c.methods
	}
	if m, ok := tab[name]; ok {
		return m, c
	}
	for _, k := range c.supers {
		if m, from := c.reg.arena[k].lookup(name, instance); m != nil {
			return m, from
		}
	}
	return nil, nil
}

// FindMethod looks up an instance method.
func (c *Class) FindMethod(name string) (*Method, *Class) {
	return c.lookup(name, true)
}

// FindClassMethod looks up a class method.
func (c *Class) FindClassMethod(name string) (*Method, *Class) {
	return c.lookup(name, false)
}

// PropertyClass finds the ancestor (or c itself) declaring
// property name, with the same search order as methods.
func (c *Class) PropertyClass(name string) (*Class, *Property) {
	if p, ok := c.props[name]; ok {
		return c, p
	}
	for _, k := range c.supers {
		if from, p := c.reg.arena[k].PropertyClass(name); p != nil {
			return from, p
		}
	}
	return nil, nil
}

// IsA reports whether c is name or inherits from it.
func (c *Class) IsA(name string) bool {
	if c.Name == name {
		return true
	}
	for _, k := range c.supers {
		if c.reg.arena[k].IsA(name) {
			return true
		}
	}
	return false
}
