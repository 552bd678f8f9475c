package registry

import (
	"github.com/pkg/errors"

	"github.com/glycerine/wsys/value"
)

// RootClass is the name of the class every builtin-aware
// class inherits from.
const RootClass = "Object"

// destroyMethod is the instance method that takes an object
// down. Whatever overload runs, a successful call releases it.
const destroyMethod = "DESTROY"

// InstallBuiltins registers the root Object class:
//
//	class methods:    new() -> object, describe() -> string
//	instance methods: DESTROY(), class() -> (uint32, string),
//	                  get(string) -> value, set(string, any),
//	                  set(string) clears, subscribe(string) -> uint32,
//	                  unsubscribe(string) -> uint32,
//	                  emit(string, list...) -> uint32
func InstallBuiltins(r *Registry) *Class {
	return r.MustRegister(ClassDef{
		Name: RootClass,
		ClassMethods: map[string][]Overload{
			"new":      {Over(builtinNew)},
			"describe": {Over(builtinDescribe)},
		},
		Methods: map[string][]Overload{
			destroyMethod: {Over(builtinDestroy)},
			"class":       {Over(builtinClass)},
			"get":         {Over(builtinGet, value.String)},
			"set": {
				Over(builtinSet, value.String, value.Any),
				Over(builtinClear, value.String),
			},
			"subscribe":   {Over(builtinSubscribe, value.String)},
			"unsubscribe": {Over(builtinUnsubscribe, value.String)},
			"emit":        {Over(builtinEmit, value.String, value.List)},
		},
	})
}

// new instantiates the class the call was addressed to, not
// the class declaring new.
func builtinNew(c *Call) *value.Tuple {
	o := c.Reg.NewObject(c.Class)
	return value.TupleOf(value.NewObject(o))
}

func builtinDescribe(c *Call) *value.Tuple {
	return value.TupleOf(value.NewBytes(c.Class.JSON()))
}

func builtinDestroy(c *Call) *value.Tuple {
	c.Reg.release(c.Self)
	return nil
}

func builtinClass(c *Call) *value.Tuple {
	return value.TupleOf(value.NewUint32(c.Self.Class.ID), value.NewString(c.Self.Class.Name))
}

func builtinGet(c *Call) *value.Tuple {
	name := c.Args.Get(0).Str()
	v, err := c.Reg.GetProperty(c.Self, name)
	if err != nil {
		return value.ErrorTuple("Property not found: %v.%v", c.Self.Class.Name, name)
	}
	if v.IsUndef() {
		return nil
	}
	return value.TupleOf(v)
}

func builtinSet(c *Call) *value.Tuple {
	return setProp(c, c.Args.Get(1))
}

func builtinClear(c *Call) *value.Tuple {
	return setProp(c, value.Value{})
}

func setProp(c *Call, v value.Value) *value.Tuple {
	name := c.Args.Get(0).Str()
	err := c.Reg.SetProperty(c.Self, name, v)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNoProperty):
		return value.ErrorTuple("Property not found: %v.%v", c.Self.Class.Name, name)
	}
	return value.ErrorTuple("Type mismatch: cannot set %v.%v from %v", c.Self.Class.Name, name, v.Type())
}

func builtinSubscribe(c *Call) *value.Tuple {
	if c.Client == nil {
		return value.ErrorTuple("No client to subscribe")
	}
	return value.TupleOf(boolValue(c.Reg.Subscribe(c.Client, c.Self, c.Args.Get(0).Str())))
}

func builtinUnsubscribe(c *Call) *value.Tuple {
	if c.Client == nil {
		return value.ErrorTuple("No client to unsubscribe")
	}
	return value.TupleOf(boolValue(c.Reg.Unsubscribe(c.Client, c.Self, c.Args.Get(0).Str())))
}

func builtinEmit(c *Call) *value.Tuple {
	n := c.Reg.Emit(c.Self, c.Args.Get(0).Str(), c.Args.Slice(1))
	return value.TupleOf(value.NewUint32(uint32(n)))
}

func boolValue(b bool) value.Value {
	if b {
		return value.NewUint32(1)
	}
	return value.NewUint32(0)
}
