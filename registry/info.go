package registry

import (
	"sort"

	gjson "github.com/goccy/go-json"
)

// ClassInfo is the serializable description of a class, as
// returned by the describe class method.
type ClassInfo struct {
	ID           uint32         `json:"id"`
	Name         string         `json:"name"`
	Supers       []string       `json:"supers"`
	ClassMethods []MethodInfo   `json:"class_methods"`
	Methods      []MethodInfo   `json:"methods"`
	Props        []PropertyInfo `json:"props"`
}

type MethodInfo struct {
	Name       string   `json:"name"`
	Signatures []string `json:"signatures"`
}

type PropertyInfo struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Hooked bool   `json:"hooked,omitempty"`
}

// Info describes c's own declarations; inherited members are
// reached through Supers.
func (c *Class) Info() *ClassInfo {
	ci := &ClassInfo{
		ID:           c.ID,
		Name:         c.Name,
		Supers:       append([]string{}, c.SuperNames...),
		ClassMethods: methodInfos(c.classMethods),
		Methods:      methodInfos(c.methods),
		Props:        []PropertyInfo{},
	}
	for _, name := range c.propOrder {
		p := c.props[name]
		ci.Props = append(ci.Props, PropertyInfo{
			Name:   p.Name,
			Type:   p.Type.String(),
			Hooked: p.Hook != nil,
		})
	}
	return ci
}

func methodInfos(tab map[string]*Method) []MethodInfo {
	out := []MethodInfo{}
	for name, m := range tab {
		mi := MethodInfo{Name: name, Signatures: []string{}}
		for _, sig := range m.sigs {
			mi.Signatures = append(mi.Signatures, sig.String())
		}
		out = append(out, mi)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// JSON encodes Info.
func (c *Class) JSON() []byte {
	by, err := gjson.Marshal(c.Info())
	panicOn(err)
	return by
}

// ParseClassInfo decodes what JSON produced.
func ParseClassInfo(by []byte) (*ClassInfo, error) {
	ci := &ClassInfo{}
	if err := gjson.Unmarshal(by, ci); err != nil {
		return nil, err
	}
	return ci, nil
}
