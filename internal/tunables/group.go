package tunables

import "fmt"

// GroupSpec is the declarative definition of a covariant tunable group.
// Parameter order is significant: it fixes the vector encoding.
type GroupSpec struct {
	Name   string      `yaml:"name" json:"name"`
	Cost   int         `yaml:"cost,omitempty" json:"cost,omitempty"`
	Params []ParamSpec `yaml:"params" json:"params"`
}

// CovariantGroup is a named, ordered set of tunables that are always varied
// together. Its UID depends only on the schema, never on current values.
type CovariantGroup struct {
	name     string
	cost     int
	order    []string
	tunables map[string]*Tunable
	uid      string
}

func newGroup(spec GroupSpec) (*CovariantGroup, error) {
	if spec.Name == "" {
		return nil, SchemaError{Reason: "missing group name"}
	}
	if len(spec.Params) == 0 {
		return nil, SchemaError{Reason: fmt.Sprintf("group %s has no parameters", spec.Name)}
	}
	g := &CovariantGroup{
		name:     spec.Name,
		cost:     spec.Cost,
		tunables: make(map[string]*Tunable, len(spec.Params)),
	}
	for _, p := range spec.Params {
		if _, dup := g.tunables[p.Name]; dup {
			return nil, SchemaError{Tunable: p.Name, Reason: fmt.Sprintf("duplicate name in group %s", spec.Name)}
		}
		t, err := newTunable(p)
		if err != nil {
			return nil, err
		}
		g.order = append(g.order, p.Name)
		g.tunables[p.Name] = t
	}
	uid, err := schemaUID(g)
	if err != nil {
		return nil, err
	}
	g.uid = uid
	return g, nil
}

func (g *CovariantGroup) Name() string { return g.name }
func (g *CovariantGroup) Cost() int    { return g.cost }

// UID is the stable schema hash of the group: name plus every tunable's
// name/type/domain/default, independent of current values.
func (g *CovariantGroup) UID() string { return g.uid }

// Names returns tunable names in declaration order.
func (g *CovariantGroup) Names() []string {
	return append([]string(nil), g.order...)
}

func (g *CovariantGroup) Tunable(name string) (*Tunable, bool) {
	t, ok := g.tunables[name]
	return t, ok
}

// Values returns current values keyed by tunable name.
func (g *CovariantGroup) Values() map[string]any {
	vals := make(map[string]any, len(g.order))
	for _, name := range g.order {
		vals[name] = g.tunables[name].Value()
	}
	return vals
}

// Spec reconstructs the declarative definition, preserving order.
func (g *CovariantGroup) Spec() GroupSpec {
	spec := GroupSpec{Name: g.name, Cost: g.cost}
	for _, name := range g.order {
		spec.Params = append(spec.Params, g.tunables[name].spec())
	}
	return spec
}

func (g *CovariantGroup) copy() *CovariantGroup {
	c := &CovariantGroup{
		name:     g.name,
		cost:     g.cost,
		order:    append([]string(nil), g.order...),
		tunables: make(map[string]*Tunable, len(g.tunables)),
		uid:      g.uid,
	}
	for name, t := range g.tunables {
		c.tunables[name] = t.copy()
	}
	return c
}
