package tunables

import "fmt"

// TunableGroups is the full covariant parameter space for an experiment:
// an ordered collection of covariant groups. Group insertion order is
// preserved for deterministic vector encoding.
type TunableGroups struct {
	order  []string
	groups map[string]*CovariantGroup
	// byName resolves a tunable to its group; names are unique space-wide.
	byName map[string]*CovariantGroup
	// configUID caches the value hash; any assignment clears it.
	configUID string
}

// Define builds the parameter space from declarative group specs.
func Define(specs []GroupSpec) (*TunableGroups, error) {
	g := &TunableGroups{
		groups: map[string]*CovariantGroup{},
		byName: map[string]*CovariantGroup{},
	}
	for _, spec := range specs {
		grp, err := newGroup(spec)
		if err != nil {
			return nil, err
		}
		if err := g.add(grp); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *TunableGroups) add(grp *CovariantGroup) error {
	if _, dup := g.groups[grp.name]; dup {
		return SchemaError{Reason: fmt.Sprintf("duplicate group %s", grp.name)}
	}
	for _, name := range grp.order {
		if other, dup := g.byName[name]; dup {
			return SchemaError{Tunable: name, Reason: fmt.Sprintf("already defined in group %s", other.name)}
		}
	}
	g.order = append(g.order, grp.name)
	g.groups[grp.name] = grp
	for _, name := range grp.order {
		g.byName[name] = grp
	}
	return nil
}

// GroupNames returns group names in insertion order.
func (g *TunableGroups) GroupNames() []string {
	return append([]string(nil), g.order...)
}

func (g *TunableGroups) Group(name string) (*CovariantGroup, bool) {
	grp, ok := g.groups[name]
	return grp, ok
}

// Names returns all tunable names, group by group in declaration order.
func (g *TunableGroups) Names() []string {
	var names []string
	for _, gn := range g.order {
		names = append(names, g.groups[gn].order...)
	}
	return names
}

func (g *TunableGroups) Tunable(name string) (*Tunable, bool) {
	grp, ok := g.byName[name]
	if !ok {
		return nil, false
	}
	return grp.tunables[name], true
}

// Assign sets a tunable's current value, snapping quantized numerics to the
// grid first. Fails with ValueError unless the result is in-domain or a
// declared special value. Invalidates the cached config UID.
func (g *TunableGroups) Assign(name string, value any) error {
	grp, ok := g.byName[name]
	if !ok {
		return ValueError{Tunable: name, Value: value, Reason: "unknown tunable"}
	}
	if err := grp.tunables[name].assign(value); err != nil {
		return err
	}
	g.configUID = ""
	return nil
}

// AssignAll applies a value map; order of application never affects identity.
func (g *TunableGroups) AssignAll(values map[string]any) error {
	for name, value := range values {
		if err := g.Assign(name, value); err != nil {
			return err
		}
	}
	return nil
}

// AssignStrings applies flat key/value pairs as produced by the CLI.
func (g *TunableGroups) AssignStrings(values map[string]string) error {
	for name, value := range values {
		grp, ok := g.byName[name]
		if !ok {
			return ValueError{Tunable: name, Value: value, Reason: "unknown tunable"}
		}
		if err := grp.tunables[name].assignString(value); err != nil {
			return err
		}
	}
	g.configUID = ""
	return nil
}

// IsSpecial reports whether the named tunable currently holds a declared
// sentinel value.
func (g *TunableGroups) IsSpecial(name string) (bool, error) {
	t, ok := g.Tunable(name)
	if !ok {
		return false, ValueError{Tunable: name, Reason: "unknown tunable"}
	}
	return t.IsSpecial(), nil
}

// Values returns current values for every tunable in the space.
func (g *TunableGroups) Values() map[string]any {
	vals := map[string]any{}
	for _, gn := range g.order {
		for name, v := range g.groups[gn].Values() {
			vals[name] = v
		}
	}
	return vals
}

// Reset restores every tunable to its default and clears the cached UID.
func (g *TunableGroups) Reset() {
	for _, gn := range g.order {
		grp := g.groups[gn]
		for _, name := range grp.order {
			grp.tunables[name].reset()
		}
	}
	g.configUID = ""
}

// Copy returns a deep copy. Trials snapshot their configuration this way so
// later mutation of the live object cannot corrupt historical records.
func (g *TunableGroups) Copy() *TunableGroups {
	c := &TunableGroups{
		order:     append([]string(nil), g.order...),
		groups:    make(map[string]*CovariantGroup, len(g.groups)),
		byName:    make(map[string]*CovariantGroup, len(g.byName)),
		configUID: g.configUID,
	}
	for name, grp := range g.groups {
		cg := grp.copy()
		c.groups[name] = cg
		for _, tn := range cg.order {
			c.byName[tn] = cg
		}
	}
	return c
}

// Subset returns a new TunableGroups restricted to the named groups, sharing
// no state with the receiver. Unknown names are an error.
func (g *TunableGroups) Subset(groupNames ...string) (*TunableGroups, error) {
	sub := &TunableGroups{
		groups: map[string]*CovariantGroup{},
		byName: map[string]*CovariantGroup{},
	}
	for _, name := range groupNames {
		grp, ok := g.groups[name]
		if !ok {
			return nil, SchemaError{Reason: fmt.Sprintf("unknown group %s", name)}
		}
		if err := sub.add(grp.copy()); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

// Merge adds the other space's groups to the receiver. A group present on
// both sides must have an identical schema UID; current values on the
// receiver win.
func (g *TunableGroups) Merge(other *TunableGroups) error {
	for _, name := range other.order {
		theirs := other.groups[name]
		if ours, ok := g.groups[name]; ok {
			if ours.uid != theirs.uid {
				return SchemaError{Reason: fmt.Sprintf("group %s redefined with a different schema", name)}
			}
			continue
		}
		if err := g.add(theirs.copy()); err != nil {
			return err
		}
	}
	g.configUID = ""
	return nil
}

// Specs reconstructs the declarative definition for persistence.
func (g *TunableGroups) Specs() []GroupSpec {
	specs := make([]GroupSpec, 0, len(g.order))
	for _, name := range g.order {
		specs = append(specs, g.groups[name].Spec())
	}
	return specs
}
