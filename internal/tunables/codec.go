package tunables

import (
	"fmt"
	"math"
)

// Vector encoding for optimizer backends. Slots follow group insertion order
// and, within a group, parameter declaration order. Categorical values map
// to their declared-order index; the index is fixed by the schema and never
// recomputed or sorted at encode time.

// ToVector encodes the current configuration as an ordered numeric vector.
// With no arguments the whole space is encoded; group names restrict the
// encoding to that subset.
func (g *TunableGroups) ToVector(groupNames ...string) ([]float64, error) {
	names := groupNames
	if len(names) == 0 {
		names = g.order
	}
	var vec []float64
	for _, gn := range names {
		grp, ok := g.groups[gn]
		if !ok {
			return nil, SchemaError{Reason: fmt.Sprintf("unknown group %s", gn)}
		}
		for _, tn := range grp.order {
			t := grp.tunables[tn]
			if t.typ == TypeCategorical {
				vec = append(vec, float64(t.categoryIndex()))
				continue
			}
			vec = append(vec, t.currentNum)
		}
	}
	return vec, nil
}

// FromVector applies an optimizer-produced vector to the space. Fails with
// DecodeError if the length or any per-slot domain does not match the
// schema. FromVector(ToVector(g)) restores g for any valid configuration.
func (g *TunableGroups) FromVector(vec []float64) error {
	names := g.Names()
	if len(vec) != len(names) {
		return DecodeError{Reason: fmt.Sprintf("got %d slots, schema has %d", len(vec), len(names))}
	}
	// Validate every slot before mutating anything.
	for i, name := range names {
		t, _ := g.Tunable(name)
		v := vec[i]
		if t.typ == TypeCategorical {
			if v != math.Trunc(v) || v < 0 || int(v) >= len(t.values) {
				return DecodeError{Reason: fmt.Sprintf("slot %d (%s): index %v out of range", i, name, v)}
			}
			continue
		}
		if !t.numericInDomain(t.snap(v)) && !t.isSpecialValue(v) {
			return DecodeError{Reason: fmt.Sprintf("slot %d (%s): %s out of domain", i, name, formatNumber(v))}
		}
	}
	for i, name := range names {
		t, _ := g.Tunable(name)
		if t.typ == TypeCategorical {
			t.currentCat = t.values[int(vec[i])]
			continue
		}
		if t.isSpecialValue(vec[i]) {
			t.currentNum = vec[i]
			continue
		}
		t.currentNum = t.snap(vec[i])
	}
	g.configUID = ""
	return nil
}

// EnvParams flattens current values to a string map for injection into an
// external process. The same canonical numeric formatting as hashing keeps
// the output stable under re-ordering of internal group storage. An optional
// filter restricts the output to accepted names.
func (g *TunableGroups) EnvParams(filter func(name string) bool) map[string]string {
	params := map[string]string{}
	for _, gn := range g.order {
		grp := g.groups[gn]
		for _, tn := range grp.order {
			if filter != nil && !filter(tn) {
				continue
			}
			params[tn] = grp.tunables[tn].canonicalValue()
		}
	}
	return params
}

func (t *Tunable) categoryIndex() int {
	for i, v := range t.values {
		if v == t.currentCat {
			return i
		}
	}
	return 0
}
