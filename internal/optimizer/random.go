package optimizer

import (
	"fmt"
	"math/rand"

	"tunebench/internal/domain"
	"tunebench/internal/tunables"
)

// RandomSearch samples the parameter space uniformly, honoring declared
// categorical weights. Deterministic for a fixed seed.
type RandomSearch struct {
	base      *tunables.TunableGroups
	objective Objective
	rng       *rand.Rand
	max       int
	suggested int
	best      Best
}

func NewRandomSearch(base *tunables.TunableGroups, objective Objective, seed int64, maxSuggestions int) *RandomSearch {
	if maxSuggestions <= 0 {
		maxSuggestions = 100
	}
	return &RandomSearch{
		base:      base,
		objective: objective,
		rng:       rand.New(rand.NewSource(seed)),
		max:       maxSuggestions,
	}
}

func (o *RandomSearch) Suggest() (*tunables.TunableGroups, error) {
	g := o.base.Copy()
	for _, gs := range g.Specs() {
		for _, ps := range gs.Params {
			value, err := o.sample(ps)
			if err != nil {
				return nil, err
			}
			if err := g.Assign(ps.Name, value); err != nil {
				return nil, err
			}
		}
	}
	o.suggested++
	return g, nil
}

func (o *RandomSearch) sample(ps tunables.ParamSpec) (any, error) {
	switch ps.Type {
	case tunables.TypeInt:
		lo, hi := int64(*ps.Min), int64(*ps.Max)
		return lo + o.rng.Int63n(hi-lo+1), nil
	case tunables.TypeFloat:
		return *ps.Min + o.rng.Float64()*(*ps.Max-*ps.Min), nil
	case tunables.TypeCategorical:
		return ps.Values[o.pickIndex(ps)], nil
	}
	return nil, fmt.Errorf("cannot sample type %s", ps.Type)
}

// pickIndex draws a category, weighted when weights are declared.
func (o *RandomSearch) pickIndex(ps tunables.ParamSpec) int {
	if len(ps.Weights) == 0 {
		return o.rng.Intn(len(ps.Values))
	}
	total := 0.0
	for _, w := range ps.Weights {
		total += w
	}
	r := o.rng.Float64() * total
	acc := 0.0
	for i, w := range ps.Weights {
		acc += w
		if r < acc {
			return i
		}
	}
	return len(ps.Weights) - 1
}

func (o *RandomSearch) Register(values map[string]string, status string, scores map[string]float64) error {
	if status == domain.StatusSucceeded {
		o.best.observe(o.objective, values, scores)
	}
	return nil
}

func (o *RandomSearch) Converged() bool {
	return o.suggested >= o.max
}

// BestSoFar returns the best assignment registered so far, if any.
func (o *RandomSearch) BestSoFar() (Best, bool) {
	return o.best, o.best.Seen
}
