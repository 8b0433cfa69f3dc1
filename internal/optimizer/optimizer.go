package optimizer

import (
	"tunebench/internal/tunables"
)

// Objective names the metric an optimizer steers on and whether lower or
// higher is better.
type Objective struct {
	Metric    string
	Direction string // "min" or "max"
}

// Optimizer proposes parameter assignments and learns from trial outcomes.
// Implementations are not safe for concurrent use; the run loop serializes
// Suggest and Register calls.
type Optimizer interface {
	// Suggest returns a fresh assignment over the parameter space.
	Suggest() (*tunables.TunableGroups, error)

	// Register feeds back one completed trial: its stored config values,
	// terminal status, and scores (present only on success).
	Register(values map[string]string, status string, scores map[string]float64) error

	// Converged reports whether the optimizer has nothing further to try.
	Converged() bool
}

// Best tracks the winning assignment seen so far under an objective.
type Best struct {
	Values map[string]string
	Score  float64
	Seen   bool
}

func (b *Best) observe(obj Objective, values map[string]string, scores map[string]float64) {
	score, ok := scores[obj.Metric]
	if !ok {
		return
	}
	better := !b.Seen
	if b.Seen {
		if obj.Direction == "min" {
			better = score < b.Score
		} else {
			better = score > b.Score
		}
	}
	if better {
		b.Score = score
		b.Seen = true
		b.Values = make(map[string]string, len(values))
		for k, v := range values {
			b.Values[k] = v
		}
	}
}
