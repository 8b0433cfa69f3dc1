package app

import (
	"context"
	"errors"
	"fmt"

	"tunebench/internal/domain"
	"tunebench/internal/repo"
)

// ResolveExperiment picks the active experiment for a CLI invocation. An
// explicit override wins; otherwise a workspace with exactly one experiment
// selects it implicitly.
func ResolveExperiment(ctx context.Context, r repo.Repo, override string) (domain.Experiment, error) {
	if override != "" {
		exp, err := r.GetExperiment(ctx, override)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Experiment{}, fmt.Errorf("experiment %s not found", override)
		}
		return exp, err
	}
	exp, err := r.SingleExperiment(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Experiment{}, fmt.Errorf("no experiments in workspace; create one with `tb experiment create`")
	}
	return exp, err
}
