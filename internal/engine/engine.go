package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tunebench/internal/config"
	"tunebench/internal/domain"
	"tunebench/internal/events"
	"tunebench/internal/repo"
	"tunebench/internal/sched"
	"tunebench/internal/tunables"
)

var (
	ErrExperimentExists = errors.New("experiment already exists")
	ErrSchemaMismatch   = errors.New("experiments have different tunable schemas")
)

// Engine implements the experiment operations on top of the repo and
// scheduler. All writes go through transactions with an event appended in
// the same commit.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Sched   *sched.Scheduler
	Now     func() time.Time
	ActorID string
}

func (e *Engine) now() string {
	if e.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return e.Now().UTC().Format(time.RFC3339)
}

// CreateExperiment registers an experiment with its parameter space and
// metric schema. The space definition is stored content-addressed, so
// experiments over the same space share one schema row.
func (e *Engine) CreateExperiment(ctx context.Context, cfg *config.Config) (domain.Experiment, error) {
	if err := cfg.Validate(); err != nil {
		return domain.Experiment{}, err
	}
	groups, err := cfg.Groups()
	if err != nil {
		return domain.Experiment{}, err
	}
	if _, err := e.Repo.GetExperiment(ctx, cfg.Experiment.ID); err == nil {
		return domain.Experiment{}, ErrExperimentExists
	} else if err != repo.ErrNotFound {
		return domain.Experiment{}, err
	}

	schemaUID := groups.SchemaUID()
	definition, err := json.Marshal(groups.Specs())
	if err != nil {
		return domain.Experiment{}, err
	}

	exp := domain.Experiment{
		ID:          cfg.Experiment.ID,
		Description: cfg.Experiment.Description,
		SchemaUID:   schemaUID,
		Status:      "active",
		CreatedAt:   e.now(),
	}
	for _, o := range cfg.Objectives {
		exp.Objectives = append(exp.Objectives, domain.Objective{Metric: o.Metric, Direction: o.Direction})
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Experiment{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.GetOrCreateSchema(ctx, tx, schemaUID, string(definition), exp.CreatedAt); err != nil {
		return domain.Experiment{}, err
	}
	if err := e.Repo.InsertExperiment(ctx, tx, exp); err != nil {
		return domain.Experiment{}, err
	}
	err = e.Events.Append(ctx, tx, "experiment.created", exp.ID, "experiment", exp.ID, e.ActorID, events.EventPayload{
		"schema_uid": schemaUID,
	})
	if err != nil {
		return domain.Experiment{}, err
	}
	return exp, tx.Commit()
}

// LoadGroups rebuilds the tunable parameter space of an experiment from its
// stored schema definition, with defaults assigned.
func (e *Engine) LoadGroups(ctx context.Context, expID string) (*tunables.TunableGroups, domain.Experiment, error) {
	exp, err := e.Repo.GetExperiment(ctx, expID)
	if err != nil {
		return nil, exp, err
	}
	schema, err := e.Repo.GetSchema(ctx, exp.SchemaUID)
	if err != nil {
		return nil, exp, err
	}
	var specs []tunables.GroupSpec
	if err := json.Unmarshal([]byte(schema.DefinitionJSON), &specs); err != nil {
		return nil, exp, fmt.Errorf("corrupt schema %s: %w", exp.SchemaUID, err)
	}
	groups, err := tunables.Define(specs)
	if err != nil {
		return nil, exp, fmt.Errorf("corrupt schema %s: %w", exp.SchemaUID, err)
	}
	return groups, exp, nil
}

// SubmitTrials queues repeat trials of a flat parameter assignment.
// Unassigned parameters keep their defaults. Returns the trial ids and the
// stored config uid they share.
func (e *Engine) SubmitTrials(ctx context.Context, expID string, values map[string]string, repeatCount int) ([]int64, string, error) {
	groups, _, err := e.LoadGroups(ctx, expID)
	if err != nil {
		return nil, "", err
	}
	if err := groups.AssignStrings(values); err != nil {
		return nil, "", err
	}
	return e.submitGroups(ctx, expID, groups, repeatCount)
}

// submitGroups persists the assignment under its content hash and queues
// the trials. Resubmitting an identical assignment reuses the stored
// config row.
func (e *Engine) submitGroups(ctx context.Context, expID string, groups *tunables.TunableGroups, repeatCount int) ([]int64, string, error) {
	uid := groups.ConfigUID()
	cfg := domain.TrialConfig{
		UID:       uid,
		SchemaUID: groups.SchemaUID(),
		Values:    groups.EnvParams(nil),
		CreatedAt: e.now(),
	}
	err := repo.Retry(ctx, 3, func() error {
		_, err := e.Repo.GetOrCreateConfig(ctx, cfg)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	ids, err := e.Sched.Submit(ctx, expID, uid, repeatCount)
	if err != nil {
		return nil, "", err
	}
	return ids, uid, nil
}

// CompleteTrial records a successful outcome with its metrics and any
// telemetry captured during the run.
func (e *Engine) CompleteTrial(ctx context.Context, expID string, trialID int64, metrics map[string]float64, telemetry []domain.TelemetryPoint) error {
	if err := e.Sched.Complete(ctx, expID, trialID, domain.StatusSucceeded, metrics); err != nil {
		return err
	}
	if len(telemetry) == 0 {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for i := range telemetry {
		telemetry[i].ExperimentID = expID
		telemetry[i].TrialID = trialID
	}
	if err := e.Repo.InsertTelemetry(ctx, tx, telemetry); err != nil {
		return err
	}
	return tx.Commit()
}

// FailTrial records a failed run.
func (e *Engine) FailTrial(ctx context.Context, expID string, trialID int64) error {
	return e.Sched.Complete(ctx, expID, trialID, domain.StatusFailed, nil)
}

// CancelTrial requests cancellation. Returns true when the trial was
// still pending and is now canceled.
func (e *Engine) CancelTrial(ctx context.Context, expID string, trialID int64) (bool, error) {
	return e.Sched.Cancel(ctx, expID, trialID)
}

// Merge links src's trial history into dst for optimizer warm starts.
// Both experiments must declare the identical parameter space and the
// identical objectives; anything less would feed the optimizer scores it
// cannot compare.
func (e *Engine) Merge(ctx context.Context, dstID, srcID string) error {
	dst, err := e.Repo.GetExperiment(ctx, dstID)
	if err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	src, err := e.Repo.GetExperiment(ctx, srcID)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if dst.SchemaUID != src.SchemaUID {
		return ErrSchemaMismatch
	}
	if !sameObjectives(dst.Objectives, src.Objectives) {
		return fmt.Errorf("experiments declare different objectives")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	err = e.Repo.InsertMerge(ctx, tx, domain.ExperimentMerge{
		DstExperimentID: dstID,
		SrcExperimentID: srcID,
		CreatedAt:       e.now(),
	})
	if err != nil {
		return err
	}
	err = e.Events.Append(ctx, tx, "experiment.merged", dstID, "experiment", dstID, e.ActorID, events.EventPayload{
		"source": srcID,
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

func sameObjectives(a, b []domain.Objective) bool {
	if len(a) != len(b) {
		return false
	}
	// Objectives come back sorted by metric from the store.
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Summary is the rollup shown by `tb experiment show`.
type Summary struct {
	Experiment domain.Experiment
	Counts     map[string]int
	Best       *BestTrial
}

// BestTrial is the winning trial under the primary (first) objective.
type BestTrial struct {
	TrialID   int64
	ConfigUID string
	Metric    string
	Score     float64
	Values    map[string]string
}

func (e *Engine) Summarize(ctx context.Context, expID string) (Summary, error) {
	exp, err := e.Repo.GetExperiment(ctx, expID)
	if err != nil {
		return Summary{}, err
	}
	counts, err := e.Repo.CountTrialsByStatus(ctx, expID)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{Experiment: exp, Counts: counts}
	if len(exp.Objectives) == 0 {
		return s, nil
	}

	obj := exp.Objectives[0]
	history, err := e.Repo.LoadHistory(ctx, expID)
	if err != nil {
		return Summary{}, err
	}
	for _, rec := range history {
		score, ok := rec.Scores[obj.Metric]
		if !ok {
			continue
		}
		if s.Best == nil ||
			(obj.Direction == "min" && score < s.Best.Score) ||
			(obj.Direction == "max" && score > s.Best.Score) {
			s.Best = &BestTrial{
				TrialID:   rec.TrialID,
				ConfigUID: rec.ConfigUID,
				Metric:    obj.Metric,
				Score:     score,
				Values:    rec.Values,
			}
		}
	}
	return s, nil
}
