package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tunebench/internal/domain"
	"tunebench/internal/environment"
	"tunebench/internal/optimizer"
	"tunebench/internal/sched"
)

// RunOptions configures one optimization run.
type RunOptions struct {
	ExperimentID string
	Optimizer    optimizer.Optimizer

	// NewEnv builds an environment per runner. Each runner owns its
	// instance for the whole run.
	NewEnv func() environment.Environment

	Runners      int
	MaxTrials    int
	TrialTimeout time.Duration

	// PollInterval is how long an idle runner sleeps. Tests shorten it.
	PollInterval time.Duration
}

// RunReport summarizes a finished run loop.
type RunReport struct {
	Submitted int64
	Completed int64
}

// RunLoop drives the experiment until the optimizer converges, MaxTrials
// trials complete, or the context is canceled. Pending trials already in
// the queue (manual submissions) are executed alongside optimizer
// suggestions. Completed history, including merged-in experiments, warm
// starts the optimizer before any suggestion is made.
func (e *Engine) RunLoop(ctx context.Context, opts RunOptions) (RunReport, error) {
	if opts.Optimizer == nil {
		return RunReport{}, fmt.Errorf("run loop needs an optimizer")
	}
	if opts.NewEnv == nil {
		return RunReport{}, fmt.Errorf("run loop needs an environment factory")
	}
	runners := opts.Runners
	if runners <= 0 {
		runners = 1
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}

	history, err := e.Repo.LoadHistory(ctx, opts.ExperimentID)
	if err != nil {
		return RunReport{}, err
	}
	var optMu sync.Mutex
	for _, rec := range history {
		if err := opts.Optimizer.Register(rec.Values, rec.Status, rec.Scores); err != nil {
			return RunReport{}, err
		}
	}

	var report RunReport
	var errMu sync.Mutex
	var loopErr error
	fail := func(err error) {
		errMu.Lock()
		if loopErr == nil {
			loopErr = err
		}
		errMu.Unlock()
	}
	failed := func() bool {
		errMu.Lock()
		defer errMu.Unlock()
		return loopErr != nil
	}

	// trySubmit asks the optimizer for one more assignment. Returns false
	// once the optimizer is done or the backlog pushes back.
	trySubmit := func() bool {
		optMu.Lock()
		defer optMu.Unlock()
		if opts.Optimizer.Converged() {
			return false
		}
		if opts.MaxTrials > 0 && atomic.LoadInt64(&report.Submitted) >= int64(opts.MaxTrials) {
			return false
		}
		groups, err := opts.Optimizer.Suggest()
		if err != nil {
			fail(fmt.Errorf("suggest: %w", err))
			return false
		}
		_, _, err = e.submitGroups(ctx, opts.ExperimentID, groups, 1)
		if err != nil {
			var capErr sched.CapacityError
			if errors.As(err, &capErr) {
				return false
			}
			fail(fmt.Errorf("submit suggestion: %w", err))
			return false
		}
		atomic.AddInt64(&report.Submitted, 1)
		return true
	}

	register := func(values map[string]string, status string, scores map[string]float64) {
		optMu.Lock()
		defer optMu.Unlock()
		if err := opts.Optimizer.Register(values, status, scores); err != nil {
			fail(fmt.Errorf("register: %w", err))
		}
	}

	// done when no further suggestions will come and the queue is drained.
	done := func() bool {
		if failed() {
			return true
		}
		optMu.Lock()
		converged := opts.Optimizer.Converged()
		optMu.Unlock()
		budgetSpent := opts.MaxTrials > 0 && atomic.LoadInt64(&report.Submitted) >= int64(opts.MaxTrials)
		if !converged && !budgetSpent {
			return false
		}
		counts, err := e.Repo.CountTrialsByStatus(ctx, opts.ExperimentID)
		if err != nil {
			fail(err)
			return true
		}
		return counts[domain.StatusPending] == 0 && counts[domain.StatusInProgress] == 0
	}

	var wg sync.WaitGroup
	for i := 0; i < runners; i++ {
		runnerID := fmt.Sprintf("runner-%d", i)
		env := opts.NewEnv()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil || done() {
					return
				}
				trial, err := e.Sched.NextForRunner(ctx, opts.ExperimentID, runnerID)
				if err != nil {
					fail(err)
					return
				}
				if trial == nil {
					if !trySubmit() {
						if opts.TrialTimeout > 0 {
							if _, err := e.Sched.ExpireTimedOut(ctx, opts.ExperimentID, opts.TrialTimeout); err != nil {
								fail(err)
								return
							}
						}
						select {
						case <-ctx.Done():
							return
						case <-time.After(poll):
						}
					}
					continue
				}
				e.runTrial(ctx, opts, env, trial, register)
				atomic.AddInt64(&report.Completed, 1)
			}
		}()
	}
	wg.Wait()

	if loopErr != nil {
		return report, loopErr
	}
	return report, ctx.Err()
}

// runTrial drives one claimed trial through the environment lifecycle and
// records the outcome. Environment failures fail the trial, never the
// whole run.
func (e *Engine) runTrial(ctx context.Context, opts RunOptions, env environment.Environment, trial *domain.Trial, register func(map[string]string, string, map[string]float64)) {
	cfg, err := e.Repo.GetConfig(ctx, trial.ConfigUID)
	if err != nil {
		e.failQuietly(ctx, trial)
		return
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.TrialTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.TrialTimeout)
		defer cancel()
	}

	status := domain.StatusFailed
	var metrics map[string]float64
	var telemetry []domain.TelemetryPoint

	if err := env.Setup(runCtx, cfg.Values); err == nil {
		if e.Sched.CancelRequested(trial.ExperimentID, trial.TrialID) {
			env.Teardown(ctx)
			e.Sched.AckTeardown(ctx, trial.ExperimentID, trial.TrialID)
			register(cfg.Values, domain.StatusCanceled, nil)
			return
		}
		res, err := env.Run(runCtx)
		if err == nil && res.Succeeded {
			status = domain.StatusSucceeded
			metrics = res.Metrics
			for _, row := range res.Telemetry {
				telemetry = append(telemetry, domain.TelemetryPoint{TS: row.TS, Metric: row.Metric, Value: row.Value})
			}
		}
	}
	env.Teardown(ctx)

	if e.Sched.CancelRequested(trial.ExperimentID, trial.TrialID) {
		e.Sched.AckTeardown(ctx, trial.ExperimentID, trial.TrialID)
		register(cfg.Values, domain.StatusCanceled, nil)
		return
	}

	// A run killed by the per-trial deadline is a budget exceedance, not
	// an environment failure. Parent-context cancellation is neither.
	if status != domain.StatusSucceeded && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		status = domain.StatusTimedOut
	}

	if status == domain.StatusSucceeded {
		err = e.CompleteTrial(ctx, trial.ExperimentID, trial.TrialID, metrics, telemetry)
	} else {
		err = e.Sched.Complete(ctx, trial.ExperimentID, trial.TrialID, status, metrics)
	}
	if err != nil {
		// Trial may have been expired or canceled underneath us. The
		// stored status wins.
		return
	}
	register(cfg.Values, status, metrics)
}

func (e *Engine) failQuietly(ctx context.Context, trial *domain.Trial) {
	_ = e.Sched.Complete(ctx, trial.ExperimentID, trial.TrialID, domain.StatusFailed, nil)
}
