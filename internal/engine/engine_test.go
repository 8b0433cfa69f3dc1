package engine

import (
	"context"
	"strconv"
	"testing"
	"time"

	"tunebench/internal/config"
	"tunebench/internal/db"
	"tunebench/internal/domain"
	"tunebench/internal/environment"
	"tunebench/internal/events"
	"tunebench/internal/migrate"
	"tunebench/internal/optimizer"
	"tunebench/internal/repo"
	"tunebench/internal/sched"
)

const testTS = "2026-01-02T03:04:05Z"

func testEngine(t *testing.T) *Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := func() time.Time {
		ts, _ := time.Parse(time.RFC3339, testTS)
		return ts
	}
	r := repo.Repo{DB: conn}
	w := events.Writer{DB: conn, Now: now}
	return &Engine{
		DB:     conn,
		Repo:   r,
		Events: w,
		Sched: &sched.Scheduler{
			Repo: r, Events: w, Now: now, ActorID: "tester", Backlog: 64,
		},
		Now:     now,
		ActorID: "tester",
	}
}

const expYAML = `experiment:
  id: kernel-tuning
  description: tune vm knobs

objectives:
  - metric: latency_ms
    direction: min

tunables:
  groups:
    - name: kernel
      cost: 1
      params:
        - name: vm_swappiness
          type: int
          min: 0
          max: 100
          default: 60
        - name: sched_policy
          type: categorical
          values: [cfs, fifo, rr]
          default: cfs
`

func loadConfig(t *testing.T, raw string) *config.Config {
	t.Helper()
	cfg, err := config.FromYAML([]byte(raw))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func TestCreateExperiment(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	cfg := loadConfig(t, expYAML)

	exp, err := e.CreateExperiment(ctx, cfg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if exp.SchemaUID == "" {
		t.Fatal("schema uid not set")
	}
	if _, err := e.CreateExperiment(ctx, cfg); err != ErrExperimentExists {
		t.Fatalf("expected ErrExperimentExists, got %v", err)
	}

	groups, got, err := e.LoadGroups(ctx, "kernel-tuning")
	if err != nil {
		t.Fatalf("load groups: %v", err)
	}
	if got.SchemaUID != exp.SchemaUID {
		t.Fatal("schema uid changed on reload")
	}
	if uid := groups.SchemaUID(); uid != exp.SchemaUID {
		t.Fatal("stored definition does not rebuild the same schema")
	}
}

func TestSubmitTrialsDedupsConfig(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	if _, err := e.CreateExperiment(ctx, loadConfig(t, expYAML)); err != nil {
		t.Fatalf("create: %v", err)
	}

	ids1, uid1, err := e.SubmitTrials(ctx, "kernel-tuning", map[string]string{"vm_swappiness": "10", "sched_policy": "fifo"}, 1)
	if err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	ids2, uid2, err := e.SubmitTrials(ctx, "kernel-tuning", map[string]string{"sched_policy": "fifo", "vm_swappiness": "10"}, 1)
	if err != nil {
		t.Fatalf("submit 2: %v", err)
	}
	if uid1 != uid2 {
		t.Fatal("identical assignments must share one config")
	}
	if ids1[0] == ids2[0] {
		t.Fatal("each submission gets its own trial")
	}
	if n, _ := e.Repo.CountConfigs(ctx); n != 1 {
		t.Fatalf("expected 1 config row, got %d", n)
	}

	// Default-valued parameters are stored explicitly.
	cfg, err := e.Repo.GetConfig(ctx, uid1)
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if cfg.Values["vm_swappiness"] != "10" || cfg.Values["sched_policy"] != "fifo" {
		t.Fatalf("unexpected stored values: %v", cfg.Values)
	}
}

func TestSubmitTrialsRejectsUnknownParam(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	if _, err := e.CreateExperiment(ctx, loadConfig(t, expYAML)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := e.SubmitTrials(ctx, "kernel-tuning", map[string]string{"nope": "1"}, 1); err == nil {
		t.Fatal("unknown parameter must be rejected")
	}
}

func TestMergeRequiresIdenticalSchemas(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	if _, err := e.CreateExperiment(ctx, loadConfig(t, expYAML)); err != nil {
		t.Fatalf("create a: %v", err)
	}

	cfgB := loadConfig(t, expYAML)
	cfgB.Experiment.ID = "kernel-tuning-b"
	if _, err := e.CreateExperiment(ctx, cfgB); err != nil {
		t.Fatalf("create b: %v", err)
	}

	// Different space: extra parameter.
	cfgC := loadConfig(t, expYAML)
	cfgC.Experiment.ID = "kernel-tuning-c"
	cfgC.Tunables.Groups[0].Params[0].Name = "vm_dirty_ratio"
	if _, err := e.CreateExperiment(ctx, cfgC); err != nil {
		t.Fatalf("create c: %v", err)
	}

	if err := e.Merge(ctx, "kernel-tuning", "kernel-tuning-c"); err != ErrSchemaMismatch {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
	if err := e.Merge(ctx, "kernel-tuning", "kernel-tuning-b"); err != nil {
		t.Fatalf("merge: %v", err)
	}

	// Complete a trial in b; a's history should include it.
	ids, _, err := e.SubmitTrials(ctx, "kernel-tuning-b", map[string]string{"vm_swappiness": "30"}, 1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := e.Sched.NextForRunner(ctx, "kernel-tuning-b", "runner-0"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := e.CompleteTrial(ctx, "kernel-tuning-b", ids[0], map[string]float64{"latency_ms": 7}, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	history, err := e.Repo.LoadHistory(ctx, "kernel-tuning")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Scores["latency_ms"] != 7 {
		t.Fatalf("merged history missing: %+v", history)
	}
}

// hangEnv blocks until the trial context expires.
type hangEnv struct{}

func (hangEnv) Setup(ctx context.Context, params map[string]string) error { return nil }

func (hangEnv) Run(ctx context.Context) (environment.Result, error) {
	<-ctx.Done()
	return environment.Result{}, ctx.Err()
}

func (hangEnv) Teardown(ctx context.Context) error { return nil }

func TestRunLoopMarksDeadlineExceededTimedOut(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	if _, err := e.CreateExperiment(ctx, loadConfig(t, expYAML)); err != nil {
		t.Fatalf("create: %v", err)
	}
	groups, _, err := e.LoadGroups(ctx, "kernel-tuning")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	opt := optimizer.NewRandomSearch(groups, optimizer.Objective{Metric: "latency_ms", Direction: "min"}, 1, 1)
	report, err := e.RunLoop(ctx, RunOptions{
		ExperimentID: "kernel-tuning",
		Optimizer:    opt,
		NewEnv:       func() environment.Environment { return hangEnv{} },
		Runners:      1,
		MaxTrials:    1,
		TrialTimeout: 50 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("run loop: %v", err)
	}
	if report.Completed != 1 {
		t.Fatalf("expected 1 finished trial, got %d", report.Completed)
	}

	counts, err := e.Repo.CountTrialsByStatus(ctx, "kernel-tuning")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[domain.StatusTimedOut] != 1 {
		t.Fatalf("budget exceedance must be TIMED_OUT, got %v", counts)
	}
	if counts[domain.StatusFailed] != 0 {
		t.Fatalf("timed-out trial recorded as FAILED: %v", counts)
	}
}

// latencyEnv reports latency proportional to vm_swappiness so the best
// trial is predictable.
func latencyEnv() environment.Environment {
	return &environment.MockEnv{
		Metric: "latency_ms",
		Score: func(params map[string]string) float64 {
			v, _ := strconv.ParseFloat(params["vm_swappiness"], 64)
			return 100 + v
		},
	}
}

func TestRunLoopDrivesTrialsToCompletion(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	if _, err := e.CreateExperiment(ctx, loadConfig(t, expYAML)); err != nil {
		t.Fatalf("create: %v", err)
	}
	groups, _, err := e.LoadGroups(ctx, "kernel-tuning")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	opt := optimizer.NewRandomSearch(groups, optimizer.Objective{Metric: "latency_ms", Direction: "min"}, 1, 8)
	report, err := e.RunLoop(ctx, RunOptions{
		ExperimentID: "kernel-tuning",
		Optimizer:    opt,
		NewEnv:       latencyEnv,
		Runners:      2,
		PollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("run loop: %v", err)
	}
	if report.Completed == 0 {
		t.Fatal("no trials completed")
	}

	counts, err := e.Repo.CountTrialsByStatus(ctx, "kernel-tuning")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[domain.StatusPending] != 0 || counts[domain.StatusInProgress] != 0 {
		t.Fatalf("run loop left unfinished trials: %v", counts)
	}
	if counts[domain.StatusSucceeded] == 0 {
		t.Fatalf("expected successes: %v", counts)
	}

	summary, err := e.Summarize(ctx, "kernel-tuning")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Best == nil {
		t.Fatal("no best trial found")
	}
	want, _ := strconv.ParseFloat(summary.Best.Values["vm_swappiness"], 64)
	if summary.Best.Score != 100+want {
		t.Fatalf("best score %v does not match its config %v", summary.Best.Score, summary.Best.Values)
	}

	best, ok := opt.BestSoFar()
	if !ok || best.Score != summary.Best.Score {
		t.Fatalf("optimizer best (%v) disagrees with storage (%v)", best.Score, summary.Best.Score)
	}
}
