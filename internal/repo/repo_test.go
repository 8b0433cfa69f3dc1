package repo

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"tunebench/internal/db"
	"tunebench/internal/domain"
	"tunebench/internal/migrate"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

const testTS = "2026-01-02T03:04:05Z"

func seedExperiment(t *testing.T, r Repo, id string) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := r.GetOrCreateSchema(ctx, tx, "schema-1", `{"groups":[]}`, testTS); err != nil {
		t.Fatalf("schema: %v", err)
	}
	err = r.InsertExperiment(ctx, tx, domain.Experiment{
		ID:        id,
		SchemaUID: "schema-1",
		Status:    "active",
		Objectives: []domain.Objective{
			{Metric: "latency_ms", Direction: "min"},
		},
		CreatedAt: testTS,
	})
	if err != nil {
		t.Fatalf("insert experiment: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestExperimentRoundTrip(t *testing.T) {
	r := Repo{DB: testDB(t)}
	ctx := context.Background()
	seedExperiment(t, r, "exp-1")

	e, err := r.GetExperiment(ctx, "exp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.SchemaUID != "schema-1" || e.Status != "active" {
		t.Fatalf("unexpected experiment: %+v", e)
	}
	if len(e.Objectives) != 1 || e.Objectives[0].Metric != "latency_ms" {
		t.Fatalf("unexpected objectives: %+v", e.Objectives)
	}

	if _, err := r.GetExperiment(ctx, "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetOrCreateConfigDedup(t *testing.T) {
	r := Repo{DB: testDB(t)}
	ctx := context.Background()
	seedExperiment(t, r, "exp-1")

	cfg := domain.TrialConfig{
		UID:       "cfg-abc",
		SchemaUID: "schema-1",
		Values:    map[string]string{"level": "5", "mode": "fast"},
		CreatedAt: testTS,
	}
	created, err := r.GetOrCreateConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !created {
		t.Fatal("first insert should create the row")
	}
	created, err = r.GetOrCreateConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if created {
		t.Fatal("second insert must be a no-op")
	}

	got, err := r.GetConfig(ctx, "cfg-abc")
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if got.Values["level"] != "5" || got.Values["mode"] != "fast" {
		t.Fatalf("unexpected values: %v", got.Values)
	}
	if n, _ := r.CountConfigs(ctx); n != 1 {
		t.Fatalf("expected 1 config row, got %d", n)
	}
}

func TestGetOrCreateConfigConcurrent(t *testing.T) {
	r := Repo{DB: testDB(t)}
	ctx := context.Background()
	seedExperiment(t, r, "exp-1")

	cfg := domain.TrialConfig{
		UID:       "cfg-race",
		SchemaUID: "schema-1",
		Values:    map[string]string{"level": "7"},
		CreatedAt: testTS,
	}
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- Retry(ctx, 5, func() error {
				_, err := r.GetOrCreateConfig(ctx, cfg)
				return err
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent get-or-create: %v", err)
		}
	}
	if n, _ := r.CountConfigs(ctx); n != 1 {
		t.Fatalf("expected 1 config row after race, got %d", n)
	}
}

func insertTrial(t *testing.T, r Repo, expID string, configUID string) int64 {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	id, err := r.NextTrialID(ctx, tx, expID)
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	err = r.InsertTrial(ctx, tx, domain.Trial{
		ExperimentID: expID,
		TrialID:      id,
		ConfigUID:    configUID,
		Status:       domain.StatusPending,
		TSSubmit:     testTS,
	})
	if err != nil {
		t.Fatalf("insert trial: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return id
}

func TestTrialLifecycleRows(t *testing.T) {
	r := Repo{DB: testDB(t)}
	ctx := context.Background()
	seedExperiment(t, r, "exp-1")
	cfg := domain.TrialConfig{UID: "cfg-1", SchemaUID: "schema-1", Values: map[string]string{"level": "3"}, CreatedAt: testTS}
	if _, err := r.GetOrCreateConfig(ctx, cfg); err != nil {
		t.Fatalf("config: %v", err)
	}

	id1 := insertTrial(t, r, "exp-1", "cfg-1")
	id2 := insertTrial(t, r, "exp-1", "cfg-1")
	if id1 != 1 || id2 != 2 {
		t.Fatalf("trial ids not monotonic: %d, %d", id1, id2)
	}

	pending, err := r.PendingTrials(ctx, "exp-1")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending trials, got %d", len(pending))
	}

	tx, _ := r.DB.BeginTx(ctx, nil)
	if err := r.MarkTrialStarted(ctx, tx, "exp-1", id1, "runner-0", testTS); err != nil {
		t.Fatalf("start: %v", err)
	}
	tx.Commit()

	// A second start on the same trial misses the PENDING guard.
	tx, _ = r.DB.BeginTx(ctx, nil)
	if err := r.MarkTrialStarted(ctx, tx, "exp-1", id1, "runner-1", testTS); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on double start, got %v", err)
	}
	tx.Rollback()

	tx, _ = r.DB.BeginTx(ctx, nil)
	if err := r.MarkTrialEnded(ctx, tx, "exp-1", id1, domain.StatusSucceeded, testTS); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := r.InsertResults(ctx, tx, "exp-1", id1, map[string]float64{"latency_ms": 12.5}); err != nil {
		t.Fatalf("results: %v", err)
	}
	tx.Commit()

	got, err := r.GetTrial(ctx, "exp-1", id1)
	if err != nil {
		t.Fatalf("get trial: %v", err)
	}
	if got.Status != domain.StatusSucceeded || got.RunnerID == nil || *got.RunnerID != "runner-0" {
		t.Fatalf("unexpected trial: %+v", got)
	}
	scores, err := r.TrialResults(ctx, "exp-1", id1)
	if err != nil {
		t.Fatalf("scores: %v", err)
	}
	if scores["latency_ms"] != 12.5 {
		t.Fatalf("unexpected scores: %v", scores)
	}

	counts, err := r.CountTrialsByStatus(ctx, "exp-1")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[domain.StatusSucceeded] != 1 || counts[domain.StatusPending] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestLoadHistoryIncludesMergedSources(t *testing.T) {
	r := Repo{DB: testDB(t)}
	ctx := context.Background()
	seedExperiment(t, r, "exp-a")
	seedExperiment(t, r, "exp-b")
	cfg := domain.TrialConfig{UID: "cfg-1", SchemaUID: "schema-1", Values: map[string]string{"level": "9"}, CreatedAt: testTS}
	if _, err := r.GetOrCreateConfig(ctx, cfg); err != nil {
		t.Fatalf("config: %v", err)
	}

	for _, expID := range []string{"exp-a", "exp-b"} {
		id := insertTrial(t, r, expID, "cfg-1")
		tx, _ := r.DB.BeginTx(ctx, nil)
		r.MarkTrialStarted(ctx, tx, expID, id, "runner-0", testTS)
		r.MarkTrialEnded(ctx, tx, expID, id, domain.StatusSucceeded, testTS)
		r.InsertResults(ctx, tx, expID, id, map[string]float64{"latency_ms": 10})
		tx.Commit()
	}

	tx, _ := r.DB.BeginTx(ctx, nil)
	if err := r.InsertMerge(ctx, tx, domain.ExperimentMerge{DstExperimentID: "exp-a", SrcExperimentID: "exp-b", CreatedAt: testTS}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	tx.Commit()

	history, err := r.LoadHistory(ctx, "exp-a")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history records, got %d", len(history))
	}
	for _, rec := range history {
		if rec.Values["level"] != "9" {
			t.Fatalf("missing config values: %+v", rec)
		}
		if rec.Scores["latency_ms"] != 10 {
			t.Fatalf("missing scores: %+v", rec)
		}
	}
}

func TestEventsAfterCursor(t *testing.T) {
	r := Repo{DB: testDB(t)}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := r.DB.ExecContext(ctx, `INSERT INTO events(ts,type,exp_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
			testTS, "trial.submitted", "exp-1", "trial", "1", "tester", "{}")
		if err != nil {
			t.Fatalf("insert event: %v", err)
		}
	}
	evts, err := r.EventsAfter(ctx, 10, 1, "exp-1")
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(evts) != 2 {
		t.Fatalf("expected 2 events after cursor 1, got %d", len(evts))
	}
	if evts[0].ID != 2 || evts[1].ID != 3 {
		t.Fatalf("events out of order: %+v", evts)
	}
}
