package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"tunebench/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- experiments ---

func (r Repo) InsertExperiment(ctx context.Context, tx *sql.Tx, e domain.Experiment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO experiments(id,description,schema_uid,status,created_at) VALUES (?,?,?,?,?)`,
		e.ID, nullable(e.Description), e.SchemaUID, e.Status, e.CreatedAt)
	if err != nil {
		return err
	}
	for _, o := range e.Objectives {
		if _, err := tx.ExecContext(ctx, `INSERT INTO experiment_objectives(exp_id,metric,direction) VALUES (?,?,?)`,
			e.ID, o.Metric, o.Direction); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetExperiment(ctx context.Context, id string) (domain.Experiment, error) {
	var e domain.Experiment
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,description,schema_uid,status,created_at FROM experiments WHERE id=?`, id).
		Scan(&e.ID, &desc, &e.SchemaUID, &e.Status, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if desc.Valid {
		e.Description = desc.String
	}
	e.Objectives, err = r.listObjectives(ctx, id)
	return e, err
}

func (r Repo) listObjectives(ctx context.Context, expID string) ([]domain.Objective, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT metric,direction FROM experiment_objectives WHERE exp_id=? ORDER BY metric`, expID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Objective
	for rows.Next() {
		var o domain.Objective
		if err := rows.Scan(&o.Metric, &o.Direction); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) ListExperiments(ctx context.Context) ([]domain.Experiment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(description,''),schema_uid,status,created_at FROM experiments ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Experiment
	for rows.Next() {
		var e domain.Experiment
		if err := rows.Scan(&e.ID, &e.Description, &e.SchemaUID, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) SingleExperiment(ctx context.Context) (domain.Experiment, error) {
	exps, err := r.ListExperiments(ctx)
	if err != nil {
		return domain.Experiment{}, err
	}
	if len(exps) == 0 {
		return domain.Experiment{}, ErrNotFound
	}
	if len(exps) > 1 {
		return domain.Experiment{}, fmt.Errorf("multiple experiments exist; specify --experiment")
	}
	return exps[0], nil
}

// --- tunable schemas ---

// GetOrCreateSchema stores a parameter-space definition keyed by its content
// hash. Losing an insert race is not an error: the winner's row is
// identical by construction.
func (r Repo) GetOrCreateSchema(ctx context.Context, tx *sql.Tx, uid, definitionJSON string, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO tunable_schemas(uid,definition_json,created_at) VALUES (?,?,?)`,
		uid, definitionJSON, now)
	return err
}

func (r Repo) GetSchema(ctx context.Context, uid string) (domain.TunableSchema, error) {
	var s domain.TunableSchema
	err := r.DB.QueryRowContext(ctx, `SELECT uid,definition_json,created_at FROM tunable_schemas WHERE uid=?`, uid).
		Scan(&s.UID, &s.DefinitionJSON, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// --- trial configs (content-addressed dedup store) ---

// GetOrCreateConfig persists a value assignment under its content hash.
// Concurrent callers computing the same uid converge on a single row: the
// unique constraint arbitrates, losers fall through to the existing row and
// the conflict is never surfaced. Returns true when this call inserted the
// row.
func (r Repo) GetOrCreateConfig(ctx context.Context, cfg domain.TrialConfig) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO trial_configs(uid,schema_uid,created_at) VALUES (?,?,?)`,
		cfg.UID, cfg.SchemaUID, cfg.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Lost the race (or config already stored). Nothing else to do.
		return false, tx.Commit()
	}
	for param, value := range cfg.Values {
		if _, err := tx.ExecContext(ctx, `INSERT INTO trial_config_values(config_uid,param,value) VALUES (?,?,?)`,
			cfg.UID, param, value); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

func (r Repo) GetConfig(ctx context.Context, uid string) (domain.TrialConfig, error) {
	var c domain.TrialConfig
	err := r.DB.QueryRowContext(ctx, `SELECT uid,schema_uid,created_at FROM trial_configs WHERE uid=?`, uid).
		Scan(&c.UID, &c.SchemaUID, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Values, err = r.configValues(ctx, uid)
	return c, err
}

func (r Repo) configValues(ctx context.Context, uid string) (map[string]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT param,value FROM trial_config_values WHERE config_uid=?`, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	values := map[string]string{}
	for rows.Next() {
		var param, value string
		if err := rows.Scan(&param, &value); err != nil {
			return nil, err
		}
		values[param] = value
	}
	return values, rows.Err()
}

func (r Repo) CountConfigs(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM trial_configs`).Scan(&n)
	return n, err
}

// --- trials ---

// NextTrialID allocates the next monotonic trial id within an experiment.
// Callers must hold a write transaction so concurrent submissions cannot
// allocate the same id.
func (r Repo) NextTrialID(ctx context.Context, tx *sql.Tx, expID string) (int64, error) {
	var max int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(trial_id),0) FROM trials WHERE exp_id=?`, expID).Scan(&max); err != nil {
		return 0, err
	}
	return max + 1, nil
}

func (r Repo) InsertTrial(ctx context.Context, tx *sql.Tx, t domain.Trial) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO trials(exp_id,trial_id,config_uid,runner_id,status,ts_submit,ts_start,ts_end) VALUES (?,?,?,?,?,?,?,?)`,
		t.ExperimentID, t.TrialID, t.ConfigUID, nullableStringPtr(t.RunnerID), t.Status, t.TSSubmit, nullableStringPtr(t.TSStart), nullableStringPtr(t.TSEnd))
	return err
}

func scanTrial(scan func(dest ...any) error) (domain.Trial, error) {
	var t domain.Trial
	var runner, tsStart, tsEnd sql.NullString
	err := scan(&t.ExperimentID, &t.TrialID, &t.ConfigUID, &runner, &t.Status, &t.TSSubmit, &tsStart, &tsEnd)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if runner.Valid {
		t.RunnerID = &runner.String
	}
	if tsStart.Valid {
		t.TSStart = &tsStart.String
	}
	if tsEnd.Valid {
		t.TSEnd = &tsEnd.String
	}
	return t, nil
}

const trialColumns = `exp_id,trial_id,config_uid,runner_id,status,ts_submit,ts_start,ts_end`

func (r Repo) GetTrial(ctx context.Context, expID string, trialID int64) (domain.Trial, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+trialColumns+` FROM trials WHERE exp_id=? AND trial_id=?`, expID, trialID)
	return scanTrial(row.Scan)
}

func (r Repo) GetTrialTx(ctx context.Context, tx *sql.Tx, expID string, trialID int64) (domain.Trial, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+trialColumns+` FROM trials WHERE exp_id=? AND trial_id=?`, expID, trialID)
	return scanTrial(row.Scan)
}

type TrialFilters struct {
	ExperimentID string
	Status       string
	ConfigUID    string
	RunnerID     string
	Limit        int
}

func (r Repo) ListTrials(ctx context.Context, f TrialFilters) ([]domain.Trial, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ExperimentID != "" {
		clauses = append(clauses, "exp_id=?")
		args = append(args, f.ExperimentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ConfigUID != "" {
		clauses = append(clauses, "config_uid=?")
		args = append(args, f.ConfigUID)
	}
	if f.RunnerID != "" {
		clauses = append(clauses, "runner_id=?")
		args = append(args, f.RunnerID)
	}
	query := `SELECT ` + trialColumns + ` FROM trials WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY trial_id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Trial
	for rows.Next() {
		t, err := scanTrial(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// PendingTrials returns PENDING trials in submission (trial id) order.
func (r Repo) PendingTrials(ctx context.Context, expID string) ([]domain.Trial, error) {
	return r.ListTrials(ctx, TrialFilters{ExperimentID: expID, Status: domain.StatusPending})
}

// CountPendingTx counts PENDING trials inside the caller's transaction,
// for backlog checks that must not race with concurrent submissions.
func (r Repo) CountPendingTx(ctx context.Context, tx *sql.Tx, expID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM trials WHERE exp_id=? AND status=?`, expID, domain.StatusPending).Scan(&n)
	return n, err
}

func (r Repo) CountTrialsByStatus(ctx context.Context, expID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM trials WHERE exp_id=? GROUP BY status`, expID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// MarkTrialStarted moves a trial to IN_PROGRESS and binds it to a runner.
func (r Repo) MarkTrialStarted(ctx context.Context, tx *sql.Tx, expID string, trialID int64, runnerID, tsStart string) error {
	res, err := tx.ExecContext(ctx, `UPDATE trials SET status=?, runner_id=?, ts_start=? WHERE exp_id=? AND trial_id=? AND status=?`,
		domain.StatusInProgress, runnerID, tsStart, expID, trialID, domain.StatusPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkTrialEnded records a terminal status and end timestamp.
func (r Repo) MarkTrialEnded(ctx context.Context, tx *sql.Tx, expID string, trialID int64, status, tsEnd string) error {
	res, err := tx.ExecContext(ctx, `UPDATE trials SET status=?, ts_end=? WHERE exp_id=? AND trial_id=?`,
		status, tsEnd, expID, trialID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- results & telemetry ---

func (r Repo) InsertResults(ctx context.Context, tx *sql.Tx, expID string, trialID int64, metrics map[string]float64) error {
	for metric, value := range metrics {
		if _, err := tx.ExecContext(ctx, `INSERT INTO trial_results(exp_id,trial_id,metric,value) VALUES (?,?,?,?)`,
			expID, trialID, metric, value); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) TrialResults(ctx context.Context, expID string, trialID int64) (map[string]float64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT metric,value FROM trial_results WHERE exp_id=? AND trial_id=?`, expID, trialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]float64{}
	for rows.Next() {
		var metric string
		var value float64
		if err := rows.Scan(&metric, &value); err != nil {
			return nil, err
		}
		res[metric] = value
	}
	return res, rows.Err()
}

func (r Repo) InsertTelemetry(ctx context.Context, tx *sql.Tx, points []domain.TelemetryPoint) error {
	for _, p := range points {
		if _, err := tx.ExecContext(ctx, `INSERT INTO trial_telemetry(exp_id,trial_id,ts,metric,value) VALUES (?,?,?,?,?)`,
			p.ExperimentID, p.TrialID, p.TS, p.Metric, p.Value); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) TrialTelemetry(ctx context.Context, expID string, trialID int64) ([]domain.TelemetryPoint, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT exp_id,trial_id,ts,metric,value FROM trial_telemetry WHERE exp_id=? AND trial_id=? ORDER BY ts, metric`, expID, trialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TelemetryPoint
	for rows.Next() {
		var p domain.TelemetryPoint
		if err := rows.Scan(&p.ExperimentID, &p.TrialID, &p.TS, &p.Metric, &p.Value); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- cross-experiment merge ---

func (r Repo) InsertMerge(ctx context.Context, tx *sql.Tx, m domain.ExperimentMerge) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO experiment_merges(dst_exp_id,src_exp_id,created_at) VALUES (?,?,?)`,
		m.DstExperimentID, m.SrcExperimentID, m.CreatedAt)
	return err
}

func (r Repo) MergeSources(ctx context.Context, dstExpID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT src_exp_id FROM experiment_merges WHERE dst_exp_id=? ORDER BY src_exp_id`, dstExpID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

// HistoryRecord is one completed trial with its configuration and scores,
// used to warm-start an optimizer.
type HistoryRecord struct {
	ExperimentID string
	TrialID      int64
	ConfigUID    string
	Status       string
	Values       map[string]string
	Scores       map[string]float64
}

// LoadHistory returns completed trials of the experiment plus any merged-in
// source experiments, in trial order. Scores are present only for
// SUCCEEDED trials.
func (r Repo) LoadHistory(ctx context.Context, expID string) ([]HistoryRecord, error) {
	expIDs := []string{expID}
	sources, err := r.MergeSources(ctx, expID)
	if err != nil {
		return nil, err
	}
	expIDs = append(expIDs, sources...)

	var res []HistoryRecord
	for _, id := range expIDs {
		rows, err := r.DB.QueryContext(ctx,
			`SELECT exp_id,trial_id,config_uid,status FROM trials WHERE exp_id=? AND status IN (?,?,?) ORDER BY trial_id ASC`,
			id, domain.StatusSucceeded, domain.StatusFailed, domain.StatusTimedOut)
		if err != nil {
			return nil, err
		}
		var records []HistoryRecord
		for rows.Next() {
			var rec HistoryRecord
			if err := rows.Scan(&rec.ExperimentID, &rec.TrialID, &rec.ConfigUID, &rec.Status); err != nil {
				rows.Close()
				return nil, err
			}
			records = append(records, rec)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
		for i := range records {
			records[i].Values, err = r.configValues(ctx, records[i].ConfigUID)
			if err != nil {
				return nil, err
			}
			if records[i].Status == domain.StatusSucceeded {
				records[i].Scores, err = r.TrialResults(ctx, records[i].ExperimentID, records[i].TrialID)
				if err != nil {
					return nil, err
				}
			}
		}
		res = append(res, records...)
	}
	return res, nil
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, expID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if expID != "" {
		clauses = append(clauses, "exp_id=?")
		args = append(args, expID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,exp_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, expID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if expID != "" {
		clauses = append(clauses, "exp_id=?")
		args = append(args, expID)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,exp_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var expID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &expID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if expID.Valid {
			e.ExperimentID = expID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- api keys ---

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the
// hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, k domain.APIKey) error {
	if k.ID == "" || k.ActorID == "" || k.KeyHash == "" {
		return errors.New("id, actor_id and key_hash required")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO api_keys(id,actor_id,name,key_hash,created_at) VALUES (?,?,?,?,?)`,
		k.ID, k.ActorID, nullable(k.Name), k.KeyHash, k.CreatedAt)
	return err
}

func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	var k domain.APIKey
	err := r.DB.QueryRowContext(ctx, `SELECT id,actor_id,COALESCE(name,''),key_hash,created_at FROM api_keys WHERE key_hash=? LIMIT 1`, hash).
		Scan(&k.ID, &k.ActorID, &k.Name, &k.KeyHash, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.APIKey{}, ErrNotFound
	}
	return k, err
}

func (r Repo) CountAPIKeys(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM api_keys`).Scan(&n)
	return n, err
}

// --- retry at the store boundary ---

// Retry runs fn with bounded backoff, for transient storage failures
// (SQLITE_BUSY under concurrent writers). Non-transient errors return
// immediately; the last error escalates after attempts are exhausted.
func Retry(ctx context.Context, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = 3
	}
	backoff := 10 * time.Millisecond
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("storage retries exhausted: %w", err)
}

func isTransient(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
