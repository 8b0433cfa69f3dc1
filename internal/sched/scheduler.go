package sched

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tunebench/internal/domain"
	"tunebench/internal/events"
	"tunebench/internal/repo"
)

// CapacityError is returned when a submission would exceed the pending
// backlog bound. Callers should drain trials before resubmitting.
type CapacityError struct {
	Pending int
	Limit   int
}

func (e CapacityError) Error() string {
	return fmt.Sprintf("backlog full: %d pending trials, limit %d", e.Pending, e.Limit)
}

// TransitionError reports a trial status change that the lifecycle does
// not admit.
type TransitionError struct {
	From string
	To   string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid trial transition %s -> %s", e.From, e.To)
}

// CanTransition reports whether a trial may move between the two statuses.
// Terminal statuses admit nothing; PENDING may start, cancel, or time out
// at the submission bound; IN_PROGRESS may reach any terminal status.
func CanTransition(from, to string) bool {
	if domain.IsTerminal(from) {
		return false
	}
	switch from {
	case domain.StatusPending:
		return to == domain.StatusInProgress || to == domain.StatusCanceled || to == domain.StatusTimedOut
	case domain.StatusInProgress:
		return domain.IsTerminal(to)
	}
	return false
}

// Less orders pending trials for dispatch. The zero value (nil) is FIFO
// by trial id.
type Less func(a, b domain.Trial) bool

// Scheduler hands trials to runners. Trial rows are the durable state
// and the store is what enforces one trial in flight per runner; the
// in-memory maps are a fast path for the in-process case plus advisory
// cancel flags for running trials.
type Scheduler struct {
	Repo    repo.Repo
	Events  events.Writer
	Now     func() time.Time
	ActorID string

	// Backlog bounds the number of PENDING trials per experiment.
	Backlog int

	// LessFn overrides FIFO dispatch order when set.
	LessFn Less

	mu        sync.Mutex
	inFlight  map[string]trialRef       // runner id -> running trial
	cancelReq map[string]map[int64]bool // exp id -> trial id -> cancel requested
}

type trialRef struct {
	ExperimentID string
	TrialID      int64
}

func (s *Scheduler) now() string {
	if s.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return s.Now().UTC().Format(time.RFC3339)
}

func (s *Scheduler) backlog() int {
	if s.Backlog <= 0 {
		return 64
	}
	return s.Backlog
}

// Submit queues repeat trials of the given stored config. All rows are
// created in one transaction and share the config; each gets its own
// trial id and independent lifecycle. The backlog bound is checked
// inside the same transaction so concurrent submissions cannot jointly
// overshoot it.
func (s *Scheduler) Submit(ctx context.Context, expID, configUID string, repeatCount int) ([]int64, error) {
	if repeatCount <= 0 {
		repeatCount = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	pending, err := s.Repo.CountPendingTx(ctx, tx, expID)
	if err != nil {
		return nil, err
	}
	if pending+repeatCount > s.backlog() {
		return nil, CapacityError{Pending: pending, Limit: s.backlog()}
	}

	ts := s.now()
	ids := make([]int64, 0, repeatCount)
	for i := 0; i < repeatCount; i++ {
		id, err := s.Repo.NextTrialID(ctx, tx, expID)
		if err != nil {
			return nil, err
		}
		trial := domain.Trial{
			ExperimentID: expID,
			TrialID:      id,
			ConfigUID:    configUID,
			Status:       domain.StatusPending,
			TSSubmit:     ts,
		}
		if err := s.Repo.InsertTrial(ctx, tx, trial); err != nil {
			return nil, err
		}
		err = s.Events.Append(ctx, tx, "trial.submitted", expID, "trial", fmt.Sprint(id), s.ActorID, events.EventPayload{
			"config_uid": configUID,
		})
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, tx.Commit()
}

// NextForRunner claims the next dispatchable trial for a runner, moving it
// to IN_PROGRESS. A runner holding an unfinished trial gets nothing until
// it reports completion; the check consults the store, so a runner id is
// single-flight across processes, not just within this one. Returns nil
// when no pending trial exists.
func (s *Scheduler) NextForRunner(ctx context.Context, expID, runnerID string) (*domain.Trial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight == nil {
		s.inFlight = map[string]trialRef{}
	}
	if ref, busy := s.inFlight[runnerID]; busy {
		return nil, fmt.Errorf("runner %s already holds trial %d", runnerID, ref.TrialID)
	}
	running, err := s.Repo.ListTrials(ctx, repo.TrialFilters{
		ExperimentID: expID, Status: domain.StatusInProgress, RunnerID: runnerID, Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(running) > 0 {
		return nil, fmt.Errorf("runner %s already holds trial %d", runnerID, running[0].TrialID)
	}

	pending, err := s.Repo.PendingTrials(ctx, expID)
	if err != nil {
		return nil, err
	}
	if s.LessFn != nil {
		sort.SliceStable(pending, func(i, j int) bool { return s.LessFn(pending[i], pending[j]) })
	}

	for i := range pending {
		pick := pending[i]
		tx, err := s.Repo.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		ts := s.now()
		err = s.Repo.MarkTrialStarted(ctx, tx, expID, pick.TrialID, runnerID, ts)
		if errors.Is(err, repo.ErrNotFound) {
			// Another process claimed or canceled it between the read
			// and the update; move on to the next candidate.
			tx.Rollback()
			continue
		}
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		err = s.Events.Append(ctx, tx, "trial.started", expID, "trial", fmt.Sprint(pick.TrialID), s.ActorID, events.EventPayload{
			"runner_id": runnerID,
		})
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}

		s.inFlight[runnerID] = trialRef{ExperimentID: expID, TrialID: pick.TrialID}
		pick.Status = domain.StatusInProgress
		pick.RunnerID = &runnerID
		pick.TSStart = &ts
		return &pick, nil
	}
	return nil, nil
}

// Complete records a terminal outcome for a running trial and frees the
// runner slot. Any supplied metrics are stored whatever the terminal
// status; a failed run may leave a partial set.
func (s *Scheduler) Complete(ctx context.Context, expID string, trialID int64, status string, metrics map[string]float64) error {
	if !domain.IsTerminal(status) {
		return TransitionError{From: domain.StatusInProgress, To: status}
	}
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	trial, err := s.Repo.GetTrialTx(ctx, tx, expID, trialID)
	if err != nil {
		return err
	}
	if !CanTransition(trial.Status, status) {
		return TransitionError{From: trial.Status, To: status}
	}
	ts := s.now()
	if err := s.Repo.MarkTrialEnded(ctx, tx, expID, trialID, status, ts); err != nil {
		return err
	}
	if len(metrics) > 0 {
		if err := s.Repo.InsertResults(ctx, tx, expID, trialID, metrics); err != nil {
			return err
		}
	}
	err = s.Events.Append(ctx, tx, "trial.completed", expID, "trial", fmt.Sprint(trialID), s.ActorID, events.EventPayload{
		"status": status,
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.mu.Lock()
	s.releaseLocked(expID, trialID)
	s.mu.Unlock()
	return nil
}

// releaseLocked frees the runner slot holding the trial and clears any
// cancel flag. Caller holds s.mu.
func (s *Scheduler) releaseLocked(expID string, trialID int64) {
	for runner, ref := range s.inFlight {
		if ref.ExperimentID == expID && ref.TrialID == trialID {
			delete(s.inFlight, runner)
		}
	}
	if reqs := s.cancelReq[expID]; reqs != nil {
		delete(reqs, trialID)
	}
}

// Cancel stops a trial. PENDING trials are canceled synchronously;
// IN_PROGRESS trials get an advisory flag and stay running until the
// runner observes it and calls AckTeardown. Returns true when the
// cancellation took effect immediately.
func (s *Scheduler) Cancel(ctx context.Context, expID string, trialID int64) (bool, error) {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	trial, err := s.Repo.GetTrialTx(ctx, tx, expID, trialID)
	if err != nil {
		return false, err
	}
	switch trial.Status {
	case domain.StatusPending:
		if err := s.Repo.MarkTrialEnded(ctx, tx, expID, trialID, domain.StatusCanceled, s.now()); err != nil {
			return false, err
		}
		err = s.Events.Append(ctx, tx, "trial.canceled", expID, "trial", fmt.Sprint(trialID), s.ActorID, nil)
		if err != nil {
			return false, err
		}
		return true, tx.Commit()
	case domain.StatusInProgress:
		err = s.Events.Append(ctx, tx, "trial.cancel_requested", expID, "trial", fmt.Sprint(trialID), s.ActorID, nil)
		if err != nil {
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, err
		}
		s.mu.Lock()
		if s.cancelReq == nil {
			s.cancelReq = map[string]map[int64]bool{}
		}
		if s.cancelReq[expID] == nil {
			s.cancelReq[expID] = map[int64]bool{}
		}
		s.cancelReq[expID][trialID] = true
		s.mu.Unlock()
		return false, nil
	default:
		return false, TransitionError{From: trial.Status, To: domain.StatusCanceled}
	}
}

// CancelRequested reports whether a running trial has been asked to stop.
// Runners poll this between workload phases.
func (s *Scheduler) CancelRequested(expID string, trialID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelReq[expID][trialID]
}

// AckTeardown is called by a runner after it stopped a trial whose
// cancellation was requested while running.
func (s *Scheduler) AckTeardown(ctx context.Context, expID string, trialID int64) error {
	return s.Complete(ctx, expID, trialID, domain.StatusCanceled, nil)
}

// ExpireTimedOut moves IN_PROGRESS trials whose start is older than the
// timeout to TIMED_OUT and frees their runner slots. Returns the expired
// trial ids.
func (s *Scheduler) ExpireTimedOut(ctx context.Context, expID string, timeout time.Duration) ([]int64, error) {
	if timeout <= 0 {
		return nil, nil
	}
	running, err := s.Repo.ListTrials(ctx, repo.TrialFilters{ExperimentID: expID, Status: domain.StatusInProgress})
	if err != nil {
		return nil, err
	}
	now, err := time.Parse(time.RFC3339, s.now())
	if err != nil {
		return nil, err
	}

	var expired []int64
	for _, t := range running {
		if t.TSStart == nil {
			continue
		}
		started, err := time.Parse(time.RFC3339, *t.TSStart)
		if err != nil {
			return nil, err
		}
		if now.Sub(started) < timeout {
			continue
		}
		tx, err := s.Repo.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		if err := s.Repo.MarkTrialEnded(ctx, tx, expID, t.TrialID, domain.StatusTimedOut, s.now()); err != nil {
			tx.Rollback()
			return nil, err
		}
		err = s.Events.Append(ctx, tx, "trial.timed_out", expID, "trial", fmt.Sprint(t.TrialID), s.ActorID, events.EventPayload{
			"timeout_seconds": int(timeout.Seconds()),
		})
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.releaseLocked(expID, t.TrialID)
		s.mu.Unlock()
		expired = append(expired, t.TrialID)
	}
	return expired, nil
}
