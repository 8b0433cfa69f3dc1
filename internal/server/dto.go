package server

import (
	"tunebench/internal/domain"
	"tunebench/internal/engine"
	"tunebench/internal/tunables"
)

type CreateExperimentRequest struct {
	ID          string               `json:"id" example:"kernel-tuning"`
	Description *string              `json:"description,omitempty"`
	Objectives  []ObjectiveDTO       `json:"objectives"`
	Groups      []tunables.GroupSpec `json:"groups"`
}

type ObjectiveDTO struct {
	Metric    string `json:"metric" example:"latency_ms"`
	Direction string `json:"direction" enum:"min,max"`
}

type ExperimentResponse struct {
	ID          string         `json:"id"`
	Description string         `json:"description,omitempty"`
	SchemaUID   string         `json:"schema_uid"`
	Status      string         `json:"status"`
	Objectives  []ObjectiveDTO `json:"objectives,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

func experimentResponse(e domain.Experiment) ExperimentResponse {
	resp := ExperimentResponse{
		ID:          e.ID,
		Description: e.Description,
		SchemaUID:   e.SchemaUID,
		Status:      e.Status,
		CreatedAt:   e.CreatedAt,
	}
	for _, o := range e.Objectives {
		resp.Objectives = append(resp.Objectives, ObjectiveDTO{Metric: o.Metric, Direction: o.Direction})
	}
	return resp
}

type SubmitTrialsRequest struct {
	Values map[string]string `json:"values"`
	Repeat int               `json:"repeat,omitempty" minimum:"0" maximum:"1000"`
}

type SubmitTrialsResponse struct {
	TrialIDs  []int64 `json:"trial_ids"`
	ConfigUID string  `json:"config_uid"`
}

type TrialResponse struct {
	ExperimentID string  `json:"experiment_id"`
	TrialID      int64   `json:"trial_id"`
	ConfigUID    string  `json:"config_uid"`
	RunnerID     *string `json:"runner_id,omitempty"`
	Status       string  `json:"status"`
	TSSubmit     string  `json:"ts_submit"`
	TSStart      *string `json:"ts_start,omitempty"`
	TSEnd        *string `json:"ts_end,omitempty"`
}

func trialResponse(t domain.Trial) TrialResponse {
	return TrialResponse{
		ExperimentID: t.ExperimentID,
		TrialID:      t.TrialID,
		ConfigUID:    t.ConfigUID,
		RunnerID:     t.RunnerID,
		Status:       t.Status,
		TSSubmit:     t.TSSubmit,
		TSStart:      t.TSStart,
		TSEnd:        t.TSEnd,
	}
}

type CancelTrialResponse struct {
	Canceled bool   `json:"canceled"`
	Status   string `json:"status"`
}

type ConfigResponse struct {
	UID       string            `json:"uid"`
	SchemaUID string            `json:"schema_uid"`
	Values    map[string]string `json:"values"`
	CreatedAt string            `json:"created_at"`
}

type BestTrialDTO struct {
	TrialID   int64             `json:"trial_id"`
	ConfigUID string            `json:"config_uid"`
	Metric    string            `json:"metric"`
	Score     float64           `json:"score"`
	Values    map[string]string `json:"values"`
}

type SummaryResponse struct {
	Experiment ExperimentResponse `json:"experiment"`
	Counts     map[string]int     `json:"counts"`
	Best       *BestTrialDTO      `json:"best,omitempty"`
}

func summaryResponse(s engine.Summary) SummaryResponse {
	resp := SummaryResponse{
		Experiment: experimentResponse(s.Experiment),
		Counts:     s.Counts,
	}
	if s.Best != nil {
		resp.Best = &BestTrialDTO{
			TrialID:   s.Best.TrialID,
			ConfigUID: s.Best.ConfigUID,
			Metric:    s.Best.Metric,
			Score:     s.Best.Score,
			Values:    s.Best.Values,
		}
	}
	return resp
}

type MergeRequest struct {
	Source string `json:"source" example:"kernel-tuning-v1"`
}

type TelemetryPointDTO struct {
	TS     string  `json:"ts"`
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
}

type EventResponse struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts"`
	Type         string `json:"type"`
	ExperimentID string `json:"experiment_id,omitempty"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	ActorID      string `json:"actor_id"`
	Payload      string `json:"payload_json"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:           e.ID,
		TS:           e.TS,
		Type:         e.Type,
		ExperimentID: e.ExperimentID,
		EntityKind:   e.EntityKind,
		EntityID:     e.EntityID,
		ActorID:      e.ActorID,
		Payload:      e.Payload,
	}
}
