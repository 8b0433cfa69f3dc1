package domain

// Trial statuses. Transitions are monotonic: a terminal status is never
// left.
const (
	StatusPending    = "PENDING"
	StatusInProgress = "IN_PROGRESS"
	StatusSucceeded  = "SUCCEEDED"
	StatusFailed     = "FAILED"
	StatusTimedOut   = "TIMED_OUT"
	StatusCanceled   = "CANCELED"
)

// IsTerminal reports whether a trial status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCanceled:
		return true
	}
	return false
}

type Experiment struct {
	ID          string      `json:"id"`
	Description string      `json:"description,omitempty"`
	SchemaUID   string      `json:"schema_uid"`
	Status      string      `json:"status"`
	Objectives  []Objective `json:"objectives,omitempty"`
	CreatedAt   string      `json:"created_at" format:"date-time"`
}

// Objective names an output metric and its optimization direction.
type Objective struct {
	Metric    string `json:"metric"`
	Direction string `json:"direction" enum:"min,max"`
}

// TunableSchema is a stored parameter-space definition, content-addressed
// by its UID.
type TunableSchema struct {
	UID            string `json:"uid"`
	DefinitionJSON string `json:"definition_json"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

// TrialConfig is one stored value assignment, content-addressed by UID.
// Many trials may reference the same config.
type TrialConfig struct {
	UID       string            `json:"uid"`
	SchemaUID string            `json:"schema_uid"`
	Values    map[string]string `json:"values,omitempty"`
	CreatedAt string            `json:"created_at" format:"date-time"`
}

type Trial struct {
	ExperimentID string  `json:"experiment_id"`
	TrialID      int64   `json:"trial_id"`
	ConfigUID    string  `json:"config_uid"`
	RunnerID     *string `json:"runner_id,omitempty"`
	Status       string  `json:"status" enum:"PENDING,IN_PROGRESS,SUCCEEDED,FAILED,TIMED_OUT,CANCELED"`
	TSSubmit     string  `json:"ts_submit" format:"date-time"`
	TSStart      *string `json:"ts_start,omitempty" format:"date-time"`
	TSEnd        *string `json:"ts_end,omitempty" format:"date-time"`
}

// MetricValue is one named result of a completed trial.
type MetricValue struct {
	ExperimentID string  `json:"experiment_id"`
	TrialID      int64   `json:"trial_id"`
	Metric       string  `json:"metric"`
	Value        float64 `json:"value"`
}

// TelemetryPoint is a timestamped measurement captured during a trial,
// not tied to the declared output-metric schema.
type TelemetryPoint struct {
	ExperimentID string  `json:"experiment_id"`
	TrialID      int64   `json:"trial_id"`
	TS           string  `json:"ts" format:"date-time"`
	Metric       string  `json:"metric"`
	Value        float64 `json:"value"`
}

// ExperimentMerge links a destination experiment to a source whose trial
// history it reuses.
type ExperimentMerge struct {
	DstExperimentID string `json:"dst_experiment_id"`
	SrcExperimentID string `json:"src_experiment_id"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	ExperimentID string `json:"experiment_id,omitempty"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	ActorID      string `json:"actor_id"`
	Payload      string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
