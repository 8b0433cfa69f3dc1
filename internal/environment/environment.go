package environment

import (
	"context"
)

// Environment is one benchmark target. The scheduler drives it through the
// trial lifecycle: Setup applies a parameter assignment, Run executes the
// workload and reports metrics, Teardown restores the target.
type Environment interface {
	Setup(ctx context.Context, params map[string]string) error
	Run(ctx context.Context) (Result, error)
	Teardown(ctx context.Context) error
}

// Result is the outcome of one workload run.
type Result struct {
	// Succeeded is false when the workload ran but the benchmark itself
	// failed. Infrastructure failures surface as errors from Run instead.
	Succeeded bool
	Metrics   map[string]float64
	Telemetry []TelemetryRow
}

// TelemetryRow is a timestamped measurement emitted during the run,
// outside the declared metric schema.
type TelemetryRow struct {
	TS     string  `json:"ts"`
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
}
