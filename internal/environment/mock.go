package environment

import "context"

// MockEnv is a deterministic in-process environment. Score derives the
// metric value from the applied parameters, so tests can predict which
// configuration wins.
type MockEnv struct {
	Metric   string
	Score    func(params map[string]string) float64
	SetupErr error
	RunErr   error
	Fail     bool

	params map[string]string
}

func (m *MockEnv) Setup(ctx context.Context, params map[string]string) error {
	if m.SetupErr != nil {
		return m.SetupErr
	}
	m.params = params
	return nil
}

func (m *MockEnv) Run(ctx context.Context) (Result, error) {
	if m.RunErr != nil {
		return Result{}, m.RunErr
	}
	if m.Fail {
		return Result{}, nil
	}
	return Result{
		Succeeded: true,
		Metrics:   map[string]float64{m.Metric: m.Score(m.params)},
	}, nil
}

func (m *MockEnv) Teardown(ctx context.Context) error { return nil }
