package environment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ScriptEnv runs a benchmark through shell commands. Tunable values reach
// the scripts as environment variables named after the parameters. The run
// command prints a JSON object of metric name to number on its last stdout
// line; anything before it is passed through for operators to read.
type ScriptEnv struct {
	SetupCmd    string
	RunCmd      string
	TeardownCmd string

	// TelemetryFile, when set, is read after Run as JSON lines of
	// {ts, metric, value} rows.
	TelemetryFile string

	// Stderr receives script output; nil discards it.
	Stderr *bytes.Buffer

	params map[string]string
}

func (e *ScriptEnv) Setup(ctx context.Context, params map[string]string) error {
	e.params = params
	if e.SetupCmd == "" {
		return nil
	}
	_, err := e.run(ctx, e.SetupCmd)
	if err != nil {
		return fmt.Errorf("setup script: %w", err)
	}
	return nil
}

func (e *ScriptEnv) Run(ctx context.Context) (Result, error) {
	if e.RunCmd == "" {
		return Result{}, fmt.Errorf("no run command configured")
	}
	out, err := e.run(ctx, e.RunCmd)
	if err != nil {
		// A nonzero exit is a failed trial, not an orchestration error.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{Succeeded: false}, nil
		}
		return Result{}, fmt.Errorf("run script: %w", err)
	}
	metrics, err := parseMetrics(out)
	if err != nil {
		return Result{}, err
	}
	res := Result{Succeeded: true, Metrics: metrics}
	if e.TelemetryFile != "" {
		res.Telemetry, err = readTelemetryFile(e.TelemetryFile)
		if err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

func (e *ScriptEnv) Teardown(ctx context.Context) error {
	if e.TeardownCmd == "" {
		return nil
	}
	_, err := e.run(ctx, e.TeardownCmd)
	if err != nil {
		return fmt.Errorf("teardown script: %w", err)
	}
	return nil
}

func (e *ScriptEnv) run(ctx context.Context, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = os.Environ()
	for name, value := range e.params {
		cmd.Env = append(cmd.Env, name+"="+value)
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if e.Stderr != nil {
		cmd.Stderr = e.Stderr
	}
	err := cmd.Run()
	return stdout.String(), err
}

// parseMetrics decodes the last non-empty stdout line as a metric map.
func parseMetrics(out string) (map[string]float64, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return nil, fmt.Errorf("run script produced no metrics line")
	}
	var metrics map[string]float64
	if err := json.Unmarshal([]byte(last), &metrics); err != nil {
		return nil, fmt.Errorf("parse metrics %q: %w", last, err)
	}
	return metrics, nil
}

func readTelemetryFile(path string) ([]TelemetryRow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var rows []TelemetryRow
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var row TelemetryRow
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, fmt.Errorf("parse telemetry line %q: %w", line, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
