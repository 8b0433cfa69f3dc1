package environment

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestScriptEnvRunParsesMetrics(t *testing.T) {
	env := &ScriptEnv{
		RunCmd: `echo "warming up"; echo "{\"latency_ms\": 12.5, \"throughput\": 300}"`,
	}
	if err := env.Setup(context.Background(), map[string]string{"level": "5"}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	res, err := env.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Succeeded {
		t.Fatal("run should succeed")
	}
	if res.Metrics["latency_ms"] != 12.5 || res.Metrics["throughput"] != 300 {
		t.Fatalf("unexpected metrics: %v", res.Metrics)
	}
}

func TestScriptEnvInjectsParams(t *testing.T) {
	env := &ScriptEnv{
		RunCmd: `echo "{\"level_echo\": $level}"`,
	}
	if err := env.Setup(context.Background(), map[string]string{"level": "7"}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	res, err := env.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Metrics["level_echo"] != 7 {
		t.Fatalf("param not injected: %v", res.Metrics)
	}
}

func TestScriptEnvNonzeroExitFailsTrial(t *testing.T) {
	env := &ScriptEnv{RunCmd: "exit 3"}
	if err := env.Setup(context.Background(), nil); err != nil {
		t.Fatalf("setup: %v", err)
	}
	res, err := env.Run(context.Background())
	if err != nil {
		t.Fatalf("nonzero exit must not be an error: %v", err)
	}
	if res.Succeeded {
		t.Fatal("trial should fail")
	}
}

func TestScriptEnvReadsTelemetryFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	lines := `{"ts":"2026-01-02T03:04:05Z","metric":"cpu","value":0.5}
{"ts":"2026-01-02T03:04:06Z","metric":"cpu","value":0.7}
`
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatalf("write telemetry: %v", err)
	}
	env := &ScriptEnv{
		RunCmd:        `echo "{}"`,
		TelemetryFile: path,
	}
	if err := env.Setup(context.Background(), nil); err != nil {
		t.Fatalf("setup: %v", err)
	}
	res, err := env.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Telemetry) != 2 || res.Telemetry[1].Value != 0.7 {
		t.Fatalf("unexpected telemetry: %+v", res.Telemetry)
	}
}
