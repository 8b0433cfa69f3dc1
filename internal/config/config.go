package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tunebench/internal/tunables"
)

// Config models an experiment definition file (experiment.yml): the tunable
// parameter space, the output-metric schema, and scheduler/environment
// settings. It is validated once at load time; downstream code never
// re-checks the structure.
type Config struct {
	Experiment struct {
		ID          string `yaml:"id"`
		Description string `yaml:"description"`
	} `yaml:"experiment"`
	Objectives []Objective `yaml:"objectives"`
	Tunables   struct {
		Groups []tunables.GroupSpec `yaml:"groups"`
	} `yaml:"tunables"`
	Scheduler struct {
		Backlog             int `yaml:"backlog"`
		Runners             int `yaml:"runners"`
		TrialTimeoutSeconds int `yaml:"trial_timeout_seconds"`
	} `yaml:"scheduler"`
	Environment struct {
		Setup         string `yaml:"setup"`
		Run           string `yaml:"run"`
		Teardown      string `yaml:"teardown"`
		TelemetryFile string `yaml:"telemetry_file"`
	} `yaml:"environment"`
	Optimizer struct {
		Kind      string `yaml:"kind"`
		Seed      int64  `yaml:"seed"`
		MaxTrials int    `yaml:"max_trials"`
	} `yaml:"optimizer"`
}

type Objective struct {
	Metric    string `yaml:"metric"`
	Direction string `yaml:"direction"`
}

// Validate ensures the config meets required structure. Tunable definitions
// are checked by building them; a SchemaError here aborts the experiment.
func (c *Config) Validate() error {
	if c.Experiment.ID == "" {
		return fmt.Errorf("config.experiment.id is required")
	}
	if len(c.Objectives) == 0 {
		return fmt.Errorf("config.objectives is required")
	}
	seen := map[string]bool{}
	for _, o := range c.Objectives {
		if o.Metric == "" {
			return fmt.Errorf("config.objectives contains an empty metric name")
		}
		if seen[o.Metric] {
			return fmt.Errorf("duplicate objective metric %s", o.Metric)
		}
		seen[o.Metric] = true
		if o.Direction != "min" && o.Direction != "max" {
			return fmt.Errorf("objective %s direction must be min or max", o.Metric)
		}
	}
	if len(c.Tunables.Groups) == 0 {
		return fmt.Errorf("config.tunables.groups is required")
	}
	if _, err := tunables.Define(c.Tunables.Groups); err != nil {
		return err
	}
	if c.Scheduler.Backlog < 0 || c.Scheduler.Runners < 0 || c.Scheduler.TrialTimeoutSeconds < 0 {
		return fmt.Errorf("scheduler settings must be non-negative")
	}
	if c.Optimizer.Kind != "" && c.Optimizer.Kind != "random" {
		return fmt.Errorf("unknown optimizer kind %s", c.Optimizer.Kind)
	}
	return nil
}

// Groups builds the tunable parameter space from the definition.
func (c *Config) Groups() (*tunables.TunableGroups, error) {
	return tunables.Define(c.Tunables.Groups)
}

// Backlog returns the pending-trial bound with its default applied.
func (c *Config) Backlog() int {
	if c.Scheduler.Backlog == 0 {
		return 64
	}
	return c.Scheduler.Backlog
}

// Runners returns the worker count with its default applied.
func (c *Config) Runners() int {
	if c.Scheduler.Runners == 0 {
		return 1
	}
	return c.Scheduler.Runners
}

// FromYAML parses and validates a config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads a YAML experiment definition from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns a minimal single-objective config, used by tests and
// `tb experiment create` without --file.
func Default(experimentID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, experimentID)), &cfg)
	return &cfg
}

const defaultTemplate = `experiment:
  id: %s
  description: ""

objectives:
  - metric: score
    direction: max

tunables:
  groups:
    - name: main
      cost: 1
      params:
        - name: level
          type: int
          min: 0
          max: 10
          default: 5

scheduler:
  backlog: 64
  runners: 1
  trial_timeout_seconds: 3600

optimizer:
  kind: random
  seed: 1
  max_trials: 20
`
