package simflow

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Clear-tables policies
const (
	// ClearYear deletes only the partitions of the year being rebuilt
	ClearYear = "year"

	// ClearAll forces every full-refresh task into a destructive rebuild on
	// every year, not just the first
	ClearAll = "all"
)

// Defaults applied by LoadConfig and ParseConfig
const (
	DefaultThreads            = 1
	DefaultMaxWorkers         = 1
	DefaultEventShards        = 1
	DefaultMaxParallelYears   = 1
	DefaultMemoryPerWorkerMB  = 512
	DefaultKeepLatest         = 5
	DefaultCheckpointDir      = ".simflow/checkpoints"
	DefaultLockDir            = ".simflow/locks"
	DefaultRunnerCommand      = "dbt"
	DefaultUnionTask          = "int_yearly_events_shard_union"
	DefaultSafetyThreshold    = 0.8
	defaultSnapshotYearColumn = "simulation_year"
)

// Config is the immutable configuration of a simulation run.
type Config struct {
	Simulation        SimulationConfig   `yaml:"simulation" json:"simulation"`
	Optimization      OptimizationConfig `yaml:"optimization" json:"optimization"`
	Threads           int                `yaml:"threads,omitempty" json:"threads,omitempty"`
	ClearTablesPolicy string             `yaml:"clear_tables_policy,omitempty" json:"clear_tables_policy,omitempty"`
	Workflow          TaskCatalog        `yaml:"workflow" json:"workflow"`
	Checkpoint        CheckpointConfig   `yaml:"checkpoint" json:"checkpoint"`
	Validation        ValidationConfig   `yaml:"validation" json:"validation"`
	Store             StoreConfig        `yaml:"store" json:"store"`
	Runner            RunnerConfig       `yaml:"runner" json:"runner"`
	Accelerated       AcceleratedConfig  `yaml:"accelerated" json:"accelerated"`
	Parameters        map[string]any     `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	LockDir           string             `yaml:"lock_dir,omitempty" json:"lock_dir,omitempty"`
}

type SimulationConfig struct {
	StartYear  int   `yaml:"start_year" json:"start_year"`
	EndYear    int   `yaml:"end_year" json:"end_year"`
	RandomSeed int64 `yaml:"random_seed" json:"random_seed"`
}

// OptimizationConfig holds the structured resource settings. Zero values
// mean "not set" and fall back to the legacy threads value or defaults.
type OptimizationConfig struct {
	MaxWorkers           int                        `yaml:"max_workers,omitempty" json:"max_workers,omitempty"`
	EventShards          int                        `yaml:"event_shards,omitempty" json:"event_shards,omitempty"`
	MaxParallelYears     int                        `yaml:"max_parallel_years,omitempty" json:"max_parallel_years,omitempty"`
	MemoryPerWorkerMB    int                        `yaml:"memory_per_worker_mb,omitempty" json:"memory_per_worker_mb,omitempty"`
	ModelParallelization ModelParallelizationConfig `yaml:"model_parallelization" json:"model_parallelization"`
}

type ModelParallelizationConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	UnsafeTasks []string `yaml:"unsafe_tasks,omitempty" json:"unsafe_tasks,omitempty"`
}

// TrackedOutput names a table whose row count is captured in checkpoints
// and checked by validation rules. An empty YearColumn means the table is
// not partitioned by year and is counted as a whole.
type TrackedOutput struct {
	Table          string   `yaml:"table" json:"table"`
	YearColumn     string   `yaml:"year_column,omitempty" json:"year_column,omitempty"`
	KeyColumn      string   `yaml:"key_column,omitempty" json:"key_column,omitempty"`
	SummaryColumns []string `yaml:"summary_columns,omitempty" json:"summary_columns,omitempty"`
}

type CheckpointConfig struct {
	Dir            string          `yaml:"dir,omitempty" json:"dir,omitempty"`
	KeepLatest     int             `yaml:"keep_latest,omitempty" json:"keep_latest,omitempty"`
	TrackedOutputs []TrackedOutput `yaml:"tracked_outputs,omitempty" json:"tracked_outputs,omitempty"`
}

// ExpressionRule is a validation rule written as a risor expression. The
// expression is evaluated after the named stage and must be truthy.
type ExpressionRule struct {
	ID         string `yaml:"id" json:"id"`
	Stage      string `yaml:"stage" json:"stage"`
	Expression string `yaml:"expression" json:"expression"`
	Message    string `yaml:"message,omitempty" json:"message,omitempty"`
}

type DemandCheck struct {
	Table      string `yaml:"table" json:"table"`
	Column     string `yaml:"column" json:"column"`
	YearColumn string `yaml:"year_column,omitempty" json:"year_column,omitempty"`
	Output     string `yaml:"output" json:"output"`
}

type ValidationConfig struct {
	FailOnError     bool             `yaml:"fail_on_error" json:"fail_on_error"`
	RequiredOutputs []TrackedOutput  `yaml:"required_outputs,omitempty" json:"required_outputs,omitempty"`
	CarriedForward  []string         `yaml:"carried_forward,omitempty" json:"carried_forward,omitempty"`
	Demand          []DemandCheck    `yaml:"demand,omitempty" json:"demand,omitempty"`
	Snapshot        TrackedOutput    `yaml:"snapshot" json:"snapshot"`
	Rules           []ExpressionRule `yaml:"rules,omitempty" json:"rules,omitempty"`
}

type StoreConfig struct {
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	DSN         string `yaml:"dsn" json:"-"`
	MultiWriter bool   `yaml:"multi_writer,omitempty" json:"multi_writer,omitempty"`
}

type RunnerConfig struct {
	Command      string   `yaml:"command,omitempty" json:"command,omitempty"`
	Args         []string `yaml:"args,omitempty" json:"args,omitempty"`
	ProjectDir   string   `yaml:"project_dir,omitempty" json:"project_dir,omitempty"`
	StreamOutput bool     `yaml:"stream_output,omitempty" json:"stream_output,omitempty"`
	TaskLogDir   string   `yaml:"task_log_dir,omitempty" json:"task_log_dir,omitempty"`
}

type AcceleratedConfig struct {
	Enabled         bool     `yaml:"enabled" json:"enabled"`
	Command         string   `yaml:"command,omitempty" json:"command,omitempty"`
	Args            []string `yaml:"args,omitempty" json:"args,omitempty"`
	DisableFallback bool     `yaml:"disable_fallback,omitempty" json:"disable_fallback,omitempty"`
}

// LoadConfig loads a configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML configuration, applies defaults and validates it
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills in every unset field with its default value
func (c *Config) ApplyDefaults() {
	if c.ClearTablesPolicy == "" {
		c.ClearTablesPolicy = ClearYear
	}
	if c.Checkpoint.Dir == "" {
		c.Checkpoint.Dir = DefaultCheckpointDir
	}
	if c.Checkpoint.KeepLatest == 0 {
		c.Checkpoint.KeepLatest = DefaultKeepLatest
	}
	if c.LockDir == "" {
		c.LockDir = DefaultLockDir
	}
	if c.Runner.Command == "" {
		c.Runner.Command = DefaultRunnerCommand
	}
	if c.Optimization.MemoryPerWorkerMB == 0 {
		c.Optimization.MemoryPerWorkerMB = DefaultMemoryPerWorkerMB
	}
	c.Workflow.applyDefaults()
	if len(c.Checkpoint.TrackedOutputs) == 0 {
		c.Checkpoint.TrackedOutputs = DefaultTrackedOutputs()
	}
	if len(c.Validation.RequiredOutputs) == 0 {
		c.Validation.RequiredOutputs = []TrackedOutput{
			{Table: "int_baseline_workforce"},
			{Table: "int_employee_compensation_by_year", YearColumn: defaultSnapshotYearColumn},
			{Table: "int_workforce_needs", YearColumn: defaultSnapshotYearColumn},
		}
	}
	if c.Validation.CarriedForward == nil {
		c.Validation.CarriedForward = []string{"int_baseline_workforce"}
	}
	if c.Validation.Demand == nil {
		c.Validation.Demand = []DemandCheck{{
			Table:      "int_workforce_needs",
			Column:     "total_hires_needed",
			YearColumn: defaultSnapshotYearColumn,
			Output:     "int_hiring_events",
		}}
	}
	if c.Validation.Snapshot.Table == "" {
		c.Validation.Snapshot = TrackedOutput{
			Table:      "fct_workforce_snapshot",
			YearColumn: defaultSnapshotYearColumn,
			KeyColumn:  "employee_id",
		}
	}
}

// DefaultTrackedOutputs returns the outputs captured in checkpoints when the
// configuration names none.
func DefaultTrackedOutputs() []TrackedOutput {
	return []TrackedOutput{
		{Table: "fct_yearly_events", YearColumn: defaultSnapshotYearColumn, SummaryColumns: []string{"compensation_amount"}},
		{Table: "fct_workforce_snapshot", YearColumn: defaultSnapshotYearColumn, KeyColumn: "employee_id", SummaryColumns: []string{"current_compensation"}},
		{Table: "int_enrollment_state_accumulator", YearColumn: defaultSnapshotYearColumn, KeyColumn: "employee_id"},
		{Table: "int_deferral_rate_state_accumulator", YearColumn: defaultSnapshotYearColumn, KeyColumn: "employee_id"},
	}
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.Simulation.StartYear <= 0 {
		return fmt.Errorf("simulation.start_year must be positive")
	}
	if c.Simulation.EndYear < c.Simulation.StartYear {
		return fmt.Errorf("simulation.end_year %d is before start_year %d",
			c.Simulation.EndYear, c.Simulation.StartYear)
	}
	if c.Threads < 0 {
		return fmt.Errorf("threads cannot be negative")
	}
	if c.Optimization.MaxWorkers < 0 || c.Optimization.EventShards < 0 || c.Optimization.MaxParallelYears < 0 {
		return fmt.Errorf("optimization settings cannot be negative")
	}
	switch c.ClearTablesPolicy {
	case ClearYear, ClearAll:
	default:
		return fmt.Errorf("unknown clear_tables_policy %q", c.ClearTablesPolicy)
	}
	if len(c.Workflow.Events) == 0 {
		return fmt.Errorf("workflow.events must name at least one task")
	}
	if len(c.Workflow.Accumulation) == 0 {
		return fmt.Errorf("workflow.accumulation must name at least one task")
	}
	for _, rule := range c.Validation.Rules {
		if rule.ID == "" || rule.Expression == "" {
			return fmt.Errorf("validation rules require an id and an expression")
		}
		if _, err := ParseStage(rule.Stage); err != nil {
			return fmt.Errorf("validation rule %q: %w", rule.ID, err)
		}
	}
	return nil
}

// hashedConfig holds the sections that change simulation results. Resource
// settings, paths and the end year are left out so a run may be extended or
// re-tuned without invalidating its checkpoints.
type hashedConfig struct {
	StartYear         int            `json:"start_year"`
	RandomSeed        int64          `json:"random_seed"`
	ClearTablesPolicy string         `json:"clear_tables_policy"`
	Workflow          TaskCatalog    `json:"workflow"`
	Parameters        map[string]any `json:"parameters"`
}

func (c *Config) hashed() hashedConfig {
	return hashedConfig{
		StartYear:         c.Simulation.StartYear,
		RandomSeed:        c.Simulation.RandomSeed,
		ClearTablesPolicy: c.ClearTablesPolicy,
		Workflow:          c.Workflow,
		Parameters:        c.Parameters,
	}
}

// Hash returns the config hash used to detect drift between a checkpoint and
// the current configuration.
func (c *Config) Hash() (string, error) {
	return c.HashFor(c.Simulation.StartYear)
}

// HashFor returns the config hash for a run whose first simulated year is
// startYear. The first year decides where the baseline is built, so runs
// started from different years never share checkpoints.
func (c *Config) HashFor(startYear int) (string, error) {
	h := c.hashed()
	h.StartYear = startYear
	data, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config for hashing: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Snapshot returns the hashed sections of the config as a generic map,
// suitable for embedding in a checkpoint.
func (c *Config) Snapshot() (map[string]any, error) {
	data, err := json.Marshal(c.hashed())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config snapshot: %w", err)
	}
	var snapshot map[string]any
	if err := decodeJSON(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode config snapshot: %w", err)
	}
	return snapshot, nil
}

// decodeJSON unmarshals with json.Number so numbers survive a round trip
// with their original text.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
