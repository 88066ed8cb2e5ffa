package simflow

import (
	"fmt"
	"slices"
)

// WorkflowStage identifies one phase of per-year work. The numeric order is
// the execution order: a stage may only depend on stages with a lower value.
type WorkflowStage int

const (
	StageInitialization WorkflowStage = iota
	StageFoundation
	StageEventGeneration
	StageStateAccumulation
	StageValidation
	StageReporting
	StageCleanup
)

var stageNames = []string{
	"initialization",
	"foundation",
	"event_generation",
	"state_accumulation",
	"validation",
	"reporting",
	"cleanup",
}

// AllStages returns every stage in execution order.
func AllStages() []WorkflowStage {
	return []WorkflowStage{
		StageInitialization,
		StageFoundation,
		StageEventGeneration,
		StageStateAccumulation,
		StageValidation,
		StageReporting,
		StageCleanup,
	}
}

func (s WorkflowStage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Valid reports whether s is one of the defined stages.
func (s WorkflowStage) Valid() bool {
	return s >= StageInitialization && s <= StageCleanup
}

// ParseStage returns the stage with the given snake_case name.
func ParseStage(name string) (WorkflowStage, error) {
	idx := slices.Index(stageNames, name)
	if idx < 0 {
		return 0, fmt.Errorf("unknown workflow stage %q", name)
	}
	return WorkflowStage(idx), nil
}

// MarshalText implements encoding.TextMarshaler
func (s WorkflowStage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid workflow stage %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *WorkflowStage) UnmarshalText(text []byte) error {
	stage, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = stage
	return nil
}

// StageDefinition describes the work of one stage for one simulation year.
// Definitions are produced by WorkflowBuilder and are not modified afterwards.
type StageDefinition struct {
	Stage             WorkflowStage   `json:"stage"`
	DependsOn         []WorkflowStage `json:"depends_on"`
	Tasks             []string        `json:"tasks"`
	ValidationRules   []string        `json:"validation_rules,omitempty"`
	ParallelSafe      bool            `json:"parallel_safe"`
	CheckpointEnabled bool            `json:"checkpoint_enabled"`
}

// Name returns the stage name
func (d StageDefinition) Name() string {
	return d.Stage.String()
}

// ExecutionContext is handed to the task runner with every invocation.
type ExecutionContext struct {
	Year        int            `json:"year"`
	Parameters  map[string]any `json:"parameters"`
	StageName   string         `json:"stage_name"`
	ExecutionID string         `json:"execution_id"`
}
