package simflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCheckpointNotFound is returned when no checkpoint exists for a year
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrRunLocked is returned when another process holds the run lock for
	// the same store
	ErrRunLocked = errors.New("another run holds the lock for this store")
)

// ConfigDriftError indicates a checkpoint was produced by a different
// configuration than the current one
type ConfigDriftError struct {
	Year         int
	StoredHash   string
	ExpectedHash string
}

func (e *ConfigDriftError) Error() string {
	return fmt.Sprintf("config drift for year %d: checkpoint hash %s does not match current hash %s",
		e.Year, shortHash(e.StoredHash), shortHash(e.ExpectedHash))
}

// CheckpointValidationError indicates a checkpoint failed its integrity check
type CheckpointValidationError struct {
	Year   int
	Path   string
	Reason string
	Err    error
}

func (e *CheckpointValidationError) Error() string {
	msg := fmt.Sprintf("checkpoint for year %d failed validation: %s", e.Year, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CheckpointValidationError) Unwrap() error {
	return e.Err
}

// StageExecutionError reports that one or more tasks of a stage failed.
// Err joins every individual task failure.
type StageExecutionError struct {
	Stage       WorkflowStage
	Year        int
	FailedTasks []string
	Err         error
}

func (e *StageExecutionError) Error() string {
	msg := fmt.Sprintf("stage %s failed for year %d", e.Stage, e.Year)
	if len(e.FailedTasks) > 0 {
		msg += fmt.Sprintf(" (failed tasks: %s)", strings.Join(e.FailedTasks, ", "))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StageExecutionError) Unwrap() error {
	return e.Err
}

// ResourceExhaustionError indicates the resource budget cannot be satisfied
type ResourceExhaustionError struct {
	Resource  string
	Required  float64
	Available float64
}

func (e *ResourceExhaustionError) Error() string {
	return fmt.Sprintf("insufficient %s: required %.0f, available %.0f", e.Resource, e.Required, e.Available)
}

// PipelineStageError is raised by the stage validator when a post-stage
// invariant does not hold
type PipelineStageError struct {
	Stage  WorkflowStage
	Year   int
	RuleID string
	Reason string
}

func (e *PipelineStageError) Error() string {
	return fmt.Sprintf("validation %s failed after stage %s for year %d: %s", e.RuleID, e.Stage, e.Year, e.Reason)
}

// TaskError describes the failure of a single task runner invocation
type TaskError struct {
	Selector []string
	Label    string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *TaskError) Error() string {
	name := e.Name()
	if e.Err != nil {
		return fmt.Sprintf("task %s: %v", name, e.Err)
	}
	msg := fmt.Sprintf("task %s exited with code %d", name, e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + lastLine(stderr)
	}
	return msg
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// Name returns the label of the invocation, or its selector
func (e *TaskError) Name() string {
	if e.Label != "" {
		return e.Label
	}
	return strings.Join(e.Selector, " ")
}

// newStageExecutionError combines task failures into one stage error
func newStageExecutionError(stage WorkflowStage, year int, failures []*TaskError) *StageExecutionError {
	var tasks []string
	errs := make([]error, 0, len(failures))
	for _, f := range failures {
		if f.Label != "" {
			tasks = append(tasks, f.Label)
		} else {
			tasks = append(tasks, f.Selector...)
		}
		errs = append(errs, f)
	}
	return &StageExecutionError{
		Stage:       stage,
		Year:        year,
		FailedTasks: tasks,
		Err:         errors.Join(errs...),
	}
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func lastLine(s string) string {
	if idx := strings.LastIndex(s, "\n"); idx >= 0 {
		return s[idx+1:]
	}
	return s
}
