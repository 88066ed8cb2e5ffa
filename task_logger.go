package simflow

import (
	"context"
	"time"
)

// TaskLogEntry records one task runner invocation
type TaskLogEntry struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	ExecutionID string         `json:"execution_id"`
	Year        int            `json:"year"`
	Stage       string         `json:"stage"`
	Selector    []string       `json:"selector"`
	Parameters  map[string]any `json:"parameters"`
	FullRefresh bool           `json:"full_refresh,omitempty"`
	Success     bool           `json:"success"`
	ExitCode    int            `json:"exit_code"`
	Error       string         `json:"error,omitempty"`
	StartTime   time.Time      `json:"start_time"`
	Duration    float64        `json:"duration"`
}

// TaskLogger keeps a history of task runner invocations
type TaskLogger interface {
	// LogTask records a completed invocation
	LogTask(ctx context.Context, entry *TaskLogEntry) error

	// GetTaskHistory returns the invocations of a run
	GetTaskHistory(ctx context.Context, runID string) ([]*TaskLogEntry, error)
}
