package simflow

import (
	"context"
	"time"
)

// TaskRequest is one invocation of the external task runner.
type TaskRequest struct {
	Selector     []string
	Year         int
	Parameters   map[string]any
	StreamOutput bool
	Threads      int
	FullRefresh  bool
	Context      ExecutionContext
}

// TaskResult is what the orchestrator observes of a task runner invocation.
type TaskResult struct {
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// TaskRunner executes transformation tasks. A non-nil error means the runner
// could not be started at all; a task that ran and failed is reported with
// Success false.
type TaskRunner interface {
	Execute(ctx context.Context, req TaskRequest) (*TaskResult, error)
}

// TaskRunnerFunc adapts a function to the TaskRunner interface
type TaskRunnerFunc func(ctx context.Context, req TaskRequest) (*TaskResult, error)

func (f TaskRunnerFunc) Execute(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	return f(ctx, req)
}

// ColumnSummary describes the distribution of a numeric column
type ColumnSummary struct {
	Count int64   `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	Sum   float64 `json:"sum"`
}

// Store is the backing analytical store. Methods taking a yearColumn count
// the whole table when yearColumn is empty. The found result is false when
// the table does not exist yet, which is not an error.
type Store interface {
	// Identity names the physical store; runs against the same identity are
	// serialized by the run lock
	Identity() string

	// SingleWriter reports whether the store rejects concurrent writers
	SingleWriter() bool

	TryCount(ctx context.Context, table, yearColumn string, year int) (count int64, found bool, err error)

	DeleteByYear(ctx context.Context, table, yearColumn string, year int) (deleted int64, err error)

	// CountDuplicates returns the number of key values appearing more than once
	CountDuplicates(ctx context.Context, table, keyColumn, yearColumn string, year int) (dups int64, found bool, err error)

	Summarize(ctx context.Context, table, column, yearColumn string, year int) (summary ColumnSummary, found bool, err error)
}

// Capabilities records which optional engines are available. It is built
// once at startup and handed to every component that needs it.
type Capabilities struct {
	AcceleratedAccumulation bool
	ModelParallelization    bool
	MemoryMonitoring        bool
}
