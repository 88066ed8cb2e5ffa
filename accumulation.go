package simflow

import (
	"context"
	"fmt"
	"slices"
)

// AccumulationEngine builds the year-over-year state tables. Engines must
// leave the store in the same state whether a year is run once or rerun.
type AccumulationEngine interface {
	Name() string
	Accumulate(ctx context.Context, run *StageRun) error
}

// SequentialEngine runs each accumulation task on its own, in order
type SequentialEngine struct{}

func NewSequentialEngine() *SequentialEngine {
	return &SequentialEngine{}
}

func (e *SequentialEngine) Name() string {
	return ModeSequential
}

func (e *SequentialEngine) Accumulate(ctx context.Context, run *StageRun) error {
	return run.RunSequential(ctx, run.Definition.Tasks)
}

// AcceleratedRequest is handed to an AcceleratedProcessor
type AcceleratedRequest struct {
	Year       int            `json:"year"`
	StartYear  int            `json:"start_year"`
	Tasks      []string       `json:"tasks"`
	Parameters map[string]any `json:"parameters"`
}

// AcceleratedProcessor computes some accumulation outputs outside the task
// runner. It returns the tasks whose outputs it produced.
type AcceleratedProcessor interface {
	Process(ctx context.Context, req AcceleratedRequest) (superseded []string, err error)
}

// EngineError marks a failure of the accelerated engine itself, as opposed
// to a failed task
type EngineError struct {
	Engine string
	Err    error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s engine failed: %v", e.Engine, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// AcceleratedEngine lets a processor produce part of the accumulation and
// runs the remaining tasks sequentially
type AcceleratedEngine struct {
	processor AcceleratedProcessor
}

func NewAcceleratedEngine(processor AcceleratedProcessor) *AcceleratedEngine {
	return &AcceleratedEngine{processor: processor}
}

func (e *AcceleratedEngine) Name() string {
	return "accelerated"
}

func (e *AcceleratedEngine) Accumulate(ctx context.Context, run *StageRun) error {
	tasks := run.Definition.Tasks
	if run.Run.DryRun {
		run.Logger().Info("dry run: would run accelerated accumulation", "tasks", tasks)
		return nil
	}
	if err := run.PrepareOutputs(ctx, tasks); err != nil {
		return &EngineError{Engine: e.Name(), Err: err}
	}
	superseded, err := e.processor.Process(ctx, AcceleratedRequest{
		Year:       run.Year,
		StartYear:  run.Run.StartYear,
		Tasks:      tasks,
		Parameters: run.Parameters(nil),
	})
	if err != nil {
		return &EngineError{Engine: e.Name(), Err: err}
	}
	remaining := make([]string, 0, len(tasks))
	for _, task := range tasks {
		if !slices.Contains(superseded, task) {
			remaining = append(remaining, task)
		}
	}
	run.Logger().Info("accelerated accumulation completed",
		"superseded", len(tasks)-len(remaining),
		"remaining", len(remaining))
	return run.RunSequential(ctx, remaining)
}

// FallbackEngine tries a primary engine and reruns the whole stage on the
// secondary engine when the primary fails for any reason other than a
// cancelled context.
type FallbackEngine struct {
	primary         AccumulationEngine
	secondary       AccumulationEngine
	disableFallback bool
}

func NewFallbackEngine(primary, secondary AccumulationEngine, disableFallback bool) *FallbackEngine {
	return &FallbackEngine{
		primary:         primary,
		secondary:       secondary,
		disableFallback: disableFallback,
	}
}

func (e *FallbackEngine) Name() string {
	return e.primary.Name()
}

func (e *FallbackEngine) Accumulate(ctx context.Context, run *StageRun) error {
	err := e.primary.Accumulate(ctx, run)
	if err == nil || e.disableFallback || ctx.Err() != nil {
		return err
	}
	run.Logger().Warn("accumulation engine failed; falling back",
		"engine", e.primary.Name(),
		"fallback", e.secondary.Name(),
		"error", err)
	run.SetMode(e.secondary.Name())
	return e.secondary.Accumulate(ctx, run)
}
