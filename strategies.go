package simflow

import (
	"context"
	"fmt"
)

// Execution modes reported in StageResult.Strategy
const (
	ModeSequential    = "sequential"
	ModeModelParallel = "model_parallel"
	ModeEventTag      = "event_tag"
	ModeEventTasks    = "event_tasks"
	ModeEventSharded  = "event_sharded"
)

// eventGenerationStrategy runs event tasks either as one invocation (by tag
// or explicit task list) or split across shards followed by a union task
type eventGenerationStrategy struct{}

func (s *eventGenerationStrategy) Name() string {
	return "event_generation"
}

func (s *eventGenerationStrategy) Execute(ctx context.Context, run *StageRun) error {
	budget := run.Budget()
	if budget.EventShardCount > 1 {
		return s.sharded(ctx, run, budget)
	}
	tasks := run.Definition.Tasks
	if err := run.PrepareOutputs(ctx, tasks); err != nil {
		return err
	}
	catalog := run.executor.catalog
	if catalog.EventTag != "" {
		run.SetMode(ModeEventTag)
		selector := []string{"tag:" + catalog.EventTag}
		if err := run.Invoke(ctx, selector, InvokeOptions{Threads: budget.WorkerCount}); err != nil {
			return run.stageError(err)
		}
		return nil
	}
	if run.executor.coordinator.ShouldParallelizeModels(run.Definition) {
		run.SetMode(ModeModelParallel)
		return run.RunParallel(ctx, tasks, budget.WorkerCount)
	}
	run.SetMode(ModeEventTasks)
	if err := run.Invoke(ctx, tasks, InvokeOptions{Threads: budget.WorkerCount}); err != nil {
		return run.stageError(err)
	}
	return nil
}

func (s *eventGenerationStrategy) sharded(ctx context.Context, run *StageRun, budget ResourceBudget) error {
	run.SetMode(ModeEventSharded)
	tasks := run.Definition.Tasks
	if err := run.PrepareOutputs(ctx, tasks); err != nil {
		return err
	}
	shards := budget.EventShardCount
	jobs := make([]BatchJob, 0, shards)
	for shard := 0; shard < shards; shard++ {
		jobs = append(jobs, BatchJob{
			Selector: tasks,
			Options: InvokeOptions{
				Label: fmt.Sprintf("shard_%d", shard),
				Extra: map[string]any{
					"shard_id":    shard,
					"shard_count": shards,
				},
			},
		})
	}
	run.Logger().Info("generating events in shards", "shards", shards, "workers", budget.WorkerCount)
	if err := run.RunBatch(ctx, jobs, budget.WorkerCount); err != nil {
		return err
	}

	union := run.executor.catalog.UnionTask
	if err := run.PrepareOutputs(ctx, []string{union}); err != nil {
		return err
	}
	if err := run.Invoke(ctx, []string{union}, InvokeOptions{Label: union}); err != nil {
		return run.stageError(err)
	}
	return nil
}

// stateAccumulationStrategy hands the stage to the accumulation engine
type stateAccumulationStrategy struct {
	engine AccumulationEngine
}

func (s *stateAccumulationStrategy) Name() string {
	return "state_accumulation"
}

func (s *stateAccumulationStrategy) Execute(ctx context.Context, run *StageRun) error {
	run.SetMode(s.engine.Name())
	return s.engine.Accumulate(ctx, run)
}

// defaultStrategy runs a stage's tasks concurrently when the coordinator
// allows it and as combined invocations otherwise
type defaultStrategy struct{}

func (s *defaultStrategy) Name() string {
	return "default"
}

func (s *defaultStrategy) Execute(ctx context.Context, run *StageRun) error {
	def := run.Definition
	if def.ParallelSafe && run.executor.coordinator.ShouldParallelizeModels(def) {
		run.SetMode(ModeModelParallel)
		return run.RunParallel(ctx, def.Tasks, run.Budget().WorkerCount)
	}
	run.SetMode(ModeSequential)
	return run.RunCombined(ctx, def.Tasks)
}
