package simflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// RunContext carries the run-wide settings every stage invocation needs
type RunContext struct {
	RunID      string
	StartYear  int
	RandomSeed int64
	DryRun     bool
	Parameters map[string]any
}

// StageResult is the outcome of executing one stage
type StageResult struct {
	Stage       WorkflowStage `json:"stage"`
	Year        int           `json:"year"`
	Success     bool          `json:"success"`
	Duration    time.Duration `json:"duration"`
	Err         error         `json:"-"`
	Strategy    string        `json:"strategy"`
	ExecutionID string        `json:"execution_id"`
}

// StageStrategy runs the tasks of a stage. Strategies are looked up by
// stage, so supporting a new stage behaviour means registering a strategy.
type StageStrategy interface {
	Name() string
	Execute(ctx context.Context, run *StageRun) error
}

// StageExecutorOptions configures a StageExecutor
type StageExecutorOptions struct {
	Runner            TaskRunner
	Store             Store
	Coordinator       *ResourceCoordinator
	Catalog           TaskCatalog
	ClearTablesPolicy string
	Capabilities      Capabilities
	Accelerated       AcceleratedProcessor
	DisableFallback   bool
	TaskLogger        TaskLogger
	StreamOutput      bool
	Logger            *slog.Logger
}

// StageExecutor executes one stage's tasks with the strategy registered for
// the stage.
type StageExecutor struct {
	runner       TaskRunner
	store        Store
	coordinator  *ResourceCoordinator
	catalog      TaskCatalog
	clearPolicy  string
	taskLogger   TaskLogger
	streamOutput bool
	logger       *slog.Logger
	accumulation AccumulationEngine

	mutex      sync.RWMutex
	strategies map[WorkflowStage]StageStrategy
	fallback   StageStrategy
}

// NewStageExecutor returns an executor with the standard strategies
// registered
func NewStageExecutor(opts StageExecutorOptions) (*StageExecutor, error) {
	if opts.Runner == nil {
		return nil, fmt.Errorf("task runner is required")
	}
	if opts.Coordinator == nil {
		return nil, fmt.Errorf("resource coordinator is required")
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.TaskLogger == nil {
		opts.TaskLogger = NewNullTaskLogger()
	}
	if opts.ClearTablesPolicy == "" {
		opts.ClearTablesPolicy = ClearYear
	}
	opts.Catalog.applyDefaults()

	var accumulation AccumulationEngine = NewSequentialEngine()
	if opts.Capabilities.AcceleratedAccumulation && opts.Accelerated != nil {
		accumulation = NewFallbackEngine(
			NewAcceleratedEngine(opts.Accelerated),
			NewSequentialEngine(),
			opts.DisableFallback,
		)
	}

	x := &StageExecutor{
		runner:       opts.Runner,
		store:        opts.Store,
		coordinator:  opts.Coordinator,
		catalog:      opts.Catalog,
		clearPolicy:  opts.ClearTablesPolicy,
		taskLogger:   opts.TaskLogger,
		streamOutput: opts.StreamOutput,
		logger:       opts.Logger,
		accumulation: accumulation,
		fallback:     &defaultStrategy{},
	}
	x.strategies = map[WorkflowStage]StageStrategy{
		StageEventGeneration:   &eventGenerationStrategy{},
		StageStateAccumulation: &stateAccumulationStrategy{engine: accumulation},
	}
	return x, nil
}

// RegisterStrategy sets the strategy used for a stage
func (x *StageExecutor) RegisterStrategy(stage WorkflowStage, strategy StageStrategy) {
	x.mutex.Lock()
	defer x.mutex.Unlock()
	x.strategies[stage] = strategy
}

// AccumulationEngine returns the engine used for state accumulation
func (x *StageExecutor) AccumulationEngine() AccumulationEngine {
	return x.accumulation
}

func (x *StageExecutor) strategyFor(stage WorkflowStage) StageStrategy {
	x.mutex.RLock()
	defer x.mutex.RUnlock()
	if strategy, ok := x.strategies[stage]; ok {
		return strategy
	}
	return x.fallback
}

// Execute runs a stage for a year. Failures are reported in the result as a
// StageExecutionError.
func (x *StageExecutor) Execute(ctx context.Context, def StageDefinition, year int, rc *RunContext) *StageResult {
	if rc == nil {
		rc = &RunContext{StartYear: year}
	}
	strategy := x.strategyFor(def.Stage)
	run := &StageRun{
		Definition:  def,
		Year:        year,
		Run:         rc,
		ExecutionID: NewExecutionID(),
		executor:    x,
		mode:        strategy.Name(),
	}
	run.logger = loggerFrom(ctx, x.logger).With(
		"stage", def.Name(),
		"year", year,
		"execution_id", run.ExecutionID)

	start := time.Now()
	var err error
	if len(def.Tasks) > 0 {
		x.coordinator.Sample(ctx)
		run.logger.Info("executing stage", "strategy", strategy.Name(), "tasks", len(def.Tasks))
		err = strategy.Execute(ctx, run)
	}
	if err != nil {
		var stageErr *StageExecutionError
		if !errors.As(err, &stageErr) {
			err = &StageExecutionError{Stage: def.Stage, Year: year, Err: err}
		}
	}
	result := &StageResult{
		Stage:       def.Stage,
		Year:        year,
		Success:     err == nil,
		Duration:    time.Since(start),
		Err:         err,
		Strategy:    run.mode,
		ExecutionID: run.ExecutionID,
	}
	if err != nil {
		run.logger.Error("stage failed", "strategy", run.mode, "duration", result.Duration, "error", err)
	} else {
		run.logger.Info("stage completed", "strategy", run.mode, "duration", result.Duration)
	}
	return result
}

// StageRun is one invocation of a stage. Strategies use its methods to
// dispatch work to the task runner.
type StageRun struct {
	Definition  StageDefinition
	Year        int
	Run         *RunContext
	ExecutionID string

	executor *StageExecutor
	logger   *slog.Logger
	mode     string
}

// InvokeOptions tunes a single task runner invocation
type InvokeOptions struct {
	Threads     int
	FullRefresh bool
	Label       string
	Extra       map[string]any
}

// Logger returns the stage-scoped logger
func (r *StageRun) Logger() *slog.Logger {
	return r.logger
}

// SetMode records which execution mode the strategy chose
func (r *StageRun) SetMode(mode string) {
	r.mode = mode
}

// Budget returns the run's resource budget
func (r *StageRun) Budget() ResourceBudget {
	return r.executor.coordinator.Budget()
}

// FullRefresh reports whether a task must be rebuilt destructively: on the
// first simulation year, or on every year under the clear-all policy
func (r *StageRun) FullRefresh(task string) bool {
	if !r.executor.catalog.IsFullRefresh(task) {
		return false
	}
	return r.Year == r.Run.StartYear || r.executor.clearPolicy == ClearAll
}

// Parameters returns the parameter bag sent with every invocation
func (r *StageRun) Parameters(extra map[string]any) map[string]any {
	params := make(map[string]any, len(r.Run.Parameters)+len(extra)+4)
	maps.Copy(params, r.Run.Parameters)
	params["simulation_year"] = r.Year
	params["start_year"] = r.Run.StartYear
	params["random_seed"] = r.Run.RandomSeed
	params["batch_size"] = r.executor.coordinator.RecommendedBatchSize()
	maps.Copy(params, extra)
	return params
}

// PrepareOutputs deletes the current year's partition of every
// year-partitioned output among tasks, so rebuilding a year is idempotent
func (r *StageRun) PrepareOutputs(ctx context.Context, tasks []string) error {
	store := r.executor.store
	if store == nil {
		return nil
	}
	for _, task := range tasks {
		column, ok := r.executor.catalog.YearColumn(task)
		if !ok {
			continue
		}
		if r.Run.DryRun {
			r.logger.Info("dry run: would delete year partition", "table", task)
			continue
		}
		deleted, err := store.DeleteByYear(ctx, task, column, r.Year)
		if err != nil {
			return fmt.Errorf("failed to clear %s for year %d: %w", task, r.Year, err)
		}
		if deleted > 0 {
			r.logger.Debug("cleared year partition", "table", task, "rows", deleted)
		}
	}
	return nil
}

// Invoke runs one task runner invocation. A failed invocation is returned
// as a *TaskError.
func (r *StageRun) Invoke(ctx context.Context, selector []string, opts InvokeOptions) error {
	x := r.executor
	params := r.Parameters(opts.Extra)
	threads := opts.Threads
	if threads < 1 {
		threads = 1
	}
	req := TaskRequest{
		Selector:     selector,
		Year:         r.Year,
		Parameters:   params,
		StreamOutput: x.streamOutput,
		Threads:      threads,
		FullRefresh:  opts.FullRefresh,
		Context: ExecutionContext{
			Year:        r.Year,
			Parameters:  params,
			StageName:   r.Definition.Name(),
			ExecutionID: r.ExecutionID,
		},
	}
	if r.Run.DryRun {
		r.logger.Info("dry run: would execute tasks",
			"selector", selector,
			"threads", threads,
			"full_refresh", opts.FullRefresh)
		return nil
	}

	start := time.Now()
	result, err := x.runner.Execute(ctx, req)
	duration := time.Since(start)

	var taskErr *TaskError
	switch {
	case err != nil:
		taskErr = &TaskError{Selector: selector, Label: opts.Label, ExitCode: -1, Err: err}
	case result == nil:
		taskErr = &TaskError{Selector: selector, Label: opts.Label, ExitCode: -1, Err: errors.New("task runner returned no result")}
	case !result.Success:
		taskErr = &TaskError{Selector: selector, Label: opts.Label, ExitCode: result.ExitCode, Stderr: result.Stderr}
	}

	entry := &TaskLogEntry{
		ID:          NewTaskID(),
		RunID:       r.Run.RunID,
		ExecutionID: r.ExecutionID,
		Year:        r.Year,
		Stage:       r.Definition.Name(),
		Selector:    selector,
		Parameters:  params,
		FullRefresh: opts.FullRefresh,
		Success:     taskErr == nil,
		StartTime:   start,
		Duration:    duration.Seconds(),
	}
	if result != nil {
		entry.ExitCode = result.ExitCode
	}
	if taskErr != nil {
		entry.ExitCode = taskErr.ExitCode
		entry.Error = taskErr.Error()
	}
	if logErr := x.taskLogger.LogTask(ctx, entry); logErr != nil {
		r.logger.Warn("failed to log task", "error", logErr)
	}

	if taskErr != nil {
		r.logger.Error("task failed",
			"selector", strings.Join(selector, " "),
			"exit_code", taskErr.ExitCode,
			"duration", duration)
		return taskErr
	}
	r.logger.Debug("task completed", "selector", strings.Join(selector, " "), "duration", duration)
	return nil
}

// RunSequential runs each task in its own invocation, in order, stopping at
// the first failure
func (r *StageRun) RunSequential(ctx context.Context, tasks []string) error {
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.PrepareOutputs(ctx, []string{task}); err != nil {
			return err
		}
		err := r.Invoke(ctx, []string{task}, InvokeOptions{FullRefresh: r.FullRefresh(task)})
		if err != nil {
			return r.stageError(err)
		}
	}
	return nil
}

// RunCombined runs the tasks as a single invocation. Tasks that need a full
// refresh are split into their own consecutive batches so each invocation
// carries one refresh mode while task order is preserved.
func (r *StageRun) RunCombined(ctx context.Context, tasks []string) error {
	if err := r.PrepareOutputs(ctx, tasks); err != nil {
		return err
	}
	for _, batch := range r.refreshBatches(tasks) {
		if err := r.Invoke(ctx, batch.tasks, InvokeOptions{FullRefresh: batch.fullRefresh}); err != nil {
			return r.stageError(err)
		}
	}
	return nil
}

type refreshBatch struct {
	tasks       []string
	fullRefresh bool
}

func (r *StageRun) refreshBatches(tasks []string) []refreshBatch {
	var batches []refreshBatch
	for _, task := range tasks {
		refresh := r.FullRefresh(task)
		if n := len(batches); n > 0 && batches[n-1].fullRefresh == refresh {
			batches[n-1].tasks = append(batches[n-1].tasks, task)
			continue
		}
		batches = append(batches, refreshBatch{tasks: []string{task}, fullRefresh: refresh})
	}
	return batches
}

// BatchJob is one invocation in a parallel batch
type BatchJob struct {
	Selector []string
	Options  InvokeOptions
}

// RunParallel runs one invocation per task, at most limit at a time
func (r *StageRun) RunParallel(ctx context.Context, tasks []string, limit int) error {
	if err := r.PrepareOutputs(ctx, tasks); err != nil {
		return err
	}
	jobs := make([]BatchJob, 0, len(tasks))
	for _, task := range tasks {
		jobs = append(jobs, BatchJob{
			Selector: []string{task},
			Options:  InvokeOptions{FullRefresh: r.FullRefresh(task)},
		})
	}
	return r.RunBatch(ctx, jobs, limit)
}

// RunBatch runs jobs concurrently, at most limit at a time. Once a job has
// failed no further job is started, but jobs already running are allowed to
// finish. Every failure is reported in one StageExecutionError.
func (r *StageRun) RunBatch(ctx context.Context, jobs []BatchJob, limit int) error {
	if limit < 1 {
		limit = 1
	}
	var (
		failed   atomic.Bool
		mutex    sync.Mutex
		failures = map[int]*TaskError{}
		skipped  int
	)
	g := new(errgroup.Group)
	g.SetLimit(limit)
	for i, job := range jobs {
		if failed.Load() || ctx.Err() != nil {
			mutex.Lock()
			skipped += len(jobs) - i
			mutex.Unlock()
			break
		}
		g.Go(func() error {
			if failed.Load() {
				mutex.Lock()
				skipped++
				mutex.Unlock()
				return nil
			}
			err := r.Invoke(ctx, job.Selector, job.Options)
			if err == nil {
				return nil
			}
			failed.Store(true)
			taskErr := asTaskError(job, err)
			mutex.Lock()
			failures[i] = taskErr
			mutex.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) == 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		return nil
	}
	if skipped > 0 {
		r.logger.Warn("parallel batch aborted", "failed", len(failures), "not_started", skipped)
	}
	indexes := make([]int, 0, len(failures))
	for i := range failures {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	ordered := make([]*TaskError, 0, len(indexes))
	for _, i := range indexes {
		ordered = append(ordered, failures[i])
	}
	return newStageExecutionError(r.Definition.Stage, r.Year, ordered)
}

func (r *StageRun) stageError(err error) error {
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return newStageExecutionError(r.Definition.Stage, r.Year, []*TaskError{taskErr})
	}
	return &StageExecutionError{Stage: r.Definition.Stage, Year: r.Year, Err: err}
}

func asTaskError(job BatchJob, err error) *TaskError {
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return taskErr
	}
	return &TaskError{Selector: job.Selector, Label: job.Options.Label, ExitCode: -1, Err: err}
}
