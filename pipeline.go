package simflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// PipelineOptions configures a PipelineRunner. Only Config and Runner are
// required.
type PipelineOptions struct {
	Config       *Config
	Runner       TaskRunner
	Store        Store
	Checkpoints  Checkpointer
	Capabilities Capabilities
	Accelerated  AcceleratedProcessor
	Population   PopulationChecker
	Hooks        *HookManager
	TaskLogger   TaskLogger
	Sampler      ResourceSampler
	Logger       *slog.Logger
}

// RunOptions selects the years of a run and how it behaves
type RunOptions struct {
	StartYear int
	EndYear   int
	Resume    bool
	DryRun    bool
	FailFast  bool
}

// PipelineRunner runs the multi-year simulation: for every year it builds
// the stage list, executes and validates each stage, and checkpoints the
// year once its last stage completes.
type PipelineRunner struct {
	cfg         *Config
	store       Store
	checkpoints Checkpointer
	planner     *RecoveryPlanner
	builder     *WorkflowBuilder
	executor    *StageExecutor
	validator   *StageValidator
	coordinator *ResourceCoordinator
	hooks       *HookManager
	logger      *slog.Logger
}

// NewPipelineRunner wires the pipeline components from the options
func NewPipelineRunner(opts PipelineOptions) (*PipelineRunner, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("task runner is required")
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Hooks == nil {
		opts.Hooks = NewHookManager(opts.Logger)
	}
	if opts.TaskLogger == nil {
		if dir := opts.Config.Runner.TaskLogDir; dir != "" {
			opts.TaskLogger = NewFileTaskLogger(dir)
		} else {
			opts.TaskLogger = NewNullTaskLogger()
		}
	}
	cfg := opts.Config
	capture := NewStateCapture(opts.Store, cfg.Checkpoint.TrackedOutputs, opts.Logger)
	if opts.Checkpoints == nil {
		snapshot, err := cfg.Snapshot()
		if err != nil {
			return nil, err
		}
		checkpoints, err := NewFileCheckpointStore(FileCheckpointStoreOptions{
			Dir:            cfg.Checkpoint.Dir,
			Capture:        capture,
			ConfigSnapshot: snapshot,
			Logger:         opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		opts.Checkpoints = checkpoints
	}

	singleWriter := !cfg.Store.MultiWriter
	if opts.Store != nil {
		singleWriter = opts.Store.SingleWriter()
	}
	coordinator, err := NewResourceCoordinator(ResourceCoordinatorOptions{
		Config:       cfg,
		Capabilities: opts.Capabilities,
		SingleWriter: singleWriter,
		Sampler:      opts.Sampler,
		Logger:       opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	executor, err := NewStageExecutor(StageExecutorOptions{
		Runner:            opts.Runner,
		Store:             opts.Store,
		Coordinator:       coordinator,
		Catalog:           cfg.Workflow,
		ClearTablesPolicy: cfg.ClearTablesPolicy,
		Capabilities:      opts.Capabilities,
		Accelerated:       opts.Accelerated,
		DisableFallback:   cfg.Accelerated.DisableFallback,
		TaskLogger:        opts.TaskLogger,
		StreamOutput:      cfg.Runner.StreamOutput,
		Logger:            opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	validator, err := NewStageValidator(context.Background(), StageValidatorOptions{
		Config:      cfg,
		Store:       opts.Store,
		Population:  opts.Population,
		FailOnError: cfg.Validation.FailOnError,
		Logger:      opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &PipelineRunner{
		cfg:         cfg,
		store:       opts.Store,
		checkpoints: opts.Checkpoints,
		planner:     NewRecoveryPlanner(opts.Checkpoints, capture, opts.Logger),
		builder:     NewWorkflowBuilder(cfg.Workflow),
		executor:    executor,
		validator:   validator,
		coordinator: coordinator,
		hooks:       opts.Hooks,
		logger:      opts.Logger,
	}, nil
}

// Hooks returns the hook manager so callers can register hooks
func (p *PipelineRunner) Hooks() *HookManager {
	return p.hooks
}

// Executor returns the stage executor so callers can register strategies
func (p *PipelineRunner) Executor() *StageExecutor {
	return p.executor
}

// Validator returns the stage validator so callers can register rules
func (p *PipelineRunner) Validator() *StageValidator {
	return p.validator
}

// Checkpoints returns the checkpointer used by the runner
func (p *PipelineRunner) Checkpoints() Checkpointer {
	return p.checkpoints
}

// Run simulates the requested years in ascending order. The returned
// summary is populated even when the run fails.
func (p *PipelineRunner) Run(ctx context.Context, opts RunOptions) (*RunSummary, error) {
	if opts.StartYear == 0 {
		opts.StartYear = p.cfg.Simulation.StartYear
	}
	if opts.EndYear == 0 {
		opts.EndYear = p.cfg.Simulation.EndYear
	}
	if opts.EndYear < opts.StartYear {
		return nil, fmt.Errorf("end year %d is before start year %d", opts.EndYear, opts.StartYear)
	}
	configHash, err := p.cfg.HashFor(opts.StartYear)
	if err != nil {
		return nil, err
	}

	runID := NewRunID()
	logger := p.logger.With("run_id", runID)
	ctx = WithLogger(ctx, logger)

	summary := &RunSummary{
		RunID:      runID,
		ConfigHash: configHash,
		Mode:       ModeFullRun,
		StartYear:  opts.StartYear,
		EndYear:    opts.EndYear,
		DryRun:     opts.DryRun,
		Years:      []*YearSummary{},
		StartTime:  time.Now(),
	}
	finish := func(err error) (*RunSummary, error) {
		summary.EndTime = time.Now()
		summary.Duration = summary.EndTime.Sub(summary.StartTime)
		switch {
		case err != nil:
			summary.Status = RunStatusFailed
			summary.Error = err.Error()
		case summary.Mode == ModeAlreadyComplete:
			summary.Status = RunStatusSkipped
		default:
			summary.Status = RunStatusCompleted
		}
		return summary, err
	}

	lock, err := NewRunLock(p.cfg.LockDir, p.storeIdentity())
	if err != nil {
		return finish(err)
	}
	if err := lock.Acquire(); err != nil {
		return finish(err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("failed to release run lock", "error", err)
		}
	}()

	if err := p.coordinator.ValidateBudget(ctx); err != nil {
		return finish(err)
	}

	years := yearRange(opts.StartYear, opts.EndYear)
	if opts.Resume {
		decision := p.planner.PreparePlan(ctx, opts.StartYear, opts.EndYear, configHash)
		summary.Mode = decision.Mode
		summary.ResumeYear = decision.ResumeYear
		summary.Warnings = append(summary.Warnings, decision.Warnings...)
		years = decision.YearsToProcess
		for _, warning := range decision.Warnings {
			logger.Warn("recovery", "warning", warning)
		}
	}

	checkpoints := p.checkpoints
	if opts.DryRun {
		checkpoints = NewNullCheckpointer()
	}
	validator := p.validator.WithFailOnError(p.cfg.Validation.FailOnError || opts.FailFast)
	rc := &RunContext{
		RunID:      runID,
		StartYear:  opts.StartYear,
		RandomSeed: p.cfg.Simulation.RandomSeed,
		DryRun:     opts.DryRun,
		Parameters: p.cfg.Parameters,
	}

	logger.Info("simulation starting",
		"start_year", opts.StartYear,
		"end_year", opts.EndYear,
		"mode", summary.Mode,
		"years", years,
		"dry_run", opts.DryRun)
	p.hooks.Fire(ctx, PreSimulation, &HookContext{
		RunID:     runID,
		StartYear: opts.StartYear,
		EndYear:   opts.EndYear,
	})

	var runErr error
	for _, year := range years {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		ys, err := p.runYear(ctx, year, rc, configHash, validator, checkpoints)
		summary.Years = append(summary.Years, ys)
		if err != nil {
			runErr = err
			break
		}
	}

	p.hooks.Fire(ctx, PostSimulation, &HookContext{
		RunID:     runID,
		StartYear: opts.StartYear,
		EndYear:   opts.EndYear,
		Err:       runErr,
	})

	if runErr == nil && p.cfg.Checkpoint.KeepLatest > 0 {
		removed, err := checkpoints.CleanupKeepLatest(ctx, p.cfg.Checkpoint.KeepLatest)
		if err != nil {
			logger.Warn("checkpoint cleanup incomplete", "error", err)
		}
		if len(removed) > 0 {
			logger.Info("removed old checkpoints", "years", removed)
		}
	}

	if runErr != nil {
		logger.Error("simulation failed", "error", runErr)
	} else {
		logger.Info("simulation completed", "years", len(summary.Years))
	}
	return finish(runErr)
}

func (p *PipelineRunner) runYear(
	ctx context.Context,
	year int,
	rc *RunContext,
	configHash string,
	validator *StageValidator,
	checkpoints Checkpointer,
) (*YearSummary, error) {
	start := time.Now()
	ys := &YearSummary{Year: year, Stages: []*StageResult{}}
	logger := loggerFrom(ctx, p.logger).With("year", year)

	p.hooks.Fire(ctx, PreYear, &HookContext{RunID: rc.RunID, StartYear: rc.StartYear, Year: year})

	err := p.runStages(ctx, year, rc, configHash, validator, checkpoints, ys)
	ys.Duration = time.Since(start)
	if err != nil {
		ys.Error = err.Error()
		logger.Error("year failed", "duration", ys.Duration, "error", err)
	} else {
		logger.Info("year completed", "duration", ys.Duration)
	}

	p.hooks.Fire(ctx, PostYear, &HookContext{RunID: rc.RunID, StartYear: rc.StartYear, Year: year, Err: err})
	return ys, err
}

func (p *PipelineRunner) runStages(
	ctx context.Context,
	year int,
	rc *RunContext,
	configHash string,
	validator *StageValidator,
	checkpoints Checkpointer,
	ys *YearSummary,
) error {
	stages, err := p.builder.Build(year, rc.StartYear)
	if err != nil {
		return err
	}
	for i := range stages {
		def := &stages[i]
		hc := &HookContext{RunID: rc.RunID, StartYear: rc.StartYear, Year: year, Stage: def}
		p.hooks.Fire(ctx, PreStage, hc)

		result := p.executor.Execute(ctx, *def, year, rc)
		ys.Stages = append(ys.Stages, result)

		p.hooks.Fire(ctx, PostStage, &HookContext{
			RunID:     rc.RunID,
			StartYear: rc.StartYear,
			Year:      year,
			Stage:     def,
			Result:    result,
			Err:       result.Err,
		})
		if !result.Success {
			return result.Err
		}

		if err := validator.Validate(ctx, def.Stage, year, rc.StartYear, rc.DryRun); err != nil {
			return err
		}
		if def.CheckpointEnabled {
			cp, err := p.checkpoint(ctx, checkpoints, year, def.Stage, rc.RunID, configHash)
			if err != nil {
				return err
			}
			if cp != nil {
				ys.Checkpoint = cp.IntegrityHash
			}
		}
	}
	return nil
}

// checkpoint saves the year's checkpoint. When that fails the legacy status
// record is written instead so the year is still recorded as done.
func (p *PipelineRunner) checkpoint(
	ctx context.Context,
	checkpoints Checkpointer,
	year int,
	stage WorkflowStage,
	runID, configHash string,
) (*Checkpoint, error) {
	logger := loggerFrom(ctx, p.logger)
	cp, err := checkpoints.Save(ctx, year, runID, configHash)
	if err == nil {
		logger.Info("checkpoint saved", "year", year, "integrity_hash", shortHash(cp.IntegrityHash))
		return cp, nil
	}
	logger.Warn("checkpoint save failed; writing legacy record", "year", year, "error", err)
	if legacyErr := checkpoints.SaveLegacy(ctx, year, stage, configHash); legacyErr != nil {
		return nil, fmt.Errorf("failed to checkpoint year %d: %w", year, errors.Join(err, legacyErr))
	}
	return nil, nil
}

func (p *PipelineRunner) storeIdentity() string {
	if p.store != nil {
		return p.store.Identity()
	}
	if p.cfg.Store.Name != "" {
		return p.cfg.Store.Name
	}
	return "default"
}
