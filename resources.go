package simflow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// ResourceBudget is the concurrency budget of a run
type ResourceBudget struct {
	WorkerCount      int `json:"worker_count"`
	EventShardCount  int `json:"event_shard_count"`
	MaxParallelYears int `json:"max_parallel_years"`
}

// ResolveBudget derives the budget from configuration. Structured
// optimization settings are used unless the legacy threads value was set to
// something other than its default, in which case it wins.
func ResolveBudget(cfg *Config) ResourceBudget {
	budget := ResourceBudget{
		WorkerCount:      cfg.Optimization.MaxWorkers,
		EventShardCount:  cfg.Optimization.EventShards,
		MaxParallelYears: cfg.Optimization.MaxParallelYears,
	}
	if budget.WorkerCount <= 0 {
		budget.WorkerCount = DefaultMaxWorkers
	}
	if cfg.Threads > 0 && cfg.Threads != DefaultThreads {
		budget.WorkerCount = cfg.Threads
	}
	if budget.EventShardCount <= 0 {
		budget.EventShardCount = DefaultEventShards
	}
	if budget.MaxParallelYears <= 0 {
		budget.MaxParallelYears = DefaultMaxParallelYears
	}
	return budget
}

// MemoryPressure is a coarse tier of system memory usage
type MemoryPressure string

const (
	PressureNormal   MemoryPressure = "normal"
	PressureModerate MemoryPressure = "moderate"
	PressureHigh     MemoryPressure = "high"
	PressureCritical MemoryPressure = "critical"
)

var pressureBatchSizes = map[MemoryPressure]int{
	PressureNormal:   1000,
	PressureModerate: 500,
	PressureHigh:     250,
	PressureCritical: 100,
}

// PressureForUsage maps a used-memory percentage to its tier
func PressureForUsage(usedPercent float64) MemoryPressure {
	switch {
	case usedPercent < 70:
		return PressureNormal
	case usedPercent < 85:
		return PressureModerate
	case usedPercent < 95:
		return PressureHigh
	default:
		return PressureCritical
	}
}

// BatchSize returns the batch size recommended under this tier
func (p MemoryPressure) BatchSize() int {
	if size, ok := pressureBatchSizes[p]; ok {
		return size
	}
	return pressureBatchSizes[PressureNormal]
}

// SystemStats is a point-in-time view of host resources
type SystemStats struct {
	UsedPercent float64
	AvailableMB uint64
	LogicalCPUs int
}

// ResourceSampler reads host resource usage
type ResourceSampler interface {
	Sample(ctx context.Context) (SystemStats, error)
}

// SystemSampler samples the local host through gopsutil
type SystemSampler struct{}

func NewSystemSampler() *SystemSampler {
	return &SystemSampler{}
}

func (s *SystemSampler) Sample(ctx context.Context) (SystemStats, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return SystemStats{}, fmt.Errorf("failed to read memory stats: %w", err)
	}
	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return SystemStats{}, fmt.Errorf("failed to read cpu count: %w", err)
	}
	return SystemStats{
		UsedPercent: vm.UsedPercent,
		AvailableMB: vm.Available / (1024 * 1024),
		LogicalCPUs: cpus,
	}, nil
}

// SafetyValidator scores how safe it is to run a stage's tasks concurrently,
// from 0 (unsafe) to 1 (fully independent)
type SafetyValidator interface {
	Score(stage StageDefinition) float64
}

// TaskSafetyValidator scores a stage by the share of its tasks that are not
// known to conflict with each other
type TaskSafetyValidator struct {
	unsafe []string
}

func NewTaskSafetyValidator(unsafeTasks []string) *TaskSafetyValidator {
	return &TaskSafetyValidator{unsafe: unsafeTasks}
}

func (v *TaskSafetyValidator) Score(stage StageDefinition) float64 {
	if len(stage.Tasks) == 0 {
		return 0
	}
	safe := 0
	for _, task := range stage.Tasks {
		if !slices.Contains(v.unsafe, task) {
			safe++
		}
	}
	return float64(safe) / float64(len(stage.Tasks))
}

// ResourceCoordinatorOptions configures a ResourceCoordinator
type ResourceCoordinatorOptions struct {
	Config       *Config
	Capabilities Capabilities
	SingleWriter bool
	Safety       SafetyValidator
	Sampler      ResourceSampler
	Logger       *slog.Logger
}

// ResourceCoordinator owns the run's resource budget and decides where
// model-level parallelism is allowed. It also tracks memory pressure so the
// task runner can be told which batch size to use; it does not itself
// throttle any work.
type ResourceCoordinator struct {
	budget            ResourceBudget
	memoryPerWorkerMB int
	parallelEnabled   bool
	singleWriter      bool
	safety            SafetyValidator
	sampler           ResourceSampler
	logger            *slog.Logger

	mutex    sync.RWMutex
	pressure MemoryPressure
	lastSeen SystemStats
}

// NewResourceCoordinator resolves the budget from configuration
func NewResourceCoordinator(opts ResourceCoordinatorOptions) (*ResourceCoordinator, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Safety == nil {
		opts.Safety = NewTaskSafetyValidator(opts.Config.Optimization.ModelParallelization.UnsafeTasks)
	}
	if opts.Sampler == nil && opts.Capabilities.MemoryMonitoring {
		opts.Sampler = NewSystemSampler()
	}
	memPerWorker := opts.Config.Optimization.MemoryPerWorkerMB
	if memPerWorker <= 0 {
		memPerWorker = DefaultMemoryPerWorkerMB
	}
	return &ResourceCoordinator{
		budget:            ResolveBudget(opts.Config),
		memoryPerWorkerMB: memPerWorker,
		parallelEnabled:   opts.Config.Optimization.ModelParallelization.Enabled && opts.Capabilities.ModelParallelization,
		singleWriter:      opts.SingleWriter,
		safety:            opts.Safety,
		sampler:           opts.Sampler,
		logger:            opts.Logger,
		pressure:          PressureNormal,
	}, nil
}

// Budget returns the resolved budget
func (r *ResourceCoordinator) Budget() ResourceBudget {
	return r.budget
}

// ValidateBudget rejects budgets the host cannot satisfy
func (r *ResourceCoordinator) ValidateBudget(ctx context.Context) error {
	if r.budget.WorkerCount < 1 {
		return &ResourceExhaustionError{Resource: "workers", Required: 1, Available: float64(r.budget.WorkerCount)}
	}
	if r.budget.MaxParallelYears > 1 {
		r.logger.Warn("years always run in order; ignoring max_parallel_years",
			"max_parallel_years", r.budget.MaxParallelYears)
	}
	if r.sampler == nil {
		return nil
	}
	stats, err := r.sampler.Sample(ctx)
	if err != nil {
		r.logger.Warn("cannot sample host resources; skipping budget check", "error", err)
		return nil
	}
	r.record(stats)
	required := uint64(r.budget.WorkerCount * r.memoryPerWorkerMB)
	if stats.AvailableMB < required {
		return &ResourceExhaustionError{
			Resource:  "memory_mb",
			Required:  float64(required),
			Available: float64(stats.AvailableMB),
		}
	}
	if stats.LogicalCPUs > 0 && r.budget.WorkerCount > 4*stats.LogicalCPUs {
		return &ResourceExhaustionError{
			Resource:  "cpu_threads",
			Required:  float64(r.budget.WorkerCount),
			Available: float64(4 * stats.LogicalCPUs),
		}
	}
	return nil
}

// ShouldParallelizeModels reports whether a stage's tasks may be dispatched
// to the parallel engine
func (r *ResourceCoordinator) ShouldParallelizeModels(stage StageDefinition) bool {
	if !r.parallelEnabled || r.singleWriter {
		return false
	}
	if len(stage.Tasks) <= 1 {
		return false
	}
	if stage.Stage == StageEventGeneration || stage.Stage == StageStateAccumulation {
		score := r.safety.Score(stage)
		if score <= DefaultSafetyThreshold {
			r.logger.Debug("parallel execution judged unsafe",
				"stage", stage.Name(),
				"score", score,
				"threshold", DefaultSafetyThreshold)
			return false
		}
	}
	return true
}

// Sample refreshes the memory pressure tier
func (r *ResourceCoordinator) Sample(ctx context.Context) MemoryPressure {
	if r.sampler == nil {
		return r.Pressure()
	}
	stats, err := r.sampler.Sample(ctx)
	if err != nil {
		r.logger.Debug("memory sample failed", "error", err)
		return r.Pressure()
	}
	return r.record(stats)
}

func (r *ResourceCoordinator) record(stats SystemStats) MemoryPressure {
	pressure := PressureForUsage(stats.UsedPercent)
	r.mutex.Lock()
	previous := r.pressure
	r.pressure = pressure
	r.lastSeen = stats
	r.mutex.Unlock()
	if pressure != previous {
		r.logger.Info("memory pressure changed",
			"from", previous,
			"to", pressure,
			"used_percent", stats.UsedPercent,
			"batch_size", pressure.BatchSize())
	}
	return pressure
}

// Pressure returns the last observed memory pressure tier
func (r *ResourceCoordinator) Pressure() MemoryPressure {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.pressure
}

// RecommendedBatchSize returns the batch size for the current pressure tier
func (r *ResourceCoordinator) RecommendedBatchSize() int {
	return r.Pressure().BatchSize()
}

// LastStats returns the most recent host sample
func (r *ResourceCoordinator) LastStats() SystemStats {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.lastSeen
}
