package simflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSampler struct {
	stats SystemStats
	err   error
}

func (s *fakeSampler) Sample(ctx context.Context) (SystemStats, error) {
	return s.stats, s.err
}

func TestResolveBudget(t *testing.T) {
	tests := []struct {
		name    string
		threads int
		opt     OptimizationConfig
		want    ResourceBudget
	}{
		{
			name: "defaults",
			want: ResourceBudget{WorkerCount: 1, EventShardCount: 1, MaxParallelYears: 1},
		},
		{
			name: "structured settings",
			opt:  OptimizationConfig{MaxWorkers: 4, EventShards: 3},
			want: ResourceBudget{WorkerCount: 4, EventShardCount: 3, MaxParallelYears: 1},
		},
		{
			name:    "legacy threads at default does not override",
			threads: 1,
			opt:     OptimizationConfig{MaxWorkers: 4},
			want:    ResourceBudget{WorkerCount: 4, EventShardCount: 1, MaxParallelYears: 1},
		},
		{
			name:    "legacy threads override structured workers",
			threads: 8,
			opt:     OptimizationConfig{MaxWorkers: 4},
			want:    ResourceBudget{WorkerCount: 8, EventShardCount: 1, MaxParallelYears: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Threads: tt.threads, Optimization: tt.opt}
			require.Equal(t, tt.want, ResolveBudget(cfg))
		})
	}
}

func TestMemoryPressure(t *testing.T) {
	require.Equal(t, PressureNormal, PressureForUsage(40))
	require.Equal(t, PressureModerate, PressureForUsage(70))
	require.Equal(t, PressureHigh, PressureForUsage(90))
	require.Equal(t, PressureCritical, PressureForUsage(99))

	require.Greater(t, PressureNormal.BatchSize(), PressureModerate.BatchSize())
	require.Greater(t, PressureHigh.BatchSize(), PressureCritical.BatchSize())
	require.Equal(t, PressureNormal.BatchSize(), MemoryPressure("unknown").BatchSize())
}

func TestShouldParallelizeModels(t *testing.T) {
	newCoordinator := func(t *testing.T, enabled, capable, singleWriter bool, unsafe ...string) *ResourceCoordinator {
		cfg := testConfig(t)
		cfg.Optimization.ModelParallelization = ModelParallelizationConfig{Enabled: enabled, UnsafeTasks: unsafe}
		c, err := NewResourceCoordinator(ResourceCoordinatorOptions{
			Config:       cfg,
			Capabilities: Capabilities{ModelParallelization: capable},
			SingleWriter: singleWriter,
		})
		require.NoError(t, err)
		return c
	}
	cfg := testConfig(t)
	events := stageFor(t, cfg, StageEventGeneration, 2026)
	reporting := stageFor(t, cfg, StageReporting, 2026)

	require.True(t, newCoordinator(t, true, true, false).ShouldParallelizeModels(events))
	require.False(t, newCoordinator(t, false, true, false).ShouldParallelizeModels(events))
	require.False(t, newCoordinator(t, true, false, false).ShouldParallelizeModels(events))
	require.False(t, newCoordinator(t, true, true, true).ShouldParallelizeModels(events))

	single := StageDefinition{Stage: StageReporting, Tasks: []string{"only"}}
	require.False(t, newCoordinator(t, true, true, false).ShouldParallelizeModels(single))

	t.Run("safety threshold", func(t *testing.T) {
		oneUnsafe := newCoordinator(t, true, true, false, "int_hiring_events")
		require.True(t, oneUnsafe.ShouldParallelizeModels(events), "6 of 7 safe is above the threshold")

		twoUnsafe := newCoordinator(t, true, true, false, "int_hiring_events", "int_termination_events")
		require.False(t, twoUnsafe.ShouldParallelizeModels(events))

		// only event generation and accumulation are scored
		require.True(t, twoUnsafe.ShouldParallelizeModels(reporting))
	})
}

func TestTaskSafetyValidator(t *testing.T) {
	v := NewTaskSafetyValidator([]string{"b"})
	require.Equal(t, 0.5, v.Score(StageDefinition{Tasks: []string{"a", "b"}}))
	require.Equal(t, 1.0, v.Score(StageDefinition{Tasks: []string{"a", "c"}}))
	require.Equal(t, 0.0, v.Score(StageDefinition{}))
}

func TestValidateBudget(t *testing.T) {
	ctx := context.Background()
	newCoordinator := func(t *testing.T, workers int, sampler ResourceSampler) *ResourceCoordinator {
		cfg := testConfig(t)
		cfg.Optimization.MaxWorkers = workers
		c, err := NewResourceCoordinator(ResourceCoordinatorOptions{Config: cfg, Sampler: sampler})
		require.NoError(t, err)
		return c
	}

	t.Run("enough resources", func(t *testing.T) {
		c := newCoordinator(t, 2, &fakeSampler{stats: SystemStats{UsedPercent: 50, AvailableMB: 8192, LogicalCPUs: 4}})
		require.NoError(t, c.ValidateBudget(ctx))
		require.Equal(t, uint64(8192), c.LastStats().AvailableMB)
	})

	t.Run("not enough memory", func(t *testing.T) {
		c := newCoordinator(t, 4, &fakeSampler{stats: SystemStats{AvailableMB: 1024, LogicalCPUs: 8}})
		err := c.ValidateBudget(ctx)
		var exhausted *ResourceExhaustionError
		require.ErrorAs(t, err, &exhausted)
		require.Equal(t, "memory_mb", exhausted.Resource)
		require.Equal(t, float64(4*DefaultMemoryPerWorkerMB), exhausted.Required)
	})

	t.Run("too many workers for the cpus", func(t *testing.T) {
		c := newCoordinator(t, 9, &fakeSampler{stats: SystemStats{AvailableMB: 1 << 20, LogicalCPUs: 2}})
		var exhausted *ResourceExhaustionError
		require.ErrorAs(t, c.ValidateBudget(ctx), &exhausted)
		require.Equal(t, "cpu_threads", exhausted.Resource)
	})

	t.Run("sampler failure skips the check", func(t *testing.T) {
		c := newCoordinator(t, 4, &fakeSampler{err: errors.New("no /proc")})
		require.NoError(t, c.ValidateBudget(ctx))
	})

	t.Run("no sampler", func(t *testing.T) {
		c := newCoordinator(t, 64, nil)
		require.NoError(t, c.ValidateBudget(ctx))
	})
}

func TestCoordinatorSample(t *testing.T) {
	sampler := &fakeSampler{stats: SystemStats{UsedPercent: 88}}
	cfg := testConfig(t)
	c, err := NewResourceCoordinator(ResourceCoordinatorOptions{Config: cfg, Sampler: sampler})
	require.NoError(t, err)
	require.Equal(t, PressureNormal, c.Pressure())

	require.Equal(t, PressureHigh, c.Sample(context.Background()))
	require.Equal(t, PressureHigh.BatchSize(), c.RecommendedBatchSize())

	sampler.err = errors.New("unavailable")
	require.Equal(t, PressureHigh, c.Sample(context.Background()))
}
