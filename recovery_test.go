package simflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecoveryPlanner(t *testing.T) {
	ctx := context.Background()

	// setup saves checkpoints for the given years with the store counts
	// the checkpoints record
	setup := func(t *testing.T, years ...int) (*RecoveryPlanner, *memStore) {
		store := newMemStore()
		for _, year := range years {
			store.set("fct_workforce_snapshot", year, int64(100+year-2025))
		}
		capture := NewStateCapture(store, DefaultTrackedOutputs(), nil)
		cs, err := NewFileCheckpointStore(FileCheckpointStoreOptions{Dir: t.TempDir(), Capture: capture})
		require.NoError(t, err)
		for _, year := range years {
			_, err := cs.Save(ctx, year, "run_a", "h1")
			require.NoError(t, err)
		}
		return NewRecoveryPlanner(cs, capture, nil), store
	}

	t.Run("no checkpoints", func(t *testing.T) {
		planner, _ := setup(t)
		decision := planner.PreparePlan(ctx, 2025, 2027, "h1")
		require.Equal(t, ModeFullRun, decision.Mode)
		require.Nil(t, decision.ResumeYear)
		require.Equal(t, []int{2025, 2026, 2027}, decision.YearsToProcess)
		require.Empty(t, decision.Warnings)
	})

	t.Run("resume after latest valid year", func(t *testing.T) {
		planner, _ := setup(t, 2025, 2026)
		require.True(t, planner.CanResumeFrom(ctx, 2026, "h1"))

		decision := planner.PreparePlan(ctx, 2025, 2027, "h1")
		require.Equal(t, ModeCheckpointResume, decision.Mode)
		require.Equal(t, 2026, *decision.ResumeYear)
		require.Equal(t, []int{2027}, decision.YearsToProcess)
	})

	t.Run("config drift forces a full run", func(t *testing.T) {
		planner, _ := setup(t, 2025, 2026)
		var drift *ConfigDriftError
		require.ErrorAs(t, planner.CheckResumable(ctx, 2026, "h2"), &drift)
		require.Equal(t, "h1", drift.StoredHash)

		decision := planner.PreparePlan(ctx, 2025, 2027, "h2")
		require.Equal(t, ModeFullRun, decision.Mode)
		require.Equal(t, []int{2025, 2026, 2027}, decision.YearsToProcess)
		require.NotEmpty(t, decision.Warnings)
	})

	t.Run("changed row counts invalidate a year", func(t *testing.T) {
		planner, store := setup(t, 2025, 2026)
		store.set("fct_workforce_snapshot", 2026, 5)
		require.False(t, planner.CanResumeFrom(ctx, 2026, "h1"))

		year, ok := planner.FindLatestResumable(ctx, "h1")
		require.True(t, ok)
		require.Equal(t, 2025, year)

		decision := planner.PreparePlan(ctx, 2025, 2027, "h1")
		require.Equal(t, ModeCheckpointResume, decision.Mode)
		require.Equal(t, []int{2026, 2027}, decision.YearsToProcess)
	})

	t.Run("already complete", func(t *testing.T) {
		planner, _ := setup(t, 2025, 2026, 2027)
		decision := planner.PreparePlan(ctx, 2025, 2027, "h1")
		require.Equal(t, ModeAlreadyComplete, decision.Mode)
		require.Empty(t, decision.YearsToProcess)
		require.Empty(t, decision.Warnings)
	})

	t.Run("checkpoint beyond end year", func(t *testing.T) {
		planner, _ := setup(t, 2025, 2026, 2027)
		decision := planner.PreparePlan(ctx, 2025, 2026, "h1")
		require.Equal(t, ModeAlreadyComplete, decision.Mode)
		require.Equal(t, 2027, *decision.ResumeYear)
		require.Len(t, decision.Warnings, 1)
		require.Contains(t, decision.Warnings[0], "beyond end year")
	})

	t.Run("checkpoint before start year", func(t *testing.T) {
		planner, _ := setup(t, 2025)
		decision := planner.PreparePlan(ctx, 2027, 2028, "h1")
		require.Equal(t, ModeFullRun, decision.Mode)
		require.Equal(t, []int{2027, 2028}, decision.YearsToProcess)
		require.Len(t, decision.Warnings, 1)
	})
}
