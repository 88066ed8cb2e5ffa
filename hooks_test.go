package simflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHookConstruction(t *testing.T) {
	noop := func(ctx context.Context, hc *HookContext) error { return nil }

	_, err := NewHook("missing", PreYear, nil)
	require.ErrorContains(t, err, "requires a callback")

	_, err = NewHook("bad type", HookType(42), noop)
	require.ErrorContains(t, err, "unknown type")

	_, err = NewStageHook("year filter", PreYear, StageFoundation, noop)
	require.ErrorContains(t, err, "only allowed on stage hooks")

	_, err = NewStageHook("bad stage", PostStage, WorkflowStage(12), noop)
	require.ErrorContains(t, err, "invalid stage filter")

	hook, err := NewStageHook("ok", PostStage, StageFoundation, noop)
	require.NoError(t, err)
	require.Equal(t, StageFoundation, *hook.StageFilter)

	m := NewHookManager(nil)
	require.Error(t, m.Register(nil))
	stage := StageCleanup
	require.ErrorContains(t, m.Register(&Hook{Name: "raw", Type: PreSimulation, StageFilter: &stage, Callback: noop}),
		"only allowed on stage hooks")
}

func TestHookManagerFire(t *testing.T) {
	ctx := context.Background()

	t.Run("registration order", func(t *testing.T) {
		m := NewHookManager(nil)
		var calls []string
		for _, name := range []string{"first", "second", "third"} {
			hook, err := NewHook(name, PreYear, func(ctx context.Context, hc *HookContext) error {
				calls = append(calls, name)
				return nil
			})
			require.NoError(t, err)
			require.NoError(t, m.Register(hook))
		}
		require.Equal(t, 3, m.Count(PreYear))
		require.Equal(t, 0, m.Fire(ctx, PreYear, &HookContext{Year: 2025}))
		require.Equal(t, []string{"first", "second", "third"}, calls)
	})

	t.Run("stage filter", func(t *testing.T) {
		m := NewHookManager(nil)
		var seen []WorkflowStage
		hook, err := NewStageHook("events only", PostStage, StageEventGeneration, func(ctx context.Context, hc *HookContext) error {
			seen = append(seen, hc.Stage.Stage)
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, m.Register(hook))

		for _, stage := range AllStages() {
			m.Fire(ctx, PostStage, &HookContext{Stage: &StageDefinition{Stage: stage}})
		}
		m.Fire(ctx, PostStage, &HookContext{})
		require.Equal(t, []WorkflowStage{StageEventGeneration}, seen)
	})

	t.Run("failures are isolated", func(t *testing.T) {
		m := NewHookManager(nil)
		var reached bool
		failing, err := NewHook("failing", PostYear, func(ctx context.Context, hc *HookContext) error {
			return errors.New("boom")
		})
		require.NoError(t, err)
		panicking, err := NewHook("panicking", PostYear, func(ctx context.Context, hc *HookContext) error {
			panic("unexpected")
		})
		require.NoError(t, err)
		last, err := NewHook("last", PostYear, func(ctx context.Context, hc *HookContext) error {
			reached = true
			require.Equal(t, PostYear, hc.Type)
			require.False(t, hc.Time.IsZero())
			return nil
		})
		require.NoError(t, err)
		for _, hook := range []*Hook{failing, panicking, last} {
			require.NoError(t, m.Register(hook))
		}

		require.Equal(t, 2, m.Fire(ctx, PostYear, nil))
		require.True(t, reached)
	})
}
