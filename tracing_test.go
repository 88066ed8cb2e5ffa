package simflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTracingHooks(t *testing.T) {
	ctx := context.Background()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer provider.Shutdown(ctx)

	m := NewHookManager(nil)
	require.NoError(t, NewTracingHooksWithTracer(provider.Tracer("test")).Register(m))
	require.Equal(t, 1, m.Count(PreStage))

	def := &StageDefinition{Stage: StageEventGeneration}
	stageErr := errors.New("stage failed")
	require.Zero(t, m.Fire(ctx, PreSimulation, &HookContext{RunID: "run_1", StartYear: 2025, EndYear: 2025}))
	require.Zero(t, m.Fire(ctx, PreYear, &HookContext{RunID: "run_1", Year: 2025}))
	require.Zero(t, m.Fire(ctx, PreStage, &HookContext{Year: 2025, Stage: def}))
	require.Zero(t, m.Fire(ctx, PostStage, &HookContext{
		Year:   2025,
		Stage:  def,
		Result: &StageResult{Stage: def.Stage, Strategy: ModeEventTasks, Err: stageErr},
	}))
	require.Zero(t, m.Fire(ctx, PostYear, &HookContext{Year: 2025, Err: stageErr}))
	require.Zero(t, m.Fire(ctx, PostSimulation, &HookContext{Err: stageErr}))

	spans := recorder.Ended()
	require.Len(t, spans, 3)
	stage, year, simulation := spans[0], spans[1], spans[2]
	require.Equal(t, "simflow.stage", stage.Name())
	require.Equal(t, "simflow.year", year.Name())
	require.Equal(t, "simflow.simulation", simulation.Name())

	require.Equal(t, year.SpanContext().SpanID(), stage.Parent().SpanID())
	require.Equal(t, simulation.SpanContext().SpanID(), year.Parent().SpanID())
	require.Equal(t, codes.Error, stage.Status().Code)
	require.Equal(t, codes.Error, simulation.Status().Code)

	t.Run("unbalanced end is reported", func(t *testing.T) {
		require.Equal(t, 1, m.Fire(ctx, PostStage, &HookContext{Stage: def}))
	})
}
