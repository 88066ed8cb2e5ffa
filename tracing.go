package simflow

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/deepnoodle-ai/simflow"

// TracingHooks turns lifecycle hooks into OpenTelemetry spans: one span per
// simulation, with a child span per year and a grandchild span per stage.
// With no tracer provider configured the global noop tracer is used.
type TracingHooks struct {
	tracer trace.Tracer

	mutex      sync.Mutex
	simulation context.Context
	simSpan    trace.Span
	year       context.Context
	yearSpan   trace.Span
	stageSpan  trace.Span
}

// NewTracingHooks returns tracing hooks using the global tracer provider
func NewTracingHooks() *TracingHooks {
	return NewTracingHooksWithTracer(otel.Tracer(tracerName))
}

// NewTracingHooksWithTracer returns tracing hooks using the given tracer
func NewTracingHooksWithTracer(tracer trace.Tracer) *TracingHooks {
	return &TracingHooks{tracer: tracer}
}

// Register adds the tracing callbacks to a hook manager
func (t *TracingHooks) Register(m *HookManager) error {
	callbacks := map[HookType]HookFunc{
		PreSimulation:  t.startSimulation,
		PostSimulation: t.endSimulation,
		PreYear:        t.startYear,
		PostYear:       t.endYear,
		PreStage:       t.startStage,
		PostStage:      t.endStage,
	}
	for _, hookType := range []HookType{PreSimulation, PostSimulation, PreYear, PostYear, PreStage, PostStage} {
		hook, err := NewHook("tracing."+hookType.String(), hookType, callbacks[hookType])
		if err != nil {
			return err
		}
		if err := m.Register(hook); err != nil {
			return err
		}
	}
	return nil
}

func (t *TracingHooks) startSimulation(ctx context.Context, hc *HookContext) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.simulation, t.simSpan = t.tracer.Start(ctx, "simflow.simulation",
		trace.WithAttributes(
			attribute.String("simflow.run_id", hc.RunID),
			attribute.Int("simflow.start_year", hc.StartYear),
			attribute.Int("simflow.end_year", hc.EndYear),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return nil
}

func (t *TracingHooks) endSimulation(ctx context.Context, hc *HookContext) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.simSpan == nil {
		return fmt.Errorf("no simulation span is open")
	}
	finish(t.simSpan, hc.Err)
	t.simulation, t.simSpan = nil, nil
	return nil
}

func (t *TracingHooks) startYear(ctx context.Context, hc *HookContext) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	parent := ctx
	if t.simulation != nil {
		parent = t.simulation
	}
	t.year, t.yearSpan = t.tracer.Start(parent, "simflow.year",
		trace.WithAttributes(
			attribute.String("simflow.run_id", hc.RunID),
			attribute.Int("simflow.year", hc.Year),
		),
	)
	return nil
}

func (t *TracingHooks) endYear(ctx context.Context, hc *HookContext) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.yearSpan == nil {
		return fmt.Errorf("no year span is open")
	}
	finish(t.yearSpan, hc.Err)
	t.year, t.yearSpan = nil, nil
	return nil
}

func (t *TracingHooks) startStage(ctx context.Context, hc *HookContext) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	parent := ctx
	if t.year != nil {
		parent = t.year
	}
	_, t.stageSpan = t.tracer.Start(parent, "simflow.stage",
		trace.WithAttributes(
			attribute.Int("simflow.year", hc.Year),
			attribute.String("simflow.stage", hc.StageName()),
		),
	)
	return nil
}

func (t *TracingHooks) endStage(ctx context.Context, hc *HookContext) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.stageSpan == nil {
		return fmt.Errorf("no stage span is open")
	}
	err := hc.Err
	if hc.Result != nil {
		t.stageSpan.SetAttributes(
			attribute.String("simflow.strategy", hc.Result.Strategy),
			attribute.Int64("simflow.duration_ms", hc.Result.Duration.Milliseconds()),
		)
		if err == nil {
			err = hc.Result.Err
		}
	}
	finish(t.stageSpan, err)
	t.stageSpan = nil
	return nil
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
