package simflow

import (
	"context"
	"log/slog"
	"time"
)

// StateCapture gathers the row counts and data quality metrics recorded in a
// checkpoint. A failure on one output is recorded against that output and
// does not stop the capture of the others.
type StateCapture struct {
	store   Store
	outputs []TrackedOutput
	logger  *slog.Logger
}

// NewStateCapture returns a capture over the given outputs. A nil store
// yields empty captures.
func NewStateCapture(store Store, outputs []TrackedOutput, logger *slog.Logger) *StateCapture {
	if logger == nil {
		logger = discardLogger()
	}
	return &StateCapture{store: store, outputs: outputs, logger: logger}
}

// Outputs returns the tracked outputs
func (c *StateCapture) Outputs() []TrackedOutput {
	return c.outputs
}

// StateSnapshot is the result of one capture
type StateSnapshot struct {
	OutputCounts   map[string]OutputCount
	QualityMetrics map[string]any
	PerfMetrics    map[string]any
}

// Counts returns the current row count of every tracked output for a year.
// Outputs that do not exist yet count as zero.
func (c *StateCapture) Counts(ctx context.Context, year int) map[string]OutputCount {
	counts := make(map[string]OutputCount, len(c.outputs))
	if c.store == nil {
		return counts
	}
	for _, output := range c.outputs {
		n, _, err := c.store.TryCount(ctx, output.Table, output.YearColumn, year)
		if err != nil {
			c.logger.Warn("failed to count output", "table", output.Table, "year", year, "error", err)
			counts[output.Table] = OutputCount{Error: err.Error()}
			continue
		}
		counts[output.Table] = OutputCount{Rows: n}
	}
	return counts
}

// Capture takes counts, quality metrics and timing for a year
func (c *StateCapture) Capture(ctx context.Context, year int) *StateSnapshot {
	start := time.Now()
	snapshot := &StateSnapshot{
		OutputCounts:   c.Counts(ctx, year),
		QualityMetrics: map[string]any{},
	}
	if c.store != nil {
		for _, output := range c.outputs {
			c.captureQuality(ctx, output, year, snapshot.QualityMetrics)
		}
	}
	snapshot.PerfMetrics = map[string]any{
		"capture_ms":      time.Since(start).Milliseconds(),
		"tracked_outputs": len(c.outputs),
	}
	return snapshot
}

func (c *StateCapture) captureQuality(ctx context.Context, output TrackedOutput, year int, metrics map[string]any) {
	if output.KeyColumn != "" {
		key := output.Table + ".duplicate_" + output.KeyColumn
		dups, found, err := c.store.CountDuplicates(ctx, output.Table, output.KeyColumn, output.YearColumn, year)
		switch {
		case err != nil:
			metrics[key+"_error"] = err.Error()
		case found:
			metrics[key] = dups
		}
	}
	for _, column := range output.SummaryColumns {
		key := output.Table + "." + column
		summary, found, err := c.store.Summarize(ctx, output.Table, column, output.YearColumn, year)
		switch {
		case err != nil:
			metrics[key+"_error"] = err.Error()
		case found:
			metrics[key] = summary
		}
	}
}
