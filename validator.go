package simflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/deepnoodle-ai/simflow/script"
)

// Violation is a failed validation check. Hard violations fail the run even
// when validation is configured to only log.
type Violation struct {
	RuleID string
	Reason string
	Hard   bool
}

// ValidationContext is what a rule sees when checking a stage
type ValidationContext struct {
	Stage     WorkflowStage
	Year      int
	StartYear int
	Store     Store
	Logger    *slog.Logger
}

// FirstYear reports whether the validated year is the simulation's first
func (vc *ValidationContext) FirstYear() bool {
	return vc.Year == vc.StartYear
}

// ValidationRule checks one invariant after a stage completes. An error
// means the check itself could not run.
type ValidationRule interface {
	ID() string
	Stage() WorkflowStage
	Check(ctx context.Context, vc *ValidationContext) ([]Violation, error)
}

// PopulationChecker checks that the workforce population is consistent
// after state accumulation and returns a description of each problem found
type PopulationChecker interface {
	CheckPopulation(ctx context.Context, year int) ([]string, error)
}

// StageValidatorOptions configures a StageValidator
type StageValidatorOptions struct {
	Config      *Config
	Store       Store
	Population  PopulationChecker
	FailOnError bool
	Logger      *slog.Logger
}

// StageValidator runs the rules registered for a stage
type StageValidator struct {
	store       Store
	failOnError bool
	logger      *slog.Logger
	rules       []ValidationRule
}

// NewStageValidator registers the built-in rules plus every expression rule
// from configuration
func NewStageValidator(ctx context.Context, opts StageValidatorOptions) (*StageValidator, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	cfg := opts.Config.Validation
	if opts.Population == nil && opts.Store != nil {
		opts.Population = NewSnapshotPopulationChecker(opts.Store, cfg.Snapshot)
	}
	v := &StageValidator{
		store:       opts.Store,
		failOnError: opts.FailOnError,
		logger:      opts.Logger,
	}
	v.Register(&foundationRowCountsRule{outputs: cfg.RequiredOutputs, carriedForward: cfg.CarriedForward})
	v.Register(&eventDemandRule{checks: cfg.Demand})
	if opts.Population != nil {
		v.Register(&populationConsistencyRule{checker: opts.Population})
	}

	outputs := opts.Config.Checkpoint.TrackedOutputs
	for _, rc := range cfg.Rules {
		rule, err := NewExpressionRule(ctx, rc, outputs)
		if err != nil {
			return nil, err
		}
		v.Register(rule)
	}
	return v, nil
}

// WithFailOnError returns a validator sharing the same rules that raises
// soft violations when failOnError is set
func (v *StageValidator) WithFailOnError(failOnError bool) *StageValidator {
	clone := *v
	clone.failOnError = failOnError
	return &clone
}

// Register adds a rule. Rules run in registration order.
func (v *StageValidator) Register(rule ValidationRule) {
	v.rules = append(v.rules, rule)
}

// Rules returns the ids of the rules registered for a stage
func (v *StageValidator) Rules(stage WorkflowStage) []string {
	var ids []string
	for _, rule := range v.rules {
		if rule.Stage() == stage {
			ids = append(ids, rule.ID())
		}
	}
	return ids
}

// Validate runs the stage's rules for a year. Hard violations always fail;
// other violations fail only when fail-on-error is set and are logged
// otherwise. Dry runs skip validation.
func (v *StageValidator) Validate(ctx context.Context, stage WorkflowStage, year, startYear int, dryRun bool) error {
	if dryRun {
		v.logger.Debug("dry run: skipping validation", "stage", stage, "year", year)
		return nil
	}
	vc := &ValidationContext{
		Stage:     stage,
		Year:      year,
		StartYear: startYear,
		Store:     v.store,
		Logger:    v.logger.With("stage", stage.String(), "year", year),
	}
	var errs []error
	for _, rule := range v.rules {
		if rule.Stage() != stage {
			continue
		}
		violations, err := rule.Check(ctx, vc)
		if err != nil {
			violations = append(violations, Violation{
				RuleID: rule.ID(),
				Reason: fmt.Sprintf("check could not run: %v", err),
			})
		}
		for _, violation := range violations {
			stageErr := &PipelineStageError{
				Stage:  stage,
				Year:   year,
				RuleID: violation.RuleID,
				Reason: violation.Reason,
			}
			if violation.Hard || v.failOnError {
				errs = append(errs, stageErr)
				continue
			}
			vc.Logger.Warn("validation failed", "rule", violation.RuleID, "reason", violation.Reason)
		}
	}
	return errors.Join(errs...)
}

// foundationRowCountsRule requires the load-bearing foundation outputs to
// have rows. Outputs carried forward from the previous year may be empty
// after the first year.
type foundationRowCountsRule struct {
	outputs        []TrackedOutput
	carriedForward []string
}

func (r *foundationRowCountsRule) ID() string { return RuleFoundationRowCounts }

func (r *foundationRowCountsRule) Stage() WorkflowStage { return StageFoundation }

func (r *foundationRowCountsRule) Check(ctx context.Context, vc *ValidationContext) ([]Violation, error) {
	if vc.Store == nil {
		return nil, nil
	}
	var violations []Violation
	for _, output := range r.outputs {
		count, found, err := vc.Store.TryCount(ctx, output.Table, output.YearColumn, vc.Year)
		if err != nil {
			return violations, fmt.Errorf("failed to count %s: %w", output.Table, err)
		}
		if found && count > 0 {
			continue
		}
		switch {
		case vc.FirstYear():
			violations = append(violations, Violation{
				RuleID: r.ID(),
				Reason: fmt.Sprintf("%s has no rows in the first simulation year", output.Table),
				Hard:   true,
			})
		case slices.Contains(r.carriedForward, output.Table):
			vc.Logger.Info("output is empty; state is carried forward", "table", output.Table)
		default:
			violations = append(violations, Violation{
				RuleID: r.ID(),
				Reason: fmt.Sprintf("%s has no rows", output.Table),
			})
		}
	}
	return violations, nil
}

// eventDemandRule checks that positive demand produced matching event rows
type eventDemandRule struct {
	checks []DemandCheck
}

func (r *eventDemandRule) ID() string { return RuleEventDemand }

func (r *eventDemandRule) Stage() WorkflowStage { return StageEventGeneration }

func (r *eventDemandRule) Check(ctx context.Context, vc *ValidationContext) ([]Violation, error) {
	if vc.Store == nil {
		return nil, nil
	}
	var violations []Violation
	for _, check := range r.checks {
		summary, found, err := vc.Store.Summarize(ctx, check.Table, check.Column, check.YearColumn, vc.Year)
		if err != nil {
			return violations, fmt.Errorf("failed to read demand from %s.%s: %w", check.Table, check.Column, err)
		}
		if !found || summary.Sum <= 0 {
			continue
		}
		count, found, err := vc.Store.TryCount(ctx, check.Output, check.YearColumn, vc.Year)
		if err != nil {
			return violations, fmt.Errorf("failed to count %s: %w", check.Output, err)
		}
		if !found || count == 0 {
			violations = append(violations, Violation{
				RuleID: r.ID(),
				Reason: fmt.Sprintf("%s.%s requires %.0f but %s has no rows",
					check.Table, check.Column, summary.Sum, check.Output),
			})
		}
	}
	return violations, nil
}

type populationConsistencyRule struct {
	checker PopulationChecker
}

func (r *populationConsistencyRule) ID() string { return RulePopulationConsistency }

func (r *populationConsistencyRule) Stage() WorkflowStage { return StageStateAccumulation }

func (r *populationConsistencyRule) Check(ctx context.Context, vc *ValidationContext) ([]Violation, error) {
	problems, err := r.checker.CheckPopulation(ctx, vc.Year)
	if err != nil {
		return nil, err
	}
	violations := make([]Violation, 0, len(problems))
	for _, problem := range problems {
		violations = append(violations, Violation{RuleID: r.ID(), Reason: problem})
	}
	return violations, nil
}

// SnapshotPopulationChecker checks the workforce snapshot of a year: it must
// have rows and its key column must be unique
type SnapshotPopulationChecker struct {
	store    Store
	snapshot TrackedOutput
}

func NewSnapshotPopulationChecker(store Store, snapshot TrackedOutput) *SnapshotPopulationChecker {
	return &SnapshotPopulationChecker{store: store, snapshot: snapshot}
}

func (c *SnapshotPopulationChecker) CheckPopulation(ctx context.Context, year int) ([]string, error) {
	table := c.snapshot.Table
	count, found, err := c.store.TryCount(ctx, table, c.snapshot.YearColumn, year)
	if err != nil {
		return nil, fmt.Errorf("failed to count %s: %w", table, err)
	}
	if !found || count == 0 {
		return []string{fmt.Sprintf("%s has no rows for year %d", table, year)}, nil
	}
	if c.snapshot.KeyColumn == "" {
		return nil, nil
	}
	dups, _, err := c.store.CountDuplicates(ctx, table, c.snapshot.KeyColumn, c.snapshot.YearColumn, year)
	if err != nil {
		return nil, fmt.Errorf("failed to check duplicates in %s: %w", table, err)
	}
	if dups > 0 {
		return []string{fmt.Sprintf("%s has %d duplicated %s values", table, dups, c.snapshot.KeyColumn)}, nil
	}
	return nil, nil
}

// expressionRule evaluates a configured risor expression against the row
// counts of the tracked outputs. The expression sees `counts` (table to row
// count, -1 when the table is missing), `year` and `start_year`.
type expressionRule struct {
	id      string
	stage   WorkflowStage
	script  script.Script
	message *script.Template
	outputs []TrackedOutput
}

// NewExpressionRule compiles a configured expression rule
func NewExpressionRule(ctx context.Context, rc ExpressionRule, outputs []TrackedOutput) (ValidationRule, error) {
	stage, err := ParseStage(rc.Stage)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", rc.ID, err)
	}
	engine := script.NewRisorEngine("counts", "year", "start_year")
	compiled, err := engine.Compile(ctx, rc.Expression)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", rc.ID, err)
	}
	rule := &expressionRule{id: rc.ID, stage: stage, script: compiled, outputs: outputs}
	if rc.Message != "" {
		rule.message, err = script.NewTemplate(ctx, engine, rc.Message)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rc.ID, err)
		}
	}
	return rule, nil
}

func (r *expressionRule) ID() string { return r.id }

func (r *expressionRule) Stage() WorkflowStage { return r.stage }

func (r *expressionRule) Check(ctx context.Context, vc *ValidationContext) ([]Violation, error) {
	counts := make(map[string]any, len(r.outputs))
	for _, output := range r.outputs {
		var rows int64 = -1
		if vc.Store != nil {
			count, found, err := vc.Store.TryCount(ctx, output.Table, output.YearColumn, vc.Year)
			if err != nil {
				return nil, fmt.Errorf("failed to count %s: %w", output.Table, err)
			}
			if found {
				rows = count
			}
		}
		counts[output.Table] = rows
	}
	globals := map[string]any{
		"counts":     counts,
		"year":       vc.Year,
		"start_year": vc.StartYear,
	}
	value, err := r.script.Evaluate(ctx, globals)
	if err != nil {
		return nil, err
	}
	if value.IsTruthy() {
		return nil, nil
	}
	reason := fmt.Sprintf("expression %q is false", r.script.Source())
	if r.message != nil {
		if msg, err := r.message.Render(ctx, globals); err == nil {
			reason = msg
		} else {
			vc.Logger.Warn("failed to render rule message", "rule", r.id, "error", err)
		}
	}
	return []Violation{{RuleID: r.id, Reason: reason}}, nil
}
