package simflow

import (
	"fmt"
	"slices"
)

// Validation rule identifiers attached to stage definitions
const (
	RuleFoundationRowCounts   = "foundation_row_counts"
	RuleEventDemand           = "event_demand"
	RulePopulationConsistency = "population_consistency"
)

// TaskCatalog lists the task names the builder distributes over the stages.
// The first simulation year rebuilds the baseline; later years reference
// the carry-forward helpers instead so only the new year is processed.
type TaskCatalog struct {
	BaselineLoad           []string          `yaml:"baseline_load,omitempty" json:"baseline_load"`
	CarryForward           []string          `yaml:"carry_forward,omitempty" json:"carry_forward"`
	BaselineFoundation     []string          `yaml:"baseline_foundation,omitempty" json:"baseline_foundation"`
	CarryForwardFoundation []string          `yaml:"carry_forward_foundation,omitempty" json:"carry_forward_foundation"`
	Foundation             []string          `yaml:"foundation,omitempty" json:"foundation"`
	SyntheticBaseline      []string          `yaml:"synthetic_baseline,omitempty" json:"synthetic_baseline"`
	Events                 []string          `yaml:"events,omitempty" json:"events"`
	Accumulation           []string          `yaml:"accumulation,omitempty" json:"accumulation"`
	Validation             []string          `yaml:"validation,omitempty" json:"validation"`
	Reporting              []string          `yaml:"reporting,omitempty" json:"reporting"`
	Cleanup                []string          `yaml:"cleanup,omitempty" json:"cleanup"`
	EventTag               string            `yaml:"event_tag,omitempty" json:"event_tag,omitempty"`
	UnionTask              string            `yaml:"union_task,omitempty" json:"union_task"`
	FullRefreshTasks       []string          `yaml:"full_refresh_tasks,omitempty" json:"full_refresh_tasks"`
	YearPartitioned        map[string]string `yaml:"year_partitioned_outputs,omitempty" json:"year_partitioned_outputs"`
}

// DefaultTaskCatalog returns the task layout of the workforce simulation.
// Event tasks follow calendar order: promotions, then compensation changes,
// then terminations, then hiring.
func DefaultTaskCatalog() TaskCatalog {
	return TaskCatalog{
		BaselineLoad:           []string{"stg_census_data", "int_baseline_workforce"},
		CarryForward:           []string{"int_active_employees_prev_year_snapshot"},
		BaselineFoundation:     []string{"int_baseline_compensation"},
		CarryForwardFoundation: []string{"int_prev_year_workforce_summary"},
		Foundation: []string{
			"int_effective_parameters",
			"int_employee_compensation_by_year",
			"int_workforce_needs",
			"int_workforce_needs_by_level",
		},
		SyntheticBaseline: []string{"int_synthetic_baseline_events"},
		Events: []string{
			"int_promotion_events",
			"int_merit_events",
			"int_termination_events",
			"int_hiring_events",
			"int_new_hire_termination_events",
			"int_enrollment_events",
			"int_deferral_rate_escalation_events",
		},
		Accumulation: []string{
			"fct_yearly_events",
			"int_enrollment_state_accumulator",
			"int_deferral_rate_state_accumulator",
			"int_employee_contributions",
			"fct_workforce_snapshot",
		},
		Validation: []string{"dq_employee_id_validation"},
		Reporting:  []string{"fct_compensation_growth", "fct_participant_balance_snapshots"},
		UnionTask:  DefaultUnionTask,
		FullRefreshTasks: []string{
			"int_baseline_workforce",
			"int_enrollment_state_accumulator",
			"int_deferral_rate_state_accumulator",
		},
		YearPartitioned: map[string]string{
			"fct_yearly_events":                   defaultSnapshotYearColumn,
			"fct_workforce_snapshot":              defaultSnapshotYearColumn,
			"int_employee_contributions":          defaultSnapshotYearColumn,
			"int_enrollment_state_accumulator":    defaultSnapshotYearColumn,
			"int_deferral_rate_state_accumulator": defaultSnapshotYearColumn,
		},
	}
}

func (c *TaskCatalog) applyDefaults() {
	def := DefaultTaskCatalog()
	fill := func(dst *[]string, src []string) {
		if *dst == nil {
			*dst = src
		}
	}
	fill(&c.BaselineLoad, def.BaselineLoad)
	fill(&c.CarryForward, def.CarryForward)
	fill(&c.BaselineFoundation, def.BaselineFoundation)
	fill(&c.CarryForwardFoundation, def.CarryForwardFoundation)
	fill(&c.Foundation, def.Foundation)
	fill(&c.SyntheticBaseline, def.SyntheticBaseline)
	fill(&c.Events, def.Events)
	fill(&c.Accumulation, def.Accumulation)
	fill(&c.Validation, def.Validation)
	fill(&c.Reporting, def.Reporting)
	fill(&c.Cleanup, def.Cleanup)
	fill(&c.FullRefreshTasks, def.FullRefreshTasks)
	if c.UnionTask == "" {
		c.UnionTask = def.UnionTask
	}
	if c.YearPartitioned == nil {
		c.YearPartitioned = def.YearPartitioned
	}
}

// IsFullRefresh reports whether the task is rebuilt destructively when a
// full refresh is forced
func (c *TaskCatalog) IsFullRefresh(task string) bool {
	return slices.Contains(c.FullRefreshTasks, task)
}

// YearColumn returns the year partition column of a task's output, if the
// output is partitioned by year
func (c *TaskCatalog) YearColumn(task string) (string, bool) {
	column, ok := c.YearPartitioned[task]
	return column, ok && column != ""
}

// WorkflowBuilder produces the ordered stage definitions for a year.
type WorkflowBuilder struct {
	catalog TaskCatalog
}

// NewWorkflowBuilder returns a builder for the given catalog. Unset catalog
// entries take their default values.
func NewWorkflowBuilder(catalog TaskCatalog) *WorkflowBuilder {
	catalog.applyDefaults()
	return &WorkflowBuilder{catalog: catalog}
}

// Catalog returns the builder's task catalog
func (b *WorkflowBuilder) Catalog() TaskCatalog {
	return b.catalog
}

// Build returns exactly one definition per stage, in stage order.
func (b *WorkflowBuilder) Build(year, startYear int) ([]StageDefinition, error) {
	if year < startYear {
		return nil, fmt.Errorf("year %d is before start year %d", year, startYear)
	}
	firstYear := year == startYear
	c := b.catalog

	var initTasks, foundationTasks, eventTasks []string
	if firstYear {
		initTasks = concat(c.BaselineLoad)
		foundationTasks = concat(c.BaselineFoundation, c.Foundation)
		eventTasks = concat(c.SyntheticBaseline, c.Events)
	} else {
		initTasks = concat(c.CarryForward)
		foundationTasks = concat(c.CarryForwardFoundation, c.Foundation)
		eventTasks = concat(c.Events)
	}

	stages := []StageDefinition{
		{
			Stage: StageInitialization,
			Tasks: initTasks,
		},
		{
			Stage:           StageFoundation,
			DependsOn:       []WorkflowStage{StageInitialization},
			Tasks:           foundationTasks,
			ValidationRules: []string{RuleFoundationRowCounts},
			ParallelSafe:    true,
		},
		{
			Stage:           StageEventGeneration,
			DependsOn:       []WorkflowStage{StageFoundation},
			Tasks:           eventTasks,
			ValidationRules: []string{RuleEventDemand},
			ParallelSafe:    true,
		},
		{
			// Never parallel: the backing store accepts a single writer.
			Stage:           StageStateAccumulation,
			DependsOn:       []WorkflowStage{StageEventGeneration},
			Tasks:           concat(c.Accumulation),
			ValidationRules: []string{RulePopulationConsistency},
		},
		{
			Stage:        StageValidation,
			DependsOn:    []WorkflowStage{StageStateAccumulation},
			Tasks:        concat(c.Validation),
			ParallelSafe: true,
		},
		{
			Stage:        StageReporting,
			DependsOn:    []WorkflowStage{StageValidation},
			Tasks:        concat(c.Reporting),
			ParallelSafe: true,
		},
		{
			Stage:             StageCleanup,
			DependsOn:         []WorkflowStage{StageReporting},
			Tasks:             concat(c.Cleanup),
			CheckpointEnabled: true,
		},
	}
	return stages, nil
}

// concat returns a fresh slice so built definitions never alias the catalog
func concat(lists ...[]string) []string {
	out := []string{}
	for _, list := range lists {
		out = append(out, list...)
	}
	return out
}
