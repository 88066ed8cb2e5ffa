package simflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
)

// RecoveryMode describes how a run proceeds given the checkpoints on disk
type RecoveryMode string

const (
	ModeFullRun          RecoveryMode = "full_run"
	ModeCheckpointResume RecoveryMode = "checkpoint_resume"
	ModeAlreadyComplete  RecoveryMode = "already_complete"
)

// RecoveryDecision is the outcome of recovery planning
type RecoveryDecision struct {
	ResumeYear     *int
	Mode           RecoveryMode
	YearsToProcess []int
	Warnings       []string
}

// RecoveryPlanner decides where an interrupted run can safely resume
type RecoveryPlanner struct {
	checkpoints Checkpointer
	capture     *StateCapture
	logger      *slog.Logger
}

// NewRecoveryPlanner returns a planner reading checkpoints from the given
// checkpointer and comparing them with the live store through capture
func NewRecoveryPlanner(checkpoints Checkpointer, capture *StateCapture, logger *slog.Logger) *RecoveryPlanner {
	if logger == nil {
		logger = discardLogger()
	}
	if capture == nil {
		capture = NewStateCapture(nil, nil, logger)
	}
	return &RecoveryPlanner{checkpoints: checkpoints, capture: capture, logger: logger}
}

// CanResumeFrom reports whether the checkpoint of a year exists, was written
// with the given config hash and still matches the store's row counts
func (p *RecoveryPlanner) CanResumeFrom(ctx context.Context, year int, configHash string) bool {
	return p.CheckResumable(ctx, year, configHash) == nil
}

// CheckResumable returns nil when the year can be resumed from, otherwise an
// error describing why not
func (p *RecoveryPlanner) CheckResumable(ctx context.Context, year int, configHash string) error {
	cp, err := p.checkpoints.Load(ctx, year)
	if err != nil {
		return err
	}
	if cp.ConfigHash != configHash {
		return &ConfigDriftError{Year: year, StoredHash: cp.ConfigHash, ExpectedHash: configHash}
	}
	current := p.capture.Counts(ctx, year)
	tables := make([]string, 0, len(cp.OutputCounts))
	for table := range cp.OutputCounts {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		recorded := cp.OutputCounts[table]
		if recorded.Failed() {
			continue
		}
		actual, tracked := current[table]
		if !tracked {
			continue
		}
		if actual.Failed() {
			return fmt.Errorf("cannot verify %s for year %d: %s", table, year, actual.Error)
		}
		if actual.Rows != recorded.Rows {
			return fmt.Errorf("row count of %s for year %d changed: checkpoint has %d, store has %d",
				table, year, recorded.Rows, actual.Rows)
		}
	}
	return nil
}

// FindLatestResumable returns the most recent year that can be resumed from
func (p *RecoveryPlanner) FindLatestResumable(ctx context.Context, configHash string) (int, bool) {
	year, ok, _ := p.findLatestResumable(ctx, configHash)
	return year, ok
}

func (p *RecoveryPlanner) findLatestResumable(ctx context.Context, configHash string) (int, bool, []string) {
	years, err := p.checkpoints.ListAll(ctx)
	if err != nil {
		return 0, false, []string{fmt.Sprintf("cannot list checkpoints: %v", err)}
	}
	slices.Reverse(years)

	var warnings []string
	for _, year := range years {
		err := p.CheckResumable(ctx, year, configHash)
		if err == nil {
			return year, true, warnings
		}
		if !errors.Is(err, ErrCheckpointNotFound) {
			p.logger.Warn("checkpoint is not resumable", "year", year, "error", err)
			warnings = append(warnings, fmt.Sprintf("year %d: %v", year, err))
		}
	}
	return 0, false, warnings
}

// PreparePlan decides which years a run over [startYear, endYear] has to
// process.
func (p *RecoveryPlanner) PreparePlan(ctx context.Context, startYear, endYear int, configHash string) *RecoveryDecision {
	resumable, ok, warnings := p.findLatestResumable(ctx, configHash)
	decision := &RecoveryDecision{
		Mode:           ModeFullRun,
		YearsToProcess: yearRange(startYear, endYear),
		Warnings:       warnings,
	}

	switch {
	case ok && resumable >= endYear:
		decision.Mode = ModeAlreadyComplete
		decision.ResumeYear = &resumable
		decision.YearsToProcess = []int{}
		if resumable > endYear {
			decision.Warnings = append(decision.Warnings,
				fmt.Sprintf("checkpoint for year %d is beyond end year %d; treating the run as complete", resumable, endYear))
		}
	case ok && resumable >= startYear:
		decision.Mode = ModeCheckpointResume
		decision.ResumeYear = &resumable
		decision.YearsToProcess = yearRange(resumable+1, endYear)
	case ok:
		decision.Warnings = append(decision.Warnings,
			fmt.Sprintf("checkpoint for year %d precedes start year %d; running all years", resumable, startYear))
	case len(warnings) > 0:
		decision.Warnings = append(decision.Warnings, "no valid checkpoint found; falling back to a full run")
	}

	p.logger.Info("recovery plan prepared",
		"mode", decision.Mode,
		"years", decision.YearsToProcess,
		"warnings", len(decision.Warnings))
	return decision
}

func yearRange(from, to int) []int {
	years := []int{}
	for y := from; y <= to; y++ {
		years = append(years, y)
	}
	return years
}
