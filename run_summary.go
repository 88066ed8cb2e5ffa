package simflow

import "time"

// Run statuses
const (
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusSkipped   = "already_complete"
)

// YearSummary lists the stage results of one simulated year
type YearSummary struct {
	Year       int            `json:"year"`
	Stages     []*StageResult `json:"stages"`
	Checkpoint string         `json:"checkpoint,omitempty"`
	Duration   time.Duration  `json:"duration"`
	Error      string         `json:"error,omitempty"`
}

// Failed reports whether any stage of the year failed
func (y *YearSummary) Failed() bool {
	return y.Error != ""
}

// RunSummary describes a whole pipeline run
type RunSummary struct {
	RunID      string         `json:"run_id"`
	ConfigHash string         `json:"config_hash"`
	Status     string         `json:"status"`
	Mode       RecoveryMode   `json:"mode"`
	ResumeYear *int           `json:"resume_year,omitempty"`
	StartYear  int            `json:"start_year"`
	EndYear    int            `json:"end_year"`
	DryRun     bool           `json:"dry_run"`
	Years      []*YearSummary `json:"years"`
	Warnings   []string       `json:"warnings,omitempty"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time,omitempty"`
	Duration   time.Duration  `json:"duration"`
	Error      string         `json:"error,omitempty"`
}

// CompletedYears returns the years whose stages all succeeded
func (s *RunSummary) CompletedYears() []int {
	var years []int
	for _, y := range s.Years {
		if !y.Failed() {
			years = append(years, y.Year)
		}
	}
	return years
}
