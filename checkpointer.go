package simflow

import (
	"context"
)

// Checkpointer persists one checkpoint per completed simulation year
type Checkpointer interface {
	// Save captures the current state for a year and persists it
	Save(ctx context.Context, year int, runID, configHash string) (*Checkpoint, error)

	// SaveLegacy writes only the small status record used by older tools
	SaveLegacy(ctx context.Context, year int, stage WorkflowStage, stateHash string) error

	// Load returns the verified checkpoint for a year
	Load(ctx context.Context, year int) (*Checkpoint, error)

	// LoadLatest returns the verified checkpoint the latest pointer refers to
	LoadLatest(ctx context.Context) (*Checkpoint, error)

	// ListAll returns the years that have a checkpoint, ascending
	ListAll(ctx context.Context) ([]int, error)

	// CleanupKeepLatest deletes the checkpoints of all but the n most recent
	// years and returns the years removed
	CleanupKeepLatest(ctx context.Context, n int) ([]int, error)
}
