package simflow

import "context"

// NullCheckpointer is a no-op implementation used for dry runs
type NullCheckpointer struct{}

func NewNullCheckpointer() *NullCheckpointer {
	return &NullCheckpointer{}
}

func (c *NullCheckpointer) Save(ctx context.Context, year int, runID, configHash string) (*Checkpoint, error) {
	return &Checkpoint{Year: year, RunID: runID, ConfigHash: configHash}, nil
}

func (c *NullCheckpointer) SaveLegacy(ctx context.Context, year int, stage WorkflowStage, stateHash string) error {
	return nil
}

func (c *NullCheckpointer) Load(ctx context.Context, year int) (*Checkpoint, error) {
	return nil, ErrCheckpointNotFound
}

func (c *NullCheckpointer) LoadLatest(ctx context.Context) (*Checkpoint, error) {
	return nil, ErrCheckpointNotFound
}

func (c *NullCheckpointer) ListAll(ctx context.Context) ([]int, error) {
	return nil, nil
}

func (c *NullCheckpointer) CleanupKeepLatest(ctx context.Context, n int) ([]int, error) {
	return nil, nil
}
