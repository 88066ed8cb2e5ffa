package simflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckpointIntegrity(t *testing.T) {
	newCheckpoint := func() *Checkpoint {
		return &Checkpoint{
			Year:           2026,
			RunID:          "run_1",
			ConfigHash:     "abc",
			Timestamp:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			OutputCounts:   map[string]OutputCount{"fct_workforce_snapshot": {Rows: 120}},
			QualityMetrics: map[string]any{"b": 2, "a": map[string]any{"y": 1, "x": 0.5}},
			PerfMetrics:    map[string]any{"capture_ms": 12},
		}
	}

	cp := newCheckpoint()
	require.NoError(t, cp.Seal())
	require.Len(t, cp.IntegrityHash, 64)
	require.NoError(t, cp.Verify())

	t.Run("deterministic", func(t *testing.T) {
		other := newCheckpoint()
		require.NoError(t, other.Seal())
		require.Equal(t, cp.IntegrityHash, other.IntegrityHash)
	})

	t.Run("volatile fields are excluded", func(t *testing.T) {
		other := newCheckpoint()
		other.Timestamp = time.Now()
		other.PerfMetrics = map[string]any{"capture_ms": 99}
		require.NoError(t, other.Seal())
		require.Equal(t, cp.IntegrityHash, other.IntegrityHash)
	})

	t.Run("tampering is detected", func(t *testing.T) {
		tampered := *cp
		tampered.OutputCounts = map[string]OutputCount{"fct_workforce_snapshot": {Rows: 121}}
		var validationErr *CheckpointValidationError
		require.ErrorAs(t, tampered.Verify(), &validationErr)
		require.Contains(t, validationErr.Reason, "integrity hash mismatch")
	})

	t.Run("missing hash", func(t *testing.T) {
		require.Error(t, newCheckpoint().Verify())
	})
}

func newFileStore(t *testing.T, store *memStore) *FileCheckpointStore {
	t.Helper()
	var s Store
	if store != nil {
		s = store
	}
	cs, err := NewFileCheckpointStore(FileCheckpointStoreOptions{
		Dir:            t.TempDir(),
		Capture:        NewStateCapture(s, DefaultTrackedOutputs(), nil),
		ConfigSnapshot: map[string]any{"start_year": 2025},
	})
	require.NoError(t, err)
	return cs
}

func TestFileCheckpointStore(t *testing.T) {
	ctx := context.Background()

	t.Run("save and load", func(t *testing.T) {
		store := newMemStore()
		store.set("fct_workforce_snapshot", 2025, 100)
		store.dups["fct_workforce_snapshot"] = 0
		store.sums["fct_workforce_snapshot.current_compensation"] = 5e6
		cs := newFileStore(t, store)

		saved, err := cs.Save(ctx, 2025, "run_a", "hash_1")
		require.NoError(t, err)
		require.FileExists(t, filepath.Join(cs.Dir(), "year_2025.checkpoint.gz"))
		require.FileExists(t, filepath.Join(cs.Dir(), latestCheckpointFile))

		loaded, err := cs.Load(ctx, 2025)
		require.NoError(t, err)
		require.Equal(t, saved.IntegrityHash, loaded.IntegrityHash)
		require.Equal(t, "hash_1", loaded.ConfigHash)
		require.Equal(t, int64(100), loaded.OutputCounts["fct_workforce_snapshot"].Rows)
		require.Equal(t, int64(0), loaded.OutputCounts["fct_yearly_events"].Rows)
		require.Contains(t, loaded.QualityMetrics, "fct_workforce_snapshot.current_compensation")
		require.NoError(t, loaded.Verify())

		legacy, err := cs.LoadLegacy(2025)
		require.NoError(t, err)
		require.Equal(t, "cleanup", legacy.Stage)
		require.Equal(t, saved.IntegrityHash, legacy.StateHash)
	})

	t.Run("missing year", func(t *testing.T) {
		cs := newFileStore(t, nil)
		_, err := cs.Load(ctx, 2030)
		require.ErrorIs(t, err, ErrCheckpointNotFound)
		_, err = cs.LoadLatest(ctx)
		require.ErrorIs(t, err, ErrCheckpointNotFound)
	})

	t.Run("saving again writes a new generation", func(t *testing.T) {
		cs := newFileStore(t, nil)
		_, err := cs.Save(ctx, 2025, "run_a", "hash_1")
		require.NoError(t, err)
		_, err = cs.Save(ctx, 2025, "run_b", "hash_1")
		require.NoError(t, err)
		require.FileExists(t, filepath.Join(cs.Dir(), "year_2025.checkpoint.gz"))
		require.FileExists(t, filepath.Join(cs.Dir(), "year_2025.checkpoint.1.gz"))

		loaded, err := cs.Load(ctx, 2025)
		require.NoError(t, err)
		require.Equal(t, "run_b", loaded.RunID)

		years, err := cs.ListAll(ctx)
		require.NoError(t, err)
		require.Equal(t, []int{2025}, years)
	})

	t.Run("corrupt file", func(t *testing.T) {
		cs := newFileStore(t, nil)
		_, err := cs.Save(ctx, 2025, "run_a", "hash_1")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(cs.Dir(), "year_2025.checkpoint.gz"), []byte("not gzip"), 0o644))

		_, err = cs.Load(ctx, 2025)
		var validationErr *CheckpointValidationError
		require.ErrorAs(t, err, &validationErr)
		require.Equal(t, 2025, validationErr.Year)
	})

	t.Run("edited file fails verification", func(t *testing.T) {
		cs := newFileStore(t, nil)
		saved, err := cs.Save(ctx, 2025, "run_a", "hash_1")
		require.NoError(t, err)

		edited := *saved
		edited.OutputCounts = map[string]OutputCount{"fct_workforce_snapshot": {Rows: 1}}
		data, err := encodeGzipJSON(&edited)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(cs.Dir(), "year_2025.checkpoint.gz"), data, 0o644))

		_, err = cs.Load(ctx, 2025)
		var validationErr *CheckpointValidationError
		require.ErrorAs(t, err, &validationErr)
		require.Contains(t, validationErr.Reason, "integrity hash mismatch")
	})

	t.Run("latest and cleanup", func(t *testing.T) {
		cs := newFileStore(t, nil)
		for _, year := range []int{2025, 2026, 2027} {
			_, err := cs.Save(ctx, year, "run_a", "hash_1")
			require.NoError(t, err)
		}
		latest, err := cs.LoadLatest(ctx)
		require.NoError(t, err)
		require.Equal(t, 2027, latest.Year)

		removed, err := cs.CleanupKeepLatest(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, []int{2025, 2026}, removed)

		years, err := cs.ListAll(ctx)
		require.NoError(t, err)
		require.Equal(t, []int{2027}, years)
		require.NoFileExists(t, filepath.Join(cs.Dir(), "year_2025.json"))

		latest, err = cs.LoadLatest(ctx)
		require.NoError(t, err)
		require.Equal(t, 2027, latest.Year)

		removed, err = cs.CleanupKeepLatest(ctx, 5)
		require.NoError(t, err)
		require.Empty(t, removed)

		_, err = cs.CleanupKeepLatest(ctx, -1)
		require.Error(t, err)
	})

	t.Run("cleanup counts legacy only years", func(t *testing.T) {
		cs := newFileStore(t, nil)
		_, err := cs.Save(ctx, 2025, "run_a", "hash_1")
		require.NoError(t, err)
		require.NoError(t, cs.SaveLegacy(ctx, 2026, StageCleanup, "state"))
		require.NoError(t, cs.SaveLegacy(ctx, 2027, StageCleanup, "state"))

		removed, err := cs.CleanupKeepLatest(ctx, 2)
		require.NoError(t, err)
		require.Equal(t, []int{2025}, removed)
		require.NoFileExists(t, filepath.Join(cs.Dir(), latestCheckpointFile))

		removed, err = cs.CleanupKeepLatest(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, []int{2026}, removed)
		require.NoFileExists(t, filepath.Join(cs.Dir(), "year_2026.json"))
		require.FileExists(t, filepath.Join(cs.Dir(), "year_2027.json"))
	})

	t.Run("latest falls back to newest year without pointer", func(t *testing.T) {
		cs := newFileStore(t, nil)
		for _, year := range []int{2025, 2026} {
			_, err := cs.Save(ctx, year, "run_a", "hash_1")
			require.NoError(t, err)
		}
		require.NoError(t, os.Remove(filepath.Join(cs.Dir(), latestCheckpointFile)))

		latest, err := cs.LoadLatest(ctx)
		require.NoError(t, err)
		require.Equal(t, 2026, latest.Year)
	})

	t.Run("legacy record only", func(t *testing.T) {
		cs := newFileStore(t, nil)
		require.NoError(t, cs.SaveLegacy(ctx, 2025, StageCleanup, "state"))

		record, err := cs.LoadLegacy(2025)
		require.NoError(t, err)
		require.Equal(t, "state", record.StateHash)

		_, err = cs.Load(ctx, 2025)
		require.True(t, errors.Is(err, ErrCheckpointNotFound))
	})
}

func TestStateCapture(t *testing.T) {
	store := newMemStore()
	store.set("fct_workforce_snapshot", 2026, 120)
	store.dups["fct_workforce_snapshot"] = 3
	store.countErrs["fct_yearly_events"] = errors.New("connection reset")

	capture := NewStateCapture(store, DefaultTrackedOutputs(), nil)
	snapshot := capture.Capture(context.Background(), 2026)

	require.Equal(t, int64(120), snapshot.OutputCounts["fct_workforce_snapshot"].Rows)
	require.True(t, snapshot.OutputCounts["fct_yearly_events"].Failed())
	require.False(t, snapshot.OutputCounts["int_enrollment_state_accumulator"].Failed())
	require.Equal(t, int64(3), snapshot.QualityMetrics["fct_workforce_snapshot.duplicate_employee_id"])
	require.Contains(t, snapshot.PerfMetrics, "capture_ms")

	empty := NewStateCapture(nil, DefaultTrackedOutputs(), nil).Capture(context.Background(), 2026)
	require.Empty(t, empty.OutputCounts)
}
