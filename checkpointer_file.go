package simflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

const latestCheckpointFile = "latest_checkpoint.gz"

var (
	checkpointFilePattern = regexp.MustCompile(`^year_(\d+)\.checkpoint(?:\.(\d+))?\.gz$`)
	legacyFilePattern     = regexp.MustCompile(`^year_(\d+)\.json$`)
)

// FileCheckpointStoreOptions configures a FileCheckpointStore
type FileCheckpointStoreOptions struct {
	Dir            string
	Capture        *StateCapture
	ConfigSnapshot map[string]any
	Logger         *slog.Logger
	Now            func() time.Time
}

// FileCheckpointStore persists checkpoints as gzip-compressed JSON files:
//
//	year_{Y}.checkpoint.gz      first checkpoint of a year
//	year_{Y}.checkpoint.{n}.gz  later generations of the same year
//	latest_checkpoint.gz        pointer to the most recently written file
//	year_{Y}.json               legacy status record
//
// Every file is written to a temporary path and renamed into place, so a
// failed write never damages an existing checkpoint.
type FileCheckpointStore struct {
	dir            string
	capture        *StateCapture
	configSnapshot map[string]any
	logger         *slog.Logger
	now            func() time.Time
	mutex          sync.Mutex
}

type latestPointer struct {
	Year          int       `json:"year"`
	File          string    `json:"file"`
	IntegrityHash string    `json:"integrity_hash"`
	Timestamp     time.Time `json:"timestamp"`
}

// LegacyRecord is the status record kept for tools that predate checkpoints
type LegacyRecord struct {
	Year      int       `json:"year"`
	Stage     string    `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
	StateHash string    `json:"state_hash"`
}

// NewFileCheckpointStore creates a file-based checkpoint store
func NewFileCheckpointStore(opts FileCheckpointStoreOptions) (*FileCheckpointStore, error) {
	if opts.Dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		opts.Dir = filepath.Join(homeDir, ".simflow", "checkpoints")
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory %s: %w", opts.Dir, err)
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Capture == nil {
		opts.Capture = NewStateCapture(nil, nil, opts.Logger)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &FileCheckpointStore{
		dir:            opts.Dir,
		capture:        opts.Capture,
		configSnapshot: opts.ConfigSnapshot,
		logger:         opts.Logger,
		now:            opts.Now,
	}, nil
}

// Dir returns the checkpoint directory
func (s *FileCheckpointStore) Dir() string {
	return s.dir
}

// Save captures the store state for a year and writes a new checkpoint file
func (s *FileCheckpointStore) Save(ctx context.Context, year int, runID, configHash string) (*Checkpoint, error) {
	snapshot := s.capture.Capture(ctx, year)

	quality, err := normalizeMap(snapshot.QualityMetrics)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize quality metrics: %w", err)
	}
	perf, err := normalizeMap(snapshot.PerfMetrics)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize perf metrics: %w", err)
	}
	configSnapshot, err := normalizeMap(s.configSnapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize config snapshot: %w", err)
	}
	counts := snapshot.OutputCounts
	if counts == nil {
		counts = map[string]OutputCount{}
	}

	cp := &Checkpoint{
		Year:           year,
		RunID:          runID,
		ConfigHash:     configHash,
		Timestamp:      s.now().UTC(),
		OutputCounts:   counts,
		QualityMetrics: quality,
		PerfMetrics:    perf,
		ConfigSnapshot: configSnapshot,
	}
	if err := cp.Seal(); err != nil {
		return nil, err
	}
	data, err := encodeGzipJSON(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	generations, err := s.generations(year)
	if err != nil {
		return nil, err
	}
	generation := 0
	if len(generations) > 0 {
		generation = generations[len(generations)-1] + 1
	}
	name := checkpointFileName(year, generation)
	if err := writeFileAtomic(s.dir, name, data); err != nil {
		return nil, fmt.Errorf("failed to write checkpoint file: %w", err)
	}

	pointer, err := encodeGzipJSON(latestPointer{
		Year:          year,
		File:          name,
		IntegrityHash: cp.IntegrityHash,
		Timestamp:     cp.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode latest pointer: %w", err)
	}
	if err := writeFileAtomic(s.dir, latestCheckpointFile, pointer); err != nil {
		return nil, fmt.Errorf("failed to update latest pointer: %w", err)
	}
	if err := s.writeLegacy(year, StageCleanup, cp.IntegrityHash, cp.Timestamp); err != nil {
		s.logger.Warn("failed to write legacy checkpoint record", "year", year, "error", err)
	}

	s.logger.Info("checkpoint saved",
		"year", year,
		"file", name,
		"outputs", len(cp.OutputCounts),
		"integrity_hash", shortHash(cp.IntegrityHash))
	return cp, nil
}

// SaveLegacy writes only the legacy status record
func (s *FileCheckpointStore) SaveLegacy(ctx context.Context, year int, stage WorkflowStage, stateHash string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.writeLegacy(year, stage, stateHash, s.now().UTC())
}

func (s *FileCheckpointStore) writeLegacy(year int, stage WorkflowStage, stateHash string, ts time.Time) error {
	data, err := json.MarshalIndent(LegacyRecord{
		Year:      year,
		Stage:     stage.String(),
		Timestamp: ts,
		StateHash: stateHash,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal legacy record: %w", err)
	}
	return writeFileAtomic(s.dir, legacyFileName(year), data)
}

// LoadLegacy reads the legacy status record of a year
func (s *FileCheckpointStore) LoadLegacy(year int) (*LegacyRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, legacyFileName(year)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("failed to read legacy record: %w", err)
	}
	var record LegacyRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal legacy record: %w", err)
	}
	return &record, nil
}

// Load returns the newest checkpoint generation of a year after verifying
// its integrity hash
func (s *FileCheckpointStore) Load(ctx context.Context, year int) (*Checkpoint, error) {
	s.mutex.Lock()
	generations, err := s.generations(year)
	s.mutex.Unlock()
	if err != nil {
		return nil, err
	}
	if len(generations) == 0 {
		return nil, ErrCheckpointNotFound
	}
	name := checkpointFileName(year, generations[len(generations)-1])
	return s.readCheckpoint(name, year)
}

// LoadLatest returns the checkpoint named by the latest pointer, or the
// newest year on disk when the pointer is missing
func (s *FileCheckpointStore) LoadLatest(ctx context.Context) (*Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, latestCheckpointFile))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read latest pointer: %w", err)
		}
		years, err := s.ListAll(ctx)
		if err != nil {
			return nil, err
		}
		if len(years) == 0 {
			return nil, ErrCheckpointNotFound
		}
		return s.Load(ctx, years[len(years)-1])
	}
	var pointer latestPointer
	if err := decodeGzipJSON(data, &pointer); err != nil {
		return nil, fmt.Errorf("failed to decode latest pointer: %w", err)
	}
	cp, err := s.readCheckpoint(pointer.File, pointer.Year)
	if err != nil {
		return nil, err
	}
	if cp.IntegrityHash != pointer.IntegrityHash {
		return nil, &CheckpointValidationError{
			Year:   pointer.Year,
			Path:   pointer.File,
			Reason: "latest pointer hash does not match checkpoint",
		}
	}
	return cp, nil
}

func (s *FileCheckpointStore) readCheckpoint(name string, year int) (*Checkpoint, error) {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	var cp Checkpoint
	if err := decodeGzipJSON(data, &cp); err != nil {
		return nil, &CheckpointValidationError{Year: year, Path: path, Reason: "unreadable checkpoint", Err: err}
	}
	if cp.Year != year {
		return nil, &CheckpointValidationError{
			Year:   year,
			Path:   path,
			Reason: fmt.Sprintf("file records year %d", cp.Year),
		}
	}
	if err := cp.Verify(); err != nil {
		var validationErr *CheckpointValidationError
		if errors.As(err, &validationErr) {
			validationErr.Path = path
		}
		return nil, err
	}
	return &cp, nil
}

// ListAll returns every year with at least one checkpoint file, ascending
func (s *FileCheckpointStore) ListAll(ctx context.Context) ([]int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	files, err := s.scan()
	if err != nil {
		return nil, err
	}
	years := make([]int, 0, len(files))
	for year := range files {
		years = append(years, year)
	}
	slices.Sort(years)
	return years, nil
}

// CleanupKeepLatest removes the files of all but the n most recent years.
// Years with only a legacy record count as years. Deletion is per file and
// best effort; files of kept years are never touched.
func (s *FileCheckpointStore) CleanupKeepLatest(ctx context.Context, n int) ([]int, error) {
	if n < 0 {
		return nil, fmt.Errorf("cannot keep a negative number of checkpoints")
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	files, err := s.scan()
	if err != nil {
		return nil, err
	}
	legacy, err := s.scanLegacy()
	if err != nil {
		return nil, err
	}
	years := make([]int, 0, len(files)+len(legacy))
	for year := range files {
		years = append(years, year)
	}
	for _, year := range legacy {
		if _, ok := files[year]; !ok {
			years = append(years, year)
		}
	}
	slices.Sort(years)
	if len(years) <= n {
		return nil, nil
	}

	var removed []int
	var errs []error
	for _, year := range years[:len(years)-n] {
		ok := true
		for _, generation := range files[year] {
			if err := removeFile(filepath.Join(s.dir, checkpointFileName(year, generation))); err != nil {
				errs = append(errs, err)
				ok = false
			}
		}
		if err := removeFile(filepath.Join(s.dir, legacyFileName(year))); err != nil {
			errs = append(errs, err)
		}
		if ok {
			removed = append(removed, year)
		}
	}

	kept := years[len(years)-n:]
	if err := s.repointLatest(kept, files); err != nil {
		errs = append(errs, err)
	}
	if len(removed) > 0 {
		s.logger.Info("removed old checkpoints", "years", removed, "kept", kept)
	}
	return removed, errors.Join(errs...)
}

// repointLatest moves the latest pointer to the newest kept checkpoint when
// the file it named was removed
func (s *FileCheckpointStore) repointLatest(kept []int, files map[int][]int) error {
	pointerPath := filepath.Join(s.dir, latestCheckpointFile)
	data, err := os.ReadFile(pointerPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var pointer latestPointer
	if err := decodeGzipJSON(data, &pointer); err == nil {
		if _, err := os.Stat(filepath.Join(s.dir, pointer.File)); err == nil {
			return nil
		}
	}
	year := 0
	for _, y := range slices.Backward(kept) {
		if len(files[y]) > 0 {
			year = y
			break
		}
	}
	if year == 0 {
		return removeFile(pointerPath)
	}
	generations := files[year]
	name := checkpointFileName(year, generations[len(generations)-1])
	cp, err := s.readCheckpoint(name, year)
	if err != nil {
		return fmt.Errorf("failed to repoint latest checkpoint: %w", err)
	}
	encoded, err := encodeGzipJSON(latestPointer{
		Year:          year,
		File:          name,
		IntegrityHash: cp.IntegrityHash,
		Timestamp:     cp.Timestamp,
	})
	if err != nil {
		return err
	}
	return writeFileAtomic(s.dir, latestCheckpointFile, encoded)
}

// generations returns the sorted generation numbers present for a year
func (s *FileCheckpointStore) generations(year int) ([]int, error) {
	files, err := s.scan()
	if err != nil {
		return nil, err
	}
	return files[year], nil
}

// scan maps each year on disk to its sorted checkpoint generations
func (s *FileCheckpointStore) scan() (map[int][]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[int][]int{}, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}
	files := map[int][]int{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := checkpointFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		year, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		generation := 0
		if m[2] != "" {
			if generation, err = strconv.Atoi(m[2]); err != nil {
				continue
			}
		}
		files[year] = append(files[year], generation)
	}
	for year := range files {
		slices.Sort(files[year])
	}
	return files, nil
}

// scanLegacy returns the sorted years that have a legacy record on disk
func (s *FileCheckpointStore) scanLegacy() ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}
	var years []int
	for _, entry := range entries {
		m := legacyFilePattern.FindStringSubmatch(entry.Name())
		if entry.IsDir() || m == nil {
			continue
		}
		if year, err := strconv.Atoi(m[1]); err == nil {
			years = append(years, year)
		}
	}
	slices.Sort(years)
	return years, nil
}

func checkpointFileName(year, generation int) string {
	if generation == 0 {
		return fmt.Sprintf("year_%d.checkpoint.gz", year)
	}
	return fmt.Sprintf("year_%d.checkpoint.%d.gz", year, generation)
}

func legacyFileName(year int) string {
	return fmt.Sprintf("year_%d.json", year)
}

func encodeGzipJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGzipJSON(data []byte, v any) error {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return err
	}
	return decodeJSON(raw, v)
}

// writeFileAtomic writes data to a temporary file in dir and renames it
// over name
func writeFileAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", filepath.Base(path), err)
	}
	return nil
}
