package simflow

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store. Rows are kept per table and year; a table
// counted without a year column sums every year. A deleteErrs entry fails the
// next delete of that table once.
type memStore struct {
	mutex       sync.Mutex
	rows        map[string]map[int]int64
	dups        map[string]int64
	sums        map[string]float64
	countErrs   map[string]error
	deleteErrs  map[string]error
	deletes     []string
	identity    string
	multiWriter bool
}

func newMemStore() *memStore {
	return &memStore{
		rows:       map[string]map[int]int64{},
		dups:       map[string]int64{},
		sums:       map[string]float64{},
		countErrs:  map[string]error{},
		deleteErrs: map[string]error{},
		identity:   "memory",
	}
}

func (s *memStore) Identity() string { return s.identity }

func (s *memStore) SingleWriter() bool { return !s.multiWriter }

func (s *memStore) set(table string, year int, rows int64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.rows[table] == nil {
		s.rows[table] = map[int]int64{}
	}
	s.rows[table][year] = rows
}

func (s *memStore) add(table string, year int, rows int64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.rows[table] == nil {
		s.rows[table] = map[int]int64{}
	}
	s.rows[table][year] += rows
}

func (s *memStore) deleted() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return slices.Clone(s.deletes)
}

func (s *memStore) TryCount(ctx context.Context, table, yearColumn string, year int) (int64, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.countErrs[table]; err != nil {
		return 0, false, err
	}
	years, ok := s.rows[table]
	if !ok {
		return 0, false, nil
	}
	if yearColumn == "" {
		var total int64
		for _, n := range years {
			total += n
		}
		return total, true, nil
	}
	return years[year], true, nil
}

func (s *memStore) DeleteByYear(ctx context.Context, table, yearColumn string, year int) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err, ok := s.deleteErrs[table]; ok {
		delete(s.deleteErrs, table)
		return 0, err
	}
	s.deletes = append(s.deletes, fmt.Sprintf("%s:%d", table, year))
	years, ok := s.rows[table]
	if !ok {
		return 0, nil
	}
	n := years[year]
	delete(years, year)
	return n, nil
}

func (s *memStore) CountDuplicates(ctx context.Context, table, keyColumn, yearColumn string, year int) (int64, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.rows[table]; !ok {
		return 0, false, nil
	}
	return s.dups[table], true, nil
}

func (s *memStore) Summarize(ctx context.Context, table, column, yearColumn string, year int) (ColumnSummary, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	years, ok := s.rows[table]
	if !ok {
		return ColumnSummary{}, false, nil
	}
	return ColumnSummary{Count: years[year], Sum: s.sums[table+"."+column]}, true, nil
}

// recordingRunner records every request. Tasks fail when fail returns true
// and each successful invocation calls onRun.
type recordingRunner struct {
	mutex    sync.Mutex
	requests []TaskRequest
	fail     func(req TaskRequest) bool
	onRun    func(req TaskRequest)
}

func (r *recordingRunner) Execute(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	r.mutex.Lock()
	r.requests = append(r.requests, req)
	r.mutex.Unlock()
	if r.fail != nil && r.fail(req) {
		return &TaskResult{Success: false, ExitCode: 1, Stderr: "compilation error\nmodel failed"}, nil
	}
	if r.onRun != nil {
		r.onRun(req)
	}
	return &TaskResult{Success: true}, nil
}

func (r *recordingRunner) all() []TaskRequest {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return slices.Clone(r.requests)
}

func (r *recordingRunner) selectors() [][]string {
	var out [][]string
	for _, req := range r.all() {
		out = append(out, req.Selector)
	}
	return out
}

// populating returns a runner that writes ten rows per task and year into
// the store, the way a real transformation would
func populating(store *memStore) *recordingRunner {
	return &recordingRunner{
		onRun: func(req TaskRequest) {
			for _, task := range req.Selector {
				store.add(task, req.Year, 10)
			}
		},
	}
}

func failOn(task string) func(req TaskRequest) bool {
	return func(req TaskRequest) bool {
		return slices.Contains(req.Selector, task)
	}
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	cfg, err := ParseConfig([]byte(`
simulation:
  start_year: 2025
  end_year: 2027
  random_seed: 42
parameters:
  cola_rate: 0.02
`))
	require.NoError(t, err)
	cfg.Checkpoint.Dir = filepath.Join(dir, "checkpoints")
	cfg.LockDir = filepath.Join(dir, "locks")
	return cfg
}

type executorFixture struct {
	cfg    *Config
	store  *memStore
	runner *recordingRunner
	caps   Capabilities
	proc   AcceleratedProcessor
}

func (f *executorFixture) build(t *testing.T) *StageExecutor {
	t.Helper()
	var store Store
	singleWriter := true
	if f.store != nil {
		store = f.store
		singleWriter = f.store.SingleWriter()
	}
	coordinator, err := NewResourceCoordinator(ResourceCoordinatorOptions{
		Config:       f.cfg,
		Capabilities: f.caps,
		SingleWriter: singleWriter,
	})
	require.NoError(t, err)
	x, err := NewStageExecutor(StageExecutorOptions{
		Runner:            f.runner,
		Store:             store,
		Coordinator:       coordinator,
		Catalog:           f.cfg.Workflow,
		ClearTablesPolicy: f.cfg.ClearTablesPolicy,
		Capabilities:      f.caps,
		Accelerated:       f.proc,
		DisableFallback:   f.cfg.Accelerated.DisableFallback,
	})
	require.NoError(t, err)
	return x
}

func stageFor(t *testing.T, cfg *Config, stage WorkflowStage, year int) StageDefinition {
	t.Helper()
	defs, err := NewWorkflowBuilder(cfg.Workflow).Build(year, cfg.Simulation.StartYear)
	require.NoError(t, err)
	return defs[stage]
}

func runContext(cfg *Config) *RunContext {
	return &RunContext{
		RunID:      NewRunID(),
		StartYear:  cfg.Simulation.StartYear,
		RandomSeed: cfg.Simulation.RandomSeed,
		Parameters: cfg.Parameters,
	}
}
