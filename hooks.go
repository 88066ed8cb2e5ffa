package simflow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// HookType identifies a lifecycle extension point
type HookType int

const (
	PreSimulation HookType = iota
	PostSimulation
	PreYear
	PostYear
	PreStage
	PostStage
)

var hookTypeNames = []string{
	"pre_simulation",
	"post_simulation",
	"pre_year",
	"post_year",
	"pre_stage",
	"post_stage",
}

func (t HookType) String() string {
	if t < 0 || int(t) >= len(hookTypeNames) {
		return fmt.Sprintf("hook(%d)", int(t))
	}
	return hookTypeNames[t]
}

// IsStageHook reports whether hooks of this type may carry a stage filter
func (t HookType) IsStageHook() bool {
	return t == PreStage || t == PostStage
}

// HookContext describes the lifecycle point a hook is fired at. Fields that
// do not apply to the hook type are zero.
type HookContext struct {
	Type      HookType
	RunID     string
	StartYear int
	EndYear   int
	Year      int
	Stage     *StageDefinition
	Result    *StageResult
	Err       error
	Time      time.Time
}

// StageName returns the stage name or an empty string for non-stage hooks
func (hc *HookContext) StageName() string {
	if hc.Stage == nil {
		return ""
	}
	return hc.Stage.Name()
}

// HookFunc is the callback invoked when a hook fires
type HookFunc func(ctx context.Context, hc *HookContext) error

// Hook is a named callback registered for one lifecycle point
type Hook struct {
	Type        HookType
	StageFilter *WorkflowStage
	Callback    HookFunc
	Name        string
}

// NewHook returns a hook that fires for every occurrence of the given type
func NewHook(name string, hookType HookType, callback HookFunc) (*Hook, error) {
	if callback == nil {
		return nil, fmt.Errorf("hook %q requires a callback", name)
	}
	if hookType < PreSimulation || hookType > PostStage {
		return nil, fmt.Errorf("hook %q has unknown type %d", name, int(hookType))
	}
	return &Hook{Type: hookType, Callback: callback, Name: name}, nil
}

// NewStageHook returns a stage hook that only fires for the given stage.
// Only PreStage and PostStage hooks accept a stage filter.
func NewStageHook(name string, hookType HookType, stage WorkflowStage, callback HookFunc) (*Hook, error) {
	if !hookType.IsStageHook() {
		return nil, fmt.Errorf("hook %q: stage filter is only allowed on stage hooks, not %s", name, hookType)
	}
	if !stage.Valid() {
		return nil, fmt.Errorf("hook %q: invalid stage filter %d", name, int(stage))
	}
	hook, err := NewHook(name, hookType, callback)
	if err != nil {
		return nil, err
	}
	hook.StageFilter = &stage
	return hook, nil
}

func (h *Hook) validate() error {
	if h.Callback == nil {
		return fmt.Errorf("hook %q requires a callback", h.Name)
	}
	if h.StageFilter != nil && !h.Type.IsStageHook() {
		return fmt.Errorf("hook %q: stage filter is only allowed on stage hooks, not %s", h.Name, h.Type)
	}
	return nil
}

func (h *Hook) matches(hc *HookContext) bool {
	if h.StageFilter == nil {
		return true
	}
	return hc.Stage != nil && hc.Stage.Stage == *h.StageFilter
}

// HookManager keeps registered hooks and fires them in registration order.
// A failing or panicking hook is logged and never affects other hooks or
// the pipeline.
type HookManager struct {
	mutex  sync.RWMutex
	hooks  map[HookType][]*Hook
	logger *slog.Logger
}

// NewHookManager returns an empty hook manager
func NewHookManager(logger *slog.Logger) *HookManager {
	if logger == nil {
		logger = discardLogger()
	}
	return &HookManager{
		hooks:  map[HookType][]*Hook{},
		logger: logger,
	}
}

// Register adds a hook
func (m *HookManager) Register(hook *Hook) error {
	if hook == nil {
		return fmt.Errorf("hook is nil")
	}
	if err := hook.validate(); err != nil {
		return err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.hooks[hook.Type] = append(m.hooks[hook.Type], hook)
	return nil
}

// Count returns the number of hooks registered for a type
func (m *HookManager) Count(hookType HookType) int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.hooks[hookType])
}

// Fire invokes every hook registered for the type whose filter matches. It
// returns the number of hooks that failed.
func (m *HookManager) Fire(ctx context.Context, hookType HookType, hc *HookContext) int {
	m.mutex.RLock()
	hooks := append([]*Hook(nil), m.hooks[hookType]...)
	m.mutex.RUnlock()

	if hc == nil {
		hc = &HookContext{}
	}
	hc.Type = hookType
	if hc.Time.IsZero() {
		hc.Time = time.Now()
	}

	failed := 0
	for _, hook := range hooks {
		if !hook.matches(hc) {
			continue
		}
		if err := m.invoke(ctx, hook, hc); err != nil {
			failed++
			m.logger.Error("hook failed",
				"hook", hook.Name,
				"type", hookType.String(),
				"year", hc.Year,
				"stage", hc.StageName(),
				"error", err)
		}
	}
	return failed
}

func (m *HookManager) invoke(ctx context.Context, hook *Hook, hc *HookContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Debug("hook panic stack", "hook", hook.Name, "stack", string(debug.Stack()))
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return hook.Callback(ctx, hc)
}
