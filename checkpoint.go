package simflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// OutputCount is the captured row count of one tracked output. Error is set
// instead of Rows when the count could not be taken.
type OutputCount struct {
	Rows  int64  `json:"rows"`
	Error string `json:"error,omitempty"`
}

// Failed reports whether the count could not be captured
func (c OutputCount) Failed() bool {
	return c.Error != ""
}

// Checkpoint is an integrity-checked snapshot of the store after a year
// completed. Checkpoints are written once and never edited.
type Checkpoint struct {
	Year           int                    `json:"year"`
	RunID          string                 `json:"run_id"`
	ConfigHash     string                 `json:"config_hash"`
	Timestamp      time.Time              `json:"timestamp"`
	OutputCounts   map[string]OutputCount `json:"output_counts"`
	QualityMetrics map[string]any         `json:"quality_metrics"`
	PerfMetrics    map[string]any         `json:"perf_metrics"`
	ConfigSnapshot map[string]any         `json:"config_snapshot"`
	IntegrityHash  string                 `json:"integrity_hash"`
}

// hashedCheckpoint is the portion of a checkpoint covered by the integrity
// hash. Timestamp and PerfMetrics are volatile and excluded.
type hashedCheckpoint struct {
	Year           int                    `json:"year"`
	RunID          string                 `json:"run_id"`
	ConfigHash     string                 `json:"config_hash"`
	OutputCounts   map[string]OutputCount `json:"output_counts"`
	QualityMetrics map[string]any         `json:"quality_metrics"`
	ConfigSnapshot map[string]any         `json:"config_snapshot"`
}

// ComputeIntegrityHash returns the sha256 digest of the canonical form of
// the checkpoint's non-volatile fields.
func ComputeIntegrityHash(cp *Checkpoint) (string, error) {
	data, err := canonicalJSON(hashedCheckpoint{
		Year:           cp.Year,
		RunID:          cp.RunID,
		ConfigHash:     cp.ConfigHash,
		OutputCounts:   cp.OutputCounts,
		QualityMetrics: cp.QualityMetrics,
		ConfigSnapshot: cp.ConfigSnapshot,
	})
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize checkpoint: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Seal computes and stores the checkpoint's integrity hash
func (cp *Checkpoint) Seal() error {
	hash, err := ComputeIntegrityHash(cp)
	if err != nil {
		return err
	}
	cp.IntegrityHash = hash
	return nil
}

// Verify recomputes the integrity hash and compares it to the stored value
func (cp *Checkpoint) Verify() error {
	if cp.IntegrityHash == "" {
		return &CheckpointValidationError{Year: cp.Year, Reason: "missing integrity hash"}
	}
	hash, err := ComputeIntegrityHash(cp)
	if err != nil {
		return &CheckpointValidationError{Year: cp.Year, Reason: "cannot recompute integrity hash", Err: err}
	}
	if hash != cp.IntegrityHash {
		return &CheckpointValidationError{
			Year:   cp.Year,
			Reason: fmt.Sprintf("integrity hash mismatch: stored %s, computed %s", shortHash(cp.IntegrityHash), shortHash(hash)),
		}
	}
	return nil
}

// canonicalJSON encodes v with every object's keys sorted, regardless of
// whether the value started out as a struct or a map.
func canonicalJSON(v any) ([]byte, error) {
	generic, err := toGeneric(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// toGeneric converts v into maps, slices and json.Number values.
func toGeneric(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := decodeJSON(data, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}

// normalizeMap returns m in the generic form it takes after a JSON round
// trip, so freshly captured values compare equal to loaded ones.
func normalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	generic, err := toGeneric(m)
	if err != nil {
		return nil, err
	}
	out, _ := generic.(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
