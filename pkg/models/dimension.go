package models

import (
	"time"

	"github.com/google/uuid"
)

// DimensionVersion is one Type-2 history row. Rows are created and expired
// only by the history manager and are never deleted or edited once
// superseded; the set of versions for a business key is the permanent
// auditable record of that entity.
type DimensionVersion struct {
	SurrogateKey   uuid.UUID      `json:"surrogate_key"`
	EntityType     string         `json:"entity_type"`
	BusinessKey    string         `json:"business_key"`
	Attributes     map[string]any `json:"attributes"`
	RecordHash     string         `json:"record_hash"`
	IsCurrent      bool           `json:"is_current"`
	EffectiveStart time.Time      `json:"effective_start"`
	EffectiveEnd   *time.Time     `json:"effective_end,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ApplyResult summarizes one history-manager run for an entity type.
type ApplyResult struct {
	EntityType string               `json:"entity_type"`
	BatchID    string               `json:"batch_id"`
	Inserted   int                  `json:"inserted"`
	Updated    int                  `json:"updated"`
	Unchanged  int                  `json:"unchanged"`
	Skipped    int                  `json:"skipped"`
	Violations []IntegrityViolation `json:"violations,omitempty"`
}

// Integrity violation kinds found by the post-run check.
const (
	ViolationDuplicateCurrent    = "duplicate_current"
	ViolationOverlappingInterval = "overlapping_interval"
)

// IntegrityViolation describes one invariant breach found after a run:
// a business key with more than one current row, or two versions whose
// effective intervals overlap. Violations are reported, never silently
// corrected.
type IntegrityViolation struct {
	EntityType  string `json:"entity_type"`
	BusinessKey string `json:"business_key"`
	Kind        string `json:"kind"`
	Detail      string `json:"detail"`
}
