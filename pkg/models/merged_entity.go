package models

import (
	"time"

	"github.com/google/uuid"
)

// MergedEntity is the single merged record produced for a canonical
// identifier from all of its source records in one batch. Merged entities
// are recomputed per batch, not accumulated as history.
type MergedEntity struct {
	EntityType    string         `json:"entity_type"`
	CanonicalID   uuid.UUID      `json:"canonical_id"`
	Attributes    map[string]any `json:"attributes"`
	QualityScore  int            `json:"quality_score"`
	QualityIssues []string       `json:"quality_issues"`
	RecordHash    string         `json:"record_hash"`
	BatchID       string         `json:"batch_id"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
