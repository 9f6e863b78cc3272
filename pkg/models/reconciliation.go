package models

import (
	"time"

	"github.com/google/uuid"
)

// Resolution rules recorded on reconciliation log entries.
const (
	// ResolutionSourcePrecedence means the declared source-of-record order
	// picked the winner.
	ResolutionSourcePrecedence = "source_precedence"
	// ResolutionMostRecent means the prefer-latest override picked the value
	// with the newest source timestamp.
	ResolutionMostRecent = "most_recent"
	// ResolutionDefaultPrecedence means no source-of-record rule covered the
	// field and the entity type's declared source order was used.
	ResolutionDefaultPrecedence = "default_precedence"
	// ResolutionEarliestRecord means a duplicate natural key within one
	// source was broken deterministically by earliest source timestamp.
	ResolutionEarliestRecord = "earliest_record_wins"
)

// ReconciliationLogEntry records one cross-source disagreement and how it was
// resolved. The log is append-only: conflicts are an expected business
// outcome, never an error.
type ReconciliationLogEntry struct {
	ID             uuid.UUID      `json:"id"`
	EntityType     string         `json:"entity_type"`
	CanonicalID    uuid.UUID      `json:"canonical_id"`
	FieldName      string         `json:"field_name"`
	ValuesBySource map[string]any `json:"values_by_source"`
	ResolutionRule string         `json:"resolution_rule"`
	ResolvedValue  any            `json:"resolved_value"`
	BatchID        string         `json:"batch_id"`
	LoggedAt       time.Time      `json:"logged_at"`
}
