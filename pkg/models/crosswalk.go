package models

import (
	"time"

	"github.com/google/uuid"
)

// Match method recorded when no existing canonical identifier matched and a
// new one was minted. Rule-based methods carry the method name declared in
// the entity type's match rules.
const MatchMethodNewEntity = "new_entity"

// NewEntityConfidence is the confidence recorded for a freshly minted
// canonical identifier. Single-source presence is certain by definition.
const NewEntityConfidence = 100

// CrosswalkEntry links one source system's record to a canonical identifier.
// At most one entry is current per (entity_type, canonical_id, source_system);
// entries are upserted, never duplicated for the same source record.
type CrosswalkEntry struct {
	EntityType      string    `json:"entity_type"`
	CanonicalID     uuid.UUID `json:"canonical_id"`
	SourceSystem    string    `json:"source_system"`
	SourceRecordID  string    `json:"source_record_id"`
	MatchConfidence int       `json:"match_confidence"`
	MatchMethod     string    `json:"match_method"`
	BatchID         string    `json:"batch_id"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// MatchKey is the lookup index the resolver maintains alongside the
// crosswalk: the hash of a match rule's key columns for a record, pointing at
// the canonical identifier that owns those key values.
type MatchKey struct {
	EntityType  string    `json:"entity_type"`
	Method      string    `json:"method"`
	KeyHash     string    `json:"key_hash"`
	CanonicalID uuid.UUID `json:"canonical_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}
