// Package models contains domain types for meridian-engine.
package models

import (
	"time"
)

// SourceRecord is one raw record delivered by an extraction collaborator.
// Records are immutable once produced; the engine never writes them back.
type SourceRecord struct {
	SourceSystem    string            `json:"source_system"`
	SourceRecordID  string            `json:"source_record_id"`
	BatchID         string            `json:"batch_id"`
	NaturalKeys     map[string]string `json:"natural_keys"`
	Attributes      map[string]any    `json:"attributes"`
	SourceTimestamp time.Time         `json:"source_timestamp"`
}

// Batch groups the source records delivered for one entity type in one
// extraction run. BatchID is an opaque grouping and idempotency token; the
// engine never interprets it.
type Batch struct {
	BatchID    string          `json:"batch_id"`
	EntityType string          `json:"entity_type"`
	Records    []*SourceRecord `json:"records"`
}
