package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meridian-data/meridian-engine/pkg/database"
	"github.com/meridian-data/meridian-engine/pkg/models"
)

// ReconciliationRepository provides data access for the append-only
// reconciliation log. Entries are only ever inserted; nothing updates or
// deletes them.
type ReconciliationRepository interface {
	// CreateBatch inserts a set of log entries. An entry whose batch,
	// canonical identifier, field, and values were already logged is
	// silently dropped, so replaying a batch never duplicates the log.
	CreateBatch(ctx context.Context, entries []*models.ReconciliationLogEntry) error

	// ListByEntityType returns recent entries for an entity type, newest first.
	ListByEntityType(ctx context.Context, entityType string, limit int) ([]*models.ReconciliationLogEntry, error)

	// ListByCanonicalID returns all entries for one canonical identifier, newest first.
	ListByCanonicalID(ctx context.Context, entityType string, canonicalID uuid.UUID) ([]*models.ReconciliationLogEntry, error)
}

type reconciliationRepository struct {
	db *database.DB
}

// NewReconciliationRepository creates a new ReconciliationRepository.
func NewReconciliationRepository(db *database.DB) ReconciliationRepository {
	return &reconciliationRepository{db: db}
}

var _ ReconciliationRepository = (*reconciliationRepository)(nil)

func (r *reconciliationRepository) CreateBatch(ctx context.Context, entries []*models.ReconciliationLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	// ON CONFLICT DO NOTHING keeps batch replays from appending a second
	// copy of an already-logged resolution.
	query := `
		INSERT INTO reconciliation_log (
			id, entity_type, canonical_id, field_name, values_by_source,
			resolution_rule, resolved_value, batch_id, logged_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING`

	batch := &pgx.Batch{}
	now := time.Now()
	for _, e := range entries {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.LoggedAt.IsZero() {
			e.LoggedAt = now
		}

		valuesJSON, err := json.Marshal(e.ValuesBySource)
		if err != nil {
			return fmt.Errorf("failed to marshal values_by_source: %w", err)
		}
		resolvedJSON, err := json.Marshal(e.ResolvedValue)
		if err != nil {
			return fmt.Errorf("failed to marshal resolved_value: %w", err)
		}

		batch.Queue(query,
			e.ID, e.EntityType, e.CanonicalID, e.FieldName, valuesJSON,
			e.ResolutionRule, resolvedJSON, e.BatchID, e.LoggedAt)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()
	for range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert reconciliation log entry: %w", err)
		}
	}
	return nil
}

func (r *reconciliationRepository) ListByEntityType(ctx context.Context, entityType string, limit int) ([]*models.ReconciliationLogEntry, error) {
	query := `
		SELECT id, entity_type, canonical_id, field_name, values_by_source,
		       resolution_rule, resolved_value, batch_id, logged_at
		FROM reconciliation_log
		WHERE entity_type = $1
		ORDER BY logged_at DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, entityType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation log: %w", err)
	}
	defer rows.Close()

	return collectReconciliationEntries(rows)
}

func (r *reconciliationRepository) ListByCanonicalID(ctx context.Context, entityType string, canonicalID uuid.UUID) ([]*models.ReconciliationLogEntry, error) {
	query := `
		SELECT id, entity_type, canonical_id, field_name, values_by_source,
		       resolution_rule, resolved_value, batch_id, logged_at
		FROM reconciliation_log
		WHERE entity_type = $1 AND canonical_id = $2
		ORDER BY logged_at DESC`

	rows, err := r.db.Query(ctx, query, entityType, canonicalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation log by canonical id: %w", err)
	}
	defer rows.Close()

	return collectReconciliationEntries(rows)
}

func collectReconciliationEntries(rows pgx.Rows) ([]*models.ReconciliationLogEntry, error) {
	var entries []*models.ReconciliationLogEntry
	for rows.Next() {
		entry, err := scanReconciliationEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reconciliation log entries: %w", err)
	}
	return entries, nil
}

func scanReconciliationEntry(row pgx.Row) (*models.ReconciliationLogEntry, error) {
	var entry models.ReconciliationLogEntry
	var valuesJSON, resolvedJSON []byte

	err := row.Scan(
		&entry.ID,
		&entry.EntityType,
		&entry.CanonicalID,
		&entry.FieldName,
		&valuesJSON,
		&entry.ResolutionRule,
		&resolvedJSON,
		&entry.BatchID,
		&entry.LoggedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan reconciliation log entry: %w", err)
	}

	if len(valuesJSON) > 0 {
		if err := json.Unmarshal(valuesJSON, &entry.ValuesBySource); err != nil {
			return nil, fmt.Errorf("failed to unmarshal values_by_source: %w", err)
		}
	}
	if len(resolvedJSON) > 0 && string(resolvedJSON) != "null" {
		if err := json.Unmarshal(resolvedJSON, &entry.ResolvedValue); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resolved_value: %w", err)
		}
	}
	return &entry, nil
}
