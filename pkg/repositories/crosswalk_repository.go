// Package repositories provides PostgreSQL data access for the engine's
// crosswalk, reconciliation log, merged snapshots, and dimension versions.
package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meridian-data/meridian-engine/pkg/apperrors"
	"github.com/meridian-data/meridian-engine/pkg/database"
	"github.com/meridian-data/meridian-engine/pkg/models"
)

// CrosswalkRepository provides data access for crosswalk entries and the
// match key index the resolver uses to find existing canonical identifiers.
type CrosswalkRepository interface {
	// UpsertEntries writes crosswalk entries as a set-based upsert keyed by
	// (entity_type, canonical_id, source_system). Replaying the same batch
	// rewrites identical rows and produces no duplicates.
	UpsertEntries(ctx context.Context, entries []*models.CrosswalkEntry) error

	// UpsertMatchKeys writes match key index rows keyed by
	// (entity_type, method, key_hash).
	UpsertMatchKeys(ctx context.Context, keys []*models.MatchKey) error

	// LookupCanonical returns the canonical identifier owning a match key
	// hash, or (uuid.Nil, false) when none exists.
	LookupCanonical(ctx context.Context, entityType, method, keyHash string) (uuid.UUID, bool, error)

	// GetBySourceRecord returns the current crosswalk entry for one source
	// record, or apperrors.ErrNotFound.
	GetBySourceRecord(ctx context.Context, entityType, sourceSystem, sourceRecordID string) (*models.CrosswalkEntry, error)

	// ListByCanonicalID returns all current crosswalk entries for a
	// canonical identifier.
	ListByCanonicalID(ctx context.Context, entityType string, canonicalID uuid.UUID) ([]*models.CrosswalkEntry, error)
}

type crosswalkRepository struct {
	db *database.DB
}

// NewCrosswalkRepository creates a new CrosswalkRepository.
func NewCrosswalkRepository(db *database.DB) CrosswalkRepository {
	return &crosswalkRepository{db: db}
}

var _ CrosswalkRepository = (*crosswalkRepository)(nil)

func (r *crosswalkRepository) UpsertEntries(ctx context.Context, entries []*models.CrosswalkEntry) error {
	if len(entries) == 0 {
		return nil
	}

	query := `
		INSERT INTO crosswalk_entries (
			entity_type, canonical_id, source_system, source_record_id,
			match_confidence, match_method, batch_id, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (entity_type, canonical_id, source_system) DO UPDATE SET
			source_record_id = EXCLUDED.source_record_id,
			match_confidence = EXCLUDED.match_confidence,
			match_method = EXCLUDED.match_method,
			batch_id = EXCLUDED.batch_id,
			updated_at = EXCLUDED.updated_at`

	batch := &pgx.Batch{}
	now := time.Now()
	for _, e := range entries {
		if e.UpdatedAt.IsZero() {
			e.UpdatedAt = now
		}
		batch.Queue(query,
			e.EntityType, e.CanonicalID, e.SourceSystem, e.SourceRecordID,
			e.MatchConfidence, e.MatchMethod, e.BatchID, e.UpdatedAt)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()
	for range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to upsert crosswalk entry: %w", err)
		}
	}
	return nil
}

func (r *crosswalkRepository) UpsertMatchKeys(ctx context.Context, keys []*models.MatchKey) error {
	if len(keys) == 0 {
		return nil
	}

	query := `
		INSERT INTO entity_match_keys (entity_type, method, key_hash, canonical_id, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (entity_type, method, key_hash) DO UPDATE SET
			canonical_id = EXCLUDED.canonical_id,
			updated_at = EXCLUDED.updated_at`

	batch := &pgx.Batch{}
	now := time.Now()
	for _, k := range keys {
		if k.UpdatedAt.IsZero() {
			k.UpdatedAt = now
		}
		batch.Queue(query, k.EntityType, k.Method, k.KeyHash, k.CanonicalID, k.UpdatedAt)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()
	for range keys {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to upsert match key: %w", err)
		}
	}
	return nil
}

func (r *crosswalkRepository) LookupCanonical(ctx context.Context, entityType, method, keyHash string) (uuid.UUID, bool, error) {
	query := `
		SELECT canonical_id FROM entity_match_keys
		WHERE entity_type = $1 AND method = $2 AND key_hash = $3`

	var canonicalID uuid.UUID
	err := r.db.QueryRow(ctx, query, entityType, method, keyHash).Scan(&canonicalID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to look up match key: %w", err)
	}
	return canonicalID, true, nil
}

func (r *crosswalkRepository) GetBySourceRecord(ctx context.Context, entityType, sourceSystem, sourceRecordID string) (*models.CrosswalkEntry, error) {
	query := `
		SELECT entity_type, canonical_id, source_system, source_record_id,
		       match_confidence, match_method, batch_id, updated_at
		FROM crosswalk_entries
		WHERE entity_type = $1 AND source_system = $2 AND source_record_id = $3`

	entry, err := scanCrosswalkEntry(r.db.QueryRow(ctx, query, entityType, sourceSystem, sourceRecordID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *crosswalkRepository) ListByCanonicalID(ctx context.Context, entityType string, canonicalID uuid.UUID) ([]*models.CrosswalkEntry, error) {
	query := `
		SELECT entity_type, canonical_id, source_system, source_record_id,
		       match_confidence, match_method, batch_id, updated_at
		FROM crosswalk_entries
		WHERE entity_type = $1 AND canonical_id = $2
		ORDER BY source_system`

	rows, err := r.db.Query(ctx, query, entityType, canonicalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query crosswalk entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.CrosswalkEntry
	for rows.Next() {
		entry, err := scanCrosswalkEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating crosswalk entries: %w", err)
	}
	return entries, nil
}

func scanCrosswalkEntry(row pgx.Row) (*models.CrosswalkEntry, error) {
	var entry models.CrosswalkEntry
	err := row.Scan(
		&entry.EntityType,
		&entry.CanonicalID,
		&entry.SourceSystem,
		&entry.SourceRecordID,
		&entry.MatchConfidence,
		&entry.MatchMethod,
		&entry.BatchID,
		&entry.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan crosswalk entry: %w", err)
	}
	return &entry, nil
}
