package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meridian-data/meridian-engine/pkg/apperrors"
	"github.com/meridian-data/meridian-engine/pkg/database"
	"github.com/meridian-data/meridian-engine/pkg/models"
)

// MergedEntityRepository provides data access for per-canonical merged
// snapshots. Snapshots are recomputed each batch, so writes are upserts
// keyed by (entity_type, canonical_id).
type MergedEntityRepository interface {
	// Upsert writes the merged snapshot for a canonical identifier.
	Upsert(ctx context.Context, entity *models.MergedEntity) error

	// GetByCanonicalID returns the current merged snapshot, or
	// apperrors.ErrNotFound.
	GetByCanonicalID(ctx context.Context, entityType string, canonicalID uuid.UUID) (*models.MergedEntity, error)

	// ListByEntityType returns merged snapshots for an entity type ordered
	// by ascending quality score, worst first, for the monitoring API.
	ListByEntityType(ctx context.Context, entityType string, limit int) ([]*models.MergedEntity, error)
}

type mergedEntityRepository struct {
	db *database.DB
}

// NewMergedEntityRepository creates a new MergedEntityRepository.
func NewMergedEntityRepository(db *database.DB) MergedEntityRepository {
	return &mergedEntityRepository{db: db}
}

var _ MergedEntityRepository = (*mergedEntityRepository)(nil)

func (r *mergedEntityRepository) Upsert(ctx context.Context, entity *models.MergedEntity) error {
	if entity.UpdatedAt.IsZero() {
		entity.UpdatedAt = time.Now()
	}

	attrsJSON, err := json.Marshal(entity.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}
	issuesJSON, err := json.Marshal(entity.QualityIssues)
	if err != nil {
		return fmt.Errorf("failed to marshal quality_issues: %w", err)
	}

	query := `
		INSERT INTO merged_entities (
			entity_type, canonical_id, attributes, quality_score,
			quality_issues, record_hash, batch_id, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (entity_type, canonical_id) DO UPDATE SET
			attributes = EXCLUDED.attributes,
			quality_score = EXCLUDED.quality_score,
			quality_issues = EXCLUDED.quality_issues,
			record_hash = EXCLUDED.record_hash,
			batch_id = EXCLUDED.batch_id,
			updated_at = EXCLUDED.updated_at`

	_, err = r.db.Exec(ctx, query,
		entity.EntityType, entity.CanonicalID, attrsJSON, entity.QualityScore,
		issuesJSON, entity.RecordHash, entity.BatchID, entity.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert merged entity: %w", err)
	}
	return nil
}

func (r *mergedEntityRepository) GetByCanonicalID(ctx context.Context, entityType string, canonicalID uuid.UUID) (*models.MergedEntity, error) {
	query := `
		SELECT entity_type, canonical_id, attributes, quality_score,
		       quality_issues, record_hash, batch_id, updated_at
		FROM merged_entities
		WHERE entity_type = $1 AND canonical_id = $2`

	entity, err := scanMergedEntity(r.db.QueryRow(ctx, query, entityType, canonicalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return entity, nil
}

func (r *mergedEntityRepository) ListByEntityType(ctx context.Context, entityType string, limit int) ([]*models.MergedEntity, error) {
	query := `
		SELECT entity_type, canonical_id, attributes, quality_score,
		       quality_issues, record_hash, batch_id, updated_at
		FROM merged_entities
		WHERE entity_type = $1
		ORDER BY quality_score ASC, canonical_id
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, entityType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query merged entities: %w", err)
	}
	defer rows.Close()

	var entities []*models.MergedEntity
	for rows.Next() {
		entity, err := scanMergedEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating merged entities: %w", err)
	}
	return entities, nil
}

func scanMergedEntity(row pgx.Row) (*models.MergedEntity, error) {
	var entity models.MergedEntity
	var attrsJSON, issuesJSON []byte

	err := row.Scan(
		&entity.EntityType,
		&entity.CanonicalID,
		&attrsJSON,
		&entity.QualityScore,
		&issuesJSON,
		&entity.RecordHash,
		&entity.BatchID,
		&entity.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan merged entity: %w", err)
	}

	if len(attrsJSON) > 0 {
		if err := json.Unmarshal(attrsJSON, &entity.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
		}
	}
	if len(issuesJSON) > 0 && string(issuesJSON) != "null" {
		if err := json.Unmarshal(issuesJSON, &entity.QualityIssues); err != nil {
			return nil, fmt.Errorf("failed to unmarshal quality_issues: %w", err)
		}
	}
	return &entity, nil
}
