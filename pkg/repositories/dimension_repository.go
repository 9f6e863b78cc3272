package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/meridian-data/meridian-engine/pkg/apperrors"
	"github.com/meridian-data/meridian-engine/pkg/database"
	"github.com/meridian-data/meridian-engine/pkg/models"
)

// DimensionRepository provides data access for Type-2 dimension versions.
// Versions are inserted and expired, never deleted; a superseded row's
// attributes are never edited.
type DimensionRepository interface {
	// GetCurrentByBusinessKey returns the current version for a business
	// key, or apperrors.ErrNotFound when the key has never been seen.
	GetCurrentByBusinessKey(ctx context.Context, entityType, businessKey string) (*models.DimensionVersion, error)

	// InsertVersion inserts a brand-new current version for a business key
	// with no prior current row.
	InsertVersion(ctx context.Context, version *models.DimensionVersion) error

	// SupersedeAndInsert expires the given current row and inserts its
	// replacement in a single transaction. A reader never observes zero or
	// two current rows for the key mid-transition.
	SupersedeAndInsert(ctx context.Context, current *models.DimensionVersion, replacement *models.DimensionVersion) error

	// ListVersions returns all versions for a business key ordered by
	// effective_start.
	ListVersions(ctx context.Context, entityType, businessKey string) ([]*models.DimensionVersion, error)

	// FindIntegrityViolations reports business keys with more than one
	// current row and version pairs with overlapping effective intervals.
	FindIntegrityViolations(ctx context.Context, entityType string) ([]models.IntegrityViolation, error)
}

type dimensionRepository struct {
	db *database.DB
}

// NewDimensionRepository creates a new DimensionRepository.
func NewDimensionRepository(db *database.DB) DimensionRepository {
	return &dimensionRepository{db: db}
}

var _ DimensionRepository = (*dimensionRepository)(nil)

const dimensionColumns = `
	surrogate_key, entity_type, business_key, attributes, record_hash,
	is_current, effective_start, effective_end, created_at`

func (r *dimensionRepository) GetCurrentByBusinessKey(ctx context.Context, entityType, businessKey string) (*models.DimensionVersion, error) {
	query := `
		SELECT ` + dimensionColumns + `
		FROM dimension_versions
		WHERE entity_type = $1 AND business_key = $2 AND is_current`

	version, err := scanDimensionVersion(r.db.QueryRow(ctx, query, entityType, businessKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return version, nil
}

func (r *dimensionRepository) InsertVersion(ctx context.Context, version *models.DimensionVersion) error {
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now()
	}

	attrsJSON, err := json.Marshal(version.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	query := `
		INSERT INTO dimension_versions (
			surrogate_key, entity_type, business_key, attributes, record_hash,
			is_current, effective_start, effective_end, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = r.db.Exec(ctx, query,
		version.SurrogateKey, version.EntityType, version.BusinessKey, attrsJSON,
		version.RecordHash, version.IsCurrent, version.EffectiveStart,
		version.EffectiveEnd, version.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dimension version: %w", err)
	}
	return nil
}

func (r *dimensionRepository) SupersedeAndInsert(ctx context.Context, current *models.DimensionVersion, replacement *models.DimensionVersion) error {
	if replacement.CreatedAt.IsZero() {
		replacement.CreatedAt = time.Now()
	}

	attrsJSON, err := json.Marshal(replacement.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	expire := `
		UPDATE dimension_versions
		SET is_current = false, effective_end = $1
		WHERE surrogate_key = $2 AND is_current`

	tag, err := tx.Exec(ctx, expire, replacement.EffectiveStart, current.SurrogateKey)
	if err != nil {
		return fmt.Errorf("failed to expire current version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// The row was superseded by a concurrent or replayed run.
		return fmt.Errorf("version %s is no longer current: %w", current.SurrogateKey, apperrors.ErrNotFound)
	}

	insert := `
		INSERT INTO dimension_versions (
			surrogate_key, entity_type, business_key, attributes, record_hash,
			is_current, effective_start, effective_end, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = tx.Exec(ctx, insert,
		replacement.SurrogateKey, replacement.EntityType, replacement.BusinessKey,
		attrsJSON, replacement.RecordHash, replacement.IsCurrent,
		replacement.EffectiveStart, replacement.EffectiveEnd, replacement.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert replacement version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit expire+insert: %w", err)
	}
	return nil
}

func (r *dimensionRepository) ListVersions(ctx context.Context, entityType, businessKey string) ([]*models.DimensionVersion, error) {
	query := `
		SELECT ` + dimensionColumns + `
		FROM dimension_versions
		WHERE entity_type = $1 AND business_key = $2
		ORDER BY effective_start`

	rows, err := r.db.Query(ctx, query, entityType, businessKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query dimension versions: %w", err)
	}
	defer rows.Close()

	var versions []*models.DimensionVersion
	for rows.Next() {
		version, err := scanDimensionVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dimension versions: %w", err)
	}
	return versions, nil
}

func (r *dimensionRepository) FindIntegrityViolations(ctx context.Context, entityType string) ([]models.IntegrityViolation, error) {
	var violations []models.IntegrityViolation

	duplicates := `
		SELECT business_key, COUNT(*)
		FROM dimension_versions
		WHERE entity_type = $1 AND is_current
		GROUP BY business_key
		HAVING COUNT(*) > 1`

	rows, err := r.db.Query(ctx, duplicates, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to query duplicate current rows: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, fmt.Errorf("failed to scan duplicate current row: %w", err)
		}
		violations = append(violations, models.IntegrityViolation{
			EntityType:  entityType,
			BusinessKey: key,
			Kind:        models.ViolationDuplicateCurrent,
			Detail:      fmt.Sprintf("%d current rows", count),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating duplicate current rows: %w", err)
	}

	overlaps := `
		SELECT a.business_key, a.surrogate_key, b.surrogate_key
		FROM dimension_versions a
		JOIN dimension_versions b
		  ON a.entity_type = b.entity_type
		 AND a.business_key = b.business_key
		 AND a.surrogate_key < b.surrogate_key
		WHERE a.entity_type = $1
		  AND a.effective_start < COALESCE(b.effective_end, 'infinity'::timestamptz)
		  AND b.effective_start < COALESCE(a.effective_end, 'infinity'::timestamptz)`

	oRows, err := r.db.Query(ctx, overlaps, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to query overlapping intervals: %w", err)
	}
	defer oRows.Close()
	for oRows.Next() {
		var key, a, b string
		if err := oRows.Scan(&key, &a, &b); err != nil {
			return nil, fmt.Errorf("failed to scan overlapping interval: %w", err)
		}
		violations = append(violations, models.IntegrityViolation{
			EntityType:  entityType,
			BusinessKey: key,
			Kind:        models.ViolationOverlappingInterval,
			Detail:      fmt.Sprintf("versions %s and %s overlap", a, b),
		})
	}
	if err := oRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating overlapping intervals: %w", err)
	}

	return violations, nil
}

func scanDimensionVersion(row pgx.Row) (*models.DimensionVersion, error) {
	var version models.DimensionVersion
	var attrsJSON []byte

	err := row.Scan(
		&version.SurrogateKey,
		&version.EntityType,
		&version.BusinessKey,
		&attrsJSON,
		&version.RecordHash,
		&version.IsCurrent,
		&version.EffectiveStart,
		&version.EffectiveEnd,
		&version.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan dimension version: %w", err)
	}

	if len(attrsJSON) > 0 {
		if err := json.Unmarshal(attrsJSON, &version.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
		}
	}
	return &version, nil
}
