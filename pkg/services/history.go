package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridian-data/meridian-engine/pkg/apperrors"
	"github.com/meridian-data/meridian-engine/pkg/models"
	"github.com/meridian-data/meridian-engine/pkg/registry"
	"github.com/meridian-data/meridian-engine/pkg/repositories"
)

// HistoryService applies Type-2 versioning to the dimension table of an
// entity type. It is generic across entity types via SCDConfig; nothing in
// it is entity-specific.
type HistoryService interface {
	// Apply versions each merged entity against its business key. The
	// caller supplies batchTime; the service never reads the system clock
	// for versioning, so replays are reproducible. Replaying an applied
	// batch produces zero additional writes.
	Apply(ctx context.Context, entityType string, merged []*models.MergedEntity, batchTime time.Time) (*models.ApplyResult, error)
}

type historyService struct {
	registry      registry.Registry
	dimensionRepo repositories.DimensionRepository
	logger        *zap.Logger
}

// NewHistoryService creates a new HistoryService.
func NewHistoryService(
	reg registry.Registry,
	dimensionRepo repositories.DimensionRepository,
	logger *zap.Logger,
) HistoryService {
	return &historyService{
		registry:      reg,
		dimensionRepo: dimensionRepo,
		logger:        logger.Named("history"),
	}
}

var _ HistoryService = (*historyService)(nil)

func (s *historyService) Apply(ctx context.Context, entityType string, merged []*models.MergedEntity, batchTime time.Time) (*models.ApplyResult, error) {
	rules, err := s.registry.Rules(entityType)
	if err != nil {
		return nil, err
	}

	result := &models.ApplyResult{EntityType: entityType}
	if len(merged) > 0 {
		result.BatchID = merged[0].BatchID
	}

	for _, m := range merged {
		businessKey, err := BusinessKey(rules.SCD.BusinessKeyColumns, m.Attributes)
		if err != nil {
			s.logger.Warn("Skipping entity without business key",
				zap.String("entity_type", entityType),
				zap.String("canonical_id", m.CanonicalID.String()),
				zap.Error(err))
			result.Skipped++
			continue
		}

		current, err := s.dimensionRepo.GetCurrentByBusinessKey(ctx, entityType, businessKey)
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			version := newVersion(entityType, businessKey, m, batchTime)
			if err := s.dimensionRepo.InsertVersion(ctx, version); err != nil {
				return result, fmt.Errorf("failed to insert first version for %q: %w", businessKey, err)
			}
			result.Inserted++

		case err != nil:
			return result, fmt.Errorf("failed to load current version for %q: %w", businessKey, err)

		case current.RecordHash == m.RecordHash:
			// Identical logical content. Counting it keeps replays visible
			// in reports without writing anything.
			result.Unchanged++

		default:
			replacement := newVersion(entityType, businessKey, m, batchTime)
			if err := s.dimensionRepo.SupersedeAndInsert(ctx, current, replacement); err != nil {
				return result, fmt.Errorf("failed to supersede version for %q: %w", businessKey, err)
			}
			result.Updated++
		}
	}

	violations, err := s.dimensionRepo.FindIntegrityViolations(ctx, entityType)
	if err != nil {
		return result, fmt.Errorf("failed to run integrity check: %w", err)
	}
	if len(violations) > 0 {
		result.Violations = violations
		return result, fmt.Errorf("%d violation(s) for entity type %q: %w",
			len(violations), entityType, apperrors.ErrIntegrityViolation)
	}

	s.logger.Info("Applied batch to dimension",
		zap.String("entity_type", entityType),
		zap.String("dimension_table", rules.SCD.DimensionTable),
		zap.Int("inserted", result.Inserted),
		zap.Int("updated", result.Updated),
		zap.Int("unchanged", result.Unchanged),
		zap.Int("skipped", result.Skipped))

	return result, nil
}

func newVersion(entityType, businessKey string, m *models.MergedEntity, batchTime time.Time) *models.DimensionVersion {
	return &models.DimensionVersion{
		SurrogateKey:   uuid.New(),
		EntityType:     entityType,
		BusinessKey:    businessKey,
		Attributes:     m.Attributes,
		RecordHash:     m.RecordHash,
		IsCurrent:      true,
		EffectiveStart: batchTime,
		EffectiveEnd:   nil,
	}
}

// BusinessKey joins the configured business key columns of a merged record
// into the single source-independent key the dimension is keyed by.
func BusinessKey(columns []string, attributes map[string]any) (string, error) {
	parts := make([]string, 0, len(columns))
	for _, col := range columns {
		v, ok := attributes[col]
		if !ok || v == nil {
			return "", fmt.Errorf("column %q: %w", col, apperrors.ErrEmptyBusinessKey)
		}
		rendered := canonicalValue(v)
		if rendered == "" {
			return "", fmt.Errorf("column %q: %w", col, apperrors.ErrEmptyBusinessKey)
		}
		parts = append(parts, rendered)
	}
	return strings.Join(parts, "|"), nil
}
