package services

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridian-data/meridian-engine/pkg/models"
	"github.com/meridian-data/meridian-engine/pkg/registry"
	"github.com/meridian-data/meridian-engine/pkg/repositories"
)

// MergerService folds all source records of a canonical identifier into one
// merged record under the entity type's source-of-record rules, scoring its
// quality and logging every cross-source disagreement.
type MergerService interface {
	// Merge produces the merged entity for one canonical identifier. The
	// result is independent of the order records are passed in; freshness
	// comparisons always use source-reported timestamps.
	Merge(ctx context.Context, entityType string, canonicalID uuid.UUID, records []*models.SourceRecord) (*models.MergedEntity, error)
}

type mergerService struct {
	registry           registry.Registry
	mergedRepo         repositories.MergedEntityRepository
	reconciliationRepo repositories.ReconciliationRepository
	logger             *zap.Logger
}

// NewMergerService creates a new MergerService.
func NewMergerService(
	reg registry.Registry,
	mergedRepo repositories.MergedEntityRepository,
	reconciliationRepo repositories.ReconciliationRepository,
	logger *zap.Logger,
) MergerService {
	return &mergerService{
		registry:           reg,
		mergedRepo:         mergedRepo,
		reconciliationRepo: reconciliationRepo,
		logger:             logger.Named("merger"),
	}
}

var _ MergerService = (*mergerService)(nil)

// candidate is one source's offering for a field.
type candidate struct {
	source    string
	value     any
	timestamp time.Time
}

func (s *mergerService) Merge(ctx context.Context, entityType string, canonicalID uuid.UUID, records []*models.SourceRecord) (*models.MergedEntity, error) {
	rules, err := s.registry.Rules(entityType)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no records supplied for canonical id %s", canonicalID)
	}

	batchID := records[0].BatchID
	fields := mergedFields(rules.SCD)
	merged := make(map[string]any, len(fields))
	var conflicts []*models.ReconciliationLogEntry

	for _, field := range fields {
		candidates := collectCandidates(field, records)
		if len(candidates) == 0 {
			continue
		}

		value, rule := resolveField(field, candidates, rules)
		merged[field] = value

		if countDistinct(candidates) >= 2 {
			valuesBySource := make(map[string]any, len(candidates))
			for _, c := range candidates {
				valuesBySource[c.source] = c.value
			}
			conflicts = append(conflicts, &models.ReconciliationLogEntry{
				EntityType:     entityType,
				CanonicalID:    canonicalID,
				FieldName:      field,
				ValuesBySource: valuesBySource,
				ResolutionRule: rule,
				ResolvedValue:  value,
				BatchID:        batchID,
			})
		}
	}

	score, issues := s.scoreQuality(rules, merged)

	entity := &models.MergedEntity{
		EntityType:    entityType,
		CanonicalID:   canonicalID,
		Attributes:    merged,
		QualityScore:  score,
		QualityIssues: issues,
		RecordHash:    ComputeRecordHash(entityType, rules.SCD.TrackedAttributes, merged),
		BatchID:       batchID,
	}

	if err := s.mergedRepo.Upsert(ctx, entity); err != nil {
		return nil, fmt.Errorf("failed to store merged entity: %w", err)
	}
	if len(conflicts) > 0 {
		if err := s.reconciliationRepo.CreateBatch(ctx, conflicts); err != nil {
			return nil, fmt.Errorf("failed to log merge conflicts: %w", err)
		}
	}

	s.logger.Debug("Merged entity",
		zap.String("entity_type", entityType),
		zap.String("canonical_id", canonicalID.String()),
		zap.Int("sources", len(records)),
		zap.Int("conflicts", len(conflicts)),
		zap.Int("quality_score", score))

	return entity, nil
}

// mergedFields lists every field the merger resolves: the tracked attributes
// plus any business key column not already among them. Business key columns
// must reach the merged record even when left out of hash scope, or the
// history manager could never key its versions.
func mergedFields(scd models.SCDConfig) []string {
	fields := make([]string, 0, len(scd.TrackedAttributes)+len(scd.BusinessKeyColumns))
	seen := make(map[string]bool, len(scd.TrackedAttributes))
	for _, f := range scd.TrackedAttributes {
		if !seen[f] {
			seen[f] = true
			fields = append(fields, f)
		}
	}
	for _, f := range scd.BusinessKeyColumns {
		if !seen[f] {
			seen[f] = true
			fields = append(fields, f)
		}
	}
	return fields
}

// collectCandidates gathers each source's non-null value for a field. When a
// source contributed several records, its freshest record wins within the
// source. Candidates come back sorted by source name so downstream ties
// break the same way every run.
func collectCandidates(field string, records []*models.SourceRecord) []candidate {
	bySource := make(map[string]candidate)
	for _, rec := range records {
		v, ok := rec.Attributes[field]
		if !ok || v == nil || v == "" {
			continue
		}
		prev, seen := bySource[rec.SourceSystem]
		if !seen || rec.SourceTimestamp.After(prev.timestamp) {
			bySource[rec.SourceSystem] = candidate{
				source:    rec.SourceSystem,
				value:     v,
				timestamp: rec.SourceTimestamp,
			}
		}
	}

	candidates := make([]candidate, 0, len(bySource))
	for _, c := range bySource {
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].source < candidates[j].source })
	return candidates
}

// resolveField picks the winning value for a field under its declared
// strategy and names the resolution rule applied.
func resolveField(field string, candidates []candidate, rules *models.EntityTypeRules) (any, string) {
	sor, declared := findRule(field, rules.SourceOfRecord)

	if declared && sor.PreferLatest {
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.timestamp.After(best.timestamp) {
				best = c
			}
		}
		return best.value, models.ResolutionMostRecent
	}

	order := rules.SourceSystems
	ruleName := models.ResolutionDefaultPrecedence
	if declared {
		order = sor.SourceOrder
		ruleName = models.ResolutionSourcePrecedence
	}

	for _, src := range order {
		for _, c := range candidates {
			if c.source == src {
				return c.value, ruleName
			}
		}
	}
	// No candidate source appears in the declared order; the sorted
	// candidate list makes this fallback deterministic.
	return candidates[0].value, ruleName
}

func findRule(field string, rules []models.SystemOfRecordRule) (*models.SystemOfRecordRule, bool) {
	for i := range rules {
		for _, f := range rules[i].Fields {
			if f == field {
				return &rules[i], true
			}
		}
	}
	return nil, false
}

func countDistinct(candidates []candidate) int {
	distinct := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		distinct[canonicalValue(c.value)] = true
	}
	return len(distinct)
}

// scoreQuality computes the normalized weighted sum of present-and-valid
// fields and lists every field that failed its check.
func (s *mergerService) scoreQuality(rules *models.EntityTypeRules, merged map[string]any) (int, []string) {
	if rules.Scoring.MaxScore == 0 || len(rules.Scoring.Fields) == 0 {
		return 0, nil
	}

	earned := 0
	var issues []string
	for _, fw := range rules.Scoring.Fields {
		if fieldValid(merged[fw.Field], fw.Pattern) {
			earned += fw.Weight
		} else {
			issues = append(issues, fw.Field)
		}
	}
	sort.Strings(issues)

	score := earned * 100 / rules.Scoring.MaxScore
	if score > 100 {
		score = 100
	}
	return score, issues
}

func fieldValid(value any, pattern string) bool {
	if value == nil {
		return false
	}
	rendered := strings.TrimSpace(canonicalValue(value))
	if rendered == "" {
		return false
	}
	if pattern == "" {
		return true
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		// Validation rejects bad patterns at load time; an unloadable
		// pattern here means the field cannot be checked.
		return false
	}
	return re.MatchString(rendered)
}
