// Package services implements the engine's three processing stages
// (resolve, merge, apply) and the batch pipeline that runs them in order.
package services

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridian-data/meridian-engine/pkg/models"
	"github.com/meridian-data/meridian-engine/pkg/registry"
	"github.com/meridian-data/meridian-engine/pkg/repositories"
)

// ResolverService assigns canonical identifiers to the source records of a
// batch by evaluating the entity type's match rules in priority order.
type ResolverService interface {
	// Resolve produces one crosswalk entry per surviving source record.
	// It is idempotent: re-running on the same batch with no crosswalk
	// mutation in between yields an identical result set.
	Resolve(ctx context.Context, entityType string, batch []*models.SourceRecord) ([]*models.CrosswalkEntry, error)
}

type resolverService struct {
	registry           registry.Registry
	crosswalkRepo      repositories.CrosswalkRepository
	reconciliationRepo repositories.ReconciliationRepository
	logger             *zap.Logger
}

// NewResolverService creates a new ResolverService.
func NewResolverService(
	reg registry.Registry,
	crosswalkRepo repositories.CrosswalkRepository,
	reconciliationRepo repositories.ReconciliationRepository,
	logger *zap.Logger,
) ResolverService {
	return &resolverService{
		registry:           reg,
		crosswalkRepo:      crosswalkRepo,
		reconciliationRepo: reconciliationRepo,
		logger:             logger.Named("resolver"),
	}
}

var _ ResolverService = (*resolverService)(nil)

func (s *resolverService) Resolve(ctx context.Context, entityType string, batch []*models.SourceRecord) ([]*models.CrosswalkEntry, error) {
	rules, err := s.registry.Rules(entityType)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, nil
	}

	// Deterministic processing order: minting decisions must not depend on
	// delivery order.
	records := make([]*models.SourceRecord, len(batch))
	copy(records, batch)
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.SourceTimestamp.Equal(b.SourceTimestamp) {
			return a.SourceTimestamp.Before(b.SourceTimestamp)
		}
		if a.SourceSystem != b.SourceSystem {
			return a.SourceSystem < b.SourceSystem
		}
		return a.SourceRecordID < b.SourceRecordID
	})

	records, duplicates := splitDuplicatesWithinSource(entityType, records)

	// batchIndex lets later records in the same batch match a canonical
	// identifier assigned earlier in the same run.
	batchIndex := make(map[string]uuid.UUID)

	var entries []*models.CrosswalkEntry
	var keys []*models.MatchKey
	canonicalByRecord := make(map[*models.SourceRecord]uuid.UUID, len(records))
	// claimed holds the record owning each (canonical, source) pair. A later
	// same-source record resolving to an already-claimed canonical is a
	// duplicate too, even when its natural key map differs elsewhere; one
	// source contributes at most one crosswalk entry per canonical identifier.
	claimed := make(map[string]*models.SourceRecord, len(records))

	for _, rec := range records {
		canonicalID, confidence, method, err := s.matchRecord(ctx, rules, rec, batchIndex)
		if err != nil {
			return nil, err
		}
		if canonicalID != uuid.Nil {
			if winner, dup := claimed[canonicalID.String()+"\x00"+rec.SourceSystem]; dup {
				duplicates = append(duplicates, duplicateRecord{winner: winner, loser: rec})
				continue
			}
		}
		if canonicalID == uuid.Nil {
			canonicalID = uuid.New()
			confidence = models.NewEntityConfidence
			method = models.MatchMethodNewEntity
		}
		claimed[canonicalID.String()+"\x00"+rec.SourceSystem] = rec
		canonicalByRecord[rec] = canonicalID

		// Index every computable rule key for this record so future batches
		// (and later records in this one) can match on any rule.
		for _, mr := range rules.MatchRules {
			if !hasAllKeys(rec, mr.KeyColumns) {
				continue
			}
			hash := ComputeMatchKeyHash(entityType, mr.Method, mr.KeyColumns, rec.NaturalKeys)
			batchIndex[hash] = canonicalID
			keys = append(keys, &models.MatchKey{
				EntityType:  entityType,
				Method:      mr.Method,
				KeyHash:     hash,
				CanonicalID: canonicalID,
			})
		}

		entries = append(entries, &models.CrosswalkEntry{
			EntityType:      entityType,
			CanonicalID:     canonicalID,
			SourceSystem:    rec.SourceSystem,
			SourceRecordID:  rec.SourceRecordID,
			MatchConfidence: confidence,
			MatchMethod:     method,
			BatchID:         rec.BatchID,
		})
	}

	if err := s.crosswalkRepo.UpsertEntries(ctx, entries); err != nil {
		return nil, fmt.Errorf("failed to upsert crosswalk entries: %w", err)
	}
	if err := s.crosswalkRepo.UpsertMatchKeys(ctx, keys); err != nil {
		return nil, fmt.Errorf("failed to upsert match keys: %w", err)
	}

	if err := s.logDuplicates(ctx, entityType, duplicates, canonicalByRecord); err != nil {
		return nil, err
	}

	s.logger.Info("Resolved batch",
		zap.String("entity_type", entityType),
		zap.Int("records", len(batch)),
		zap.Int("resolved", len(entries)),
		zap.Int("duplicates", len(duplicates)))

	return entries, nil
}

// matchRecord evaluates match rules in priority order and returns the first
// canonical identifier whose key matches, from this batch or prior crosswalk
// state. Returns uuid.Nil when no rule matches.
func (s *resolverService) matchRecord(
	ctx context.Context,
	rules *models.EntityTypeRules,
	rec *models.SourceRecord,
	batchIndex map[string]uuid.UUID,
) (uuid.UUID, int, string, error) {
	for _, mr := range rules.MatchRules {
		if !hasAllKeys(rec, mr.KeyColumns) {
			continue
		}
		hash := ComputeMatchKeyHash(rules.EntityType, mr.Method, mr.KeyColumns, rec.NaturalKeys)

		if id, ok := batchIndex[hash]; ok {
			return id, mr.Confidence, mr.Method, nil
		}
		id, found, err := s.crosswalkRepo.LookupCanonical(ctx, rules.EntityType, mr.Method, hash)
		if err != nil {
			return uuid.Nil, 0, "", fmt.Errorf("failed to look up match key for rule %q: %w", mr.Method, err)
		}
		if found {
			return id, mr.Confidence, mr.Method, nil
		}
	}
	return uuid.Nil, 0, "", nil
}

// duplicateRecord pairs a discarded record with the record that won its
// natural key.
type duplicateRecord struct {
	winner *models.SourceRecord
	loser  *models.SourceRecord
}

// splitDuplicatesWithinSource drops later records that claim a natural key
// already seen from the same source in this batch. Records arrive sorted by
// source timestamp, so the kept record is always the earliest. Nothing is
// discarded silently; every loser is returned for logging.
func splitDuplicatesWithinSource(entityType string, records []*models.SourceRecord) ([]*models.SourceRecord, []duplicateRecord) {
	seen := make(map[string]*models.SourceRecord)
	var kept []*models.SourceRecord
	var duplicates []duplicateRecord

	for _, rec := range records {
		key := rec.SourceSystem + "\x00" + naturalKeyFingerprint(entityType, rec)
		if winner, dup := seen[key]; dup {
			duplicates = append(duplicates, duplicateRecord{winner: winner, loser: rec})
			continue
		}
		seen[key] = rec
		kept = append(kept, rec)
	}
	return kept, duplicates
}

// naturalKeyFingerprint renders a record's full natural key map canonically.
func naturalKeyFingerprint(entityType string, rec *models.SourceRecord) string {
	cols := make([]string, 0, len(rec.NaturalKeys))
	for c := range rec.NaturalKeys {
		cols = append(cols, c)
	}
	return ComputeMatchKeyHash(entityType, "natural_key", cols, rec.NaturalKeys)
}

func (s *resolverService) logDuplicates(ctx context.Context, entityType string, duplicates []duplicateRecord, canonicalByRecord map[*models.SourceRecord]uuid.UUID) error {
	if len(duplicates) == 0 {
		return nil
	}

	entries := make([]*models.ReconciliationLogEntry, 0, len(duplicates))
	for _, d := range duplicates {
		entries = append(entries, &models.ReconciliationLogEntry{
			EntityType:  entityType,
			CanonicalID: canonicalByRecord[d.winner],
			FieldName:   "source_record_id",
			ValuesBySource: map[string]any{
				d.winner.SourceSystem: map[string]any{
					"kept":      d.winner.SourceRecordID,
					"discarded": d.loser.SourceRecordID,
				},
			},
			ResolutionRule: models.ResolutionEarliestRecord,
			ResolvedValue:  d.winner.SourceRecordID,
			BatchID:        d.loser.BatchID,
		})
	}
	if err := s.reconciliationRepo.CreateBatch(ctx, entries); err != nil {
		return fmt.Errorf("failed to log duplicate records: %w", err)
	}
	return nil
}

func hasAllKeys(rec *models.SourceRecord, columns []string) bool {
	for _, c := range columns {
		if rec.NaturalKeys[c] == "" {
			return false
		}
	}
	return true
}
