package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridian-data/meridian-engine/pkg/models"
	"github.com/meridian-data/meridian-engine/pkg/registry"
	"github.com/meridian-data/meridian-engine/pkg/retry"
)

// RunReport summarizes one entity type's trip through the pipeline.
type RunReport struct {
	EntityType   string               `json:"entity_type"`
	BatchID      string               `json:"batch_id"`
	Resolved     int                  `json:"resolved"`
	Merged       int                  `json:"merged"`
	Apply        *models.ApplyResult  `json:"apply,omitempty"`
	ConfigErrors []models.ConfigError `json:"config_errors,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// Failed reports whether the entity type's run was blocked or broke.
func (r *RunReport) Failed() bool {
	return r.Error != "" || len(r.ConfigErrors) > 0
}

// Pipeline runs Resolver, Merger, and History Manager in order for each
// batch. Entity types own disjoint canonical-identifier space and disjoint
// dimension rows, so distinct entity types run concurrently on a worker
// pool; the three stages for one entity type never reorder.
type Pipeline struct {
	registry registry.Registry
	resolver ResolverService
	merger   MergerService
	history  HistoryService
	retryCfg *retry.Config
	workers  int
	logger   *zap.Logger
}

// NewPipeline creates a Pipeline with the given worker count. Worker counts
// below one run everything on a single worker.
func NewPipeline(
	reg registry.Registry,
	resolver ResolverService,
	merger MergerService,
	history HistoryService,
	workers int,
	logger *zap.Logger,
) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{
		registry: reg,
		resolver: resolver,
		merger:   merger,
		history:  history,
		retryCfg: retry.DefaultConfig(),
		workers:  workers,
		logger:   logger.Named("pipeline"),
	}
}

// Run processes one or more batches, each for a distinct entity type, and
// returns one report per batch in entity type order. batchTime stamps every
// version written during the run; it is supplied by the caller, never read
// from the system clock.
func (p *Pipeline) Run(ctx context.Context, batches []*models.Batch, batchTime time.Time) []*RunReport {
	jobs := make(chan *models.Batch)
	reports := make(chan *RunReport, len(batches))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range jobs {
				reports <- p.runBatch(ctx, batch, batchTime)
			}
		}()
	}

	for _, b := range batches {
		jobs <- b
	}
	close(jobs)
	wg.Wait()
	close(reports)

	collected := make([]*RunReport, 0, len(batches))
	for r := range reports {
		collected = append(collected, r)
	}
	sort.Slice(collected, func(i, j int) bool {
		return collected[i].EntityType < collected[j].EntityType
	})
	return collected
}

// runBatch carries one entity type's batch through all three stages.
func (p *Pipeline) runBatch(ctx context.Context, batch *models.Batch, batchTime time.Time) *RunReport {
	report := &RunReport{EntityType: batch.EntityType, BatchID: batch.BatchID}

	// Configuration errors are fatal for this entity type and must surface
	// before any write occurs.
	if errs := p.registry.ErrorsFor(batch.EntityType); len(errs) > 0 {
		report.ConfigErrors = errs
		p.logger.Error("Entity type blocked by configuration errors",
			zap.String("entity_type", batch.EntityType),
			zap.Int("errors", len(errs)))
		return report
	}

	var entries []*models.CrosswalkEntry
	err := retry.DoIfTransient(ctx, p.retryCfg, func() error {
		var rerr error
		entries, rerr = p.resolver.Resolve(ctx, batch.EntityType, batch.Records)
		return rerr
	})
	if err != nil {
		report.Error = fmt.Sprintf("resolve: %v", err)
		return report
	}
	report.Resolved = len(entries)

	grouped := groupByCanonical(entries, batch.Records)
	canonicalIDs := make([]uuid.UUID, 0, len(grouped))
	for id := range grouped {
		canonicalIDs = append(canonicalIDs, id)
	}
	sort.Slice(canonicalIDs, func(i, j int) bool {
		return canonicalIDs[i].String() < canonicalIDs[j].String()
	})

	merged := make([]*models.MergedEntity, 0, len(canonicalIDs))
	for _, id := range canonicalIDs {
		var entity *models.MergedEntity
		err := retry.DoIfTransient(ctx, p.retryCfg, func() error {
			var merr error
			entity, merr = p.merger.Merge(ctx, batch.EntityType, id, grouped[id])
			return merr
		})
		if err != nil {
			report.Error = fmt.Sprintf("merge %s: %v", id, err)
			return report
		}
		merged = append(merged, entity)
	}
	report.Merged = len(merged)

	var applyResult *models.ApplyResult
	err = retry.DoIfTransient(ctx, p.retryCfg, func() error {
		var aerr error
		applyResult, aerr = p.history.Apply(ctx, batch.EntityType, merged, batchTime)
		return aerr
	})
	report.Apply = applyResult
	if err != nil {
		report.Error = fmt.Sprintf("apply: %v", err)
		return report
	}

	return report
}

// groupByCanonical buckets the batch's source records by the canonical
// identifier the resolver assigned them. Records dropped as within-source
// duplicates have no crosswalk entry and are excluded here too.
func groupByCanonical(entries []*models.CrosswalkEntry, records []*models.SourceRecord) map[uuid.UUID][]*models.SourceRecord {
	canonical := make(map[string]uuid.UUID, len(entries))
	for _, e := range entries {
		canonical[e.SourceSystem+"\x00"+e.SourceRecordID] = e.CanonicalID
	}

	grouped := make(map[uuid.UUID][]*models.SourceRecord)
	for _, rec := range records {
		id, ok := canonical[rec.SourceSystem+"\x00"+rec.SourceRecordID]
		if !ok {
			continue
		}
		grouped[id] = append(grouped[id], rec)
	}
	return grouped
}
