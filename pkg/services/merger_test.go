package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridian-data/meridian-engine/pkg/models"
	"github.com/meridian-data/meridian-engine/pkg/registry"
)

func newTestMerger(merged *mockMergedRepo, reconciliation *mockReconciliationRepo) MergerService {
	return NewMergerService(customerRegistry(), merged, reconciliation, zap.NewNop())
}

func TestMerger_SourcePrecedence(t *testing.T) {
	mergedRepo := newMockMergedRepo()
	reconciliation := newMockReconciliationRepo()
	merger := newTestMerger(mergedRepo, reconciliation)

	canonicalID := uuid.New()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	// system_a is authoritative for credit_rating, system_b for email.
	entity, err := merger.Merge(context.Background(), "customer", canonicalID, []*models.SourceRecord{
		record("system_a", "a-1", base, nil, map[string]any{
			"customer_number": "C-100",
			"credit_rating":   70,
		}),
		record("system_b", "b-1", base, nil, map[string]any{
			"customer_number": "C-100",
			"credit_rating":   80,
			"email":           "x@y.com",
		}),
	})
	require.NoError(t, err)

	assert.Equal(t, 70, entity.Attributes["credit_rating"])
	assert.Equal(t, "x@y.com", entity.Attributes["email"])

	// Exactly one conflict: credit_rating disagreed, email had one candidate.
	conflicts := reconciliation.byField("credit_rating")
	require.Len(t, conflicts, 1)
	assert.Equal(t, models.ResolutionSourcePrecedence, conflicts[0].ResolutionRule)
	assert.Equal(t, 70, conflicts[0].ResolvedValue)
	assert.Equal(t, map[string]any{"system_a": 70, "system_b": 80}, conflicts[0].ValuesBySource)
	assert.Empty(t, reconciliation.byField("email"))
}

func TestMerger_PrecedenceSkipsNullValues(t *testing.T) {
	merger := newTestMerger(newMockMergedRepo(), newMockReconciliationRepo())

	// The authoritative source has no value; the next one in order wins.
	entity, err := merger.Merge(context.Background(), "customer", uuid.New(), []*models.SourceRecord{
		record("system_a", "a-1", time.Now(), nil, map[string]any{
			"customer_number": "C-100",
		}),
		record("system_b", "b-1", time.Now(), nil, map[string]any{
			"customer_number": "C-100",
			"credit_rating":   80,
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, 80, entity.Attributes["credit_rating"])
}

func TestMerger_PreferLatest(t *testing.T) {
	reconciliation := newMockReconciliationRepo()
	merger := newTestMerger(newMockMergedRepo(), reconciliation)

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	entity, err := merger.Merge(context.Background(), "customer", uuid.New(), []*models.SourceRecord{
		record("system_a", "a-1", base.Add(time.Hour), nil, map[string]any{
			"customer_number": "C-100",
			"name":            "Alice Updated",
		}),
		record("system_b", "b-1", base, nil, map[string]any{
			"customer_number": "C-100",
			"name":            "Alice",
		}),
	})
	require.NoError(t, err)

	assert.Equal(t, "Alice Updated", entity.Attributes["name"])

	conflicts := reconciliation.byField("name")
	require.Len(t, conflicts, 1)
	assert.Equal(t, models.ResolutionMostRecent, conflicts[0].ResolutionRule)
}

func TestMerger_DefaultPrecedenceForUndeclaredField(t *testing.T) {
	reconciliation := newMockReconciliationRepo()
	merger := newTestMerger(newMockMergedRepo(), reconciliation)

	// customer_number has no source_of_record rule; the entity type's
	// source_systems order applies.
	entity, err := merger.Merge(context.Background(), "customer", uuid.New(), []*models.SourceRecord{
		record("system_b", "b-1", time.Now(), nil, map[string]any{"customer_number": "B-100"}),
		record("system_a", "a-1", time.Now(), nil, map[string]any{"customer_number": "A-100"}),
	})
	require.NoError(t, err)

	assert.Equal(t, "A-100", entity.Attributes["customer_number"])

	conflicts := reconciliation.byField("customer_number")
	require.Len(t, conflicts, 1)
	assert.Equal(t, models.ResolutionDefaultPrecedence, conflicts[0].ResolutionRule)
}

func TestMerger_AgreementLogsNothing(t *testing.T) {
	reconciliation := newMockReconciliationRepo()
	merger := newTestMerger(newMockMergedRepo(), reconciliation)

	_, err := merger.Merge(context.Background(), "customer", uuid.New(), []*models.SourceRecord{
		record("system_a", "a-1", time.Now(), nil, map[string]any{"customer_number": "C-100", "name": "Alice"}),
		record("system_b", "b-1", time.Now(), nil, map[string]any{"customer_number": "C-100", "name": "Alice"}),
	})
	require.NoError(t, err)
	assert.Empty(t, reconciliation.entries)
}

func TestMerger_FreshestRecordWinsWithinSource(t *testing.T) {
	merger := newTestMerger(newMockMergedRepo(), newMockReconciliationRepo())

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	entity, err := merger.Merge(context.Background(), "customer", uuid.New(), []*models.SourceRecord{
		record("system_a", "a-old", base, nil, map[string]any{
			"customer_number": "C-100",
			"credit_rating":   60,
		}),
		record("system_a", "a-new", base.Add(time.Hour), nil, map[string]any{
			"customer_number": "C-100",
			"credit_rating":   75,
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, 75, entity.Attributes["credit_rating"])
}

func TestMerger_OrderIndependent(t *testing.T) {
	canonicalID := uuid.New()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	records := []*models.SourceRecord{
		record("system_a", "a-1", base, nil, map[string]any{
			"customer_number": "C-100",
			"credit_rating":   70,
			"name":            "Alice",
		}),
		record("system_b", "b-1", base.Add(time.Hour), nil, map[string]any{
			"customer_number": "C-100",
			"credit_rating":   80,
			"email":           "x@y.com",
			"name":            "Alice B",
		}),
	}
	reversed := []*models.SourceRecord{records[1], records[0]}

	m1 := newTestMerger(newMockMergedRepo(), newMockReconciliationRepo())
	e1, err := m1.Merge(context.Background(), "customer", canonicalID, records)
	require.NoError(t, err)

	m2 := newTestMerger(newMockMergedRepo(), newMockReconciliationRepo())
	e2, err := m2.Merge(context.Background(), "customer", canonicalID, reversed)
	require.NoError(t, err)

	assert.Equal(t, e1.Attributes, e2.Attributes)
	assert.Equal(t, e1.RecordHash, e2.RecordHash)
	assert.Equal(t, e1.QualityScore, e2.QualityScore)
}

func TestMerger_QualityScore(t *testing.T) {
	merger := newTestMerger(newMockMergedRepo(), newMockReconciliationRepo())

	// email (40) present and valid, credit_rating (30) present, name (30)
	// missing: 70 of 100.
	entity, err := merger.Merge(context.Background(), "customer", uuid.New(), []*models.SourceRecord{
		record("system_a", "a-1", time.Now(), nil, map[string]any{
			"customer_number": "C-100",
			"email":           "a@b.c",
			"credit_rating":   70,
		}),
	})
	require.NoError(t, err)

	assert.Equal(t, 70, entity.QualityScore)
	assert.Equal(t, []string{"name"}, entity.QualityIssues)
}

func TestMerger_QualityScorePatternFailure(t *testing.T) {
	merger := newTestMerger(newMockMergedRepo(), newMockReconciliationRepo())

	entity, err := merger.Merge(context.Background(), "customer", uuid.New(), []*models.SourceRecord{
		record("system_a", "a-1", time.Now(), nil, map[string]any{
			"customer_number": "C-100",
			"email":           "not-an-email",
			"credit_rating":   70,
			"name":            "Alice",
		}),
	})
	require.NoError(t, err)

	// A present value that fails its pattern earns nothing and is reported.
	assert.Equal(t, 60, entity.QualityScore)
	assert.Equal(t, []string{"email"}, entity.QualityIssues)
}

func TestMerger_UpsertsSnapshot(t *testing.T) {
	mergedRepo := newMockMergedRepo()
	merger := newTestMerger(mergedRepo, newMockReconciliationRepo())

	canonicalID := uuid.New()
	_, err := merger.Merge(context.Background(), "customer", canonicalID, []*models.SourceRecord{
		record("system_a", "a-1", time.Now(), nil, map[string]any{"customer_number": "C-100"}),
	})
	require.NoError(t, err)

	stored, err := mergedRepo.GetByCanonicalID(context.Background(), "customer", canonicalID)
	require.NoError(t, err)
	assert.Equal(t, "C-100", stored.Attributes["customer_number"])
	assert.NotEmpty(t, stored.RecordHash)
}

func TestMerger_BusinessKeyOutsideTrackedAttributes(t *testing.T) {
	// An operator may key the dimension on a column that never changes and
	// leave it out of tracked_attributes. The merged record must still carry
	// it, while the record hash stays scoped to the tracked attributes.
	reg := registry.New(map[string]*models.EntityTypeRules{
		"customer": {
			SourceSystems: []string{"system_a"},
			SCD: models.SCDConfig{
				BusinessKeyColumns: []string{"customer_number"},
				TrackedAttributes:  []string{"name", "credit_rating"},
			},
		},
	})
	merger := NewMergerService(reg, newMockMergedRepo(), newMockReconciliationRepo(), zap.NewNop())

	entity, err := merger.Merge(context.Background(), "customer", uuid.New(), []*models.SourceRecord{
		record("system_a", "a-1", time.Now(), nil, map[string]any{
			"customer_number": "C-100",
			"name":            "Alice",
		}),
	})
	require.NoError(t, err)

	assert.Equal(t, "C-100", entity.Attributes["customer_number"])

	trackedOnly := map[string]any{"name": "Alice"}
	assert.Equal(t,
		ComputeRecordHash("customer", []string{"name", "credit_rating"}, trackedOnly),
		entity.RecordHash)
}

func TestMerger_NoRecords(t *testing.T) {
	merger := newTestMerger(newMockMergedRepo(), newMockReconciliationRepo())

	_, err := merger.Merge(context.Background(), "customer", uuid.New(), nil)
	assert.Error(t, err)
}
