package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-data/meridian-engine/pkg/apperrors"
	"github.com/meridian-data/meridian-engine/pkg/models"
	"github.com/meridian-data/meridian-engine/pkg/registry"
)

// In-memory fakes standing in for the PostgreSQL repositories.

type mockCrosswalkRepo struct {
	mu      sync.Mutex
	entries map[string]*models.CrosswalkEntry // entity|canonical|source
	keys    map[string]uuid.UUID              // entity|method|hash

	upsertEntryCalls int
	lookupErr        error
}

func newMockCrosswalkRepo() *mockCrosswalkRepo {
	return &mockCrosswalkRepo{
		entries: make(map[string]*models.CrosswalkEntry),
		keys:    make(map[string]uuid.UUID),
	}
}

func (m *mockCrosswalkRepo) UpsertEntries(ctx context.Context, entries []*models.CrosswalkEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertEntryCalls++
	for _, e := range entries {
		m.entries[e.EntityType+"|"+e.CanonicalID.String()+"|"+e.SourceSystem] = e
	}
	return nil
}

func (m *mockCrosswalkRepo) UpsertMatchKeys(ctx context.Context, keys []*models.MatchKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.keys[k.EntityType+"|"+k.Method+"|"+k.KeyHash] = k.CanonicalID
	}
	return nil
}

func (m *mockCrosswalkRepo) LookupCanonical(ctx context.Context, entityType, method, keyHash string) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return uuid.Nil, false, m.lookupErr
	}
	id, ok := m.keys[entityType+"|"+method+"|"+keyHash]
	return id, ok, nil
}

func (m *mockCrosswalkRepo) GetBySourceRecord(ctx context.Context, entityType, sourceSystem, sourceRecordID string) (*models.CrosswalkEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.EntityType == entityType && e.SourceSystem == sourceSystem && e.SourceRecordID == sourceRecordID {
			return e, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockCrosswalkRepo) ListByCanonicalID(ctx context.Context, entityType string, canonicalID uuid.UUID) ([]*models.CrosswalkEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CrosswalkEntry
	for _, e := range m.entries {
		if e.EntityType == entityType && e.CanonicalID == canonicalID {
			out = append(out, e)
		}
	}
	return out, nil
}

type mockReconciliationRepo struct {
	mu      sync.Mutex
	entries []*models.ReconciliationLogEntry
	seen    map[string]bool
}

func newMockReconciliationRepo() *mockReconciliationRepo {
	return &mockReconciliationRepo{seen: make(map[string]bool)}
}

func (m *mockReconciliationRepo) CreateBatch(ctx context.Context, entries []*models.ReconciliationLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		// Mirrors the replay guard on the real table: one row per
		// (batch, entity type, canonical, field, values).
		key := e.BatchID + "|" + e.EntityType + "|" + e.CanonicalID.String() +
			"|" + e.FieldName + "|" + fmt.Sprint(e.ValuesBySource)
		if m.seen[key] {
			continue
		}
		m.seen[key] = true
		m.entries = append(m.entries, e)
	}
	return nil
}

func (m *mockReconciliationRepo) ListByEntityType(ctx context.Context, entityType string, limit int) ([]*models.ReconciliationLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ReconciliationLogEntry
	for _, e := range m.entries {
		if e.EntityType == entityType {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockReconciliationRepo) ListByCanonicalID(ctx context.Context, entityType string, canonicalID uuid.UUID) ([]*models.ReconciliationLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ReconciliationLogEntry
	for _, e := range m.entries {
		if e.EntityType == entityType && e.CanonicalID == canonicalID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockReconciliationRepo) byField(field string) []*models.ReconciliationLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ReconciliationLogEntry
	for _, e := range m.entries {
		if e.FieldName == field {
			out = append(out, e)
		}
	}
	return out
}

type mockMergedRepo struct {
	mu       sync.Mutex
	entities map[string]*models.MergedEntity // entity|canonical
}

func newMockMergedRepo() *mockMergedRepo {
	return &mockMergedRepo{entities: make(map[string]*models.MergedEntity)}
}

func (m *mockMergedRepo) Upsert(ctx context.Context, entity *models.MergedEntity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[entity.EntityType+"|"+entity.CanonicalID.String()] = entity
	return nil
}

func (m *mockMergedRepo) GetByCanonicalID(ctx context.Context, entityType string, canonicalID uuid.UUID) (*models.MergedEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[entityType+"|"+canonicalID.String()]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return e, nil
}

func (m *mockMergedRepo) ListByEntityType(ctx context.Context, entityType string, limit int) ([]*models.MergedEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.MergedEntity
	for _, e := range m.entities {
		if e.EntityType == entityType {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QualityScore < out[j].QualityScore })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type mockDimensionRepo struct {
	mu       sync.Mutex
	versions []*models.DimensionVersion

	inserts    int
	supersedes int

	violations []models.IntegrityViolation
}

func newMockDimensionRepo() *mockDimensionRepo {
	return &mockDimensionRepo{}
}

func (m *mockDimensionRepo) GetCurrentByBusinessKey(ctx context.Context, entityType, businessKey string) (*models.DimensionVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions {
		if v.EntityType == entityType && v.BusinessKey == businessKey && v.IsCurrent {
			return v, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockDimensionRepo) InsertVersion(ctx context.Context, version *models.DimensionVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts++
	m.versions = append(m.versions, version)
	return nil
}

func (m *mockDimensionRepo) SupersedeAndInsert(ctx context.Context, current *models.DimensionVersion, replacement *models.DimensionVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.supersedes++
	for _, v := range m.versions {
		if v.SurrogateKey == current.SurrogateKey {
			v.IsCurrent = false
			end := replacement.EffectiveStart
			v.EffectiveEnd = &end
		}
	}
	m.versions = append(m.versions, replacement)
	return nil
}

func (m *mockDimensionRepo) ListVersions(ctx context.Context, entityType, businessKey string) ([]*models.DimensionVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.DimensionVersion
	for _, v := range m.versions {
		if v.EntityType == entityType && v.BusinessKey == businessKey {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EffectiveStart.Before(out[j].EffectiveStart) })
	return out, nil
}

func (m *mockDimensionRepo) FindIntegrityViolations(ctx context.Context, entityType string) ([]models.IntegrityViolation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.violations, nil
}

func (m *mockDimensionRepo) writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inserts + m.supersedes
}

// customerRegistry builds a registry with one valid customer entity type used
// across the service tests.
func customerRegistry() registry.Registry {
	return registry.New(map[string]*models.EntityTypeRules{
		"customer": {
			SourceSystems: []string{"system_a", "system_b"},
			SCD: models.SCDConfig{
				BusinessKeyColumns: []string{"customer_number"},
				TrackedAttributes:  []string{"customer_number", "name", "email", "credit_rating"},
			},
			MatchRules: []models.MatchRule{
				{Priority: 1, KeyColumns: []string{"ssn"}, Confidence: 100, Method: "exact_ssn"},
				{Priority: 2, KeyColumns: []string{"email", "birth_date"}, Confidence: 90, Method: "email_birthdate"},
			},
			SourceOfRecord: []models.SystemOfRecordRule{
				{Fields: []string{"credit_rating"}, SourceOrder: []string{"system_a", "system_b"}},
				{Fields: []string{"email"}, SourceOrder: []string{"system_b", "system_a"}},
				{Fields: []string{"name"}, PreferLatest: true},
			},
			Scoring: models.ScoringWeights{
				MaxScore: 100,
				Fields: []models.FieldWeight{
					{Field: "email", Weight: 40, Pattern: `^[^@\s]+@[^@\s]+$`},
					{Field: "credit_rating", Weight: 30},
					{Field: "name", Weight: 30},
				},
			},
		},
	})
}

func record(source, id string, ts time.Time, naturalKeys map[string]string, attrs map[string]any) *models.SourceRecord {
	return &models.SourceRecord{
		SourceSystem:    source,
		SourceRecordID:  id,
		BatchID:         "batch-1",
		NaturalKeys:     naturalKeys,
		Attributes:      attrs,
		SourceTimestamp: ts,
	}
}
