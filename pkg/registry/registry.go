// Package registry loads and validates the declarative rule metadata that
// drives the engine: SCD configuration, match rules, source-of-record
// precedence, and scoring weights per entity type. The registry is read-only
// once loaded; no component mutates it mid-batch.
package registry

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/meridian-data/meridian-engine/pkg/apperrors"
	"github.com/meridian-data/meridian-engine/pkg/models"
)

// Registry provides validated rule metadata per entity type.
type Registry interface {
	// EntityTypes returns all configured entity type names, sorted.
	EntityTypes() []string

	// Rules returns the rules for an entity type. Returns
	// apperrors.ErrEntityTypeNotConfigured for unknown types and
	// apperrors.ErrEntityTypeBlocked when the type failed validation.
	Rules(entityType string) (*models.EntityTypeRules, error)

	// Validate returns every configuration error found across all entity
	// types. An entity type with any error is blocked from processing;
	// other entity types are unaffected.
	Validate() []models.ConfigError

	// ErrorsFor returns the configuration errors for one entity type.
	ErrorsFor(entityType string) []models.ConfigError
}

type registry struct {
	rules  map[string]*models.EntityTypeRules
	errors map[string][]models.ConfigError
}

// New builds a Registry from already-parsed rules and validates every entity
// type up front.
func New(rules map[string]*models.EntityTypeRules) Registry {
	r := &registry{
		rules:  rules,
		errors: make(map[string][]models.ConfigError),
	}
	for name, etr := range rules {
		etr.EntityType = name
		applyDefaults(etr)
		if errs := validateEntityType(etr); len(errs) > 0 {
			r.errors[name] = errs
		}
	}
	return r
}

var _ Registry = (*registry)(nil)

func (r *registry) EntityTypes() []string {
	names := make([]string, 0, len(r.rules))
	for name := range r.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *registry) Rules(entityType string) (*models.EntityTypeRules, error) {
	etr, ok := r.rules[entityType]
	if !ok {
		return nil, fmt.Errorf("%q: %w", entityType, apperrors.ErrEntityTypeNotConfigured)
	}
	if len(r.errors[entityType]) > 0 {
		return nil, fmt.Errorf("%q: %w", entityType, apperrors.ErrEntityTypeBlocked)
	}
	return etr, nil
}

func (r *registry) Validate() []models.ConfigError {
	var all []models.ConfigError
	for _, name := range r.EntityTypes() {
		all = append(all, r.errors[name]...)
	}
	return all
}

func (r *registry) ErrorsFor(entityType string) []models.ConfigError {
	return r.errors[entityType]
}

// validateEntityType checks one entity type's rules for the failure modes
// that must block processing: an empty business key, precedence referencing
// an unknown source system, scoring weights summing above the declared
// maximum, duplicate match rule priorities, and a field governed by more
// than one merge strategy.
func validateEntityType(etr *models.EntityTypeRules) []models.ConfigError {
	var errs []models.ConfigError
	add := func(field, format string, args ...any) {
		errs = append(errs, models.ConfigError{
			EntityType: etr.EntityType,
			Field:      field,
			Message:    fmt.Sprintf(format, args...),
		})
	}

	if len(etr.SCD.BusinessKeyColumns) == 0 {
		add("scd.business_key_columns", "business key column list is empty")
	}
	if len(etr.SCD.TrackedAttributes) == 0 {
		add("scd.tracked_attributes", "tracked attribute list is empty")
	}

	knownSources := make(map[string]bool, len(etr.SourceSystems))
	for _, s := range etr.SourceSystems {
		knownSources[s] = true
	}

	seenPriorities := make(map[int]string)
	for _, mr := range etr.MatchRules {
		if prev, dup := seenPriorities[mr.Priority]; dup {
			add("match_rules", "duplicate priority %d (methods %q and %q)", mr.Priority, prev, mr.Method)
		}
		seenPriorities[mr.Priority] = mr.Method
		if len(mr.KeyColumns) == 0 {
			add("match_rules", "rule %q has no key columns", mr.Method)
		}
		if mr.Confidence < 0 || mr.Confidence > 100 {
			add("match_rules", "rule %q confidence %d outside 0-100", mr.Method, mr.Confidence)
		}
		if mr.Method == "" {
			add("match_rules", "rule with priority %d has no method name", mr.Priority)
		}
	}

	// Exactly one declared merge strategy per field.
	fieldStrategy := make(map[string]string)
	for i, sor := range etr.SourceOfRecord {
		ruleName := fmt.Sprintf("source_of_record[%d]", i)
		for _, src := range sor.SourceOrder {
			if !knownSources[src] {
				add(ruleName, "precedence references unknown source system %q", src)
			}
		}
		if !sor.PreferLatest && len(sor.SourceOrder) == 0 {
			add(ruleName, "rule declares neither a source order nor prefer_latest")
		}
		for _, f := range sor.Fields {
			if prev, dup := fieldStrategy[f]; dup {
				add(ruleName, "field %q already governed by %s", f, prev)
				continue
			}
			fieldStrategy[f] = ruleName
		}
	}

	if etr.Scoring.MaxScore > 0 {
		sum := 0
		for _, fw := range etr.Scoring.Fields {
			if fw.Weight < 0 {
				add("scoring.fields", "field %q has negative weight %d", fw.Field, fw.Weight)
			}
			sum += fw.Weight
			if fw.Pattern != "" {
				if _, err := regexp.Compile(fw.Pattern); err != nil {
					add("scoring.fields", "field %q pattern does not compile: %v", fw.Field, err)
				}
			}
		}
		if sum > etr.Scoring.MaxScore {
			add("scoring", "weights sum to %d, above declared maximum %d", sum, etr.Scoring.MaxScore)
		}
	} else if len(etr.Scoring.Fields) > 0 {
		add("scoring.max_score", "scoring fields declared but max_score is not set")
	}

	return errs
}
