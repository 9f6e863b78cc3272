package models

import "fmt"

// SCDConfig describes how an entity type's history is versioned: which
// columns form the business key, which attributes are in hash scope, and the
// dimension table the versions land in.
type SCDConfig struct {
	DimensionTable     string   `yaml:"dimension_table" json:"dimension_table"`
	BusinessKeyColumns []string `yaml:"business_key_columns" json:"business_key_columns"`
	TrackedAttributes  []string `yaml:"tracked_attributes" json:"tracked_attributes"`
}

// MatchRule is one entry in an entity type's ordered match-key list. Rules
// are tried lowest priority number first; the first rule whose key columns
// are all present and whose key matches an existing canonical identifier
// wins and records its confidence.
type MatchRule struct {
	Priority   int      `yaml:"priority" json:"priority"`
	KeyColumns []string `yaml:"key_columns" json:"key_columns"`
	Confidence int      `yaml:"confidence" json:"confidence"`
	Method     string   `yaml:"method" json:"method"`
}

// SystemOfRecordRule declares the authoritative source order for a group of
// fields. When PreferLatest is set the non-null value with the newest source
// timestamp wins instead; exactly one strategy governs each field.
type SystemOfRecordRule struct {
	Fields       []string `yaml:"fields" json:"fields"`
	SourceOrder  []string `yaml:"source_order" json:"source_order"`
	PreferLatest bool     `yaml:"prefer_latest" json:"prefer_latest"`
}

// FieldWeight is one term of the quality score: the field contributes Weight
// points when present and valid. Pattern, when set, is a regular expression
// the value must match to count as valid.
type FieldWeight struct {
	Field   string `yaml:"field" json:"field"`
	Weight  int    `yaml:"weight" json:"weight"`
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
}

// ScoringWeights defines the quality score for an entity type. The weighted
// sum of present-and-valid fields is normalized against MaxScore to 0-100.
type ScoringWeights struct {
	MaxScore int           `yaml:"max_score" json:"max_score"`
	Fields   []FieldWeight `yaml:"fields" json:"fields"`
}

// EntityTypeRules bundles all declarative configuration for one entity type.
type EntityTypeRules struct {
	EntityType     string               `yaml:"-" json:"entity_type"`
	SourceSystems  []string             `yaml:"source_systems" json:"source_systems"`
	SCD            SCDConfig            `yaml:"scd" json:"scd"`
	MatchRules     []MatchRule          `yaml:"match_rules" json:"match_rules"`
	SourceOfRecord []SystemOfRecordRule `yaml:"source_of_record" json:"source_of_record"`
	Scoring        ScoringWeights       `yaml:"scoring" json:"scoring"`
}

// ConfigError is one validation failure in the rule metadata. Any config
// error is fatal for its entity type and blocks all processing for it; other
// entity types are unaffected.
type ConfigError struct {
	EntityType string `json:"entity_type"`
	Field      string `json:"field"`
	Message    string `json:"message"`
}

// Error implements the error interface.
func (e ConfigError) Error() string {
	return fmt.Sprintf("entity type %q: %s: %s", e.EntityType, e.Field, e.Message)
}
