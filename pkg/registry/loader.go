package registry

import (
	"fmt"
	"os"
	"sort"

	"github.com/jinzhu/inflection"
	"gopkg.in/yaml.v3"

	"github.com/meridian-data/meridian-engine/pkg/models"
)

// rulesFile is the on-disk shape of the rules document.
type rulesFile struct {
	EntityTypes map[string]*models.EntityTypeRules `yaml:"entity_types"`
}

// Load reads and parses the rules file and returns a validated Registry.
// A parse failure is fatal for the whole file; validation failures are
// per entity type and reported through Validate.
func Load(path string) (Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	if len(file.EntityTypes) == 0 {
		return nil, fmt.Errorf("rules file %s declares no entity types", path)
	}

	return New(file.EntityTypes), nil
}

// applyDefaults fills derivable fields so the rules file can stay terse.
// The dimension table defaults to dim_<plural entity type> and match rules
// are kept sorted by priority so evaluation order is stable.
func applyDefaults(etr *models.EntityTypeRules) {
	if etr.SCD.DimensionTable == "" {
		etr.SCD.DimensionTable = "dim_" + inflection.Plural(etr.EntityType)
	}
	sort.SliceStable(etr.MatchRules, func(i, j int) bool {
		return etr.MatchRules[i].Priority < etr.MatchRules[j].Priority
	})
}
