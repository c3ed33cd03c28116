package sanitize

import (
	"fmt"
	"os"

	"dexd/internal/domain"

	"gopkg.in/yaml.v3"
)

// rulePack is the on-disk shape of an extra pattern file.
type rulePack struct {
	Patterns []Rule `yaml:"patterns"`
}

// LoadRules reads extra detector rules from a YAML pack. Deployments use
// this to extend the built-in battery without rebuilding.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read rule pack %s: %w", path, err)
	}

	var pack rulePack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("cannot parse rule pack %s: %w", path, err)
	}

	for i := range pack.Patterns {
		r := &pack.Patterns[i]
		if !validCategory(r.Category) {
			return nil, fmt.Errorf("rule pack %s: pattern %d has unknown category %q", path, i, r.Category)
		}
		sev, err := parseSeverity(r.SeverityRaw)
		if err != nil {
			return nil, fmt.Errorf("rule pack %s: pattern %d: %w", path, i, err)
		}
		r.Severity = sev
	}

	return pack.Patterns, nil
}

func validCategory(c string) bool {
	for _, known := range AllCategories {
		if c == known {
			return true
		}
	}
	return false
}

func parseSeverity(s string) (domain.RiskLevel, error) {
	switch s {
	case "low":
		return domain.RiskLow, nil
	case "medium":
		return domain.RiskMedium, nil
	case "high":
		return domain.RiskHigh, nil
	case "critical":
		return domain.RiskCritical, nil
	default:
		return domain.RiskNone, fmt.Errorf("unknown severity %q", s)
	}
}
