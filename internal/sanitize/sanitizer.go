// Package sanitize classifies inbound text for injection, jailbreak,
// exfiltration and code-injection risk. The classifier is stateless and
// side-effect-free: identical input always yields an identical verdict,
// which keeps it independently testable and audit replay deterministic.
package sanitize

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"dexd/internal/domain"
)

// Context describes where the text came from. It selects nothing today
// beyond logging detail, but keeps the classify signature stable for
// context-sensitive detectors.
type Context struct {
	Channel domain.Channel
	Kind    string // message | command
}

type detector struct {
	re          *regexp.Regexp
	category    string
	description string
	severity    domain.RiskLevel
	confidence  float64
}

// Sanitizer runs the fixed pattern battery.
type Sanitizer struct {
	detectors []detector
}

// New builds a sanitizer over the built-in battery plus any extra rules,
// restricted to the enabled categories (nil or empty enables all four).
func New(enabledCategories []string, extra []Rule) (*Sanitizer, error) {
	enabled := make(map[string]bool, len(AllCategories))
	if len(enabledCategories) == 0 {
		enabledCategories = AllCategories
	}
	for _, c := range enabledCategories {
		enabled[c] = true
	}

	rules := append(builtinRules(), extra...)
	detectors := make([]detector, 0, len(rules))
	for _, r := range rules {
		if !enabled[r.Category] {
			continue
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", r.Pattern, err)
		}
		conf := r.Confidence
		if conf <= 0 || conf > 1 {
			conf = 0.5
		}
		detectors = append(detectors, detector{
			re:          re,
			category:    r.Category,
			description: r.Description,
			severity:    r.Severity,
			confidence:  conf,
		})
	}

	return &Sanitizer{detectors: detectors}, nil
}

// Classify scores the text. Overall risk is the maximum severity across
// matches; safe is false iff risk >= medium; the recommendation follows
// deterministically from the risk level.
func (s *Sanitizer) Classify(text string, _ Context) domain.SecurityVerdict {
	var matches []domain.PatternMatch
	risk := domain.RiskNone
	confidence := 0.0

	for _, d := range s.detectors {
		loc := d.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		matches = append(matches, domain.PatternMatch{
			Category:    d.category,
			Description: d.description,
			Snippet:     snippet(text, loc[0], loc[1]),
			Confidence:  d.confidence,
		})
		if d.severity > risk {
			risk = d.severity
		}
		if d.confidence > confidence {
			confidence = d.confidence
		}
	}

	if len(matches) == 0 {
		confidence = 1.0 // confident the input is clean
	}

	return domain.SecurityVerdict{
		Safe:           risk < domain.RiskMedium,
		Confidence:     confidence,
		RiskLevel:      risk,
		Patterns:       matches,
		Recommendation: Recommend(risk),
	}
}

// Recommend maps a risk level to its fixed action.
func Recommend(risk domain.RiskLevel) domain.Recommendation {
	switch risk {
	case domain.RiskNone, domain.RiskLow:
		return domain.RecommendAllow
	case domain.RiskMedium:
		return domain.RecommendSanitize
	case domain.RiskHigh:
		return domain.RecommendBlock
	default:
		return domain.RecommendEscalate
	}
}

// snippet returns the matched region with a little surrounding context,
// capped so verdicts never embed full message bodies.
func snippet(text string, start, end int) string {
	const margin = 12
	const maxLen = 80

	s := start - margin
	if s < 0 {
		s = 0
	}
	e := end + margin
	if e > len(text) {
		e = len(text)
	}
	// Margin and cap count bytes; never cut through a multi-byte rune.
	for s > 0 && !utf8.RuneStart(text[s]) {
		s--
	}
	for e < len(text) && !utf8.RuneStart(text[e]) {
		e++
	}
	out := text[s:e]
	if len(out) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	return out
}
