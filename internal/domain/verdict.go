package domain

// RiskLevel is the overall severity of a sanitizer verdict.
type RiskLevel int

const (
	RiskNone RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskNone:
		return "none"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Recommendation is the deterministic action derived from a risk level.
type Recommendation string

const (
	RecommendAllow    Recommendation = "allow"
	RecommendSanitize Recommendation = "sanitize"
	RecommendBlock    Recommendation = "block"
	RecommendEscalate Recommendation = "escalate"
)

// PatternMatch is one detector hit inside a verdict.
type PatternMatch struct {
	Category    string  `json:"category"` // prompt_injection | jailbreak | exfiltration | code_injection
	Description string  `json:"description"`
	Snippet     string  `json:"snippet"`
	Confidence  float64 `json:"confidence"`
}

// SecurityVerdict is the sanitizer's classification of one input.
// It is a pure function of the input plus usage context; identical input
// always yields an identical verdict.
type SecurityVerdict struct {
	Safe           bool           `json:"safe"`
	Confidence     float64        `json:"confidence"`
	RiskLevel      RiskLevel      `json:"risk_level"`
	Patterns       []PatternMatch `json:"patterns,omitempty"`
	Recommendation Recommendation `json:"recommendation"`
}
