package sanitize

import "dexd/internal/domain"

// Detector categories.
const (
	CategoryPromptInjection = "prompt_injection"
	CategoryJailbreak       = "jailbreak"
	CategoryExfiltration    = "exfiltration"
	CategoryCodeInjection   = "code_injection"
)

// AllCategories lists the fixed detector battery, in evaluation order.
var AllCategories = []string{
	CategoryPromptInjection,
	CategoryJailbreak,
	CategoryExfiltration,
	CategoryCodeInjection,
}

// Rule is one pattern detector before compilation.
type Rule struct {
	Category    string           `yaml:"category"`
	Pattern     string           `yaml:"pattern"`
	Description string           `yaml:"description"`
	Severity    domain.RiskLevel `yaml:"-"`
	SeverityRaw string           `yaml:"severity"`
	Confidence  float64          `yaml:"confidence"`
}

// builtinRules is the fixed battery shipped with the sanitizer. Patterns
// are deliberately phrase-anchored: discussing injection attacks in the
// abstract ("how do I prevent SQL injection") must not trigger them.
func builtinRules() []Rule {
	return []Rule{
		// --- Prompt injection ---
		{
			Category:    CategoryPromptInjection,
			Pattern:     `(?i)ignore\s+(all\s+|any\s+)?(your\s+|the\s+)?(previous|prior|above|earlier)\s+(instructions|prompts|rules|directions)`,
			Description: "instruction override attempt",
			Severity:    domain.RiskHigh,
			Confidence:  0.95,
		},
		{
			Category:    CategoryPromptInjection,
			Pattern:     `(?i)disregard\s+(all\s+|any\s+)?(your\s+|the\s+)?(previous|prior|earlier)\s+(instructions|rules|guidance)`,
			Description: "instruction override attempt",
			Severity:    domain.RiskHigh,
			Confidence:  0.95,
		},
		{
			Category:    CategoryPromptInjection,
			Pattern:     `(?i)forget\s+(everything|all)\s+(you\s+(know|were\s+told)|above)`,
			Description: "context reset attempt",
			Severity:    domain.RiskMedium,
			Confidence:  0.7,
		},
		{
			Category:    CategoryPromptInjection,
			Pattern:     `(?i)\bnew\s+instructions?\s*:`,
			Description: "inline instruction injection",
			Severity:    domain.RiskMedium,
			Confidence:  0.6,
		},
		{
			Category:    CategoryPromptInjection,
			Pattern:     `(?i)you\s+are\s+now\s+(in\s+)?(developer|debug|admin|god)\s+mode`,
			Description: "privileged mode impersonation",
			Severity:    domain.RiskHigh,
			Confidence:  0.9,
		},

		// --- Jailbreak ---
		{
			Category:    CategoryJailbreak,
			Pattern:     `(?i)\b(do\s+anything\s+now|DAN\s+mode)\b`,
			Description: "DAN-style jailbreak",
			Severity:    domain.RiskHigh,
			Confidence:  0.9,
		},
		{
			Category:    CategoryJailbreak,
			Pattern:     `(?i)pretend\s+(that\s+)?you\s+(have|are\s+bound\s+by)\s+no\s+(rules|restrictions|guidelines|filters)`,
			Description: "restriction removal roleplay",
			Severity:    domain.RiskHigh,
			Confidence:  0.85,
		},
		{
			Category:    CategoryJailbreak,
			Pattern:     `(?i)without\s+(any\s+)?(ethical|moral|safety)\s+(constraints|guidelines|filters|limits)`,
			Description: "safety bypass request",
			Severity:    domain.RiskHigh,
			Confidence:  0.8,
		},
		{
			Category:    CategoryJailbreak,
			Pattern:     `(?i)roleplay\s+as\s+an?\s+(unrestricted|uncensored|unfiltered)\s`,
			Description: "unrestricted persona request",
			Severity:    domain.RiskHigh,
			Confidence:  0.8,
		},

		// --- Exfiltration ---
		{
			Category:    CategoryExfiltration,
			Pattern:     `(?i)(show|reveal|print|repeat|display|output|give)\b.{0,40}\b(system|initial|original|hidden)\s+(prompt|instructions)`,
			Description: "system prompt disclosure attempt",
			Severity:    domain.RiskHigh,
			Confidence:  0.9,
		},
		{
			Category:    CategoryExfiltration,
			Pattern:     `(?i)what\s+(are|were)\s+your\s+(original\s+|initial\s+|exact\s+)?instructions`,
			Description: "system prompt disclosure attempt",
			Severity:    domain.RiskMedium,
			Confidence:  0.7,
		},
		{
			Category:    CategoryExfiltration,
			Pattern:     `(?i)(send|post|upload|email|forward)\b.{0,50}\b(api[\s_-]?keys?|passwords?|credentials?|secrets?|tokens?)\b.{0,40}\bto\b`,
			Description: "credential exfiltration attempt",
			Severity:    domain.RiskCritical,
			Confidence:  0.9,
		},
		{
			Category:    CategoryExfiltration,
			Pattern:     `(?i)\b(dump|leak|extract)\b.{0,30}\b(environment\s+variables?|env\s+vars?|\.env|secrets?\s+file)`,
			Description: "environment secret extraction",
			Severity:    domain.RiskCritical,
			Confidence:  0.85,
		},

		// --- Code injection ---
		{
			Category:    CategoryCodeInjection,
			Pattern:     `(?i)\b(eval|exec)\s*\(`,
			Description: "dynamic code execution",
			Severity:    domain.RiskHigh,
			Confidence:  0.8,
		},
		{
			Category:    CategoryCodeInjection,
			Pattern:     `(?i)\bos\.system\s*\(|\bsubprocess\.(run|call|Popen)\b`,
			Description: "shell spawn from code",
			Severity:    domain.RiskHigh,
			Confidence:  0.8,
		},
		{
			Category:    CategoryCodeInjection,
			Pattern:     `(?i)__import__\s*\(`,
			Description: "dynamic import",
			Severity:    domain.RiskMedium,
			Confidence:  0.7,
		},
		{
			Category:    CategoryCodeInjection,
			Pattern:     `;\s*rm\s+-rf\s+[/~]`,
			Description: "destructive shell chain",
			Severity:    domain.RiskCritical,
			Confidence:  0.95,
		},
		{
			Category:    CategoryCodeInjection,
			Pattern:     `(?i)curl\s+\S+\s*\|\s*(ba|z)?sh\b`,
			Description: "pipe-to-shell download",
			Severity:    domain.RiskHigh,
			Confidence:  0.9,
		},
		{
			Category:    CategoryCodeInjection,
			Pattern:     `(?i)('|")\s*(or|and)\s+('|")?1('|")?\s*=\s*('|")?1\b|;\s*drop\s+table\s+\w+`,
			Description: "SQL injection payload",
			Severity:    domain.RiskHigh,
			Confidence:  0.85,
		},
	}
}
