// Package safety implements the Prompt Safety Pipeline (spec §4.F): two
// sequential, deterministic, pure passes — injection detection/
// sanitization (F.1) and PII/PHI redaction (F.2) — plus a thin wrapper
// over the output validator (F.3, grounded on pkg/manifest).
package safety

import (
	"regexp"
	"strings"
)

// InjectionClass names one of the fixed pattern classes the detector
// scans for. The catalogue is fixed per spec §4.F; adding a class is a
// code change, not configuration.
type InjectionClass string

const (
	ClassInstructionOverride InjectionClass = "instruction_override"
	ClassRoleChange          InjectionClass = "role_change"
	ClassSystemPromptLeak    InjectionClass = "system_prompt_leak"
	ClassDelimiterEscape     InjectionClass = "delimiter_escape"
	ClassJailbreak           InjectionClass = "jailbreak"
	ClassDataExtraction      InjectionClass = "data_extraction"
)

// DefaultRiskThreshold is the risk_score cutoff below which text is
// considered safe (spec §4.F.1 default 0.7).
const DefaultRiskThreshold = 0.7

// Sentinel delimiters the downstream prompt template refuses to cross.
// User input is always wrapped in these after its own occurrences of
// them are escaped out.
const (
	SentinelOpen  = "⦃USER_INPUT⦃"
	SentinelClose = "⦄/USER_INPUT⦄"
)

type classPattern struct {
	class   InjectionClass
	weight  float64
	pattern *regexp.Regexp
}

// catalogue is the fixed set of pattern classes, each carrying a risk
// weight in [0,1]. Patterns are deliberately simple, deterministic
// substring/regex matches — no ML, no external classifier (spec §1
// Non-goals: "Scoring ... is defined as a deterministic function, not
// as an ML model").
var catalogue = []classPattern{
	{ClassInstructionOverride, 0.9, regexp.MustCompile(`(?i)ignore (all |any )?(previous|prior|above) instructions`)},
	{ClassInstructionOverride, 0.8, regexp.MustCompile(`(?i)disregard (the |all )?(system|previous) (prompt|instructions?)`)},
	{ClassRoleChange, 0.75, regexp.MustCompile(`(?i)you are now`)},
	{ClassRoleChange, 0.7, regexp.MustCompile(`(?i)act as (if you were |an?\s+)`)},
	{ClassSystemPromptLeak, 0.85, regexp.MustCompile(`(?i)(repeat|print|reveal|show) (your |the )?(system prompt|instructions)`)},
	{ClassSystemPromptLeak, 0.6, regexp.MustCompile(`(?i)what (are|were) your (original )?instructions`)},
	{ClassDelimiterEscape, 0.5, regexp.MustCompile(`(?i)(\[\[|\{\{|<\|)\s*(system|end|assistant)\s*(\]\]|\}\}|\|>)`)},
	{ClassJailbreak, 0.95, regexp.MustCompile(`(?i)(dan mode|developer mode|jailbreak|do anything now)`)},
	{ClassJailbreak, 0.6, regexp.MustCompile(`(?i)no (ethical|moral) (guidelines|restrictions|limits)`)},
	{ClassDataExtraction, 0.65, regexp.MustCompile(`(?i)(list|dump|export) (all )?(users?|tenants?|credentials|api keys?|secrets?)`)},
	{ClassDataExtraction, 0.5, regexp.MustCompile(`(?i)show me (every|all)\s+\w+'s? (data|records?)`)},
}

// Detection is one match of a pattern class within scanned text.
type Detection struct {
	Class  InjectionClass
	Match  string
	Start  int
	End    int
	Weight float64
}

// SafetyResult is the F.1 output contract.
type SafetyResult struct {
	Sanitized  string
	Detections []Detection
	RiskScore  float64
	IsSafe     bool
}

// Sanitize runs the injection detector and sanitizer over text (spec
// §4.F.1). It scans text once per class, collecting every match, then
// computes risk_score and escapes+wraps the text in sentinel delimiters.
func Sanitize(text string, threshold float64) SafetyResult {
	if threshold <= 0 {
		threshold = DefaultRiskThreshold
	}

	var detections []Detection
	maxWeight := 0.0
	for _, cp := range catalogue {
		for _, loc := range cp.pattern.FindAllStringIndex(text, -1) {
			start, end := loc[0], loc[1]
			detections = append(detections, Detection{
				Class:  cp.class,
				Match:  text[start:end],
				Start:  start,
				End:    end,
				Weight: cp.weight,
			})
			if cp.weight > maxWeight {
				maxWeight = cp.weight
			}
		}
	}

	riskScore := 0.0
	if len(detections) > 0 {
		additive := 0.05 * float64(len(detections)-1)
		if additive < 0 {
			additive = 0
		}
		if additive > 0.2 {
			additive = 0.2
		}
		riskScore = maxWeight + additive
		if riskScore > 1.0 {
			riskScore = 1.0
		}
	}

	return SafetyResult{
		Sanitized:  sanitizeText(text),
		Detections: detections,
		RiskScore:  riskScore,
		IsSafe:     riskScore < threshold,
	}
}

// sanitizeText escapes any occurrence of the system's own sentinel
// delimiters within user text, then wraps the whole of it in fresh
// sentinels the downstream template refuses to cross.
func sanitizeText(text string) string {
	escaped := strings.NewReplacer(
		SentinelOpen, "\\"+SentinelOpen,
		SentinelClose, "\\"+SentinelClose,
	).Replace(text)
	return SentinelOpen + escaped + SentinelClose
}
