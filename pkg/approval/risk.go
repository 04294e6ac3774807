package approval

import (
	"fmt"
	"regexp"
	"strings"
)

// RiskLevel is the gate's classification output (spec §4.G.1).
type RiskLevel string

const (
	RiskLow      RiskLevel = "Low"
	RiskMedium   RiskLevel = "Medium"
	RiskHigh     RiskLevel = "High"
	RiskCritical RiskLevel = "Critical"
)

// RequiresApproval reports whether level mandates human approval (spec
// §4.G.1: "High or Critical ⇒ approval required. Low and Medium ⇒
// auto-approved").
func (l RiskLevel) RequiresApproval() bool {
	return l == RiskHigh || l == RiskCritical
}

var (
	urgencyPattern   = regexp.MustCompile(`(?i)\b(urgent|immediately|act now|asap|right away|deadline today)\b`)
	financialPattern = regexp.MustCompile(`(?i)\b(wire transfer|transfer funds|payment|refund|invoice|bank account|routing number)\b`)
	linkPattern      = regexp.MustCompile(`(?i)https?://`)

	// destructivePattern flags irreversible-action verbs (delete/drop/
	// purge/...) regardless of the object they act on. Weighted at 3
	// (see patternCount below) rather than 1: a bare plan carrying only
	// this signal must already classify Critical (spec scenario 2,
	// "a plan whose canonical form contains a delete_patient step ⇒
	// Critical"), since irreversibility alone is a sufficient severity
	// signal in a way a single urgency/financial/link match is not.
	destructivePattern = regexp.MustCompile(`(?i)\b(delete|drop|destroy|terminate|revoke|purge|wipe|deprovision)\w*\b`)

	// payloadSizeThreshold is the serialized-size signal (spec §4.G.1
	// "payload size thresholds").
	payloadSizeThreshold = 4096
)

// ClassifyResult carries both the level and the human-readable reasoning
// spec §4.G.1 requires alongside it.
type ClassifyResult struct {
	Level     RiskLevel
	Reasoning string
}

// Classify is the risk classifier. It is a pure, deterministic function
// of (plan, scenarioTag): same input always produces the same level
// (spec §4.G.1 "Classification is deterministic"). No ML, no external
// call — just counting fixed dangerous-pattern signals (spec §1
// Non-goals: "Scoring ... is defined as a deterministic function").
func Classify(plan ActionPlan, scenarioTag string) ClassifyResult {
	text := flattenText(plan)
	var reasons []string
	patternCount := 0

	if urgencyPattern.MatchString(text) {
		patternCount++
		reasons = append(reasons, "urgency language detected")
	}
	if financialPattern.MatchString(text) {
		patternCount++
		reasons = append(reasons, "financial action language detected")
	}
	if linkPattern.MatchString(text) {
		patternCount++
		reasons = append(reasons, "external link present")
	}
	if destructivePattern.MatchString(text) {
		patternCount += 3
		reasons = append(reasons, "destructive action verb detected")
	}
	if size := estimateSize(plan); size > payloadSizeThreshold {
		patternCount++
		reasons = append(reasons, fmt.Sprintf("payload size %d exceeds threshold %d", size, payloadSizeThreshold))
	}
	if strings.EqualFold(scenarioTag, "transactional") {
		patternCount++
		reasons = append(reasons, "transactional scenario category")
	}

	var level RiskLevel
	switch {
	case patternCount >= 3:
		level = RiskCritical
	case patternCount == 2:
		level = RiskHigh
	case patternCount == 1:
		level = RiskMedium
	default:
		level = RiskLow
		reasons = append(reasons, "no dangerous patterns detected")
	}

	return ClassifyResult{Level: level, Reasoning: strings.Join(reasons, "; ")}
}

// flattenText concatenates every string value in plan (recursively,
// through nested maps/slices at any depth) for pattern scanning.
func flattenText(v interface{}) string {
	var sb strings.Builder
	flattenInto(&sb, v)
	return sb.String()
}

func flattenInto(sb *strings.Builder, v interface{}) {
	switch t := v.(type) {
	case string:
		sb.WriteString(t)
		sb.WriteByte(' ')
	case ActionPlan:
		flattenInto(sb, map[string]interface{}(t))
	case map[string]interface{}:
		for _, v2 := range t {
			flattenInto(sb, v2)
		}
	case []interface{}:
		for _, v2 := range t {
			flattenInto(sb, v2)
		}
	}
}

// estimateSize is a cheap proxy for serialized payload size; exact byte
// count doesn't matter for the threshold signal, only monotonicity with
// actual content size.
func estimateSize(plan ActionPlan) int {
	return len(flattenText(plan))
}
