package safety_test

import (
	"strings"
	"testing"

	"github.com/aegisfabric/governance/pkg/safety"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedact_EmailDetectedAsPII(t *testing.T) {
	r := safety.Redact("Contact me at jane.doe@example.com for details.", nil)
	require.Len(t, r.PII, 1)
	assert.Equal(t, safety.KindEmail, r.PII[0].Kind)
	assert.NotContains(t, r.Redacted, "jane.doe@example.com")
}

func TestRedact_ConditionKeywordDetectedAsPHI(t *testing.T) {
	r := safety.Redact("Patient has a history of diabetes and hypertension.", nil)
	require.Len(t, r.PHI, 2)
	assert.Empty(t, r.PII)
}

func TestRedact_AllowlistSuppressesMatch(t *testing.T) {
	allow := map[string]struct{}{"support@example.com": {}}
	r := safety.Redact("Email support@example.com or jane@example.com.", allow)
	require.Len(t, r.PII, 1)
	assert.Equal(t, "jane@example.com", r.PII[0].Text)
	assert.Contains(t, r.Redacted, "support@example.com")
}

func TestRedact_DescendingOffsetApplicationPreservesEarlierSpans(t *testing.T) {
	text := "Email a@b.com and also c@d.com please."
	r := safety.Redact(text, nil)
	require.Len(t, r.PII, 2)
	assert.Equal(t, 2, strings.Count(r.Redacted, "[REDACTED:email]"))
}

func TestRedact_IsDeterministic(t *testing.T) {
	text := "SSN 123-45-6789, email a@b.com, diabetes diagnosis."
	first := safety.Redact(text, nil)
	for i := 0; i < 10; i++ {
		again := safety.Redact(text, nil)
		assert.Equal(t, first, again)
	}
}

func TestRedact_OverlappingPatternsKeepWidestSpan(t *testing.T) {
	// A 16-digit run also matches phone-shaped substrings; only the widest
	// (credit card) span should be kept, not overlapping smaller ones.
	r := safety.Redact("Card: 4111111111111111", nil)
	total := len(r.PII) + len(r.PHI)
	require.Equal(t, 1, total)
}
