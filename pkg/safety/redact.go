package safety

import (
	"regexp"
	"sort"
)

// DetectionKind names a PII/PHI detector class.
type DetectionKind string

const (
	KindNationalID    DetectionKind = "national_id"
	KindPhone         DetectionKind = "phone"
	KindEmail         DetectionKind = "email"
	KindIBAN          DetectionKind = "iban"
	KindCreditCard    DetectionKind = "credit_card"
	KindClinicalCode  DetectionKind = "clinical_code"
	KindDrugKeyword   DetectionKind = "drug_keyword"
	KindConditionWord DetectionKind = "condition_keyword"
)

func isPII(k DetectionKind) bool {
	switch k {
	case KindNationalID, KindPhone, KindEmail, KindIBAN, KindCreditCard:
		return true
	default:
		return false
	}
}

// Span locates one redactor hit in the original text.
type Span struct {
	Kind  DetectionKind
	Text  string
	Start int
	End   int
}

type redactPattern struct {
	kind    DetectionKind
	pattern *regexp.Regexp
}

// drugKeywords and conditionKeywords are small fixed catalogues; real
// deployments would load a larger list, but the contract only requires
// determinism, not exhaustiveness.
var drugKeywords = []string{"metformin", "insulin", "lisinopril", "atorvastatin", "sertraline", "oxycodone"}
var conditionKeywords = []string{"diabetes", "hypertension", "depression", "hiv", "cancer", "schizophrenia"}

var redactCatalogue = buildRedactCatalogue()

func buildRedactCatalogue() []redactPattern {
	cat := []redactPattern{
		{KindEmail, regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
		{KindIBAN, regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`)},
		{KindCreditCard, regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)},
		{KindPhone, regexp.MustCompile(`\+?\d{1,3}?[ .-]?\(?\d{3}\)?[ .-]?\d{3}[ .-]?\d{4}\b`)},
		{KindNationalID, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{KindClinicalCode, regexp.MustCompile(`\b[A-Z]\d{2}(?:\.\d{1,2})?\b`)},
	}
	for _, w := range drugKeywords {
		cat = append(cat, redactPattern{KindDrugKeyword, regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(w) + `\b`)})
	}
	for _, w := range conditionKeywords {
		cat = append(cat, redactPattern{KindConditionWord, regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(w) + `\b`)})
	}
	return cat
}

// RedactResult is the F.2 output contract.
type RedactResult struct {
	Redacted string
	PII      []Span
	PHI      []Span
}

// dropOverlaps keeps the widest span among any that overlap, so two
// catalogue patterns matching the same character range (e.g. a credit
// card pattern inside a phone-shaped run of digits) never both try to
// substitute the same text.
func dropOverlaps(spans []Span) []Span {
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End > spans[j].End
	})
	var kept []Span
	lastEnd := -1
	for _, s := range spans {
		if s.Start < lastEnd {
			continue
		}
		kept = append(kept, s)
		lastEnd = s.End
	}
	return kept
}

// Redact runs the PII/PHI redactor (spec §4.F.2). allowlist suppresses
// exact-match spans (case-sensitive, as detected) so known-safe tokens
// (e.g. a support email address) are never redacted. Detections are
// applied in descending start-offset order so earlier substitutions
// never shift the offsets of ones not yet applied.
func Redact(text string, allowlist map[string]struct{}) RedactResult {
	var all []Span
	for _, rp := range redactCatalogue {
		for _, loc := range rp.pattern.FindAllStringIndex(text, -1) {
			match := text[loc[0]:loc[1]]
			if _, skip := allowlist[match]; skip {
				continue
			}
			all = append(all, Span{Kind: rp.kind, Text: match, Start: loc[0], End: loc[1]})
		}
	}

	all = dropOverlaps(all)
	sort.Slice(all, func(i, j int) bool { return all[i].Start > all[j].Start })

	redacted := []byte(text)
	var pii, phi []Span
	for _, s := range all {
		placeholder := "[REDACTED:" + string(s.Kind) + "]"
		redacted = append(redacted[:s.Start], append([]byte(placeholder), redacted[s.End:]...)...)
		if isPII(s.Kind) {
			pii = append(pii, s)
		} else {
			phi = append(phi, s)
		}
	}

	return RedactResult{
		Redacted: string(redacted),
		PII:      pii,
		PHI:      phi,
	}
}
