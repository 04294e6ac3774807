// Package approval implements the Approval Gate (spec §4.G): risk
// classification, canonical plan hashing, HMAC token issuance/validation,
// and the pending-approval queue/sweeper lifecycle. Grounded on the
// deleted teacher escalation.Manager's intent/receipt lifecycle pattern
// and the canonicalize package's RFC 8785 JCS implementation.
package approval

import (
	"crypto/sha256"

	"github.com/aegisfabric/governance/pkg/canonicalize"
)

// ActionPlan is the structured, JSON-serializable proposal emitted by
// inference (spec §3 ActionPlan). It is intentionally a bare map rather
// than a fixed struct: plans are domain-specific and this fabric never
// interprets their content beyond the fixed signal keys risk
// classification scans for.
type ActionPlan map[string]interface{}

// mutableMetadataKeys are excluded from canonicalization per spec §4.G.2
// ("excludes mutable metadata") — fields that change across re-serializations
// of a semantically identical plan must not perturb its hash.
var mutableMetadataKeys = map[string]struct{}{
	"metadata":     {},
	"requested_at": {},
	"request_id":   {},
	"trace_id":     {},
}

func stableCopy(plan ActionPlan) map[string]interface{} {
	out := make(map[string]interface{}, len(plan))
	for k, v := range plan {
		if _, excluded := mutableMetadataKeys[k]; excluded {
			continue
		}
		out[k] = v
	}
	return out
}

// PlanHash computes SHA-256(canonical_json(plan)) per spec §4.G.2. Two
// byte-identical plans (modulo mutable metadata and key order) always
// hash the same; any semantic change changes the hash.
func PlanHash(plan ActionPlan) ([32]byte, error) {
	canon, err := canonicalize.JCS(stableCopy(plan))
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(canon), nil
}
