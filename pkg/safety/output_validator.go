package safety

import (
	"github.com/aegisfabric/governance/pkg/manifest"
)

// ValidateOutput is F.3: it delegates schema validation and canonical
// hashing to the manifest package's connector-output validator, giving
// the safety pipeline's third pass the same fail-closed drift detection
// already used for tool-call manifests.
func ValidateOutput(schema *manifest.ToolOutputSchema, output any) (*manifest.ToolOutputValidationResult, error) {
	return manifest.ValidateAndCanonicalizeToolOutput(schema, output)
}
