package safety

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// InjectionPatternSpec is one YAML-defined injection-detector entry,
// additive to the fixed Go-literal catalogue in injection.go.
type InjectionPatternSpec struct {
	Class   string  `yaml:"class"`
	Weight  float64 `yaml:"weight"`
	Pattern string  `yaml:"pattern"`
}

// RedactionPatternSpec is one YAML-defined PII/PHI detector entry,
// additive to the fixed Go-literal catalogue in redact.go.
type RedactionPatternSpec struct {
	Kind    string `yaml:"kind"`
	Pattern string `yaml:"pattern"`
}

// CatalogueFile is the on-disk manifest shape: a deployment can extend
// either catalogue (e.g. an org-specific jailbreak phrase, a
// country-specific national-ID format) without a code change. Grounded
// on the teacher's config.LoadProfile YAML-loading pattern, repurposed
// from jurisdiction compliance profiles to safety pattern catalogues.
type CatalogueFile struct {
	Injection []InjectionPatternSpec `yaml:"injection"`
	Redaction []RedactionPatternSpec `yaml:"redaction"`
}

// LoadCatalogueFile reads and parses a catalogue manifest from path. It
// does not mutate package state — call RegisterCatalogue with the result
// to extend the active catalogues.
func LoadCatalogueFile(path string) (*CatalogueFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("safety: load catalogue %q: %w", path, err)
	}
	var cf CatalogueFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("safety: parse catalogue %q: %w", path, err)
	}
	return &cf, nil
}

// RegisterCatalogue compiles cf's patterns and appends them to the
// active injection/redaction catalogues. It is a startup-time operation
// only — Sanitize and Redact are pure, non-blocking, and do not re-read
// the catalogue on every call (spec §5 "in-memory operations ... complete
// in bounded work"); callers must register before serving traffic, and
// concurrent registration is not supported.
func RegisterCatalogue(cf *CatalogueFile) error {
	for _, spec := range cf.Injection {
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return fmt.Errorf("safety: invalid injection pattern for class %q: %w", spec.Class, err)
		}
		catalogue = append(catalogue, classPattern{class: InjectionClass(spec.Class), weight: spec.Weight, pattern: re})
	}
	for _, spec := range cf.Redaction {
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return fmt.Errorf("safety: invalid redaction pattern for kind %q: %w", spec.Kind, err)
		}
		redactCatalogue = append(redactCatalogue, redactPattern{kind: DetectionKind(spec.Kind), pattern: re})
	}
	return nil
}
