// Package flags implements per-capability, per-tenant AI feature gating
// (spec supplement, grounded on original_source's AIFeatureFlagService
// at apps/api/ai/services/feature_flags.py): a global default per
// capability, overridable per tenant, so any AI capability can be
// disabled for one tenant — or the whole fabric — without a code
// change.
package flags

import "sync"

// Capability names one gateable AI feature. Values mirror the dotted
// names from the original service (ai.chat.enabled, ai.actions.enabled,
// ...) so operators migrating flag state carry the same vocabulary.
type Capability string

const (
	// AIEnabled is the master switch; every other capability is
	// implicitly disabled when this one is (checked first in IsEnabled,
	// same order as the original's is_enabled).
	AIEnabled Capability = "ai.enabled"

	AIChat    Capability = "ai.chat.enabled"
	AIActions Capability = "ai.actions.enabled"
	AIOCR     Capability = "ai.ocr.enabled"

	AIPIIRedaction     Capability = "ai.pii_redaction.enabled"
	AIApprovalRequired Capability = "ai.approval.required"
	AIAuditLogging     Capability = "ai.audit.enabled"
)

// ErrCapabilityDisabled is returned by Require when a capability is off
// for the given tenant (or globally).
type ErrCapabilityDisabled struct {
	Capability Capability
	TenantID   string
}

func (e *ErrCapabilityDisabled) Error() string {
	if e.TenantID == "" {
		return "flags: capability " + string(e.Capability) + " is disabled"
	}
	return "flags: capability " + string(e.Capability) + " is disabled for tenant " + e.TenantID
}

// Service holds global defaults and per-tenant overrides for every
// capability. Safe for concurrent use.
type Service struct {
	mu        sync.RWMutex
	defaults  map[Capability]bool
	overrides map[Capability]map[string]bool
}

// defaultCapabilities mirrors _initialize_defaults: PII redaction,
// approval-required, and audit logging default on regardless of the
// master switch's value, since disabling the master switch already
// short-circuits every other check in IsEnabled.
func defaultCapabilities(aiEnabled bool) map[Capability]bool {
	return map[Capability]bool{
		AIEnabled:          aiEnabled,
		AIChat:             aiEnabled,
		AIActions:          aiEnabled,
		AIOCR:              aiEnabled,
		AIPIIRedaction:     true,
		AIApprovalRequired: true,
		AIAuditLogging:     true,
	}
}

// New builds a Service with the given master-switch default; every
// other capability's default tracks it except the always-on safety
// capabilities (PII redaction, approval-required, audit logging).
func New(aiEnabled bool) *Service {
	return &Service{
		defaults:  defaultCapabilities(aiEnabled),
		overrides: make(map[Capability]map[string]bool),
	}
}

// IsEnabled reports whether capability is enabled for tenantID, checking
// the master switch first, then the tenant override, then the global
// default — the same order as the original's is_enabled. tenantID ""
// means "global caller, no tenant context."
func (s *Service) IsEnabled(capability Capability, tenantID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if capability != AIEnabled && !s.isEnabledLocked(AIEnabled, tenantID) {
		return false
	}
	return s.isEnabledLocked(capability, tenantID)
}

func (s *Service) isEnabledLocked(capability Capability, tenantID string) bool {
	if tenantID != "" {
		if byTenant, ok := s.overrides[capability]; ok {
			if v, ok := byTenant[tenantID]; ok {
				return v
			}
		}
	}
	return s.defaults[capability]
}

// SetDefault sets the global default for a capability.
func (s *Service) SetDefault(capability Capability, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults[capability] = enabled
}

// SetTenantOverride enables/disables a capability for one tenant,
// independent of the global default.
func (s *Service) SetTenantOverride(capability Capability, tenantID string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTenant, ok := s.overrides[capability]
	if !ok {
		byTenant = make(map[string]bool)
		s.overrides[capability] = byTenant
	}
	byTenant[tenantID] = enabled
}

// ClearTenantOverride removes a tenant's override, falling back to the
// global default for that capability.
func (s *Service) ClearTenantOverride(capability Capability, tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overrides[capability], tenantID)
}

// Require returns ErrCapabilityDisabled if capability is off for
// tenantID, nil otherwise — the Go analogue of the original's
// require_feature_flag decorator, called inline instead of wrapping.
func (s *Service) Require(capability Capability, tenantID string) error {
	if s.IsEnabled(capability, tenantID) {
		return nil
	}
	return &ErrCapabilityDisabled{Capability: capability, TenantID: tenantID}
}

// AllFlags returns every known capability's resolved state for tenantID,
// the Go analogue of get_all_flags.
func (s *Service) AllFlags(tenantID string) map[Capability]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[Capability]bool, len(s.defaults))
	for capability := range s.defaults {
		out[capability] = s.isEnabledLocked(capability, tenantID)
	}
	return out
}
