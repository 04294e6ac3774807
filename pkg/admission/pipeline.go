// Package admission implements the Admission Pipeline (spec §4.I): the
// single composition point every AI-origin call routes through, replacing
// the teacher's decorator/function-wrapper style of attaching governance
// with one object that wires phase, tenant, rate limit, quota, safety,
// circuit breaker, output validation, and the approval gate in a fixed
// sequence.
package admission

import (
	"context"
	"fmt"

	"github.com/aegisfabric/governance/pkg/approval"
	"github.com/aegisfabric/governance/pkg/audit"
	"github.com/aegisfabric/governance/pkg/circuit"
	"github.com/aegisfabric/governance/pkg/flags"
	"github.com/aegisfabric/governance/pkg/manifest"
	"github.com/aegisfabric/governance/pkg/phase"
	"github.com/aegisfabric/governance/pkg/quota"
	"github.com/aegisfabric/governance/pkg/ratelimit"
	"github.com/aegisfabric/governance/pkg/safety"
	"github.com/aegisfabric/governance/pkg/tenant"
)

// outputTruncateLen bounds how much of a raw inference result a
// validation-failure audit event may carry — enough to diagnose drift,
// never the whole (possibly PII/PHI-bearing, pre-redaction) payload.
const outputTruncateLen = 256

func truncateForAudit(s string) string {
	if len(s) <= outputTruncateLen {
		return s
	}
	return s[:outputTruncateLen]
}

// OutputValidationError is spec §4.F.3's taxonomy error: the inference
// result failed schema validation against the connector's declared output
// contract. Cause carries the manifest drift code and field path;
// Truncated is a bounded prefix of the original output, captured for
// audit before redaction ever runs on it.
type OutputValidationError struct {
	Cause     error
	Truncated string
}

func (e *OutputValidationError) Error() string {
	return fmt.Sprintf("admission: output validation failed: %v", e.Cause)
}

func (e *OutputValidationError) Unwrap() error { return e.Cause }

// PlanArgsValidationError is the PEP-boundary counterpart to
// OutputValidationError: the ActionPlan parsed out of an inference result
// failed argument-shape validation before it could reach risk
// classification or the approval gate.
type PlanArgsValidationError struct {
	Cause     error
	Truncated string
}

func (e *PlanArgsValidationError) Error() string {
	return fmt.Sprintf("admission: plan args validation failed: %v", e.Cause)
}

func (e *PlanArgsValidationError) Unwrap() error { return e.Cause }

// InferenceFunc calls the downstream model with the sanitized prompt. It
// is what step 6 wraps in the circuit breaker.
type InferenceFunc func(ctx context.Context, prompt string) (string, error)

// Request is one admission attempt (spec §4.I "a request r from tenant t,
// actor a").
type Request struct {
	TenantID      string
	ActorID       string
	Prompt        string
	RequestKind   phase.Phase // phase_for(request_kind)
	QuotaKind     quota.Kind
	CircuitName   string
	ScenarioTag   string
	Allowlist     map[string]struct{} // redaction allowlist
	RollbackPlan  string
	RequiredPerms []string

	// Capability, when set, is the AI capability this request exercises
	// (pkg/flags). Empty skips the capability gate entirely — not every
	// caller has a feature-flag-scoped capability to declare.
	Capability flags.Capability

	// OutputSchema, when set, is the connector output contract step 7
	// validates the raw inference result against (spec §4.F.3). Nil skips
	// validation — not every circuit's result is schema-bearing.
	OutputSchema *manifest.ToolOutputSchema

	// PlanArgsSchema, when set, is the PEP-boundary schema step 8
	// validates a parsed ActionPlan's arguments against before it reaches
	// risk classification and the approval gate. Nil skips validation.
	PlanArgsSchema *manifest.ToolArgSchema
}

// Result is everything the pipeline produced, for the caller to act on or
// surface to the requester.
type Result struct {
	SanitizedPrompt string
	RawOutput       string
	Redacted        string
	PII             []safety.Span
	PHI             []safety.Span
	Plan            approval.ActionPlan // non-nil only if the output parsed as an ActionPlan
	Decision        *approval.Decision  // non-nil only when step 8 ran
	OutputHash      string              // set only when req.OutputSchema validated raw
	PlanArgsHash    string              // set only when req.PlanArgsSchema validated Plan
}

// Pipeline wires the fabric's components into the fixed §4.I sequence.
type Pipeline struct {
	Phase    *phase.Gate
	Tenant   *tenant.Kernel
	Limiter  *ratelimit.Limiter
	Quota    *quota.Tracker
	Circuits *circuit.Registry
	Approval *approval.Gate
	Log      audit.Logger

	// Flags gates requests on a declared Request.Capability before any
	// other step runs (supplement, grounded on original_source's
	// AIFeatureFlagService — spec §1.7/18.1 "the AI layer SHALL be
	// removable by disabling feature flags without code changes"). Nil
	// disables the gate entirely, leaving the canonical 9-step sequence
	// untouched.
	Flags *flags.Service

	// RiskThreshold is the prompt-safety rejection threshold (spec §4.F.1
	// default 0.7); zero means Sanitize applies its own default.
	RiskThreshold float64

	// ParsePlan extracts an ActionPlan from a raw inference result, or
	// returns ok=false when the output is plain text/not actionable. The
	// admission pipeline never interprets domain content itself (spec §1
	// Non-goals: business-domain workflows) — this hook is the caller's.
	ParsePlan func(raw string) (approval.ActionPlan, bool)
}

// Admit runs the full 9-step sequence (spec §4.I). Side-effects already
// applied before a failing step (rate tokens, quota reservations) are not
// rolled back — bounded overshoot from a failure after reservation is an
// accepted cost (spec §4.I).
func (p *Pipeline) Admit(ctx context.Context, req Request, infer InferenceFunc) (*Result, error) {
	// 0. Capability gate (supplement, not one of the canonical 9 steps):
	// short-circuits before phase/tenant/rate-limit/quota work begins if
	// the declared capability is off for this tenant.
	if p.Flags != nil && req.Capability != "" {
		if err := p.Flags.Require(req.Capability, req.TenantID); err != nil {
			p.auditFailure(ctx, req, "feature_flag_gate", err)
			return nil, err
		}
	}

	// 1. Phase gate.
	if err := p.Phase.RequirePhase(req.RequestKind); err != nil {
		p.auditFailure(ctx, req, "phase_gate", err)
		return nil, err
	}

	// 2. Tenant context: assert current().tenant_id == t.
	tc, err := p.Tenant.RequireCurrent(ctx)
	if err != nil {
		p.auditFailure(ctx, req, "tenant_context", err)
		return nil, err
	}
	if tc.TenantID != req.TenantID {
		err := fmt.Errorf("%w: request tenant %q, ambient tenant %q", tenant.ErrTenantContextMismatch, req.TenantID, tc.TenantID)
		p.auditFailure(ctx, req, "tenant_context", err)
		return nil, err
	}

	// 3. Rate limiter: acquire(t, a).
	if _, err := p.Limiter.Acquire(ctx, req.TenantID, req.ActorID); err != nil {
		p.auditFailure(ctx, req, "rate_limiter", err)
		return nil, err
	}

	// 4. Quota tracker: reserve(t, kind, 0, 0).
	if _, err := p.Quota.Reserve(ctx, req.TenantID, req.QuotaKind, 0, 0); err != nil {
		p.auditFailure(ctx, req, "quota_tracker", err)
		return nil, err
	}

	// 5. Prompt safety: sanitize(prompt); reject if !is_safe.
	safetyResult := safety.Sanitize(req.Prompt, p.RiskThreshold)
	if !safetyResult.IsSafe {
		err := fmt.Errorf("admission: prompt rejected, risk_score=%.2f", safetyResult.RiskScore)
		p.auditFailure(ctx, req, "prompt_safety", err)
		return nil, err
	}

	// 6. Circuit breaker: execute(|| inference.call(prompt)).
	var raw string
	breaker := p.Circuits.Get(req.CircuitName)
	execErr := breaker.Execute(ctx, func(ctx context.Context) error {
		out, err := infer(ctx, safetyResult.Sanitized)
		if err != nil {
			return err
		}
		raw = out
		return nil
	})
	if execErr != nil {
		p.auditFailure(ctx, req, "circuit_breaker", execErr)
		return nil, execErr
	}

	// 7. Output validator + redactor on the inference result.
	var outputHash string
	if req.OutputSchema != nil {
		validated, verr := safety.ValidateOutput(req.OutputSchema, raw)
		if verr != nil {
			err := &OutputValidationError{Cause: verr, Truncated: truncateForAudit(raw)}
			p.auditFailure(ctx, req, "output_validator", err)
			return nil, err
		}
		outputHash = validated.OutputHash
	}
	redaction := safety.Redact(raw, req.Allowlist)

	result := &Result{
		SanitizedPrompt: safetyResult.Sanitized,
		RawOutput:       raw,
		Redacted:        redaction.Redacted,
		PII:             redaction.PII,
		PHI:             redaction.PHI,
		OutputHash:      outputHash,
	}

	// 8. If result is an ActionPlan: classify risk, enqueue or auto-approve.
	if p.ParsePlan != nil {
		if plan, ok := p.ParsePlan(raw); ok {
			if req.PlanArgsSchema != nil {
				validated, verr := manifest.ValidateAndCanonicalizeToolArgs(req.PlanArgsSchema, map[string]interface{}(plan))
				if verr != nil {
					err := &PlanArgsValidationError{Cause: verr, Truncated: truncateForAudit(fmt.Sprintf("%v", plan))}
					p.auditFailure(ctx, req, "plan_args_validator", err)
					return result, err
				}
				result.PlanArgsHash = validated.ArgsHash
			}
			result.Plan = plan
			decision, err := p.Approval.Propose(ctx, req.TenantID, req.ActorID, req.ScenarioTag, plan, req.RollbackPlan, req.RequiredPerms)
			if err != nil {
				p.auditFailure(ctx, req, "approval_gate", err)
				return result, err
			}
			result.Decision = decision
		}
	}

	// 9. Audit every step — the terminal success event.
	p.auditSuccess(ctx, req, result)
	return result, nil
}

func (p *Pipeline) auditFailure(ctx context.Context, req Request, step string, err error) {
	if p.Log == nil {
		return
	}
	_ = p.Log.RecordEvent(ctx, audit.Event{
		TenantID: req.TenantID,
		ActorID:  req.ActorID,
		Type:     audit.EventSystem,
		Action:   "admission_pipeline",
		Resource: step,
		Outcome:  "rejected",
		Metadata: map[string]interface{}{"error": err.Error()},
	})
}

func (p *Pipeline) auditSuccess(ctx context.Context, req Request, result *Result) {
	if p.Log == nil {
		return
	}
	outcome := "admitted"
	var actionID, riskLevel string
	if result.Decision != nil {
		actionID = result.Decision.Request.ActionID
		riskLevel = string(result.Decision.Request.RiskLevel)
		if result.Decision.AutoApproved {
			outcome = "auto_approved"
		} else {
			outcome = "pending_approval"
		}
	}
	_ = p.Log.RecordEvent(ctx, audit.Event{
		TenantID:  req.TenantID,
		ActorID:   req.ActorID,
		Type:      audit.EventSystem,
		Action:    "admission_pipeline",
		Resource:  req.CircuitName,
		ActionID:  actionID,
		RiskLevel: riskLevel,
		Outcome:   outcome,
	})
}
