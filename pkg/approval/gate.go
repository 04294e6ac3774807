package approval

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aegisfabric/governance/pkg/audit"
	"github.com/aegisfabric/governance/pkg/crypto"
	"github.com/aegisfabric/governance/pkg/phase"
)

// defaultTokenTTL is the approval token's validity window from the
// moment a human actually approves (spec §3: "default ≤10 min from
// issuance").
const defaultTokenTTL = 10 * time.Minute

// defaultQueueTTL bounds how long a request may sit PendingApproval
// before the sweeper expires it.
const defaultQueueTTL = 24 * time.Hour

// Gate ties the risk classifier, plan hasher, token signer, single-use
// registry, pending-approval queue, and audit sink into the G.1–G.5
// operations (spec §4.G). Grounded on the deleted teacher
// escalation.Manager, which wired an identical set of concerns
// (intent store, approval lifecycle, audit trail) around a different
// domain object.
type Gate struct {
	phase    *phase.Gate
	signer   *crypto.Signer
	registry *Registry
	queue    *Queue
	log      audit.Logger
	clock    func() time.Time
}

// NewGate wires a Gate from its already-constructed dependencies.
func NewGate(phaseGate *phase.Gate, signer *crypto.Signer, log audit.Logger) *Gate {
	return &Gate{
		phase:    phaseGate,
		signer:   signer,
		registry: NewRegistry(),
		queue:    NewQueue(),
		log:      log,
		clock:    time.Now,
	}
}

// WithClock overrides the clock used for queue expiry and audit
// timestamps, for deterministic tests.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	g.queue.WithClock(clock)
	return g
}

// ErrExecutionNotAllowed is returned when ReadOnly/Proposal phase
// rejects an operation this gate would otherwise permit (spec §4.G.5).
type ErrExecutionNotAllowed struct {
	Phase phase.Phase
}

func (e *ErrExecutionNotAllowed) Error() string {
	return fmt.Sprintf("approval: execution not allowed in phase %s", e.Phase)
}

// Decision is the outcome of Propose: either the action was
// auto-approved (Low/Medium risk) or it now sits in the queue awaiting
// a human (High/Critical risk).
type Decision struct {
	Request      *Request
	AutoApproved bool
}

// Propose runs risk classification (G.1) and canonical hashing (G.2)
// against plan, then either auto-approves (Low/Medium) or enqueues a
// PendingApproval request (High/Critical) (spec §4.G.4).
//
// Phase interaction (spec §4.G.5): in ReadOnly phase the gate never
// even classifies for execution — it refuses outright, since nothing
// downstream of Propose is permitted to run. In Proposal phase,
// classification and enqueueing proceed normally (an admin may review
// and approve ahead of time), but the resulting token can never be
// redeemed until the process reaches Execution phase.
func (g *Gate) Propose(ctx context.Context, tenantID, requestedBy, scenarioTag string, plan ActionPlan, rollbackPlan string, requiredPermissions []string) (*Decision, error) {
	if err := g.phase.RequirePhase(phase.Proposal); err != nil {
		return nil, err
	}

	result := Classify(plan, scenarioTag)
	hash, err := PlanHash(plan)
	if err != nil {
		return nil, fmt.Errorf("approval: hash plan: %w", err)
	}

	req := &Request{
		Plan:                plan,
		PlanHash:            hex.EncodeToString(hash[:]),
		RiskLevel:           result.Level,
		RiskReasoning:       result.Reasoning,
		RollbackPlan:        rollbackPlan,
		RequiredPermissions: requiredPermissions,
		TenantID:            tenantID,
		RequestedBy:         requestedBy,
		ExpiresAt:           g.clock().Add(defaultQueueTTL),
	}

	if !result.Level.RequiresApproval() {
		req.Status = StatusAutoApproved
		req.ActionID = uuid.New().String()
		req.CreatedAt = g.clock()
		g.audit(ctx, req, "auto_approved", "")
		return &Decision{Request: req, AutoApproved: true}, nil
	}

	enqueued := g.queue.Enqueue(req)
	g.audit(ctx, enqueued, "proposed", "")
	return &Decision{Request: enqueued}, nil
}

// Approve transitions a PendingApproval request to Approved and mints
// its ApprovalToken (spec §4.G.4/§6). Per spec §3's "On approval
// required, the gate mints a single-use, time-bounded token," the mint
// happens here — at the moment a human actually signs off — not at
// Propose/enqueue time; approver_id is always the real approving
// identity, never a requester placeholder.
func (g *Gate) Approve(ctx context.Context, actionID, approverID string) (string, error) {
	req, err := g.queue.MarkApproved(actionID, approverID)
	if err != nil {
		return "", err
	}

	var planHash [32]byte
	decoded, err := hex.DecodeString(req.PlanHash)
	if err != nil || len(decoded) != len(planHash) {
		return "", fmt.Errorf("approval: stored plan hash for %q is malformed", actionID)
	}
	copy(planHash[:], decoded)

	tok, encoded, err := g.signer.Issue(req.TenantID, req.ActionID, approverID, planHash, defaultTokenTTL)
	if err != nil {
		return "", fmt.Errorf("approval: issue token: %w", err)
	}
	g.registry.Register(tok.TokenID, tok.ExpiresAt)

	g.audit(ctx, req, "approved", "")
	return encoded, nil
}

// PendingByTenant lists every PendingApproval request for tenant, for the
// admin surface's pending_approvals view (spec §6).
func (g *Gate) PendingByTenant(tenantID string) []*Request {
	return g.queue.PendingByTenant(tenantID)
}

// Reject transitions a PendingApproval request to Rejected. No token is
// ever minted.
func (g *Gate) Reject(ctx context.Context, actionID, rejectorID, reason string) error {
	req, err := g.queue.MarkRejected(actionID, rejectorID, reason)
	if err != nil {
		return err
	}
	g.audit(ctx, req, "rejected", reason)
	return nil
}

// Sweep expires overdue PendingApproval requests (spec §4.G.4) and
// prunes the token registry of entries past expiry.
func (g *Gate) Sweep(ctx context.Context) int {
	now := g.clock()
	expired := g.queue.Sweep()
	for _, req := range expired {
		g.audit(ctx, req, "expired", "")
	}
	g.registry.Sweep(now)
	return len(expired)
}

// Redeem validates an encoded token against the exact ALL-of sequence
// spec §4.G.3 requires, then executes fn exactly once on success.
// Validation order: signature → expiry → used-flag fast-fail peek →
// tenant match → plan-hash drift → action-ID match → atomic consume.
// The atomic consume is the sole point that may mutate registry state;
// every earlier step is side-effect-free, so a failed validation never
// partially consumes a token.
func (g *Gate) Redeem(ctx context.Context, encoded, tenantID, actionID string, planHash [32]byte, fn func(ctx context.Context) error) error {
	if err := g.phase.RequirePhase(phase.Execution); err != nil {
		return &ErrExecutionNotAllowed{Phase: g.phase.Current()}
	}

	tok, err := g.signer.Decode(encoded)
	if err != nil {
		return err
	}

	now := g.clock()
	if tok.IsExpired(now) {
		return &crypto.ErrTokenInvalid{Sub: crypto.SubExpired, Message: "token expired"}
	}

	if g.registry.IsUsed(tok.TokenID) {
		return &crypto.ErrTokenInvalid{Sub: crypto.SubAlreadyUsed, Message: "token already redeemed"}
	}

	if tok.TenantID != tenantID {
		return &crypto.ErrTokenInvalid{Sub: crypto.SubWrongTenant, Message: "tenant mismatch"}
	}

	if tok.PlanHash != planHash {
		return &crypto.ErrTokenInvalid{Sub: crypto.SubPlanDrift, Message: "plan hash no longer matches the approved plan"}
	}

	if tok.ActionID != actionID {
		return &crypto.ErrTokenInvalid{Sub: crypto.SubWrongAction, Message: "action id mismatch"}
	}

	if !g.registry.TryConsume(tok.TokenID) {
		return &crypto.ErrTokenInvalid{Sub: crypto.SubAlreadyUsed, Message: "token already redeemed"}
	}

	if err := fn(ctx); err != nil {
		g.auditRedeem(ctx, tok, "redeem_failed", err.Error())
		return err
	}
	g.auditRedeem(ctx, tok, "redeemed", "")
	return nil
}

func (g *Gate) audit(ctx context.Context, req *Request, outcome, reason string) {
	if g.log == nil {
		return
	}
	meta := map[string]interface{}{"risk_reasoning": req.RiskReasoning}
	if reason != "" {
		meta["reason"] = reason
	}
	_ = g.log.RecordEvent(ctx, audit.Event{
		TenantID:  req.TenantID,
		ActorID:   req.RequestedBy,
		Type:      audit.EventPolicy,
		Action:    "approval_gate",
		Resource:  req.ActionID,
		Timestamp: g.clock(),
		Metadata:  meta,
		ActionID:  req.ActionID,
		PlanHash:  req.PlanHash,
		RiskLevel: string(req.RiskLevel),
		Outcome:   outcome,
	})
}

func (g *Gate) auditRedeem(ctx context.Context, tok *crypto.ApprovalToken, outcome, reason string) {
	if g.log == nil {
		return
	}
	meta := map[string]interface{}{}
	if reason != "" {
		meta["reason"] = reason
	}
	_ = g.log.RecordEvent(ctx, audit.Event{
		TenantID:  tok.TenantID,
		ActorID:   tok.ApproverID,
		Type:      audit.EventPolicy,
		Action:    "approval_redeem",
		Resource:  tok.ActionID,
		Timestamp: g.clock(),
		Metadata:  meta,
		ActionID:  tok.ActionID,
		PlanHash:  hex.EncodeToString(tok.PlanHash[:]),
		Outcome:   outcome,
	})
}
