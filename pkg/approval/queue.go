package approval

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is an ApprovalRequest's lifecycle state (spec §3 ApprovalRequest).
type Status string

const (
	StatusPendingApproval Status = "PendingApproval"
	StatusApproved        Status = "Approved"
	StatusRejected        Status = "Rejected"
	StatusExpired         Status = "Expired"
	StatusAutoApproved    Status = "AutoApproved"
)

// Request is a pending-approval queue entry (spec §3 ApprovalRequest).
type Request struct {
	ActionID             string
	Plan                 ActionPlan
	PlanHash             string // lowercase hex SHA-256
	RiskLevel            RiskLevel
	RiskReasoning        string
	RollbackPlan         string
	RequiredPermissions  []string
	TenantID             string
	RequestedBy          string
	CreatedAt            time.Time
	ExpiresAt            time.Time
	Status               Status
	ApprovedBy           string
	RejectedBy           string
	RejectionReason      string
}

// ErrRequestNotFound is returned when an action_id has no queue entry.
type ErrRequestNotFound struct{ ActionID string }

func (e *ErrRequestNotFound) Error() string {
	return fmt.Sprintf("approval: no pending request for action_id %q", e.ActionID)
}

// ErrRequestNotPending is returned when a transition is attempted on a
// request that has already left the PendingApproval state.
type ErrRequestNotPending struct {
	ActionID string
	Status   Status
}

func (e *ErrRequestNotPending) Error() string {
	return fmt.Sprintf("approval: action_id %q is %s, not pending", e.ActionID, e.Status)
}

// Queue is the pending-approval queue, indexed by tenant for admin
// views (spec §4.G.4), grounded on the teacher's escalation.Manager
// intent map (since deleted) — same shape, generalized to plan-bound
// approval requests instead of execution-intent escalations.
type Queue struct {
	clock func() time.Time

	mu       sync.Mutex
	byAction map[string]*Request
	byTenant map[string]map[string]struct{}
}

// NewQueue builds an empty queue.
func NewQueue() *Queue {
	return &Queue{
		clock:    time.Now,
		byAction: make(map[string]*Request),
		byTenant: make(map[string]map[string]struct{}),
	}
}

// WithClock overrides the clock for deterministic sweeper tests.
func (q *Queue) WithClock(clock func() time.Time) *Queue {
	q.clock = clock
	return q
}

// Enqueue adds req, generating an ActionID if unset. It is the caller's
// responsibility to have already classified risk as approval-required.
func (q *Queue) Enqueue(req *Request) *Request {
	if req.ActionID == "" {
		req.ActionID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = q.clock()
	}
	req.Status = StatusPendingApproval

	q.mu.Lock()
	defer q.mu.Unlock()
	q.byAction[req.ActionID] = req
	set, ok := q.byTenant[req.TenantID]
	if !ok {
		set = make(map[string]struct{})
		q.byTenant[req.TenantID] = set
	}
	set[req.ActionID] = struct{}{}
	return req
}

// Get returns the request for actionID, or ErrRequestNotFound.
func (q *Queue) Get(actionID string) (*Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.byAction[actionID]
	if !ok {
		return nil, &ErrRequestNotFound{ActionID: actionID}
	}
	return r, nil
}

// PendingByTenant lists every PendingApproval request for tenant (spec
// §4.G.4 "indexed by tenant for admin views").
func (q *Queue) PendingByTenant(tenant string) []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Request
	for id := range q.byTenant[tenant] {
		if r := q.byAction[id]; r != nil && r.Status == StatusPendingApproval {
			out = append(out, r)
		}
	}
	return out
}

// transition applies fn to the request under the queue lock, refusing
// if it's not in PendingApproval.
func (q *Queue) transition(actionID string, fn func(*Request)) (*Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.byAction[actionID]
	if !ok {
		return nil, &ErrRequestNotFound{ActionID: actionID}
	}
	if r.Status != StatusPendingApproval {
		return nil, &ErrRequestNotPending{ActionID: actionID, Status: r.Status}
	}
	fn(r)
	return r, nil
}

// MarkApproved transitions actionID to Approved.
func (q *Queue) MarkApproved(actionID, approverID string) (*Request, error) {
	return q.transition(actionID, func(r *Request) {
		r.Status = StatusApproved
		r.ApprovedBy = approverID
	})
}

// MarkRejected transitions actionID to Rejected.
func (q *Queue) MarkRejected(actionID, rejectorID, reason string) (*Request, error) {
	return q.transition(actionID, func(r *Request) {
		r.Status = StatusRejected
		r.RejectedBy = rejectorID
		r.RejectionReason = reason
	})
}

// Sweep moves every PendingApproval entry whose ExpiresAt has passed to
// Expired (spec §4.G.4: "a periodic sweeper moves expired entries to
// history with status=Expired"). Returns the requests it expired.
func (q *Queue) Sweep() []*Request {
	now := q.clock()
	q.mu.Lock()
	defer q.mu.Unlock()
	var expired []*Request
	for _, r := range q.byAction {
		if r.Status == StatusPendingApproval && now.After(r.ExpiresAt) {
			r.Status = StatusExpired
			expired = append(expired, r)
		}
	}
	return expired
}
