// Package tenant implements the Tenant Isolation Kernel: ambient,
// per-logical-task propagation of TenantContext, with strict-mode
// enforcement and an explicit background-task boundary (spec §4.B).
package tenant

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
)

type contextKey string

const (
	principalKey contextKey = "principal"
	tenantCtxKey contextKey = "tenant_context"
	bypassKey    contextKey = "tenant_bypass"
)

// Sentinel errors forming the isolation-kernel slice of the error taxonomy (spec §7).
var (
	ErrNoPrincipal           = errors.New("tenant: no principal in context")
	ErrTenantContextRequired = errors.New("tenant: TenantContextRequired: no tenant context installed in strict mode")
	ErrTenantContextMismatch = errors.New("tenant: TenantContextMismatch: caller tenant does not match ambient context")
	ErrEmptyBypassReason     = errors.New("tenant: bypass reason must not be empty")
)

// WithPrincipal attaches a Principal to the context. Retained from the
// teacher's auth package for HTTP-layer authentication plumbing.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok {
		return nil, ErrNoPrincipal
	}
	return p, nil
}

// GetTenantID is a helper to get the TenantID from the context's Principal.
func GetTenantID(ctx context.Context) (string, error) {
	p, err := GetPrincipal(ctx)
	if err != nil {
		return "", err
	}
	return p.GetTenantID(), nil
}

// MustGetTenantID panics if tenant ID is missing (use only when middleware guarantees it).
func MustGetTenantID(ctx context.Context) string {
	tid, err := GetTenantID(ctx)
	if err != nil {
		panic(err)
	}
	return tid
}

// Token is the opaque handle returned by Set; Reset pops exactly the
// context associated with it. Using a handle against the wrong Kernel, or
// a handle that was already reset, is undefined per spec §4.B — we don't
// guard against it beyond the type system.
type Token struct {
	prior context.Context
}

// BypassAuditFunc is invoked on entry and exit of a bypass scope (spec §4.B
// "emits an audit event on enter and exit"). The isolation kernel does not
// import the audit package directly to avoid a dependency cycle (audit
// itself consults tenant context); the caller wires the two together.
type BypassAuditFunc func(ctx context.Context, event string, reason string)

// Kernel is the Tenant Isolation Kernel. It is constructed once at startup
// (a scoped singleton per spec §5/§9) and injected everywhere it's needed;
// a Reset-free design lets test code simply construct a fresh Kernel.
type Kernel struct {
	strict     atomic.Bool
	onBypass   BypassAuditFunc
	log        *slog.Logger
}

// NewKernel builds a Kernel. strict mirrors TENANT_STRICT_MODE.
func NewKernel(strict bool, onBypass BypassAuditFunc, log *slog.Logger) *Kernel {
	if log == nil {
		log = slog.Default()
	}
	k := &Kernel{onBypass: onBypass, log: log}
	k.strict.Store(strict)
	return k
}

// SetStrict flips strict mode at runtime (used by admin surface / tests).
func (k *Kernel) SetStrict(strict bool) { k.strict.Store(strict) }

// Strict reports whether strict mode is currently active.
func (k *Kernel) Strict() bool { return k.strict.Load() }

// Set pushes a new TenantContext, returning the resulting context and an
// opaque Token that Reset uses to restore the prior value.
func (k *Kernel) Set(ctx context.Context, tc Context) (context.Context, Token) {
	tok := Token{prior: ctx}
	return context.WithValue(ctx, tenantCtxKey, tc), tok
}

// Reset restores the context captured in tok. Callers typically do:
//
//	ctx, tok := kernel.Set(ctx, tc)
//	defer func() { ctx = kernel.Reset(tok) }()
func (k *Kernel) Reset(tok Token) context.Context {
	return tok.prior
}

// Current reads the current TenantContext, if any.
func (k *Kernel) Current(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(tenantCtxKey).(Context)
	return tc, ok
}

// RequireCurrent enforces the data-scoped-read invariant of §4.B: a
// data-scoped operation with no tenant_id and no active bypass fails in
// strict mode, warns (via the injected logger) in lenient mode.
func (k *Kernel) RequireCurrent(ctx context.Context) (Context, error) {
	if k.bypassActive(ctx) {
		return Context{}, nil
	}
	tc, ok := k.Current(ctx)
	if !ok || tc.TenantID == "" {
		if k.strict.Load() {
			return Context{}, ErrTenantContextRequired
		}
		k.log.Warn("tenant: data-scoped operation without tenant context (lenient mode)")
		return Context{}, nil
	}
	return tc, nil
}

// WithBypass returns a scoped context in which the query-filter-skip flag
// is set for the duration, auditing entry; the returned cancel func must be
// called to audit the exit and should typically be deferred.
func (k *Kernel) WithBypass(ctx context.Context, reason string) (context.Context, func(), error) {
	if reason == "" {
		return ctx, func() {}, ErrEmptyBypassReason
	}
	bypassCtx := context.WithValue(ctx, bypassKey, reason)
	if k.onBypass != nil {
		k.onBypass(bypassCtx, "bypass_entered", reason)
	}
	exited := false
	cancel := func() {
		if exited {
			return
		}
		exited = true
		if k.onBypass != nil {
			k.onBypass(ctx, "bypass_exited", reason)
		}
	}
	return bypassCtx, cancel, nil
}

func (k *Kernel) bypassActive(ctx context.Context) bool {
	reason, ok := ctx.Value(bypassKey).(string)
	return ok && reason != ""
}

// SpawnBackgroundTask installs a fresh TenantContext for deferred work,
// taking tenantID as an explicit required parameter — background tasks
// never inherit ambient context (spec §4.B background-task boundary).
// ctx should be context.Background() or a task-scheduler root context, NOT
// the request context the caller is leaving.
func (k *Kernel) SpawnBackgroundTask(ctx context.Context, tenantID, actorID string) (context.Context, error) {
	if tenantID == "" {
		return ctx, ErrTenantContextRequired
	}
	tc := Context{TenantID: tenantID, ActorID: actorID}
	out, _ := k.Set(ctx, tc)
	return out, nil
}

// CloneForChild returns a context carrying an independent copy of the
// parent's TenantContext, for fan-out to concurrently spawned child tasks
// (spec §4.B concurrency model: children get a clone, never a shared
// reference).
func (k *Kernel) CloneForChild(parent context.Context) context.Context {
	tc, ok := k.Current(parent)
	if !ok {
		return parent
	}
	cloned, _ := k.Set(parent, tc.clone())
	return cloned
}
