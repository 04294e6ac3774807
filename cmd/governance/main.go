// Command governance runs the AI Governance Fabric's admin HTTP surface
// (spec §6): the only path by which humans influence fabric state
// (pending_approvals, approve, reject, status, set_phase, audit_export,
// set_flag). There is no pause_tenant endpoint.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aegisfabric/governance/pkg/admission"
	"github.com/aegisfabric/governance/pkg/apierr"
	"github.com/aegisfabric/governance/pkg/approval"
	"github.com/aegisfabric/governance/pkg/audit"
	"github.com/aegisfabric/governance/pkg/circuit"
	"github.com/aegisfabric/governance/pkg/config"
	"github.com/aegisfabric/governance/pkg/crypto"
	"github.com/aegisfabric/governance/pkg/flags"
	"github.com/aegisfabric/governance/pkg/phase"
	"github.com/aegisfabric/governance/pkg/quota"
	"github.com/aegisfabric/governance/pkg/ratelimit"
	"github.com/aegisfabric/governance/pkg/store"
	"github.com/aegisfabric/governance/pkg/tenant"

	_ "modernc.org/sqlite"
)

// fabric is every scoped singleton the admission pipeline needs (spec §5
// "scoped singletons with explicit init-at-startup").
type fabric struct {
	cfg        *config.Config
	phase      *phase.Gate
	kernel     *tenant.Kernel
	limiter    *ratelimit.Limiter
	quota      *quota.Tracker
	circuits   *circuit.Registry
	signer     *crypto.Signer
	log        audit.Logger
	approval   *approval.Gate
	pipeline   *admission.Pipeline
	auditStore *store.AuditStore
	exporter   *audit.Exporter
	flags      *flags.Service
}

func newFabric(cfg *config.Config) (*fabric, error) {
	key := cfg.EncryptionKey
	if len(key) == 0 {
		// Dev-mode fallback only; production deployments must set
		// AI_ENCRYPTION_KEY (spec §6).
		key = crypto.DeriveKey("insecure-dev-only-key", []byte("aegisfabric-governance-dev-salt"))
	}
	signer, err := crypto.NewSigner(key)
	if err != nil {
		return nil, err
	}

	phaseGate := phase.New()

	// The hash-chained AuditStore is the fabric's sole source of chain
	// truth (spec §3 "append-only, hash-chained AuditEvent"). StoreLogger
	// adapts it to the audit.Logger interface AsyncSink and approval.Gate
	// already speak; a bare audit.NewLogger() would never produce a
	// chained event at all.
	auditStore := store.NewAuditStore()
	if cfg.AuditSQLitePath != "" {
		if err := attachSQLiteDurability(auditStore, cfg.AuditSQLitePath); err != nil {
			// Durability is best-effort; the in-memory chain remains
			// authoritative even if the SQLite sink can't be opened.
			slog.Error("audit sqlite durability disabled", slog.String("error", err.Error()))
		}
	}
	storeLogger := audit.NewStoreLogger(auditStore)
	fallback := audit.NewLogger()
	sink := audit.NewAsyncSink(storeLogger, fallback, 1024, slog.Default())
	approvalGate := approval.NewGate(phaseGate, signer, sink)
	kernel := tenant.NewKernel(cfg.TenantStrictMode, nil, slog.Default())
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		TenantLimitPerMinute: cfg.RateLimitPerMinute,
		UserLimitPerMinute:   cfg.RateLimitPerUserPerMinute,
	})
	circuits := circuit.NewRegistry(circuit.Settings{})
	quotaTracker := quota.NewTracker()
	flagService := flags.New(cfg.AIEnabled)

	f := &fabric{
		cfg:        cfg,
		phase:      phaseGate,
		kernel:     kernel,
		limiter:    limiter,
		quota:      quotaTracker,
		circuits:   circuits,
		signer:     signer,
		log:        sink,
		approval:   approvalGate,
		auditStore: auditStore,
		exporter:   audit.NewExporter(auditStore),
		flags:      flagService,
	}
	f.pipeline = &admission.Pipeline{
		Phase:         phaseGate,
		Tenant:        kernel,
		Limiter:       limiter,
		Quota:         quotaTracker,
		Circuits:      circuits,
		Approval:      approvalGate,
		Log:           sink,
		Flags:         flagService,
		RiskThreshold: 0,
	}
	return f, nil
}

// attachSQLiteDurability opens the embedded SQLite file and registers it
// as an AuditStore handler: every chained Append also lands durably on
// disk, without SQLite ever being consulted for chain truth (spec §4.H
// "optional embedded persistence").
func attachSQLiteDurability(auditStore *store.AuditStore, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	sqliteStore, err := store.NewSQLiteAuditStore(db)
	if err != nil {
		return err
	}
	auditStore.AddHandler(func(entry *store.AuditEntry) {
		if err := sqliteStore.Append(context.Background(), entry); err != nil {
			slog.Error("audit sqlite append failed", slog.String("error", err.Error()), slog.String("entry_id", entry.EntryID))
		}
	})
	return nil
}

func main() {
	cfg := config.Load()
	f, err := newFabric(cfg)
	if err != nil {
		slog.Error("failed to start fabric", slog.String("error", err.Error()))
		os.Exit(1)
	}

	go f.sweepLoop()

	mux := http.NewServeMux()
	mux.HandleFunc("/admin/pending_approvals", f.handlePendingApprovals)
	mux.HandleFunc("/admin/approve", f.handleApprove)
	mux.HandleFunc("/admin/reject", f.handleReject)
	mux.HandleFunc("/admin/status", f.handleStatus)
	mux.HandleFunc("/admin/set_phase", f.handleSetPhase)
	mux.HandleFunc("/admin/audit_export", f.handleAuditExport)
	mux.HandleFunc("/admin/set_flag", f.handleSetFlag)

	limiter := apierr.NewGlobalRateLimiter(50, 100)
	handler := tenant.RequestIDMiddleware(limiter.Middleware(tenant.CORSMiddleware(nil)(mux)))

	slog.Info("governance admin surface listening", slog.String("port", cfg.Port))
	if err := http.ListenAndServe(":"+cfg.Port, handler); err != nil {
		slog.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// sweepLoop periodically expires overdue approval requests and prunes
// the token registry (spec §4.G.4's periodic sweeper).
func (f *fabric) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		f.approval.Sweep(context.Background())
	}
}

func (f *fabric) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierr.WriteMethodNotAllowed(w)
		return
	}
	tenantID := r.URL.Query().Get("tenant")
	pending := f.approval.PendingByTenant(tenantID)
	writeJSON(w, pending)
}

func (f *fabric) handleApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.WriteMethodNotAllowed(w)
		return
	}
	var body struct {
		ActionID string `json:"action_id"`
		Approver string `json:"approver"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierr.WriteBadRequest(w, "invalid request body")
		return
	}
	token, err := f.approval.Approve(r.Context(), body.ActionID, body.Approver)
	if err != nil {
		apierr.WriteErrorR(w, r, http.StatusConflict, "approval_failed", err.Error())
		return
	}
	writeJSON(w, map[string]string{"token": token})
}

func (f *fabric) handleReject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.WriteMethodNotAllowed(w)
		return
	}
	var body struct {
		ActionID string `json:"action_id"`
		Rejector string `json:"rejector"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierr.WriteBadRequest(w, "invalid request body")
		return
	}
	if err := f.approval.Reject(r.Context(), body.ActionID, body.Rejector, body.Reason); err != nil {
		apierr.WriteErrorR(w, r, http.StatusConflict, "rejection_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *fabric) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierr.WriteMethodNotAllowed(w)
		return
	}
	writeJSON(w, map[string]interface{}{
		"phase":             f.phase.Current().String(),
		"enabled":           f.phase.Enabled(),
		"circuits":          f.circuits.All(),
		"audit_chain_head":  f.auditStore.GetChainHead(),
		"audit_sequence":    f.auditStore.GetSequence(),
		"audit_chain_valid": f.auditStore.VerifyChain() == nil,
	})
}

// handleAuditExport produces a downloadable evidence pack (spec §4.H) for
// a tenant's slice of the hash-chained audit log.
func (f *fabric) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierr.WriteMethodNotAllowed(w)
		return
	}
	tenantID := r.URL.Query().Get("tenant")
	pack, checksum, err := f.exporter.GeneratePack(r.Context(), audit.ExportRequest{TenantID: tenantID})
	if err != nil {
		apierr.WriteErrorR(w, r, http.StatusBadRequest, "export_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("X-Checksum-SHA256", checksum)
	w.Header().Set("Content-Disposition", "attachment; filename=\"audit-evidence-"+tenantID+".zip\"")
	_, _ = w.Write(pack)
}

// handleSetFlag sets or clears a per-tenant capability override (spec
// supplement, pkg/flags). Omitting tenant sets the global default instead.
func (f *fabric) handleSetFlag(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.WriteMethodNotAllowed(w)
		return
	}
	var body struct {
		Capability string `json:"capability"`
		TenantID   string `json:"tenant_id"`
		Enabled    bool   `json:"enabled"`
		Clear      bool   `json:"clear"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierr.WriteBadRequest(w, "invalid request body")
		return
	}
	capability := flags.Capability(body.Capability)
	switch {
	case body.Clear && body.TenantID != "":
		f.flags.ClearTenantOverride(capability, body.TenantID)
	case body.TenantID != "":
		f.flags.SetTenantOverride(capability, body.TenantID, body.Enabled)
	default:
		f.flags.SetDefault(capability, body.Enabled)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *fabric) handleSetPhase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.WriteMethodNotAllowed(w)
		return
	}
	var body struct {
		Phase string `json:"phase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierr.WriteBadRequest(w, "invalid request body")
		return
	}
	f.phase.ResetTo(phase.Snapshot{Current: phase.ParsePhase(body.Phase), Enabled: f.phase.Enabled()})
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
