package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/aegisfabric/governance/pkg/tenant"
	"github.com/aegisfabric/governance/pkg/store"
)

type StoreLogger struct {
	store *store.AuditStore
}

func NewStoreLogger(s *store.AuditStore) *StoreLogger {
	return &StoreLogger{store: s}
}

func (l *StoreLogger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]interface{}) error {
	if l.store == nil {
		return fmt.Errorf("fail-closed: audit store not configured")
	}

	principal, _ := tenant.GetPrincipal(ctx)
	tenantID := "system"
	actorID := "system"
	if principal != nil {
		tenantID = principal.GetTenantID()
		actorID = principal.GetID()
	}

	evt := Event{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		ActorID:   actorID,
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
	return l.RecordEvent(ctx, evt)
}

// RecordEvent persists a fully-populated Event, preserving whatever
// tenant_id/actor_id it already carries rather than re-deriving them
// from ctx (the caller may be recording on behalf of a different
// subject, e.g. an approval decision keyed by approver, not requester).
func (l *StoreLogger) RecordEvent(ctx context.Context, evt Event) error {
	if l.store == nil {
		return fmt.Errorf("fail-closed: audit store not configured")
	}
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	_, err := l.store.Append(store.EntryTypeAudit, "tenant:"+evt.TenantID, evt.Action, evt, map[string]string{
		"actor_id":   evt.ActorID,
		"event_id":   evt.ID,
		"event_type": string(evt.Type),
	})
	return err
}
