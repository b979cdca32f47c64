// ABOUTME: Adapters binding the persistence layer to the session collaborator interfaces.
// ABOUTME: Translates session telemetry types into store rows.

package gateway

import (
	"context"

	"github.com/2389/wa-gateway/internal/session"
	"github.com/2389/wa-gateway/internal/store"
)

// storeStatusSink persists session telemetry into the gateway store.
type storeStatusSink struct {
	store store.Store
}

func (s *storeStatusSink) SaveSessionStatus(ctx context.Context, st session.Status) error {
	return s.store.SaveSessionStatus(ctx, &store.SessionStatus{
		TenantID:    st.TenantID,
		Project:     string(st.Project),
		State:       string(st.State),
		PhoneNumber: st.PhoneNumber,
		DisplayName: st.DisplayName,
	})
}

func (s *storeStatusSink) AppendConnectionEvent(ctx context.Context, tenantID string, project session.Project, kind string, detail map[string]any) error {
	return s.store.AppendConnectionEvent(ctx, &store.ConnectionEvent{
		TenantID: tenantID,
		Project:  string(project),
		Kind:     kind,
		Detail:   detail,
	})
}

// storeDirectory answers agency lookups from the agencies table.
type storeDirectory struct {
	store store.Store
}

func (d *storeDirectory) AgencyExists(ctx context.Context, tenantID string) (bool, error) {
	return d.store.AgencyExists(ctx, tenantID)
}
