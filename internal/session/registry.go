// ABOUTME: SessionRegistry: at most one live session record per tenant.
// ABOUTME: Per-tenant locking so one tenant's transport I/O never blocks another's.

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Registry owns the tenant-id to record mapping. Each tenant has its own
// slot lock; Upsert runs teardown and construction under the slot lock so a
// reader never observes a half-initialized record, while other tenants
// proceed in parallel.
type Registry struct {
	logger *slog.Logger

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	mu  sync.Mutex
	rec *Record
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger.With("component", "session-registry"),
		slots:  make(map[string]*slot),
	}
}

func (g *Registry) slotFor(tenantID string) *slot {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[tenantID]
	if !ok {
		s = &slot{}
		g.slots[tenantID] = s
	}
	return s
}

// Upsert atomically replaces any existing record for tenantID. The old
// record's transport is fully torn down (events detached, socket closed,
// teardown errors ignored) before build runs. build may return both a record
// and an error; a non-nil record is installed either way, so a failed
// transport init still leaves an observable DISCONNECTED session.
func (g *Registry) Upsert(tenantID string, build func() (*Record, error)) (*Record, error) {
	s := g.slotFor(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if old := s.rec; old != nil {
		g.teardown(context.Background(), old, false)
		s.rec = nil
		g.logger.Debug("evicted superseded session", "tenant_id", tenantID, "session_id", old.ID)
	}

	rec, err := build()
	if rec != nil {
		s.rec = rec
		g.logger.Info("session installed",
			"tenant_id", tenantID,
			"session_id", rec.ID,
			"project", rec.Project,
		)
	}
	return rec, err
}

// ReplaceIf installs build's record only if the tenant's current record is
// still prev. Used by the reconnect path: a retry scheduled against a
// session that has since been superseded or removed must be abandoned, not
// applied on top of its successor.
func (g *Registry) ReplaceIf(prev *Record, build func() (*Record, error)) (*Record, bool, error) {
	s := g.slotFor(prev.TenantID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rec != prev {
		return nil, false, nil
	}
	g.teardown(context.Background(), prev, false)
	s.rec = nil

	rec, err := build()
	if rec != nil {
		s.rec = rec
		g.logger.Info("session replaced for reconnect",
			"tenant_id", prev.TenantID,
			"session_id", rec.ID,
		)
	}
	return rec, true, err
}

// Get returns the tenant's current record, if any.
func (g *Registry) Get(tenantID string) (*Record, bool) {
	s := g.slotFor(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil, false
	}
	return s.rec, true
}

// Remove gracefully logs the tenant out and deletes the record. Removing an
// absent tenant is a no-op.
func (g *Registry) Remove(ctx context.Context, tenantID string) {
	s := g.slotFor(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rec == nil {
		return
	}
	g.teardown(ctx, s.rec, true)
	g.logger.Info("session removed", "tenant_id", tenantID, "session_id", s.rec.ID)
	s.rec = nil
}

// Shutdown tears down every live session without logging devices out, so
// credentials survive and sessions resume on the next start.
func (g *Registry) Shutdown(ctx context.Context) {
	g.mu.Lock()
	slots := make(map[string]*slot, len(g.slots))
	for id, s := range g.slots {
		slots[id] = s
	}
	g.mu.Unlock()

	for tenantID, s := range slots {
		s.mu.Lock()
		if s.rec != nil {
			g.teardown(ctx, s.rec, false)
			g.logger.Info("session closed for shutdown", "tenant_id", tenantID, "session_id", s.rec.ID)
			s.rec = nil
		}
		s.mu.Unlock()
	}
}

// teardown freezes the record, detaches its event subscription, and ends the
// transport. Teardown errors are logged and ignored: the record is going
// away regardless.
func (g *Registry) teardown(ctx context.Context, r *Record, logout bool) {
	r.supersede()

	t, unsubscribe := r.takeTransport()
	if unsubscribe != nil {
		unsubscribe()
	}
	if t == nil {
		return
	}
	if logout {
		logoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := t.Logout(logoutCtx); err != nil {
			g.logger.Warn("logout failed during teardown", "tenant_id", r.TenantID, "error", err)
		}
	}
	t.Close()
}
