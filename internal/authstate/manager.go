// ABOUTME: Per-tenant durable credential directory management.
// ABOUTME: The layout is opaque to the gateway; only the transport interprets it.

package authstate

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
)

// tenant ids become directory names, so they are restricted to a safe charset
var safeTenantID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Manager resolves and maintains one credential directory per tenant under a
// common base directory.
type Manager struct {
	baseDir string
	logger  *slog.Logger
}

// NewManager creates a manager rooted at baseDir.
func NewManager(baseDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{baseDir: baseDir, logger: logger.With("component", "authstate")}
}

// DevicePath returns the path of the tenant's credential database, creating
// the tenant directory if needed.
func (m *Manager) DevicePath(tenantID string) (string, error) {
	dir, err := m.tenantDir(tenantID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating credential directory: %w", err)
	}
	return filepath.Join(dir, "device.db"), nil
}

// Reset discards all persisted credential material for the tenant, forcing a
// fresh pairing on the next connection. Missing state is not an error.
func (m *Manager) Reset(tenantID string) error {
	dir, err := m.tenantDir(tenantID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing credential directory: %w", err)
	}
	m.logger.Info("credential state reset", "tenant_id", tenantID)
	return nil
}

func (m *Manager) tenantDir(tenantID string) (string, error) {
	if !safeTenantID.MatchString(tenantID) {
		return "", fmt.Errorf("invalid tenant id %q", tenantID)
	}
	return filepath.Join(m.baseDir, tenantID), nil
}
