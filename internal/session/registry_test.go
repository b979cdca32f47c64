// ABOUTME: Tests for the per-tenant session registry.
// ABOUTME: Covers install, replace, compare-and-swap, remove, and shutdown.

package session

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func installedRecord(t *testing.T, g *Registry, tenantID string, ft *fakeTransport) *Record {
	t.Helper()
	rec, err := g.Upsert(tenantID, func() (*Record, error) {
		r := newRecord(tenantID, ProjectAgency, "")
		unsub := ft.Subscribe(&stateMachine{})
		r.setConnecting(ft, unsub)
		return r, nil
	})
	require.NoError(t, err)
	return rec
}

func TestRegistryUpsert(t *testing.T) {
	t.Run("installs a record", func(t *testing.T) {
		g := NewRegistry(testLogger())
		rec := installedRecord(t, g, "tenant-a", &fakeTransport{})

		got, ok := g.Get("tenant-a")
		require.True(t, ok)
		assert.Same(t, rec, got)
	})

	t.Run("replaces and tears down the old record", func(t *testing.T) {
		g := NewRegistry(testLogger())
		oldTransport := &fakeTransport{}
		old := installedRecord(t, g, "tenant-a", oldTransport)

		installedRecord(t, g, "tenant-a", &fakeTransport{})

		assert.True(t, old.isSuperseded())
		assert.True(t, oldTransport.isClosed())
		assert.False(t, oldTransport.isLoggedOut())
	})

	t.Run("installs failed record alongside error", func(t *testing.T) {
		g := NewRegistry(testLogger())
		rec, err := g.Upsert("tenant-a", func() (*Record, error) {
			r := newRecord("tenant-a", ProjectAgency, "")
			r.failInit()
			return r, assert.AnError
		})
		require.Error(t, err)
		require.NotNil(t, rec)

		got, ok := g.Get("tenant-a")
		require.True(t, ok)
		assert.Equal(t, StateDisconnected, got.Status().State)
	})

	t.Run("nil record on error leaves slot empty", func(t *testing.T) {
		g := NewRegistry(testLogger())
		_, err := g.Upsert("tenant-a", func() (*Record, error) {
			return nil, assert.AnError
		})
		require.Error(t, err)
		_, ok := g.Get("tenant-a")
		assert.False(t, ok)
	})
}

func TestRegistryReplaceIf(t *testing.T) {
	t.Run("replaces when prev is current", func(t *testing.T) {
		g := NewRegistry(testLogger())
		prev := installedRecord(t, g, "tenant-a", &fakeTransport{})

		next := newRecord("tenant-a", ProjectAgency, "")
		rec, replaced, err := g.ReplaceIf(prev, func() (*Record, error) {
			return next, nil
		})
		require.NoError(t, err)
		assert.True(t, replaced)
		assert.Same(t, next, rec)

		got, _ := g.Get("tenant-a")
		assert.Same(t, next, got)
	})

	t.Run("abandons when prev was superseded", func(t *testing.T) {
		g := NewRegistry(testLogger())
		stale := installedRecord(t, g, "tenant-a", &fakeTransport{})
		current := installedRecord(t, g, "tenant-a", &fakeTransport{})

		_, replaced, err := g.ReplaceIf(stale, func() (*Record, error) {
			t.Fatal("build must not run for a stale record")
			return nil, nil
		})
		require.NoError(t, err)
		assert.False(t, replaced)

		got, _ := g.Get("tenant-a")
		assert.Same(t, current, got)
	})

	t.Run("abandons when tenant was removed", func(t *testing.T) {
		g := NewRegistry(testLogger())
		prev := installedRecord(t, g, "tenant-a", &fakeTransport{})
		g.Remove(context.Background(), "tenant-a")

		_, replaced, _ := g.ReplaceIf(prev, func() (*Record, error) {
			t.Fatal("build must not run after removal")
			return nil, nil
		})
		assert.False(t, replaced)
	})
}

func TestRegistryRemove(t *testing.T) {
	g := NewRegistry(testLogger())
	ft := &fakeTransport{}
	rec := installedRecord(t, g, "tenant-a", ft)

	g.Remove(context.Background(), "tenant-a")

	assert.True(t, rec.isSuperseded())
	assert.True(t, ft.isLoggedOut(), "removal performs a device logout")
	assert.True(t, ft.isClosed())
	_, ok := g.Get("tenant-a")
	assert.False(t, ok)

	// Removing again is a no-op.
	g.Remove(context.Background(), "tenant-a")
}

func TestRegistryShutdown(t *testing.T) {
	g := NewRegistry(testLogger())
	ftA := &fakeTransport{}
	ftB := &fakeTransport{}
	installedRecord(t, g, "tenant-a", ftA)
	installedRecord(t, g, "tenant-b", ftB)

	g.Shutdown(context.Background())

	for name, ft := range map[string]*fakeTransport{"tenant-a": ftA, "tenant-b": ftB} {
		assert.True(t, ft.isClosed(), name)
		assert.False(t, ft.isLoggedOut(), name)
		_, ok := g.Get(name)
		assert.False(t, ok, name)
	}
}
