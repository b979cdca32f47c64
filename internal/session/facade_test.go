// ABOUTME: Tests for the session facade: create, status, send, disconnect.
// ABOUTME: Exercises pairing, connection, close-reason handling, and reconnect.

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wa-gateway/internal/transport"
)

func TestCreateOrReconnectValidation(t *testing.T) {
	t.Run("unknown agency rejected", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.facade.CreateOrReconnect(context.Background(), CreateRequest{
			TenantID: "nobody",
			Project:  ProjectAgency,
		})
		require.ErrorIs(t, err, ErrTenantNotFound)
		assert.Equal(t, 0, env.factory.count(), "no transport should be created for an unknown agency")
	})

	t.Run("project defaults to agency", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.facade.CreateOrReconnect(context.Background(), CreateRequest{
			TenantID: "nobody",
		})
		require.ErrorIs(t, err, ErrTenantNotFound)
	})

	t.Run("store project checks format only", func(t *testing.T) {
		env := newTestEnv(t)
		env.factory.setup = func(ft *fakeTransport) {
			ft.onConnect = func(ft *fakeTransport) { ft.emitPairingCode("ABCD-1234") }
		}

		// Not in the agency directory, but a valid store id.
		st, err := env.facade.CreateOrReconnect(context.Background(), CreateRequest{
			TenantID: "store-42",
			Project:  ProjectStore,
		})
		require.NoError(t, err)
		assert.Equal(t, ProjectStore, st.Project)
	})

	t.Run("malformed store id rejected", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.facade.CreateOrReconnect(context.Background(), CreateRequest{
			TenantID: "../etc/passwd",
			Project:  ProjectStore,
		})
		require.ErrorIs(t, err, ErrTenantNotFound)
	})

	t.Run("unknown project rejected", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.facade.CreateOrReconnect(context.Background(), CreateRequest{
			TenantID: "agency-1",
			Project:  Project("marketplace"),
		})
		require.Error(t, err)
	})
}

func TestCreateOrReconnectPairing(t *testing.T) {
	env := newTestEnv(t)
	env.factory.setup = func(ft *fakeTransport) {
		ft.onConnect = func(ft *fakeTransport) { ft.emitPairingCode("ABCD-1234") }
	}

	st, err := env.facade.CreateOrReconnect(context.Background(), CreateRequest{
		TenantID:   "agency-1",
		Project:    ProjectAgency,
		WebhookURL: "https://hooks.example.com/wa",
	})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingPairing, st.State)
	assert.Equal(t, "ABCD-1234", st.PairingCode)
	assert.NotEmpty(t, st.SessionID)

	assert.Eventually(t, func() bool {
		for _, kind := range env.status.eventKinds() {
			if kind == "pairing_code" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "pairing should be recorded in the event log")
}

func TestCreateOrReconnectConnected(t *testing.T) {
	env := newTestEnv(t)
	env.factory.setup = func(ft *fakeTransport) {
		ft.onConnect = func(ft *fakeTransport) {
			ft.emitPairingCode("ABCD-1234")
			ft.emitOpened(transport.Identity{PhoneNumber: "15551234", DisplayName: "Acme"})
		}
	}

	st, err := env.facade.CreateOrReconnect(context.Background(), CreateRequest{
		TenantID:   "agency-1",
		Project:    ProjectAgency,
		WebhookURL: "https://hooks.example.com/wa",
	})
	require.NoError(t, err)

	// The bounded wait may return on the pairing code; the connected state
	// must be observable shortly after either way.
	if st.State != StateConnected {
		assert.Eventually(t, func() bool {
			return env.facade.Status("agency-1").State == StateConnected
		}, time.Second, 10*time.Millisecond)
	}

	st = env.facade.Status("agency-1")
	assert.Equal(t, StateConnected, st.State)
	assert.Equal(t, "15551234", st.PhoneNumber)
	assert.Equal(t, "Acme", st.DisplayName)
	assert.Empty(t, st.PairingCode, "pairing artifact must be cleared on connect")

	assert.Eventually(t, func() bool {
		return env.notifier.openedCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestCreateOrReconnectTransportInit(t *testing.T) {
	t.Run("factory failure leaves observable disconnected session", func(t *testing.T) {
		env := newTestEnv(t)
		env.factory.err = assert.AnError

		st, err := env.facade.CreateOrReconnect(context.Background(), CreateRequest{
			TenantID: "agency-1",
		})
		require.ErrorIs(t, err, ErrTransportInit)
		assert.Equal(t, StateDisconnected, st.State)
		assert.Equal(t, StateDisconnected, env.facade.Status("agency-1").State)
	})

	t.Run("connect failure closes the transport", func(t *testing.T) {
		env := newTestEnv(t)
		env.factory.setup = func(ft *fakeTransport) {
			ft.connectErr = assert.AnError
		}

		st, err := env.facade.CreateOrReconnect(context.Background(), CreateRequest{
			TenantID: "agency-1",
		})
		require.ErrorIs(t, err, ErrTransportInit)
		assert.Equal(t, StateDisconnected, st.State)
		assert.True(t, env.factory.transportAt(0).isClosed())
	})
}

func TestCreateOrReconnectBoundedWait(t *testing.T) {
	env := newTestEnv(t, func(cfg *FacadeConfig) {
		cfg.PairingWait = 50 * time.Millisecond
	})

	// The transport connects but never produces a pairing code or opens.
	start := time.Now()
	st, err := env.facade.CreateOrReconnect(context.Background(), CreateRequest{
		TenantID: "agency-1",
	})
	require.NoError(t, err, "a slow pairing is not an error")
	assert.Equal(t, StateConnecting, st.State)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCreateOrReconnectForcePairingReset(t *testing.T) {
	env := newTestEnv(t)
	env.factory.setup = func(ft *fakeTransport) {
		ft.onConnect = func(ft *fakeTransport) { ft.emitPairingCode("ABCD-1234") }
	}

	_, err := env.facade.CreateOrReconnect(context.Background(), CreateRequest{
		TenantID:          "agency-1",
		ForcePairingReset: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, env.credentials.resetCount())
}

func TestCreateOrReconnectSupersedes(t *testing.T) {
	env := newTestEnv(t)
	env.factory.setup = func(ft *fakeTransport) {
		ft.onConnect = func(ft *fakeTransport) {
			ft.emitOpened(transport.Identity{PhoneNumber: "15551234"})
		}
	}

	first, err := env.facade.CreateOrReconnect(context.Background(), CreateRequest{TenantID: "agency-1"})
	require.NoError(t, err)
	second, err := env.facade.CreateOrReconnect(context.Background(), CreateRequest{TenantID: "agency-1"})
	require.NoError(t, err)

	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, 2, env.factory.count())

	old := env.factory.transportAt(0)
	assert.True(t, old.isClosed(), "superseded transport must be closed")
	assert.False(t, old.isLoggedOut(), "replacement must not log the device out")
}

func TestStatusUnknownTenant(t *testing.T) {
	env := newTestEnv(t)
	st := env.facade.Status("ghost")
	assert.Equal(t, StateNotFound, st.State)
	assert.Equal(t, "ghost", st.TenantID)
}

func TestSend(t *testing.T) {
	connectEnv := func(t *testing.T) *testEnv {
		env := newTestEnv(t)
		env.factory.setup = func(ft *fakeTransport) {
			ft.onConnect = func(ft *fakeTransport) {
				ft.emitOpened(transport.Identity{PhoneNumber: "15551234"})
			}
		}
		_, err := env.facade.CreateOrReconnect(context.Background(), CreateRequest{TenantID: "agency-1"})
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return env.facade.Status("agency-1").State == StateConnected
		}, time.Second, 10*time.Millisecond)
		return env
	}

	t.Run("delivers through connected session", func(t *testing.T) {
		env := connectEnv(t)
		res := env.facade.Send(context.Background(), "agency-1", "15557777", "hello")
		assert.True(t, res.Success)
		assert.Equal(t, "MSG-1", res.MessageID)
	})

	t.Run("transport error reported in result", func(t *testing.T) {
		env := connectEnv(t)
		ft := env.factory.transportAt(0)
		ft.mu.Lock()
		ft.sendErr = assert.AnError
		ft.mu.Unlock()

		res := env.facade.Send(context.Background(), "agency-1", "15557777", "hello")
		assert.False(t, res.Success)
		assert.NotEmpty(t, res.Error)
	})

	t.Run("rejected when not connected", func(t *testing.T) {
		env := newTestEnv(t, func(cfg *FacadeConfig) {
			cfg.PairingWait = 20 * time.Millisecond
		})
		_, err := env.facade.CreateOrReconnect(context.Background(), CreateRequest{TenantID: "agency-1"})
		require.NoError(t, err)

		res := env.facade.Send(context.Background(), "agency-1", "15557777", "hello")
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "not connected")
	})

	t.Run("rejected for unknown tenant", func(t *testing.T) {
		env := newTestEnv(t)
		res := env.facade.Send(context.Background(), "ghost", "15557777", "hello")
		assert.False(t, res.Success)
	})
}

func TestDisconnect(t *testing.T) {
	env := newTestEnv(t)
	env.factory.setup = func(ft *fakeTransport) {
		ft.onConnect = func(ft *fakeTransport) {
			ft.emitOpened(transport.Identity{PhoneNumber: "15551234"})
		}
	}
	_, err := env.facade.CreateOrReconnect(context.Background(), CreateRequest{TenantID: "agency-1"})
	require.NoError(t, err)

	env.facade.Disconnect(context.Background(), "agency-1")

	ft := env.factory.transportAt(0)
	assert.True(t, ft.isLoggedOut(), "explicit disconnect logs the device out")
	assert.True(t, ft.isClosed())
	assert.Equal(t, StateNotFound, env.facade.Status("agency-1").State)

	// Idempotent.
	env.facade.Disconnect(context.Background(), "agency-1")
}

func TestLoggedOutIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	env.factory.setup = func(ft *fakeTransport) {
		ft.onConnect = func(ft *fakeTransport) {
			ft.emitOpened(transport.Identity{PhoneNumber: "15551234"})
		}
	}
	_, err := env.facade.CreateOrReconnect(context.Background(), CreateRequest{TenantID: "agency-1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return env.facade.Status("agency-1").State == StateConnected
	}, time.Second, 10*time.Millisecond)

	env.factory.transportAt(0).emitClosed(transport.ReasonLoggedOut)

	assert.Equal(t, StateDisconnected, env.facade.Status("agency-1").State)

	// No reconnect may ever fire for a device logout.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, env.factory.count())
	assert.Equal(t, StateDisconnected, env.facade.Status("agency-1").State)
}

func TestTimeoutTriggersReconnect(t *testing.T) {
	env := newTestEnv(t)
	env.factory.setup = func(ft *fakeTransport) {
		ft.onConnect = func(ft *fakeTransport) {
			ft.emitOpened(transport.Identity{PhoneNumber: "15551234", DisplayName: "Acme"})
		}
	}
	first, err := env.facade.CreateOrReconnect(context.Background(), CreateRequest{
		TenantID:   "agency-1",
		WebhookURL: "https://hooks.example.com/wa",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return env.facade.Status("agency-1").State == StateConnected
	}, time.Second, 10*time.Millisecond)

	env.factory.transportAt(0).emitClosed(transport.ReasonTimeout)

	assert.Eventually(t, func() bool {
		st := env.facade.Status("agency-1")
		return st.State == StateConnected && st.SessionID != first.SessionID
	}, 2*time.Second, 10*time.Millisecond, "a keepalive timeout must produce a fresh connected session")

	assert.Equal(t, 2, env.factory.count())
	assert.True(t, env.factory.transportAt(0).isClosed())

	// The replacement keeps the tenant's project and webhook.
	rec, ok := env.facade.registry.Get("agency-1")
	require.True(t, ok)
	assert.Equal(t, ProjectAgency, rec.Project)
	assert.Equal(t, "https://hooks.example.com/wa", rec.WebhookURL)
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	env := newTestEnv(t, func(cfg *FacadeConfig) {
		cfg.Policy = ReconnectPolicy{Delay: 80 * time.Millisecond}
	})
	env.factory.setup = func(ft *fakeTransport) {
		ft.onConnect = func(ft *fakeTransport) {
			ft.emitOpened(transport.Identity{PhoneNumber: "15551234"})
		}
	}
	_, err := env.facade.CreateOrReconnect(context.Background(), CreateRequest{TenantID: "agency-1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return env.facade.Status("agency-1").State == StateConnected
	}, time.Second, 10*time.Millisecond)

	env.factory.transportAt(0).emitClosed(transport.ReasonConnectionLost)
	env.facade.Disconnect(context.Background(), "agency-1")

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, env.factory.count(), "a cancelled retry must not resurrect the session")
	assert.Equal(t, StateNotFound, env.facade.Status("agency-1").State)
}

func TestInboundMessageForwarded(t *testing.T) {
	env := newTestEnv(t)
	env.factory.setup = func(ft *fakeTransport) {
		ft.onConnect = func(ft *fakeTransport) {
			ft.emitOpened(transport.Identity{PhoneNumber: "15551234"})
		}
	}
	_, err := env.facade.CreateOrReconnect(context.Background(), CreateRequest{
		TenantID:   "agency-1",
		WebhookURL: "https://hooks.example.com/wa",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return env.facade.Status("agency-1").State == StateConnected
	}, time.Second, 10*time.Millisecond)

	msg := &transport.Message{
		ID:        "WAMID-1",
		Sender:    "15557777@s.whatsapp.net",
		Text:      "hi there",
		Timestamp: time.Now(),
	}
	env.factory.transportAt(0).emitMessage(msg)

	require.Eventually(t, func() bool {
		return env.forwarder.callCount() == 1
	}, time.Second, 10*time.Millisecond)

	call := env.forwarder.callAt(0)
	assert.Equal(t, "agency-1", call.tenantID)
	assert.Equal(t, ProjectAgency, call.project)
	assert.Equal(t, "https://hooks.example.com/wa", call.webhookURL)
	assert.Equal(t, "WAMID-1", call.msg.ID)
}

func TestShutdownClosesWithoutLogout(t *testing.T) {
	env := newTestEnv(t)
	env.factory.setup = func(ft *fakeTransport) {
		ft.onConnect = func(ft *fakeTransport) {
			ft.emitOpened(transport.Identity{PhoneNumber: "15551234"})
		}
	}
	_, err := env.facade.CreateOrReconnect(context.Background(), CreateRequest{TenantID: "agency-1"})
	require.NoError(t, err)

	env.facade.Shutdown(context.Background())

	ft := env.factory.transportAt(0)
	assert.True(t, ft.isClosed())
	assert.False(t, ft.isLoggedOut())
	assert.Equal(t, StateNotFound, env.facade.Status("agency-1").State)
}
