// ABOUTME: Package documentation for the gateway orchestrator.
// ABOUTME: Component wiring, HTTP surface, and lifecycle.

// Package gateway wires the wa-gateway server together: the SQLite store,
// per-tenant device credentials, the WhatsApp transport factory, the session
// facade, the forwarder, and the HTTP API.
//
// # HTTP Surface
//
// Health endpoints (no auth):
//
//	GET  /health           - liveness
//	GET  /health/ready     - store reachability
//
// API endpoints (JWT bearer auth when auth.jwt_secret is set):
//
//	POST   /api/sessions/{tenant}       - create or reconnect a session
//	GET    /api/sessions/{tenant}       - session status (not_found for unknown tenants)
//	POST   /api/sessions/{tenant}/send  - send a text message
//	DELETE /api/sessions/{tenant}       - disconnect and log the device out
//	POST   /api/agencies                - register an agency tenant
//	GET    /api/agencies/{id}           - fetch an agency
//	GET    /api/events                  - connection event log (filterable)
//	GET    /api/messages/{tenant}       - archived inbound messages
//
// # Lifecycle
//
// Run blocks until the context is canceled, then shuts the HTTP server down
// and closes every live session without logging devices out, so sessions
// resume on the next start. The listener is a plain TCP socket or a tsnet
// node when tailscale.enabled is set.
package gateway
