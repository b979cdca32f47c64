// ABOUTME: Package documentation for the transport contract.
// ABOUTME: Describes the event model and the whatsmeow-backed implementation.

// Package transport defines the per-tenant messaging connection contract
// consumed by the session layer, and a WhatsApp implementation of it.
//
// A Transport is one live protocol connection. It emits four kinds of
// events to a single subscriber: a pairing code while unauthenticated,
// an opened event carrying the account identity, a closed event carrying a
// CloseReason, and inbound messages. Events for one connection are
// delivered serially, and Subscribe's returned unsubscribe function is
// deterministic: once it returns, no handler invocation is in flight.
//
// The session layer owns reconnection; implementations must not reconnect
// on their own.
package transport
