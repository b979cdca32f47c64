// ABOUTME: Package documentation for the session lifecycle layer.
// ABOUTME: Explains the record/registry/state-machine/facade split.

// Package session manages one live messaging connection per tenant.
//
// A Record is the mutable state of one connection attempt: its lifecycle
// state, pairing artifact, and connected identity. Records are immutable in
// identity (session id, tenant, project, webhook) and guarded by their own
// mutex for everything else. Once a record is superseded, every mutator
// becomes a no-op, so a stale event handler or retry timer can never corrupt
// the tenant's current session.
//
// The Registry maps tenant ids to records with a per-tenant slot lock:
// create, replace, and remove for one tenant are serialized, while different
// tenants proceed fully in parallel. The registry never holds a lock across
// transport network I/O beyond the owning tenant's slot.
//
// Each record has a stateMachine subscribed to its transport. Transport
// events arrive serialized, making the machine the single writer of its
// record. Durable side effects (status snapshots, the event log, downstream
// notifications, message forwarding) are fired on background goroutines with
// bounded timeouts; their failures are logged and never affect lifecycle
// state.
//
// The Facade is the only entry point the HTTP layer uses: create or
// reconnect a session, query status, send a message, disconnect. Close
// reasons other than a device logout trigger an automatic reconnect after a
// fixed delay, re-registered through a compare-and-swap so a stale retry
// cannot evict a newer session.
package session
