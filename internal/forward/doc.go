// ABOUTME: Package documentation for the forwarding layer.
// ABOUTME: Inbound message delivery and connection update semantics.

// Package forward delivers inbound messages and connection updates to
// project downstreams.
//
// Each genuine inbound message goes to exactly one channel: the tenant's
// configured webhook, or the shared fallback URL when none is set. Echoes of
// the tenant's own messages and transport redeliveries (tracked per
// tenant/message id in a TTL cache) are suppressed before any delivery
// decision. Agency-project messages are additionally archived in the
// gateway's store; store-project tenants keep persistence on their side and
// instead receive connection_update webhooks when their session opens or
// closes.
//
// Everything in this package is best-effort. A failed POST or insert is
// logged and dropped; it never affects session state.
package forward
