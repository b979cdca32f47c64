// ABOUTME: ReconnectPolicy: decides whether a closed session is retried.
// ABOUTME: Explicit logout is the only terminal close reason.

package session

import (
	"time"

	"github.com/2389/wa-gateway/internal/transport"
)

// ReconnectPolicy decides whether and when a closed session should be
// reopened. The delay is fixed; there is no attempt cap (a superseded or
// removed record abandons its pending retry instead).
type ReconnectPolicy struct {
	Delay time.Duration
}

// DefaultReconnectPolicy retries after five seconds.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Delay: 5 * time.Second}
}

// ShouldReconnect reports whether the close reason warrants a retry. An
// explicit logout is an intentional, permanent disauthorization; every other
// reason is transient.
func (p ReconnectPolicy) ShouldReconnect(reason transport.CloseReason) bool {
	return reason != transport.ReasonLoggedOut
}
