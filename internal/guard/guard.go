// Package guard protects command handlers against duplicate delivery and
// abusive rates. Replayed requests (same actor, action, and client-supplied
// request id) get the originally recorded response instead of a second
// application; a per-actor sliding window caps command throughput.
package guard

import (
	"context"
	"strings"
	"time"
)

// Guard is backed either by in-process maps or by a shared key-value store,
// so both methods are I/O boundaries.
type Guard interface {
	// CheckAndRecord returns the stored response for a previously seen
	// request id, or invokes compute, records its result under the id with a
	// TTL, and returns it. replayed reports whether the response came from
	// the record rather than compute.
	CheckAndRecord(ctx context.Context, actor, action, requestID string, compute func() ([]byte, error)) (resp []byte, replayed bool, err error)

	// IsRateLimited records one attempt and reports whether the actor has now
	// exceeded max actions inside the window.
	IsRateLimited(ctx context.Context, actor, action string, window time.Duration, max int) (bool, error)
}

// recordKey builds the idempotency key for an (actor, action, request id)
// triple, restricted to characters valid in key-value store keys.
func recordKey(actor, action, requestID string) string {
	return sanitize(actor) + "." + sanitize(action) + "." + sanitize(requestID)
}

func rateKey(actor, action string) string {
	return sanitize(actor) + "." + sanitize(action)
}

// sanitize maps arbitrary identifiers onto the [-/_=.a-zA-Z0-9] set NATS
// key-value keys allow.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '=':
			return r
		default:
			return '_'
		}
	}, s)
}
