// Package presence claims a single logical player slot per authenticated
// identity, across any number of socket connections and server instances. A
// lease must be renewed or it expires; a second connection for the same
// identity is rejected while the first lease is live.
package presence

import (
	"context"
	"time"
)

// Tracker is backed either by an in-process map or by a shared key-value
// store.
type Tracker interface {
	// Claim takes the lease for identity. It succeeds when no live lease
	// exists or the live lease already belongs to token (idempotent
	// re-claim).
	Claim(ctx context.Context, identity, token string, ttl time.Duration) (bool, error)

	// Refresh extends a lease held by token.
	Refresh(ctx context.Context, identity, token string, ttl time.Duration) (bool, error)

	// Release drops the lease if held by token.
	Release(ctx context.Context, identity, token string) error
}
