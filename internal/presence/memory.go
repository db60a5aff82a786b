package presence

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MemoryTracker is the single-process backend.
type MemoryTracker struct {
	mu     sync.Mutex
	leases map[string]lease
	clock  clockwork.Clock
}

type lease struct {
	token   string
	expires time.Time
}

// NewMemoryTracker creates an in-process presence tracker.
func NewMemoryTracker(clock clockwork.Clock) *MemoryTracker {
	return &MemoryTracker{
		leases: make(map[string]lease),
		clock:  clock,
	}
}

func (t *MemoryTracker) Claim(ctx context.Context, identity, token string, ttl time.Duration) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	if l, held := t.leases[identity]; held && l.token != token && now.Before(l.expires) {
		return false, nil
	}
	t.leases[identity] = lease{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (t *MemoryTracker) Refresh(ctx context.Context, identity, token string, ttl time.Duration) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	l, held := t.leases[identity]
	if !held || l.token != token || !now.Before(l.expires) {
		return false, nil
	}
	t.leases[identity] = lease{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (t *MemoryTracker) Release(ctx context.Context, identity, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, held := t.leases[identity]; held && l.token == token {
		delete(t.leases, identity)
	}
	return nil
}
