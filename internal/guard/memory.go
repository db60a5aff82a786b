package guard

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// maxRecords caps the idempotency map; beyond it a sweep evicts expired
// entries before new ones are admitted.
const maxRecords = 10000

// MemoryGuard is the single-process backend.
type MemoryGuard struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   clockwork.Clock
	records map[string]record
	windows map[string][]time.Time
}

type record struct {
	resp    []byte
	expires time.Time
}

// NewMemoryGuard creates an in-process guard whose idempotency records live
// for ttl.
func NewMemoryGuard(ttl time.Duration, clock clockwork.Clock) *MemoryGuard {
	return &MemoryGuard{
		ttl:     ttl,
		clock:   clock,
		records: make(map[string]record),
		windows: make(map[string][]time.Time),
	}
}

func (g *MemoryGuard) CheckAndRecord(ctx context.Context, actor, action, requestID string, compute func() ([]byte, error)) ([]byte, bool, error) {
	key := recordKey(actor, action, requestID)
	now := g.clock.Now()

	g.mu.Lock()
	if rec, seen := g.records[key]; seen && now.Before(rec.expires) {
		g.mu.Unlock()
		return rec.resp, true, nil
	}
	g.mu.Unlock()

	resp, err := compute()
	if err != nil {
		return nil, false, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, seen := g.records[key]; seen && now.Before(rec.expires) {
		// A concurrent duplicate beat us to the record; honor the first.
		return rec.resp, true, nil
	}
	if len(g.records) >= maxRecords {
		g.sweepLocked(now)
	}
	g.records[key] = record{resp: resp, expires: now.Add(g.ttl)}
	return resp, false, nil
}

func (g *MemoryGuard) IsRateLimited(ctx context.Context, actor, action string, window time.Duration, max int) (bool, error) {
	key := rateKey(actor, action)
	now := g.clock.Now()
	cutoff := now.Add(-window)

	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.windows[key][:0]
	for _, t := range g.windows[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	g.windows[key] = kept
	return len(kept) > max, nil
}

func (g *MemoryGuard) sweepLocked(now time.Time) {
	for key, rec := range g.records {
		if !now.Before(rec.expires) {
			delete(g.records, key)
		}
	}
}
