package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	recordBucket = "bingohall_guard"
	rateBucket   = "bingohall_rate"

	casRetryBudget = 5
)

// KVGuard is the shared backend. Idempotency records expire via the bucket
// TTL; rate windows are timestamp lists trimmed on each compare-and-swap.
type KVGuard struct {
	records kvBucket
	rates   kvBucket
	clock   clockwork.Clock
}

// kvBucket is the slice of jetstream.KeyValue the guard uses; tests substitute
// an in-memory implementation.
type kvBucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Create(ctx context.Context, key string, value []byte, opts ...jetstream.KVCreateOpt) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
}

// NewKVGuard creates (or binds to) the guard buckets. ttl governs how long
// recorded responses stay replayable.
func NewKVGuard(ctx context.Context, js jetstream.JetStream, ttl time.Duration, clock clockwork.Clock) (*KVGuard, error) {
	records, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  recordBucket,
		TTL:     ttl,
		History: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create guard bucket: %w", err)
	}
	rates, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  rateBucket,
		TTL:     time.Hour,
		History: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create rate bucket: %w", err)
	}
	return &KVGuard{records: records, rates: rates, clock: clock}, nil
}

func (g *KVGuard) CheckAndRecord(ctx context.Context, actor, action, requestID string, compute func() ([]byte, error)) ([]byte, bool, error) {
	key := recordKey(actor, action, requestID)

	entry, err := g.records.Get(ctx, key)
	if err == nil {
		return entry.Value(), true, nil
	}
	if !errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, fmt.Errorf("get guard record: %w", err)
	}

	resp, err := compute()
	if err != nil {
		return nil, false, err
	}

	if _, err := g.records.Create(ctx, key, resp); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			// A duplicate raced us across instances; the first write wins.
			entry, err := g.records.Get(ctx, key)
			if err != nil {
				return nil, false, fmt.Errorf("get racing guard record: %w", err)
			}
			return entry.Value(), true, nil
		}
		return nil, false, fmt.Errorf("create guard record: %w", err)
	}
	return resp, false, nil
}

func (g *KVGuard) IsRateLimited(ctx context.Context, actor, action string, window time.Duration, max int) (bool, error) {
	key := rateKey(actor, action)
	now := g.clock.Now()
	cutoff := now.Add(-window).UnixMilli()

	for attempt := 0; attempt < casRetryBudget; attempt++ {
		var stamps []int64
		entry, err := g.rates.Get(ctx, key)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
		case err != nil:
			return false, fmt.Errorf("get rate window: %w", err)
		default:
			if err := json.Unmarshal(entry.Value(), &stamps); err != nil {
				return false, fmt.Errorf("unmarshal rate window: %w", err)
			}
		}

		kept := stamps[:0]
		for _, s := range stamps {
			if s > cutoff {
				kept = append(kept, s)
			}
		}
		kept = append(kept, now.UnixMilli())

		data, err := json.Marshal(kept)
		if err != nil {
			return false, fmt.Errorf("marshal rate window: %w", err)
		}
		if entry == nil {
			if _, err := g.rates.Create(ctx, key, data); err != nil {
				if errors.Is(err, jetstream.ErrKeyExists) {
					continue
				}
				return false, fmt.Errorf("create rate window: %w", err)
			}
		} else {
			if _, err := g.rates.Update(ctx, key, data, entry.Revision()); err != nil {
				if errors.Is(err, jetstream.ErrKeyExists) {
					continue
				}
				return false, fmt.Errorf("update rate window: %w", err)
			}
		}
		return len(kept) > max, nil
	}
	// Losing the window race repeatedly means the actor is hammering; treat
	// as limited rather than failing the command.
	return true, nil
}
