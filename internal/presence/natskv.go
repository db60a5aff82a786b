package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	leaseBucket = "bingohall_presence"

	casRetryBudget = 5
)

// KVTracker is the shared backend. Lease expiry is encoded in the value so
// per-claim TTLs work; the bucket TTL only garbage collects leases from
// crashed instances.
type KVTracker struct {
	kv    kvBucket
	clock clockwork.Clock
}

// kvBucket is the slice of jetstream.KeyValue the tracker uses; tests
// substitute an in-memory implementation.
type kvBucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Create(ctx context.Context, key string, value []byte, opts ...jetstream.KVCreateOpt) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
}

type leaseRecord struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

// NewKVTracker creates (or binds to) the presence bucket.
func NewKVTracker(ctx context.Context, js jetstream.JetStream, clock clockwork.Clock) (*KVTracker, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  leaseBucket,
		TTL:     time.Hour,
		History: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create presence bucket: %w", err)
	}
	return &KVTracker{kv: kv, clock: clock}, nil
}

func (t *KVTracker) Claim(ctx context.Context, identity, token string, ttl time.Duration) (bool, error) {
	key := leaseKey(identity)
	data, err := json.Marshal(leaseRecord{Token: token, Expires: t.clock.Now().Add(ttl)})
	if err != nil {
		return false, fmt.Errorf("marshal lease: %w", err)
	}

	for attempt := 0; attempt < casRetryBudget; attempt++ {
		entry, err := t.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			if _, err := t.kv.Create(ctx, key, data); err != nil {
				if errors.Is(err, jetstream.ErrKeyExists) {
					continue
				}
				return false, fmt.Errorf("create lease: %w", err)
			}
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("get lease: %w", err)
		}

		var held leaseRecord
		if err := json.Unmarshal(entry.Value(), &held); err != nil {
			return false, fmt.Errorf("unmarshal lease: %w", err)
		}
		if held.Token != token && t.clock.Now().Before(held.Expires) {
			return false, nil
		}
		if _, err := t.kv.Update(ctx, key, data, entry.Revision()); err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				continue
			}
			return false, fmt.Errorf("update lease: %w", err)
		}
		return true, nil
	}
	return false, nil
}

func (t *KVTracker) Refresh(ctx context.Context, identity, token string, ttl time.Duration) (bool, error) {
	key := leaseKey(identity)
	entry, err := t.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get lease: %w", err)
	}

	var held leaseRecord
	if err := json.Unmarshal(entry.Value(), &held); err != nil {
		return false, fmt.Errorf("unmarshal lease: %w", err)
	}
	if held.Token != token || !t.clock.Now().Before(held.Expires) {
		return false, nil
	}

	data, err := json.Marshal(leaseRecord{Token: token, Expires: t.clock.Now().Add(ttl)})
	if err != nil {
		return false, fmt.Errorf("marshal lease: %w", err)
	}
	if _, err := t.kv.Update(ctx, key, data, entry.Revision()); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			// Lost a race with our own claim path; the lease stays live.
			return true, nil
		}
		return false, fmt.Errorf("update lease: %w", err)
	}
	return true, nil
}

func (t *KVTracker) Release(ctx context.Context, identity, token string) error {
	key := leaseKey(identity)
	entry, err := t.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get lease: %w", err)
	}
	var held leaseRecord
	if err := json.Unmarshal(entry.Value(), &held); err != nil {
		return fmt.Errorf("unmarshal lease: %w", err)
	}
	if held.Token != token {
		return nil
	}
	if err := t.kv.Delete(ctx, key, jetstream.LastRevision(entry.Revision())); err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	return nil
}

func leaseKey(identity string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '=':
			return r
		default:
			return '_'
		}
	}, identity)
}
