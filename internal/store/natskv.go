package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ludogames/bingohall/internal/bingo"
)

const (
	roundBucket = "bingohall_round"
	lockBucket  = "bingohall_locks"
	roundKey    = "round"

	// casRetryBudget bounds the optimistic read-compare-write loop.
	casRetryBudget = 5
)

// KVRoundStore is the shared backend for multi-instance deployments, built on
// a JetStream key-value bucket. The whole round lives under a single key so
// every mutation is one revision-checked compare-and-swap, which keeps resets
// and reservations all-or-nothing across processes.
type KVRoundStore struct {
	kv    kvBucket
	locks kvBucket
	clock clockwork.Clock
}

// kvBucket is the slice of jetstream.KeyValue the store uses; tests substitute
// an in-memory implementation.
type kvBucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Create(ctx context.Context, key string, value []byte, opts ...jetstream.KVCreateOpt) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
}

type lockRecord struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

// NewKVRoundStore creates (or binds to) the round and lock buckets.
func NewKVRoundStore(ctx context.Context, js jetstream.JetStream, clock clockwork.Clock) (*KVRoundStore, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  roundBucket,
		History: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create round bucket: %w", err)
	}
	locks, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: lockBucket,
		// Expiry is encoded in the lock value; the bucket TTL only garbage
		// collects records from crashed holders.
		TTL:     time.Hour,
		History: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create lock bucket: %w", err)
	}
	return &KVRoundStore{kv: kv, locks: locks, clock: clock}, nil
}

// mutate runs fn against the current round document and writes it back with
// the read revision. Lost races retry up to the budget.
func (s *KVRoundStore) mutate(ctx context.Context, fn func(*RoundState) error) (*RoundState, error) {
	for attempt := 0; attempt < casRetryBudget; attempt++ {
		entry, err := s.kv.Get(ctx, roundKey)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			st := &RoundState{Phase: PhaseCountdown, Slots: make(map[int]string)}
			if err := fn(st); err != nil {
				return nil, err
			}
			data, err := json.Marshal(st)
			if err != nil {
				return nil, fmt.Errorf("marshal round: %w", err)
			}
			if _, err := s.kv.Create(ctx, roundKey, data); err != nil {
				if errors.Is(err, jetstream.ErrKeyExists) {
					continue
				}
				return nil, fmt.Errorf("create round: %w", err)
			}
			return st, nil
		}
		if err != nil {
			return nil, fmt.Errorf("get round: %w", err)
		}

		st := &RoundState{}
		if err := json.Unmarshal(entry.Value(), st); err != nil {
			return nil, fmt.Errorf("unmarshal round: %w", err)
		}
		if st.Slots == nil {
			st.Slots = make(map[int]string)
		}
		if err := fn(st); err != nil {
			return nil, err
		}
		data, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("marshal round: %w", err)
		}
		if _, err := s.kv.Update(ctx, roundKey, data, entry.Revision()); err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				// Revision moved underneath us.
				continue
			}
			return nil, fmt.Errorf("update round: %w", err)
		}
		return st, nil
	}
	return nil, ErrRetriesExhausted
}

func (s *KVRoundStore) read(ctx context.Context) (*RoundState, error) {
	entry, err := s.kv.Get(ctx, roundKey)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return &RoundState{Phase: PhaseCountdown, Slots: make(map[int]string)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get round: %w", err)
	}
	st := &RoundState{}
	if err := json.Unmarshal(entry.Value(), st); err != nil {
		return nil, fmt.Errorf("unmarshal round: %w", err)
	}
	if st.Slots == nil {
		st.Slots = make(map[int]string)
	}
	return st, nil
}

func (s *KVRoundStore) Round(ctx context.Context) (*RoundState, error) {
	return s.read(ctx)
}

func (s *KVRoundStore) Phase(ctx context.Context) (Phase, error) {
	st, err := s.read(ctx)
	if err != nil {
		return "", err
	}
	return st.Phase, nil
}

func (s *KVRoundStore) CompareAndSetPhase(ctx context.Context, from, to Phase) (bool, error) {
	swapped := false
	_, err := s.mutate(ctx, func(st *RoundState) error {
		swapped = st.Phase == from
		if swapped {
			st.Phase = to
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

func (s *KVRoundStore) DecrementCountdown(ctx context.Context) (int, error) {
	st, err := s.mutate(ctx, func(st *RoundState) error {
		if st.Countdown > 0 {
			st.Countdown--
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return st.Countdown, nil
}

func (s *KVRoundStore) AppendCalledNumber(ctx context.Context, n int) (bool, []int, error) {
	added := false
	st, err := s.mutate(ctx, func(st *RoundState) error {
		added = true
		for _, c := range st.Called {
			if c == n {
				added = false
				return nil
			}
		}
		st.Called = append(st.Called, n)
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return added, st.Called, nil
}

func (s *KVRoundStore) ReserveSlots(ctx context.Context, owner string, slots []int) error {
	_, err := s.mutate(ctx, func(st *RoundState) error {
		return applyReservation(st, owner, slots)
	})
	return err
}

func (s *KVRoundStore) ReleaseSlots(ctx context.Context, owner string, slots []int) error {
	_, err := s.mutate(ctx, func(st *RoundState) error {
		for _, slot := range slots {
			if st.Slots[slot] == owner {
				delete(st.Slots, slot)
			}
		}
		return nil
	})
	return err
}

func (s *KVRoundStore) ReleaseOwner(ctx context.Context, owner string) error {
	_, err := s.mutate(ctx, func(st *RoundState) error {
		for slot, holder := range st.Slots {
			if holder == owner {
				delete(st.Slots, slot)
			}
		}
		return nil
	})
	return err
}

func (s *KVRoundStore) ResetRound(ctx context.Context, roundID string, countdown int, pool []bingo.Grid) error {
	_, err := s.mutate(ctx, func(st *RoundState) error {
		*st = RoundState{
			RoundID:   roundID,
			Phase:     PhaseCountdown,
			Countdown: countdown,
			Pool:      pool,
			Slots:     make(map[int]string),
		}
		return nil
	})
	return err
}

func (s *KVRoundStore) AcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	rec := lockRecord{Token: token, Expires: s.clock.Now().Add(ttl)}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal lock: %w", err)
	}

	for attempt := 0; attempt < casRetryBudget; attempt++ {
		entry, err := s.locks.Get(ctx, name)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			if _, err := s.locks.Create(ctx, name, data); err != nil {
				if errors.Is(err, jetstream.ErrKeyExists) {
					continue
				}
				return false, fmt.Errorf("create lock: %w", err)
			}
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("get lock: %w", err)
		}

		var held lockRecord
		if err := json.Unmarshal(entry.Value(), &held); err != nil {
			return false, fmt.Errorf("unmarshal lock: %w", err)
		}
		if held.Token != token && s.clock.Now().Before(held.Expires) {
			return false, nil
		}
		if _, err := s.locks.Update(ctx, name, data, entry.Revision()); err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				continue
			}
			return false, fmt.Errorf("update lock: %w", err)
		}
		return true, nil
	}
	return false, ErrRetriesExhausted
}

func (s *KVRoundStore) ReleaseLock(ctx context.Context, name, token string) error {
	entry, err := s.locks.Get(ctx, name)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get lock: %w", err)
	}
	var held lockRecord
	if err := json.Unmarshal(entry.Value(), &held); err != nil {
		return fmt.Errorf("unmarshal lock: %w", err)
	}
	if held.Token != token {
		return nil
	}
	if err := s.locks.Delete(ctx, name, jetstream.LastRevision(entry.Revision())); err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	return nil
}
