package store

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/ludogames/bingohall/internal/bingo"
)

// MemoryRoundStore is the single-process backend. A mutex stands in for the
// compare-and-swap discipline of the shared backend.
type MemoryRoundStore struct {
	mu    sync.Mutex
	state RoundState
	locks map[string]memoryLock
	clock clockwork.Clock
}

type memoryLock struct {
	token   string
	expires time.Time
}

// NewMemoryRoundStore creates an empty in-process round store.
func NewMemoryRoundStore(clock clockwork.Clock) *MemoryRoundStore {
	return &MemoryRoundStore{
		state: RoundState{Phase: PhaseCountdown, Slots: make(map[int]string)},
		locks: make(map[string]memoryLock),
		clock: clock,
	}
}

func (m *MemoryRoundStore) Round(ctx context.Context) (*RoundState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone(), nil
}

func (m *MemoryRoundStore) Phase(ctx context.Context) (Phase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Phase, nil
}

func (m *MemoryRoundStore) CompareAndSetPhase(ctx context.Context, from, to Phase) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase != from {
		return false, nil
	}
	m.state.Phase = to
	return true, nil
}

func (m *MemoryRoundStore) DecrementCountdown(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Countdown > 0 {
		m.state.Countdown--
	}
	return m.state.Countdown, nil
}

func (m *MemoryRoundStore) AppendCalledNumber(ctx context.Context, n int) (bool, []int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.state.Called {
		if c == n {
			return false, append([]int(nil), m.state.Called...), nil
		}
	}
	m.state.Called = append(m.state.Called, n)
	return true, append([]int(nil), m.state.Called...), nil
}

func (m *MemoryRoundStore) ReserveSlots(ctx context.Context, owner string, slots []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return applyReservation(&m.state, owner, slots)
}

func (m *MemoryRoundStore) ReleaseSlots(ctx context.Context, owner string, slots []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range slots {
		if m.state.Slots[s] == owner {
			delete(m.state.Slots, s)
		}
	}
	return nil
}

func (m *MemoryRoundStore) ReleaseOwner(ctx context.Context, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s, holder := range m.state.Slots {
		if holder == owner {
			delete(m.state.Slots, s)
		}
	}
	return nil
}

func (m *MemoryRoundStore) ResetRound(ctx context.Context, roundID string, countdown int, pool []bingo.Grid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = RoundState{
		RoundID:   roundID,
		Phase:     PhaseCountdown,
		Countdown: countdown,
		Pool:      append([]bingo.Grid(nil), pool...),
		Slots:     make(map[int]string),
	}
	return nil
}

func (m *MemoryRoundStore) AcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	if l, held := m.locks[name]; held && l.token != token && now.Before(l.expires) {
		return false, nil
	}
	m.locks[name] = memoryLock{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryRoundStore) ReleaseLock(ctx context.Context, name, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, held := m.locks[name]; held && l.token == token {
		delete(m.locks, name)
	}
	return nil
}
