package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ludogames/bingohall/internal/bingo"
)

// Phase is the lifecycle stage of the current round.
type Phase string

const (
	// PhaseCountdown is the pre-game state while players reserve cards.
	PhaseCountdown Phase = "countdown"
	// PhaseActive is the state during which numbers are called.
	PhaseActive Phase = "active"
	// PhaseEnded is the state after a winner (or the call budget) ends a round.
	PhaseEnded Phase = "ended"
)

// RoundState is the authoritative per-round state persisted by a RoundStore.
// RoundID changes on every reset so card assignments from a previous round
// can be recognized as stale.
type RoundState struct {
	RoundID   string         `json:"roundId"`
	Phase     Phase          `json:"phase"`
	Countdown int            `json:"countdown"`
	Called    []int          `json:"called"`
	Pool      []bingo.Grid   `json:"pool"`
	Slots     map[int]string `json:"slots"` // 1-based pool index -> owner identity
}

// ErrRetriesExhausted is returned when an optimistic update loses the
// compare-and-swap race more times than the retry budget allows. The
// operation was not applied; callers may retry.
var ErrRetriesExhausted = errors.New("store: optimistic retry budget exhausted")

// SlotsTakenError reports a reservation that collided with slots held by a
// different owner. No part of the reservation was applied.
type SlotsTakenError struct {
	Slots []int
}

func (e *SlotsTakenError) Error() string {
	return fmt.Sprintf("slots already taken: %v", e.Slots)
}

// InvalidSlotError reports a slot index outside the card pool.
type InvalidSlotError struct {
	Slot int
}

func (e *InvalidSlotError) Error() string {
	return fmt.Sprintf("invalid slot index %d", e.Slot)
}

// RoundStore persists round state and advisory locks. Implementations must
// make every method atomic: concurrent callers never observe or produce a
// partially-applied mutation. Backends may be in-process or remote, so every
// method takes a context and may block on I/O.
type RoundStore interface {
	// Round returns the full current round state.
	Round(ctx context.Context) (*RoundState, error)

	// Phase returns the current phase.
	Phase(ctx context.Context) (Phase, error)

	// CompareAndSetPhase transitions from -> to and reports whether the swap
	// applied. A false return means the phase was not from.
	CompareAndSetPhase(ctx context.Context, from, to Phase) (bool, error)

	// DecrementCountdown atomically decrements the countdown, clamping at
	// zero, and returns the new value.
	DecrementCountdown(ctx context.Context) (int, error)

	// AppendCalledNumber appends n if absent. It returns whether n was newly
	// added and the full ordered call list.
	AppendCalledNumber(ctx context.Context, n int) (bool, []int, error)

	// ReserveSlots atomically releases the owner's previous slots and claims
	// the requested ones. If any requested slot is held by a different owner
	// it returns *SlotsTakenError and applies nothing.
	ReserveSlots(ctx context.Context, owner string, slots []int) error

	// ReleaseSlots frees the subset of the owner's held slots that match.
	ReleaseSlots(ctx context.Context, owner string, slots []int) error

	// ReleaseOwner frees every slot held by the owner.
	ReleaseOwner(ctx context.Context, owner string) error

	// ResetRound atomically replaces the whole round: new round id, countdown
	// phase, full countdown, empty call list, fresh pool, no reservations.
	ResetRound(ctx context.Context, roundID string, countdown int, pool []bingo.Grid) error

	// AcquireLock takes or refreshes the named advisory lock. It succeeds if
	// the lock is free, expired, or already held by this token.
	AcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error)

	// ReleaseLock drops the named lock if held by this token.
	ReleaseLock(ctx context.Context, name, token string) error
}

// clone returns a deep copy so callers can mutate freely.
func (s *RoundState) clone() *RoundState {
	cp := &RoundState{
		RoundID:   s.RoundID,
		Phase:     s.Phase,
		Countdown: s.Countdown,
		Called:    append([]int(nil), s.Called...),
		Pool:      append([]bingo.Grid(nil), s.Pool...),
		Slots:     make(map[int]string, len(s.Slots)),
	}
	for k, v := range s.Slots {
		cp.Slots[k] = v
	}
	return cp
}

// applyReservation implements the reserve discipline shared by both backends:
// validate indices, collect conflicts, then swap the owner's holding.
func applyReservation(st *RoundState, owner string, slots []int) error {
	var taken []int
	for _, s := range slots {
		if s < 1 || s > len(st.Pool) {
			return &InvalidSlotError{Slot: s}
		}
		if holder, held := st.Slots[s]; held && holder != owner {
			taken = append(taken, s)
		}
	}
	if len(taken) > 0 {
		return &SlotsTakenError{Slots: taken}
	}
	for s, holder := range st.Slots {
		if holder == owner {
			delete(st.Slots, s)
		}
	}
	for _, s := range slots {
		st.Slots[s] = owner
	}
	return nil
}
