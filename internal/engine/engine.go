// Package engine drives the round state machine: the countdown -> active ->
// ended cycle, card-slot reservation, command validation, number calling, and
// winner determination. It is the single writer of round state; clients only
// ever see its broadcasts and acks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/ludogames/bingohall/internal/auth"
	"github.com/ludogames/bingohall/internal/bingo"
	"github.com/ludogames/bingohall/internal/guard"
	"github.com/ludogames/bingohall/internal/presence"
	"github.com/ludogames/bingohall/internal/store"
	"github.com/ludogames/bingohall/internal/timer"
	"github.com/ludogames/bingohall/internal/winners"
)

const (
	// timerLockName is the advisory lock that elects which instance drives
	// the round clock in a multi-instance deployment.
	timerLockName = "round-timer"

	timerLeaseTTL         = 10 * time.Second
	countdownTickInterval = time.Second
)

// errRoundOver signals that a winning transition lost the race to an earlier
// one; the round had already ended.
var errRoundOver = errors.New("round already ended")

// Config holds the engine's startup knobs.
type Config struct {
	CountdownSeconds  int
	CallInterval      time.Duration
	MaxCallsPerRound  int
	GraceDelay        time.Duration
	PoolSize          int
	MaxPlayers        int
	MaxCardsPerPlayer int
	RateWindow        time.Duration
	RateMax           int
	PresenceTTL       time.Duration
	RecentWinners     int
}

// Deps are the engine's collaborators. Stores and trackers may be in-process
// or shared; the engine never branches on which.
type Deps struct {
	Verifier auth.Verifier
	Store    store.RoundStore
	Guard    guard.Guard
	Presence presence.Tracker
	Timers   *timer.Service
	Events   Broadcaster
	Winners  winners.Recorder
	Clock    clockwork.Clock
	Rand     *rand.Rand
}

// Player is a connected identity and its per-round card state. Marks live on
// the instance holding the player's connection; the presence lease guarantees
// there is only one.
type Player struct {
	Identity string
	ConnID   string
	Nickname string
	RoundID  string
	Slots    []int
	Cards    []CardState
}

// Session is the gateway's per-connection record of who is speaking.
// Identity is empty until a join succeeds.
type Session struct {
	ConnID   string
	Identity string
	Nickname string
}

// Engine is the round orchestrator. One mutex serializes command handling and
// timer callbacks, so no two state mutations for the round interleave within
// a process; cross-process mutations ride the store's compare-and-swap
// discipline.
type Engine struct {
	cfg        Config
	verifier   auth.Verifier
	store      store.RoundStore
	guard      guard.Guard
	presence   presence.Tracker
	timers     *timer.Service
	events     Broadcaster
	recorder   winners.Recorder
	clock      clockwork.Clock
	instanceID string

	runCtx context.Context

	mu       sync.Mutex
	rng      *rand.Rand
	players  map[string]*Player
	leading  bool
	graceSet bool
}

// New creates an engine. Start must be called before dispatching commands.
func New(cfg Config, deps Deps) *Engine {
	return &Engine{
		cfg:        cfg,
		verifier:   deps.Verifier,
		store:      deps.Store,
		guard:      deps.Guard,
		presence:   deps.Presence,
		timers:     deps.Timers,
		events:     deps.Events,
		recorder:   deps.Winners,
		clock:      deps.Clock,
		rng:        deps.Rand,
		instanceID: uuid.New().String()[:8],
		players:    make(map[string]*Player),
	}
}

// InstanceID identifies this engine instance in logs, leases, and relayed
// events.
func (e *Engine) InstanceID() string {
	return e.instanceID
}

// Start initializes the round if no instance has yet, then begins contending
// for timer leadership. ctx bounds every background task.
func (e *Engine) Start(ctx context.Context) error {
	e.runCtx = ctx

	st, err := e.store.Round(ctx)
	if err != nil {
		return fmt.Errorf("read round at startup: %w", err)
	}
	if st.RoundID == "" {
		e.mu.Lock()
		err = e.resetRoundLocked(ctx)
		e.mu.Unlock()
		if err != nil {
			return fmt.Errorf("bootstrap round: %w", err)
		}
	}

	go e.runLeadership(ctx)
	log.Info().Str("instance", e.instanceID).Msg("round engine started")
	return nil
}

// Stop halts timers and releases timer leadership.
func (e *Engine) Stop(ctx context.Context) {
	e.timers.StopAll()
	e.mu.Lock()
	wasLeading := e.leading
	e.leading = false
	e.graceSet = false
	e.mu.Unlock()
	if wasLeading {
		if err := e.store.ReleaseLock(ctx, timerLockName, e.instanceID); err != nil {
			log.Warn().Err(err).Msg("failed to release timer lock on shutdown")
		}
	}
	log.Info().Str("instance", e.instanceID).Msg("round engine stopped")
}

// runLeadership renews (or contends for) the timer lock. Exactly one
// instance holds it and drives the round clock; everyone else only serves
// commands. With the in-process store the lock is always granted.
func (e *Engine) runLeadership(ctx context.Context) {
	e.tryLead(ctx)
	ticker := e.clock.NewTicker(timerLeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.tryLead(ctx)
		}
	}
}

func (e *Engine) tryLead(ctx context.Context) {
	ok, err := e.store.AcquireLock(ctx, timerLockName, e.instanceID, timerLeaseTTL)
	if err != nil {
		log.Error().Err(err).Str("instance", e.instanceID).Msg("timer lock acquisition failed")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case ok && !e.leading:
		e.leading = true
		log.Info().Str("instance", e.instanceID).Msg("acquired timer leadership")
		e.startPhaseTimersLocked(ctx)
	case !ok && e.leading:
		e.leading = false
		e.graceSet = false
		e.timers.StopAll()
		log.Warn().Str("instance", e.instanceID).Msg("lost timer leadership")
	}
}

// startPhaseTimersLocked resumes the clock appropriate to the current phase.
// Called when this instance becomes the timer leader, possibly mid-round.
func (e *Engine) startPhaseTimersLocked(ctx context.Context) {
	st, err := e.store.Round(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to read round for timer start")
		return
	}
	switch st.Phase {
	case store.PhaseCountdown:
		e.timers.StartCountdown(e.runCtx, countdownTickInterval, e.countdownTick)
	case store.PhaseActive:
		e.timers.StartCalls(e.runCtx, e.cfg.CallInterval, e.callTick)
	case store.PhaseEnded:
		e.scheduleResetLocked()
	}
}

// countdownTick fires once per second during the countdown phase.
func (e *Engine) countdownTick(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	phase, err := e.store.Phase(ctx)
	if err != nil {
		return fmt.Errorf("read phase: %w", err)
	}
	if phase != store.PhaseCountdown {
		e.timers.StopCountdown()
		return nil
	}

	left, err := e.store.DecrementCountdown(ctx)
	if err != nil {
		return fmt.Errorf("decrement countdown: %w", err)
	}
	e.events.Broadcast(newEvent(EventCountdown, CountdownPayload{TimeLeft: left}))

	if left == 0 {
		return e.startRoundLocked(ctx)
	}
	return nil
}

// startRoundLocked transitions countdown -> active: swap the phase, announce
// the start, call the first number immediately, then begin the call ticker.
func (e *Engine) startRoundLocked(ctx context.Context) error {
	swapped, err := e.store.CompareAndSetPhase(ctx, store.PhaseCountdown, store.PhaseActive)
	if err != nil {
		return fmt.Errorf("activate round: %w", err)
	}
	e.timers.StopCountdown()
	if !swapped {
		return nil
	}

	log.Info().Msg("round started")
	e.events.Broadcast(newEvent(EventGameStart, struct{}{}))
	if err := e.callNumberLocked(ctx); err != nil {
		log.Error().Err(err).Msg("first number call failed")
	}
	e.timers.StartCalls(e.runCtx, e.cfg.CallInterval, e.callTick)
	return nil
}

// callTick fires on the call interval during the active phase.
func (e *Engine) callTick(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.store.Round(ctx)
	if err != nil {
		return fmt.Errorf("read round: %w", err)
	}
	if st.Phase != store.PhaseActive {
		// A winning claim may have ended the round on another instance; the
		// leader still owns the cleanup.
		e.timers.StopCalls()
		if st.Phase == store.PhaseEnded {
			e.scheduleResetLocked()
		}
		return nil
	}

	if len(st.Called) >= e.cfg.MaxCallsPerRound {
		if err := e.endRoundLocked(ctx, nil, -1); err != nil && !errors.Is(err, errRoundOver) {
			return err
		}
		return nil
	}
	return e.callNumberLocked(ctx)
}

// callNumberLocked draws a random not-yet-called number and appends it.
func (e *Engine) callNumberLocked(ctx context.Context) error {
	st, err := e.store.Round(ctx)
	if err != nil {
		return fmt.Errorf("read round: %w", err)
	}

	called := make(map[int]bool, len(st.Called))
	for _, n := range st.Called {
		called[n] = true
	}
	var remaining []int
	for n := 1; n <= bingo.MaxNumber; n++ {
		if !called[n] {
			remaining = append(remaining, n)
		}
	}
	if len(remaining) == 0 {
		if err := e.endRoundLocked(ctx, nil, -1); err != nil && !errors.Is(err, errRoundOver) {
			return err
		}
		return nil
	}

	n := remaining[e.rng.IntN(len(remaining))]
	added, list, err := e.store.AppendCalledNumber(ctx, n)
	if err != nil {
		return fmt.Errorf("append called number: %w", err)
	}
	if !added {
		// Lost a cross-process race; the winning call was already broadcast.
		return nil
	}

	log.Debug().Int("number", n).Int("total_called", len(list)).Msg("number called")
	e.events.Broadcast(newEvent(EventNumberCalled, NumberCalledPayload{
		Number:        n,
		CalledNumbers: list,
	}))
	return nil
}

// endRoundLocked transitions active -> ended. winner nil means the call
// budget expired with nobody claiming. Exactly one caller wins the phase
// swap; the rest get errRoundOver and must treat the round as already over.
func (e *Engine) endRoundLocked(ctx context.Context, winner *Player, cardIndex int) error {
	swapped, err := e.store.CompareAndSetPhase(ctx, store.PhaseActive, store.PhaseEnded)
	if err != nil {
		return fmt.Errorf("end round: %w", err)
	}
	if !swapped {
		return errRoundOver
	}
	e.timers.StopCalls()

	payload := GameEndPayload{}
	if winner != nil {
		payload.WinnerNickname = winner.Nickname
		card := winner.Cards[cardIndex].Numbers
		payload.WinningCard = &card
		for _, c := range winner.Cards {
			payload.WinningCards = append(payload.WinningCards, c.Numbers)
		}
		if e.recorder != nil {
			w := winners.Winner{
				Identity: winner.Identity,
				Nickname: winner.Nickname,
				Card:     card,
				WonAt:    e.clock.Now(),
			}
			if err := e.recorder.Record(ctx, w); err != nil {
				log.Warn().Err(err).Msg("failed to record winner")
			}
		}
		log.Info().Str("winner", winner.Nickname).Msg("round won")
	} else {
		log.Info().Msg("round ended with no winner")
	}

	e.events.Broadcast(newEvent(EventGameEnd, payload))
	e.scheduleResetLocked()
	return nil
}

// scheduleResetLocked queues the grace-delay reset. Only the timer leader
// schedules it; non-leaders rely on the leader noticing the ended phase.
func (e *Engine) scheduleResetLocked() {
	if !e.leading || e.graceSet {
		return
	}
	e.graceSet = true
	e.timers.Schedule(e.runCtx, e.cfg.GraceDelay, e.resetTick)
}

func (e *Engine) resetTick(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.graceSet = false
	return e.resetRoundLocked(ctx)
}

// resetRoundLocked begins a new round: fresh pool, fresh round id, cleared
// reservations and calls, countdown restarted. The single store write keeps
// clients from ever observing a half-reset round.
func (e *Engine) resetRoundLocked(ctx context.Context) error {
	pool, err := bingo.GeneratePool(e.cfg.PoolSize, e.rng)
	if err != nil {
		return fmt.Errorf("generate pool: %w", err)
	}
	roundID := uuid.New().String()
	if err := e.store.ResetRound(ctx, roundID, e.cfg.CountdownSeconds, pool); err != nil {
		return fmt.Errorf("reset round: %w", err)
	}

	for _, p := range e.players {
		p.RoundID = ""
		p.Slots = nil
		p.Cards = nil
	}

	log.Info().Str("round_id", roundID).Msg("new round")
	e.events.Broadcast(newEvent(EventCardsTaken, CardsTakenPayload{Slots: []int{}}))
	e.events.Broadcast(newEvent(EventCountdown, CountdownPayload{TimeLeft: e.cfg.CountdownSeconds}))

	if e.leading {
		e.timers.StartCountdown(e.runCtx, countdownTickInterval, e.countdownTick)
	}
	return nil
}
