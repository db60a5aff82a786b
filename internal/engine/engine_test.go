package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ludogames/bingohall/internal/auth"
	"github.com/ludogames/bingohall/internal/bingo"
	"github.com/ludogames/bingohall/internal/guard"
	"github.com/ludogames/bingohall/internal/presence"
	"github.com/ludogames/bingohall/internal/store"
	"github.com/ludogames/bingohall/internal/timer"
	"github.com/ludogames/bingohall/internal/winners"
)

// captureBroadcaster records events instead of delivering them.
type captureBroadcaster struct {
	mu        sync.Mutex
	broadcast []*Event
	direct    map[string][]*Event
}

func newCaptureBroadcaster() *captureBroadcaster {
	return &captureBroadcaster{direct: make(map[string][]*Event)}
}

func (b *captureBroadcaster) Broadcast(evt *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcast = append(b.broadcast, evt)
}

func (b *captureBroadcaster) SendToUser(identity string, evt *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.direct[identity] = append(b.direct[identity], evt)
}

func (b *captureBroadcaster) lastBroadcast(t EventType) *Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.broadcast) - 1; i >= 0; i-- {
		if b.broadcast[i].Type == t {
			return b.broadcast[i]
		}
	}
	return nil
}

func testConfig() Config {
	return Config{
		CountdownSeconds:  2,
		CallInterval:      time.Second,
		MaxCallsPerRound:  3,
		GraceDelay:        5 * time.Second,
		PoolSize:          6,
		MaxPlayers:        4,
		MaxCardsPerPlayer: 2,
		RateWindow:        time.Second,
		RateMax:           100,
		PresenceTTL:       30 * time.Second,
		RecentWinners:     5,
	}
}

func testVerifier() auth.StaticVerifier {
	return auth.StaticVerifier{
		"tok-alice": {ID: "user-alice", Nickname: "alice"},
		"tok-bob":   {ID: "user-bob", Nickname: "bob"},
		"tok-carol": {ID: "user-carol", Nickname: "carol"},
	}
}

// newTestEngine builds an engine on in-process backends with the round
// already bootstrapped into the countdown phase. No timers run unless the
// test flips leadership on.
func newTestEngine(t *testing.T, cfg Config) (*Engine, *captureBroadcaster, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	events := newCaptureBroadcaster()
	e := New(cfg, Deps{
		Verifier: testVerifier(),
		Store:    store.NewMemoryRoundStore(clock),
		Guard:    guard.NewMemoryGuard(time.Minute, clock),
		Presence: presence.NewMemoryTracker(clock),
		Timers:   timer.New(clock),
		Events:   events,
		Winners:  winners.NewMemoryRecorder(cfg.RecentWinners),
		Clock:    clock,
		Rand:     rand.New(rand.NewPCG(7, 11)),
	})
	e.runCtx = context.Background()
	e.mu.Lock()
	err := e.resetRoundLocked(context.Background())
	e.mu.Unlock()
	if err != nil {
		t.Fatalf("bootstrap round: %v", err)
	}
	return e, events, clock
}

func dispatch(t *testing.T, e *Engine, sess *Session, event, requestID string, payload any) *Ack {
	t.Helper()
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		data = raw
	}
	return e.Dispatch(context.Background(), sess, Envelope{Event: event, RequestID: requestID, Data: data})
}

func join(t *testing.T, e *Engine, connID, token string) *Session {
	t.Helper()
	sess := &Session{ConnID: connID}
	ack := dispatch(t, e, sess, "join", "", map[string]string{"token": token})
	if !ack.OK {
		t.Fatalf("join failed: %s %s", ack.Code, ack.Message)
	}
	return sess
}

func activate(t *testing.T, e *Engine) {
	t.Helper()
	ok, err := e.store.CompareAndSetPhase(context.Background(), store.PhaseCountdown, store.PhaseActive)
	if err != nil || !ok {
		t.Fatalf("activate round: ok=%v err=%v", ok, err)
	}
}

func callNumbers(t *testing.T, e *Engine, nums ...int) {
	t.Helper()
	for _, n := range nums {
		if _, _, err := e.store.AppendCalledNumber(context.Background(), n); err != nil {
			t.Fatalf("append %d: %v", n, err)
		}
	}
}

// waitFor polls cond until it holds or the deadline passes. Timer callbacks
// run on their own goroutines, so tests that advance the fake clock need a
// settling point.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestJoin(t *testing.T) {
	t.Run("valid token joins and receives snapshot", func(t *testing.T) {
		e, events, _ := newTestEngine(t, testConfig())
		sess := join(t, e, "conn-1", "tok-alice")

		if sess.Identity != "user-alice" {
			t.Errorf("session identity = %q, want user-alice", sess.Identity)
		}
		evts := events.direct["user-alice"]
		if len(evts) == 0 || evts[len(evts)-1].Type != EventJoined {
			t.Fatalf("expected a joined event for user-alice, got %v", evts)
		}
		var payload JoinedPayload
		if err := json.Unmarshal(evts[len(evts)-1].Data, &payload); err != nil {
			t.Fatalf("unmarshal joined payload: %v", err)
		}
		if payload.CurrentState.Phase != string(store.PhaseCountdown) {
			t.Errorf("phase = %q, want countdown", payload.CurrentState.Phase)
		}
		if payload.CurrentState.PoolSize != 6 {
			t.Errorf("pool size = %d, want 6", payload.CurrentState.PoolSize)
		}
	})

	t.Run("invalid token is rejected", func(t *testing.T) {
		e, _, _ := newTestEngine(t, testConfig())
		sess := &Session{ConnID: "conn-1"}
		ack := dispatch(t, e, sess, "join", "", map[string]string{"token": "bogus"})
		if ack.OK || ack.Code != CodeUnauthorized {
			t.Errorf("ack = %+v, want UNAUTHORIZED", ack)
		}
		if sess.Identity != "" {
			t.Errorf("session identity should stay empty, got %q", sess.Identity)
		}
	})

	t.Run("room capacity is enforced", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxPlayers = 1
		e, _, _ := newTestEngine(t, cfg)
		join(t, e, "conn-1", "tok-alice")

		sess := &Session{ConnID: "conn-2"}
		ack := dispatch(t, e, sess, "join", "", map[string]string{"token": "tok-bob"})
		if ack.OK || ack.Code != CodeCapacity {
			t.Errorf("ack = %+v, want CAPACITY", ack)
		}
	})

	t.Run("second connection for the same identity is rejected", func(t *testing.T) {
		e, _, _ := newTestEngine(t, testConfig())
		join(t, e, "conn-1", "tok-alice")

		sess := &Session{ConnID: "conn-2"}
		ack := dispatch(t, e, sess, "join", "", map[string]string{"token": "tok-alice"})
		if ack.OK || ack.Code != CodeConflict {
			t.Errorf("ack = %+v, want CONFLICT", ack)
		}
	})

	t.Run("rejoin after disconnect succeeds", func(t *testing.T) {
		e, _, _ := newTestEngine(t, testConfig())
		sess := join(t, e, "conn-1", "tok-alice")
		e.Disconnect(context.Background(), sess)
		join(t, e, "conn-2", "tok-alice")
	})
}

func TestCommandsRequireJoin(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig())
	sess := &Session{ConnID: "conn-1"}
	for _, event := range []string{"syncState", "reserveCards", "releaseCards", "markCell", "claimBingo"} {
		ack := dispatch(t, e, sess, event, "", map[string]any{})
		if ack.OK || ack.Code != CodeUnauthorized {
			t.Errorf("%s before join: ack = %+v, want UNAUTHORIZED", event, ack)
		}
	}
}

func TestReserveCards(t *testing.T) {
	t.Run("reservation assigns cards and broadcasts taken slots", func(t *testing.T) {
		e, events, _ := newTestEngine(t, testConfig())
		sess := join(t, e, "conn-1", "tok-alice")

		ack := dispatch(t, e, sess, "reserveCards", "", map[string][]int{"slots": {3, 5}})
		if !ack.OK {
			t.Fatalf("reserve failed: %+v", ack)
		}
		var assigned CardsAssignedPayload
		if err := json.Unmarshal(ack.Data, &assigned); err != nil {
			t.Fatalf("unmarshal ack data: %v", err)
		}
		if len(assigned.Cards) != 2 || assigned.Cards[0].Slot != 3 || assigned.Cards[1].Slot != 5 {
			t.Errorf("assigned cards = %+v, want slots 3 and 5", assigned.Cards)
		}

		evt := events.lastBroadcast(EventCardsTaken)
		if evt == nil {
			t.Fatal("no cardsTaken broadcast")
		}
		var taken CardsTakenPayload
		if err := json.Unmarshal(evt.Data, &taken); err != nil {
			t.Fatalf("unmarshal cardsTaken: %v", err)
		}
		if len(taken.Slots) != 2 || taken.Slots[0] != 3 || taken.Slots[1] != 5 {
			t.Errorf("taken slots = %v, want [3 5]", taken.Slots)
		}
	})

	t.Run("conflicting reservation names the blocked slots", func(t *testing.T) {
		e, _, _ := newTestEngine(t, testConfig())
		alice := join(t, e, "conn-1", "tok-alice")
		bob := join(t, e, "conn-2", "tok-bob")

		if ack := dispatch(t, e, alice, "reserveCards", "", map[string][]int{"slots": {3, 5}}); !ack.OK {
			t.Fatalf("alice reserve failed: %+v", ack)
		}
		ack := dispatch(t, e, bob, "reserveCards", "", map[string][]int{"slots": {5, 6}})
		if ack.OK || ack.Code != CodeConflict {
			t.Fatalf("ack = %+v, want CONFLICT", ack)
		}
		var blocked CardsTakenPayload
		if err := json.Unmarshal(ack.Data, &blocked); err != nil {
			t.Fatalf("unmarshal conflict data: %v", err)
		}
		if len(blocked.Slots) != 1 || blocked.Slots[0] != 5 {
			t.Errorf("blocked slots = %v, want [5]", blocked.Slots)
		}
	})

	t.Run("re-reservation swaps holdings atomically", func(t *testing.T) {
		e, _, _ := newTestEngine(t, testConfig())
		alice := join(t, e, "conn-1", "tok-alice")
		bob := join(t, e, "conn-2", "tok-bob")

		if ack := dispatch(t, e, alice, "reserveCards", "", map[string][]int{"slots": {1, 2}}); !ack.OK {
			t.Fatalf("initial reserve failed: %+v", ack)
		}
		if ack := dispatch(t, e, alice, "reserveCards", "", map[string][]int{"slots": {3, 4}}); !ack.OK {
			t.Fatalf("second reserve failed: %+v", ack)
		}
		// Slots 1 and 2 must be free again.
		if ack := dispatch(t, e, bob, "reserveCards", "", map[string][]int{"slots": {1, 2}}); !ack.OK {
			t.Fatalf("bob should get the released slots: %+v", ack)
		}
	})

	t.Run("too many slots rejected", func(t *testing.T) {
		e, _, _ := newTestEngine(t, testConfig())
		sess := join(t, e, "conn-1", "tok-alice")
		ack := dispatch(t, e, sess, "reserveCards", "", map[string][]int{"slots": {1, 2, 3}})
		if ack.OK || ack.Code != CodeInvalidState {
			t.Errorf("ack = %+v, want INVALID_STATE", ack)
		}
	})

	t.Run("out of range slot rejected", func(t *testing.T) {
		e, _, _ := newTestEngine(t, testConfig())
		sess := join(t, e, "conn-1", "tok-alice")
		ack := dispatch(t, e, sess, "reserveCards", "", map[string][]int{"slots": {99}})
		if ack.OK || ack.Code != CodeInvalidState {
			t.Errorf("ack = %+v, want INVALID_STATE", ack)
		}
	})

	t.Run("rejected after the round ends", func(t *testing.T) {
		e, _, _ := newTestEngine(t, testConfig())
		sess := join(t, e, "conn-1", "tok-alice")
		activate(t, e)
		if ok, err := e.store.CompareAndSetPhase(context.Background(), store.PhaseActive, store.PhaseEnded); err != nil || !ok {
			t.Fatalf("end round: ok=%v err=%v", ok, err)
		}
		ack := dispatch(t, e, sess, "reserveCards", "", map[string][]int{"slots": {1}})
		if ack.OK || ack.Code != CodeInvalidState {
			t.Errorf("ack = %+v, want INVALID_STATE", ack)
		}
	})
}

func TestReleaseCards(t *testing.T) {
	e, events, _ := newTestEngine(t, testConfig())
	sess := join(t, e, "conn-1", "tok-alice")
	if ack := dispatch(t, e, sess, "reserveCards", "", map[string][]int{"slots": {1, 2}}); !ack.OK {
		t.Fatalf("reserve failed: %+v", ack)
	}

	ack := dispatch(t, e, sess, "releaseCards", "", map[string][]int{"slots": {1}})
	if !ack.OK {
		t.Fatalf("release failed: %+v", ack)
	}
	var remaining CardsAssignedPayload
	if err := json.Unmarshal(ack.Data, &remaining); err != nil {
		t.Fatalf("unmarshal ack data: %v", err)
	}
	if len(remaining.Cards) != 1 || remaining.Cards[0].Slot != 2 {
		t.Errorf("remaining cards = %+v, want only slot 2", remaining.Cards)
	}

	evt := events.lastBroadcast(EventCardsTaken)
	var taken CardsTakenPayload
	if err := json.Unmarshal(evt.Data, &taken); err != nil {
		t.Fatalf("unmarshal cardsTaken: %v", err)
	}
	if len(taken.Slots) != 1 || taken.Slots[0] != 2 {
		t.Errorf("taken slots = %v, want [2]", taken.Slots)
	}
}

func TestReleaseRejectedAfterRoundEnds(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig())
	sess := join(t, e, "conn-1", "tok-alice")
	if ack := dispatch(t, e, sess, "reserveCards", "", map[string][]int{"slots": {1}}); !ack.OK {
		t.Fatalf("reserve failed: %+v", ack)
	}
	activate(t, e)
	if ok, err := e.store.CompareAndSetPhase(context.Background(), store.PhaseActive, store.PhaseEnded); err != nil || !ok {
		t.Fatalf("end round: ok=%v err=%v", ok, err)
	}

	ack := dispatch(t, e, sess, "releaseCards", "", map[string][]int{"slots": {1}})
	if ack.OK || ack.Code != CodeInvalidState {
		t.Errorf("ack = %+v, want INVALID_STATE", ack)
	}
	st, err := e.store.Round(context.Background())
	if err != nil {
		t.Fatalf("read round: %v", err)
	}
	if st.Slots[1] != "user-alice" {
		t.Errorf("slot 1 owner = %q, reservation must survive a rejected release", st.Slots[1])
	}
}

// recordFailGuard simulates an idempotency store that accepts the command but
// cannot persist the response record.
type recordFailGuard struct{}

func (recordFailGuard) CheckAndRecord(ctx context.Context, actor, action, requestID string, compute func() ([]byte, error)) ([]byte, bool, error) {
	if _, err := compute(); err != nil {
		return nil, false, err
	}
	return nil, false, errors.New("record store unavailable")
}

func (recordFailGuard) IsRateLimited(ctx context.Context, actor, action string, window time.Duration, max int) (bool, error) {
	return false, nil
}

func TestRecordFailureReturnsLiveAck(t *testing.T) {
	cfg := testConfig()
	clock := clockwork.NewFakeClock()
	events := newCaptureBroadcaster()
	e := New(cfg, Deps{
		Verifier: testVerifier(),
		Store:    store.NewMemoryRoundStore(clock),
		Guard:    recordFailGuard{},
		Presence: presence.NewMemoryTracker(clock),
		Timers:   timer.New(clock),
		Events:   events,
		Winners:  winners.NewMemoryRecorder(cfg.RecentWinners),
		Clock:    clock,
		Rand:     rand.New(rand.NewPCG(7, 11)),
	})
	e.runCtx = context.Background()
	e.mu.Lock()
	if err := e.resetRoundLocked(context.Background()); err != nil {
		e.mu.Unlock()
		t.Fatalf("bootstrap round: %v", err)
	}
	e.mu.Unlock()

	sess := join(t, e, "conn-1", "tok-alice")
	ack := dispatch(t, e, sess, "reserveCards", "req-1", map[string][]int{"slots": {1}})
	if !ack.OK {
		t.Fatalf("ack = %+v, want the applied command's success, not a retry hint", ack)
	}
	st, err := e.store.Round(context.Background())
	if err != nil {
		t.Fatalf("read round: %v", err)
	}
	if st.Slots[1] != "user-alice" {
		t.Errorf("slot 1 owner = %q, the reservation was applied and must be acknowledged", st.Slots[1])
	}
}

func TestMarkCell(t *testing.T) {
	setup := func(t *testing.T) (*Engine, *Session, *Player) {
		e, _, _ := newTestEngine(t, testConfig())
		sess := join(t, e, "conn-1", "tok-alice")
		if ack := dispatch(t, e, sess, "reserveCards", "", map[string][]int{"slots": {1}}); !ack.OK {
			t.Fatalf("reserve failed: %+v", ack)
		}
		activate(t, e)
		return e, sess, e.players["user-alice"]
	}

	t.Run("called number can be marked", func(t *testing.T) {
		e, sess, p := setup(t)
		callNumbers(t, e, p.Cards[0].Numbers[0][0])

		ack := dispatch(t, e, sess, "markCell", "", map[string]int{"cardIndex": 0, "row": 0, "col": 0})
		if !ack.OK {
			t.Fatalf("mark failed: %+v", ack)
		}
		if !p.Cards[0].Marked[0][0] {
			t.Error("cell not marked")
		}
	})

	t.Run("uncalled number is rejected", func(t *testing.T) {
		e, sess, p := setup(t)
		ack := dispatch(t, e, sess, "markCell", "", map[string]int{"cardIndex": 0, "row": 0, "col": 0})
		if ack.OK || ack.Code != CodeInvalidState {
			t.Errorf("ack = %+v, want INVALID_STATE", ack)
		}
		if p.Cards[0].Marked[0][0] {
			t.Error("cell should not be marked")
		}
	})

	t.Run("double mark is rejected", func(t *testing.T) {
		e, sess, p := setup(t)
		callNumbers(t, e, p.Cards[0].Numbers[1][1])
		if ack := dispatch(t, e, sess, "markCell", "", map[string]int{"cardIndex": 0, "row": 1, "col": 1}); !ack.OK {
			t.Fatalf("first mark failed: %+v", ack)
		}
		ack := dispatch(t, e, sess, "markCell", "", map[string]int{"cardIndex": 0, "row": 1, "col": 1})
		if ack.OK || ack.Code != CodeInvalidState {
			t.Errorf("ack = %+v, want INVALID_STATE", ack)
		}
	})

	t.Run("marks rejected during countdown", func(t *testing.T) {
		e, _, _ := newTestEngine(t, testConfig())
		sess := join(t, e, "conn-1", "tok-alice")
		if ack := dispatch(t, e, sess, "reserveCards", "", map[string][]int{"slots": {1}}); !ack.OK {
			t.Fatalf("reserve failed: %+v", ack)
		}
		ack := dispatch(t, e, sess, "markCell", "", map[string]int{"cardIndex": 0, "row": 0, "col": 0})
		if ack.OK || ack.Code != CodeInvalidState {
			t.Errorf("ack = %+v, want INVALID_STATE", ack)
		}
	})

	t.Run("winning mark ends the round", func(t *testing.T) {
		e, events, _ := newTestEngine(t, testConfig())
		sess := join(t, e, "conn-1", "tok-alice")
		if ack := dispatch(t, e, sess, "reserveCards", "", map[string][]int{"slots": {1}}); !ack.OK {
			t.Fatalf("reserve failed: %+v", ack)
		}
		activate(t, e)

		p := e.players["user-alice"]
		// Row 2 contains the free center, so four marks complete it.
		row := 2
		var toCall []int
		for col := 0; col < bingo.GridSize; col++ {
			if n := p.Cards[0].Numbers[row][col]; n != bingo.FreeValue {
				toCall = append(toCall, n)
			}
		}
		callNumbers(t, e, toCall...)
		for col := 0; col < bingo.GridSize; col++ {
			if p.Cards[0].Marked[row][col] {
				continue
			}
			ack := dispatch(t, e, sess, "markCell", "", map[string]int{"cardIndex": 0, "row": row, "col": col})
			if !ack.OK {
				t.Fatalf("mark col %d failed: %+v", col, ack)
			}
		}

		phase, err := e.store.Phase(context.Background())
		if err != nil {
			t.Fatalf("read phase: %v", err)
		}
		if phase != store.PhaseEnded {
			t.Fatalf("phase = %v, want ended", phase)
		}
		evt := events.lastBroadcast(EventGameEnd)
		if evt == nil {
			t.Fatal("no gameEnd broadcast")
		}
		var end GameEndPayload
		if err := json.Unmarshal(evt.Data, &end); err != nil {
			t.Fatalf("unmarshal gameEnd: %v", err)
		}
		if end.WinnerNickname != "alice" {
			t.Errorf("winner = %q, want alice", end.WinnerNickname)
		}
		if end.WinningCard == nil {
			t.Error("winning card missing")
		}
	})
}

func TestClaimBingo(t *testing.T) {
	t.Run("claim without a winning card is rejected", func(t *testing.T) {
		e, _, _ := newTestEngine(t, testConfig())
		sess := join(t, e, "conn-1", "tok-alice")
		if ack := dispatch(t, e, sess, "reserveCards", "", map[string][]int{"slots": {1}}); !ack.OK {
			t.Fatalf("reserve failed: %+v", ack)
		}
		activate(t, e)
		ack := dispatch(t, e, sess, "claimBingo", "", nil)
		if ack.OK || ack.Code != CodeInvalidState {
			t.Errorf("ack = %+v, want INVALID_STATE", ack)
		}
	})

	t.Run("only the first winning transition succeeds", func(t *testing.T) {
		e, _, _ := newTestEngine(t, testConfig())
		alice := join(t, e, "conn-1", "tok-alice")
		bob := join(t, e, "conn-2", "tok-bob")
		for _, s := range []struct {
			sess *Session
			slot int
		}{{alice, 1}, {bob, 2}} {
			if ack := dispatch(t, e, s.sess, "reserveCards", "", map[string][]int{"slots": {s.slot}}); !ack.OK {
				t.Fatalf("reserve failed: %+v", ack)
			}
		}
		activate(t, e)

		// Give both players a fully marked card, then race the claims.
		for _, id := range []string{"user-alice", "user-bob"} {
			p := e.players[id]
			for r := 0; r < bingo.GridSize; r++ {
				for c := 0; c < bingo.GridSize; c++ {
					p.Cards[0].Marked[r][c] = true
				}
			}
		}

		first := dispatch(t, e, alice, "claimBingo", "", nil)
		if !first.OK {
			t.Fatalf("first claim failed: %+v", first)
		}
		second := dispatch(t, e, bob, "claimBingo", "", nil)
		if second.OK || second.Code != CodeInvalidState {
			t.Errorf("second claim = %+v, want INVALID_STATE", second)
		}
	})
}

func TestEndRoundRace(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig())
	alice := join(t, e, "conn-1", "tok-alice")
	if ack := dispatch(t, e, alice, "reserveCards", "", map[string][]int{"slots": {1}}); !ack.OK {
		t.Fatalf("reserve failed: %+v", ack)
	}
	activate(t, e)

	p := e.players["user-alice"]
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.endRoundLocked(context.Background(), p, 0); err != nil {
		t.Fatalf("first end: %v", err)
	}
	if err := e.endRoundLocked(context.Background(), p, 0); err != errRoundOver {
		t.Fatalf("second end = %v, want errRoundOver", err)
	}
}

func TestIdempotentReplay(t *testing.T) {
	t.Run("same request id replays the recorded ack", func(t *testing.T) {
		e, _, _ := newTestEngine(t, testConfig())
		sess := join(t, e, "conn-1", "tok-alice")

		first := dispatch(t, e, sess, "reserveCards", "req-1", map[string][]int{"slots": {1}})
		if !first.OK {
			t.Fatalf("reserve failed: %+v", first)
		}
		second := dispatch(t, e, sess, "reserveCards", "req-1", map[string][]int{"slots": {1}})
		if !second.OK || string(second.Data) != string(first.Data) {
			t.Errorf("replay = %+v, want recorded ack %+v", second, first)
		}
	})

	t.Run("replay survives a state change in between", func(t *testing.T) {
		e, _, _ := newTestEngine(t, testConfig())
		alice := join(t, e, "conn-1", "tok-alice")
		bob := join(t, e, "conn-2", "tok-bob")

		first := dispatch(t, e, alice, "reserveCards", "req-1", map[string][]int{"slots": {1}})
		if !first.OK {
			t.Fatalf("reserve failed: %+v", first)
		}
		if ack := dispatch(t, e, bob, "reserveCards", "", map[string][]int{"slots": {2}}); !ack.OK {
			t.Fatalf("bob reserve failed: %+v", ack)
		}
		// Alice retries; she must see her original success, not a fresh
		// evaluation against the new state.
		replay := dispatch(t, e, alice, "reserveCards", "req-1", map[string][]int{"slots": {1}})
		if !replay.OK || string(replay.Data) != string(first.Data) {
			t.Errorf("replay = %+v, want original ack", replay)
		}
	})

	t.Run("different request ids evaluate independently", func(t *testing.T) {
		e, _, _ := newTestEngine(t, testConfig())
		sess := join(t, e, "conn-1", "tok-alice")
		if ack := dispatch(t, e, sess, "reserveCards", "req-1", map[string][]int{"slots": {1}}); !ack.OK {
			t.Fatalf("reserve failed: %+v", ack)
		}
		ack := dispatch(t, e, sess, "reserveCards", "req-2", map[string][]int{"slots": {2}})
		if !ack.OK {
			t.Fatalf("second reserve failed: %+v", ack)
		}
		var assigned CardsAssignedPayload
		if err := json.Unmarshal(ack.Data, &assigned); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(assigned.Cards) != 1 || assigned.Cards[0].Slot != 2 {
			t.Errorf("cards = %+v, want only slot 2", assigned.Cards)
		}
	})
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateMax = 2
	e, _, _ := newTestEngine(t, cfg)
	sess := join(t, e, "conn-1", "tok-alice")

	for i := 0; i < 2; i++ {
		if ack := dispatch(t, e, sess, "syncState", "", nil); !ack.OK {
			t.Fatalf("sync %d failed: %+v", i, ack)
		}
	}
	ack := dispatch(t, e, sess, "syncState", "", nil)
	if ack.OK || ack.Code != CodeRateLimited {
		t.Errorf("ack = %+v, want RATE_LIMITED", ack)
	}
}

func TestDisconnectReleasesSlots(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig())
	alice := join(t, e, "conn-1", "tok-alice")
	if ack := dispatch(t, e, alice, "reserveCards", "", map[string][]int{"slots": {1, 2}}); !ack.OK {
		t.Fatalf("reserve failed: %+v", ack)
	}
	e.Disconnect(context.Background(), alice)

	bob := join(t, e, "conn-2", "tok-bob")
	if ack := dispatch(t, e, bob, "reserveCards", "", map[string][]int{"slots": {1, 2}}); !ack.OK {
		t.Fatalf("slots should be free after disconnect: %+v", ack)
	}
}

func TestStaleDisconnectIgnored(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig())
	old := join(t, e, "conn-1", "tok-alice")
	e.Disconnect(context.Background(), old)
	fresh := join(t, e, "conn-2", "tok-alice")
	if ack := dispatch(t, e, fresh, "reserveCards", "", map[string][]int{"slots": {1}}); !ack.OK {
		t.Fatalf("reserve failed: %+v", ack)
	}

	// The close notification for the old connection arrives late; it must not
	// tear down the fresh session's state.
	e.Disconnect(context.Background(), old)
	st, err := e.store.Round(context.Background())
	if err != nil {
		t.Fatalf("read round: %v", err)
	}
	if st.Slots[1] != "user-alice" {
		t.Errorf("slot 1 owner = %q, want user-alice", st.Slots[1])
	}
}

func TestCountdownFlow(t *testing.T) {
	e, events, clock := newTestEngine(t, testConfig())
	ctx := context.Background()

	e.mu.Lock()
	e.leading = true
	e.timers.StartCountdown(e.runCtx, countdownTickInterval, e.countdownTick)
	e.mu.Unlock()

	clock.Advance(time.Second)
	waitFor(t, "countdown to reach 1", func() bool {
		st, err := e.store.Round(ctx)
		return err == nil && st.Countdown == 1
	})

	clock.Advance(time.Second)
	waitFor(t, "round to activate", func() bool {
		phase, err := e.store.Phase(ctx)
		return err == nil && phase == store.PhaseActive
	})

	// Activation calls the first number immediately.
	waitFor(t, "first number call", func() bool {
		st, err := e.store.Round(ctx)
		return err == nil && len(st.Called) == 1
	})
	if events.lastBroadcast(EventGameStart) == nil {
		t.Error("no gameStart broadcast")
	}
}

func TestCallBudgetEndsRound(t *testing.T) {
	e, events, clock := newTestEngine(t, testConfig())
	ctx := context.Background()
	activate(t, e)

	e.mu.Lock()
	e.leading = true
	e.timers.StartCalls(e.runCtx, e.cfg.CallInterval, e.callTick)
	e.mu.Unlock()

	// Budget is 3 calls; the tick after the third ends the round.
	for i := 1; i <= 3; i++ {
		clock.Advance(e.cfg.CallInterval)
		waitFor(t, fmt.Sprintf("call %d", i), func() bool {
			st, err := e.store.Round(ctx)
			return err == nil && len(st.Called) == i
		})
	}
	clock.Advance(e.cfg.CallInterval)
	waitFor(t, "round to end", func() bool {
		phase, err := e.store.Phase(ctx)
		return err == nil && phase == store.PhaseEnded
	})

	evt := events.lastBroadcast(EventGameEnd)
	if evt == nil {
		t.Fatal("no gameEnd broadcast")
	}
	var end GameEndPayload
	if err := json.Unmarshal(evt.Data, &end); err != nil {
		t.Fatalf("unmarshal gameEnd: %v", err)
	}
	if end.WinnerNickname != "" {
		t.Errorf("winner = %q, want none", end.WinnerNickname)
	}
}

func TestGraceResetStartsNewRound(t *testing.T) {
	e, events, clock := newTestEngine(t, testConfig())
	ctx := context.Background()
	activate(t, e)

	st, err := e.store.Round(ctx)
	if err != nil {
		t.Fatalf("read round: %v", err)
	}
	firstRound := st.RoundID

	alice := join(t, e, "conn-1", "tok-alice")
	if ack := dispatch(t, e, alice, "reserveCards", "", map[string][]int{"slots": {1}}); !ack.OK {
		t.Fatalf("reserve failed: %+v", ack)
	}

	e.mu.Lock()
	e.leading = true
	p := e.players["user-alice"]
	for r := 0; r < bingo.GridSize; r++ {
		for c := 0; c < bingo.GridSize; c++ {
			p.Cards[0].Marked[r][c] = true
		}
	}
	if err := e.endRoundLocked(ctx, p, 0); err != nil {
		e.mu.Unlock()
		t.Fatalf("end round: %v", err)
	}
	e.mu.Unlock()

	clock.Advance(e.cfg.GraceDelay)
	waitFor(t, "new round in countdown", func() bool {
		st, err := e.store.Round(ctx)
		return err == nil && st.Phase == store.PhaseCountdown && st.RoundID != firstRound
	})

	st, err = e.store.Round(ctx)
	if err != nil {
		t.Fatalf("read round: %v", err)
	}
	if len(st.Slots) != 0 {
		t.Errorf("reservations should be cleared, got %v", st.Slots)
	}
	if len(st.Called) != 0 {
		t.Errorf("called numbers should be cleared, got %v", st.Called)
	}
	if st.Countdown != e.cfg.CountdownSeconds {
		t.Errorf("countdown = %d, want %d", st.Countdown, e.cfg.CountdownSeconds)
	}

	e.mu.Lock()
	if p.Cards != nil || p.Slots != nil {
		t.Errorf("player card state should be cleared, got cards=%v slots=%v", p.Cards, p.Slots)
	}
	e.mu.Unlock()

	evt := events.lastBroadcast(EventCountdown)
	var cd CountdownPayload
	if err := json.Unmarshal(evt.Data, &cd); err != nil {
		t.Fatalf("unmarshal countdown: %v", err)
	}
	if cd.TimeLeft != e.cfg.CountdownSeconds {
		t.Errorf("countdown broadcast = %d, want %d", cd.TimeLeft, e.cfg.CountdownSeconds)
	}

	recent, err := e.recorder.Recent(ctx, 5)
	if err != nil {
		t.Fatalf("recent winners: %v", err)
	}
	if len(recent) != 1 || recent[0].Nickname != "alice" {
		t.Errorf("recent winners = %+v, want alice", recent)
	}
}

func TestSyncState(t *testing.T) {
	e, events, _ := newTestEngine(t, testConfig())
	sess := join(t, e, "conn-1", "tok-alice")
	if ack := dispatch(t, e, sess, "reserveCards", "", map[string][]int{"slots": {2}}); !ack.OK {
		t.Fatalf("reserve failed: %+v", ack)
	}
	activate(t, e)
	callNumbers(t, e, 10, 20)

	ack := dispatch(t, e, sess, "syncState", "", nil)
	if !ack.OK {
		t.Fatalf("sync failed: %+v", ack)
	}
	var payload StateSyncPayload
	if err := json.Unmarshal(ack.Data, &payload); err != nil {
		t.Fatalf("unmarshal sync payload: %v", err)
	}
	if payload.CurrentState.Phase != string(store.PhaseActive) {
		t.Errorf("phase = %q, want active", payload.CurrentState.Phase)
	}
	if len(payload.CurrentState.CalledNumbers) != 2 {
		t.Errorf("called = %v, want [10 20]", payload.CurrentState.CalledNumbers)
	}
	if payload.Player == nil || len(payload.Player.Cards) != 1 || payload.Player.Cards[0].Slot != 2 {
		t.Errorf("player state = %+v, want card in slot 2", payload.Player)
	}

	evts := events.direct["user-alice"]
	if len(evts) == 0 || evts[len(evts)-1].Type != EventStateSync {
		t.Errorf("expected a stateSync event, got %v", evts)
	}
}

func TestUnknownCommand(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig())
	sess := join(t, e, "conn-1", "tok-alice")
	ack := dispatch(t, e, sess, "teleport", "", nil)
	if ack.OK || ack.Code != CodeInvalidState {
		t.Errorf("ack = %+v, want INVALID_STATE", ack)
	}
}
