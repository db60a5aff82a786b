package engine

import (
	"context"
	"encoding/json"
	"errors"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/ludogames/bingohall/internal/bingo"
	"github.com/ludogames/bingohall/internal/store"
)

// mutating lists the commands whose acks are replayed verbatim when the same
// request id is seen again, instead of re-running the handler.
var mutating = map[string]bool{
	"join":         true,
	"reserveCards": true,
	"releaseCards": true,
	"markCell":     true,
	"claimBingo":   true,
}

type handlerFunc func(ctx context.Context, sess *Session, env Envelope) *Ack

// Dispatch routes one client envelope through the command guard and into its
// handler, and always returns an ack for the gateway to write back. Failed
// commands additionally emit a gameError event to the caller.
func (e *Engine) Dispatch(ctx context.Context, sess *Session, env Envelope) *Ack {
	ack := e.dispatch(ctx, sess, env)
	if !ack.OK && sess.Identity != "" {
		e.events.SendToUser(sess.Identity, newEvent(EventGameError, GameErrorPayload{Message: ack.Message}))
	}
	return ack
}

func (e *Engine) dispatch(ctx context.Context, sess *Session, env Envelope) *Ack {
	handler := e.handlerFor(env.Event)
	if handler == nil {
		return errAck(env.Event, env.RequestID, CodeInvalidState, "unknown command")
	}

	actor := sess.Identity
	if actor == "" {
		actor = sess.ConnID
	}

	limited, err := e.guard.IsRateLimited(ctx, actor, env.Event, e.cfg.RateWindow, e.cfg.RateMax)
	if err != nil {
		// Degrade open: a guard outage must not take commands down with it.
		log.Error().Err(err).Str("actor", actor).Msg("rate limit check failed")
	} else if limited {
		return errAck(env.Event, env.RequestID, CodeRateLimited, "too many requests, slow down")
	}

	if env.Event != "join" && sess.Identity == "" {
		return errAck(env.Event, env.RequestID, CodeUnauthorized, "join first")
	}
	if sess.Identity != "" {
		if _, err := e.presence.Refresh(ctx, sess.Identity, sess.ConnID, e.cfg.PresenceTTL); err != nil {
			log.Warn().Err(err).Str("identity", sess.Identity).Msg("presence refresh failed")
		}
	}

	if env.RequestID == "" || !mutating[env.Event] {
		return handler(ctx, sess, env)
	}

	var computed *Ack
	raw, replayed, err := e.guard.CheckAndRecord(ctx, actor, env.Event, env.RequestID, func() ([]byte, error) {
		computed = handler(ctx, sess, env)
		return json.Marshal(computed)
	})
	if err != nil {
		if computed != nil {
			// The command already ran; a failed idempotency record must not
			// tell the client to retry an applied mutation.
			log.Warn().Err(err).Str("actor", actor).Str("event", env.Event).Msg("failed to record command response, returning live result")
			return computed
		}
		log.Error().Err(err).Str("actor", actor).Str("event", env.Event).Msg("command guard failure")
		return errAck(env.Event, env.RequestID, CodeStoreConflict, "temporary failure, retry")
	}
	ack := &Ack{}
	if err := json.Unmarshal(raw, ack); err != nil {
		log.Error().Err(err).Msg("stored ack is unreadable")
		return errAck(env.Event, env.RequestID, CodeStoreConflict, "temporary failure, retry")
	}
	if replayed {
		log.Debug().Str("actor", actor).Str("request_id", env.RequestID).Msg("replayed recorded ack")
	}
	return ack
}

func (e *Engine) handlerFor(event string) handlerFunc {
	switch event {
	case "join":
		return e.handleJoin
	case "syncState":
		return e.handleSyncState
	case "reserveCards":
		return e.handleReserveCards
	case "releaseCards":
		return e.handleReleaseCards
	case "markCell":
		return e.handleMarkCell
	case "claimBingo":
		return e.handleClaimBingo
	default:
		return nil
	}
}

// Disconnect releases everything the session held: its card reservations, its
// presence lease, and its per-instance player record. Safe to call for
// sessions that never joined.
func (e *Engine) Disconnect(ctx context.Context, sess *Session) {
	if sess.Identity == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.players[sess.Identity]
	if p == nil || p.ConnID != sess.ConnID {
		// The identity already reconnected elsewhere; this close is stale.
		return
	}
	delete(e.players, sess.Identity)

	if err := e.store.ReleaseOwner(ctx, sess.Identity); err != nil {
		log.Warn().Err(err).Str("identity", sess.Identity).Msg("failed to release slots on disconnect")
	}
	if err := e.presence.Release(ctx, sess.Identity, sess.ConnID); err != nil {
		log.Warn().Err(err).Str("identity", sess.Identity).Msg("failed to release presence lease")
	}

	if st, err := e.store.Round(ctx); err == nil {
		e.events.Broadcast(newEvent(EventCardsTaken, CardsTakenPayload{Slots: takenSlots(st)}))
	}
	log.Debug().Str("identity", sess.Identity).Msg("player disconnected")
}

func (e *Engine) handleJoin(ctx context.Context, sess *Session, env Envelope) *Ack {
	var req struct {
		Nickname string `json:"nickname"`
		Token    string `json:"token"`
	}
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return errAck(env.Event, env.RequestID, CodeInvalidState, "malformed join payload")
	}

	id, err := e.verifier.Verify(req.Token)
	if err != nil {
		return errAck(env.Event, env.RequestID, CodeUnauthorized, "invalid token")
	}
	nickname := id.Nickname
	if nickname == "" {
		nickname = req.Nickname
	}
	if nickname == "" {
		nickname = "player"
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, known := e.players[id.ID]; !known && len(e.players) >= e.cfg.MaxPlayers {
		return errAck(env.Event, env.RequestID, CodeCapacity, "round is full")
	}

	ok, err := e.presence.Claim(ctx, id.ID, sess.ConnID, e.cfg.PresenceTTL)
	if err != nil {
		log.Error().Err(err).Str("identity", id.ID).Msg("presence claim failed")
		return errAck(env.Event, env.RequestID, CodeStoreConflict, "temporary failure, retry")
	}
	if !ok {
		return errAck(env.Event, env.RequestID, CodeConflict, "identity is already connected")
	}

	p := e.players[id.ID]
	if p == nil {
		p = &Player{Identity: id.ID}
		e.players[id.ID] = p
	}
	p.ConnID = sess.ConnID
	p.Nickname = nickname
	sess.Identity = id.ID
	sess.Nickname = nickname

	st, err := e.store.Round(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to read round on join")
		return errAck(env.Event, env.RequestID, CodeStoreConflict, "temporary failure, retry")
	}
	e.reconcilePlayerLocked(p, st)

	log.Info().Str("identity", id.ID).Str("nickname", nickname).Msg("player joined")
	e.events.Broadcast(newEvent(EventPlayerJoined, PlayerJoinedPayload{
		Nickname:    nickname,
		PlayerCount: len(e.players),
	}))

	payload := JoinedPayload{
		Cards:        cardsOrEmpty(p.Cards),
		CurrentState: e.snapshotLocked(ctx, st),
	}
	e.events.SendToUser(id.ID, newEvent(EventJoined, payload))
	return okAck(env.Event, env.RequestID, payload)
}

func (e *Engine) handleSyncState(ctx context.Context, sess *Session, env Envelope) *Ack {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.players[sess.Identity]
	if p == nil {
		return errAck(env.Event, env.RequestID, CodeUnauthorized, "join first")
	}
	st, err := e.store.Round(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to read round for sync")
		return errAck(env.Event, env.RequestID, CodeStoreConflict, "temporary failure, retry")
	}
	e.reconcilePlayerLocked(p, st)

	payload := StateSyncPayload{
		CurrentState: e.snapshotLocked(ctx, st),
		Player: &PlayerState{
			Nickname: p.Nickname,
			Slots:    slices.Clone(p.Slots),
			Cards:    cardsOrEmpty(p.Cards),
		},
	}
	e.events.SendToUser(sess.Identity, newEvent(EventStateSync, payload))
	return okAck(env.Event, env.RequestID, payload)
}

func (e *Engine) handleReserveCards(ctx context.Context, sess *Session, env Envelope) *Ack {
	var req struct {
		Slots []int `json:"slots"`
	}
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return errAck(env.Event, env.RequestID, CodeInvalidState, "malformed reserve payload")
	}
	if len(req.Slots) == 0 || len(req.Slots) > e.cfg.MaxCardsPerPlayer {
		return errAck(env.Event, env.RequestID, CodeInvalidState, "must reserve between 1 and the allowed number of cards")
	}
	if len(req.Slots) == 2 && req.Slots[0] == req.Slots[1] {
		return errAck(env.Event, env.RequestID, CodeInvalidState, "duplicate slot in request")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.players[sess.Identity]
	if p == nil {
		return errAck(env.Event, env.RequestID, CodeUnauthorized, "join first")
	}

	st, err := e.store.Round(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to read round for reservation")
		return errAck(env.Event, env.RequestID, CodeStoreConflict, "temporary failure, retry")
	}
	if st.Phase == store.PhaseEnded {
		return errAck(env.Event, env.RequestID, CodeInvalidState, "round is over, wait for the next one")
	}

	if err := e.store.ReserveSlots(ctx, sess.Identity, req.Slots); err != nil {
		var taken *store.SlotsTakenError
		var invalid *store.InvalidSlotError
		switch {
		case errors.As(err, &taken):
			return errAckData(env.Event, env.RequestID, CodeConflict, "some slots are already taken",
				CardsTakenPayload{Slots: taken.Slots})
		case errors.As(err, &invalid):
			return errAck(env.Event, env.RequestID, CodeInvalidState, "slot out of range")
		case errors.Is(err, store.ErrRetriesExhausted):
			return errAck(env.Event, env.RequestID, CodeStoreConflict, "state contention, retry")
		default:
			log.Error().Err(err).Str("identity", sess.Identity).Msg("reservation failed")
			return errAck(env.Event, env.RequestID, CodeStoreConflict, "temporary failure, retry")
		}
	}

	// Re-read so the slot-taken broadcast reflects the state after this
	// reservation landed.
	st, err = e.store.Round(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to re-read round after reservation")
		return errAck(env.Event, env.RequestID, CodeStoreConflict, "temporary failure, retry")
	}

	p.RoundID = st.RoundID
	p.Slots = slices.Clone(req.Slots)
	slices.Sort(p.Slots)
	p.Cards = p.Cards[:0]
	for _, slot := range p.Slots {
		p.Cards = append(p.Cards, CardState{
			Slot:    slot,
			Numbers: st.Pool[slot-1],
			Marked:  bingo.NewMarks(),
		})
	}

	log.Debug().Str("identity", sess.Identity).Ints("slots", p.Slots).Msg("cards reserved")
	e.events.Broadcast(newEvent(EventCardsTaken, CardsTakenPayload{Slots: takenSlots(st)}))

	payload := CardsAssignedPayload{Cards: cardsOrEmpty(p.Cards)}
	e.events.SendToUser(sess.Identity, newEvent(EventCardsAssigned, payload))
	return okAck(env.Event, env.RequestID, payload)
}

func (e *Engine) handleReleaseCards(ctx context.Context, sess *Session, env Envelope) *Ack {
	var req struct {
		Slots []int `json:"slots"`
	}
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return errAck(env.Event, env.RequestID, CodeInvalidState, "malformed release payload")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.players[sess.Identity]
	if p == nil {
		return errAck(env.Event, env.RequestID, CodeUnauthorized, "join first")
	}

	phase, err := e.store.Phase(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to read phase for release")
		return errAck(env.Event, env.RequestID, CodeStoreConflict, "temporary failure, retry")
	}
	if phase == store.PhaseEnded {
		return errAck(env.Event, env.RequestID, CodeInvalidState, "round is over, wait for the next one")
	}

	if err := e.store.ReleaseSlots(ctx, sess.Identity, req.Slots); err != nil {
		if errors.Is(err, store.ErrRetriesExhausted) {
			return errAck(env.Event, env.RequestID, CodeStoreConflict, "state contention, retry")
		}
		log.Error().Err(err).Str("identity", sess.Identity).Msg("release failed")
		return errAck(env.Event, env.RequestID, CodeStoreConflict, "temporary failure, retry")
	}

	st, err := e.store.Round(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to re-read round after release")
		return errAck(env.Event, env.RequestID, CodeStoreConflict, "temporary failure, retry")
	}
	e.reconcilePlayerLocked(p, st)

	e.events.Broadcast(newEvent(EventCardsTaken, CardsTakenPayload{Slots: takenSlots(st)}))

	payload := CardsAssignedPayload{Cards: cardsOrEmpty(p.Cards)}
	e.events.SendToUser(sess.Identity, newEvent(EventCardsAssigned, payload))
	return okAck(env.Event, env.RequestID, payload)
}

func (e *Engine) handleMarkCell(ctx context.Context, sess *Session, env Envelope) *Ack {
	var req struct {
		CardIndex int `json:"cardIndex"`
		Row       int `json:"row"`
		Col       int `json:"col"`
	}
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return errAck(env.Event, env.RequestID, CodeInvalidState, "malformed mark payload")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.players[sess.Identity]
	if p == nil {
		return errAck(env.Event, env.RequestID, CodeUnauthorized, "join first")
	}

	st, err := e.store.Round(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to read round for mark")
		return errAck(env.Event, env.RequestID, CodeStoreConflict, "temporary failure, retry")
	}
	if st.Phase != store.PhaseActive {
		return errAck(env.Event, env.RequestID, CodeInvalidState, "marks are only allowed during an active round")
	}
	e.reconcilePlayerLocked(p, st)

	if req.CardIndex < 0 || req.CardIndex >= len(p.Cards) {
		return errAck(env.Event, env.RequestID, CodeInvalidState, "no such card")
	}
	if req.Row < 0 || req.Row >= bingo.GridSize || req.Col < 0 || req.Col >= bingo.GridSize {
		return errAck(env.Event, env.RequestID, CodeInvalidState, "cell out of range")
	}

	card := &p.Cards[req.CardIndex]
	if card.Marked[req.Row][req.Col] {
		return errAck(env.Event, env.RequestID, CodeInvalidState, "cell already marked")
	}
	n := card.Numbers[req.Row][req.Col]
	if n != bingo.FreeValue && !slices.Contains(st.Called, n) {
		return errAck(env.Event, env.RequestID, CodeInvalidState, "that number has not been called")
	}

	card.Marked[req.Row][req.Col] = true
	payload := MarkConfirmedPayload{
		CardIndex: req.CardIndex,
		Row:       req.Row,
		Col:       req.Col,
		Number:    n,
	}
	e.events.SendToUser(sess.Identity, newEvent(EventMarkConfirmed, payload))

	if bingo.HasBingo(card.Marked) {
		if err := e.endRoundLocked(ctx, p, req.CardIndex); err != nil && !errors.Is(err, errRoundOver) {
			log.Error().Err(err).Msg("failed to end round on winning mark")
		}
	}
	return okAck(env.Event, env.RequestID, payload)
}

func (e *Engine) handleClaimBingo(ctx context.Context, sess *Session, env Envelope) *Ack {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.players[sess.Identity]
	if p == nil {
		return errAck(env.Event, env.RequestID, CodeUnauthorized, "join first")
	}

	st, err := e.store.Round(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to read round for claim")
		return errAck(env.Event, env.RequestID, CodeStoreConflict, "temporary failure, retry")
	}
	if st.Phase != store.PhaseActive {
		return errAck(env.Event, env.RequestID, CodeInvalidState, "round is not active")
	}
	e.reconcilePlayerLocked(p, st)

	for i, card := range p.Cards {
		if !bingo.HasBingo(card.Marked) {
			continue
		}
		if err := e.endRoundLocked(ctx, p, i); err != nil {
			if errors.Is(err, errRoundOver) {
				return errAck(env.Event, env.RequestID, CodeInvalidState, "round already ended")
			}
			log.Error().Err(err).Msg("failed to end round on claim")
			return errAck(env.Event, env.RequestID, CodeStoreConflict, "temporary failure, retry")
		}
		return okAck(env.Event, env.RequestID, struct {
			CardIndex int `json:"cardIndex"`
		}{CardIndex: i})
	}
	return errAck(env.Event, env.RequestID, CodeInvalidState, "no winning card")
}

// reconcilePlayerLocked aligns the player's in-memory card state with the
// store: a round reset (possibly performed by another instance) or a release
// invalidates previously held cards.
func (e *Engine) reconcilePlayerLocked(p *Player, st *store.RoundState) {
	if p.RoundID != st.RoundID {
		p.RoundID = ""
		p.Slots = nil
		p.Cards = nil
		return
	}

	kept := p.Cards[:0]
	var slots []int
	for _, card := range p.Cards {
		if st.Slots[card.Slot] == p.Identity {
			kept = append(kept, card)
			slots = append(slots, card.Slot)
		}
	}
	p.Cards = kept
	p.Slots = slots
}

// snapshotLocked builds the shared-state view sent to joining and resyncing
// clients.
func (e *Engine) snapshotLocked(ctx context.Context, st *store.RoundState) Snapshot {
	snap := Snapshot{
		Phase:         string(st.Phase),
		TimeLeft:      st.Countdown,
		CalledNumbers: slices.Clone(st.Called),
		TakenSlots:    takenSlots(st),
		PoolSize:      len(st.Pool),
		PlayerCount:   len(e.players),
		MaxPlayers:    e.cfg.MaxPlayers,
	}
	if snap.CalledNumbers == nil {
		snap.CalledNumbers = []int{}
	}
	if e.recorder != nil {
		recent, err := e.recorder.Recent(ctx, e.cfg.RecentWinners)
		if err != nil {
			log.Warn().Err(err).Msg("failed to load recent winners")
		} else {
			snap.RecentWinners = recent
		}
	}
	return snap
}

func takenSlots(st *store.RoundState) []int {
	slots := make([]int, 0, len(st.Slots))
	for slot := range st.Slots {
		slots = append(slots, slot)
	}
	slices.Sort(slots)
	return slots
}

func cardsOrEmpty(cards []CardState) []CardState {
	if cards == nil {
		return []CardState{}
	}
	return cards
}
