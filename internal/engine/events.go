package engine

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ludogames/bingohall/internal/bingo"
	"github.com/ludogames/bingohall/internal/winners"
)

// Event is the envelope for every server-to-client message.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventType names an outbound event.
type EventType string

const (
	EventJoined        EventType = "joined"
	EventCardsAssigned EventType = "cardsAssigned"
	EventCardsTaken    EventType = "cardsTaken"
	EventCountdown     EventType = "countdown"
	EventGameStart     EventType = "gameStart"
	EventNumberCalled  EventType = "numberCalled"
	EventMarkConfirmed EventType = "markConfirmed"
	EventGameEnd       EventType = "gameEnd"
	EventGameError     EventType = "gameError"
	EventStateSync     EventType = "stateSync"
	EventPlayerJoined  EventType = "playerJoined"
)

// Broadcaster fans events out to connected clients. SendToUser targets every
// connection of one identity; Broadcast reaches all clients, on every
// instance when a relay is configured.
type Broadcaster interface {
	Broadcast(evt *Event)
	SendToUser(identity string, evt *Event)
}

// JoinedPayload answers a successful join.
type JoinedPayload struct {
	Cards        []CardState `json:"cards"`
	CurrentState Snapshot    `json:"currentState"`
}

// CardsAssignedPayload delivers freshly reserved cards to their owner.
type CardsAssignedPayload struct {
	Cards []CardState `json:"cards"`
}

// CardsTakenPayload broadcasts the global reserved-slot list.
type CardsTakenPayload struct {
	Slots []int `json:"slots"`
}

// CountdownPayload broadcasts the remaining pre-round seconds.
type CountdownPayload struct {
	TimeLeft int `json:"timeLeft"`
}

// NumberCalledPayload broadcasts a new call and the full ordered history.
type NumberCalledPayload struct {
	Number        int   `json:"number"`
	CalledNumbers []int `json:"calledNumbers"`
}

// MarkConfirmedPayload acknowledges one accepted mark to its owner.
type MarkConfirmedPayload struct {
	CardIndex int `json:"cardIndex"`
	Row       int `json:"row"`
	Col       int `json:"col"`
	Number    int `json:"number"`
}

// GameEndPayload broadcasts the round result. WinnerNickname is empty when
// the call budget ran out with no winner.
type GameEndPayload struct {
	WinnerNickname string       `json:"winnerNickname"`
	WinningCard    *bingo.Grid  `json:"winningCard,omitempty"`
	WinningCards   []bingo.Grid `json:"winningCards,omitempty"`
}

// GameErrorPayload carries an out-of-band error to one client.
type GameErrorPayload struct {
	Message string `json:"message"`
}

// StateSyncPayload rebuilds full client state after (re)connect.
type StateSyncPayload struct {
	CurrentState Snapshot     `json:"currentState"`
	Player       *PlayerState `json:"player,omitempty"`
}

// PlayerJoinedPayload announces a new player to the room.
type PlayerJoinedPayload struct {
	Nickname    string `json:"nickname"`
	PlayerCount int    `json:"playerCount"`
}

// Snapshot is the round state a client needs to render without event replay.
type Snapshot struct {
	Phase         string           `json:"phase"`
	TimeLeft      int              `json:"timeLeft"`
	CalledNumbers []int            `json:"calledNumbers"`
	TakenSlots    []int            `json:"takenSlots"`
	PoolSize      int              `json:"poolSize"`
	PlayerCount   int              `json:"playerCount"`
	MaxPlayers    int              `json:"maxPlayers"`
	RecentWinners []winners.Winner `json:"recentWinners,omitempty"`
}

// PlayerState is the caller-private half of a state sync.
type PlayerState struct {
	Nickname string      `json:"nickname"`
	Slots    []int       `json:"slots"`
	Cards    []CardState `json:"cards"`
}

// CardState is one assigned card with its marks.
type CardState struct {
	Slot    int         `json:"slot"`
	Numbers bingo.Grid  `json:"numbers"`
	Marked  bingo.Marks `json:"marked"`
}

// newEvent wraps a payload in the outbound envelope.
func newEvent(t EventType, payload any) *Event {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(t)).Msg("failed to marshal event payload")
		data = nil
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now(),
		Data:      data,
	}
}
