package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/ludogames/bingohall/internal/engine"
)

// eventsSubject carries every relayed game event between instances.
const eventsSubject = "bingohall.events"

// relayFrame is the wire shape of a relayed event. Origin lets instances skip
// their own publications, which they already delivered locally.
type relayFrame struct {
	Origin   string        `json:"origin"`
	Identity string        `json:"identity,omitempty"`
	Event    *engine.Event `json:"event"`
}

// Relay mirrors engine events across instances over NATS. It wraps the local
// connection manager: every event is delivered locally first and published
// for the other instances, so a player always hears about their own actions
// even if NATS is momentarily down.
type Relay struct {
	nc         *nats.Conn
	local      *ConnectionManager
	instanceID string
	sub        *nats.Subscription
}

// NewRelay subscribes to the shared event subject and returns a Broadcaster
// that spans all instances.
func NewRelay(nc *nats.Conn, local *ConnectionManager, instanceID string) (*Relay, error) {
	r := &Relay{nc: nc, local: local, instanceID: instanceID}
	sub, err := nc.Subscribe(eventsSubject, r.handleRemote)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", eventsSubject, err)
	}
	r.sub = sub
	log.Info().Str("subject", eventsSubject).Msg("event relay subscribed")
	return r, nil
}

// Close drops the subscription. The NATS connection is owned by the caller.
func (r *Relay) Close() {
	if r.sub != nil {
		if err := r.sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("failed to unsubscribe event relay")
		}
	}
}

// Broadcast implements engine.Broadcaster.
func (r *Relay) Broadcast(evt *engine.Event) {
	r.local.Broadcast(evt)
	r.publish(relayFrame{Origin: r.instanceID, Event: evt})
}

// SendToUser implements engine.Broadcaster. The target identity may be
// connected to any instance, so user-directed events relay too.
func (r *Relay) SendToUser(identity string, evt *engine.Event) {
	r.local.SendToUser(identity, evt)
	r.publish(relayFrame{Origin: r.instanceID, Identity: identity, Event: evt})
}

func (r *Relay) publish(frame relayFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal relay frame")
		return
	}
	if err := r.nc.Publish(eventsSubject, data); err != nil {
		log.Warn().Err(err).Msg("failed to publish relay frame")
	}
}

func (r *Relay) handleRemote(msg *nats.Msg) {
	var frame relayFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		log.Warn().Err(err).Msg("discarding malformed relay frame")
		return
	}
	if frame.Origin == r.instanceID || frame.Event == nil {
		return
	}
	if frame.Identity != "" {
		r.local.SendToUser(frame.Identity, frame.Event)
		return
	}
	r.local.Broadcast(frame.Event)
}
