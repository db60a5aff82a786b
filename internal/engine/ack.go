package engine

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// Envelope is the inbound command frame. RequestID is optional; when present
// it makes the command idempotent under retry.
type Envelope struct {
	Event     string          `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Ack is the per-command response frame.
type Ack struct {
	Event     string          `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	OK        bool            `json:"ok"`
	Code      string          `json:"code"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Ack codes. Every command failure maps onto one of these; nothing escapes
// the command boundary as a fault.
const (
	CodeOK            = "OK"
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeCapacity      = "CAPACITY"
	CodeConflict      = "CONFLICT"
	CodeInvalidState  = "INVALID_STATE"
	CodeRateLimited   = "RATE_LIMITED"
	CodeStoreConflict = "STORE_CONFLICT"
)

func okAck(event, requestID string, payload any) *Ack {
	a := &Ack{Event: event, RequestID: requestID, OK: true, Code: CodeOK}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			log.Error().Err(err).Str("event", event).Msg("failed to marshal ack payload")
		} else {
			a.Data = data
		}
	}
	return a
}

func errAck(event, requestID, code, message string) *Ack {
	return &Ack{Event: event, RequestID: requestID, OK: false, Code: code, Message: message}
}

func errAckData(event, requestID, code, message string, payload any) *Ack {
	a := errAck(event, requestID, code, message)
	if data, err := json.Marshal(payload); err == nil {
		a.Data = data
	}
	return a
}
