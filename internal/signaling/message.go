package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Message is the envelope for every event exchanged with the relay.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event names. The misspelt "incomming:call" is part of the wire contract.
const (
	EventRoomJoin     = "room:join"
	EventUserJoined   = "user:joined"
	EventUserLeft     = "user:left"
	EventUserCall     = "user:call"
	EventIncomingCall = "incomming:call"
	EventCallAccepted = "call:accepted"
	EventNegoNeeded   = "peer:nego:needed"
	EventNegoDone     = "peer:nego:done"
	EventNegoFinal    = "peer:nego:final"
	EventError        = "error"
)

// RoomJoinPayload is sent by a peer to enter a room. The relay echoes it
// back with ID filled in.
type RoomJoinPayload struct {
	Email string `json:"email"`
	Room  string `json:"room"`
	ID    string `json:"id,omitempty"`
}

// UserJoinedPayload announces the other participant of a room.
type UserJoinedPayload struct {
	Email string `json:"email"`
	ID    string `json:"id"`
}

// UserLeftPayload announces that a participant disconnected.
type UserLeftPayload struct {
	ID string `json:"id"`
}

// UserCallPayload carries the initial offer towards the callee.
type UserCallPayload struct {
	To    string                    `json:"to"`
	Offer webrtc.SessionDescription `json:"offer"`
}

// IncomingCallPayload is the relay's delivery of a UserCallPayload.
type IncomingCallPayload struct {
	From  string                    `json:"from"`
	Offer webrtc.SessionDescription `json:"offer"`
	Mail  string                    `json:"mail"`
}

// CallAcceptedPayload carries the answer to the initial offer. Senders set
// To, the relay rewrites it to From.
type CallAcceptedPayload struct {
	To   string                    `json:"to,omitempty"`
	From string                    `json:"from,omitempty"`
	Ans  webrtc.SessionDescription `json:"ans"`
}

// NegoNeededPayload carries a renegotiation offer.
type NegoNeededPayload struct {
	To    string                    `json:"to,omitempty"`
	From  string                    `json:"from,omitempty"`
	Offer webrtc.SessionDescription `json:"offer"`
}

// NegoDonePayload carries a renegotiation answer from the answering peer.
type NegoDonePayload struct {
	To  string                    `json:"to"`
	Ans webrtc.SessionDescription `json:"ans"`
}

// NegoFinalPayload is the relay's delivery of a NegoDonePayload to the
// peer that made the offer.
type NegoFinalPayload struct {
	From string                    `json:"from,omitempty"`
	Ans  webrtc.SessionDescription `json:"ans"`
}

// ErrorPayload represents error messages from the relay.
type ErrorPayload struct {
	Error string `json:"error"`
}

// NewMessage builds an envelope with payload encoded as JSON.
func NewMessage(event string, payload any) (*Message, error) {
	msg := &Message{Event: event}
	if payload == nil {
		return msg, nil
	}

	if raw, ok := payload.(json.RawMessage); ok {
		msg.Payload = raw
		return msg, nil
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	msg.Payload = b
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("decode %s payload: empty payload", m.Event)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Event, err)
	}
	return nil
}
