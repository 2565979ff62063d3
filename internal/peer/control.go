package peer

import "github.com/vmihailenco/msgpack/v5"

// ControlLabel is the label of the data channel carrying ControlMessages.
const ControlLabel = "control"

// Control message types.
const (
	ControlMute        = "mute"
	ControlBye         = "bye"
	ControlRenegotiate = "renegotiate"
)

// ControlMessage is exchanged over the control data channel, msgpack
// encoded.
type ControlMessage struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload,omitempty"`
}

// MutePayload tells the peer that a local track was enabled or disabled.
type MutePayload struct {
	Kind  string `msgpack:"kind"`
	Muted bool   `msgpack:"muted"`
}

// PendingTrack names a local track that the last offer/answer exchange did
// not carry.
type PendingTrack struct {
	Kind string `msgpack:"kind"`
	ID   string `msgpack:"id"`
	// NewLine is set when the track has no m-line yet, so the offer must
	// add one for it.
	NewLine bool `msgpack:"new,omitempty"`
}

// RenegotiatePayload asks the peer that owns renegotiation to send a new
// offer for the listed tracks.
type RenegotiatePayload struct {
	Tracks []PendingTrack `msgpack:"tracks,omitempty"`
}

// DecodePayload decodes the message payload into the provided struct
func (m ControlMessage) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

// NewControlMessage creates a ControlMessage with the given type and
// payload. A nil payload is omitted.
func NewControlMessage(t string, payload any) (ControlMessage, error) {
	if payload == nil {
		return ControlMessage{Type: t}, nil
	}

	b, err := msgpack.Marshal(payload)
	if err != nil {
		return ControlMessage{}, err
	}

	return ControlMessage{
		Type:    t,
		Payload: b,
	}, nil
}
