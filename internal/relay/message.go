package relay

import (
	"github.com/Blaxat/VideoChat/internal/signaling"
)

// inbound is a message read from a client, tagged with its sender so the
// hub can route replies. It never leaves the process.
type inbound struct {
	msg    *signaling.Message
	client *Client
}

// Error strings sent to clients in an "error" event.
const (
	errRoomFull      = "Room is full"
	errEmailRequired = "Email is required"
	errNotInRoom     = "You must join a room first"
	errPeerNotFound  = "Peer not found"
	errBadPayload    = "Malformed payload"
	errUnknownEvent  = "Unknown event"
)

func errorMessage(text string) *signaling.Message {
	msg, _ := signaling.NewMessage(signaling.EventError, signaling.ErrorPayload{Error: text})
	return msg
}
