package session

import (
	"time"

	"github.com/Blaxat/VideoChat/internal/media"
	"github.com/Blaxat/VideoChat/internal/negotiation"
)

// EventType identifies what changed in an Event.
type EventType int

const (
	EventJoined EventType = iota
	EventPeerJoined
	EventPeerLeft
	EventIncomingCall
	EventCallStarted
	EventRemoteTrack
	EventNegotiation
	EventLocalMute
	EventPeerMute
	EventRemoteMute
	EventEnded
	EventError
	EventDisconnected
)

var eventNames = map[EventType]string{
	EventJoined:       "joined",
	EventPeerJoined:   "peer-joined",
	EventPeerLeft:     "peer-left",
	EventIncomingCall: "incoming-call",
	EventCallStarted:  "call-started",
	EventRemoteTrack:  "remote-track",
	EventNegotiation:  "negotiation",
	EventLocalMute:    "local-mute",
	EventPeerMute:     "peer-mute",
	EventRemoteMute:   "remote-mute",
	EventEnded:        "ended",
	EventError:        "error",
	EventDisconnected: "disconnected",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "unknown"
}

// Event is delivered to the UI on every visible change. State is the
// snapshot right after the change.
type Event struct {
	Type  EventType
	State State
	Err   error
}

// State is a read-only snapshot of the session. The streams are shared
// with the controller, which keeps owning their lifecycle.
type State struct {
	LocalID     string
	Email       string
	Room        string
	RemoteID    string
	RemoteEmail string

	Negotiation negotiation.State
	CallActive  bool

	LocalAudioMuted  bool
	RemoteAudioMuted bool
	// PeerAudioMuted is the remote participant's own microphone state.
	PeerAudioMuted bool

	LocalStream  *media.LocalStream
	RemoteStream *media.RemoteStream
}

// Stats summarizes a call.
type Stats struct {
	Room        string
	Remote      string
	RemoteEmail string

	Started  time.Time
	Duration time.Duration

	Negotiation negotiation.Stats

	LocalTracks     int
	RemoteTracks    int
	PacketsReceived uint64
	BytesReceived   uint64
}
