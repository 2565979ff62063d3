package negotiation

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/Blaxat/VideoChat/internal/media"
	"github.com/Blaxat/VideoChat/internal/peer"
)

// State is the local negotiation state.
type State int

const (
	StateStable State = iota
	StateHaveLocalOffer
)

func (s State) String() string {
	switch s {
	case StateStable:
		return "stable"
	case StateHaveLocalOffer:
		return "have-local-offer"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Peer is the peer connection surface the coordinator drives.
// *peer.Manager implements it.
type Peer interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// CreateAnswer applies offer and attaches the unsent tracks of local
	// before answering.
	CreateAnswer(ctx context.Context, offer webrtc.SessionDescription, local *media.LocalStream) (webrtc.SessionDescription, error)
	ApplyRemoteAnswer(answer webrtc.SessionDescription) error
	// Rollback returns signaling to stable or fails when the pending
	// description cannot be discarded.
	Rollback() error
	AttachLocalTracks(stream *media.LocalStream) (int, error)
	// RequestRenegotiation asks the remote side to send an offer.
	RequestRenegotiation() error
	// AddReceivers prepares the next offer for the tracks of a request and
	// returns how many of them the last exchange did not carry.
	AddReceivers(tracks []peer.PendingTrack) (int, error)
	SignalingState() webrtc.SignalingState
}

// Stats counts what the coordinator did during a session.
type Stats struct {
	Offers         int
	Answers        int
	Renegotiations int
	Deferred       int
	Requests       int
	IgnoredOffers  int
	Rollbacks      int
	Failures       int
}

var (
	ErrNoRemote     = errors.New("no remote participant")
	ErrOfferTimeout = errors.New("offer not answered in time")
	ErrBusy         = errors.New("local offer already pending")

	// ErrStuck wraps the cause of a failed round after which the peer
	// connection could not return to stable. The call cannot continue.
	ErrStuck = errors.New("peer connection cannot return to stable")
)

// RoundError reports a failed negotiation round.
type RoundError struct {
	Step string
	Err  error
}

func (e *RoundError) Error() string {
	return fmt.Sprintf("negotiation %s: %v", e.Step, e.Err)
}

func (e *RoundError) Unwrap() error {
	return e.Err
}
