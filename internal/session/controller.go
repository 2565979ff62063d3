// Package session orchestrates a two-party call: room presence, call start
// and hang-up, mute toggles and the state the UI renders.
//
// All session state lives on one event loop. Relay events, peer connection
// callbacks and public methods are serialized through it, so nothing here
// takes a lock.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/Blaxat/VideoChat/internal/eventloop"
	"github.com/Blaxat/VideoChat/internal/media"
	"github.com/Blaxat/VideoChat/internal/negotiation"
	"github.com/Blaxat/VideoChat/internal/peer"
	"github.com/Blaxat/VideoChat/internal/signaling"
)

// PeerConnection is the peer connection surface the controller needs.
// *peer.Manager implements it.
type PeerConnection interface {
	negotiation.Peer

	OnNegotiationNeeded(f func())
	OnTrack(f func(*media.RemoteStream, *media.RemoteTrack))
	OnConnectionLost(f func(webrtc.PeerConnectionState))
	OnControl(f func(peer.ControlMessage))
	SendControl(msg peer.ControlMessage) error
	Close() error
}

// ManagerFactory returns a PeerConnection factory creating peer.Managers.
func ManagerFactory(opts peer.Options) func() (PeerConnection, error) {
	return func() (PeerConnection, error) {
		m, err := peer.NewManager(opts)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

const eventBuffer = 64

// Options configure a Controller.
type Options struct {
	Channel signaling.Channel

	// NewPeer creates the peer connection of each call.
	NewPeer func() (PeerConnection, error)

	// Capturer provides local media. nil uses a SyntheticCapturer.
	Capturer media.Capturer

	// Constraints select the media acquired when a call starts. The zero
	// value means audio and video.
	Constraints media.Constraints

	NegotiationTimeout time.Duration

	Logger *slog.Logger
}

// Controller is the session surface consumed by the UI.
type Controller struct {
	opts   Options
	logger *slog.Logger
	loop   *eventloop.Loop
	events chan Event

	done     chan struct{}
	stopOnce sync.Once

	// Everything below is confined to the loop.
	subs       []*signaling.Subscription
	joinResult chan error

	localID     string
	email       string
	room        string
	remoteID    string
	remoteEmail string

	pc     PeerConnection
	coord  *negotiation.Coordinator
	local  *media.LocalStream
	remote *media.RemoteStream

	inCall      bool
	started     time.Time
	localMuted  bool
	remoteMuted bool
	peerMuted   bool
	lastCall    *Stats

	closing bool
	closed  bool
}

// New creates a controller and starts its loop. The channel must already
// be connected.
func New(opts Options) *Controller {
	if opts.Capturer == nil {
		opts.Capturer = &media.SyntheticCapturer{Logger: opts.Logger}
	}
	if !opts.Constraints.Audio && !opts.Constraints.Video {
		opts.Constraints = media.Constraints{Audio: true, Video: true}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		opts:   opts,
		logger: logger.With("component", "session"),
		loop:   eventloop.New(),
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}

	go c.loop.Run(context.Background())

	c.loop.Post(func() {
		c.subscribe(signaling.EventRoomJoin, c.handleJoinAck)
		c.subscribe(signaling.EventUserJoined, c.handleUserJoined)
		c.subscribe(signaling.EventUserLeft, c.handleUserLeft)
		c.subscribe(signaling.EventError, c.handleRelayError)
	})

	go c.watchChannel()
	return c
}

func (c *Controller) subscribe(event string, h func(*signaling.Message)) {
	sub := c.opts.Channel.On(event, func(msg *signaling.Message) {
		c.loop.Post(func() {
			if !c.closed {
				h(msg)
			}
		})
	})
	c.subs = append(c.subs, sub)
}

func (c *Controller) watchChannel() {
	select {
	case <-c.opts.Channel.Done():
		c.loop.Post(func() {
			err := WrapError("signaling", ErrChannelDisconnected, errString(c.opts.Channel.Err()))
			c.logger.Warn("relay connection lost", "err", c.opts.Channel.Err())
			c.teardown(err)
		})
	case <-c.done:
	}
}

// Events returns the UI event stream. It is closed when the session is torn
// down. Events are dropped if the consumer falls behind.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Done is closed once Close returned.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// do runs fn on the loop, mapping a stopped loop to ErrClosed.
func (c *Controller) do(ctx context.Context, op string, fn func() error) error {
	err := c.loop.Do(ctx, func() error {
		if c.closed {
			return ErrClosed
		}
		return fn()
	})
	if errors.Is(err, eventloop.ErrStopped) {
		err = ErrClosed
	}
	if err == nil {
		return nil
	}
	var sessErr *Error
	if errors.As(err, &sessErr) {
		return err
	}
	return NewError(op, err)
}

// Join registers presence in roomID and waits for the relay to acknowledge
// it. An empty roomID lets the relay pick one.
func (c *Controller) Join(ctx context.Context, roomID, email string) error {
	const op = "join room"
	result := make(chan error, 1)

	err := c.do(ctx, op, func() error {
		if c.localID != "" || c.joinResult != nil {
			return ErrAlreadyJoined
		}
		if err := c.opts.Channel.Send(signaling.EventRoomJoin, signaling.RoomJoinPayload{
			Email: email,
			Room:  roomID,
		}); err != nil {
			return err
		}
		c.joinResult = result
		return nil
	})
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		c.loop.Post(func() {
			if c.joinResult == result {
				c.joinResult = nil
			}
		})
		return NewError(op, ctx.Err())
	case <-c.done:
		return NewError(op, ErrClosed)
	}
}

func (c *Controller) finishJoin(err error) {
	if c.joinResult == nil {
		return
	}
	c.joinResult <- err
	c.joinResult = nil
}

func (c *Controller) handleJoinAck(msg *signaling.Message) {
	var p signaling.RoomJoinPayload
	if err := msg.Decode(&p); err != nil {
		c.finishJoin(NewError("join room", err))
		return
	}
	if c.joinResult == nil {
		return
	}

	c.localID = p.ID
	c.email = p.Email
	c.room = p.Room
	if err := c.newCall(); err != nil {
		c.localID = ""
		c.finishJoin(NewError("create peer connection", err))
		return
	}

	c.logger.Info("joined room", "room", c.room, "id", c.localID)
	c.finishJoin(nil)
	c.emit(EventJoined, nil)
}

func (c *Controller) handleUserJoined(msg *signaling.Message) {
	var p signaling.UserJoinedPayload
	if err := msg.Decode(&p); err != nil {
		c.logger.Warn("malformed user:joined", "err", err)
		return
	}
	c.remoteID = p.ID
	c.remoteEmail = p.Email
	if c.coord != nil {
		c.coord.SetRemote(p.ID)
	}
	c.logger.Info("participant joined", "id", p.ID, "email", p.Email)
	c.emit(EventPeerJoined, nil)
}

func (c *Controller) handleUserLeft(msg *signaling.Message) {
	var p signaling.UserLeftPayload
	if err := msg.Decode(&p); err != nil {
		c.logger.Warn("malformed user:left", "err", err)
		return
	}
	if p.ID != c.remoteID {
		return
	}

	c.logger.Info("participant left", "id", p.ID)
	if c.inCall || c.local != nil {
		c.endCall(false, ErrPeerLeft)
	}
	c.remoteID = ""
	c.remoteEmail = ""
	if c.coord != nil {
		c.coord.SetRemote("")
	}
	c.emit(EventPeerLeft, nil)
}

func (c *Controller) handleRelayError(msg *signaling.Message) {
	var p signaling.ErrorPayload
	if err := msg.Decode(&p); err != nil {
		c.logger.Warn("malformed relay error", "err", err)
		return
	}
	err := WrapError("relay", ErrRelay, p.Error)
	if c.joinResult != nil {
		c.finishJoin(err)
		return
	}
	c.logger.Warn("relay reported error", "error", p.Error)
	c.emit(EventError, err)
}

// newCall creates the peer connection and coordinator for the next call.
func (c *Controller) newCall() error {
	pc, err := c.opts.NewPeer()
	if err != nil {
		return err
	}

	coord := negotiation.New(negotiation.Options{
		Channel:      c.opts.Channel,
		Peer:         pc,
		Loop:         c.loop,
		Logger:       c.opts.Logger,
		AcquireMedia: c.acquire,
		Timeout:      c.opts.NegotiationTimeout,
		OnIncomingCall: func(from, mail string) {
			c.remoteID = from
			c.remoteEmail = mail
			c.emit(EventIncomingCall, nil)
		},
		OnEstablished: func() {
			if c.inCall {
				return
			}
			c.inCall = true
			c.started = time.Now()
			c.emit(EventCallStarted, nil)
		},
		OnStateChange: func(negotiation.State) {
			c.emit(EventNegotiation, nil)
		},
		OnError: func(err error) {
			if errors.Is(err, negotiation.ErrStuck) {
				c.logger.Warn("peer connection unusable, ending call", "err", err)
				c.endCall(false, err)
				return
			}
			c.emit(EventError, NewError("negotiate", err))
		},
	})
	coord.SetLocalID(c.localID)
	coord.SetRemote(c.remoteID)
	coord.Start()

	pc.OnNegotiationNeeded(coord.NegotiationNeeded)
	pc.OnTrack(func(stream *media.RemoteStream, track *media.RemoteTrack) {
		c.loop.Post(func() {
			if c.pc != pc {
				return
			}
			c.remote = stream
			if track.Kind() == webrtc.RTPCodecTypeAudio {
				track.SetEnabled(!c.remoteMuted)
			}
			c.emit(EventRemoteTrack, nil)
		})
	})
	pc.OnConnectionLost(func(state webrtc.PeerConnectionState) {
		c.loop.Post(func() {
			if c.pc != pc || c.closed {
				return
			}
			c.logger.Warn("peer connection lost", "state", state.String())
			c.endCall(false, ErrConnectionLost)
		})
	})
	pc.OnControl(func(msg peer.ControlMessage) {
		c.loop.Post(func() {
			if c.pc == pc && !c.closed {
				c.handleControl(msg)
			}
		})
	})

	c.pc = pc
	c.coord = coord
	return nil
}

func (c *Controller) acquire(ctx context.Context) (*media.LocalStream, error) {
	stream, err := c.opts.Capturer.Acquire(ctx, c.opts.Constraints)
	if err != nil {
		return nil, err
	}
	for _, t := range stream.AudioTracks() {
		t.SetEnabled(!c.localMuted)
	}
	c.local = stream
	return stream, nil
}

func (c *Controller) handleControl(msg peer.ControlMessage) {
	switch msg.Type {
	case peer.ControlBye:
		c.logger.Info("remote participant hung up")
		c.endCall(false, ErrRemoteHangUp)
	case peer.ControlMute:
		var p peer.MutePayload
		if err := msg.DecodePayload(&p); err != nil {
			c.logger.Warn("malformed mute message", "err", err)
			return
		}
		if p.Kind == webrtc.RTPCodecTypeAudio.String() {
			c.peerMuted = p.Muted
			c.emit(EventPeerMute, nil)
		}
	case peer.ControlRenegotiate:
		c.handleRenegotiateRequest(msg)
	default:
		c.logger.Debug("unknown control message", "type", msg.Type)
	}
}

// handleRenegotiateRequest passes the remote side's request for an offer
// to the coordinator.
func (c *Controller) handleRenegotiateRequest(msg peer.ControlMessage) {
	var p peer.RenegotiatePayload
	if err := msg.DecodePayload(&p); err != nil {
		c.logger.Warn("malformed renegotiate message", "err", err)
		return
	}
	if c.coord == nil {
		return
	}
	c.logger.Debug("renegotiation requested by peer", "tracks", len(p.Tracks))
	c.coord.OfferRequested(p.Tracks)
}

// StartCall acquires local media and sends the initial offer to the remote
// participant.
func (c *Controller) StartCall(ctx context.Context) error {
	const op = "start call"
	return c.do(ctx, op, func() error {
		if c.coord == nil {
			return NewError(op, ErrNotJoined)
		}
		if c.remoteID == "" {
			return NewError(op, ErrNoRemotePeer)
		}
		if c.inCall || c.coord.State() == negotiation.StateHaveLocalOffer {
			return NewError(op, ErrCallActive)
		}

		if err := c.coord.Call(ctx); err != nil {
			if c.local != nil || errors.Is(err, negotiation.ErrStuck) {
				// The connection may carry senders of the failed call.
				c.releaseCall()
				if newErr := c.newCall(); newErr != nil {
					c.emit(EventError, NewError("create peer connection", newErr))
				}
			}
			return NewError(op, err)
		}
		return nil
	})
}

// HangUp ends the active call: it tells the peer, closes the connection and
// releases every track. Without an active call it does nothing.
func (c *Controller) HangUp(ctx context.Context) error {
	return c.do(ctx, "hang up", func() error {
		if !c.inCall && c.local == nil {
			return nil
		}
		c.endCall(true, nil)
		return nil
	})
}

// endCall tears the current call down and, unless the session is closing,
// prepares a fresh peer connection for the next one.
func (c *Controller) endCall(sendBye bool, cause error) {
	if sendBye && c.pc != nil {
		if bye, err := peer.NewControlMessage(peer.ControlBye, nil); err == nil {
			if err := c.pc.SendControl(bye); err != nil {
				c.logger.Debug("bye not delivered", "err", err)
			}
		}
	}

	if c.inCall {
		stats := c.callStats()
		c.lastCall = &stats
	}
	c.releaseCall()
	c.inCall = false
	c.peerMuted = false

	c.logger.Info("call ended", "cause", errString(cause))
	var err error
	if cause != nil {
		err = NewError("call", cause)
	}
	c.emit(EventEnded, err)

	if c.closing {
		return
	}
	if err := c.newCall(); err != nil {
		c.emit(EventError, NewError("create peer connection", err))
	}
}

func (c *Controller) releaseCall() {
	if c.coord != nil {
		c.coord.Stop()
		c.coord = nil
	}
	if c.pc != nil {
		if err := c.pc.Close(); err != nil {
			c.logger.Debug("close peer connection", "err", err)
		}
		c.pc = nil
	}
	if c.local != nil {
		c.local.Stop()
		c.local = nil
	}
	if c.remote != nil {
		c.remote.Stop()
		c.remote = nil
	}
}

// ToggleLocalAudio flips the enabled state of the captured audio tracks and
// tells the peer. It returns whether local audio is now muted.
func (c *Controller) ToggleLocalAudio(ctx context.Context) (bool, error) {
	var muted bool
	err := c.do(ctx, "toggle local audio", func() error {
		if c.local == nil || len(c.local.AudioTracks()) == 0 {
			return ErrNoLocalMedia
		}
		c.localMuted = !c.localMuted
		for _, t := range c.local.AudioTracks() {
			t.SetEnabled(!c.localMuted)
		}
		muted = c.localMuted

		if c.pc != nil {
			msg, err := peer.NewControlMessage(peer.ControlMute, peer.MutePayload{
				Kind:  webrtc.RTPCodecTypeAudio.String(),
				Muted: muted,
			})
			if err == nil {
				if err := c.pc.SendControl(msg); err != nil {
					c.logger.Debug("mute notification not delivered", "err", err)
				}
			}
		}
		c.emit(EventLocalMute, nil)
		return nil
	})
	return muted, err
}

// ToggleRemoteAudio flips playback of the received audio tracks. It returns
// whether remote audio is now muted.
func (c *Controller) ToggleRemoteAudio(ctx context.Context) (bool, error) {
	var muted bool
	err := c.do(ctx, "toggle remote audio", func() error {
		if c.remote == nil || len(c.remote.AudioTracks()) == 0 {
			return ErrNoRemoteMedia
		}
		c.remoteMuted = !c.remoteMuted
		for _, t := range c.remote.AudioTracks() {
			t.SetEnabled(!c.remoteMuted)
		}
		muted = c.remoteMuted
		c.emit(EventRemoteMute, nil)
		return nil
	})
	return muted, err
}

// AddLocalTracks acquires more media during a call, e.g. the camera after
// an audio-only start, and sends it. The peer connection raises one
// renegotiation for the added tracks.
func (c *Controller) AddLocalTracks(ctx context.Context, cons media.Constraints) error {
	return c.do(ctx, "add local tracks", func() error {
		if !c.inCall || c.pc == nil || c.local == nil {
			return ErrNoCall
		}
		extra, err := c.opts.Capturer.Acquire(ctx, cons)
		if err != nil {
			return err
		}
		c.local.Merge(extra)

		n, err := c.pc.AttachLocalTracks(c.local)
		if err != nil {
			return err
		}
		c.logger.Info("local tracks added", "count", n)
		return nil
	})
}

// State returns a snapshot of the session.
func (c *Controller) State(ctx context.Context) (State, error) {
	var s State
	err := c.do(ctx, "read state", func() error {
		s = c.snapshot()
		return nil
	})
	return s, err
}

// Stats returns the statistics of the active call, or of the last one
// when no call is active.
func (c *Controller) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.do(ctx, "read stats", func() error {
		switch {
		case c.inCall:
			s = c.callStats()
		case c.lastCall != nil:
			s = *c.lastCall
		}
		return nil
	})
	return s, err
}

func (c *Controller) callStats() Stats {
	s := Stats{
		Room:        c.room,
		Remote:      c.remoteID,
		RemoteEmail: c.remoteEmail,
		Started:     c.started,
		Duration:    time.Since(c.started),
	}
	if c.coord != nil {
		s.Negotiation = c.coord.Stats()
	}
	if c.local != nil {
		s.LocalTracks = len(c.local.Tracks())
	}
	if c.remote != nil {
		for _, t := range c.remote.Tracks() {
			s.RemoteTracks++
			s.PacketsReceived += t.Packets()
			s.BytesReceived += t.Bytes()
		}
	}
	return s
}

func (c *Controller) snapshot() State {
	s := State{
		LocalID:          c.localID,
		Email:            c.email,
		Room:             c.room,
		RemoteID:         c.remoteID,
		RemoteEmail:      c.remoteEmail,
		CallActive:       c.inCall,
		LocalAudioMuted:  c.localMuted,
		RemoteAudioMuted: c.remoteMuted,
		PeerAudioMuted:   c.peerMuted,
		LocalStream:      c.local,
		RemoteStream:     c.remote,
	}
	if c.coord != nil {
		s.Negotiation = c.coord.State()
	}
	return s
}

func (c *Controller) emit(t EventType, err error) {
	if c.closed {
		return
	}
	select {
	case c.events <- Event{Type: t, State: c.snapshot(), Err: err}:
	default:
		c.logger.Debug("event dropped", "type", t.String())
	}
}

// teardown ends the call, removes every subscription and closes Events.
// cause is reported as a final EventDisconnected when non-nil.
func (c *Controller) teardown(cause error) {
	if c.closed {
		return
	}
	c.closing = true

	if c.inCall || c.local != nil {
		c.endCall(cause == nil, nil)
	}
	c.releaseCall()

	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
	c.subs = nil
	c.finishJoin(NewError("join room", ErrClosed))

	if cause != nil {
		c.emit(EventDisconnected, cause)
	}
	c.closed = true
	close(c.events)
}

// Close tears the session down and stops the loop. It is safe to call more
// than once.
func (c *Controller) Close() error {
	err := c.loop.Do(context.Background(), func() error {
		c.teardown(nil)
		return nil
	})
	c.stopOnce.Do(func() {
		close(c.done)
		c.loop.Stop()
	})
	if err != nil && !errors.Is(err, eventloop.ErrStopped) {
		return err
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
