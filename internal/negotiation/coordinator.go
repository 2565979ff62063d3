// Package negotiation implements the offer/answer state machine that ties
// relay events to peer connection operations.
//
// A call starts with user:call / incomming:call / call:accepted. Both sides
// attach their local tracks before that first exchange, so it carries media
// in both directions for every kind the caller sends.
//
// Every later change is renegotiated with peer:nego:needed / peer:nego:done
// / peer:nego:final, and only the peer whose id sorts last (the impolite
// one) sends those offers. The polite peer asks for one over the control
// channel instead. A completed exchange can never be rolled back, so two
// renegotiation offers must never cross.
//
// When both peers place the initial call at once, the polite peer discards
// its offer and answers; the impolite one ignores the incoming offer. At
// most one local offer is outstanding at any time.
package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/Blaxat/VideoChat/internal/eventloop"
	"github.com/Blaxat/VideoChat/internal/media"
	"github.com/Blaxat/VideoChat/internal/peer"
	"github.com/Blaxat/VideoChat/internal/signaling"
)

// DefaultTimeout bounds each SDP operation and the wait for an answer.
const DefaultTimeout = 15 * time.Second

// Options configure a Coordinator.
type Options struct {
	Channel signaling.Channel
	Peer    Peer
	Loop    *eventloop.Loop
	Logger  *slog.Logger

	// AcquireMedia returns the local stream to send. It is called once per
	// call, when calling and when answering the initial offer.
	AcquireMedia func(ctx context.Context) (*media.LocalStream, error)

	Timeout time.Duration

	// Callbacks run on the loop.
	OnIncomingCall func(from, mail string)
	OnEstablished  func()
	OnStateChange  func(State)
	OnError        func(error)
}

// Coordinator is the negotiation state machine of one session. Every
// method except NegotiationNeeded must run on the loop.
type Coordinator struct {
	opts   Options
	logger *slog.Logger

	state       State
	localID     string
	remoteID    string
	local       *media.LocalStream
	established bool

	// owed holds the latest renegotiation request that arrived while no
	// offer could be sent.
	owed       bool
	owedTracks []peer.PendingTrack

	subs    []*signaling.Subscription
	stopped bool

	offerSeq   uint64
	offerTimer *time.Timer

	stats Stats
}

// New creates a coordinator. Call Start to subscribe to relay events.
func New(opts Options) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		opts:   opts,
		logger: logger.With("component", "negotiation"),
	}
}

// Start subscribes to the call and renegotiation events.
func (c *Coordinator) Start() {
	c.subscribe(signaling.EventIncomingCall, c.handleIncomingCall)
	c.subscribe(signaling.EventCallAccepted, c.handleCallAccepted)
	c.subscribe(signaling.EventNegoNeeded, c.handleNegoNeeded)
	c.subscribe(signaling.EventNegoFinal, c.handleNegoFinal)
}

// subscribe registers h so that it runs on the loop.
func (c *Coordinator) subscribe(event string, h func(*signaling.Message)) {
	sub := c.opts.Channel.On(event, func(msg *signaling.Message) {
		c.opts.Loop.Post(func() {
			if c.stopped {
				return
			}
			h(msg)
		})
	})
	c.subs = append(c.subs, sub)
}

// Stop removes every subscription and cancels a pending offer timeout.
// Events already queued on the loop are dropped.
func (c *Coordinator) Stop() {
	c.stopped = true
	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
	c.subs = nil
	c.disarm()
}

// SetLocalID records the relay-assigned id of this participant. It decides
// which side yields on glare and which side sends renegotiation offers.
func (c *Coordinator) SetLocalID(id string) { c.localID = id }

// SetRemote records the participant offers are sent to.
func (c *Coordinator) SetRemote(id string) { c.remoteID = id }

// Remote returns the current remote participant id.
func (c *Coordinator) Remote() string { return c.remoteID }

// State returns the current negotiation state.
func (c *Coordinator) State() State { return c.state }

// Stats returns the counters collected so far.
func (c *Coordinator) Stats() Stats { return c.stats }

// LocalStream returns the stream acquired for the call, if any.
func (c *Coordinator) LocalStream() *media.LocalStream { return c.local }

// Reset forgets the call: the local stream reference, the remote id and any
// pending offer. The caller owns releasing the stream and the peer
// connection.
func (c *Coordinator) Reset() {
	c.disarm()
	c.local = nil
	c.remoteID = ""
	c.established = false
	c.owed = false
	c.owedTracks = nil
	c.syncState()
}

// Call sends the initial offer to the remote participant. The local stream
// is acquired and attached first so the offer carries it.
func (c *Coordinator) Call(ctx context.Context) error {
	const step = "call"
	if c.remoteID == "" {
		return &RoundError{Step: step, Err: ErrNoRemote}
	}
	if c.state == StateHaveLocalOffer {
		return &RoundError{Step: step, Err: ErrBusy}
	}

	if err := c.acquire(ctx); err != nil {
		return &RoundError{Step: step, Err: err}
	}
	if err := c.attach(); err != nil {
		return c.abort(step, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	offer, err := c.opts.Peer.CreateOffer(ctx)
	if err != nil {
		return c.abort(step, err)
	}
	c.stats.Offers++
	c.syncState()

	if err := c.opts.Channel.Send(signaling.EventUserCall, signaling.UserCallPayload{
		To:    c.remoteID,
		Offer: offer,
	}); err != nil {
		return c.abort(step, err)
	}
	c.arm()

	c.logger.Info("call offer sent", "to", c.remoteID)
	return nil
}

// NegotiationNeeded schedules a renegotiation. It may be called from any
// goroutine, typically from the peer connection's callback.
func (c *Coordinator) NegotiationNeeded() {
	c.opts.Loop.Post(func() {
		if !c.stopped {
			c.handleNegotiationNeeded()
		}
	})
}

func (c *Coordinator) handleNegotiationNeeded() {
	if c.remoteID == "" {
		c.logger.Debug("negotiation needed without remote participant")
		return
	}
	if c.state == StateHaveLocalOffer {
		// Signaling is not stable; the need is re-evaluated once it is.
		c.stats.Deferred++
		c.logger.Debug("negotiation needed deferred", "state", c.state)
		return
	}
	if !c.established {
		// Tracks attached before the first exchange travel with it.
		c.logger.Debug("negotiation needed before call established")
		return
	}

	if c.polite(c.remoteID) {
		if err := c.opts.Peer.RequestRenegotiation(); err != nil {
			c.fail("request renegotiation", err)
			return
		}
		c.stats.Requests++
		c.logger.Debug("renegotiation requested", "from", c.remoteID)
		return
	}
	c.renegotiate()
}

// OfferRequested handles the remote side asking for a renegotiation offer
// for tracks. The offer is sent now, or once the pending exchange
// completed. A request whose tracks the last exchange already carried is
// dropped.
func (c *Coordinator) OfferRequested(tracks []peer.PendingTrack) {
	if c.remoteID == "" {
		c.logger.Debug("renegotiation request without remote participant")
		return
	}
	if c.state == StateHaveLocalOffer || !c.established {
		c.owed = true
		c.owedTracks = tracks
		c.stats.Deferred++
		c.logger.Debug("renegotiation request deferred", "state", c.state)
		return
	}
	c.owed = false
	c.owedTracks = nil

	pending, err := c.opts.Peer.AddReceivers(tracks)
	if err != nil {
		c.fail("prepare renegotiation", err)
		return
	}
	if len(tracks) > 0 && pending == 0 {
		c.logger.Debug("requested tracks already negotiated", "tracks", len(tracks))
		return
	}
	c.renegotiate()
}

func (c *Coordinator) renegotiate() {
	const step = "renegotiate"
	c.owed = false
	c.owedTracks = nil

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()

	offer, err := c.opts.Peer.CreateOffer(ctx)
	if err != nil {
		c.fail(step, err)
		return
	}
	c.stats.Offers++
	c.stats.Renegotiations++
	c.syncState()

	if err := c.opts.Channel.Send(signaling.EventNegoNeeded, signaling.NegoNeededPayload{
		To:    c.remoteID,
		Offer: offer,
	}); err != nil {
		c.fail(step, err)
		return
	}
	c.arm()

	c.logger.Debug("renegotiation offer sent", "to", c.remoteID)
}

// settle replays an owed request once signaling is stable again.
func (c *Coordinator) settle() {
	if c.owed && c.state == StateStable && c.established {
		c.OfferRequested(c.owedTracks)
	}
}

func (c *Coordinator) handleIncomingCall(msg *signaling.Message) {
	const step = "answer call"
	var p signaling.IncomingCallPayload
	if err := msg.Decode(&p); err != nil {
		c.fail(step, err)
		return
	}
	if !c.acceptOffer(p.From) {
		return
	}
	c.remoteID = p.From

	if c.opts.OnIncomingCall != nil {
		c.opts.OnIncomingCall(p.From, p.Mail)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()

	if err := c.acquire(ctx); err != nil {
		c.fail(step, err)
		return
	}

	answer, err := c.opts.Peer.CreateAnswer(ctx, p.Offer, c.local)
	if err != nil {
		c.fail(step, err)
		return
	}
	c.stats.Answers++
	c.syncState()

	if err := c.opts.Channel.Send(signaling.EventCallAccepted, signaling.CallAcceptedPayload{
		To:  p.From,
		Ans: answer,
	}); err != nil {
		c.fail(step, err)
		return
	}
	c.established = true
	c.logger.Info("call answered", "from", p.From, "mail", p.Mail)

	if c.opts.OnEstablished != nil {
		c.opts.OnEstablished()
	}
	c.settle()
}

func (c *Coordinator) handleCallAccepted(msg *signaling.Message) {
	const step = "apply call answer"
	var p signaling.CallAcceptedPayload
	if err := msg.Decode(&p); err != nil {
		c.fail(step, err)
		return
	}
	if !c.acceptAnswer(p.From) {
		return
	}

	if err := c.opts.Peer.ApplyRemoteAnswer(p.Ans); err != nil {
		c.fail(step, err)
		return
	}
	c.disarm()
	c.syncState()
	c.established = true
	c.logger.Info("call accepted", "from", p.From)

	if c.opts.OnEstablished != nil {
		c.opts.OnEstablished()
	}
	c.settle()
}

func (c *Coordinator) handleNegoNeeded(msg *signaling.Message) {
	const step = "answer renegotiation"
	var p signaling.NegoNeededPayload
	if err := msg.Decode(&p); err != nil {
		c.fail(step, err)
		return
	}
	if p.From != c.remoteID {
		c.logger.Warn("renegotiation offer from unknown participant", "from", p.From, "remote", c.remoteID)
		return
	}
	if !c.acceptOffer(p.From) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()

	answer, err := c.opts.Peer.CreateAnswer(ctx, p.Offer, c.local)
	if err != nil {
		c.fail(step, err)
		return
	}
	c.stats.Answers++
	c.syncState()

	if err := c.opts.Channel.Send(signaling.EventNegoDone, signaling.NegoDonePayload{
		To:  p.From,
		Ans: answer,
	}); err != nil {
		c.fail(step, err)
		return
	}
	c.logger.Debug("renegotiation answered", "to", p.From)
}

func (c *Coordinator) handleNegoFinal(msg *signaling.Message) {
	const step = "apply renegotiation answer"
	var p signaling.NegoFinalPayload
	if err := msg.Decode(&p); err != nil {
		c.fail(step, err)
		return
	}
	if !c.acceptAnswer(p.From) {
		return
	}

	if err := c.opts.Peer.ApplyRemoteAnswer(p.Ans); err != nil {
		c.fail(step, err)
		return
	}
	c.disarm()
	c.syncState()
	c.logger.Debug("renegotiation complete", "from", p.From)
	c.settle()
}

// acceptOffer decides whether a remote offer from `from` is answered,
// resolving glare with a pending local offer.
func (c *Coordinator) acceptOffer(from string) bool {
	if c.state != StateHaveLocalOffer {
		return true
	}
	if !c.polite(from) {
		c.stats.IgnoredOffers++
		c.logger.Debug("glare: ignoring remote offer", "from", from)
		return false
	}

	c.logger.Debug("glare: discarding local offer", "from", from)
	if err := c.opts.Peer.Rollback(); err != nil {
		c.fail("rollback", err)
		return false
	}
	c.stats.Rollbacks++
	c.disarm()
	c.syncState()
	return true
}

// acceptAnswer reports whether an answer from `from` completes our pending
// offer. Late answers to discarded or timed out offers are dropped.
func (c *Coordinator) acceptAnswer(from string) bool {
	if c.state != StateHaveLocalOffer {
		c.logger.Debug("dropping answer without pending offer", "from", from)
		return false
	}
	if from != c.remoteID {
		c.logger.Warn("answer from unknown participant", "from", from, "remote", c.remoteID)
		return false
	}
	return true
}

// polite reports whether this peer yields on glare and leaves renegotiation
// offers to the remote side. An unknown local id yields.
func (c *Coordinator) polite(remote string) bool {
	return c.localID == "" || c.localID < remote
}

func (c *Coordinator) acquire(ctx context.Context) error {
	if c.local != nil || c.opts.AcquireMedia == nil {
		return nil
	}
	stream, err := c.opts.AcquireMedia(ctx)
	if err != nil {
		return err
	}
	c.local = stream
	return nil
}

func (c *Coordinator) attach() error {
	if c.local == nil {
		return nil
	}
	n, err := c.opts.Peer.AttachLocalTracks(c.local)
	if err != nil {
		return err
	}
	if n > 0 {
		c.logger.Debug("local tracks attached", "count", n)
	}
	return nil
}

// abort fails a round started by a public method and returns its error.
func (c *Coordinator) abort(step string, err error) error {
	roundErr := &RoundError{Step: step, Err: c.reset(err)}
	return roundErr
}

// fail aborts a round started by an event and reports it through OnError.
func (c *Coordinator) fail(step string, err error) {
	roundErr := &RoundError{Step: step, Err: c.reset(err)}
	c.logger.Warn("negotiation round failed", "step", step, "err", roundErr.Err)
	if c.opts.OnError != nil {
		c.opts.OnError(roundErr)
	}
}

// reset brings signaling back to stable after a failed round and returns
// the error to report: cause itself, or cause wrapped in ErrStuck when the
// peer connection stays outside stable.
func (c *Coordinator) reset(cause error) error {
	c.stats.Failures++
	c.disarm()
	c.owed = false
	c.owedTracks = nil

	var err error = cause
	if c.opts.Peer.SignalingState() != webrtc.SignalingStateStable {
		if rbErr := c.opts.Peer.Rollback(); rbErr != nil {
			c.logger.Warn("cannot return to stable", "err", rbErr, "cause", cause)
			err = fmt.Errorf("%w: %w", ErrStuck, cause)
		} else {
			c.stats.Rollbacks++
		}
	}
	c.syncState()
	return err
}

// arm starts the answer timeout for the offer just sent.
func (c *Coordinator) arm() {
	c.disarm()
	c.offerSeq++
	seq := c.offerSeq
	c.offerTimer = time.AfterFunc(c.opts.Timeout, func() {
		c.opts.Loop.Post(func() {
			if c.stopped || seq != c.offerSeq || c.state != StateHaveLocalOffer {
				return
			}
			c.fail("await answer", ErrOfferTimeout)
		})
	})
}

func (c *Coordinator) disarm() {
	if c.offerTimer != nil {
		c.offerTimer.Stop()
		c.offerTimer = nil
	}
	c.offerSeq++
}

// syncState mirrors the signaling state of the peer connection.
func (c *Coordinator) syncState() {
	s := StateStable
	if c.opts.Peer.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		s = StateHaveLocalOffer
	}
	if c.state == s {
		return
	}
	c.state = s
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}
