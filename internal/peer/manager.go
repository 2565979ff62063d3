package peer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Blaxat/VideoChat/internal/media"
)

// maxPendingControl bounds the control messages queued before the channel opens.
const maxPendingControl = 32

// Options configure a Manager.
type Options struct {
	// API builds the connection. nil uses NewAPI().
	API *webrtc.API

	// Configuration carries ICE servers and transport policy.
	Configuration webrtc.Configuration

	Logger *slog.Logger
}

// Manager owns the PeerConnection of a session. It is reused for every
// renegotiation and closed exactly once. Before the first offer/answer
// exchange completed the connection may be rebuilt by Rollback; callers
// never see the swap.
//
// Event handlers are invoked on pion's goroutines and must not block.
type Manager struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *slog.Logger

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	control     *webrtc.DataChannel
	controlOpen bool
	pending     [][]byte
	senders     map[webrtc.RTPCodecType]*webrtc.RTPSender
	remote      *media.RemoteStream

	onNegotiationNeeded func()
	onTrack             func(*media.RemoteStream, *media.RemoteTrack)
	onConnectionLost    func(webrtc.PeerConnectionState)
	onControl           func(ControlMessage)

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewManager creates the PeerConnection and installs its callbacks.
func NewManager(opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	api := opts.API
	if api == nil {
		var err error
		if api, err = NewAPI(); err != nil {
			return nil, err
		}
	}

	m := &Manager{
		api:     api,
		config:  opts.Configuration,
		logger:  logger.With("component", "peer"),
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
	}

	pc, err := m.newConnection()
	if err != nil {
		return nil, err
	}
	m.pc = pc
	return m, nil
}

// newConnection builds a PeerConnection whose events are only forwarded
// while it is the current one.
func (m *Manager) newConnection() (*webrtc.PeerConnection, error) {
	pc, err := m.api.NewPeerConnection(m.config)
	if err != nil {
		return nil, err
	}

	pc.OnNegotiationNeeded(func() {
		if m.current(pc) {
			m.handleNegotiationNeeded()
		}
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, r *webrtc.RTPReceiver) {
		if m.current(pc) {
			m.handleTrack(tr, r)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if m.current(pc) {
			m.handleConnectionState(state)
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if !m.current(pc) {
			return
		}
		if dc.Label() != ControlLabel {
			m.logger.Warn("ignoring unexpected data channel", "label", dc.Label())
			return
		}
		m.setControl(dc)
	})
	return pc, nil
}

func (m *Manager) conn() *webrtc.PeerConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pc
}

func (m *Manager) current(pc *webrtc.PeerConnection) bool {
	return m.conn() == pc
}

// OnNegotiationNeeded sets the handler raised when pion decides the session
// must be renegotiated. pion only raises it while signaling is stable and
// re-evaluates the need whenever signaling returns to stable.
func (m *Manager) OnNegotiationNeeded(f func()) {
	m.mu.Lock()
	m.onNegotiationNeeded = f
	m.mu.Unlock()
}

// OnTrack sets the handler raised for every remote track.
func (m *Manager) OnTrack(f func(*media.RemoteStream, *media.RemoteTrack)) {
	m.mu.Lock()
	m.onTrack = f
	m.mu.Unlock()
}

// OnConnectionLost sets the handler raised when the connection fails or is
// closed by the remote side.
func (m *Manager) OnConnectionLost(f func(webrtc.PeerConnectionState)) {
	m.mu.Lock()
	m.onConnectionLost = f
	m.mu.Unlock()
}

// OnControl sets the handler raised for every control message.
func (m *Manager) OnControl(f func(ControlMessage)) {
	m.mu.Lock()
	m.onControl = f
	m.mu.Unlock()
}

// CreateOffer creates and applies a local offer and returns it once ICE
// gathering completed, with every candidate embedded. The first offer also
// carries the control channel.
func (m *Manager) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	const op = "create offer"
	if m.closed.Load() {
		return webrtc.SessionDescription{}, descError(op, ErrClosed)
	}
	pc := m.conn()
	if pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		return webrtc.SessionDescription{}, descError(op, ErrOfferPending)
	}

	if pc.CurrentRemoteDescription() == nil {
		if err := m.ensureControl(pc); err != nil {
			return webrtc.SessionDescription{}, descError(op, err)
		}
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, descError(op, err)
	}
	return m.setLocal(ctx, pc, op, offer)
}

// CreateAnswer applies the remote offer, attaches the tracks of local that
// are not sent yet and returns the local answer once ICE gathering
// completed. Attaching before answering lets the answer carry local media
// without a second exchange.
func (m *Manager) CreateAnswer(ctx context.Context, offer webrtc.SessionDescription, local *media.LocalStream) (webrtc.SessionDescription, error) {
	const op = "create answer"
	if m.closed.Load() {
		return webrtc.SessionDescription{}, descError(op, ErrClosed)
	}
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, descError(op, ErrUnexpectedType)
	}
	if offer.SDP == "" {
		return webrtc.SessionDescription{}, descError(op, ErrEmptySDP)
	}

	pc := m.conn()
	if err := pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, descError("set remote description", err)
	}
	if _, err := m.AttachLocalTracks(local); err != nil {
		return webrtc.SessionDescription{}, descError(op, err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, descError(op, err)
	}
	return m.setLocal(ctx, pc, op, answer)
}

// ApplyRemoteAnswer completes the pending local offer.
func (m *Manager) ApplyRemoteAnswer(answer webrtc.SessionDescription) error {
	const op = "apply answer"
	if m.closed.Load() {
		return descError(op, ErrClosed)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		return descError(op, ErrUnexpectedType)
	}
	if answer.SDP == "" {
		return descError(op, ErrEmptySDP)
	}
	pc := m.conn()
	if pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return descError(op, ErrNoPendingOffer)
	}

	if err := pc.SetRemoteDescription(answer); err != nil {
		return descError(op, err)
	}
	return nil
}

// Rollback returns signaling to stable. It is a no-op while stable.
//
// pion cannot apply a rollback description, so a pending description is
// discarded by replacing the connection. That is only possible before the
// first exchange completed; afterwards ErrRollbackUnsupported is returned
// and the connection stays where it is. Local tracks must be attached again
// after a rebuild.
func (m *Manager) Rollback() error {
	const op = "rollback"
	if m.closed.Load() {
		return descError(op, ErrClosed)
	}
	pc := m.conn()
	state := pc.SignalingState()
	if state == webrtc.SignalingStateStable {
		return nil
	}
	if pc.CurrentRemoteDescription() != nil || pc.CurrentLocalDescription() != nil {
		return descError(op, ErrRollbackUnsupported)
	}

	next, err := m.newConnection()
	if err != nil {
		return descError(op, err)
	}

	m.mu.Lock()
	m.pc = next
	m.control = nil
	m.controlOpen = false
	m.pending = nil
	m.senders = make(map[webrtc.RTPCodecType]*webrtc.RTPSender)
	m.mu.Unlock()

	if err := pc.Close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		m.logger.Debug("closing discarded connection", "err", err)
	}
	m.logger.Debug("pending description discarded", "state", state.String())
	return nil
}

func (m *Manager) setLocal(ctx context.Context, pc *webrtc.PeerConnection, op string, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, descError("set local description", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, descError(op, ctx.Err())
	}

	local := pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, descError(op, ErrClosed)
	}
	return *local, nil
}

// ensureControl creates the control channel on the side that makes the
// first offer. The answering side receives it through OnDataChannel.
func (m *Manager) ensureControl(pc *webrtc.PeerConnection) error {
	m.mu.Lock()
	exists := m.control != nil
	m.mu.Unlock()
	if exists {
		return nil
	}

	ordered := true
	dc, err := pc.CreateDataChannel(ControlLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return err
	}
	m.setControl(dc)
	return nil
}

// hasPendingTransceiver reports whether pc has a transceiver of kind that
// no exchange has assigned an m-line yet.
func hasPendingTransceiver(pc *webrtc.PeerConnection, kind webrtc.RTPCodecType) bool {
	for _, t := range pc.GetTransceivers() {
		if t.Kind() == kind && t.Mid() == "" {
			return true
		}
	}
	return false
}

// carriesTrack reports whether desc announces the track id in one of its
// msid attributes.
func carriesTrack(desc *webrtc.SessionDescription, id string) bool {
	if desc == nil {
		return false
	}
	// Unmarshal caches its result on the receiver, which pion shares.
	cp := webrtc.SessionDescription{Type: desc.Type, SDP: desc.SDP}
	parsed, err := cp.Unmarshal()
	if err != nil {
		return false
	}
	for _, md := range parsed.MediaDescriptions {
		for _, attr := range md.Attributes {
			if attr.Key != "msid" {
				continue
			}
			if fields := strings.Fields(attr.Value); len(fields) == 2 && fields[1] == id {
				return true
			}
		}
	}
	return false
}

func (m *Manager) setControl(dc *webrtc.DataChannel) {
	m.mu.Lock()
	m.control = dc
	m.controlOpen = false
	m.mu.Unlock()

	dc.OnOpen(func() {
		m.mu.Lock()
		if m.control != dc {
			m.mu.Unlock()
			return
		}
		m.controlOpen = true
		queued := m.pending
		m.pending = nil
		m.mu.Unlock()

		m.logger.Debug("control channel open", "queued", len(queued))
		for _, b := range queued {
			if err := dc.Send(b); err != nil {
				m.logger.Warn("flushing control message", "err", err)
			}
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var cm ControlMessage
		if err := msgpack.Unmarshal(msg.Data, &cm); err != nil {
			m.logger.Warn("malformed control message", "err", err)
			return
		}
		m.mu.Lock()
		h := m.onControl
		m.mu.Unlock()
		if h != nil {
			h(cm)
		}
	})
}

// SendControl sends msg over the control channel. Messages sent before the
// channel opened are queued and flushed in order once it does.
func (m *Manager) SendControl(msg ControlMessage) error {
	if m.closed.Load() {
		return ErrClosed
	}
	b, err := msgpack.Marshal(msg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	dc, open := m.control, m.controlOpen
	if !open {
		defer m.mu.Unlock()
		if len(m.pending) >= maxPendingControl {
			return ErrControlNotReady
		}
		m.pending = append(m.pending, b)
		return nil
	}
	m.mu.Unlock()

	switch dc.ReadyState() {
	case webrtc.DataChannelStateClosing, webrtc.DataChannelStateClosed:
		return ErrControlNotReady
	}
	return dc.Send(b)
}

// RequestRenegotiation asks the remote side to send an offer. It is used
// by the side that never offers after the first exchange. The request lists
// the attached tracks the last exchange did not carry.
func (m *Manager) RequestRenegotiation() error {
	if m.closed.Load() {
		return ErrClosed
	}
	pc := m.conn()
	local := pc.CurrentLocalDescription()

	var tracks []PendingTrack
	for _, t := range pc.GetTransceivers() {
		sender := t.Sender()
		if sender == nil || sender.Track() == nil {
			continue
		}
		track := sender.Track()
		if t.Mid() != "" && carriesTrack(local, track.ID()) {
			continue
		}
		tracks = append(tracks, PendingTrack{
			Kind:    track.Kind().String(),
			ID:      track.ID(),
			NewLine: t.Mid() == "",
		})
	}

	msg, err := NewControlMessage(ControlRenegotiate, RenegotiatePayload{Tracks: tracks})
	if err != nil {
		return err
	}
	m.logger.Debug("renegotiation requested", "tracks", len(tracks))
	return m.SendControl(msg)
}

// AddReceivers prepares the next local offer for the remote tracks of a
// renegotiation request. Tracks the current remote description already
// carries are skipped. A track that needs a new m-line gets a receive-only
// transceiver unless one of its kind is still waiting for an m-line. It
// returns the number of requested tracks not carried yet.
func (m *Manager) AddReceivers(tracks []PendingTrack) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	pc := m.conn()
	remote := pc.CurrentRemoteDescription()

	pending := 0
	for _, t := range tracks {
		if carriesTrack(remote, t.ID) {
			continue
		}
		pending++
		if !t.NewLine {
			continue
		}
		kind := webrtc.NewRTPCodecType(t.Kind)
		if kind == webrtc.RTPCodecTypeUnknown || hasPendingTransceiver(pc, kind) {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return pending, err
		}
		m.logger.Debug("receiver added", "kind", t.Kind, "track", t.ID)
	}
	return pending, nil
}

// AttachLocalTracks adds a sender for each kind in stream that is not being
// sent yet, at most one audio and one video sender in total. It returns the
// number of senders added; attaching the same stream twice adds none.
func (m *Manager) AttachLocalTracks(stream *media.LocalStream) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	if stream == nil {
		return 0, nil
	}
	pc := m.conn()

	added := 0
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		m.mu.Lock()
		_, sending := m.senders[kind]
		m.mu.Unlock()
		if sending {
			continue
		}

		var track *media.LocalTrack
		for _, t := range stream.Tracks() {
			if t.Kind() == kind {
				track = t
				break
			}
		}
		if track == nil {
			continue
		}

		sender, err := pc.AddTrack(track.Track())
		if err != nil {
			return added, err
		}
		m.mu.Lock()
		m.senders[kind] = sender
		m.mu.Unlock()
		added++

		go drainRTCP(sender)
		m.logger.Debug("local track attached", "kind", kind.String(), "track", track.ID())
	}
	return added, nil
}

// drainRTCP reads incoming RTCP so interceptors keep running. It returns
// once the sender stops.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// SignalingState returns the current signaling state.
func (m *Manager) SignalingState() webrtc.SignalingState {
	return m.conn().SignalingState()
}

// ConnectionState returns the aggregate connection state.
func (m *Manager) ConnectionState() webrtc.PeerConnectionState {
	return m.conn().ConnectionState()
}

// Senders returns the number of attached local tracks.
func (m *Manager) Senders() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.senders)
}

// RemoteStream returns the stream of received tracks, or nil before the
// first track arrived.
func (m *Manager) RemoteStream() *media.RemoteStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

func (m *Manager) handleNegotiationNeeded() {
	if m.closed.Load() {
		return
	}
	m.mu.Lock()
	h := m.onNegotiationNeeded
	m.mu.Unlock()
	if h != nil {
		h()
	}
}

func (m *Manager) handleTrack(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if m.closed.Load() {
		return
	}
	rt := media.NewRemoteTrack(tr, m.logger)

	m.mu.Lock()
	if m.remote == nil {
		m.remote = media.NewRemoteStream(tr.StreamID())
	}
	stream := m.remote
	stream.AddTrack(rt)
	h := m.onTrack
	m.mu.Unlock()

	m.logger.Info("remote track received", "kind", tr.Kind().String(), "track", tr.ID(), "stream", tr.StreamID())
	if h != nil {
		h(stream, rt)
	}
}

func (m *Manager) handleConnectionState(state webrtc.PeerConnectionState) {
	m.logger.Debug("connection state changed", "state", state.String())
	if m.closed.Load() {
		return
	}
	if state != webrtc.PeerConnectionStateFailed && state != webrtc.PeerConnectionStateClosed {
		return
	}

	m.mu.Lock()
	h := m.onConnectionLost
	m.mu.Unlock()
	if h != nil {
		h(state)
	}
}

// Close closes the connection and stops reading remote tracks. Only the
// first call has an effect.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)

		m.mu.Lock()
		remote := m.remote
		pc := m.pc
		m.pending = nil
		m.mu.Unlock()
		if remote != nil {
			remote.Stop()
		}

		if err := pc.Close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
			m.closeErr = err
		}
		m.logger.Debug("peer connection closed")
	})
	return m.closeErr
}
