package negotiation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/Blaxat/VideoChat/internal/eventloop"
	"github.com/Blaxat/VideoChat/internal/media"
	"github.com/Blaxat/VideoChat/internal/peer"
	"github.com/Blaxat/VideoChat/internal/signaling"
)

// linkedChannel hands what one side sends to the other side, rewritten the
// way the relay rewrites it. Messages can be held back or dropped.
type linkedChannel struct {
	*signaling.Router
	id   string
	peer *linkedChannel

	mu   sync.Mutex
	hold bool
	held []*signaling.Message
	drop func(event string) bool
}

func newLinkedChannels(a, b string) (*linkedChannel, *linkedChannel) {
	ca := &linkedChannel{Router: signaling.NewRouter(), id: a}
	cb := &linkedChannel{Router: signaling.NewRouter(), id: b}
	ca.peer, cb.peer = cb, ca
	return ca, cb
}

func (l *linkedChannel) Send(event string, payload any) error {
	var (
		out  string
		body any
	)
	switch p := payload.(type) {
	case signaling.UserCallPayload:
		out, body = signaling.EventIncomingCall, signaling.IncomingCallPayload{From: l.id, Offer: p.Offer, Mail: l.id + "@example.com"}
	case signaling.CallAcceptedPayload:
		out, body = signaling.EventCallAccepted, signaling.CallAcceptedPayload{From: l.id, Ans: p.Ans}
	case signaling.NegoNeededPayload:
		out, body = signaling.EventNegoNeeded, signaling.NegoNeededPayload{From: l.id, Offer: p.Offer}
	case signaling.NegoDonePayload:
		out, body = signaling.EventNegoFinal, signaling.NegoFinalPayload{From: l.id, Ans: p.Ans}
	default:
		return fmt.Errorf("unexpected event %q", event)
	}
	msg, err := signaling.NewMessage(out, body)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.drop != nil && l.drop(event) {
		l.mu.Unlock()
		return nil
	}
	if l.hold {
		l.held = append(l.held, msg)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	l.peer.Dispatch(msg)
	return nil
}

func (l *linkedChannel) Done() <-chan struct{} { return nil }
func (l *linkedChannel) Err() error            { return nil }

func (l *linkedChannel) holdAll() {
	l.mu.Lock()
	l.hold = true
	l.mu.Unlock()
}

func (l *linkedChannel) release() {
	l.mu.Lock()
	held := l.held
	l.held, l.hold = nil, false
	l.mu.Unlock()
	for _, msg := range held {
		l.peer.Dispatch(msg)
	}
}

func (l *linkedChannel) dropEvent(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if event == "" {
		l.drop = nil
		return
	}
	l.drop = func(e string) bool { return e == event }
}

// endpoint is one participant: a coordinator driving a real peer.Manager.
type endpoint struct {
	t    *testing.T
	id   string
	loop *eventloop.Loop
	ch   *linkedChannel
	pc   *peer.Manager
	c    *Coordinator
	cap  *media.SyntheticCapturer

	errs []error
}

var (
	audioVideo = media.Constraints{Audio: true, Video: true}
	audioOnly  = media.Constraints{Audio: true}
)

// newEndpoints joins participants "a" (polite) and "b" over a virtual LAN.
func newEndpoints(t *testing.T, consA, consB media.Constraints) (*endpoint, *endpoint) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	cha, chb := newLinkedChannels("a", "b")
	ea := newEndpoint(t, router, "10.0.0.1", cha, "b", consA)
	eb := newEndpoint(t, router, "10.0.0.2", chb, "a", consB)

	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return ea, eb
}

func newEndpoint(t *testing.T, router *vnet.Router, ip string, ch *linkedChannel, remoteID string, cons media.Constraints) *endpoint {
	t.Helper()

	n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
	if err != nil {
		t.Fatalf("new net %s: %v", ip, err)
	}
	if err := router.AddNet(n); err != nil {
		t.Fatalf("add net %s: %v", ip, err)
	}
	api, err := peer.NewAPI(peer.WithNet(n), peer.WithLoggerFactory(logging.NewDefaultLoggerFactory()))
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	pc, err := peer.NewManager(peer.Options{API: api, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	ctx, stopLoop := context.WithCancel(context.Background())
	loop := eventloop.New()
	go loop.Run(ctx)

	e := &endpoint{
		t:    t,
		id:   ch.id,
		loop: loop,
		ch:   ch,
		pc:   pc,
		cap:  &media.SyntheticCapturer{Logger: quietLogger()},
	}
	e.c = New(Options{
		Channel: ch,
		Peer:    pc,
		Loop:    loop,
		Logger:  quietLogger(),
		Timeout: 10 * time.Second,
		AcquireMedia: func(ctx context.Context) (*media.LocalStream, error) {
			return e.cap.Acquire(ctx, cons)
		},
		OnError: func(err error) { e.errs = append(e.errs, err) },
	})

	pc.OnNegotiationNeeded(e.c.NegotiationNeeded)
	pc.OnControl(func(msg peer.ControlMessage) {
		if msg.Type != peer.ControlRenegotiate {
			return
		}
		var p peer.RenegotiatePayload
		if err := msg.DecodePayload(&p); err != nil {
			return
		}
		loop.Post(func() { e.c.OfferRequested(p.Tracks) })
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = loop.Do(ctx, func() error {
			e.c.Stop()
			if s := e.c.LocalStream(); s != nil {
				s.Stop()
			}
			return nil
		})
		_ = pc.Close()
		stopLoop()
	})

	e.do(func() {
		e.c.Start()
		e.c.SetLocalID(ch.id)
		e.c.SetRemote(remoteID)
	})
	return e
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (e *endpoint) do(fn func()) {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.loop.Do(ctx, func() error { fn(); return nil }); err != nil {
		e.t.Fatalf("loop.Do: %v", err)
	}
}

func (e *endpoint) call() error {
	var err error
	e.do(func() { err = e.c.Call(context.Background()) })
	return err
}

func (e *endpoint) state() State {
	var s State
	e.do(func() { s = e.c.State() })
	return s
}

func (e *endpoint) stats() Stats {
	var s Stats
	e.do(func() { s = e.c.Stats() })
	return s
}

func (e *endpoint) failures() []error {
	var errs []error
	e.do(func() { errs = append(errs, e.errs...) })
	return errs
}

func (e *endpoint) setTimeout(d time.Duration) {
	e.do(func() { e.c.opts.Timeout = d })
}

func (e *endpoint) remoteTracks() int {
	if s := e.pc.RemoteStream(); s != nil {
		return len(s.Tracks())
	}
	return 0
}

// addVideo captures a camera track mid-call and attaches it. It may run
// on any goroutine.
func (e *endpoint) addVideo() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return e.loop.Do(ctx, func() error {
		extra, err := e.cap.Acquire(ctx, media.Constraints{Video: true})
		if err != nil {
			return err
		}
		e.c.LocalStream().Merge(extra)
		_, err = e.pc.AttachLocalTracks(e.c.LocalStream())
		return err
	})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func stableWith(a, b *endpoint, aTracks, bTracks int) func() bool {
	return func() bool {
		return a.state() == StateStable && b.state() == StateStable &&
			a.remoteTracks() == aTracks && b.remoteTracks() == bTracks
	}
}

func noErrors(t *testing.T, es ...*endpoint) {
	t.Helper()
	for _, e := range es {
		if errs := e.failures(); len(errs) != 0 {
			t.Fatalf("%s errors: %v", e.id, errs)
		}
	}
}

func TestPeers_CallCarriesMediaBothWays(t *testing.T) {
	a, b := newEndpoints(t, audioVideo, audioVideo)

	if err := a.call(); err != nil {
		t.Fatalf("Call: %v", err)
	}
	eventually(t, "media both ways", stableWith(a, b, 2, 2))
	noErrors(t, a, b)

	if sa, sb := a.stats(), b.stats(); sa.Renegotiations+sb.Renegotiations != 0 {
		t.Fatalf("renegotiations %d / %d, want none", sa.Renegotiations, sb.Renegotiations)
	}
}

func TestPeers_CalleeSendsExtraKind(t *testing.T) {
	a, b := newEndpoints(t, audioOnly, audioVideo)

	if err := a.call(); err != nil {
		t.Fatalf("Call: %v", err)
	}
	eventually(t, "callee video", stableWith(a, b, 2, 1))
	noErrors(t, a, b)
}

func TestPeers_InitialCallGlare(t *testing.T) {
	a, b := newEndpoints(t, audioVideo, audioVideo)

	a.ch.holdAll()
	b.ch.holdAll()
	if err := a.call(); err != nil {
		t.Fatalf("a Call: %v", err)
	}
	if err := b.call(); err != nil {
		t.Fatalf("b Call: %v", err)
	}
	a.ch.release()
	b.ch.release()

	eventually(t, "media both ways after glare", stableWith(a, b, 2, 2))
	noErrors(t, a, b)

	if s := a.stats(); s.Rollbacks != 1 || s.Answers != 1 {
		t.Fatalf("polite stats %+v", s)
	}
	if s := b.stats(); s.IgnoredOffers != 1 || s.Answers != 0 {
		t.Fatalf("impolite stats %+v", s)
	}
}

func TestPeers_SimultaneousAddTrack(t *testing.T) {
	a, b := newEndpoints(t, audioOnly, audioOnly)

	if err := a.call(); err != nil {
		t.Fatalf("Call: %v", err)
	}
	eventually(t, "audio both ways", stableWith(a, b, 1, 1))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, e := range []*endpoint{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = e.addVideo()
		}()
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		t.Fatalf("addVideo: %v", err)
	}

	eventually(t, "video both ways", stableWith(a, b, 2, 2))
	noErrors(t, a, b)

	// Negotiation settles instead of looping.
	before := b.stats().Renegotiations
	time.Sleep(time.Second)
	if after := b.stats().Renegotiations; after != before {
		t.Fatalf("renegotiations kept going: %d -> %d", before, after)
	}
	if a.stats().Renegotiations != 0 {
		t.Fatalf("polite peer sent a renegotiation offer")
	}
}

func TestPeers_InitialOfferTimeoutRebuilds(t *testing.T) {
	a, b := newEndpoints(t, audioVideo, audioVideo)

	a.ch.dropEvent(signaling.EventUserCall)
	a.setTimeout(500 * time.Millisecond)
	if err := a.call(); err != nil {
		t.Fatalf("Call: %v", err)
	}
	eventually(t, "offer timeout", func() bool { return len(a.failures()) > 0 })

	errs := a.failures()
	if !errors.Is(errs[0], ErrOfferTimeout) || errors.Is(errs[0], ErrStuck) {
		t.Fatalf("error = %v, want a recoverable timeout", errs[0])
	}
	if a.state() != StateStable || a.pc.SignalingState() != webrtc.SignalingStateStable {
		t.Fatalf("state %s, peer connection %s", a.state(), a.pc.SignalingState())
	}

	// The rebuilt connection carries the next call.
	a.ch.dropEvent("")
	a.setTimeout(10 * time.Second)
	if err := a.call(); err != nil {
		t.Fatalf("second Call: %v", err)
	}
	eventually(t, "media both ways", stableWith(a, b, 2, 2))
}

func TestPeers_AnswerTimeoutAfterExchangeIsStuck(t *testing.T) {
	a, b := newEndpoints(t, audioVideo, audioVideo)

	if err := a.call(); err != nil {
		t.Fatalf("Call: %v", err)
	}
	eventually(t, "media both ways", stableWith(a, b, 2, 2))

	a.ch.dropEvent(signaling.EventNegoDone)
	b.setTimeout(500 * time.Millisecond)
	b.do(func() { b.c.OfferRequested(nil) })

	eventually(t, "answer timeout", func() bool { return len(b.failures()) > 0 })

	err := b.failures()[0]
	if !errors.Is(err, ErrStuck) || !errors.Is(err, ErrOfferTimeout) {
		t.Fatalf("error = %v, want ErrStuck wrapping ErrOfferTimeout", err)
	}
	var descErr *peer.DescriptionError
	if errors.As(err, &descErr) {
		t.Fatalf("rollback error leaked as cause: %v", err)
	}
	// The coordinator keeps mirroring the connection it cannot rewind.
	if got := b.pc.SignalingState(); got != webrtc.SignalingStateHaveLocalOffer {
		t.Fatalf("peer connection state = %s", got)
	}
	if b.state() != StateHaveLocalOffer {
		t.Fatalf("coordinator state = %s", b.state())
	}
	if err := b.pc.Rollback(); !errors.Is(err, peer.ErrRollbackUnsupported) {
		t.Fatalf("Rollback = %v, want ErrRollbackUnsupported", err)
	}
}
