package media

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// ErrTrackStopped is returned when writing to a stopped local track.
var ErrTrackStopped = errors.New("track stopped")

// LocalTrack is a captured track. Disabling it drops samples at the
// source without touching the peer connection.
type LocalTrack struct {
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	stopped atomic.Bool

	done     chan struct{}
	stopOnce sync.Once
}

// NewLocalTrack creates an enabled track for codec.
func NewLocalTrack(codec webrtc.RTPCodecCapability, id, streamID string) (*LocalTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &LocalTrack{track: track, done: make(chan struct{})}
	t.enabled.Store(true)
	return t, nil
}

func (t *LocalTrack) ID() string                { return t.track.ID() }
func (t *LocalTrack) StreamID() string          { return t.track.StreamID() }
func (t *LocalTrack) Kind() webrtc.RTPCodecType { return t.track.Kind() }

// Track returns the pion track to attach to a peer connection.
func (t *LocalTrack) Track() webrtc.TrackLocal { return t.track }

func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }

func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// WriteSample forwards s to every bound sender. Samples written while the
// track is disabled are dropped.
func (t *LocalTrack) WriteSample(s pionmedia.Sample) error {
	if t.stopped.Load() {
		return ErrTrackStopped
	}
	if !t.enabled.Load() {
		return nil
	}
	return t.track.WriteSample(s)
}

// Stop ends the track. It is safe to call more than once.
func (t *LocalTrack) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		close(t.done)
	})
}

// Done is closed once the track is stopped.
func (t *LocalTrack) Done() <-chan struct{} { return t.done }

// Sink receives the RTP packets of an enabled remote track.
type Sink interface {
	WriteRTP(p *rtp.Packet) error
}

// RemoteTrack wraps a track received from the peer. Its packets are read
// continuously; disabling it stops delivery to the sink (playback mute).
type RemoteTrack struct {
	track   *webrtc.TrackRemote
	logger  *slog.Logger
	enabled atomic.Bool
	stopped atomic.Bool
	packets atomic.Uint64
	bytes   atomic.Uint64

	mu   sync.Mutex
	sink Sink

	done chan struct{}
}

// NewRemoteTrack starts reading track in the background.
func NewRemoteTrack(track *webrtc.TrackRemote, logger *slog.Logger) *RemoteTrack {
	if logger == nil {
		logger = slog.Default()
	}
	t := &RemoteTrack{
		track:  track,
		logger: logger.With("track", track.ID(), "kind", track.Kind().String()),
		done:   make(chan struct{}),
	}
	t.enabled.Store(true)
	go t.readLoop()
	return t
}

func (t *RemoteTrack) ID() string                { return t.track.ID() }
func (t *RemoteTrack) StreamID() string          { return t.track.StreamID() }
func (t *RemoteTrack) Kind() webrtc.RTPCodecType { return t.track.Kind() }

func (t *RemoteTrack) Enabled() bool { return t.enabled.Load() }

func (t *RemoteTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// SetSink sets where enabled packets are delivered. nil discards them.
func (t *RemoteTrack) SetSink(s Sink) {
	t.mu.Lock()
	t.sink = s
	t.mu.Unlock()
}

// Packets returns the number of RTP packets received so far.
func (t *RemoteTrack) Packets() uint64 { return t.packets.Load() }

// Bytes returns the number of payload bytes received so far.
func (t *RemoteTrack) Bytes() uint64 { return t.bytes.Load() }

// Stop stops reading. The underlying track is owned by the peer
// connection and ends when it closes.
func (t *RemoteTrack) Stop() {
	if t.stopped.CompareAndSwap(false, true) {
		_ = t.track.SetReadDeadline(time.Now())
	}
}

// Done is closed once the reader exits.
func (t *RemoteTrack) Done() <-chan struct{} { return t.done }

func (t *RemoteTrack) readLoop() {
	defer close(t.done)

	for !t.stopped.Load() {
		pkt, _, err := t.track.ReadRTP()
		if err != nil {
			if !t.stopped.Load() && !errors.Is(err, io.EOF) {
				t.logger.Debug("remote track ended", "err", err)
			}
			return
		}

		t.packets.Add(1)
		t.bytes.Add(uint64(len(pkt.Payload)))

		if !t.enabled.Load() {
			continue
		}
		t.mu.Lock()
		sink := t.sink
		t.mu.Unlock()
		if sink != nil {
			if err := sink.WriteRTP(pkt); err != nil {
				t.logger.Debug("sink write failed", "err", err)
			}
		}
	}
}
