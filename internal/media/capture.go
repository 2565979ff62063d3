package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

var (
	// ErrPermissionDenied reports that capture access was refused.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNoDevice reports that no capture device of the requested kind exists.
	ErrNoDevice = errors.New("no capture device")

	errNothingRequested = errors.New("no media kind requested")
)

// AccessError is returned by Capturer.Acquire when a track cannot be
// captured.
type AccessError struct {
	Kind webrtc.RTPCodecType
	Err  error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("media access failed for %s: %v", e.Kind, e.Err)
}

func (e *AccessError) Unwrap() error {
	return e.Err
}

// Constraints select the kinds to capture.
type Constraints struct {
	Audio bool
	Video bool
}

// Capturer acquires local media.
type Capturer interface {
	Acquire(ctx context.Context, c Constraints) (*LocalStream, error)
}

const (
	audioFrame = 20 * time.Millisecond
	videoFrame = 33 * time.Millisecond
)

var (
	AudioCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	VideoCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}

	// A 20ms Opus frame of silence.
	opusSilence = []byte{0xf8, 0xff, 0xfe}

	// A tiny VP8 key frame header followed by padding.
	vp8Frame = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00}
)

// SyntheticCapturer produces real RTP tracks without capture devices:
// Opus silence for audio and a fixed VP8 frame for video. Every stream it
// returns shares one stream ID.
type SyntheticCapturer struct {
	// AudioErr and VideoErr, when set, make Acquire fail for that kind
	// with an AccessError wrapping them.
	AudioErr error
	VideoErr error

	Logger *slog.Logger

	idOnce   sync.Once
	streamID string
}

// StreamID returns the stream ID used for every captured track.
func (c *SyntheticCapturer) StreamID() string {
	c.idOnce.Do(func() {
		if c.streamID == "" {
			c.streamID = uuid.NewString()
		}
	})
	return c.streamID
}

// Acquire captures the requested kinds. Either every requested track is
// returned or none is.
func (c *SyntheticCapturer) Acquire(ctx context.Context, cons Constraints) (*LocalStream, error) {
	if !cons.Audio && !cons.Video {
		return nil, errNothingRequested
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cons.Audio && c.AudioErr != nil {
		return nil, &AccessError{Kind: webrtc.RTPCodecTypeAudio, Err: c.AudioErr}
	}
	if cons.Video && c.VideoErr != nil {
		return nil, &AccessError{Kind: webrtc.RTPCodecTypeVideo, Err: c.VideoErr}
	}

	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	stream := NewLocalStream(c.StreamID())
	if cons.Audio {
		t, err := NewLocalTrack(AudioCodec, "audio-"+uuid.NewString()[:8], stream.ID())
		if err != nil {
			return nil, err
		}
		stream.AddTrack(t)
		go pump(t, opusSilence, audioFrame, logger)
	}
	if cons.Video {
		t, err := NewLocalTrack(VideoCodec, "video-"+uuid.NewString()[:8], stream.ID())
		if err != nil {
			stream.Stop()
			return nil, err
		}
		stream.AddTrack(t)
		go pump(t, vp8Frame, videoFrame, logger)
	}

	logger.Debug("media acquired", "stream", stream.ID(), "audio", cons.Audio, "video", cons.Video)
	return stream, nil
}

// pump writes frame every interval until the track is stopped.
func pump(t *LocalTrack, frame []byte, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.Done():
			return
		case <-ticker.C:
			if err := t.WriteSample(pionmedia.Sample{Data: frame, Duration: interval}); err != nil {
				if !errors.Is(err, ErrTrackStopped) {
					logger.Debug("sample write failed", "track", t.ID(), "err", err)
				}
			}
		}
	}
}
