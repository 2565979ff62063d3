package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// LocalStream groups the tracks captured for one participant. Tracks added
// later keep the stream ID, so the remote side sees them in the same
// stream.
type LocalStream struct {
	id string

	mu     sync.Mutex
	tracks []*LocalTrack
}

// NewLocalStream creates an empty stream.
func NewLocalStream(id string) *LocalStream {
	return &LocalStream{id: id}
}

func (s *LocalStream) ID() string { return s.id }

// AddTrack appends t to the stream.
func (s *LocalStream) AddTrack(t *LocalTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

// Merge moves every track of other into s.
func (s *LocalStream) Merge(other *LocalStream) {
	for _, t := range other.Tracks() {
		s.AddTrack(t)
	}
}

// Tracks returns a copy of the track list.
func (s *LocalStream) Tracks() []*LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*LocalTrack(nil), s.tracks...)
}

func (s *LocalStream) AudioTracks() []*LocalTrack {
	return filterLocal(s.Tracks(), webrtc.RTPCodecTypeAudio)
}

func (s *LocalStream) VideoTracks() []*LocalTrack {
	return filterLocal(s.Tracks(), webrtc.RTPCodecTypeVideo)
}

// Stop stops every track of the stream.
func (s *LocalStream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

func filterLocal(tracks []*LocalTrack, kind webrtc.RTPCodecType) []*LocalTrack {
	var out []*LocalTrack
	for _, t := range tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// RemoteStream groups the tracks received from the peer under one stream ID.
type RemoteStream struct {
	id string

	mu     sync.Mutex
	tracks []*RemoteTrack
}

// NewRemoteStream creates an empty stream.
func NewRemoteStream(id string) *RemoteStream {
	return &RemoteStream{id: id}
}

func (s *RemoteStream) ID() string { return s.id }

// AddTrack appends t to the stream.
func (s *RemoteStream) AddTrack(t *RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

// Tracks returns a copy of the track list.
func (s *RemoteStream) Tracks() []*RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*RemoteTrack(nil), s.tracks...)
}

func (s *RemoteStream) AudioTracks() []*RemoteTrack {
	return filterRemote(s.Tracks(), webrtc.RTPCodecTypeAudio)
}

func (s *RemoteStream) VideoTracks() []*RemoteTrack {
	return filterRemote(s.Tracks(), webrtc.RTPCodecTypeVideo)
}

// Stop stops reading every track of the stream.
func (s *RemoteStream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

func filterRemote(tracks []*RemoteTrack, kind webrtc.RTPCodecType) []*RemoteTrack {
	var out []*RemoteTrack
	for _, t := range tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}
