package webrtc

import (
	"sync"

	"rillcall/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// trackState implements the stop/ended half of ports.MediaTrack.
type trackState struct {
	mu      sync.Mutex
	stopped bool
	ended   []func()
}

func (s *trackState) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	handlers := s.ended
	s.ended = nil
	s.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}

func (s *trackState) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// OnEnded runs fn right away if the track already stopped.
func (s *trackState) OnEnded(fn func()) {
	s.mu.Lock()
	if !s.stopped {
		s.ended = append(s.ended, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn()
}

// LocalTrack is a captured track backed by a pion sample track.
type LocalTrack struct {
	trackState
	kind  domain.MediaKind
	local *webrtc.TrackLocalStaticSample
}

func NewLocalTrack(kind domain.MediaKind, id, streamID string) (*LocalTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(capabilityFor(kind), id, streamID)
	if err != nil {
		return nil, err
	}
	return &LocalTrack{kind: kind, local: local}, nil
}

func (t *LocalTrack) ID() string             { return t.local.ID() }
func (t *LocalTrack) Kind() domain.MediaKind { return t.kind }

// Local exposes the pion track for AddTrack.
func (t *LocalTrack) Local() *webrtc.TrackLocalStaticSample { return t.local }

// RemoteTrack is media received from a remote peer. In SFU mode it is a
// placeholder fed by the router; in direct mode it wraps a pion TrackRemote.
type RemoteTrack struct {
	trackState
	id   string
	kind domain.MediaKind

	statsMu sync.Mutex
	packets uint64
	bytes   uint64
}

func NewRemoteTrack(id string, kind domain.MediaKind) *RemoteTrack {
	return &RemoteTrack{id: id, kind: kind}
}

func (t *RemoteTrack) ID() string             { return t.id }
func (t *RemoteTrack) Kind() domain.MediaKind { return t.kind }

func (t *RemoteTrack) count(n int) {
	t.statsMu.Lock()
	t.packets++
	t.bytes += uint64(n)
	t.statsMu.Unlock()
}

// Stats returns the RTP packets and payload bytes read so far.
func (t *RemoteTrack) Stats() (packets, bytes uint64) {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return t.packets, t.bytes
}
