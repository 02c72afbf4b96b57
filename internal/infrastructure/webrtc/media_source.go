package webrtc

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

var (
	// Opus DTX silence frame.
	silenceFrame = []byte{0xf8, 0xff, 0xfe}
	// Opaque filler; receivers only count it.
	fillerFrame = make([]byte, 1200)
)

const (
	audioFrameDuration = 20 * time.Millisecond
	videoFrameDuration = time.Second / 30
)

// SyntheticSource stands in for a camera and microphone. Every stream it
// hands out writes placeholder samples until stopped.
type SyntheticSource struct {
	logger *zap.SugaredLogger
}

func NewSyntheticSource(logger *zap.SugaredLogger) *SyntheticSource {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SyntheticSource{logger: logger}
}

var _ ports.MediaSource = (*SyntheticSource)(nil)

func (s *SyntheticSource) GetUserMedia(ctx context.Context, constraints domain.MediaConstraints) (ports.LocalStream, error) {
	if !constraints.Audio && !constraints.Video {
		return nil, domain.NewPreconditionError("constraints request neither audio nor video")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := uuid.NewString()
	stream := &LocalStream{done: make(chan struct{}), logger: s.logger.With("stream_id", streamID)}
	add := func(kind domain.MediaKind, frame []byte, every time.Duration) error {
		track, err := NewLocalTrack(kind, string(kind)+"-"+streamID[:8], streamID)
		if err != nil {
			return err
		}
		stream.tracks = append(stream.tracks, track)
		stream.wg.Add(1)
		go stream.pump(track, frame, every)
		return nil
	}

	if constraints.Audio {
		if err := add(domain.MediaKindAudio, silenceFrame, audioFrameDuration); err != nil {
			stream.Stop()
			return nil, err
		}
	}
	if constraints.Video {
		if err := add(domain.MediaKindVideo, fillerFrame, videoFrameDuration); err != nil {
			stream.Stop()
			return nil, err
		}
	}

	s.logger.Debugw("synthetic media started", "stream_id", streamID, "tracks", len(stream.tracks))
	return stream, nil
}

type LocalStream struct {
	tracks []*LocalTrack
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger *zap.SugaredLogger
}

var _ ports.LocalStream = (*LocalStream)(nil)

func (s *LocalStream) Tracks() []ports.MediaTrack {
	out := make([]ports.MediaTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *LocalStream) TrackOfKind(kind domain.MediaKind) (ports.MediaTrack, bool) {
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t, true
		}
	}
	return nil, false
}

// Stop ends every track and waits for the sample writers to exit.
func (s *LocalStream) Stop() {
	s.once.Do(func() { close(s.done) })
	for _, t := range s.tracks {
		t.Stop()
	}
	s.wg.Wait()
}

func (s *LocalStream) pump(track *LocalTrack, frame []byte, every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	failing := false
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if track.Stopped() {
				return
			}
			failing = s.writeSample(track.Local(), track.ID(), media.Sample{Data: frame, Duration: every}, failing)
		}
	}
}

type sampleWriter interface {
	WriteSample(media.Sample) error
}

// writeSample reports whether the write failed. Only the first failure of a
// run is logged, and a closed pipe is the normal end of a bound track.
func (s *LocalStream) writeSample(w sampleWriter, trackID string, sample media.Sample, failing bool) bool {
	err := w.WriteSample(sample)
	if err == nil {
		return false
	}
	if !failing && !errors.Is(err, io.ErrClosedPipe) {
		s.logger.Debugw("failed to write sample", "track_id", trackID, "error", err)
	}
	return true
}
