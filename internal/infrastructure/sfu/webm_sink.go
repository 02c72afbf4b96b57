package sfu

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"rillcall/internal/core/domain"

	"github.com/at-wat/ebml-go/webm"
)

// webmSink owns the container file of one recording. Blocks are appended
// by whatever forwards the producer's RTP; the loopback router writes none,
// so a stopped recording is a valid but empty track.
type webmSink struct {
	path   string
	tracks []webm.BlockWriteCloser
}

func newWebmSink(path string, kind domain.MediaKind, codecs []domain.RtpCodecParameters) (*webmSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}

	tracks, err := webm.NewSimpleBlockWriter(file, []webm.TrackEntry{trackEntry(kind, codecs)})
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write webm header: %w", err)
	}
	return &webmSink{path: path, tracks: tracks}, nil
}

// Close finalizes the container and closes the file.
func (s *webmSink) Close() error {
	var first error
	for _, t := range s.tracks {
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func trackEntry(kind domain.MediaKind, codecs []domain.RtpCodecParameters) webm.TrackEntry {
	var codec domain.RtpCodecParameters
	if len(codecs) > 0 {
		codec = codecs[0]
	}

	if kind == domain.MediaKindAudio {
		channels := uint64(codec.Channels)
		if channels == 0 {
			channels = 2
		}
		rate := float64(codec.ClockRate)
		if rate == 0 {
			rate = 48000
		}
		return webm.TrackEntry{
			Name:        "Audio",
			TrackNumber: 1,
			TrackUID:    1,
			CodecID:     "A_OPUS",
			TrackType:   2,
			Audio: &webm.Audio{
				SamplingFrequency: rate,
				Channels:          channels,
			},
		}
	}

	return webm.TrackEntry{
		Name:        "Video",
		TrackNumber: 1,
		TrackUID:    1,
		CodecID:     videoCodecID(codec.MimeType),
		TrackType:   1,
		Video: &webm.Video{
			PixelWidth:  640,
			PixelHeight: 480,
		},
	}
}

func videoCodecID(mime string) string {
	switch strings.ToLower(mime) {
	case "video/vp9":
		return "V_VP9"
	case "video/h264":
		return "V_MPEG4/ISO/AVC"
	case "video/av1":
		return "V_AV1"
	default:
		return "V_VP8"
	}
}
