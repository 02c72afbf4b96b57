package webrtc

import (
	"strings"

	"rillcall/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
}

// Codecs is the codec set both the device and the loopback router offer.
var Codecs = []struct {
	Kind   domain.MediaKind
	Params webrtc.RTPCodecParameters
}{
	{domain.MediaKindAudio, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"},
		PayloadType:        111,
	}},
	{domain.MediaKindVideo, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, RTCPFeedback: videoFeedback},
		PayloadType:        96,
	}},
	{domain.MediaKindVideo, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeH264,
			ClockRate:    90000,
			SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			RTCPFeedback: videoFeedback,
		},
		PayloadType: 102,
	}},
}

// RouterCapabilities converts Codecs into the signaling form.
func RouterCapabilities() domain.RtpCapabilities {
	caps := domain.RtpCapabilities{Codecs: make([]domain.RtpCodecCapability, 0, len(Codecs))}
	for _, c := range Codecs {
		caps.Codecs = append(caps.Codecs, toCapability(c.Kind, c.Params))
	}
	return caps
}

func toCapability(kind domain.MediaKind, p webrtc.RTPCodecParameters) domain.RtpCodecCapability {
	out := domain.RtpCodecCapability{
		Kind:                 kind,
		MimeType:             p.MimeType,
		PreferredPayloadType: uint8(p.PayloadType),
		ClockRate:            p.ClockRate,
		Channels:             p.Channels,
		Parameters:           parseFmtp(p.SDPFmtpLine),
	}
	for _, fb := range p.RTCPFeedback {
		out.RtcpFeedback = append(out.RtcpFeedback, domain.RtcpFeedback{Type: fb.Type, Parameter: fb.Parameter})
	}
	return out
}

// parseFmtp splits "a=1;b=2" into a map. Nil for an empty line.
func parseFmtp(line string) map[string]string {
	if line == "" {
		return nil
	}
	params := make(map[string]string)
	for _, part := range strings.Split(line, ";") {
		key, value, _ := strings.Cut(strings.TrimSpace(part), "=")
		if key != "" {
			params[key] = value
		}
	}
	return params
}

// sameCodec matches codecs by mime type, clock rate and channel count.
func sameCodec(a, b domain.RtpCodecCapability) bool {
	if !strings.EqualFold(a.MimeType, b.MimeType) || a.ClockRate != b.ClockRate {
		return false
	}
	return a.Channels == b.Channels || a.Channels == 0 || b.Channels == 0
}

func codecParameters(c domain.RtpCodecCapability) domain.RtpCodecParameters {
	return domain.RtpCodecParameters{
		MimeType:    c.MimeType,
		PayloadType: c.PreferredPayloadType,
		ClockRate:   c.ClockRate,
		Channels:    c.Channels,
		Parameters:  c.Parameters,
	}
}

// newMediaEngine registers Codecs on a pion MediaEngine.
func newMediaEngine() (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range Codecs {
		codecType := webrtc.RTPCodecTypeAudio
		if c.Kind == domain.MediaKindVideo {
			codecType = webrtc.RTPCodecTypeVideo
		}
		if err := m.RegisterCodec(c.Params, codecType); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func kindOf(t webrtc.RTPCodecType) domain.MediaKind {
	if t == webrtc.RTPCodecTypeVideo {
		return domain.MediaKindVideo
	}
	return domain.MediaKindAudio
}

func capabilityFor(kind domain.MediaKind) webrtc.RTPCodecCapability {
	for _, c := range Codecs {
		if c.Kind == kind {
			return c.Params.RTPCodecCapability
		}
	}
	return webrtc.RTPCodecCapability{}
}
