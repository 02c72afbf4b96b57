package domain

import "fmt"

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

type TransportDirection string

const (
	DirectionSend TransportDirection = "send"
	DirectionRecv TransportDirection = "recv"
)

func (d TransportDirection) Valid() bool {
	return d == DirectionSend || d == DirectionRecv
}

// RtcpFeedback is one rtcp-fb entry of a codec.
type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// RtpCodecCapability describes a codec a device or router can handle.
type RtpCodecCapability struct {
	Kind                 MediaKind         `json:"kind"`
	MimeType             string            `json:"mimeType"`
	PreferredPayloadType uint8             `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32            `json:"clockRate"`
	Channels             uint16            `json:"channels,omitempty"`
	Parameters           map[string]string `json:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback    `json:"rtcpFeedback,omitempty"`
}

// RtpCapabilities is what joinRoom returns and what consume sends back.
type RtpCapabilities struct {
	Codecs []RtpCodecCapability `json:"codecs"`
}

// HasKind reports whether at least one codec of kind is present.
func (c RtpCapabilities) HasKind(kind MediaKind) bool {
	for _, codec := range c.Codecs {
		if codec.Kind == kind {
			return true
		}
	}
	return false
}

// RtpCodecParameters is a negotiated codec inside RtpParameters.
type RtpCodecParameters struct {
	MimeType    string            `json:"mimeType"`
	PayloadType uint8             `json:"payloadType"`
	ClockRate   uint32            `json:"clockRate"`
	Channels    uint16            `json:"channels,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

// RtpEncodingParameters is one simulcast layer.
type RtpEncodingParameters struct {
	Rid                   string  `json:"rid,omitempty"`
	MaxBitrate            int     `json:"maxBitrate,omitempty"`
	ScaleResolutionDownBy float64 `json:"scaleResolutionDownBy,omitempty"`
}

type RtpParameters struct {
	Mid       string                  `json:"mid,omitempty"`
	Codecs    []RtpCodecParameters    `json:"codecs"`
	Encodings []RtpEncodingParameters `json:"encodings,omitempty"`
}

// CodecOptions tune the encoder of a producer.
type CodecOptions struct {
	VideoGoogleStartBitrate int `json:"videoGoogleStartBitrate,omitempty"`
}

// DefaultCodecOptions applies to every video producer.
var DefaultCodecOptions = CodecOptions{VideoGoogleStartBitrate: 1000}

// SimulcastEncodings returns the video layers, low to high.
func SimulcastEncodings() []RtpEncodingParameters {
	return []RtpEncodingParameters{
		{Rid: "r0", MaxBitrate: 100000, ScaleResolutionDownBy: 4},
		{Rid: "r1", MaxBitrate: 300000, ScaleResolutionDownBy: 2},
		{Rid: "r2", MaxBitrate: 900000},
	}
}

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
}

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsRole string

const (
	DtlsRoleAuto   DtlsRole = "auto"
	DtlsRoleClient DtlsRole = "client"
	DtlsRoleServer DtlsRole = "server"
)

type DtlsParameters struct {
	Role         DtlsRole          `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

// TransportOptions is the server's answer to createTransport.
type TransportOptions struct {
	ID             TransportID    `json:"id"`
	IceParameters  IceParameters  `json:"iceParameters"`
	IceCandidates  []IceCandidate `json:"iceCandidates"`
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
}

func (o TransportOptions) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("transport id is required")
	}
	if len(o.DtlsParameters.Fingerprints) == 0 {
		return fmt.Errorf("transport %s has no dtls fingerprints", o.ID)
	}
	return nil
}

// MediaConstraints select what GetUserMedia captures.
type MediaConstraints struct {
	Audio  bool
	Video  bool
	Width  int
	Height int
}

// DefaultMediaConstraints asks for 1280x720 video plus audio.
var DefaultMediaConstraints = MediaConstraints{Audio: true, Video: true, Width: 1280, Height: 720}
