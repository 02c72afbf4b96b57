package ports

import (
	"context"

	"rillcall/internal/core/domain"
)

// MediaTrack is a single captured or received audio/video track.
type MediaTrack interface {
	ID() string
	Kind() domain.MediaKind
	Stop()
	Stopped() bool
	// OnEnded fires once when the track stops for any reason.
	OnEnded(func())
}

// LocalStream groups the tracks returned by one capture request.
type LocalStream interface {
	Tracks() []MediaTrack
	TrackOfKind(kind domain.MediaKind) (MediaTrack, bool)
	Stop()
}

type MediaSource interface {
	GetUserMedia(ctx context.Context, constraints domain.MediaConstraints) (LocalStream, error)
}

// ConnectHandler is invoked once, on first use of a transport, with the
// local DTLS parameters. It must not return before the server acknowledged.
type ConnectHandler func(ctx context.Context, dtls domain.DtlsParameters) error

// ProduceHandler asks the server to create the producer and returns its id.
type ProduceHandler func(ctx context.Context, kind domain.MediaKind, rtp domain.RtpParameters) (domain.ProducerID, error)

type ProduceOptions struct {
	Track        MediaTrack
	Encodings    []domain.RtpEncodingParameters
	CodecOptions domain.CodecOptions
}

type ConsumeOptions struct {
	ID            domain.ConsumerID
	ProducerID    domain.ProducerID
	Kind          domain.MediaKind
	RtpParameters domain.RtpParameters
}

// Device is the local media engine loaded with a router's capabilities.
type Device interface {
	Load(ctx context.Context, routerCaps domain.RtpCapabilities) error
	Loaded() bool
	RtpCapabilities() domain.RtpCapabilities
	CanProduce(kind domain.MediaKind) bool
	CreateSendTransport(opts domain.TransportOptions) (Transport, error)
	CreateRecvTransport(opts domain.TransportOptions) (Transport, error)
}

type Transport interface {
	ID() domain.TransportID
	Direction() domain.TransportDirection
	OnConnect(handler ConnectHandler)
	OnProduce(handler ProduceHandler)
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
	Closed() bool
	Close() error
}

type Producer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	Track() MediaTrack
	Encodings() []domain.RtpEncodingParameters
	// OnTransportClose fires when the owning transport closes first.
	OnTransportClose(func())
	Closed() bool
	Close() error
}

// Consumer starts paused and only flows media after Resume.
type Consumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.MediaKind
	Track() MediaTrack
	Paused() bool
	Resume()
	Closed() bool
	Close() error
}

// PeerConnection is the direct-mode offer/answer endpoint.
type PeerConnection interface {
	CreateOffer() (domain.SessionDescription, error)
	CreateAnswer() (domain.SessionDescription, error)
	SetLocalDescription(desc domain.SessionDescription) error
	SetRemoteDescription(desc domain.SessionDescription) error
	AddICECandidate(candidate domain.ICECandidateInit) error
	AddTrack(track MediaTrack) error
	OnICECandidate(func(domain.ICECandidateInit))
	OnTrack(func(MediaTrack))
	Close() error
}

type PeerConnectionFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

// DeviceFactory creates a fresh Device for every joined room.
type DeviceFactory interface {
	NewDevice() (Device, error)
}
