package ports

import (
	"context"

	"rillcall/internal/core/domain"
)

// PresenceRepository stores the relay's directory of connected peers.
type PresenceRepository interface {
	Upsert(ctx context.Context, presence *domain.Presence) error
	Get(ctx context.Context, id domain.PeerID) (*domain.Presence, error)
	Remove(ctx context.Context, id domain.PeerID) error
	List(ctx context.Context) ([]*domain.Presence, error)
	SetInCall(ctx context.Context, id domain.PeerID, inCall bool) error
}

// RoomBackend is the server-side media router the relay fronts.
type RoomBackend interface {
	Join(ctx context.Context, room domain.RoomID, peer domain.PeerID) (domain.RtpCapabilities, error)
	CreateTransport(ctx context.Context, room domain.RoomID, peer domain.PeerID, dir domain.TransportDirection) (domain.TransportOptions, error)
	ConnectTransport(ctx context.Context, room domain.RoomID, peer domain.PeerID, id domain.TransportID, dtls domain.DtlsParameters) error
	Produce(ctx context.Context, req domain.ProduceRequest, peer domain.PeerID) (domain.ProducerID, error)
	Consume(ctx context.Context, req domain.ConsumeRequest, peer domain.PeerID) (domain.ConsumeResponse, error)
	ResumeConsumer(ctx context.Context, room domain.RoomID, peer domain.PeerID, id domain.ConsumerID) error
	// ProducersExcept lists producers in room owned by anyone but peer.
	ProducersExcept(ctx context.Context, room domain.RoomID, peer domain.PeerID) []domain.NewProducerEvent
	// Members lists the peers joined to room.
	Members(ctx context.Context, room domain.RoomID) []domain.PeerID
	// StartRecording and StopRecording only act on rooms peer has joined.
	StartRecording(ctx context.Context, req domain.StartRecordingRequest, peer domain.PeerID) (domain.RecordingID, error)
	StopRecording(ctx context.Context, peer domain.PeerID, id domain.RecordingID) (string, error)
	// Leave removes peer from every room and returns the rooms it was in.
	Leave(ctx context.Context, peer domain.PeerID) []domain.RoomID
}

// RecordingArchive copies finished recording files to long-term storage.
type RecordingArchive interface {
	Archive(ctx context.Context, key, path string) error
}
