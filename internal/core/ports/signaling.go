package ports

import (
	"context"

	"rillcall/internal/core/domain"
)

// PushHandler receives a decoded push event. Handlers run on the channel's
// single dispatcher goroutine, one at a time, in arrival order.
type PushHandler func(ctx context.Context, event domain.Event)

// SignalingChannel is the duplex transport between a peer and the
// coordination server.
type SignalingChannel interface {
	// Request sends event and decodes the server's response into result.
	Request(ctx context.Context, event domain.EventName, params, result interface{}) error
	// Notify sends a fire-and-forget event.
	Notify(ctx context.Context, event domain.EventName, params interface{}) error
	// On subscribes to a push event; legacy aliases are delivered too.
	On(event domain.EventName, handler PushHandler)
	// OnConnectionState reports connected and disconnected transitions.
	OnConnectionState(handler func(domain.ConnectionState))
	// LocalPeerID is the id the server assigned to this connection.
	LocalPeerID() domain.PeerID
	Close() error
}
