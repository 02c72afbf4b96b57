package ports

import (
	"context"

	"rillcall/internal/core/domain"
)

// IncomingCallDecider replaces the interactive accept/reject prompt.
type IncomingCallDecider interface {
	Decide(ctx context.Context, call domain.IncomingCall) (accept bool, err error)
}

// IncomingCallDeciderFunc adapts a function to IncomingCallDecider.
type IncomingCallDeciderFunc func(ctx context.Context, call domain.IncomingCall) (bool, error)

func (f IncomingCallDeciderFunc) Decide(ctx context.Context, call domain.IncomingCall) (bool, error) {
	return f(ctx, call)
}

// CallObserver is notified about everything a UI layer would render.
type CallObserver interface {
	OnCallState(snapshot domain.CallSnapshot)
	OnUsers(users []domain.User)
	OnRemoteTrack(peerID domain.PeerID, track MediaTrack)
	OnError(err error)
}

// CallMetrics records call-level counters. Implemented by monitoring.
type CallMetrics interface {
	CallStateChanged(from, to domain.CallState)
	CallEnded(reason domain.EndReason)
	NegotiationObserved(mode domain.CallMode, seconds float64, err error)
	ResourceOpened(kind string)
	ResourceClosed(kind string)
	RecordingOutcome(op string, err error)
}

// AuthService issues and validates relay connection tokens.
type AuthService interface {
	IssueToken(ctx context.Context, username string) (string, error)
	ValidateToken(ctx context.Context, token string) (*TokenClaims, error)
}

type TokenClaims struct {
	Subject  string
	Username string
}
