package domain

import "time"

type CallState string

const (
	CallStateIdle        CallState = "idle"
	CallStateOutgoing    CallState = "outgoing"
	CallStateIncoming    CallState = "incoming"
	CallStateNegotiating CallState = "negotiating"
	CallStateActive      CallState = "active"
	CallStateEnded       CallState = "ended"
)

var callTransitions = map[CallState][]CallState{
	CallStateIdle:        {CallStateOutgoing, CallStateIncoming},
	CallStateOutgoing:    {CallStateNegotiating, CallStateActive, CallStateEnded},
	CallStateIncoming:    {CallStateNegotiating, CallStateEnded},
	CallStateNegotiating: {CallStateActive, CallStateEnded},
	CallStateActive:      {CallStateEnded},
	CallStateEnded:       {CallStateIdle},
}

// CanTransition reports whether the call machine may move from s to next.
func (s CallState) CanTransition(next CallState) bool {
	for _, allowed := range callTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// InCall is true for every state between idle and ended.
func (s CallState) InCall() bool {
	switch s {
	case CallStateOutgoing, CallStateIncoming, CallStateNegotiating, CallStateActive:
		return true
	}
	return false
}

type CallMode string

const (
	CallModeSFU    CallMode = "sfu"
	CallModeDirect CallMode = "direct"
)

type RejectReason string

const (
	RejectDeclined RejectReason = "declined"
	RejectBusy     RejectReason = "busy"

	// RejectUnavailable is sent by the relay when the callee is not connected.
	RejectUnavailable RejectReason = "unavailable"
)

// EndReason explains why a call reached the ended state.
type EndReason string

const (
	EndLocalHangup  EndReason = "local_hangup"
	EndRemoteHangup EndReason = "remote_hangup"
	EndRejected     EndReason = "rejected"
	EndDisconnected EndReason = "disconnected"
	EndFailed       EndReason = "failed"
)

// CallSnapshot is a read-only copy of the current call session.
type CallSnapshot struct {
	ID             CallID
	State          CallState
	Mode           CallMode
	LocalPeerID    PeerID
	RemotePeerID   PeerID
	RemoteUsername string
	RoomID         RoomID
	Initiator      bool
	StartedAt      time.Time
	EndReason      EndReason
	Err            error
}

// IncomingCall is what the decider is asked about.
type IncomingCall struct {
	CallerID       PeerID
	CallerUsername string
	RoomID         RoomID
	Mode           CallMode
}
