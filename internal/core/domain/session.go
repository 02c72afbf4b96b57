package domain

// SDPType mirrors the RTCSdpType values exchanged over signaling.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// ICECandidateInit is a trickled candidate in browser JSON form.
type ICECandidateInit struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// SignalingState of a direct-mode negotiation.
type SignalingState string

const (
	SignalingStateNew             SignalingState = "new"
	SignalingStateHaveLocalOffer  SignalingState = "have-local-offer"
	SignalingStateHaveRemoteOffer SignalingState = "have-remote-offer"
	SignalingStateStable          SignalingState = "stable"
	SignalingStateClosed          SignalingState = "closed"
)

// ConnectionState of the signaling channel.
type ConnectionState string

const (
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
)
