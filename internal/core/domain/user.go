package domain

import "time"

// User is a peer as listed by the signaling directory.
type User struct {
	ID       PeerID `json:"id"`
	Username string `json:"username"`
}

// Presence is the server-side directory record for a connected peer.
type Presence struct {
	User
	ConnectedAt time.Time `json:"connectedAt"`
	InCall      bool      `json:"inCall"`
}
