package domain

type PeerID string
type RoomID string
type TransportID string
type ProducerID string
type ConsumerID string
type RecordingID string
type CallID string

func (id PeerID) String() string      { return string(id) }
func (id RoomID) String() string      { return string(id) }
func (id TransportID) String() string { return string(id) }
func (id ProducerID) String() string  { return string(id) }
func (id ConsumerID) String() string  { return string(id) }
func (id RecordingID) String() string { return string(id) }
func (id CallID) String() string      { return string(id) }
