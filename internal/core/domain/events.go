package domain

import (
	"encoding/json"
	"fmt"
)

// EventName is the closed set of signaling event names.
type EventName string

const (
	EventJoinRoom         EventName = "joinRoom"
	EventCreateTransport  EventName = "createTransport"
	EventConnectTransport EventName = "connectTransport"
	EventProduce          EventName = "produce"
	EventConsume          EventName = "consume"
	EventResumeConsumer   EventName = "resumeConsumer"
	EventNewProducer      EventName = "newProducer"
	EventStartRecording   EventName = "startRecording"
	EventStopRecording    EventName = "stopRecording"
	EventOffer            EventName = "offer"
	EventAnswer           EventName = "answer"
	EventIceCandidate     EventName = "icecandidate"
	EventRegisterUser     EventName = "registerUser"
	EventUserList         EventName = "userList"
	EventCallUser         EventName = "callUser"
	EventIncomingCall     EventName = "incomingCall"
	EventCallAccepted     EventName = "callAccepted"
	EventCallRejected     EventName = "callRejected"
	EventCallEnded        EventName = "callEnded"

	// Legacy spellings still accepted on the wire.
	EventJoinUser        EventName = "join-user"
	EventJoined          EventName = "joined"
	EventCallEndedLegacy EventName = "call-ended"
)

var eventAliases = map[EventName]EventName{
	EventJoinUser:        EventRegisterUser,
	EventJoined:          EventUserList,
	EventCallEndedLegacy: EventCallEnded,
}

// Canonical resolves legacy aliases to the primary event name.
func (e EventName) Canonical() EventName {
	if c, ok := eventAliases[e]; ok {
		return c
	}
	return e
}

// Aliases returns every wire name that maps to e, e included.
func (e EventName) Aliases() []EventName {
	names := []EventName{e}
	for alias, canonical := range eventAliases {
		if canonical == e {
			names = append(names, alias)
		}
	}
	return names
}

// Event is one decoded signaling payload.
type Event interface {
	EventName() EventName
}

type JoinRoomRequest struct {
	RoomID RoomID `json:"roomId"`
}

type JoinRoomResponse struct {
	RtpCapabilities RtpCapabilities `json:"rtpCapabilities"`
}

type CreateTransportRequest struct {
	RoomID    RoomID             `json:"roomId"`
	Direction TransportDirection `json:"direction"`
}

type ConnectTransportRequest struct {
	RoomID         RoomID         `json:"roomId"`
	TransportID    TransportID    `json:"transportId"`
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
}

// Ack is the empty response to acknowledged requests.
type Ack struct{}

type ProduceRequest struct {
	RoomID        RoomID        `json:"roomId"`
	TransportID   TransportID   `json:"transportId"`
	Kind          MediaKind     `json:"kind"`
	RtpParameters RtpParameters `json:"rtpParameters"`
}

type ProduceResponse struct {
	ID ProducerID `json:"id"`
}

type ConsumeRequest struct {
	RoomID          RoomID          `json:"roomId"`
	TransportID     TransportID     `json:"transportId"`
	ProducerID      ProducerID      `json:"producerId"`
	RtpCapabilities RtpCapabilities `json:"rtpCapabilities"`
}

type ConsumeResponse struct {
	ID            ConsumerID    `json:"id"`
	ProducerID    ProducerID    `json:"producerId"`
	Kind          MediaKind     `json:"kind"`
	RtpParameters RtpParameters `json:"rtpParameters"`
}

type ResumeConsumerRequest struct {
	RoomID     RoomID     `json:"roomId"`
	ConsumerID ConsumerID `json:"consumerId"`
}

func (ResumeConsumerRequest) EventName() EventName { return EventResumeConsumer }

type NewProducerEvent struct {
	ProducerID ProducerID `json:"producerId"`
	PeerID     PeerID     `json:"peerId"`
	Kind       MediaKind  `json:"kind,omitempty"`
}

func (NewProducerEvent) EventName() EventName { return EventNewProducer }

type StartRecordingRequest struct {
	RoomID     RoomID     `json:"roomId"`
	ProducerID ProducerID `json:"producerId"`
	Kind       MediaKind  `json:"kind"`
}

type StartRecordingResponse struct {
	RecordingID RecordingID `json:"recordingId,omitempty"`
	Error       string      `json:"error,omitempty"`
}

type StopRecordingRequest struct {
	RecordingID RecordingID `json:"recordingId"`
}

type StopRecordingResponse struct {
	FilePath string `json:"filePath,omitempty"`
	Error    string `json:"error,omitempty"`
}

type OfferEvent struct {
	From  PeerID             `json:"from,omitempty"`
	To    PeerID             `json:"to"`
	Offer SessionDescription `json:"offer"`
}

func (OfferEvent) EventName() EventName { return EventOffer }

type AnswerEvent struct {
	From   PeerID             `json:"from,omitempty"`
	To     PeerID             `json:"to"`
	Answer SessionDescription `json:"answer"`
}

func (AnswerEvent) EventName() EventName { return EventAnswer }

type IceCandidateEvent struct {
	Candidate ICECandidateInit `json:"candidate"`
	By        PeerID           `json:"by,omitempty"`
	To        PeerID           `json:"to"`
}

func (IceCandidateEvent) EventName() EventName { return EventIceCandidate }

type RegisterUserEvent struct {
	Username string `json:"username"`
}

func (RegisterUserEvent) EventName() EventName { return EventRegisterUser }

// UserListEvent is pushed as a bare JSON array.
type UserListEvent []User

func (UserListEvent) EventName() EventName { return EventUserList }

type CallUserEvent struct {
	TargetUserID PeerID   `json:"targetUserId"`
	RoomID       RoomID   `json:"roomId,omitempty"`
	Mode         CallMode `json:"mode,omitempty"`
}

func (CallUserEvent) EventName() EventName { return EventCallUser }

type IncomingCallEvent struct {
	CallerID       PeerID   `json:"callerId"`
	CallerUsername string   `json:"callerUsername"`
	RoomID         RoomID   `json:"roomId,omitempty"`
	Mode           CallMode `json:"mode,omitempty"`
}

func (IncomingCallEvent) EventName() EventName { return EventIncomingCall }

type CallAcceptedEvent struct {
	CallerID PeerID `json:"callerId,omitempty"`
	From     PeerID `json:"from,omitempty"`
}

func (CallAcceptedEvent) EventName() EventName { return EventCallAccepted }

type CallRejectedEvent struct {
	CallerID PeerID       `json:"callerId,omitempty"`
	From     PeerID       `json:"from,omitempty"`
	Reason   RejectReason `json:"reason"`
}

func (CallRejectedEvent) EventName() EventName { return EventCallRejected }

type CallEndedEvent struct {
	TargetUserID PeerID `json:"targetUserId,omitempty"`
	From         PeerID `json:"from,omitempty"`
}

func (CallEndedEvent) EventName() EventName { return EventCallEnded }

// DecodeEvent decodes a push or fire-and-forget payload into its typed form.
// Request/response events are not part of the push union and are rejected.
func DecodeEvent(name EventName, raw json.RawMessage) (Event, error) {
	switch name.Canonical() {
	case EventNewProducer:
		return decodeAs[NewProducerEvent](raw)
	case EventResumeConsumer:
		return decodeAs[ResumeConsumerRequest](raw)
	case EventOffer:
		return decodeAs[OfferEvent](raw)
	case EventAnswer:
		return decodeAs[AnswerEvent](raw)
	case EventIceCandidate:
		return decodeAs[IceCandidateEvent](raw)
	case EventRegisterUser:
		return decodeAs[RegisterUserEvent](raw)
	case EventUserList:
		return decodeAs[UserListEvent](raw)
	case EventCallUser:
		return decodeAs[CallUserEvent](raw)
	case EventIncomingCall:
		return decodeAs[IncomingCallEvent](raw)
	case EventCallAccepted:
		return decodeAs[CallAcceptedEvent](raw)
	case EventCallRejected:
		return decodeAs[CallRejectedEvent](raw)
	case EventCallEnded:
		return decodeAs[CallEndedEvent](raw)
	}
	return nil, fmt.Errorf("unknown push event %q", name)
}

func decodeAs[T Event](raw json.RawMessage) (Event, error) {
	var ev T
	if len(raw) == 0 || string(raw) == "null" {
		return ev, nil
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ev.EventName(), err)
	}
	return ev, nil
}
