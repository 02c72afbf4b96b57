package domain

import (
	apperrors "rillcall/pkg/errors"
)

// Error classes. Match with errors.Is; any error of the same class matches.
var (
	ErrPrecondition        = apperrors.New(apperrors.ErrCodePrecondition, "precondition failed")
	ErrNegotiation         = apperrors.New(apperrors.ErrCodeNegotiation, "negotiation failed")
	ErrCapabilityMismatch  = apperrors.New(apperrors.ErrCodeCapabilityMismatch, "no common codec with router")
	ErrDuplicateResource   = apperrors.New(apperrors.ErrCodeDuplicateResource, "resource already registered")
	ErrRecording           = apperrors.New(apperrors.ErrCodeRecording, "recording failed")
	ErrBusy                = apperrors.New(apperrors.ErrCodeBusy, "already in a call")
	ErrSignalingDisconnect = apperrors.New(apperrors.ErrCodeSignalingDisconnect, "signaling disconnected")
	ErrCallCancelled       = apperrors.New(apperrors.ErrCodeCallCancelled, "call superseded")
	ErrInvalidState        = apperrors.New(apperrors.ErrCodeInvalidState, "operation not valid in current state")
	ErrRemote              = apperrors.New(apperrors.ErrCodeRemote, "remote request failed")

	ErrPeerNotFound      = apperrors.NewNotFoundError("peer")
	ErrRoomNotFound      = apperrors.NewNotFoundError("room")
	ErrTransportNotFound = apperrors.NewNotFoundError("transport")
	ErrProducerNotFound  = apperrors.NewNotFoundError("producer")
	ErrConsumerNotFound  = apperrors.NewNotFoundError("consumer")
	ErrRecordingNotFound = apperrors.NewNotFoundError("recording")
	ErrInvalidToken      = apperrors.NewUnauthorizedError("invalid token")
	ErrTokenExpired      = apperrors.NewUnauthorizedError("token expired")
)

func NewPreconditionError(format string, args ...interface{}) error {
	return apperrors.New(apperrors.ErrCodePrecondition, format, args...)
}

func NewNegotiationError(cause error, format string, args ...interface{}) error {
	return apperrors.Wrap(cause, apperrors.ErrCodeNegotiation, format, args...)
}

func NewCapabilityMismatchError(format string, args ...interface{}) error {
	return apperrors.New(apperrors.ErrCodeCapabilityMismatch, format, args...)
}

func NewDuplicateResourceError(kind, id string) error {
	return apperrors.New(apperrors.ErrCodeDuplicateResource, "%s %s already registered", kind, id).
		WithContext("resource", kind).
		WithContext("id", id)
}

func NewRecordingError(cause error, format string, args ...interface{}) error {
	return apperrors.Wrap(cause, apperrors.ErrCodeRecording, format, args...)
}

func NewBusyError(format string, args ...interface{}) error {
	return apperrors.New(apperrors.ErrCodeBusy, format, args...)
}

func NewSignalingDisconnectError(cause error) error {
	return apperrors.Wrap(cause, apperrors.ErrCodeSignalingDisconnect, "signaling disconnected")
}

func NewInvalidStateError(format string, args ...interface{}) error {
	return apperrors.New(apperrors.ErrCodeInvalidState, format, args...)
}

func NewCancelledError(format string, args ...interface{}) error {
	return apperrors.New(apperrors.ErrCodeCallCancelled, format, args...)
}
