package protocol

import "errors"

var (
	ErrInvalidEvent    = errors.New("protocol: invalid event")
	ErrUnknownType     = errors.New("protocol: unknown event type")
	ErrInvalidStatus   = errors.New("protocol: invalid status")
	ErrInvalidPayload  = errors.New("protocol: invalid payload")
	ErrMessageTooLarge = errors.New("protocol: message too large")
)
