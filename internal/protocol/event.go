package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MaxMessageBytes bounds one framed envelope. Audio and image utterances
// carry base64 payloads, so the limit is generous.
const MaxMessageBytes = 32 * 1024 * 1024

type EventType string

const (
	TypeHandshakeRequest EventType = "HANDSHAKE_REQUEST"
	TypeHandshakePending EventType = "HANDSHAKE_PENDING"
	TypeHandshakeAccept  EventType = "HANDSHAKE_ACCEPT"
	TypeHandshakeReject  EventType = "HANDSHAKE_REJECT"

	TypeInitEntity         EventType = "INIT_ENTITY"
	TypeEntityInfo         EventType = "ENTITY_INFO"
	TypeEntityUtterance    EventType = "ENTITY_UTTERANCE"
	TypeEntitySessionEnd   EventType = "ENTITY_SESSION_END"
	TypeTypingIndicator    EventType = "TYPING_INDICATOR"
	TypeRecordingIndicator EventType = "RECORDING_INDICATOR"

	TypeSyncRequest     EventType = "SYNC_REQUEST"
	TypeSyncAccept      EventType = "SYNC_ACCEPT"
	TypeSyncData        EventType = "SYNC_DATA"
	TypeSyncDataConfirm EventType = "SYNC_DATA_CONFIRM"
	TypeSyncComplete    EventType = "SYNC_COMPLETE"
	TypeSyncFinalize    EventType = "SYNC_FINALIZE"
)

var knownTypes = map[EventType]struct{}{
	TypeHandshakeRequest:   {},
	TypeHandshakePending:   {},
	TypeHandshakeAccept:    {},
	TypeHandshakeReject:    {},
	TypeInitEntity:         {},
	TypeEntityInfo:         {},
	TypeEntityUtterance:    {},
	TypeEntitySessionEnd:   {},
	TypeTypingIndicator:    {},
	TypeRecordingIndicator: {},
	TypeSyncRequest:        {},
	TypeSyncAccept:         {},
	TypeSyncData:           {},
	TypeSyncDataConfirm:    {},
	TypeSyncComplete:       {},
	TypeSyncFinalize:       {},
}

// Known reports whether t is part of the catalogue.
func (t EventType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

type Status string

const (
	StatusNew     Status = "NEW"
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
)

// Event is the envelope for all application-level exchange.
type Event struct {
	EventID string          `json:"event_id"`
	Type    EventType       `json:"event_type"`
	Status  Status          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEventID returns a fresh caller-generated event id.
func NewEventID() string {
	return uuid.NewString()
}

// NewEvent builds a NEW event with a fresh id and the marshaled payload.
func NewEvent(t EventType, payload any) (Event, error) {
	return NewEventWithStatus(t, StatusNew, payload)
}

// NewEventWithStatus builds an event with a fresh id.
func NewEventWithStatus(t EventType, status Status, payload any) (Event, error) {
	ev := Event{
		EventID: NewEventID(),
		Type:    t,
		Status:  status,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, t, err)
		}
		ev.Payload = raw
	}
	return ev, nil
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return fmt.Errorf("%w: missing event_id", ErrInvalidEvent)
	}
	if strings.TrimSpace(string(e.Type)) == "" {
		return fmt.Errorf("%w: missing event_type", ErrInvalidEvent)
	}
	if !e.Type.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	switch e.Status {
	case StatusNew, StatusSuccess, StatusError:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, e.Status)
	}
	return nil
}

// Decode unmarshals one payload into out. An empty payload decodes as {}.
func (e Event) Decode(out any) error {
	raw := e.Payload
	if len(raw) == 0 || string(raw) == "null" {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, e.Type, err)
	}
	return nil
}

// Marshal encodes the envelope as one wire message.
func Marshal(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxMessageBytes {
		return nil, ErrMessageTooLarge
	}
	return data, nil
}

// Unmarshal decodes and validates one wire message.
func Unmarshal(data []byte) (Event, error) {
	if len(data) > MaxMessageBytes {
		return Event{}, ErrMessageTooLarge
	}
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
