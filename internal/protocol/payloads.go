package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DeviceIdentity is carried by handshake, entity init and sync requests.
type DeviceIdentity struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name,omitempty"`
	DeviceType string `json:"device_type"`
	Platform   string `json:"platform"`
}

func (d DeviceIdentity) Validate() error {
	if strings.TrimSpace(d.DeviceID) == "" {
		return fmt.Errorf("%w: missing device_id", ErrInvalidPayload)
	}
	return nil
}

type HandshakeRequest struct {
	DeviceIdentity
}

// HandshakeAccept carries the signed credential issued by the link host.
type HandshakeAccept struct {
	JWT         string `json:"jwt"`
	Endpoint    string `json:"endpoint"`
	Certificate string `json:"cert,omitempty"`
	ExpiresAtMS int64  `json:"expiry,omitempty"`
}

func (a HandshakeAccept) Validate() error {
	if strings.TrimSpace(a.JWT) == "" {
		return fmt.Errorf("%w: handshake accept missing jwt", ErrInvalidPayload)
	}
	if strings.TrimSpace(a.Endpoint) == "" {
		return fmt.Errorf("%w: handshake accept missing endpoint", ErrInvalidPayload)
	}
	return nil
}

type HandshakeReject struct {
	Reason string `json:"reason,omitempty"`
}

type HandshakePending struct {
	Message string `json:"message,omitempty"`
}

type InitEntity struct {
	EntityID     string   `json:"entity_id"`
	DeviceType   string   `json:"device_type"`
	DeviceID     string   `json:"device_id"`
	Platform     string   `json:"platform"`
	Capabilities []string `json:"capabilities"`
}

// EntityInfo acknowledges INIT_ENTITY and assigns the session id.
// A status of ERROR reports that the entity could not be initialized.
type EntityInfo struct {
	SessionID string `json:"session_id"`
	EntityID  string `json:"entity_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

type UtteranceKind string

const (
	UtteranceText  UtteranceKind = "text"
	UtteranceAudio UtteranceKind = "audio"
	UtteranceImage UtteranceKind = "image"
)

// Utterance is one chat message in either direction. Audio and image bytes
// travel base64-encoded.
type Utterance struct {
	EntityID      string        `json:"entity_id"`
	Content       string        `json:"content"`
	Type          UtteranceKind `json:"type"`
	MessageID     string        `json:"message_id,omitempty"`
	Audio         string        `json:"audio,omitempty"`
	AudioType     string        `json:"audio_type,omitempty"`
	AudioDuration float64       `json:"audio_duration,omitempty"`
	ImageData     string        `json:"image_data,omitempty"`
	ImageMimeType string        `json:"image_mime_type,omitempty"`
	TimestampMS   int64         `json:"timestamp_ms,omitempty"`
}

type SessionEnd struct {
	SessionID string `json:"session_id"`
}

// Indicator is shared by TYPING_INDICATOR and RECORDING_INDICATOR.
type Indicator struct {
	EntityID    string `json:"entity_id"`
	IsTyping    bool   `json:"is_typing,omitempty"`
	IsRecording bool   `json:"is_recording,omitempty"`
}

// Active returns the flag relevant to t.
func (i Indicator) Active(t EventType) bool {
	if t == TypeRecordingIndicator {
		return i.IsRecording
	}
	return i.IsTyping
}

// SyncHello is the payload of SYNC_REQUEST and SYNC_ACCEPT.
type SyncHello struct {
	DeviceIdentity
	SyncSessionID string `json:"sync_session_id"`
	CurrentTimeMS int64  `json:"current_time"`
	LastSyncMS    int64  `json:"last_sync_time"`
	Message       string `json:"message,omitempty"`
}

type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func (o Operation) Valid() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Record is one replicated row. Data is the table-specific JSON object.
type Record struct {
	ID          string          `json:"id"`
	Data        json.RawMessage `json:"data,omitempty"`
	CreatedAtMS int64           `json:"created_at"`
	UpdatedAtMS int64           `json:"updated_at"`
	DeletedAtMS int64           `json:"deleted_at,omitempty"`
}

type SyncData struct {
	SyncSessionID string    `json:"sync_session_id"`
	Table         string    `json:"table"`
	Operation     Operation `json:"operation"`
	Record        Record    `json:"record"`
}

func (d SyncData) Validate() error {
	if strings.TrimSpace(d.Table) == "" {
		return fmt.Errorf("%w: sync data missing table", ErrInvalidPayload)
	}
	if !d.Operation.Valid() {
		return fmt.Errorf("%w: sync data operation %q", ErrInvalidPayload, d.Operation)
	}
	if strings.TrimSpace(d.Record.ID) == "" {
		return fmt.Errorf("%w: sync data missing record id", ErrInvalidPayload)
	}
	return nil
}

// SyncDataConfirm acknowledges one SYNC_DATA. The envelope event_id and
// EventID both echo the confirmed event.
type SyncDataConfirm struct {
	EventID string `json:"event_id"`
	Message string `json:"message,omitempty"`
}

// SyncMarker is the payload of SYNC_COMPLETE and SYNC_FINALIZE.
type SyncMarker struct {
	SyncSessionID string `json:"sync_session_id"`
}
