package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/danmuck/linkctl/internal/protocol"
)

var ErrInvalidMessage = errors.New("store: invalid message")

// Message is one persisted chat utterance. Attachment bytes stay local and
// are not part of the replicated row data.
type Message struct {
	ID             string                 `json:"id"`
	PartnerID      string                 `json:"partner_id"`
	SenderID       string                 `json:"sender_id"`
	Kind           protocol.UtteranceKind `json:"type"`
	Content        string                 `json:"content"`
	AttachmentMIME string                 `json:"attachment_mime,omitempty"`
	AudioDuration  float64                `json:"audio_duration,omitempty"`
	Outbound       bool                   `json:"outbound"`
	CreatedAt      time.Time              `json:"-"`
	Attachment     []byte                 `json:"-"`
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.PartnerID) == "" {
		return fmt.Errorf("%w: missing partner id", ErrInvalidMessage)
	}
	return nil
}

// MessageExists reports whether a message with id is stored.
func (s *Store) MessageExists(ctx context.Context, id string) (bool, error) {
	_, found, err := s.Get(ctx, TableChatMessages, id)
	return found, err
}

// SaveMessage stores m unless a message with the same id exists. It
// reports whether a row was written.
func (s *Store) SaveMessage(ctx context.Context, m Message) (bool, error) {
	if err := m.Validate(); err != nil {
		return false, err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return false, fmt.Errorf("store: encode message: %w", err)
	}
	data, err := jcs.Transform(raw)
	if err != nil {
		return false, fmt.Errorf("store: canonicalize message: %w", err)
	}
	created := m.CreatedAt
	if created.IsZero() {
		created = s.clock.Now()
	}
	ms := created.UnixMilli()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("store: save message: %w", err)
	}
	defer s.pool.Put(conn)

	var attachment any
	if len(m.Attachment) > 0 {
		attachment = m.Attachment
	}
	err = sqlitex.Execute(conn, `INSERT INTO chat_messages (id, data, created_at, updated_at, deleted_at, attachment)
		VALUES (?, ?, ?, ?, NULL, ?)
		ON CONFLICT(id) DO NOTHING`,
		&sqlitex.ExecOptions{Args: []any{m.ID, string(data), ms, ms, attachment}})
	if err != nil {
		return false, fmt.Errorf("store: save message %s: %w", m.ID, err)
	}
	return conn.Changes() > 0, nil
}

// Messages lists the live messages exchanged with partnerID, oldest first.
func (s *Store) Messages(ctx context.Context, partnerID string) ([]Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: messages: %w", err)
	}
	defer s.pool.Put(conn)

	var out []Message
	err = sqlitex.Execute(conn, `SELECT data, created_at, attachment FROM chat_messages
		WHERE partner_id = ? AND deleted_at IS NULL
		ORDER BY created_at, id`,
		&sqlitex.ExecOptions{
			Args: []any{partnerID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var m Message
				if err := json.Unmarshal([]byte(stmt.ColumnText(0)), &m); err != nil {
					return fmt.Errorf("decode message: %w", err)
				}
				m.CreatedAt = time.UnixMilli(stmt.ColumnInt64(1))
				if n := stmt.ColumnLen(2); n > 0 {
					m.Attachment = make([]byte, n)
					stmt.ColumnBytes(2, m.Attachment)
				}
				out = append(out, m)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: messages %s: %w", partnerID, err)
	}
	return out, nil
}
