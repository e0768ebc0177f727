package entity

import (
	"errors"
	"time"
)

var (
	ErrLinkNotConnected = errors.New("entity: link connection not connected")
	ErrEntityNotFound   = errors.New("entity: entity not found")
	ErrInvalidEntity    = errors.New("entity: invalid entity id")
	ErrEntityInUse      = errors.New("entity: entity already serves another session")
	ErrNoCredential     = errors.New("entity: no stored link credential")
	ErrSessionNotActive = errors.New("entity: partner session not active")
	ErrNoSession        = errors.New("entity: no session for partner")
	ErrLegClosed        = errors.New("entity: session leg closed")
)

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusActive       Status = "active"
	StatusDisconnected Status = "disconnected"
)

// Capabilities is the fixed set announced in INIT_ENTITY.
func Capabilities() []string {
	return []string{"chat", "voice", "images"}
}

// Session is one leg. SessionID stays empty until ENTITY_INFO assigns it.
type Session struct {
	SessionID    string
	ConnectionID string
	EntityID     string
	Capabilities []string
	Status       Status
	LastActivity time.Time
}

// DualSession pairs the local actor's leg with the partner's leg. Fields
// are guarded by the owning Manager; read them through Manager.Session.
type DualSession struct {
	User                 *Session
	Partner              *Session
	PartnerEntityID      string
	ImpersonatedEntityID string

	started bool
}

// active reports whether both legs are active.
func (d *DualSession) active() bool {
	return d.User.Status == StatusActive && d.Partner.Status == StatusActive
}

func (d *DualSession) leg(entityID string) *Session {
	switch entityID {
	case d.Partner.EntityID:
		return d.Partner
	case d.User.EntityID:
		return d.User
	}
	return nil
}

func (d *DualSession) legs() []*Session {
	return []*Session{d.User, d.Partner}
}

func (d *DualSession) snapshot() DualSession {
	user := *d.User
	partner := *d.Partner
	user.Capabilities = append([]string(nil), d.User.Capabilities...)
	partner.Capabilities = append([]string(nil), d.Partner.Capabilities...)
	return DualSession{
		User:                 &user,
		Partner:              &partner,
		PartnerEntityID:      d.PartnerEntityID,
		ImpersonatedEntityID: d.ImpersonatedEntityID,
		started:              d.started,
	}
}
