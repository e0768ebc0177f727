package entity

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danmuck/linkctl/internal/clock"
	"github.com/danmuck/linkctl/internal/credstore"
	logs "github.com/danmuck/linkctl/internal/logging"
	"github.com/danmuck/linkctl/internal/notify"
	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/protocol/session"
	"github.com/danmuck/linkctl/internal/registry"
	"github.com/danmuck/linkctl/internal/store"
	"github.com/danmuck/linkctl/internal/transport"
)

// Links is the slice of the connection registry the manager drives.
type Links interface {
	CreateConnection(ctx context.Context, id string, kind registry.Kind, target transport.Target) error
	Send(ctx context.Context, id string, ev protocol.Event) error
	Disconnect(id string)
	IsConnected(id string) bool
	Subscribe(kind registry.Kind, h registry.Handlers)
}

// Credentials resolves the link endpoint and security posture.
type Credentials interface {
	Credential() (credstore.Credential, bool, error)
	SecurityMode() session.SecurityMode
	DeviceID() (string, error)
}

// Messages persists chat messages. SaveMessage reports false for a
// message id that is already stored.
type Messages interface {
	SaveMessage(ctx context.Context, m store.Message) (bool, error)
}

// Player is the audio playback collaborator stopped with a session.
type Player interface {
	StopPlayback()
}

type Config struct {
	// UserEntityID is impersonated when StartDualSession gets none.
	UserEntityID string
	DeviceType   string
	Platform     string
}

type Manager struct {
	cfg      Config
	links    Links
	creds    Credentials
	messages Messages
	bus      *notify.Bus
	clock    clock.Clock
	player   Player

	mu        sync.Mutex
	sessions  map[string]*DualSession
	onFailure []func(partnerID string, err error)
}

type Option func(*Manager)

func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

func WithPlayer(p Player) Option {
	return func(m *Manager) { m.player = p }
}

func NewManager(cfg Config, links Links, creds Credentials, messages Messages, bus *notify.Bus, opts ...Option) *Manager {
	if bus == nil {
		bus = notify.NewBus()
	}
	m := &Manager{
		cfg:      cfg,
		links:    links,
		creds:    creds,
		messages: messages,
		bus:      bus,
		clock:    clock.Real(),
		sessions: make(map[string]*DualSession),
	}
	for _, opt := range opts {
		opt(m)
	}
	links.Subscribe(registry.KindEntity, registry.Handlers{
		Event:  m.handleConnEvent,
		Closed: m.handleConnClosed,
	})
	return m
}

// OnLegFailure registers fn for failures detected after a dual session
// was started: an ERROR ENTITY_INFO or a leg closing underneath it.
func (m *Manager) OnLegFailure(fn func(partnerID string, err error)) {
	m.mu.Lock()
	m.onFailure = append(m.onFailure, fn)
	m.mu.Unlock()
}

// StartDualSession opens both legs for partnerID. It returns the existing
// dual session unchanged when one is already registered for the partner.
// The returned legs are connecting until ENTITY_INFO arrives on each.
func (m *Manager) StartDualSession(ctx context.Context, partnerID, impersonatedID string) (*DualSession, error) {
	partnerID = strings.TrimSpace(partnerID)
	impersonatedID = strings.TrimSpace(impersonatedID)
	if impersonatedID == "" {
		impersonatedID = m.cfg.UserEntityID
	}
	if partnerID == "" || impersonatedID == "" {
		return nil, fmt.Errorf("%w: partner=%q user=%q", ErrInvalidEntity, partnerID, impersonatedID)
	}
	if partnerID == impersonatedID {
		return nil, fmt.Errorf("%w: partner and user are both %q", ErrInvalidEntity, partnerID)
	}
	if !m.links.IsConnected(registry.LinkID) {
		return nil, ErrLinkNotConnected
	}

	m.mu.Lock()
	if ds, ok := m.sessions[partnerID]; ok {
		m.mu.Unlock()
		logs.Debugf("entity.Manager.StartDualSession partner=%q already registered", partnerID)
		return ds, nil
	}
	if owner := m.ownerLocked(partnerID, impersonatedID); owner != "" {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrEntityInUse, owner)
	}
	m.mu.Unlock()

	cred, ok, err := m.creds.Credential()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoCredential
	}
	deviceID, err := m.creds.DeviceID()
	if err != nil {
		return nil, err
	}
	mode := m.creds.SecurityMode()
	target := transport.Target{Endpoint: cred.Endpoint, Mode: mode, Token: cred.Token}
	if mode == session.SecurityModeTrustedPinned {
		target.PinnedCertPEM = cred.Certificate
	}

	now := m.clock.Now()
	ds := &DualSession{
		User:                 newLeg(impersonatedID, now),
		Partner:              newLeg(partnerID, now),
		PartnerEntityID:      partnerID,
		ImpersonatedEntityID: impersonatedID,
	}

	m.mu.Lock()
	if existing, ok := m.sessions[partnerID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.sessions[partnerID] = ds
	m.mu.Unlock()

	logs.Infof("entity.Manager.StartDualSession partner=%q user=%q endpoint=%q mode=%s", partnerID, impersonatedID, target.Endpoint, mode)
	for _, leg := range ds.legs() {
		if err := m.openLeg(ctx, leg, target, deviceID); err != nil {
			logs.Warnf("entity.Manager.StartDualSession partner=%q leg=%q err=%v", partnerID, leg.EntityID, err)
			m.abandon(ds)
			return nil, err
		}
	}
	return ds, nil
}

func newLeg(entityID string, now time.Time) *Session {
	return &Session{
		ConnectionID: registry.EntityConnID(entityID),
		EntityID:     entityID,
		Capabilities: Capabilities(),
		Status:       StatusConnecting,
		LastActivity: now,
	}
}

// ownerLocked returns the partner whose dual session already uses one of
// the given entities as a leg.
func (m *Manager) ownerLocked(entityIDs ...string) string {
	for partner, ds := range m.sessions {
		for _, id := range entityIDs {
			if ds.leg(id) != nil {
				return partner
			}
		}
	}
	return ""
}

func (m *Manager) openLeg(ctx context.Context, leg *Session, target transport.Target, deviceID string) error {
	if err := m.links.CreateConnection(ctx, leg.ConnectionID, registry.KindEntity, target); err != nil {
		return err
	}
	ev, err := protocol.NewEvent(protocol.TypeInitEntity, protocol.InitEntity{
		EntityID:     leg.EntityID,
		DeviceType:   m.cfg.DeviceType,
		DeviceID:     deviceID,
		Platform:     m.cfg.Platform,
		Capabilities: Capabilities(),
	})
	if err != nil {
		return err
	}
	if err := m.links.Send(ctx, leg.ConnectionID, ev); err != nil {
		return err
	}
	m.touch(leg)
	return nil
}

// abandon drops ds after a failed start and closes any opened leg.
func (m *Manager) abandon(ds *DualSession) {
	m.mu.Lock()
	if m.sessions[ds.PartnerEntityID] == ds {
		delete(m.sessions, ds.PartnerEntityID)
	}
	m.mu.Unlock()
	for _, leg := range ds.legs() {
		m.links.Disconnect(leg.ConnectionID)
	}
}

func (m *Manager) touch(leg *Session) {
	m.mu.Lock()
	leg.LastActivity = m.clock.Now()
	m.mu.Unlock()
}

// IsDualSessionActive reports whether both legs for partnerID are active.
func (m *Manager) IsDualSessionActive(partnerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.sessions[partnerID]
	return ok && ds.active()
}

// Session returns a copy of the dual session for partnerID.
func (m *Manager) Session(partnerID string) (DualSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.sessions[partnerID]
	if !ok {
		return DualSession{}, false
	}
	return ds.snapshot(), true
}

// Partners lists partners with a registered dual session.
func (m *Manager) Partners() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// StopSession ends the dual session for partnerID. Each open leg gets
// ENTITY_SESSION_END and is disconnected; failures are tolerated. The
// session is removed and SessionStopped fires regardless.
func (m *Manager) StopSession(ctx context.Context, partnerID string) error {
	if err := m.teardown(ctx, partnerID); err != nil {
		return err
	}
	logs.Infof("entity.Manager.StopSession partner=%q stopped", partnerID)
	m.bus.SessionStopped(notify.SessionStopped{PartnerID: partnerID})
	return nil
}

// DiscardSession tears down the legs for partnerID like StopSession but
// raises no session:stopped notification. The supervisor uses it between
// retry attempts.
func (m *Manager) DiscardSession(ctx context.Context, partnerID string) error {
	if err := m.teardown(ctx, partnerID); err != nil {
		return err
	}
	logs.Debugf("entity.Manager.DiscardSession partner=%q discarded", partnerID)
	return nil
}

func (m *Manager) teardown(ctx context.Context, partnerID string) error {
	m.mu.Lock()
	ds, ok := m.sessions[partnerID]
	if ok {
		delete(m.sessions, partnerID)
	}
	var legs []Session
	if ok {
		for _, leg := range ds.legs() {
			legs = append(legs, *leg)
		}
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, partnerID)
	}

	if m.player != nil {
		m.player.StopPlayback()
	}
	for _, leg := range legs {
		if m.links.IsConnected(leg.ConnectionID) {
			ev, err := protocol.NewEvent(protocol.TypeEntitySessionEnd, protocol.SessionEnd{SessionID: leg.SessionID})
			if err == nil {
				err = m.links.Send(ctx, leg.ConnectionID, ev)
			}
			if err != nil {
				logs.Warnf("entity.Manager.teardown partner=%q leg=%q session end err=%v", partnerID, leg.EntityID, err)
			}
		}
		m.links.Disconnect(leg.ConnectionID)
	}
	return nil
}

// StopAll stops every dual session. The host application calls it when
// it moves to the background.
func (m *Manager) StopAll(ctx context.Context) {
	for _, partner := range m.Partners() {
		if err := m.StopSession(ctx, partner); err != nil && !errors.Is(err, ErrNoSession) {
			logs.Warnf("entity.Manager.StopAll partner=%q err=%v", partner, err)
		}
	}
}

// SendTextMessage sends a text utterance to partnerID.
func (m *Manager) SendTextMessage(ctx context.Context, partnerID, text string) (store.Message, error) {
	return m.sendUtterance(ctx, partnerID, protocol.Utterance{
		Content: text,
		Type:    protocol.UtteranceText,
	}, nil)
}

// SendAudioMessage sends an audio clip. The bytes travel base64-encoded.
func (m *Manager) SendAudioMessage(ctx context.Context, partnerID string, audio []byte, mimeType string, duration time.Duration) (store.Message, error) {
	return m.sendUtterance(ctx, partnerID, protocol.Utterance{
		Type:          protocol.UtteranceAudio,
		Audio:         base64.StdEncoding.EncodeToString(audio),
		AudioType:     mimeType,
		AudioDuration: duration.Seconds(),
	}, audio)
}

// SendImageMessage sends an image with an optional caption.
func (m *Manager) SendImageMessage(ctx context.Context, partnerID string, image []byte, mimeType, caption string) (store.Message, error) {
	return m.sendUtterance(ctx, partnerID, protocol.Utterance{
		Content:       caption,
		Type:          protocol.UtteranceImage,
		ImageData:     base64.StdEncoding.EncodeToString(image),
		ImageMimeType: mimeType,
	}, image)
}

func (m *Manager) sendUtterance(ctx context.Context, partnerID string, u protocol.Utterance, attachment []byte) (store.Message, error) {
	m.mu.Lock()
	ds, ok := m.sessions[partnerID]
	if !ok {
		m.mu.Unlock()
		return store.Message{}, fmt.Errorf("%w: %s", ErrNoSession, partnerID)
	}
	if ds.Partner.Status != StatusActive {
		status := ds.Partner.Status
		m.mu.Unlock()
		return store.Message{}, fmt.Errorf("%w: partner=%s status=%s", ErrSessionNotActive, partnerID, status)
	}
	partner := ds.Partner
	connID := partner.ConnectionID
	userID := ds.ImpersonatedEntityID
	m.mu.Unlock()

	now := m.clock.Now()
	u.EntityID = partnerID
	u.MessageID = uuid.NewString()
	u.TimestampMS = now.UnixMilli()
	ev, err := protocol.NewEvent(protocol.TypeEntityUtterance, u)
	if err != nil {
		return store.Message{}, err
	}
	if err := m.links.Send(ctx, connID, ev); err != nil {
		return store.Message{}, err
	}
	m.touch(partner)

	msg := messageFrom(u, partnerID, userID, attachment, now)
	msg.Outbound = true
	if m.messages != nil {
		if _, err := m.messages.SaveMessage(ctx, msg); err != nil {
			logs.Warnf("entity.Manager.sendUtterance partner=%q message_id=%q persist err=%v", partnerID, msg.ID, err)
		}
	}
	logs.Debugf("entity.Manager.sendUtterance partner=%q type=%s message_id=%q", partnerID, u.Type, u.MessageID)
	return msg, nil
}

func messageFrom(u protocol.Utterance, partnerID, senderID string, attachment []byte, at time.Time) store.Message {
	msg := store.Message{
		ID:         u.MessageID,
		PartnerID:  partnerID,
		SenderID:   senderID,
		Kind:       u.Type,
		Content:    u.Content,
		CreatedAt:  at,
		Attachment: attachment,
	}
	switch u.Type {
	case protocol.UtteranceAudio:
		msg.AttachmentMIME = u.AudioType
		msg.AudioDuration = u.AudioDuration
	case protocol.UtteranceImage:
		msg.AttachmentMIME = u.ImageMimeType
	}
	if msg.Kind == "" {
		msg.Kind = protocol.UtteranceText
	}
	return msg
}
