package entity

import (
	"context"
	"encoding/base64"
	"fmt"
	"slices"
	"strings"
	"time"

	logs "github.com/danmuck/linkctl/internal/logging"
	"github.com/danmuck/linkctl/internal/notify"
	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/registry"
)

const connPrefix = "entity-"

func (m *Manager) handleConnEvent(id string, ev protocol.Event) {
	m.HandleEntityEvent(context.Background(), strings.TrimPrefix(id, connPrefix), ev)
}

// HandleEntityEvent routes one inbound event for entityID. Events for
// entities without a dual session are dropped.
func (m *Manager) HandleEntityEvent(ctx context.Context, entityID string, ev protocol.Event) {
	m.mu.Lock()
	var (
		ds  *DualSession
		leg *Session
	)
	for _, candidate := range m.sessions {
		if l := candidate.leg(entityID); l != nil {
			ds, leg = candidate, l
			break
		}
	}
	if ds == nil {
		m.mu.Unlock()
		logs.Warnf("entity.Manager.HandleEntityEvent entity=%q type=%s unknown entity, dropped", entityID, ev.Type)
		return
	}
	leg.LastActivity = m.clock.Now()
	partnerID := ds.PartnerEntityID
	m.mu.Unlock()

	switch ev.Type {
	case protocol.TypeEntityInfo:
		m.handleInfo(ds, leg, ev)
	case protocol.TypeEntityUtterance:
		m.handleUtterance(ctx, ds, entityID, ev)
	case protocol.TypeTypingIndicator, protocol.TypeRecordingIndicator:
		var ind protocol.Indicator
		if err := ev.Decode(&ind); err != nil {
			logs.Warnf("entity.Manager.HandleEntityEvent entity=%q drop indicator err=%v", entityID, err)
			return
		}
		source := ind.EntityID
		if source == "" {
			source = entityID
		}
		out := notify.Indicator{PartnerID: partnerID, EntityID: source, Active: ind.Active(ev.Type)}
		if ev.Type == protocol.TypeTypingIndicator {
			m.bus.Typing(out)
		} else {
			m.bus.Recording(out)
		}
	case protocol.TypeEntitySessionEnd:
		logs.Infof("entity.Manager.HandleEntityEvent entity=%q partner=%q session ended by host", entityID, partnerID)
		m.markDisconnected(ds, leg, ErrLegClosed)
	default:
		logs.Debugf("entity.Manager.HandleEntityEvent entity=%q drop unexpected type=%s", entityID, ev.Type)
	}
}

func (m *Manager) handleInfo(ds *DualSession, leg *Session, ev protocol.Event) {
	var info protocol.EntityInfo
	if err := ev.Decode(&info); err != nil {
		logs.Warnf("entity.Manager.handleInfo entity=%q drop err=%v", leg.EntityID, err)
		return
	}
	if ev.Status == protocol.StatusError {
		reason := info.Message
		if reason == "" {
			reason = "entity init refused"
		}
		m.fail(ds.PartnerEntityID, fmt.Errorf("%w: %s: %s", ErrEntityNotFound, leg.EntityID, reason))
		return
	}

	m.mu.Lock()
	if m.sessions[ds.PartnerEntityID] != ds {
		m.mu.Unlock()
		return
	}
	leg.SessionID = info.SessionID
	leg.Status = StatusActive
	fire := ds.active() && !ds.started
	if fire {
		ds.started = true
	}
	started := notify.SessionStarted{PartnerID: ds.PartnerEntityID, ImpersonatedID: ds.ImpersonatedEntityID}
	m.mu.Unlock()

	logs.Infof("entity.Manager.handleInfo entity=%q session_id=%q active", leg.EntityID, info.SessionID)
	if fire {
		logs.Infof("entity.Manager partner=%q user=%q dual session started", started.PartnerID, started.ImpersonatedID)
		m.bus.SessionStarted(started)
	}
}

func (m *Manager) handleUtterance(ctx context.Context, ds *DualSession, entityID string, ev protocol.Event) {
	var u protocol.Utterance
	if err := ev.Decode(&u); err != nil {
		logs.Warnf("entity.Manager.handleUtterance entity=%q drop err=%v", entityID, err)
		return
	}
	if u.MessageID == "" {
		u.MessageID = ev.EventID
	}
	if u.MessageID == "" {
		logs.Warnf("entity.Manager.handleUtterance entity=%q drop utterance without id", entityID)
		return
	}

	var (
		attachment []byte
		err        error
	)
	switch {
	case u.Audio != "":
		attachment, err = base64.StdEncoding.DecodeString(u.Audio)
	case u.ImageData != "":
		attachment, err = base64.StdEncoding.DecodeString(u.ImageData)
	}
	if err != nil {
		logs.Warnf("entity.Manager.handleUtterance entity=%q message_id=%q drop bad attachment err=%v", entityID, u.MessageID, err)
		return
	}

	at := m.clock.Now()
	if u.TimestampMS > 0 {
		at = time.UnixMilli(u.TimestampMS)
	}
	sender := u.EntityID
	if sender == "" {
		sender = entityID
	}
	msg := messageFrom(u, ds.PartnerEntityID, sender, attachment, at)

	if m.messages != nil {
		wrote, err := m.messages.SaveMessage(ctx, msg)
		if err != nil {
			logs.Errorf("entity.Manager.handleUtterance message_id=%q persist err=%v", msg.ID, err)
			return
		}
		if !wrote {
			logs.Debugf("entity.Manager.handleUtterance message_id=%q duplicate, ignored", msg.ID)
			return
		}
	}
	m.bus.MessageReceived(msg)
}

func (m *Manager) handleConnClosed(c registry.Closure) {
	if c.Requested {
		return
	}
	entityID := strings.TrimPrefix(c.ID, connPrefix)
	m.mu.Lock()
	var (
		ds  *DualSession
		leg *Session
	)
	for _, candidate := range m.sessions {
		if l := candidate.leg(entityID); l != nil && l.ConnectionID == c.ID {
			ds, leg = candidate, l
			break
		}
	}
	m.mu.Unlock()
	if ds == nil {
		return
	}
	cause := ErrLegClosed
	if c.Err != nil {
		cause = fmt.Errorf("%w: %w", ErrLegClosed, c.Err)
	}
	m.markDisconnected(ds, leg, cause)
}

func (m *Manager) markDisconnected(ds *DualSession, leg *Session, cause error) {
	m.mu.Lock()
	if m.sessions[ds.PartnerEntityID] != ds {
		m.mu.Unlock()
		return
	}
	leg.Status = StatusDisconnected
	m.mu.Unlock()
	logs.Warnf("entity.Manager leg=%q partner=%q disconnected err=%v", leg.EntityID, ds.PartnerEntityID, cause)
	m.fail(ds.PartnerEntityID, cause)
}

func (m *Manager) fail(partnerID string, err error) {
	m.mu.Lock()
	handlers := slices.Clone(m.onFailure)
	m.mu.Unlock()
	for _, fn := range handlers {
		fn(partnerID, err)
	}
}
