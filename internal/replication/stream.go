package replication

import (
	"fmt"

	logs "github.com/danmuck/linkctl/internal/logging"
	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/registry"
	"github.com/danmuck/linkctl/internal/store"
)

// stream sends every changed row after the watermark, one SYNC_DATA at a
// time, then SYNC_COMPLETE. A failed or unconfirmed record is counted
// and streaming moves on.
func (e *Engine) stream(sess *SyncSession) {
	e.mu.Lock()
	if e.current != sess {
		e.mu.Unlock()
		return
	}
	e.state = StateStreaming
	watermark := e.watermark
	e.mu.Unlock()

	for _, table := range e.cfg.Tables {
		changes, err := e.storage.ChangedSince(e.ctx, table, watermark)
		if err != nil {
			e.fail(sess, fmt.Errorf("replication: read %s: %w", table, err))
			return
		}
		logs.Debugf("replication.Engine.stream session=%q table=%s changes=%d", sess.SessionID, table, len(changes))
		for _, c := range changes {
			if !e.isCurrent(sess) {
				return
			}
			ok := e.sendRecord(sess, c)
			e.mu.Lock()
			if ok {
				sess.RecordsSent++
			} else {
				sess.RecordsFailed++
			}
			e.mu.Unlock()
			e.progress(sess, table)
		}
	}

	e.mu.Lock()
	if e.current != sess {
		e.mu.Unlock()
		return
	}
	e.state = StateCompleteSent
	e.armLocked(sess, ErrFinalizeTimeout)
	e.mu.Unlock()

	ev, err := protocol.NewEvent(protocol.TypeSyncComplete, protocol.SyncMarker{SyncSessionID: sess.SessionID})
	if err == nil {
		err = e.links.Send(e.ctx, registry.LinkID, ev)
	}
	if err != nil {
		e.fail(sess, fmt.Errorf("replication: send SYNC_COMPLETE: %w", err))
		return
	}
	logs.Infof("replication.Engine.stream session=%q complete sent=%d failed=%d", sess.SessionID, sess.RecordsSent, sess.RecordsFailed)
}

// sendRecord sends one change and waits for its confirmation or timeout.
func (e *Engine) sendRecord(sess *SyncSession, c store.Change) bool {
	ev, err := protocol.NewEvent(protocol.TypeSyncData, protocol.SyncData{
		SyncSessionID: sess.SessionID,
		Table:         c.Table,
		Operation:     c.Operation,
		Record:        c.Record,
	})
	if err != nil {
		logs.Warnf("replication.Engine.sendRecord table=%s id=%q build err=%v", c.Table, c.Record.ID, err)
		return false
	}
	result := e.confirms.Expect(ev.EventID, e.cfg.ConfirmTimeout)
	if err := e.links.Send(e.ctx, registry.LinkID, ev); err != nil {
		e.confirms.Resolve(ev.EventID, false)
		<-result
		logs.Warnf("replication.Engine.sendRecord table=%s id=%q send err=%v", c.Table, c.Record.ID, err)
		return false
	}
	ok := <-result
	if !ok {
		logs.Warnf("replication.Engine.sendRecord table=%s id=%q event=%q not confirmed", c.Table, c.Record.ID, ev.EventID)
	}
	return ok
}

func (e *Engine) isCurrent(sess *SyncSession) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current == sess
}
