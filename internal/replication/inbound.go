package replication

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	logs "github.com/danmuck/linkctl/internal/logging"
	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/registry"
	"github.com/danmuck/linkctl/internal/store"
)

// HandleEvent processes one event from the general link. Events outside
// the sync catalogue and events for another cycle are dropped.
func (e *Engine) HandleEvent(ctx context.Context, ev protocol.Event) {
	switch ev.Type {
	case protocol.TypeSyncRequest:
		e.handleRequest(ctx, ev)
	case protocol.TypeSyncAccept:
		e.handleAccept(ev)
	case protocol.TypeSyncData:
		e.handleData(ctx, ev)
	case protocol.TypeSyncDataConfirm:
		e.handleConfirm(ev)
	case protocol.TypeSyncComplete:
		e.handleComplete(ctx, ev)
	case protocol.TypeSyncFinalize:
		e.handleFinalize(ev)
	default:
		logs.Tracef("replication.Engine.HandleEvent ignore type=%s", ev.Type)
	}
}

// handleRequest answers a cycle started by the host. A busy engine
// answers with an ERROR accept.
func (e *Engine) handleRequest(ctx context.Context, ev protocol.Event) {
	var req protocol.SyncHello
	if err := ev.Decode(&req); err != nil {
		logs.Warnf("replication.Engine.handleRequest drop err=%v", err)
		return
	}
	deviceID, err := e.marks.DeviceID()
	if err != nil {
		logs.Errorf("replication.Engine.handleRequest device id err=%v", err)
		return
	}
	watermark, err := e.marks.Watermark()
	if err != nil {
		logs.Errorf("replication.Engine.handleRequest watermark err=%v", err)
		return
	}
	sessionID := req.SyncSessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	e.mu.Lock()
	busy := e.current.active() || e.closed
	sess := &SyncSession{
		SessionID: sessionID,
		DeviceID:  deviceID,
		Role:      RoleResponder,
		StartTime: e.clock.Now(),
		Status:    StatusInProgress,
	}
	if !busy {
		e.current = sess
		e.armLocked(sess, ErrCompleteTimeout)
	}
	e.mu.Unlock()

	status := protocol.StatusSuccess
	message := ""
	if busy {
		status = protocol.StatusError
		message = ErrSyncInProgress.Error()
	}
	reply, err := protocol.NewEventWithStatus(protocol.TypeSyncAccept, status, e.hello(sess, watermark, message))
	if err == nil {
		err = e.links.Send(ctx, registry.LinkID, reply)
	}
	if err != nil {
		logs.Warnf("replication.Engine.handleRequest session=%q send accept err=%v", sessionID, err)
		if !busy {
			e.fail(sess, err)
		}
		return
	}
	logs.Infof("replication.Engine.handleRequest session=%q device=%q busy=%t", sessionID, req.DeviceID, busy)
}

func (e *Engine) handleAccept(ev protocol.Event) {
	var acc protocol.SyncHello
	if err := ev.Decode(&acc); err != nil {
		logs.Warnf("replication.Engine.handleAccept drop err=%v", err)
		return
	}
	e.mu.Lock()
	sess := e.current
	if sess == nil || e.state != StateHandshakeSent || (acc.SyncSessionID != "" && acc.SyncSessionID != sess.SessionID) {
		e.mu.Unlock()
		logs.Warnf("replication.Engine.handleAccept unexpected session=%q state=%s", acc.SyncSessionID, e.State())
		return
	}
	if ev.Status == protocol.StatusError {
		e.mu.Unlock()
		e.fail(sess, fmt.Errorf("%w: %s", ErrRejected, acc.Message))
		return
	}
	e.disarmLocked()
	e.state = StateAccepted
	sess.Status = StatusInProgress
	e.mu.Unlock()

	logs.Infof("replication.Engine.handleAccept session=%q host_time=%d", sess.SessionID, acc.CurrentTimeMS)
	go e.stream(sess)
}

// handleData applies one pushed record and confirms it. Apply failures
// are confirmed as ERROR and never end the cycle.
func (e *Engine) handleData(ctx context.Context, ev protocol.Event) {
	var data protocol.SyncData
	err := ev.Decode(&data)
	if err == nil {
		err = data.Validate()
	}
	if err == nil {
		err = e.storage.Apply(ctx, store.Change{Table: data.Table, Operation: data.Operation, Record: data.Record})
	}

	e.mu.Lock()
	sess := e.current
	if sess != nil {
		if err == nil {
			sess.RecordsReceived++
		} else {
			sess.RecordsFailed++
		}
		if sess.Role == RoleResponder {
			e.armLocked(sess, ErrCompleteTimeout)
		}
	}
	e.mu.Unlock()

	status := protocol.StatusSuccess
	confirm := protocol.SyncDataConfirm{EventID: ev.EventID}
	if err != nil {
		status = protocol.StatusError
		confirm.Message = err.Error()
		logs.Warnf("replication.Engine.handleData event=%q table=%s id=%q apply err=%v", ev.EventID, data.Table, data.Record.ID, err)
	}
	reply := protocol.Event{EventID: ev.EventID, Type: protocol.TypeSyncDataConfirm, Status: status}
	if reply.Payload, err = marshalPayload(confirm); err != nil {
		logs.Errorf("replication.Engine.handleData confirm build err=%v", err)
		return
	}
	if err := e.links.Send(ctx, registry.LinkID, reply); err != nil {
		logs.Warnf("replication.Engine.handleData event=%q confirm err=%v", ev.EventID, err)
	}
	if sess != nil {
		e.progress(sess, data.Table)
	}
}

func (e *Engine) handleConfirm(ev protocol.Event) {
	var confirm protocol.SyncDataConfirm
	if err := ev.Decode(&confirm); err != nil {
		logs.Warnf("replication.Engine.handleConfirm drop err=%v", err)
		return
	}
	id := confirm.EventID
	if id == "" {
		id = ev.EventID
	}
	ok := ev.Status == protocol.StatusSuccess
	if !e.confirms.Resolve(id, ok) {
		logs.Debugf("replication.Engine.handleConfirm event=%q not pending", id)
		return
	}
	if !ok {
		logs.Warnf("replication.Engine.handleConfirm event=%q host error=%q", id, confirm.Message)
	}
}

// handleComplete finalizes a cycle the host started.
func (e *Engine) handleComplete(ctx context.Context, ev protocol.Event) {
	var marker protocol.SyncMarker
	if err := ev.Decode(&marker); err != nil {
		logs.Warnf("replication.Engine.handleComplete drop err=%v", err)
		return
	}
	e.mu.Lock()
	sess := e.current
	e.mu.Unlock()
	if sess == nil || sess.Role != RoleResponder || sess.SessionID != marker.SyncSessionID {
		logs.Warnf("replication.Engine.handleComplete unexpected session=%q", marker.SyncSessionID)
		return
	}
	reply, err := protocol.NewEvent(protocol.TypeSyncFinalize, protocol.SyncMarker{SyncSessionID: sess.SessionID})
	if err == nil {
		err = e.links.Send(ctx, registry.LinkID, reply)
	}
	if err != nil {
		e.fail(sess, fmt.Errorf("replication: send SYNC_FINALIZE: %w", err))
		return
	}
	e.complete(sess)
}

// handleFinalize ends the local cycle and moves the watermark to the
// cycle start.
func (e *Engine) handleFinalize(ev protocol.Event) {
	var marker protocol.SyncMarker
	if err := ev.Decode(&marker); err != nil {
		logs.Warnf("replication.Engine.handleFinalize drop err=%v", err)
		return
	}
	e.mu.Lock()
	sess := e.current
	state := e.state
	e.mu.Unlock()
	if sess == nil || state != StateCompleteSent || (marker.SyncSessionID != "" && marker.SyncSessionID != sess.SessionID) {
		logs.Warnf("replication.Engine.handleFinalize unexpected session=%q state=%s", marker.SyncSessionID, state)
		return
	}
	if err := e.marks.SetWatermark(sess.StartTime); err != nil {
		e.fail(sess, fmt.Errorf("replication: persist watermark: %w", err))
		return
	}
	e.complete(sess)
}
