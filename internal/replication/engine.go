// Package replication drives the sync cycle over the general link:
// SYNC_REQUEST, per-record SYNC_DATA with one confirmation in flight,
// SYNC_COMPLETE and SYNC_FINALIZE. It also answers a cycle started by the
// link host and applies the records the host pushes.
package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danmuck/linkctl/internal/clock"
	logs "github.com/danmuck/linkctl/internal/logging"
	"github.com/danmuck/linkctl/internal/notify"
	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/protocol/session"
	"github.com/danmuck/linkctl/internal/registry"
	"github.com/danmuck/linkctl/internal/store"
)

var (
	ErrSyncInProgress   = errors.New("replication: sync already in progress")
	ErrLinkNotConnected = errors.New("replication: link connection not connected")
	ErrAcceptTimeout    = errors.New("replication: no SYNC_ACCEPT before timeout")
	ErrFinalizeTimeout  = errors.New("replication: no SYNC_FINALIZE before timeout")
	ErrCompleteTimeout  = errors.New("replication: host went quiet before SYNC_COMPLETE")
	ErrRejected         = errors.New("replication: sync rejected by host")
	ErrLinkLost         = errors.New("replication: link closed during sync")
	ErrStopped          = errors.New("replication: engine closed")
)

// State is the position of the local cycle.
type State string

const (
	StateIdle          State = "idle"
	StateHandshakeSent State = "handshake_sent"
	StateAccepted      State = "accepted"
	StateStreaming     State = "streaming"
	StateCompleteSent  State = "complete_sent"
	StateFinalized     State = "finalized"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Role tells a cycle this device started from one the host started.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// SyncSession is one replication cycle. At most one is active.
type SyncSession struct {
	SessionID       string
	DeviceID        string
	Role            Role
	StartTime       time.Time
	Status          Status
	RecordsSent     int
	RecordsReceived int
	RecordsFailed   int
	Err             error
}

func (s *SyncSession) active() bool {
	return s != nil && (s.Status == StatusPending || s.Status == StatusInProgress)
}

// Links is the slice of the connection registry the engine rides on.
type Links interface {
	Send(ctx context.Context, id string, ev protocol.Event) error
	IsConnected(id string) bool
	Subscribe(kind registry.Kind, h registry.Handlers)
}

// Storage is the replica store.
type Storage interface {
	ChangedSince(ctx context.Context, table string, watermark time.Time) ([]store.Change, error)
	Apply(ctx context.Context, c store.Change) error
}

// Watermarks persists the last completed cycle and the device identity.
type Watermarks interface {
	Watermark() (time.Time, error)
	SetWatermark(t time.Time) error
	DeviceID() (string, error)
}

type Config struct {
	// Tables are streamed in order. Empty means store.ReplicableTables.
	Tables         []string
	ConfirmTimeout time.Duration
	DeviceName     string
	DeviceType     string
	Platform       string
}

type Engine struct {
	cfg      Config
	links    Links
	storage  Storage
	marks    Watermarks
	bus      *notify.Bus
	clock    clock.Clock
	confirms *session.Confirmations

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	state     State
	current   *SyncSession
	last      *SyncSession
	watermark time.Time
	timer     clock.Timer
	timerGen  uint64
}

type Option func(*Engine)

func WithClock(clk clock.Clock) Option {
	return func(e *Engine) { e.clock = clk }
}

func New(cfg Config, links Links, storage Storage, marks Watermarks, bus *notify.Bus, opts ...Option) *Engine {
	if len(cfg.Tables) == 0 {
		cfg.Tables = store.ReplicableTables()
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = session.DefaultConfig().ConfirmTimeout
	}
	if bus == nil {
		bus = notify.NewBus()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:     cfg,
		links:   links,
		storage: storage,
		marks:   marks,
		bus:     bus,
		clock:   clock.Real(),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.confirms = session.NewConfirmations(e.clock)
	links.Subscribe(registry.KindSync, registry.Handlers{
		Event: func(id string, ev protocol.Event) {
			if id != registry.LinkID {
				return
			}
			e.HandleEvent(e.ctx, ev)
		},
		Closed: e.handleLinkClosed,
	})
	return e
}

// State returns the position of the local cycle.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Current returns a copy of the active cycle.
func (e *Engine) Current() (SyncSession, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return SyncSession{}, false
	}
	return *e.current, true
}

// Last returns a copy of the most recently ended cycle.
func (e *Engine) Last() (SyncSession, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return SyncSession{}, false
	}
	return *e.last, true
}

// Pending lists confirmations still awaited.
func (e *Engine) Pending() []session.PendingConfirmation {
	return e.confirms.List()
}

// Close abandons the active cycle. In-flight confirmations still resolve
// by their own timeouts.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	sess := e.current
	e.mu.Unlock()
	if sess != nil {
		e.fail(sess, ErrStopped)
	}
	e.cancel()
}

// InitiateSync opens a cycle: it reads the watermark and sends
// SYNC_REQUEST. Streaming starts when the host accepts.
func (e *Engine) InitiateSync(ctx context.Context) (SyncSession, error) {
	if !e.links.IsConnected(registry.LinkID) {
		return SyncSession{}, ErrLinkNotConnected
	}
	watermark, err := e.marks.Watermark()
	if err != nil {
		return SyncSession{}, fmt.Errorf("replication: read watermark: %w", err)
	}
	deviceID, err := e.marks.DeviceID()
	if err != nil {
		return SyncSession{}, fmt.Errorf("replication: device id: %w", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return SyncSession{}, ErrStopped
	}
	if e.current.active() {
		id := e.current.SessionID
		e.mu.Unlock()
		return SyncSession{}, fmt.Errorf("%w: %s", ErrSyncInProgress, id)
	}
	now := e.clock.Now()
	sess := &SyncSession{
		SessionID: uuid.NewString(),
		DeviceID:  deviceID,
		Role:      RoleInitiator,
		StartTime: now,
		Status:    StatusPending,
	}
	e.current = sess
	e.state = StateHandshakeSent
	e.watermark = watermark
	e.armLocked(sess, ErrAcceptTimeout)
	e.mu.Unlock()

	ev, err := protocol.NewEvent(protocol.TypeSyncRequest, e.hello(sess, watermark, ""))
	if err == nil {
		err = e.links.Send(ctx, registry.LinkID, ev)
	}
	if err != nil {
		e.fail(sess, err)
		return SyncSession{}, fmt.Errorf("replication: send SYNC_REQUEST: %w", err)
	}
	logs.Infof("replication.Engine.InitiateSync session=%q watermark=%d", sess.SessionID, watermark.UnixMilli())
	return *sess, nil
}

func (e *Engine) hello(sess *SyncSession, watermark time.Time, message string) protocol.SyncHello {
	last := int64(0)
	if !watermark.IsZero() {
		last = watermark.UnixMilli()
	}
	return protocol.SyncHello{
		DeviceIdentity: protocol.DeviceIdentity{
			DeviceID:   sess.DeviceID,
			DeviceName: e.cfg.DeviceName,
			DeviceType: e.cfg.DeviceType,
			Platform:   e.cfg.Platform,
		},
		SyncSessionID: sess.SessionID,
		CurrentTimeMS: e.clock.Now().UnixMilli(),
		LastSyncMS:    last,
		Message:       message,
	}
}

// armLocked starts the timer bounding the wait for the next host step.
func (e *Engine) armLocked(sess *SyncSession, cause error) {
	e.disarmLocked()
	gen := e.timerGen
	e.timer = e.clock.AfterFunc(e.cfg.ConfirmTimeout, func() {
		e.mu.Lock()
		stale := e.timerGen != gen
		if !stale {
			e.timer = nil
		}
		e.mu.Unlock()
		if stale {
			return
		}
		logs.Warnf("replication.Engine session=%q timed out err=%v", sess.SessionID, cause)
		e.fail(sess, cause)
	})
}

func (e *Engine) disarmLocked() {
	e.timerGen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) handleLinkClosed(c registry.Closure) {
	if c.ID != registry.LinkID {
		return
	}
	e.mu.Lock()
	sess := e.current
	e.mu.Unlock()
	if sess.active() {
		err := ErrLinkLost
		if c.Err != nil {
			err = fmt.Errorf("%w: %w", ErrLinkLost, c.Err)
		}
		e.fail(sess, err)
	}
}

// fail ends sess terminally. It is a no-op once sess is no longer current.
func (e *Engine) fail(sess *SyncSession, err error) {
	e.mu.Lock()
	if e.current != sess {
		e.mu.Unlock()
		return
	}
	e.disarmLocked()
	sess.Status = StatusFailed
	sess.Err = err
	e.current = nil
	e.last = sess
	e.state = StateIdle
	e.mu.Unlock()

	logs.Errorf("replication.Engine session=%q failed sent=%d received=%d failed=%d err=%v",
		sess.SessionID, sess.RecordsSent, sess.RecordsReceived, sess.RecordsFailed, err)
	e.bus.SyncError(notify.SyncError{SessionID: sess.SessionID, Err: err})
}

func (e *Engine) complete(sess *SyncSession) {
	e.mu.Lock()
	if e.current != sess {
		e.mu.Unlock()
		return
	}
	e.disarmLocked()
	sess.Status = StatusCompleted
	e.current = nil
	e.last = sess
	if sess.Role == RoleInitiator {
		e.state = StateFinalized
	}
	done := *sess
	e.mu.Unlock()

	logs.Infof("replication.Engine session=%q completed role=%s sent=%d received=%d failed=%d",
		done.SessionID, done.Role, done.RecordsSent, done.RecordsReceived, done.RecordsFailed)
	e.bus.SyncCompleted(notify.SyncCompleted{
		SessionID:       done.SessionID,
		RecordsSent:     done.RecordsSent,
		RecordsFailed:   done.RecordsFailed,
		RecordsReceived: done.RecordsReceived,
	})
}

func (e *Engine) progress(sess *SyncSession, table string) {
	e.mu.Lock()
	p := notify.SyncProgress{
		SessionID:       sess.SessionID,
		Table:           table,
		RecordsSent:     sess.RecordsSent,
		RecordsFailed:   sess.RecordsFailed,
		RecordsReceived: sess.RecordsReceived,
	}
	e.mu.Unlock()
	e.bus.SyncProgress(p)
}

func marshalPayload(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidPayload, err)
	}
	return raw, nil
}
