// Package transport owns one duplex, message-oriented channel to a single
// link endpoint under one security mode.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	logs "github.com/danmuck/linkctl/internal/logging"
	"github.com/danmuck/linkctl/internal/protocol"
)

var (
	ErrNotOpen     = errors.New("transport: connection not open")
	ErrAlreadyUsed = errors.New("transport: connection already opened")
	ErrClosed      = errors.New("transport: connection closed")
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
	StateErrored    State = "errored"
)

// Handlers receive connection signals. Closed fires exactly once per
// connection; no Message is delivered after it. CertRejected, when
// applicable, fires immediately before Closed.
type Handlers struct {
	Opened       func()
	Closed       func(err error)
	Message      func(ev protocol.Event)
	CertRejected func(err error)
}

type Conn struct {
	id     string
	dialer Dialer

	mu         sync.Mutex
	state      State
	target     Target
	ws         WSConn
	handlers   Handlers
	cancel     context.CancelFunc
	terminated bool

	writeMu sync.Mutex
}

func New(id string, dialer Dialer, handlers Handlers) *Conn {
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	return &Conn{
		id:       id,
		dialer:   dialer,
		state:    StateIdle,
		handlers: handlers,
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Target() Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

func (c *Conn) IsOpen() bool {
	return c.State() == StateOpen
}

// Open dials target and starts the read loop. A Conn is single-use.
func (c *Conn) Open(ctx context.Context, target Target) error {
	if err := target.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyUsed
	}
	c.state = StateConnecting
	c.target = target
	c.mu.Unlock()

	logs.Debugf("transport.Conn.Open id=%q endpoint=%q mode=%s", c.id, target.Endpoint, target.Mode)
	ws, err := c.dialer.Dial(ctx, target)
	if err != nil {
		if IsCertRejected(err) && !errors.Is(err, ErrCertRejected) {
			err = fmt.Errorf("%w: %w", ErrCertRejected, err)
		}
		logs.Warnf("transport.Conn.Open id=%q endpoint=%q mode=%s err=%v", c.id, target.Endpoint, target.Mode, err)
		c.terminate(StateErrored, err)
		return err
	}

	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		_ = ws.Close(websocket.StatusNormalClosure, "closed during open")
		return ErrClosed
	}
	readCtx, cancel := context.WithCancel(context.Background())
	c.ws = ws
	c.cancel = cancel
	c.state = StateOpen
	opened := c.handlers.Opened
	c.mu.Unlock()

	logs.Infof("transport.Conn.Open id=%q endpoint=%q mode=%s open", c.id, target.Endpoint, target.Mode)
	if opened != nil {
		opened()
	}
	go c.readLoop(readCtx, ws)
	return nil
}

// Send writes one event. It fails with ErrNotOpen unless the connection is open.
func (c *Conn) Send(ctx context.Context, ev protocol.Event) error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return fmt.Errorf("%w: id=%s", ErrNotOpen, c.id)
	}
	ws := c.ws
	c.mu.Unlock()

	data, err := protocol.Marshal(ev)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	err = ws.Write(ctx, websocket.MessageText, data)
	c.writeMu.Unlock()
	if err != nil {
		if ctx.Err() == nil {
			c.terminate(StateErrored, err)
		}
		return fmt.Errorf("transport: send %s id=%s: %w", ev.Type, c.id, err)
	}
	logs.Tracef("transport.Conn.Send id=%q type=%s event_id=%q", c.id, ev.Type, ev.EventID)
	return nil
}

// Close shuts the connection and fires Closed(nil) if no terminal signal
// was delivered yet.
func (c *Conn) Close() error {
	c.terminate(StateClosed, nil)
	return nil
}

// Detach drops all handlers so that a later Close fires nothing.
func (c *Conn) Detach() {
	c.mu.Lock()
	c.handlers = Handlers{}
	c.mu.Unlock()
}

func (c *Conn) readLoop(ctx context.Context, ws WSConn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				c.terminate(StateClosed, nil)
			default:
				c.terminate(StateErrored, err)
			}
			return
		}
		ev, err := protocol.Unmarshal(data)
		if err != nil {
			logs.Warnf("transport.Conn.readLoop id=%q drop malformed event err=%v", c.id, err)
			continue
		}
		c.mu.Lock()
		deliver := c.handlers.Message
		if c.terminated {
			deliver = nil
		}
		c.mu.Unlock()
		if deliver == nil {
			if c.isTerminated() {
				return
			}
			continue
		}
		deliver(ev)
	}
}

func (c *Conn) isTerminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

func (c *Conn) terminate(state State, cause error) {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	c.state = state
	handlers := c.handlers
	cancel := c.cancel
	ws := c.ws
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}
	if cause != nil {
		logs.Infof("transport.Conn.terminate id=%q state=%s err=%v", c.id, state, cause)
	} else {
		logs.Debugf("transport.Conn.terminate id=%q state=%s", c.id, state)
	}
	if cause != nil && IsCertRejected(cause) && handlers.CertRejected != nil {
		handlers.CertRejected(cause)
	}
	if handlers.Closed != nil {
		handlers.Closed(cause)
	}
}
