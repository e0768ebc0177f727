// Package linktest provides an in-memory link host for tests: a Dialer
// whose connections record outbound events and accept scripted inbound
// ones.
package linktest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/transport"
)

const waitTimeout = 3 * time.Second

var errClosed = errors.New("linktest: connection closed")

// Dialer hands out in-memory connections. Reject, when set, is consulted
// before every dial and may fail it.
type Dialer struct {
	mu      sync.Mutex
	reject  func(target transport.Target) error
	conns   []*Conn
	changed chan struct{}
}

func NewDialer() *Dialer {
	return &Dialer{changed: make(chan struct{}, 1)}
}

func (d *Dialer) SetReject(fn func(target transport.Target) error) {
	d.mu.Lock()
	d.reject = fn
	d.mu.Unlock()
}

func (d *Dialer) Dial(ctx context.Context, target transport.Target) (transport.WSConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	reject := d.reject
	d.mu.Unlock()
	if reject != nil {
		if err := reject(target); err != nil {
			return nil, err
		}
	}
	c := &Conn{
		Target:   target,
		inbound:  make(chan inbound, 64),
		outbound: make(chan protocol.Event, 256),
		closed:   make(chan struct{}),
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	select {
	case d.changed <- struct{}{}:
	default:
	}
	return c, nil
}

// Conns returns every connection dialed so far, oldest first.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

func (d *Dialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// WaitConn blocks until the n-th (1-based) connection has been dialed.
func (d *Dialer) WaitConn(t testing.TB, n int) *Conn {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		d.mu.Lock()
		if len(d.conns) >= n {
			c := d.conns[n-1]
			d.mu.Unlock()
			return c
		}
		d.mu.Unlock()
		select {
		case <-d.changed:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for connection %d (have %d)", n, d.Count())
			return nil
		}
	}
}

// Endpoint returns the most recent connection dialed with the given
// endpoint, if any.
func (d *Dialer) Endpoint(endpoint string) *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.conns) - 1; i >= 0; i-- {
		if d.conns[i].Target.Endpoint == endpoint {
			return d.conns[i]
		}
	}
	return nil
}

type inbound struct {
	data []byte
}

// Conn is one in-memory connection as seen from the host side.
type Conn struct {
	Target transport.Target

	inbound  chan inbound
	outbound chan protocol.Event

	mu       sync.Mutex
	sent     []protocol.Event
	closed   chan struct{}
	once     sync.Once
	closeErr error
}

func (c *Conn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case msg := <-c.inbound:
		return websocket.MessageText, msg.data, nil
	case <-c.closed:
		c.mu.Lock()
		err := c.closeErr
		c.mu.Unlock()
		return 0, nil, err
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *Conn) Write(ctx context.Context, _ websocket.MessageType, p []byte) error {
	select {
	case <-c.closed:
		return errClosed
	default:
	}
	ev, err := protocol.Unmarshal(p)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, ev)
	c.mu.Unlock()
	select {
	case c.outbound <- ev:
	default:
	}
	return nil
}

func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	c.shutdown(websocket.CloseError{Code: code, Reason: reason})
	return nil
}

func (c *Conn) shutdown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		c.mu.Unlock()
		close(c.closed)
	})
}

// HangUp closes the connection from the host side with a normal closure.
func (c *Conn) HangUp() {
	c.shutdown(websocket.CloseError{Code: websocket.StatusNormalClosure, Reason: "host closed"})
}

// Drop fails the connection from the host side with err.
func (c *Conn) Drop(err error) {
	c.shutdown(err)
}

func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Push delivers ev to the client.
func (c *Conn) Push(t testing.TB, ev protocol.Event) {
	t.Helper()
	data, err := protocol.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal pushed event: %v", err)
	}
	c.PushRaw(data)
}

// PushRaw delivers bytes to the client without validation.
func (c *Conn) PushRaw(data []byte) {
	c.inbound <- inbound{data: data}
}

// Reply pushes a typed event built from payload with status.
func (c *Conn) Reply(t testing.TB, typ protocol.EventType, status protocol.Status, payload any) protocol.Event {
	t.Helper()
	ev, err := protocol.NewEventWithStatus(typ, status, payload)
	if err != nil {
		t.Fatalf("build reply: %v", err)
	}
	c.Push(t, ev)
	return ev
}

// Expect waits for the next outbound event and fails unless it has typ.
func (c *Conn) Expect(t testing.TB, typ protocol.EventType) protocol.Event {
	t.Helper()
	select {
	case ev := <-c.outbound:
		if ev.Type != typ {
			t.Fatalf("expected outbound %s, got %s", typ, ev.Type)
		}
		return ev
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for outbound %s", typ)
	}
	return protocol.Event{}
}

// ExpectNone fails if an outbound event arrives within d.
func (c *Conn) ExpectNone(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case ev := <-c.outbound:
		t.Fatalf("unexpected outbound %s", ev.Type)
	case <-time.After(d):
	}
}

// Sent returns every event the client wrote, in order.
func (c *Conn) Sent() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Event(nil), c.sent...)
}

// Eventually polls cond until it holds or the wait times out.
func Eventually(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
