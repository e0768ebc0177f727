// Package registry multiplexes named link connections and routes their
// inbound events to kind-specific subscribers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	logs "github.com/danmuck/linkctl/internal/logging"
	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/transport"
)

var (
	ErrUnknownConnection = errors.New("registry: connection not registered")
	ErrInvalidID         = errors.New("registry: connection id required")
	ErrInvalidKind       = errors.New("registry: invalid connection kind")
)

type Kind string

const (
	KindPairing Kind = "pairing"
	KindSync    Kind = "sync"
	KindEntity  Kind = "entity"
)

// Well-known connection ids. Entity legs use EntityConnID.
const (
	PairingID = "pairing"
	LinkID    = "sync"
)

// EntityConnID is the registry id of the leg for entityID.
func EntityConnID(entityID string) string {
	return "entity-" + entityID
}

func (k Kind) Validate() error {
	switch k {
	case KindPairing, KindSync, KindEntity:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidKind, string(k))
}

// Closure describes one connection reaching its terminal state.
type Closure struct {
	ID   string
	Kind Kind
	Err  error
	// Requested is set when the close came from Disconnect or Close.
	Requested bool
}

// Handlers subscribe to one kind. Every callback carries the originating
// connection id so that several connections of one kind can be told apart.
type Handlers struct {
	Opened       func(id string)
	Closed       func(c Closure)
	Event        func(id string, ev protocol.Event)
	CertRejected func(id string, err error)
}

type entry struct {
	conn      *transport.Conn
	kind      Kind
	requested bool
}

// Registry is the single owner of transport connection lifetimes.
type Registry struct {
	dialer transport.Dialer

	mu    sync.Mutex
	conns map[string]*entry
	subs  map[Kind][]Handlers
}

func New(dialer transport.Dialer) *Registry {
	if dialer == nil {
		dialer = transport.WebsocketDialer{}
	}
	return &Registry{
		dialer: dialer,
		conns:  make(map[string]*entry),
		subs:   make(map[Kind][]Handlers),
	}
}

// Subscribe registers handlers for every connection of kind.
func (r *Registry) Subscribe(kind Kind, h Handlers) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[kind] = append(r.subs[kind], h)
}

// CreateConnection opens a connection under id. An existing connection for
// id is detached and closed first so its close never reaches subscribers.
func (r *Registry) CreateConnection(ctx context.Context, id string, kind Kind, target transport.Target) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidID
	}
	if err := kind.Validate(); err != nil {
		return err
	}

	e := &entry{kind: kind}
	e.conn = transport.New(id, r.dialer, transport.Handlers{
		Opened: func() {
			r.dispatchOpened(kind, id)
		},
		Closed: func(err error) {
			r.handleClosed(id, e, err)
		},
		Message: func(ev protocol.Event) {
			r.dispatchEvent(kind, id, ev)
		},
		CertRejected: func(err error) {
			r.dispatchCertRejected(kind, id, err)
		},
	})

	r.mu.Lock()
	old := r.conns[id]
	r.conns[id] = e
	r.mu.Unlock()
	if old != nil {
		logs.Infof("registry.CreateConnection id=%q replacing previous connection", id)
		old.conn.Detach()
		_ = old.conn.Close()
	}

	logs.Infof("registry.CreateConnection id=%q kind=%s endpoint=%q mode=%s", id, kind, target.Endpoint, target.Mode)
	if err := e.conn.Open(ctx, target); err != nil {
		return fmt.Errorf("registry: open %s: %w", id, err)
	}
	return nil
}

// Send writes ev on the connection registered under id.
func (r *Registry) Send(ctx context.Context, id string, ev protocol.Event) error {
	r.mu.Lock()
	e := r.conns[id]
	r.mu.Unlock()
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	return e.conn.Send(ctx, ev)
}

// Disconnect closes and forgets the connection under id. Subscribers see
// a Closure with Requested set.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	e := r.conns[id]
	if e != nil {
		e.requested = true
	}
	r.mu.Unlock()
	if e == nil {
		return
	}
	logs.Debugf("registry.Disconnect id=%q", id)
	_ = e.conn.Close()
	r.mu.Lock()
	if r.conns[id] == e {
		delete(r.conns, id)
	}
	r.mu.Unlock()
}

func (r *Registry) IsConnected(id string) bool {
	r.mu.Lock()
	e := r.conns[id]
	r.mu.Unlock()
	return e != nil && e.conn.IsOpen()
}

// Target returns the target the connection under id was opened against.
func (r *Registry) Target(id string) (transport.Target, bool) {
	r.mu.Lock()
	e := r.conns[id]
	r.mu.Unlock()
	if e == nil {
		return transport.Target{}, false
	}
	return e.conn.Target(), true
}

// IDs lists registered ids of kind, or of every kind when kind is empty.
func (r *Registry) IDs(kind Kind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.conns))
	for id, e := range r.conns {
		if kind == "" || e.kind == kind {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Close disconnects every registered connection.
func (r *Registry) Close() {
	for _, id := range r.IDs("") {
		r.Disconnect(id)
	}
}

func (r *Registry) handleClosed(id string, e *entry, err error) {
	r.mu.Lock()
	if r.conns[id] == e {
		delete(r.conns, id)
	}
	c := Closure{ID: id, Kind: e.kind, Err: err, Requested: e.requested}
	subs := append([]Handlers(nil), r.subs[e.kind]...)
	r.mu.Unlock()

	logs.Debugf("registry.handleClosed id=%q kind=%s requested=%t err=%v", id, c.Kind, c.Requested, err)
	for _, h := range subs {
		if h.Closed != nil {
			h.Closed(c)
		}
	}
}

func (r *Registry) handlers(kind Kind) []Handlers {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Handlers(nil), r.subs[kind]...)
}

func (r *Registry) dispatchOpened(kind Kind, id string) {
	for _, h := range r.handlers(kind) {
		if h.Opened != nil {
			h.Opened(id)
		}
	}
}

func (r *Registry) dispatchEvent(kind Kind, id string, ev protocol.Event) {
	subs := r.handlers(kind)
	if len(subs) == 0 {
		logs.Debugf("registry.dispatchEvent id=%q kind=%s type=%s no subscribers", id, kind, ev.Type)
		return
	}
	for _, h := range subs {
		if h.Event != nil {
			h.Event(id, ev)
		}
	}
}

func (r *Registry) dispatchCertRejected(kind Kind, id string, err error) {
	for _, h := range r.handlers(kind) {
		if h.CertRejected != nil {
			h.CertRejected(id, err)
		}
	}
}
