// Package pairing drives the handshake that trades device identity for a
// signed link credential, the token refresh that reuses it, and opening the
// general link with the stored credential.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/linkctl/internal/credstore"
	logs "github.com/danmuck/linkctl/internal/logging"
	"github.com/danmuck/linkctl/internal/notify"
	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/protocol/session"
	"github.com/danmuck/linkctl/internal/registry"
	"github.com/danmuck/linkctl/internal/transport"
)

var (
	ErrRejected         = errors.New("pairing: handshake rejected")
	ErrNotPaired        = errors.New("pairing: device not paired")
	ErrAborted          = errors.New("pairing: aborted by user")
	ErrChannelClosed    = errors.New("pairing: pairing channel closed")
	ErrHandshakeRunning = errors.New("pairing: handshake already in progress")
	ErrEndpointRequired = errors.New("pairing: endpoint required")
)

type State string

const (
	StateIdle            State = "idle"
	StateRequesting      State = "requesting"
	StatePendingApproval State = "pending_approval"
	StateAccepted        State = "accepted"
	StateRejected        State = "rejected"
)

// Links is the slice of the connection registry the flow drives.
type Links interface {
	CreateConnection(ctx context.Context, id string, kind registry.Kind, target transport.Target) error
	Send(ctx context.Context, id string, ev protocol.Event) error
	Disconnect(id string)
	IsConnected(id string) bool
	Subscribe(kind registry.Kind, h registry.Handlers)
}

// Device describes this client in HANDSHAKE_REQUEST.
type Device struct {
	Name     string
	Type     string
	Platform string
}

type outcome struct {
	accept protocol.HandshakeAccept
	err    error
}

type Flow struct {
	links    Links
	creds    *credstore.Store
	prompter notify.Prompter
	device   Device

	mu      sync.Mutex
	state   State
	waiter  chan outcome
	running bool
}

func New(links Links, creds *credstore.Store, prompter notify.Prompter, device Device) *Flow {
	if prompter == nil {
		prompter = notify.NopPrompter{}
	}
	f := &Flow{
		links:    links,
		creds:    creds,
		prompter: prompter,
		device:   device,
		state:    StateIdle,
	}
	links.Subscribe(registry.KindPairing, registry.Handlers{
		Event:  f.handleEvent,
		Closed: f.handleClosed,
	})
	return f
}

func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Pair runs the one-time handshake against endpoint and, once accepted,
// opens the secure link with the issued credential. Waiting for operator
// approval is bounded only by ctx.
func (f *Flow) Pair(ctx context.Context, endpoint string, mode session.SecurityMode) error {
	mode = session.NormalizeSecurityMode(mode)
	if err := session.ValidatePairingMode(mode); err != nil {
		return err
	}
	if strings.TrimSpace(endpoint) == "" {
		return ErrEndpointRequired
	}
	accept, err := f.exchange(ctx, transport.Target{Endpoint: endpoint, Mode: mode})
	if err != nil {
		return err
	}
	cred := credentialFrom(accept)
	if err := f.creds.SaveCredential(cred); err != nil {
		return fmt.Errorf("pairing: persist credential: %w", err)
	}
	if err := f.creds.SetSecurityMode(session.SecurityModeSecure); err != nil {
		return fmt.Errorf("pairing: persist security mode: %w", err)
	}
	logs.Infof("pairing.Flow.Pair endpoint=%q link=%q expires=%s", endpoint, cred.Endpoint, formatExpiry(cred.ExpiresAt))
	return f.Connect(ctx)
}

// RefreshToken repeats the handshake over plaintext against the stored
// endpoint. On success the old link is closed and a new one opened with
// the refreshed credential in the persisted mode.
func (f *Flow) RefreshToken(ctx context.Context) error {
	cred, ok, err := f.creds.Credential()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotPaired
	}
	logs.Infof("pairing.Flow.RefreshToken endpoint=%q", cred.Endpoint)
	accept, err := f.exchange(ctx, transport.Target{Endpoint: cred.Endpoint, Mode: session.SecurityModePlaintext})
	if err != nil {
		return err
	}
	next := credentialFrom(accept)
	if next.Certificate == "" {
		next.Certificate = cred.Certificate
	}
	if err := f.creds.SaveCredential(next); err != nil {
		return fmt.Errorf("pairing: persist refreshed credential: %w", err)
	}
	f.links.Disconnect(registry.LinkID)
	return f.Connect(ctx)
}

// Connect opens the general link with the stored credential. A certificate
// trust failure hands the choice of mode to the prompter; the choice is
// persisted and the open retried once.
func (f *Flow) Connect(ctx context.Context) error {
	cred, ok, err := f.creds.Credential()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotPaired
	}
	mode := f.creds.SecurityMode()
	err = f.openLink(ctx, cred, mode)
	if err == nil || !transport.IsCertRejected(err) {
		return err
	}

	logs.Warnf("pairing.Flow.Connect endpoint=%q mode=%s certificate rejected err=%v", cred.Endpoint, mode, err)
	choice := f.prompter.ChooseSecurityMode(ctx, cred.Endpoint, err)
	next, ok := choice.Mode()
	if !ok {
		f.prompter.Toast(notify.ToastError, "Connection aborted: the link certificate could not be verified.")
		return fmt.Errorf("%w: %v", ErrAborted, err)
	}
	if err := f.creds.SetSecurityMode(next); err != nil {
		return fmt.Errorf("pairing: persist security mode: %w", err)
	}
	logs.Infof("pairing.Flow.Connect endpoint=%q retry mode=%s", cred.Endpoint, next)
	if err := f.openLink(ctx, cred, next); err != nil {
		f.prompter.Toast(notify.ToastError, "Could not connect to the link.")
		return err
	}
	return nil
}

func (f *Flow) openLink(ctx context.Context, cred credstore.Credential, mode session.SecurityMode) error {
	target := transport.Target{
		Endpoint: cred.Endpoint,
		Mode:     mode,
		Token:    cred.Token,
	}
	if mode == session.SecurityModeTrustedPinned {
		target.PinnedCertPEM = cred.Certificate
	}
	return f.links.CreateConnection(ctx, registry.LinkID, registry.KindSync, target)
}

// exchange opens the pairing channel, sends HANDSHAKE_REQUEST and waits
// for the host's verdict. The pairing channel is always closed on return.
func (f *Flow) exchange(ctx context.Context, target transport.Target) (protocol.HandshakeAccept, error) {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return protocol.HandshakeAccept{}, ErrHandshakeRunning
	}
	waiter := make(chan outcome, 1)
	f.running = true
	f.waiter = waiter
	f.state = StateRequesting
	f.mu.Unlock()

	defer func() {
		f.links.Disconnect(registry.PairingID)
		f.mu.Lock()
		f.running = false
		f.waiter = nil
		f.mu.Unlock()
	}()

	deviceID, err := f.creds.DeviceID()
	if err != nil {
		f.setState(StateIdle)
		return protocol.HandshakeAccept{}, err
	}
	if err := f.links.CreateConnection(ctx, registry.PairingID, registry.KindPairing, target); err != nil {
		f.setState(StateIdle)
		return protocol.HandshakeAccept{}, err
	}
	req, err := protocol.NewEvent(protocol.TypeHandshakeRequest, protocol.HandshakeRequest{
		DeviceIdentity: protocol.DeviceIdentity{
			DeviceID:   deviceID,
			DeviceName: f.device.Name,
			DeviceType: f.device.Type,
			Platform:   f.device.Platform,
		},
	})
	if err != nil {
		f.setState(StateIdle)
		return protocol.HandshakeAccept{}, err
	}
	if err := f.links.Send(ctx, registry.PairingID, req); err != nil {
		f.setState(StateIdle)
		return protocol.HandshakeAccept{}, err
	}
	logs.Infof("pairing.Flow.exchange endpoint=%q mode=%s device_id=%q requested", target.Endpoint, target.Mode, deviceID)

	select {
	case out := <-waiter:
		switch {
		case out.err == nil:
			f.setState(StateAccepted)
			return out.accept, nil
		case errors.Is(out.err, ErrRejected):
			f.setState(StateRejected)
			f.prompter.Toast(notify.ToastError, "Pairing was rejected by the link host.")
			return protocol.HandshakeAccept{}, out.err
		default:
			f.setState(StateIdle)
			return protocol.HandshakeAccept{}, out.err
		}
	case <-ctx.Done():
		f.setState(StateIdle)
		return protocol.HandshakeAccept{}, ctx.Err()
	}
}

func (f *Flow) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *Flow) deliver(out outcome) {
	f.mu.Lock()
	waiter := f.waiter
	f.mu.Unlock()
	if waiter == nil {
		return
	}
	select {
	case waiter <- out:
	default:
	}
}

func (f *Flow) handleEvent(id string, ev protocol.Event) {
	switch ev.Type {
	case protocol.TypeHandshakePending:
		var p protocol.HandshakePending
		if err := ev.Decode(&p); err != nil {
			logs.Warnf("pairing.Flow.handleEvent id=%q drop pending err=%v", id, err)
			return
		}
		f.enterPending(p.Message)
	case protocol.TypeHandshakeAccept:
		var accept protocol.HandshakeAccept
		if err := ev.Decode(&accept); err != nil {
			logs.Warnf("pairing.Flow.handleEvent id=%q drop accept err=%v", id, err)
			return
		}
		if ev.Status == protocol.StatusError {
			f.deliver(outcome{err: fmt.Errorf("%w: accept carried error status", ErrRejected)})
			return
		}
		if ev.Status == protocol.StatusNew && strings.TrimSpace(accept.JWT) == "" {
			f.enterPending("")
			return
		}
		if err := accept.Validate(); err != nil {
			logs.Warnf("pairing.Flow.handleEvent id=%q drop accept err=%v", id, err)
			return
		}
		f.deliver(outcome{accept: accept})
	case protocol.TypeHandshakeReject:
		var reject protocol.HandshakeReject
		if err := ev.Decode(&reject); err != nil {
			logs.Warnf("pairing.Flow.handleEvent id=%q drop reject err=%v", id, err)
			return
		}
		reason := strings.TrimSpace(reject.Reason)
		if reason == "" {
			reason = "no reason given"
		}
		logs.Warnf("pairing.Flow.handleEvent id=%q rejected reason=%q", id, reason)
		f.deliver(outcome{err: fmt.Errorf("%w: %s", ErrRejected, reason)})
	default:
		logs.Debugf("pairing.Flow.handleEvent id=%q drop unexpected type=%s", id, ev.Type)
	}
}

func (f *Flow) enterPending(message string) {
	f.mu.Lock()
	if !f.running || f.state != StateRequesting {
		f.mu.Unlock()
		return
	}
	f.state = StatePendingApproval
	f.mu.Unlock()
	if message == "" {
		message = "Waiting for approval on the link host."
	}
	logs.Infof("pairing.Flow pending approval message=%q", message)
	f.prompter.AwaitingApproval(message)
}

func (f *Flow) handleClosed(c registry.Closure) {
	if c.Requested {
		return
	}
	err := ErrChannelClosed
	if c.Err != nil {
		err = fmt.Errorf("%w: %w", ErrChannelClosed, c.Err)
	}
	f.deliver(outcome{err: err})
}

func credentialFrom(accept protocol.HandshakeAccept) credstore.Credential {
	cred := credstore.Credential{
		Token:       accept.JWT,
		Endpoint:    accept.Endpoint,
		Certificate: accept.Certificate,
	}
	if accept.ExpiresAtMS > 0 {
		cred.ExpiresAt = time.UnixMilli(accept.ExpiresAtMS)
	}
	return cred
}

func formatExpiry(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
