// Package notify carries the notifications the engine raises for the UI
// layer, and the prompter contract the UI implements for toasts and
// modal choices.
package notify

import (
	"context"
	"slices"
	"sync"

	"github.com/danmuck/linkctl/internal/protocol/session"
	"github.com/danmuck/linkctl/internal/store"
)

type SessionStarted struct {
	PartnerID      string
	ImpersonatedID string
}

type SessionStopped struct {
	PartnerID string
}

// SessionError is terminal: the retry budget is spent or the failure was
// not retryable.
type SessionError struct {
	PartnerID string
	Attempts  int
	Err       error
}

type Indicator struct {
	PartnerID string
	EntityID  string
	Active    bool
}

type SyncProgress struct {
	SessionID       string
	Table           string
	RecordsSent     int
	RecordsFailed   int
	RecordsReceived int
}

type SyncCompleted struct {
	SessionID       string
	RecordsSent     int
	RecordsFailed   int
	RecordsReceived int
}

type SyncError struct {
	SessionID string
	Err       error
}

type LinkPhase string

const (
	LinkConnected    LinkPhase = "connected"
	LinkReconnecting LinkPhase = "reconnecting"
	LinkOffline      LinkPhase = "offline"
)

// LinkState drives the reconnecting indicator.
type LinkState struct {
	Phase   LinkPhase
	Attempt int
}

// Bus fans each notification out synchronously to its registered
// callbacks, in registration order.
type Bus struct {
	mu             sync.RWMutex
	sessionStarted []func(SessionStarted)
	sessionStopped []func(SessionStopped)
	sessionError   []func(SessionError)
	message        []func(store.Message)
	typing         []func(Indicator)
	recording      []func(Indicator)
	syncProgress   []func(SyncProgress)
	syncCompleted  []func(SyncCompleted)
	syncError      []func(SyncError)
	linkState      []func(LinkState)
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) OnSessionStarted(fn func(SessionStarted)) {
	b.mu.Lock()
	b.sessionStarted = append(b.sessionStarted, fn)
	b.mu.Unlock()
}

func (b *Bus) OnSessionStopped(fn func(SessionStopped)) {
	b.mu.Lock()
	b.sessionStopped = append(b.sessionStopped, fn)
	b.mu.Unlock()
}

func (b *Bus) OnSessionError(fn func(SessionError)) {
	b.mu.Lock()
	b.sessionError = append(b.sessionError, fn)
	b.mu.Unlock()
}

func (b *Bus) OnMessageReceived(fn func(store.Message)) {
	b.mu.Lock()
	b.message = append(b.message, fn)
	b.mu.Unlock()
}

func (b *Bus) OnTyping(fn func(Indicator)) {
	b.mu.Lock()
	b.typing = append(b.typing, fn)
	b.mu.Unlock()
}

func (b *Bus) OnRecording(fn func(Indicator)) {
	b.mu.Lock()
	b.recording = append(b.recording, fn)
	b.mu.Unlock()
}

func (b *Bus) OnSyncProgress(fn func(SyncProgress)) {
	b.mu.Lock()
	b.syncProgress = append(b.syncProgress, fn)
	b.mu.Unlock()
}

func (b *Bus) OnSyncCompleted(fn func(SyncCompleted)) {
	b.mu.Lock()
	b.syncCompleted = append(b.syncCompleted, fn)
	b.mu.Unlock()
}

func (b *Bus) OnSyncError(fn func(SyncError)) {
	b.mu.Lock()
	b.syncError = append(b.syncError, fn)
	b.mu.Unlock()
}

func (b *Bus) OnLinkState(fn func(LinkState)) {
	b.mu.Lock()
	b.linkState = append(b.linkState, fn)
	b.mu.Unlock()
}

func emit[T any](mu *sync.RWMutex, fns *[]func(T), v T) {
	mu.RLock()
	list := slices.Clone(*fns)
	mu.RUnlock()
	for _, fn := range list {
		fn(v)
	}
}

func (b *Bus) SessionStarted(v SessionStarted) { emit(&b.mu, &b.sessionStarted, v) }

func (b *Bus) SessionStopped(v SessionStopped) { emit(&b.mu, &b.sessionStopped, v) }

func (b *Bus) SessionError(v SessionError) { emit(&b.mu, &b.sessionError, v) }

func (b *Bus) MessageReceived(v store.Message) { emit(&b.mu, &b.message, v) }

func (b *Bus) Typing(v Indicator) { emit(&b.mu, &b.typing, v) }

func (b *Bus) Recording(v Indicator) { emit(&b.mu, &b.recording, v) }

func (b *Bus) SyncProgress(v SyncProgress) { emit(&b.mu, &b.syncProgress, v) }

func (b *Bus) SyncCompleted(v SyncCompleted) { emit(&b.mu, &b.syncCompleted, v) }

func (b *Bus) SyncError(v SyncError) { emit(&b.mu, &b.syncError, v) }

func (b *Bus) LinkState(v LinkState) { emit(&b.mu, &b.linkState, v) }

type ToastLevel string

const (
	ToastInfo  ToastLevel = "info"
	ToastError ToastLevel = "error"
)

// SecurityChoice is the outcome of the security-mode prompt. Abort leaves
// the link unopened.
type SecurityChoice string

const (
	ChoiceTrustedPinned SecurityChoice = "trusted-pinned"
	ChoicePlaintext     SecurityChoice = "plaintext"
	ChoiceAbort         SecurityChoice = "abort"
)

// Mode maps a choice to its security mode. ok is false for abort.
func (c SecurityChoice) Mode() (session.SecurityMode, bool) {
	switch c {
	case ChoiceTrustedPinned:
		return session.SecurityModeTrustedPinned, true
	case ChoicePlaintext:
		return session.SecurityModePlaintext, true
	}
	return "", false
}

// Prompter is implemented by the UI layer.
type Prompter interface {
	Toast(level ToastLevel, message string)
	AwaitingApproval(message string)
	// ChooseSecurityMode blocks until the user picks how to proceed after
	// the link certificate could not be verified.
	ChooseSecurityMode(ctx context.Context, endpoint string, cause error) SecurityChoice
}

// NopPrompter declines every choice and drops toasts.
type NopPrompter struct{}

func (NopPrompter) Toast(ToastLevel, string) {}

func (NopPrompter) AwaitingApproval(string) {}

func (NopPrompter) ChooseSecurityMode(context.Context, string, error) SecurityChoice {
	return ChoiceAbort
}
