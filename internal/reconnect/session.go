package reconnect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/linkctl/internal/entity"
	logs "github.com/danmuck/linkctl/internal/logging"
	"github.com/danmuck/linkctl/internal/notify"
)

// nonRetryableVocabulary is matched against error text for failures
// raised without a sentinel.
var nonRetryableVocabulary = []string{
	"not found",
	"invalid entity",
	"not connected",
}

// Retryable reports whether a session start failure may be retried.
// Invalid or unknown entities and a missing link connection give up at
// once; everything else, timeouts included, is retried.
func Retryable(err error) bool {
	if err == nil {
		return true
	}
	switch {
	case errors.Is(err, entity.ErrEntityNotFound),
		errors.Is(err, entity.ErrInvalidEntity),
		errors.Is(err, entity.ErrLinkNotConnected),
		errors.Is(err, entity.ErrEntityInUse),
		errors.Is(err, entity.ErrNoCredential):
		return false
	case errors.Is(err, ErrSessionInitTimeout):
		return true
	}
	text := strings.ToLower(err.Error())
	for _, word := range nonRetryableVocabulary {
		if strings.Contains(text, word) {
			return false
		}
	}
	return true
}

// StartSession starts the dual session for partnerID under supervision:
// a watchdog checks that both legs become active in time and failures
// are retried with exponential backoff up to the attempt budget.
func (s *Supervisor) StartSession(ctx context.Context, partnerID, impersonatedID string) (*entity.DualSession, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.partners[partnerID] = impersonatedID
	st := s.retries[partnerID]
	if st != nil {
		stopTimers(st)
	}
	st = &sessionRetry{impersonated: impersonatedID, attempts: 1}
	s.retries[partnerID] = st
	s.mu.Unlock()

	return s.attempt(ctx, partnerID, st)
}

// CancelSessionRetry discards retry state and pending timers for partnerID.
func (s *Supervisor) CancelSessionRetry(partnerID string) {
	s.mu.Lock()
	if st := s.retries[partnerID]; st != nil {
		stopTimers(st)
		delete(s.retries, partnerID)
	}
	delete(s.partners, partnerID)
	s.mu.Unlock()
}

// CancelAllSessionRetries discards the retry state and pending timers of
// every supervised partner, including partners whose session has already
// been torn down, and returns how many were cancelled.
func (s *Supervisor) CancelAllSessionRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.retries)
	for partner, st := range s.retries {
		stopTimers(st)
		delete(s.retries, partner)
	}
	clear(s.partners)
	return n
}

// PendingRetry reports the retry state for partnerID: whether a retry
// timer is pending, the attempts made so far and the delay in use.
func (s *Supervisor) PendingRetry(partnerID string) (pending bool, attempts int, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.retries[partnerID]
	if st == nil {
		return false, 0, 0
	}
	return st.timer != nil, st.attempts, st.nextDelay
}

func (s *Supervisor) attempt(ctx context.Context, partnerID string, st *sessionRetry) (*entity.DualSession, error) {
	s.mu.Lock()
	attempt := st.attempts
	s.mu.Unlock()

	logs.Infof("reconnect.Supervisor.attempt partner=%q attempt=%d", partnerID, attempt)
	ds, err := s.sessions.StartDualSession(ctx, partnerID, st.impersonated)
	if err != nil {
		s.fail(partnerID, st, err)
		return nil, err
	}
	if s.sessions.IsDualSessionActive(partnerID) {
		s.sessionSucceeded(partnerID)
		return ds, nil
	}

	s.mu.Lock()
	if s.retries[partnerID] == st && !s.stopped {
		if st.watchdog != nil {
			st.watchdog.Stop()
		}
		st.watchdog = s.clock.AfterFunc(s.cfg.SessionInitTimeout, func() {
			s.watchdogFired(partnerID, st)
		})
	}
	s.mu.Unlock()
	return ds, nil
}

func (s *Supervisor) watchdogFired(partnerID string, st *sessionRetry) {
	s.mu.Lock()
	if s.retries[partnerID] != st {
		s.mu.Unlock()
		return
	}
	st.watchdog = nil
	s.mu.Unlock()
	if s.sessions.IsDualSessionActive(partnerID) {
		s.sessionSucceeded(partnerID)
		return
	}
	logs.Warnf("reconnect.Supervisor partner=%q session init watchdog expired after %s", partnerID, s.cfg.SessionInitTimeout)
	s.fail(partnerID, st, fmt.Errorf("%w: partner=%s", ErrSessionInitTimeout, partnerID))
}

func (s *Supervisor) sessionSucceeded(partnerID string) {
	s.mu.Lock()
	st := s.retries[partnerID]
	if st != nil {
		stopTimers(st)
		delete(s.retries, partnerID)
	}
	s.mu.Unlock()
	if st != nil {
		logs.Infof("reconnect.Supervisor partner=%q session active after attempt=%d", partnerID, st.attempts)
	}
}

// handleSessionFailure routes failures reported by the entity manager.
// A failure after the session was established opens a new retry cycle.
func (s *Supervisor) handleSessionFailure(partnerID string, err error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	st := s.retries[partnerID]
	if st == nil {
		impersonated, known := s.partners[partnerID]
		if !known {
			s.mu.Unlock()
			logs.Debugf("reconnect.Supervisor partner=%q unsupervised failure err=%v", partnerID, err)
			return
		}
		st = &sessionRetry{impersonated: impersonated, attempts: 1}
		s.retries[partnerID] = st
	}
	s.mu.Unlock()
	s.fail(partnerID, st, err)
}

func (s *Supervisor) fail(partnerID string, st *sessionRetry, err error) {
	s.mu.Lock()
	if s.retries[partnerID] != st || s.stopped {
		s.mu.Unlock()
		return
	}
	if st.watchdog != nil {
		st.watchdog.Stop()
		st.watchdog = nil
	}
	if st.timer != nil {
		s.mu.Unlock()
		return
	}
	if !Retryable(err) || st.attempts >= s.cfg.SessionMaxAttempts {
		delete(s.retries, partnerID)
		attempts := st.attempts
		s.mu.Unlock()
		s.giveUp(partnerID, attempts, err)
		return
	}
	delay := s.cfg.SessionBackoff.Delay(st.attempts, nil)
	st.nextDelay = delay
	st.timer = s.clock.AfterFunc(delay, func() {
		s.retryFired(partnerID, st)
	})
	attempts := st.attempts
	s.mu.Unlock()
	logs.Warnf("reconnect.Supervisor partner=%q attempt=%d failed, retry in %s err=%v", partnerID, attempts, delay, err)
}

func (s *Supervisor) retryFired(partnerID string, st *sessionRetry) {
	s.mu.Lock()
	if s.retries[partnerID] != st || s.stopped {
		s.mu.Unlock()
		return
	}
	st.timer = nil
	st.attempts++
	s.mu.Unlock()

	if err := s.sessions.DiscardSession(s.ctx, partnerID); err != nil && !errors.Is(err, entity.ErrNoSession) {
		logs.Warnf("reconnect.Supervisor partner=%q discard stale session err=%v", partnerID, err)
	}
	_, _ = s.attempt(s.ctx, partnerID, st)
}

func (s *Supervisor) giveUp(partnerID string, attempts int, err error) {
	logs.Errorf("reconnect.Supervisor partner=%q giving up after attempt=%d err=%v", partnerID, attempts, err)
	if stopErr := s.sessions.DiscardSession(s.ctx, partnerID); stopErr != nil && !errors.Is(stopErr, entity.ErrNoSession) {
		logs.Warnf("reconnect.Supervisor partner=%q stop failed session err=%v", partnerID, stopErr)
	}
	s.bus.SessionError(notify.SessionError{PartnerID: partnerID, Attempts: attempts, Err: err})
	s.prompter.Toast(notify.ToastError, fmt.Sprintf("Could not start the conversation with %s.", partnerID))
}
