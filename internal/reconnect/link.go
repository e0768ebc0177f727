package reconnect

import (
	"context"
	"errors"

	logs "github.com/danmuck/linkctl/internal/logging"
	"github.com/danmuck/linkctl/internal/notify"
	"github.com/danmuck/linkctl/internal/pairing"
	"github.com/danmuck/linkctl/internal/protocol/session"
	"github.com/danmuck/linkctl/internal/registry"
	"github.com/danmuck/linkctl/internal/transport"
)

func (s *Supervisor) handleLinkOpened(id string) {
	if id != registry.LinkID {
		return
	}
	s.mu.Lock()
	s.link.attempts = 0
	if s.link.timer != nil {
		s.link.timer.Stop()
		s.link.timer = nil
	}
	s.mu.Unlock()
	logs.Infof("reconnect.Supervisor link connected")
	s.bus.LinkState(notify.LinkState{Phase: notify.LinkConnected})
}

func (s *Supervisor) handleLinkClosed(c registry.Closure) {
	if c.ID != registry.LinkID || c.Requested {
		return
	}
	if transport.IsCertRejected(c.Err) {
		return
	}
	if s.creds == nil || !s.creds.IsPaired() {
		s.bus.LinkState(notify.LinkState{Phase: notify.LinkOffline})
		return
	}
	logs.Warnf("reconnect.Supervisor link closed err=%v", c.Err)
	s.ScheduleReconnect()
}

// ScheduleReconnect arms the link reconnect timer. It reports false, and
// does nothing, while a timer is already pending.
func (s *Supervisor) ScheduleReconnect() bool {
	s.mu.Lock()
	if s.stopped || s.link.timer != nil {
		s.mu.Unlock()
		return false
	}
	delay := session.ScheduleDelay(s.cfg.LinkSchedule, s.link.attempts)
	s.link.attempts++
	attempt := s.link.attempts
	s.link.timer = s.clock.AfterFunc(delay, s.fireReconnect)
	s.mu.Unlock()

	logs.Infof("reconnect.Supervisor.ScheduleReconnect attempt=%d delay=%s", attempt, delay)
	s.bus.LinkState(notify.LinkState{Phase: notify.LinkReconnecting, Attempt: attempt})
	return true
}

// LinkAttempts returns the reconnect attempt counter.
func (s *Supervisor) LinkAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link.attempts
}

// ReconnectNow cancels any pending reconnect, resets the schedule and
// tries immediately.
func (s *Supervisor) ReconnectNow(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.link.timer != nil {
		s.link.timer.Stop()
		s.link.timer = nil
	}
	s.link.attempts = 0
	s.mu.Unlock()

	err := s.reconnect(ctx)
	if err != nil && retryableLinkError(err) {
		s.ScheduleReconnect()
	}
	return err
}

func (s *Supervisor) fireReconnect() {
	s.mu.Lock()
	s.link.timer = nil
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}

	err := s.reconnect(s.ctx)
	if err == nil {
		return
	}
	if !retryableLinkError(err) {
		logs.Errorf("reconnect.Supervisor link reconnect stopped err=%v", err)
		s.prompter.Toast(notify.ToastError, "Link connection failed: "+err.Error())
		s.bus.LinkState(notify.LinkState{Phase: notify.LinkOffline})
		return
	}
	s.ScheduleReconnect()
}

func (s *Supervisor) reconnect(ctx context.Context) error {
	if s.linker == nil {
		return pairing.ErrNotPaired
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	if s.creds != nil && s.creds.IsTokenExpired() {
		logs.Infof("reconnect.Supervisor token expired, refreshing")
		return s.linker.RefreshToken(ctx)
	}
	return s.linker.Connect(ctx)
}

// retryableLinkError reports whether a failed reconnect should be
// rescheduled. Trust failures, rejections and a missing pairing need the
// user instead.
func retryableLinkError(err error) bool {
	switch {
	case errors.Is(err, context.Canceled):
		return false
	case transport.IsCertRejected(err):
		return false
	case errors.Is(err, pairing.ErrRejected),
		errors.Is(err, pairing.ErrAborted),
		errors.Is(err, pairing.ErrNotPaired):
		return false
	}
	return true
}
