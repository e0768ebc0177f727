// Package reconnect supervises recovery: the fixed-schedule reconnect of
// the general link and the bounded exponential retry of dual session
// initialization, each with at most one pending timer per key.
package reconnect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/linkctl/internal/clock"
	"github.com/danmuck/linkctl/internal/entity"
	logs "github.com/danmuck/linkctl/internal/logging"
	"github.com/danmuck/linkctl/internal/notify"
	"github.com/danmuck/linkctl/internal/protocol/session"
	"github.com/danmuck/linkctl/internal/registry"
)

var (
	ErrSessionInitTimeout = errors.New("reconnect: session initialization timed out")
	ErrStopped            = errors.New("reconnect: supervisor stopped")
)

// Linker opens the general link. pairing.Flow implements it.
type Linker interface {
	Connect(ctx context.Context) error
	RefreshToken(ctx context.Context) error
}

type Credentials interface {
	IsPaired() bool
	IsTokenExpired() bool
}

// Sessions is the slice of the entity manager the supervisor drives.
type Sessions interface {
	StartDualSession(ctx context.Context, partnerID, impersonatedID string) (*entity.DualSession, error)
	DiscardSession(ctx context.Context, partnerID string) error
	IsDualSessionActive(partnerID string) bool
	OnLegFailure(fn func(partnerID string, err error))
}

// Subscriber is the registry surface used to observe the link.
type Subscriber interface {
	Subscribe(kind registry.Kind, h registry.Handlers)
}

type linkRetry struct {
	attempts int
	timer    clock.Timer
}

// sessionRetry is the retry state for one partner. attempts counts starts
// made in the current cycle, the first start included.
type sessionRetry struct {
	impersonated string
	attempts     int
	nextDelay    time.Duration
	timer        clock.Timer
	watchdog     clock.Timer
}

type Supervisor struct {
	cfg      session.Config
	clock    clock.Clock
	bus      *notify.Bus
	prompter notify.Prompter
	linker   Linker
	creds    Credentials
	sessions Sessions

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	stopped  bool
	link     linkRetry
	retries  map[string]*sessionRetry
	partners map[string]string
}

type Deps struct {
	Config   session.Config
	Clock    clock.Clock
	Bus      *notify.Bus
	Prompter notify.Prompter
	Linker   Linker
	Creds    Credentials
	Sessions Sessions
	Links    Subscriber
}

func New(d Deps) *Supervisor {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Bus == nil {
		d.Bus = notify.NewBus()
	}
	if d.Prompter == nil {
		d.Prompter = notify.NopPrompter{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:      d.Config.WithDefaults(),
		clock:    d.Clock,
		bus:      d.Bus,
		prompter: d.Prompter,
		linker:   d.Linker,
		creds:    d.Creds,
		sessions: d.Sessions,
		ctx:      ctx,
		cancel:   cancel,
		retries:  make(map[string]*sessionRetry),
		partners: make(map[string]string),
	}
	if d.Links != nil {
		d.Links.Subscribe(registry.KindSync, registry.Handlers{
			Opened: s.handleLinkOpened,
			Closed: s.handleLinkClosed,
		})
	}
	if d.Sessions != nil {
		d.Sessions.OnLegFailure(s.handleSessionFailure)
	}
	s.bus.OnSessionStarted(func(v notify.SessionStarted) {
		s.sessionSucceeded(v.PartnerID)
	})
	return s
}

// Stop cancels every pending timer. Work already running sees a canceled
// context.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.link.timer != nil {
		s.link.timer.Stop()
		s.link.timer = nil
	}
	for partner, st := range s.retries {
		stopTimers(st)
		delete(s.retries, partner)
	}
	s.mu.Unlock()
	s.cancel()
	logs.Debugf("reconnect.Supervisor.Stop stopped")
}

func stopTimers(st *sessionRetry) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	if st.watchdog != nil {
		st.watchdog.Stop()
		st.watchdog = nil
	}
}
