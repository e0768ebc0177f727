// Package app constructs the engine services and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"

	"github.com/danmuck/linkctl/internal/clock"
	"github.com/danmuck/linkctl/internal/config"
	"github.com/danmuck/linkctl/internal/credstore"
	"github.com/danmuck/linkctl/internal/entity"
	logs "github.com/danmuck/linkctl/internal/logging"
	"github.com/danmuck/linkctl/internal/notify"
	"github.com/danmuck/linkctl/internal/observability"
	"github.com/danmuck/linkctl/internal/pairing"
	"github.com/danmuck/linkctl/internal/protocol/session"
	"github.com/danmuck/linkctl/internal/reconnect"
	"github.com/danmuck/linkctl/internal/registry"
	"github.com/danmuck/linkctl/internal/replication"
	"github.com/danmuck/linkctl/internal/store"
	"github.com/danmuck/linkctl/internal/transport"
)

var ErrClosed = errors.New("app: closed")

// Options replace collaborators. Zero values select the production ones.
type Options struct {
	Prompter notify.Prompter
	Dialer   transport.Dialer
	Clock    clock.Clock
	// KV replaces the age-encrypted credential file.
	KV     credstore.KV
	Player entity.Player
	// MetricsAddr, when set, serves /metrics while Run blocks.
	MetricsAddr string
}

// App holds every service. Tests build a fresh one per case.
type App struct {
	cfg      config.Config
	opts     Options
	bus      *notify.Bus
	prompter notify.Prompter

	links      *registry.Registry
	creds      *credstore.Store
	replica    *store.Store
	pairing    *pairing.Flow
	entities   *entity.Manager
	supervisor *reconnect.Supervisor
	sync       *replication.Engine
	metrics    *observability.Metrics

	mu         sync.Mutex
	closed     bool
	background bool
}

func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Prompter == nil {
		opts.Prompter = notify.NopPrompter{}
	}
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("app: state dir: %w", err)
	}

	kv := opts.KV
	if kv == nil {
		fileKV, err := credstore.OpenFileKV(cfg.CredentialsPath())
		if err != nil {
			return nil, err
		}
		kv = fileKV
	}
	if cfg.DeviceID != "" {
		if err := kv.Set(credstore.KeyDeviceID, cfg.DeviceID); err != nil {
			return nil, fmt.Errorf("app: device id: %w", err)
		}
	}
	creds := credstore.New(kv, opts.Clock)

	replica, err := store.Open(ctx, store.Config{Path: cfg.ReplicaPath(), Clock: opts.Clock})
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		opts:     opts,
		bus:      notify.NewBus(),
		prompter: opts.Prompter,
		links:    registry.New(opts.Dialer),
		creds:    creds,
		replica:  replica,
		metrics:  observability.NewMetrics(),
	}
	a.metrics.Observe(a.bus)

	a.pairing = pairing.New(a.links, creds, opts.Prompter, pairing.Device{
		Name:     cfg.DeviceName,
		Type:     cfg.DeviceType,
		Platform: cfg.Platform,
	})

	entityOpts := []entity.Option{entity.WithClock(opts.Clock)}
	if opts.Player != nil {
		entityOpts = append(entityOpts, entity.WithPlayer(opts.Player))
	}
	a.entities = entity.NewManager(entity.Config{
		UserEntityID: cfg.UserEntityID,
		DeviceType:   cfg.DeviceType,
		Platform:     cfg.Platform,
	}, a.links, creds, replica, a.bus, entityOpts...)

	a.supervisor = reconnect.New(reconnect.Deps{
		Config:   cfg.Session,
		Clock:    opts.Clock,
		Bus:      a.bus,
		Prompter: opts.Prompter,
		Linker:   a.pairing,
		Creds:    creds,
		Sessions: a.entities,
		Links:    a.links,
	})

	a.sync = replication.New(replication.Config{
		Tables:         cfg.SyncTables,
		ConfirmTimeout: cfg.Session.ConfirmTimeout,
		DeviceName:     cfg.DeviceName,
		DeviceType:     cfg.DeviceType,
		Platform:       cfg.Platform,
	}, a.links, replica, creds, a.bus, replication.WithClock(opts.Clock))

	logs.Infof("app.New state_dir=%q device_type=%s platform=%s", cfg.StateDir, cfg.DeviceType, cfg.Platform)
	return a, nil
}

// Bus is where the UI layer subscribes.
func (a *App) Bus() *notify.Bus { return a.bus }

func (a *App) Metrics() *observability.Metrics { return a.metrics }

func (a *App) Replica() *store.Store { return a.replica }

// Start opens the general link with the stored credential. Retryable
// failures are handed to the reconnect schedule.
func (a *App) Start(ctx context.Context) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	if !a.creds.IsPaired() {
		return pairing.ErrNotPaired
	}
	return a.supervisor.ReconnectNow(ctx)
}

// Pair runs the pairing handshake and opens the link.
func (a *App) Pair(ctx context.Context, endpoint string, mode session.SecurityMode) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	if endpoint == "" {
		endpoint = a.cfg.PairingEndpoint
	}
	if mode == "" {
		mode = a.cfg.PairingSecurity
	}
	return a.pairing.Pair(ctx, endpoint, mode)
}

// Unpair closes every connection and forgets the credential.
func (a *App) Unpair(ctx context.Context) error {
	a.entities.StopAll(ctx)
	a.links.Disconnect(registry.LinkID)
	return a.creds.Clear()
}

// StartChat starts the supervised dual session with partnerID.
func (a *App) StartChat(ctx context.Context, partnerID, impersonatedID string) (*entity.DualSession, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.background = false
	a.mu.Unlock()
	return a.supervisor.StartSession(ctx, partnerID, impersonatedID)
}

// StopChat ends the dual session with partnerID and its retries.
func (a *App) StopChat(ctx context.Context, partnerID string) error {
	a.supervisor.CancelSessionRetry(partnerID)
	return a.entities.StopSession(ctx, partnerID)
}

func (a *App) SendText(ctx context.Context, partnerID, text string) (store.Message, error) {
	return a.entities.SendTextMessage(ctx, partnerID, text)
}

// Messages lists the stored conversation with partnerID.
func (a *App) Messages(ctx context.Context, partnerID string) ([]store.Message, error) {
	return a.replica.Messages(ctx, partnerID)
}

// Sync starts one replication cycle.
func (a *App) Sync(ctx context.Context) (replication.SyncSession, error) {
	if err := a.checkOpen(); err != nil {
		return replication.SyncSession{}, err
	}
	return a.sync.InitiateSync(ctx)
}

// SyncState returns the local replication state and the last ended cycle.
func (a *App) SyncState() (replication.State, replication.SyncSession, bool) {
	last, ok := a.sync.Last()
	return a.sync.State(), last, ok
}

// Background ends every chat session and its retries. The general link
// stays up so the host can still reach the device.
func (a *App) Background(ctx context.Context) {
	a.mu.Lock()
	if a.background {
		a.mu.Unlock()
		return
	}
	a.background = true
	a.mu.Unlock()
	retries := a.supervisor.CancelAllSessionRetries()
	partners := a.entities.Partners()
	a.entities.StopAll(ctx)
	logs.Infof("app.App.Background stopped sessions=%d retries=%d", len(partners), retries)
}

// Status is a point-in-time summary for the CLI.
type Status struct {
	Paired        bool
	LinkConnected bool
	LinkAttempts  int
	SecurityMode  session.SecurityMode
	PairingState  pairing.State
	Partners      []string
	SyncState     replication.State
	Watermark     string
	Background    bool
}

func (a *App) Status() Status {
	a.mu.Lock()
	background := a.background
	a.mu.Unlock()
	partners := a.entities.Partners()
	sort.Strings(partners)
	st := Status{
		Paired:        a.creds.IsPaired(),
		LinkConnected: a.links.IsConnected(registry.LinkID),
		LinkAttempts:  a.supervisor.LinkAttempts(),
		SecurityMode:  a.creds.SecurityMode(),
		PairingState:  a.pairing.State(),
		Partners:      partners,
		SyncState:     a.sync.State(),
		Background:    background,
	}
	if wm, err := a.creds.Watermark(); err == nil && !wm.IsZero() {
		st.Watermark = wm.UTC().Format("2006-01-02T15:04:05.000Z")
	}
	return st
}

// Run blocks until ctx ends or SIGINT/SIGTERM arrives. SIGUSR1 moves the
// app to the background.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)

	metricsErr := make(chan error, 1)
	if a.opts.MetricsAddr != "" {
		go func() {
			metricsErr <- a.metrics.Serve(ctx, a.opts.MetricsAddr)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			logs.Infof("app.App.Run shutdown")
			return nil
		case <-usr1:
			a.Background(ctx)
		case err := <-metricsErr:
			if err != nil {
				return fmt.Errorf("app: metrics: %w", err)
			}
		}
	}
}

// Close stops every service. It is safe to call more than once.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.supervisor.Stop()
	a.sync.Close()
	a.entities.StopAll(context.Background())
	a.links.Close()
	return a.replica.Close()
}

func (a *App) checkOpen() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	return nil
}
