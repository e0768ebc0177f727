package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logs "github.com/danmuck/linkctl/internal/logging"
	"github.com/danmuck/linkctl/internal/notify"
	"github.com/danmuck/linkctl/internal/store"
)

// Metrics counts what the engine reports on the notification bus.
type Metrics struct {
	registry *prometheus.Registry

	linkStates       *prometheus.CounterVec
	reconnectAttempt prometheus.Gauge
	sessionEvents    *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	messages         prometheus.Counter
	syncCycles       *prometheus.CounterVec
	syncRecords      *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		linkStates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "linkctl",
				Subsystem: "link",
				Name:      "state_transitions_total",
				Help:      "General link state changes by phase.",
			},
			[]string{"phase"},
		),
		reconnectAttempt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "linkctl",
			Subsystem: "link",
			Name:      "reconnect_attempt",
			Help:      "Current reconnect attempt, zero while connected.",
		}),
		sessionEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "linkctl",
				Subsystem: "session",
				Name:      "events_total",
				Help:      "Dual session lifecycle events.",
			},
			[]string{"event"},
		),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "linkctl",
			Subsystem: "session",
			Name:      "active",
			Help:      "Dual sessions currently started.",
		}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linkctl",
			Subsystem: "session",
			Name:      "messages_received_total",
			Help:      "Inbound chat messages stored.",
		}),
		syncCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "linkctl",
				Subsystem: "sync",
				Name:      "cycles_total",
				Help:      "Replication cycles by result.",
			},
			[]string{"result"},
		),
		syncRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "linkctl",
				Subsystem: "sync",
				Name:      "records_total",
				Help:      "Records of completed cycles by outcome.",
			},
			[]string{"outcome"},
		),
	}
	m.registry.MustRegister(
		m.linkStates,
		m.reconnectAttempt,
		m.sessionEvents,
		m.activeSessions,
		m.messages,
		m.syncCycles,
		m.syncRecords,
	)
	return m
}

// Registry exposes the collectors for scraping and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe subscribes the collectors to bus.
func (m *Metrics) Observe(bus *notify.Bus) {
	bus.OnLinkState(func(v notify.LinkState) {
		m.linkStates.WithLabelValues(string(v.Phase)).Inc()
		m.reconnectAttempt.Set(float64(v.Attempt))
	})
	bus.OnSessionStarted(func(notify.SessionStarted) {
		m.sessionEvents.WithLabelValues("started").Inc()
		m.activeSessions.Inc()
	})
	bus.OnSessionStopped(func(notify.SessionStopped) {
		m.sessionEvents.WithLabelValues("stopped").Inc()
		m.activeSessions.Dec()
	})
	bus.OnSessionError(func(notify.SessionError) {
		m.sessionEvents.WithLabelValues("error").Inc()
	})
	bus.OnMessageReceived(func(store.Message) {
		m.messages.Inc()
	})
	bus.OnSyncCompleted(func(v notify.SyncCompleted) {
		m.syncCycles.WithLabelValues("completed").Inc()
		m.syncRecords.WithLabelValues("sent").Add(float64(v.RecordsSent))
		m.syncRecords.WithLabelValues("received").Add(float64(v.RecordsReceived))
		m.syncRecords.WithLabelValues("failed").Add(float64(v.RecordsFailed))
	})
	bus.OnSyncError(func(notify.SyncError) {
		m.syncCycles.WithLabelValues("failed").Inc()
	})
}

// Serve exposes /metrics on addr until ctx ends.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logs.Infof("observability.Metrics.Serve listening addr=%q", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
