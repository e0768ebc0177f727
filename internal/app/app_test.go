package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/linkctl/internal/clock"
	"github.com/danmuck/linkctl/internal/config"
	"github.com/danmuck/linkctl/internal/credstore"
	"github.com/danmuck/linkctl/internal/pairing"
	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/protocol/session"
	"github.com/danmuck/linkctl/internal/replication"
	"github.com/danmuck/linkctl/internal/testutil/linktest"
	"github.com/danmuck/linkctl/internal/testutil/testlog"
	"github.com/danmuck/linkctl/internal/transport"
)

func newTestApp(t *testing.T) (*App, *linktest.Dialer) {
	t.Helper()
	return newTestAppWithClock(t, nil)
}

func newTestAppWithClock(t *testing.T, clk clock.Clock) (*App, *linktest.Dialer) {
	t.Helper()
	testlog.Start(t)
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.DeviceName = "pixel"
	cfg.Platform = "android"
	dialer := linktest.NewDialer()
	a, err := New(context.Background(), cfg, Options{Dialer: dialer, KV: credstore.NewMemoryKV(), Clock: clk})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, dialer
}

func pair(t *testing.T, a *App, dialer *linktest.Dialer) *linktest.Conn {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- a.Pair(context.Background(), "host:8080", session.SecurityModePlaintext)
	}()
	channel := dialer.WaitConn(t, 1)
	channel.Expect(t, protocol.TypeHandshakeRequest)
	channel.Reply(t, protocol.TypeHandshakeAccept, protocol.StatusSuccess,
		protocol.HandshakeAccept{JWT: "jwt-1", Endpoint: "host:8443"})
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("pair: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out pairing")
	}
	return dialer.WaitConn(t, 2)
}

func TestStartRequiresPairing(t *testing.T) {
	a, _ := newTestApp(t)
	if err := a.Start(context.Background()); !errors.Is(err, pairing.ErrNotPaired) {
		t.Fatalf("expected ErrNotPaired, got %v", err)
	}
	if st := a.Status(); st.Paired || st.LinkConnected {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestPairOpensSecureLink(t *testing.T) {
	a, dialer := newTestApp(t)
	link := pair(t, a, dialer)
	if link.Target.Endpoint != "host:8443" || link.Target.Mode != session.SecurityModeSecure || link.Target.Token != "jwt-1" {
		t.Fatalf("unexpected link target: %+v", link.Target)
	}
	st := a.Status()
	if !st.Paired || !st.LinkConnected || st.SecurityMode != session.SecurityModeSecure {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestChatSyncAndBackground(t *testing.T) {
	a, dialer := newTestApp(t)
	link := pair(t, a, dialer)

	if _, err := a.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	link.Expect(t, protocol.TypeSyncRequest)
	if state, _, _ := a.SyncState(); state != replication.StateHandshakeSent {
		t.Fatalf("unexpected sync state: %s", state)
	}

	if _, err := a.StartChat(context.Background(), "p1", ""); err != nil {
		t.Fatalf("start chat: %v", err)
	}
	for _, n := range []int{3, 4} {
		leg := dialer.WaitConn(t, n)
		leg.Expect(t, protocol.TypeInitEntity)
		leg.Reply(t, protocol.TypeEntityInfo, protocol.StatusSuccess, protocol.EntityInfo{SessionID: "sess"})
	}
	linktest.Eventually(t, "chat active", func() bool {
		st := a.Status()
		return len(st.Partners) == 1 && st.Partners[0] == "p1" && a.entities.IsDualSessionActive("p1")
	})

	a.Background(context.Background())
	st := a.Status()
	if len(st.Partners) != 0 || !st.Background || !st.LinkConnected {
		t.Fatalf("unexpected status after background: %+v", st)
	}
}

func TestBackgroundCancelsPendingSessionRetry(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	a, dialer := newTestAppWithClock(t, clk)
	pair(t, a, dialer)

	var mu sync.Mutex
	dials := 0
	dialer.SetReject(func(transport.Target) error {
		mu.Lock()
		dials++
		mu.Unlock()
		return errors.New("dial tcp: connection refused")
	})
	dialCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return dials
	}

	if _, err := a.StartChat(context.Background(), "p1", ""); err == nil {
		t.Fatalf("expected start to fail while dials are refused")
	}
	if pending, attempts, _ := a.supervisor.PendingRetry("p1"); !pending || attempts != 1 {
		t.Fatalf("expected armed retry before background: pending=%t attempts=%d", pending, attempts)
	}
	before := dialCount()

	a.Background(context.Background())
	if pending, _, _ := a.supervisor.PendingRetry("p1"); pending {
		t.Fatalf("expected retry cancelled by background")
	}

	clk.Advance(30 * time.Second)
	if n := dialCount(); n != before {
		t.Fatalf("expected no dials while backgrounded, got %d -> %d", before, n)
	}
	if st := a.Status(); len(st.Partners) != 0 {
		t.Fatalf("expected no sessions while backgrounded, got %v", st.Partners)
	}
}

func TestRunReturnsWhenContextEnds(t *testing.T) {
	a, _ := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not return")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	a, _ := newTestApp(t)
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := a.Sync(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
