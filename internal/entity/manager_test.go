package entity

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/linkctl/internal/clock"
	"github.com/danmuck/linkctl/internal/credstore"
	"github.com/danmuck/linkctl/internal/notify"
	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/protocol/session"
	"github.com/danmuck/linkctl/internal/registry"
	"github.com/danmuck/linkctl/internal/store"
	"github.com/danmuck/linkctl/internal/testutil/linktest"
	"github.com/danmuck/linkctl/internal/testutil/testlog"
	"github.com/danmuck/linkctl/internal/transport"
)

type memMessages struct {
	mu   sync.Mutex
	byID map[string]store.Message
}

func (m *memMessages) SaveMessage(_ context.Context, msg store.Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[msg.ID]; ok {
		return false, nil
	}
	m.byID[msg.ID] = msg
	return true, nil
}

func (m *memMessages) get(id string) (store.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.byID[id]
	return msg, ok
}

type stubPlayer struct{ stops atomic.Int32 }

func (p *stubPlayer) StopPlayback() { p.stops.Add(1) }

type events struct {
	mu       sync.Mutex
	started  []notify.SessionStarted
	stopped  []notify.SessionStopped
	received []store.Message
	typing   []notify.Indicator
	failures []error
}

func (e *events) startedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.started)
}

func (e *events) receivedList() []store.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]store.Message(nil), e.received...)
}

func (e *events) failureList() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.failures...)
}

type fixture struct {
	dialer   *linktest.Dialer
	links    *registry.Registry
	messages *memMessages
	player   *stubPlayer
	events   *events
	manager  *Manager
	link     *linktest.Conn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	testlog.Start(t)
	dialer := linktest.NewDialer()
	links := registry.New(dialer)
	creds := credstore.New(credstore.NewMemoryKV(), nil)
	if err := creds.SaveCredential(credstore.Credential{Token: "jwt", Endpoint: "host:8443"}); err != nil {
		t.Fatalf("save credential: %v", err)
	}
	if err := creds.SetSecurityMode(session.SecurityModePlaintext); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	bus := notify.NewBus()
	ev := &events{}
	bus.OnSessionStarted(func(v notify.SessionStarted) { ev.mu.Lock(); ev.started = append(ev.started, v); ev.mu.Unlock() })
	bus.OnSessionStopped(func(v notify.SessionStopped) { ev.mu.Lock(); ev.stopped = append(ev.stopped, v); ev.mu.Unlock() })
	bus.OnMessageReceived(func(v store.Message) { ev.mu.Lock(); ev.received = append(ev.received, v); ev.mu.Unlock() })
	bus.OnTyping(func(v notify.Indicator) { ev.mu.Lock(); ev.typing = append(ev.typing, v); ev.mu.Unlock() })

	messages := &memMessages{byID: make(map[string]store.Message)}
	player := &stubPlayer{}
	m := NewManager(Config{UserEntityID: "user", DeviceType: "phone", Platform: "android"},
		links, creds, messages, bus, WithClock(clock.NewFake(time.UnixMilli(10_000))), WithPlayer(player))
	m.OnLegFailure(func(_ string, err error) { ev.mu.Lock(); ev.failures = append(ev.failures, err); ev.mu.Unlock() })

	if err := links.CreateConnection(context.Background(), registry.LinkID, registry.KindSync,
		transport.Target{Endpoint: "host:8443", Mode: session.SecurityModePlaintext}); err != nil {
		t.Fatalf("open link: %v", err)
	}
	return &fixture{
		dialer:   dialer,
		links:    links,
		messages: messages,
		player:   player,
		events:   ev,
		manager:  m,
		link:     dialer.WaitConn(t, 1),
	}
}

// start opens the dual session for p1 and returns the user and partner
// legs as seen by the host.
func (f *fixture) start(t *testing.T) (*DualSession, *linktest.Conn, *linktest.Conn) {
	t.Helper()
	ds, err := f.manager.StartDualSession(context.Background(), "p1", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return ds, f.dialer.WaitConn(t, 2), f.dialer.WaitConn(t, 3)
}

func (f *fixture) activate(t *testing.T, user, partner *linktest.Conn) {
	t.Helper()
	partner.Reply(t, protocol.TypeEntityInfo, protocol.StatusSuccess, protocol.EntityInfo{SessionID: "sess-p1"})
	user.Reply(t, protocol.TypeEntityInfo, protocol.StatusSuccess, protocol.EntityInfo{SessionID: "sess-user"})
	linktest.Eventually(t, "dual session active", func() bool { return f.manager.IsDualSessionActive("p1") })
}

func TestDualSessionEndToEnd(t *testing.T) {
	f := newFixture(t)
	_, user, partner := f.start(t)

	for _, tc := range []struct {
		conn   *linktest.Conn
		entity string
	}{{user, "user"}, {partner, "p1"}} {
		init := tc.conn.Expect(t, protocol.TypeInitEntity)
		var p protocol.InitEntity
		if err := init.Decode(&p); err != nil {
			t.Fatalf("decode init: %v", err)
		}
		if p.EntityID != tc.entity || p.DeviceType != "phone" || p.Platform != "android" || p.DeviceID == "" {
			t.Fatalf("unexpected INIT_ENTITY: %+v", p)
		}
		if len(p.Capabilities) != 3 || p.Capabilities[0] != "chat" || p.Capabilities[1] != "voice" || p.Capabilities[2] != "images" {
			t.Fatalf("unexpected capabilities: %v", p.Capabilities)
		}
	}
	if user.Target.Token != "jwt" || partner.Target.Mode != session.SecurityModePlaintext {
		t.Fatalf("legs must ride the stored credential: user=%+v partner=%+v", user.Target, partner.Target)
	}

	partner.Reply(t, protocol.TypeEntityInfo, protocol.StatusSuccess, protocol.EntityInfo{SessionID: "sess-p1"})
	linktest.Eventually(t, "partner leg active", func() bool {
		s, _ := f.manager.Session("p1")
		return s.Partner.Status == StatusActive
	})
	if f.manager.IsDualSessionActive("p1") {
		t.Fatalf("one active leg must not make the dual session active")
	}
	if f.events.startedCount() != 0 {
		t.Fatalf("session started fired with one leg active")
	}

	user.Reply(t, protocol.TypeEntityInfo, protocol.StatusSuccess, protocol.EntityInfo{SessionID: "sess-user"})
	linktest.Eventually(t, "dual session active", func() bool { return f.manager.IsDualSessionActive("p1") })
	user.Reply(t, protocol.TypeEntityInfo, protocol.StatusSuccess, protocol.EntityInfo{SessionID: "sess-user"})
	time.Sleep(20 * time.Millisecond)
	if n := f.events.startedCount(); n != 1 {
		t.Fatalf("expected session started exactly once, got %d", n)
	}

	msg, err := f.manager.SendTextMessage(context.Background(), "p1", "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	out := partner.Expect(t, protocol.TypeEntityUtterance)
	var u protocol.Utterance
	if err := out.Decode(&u); err != nil {
		t.Fatalf("decode utterance: %v", err)
	}
	if u.Content != "hi" || u.Type != protocol.UtteranceText || u.EntityID != "p1" || u.MessageID != msg.ID {
		t.Fatalf("unexpected utterance: %+v", u)
	}
	user.ExpectNone(t, 20*time.Millisecond)
	if stored, ok := f.messages.get(msg.ID); !ok || !stored.Outbound || stored.SenderID != "user" {
		t.Fatalf("expected outbound message persisted, got %+v ok=%t", stored, ok)
	}
}

func TestStartDualSessionIdempotent(t *testing.T) {
	f := newFixture(t)
	first, _, _ := f.start(t)
	second, err := f.manager.StartDualSession(context.Background(), "p1", "user")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same dual session")
	}
	if n := f.dialer.Count(); n != 3 {
		t.Fatalf("expected no duplicate connections, dialed %d", n)
	}
}

func TestStartDualSessionRequiresLink(t *testing.T) {
	f := newFixture(t)
	f.links.Disconnect(registry.LinkID)
	_, err := f.manager.StartDualSession(context.Background(), "p1", "user")
	if !errors.Is(err, ErrLinkNotConnected) {
		t.Fatalf("expected ErrLinkNotConnected, got %v", err)
	}
	if _, err := f.manager.StartDualSession(context.Background(), "user", "user"); !errors.Is(err, ErrInvalidEntity) {
		t.Fatalf("expected ErrInvalidEntity, got %v", err)
	}
}

func TestStartDualSessionEntityInUse(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	if _, err := f.manager.StartDualSession(context.Background(), "p2", "user"); !errors.Is(err, ErrEntityInUse) {
		t.Fatalf("expected ErrEntityInUse, got %v", err)
	}
}

func TestStartDualSessionOpenFailureCleansUp(t *testing.T) {
	f := newFixture(t)
	var dials atomic.Int32
	f.dialer.SetReject(func(transport.Target) error {
		if dials.Add(1) == 2 {
			return errors.New("dial tcp: connection refused")
		}
		return nil
	})
	if _, err := f.manager.StartDualSession(context.Background(), "p1", "user"); err == nil {
		t.Fatalf("expected start failure")
	}
	if len(f.manager.Partners()) != 0 {
		t.Fatalf("failed start must not leave a session")
	}
	if !f.dialer.WaitConn(t, 2).IsClosed() {
		t.Fatalf("expected opened user leg closed")
	}
}

func TestSendRequiresActivePartner(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	if _, err := f.manager.SendTextMessage(context.Background(), "p1", "hi"); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("expected ErrSessionNotActive, got %v", err)
	}
	if _, err := f.manager.SendTextMessage(context.Background(), "nobody", "hi"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestSendAudioAndImagePayloads(t *testing.T) {
	f := newFixture(t)
	_, user, partner := f.start(t)
	f.activate(t, user, partner)
	partner.Expect(t, protocol.TypeInitEntity)

	if _, err := f.manager.SendAudioMessage(context.Background(), "p1", []byte("pcm"), "audio/m4a", 1500*time.Millisecond); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	var audio protocol.Utterance
	_ = partner.Expect(t, protocol.TypeEntityUtterance).Decode(&audio)
	if audio.Type != protocol.UtteranceAudio || audio.Audio != base64.StdEncoding.EncodeToString([]byte("pcm")) || audio.AudioType != "audio/m4a" || audio.AudioDuration != 1.5 {
		t.Fatalf("unexpected audio payload: %+v", audio)
	}

	if _, err := f.manager.SendImageMessage(context.Background(), "p1", []byte("png"), "image/png", "look"); err != nil {
		t.Fatalf("send image: %v", err)
	}
	var image protocol.Utterance
	_ = partner.Expect(t, protocol.TypeEntityUtterance).Decode(&image)
	if image.Type != protocol.UtteranceImage || image.ImageData != base64.StdEncoding.EncodeToString([]byte("png")) || image.ImageMimeType != "image/png" || image.Content != "look" {
		t.Fatalf("unexpected image payload: %+v", image)
	}
}

func TestInboundUtteranceDeduplicated(t *testing.T) {
	f := newFixture(t)
	_, user, partner := f.start(t)
	f.activate(t, user, partner)

	payload := protocol.Utterance{
		EntityID:  "p1",
		Type:      protocol.UtteranceAudio,
		MessageID: "m-1",
		Audio:     base64.StdEncoding.EncodeToString([]byte{1, 2, 3}),
		AudioType: "audio/ogg",
	}
	partner.Reply(t, protocol.TypeEntityUtterance, protocol.StatusNew, payload)
	partner.Reply(t, protocol.TypeEntityUtterance, protocol.StatusNew, payload)
	partner.Reply(t, protocol.TypeEntityUtterance, protocol.StatusNew, protocol.Utterance{EntityID: "p1", Content: "no id", Type: protocol.UtteranceText})

	linktest.Eventually(t, "messages received", func() bool { return len(f.events.receivedList()) == 2 })
	time.Sleep(20 * time.Millisecond)
	got := f.events.receivedList()
	if len(got) != 2 {
		t.Fatalf("expected duplicate suppressed, got %d messages", len(got))
	}
	if got[0].ID != "m-1" || string(got[0].Attachment) != "\x01\x02\x03" || got[0].AttachmentMIME != "audio/ogg" || got[0].PartnerID != "p1" {
		t.Fatalf("unexpected audio message: %+v", got[0])
	}
	if got[1].ID == "" || got[1].Content != "no id" {
		t.Fatalf("expected envelope id fallback, got %+v", got[1])
	}
}

func TestIndicatorsReemitted(t *testing.T) {
	f := newFixture(t)
	_, user, partner := f.start(t)
	f.activate(t, user, partner)
	partner.Reply(t, protocol.TypeTypingIndicator, protocol.StatusNew, protocol.Indicator{EntityID: "p1", IsTyping: true})
	linktest.Eventually(t, "typing", func() bool {
		f.events.mu.Lock()
		defer f.events.mu.Unlock()
		return len(f.events.typing) == 1
	})
	f.events.mu.Lock()
	got := f.events.typing[0]
	f.events.mu.Unlock()
	if got.PartnerID != "p1" || got.EntityID != "p1" || !got.Active {
		t.Fatalf("unexpected indicator: %+v", got)
	}
}

func TestUnknownEntityDropped(t *testing.T) {
	f := newFixture(t)
	ev, _ := protocol.NewEvent(protocol.TypeEntityUtterance, protocol.Utterance{EntityID: "stranger", Content: "x"})
	f.manager.HandleEntityEvent(context.Background(), "stranger", ev)
	if len(f.events.receivedList()) != 0 {
		t.Fatalf("unknown entity event must be dropped")
	}
}

func TestStopSession(t *testing.T) {
	f := newFixture(t)
	_, user, partner := f.start(t)
	f.activate(t, user, partner)
	user.Expect(t, protocol.TypeInitEntity)
	partner.Expect(t, protocol.TypeInitEntity)

	if err := f.manager.StopSession(context.Background(), "p1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	for _, conn := range []*linktest.Conn{user, partner} {
		end := conn.Expect(t, protocol.TypeEntitySessionEnd)
		var p protocol.SessionEnd
		_ = end.Decode(&p)
		if p.SessionID == "" {
			t.Fatalf("expected session id in session end")
		}
		if !conn.IsClosed() {
			t.Fatalf("expected leg closed")
		}
	}
	if f.manager.IsDualSessionActive("p1") || len(f.manager.Partners()) != 0 {
		t.Fatalf("expected session removed")
	}
	if f.player.stops.Load() != 1 {
		t.Fatalf("expected playback stopped")
	}
	f.events.mu.Lock()
	stopped := len(f.events.stopped)
	f.events.mu.Unlock()
	if stopped != 1 {
		t.Fatalf("expected one stopped notification, got %d", stopped)
	}
	if len(f.events.failureList()) != 0 {
		t.Fatalf("requested disconnects must not report failures")
	}
	if err := f.manager.StopSession(context.Background(), "p1"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession on second stop, got %v", err)
	}
}

func TestDiscardSessionIsSilent(t *testing.T) {
	f := newFixture(t)
	_, user, partner := f.start(t)
	user.Expect(t, protocol.TypeInitEntity)
	partner.Expect(t, protocol.TypeInitEntity)

	if err := f.manager.DiscardSession(context.Background(), "p1"); err != nil {
		t.Fatalf("discard: %v", err)
	}
	for _, conn := range []*linktest.Conn{user, partner} {
		if !conn.IsClosed() {
			t.Fatalf("expected leg closed")
		}
	}
	if len(f.manager.Partners()) != 0 {
		t.Fatalf("expected session removed")
	}
	f.events.mu.Lock()
	stopped := len(f.events.stopped)
	f.events.mu.Unlock()
	if stopped != 0 {
		t.Fatalf("discard must not notify session stopped, got %d", stopped)
	}
	if err := f.manager.DiscardSession(context.Background(), "p1"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession on second discard, got %v", err)
	}
}

func TestStopAllForBackgrounding(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	if _, err := f.manager.StartDualSession(context.Background(), "p2", "user2"); err != nil {
		t.Fatalf("start p2: %v", err)
	}
	f.manager.StopAll(context.Background())
	if len(f.manager.Partners()) != 0 {
		t.Fatalf("expected every session stopped")
	}
}

func TestLegClosureReportsFailure(t *testing.T) {
	f := newFixture(t)
	_, user, partner := f.start(t)
	f.activate(t, user, partner)
	partner.Drop(errors.New("connection reset"))

	linktest.Eventually(t, "leg failure", func() bool { return len(f.events.failureList()) == 1 })
	if !errors.Is(f.events.failureList()[0], ErrLegClosed) {
		t.Fatalf("expected ErrLegClosed, got %v", f.events.failureList()[0])
	}
	if f.manager.IsDualSessionActive("p1") {
		t.Fatalf("expected inactive after leg closure")
	}
	s, ok := f.manager.Session("p1")
	if !ok || s.Partner.Status != StatusDisconnected || s.User.Status != StatusActive {
		t.Fatalf("unexpected leg states: %+v %+v", s.User, s.Partner)
	}
}

func TestEntityInfoErrorReportsNotFound(t *testing.T) {
	f := newFixture(t)
	_, _, partner := f.start(t)
	partner.Reply(t, protocol.TypeEntityInfo, protocol.StatusError, protocol.EntityInfo{Message: "no such entity"})
	linktest.Eventually(t, "failure", func() bool { return len(f.events.failureList()) == 1 })
	if !errors.Is(f.events.failureList()[0], ErrEntityNotFound) {
		t.Fatalf("expected ErrEntityNotFound, got %v", f.events.failureList()[0])
	}
}
