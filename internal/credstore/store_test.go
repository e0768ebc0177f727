package credstore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/linkctl/internal/clock"
	"github.com/danmuck/linkctl/internal/protocol/session"
	"github.com/danmuck/linkctl/internal/testutil/testlog"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestStoreCredentialLifecycle(t *testing.T) {
	testlog.Start(t)
	clk := clock.NewFake(epoch)
	s := New(NewMemoryKV(), clk)

	if s.IsPaired() {
		t.Fatalf("expected unpaired store")
	}
	if s.IsTokenExpired() {
		t.Fatalf("missing credential must not read as expired")
	}
	if err := s.SaveCredential(Credential{Token: "jwt"}); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}

	cred := Credential{
		Token:       "jwt-1",
		Endpoint:    "10.0.0.5:8443",
		Certificate: "-----BEGIN CERTIFICATE-----",
		ExpiresAt:   epoch.Add(time.Hour),
	}
	if err := s.SaveCredential(cred); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !s.IsPaired() {
		t.Fatalf("expected paired")
	}
	got, ok, err := s.Credential()
	if err != nil || !ok {
		t.Fatalf("credential: ok=%t err=%v", ok, err)
	}
	if got.Token != cred.Token || got.Endpoint != cred.Endpoint || got.Certificate != cred.Certificate || !got.ExpiresAt.Equal(cred.ExpiresAt) {
		t.Fatalf("credential mismatch: %+v", got)
	}
	if s.IsTokenExpired() {
		t.Fatalf("expected unexpired token")
	}
	clk.Advance(time.Hour)
	if !s.IsTokenExpired() {
		t.Fatalf("expected expired token at expiry")
	}

	if err := s.SaveCredential(Credential{Token: "jwt-2", Endpoint: "10.0.0.5:8443"}); err != nil {
		t.Fatalf("refresh save: %v", err)
	}
	if s.IsTokenExpired() {
		t.Fatalf("credential without expiry must not expire")
	}
	got, _, _ = s.Credential()
	if got.Certificate != "" {
		t.Fatalf("expected certificate cleared, got %q", got.Certificate)
	}
}

func TestStoreSecurityModeAndWatermark(t *testing.T) {
	s := New(NewMemoryKV(), clock.NewFake(epoch))
	if mode := s.SecurityMode(); mode != session.SecurityModeSecure {
		t.Fatalf("expected default secure, got %s", mode)
	}
	if err := s.SetSecurityMode("pinned"); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if mode := s.SecurityMode(); mode != session.SecurityModeTrustedPinned {
		t.Fatalf("expected trusted-pinned, got %s", mode)
	}
	if err := s.SetSecurityMode("bogus"); !errors.Is(err, session.ErrInvalidSecurityMode) {
		t.Fatalf("expected invalid mode error, got %v", err)
	}

	wm, err := s.Watermark()
	if err != nil || !wm.IsZero() {
		t.Fatalf("expected zero watermark, got %v err=%v", wm, err)
	}
	if err := s.SetWatermark(epoch); err != nil {
		t.Fatalf("set watermark: %v", err)
	}
	wm, err = s.Watermark()
	if err != nil || !wm.Equal(epoch) {
		t.Fatalf("watermark mismatch: %v err=%v", wm, err)
	}
}

func TestStoreDeviceIDStableAcrossClear(t *testing.T) {
	s := New(NewMemoryKV(), nil)
	id, err := s.DeviceID()
	if err != nil || id == "" {
		t.Fatalf("device id: %q err=%v", id, err)
	}
	if err := s.SaveCredential(Credential{Token: "t", Endpoint: "e:1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if s.IsPaired() {
		t.Fatalf("expected unpaired after clear")
	}
	again, _ := s.DeviceID()
	if again != id {
		t.Fatalf("device id changed across clear: %q != %q", again, id)
	}
}

func TestFileKVRoundTripEncrypted(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	kv, err := OpenFileKV(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s := New(kv, clock.NewFake(epoch))
	if err := s.SaveCredential(Credential{Token: "secret-token", Endpoint: "host:8443", ExpiresAt: epoch.Add(time.Hour)}); err != nil {
		t.Fatalf("save: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, valuesFile))
	if err != nil {
		t.Fatalf("read values file: %v", err)
	}
	if bytes.Contains(raw, []byte("secret-token")) {
		t.Fatalf("values file holds plaintext token")
	}
	info, err := os.Stat(filepath.Join(dir, identityFile))
	if err != nil {
		t.Fatalf("stat identity: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("identity permissions=%o want 600", perm)
	}

	reopened, err := OpenFileKV(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok, err := New(reopened, clock.NewFake(epoch)).Credential()
	if err != nil || !ok {
		t.Fatalf("credential after reopen: ok=%t err=%v", ok, err)
	}
	if got.Token != "secret-token" || !got.ExpiresAt.Equal(epoch.Add(time.Hour)) {
		t.Fatalf("unexpected credential after reopen: %+v", got)
	}

	if err := reopened.Remove(KeyToken); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := reopened.Get(KeyToken); ok {
		t.Fatalf("expected token removed")
	}
}

func TestFileKVRejectsForeignIdentity(t *testing.T) {
	dir := t.TempDir()
	kv, err := OpenFileKV(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := kv.Set("k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, identityFile)); err != nil {
		t.Fatalf("remove identity: %v", err)
	}
	if _, err := OpenFileKV(dir); err == nil {
		t.Fatalf("expected decrypt failure with a fresh identity")
	}
}
