package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/linkctl/internal/protocol/session"
	"github.com/danmuck/linkctl/internal/store"
	"github.com/danmuck/linkctl/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "linkctl.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadOverridesOnlyDefinedKeys(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
device_name = " tablet "
user_entity_id = "ava"
state_dir = "/tmp/linkctl"
pairing_security = "pinned"

[timeouts]
confirm = "5s"

[session_retry]
max_attempts = 5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := Default()
	if cfg.DeviceName != "tablet" || cfg.UserEntityID != "ava" || cfg.StateDir != "/tmp/linkctl" {
		t.Fatalf("unexpected identity: %+v", cfg)
	}
	if cfg.PairingSecurity != session.SecurityModeTrustedPinned {
		t.Fatalf("unexpected pairing security: %q", cfg.PairingSecurity)
	}
	if cfg.Session.ConfirmTimeout != 5*time.Second {
		t.Fatalf("unexpected confirm timeout: %v", cfg.Session.ConfirmTimeout)
	}
	if cfg.Session.ConnectTimeout != def.Session.ConnectTimeout || cfg.Session.SessionInitTimeout != 15*time.Second {
		t.Fatalf("undefined timeouts must keep defaults: %+v", cfg.Session)
	}
	if cfg.Session.SessionMaxAttempts != 5 || cfg.Session.SessionBackoff.InitialDelay != time.Second {
		t.Fatalf("unexpected session retry: %+v", cfg.Session.SessionBackoff)
	}
	if cfg.DeviceType != "mobile" || len(cfg.SyncTables) != len(store.ReplicableTables()) {
		t.Fatalf("unexpected defaults: type=%q tables=%v", cfg.DeviceType, cfg.SyncTables)
	}
	if cfg.ReplicaPath() != filepath.Join("/tmp/linkctl", "replica.db") {
		t.Fatalf("unexpected replica path: %q", cfg.ReplicaPath())
	}
}

func TestLoadScheduleAndTables(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
[reconnect]
schedule = ["500ms", "1s"]

[sync]
tables = ["chat_messages", " chat_messages ", "user_settings"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Session.LinkSchedule) != 2 || cfg.Session.LinkSchedule[0] != 500*time.Millisecond {
		t.Fatalf("unexpected schedule: %v", cfg.Session.LinkSchedule)
	}
	if len(cfg.SyncTables) != 2 || cfg.SyncTables[0] != "chat_messages" || cfg.SyncTables[1] != "user_settings" {
		t.Fatalf("unexpected tables: %v", cfg.SyncTables)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		body string
		want string
	}{
		{name: "duration", body: "[timeouts]\nconnect = \"soon\"\n", want: "timeouts.connect"},
		{name: "schedule", body: "[reconnect]\nschedule = [\"1s\", \"x\"]\n", want: "reconnect.schedule[1]"},
		{name: "security", body: "pairing_security = \"tofu\"\n", want: "pairing_security"},
		{name: "table", body: "[sync]\ntables = [\"contacts\"]\n", want: "contacts"},
		{name: "attempts", body: "[session_retry]\nmax_attempts = 0\n", want: "max_attempts"},
		{name: "multiplier", body: "[session_retry]\nmultiplier = 0.5\n", want: "multiplier"},
		{name: "unknown", body: "colour = \"blue\"\n", want: "colour"},
	}
	for _, tc := range cases {
		_, err := Load(writeConfig(t, tc.body))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error naming %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestValidateEmptyScheduleIsInvalid(t *testing.T) {
	cfg := Default()
	cfg.Session.LinkSchedule = nil
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestTemplateLoads(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "linkctl.toml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if cfg.PairingEndpoint != "desktop.local:8443" || cfg.Platform != "android" {
		t.Fatalf("unexpected template values: %+v", cfg)
	}
	if cfg.Session.SessionBackoff.Multiplier != 2 || cfg.Session.SessionBackoff.MaxDelay != 10*time.Second {
		t.Fatalf("unexpected template backoff: %+v", cfg.Session.SessionBackoff)
	}
}
