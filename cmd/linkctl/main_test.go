package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"

	"github.com/danmuck/linkctl/internal/notify"
	"github.com/danmuck/linkctl/internal/testutil/testlog"
)

func TestParseChoice(t *testing.T) {
	cases := map[string]notify.SecurityChoice{
		"1\n":              notify.ChoiceTrustedPinned,
		" trusted-pinned ": notify.ChoiceTrustedPinned,
		"2":                notify.ChoicePlaintext,
		"PLAINTEXT\r\n":    notify.ChoicePlaintext,
		"3":                notify.ChoiceAbort,
		"a":                notify.ChoiceAbort,
	}
	for raw, want := range cases {
		got, ok := parseChoice(raw)
		if !ok || got != want {
			t.Fatalf("parseChoice(%q) = %q,%t want %q", raw, got, ok, want)
		}
	}
	if _, ok := parseChoice("9"); ok {
		t.Fatalf("expected 9 to be rejected")
	}
}

func TestPrompterRetriesInvalidSelection(t *testing.T) {
	testlog.Start(t)
	var out bytes.Buffer
	p := newTerminalPrompter(bufio.NewReader(strings.NewReader("x\n2\n")), &out)
	got := p.ChooseSecurityMode(context.Background(), "host:8443", errors.New("x509: unknown authority"))
	if got != notify.ChoicePlaintext {
		t.Fatalf("expected plaintext, got %q", got)
	}
	if !strings.Contains(out.String(), "Invalid selection.") {
		t.Fatalf("expected invalid selection notice, got %q", out.String())
	}
}

func TestPrompterAbortsOnEOF(t *testing.T) {
	testlog.Start(t)
	var out bytes.Buffer
	p := newTerminalPrompter(bufio.NewReader(strings.NewReader("")), &out)
	if got := p.ChooseSecurityMode(context.Background(), "host:8443", errors.New("bad cert")); got != notify.ChoiceAbort {
		t.Fatalf("expected abort on EOF, got %q", got)
	}
}

func TestRunPrintsUsage(t *testing.T) {
	var out bytes.Buffer
	if err := run(nil, strings.NewReader(""), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "Commands:") {
		t.Fatalf("expected usage, got %q", out.String())
	}
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	err := run([]string{"status", "--bogus"}, strings.NewReader(""), &bytes.Buffer{})
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("expected flag error, got %v", err)
	}
}

func TestInitConfigThenStatus(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "linkctl.toml")

	var out bytes.Buffer
	if err := run([]string{"init-config", "--output", path}, strings.NewReader(""), &out); err != nil {
		t.Fatalf("init-config: %v", err)
	}
	if err := run([]string{"init-config", "--output", path}, strings.NewReader(""), &out); err == nil {
		t.Fatalf("expected existing config to be kept")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read template: %v", err)
	}
	stateDir := filepath.Join(dir, "state")
	withState := strings.Replace(string(raw),
		`# state_dir = "/home/me/.config/linkctl"`,
		`state_dir = "`+filepath.ToSlash(stateDir)+`"`, 1)
	if err := os.WriteFile(path, []byte(withState), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out.Reset()
	if err := run([]string{"status", "--config", path}, strings.NewReader(""), &out); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), "paired:        false") || !strings.Contains(out.String(), "not paired") {
		t.Fatalf("unexpected status output:\n%s", out.String())
	}
	if _, err := os.Stat(stateDir); err != nil {
		t.Fatalf("expected state dir to be created: %v", err)
	}
}

func TestChatRequiresPartner(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "linkctl.toml")
	cfg := "state_dir = \"" + filepath.ToSlash(dir) + "\"\n"
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	err := run([]string{"chat", "--config", path}, strings.NewReader(""), &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "--partner") {
		t.Fatalf("expected partner error, got %v", err)
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	err := run([]string{"teleport"}, strings.NewReader(""), &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}
