package session

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/linkctl/internal/clock"
	"github.com/danmuck/linkctl/internal/testutil/testlog"
)

func TestBackoffDelayDoublesToCap(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig().SessionBackoff
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		10000 * time.Millisecond,
		10000 * time.Millisecond,
	}
	for i, w := range want {
		if got := cfg.Delay(i+1, nil); got != w {
			t.Fatalf("attempt%d got=%v want=%v", i+1, got, w)
		}
	}
}

func TestBackoffDelayJitterStaysBelowBase(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	got := cfg.Delay(2, rng)
	if got < 250*time.Millisecond || got >= 500*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestScheduleDelayClampsToLastEntry(t *testing.T) {
	testlog.Start(t)
	schedule := DefaultLinkSchedule()
	want := []time.Duration{1000, 2000, 4000, 8000, 16000, 30000, 30000}
	for attempt, ms := range want {
		if got := ScheduleDelay(schedule, attempt); got != ms*time.Millisecond {
			t.Fatalf("attempt %d got=%v want=%dms", attempt, got, ms)
		}
	}
	if got := ScheduleDelay(nil, 3); got != 0 {
		t.Fatalf("empty schedule got=%v", got)
	}
}

func TestParseSecurityMode(t *testing.T) {
	testlog.Start(t)
	cases := map[string]SecurityMode{
		"":               SecurityModeSecure,
		"SECURE":         SecurityModeSecure,
		"trusted-pinned": SecurityModeTrustedPinned,
		"pinned":         SecurityModeTrustedPinned,
		" plaintext ":    SecurityModePlaintext,
	}
	for raw, want := range cases {
		got, err := ParseSecurityMode(raw)
		if err != nil || got != want {
			t.Fatalf("ParseSecurityMode(%q)=%q,%v want %q", raw, got, err, want)
		}
	}
	if _, err := ParseSecurityMode("tofu"); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
}

func TestValidatePairingMode(t *testing.T) {
	testlog.Start(t)
	if err := ValidatePairingMode(SecurityModeSecure); !errors.Is(err, ErrPairingModeNotAllow) {
		t.Fatalf("expected secure to be refused for pairing, got %v", err)
	}
	if err := ValidatePairingMode(SecurityModeTrustedPinned); err != nil {
		t.Fatalf("trusted-pinned pairing: %v", err)
	}
	if err := ValidatePairingMode(SecurityModePlaintext); err != nil {
		t.Fatalf("plaintext pairing: %v", err)
	}
}

func TestConfirmationsResolveBeforeTimeout(t *testing.T) {
	testlog.Start(t)
	clk := clock.NewFake(time.Unix(1700000000, 0))
	c := NewConfirmations(clk)

	ch := c.Expect("evt.1", 30*time.Second)
	if _, ok := c.Get("evt.1"); !ok {
		t.Fatalf("expected pending confirmation")
	}
	if !c.Resolve("evt.1", true) {
		t.Fatalf("expected resolve to find pending event")
	}
	if got := <-ch; !got {
		t.Fatalf("expected success result")
	}
	if c.Resolve("evt.1", false) {
		t.Fatalf("second resolve must not find the event")
	}
	if clk.PendingCount() != 0 {
		t.Fatalf("timeout timer should be cancelled, pending=%d", clk.PendingCount())
	}
	clk.Advance(time.Minute)
	select {
	case v := <-ch:
		t.Fatalf("unexpected second result %v", v)
	default:
	}
}

func TestConfirmationsTimeoutResolvesFalseOnce(t *testing.T) {
	testlog.Start(t)
	clk := clock.NewFake(time.Unix(1700000000, 0))
	c := NewConfirmations(clk)

	ch := c.Expect("evt.2", 30*time.Second)
	clk.Advance(29 * time.Second)
	select {
	case <-ch:
		t.Fatalf("resolved before deadline")
	default:
	}
	clk.Advance(time.Second)
	if got := <-ch; got {
		t.Fatalf("timeout must resolve false")
	}
	if c.Resolve("evt.2", true) {
		t.Fatalf("late confirmation must be ignored")
	}
	if len(c.List()) != 0 {
		t.Fatalf("expected empty pending list")
	}
}
