// Package config loads the linkctl TOML file. Keys absent from the file
// keep their defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/linkctl/internal/protocol/session"
	"github.com/danmuck/linkctl/internal/store"
)

var ErrInvalidConfig = errors.New("config: invalid")

type Config struct {
	// DeviceID overrides the generated device id kept in the credential store.
	DeviceID     string
	DeviceName   string
	DeviceType   string
	Platform     string
	UserEntityID string
	StateDir     string

	PairingEndpoint string
	PairingSecurity session.SecurityMode

	Session    session.Config
	SyncTables []string
}

// Default returns the configuration used when no file is given.
func Default() Config {
	name, err := os.Hostname()
	if err != nil || strings.TrimSpace(name) == "" {
		name = "linkctl"
	}
	return Config{
		DeviceName:      name,
		DeviceType:      "mobile",
		Platform:        runtime.GOOS,
		UserEntityID:    "user",
		StateDir:        defaultStateDir(),
		PairingSecurity: session.SecurityModeSecure,
		Session:         session.DefaultConfig(),
		SyncTables:      store.ReplicableTables(),
	}
}

func defaultStateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return ".linkctl"
	}
	return filepath.Join(dir, "linkctl")
}

type fileConfig struct {
	DeviceID        string           `toml:"device_id"`
	DeviceName      string           `toml:"device_name"`
	DeviceType      string           `toml:"device_type"`
	Platform        string           `toml:"platform"`
	UserEntityID    string           `toml:"user_entity_id"`
	StateDir        string           `toml:"state_dir"`
	PairingEndpoint string           `toml:"pairing_endpoint"`
	PairingSecurity string           `toml:"pairing_security"`
	Timeouts        fileTimeouts     `toml:"timeouts"`
	Reconnect       fileReconnect    `toml:"reconnect"`
	SessionRetry    fileSessionRetry `toml:"session_retry"`
	Sync            fileSync         `toml:"sync"`
}

type fileTimeouts struct {
	Connect     string `toml:"connect"`
	Confirm     string `toml:"confirm"`
	SessionInit string `toml:"session_init"`
}

type fileReconnect struct {
	Schedule []string `toml:"schedule"`
}

type fileSessionRetry struct {
	Initial     string  `toml:"initial"`
	Multiplier  float64 `toml:"multiplier"`
	Max         string  `toml:"max"`
	MaxAttempts int     `toml:"max_attempts"`
}

type fileSync struct {
	Tables []string `toml:"tables"`
}

// Load reads path over Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q in %s", ErrInvalidConfig, undecoded[0].String(), path)
	}

	strs := []struct {
		key string
		src string
		dst *string
	}{
		{"device_id", raw.DeviceID, &cfg.DeviceID},
		{"device_name", raw.DeviceName, &cfg.DeviceName},
		{"device_type", raw.DeviceType, &cfg.DeviceType},
		{"platform", raw.Platform, &cfg.Platform},
		{"user_entity_id", raw.UserEntityID, &cfg.UserEntityID},
		{"state_dir", raw.StateDir, &cfg.StateDir},
		{"pairing_endpoint", raw.PairingEndpoint, &cfg.PairingEndpoint},
	}
	for _, s := range strs {
		if meta.IsDefined(s.key) {
			*s.dst = strings.TrimSpace(s.src)
		}
	}

	if meta.IsDefined("pairing_security") {
		mode, err := session.ParseSecurityMode(raw.PairingSecurity)
		if err != nil {
			return Config{}, fmt.Errorf("parse pairing_security: %w", err)
		}
		cfg.PairingSecurity = mode
	}

	durations := []struct {
		key []string
		src string
		dst *time.Duration
	}{
		{[]string{"timeouts", "connect"}, raw.Timeouts.Connect, &cfg.Session.ConnectTimeout},
		{[]string{"timeouts", "confirm"}, raw.Timeouts.Confirm, &cfg.Session.ConfirmTimeout},
		{[]string{"timeouts", "session_init"}, raw.Timeouts.SessionInit, &cfg.Session.SessionInitTimeout},
		{[]string{"session_retry", "initial"}, raw.SessionRetry.Initial, &cfg.Session.SessionBackoff.InitialDelay},
		{[]string{"session_retry", "max"}, raw.SessionRetry.Max, &cfg.Session.SessionBackoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.src))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", strings.Join(d.key, "."), err)
		}
		*d.dst = v
	}

	if meta.IsDefined("session_retry", "multiplier") {
		cfg.Session.SessionBackoff.Multiplier = raw.SessionRetry.Multiplier
	}
	if meta.IsDefined("session_retry", "max_attempts") {
		cfg.Session.SessionMaxAttempts = raw.SessionRetry.MaxAttempts
	}

	if meta.IsDefined("reconnect", "schedule") {
		schedule := make([]time.Duration, 0, len(raw.Reconnect.Schedule))
		for i, s := range raw.Reconnect.Schedule {
			v, err := time.ParseDuration(strings.TrimSpace(s))
			if err != nil {
				return Config{}, fmt.Errorf("parse reconnect.schedule[%d]: %w", i, err)
			}
			schedule = append(schedule, v)
		}
		cfg.Session.LinkSchedule = schedule
	}

	if meta.IsDefined("sync", "tables") {
		cfg.SyncTables = normalizeList(raw.Sync.Tables)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DeviceType) == "" {
		return fmt.Errorf("%w: device_type is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.UserEntityID) == "" {
		return fmt.Errorf("%w: user_entity_id is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.StateDir) == "" {
		return fmt.Errorf("%w: state_dir is required", ErrInvalidConfig)
	}
	if err := c.PairingSecurity.Validate(); err != nil {
		return fmt.Errorf("%w: pairing_security: %w", ErrInvalidConfig, err)
	}
	s := c.Session
	for _, d := range []struct {
		key string
		v   time.Duration
	}{
		{"timeouts.connect", s.ConnectTimeout},
		{"timeouts.confirm", s.ConfirmTimeout},
		{"timeouts.session_init", s.SessionInitTimeout},
		{"session_retry.initial", s.SessionBackoff.InitialDelay},
	} {
		if d.v <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, d.key)
		}
	}
	if s.SessionBackoff.MaxDelay > 0 && s.SessionBackoff.MaxDelay < s.SessionBackoff.InitialDelay {
		return fmt.Errorf("%w: session_retry.max below session_retry.initial", ErrInvalidConfig)
	}
	if s.SessionBackoff.Multiplier < 1 {
		return fmt.Errorf("%w: session_retry.multiplier must be >= 1", ErrInvalidConfig)
	}
	if s.SessionMaxAttempts < 1 {
		return fmt.Errorf("%w: session_retry.max_attempts must be >= 1", ErrInvalidConfig)
	}
	if len(s.LinkSchedule) == 0 {
		return fmt.Errorf("%w: reconnect.schedule is empty", ErrInvalidConfig)
	}
	for i, d := range s.LinkSchedule {
		if d <= 0 {
			return fmt.Errorf("%w: reconnect.schedule[%d] must be positive", ErrInvalidConfig, i)
		}
	}
	if len(c.SyncTables) == 0 {
		return fmt.Errorf("%w: sync.tables is empty", ErrInvalidConfig)
	}
	known := store.ReplicableTables()
	for _, table := range c.SyncTables {
		if !slices.Contains(known, table) {
			return fmt.Errorf("%w: sync.tables: unknown table %q", ErrInvalidConfig, table)
		}
	}
	return nil
}

// CredentialsPath is the age-encrypted credential directory.
func (c Config) CredentialsPath() string {
	return filepath.Join(c.StateDir, "credentials")
}

// ReplicaPath is the replica database file.
func (c Config) ReplicaPath() string {
	return filepath.Join(c.StateDir, "replica.db")
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || slices.Contains(out, v) {
			continue
		}
		out = append(out, v)
	}
	return out
}
