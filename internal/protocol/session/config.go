package session

import "time"

// BackoffConfig defines exponential retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines link reliability defaults.
type Config struct {
	ConnectTimeout time.Duration
	// ConfirmTimeout bounds the wait for one SYNC_DATA_CONFIRM and for
	// the SYNC_ACCEPT that opens a cycle.
	ConfirmTimeout time.Duration
	// SessionInitTimeout is the watchdog armed after each dual session start.
	SessionInitTimeout time.Duration
	// LinkSchedule is the fixed reconnect schedule for the general link.
	LinkSchedule []time.Duration
	// SessionBackoff and SessionMaxAttempts bound dual session init retries.
	SessionBackoff     BackoffConfig
	SessionMaxAttempts int
}

// DefaultLinkSchedule is the general link reconnect schedule.
func DefaultLinkSchedule() []time.Duration {
	return []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
	}
}

// DefaultConfig returns the link reliability defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:     10 * time.Second,
		ConfirmTimeout:     30 * time.Second,
		SessionInitTimeout: 15 * time.Second,
		LinkSchedule:       DefaultLinkSchedule(),
		SessionBackoff: BackoffConfig{
			InitialDelay: 1000 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     10000 * time.Millisecond,
			Jitter:       false,
		},
		SessionMaxAttempts: 3,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = def.ConfirmTimeout
	}
	if c.SessionInitTimeout <= 0 {
		c.SessionInitTimeout = def.SessionInitTimeout
	}
	if len(c.LinkSchedule) == 0 {
		c.LinkSchedule = def.LinkSchedule
	}
	if c.SessionBackoff.InitialDelay <= 0 {
		c.SessionBackoff = def.SessionBackoff
	}
	if c.SessionMaxAttempts <= 0 {
		c.SessionMaxAttempts = def.SessionMaxAttempts
	}
	return c
}
