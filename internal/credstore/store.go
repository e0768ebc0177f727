package credstore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danmuck/linkctl/internal/clock"
	"github.com/danmuck/linkctl/internal/protocol/session"
)

const (
	KeyToken        = "link.token"
	KeyEndpoint     = "link.endpoint"
	KeyCertificate  = "link.certificate"
	KeyTokenExpiry  = "link.token_expiry_ms"
	KeySecurityMode = "link.security_mode"
	KeyWatermark    = "sync.watermark_ms"
	KeyDeviceID     = "device.id"
)

var ErrInvalidCredential = errors.New("credstore: invalid credential")

// Credential is the result of an accepted handshake.
type Credential struct {
	Token       string
	Endpoint    string
	Certificate string
	// ExpiresAt is zero when the link host issued no expiry.
	ExpiresAt time.Time
}

func (c Credential) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidCredential)
	}
	if strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("%w: missing endpoint", ErrInvalidCredential)
	}
	return nil
}

// Store is the single writer of persisted pairing state.
type Store struct {
	kv    KV
	clock clock.Clock
	mu    sync.Mutex
}

func New(kv KV, clk clock.Clock) *Store {
	if kv == nil {
		kv = NewMemoryKV()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{kv: kv, clock: clk}
}

func (s *Store) Credential() (Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok, err := s.kv.Get(KeyToken)
	if err != nil || !ok || token == "" {
		return Credential{}, false, err
	}
	endpoint, _, err := s.kv.Get(KeyEndpoint)
	if err != nil {
		return Credential{}, false, err
	}
	cert, _, err := s.kv.Get(KeyCertificate)
	if err != nil {
		return Credential{}, false, err
	}
	expiry, err := s.timeValue(KeyTokenExpiry)
	if err != nil {
		return Credential{}, false, err
	}
	return Credential{
		Token:       token,
		Endpoint:    endpoint,
		Certificate: cert,
		ExpiresAt:   expiry,
	}, true, nil
}

func (s *Store) SaveCredential(c Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Set(KeyToken, c.Token); err != nil {
		return err
	}
	if err := s.kv.Set(KeyEndpoint, c.Endpoint); err != nil {
		return err
	}
	if c.Certificate != "" {
		if err := s.kv.Set(KeyCertificate, c.Certificate); err != nil {
			return err
		}
	} else if err := s.kv.Remove(KeyCertificate); err != nil {
		return err
	}
	if c.ExpiresAt.IsZero() {
		return s.kv.Remove(KeyTokenExpiry)
	}
	return s.setTime(KeyTokenExpiry, c.ExpiresAt)
}

// IsPaired reports whether a usable credential is stored.
func (s *Store) IsPaired() bool {
	c, ok, err := s.Credential()
	return err == nil && ok && c.Validate() == nil
}

// IsTokenExpired reports whether the stored credential has passed its
// expiry. A credential without expiry never expires.
func (s *Store) IsTokenExpired() bool {
	c, ok, err := s.Credential()
	if err != nil || !ok || c.ExpiresAt.IsZero() {
		return false
	}
	return !s.clock.Now().Before(c.ExpiresAt)
}

// SecurityMode returns the persisted link security mode, secure when unset.
func (s *Store) SecurityMode() session.SecurityMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok, err := s.kv.Get(KeySecurityMode)
	if err != nil || !ok {
		return session.SecurityModeSecure
	}
	mode, err := session.ParseSecurityMode(raw)
	if err != nil {
		return session.SecurityModeSecure
	}
	return mode
}

func (s *Store) SetSecurityMode(mode session.SecurityMode) error {
	mode = session.NormalizeSecurityMode(mode)
	if err := mode.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Set(KeySecurityMode, string(mode))
}

// Watermark returns the start time of the last completed replication
// cycle, zero when none completed.
func (s *Store) Watermark() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeValue(KeyWatermark)
}

func (s *Store) SetWatermark(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setTime(KeyWatermark, t)
}

// DeviceID returns the stable device id, generating it on first use.
func (s *Store) DeviceID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok, err := s.kv.Get(KeyDeviceID)
	if err != nil {
		return "", err
	}
	if ok && id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := s.kv.Set(KeyDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}

// Clear forgets the pairing and the watermark. The device id survives.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range []string{KeyToken, KeyEndpoint, KeyCertificate, KeyTokenExpiry, KeySecurityMode, KeyWatermark} {
		if err := s.kv.Remove(key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) timeValue(key string) (time.Time, error) {
	raw, ok, err := s.kv.Get(key)
	if err != nil || !ok || raw == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("credstore: parse %s: %w", key, err)
	}
	return time.UnixMilli(ms), nil
}

func (s *Store) setTime(key string, t time.Time) error {
	return s.kv.Set(key, strconv.FormatInt(t.UnixMilli(), 10))
}
