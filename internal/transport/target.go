package transport

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/danmuck/linkctl/internal/protocol/session"
)

var (
	ErrEndpointRequired = errors.New("transport: endpoint required")
	ErrPinnedCertParse  = errors.New("transport: parse pinned certificate")
	ErrPinMismatch      = errors.New("transport: pinned certificate mismatch")
)

// Target is one endpoint under one security mode.
type Target struct {
	Endpoint string
	Mode     session.SecurityMode
	// Token is sent as a bearer credential on the upgrade request.
	Token string
	// PinnedCertPEM, when set in trusted-pinned mode, must match the peer leaf.
	PinnedCertPEM string
}

func (t Target) Validate() error {
	if strings.TrimSpace(t.Endpoint) == "" {
		return ErrEndpointRequired
	}
	return session.NormalizeSecurityMode(t.Mode).Validate()
}

// URL returns the websocket URL for the endpoint under the target mode.
// Bare host:port endpoints get the mode's scheme; http(s) and ws(s) schemes
// are rewritten to match the mode.
func (t Target) URL() (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	mode := session.NormalizeSecurityMode(t.Mode)
	scheme := "ws"
	if mode.Encrypted() {
		scheme = "wss"
	}

	raw := strings.TrimSpace(t.Endpoint)
	if !strings.Contains(raw, "://") {
		raw = scheme + "://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("transport: parse endpoint %q: %w", t.Endpoint, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrEndpointRequired, t.Endpoint)
	}
	u.Scheme = scheme
	return u.String(), nil
}

// ClientTLSConfig builds the client TLS posture for target. roots extends
// verification in secure mode; nil means the system pool.
func ClientTLSConfig(target Target, roots *x509.CertPool) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	switch session.NormalizeSecurityMode(target.Mode) {
	case session.SecurityModeSecure:
		cfg.RootCAs = roots
	case session.SecurityModeTrustedPinned:
		cfg.InsecureSkipVerify = true
		if strings.TrimSpace(target.PinnedCertPEM) == "" {
			break
		}
		want, err := pinnedFingerprint(target.PinnedCertPEM)
		if err != nil {
			return nil, err
		}
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrPinMismatch
			}
			if sha256.Sum256(rawCerts[0]) != want {
				return ErrPinMismatch
			}
			return nil
		}
	default:
		return nil, nil
	}
	return cfg, nil
}

func pinnedFingerprint(certPEM string) ([32]byte, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return [32]byte{}, ErrPinnedCertParse
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return [32]byte{}, fmt.Errorf("%w: %v", ErrPinnedCertParse, err)
	}
	return sha256.Sum256(block.Bytes), nil
}
