package session

import (
	"errors"
	"fmt"
	"strings"
)

// SecurityMode is the trust posture of one transport connection.
type SecurityMode string

const (
	// SecurityModeSecure verifies the peer chain and host name.
	SecurityModeSecure SecurityMode = "secure"
	// SecurityModeTrustedPinned encrypts but trusts the peer by pinned
	// certificate instead of chain verification.
	SecurityModeTrustedPinned SecurityMode = "trusted-pinned"
	// SecurityModePlaintext is unencrypted.
	SecurityModePlaintext SecurityMode = "plaintext"
)

var (
	ErrInvalidSecurityMode = errors.New("session: invalid security mode")
	ErrPairingModeNotAllow = errors.New("session: pairing requires plaintext or trusted-pinned")
)

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	v := strings.ToLower(strings.TrimSpace(string(mode)))
	switch v {
	case "":
		return SecurityModeSecure
	case "pinned", "trusted_pinned", "trusted":
		return SecurityModeTrustedPinned
	case "insecure", "plain":
		return SecurityModePlaintext
	}
	return SecurityMode(v)
}

// ParseSecurityMode normalizes raw and rejects unknown modes.
func ParseSecurityMode(raw string) (SecurityMode, error) {
	mode := NormalizeSecurityMode(SecurityMode(raw))
	if err := mode.Validate(); err != nil {
		return "", err
	}
	return mode, nil
}

func (m SecurityMode) Validate() error {
	switch m {
	case SecurityModeSecure, SecurityModeTrustedPinned, SecurityModePlaintext:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, string(m))
}

// Encrypted reports whether the mode runs over TLS.
func (m SecurityMode) Encrypted() bool {
	return m == SecurityModeSecure || m == SecurityModeTrustedPinned
}

// ValidatePairingMode restricts the bootstrap handshake channel.
func ValidatePairingMode(m SecurityMode) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m == SecurityModeSecure {
		return ErrPairingModeNotAllow
	}
	return nil
}
