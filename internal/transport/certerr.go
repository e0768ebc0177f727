package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"strings"
)

// ErrCertRejected marks a failure to establish trust in the peer
// certificate. Callers offer a security-mode choice instead of retrying.
var ErrCertRejected = errors.New("transport: certificate rejected")

// certVocabulary is matched against error text only when no structured
// x509/tls error is present in the chain.
var certVocabulary = []string{
	"certificate",
	"x509",
	"ssl",
	"trust anchor",
	"self signed",
	"self-signed",
	"unknown authority",
}

// IsCertRejected reports whether err is a certificate trust failure.
func IsCertRejected(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCertRejected) || errors.Is(err, ErrPinMismatch) {
		return true
	}
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return true
	}
	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) {
		return true
	}
	var hostname x509.HostnameError
	if errors.As(err, &hostname) {
		return true
	}
	var verify *tls.CertificateVerificationError
	if errors.As(err, &verify) {
		return true
	}
	text := strings.ToLower(err.Error())
	for _, word := range certVocabulary {
		if strings.Contains(text, word) {
			return true
		}
	}
	return false
}
