// Package certificate loads signing identities from PEM and PKCS#12
// material and attaches them to a signing context.
package certificate

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"

	"github.com/aluedeke/go-resign/pkg/codesign"
)

var (
	// ErrPEMParse is returned for data that is not a sequence of PEM blocks.
	ErrPEMParse = errors.New("malformed PEM data")
	// ErrCertificateDecode is returned when a CERTIFICATE block is not X.509.
	ErrCertificateDecode = errors.New("failed to decode certificate")
	// ErrKeyDecode is returned when a private key block cannot be decoded.
	ErrKeyDecode = errors.New("failed to decode private key")
	// ErrMissingCertificate is returned when signing needs an identity and the
	// certificate or the key is absent.
	ErrMissingCertificate = errors.New("signing identity needs both a certificate and a private key")
)

// Certificate is an optional X.509 certificate and an optional private key.
// Both are needed to sign; neither is required to load.
type Certificate struct {
	Cert *x509.Certificate
	Key  *PrivateKey
	// Chain holds issuer certificates that came with the identity, such as
	// the CA certificates of a PKCS#12 file.
	Chain []*x509.Certificate
}

// Complete reports whether both the certificate and the key are present.
func (c *Certificate) Complete() bool {
	return c != nil && c.Cert != nil && c.Key != nil
}

// Expired reports whether now lies outside the certificate validity window.
func (c *Certificate) Expired(now time.Time) bool {
	if c == nil || c.Cert == nil {
		return false
	}
	return now.After(c.Cert.NotAfter) || now.Before(c.Cert.NotBefore)
}

// TeamID returns the Apple team identifier of the certificate.
func (c *Certificate) TeamID() string {
	if c == nil {
		return ""
	}
	return codesign.TeamIDFromCertificate(c.Cert)
}

// CommonName returns the certificate subject CN.
func (c *Certificate) CommonName() string {
	if c == nil || c.Cert == nil {
		return ""
	}
	return c.Cert.Subject.CommonName
}

// KeyMatches reports whether the key belongs to the certificate.
func (c *Certificate) KeyMatches() bool {
	return c.Complete() && c.Key.Matches(c.Cert)
}

// AttachTo installs the identity in ctx and completes its chain from the
// built-in Apple CA bundle. Problems that do not stop signing, such as an
// expired certificate, are returned as warnings.
func (c *Certificate) AttachTo(ctx *codesign.SigningSettings, now time.Time) ([]string, error) {
	if !c.Complete() {
		return nil, ErrMissingCertificate
	}

	var warnings []string
	warn := func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		log.Warn(msg)
		warnings = append(warnings, msg)
	}

	switch {
	case now.After(c.Cert.NotAfter):
		warn("certificate %q expired on %s", c.CommonName(), c.Cert.NotAfter.Format(time.RFC3339))
	case now.Before(c.Cert.NotBefore):
		warn("certificate %q is not valid before %s", c.CommonName(), c.Cert.NotBefore.Format(time.RFC3339))
	}
	if !c.KeyMatches() {
		warn("private key does not match certificate %q", c.CommonName())
	}

	ctx.SetSigningKey(c.Cert, c.Key.Signer(), c.Chain)
	added, err := ctx.ChainAppleCertificates()
	if err != nil {
		return warnings, fmt.Errorf("failed to complete certificate chain: %w", err)
	}
	for _, ca := range added {
		log.WithField("subject", ca.Subject.CommonName).Info("added CA certificate to signing chain")
	}

	log.WithFields(log.Fields{
		"subject": c.CommonName(),
		"team":    ctx.TeamID,
		"chain":   len(ctx.Chain),
	}).Debug("attached signing identity")
	return warnings, nil
}
