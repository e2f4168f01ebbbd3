package codesign

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/apex/log"
)

// Built-in trust bundle used to complete signer chains. Both are DER, base64.
var (
	appleRootCA = `MIIEuzCCA6OgAwIBAgIBAjANBgkqhkiG9w0BAQUFADBiMQswCQYDVQQGEwJVUzETMBEGA1UEChMKQXBwbGUgSW5jLjEmMCQGA1UECxMdQXBwbGUgQ2VydGlmaWNhdGlvbiBBdXRob3JpdHkxFjAUBgNVBAMTDUFwcGxlIFJvb3QgQ0EwHhcNMDYwNDI1MjE0MDM2WhcNMzUwMjA5MjE0MDM2WjBiMQswCQYDVQQGEwJVUzETMBEGA1UEChMKQXBwbGUgSW5jLjEmMCQGA1UECxMdQXBwbGUgQ2VydGlmaWNhdGlvbiBBdXRob3JpdHkxFjAUBgNVBAMTDUFwcGxlIFJvb3QgQ0EwggEiMA0GCSqGSIb3DQEBAQUAA4IBDwAwggEKAoIBAQDkkakJH5HbHkdQ6wXtXnmELes2oldMVeyLGYne+Uts9QerIjAC6Bg++FAJ039BqJj50cpmnCRrEdCju+QbKsMflZ56DKRHi1vUFjczy8QPTc4UadHJGXL1XQ7Vf1+b8iUDulWPTV0N8WQ1IxVLFVkds5T39pyez1C6wVhQZ48ItCD3y6wsIG9wtj8BMIy3Q88PnT3zK0koGsj+zrW5DtleHNbLPbU6rfQPDgCSC7EhFi501TwN22IWq6NxkkdTVcGvL0Gz+PvjcM3mo0xFfh9Ma1CWQYnEdGILEINBhzOKgbEwWOxaBDKMaLOPHd5lc/9nXmW8Sdh2nzMUZaF3lMktAgMBAAGjggF6MIIBdjAOBgNVHQ8BAf8EBAMCAQYwDwYDVR0TAQH/BAUwAwEB/zAdBgNVHQ4EFgQUK9BpR5R2Cf70a40uQKb3R01/CF4wHwYDVR0jBBgwFoAUK9BpR5R2Cf70a40uQKb3R01/CF4wggERBgNVHSAEggEIMIIBBDCCAQAGCSqGSIb3Y2QFATCB8jAqBggrBgEFBQcCARYeaHR0cHM6Ly93d3cuYXBwbGUuY29tL2FwcGxlY2EvMIHDBggrBgEFBQcCAjCBthqBs1JlbGlhbmNlIG9uIHRoaXMgY2VydGlmaWNhdGUgYnkgYW55IHBhcnR5IGFzc3VtZXMgYWNjZXB0YW5jZSBvZiB0aGUgdGhlbiBhcHBsaWNhYmxlIHN0YW5kYXJkIHRlcm1zIGFuZCBjb25kaXRpb25zIG9mIHVzZSwgY2VydGlmaWNhdGUgcG9saWN5IGFuZCBjZXJ0aWZpY2F0aW9uIHByYWN0aWNlIHN0YXRlbWVudHMuMA0GCSqGSIb3DQEBBQUAA4IBAQBcNplMLXi37Yyb3PN3m/J20ncwT8EfhYOFG5k9RzfyqZtAjizUsZAS2L70c5vu0mQPy3lPNNiiPvl4/2vIB+x9OYOLUyDTOMSxv5pPCmv/K/xZpwUJfBdAVhEedNO3iyM7R6PVbyTi69G3cN8PReEnyvFteO3ntRcXqNx+IjXKJdXZD9Zr1KIkIxH3oayPc4FgxhtbCS+SsvhESPBgOJ4V9T0mZyCKM2r3DYLP3uujL/lTaltkwGMzd/c6ByxW69oPIQ7aunMZT7XZNn/Bh1XZp5m5MkL72NVxnn6hUrcbvZNCJBIqxw8dtk2cXmPIS4AXUKqK1drk/NAJBzewdXUh`

	appleWWDRG3 = `MIIEUTCCAzmgAwIBAgIQfK9pCiW3Of57m0R6wXjF7jANBgkqhkiG9w0BAQsFADBiMQswCQYDVQQGEwJVUzETMBEGA1UEChMKQXBwbGUgSW5jLjEmMCQGA1UECxMdQXBwbGUgQ2VydGlmaWNhdGlvbiBBdXRob3JpdHkxFjAUBgNVBAMTDUFwcGxlIFJvb3QgQ0EwHhcNMjAwMjE5MTgxMzQ3WhcNMzAwMjIwMDAwMDAwWjB1MUQwQgYDVQQDDDtBcHBsZSBXb3JsZHdpZGUgRGV2ZWxvcGVyIFJlbGF0aW9ucyBDZXJ0aWZpY2F0aW9uIEF1dGhvcml0eTELMAkGA1UECwwCRzMxEzARBgNVBAoMCkFwcGxlIEluYy4xCzAJBgNVBAYTAlVTMIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEA2PWJ/KhZC4fHTJEuLVaQ03gdpDDppUjvC0O/LYT7JF1FG+XrWTYSXFRknmxiLbTGl8rMPPbWBpH85QKmHGq0edVny6zpPwcR4YS8Rx1mjjmi6LRJ7TrS4RBgeo6TjMrA2gzAg9Dj+ZHWp4zIwXPirkbRYp2SqJBgN31ols2N4Pyb+ni743uvLRfdW/6AWSN1F7gSwe0b5TTO/iK1nkmw5VW/j4SiPKi6xYaVFuQAyZ8D0MyzOhZ71gVcnetHrg21LYwOaU1A0EtMOwSejSGxrC5DVDDOwYqGlJhL32oNP/77HK6XF8J4CjDgXx9UO0m3JQAaN4LSVpelUkl8YDib7wIDAQABo4HvMIHsMBIGA1UdEwEB/wQIMAYBAf8CAQAwHwYDVR0jBBgwFoAUK9BpR5R2Cf70a40uQKb3R01/CF4wRAYIKwYBBQUHAQEEODA2MDQGCCsGAQUFBzABhihodHRwOi8vb2NzcC5hcHBsZS5jb20vb2NzcDAzLWFwcGxlcm9vdGNhMC4GA1UdHwQnMCUwI6AhoB+GHWh0dHA6Ly9jcmwuYXBwbGUuY29tL3Jvb3QuY3JsMB0GA1UdDgQWBBQJ/sAVkPmvZAqSErkmKGMMl+ynsjAOBgNVHQ8BAf8EBAMCAQYwEAYKKoZIhvdjZAYCAQQCBQAwDQYJKoZIhvcNAQELBQADggEBAK1lE+j24IF3RAJHQr5fpTkg6mKp/cWQyXMT1Z6b0KoPjY3L7QHPbChAW8dVJEH4/M/BtSPp3Ozxb8qAHXfCxGFJJWevD8o5Ja3T43rMMygNDi6hV0Bz+uZcrgZRKe3jhQxPYdwyFot30ETKXXIDMUacrptAGvr04NM++i+MZp+XxFRZ79JI9AeZSWBZGcfdlNHAwWx/eCHvDOs7bJmCS1JgOLU5gm3sUjFTvg+RTElJdI+mUcuER04ddSduvfnSXPN/wmwLCTbiZOTCNwMUGdXqapSqqdv+9poIZ4vvK7iqF0mDr8/LvOnP6pVxsLRFoszlh6oKw0E6eVzaUDSdlTs=`
)

// ErrNotarization is returned when a context asks for a notarization
// signature, which needs a secure timestamp this package does not produce.
var ErrNotarization = errors.New("notarization signing is not supported")

var (
	appleCAOnce  sync.Once
	appleCACerts []*x509.Certificate
	appleCAErr   error
)

// AppleCertificates returns the built-in CA certificates, intermediate first.
func AppleCertificates() ([]*x509.Certificate, error) {
	appleCAOnce.Do(func() {
		for _, b64 := range []string{appleWWDRG3, appleRootCA} {
			der, err := base64.StdEncoding.DecodeString(b64)
			if err != nil {
				appleCAErr = fmt.Errorf("failed to decode built-in CA: %w", err)
				return
			}
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				appleCAErr = fmt.Errorf("failed to parse built-in CA: %w", err)
				return
			}
			appleCACerts = append(appleCACerts, cert)
		}
	})
	return appleCACerts, appleCAErr
}

// SigningSettings is the per-session signing context. A fresh value is built
// for every signing pass; it is never shared between passes.
type SigningSettings struct {
	// Certificate and Signer form the signing identity. Either being nil
	// means the pass is ad-hoc.
	Certificate *x509.Certificate
	Signer      crypto.Signer
	// Chain starts with Certificate and is followed by its issuers.
	Chain  []*x509.Certificate
	TeamID string

	// Shallow leaves nested code untouched; callers skip nested targets.
	Shallow bool
	// ForNotarization makes every signing call fail with ErrNotarization.
	ForNotarization bool
}

// NewSigningSettings returns an ad-hoc, deep signing context.
func NewSigningSettings() *SigningSettings {
	return &SigningSettings{}
}

// SetSigningKey installs the signer identity. extra holds any issuer
// certificates supplied alongside the key.
func (s *SigningSettings) SetSigningKey(cert *x509.Certificate, signer crypto.Signer, extra []*x509.Certificate) {
	s.Certificate = cert
	s.Signer = signer
	s.Chain = append([]*x509.Certificate{cert}, extra...)
	s.TeamID = TeamIDFromCertificate(cert)
}

// IsAdHoc reports whether the context signs without an identity.
func (s *SigningSettings) IsAdHoc() bool {
	return s.Certificate == nil || s.Signer == nil
}

// issuers returns the chain without the leaf.
func (s *SigningSettings) issuers() []*x509.Certificate {
	if len(s.Chain) < 2 {
		return nil
	}
	return s.Chain[1:]
}

// ChainAppleCertificates extends the chain with the built-in CA certificates
// that issued its last element, walking up until a self-signed certificate
// or an unknown issuer is reached. It returns the certificates it added.
func (s *SigningSettings) ChainAppleCertificates() ([]*x509.Certificate, error) {
	if s.IsAdHoc() {
		return nil, nil
	}
	cas, err := AppleCertificates()
	if err != nil {
		return nil, err
	}

	var added []*x509.Certificate
	s.Chain, added = completeChain(s.Chain, cas)
	for _, ca := range added {
		log.WithField("subject", ca.Subject.CommonName).Debug("chained built-in CA certificate")
	}
	return added, nil
}

// completeChain appends issuers of the chain's last certificate from cas.
// A candidate must carry the issuer's subject and verify the signature.
func completeChain(chain, cas []*x509.Certificate) ([]*x509.Certificate, []*x509.Certificate) {
	var added []*x509.Certificate
	for len(chain) > 0 {
		tail := chain[len(chain)-1]
		if bytes.Equal(tail.RawIssuer, tail.RawSubject) {
			break
		}
		issuer := findIssuer(tail, cas)
		if issuer == nil || containsCertificate(chain, issuer) {
			break
		}
		chain = append(chain, issuer)
		added = append(added, issuer)
	}
	return chain, added
}

func findIssuer(cert *x509.Certificate, cas []*x509.Certificate) *x509.Certificate {
	for _, ca := range cas {
		if bytes.Equal(cert.RawIssuer, ca.RawSubject) && cert.CheckSignatureFrom(ca) == nil {
			return ca
		}
	}
	return nil
}

func containsCertificate(chain []*x509.Certificate, cert *x509.Certificate) bool {
	for _, c := range chain {
		if c.Equal(cert) {
			return true
		}
	}
	return false
}

// TeamIDFromCertificate returns the ten character organisational unit of an
// Apple developer certificate, or "".
func TeamIDFromCertificate(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	for _, ou := range cert.Subject.OrganizationalUnit {
		if len(ou) == 10 {
			return ou
		}
	}
	return ""
}
