// Package certtest generates throwaway signing identities for tests.
package certtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"
)

// Identity is a certificate with its RSA key in every encoding the loaders
// accept.
type Identity struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey

	CertPEM  []byte
	PKCS1PEM []byte
	PKCS8PEM []byte
}

// Options tune the generated certificate.
type Options struct {
	CommonName string
	TeamID     string
	NotBefore  time.Time
	NotAfter   time.Time
	// IsCA marks the certificate as an issuer.
	IsCA bool
	// Parent issues the certificate; nil means self-signed.
	Parent *Identity
}

// New generates an identity valid for a day around now unless opts say
// otherwise. Without opts.Parent the certificate is self-signed.
func New(t testing.TB, opts Options) *Identity {
	t.Helper()
	if opts.CommonName == "" {
		opts.CommonName = "Apple Development: Test User (ABCDE12345)"
	}
	if opts.TeamID == "" {
		opts.TeamID = "ABCDE12345"
	}
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-time.Hour)
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = time.Now().Add(24 * time.Hour)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		t.Fatalf("failed to generate serial: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         opts.CommonName,
			OrganizationalUnit: []string{opts.TeamID},
			Organization:       []string{"Test Org"},
		},
		NotBefore:   opts.NotBefore,
		NotAfter:    opts.NotAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}
	if opts.IsCA {
		tmpl.IsCA = true
		tmpl.BasicConstraintsValid = true
		tmpl.KeyUsage |= x509.KeyUsageCertSign
		tmpl.ExtKeyUsage = nil
	}
	parent, parentKey := tmpl, key
	if opts.Parent != nil {
		parent, parentKey = opts.Parent.Cert, opts.Parent.Key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	return &Identity{
		Cert:     cert,
		Key:      key,
		CertPEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		PKCS1PEM: pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}),
		PKCS8PEM: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}),
	}
}
