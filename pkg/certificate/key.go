package certificate

import (
	"crypto"
	"crypto/x509"
	"fmt"
)

// KeyEncoding is the DER encoding a private key was loaded from.
type KeyEncoding int

const (
	PKCS8 KeyEncoding = iota + 1
	PKCS1
)

func (e KeyEncoding) String() string {
	switch e {
	case PKCS8:
		return "PKCS#8"
	case PKCS1:
		return "PKCS#1"
	}
	return fmt.Sprintf("KeyEncoding(%d)", int(e))
}

// PrivateKey is a signing key tagged with its source encoding. Whatever the
// encoding, it signs through crypto.Signer.
type PrivateKey struct {
	encoding KeyEncoding
	signer   crypto.Signer
}

// ParsePKCS8 decodes a PKCS#8 key. Only key types that can sign are
// accepted.
func ParsePKCS8(der []byte) (*PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: PKCS#8: %v", ErrKeyDecode, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: PKCS#8 key of type %T cannot sign", ErrKeyDecode, key)
	}
	return &PrivateKey{encoding: PKCS8, signer: signer}, nil
}

// ParsePKCS1 decodes a PKCS#1 RSA key.
func ParsePKCS1(der []byte) (*PrivateKey, error) {
	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: PKCS#1: %v", ErrKeyDecode, err)
	}
	return &PrivateKey{encoding: PKCS1, signer: key}, nil
}

// Encoding reports which encoding the key came from.
func (k *PrivateKey) Encoding() KeyEncoding { return k.encoding }

// Signer returns the key as a crypto.Signer.
func (k *PrivateKey) Signer() crypto.Signer { return k.signer }

// Public returns the public half of the key.
func (k *PrivateKey) Public() crypto.PublicKey { return k.signer.Public() }

// Matches reports whether cert carries the public half of k.
func (k *PrivateKey) Matches(cert *x509.Certificate) bool {
	pub, ok := k.signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	return ok && cert != nil && pub.Equal(cert.PublicKey)
}
