package certificate

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/apex/log"
	gop12 "software.sslmate.com/src/go-pkcs12"

	"github.com/aluedeke/go-resign/internal/fsutil"
)

const (
	blockCertificate = "CERTIFICATE"
	blockPKCS8Key    = "PRIVATE KEY"
	blockPKCS1Key    = "RSA PRIVATE KEY"
)

var pemBegin = []byte("-----BEGIN ")

// Store accumulates identity material. Each certificate or key it reads
// replaces the previous one of the same kind.
type Store struct {
	current Certificate
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Load reads the PEM files in order and returns the resulting identity.
func Load(paths []string) (*Certificate, error) {
	s := NewStore()
	for _, path := range paths {
		if err := s.LoadPEMFile(path); err != nil {
			return nil, err
		}
	}
	return s.Certificate(), nil
}

// Certificate returns a snapshot of the current identity.
func (s *Store) Certificate() *Certificate {
	c := s.current
	c.Chain = append([]*x509.Certificate(nil), s.current.Chain...)
	return &c
}

// LoadPEMFile reads one PEM file into the store.
func (s *Store) LoadPEMFile(path string) error {
	data, err := fsutil.ReadFile(path)
	if err != nil {
		return err
	}
	if err := s.LoadPEM(data); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// LoadPEM dispatches every block of data on its type. Unknown block types
// are skipped. Nothing is stored unless the whole input decodes.
func (s *Store) LoadPEM(data []byte) error {
	blocks, err := splitPEM(data)
	if err != nil {
		return err
	}

	next := s.current
	for i, block := range blocks {
		switch block.Type {
		case blockCertificate:
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return fmt.Errorf("%w: block %d: %v", ErrCertificateDecode, i, err)
			}
			next.Cert = cert
		case blockPKCS8Key:
			key, err := ParsePKCS8(block.Bytes)
			if err != nil {
				return fmt.Errorf("block %d: %w", i, err)
			}
			next.Key = key
		case blockPKCS1Key:
			key, err := ParsePKCS1(block.Bytes)
			if err != nil {
				return fmt.Errorf("block %d: %w", i, err)
			}
			next.Key = key
		default:
			log.WithFields(log.Fields{"type": block.Type, "block": i}).Debug("ignoring PEM block")
		}
	}
	s.current = next
	return nil
}

// splitPEM decodes every block of data. A BEGIN line that does not start a
// decodable block, text after the last block, or text without any block is
// an error.
func splitPEM(data []byte) ([]*pem.Block, error) {
	var blocks []*pem.Block
	rest := data
	for {
		block, r := pem.Decode(rest)
		if block == nil {
			break
		}
		blocks = append(blocks, block)
		rest = r
	}

	if begins := bytes.Count(data, pemBegin); begins != len(blocks) {
		return nil, fmt.Errorf("%w: %d BEGIN markers but %d decodable blocks", ErrPEMParse, begins, len(blocks))
	}
	if trailing := bytes.TrimSpace(rest); len(trailing) > 0 {
		if len(blocks) == 0 {
			return nil, fmt.Errorf("%w: no PEM blocks found", ErrPEMParse)
		}
		return nil, fmt.Errorf("%w: %d bytes of trailing data", ErrPEMParse, len(trailing))
	}
	return blocks, nil
}

// LoadP12File reads a PKCS#12 file into the store.
func (s *Store) LoadP12File(path, password string) error {
	data, err := fsutil.ReadFile(path)
	if err != nil {
		return err
	}
	if err := s.LoadP12(data, password); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// LoadP12 decodes a PKCS#12 identity. Its certificate and key replace the
// current ones and its CA certificates become the chain.
func (s *Store) LoadP12(data []byte, password string) error {
	key, cert, cas, err := gop12.DecodeChain(data, password)
	if err != nil {
		return fmt.Errorf("%w: PKCS#12: %v", ErrKeyDecode, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return fmt.Errorf("%w: PKCS#12 key of type %T cannot sign", ErrKeyDecode, key)
	}

	s.current.Cert = cert
	s.current.Key = &PrivateKey{encoding: PKCS8, signer: signer}
	s.current.Chain = cas
	log.WithFields(log.Fields{
		"subject": cert.Subject.CommonName,
		"cas":     len(cas),
	}).Debug("loaded PKCS#12 identity")
	return nil
}
