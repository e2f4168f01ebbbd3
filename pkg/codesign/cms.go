package codesign

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/binary"
	"fmt"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"

	"github.com/aluedeke/go-resign/pkg/macho"
)

var (
	oidCDHashesPlist = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 9, 1}
	oidCDHashes2     = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 9, 2}
	oidSHA256        = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
)

type cdHashes struct {
	CDHashes [][]byte `plist:"cdhashes"`
}

type cdHash2 struct {
	Algorithm asn1.ObjectIdentifier
	Hash      []byte
}

// cdHashAttributes builds the signed attributes that bind the CMS signature
// to both CodeDirectories: a plist of truncated cdhashes and the full SHA-256
// cdhash of the alternate directory.
func cdHashAttributes(cdSHA1, cdSHA256 []byte) ([]pkcs7.Attribute, error) {
	h1 := sha1.Sum(cdSHA1)
	h256 := sha256.Sum256(cdSHA256)

	list, err := plist.Marshal(cdHashes{CDHashes: [][]byte{h1[:], h256[:20]}}, plist.XMLFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cdhashes plist: %w", err)
	}
	full, err := asn1.Marshal(cdHash2{Algorithm: oidSHA256, Hash: h256[:]})
	if err != nil {
		return nil, fmt.Errorf("failed to encode cdhashes2: %w", err)
	}

	return []pkcs7.Attribute{
		{Type: oidCDHashesPlist, Value: list},
		{Type: oidCDHashes2, Value: asn1.RawValue{FullBytes: full}},
	}, nil
}

// buildCMS signs the primary CodeDirectory with a detached CMS signature
// carrying the settings' certificate chain. Ad-hoc settings yield an empty
// blob wrapper.
func buildCMS(settings *SigningSettings, cdSHA1, cdSHA256 []byte) ([]byte, error) {
	if settings.IsAdHoc() {
		return wrapBlob(macho.MagicBlobWrapper, nil), nil
	}

	sd, err := pkcs7.NewSignedData(cdSHA1)
	if err != nil {
		return nil, fmt.Errorf("failed to create signed data: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)

	attrs, err := cdHashAttributes(cdSHA1, cdSHA256)
	if err != nil {
		return nil, err
	}

	if err := sd.AddSignerChain(settings.Certificate, settings.Signer, settings.issuers(), pkcs7.SignerInfoConfig{
		ExtraSignedAttributes: attrs,
	}); err != nil {
		return nil, fmt.Errorf("failed to add signer: %w", err)
	}
	sd.Detach()

	der, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("failed to finish CMS signature: %w", err)
	}
	return wrapBlob(macho.MagicBlobWrapper, der), nil
}

// wrapBlob prefixes payload with the generic blob header.
func wrapBlob(magic uint32, payload []byte) []byte {
	b := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(b[0:], magic)
	binary.BigEndian.PutUint32(b[4:], uint32(len(b)))
	copy(b[8:], payload)
	return b
}
