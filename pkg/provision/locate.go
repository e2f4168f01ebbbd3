package provision

import (
	"bytes"
	"fmt"

	"go.mozilla.org/pkcs7"
)

var (
	plistStart = []byte("<plist")
	plistEnd   = []byte("</plist>")
)

// FindRange returns the byte range that begins at the first occurrence of
// start and ends after the last occurrence of end. ok is false when either
// marker is missing or the last end marker does not follow the start marker.
func FindRange(data, start, end []byte) (lo, hi int, ok bool) {
	if len(start) == 0 || len(end) == 0 {
		return 0, 0, false
	}
	lo = bytes.Index(data, start)
	if lo < 0 {
		return 0, 0, false
	}
	last := bytes.LastIndex(data, end)
	if last < lo+len(start) {
		return 0, 0, false
	}
	return lo, last + len(end), true
}

// PayloadLocator finds the property list payload inside a profile
// container.
type PayloadLocator interface {
	Locate(data []byte) ([]byte, error)
}

// MarkerLocator slices the payload between the first "<plist" and the last
// "</plist>" without looking at the signed envelope around it. A "</plist>"
// sequence inside the envelope trailer would extend the slice and make the
// payload fail to parse.
type MarkerLocator struct{}

// Locate implements PayloadLocator.
func (MarkerLocator) Locate(data []byte) ([]byte, error) {
	lo, hi, ok := FindRange(data, plistStart, plistEnd)
	if !ok {
		return nil, fmt.Errorf("%w: no <plist> ... </plist> range in %d bytes", ErrMalformedProfile, len(data))
	}
	return data[lo:hi], nil
}

// PKCS7Locator decodes the signed message envelope and returns its content.
// When Verify is set the signatures are checked against the certificates
// carried in the message; no chain of trust is evaluated.
type PKCS7Locator struct {
	Verify bool
}

// Locate implements PayloadLocator.
func (l PKCS7Locator) Locate(data []byte) ([]byte, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse PKCS#7 container: %v", ErrMalformedProfile, err)
	}
	if l.Verify {
		if err := p7.Verify(); err != nil {
			return nil, fmt.Errorf("%w: PKCS#7 signature does not verify: %v", ErrMalformedProfile, err)
		}
	}
	if len(p7.Content) == 0 {
		return nil, fmt.Errorf("%w: PKCS#7 container has no content", ErrMalformedProfile)
	}
	return p7.Content, nil
}
