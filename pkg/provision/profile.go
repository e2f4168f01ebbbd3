// Package provision reads the entitlements and metadata of provisioning
// profiles (.mobileprovision files).
package provision

import (
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/apex/log"
	"howett.net/plist"

	"github.com/aluedeke/go-resign/internal/fsutil"
	"github.com/aluedeke/go-resign/pkg/codesign"
)

var (
	// ErrProfileNotFound is returned when the profile path does not exist.
	ErrProfileNotFound = errors.New("provisioning profile not found")
	// ErrMalformedProfile is returned when no valid payload with an
	// Entitlements dictionary can be extracted.
	ErrMalformedProfile = errors.New("malformed provisioning profile")
)

// Payload is the property list embedded in a provisioning profile.
type Payload struct {
	Name                        string                 `plist:"Name"`
	TeamName                    string                 `plist:"TeamName"`
	TeamIdentifier              []string               `plist:"TeamIdentifier"`
	AppIDName                   string                 `plist:"AppIDName"`
	ApplicationIdentifierPrefix []string               `plist:"ApplicationIdentifierPrefix"`
	Entitlements                map[string]interface{} `plist:"Entitlements"`
	DeveloperCertificates       [][]byte               `plist:"DeveloperCertificates"`
	ProvisionedDevices          []string               `plist:"ProvisionedDevices"`
	ProvisionsAllDevices        bool                   `plist:"ProvisionsAllDevices"`
	CreationDate                time.Time              `plist:"CreationDate"`
	ExpirationDate              time.Time              `plist:"ExpirationDate"`
	UUID                        string                 `plist:"UUID"`
	Platform                    []string               `plist:"Platform"`
}

// ParsePayload decodes an XML property list payload. The top-level
// dictionary must hold an Entitlements dictionary.
func ParsePayload(data []byte) (*Payload, error) {
	var top map[string]interface{}
	format, err := plist.Unmarshal(data, &top)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProfile, err)
	}
	if format != plist.XMLFormat {
		return nil, fmt.Errorf("%w: payload is a %s property list", ErrMalformedProfile, plist.FormatNames[format])
	}
	ents, ok := top["Entitlements"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: no Entitlements dictionary", ErrMalformedProfile)
	}

	// Metadata is read leniently; a mistyped field is left empty.
	return &Payload{
		Name:                        stringField(top, "Name"),
		TeamName:                    stringField(top, "TeamName"),
		TeamIdentifier:              stringsField(top, "TeamIdentifier"),
		AppIDName:                   stringField(top, "AppIDName"),
		ApplicationIdentifierPrefix: stringsField(top, "ApplicationIdentifierPrefix"),
		Entitlements:                ents,
		DeveloperCertificates:       dataField(top, "DeveloperCertificates"),
		ProvisionedDevices:          stringsField(top, "ProvisionedDevices"),
		ProvisionsAllDevices:        top["ProvisionsAllDevices"] == true,
		CreationDate:                timeField(top, "CreationDate"),
		ExpirationDate:              timeField(top, "ExpirationDate"),
		UUID:                        stringField(top, "UUID"),
		Platform:                    stringsField(top, "Platform"),
	}, nil
}

func stringField(top map[string]interface{}, key string) string {
	s, _ := top[key].(string)
	return s
}

// stringsField accepts an array of strings or a single string.
func stringsField(top map[string]interface{}, key string) []string {
	switch v := top[key].(type) {
	case string:
		return []string{v}
	case []interface{}:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func dataField(top map[string]interface{}, key string) [][]byte {
	items, _ := top[key].([]interface{})
	var out [][]byte
	for _, item := range items {
		if b, ok := item.([]byte); ok {
			out = append(out, b)
		}
	}
	return out
}

func timeField(top map[string]interface{}, key string) time.Time {
	t, _ := top[key].(time.Time)
	return t
}

// Profile is a loaded provisioning profile. It is not modified after
// loading; Entitlements hands out copies.
type Profile struct {
	Name                 string
	TeamName             string
	UUID                 string
	AppIDName            string
	Platform             []string
	CreationDate         time.Time
	ExpirationDate       time.Time
	ProvisionedDevices   []string
	ProvisionsAllDevices bool

	path         string
	raw          []byte
	entitlements map[string]interface{}
	teamIDs      []string
	appIDPrefix  []string
	certificates [][]byte
}

// Load reads the profile at path, locating its payload by marker scan.
func Load(path string) (*Profile, error) {
	return LoadWith(path, MarkerLocator{})
}

// LoadWith reads the profile at path using locator to find its payload.
func LoadWith(path string, locator PayloadLocator) (*Profile, error) {
	if !fsutil.Exists(path) {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, path)
	}
	data, err := fsutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := parse(data, locator)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p.path = path

	log.WithFields(log.Fields{
		"path":         path,
		"name":         p.Name,
		"uuid":         p.UUID,
		"entitlements": len(p.entitlements),
	}).Debug("loaded provisioning profile")
	return p, nil
}

// Parse decodes profile bytes that did not come from a file.
func Parse(data []byte) (*Profile, error) {
	return parse(data, MarkerLocator{})
}

func parse(data []byte, locator PayloadLocator) (*Profile, error) {
	payload, err := locator.Locate(data)
	if err != nil {
		return nil, err
	}
	pl, err := ParsePayload(payload)
	if err != nil {
		return nil, err
	}
	return &Profile{
		Name:                 pl.Name,
		TeamName:             pl.TeamName,
		UUID:                 pl.UUID,
		AppIDName:            pl.AppIDName,
		Platform:             pl.Platform,
		CreationDate:         pl.CreationDate,
		ExpirationDate:       pl.ExpirationDate,
		ProvisionedDevices:   pl.ProvisionedDevices,
		ProvisionsAllDevices: pl.ProvisionsAllDevices,
		raw:                  append([]byte(nil), data...),
		entitlements:         pl.Entitlements,
		teamIDs:              pl.TeamIdentifier,
		appIDPrefix:          pl.ApplicationIdentifierPrefix,
		certificates:         pl.DeveloperCertificates,
	}, nil
}

// Path returns the file the profile was loaded from.
func (p *Profile) Path() string { return p.path }

// Raw returns the complete profile file, envelope included, for embedding
// into a bundle.
func (p *Profile) Raw() []byte { return append([]byte(nil), p.raw...) }

// Entitlements returns a deep copy of the entitlements dictionary.
func (p *Profile) Entitlements() map[string]interface{} {
	return copyValue(p.entitlements).(map[string]interface{})
}

func copyValue(v interface{}) interface{} {
	switch v := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, e := range v {
			m[k] = copyValue(e)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(v))
		for i, e := range v {
			s[i] = copyValue(e)
		}
		return s
	case []byte:
		return append([]byte(nil), v...)
	}
	return v
}

// ToXMLBytes serializes the entitlements as a standalone XML property list.
func (p *Profile) ToXMLBytes() ([]byte, error) {
	return codesign.EntitlementsToXML(p.entitlements)
}

// TeamID returns the team identifier of the profile.
func (p *Profile) TeamID() string {
	if len(p.teamIDs) > 0 {
		return p.teamIDs[0]
	}
	if len(p.appIDPrefix) > 0 {
		return p.appIDPrefix[0]
	}
	return ""
}

// ApplicationIdentifier returns the application-identifier entitlement,
// such as "ABCDE12345.com.example.*".
func (p *Profile) ApplicationIdentifier() string {
	if appID, ok := p.entitlements["application-identifier"].(string); ok {
		return appID
	}
	return ""
}

// BundleIDPattern returns the application identifier without its team
// prefix.
func (p *Profile) BundleIDPattern() string {
	appID := p.ApplicationIdentifier()
	if team := p.TeamID(); team != "" && strings.HasPrefix(appID, team+".") {
		return strings.TrimPrefix(appID, team+".")
	}
	if _, rest, ok := strings.Cut(appID, "."); ok {
		return rest
	}
	return appID
}

// MatchesBundleID reports whether the profile covers bundleID. A trailing
// "*" in the pattern matches any suffix.
func (p *Profile) MatchesBundleID(bundleID string) bool {
	pattern := p.BundleIDPattern()
	if pattern == "" {
		return false
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(bundleID, prefix)
	}
	return pattern == bundleID
}

// IsExpired reports whether the profile expired before now. Profiles
// without an expiration date never expire.
func (p *Profile) IsExpired(now time.Time) bool {
	return !p.ExpirationDate.IsZero() && now.After(p.ExpirationDate)
}

// IsDeviceAllowed checks if a specific device UDID is allowed by this
// profile.
func (p *Profile) IsDeviceAllowed(udid string) bool {
	if p.ProvisionsAllDevices {
		return true
	}
	for _, device := range p.ProvisionedDevices {
		if strings.EqualFold(device, udid) {
			return true
		}
	}
	return false
}

// Certificates parses the developer certificates listed in the profile.
func (p *Profile) Certificates() ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0, len(p.certificates))
	for i, der := range p.certificates {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse developer certificate %d: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// MatchesCertificate reports whether cert is one of the profile's developer
// certificates.
func (p *Profile) MatchesCertificate(cert *x509.Certificate) bool {
	if cert == nil {
		return false
	}
	for _, der := range p.certificates {
		profileCert, err := x509.ParseCertificate(der)
		if err != nil {
			continue
		}
		if cert.Equal(profileCert) {
			return true
		}
	}
	return false
}
