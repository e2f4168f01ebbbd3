package signer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aluedeke/go-resign/internal/fsutil"
	"github.com/aluedeke/go-resign/pkg/provision"
)

// SignMode selects how nested app extensions get their entitlements.
type SignMode int

const (
	// Default resolves a profile and entitlements for every extension.
	Default SignMode = iota
	// Zsign reuses the main application's profile and entitlements for
	// every extension.
	Zsign
)

func (m SignMode) String() string {
	switch m {
	case Default:
		return "default"
	case Zsign:
		return "zsign"
	}
	return fmt.Sprintf("SignMode(%d)", int(m))
}

// ParseSignMode parses a mode name; the empty string is Default.
func ParseSignMode(s string) (SignMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return Default, nil
	case "zsign":
		return Zsign, nil
	}
	return Default, fmt.Errorf("unknown sign mode %q (want default or zsign)", s)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *SignMode) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	mode, err := ParseSignMode(s)
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (m SignMode) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

// SignerSettings is the resign policy of one signing session.
type SignerSettings struct {
	Shallow bool     `yaml:"shallow"`
	Mode    SignMode `yaml:"mode"`
	// RequireSignedIdentity makes a missing certificate or key fatal
	// instead of falling back to ad-hoc signing.
	RequireSignedIdentity bool `yaml:"require_identity"`

	CustomName         string `yaml:"name,omitempty"`
	CustomIdentifier   string `yaml:"bundle_id,omitempty"`
	CustomVersion      string `yaml:"version,omitempty"`
	CustomBuildVersion string `yaml:"build,omitempty"`

	SupportFileSharing   *bool `yaml:"file_sharing,omitempty"`
	SupportOlderVersions *bool `yaml:"older_versions,omitempty"`
	SupportMoreDevices   *bool `yaml:"more_devices,omitempty"`
}

// LoadSettings reads settings from a YAML file. Unknown keys are an error;
// an empty file yields the zero settings.
func LoadSettings(path string) (*SignerSettings, error) {
	data, err := fsutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s SignerSettings
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	return &s, nil
}

func enabled(b *bool) bool {
	return b != nil && *b
}

// TargetKind classifies a signing target.
type TargetKind int

const (
	App TargetKind = iota
	AppExtension
	Framework
	Dylib
)

func (k TargetKind) String() string {
	switch k {
	case App:
		return "app"
	case AppExtension:
		return "appex"
	case Framework:
		return "framework"
	case Dylib:
		return "dylib"
	}
	return fmt.Sprintf("TargetKind(%d)", int(k))
}

// SigningTarget is one bundle or loose binary of a signing plan.
type SigningTarget struct {
	// Path is the bundle directory, or the file for a Dylib.
	Path       string
	Executable string
	Kind       TargetKind
	// Depth counts path elements below the main bundle; the main bundle is 0.
	Depth    int
	BundleID string

	// Entitlements nil signs without an entitlements blob.
	Entitlements map[string]interface{}
	// Profile is embedded into the bundle when set.
	Profile *provision.Profile
}

func (t *SigningTarget) needsEntitlements() bool {
	return t.Profile != nil && (t.Kind == App || t.Kind == AppExtension)
}
