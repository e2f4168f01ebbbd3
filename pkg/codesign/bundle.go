package codesign

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"howett.net/plist"

	"github.com/aluedeke/go-resign/internal/fsutil"
)

const (
	infoPlistName       = "Info.plist"
	codeSignatureDir    = "_CodeSignature"
	codeResourcesName   = "CodeResources"
	embeddedProfileName = "embedded.mobileprovision"
)

// BundleSignOptions describes one bundle signing call.
type BundleSignOptions struct {
	// Identifier defaults to the bundle's CFBundleIdentifier.
	Identifier string
	// Entitlements is an XML property list; nil signs without one.
	Entitlements []byte
	// Profile is written to embedded.mobileprovision when non-nil.
	Profile []byte
}

// IsBundleExtension reports whether name ends in a nested bundle extension.
func IsBundleExtension(name string) bool {
	switch filepath.Ext(name) {
	case ".app", ".appex", ".framework", ".xctest":
		return true
	}
	return false
}

// ReadInfoPlist decodes the Info.plist of a bundle.
func ReadInfoPlist(bundlePath string) (map[string]interface{}, error) {
	data, err := fsutil.ReadFile(filepath.Join(bundlePath, infoPlistName))
	if err != nil {
		return nil, err
	}
	var info map[string]interface{}
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Join(bundlePath, infoPlistName), err)
	}
	return info, nil
}

// WriteInfoPlist replaces the Info.plist of a bundle with an XML encoding of
// info.
func WriteInfoPlist(bundlePath string, info map[string]interface{}) error {
	data, err := plist.MarshalIndent(info, plist.XMLFormat, "\t")
	if err != nil {
		return fmt.Errorf("failed to marshal Info.plist: %w", err)
	}
	return fsutil.WriteFile(filepath.Join(bundlePath, infoPlistName), data, 0644)
}

// BundleIdentifier returns CFBundleIdentifier.
func BundleIdentifier(bundlePath string) (string, error) {
	info, err := ReadInfoPlist(bundlePath)
	if err != nil {
		return "", err
	}
	id, ok := info["CFBundleIdentifier"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("%s: CFBundleIdentifier not set", bundlePath)
	}
	return id, nil
}

// BundleExecutable returns the path of the bundle's main executable, taken
// from CFBundleExecutable or, failing that, the bundle name without its
// extension.
func BundleExecutable(bundlePath string) (string, error) {
	if info, err := ReadInfoPlist(bundlePath); err == nil {
		if name, ok := info["CFBundleExecutable"].(string); ok && name != "" {
			return filepath.Join(bundlePath, name), nil
		}
	}
	base := filepath.Base(bundlePath)
	exec := filepath.Join(bundlePath, strings.TrimSuffix(base, filepath.Ext(base)))
	if !fsutil.Exists(exec) {
		return "", fmt.Errorf("%s: no executable found", bundlePath)
	}
	return exec, nil
}

// SignBundle signs the main executable of a bundle. Nested code must already
// be signed since CodeResources records the nested files as they are now.
func SignBundle(bundlePath string, settings *SigningSettings, opts BundleSignOptions) error {
	if settings.ForNotarization {
		return ErrNotarization
	}
	exec, err := BundleExecutable(bundlePath)
	if err != nil {
		return err
	}
	identifier := opts.Identifier
	if identifier == "" {
		if identifier, err = BundleIdentifier(bundlePath); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(filepath.Join(bundlePath, codeSignatureDir)); err != nil {
		return fmt.Errorf("%w: failed to remove old %s: %v", fsutil.ErrIO, codeSignatureDir, err)
	}
	if opts.Profile != nil {
		if err := fsutil.WriteFile(filepath.Join(bundlePath, embeddedProfileName), opts.Profile, 0644); err != nil {
			return err
		}
	}

	resources, err := WriteCodeResources(bundlePath, exec)
	if err != nil {
		return err
	}

	var infoPlist []byte
	if p := filepath.Join(bundlePath, infoPlistName); fsutil.Exists(p) {
		if infoPlist, err = fsutil.ReadFile(p); err != nil {
			return err
		}
	}

	log.WithFields(log.Fields{
		"bundle":     filepath.Base(bundlePath),
		"identifier": identifier,
		"profile":    opts.Profile != nil,
	}).Info("signing bundle")

	return signFile(exec, settings, &binaryContext{
		identifier:    identifier,
		entitlements:  opts.Entitlements,
		infoPlist:     infoPlist,
		codeResources: resources,
	})
}
