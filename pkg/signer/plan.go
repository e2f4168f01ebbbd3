package signer

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apex/log"

	"github.com/aluedeke/go-resign/internal/fsutil"
	"github.com/aluedeke/go-resign/pkg/codesign"
	"github.com/aluedeke/go-resign/pkg/macho"
	"github.com/aluedeke/go-resign/pkg/provision"
)

// EntitlementsReader returns the entitlements already embedded in a
// binary.
type EntitlementsReader func(path string) (map[string]interface{}, bool, error)

// PlanBuilder turns an app bundle into an ordered list of signing targets.
type PlanBuilder struct {
	Profiles []*provision.Profile
	Settings *SignerSettings
	// Reader defaults to macho.ReadEntitlementsMap.
	Reader EntitlementsReader
}

// Build discovers the signable code in appPath and returns it innermost
// first with the main bundle last.
func (b *PlanBuilder) Build(appPath string) ([]*SigningTarget, error) {
	settings := b.Settings
	if settings == nil {
		settings = &SignerSettings{}
	}

	main, err := b.newBundleTarget(appPath, appPath, App)
	if err != nil {
		return nil, err
	}
	if main == nil {
		return nil, fmt.Errorf("%s: main bundle has no executable", appPath)
	}

	var nested []*SigningTarget
	if !settings.Shallow {
		if nested, err = b.discover(appPath); err != nil {
			return nil, err
		}
	}
	sort.SliceStable(nested, func(i, j int) bool {
		return nested[i].Depth > nested[j].Depth
	})

	mainProfile := b.profileFor(main.BundleID, nil)
	b.resolveMain(main, mainProfile, settings)
	for _, t := range nested {
		b.resolveNested(t, main, settings)
	}

	targets := append(nested, main)
	log.WithFields(log.Fields{
		"app":     filepath.Base(appPath),
		"targets": len(targets),
		"mode":    settings.Mode,
		"shallow": settings.Shallow,
	}).Debug("built signing plan")
	return targets, nil
}

func (b *PlanBuilder) discover(appPath string) ([]*SigningTarget, error) {
	var targets []*SigningTarget
	err := filepath.WalkDir(appPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == appPath {
			return nil
		}
		if d.IsDir() {
			if !codesign.IsBundleExtension(d.Name()) {
				return nil
			}
			t, err := b.newBundleTarget(appPath, path, kindOf(d.Name()))
			if err != nil {
				return err
			}
			if t != nil {
				targets = append(targets, t)
			}
			return nil
		}
		if d.Type().IsRegular() && filepath.Ext(d.Name()) == ".dylib" && filepath.Base(filepath.Dir(path)) == "Frameworks" {
			targets = append(targets, &SigningTarget{
				Path:       path,
				Executable: path,
				Kind:       Dylib,
				Depth:      depth(appPath, path),
				BundleID:   strings.TrimSuffix(d.Name(), ".dylib"),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to walk %s: %v", fsutil.ErrIO, appPath, err)
	}
	return targets, nil
}

func kindOf(name string) TargetKind {
	switch filepath.Ext(name) {
	case ".appex":
		return AppExtension
	case ".app":
		return App
	}
	return Framework
}

func depth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return len(strings.Split(rel, string(os.PathSeparator)))
}

// newBundleTarget returns nil for bundles without an executable, such as
// resource-only frameworks.
func (b *PlanBuilder) newBundleTarget(appPath, path string, kind TargetKind) (*SigningTarget, error) {
	exec, err := codesign.BundleExecutable(path)
	if err != nil || !fsutil.Exists(exec) {
		log.WithField("bundle", path).Debug("skipping bundle without executable")
		return nil, nil
	}
	t := &SigningTarget{
		Path:       path,
		Executable: exec,
		Kind:       kind,
		Depth:      depth(appPath, path),
	}
	if id, err := codesign.BundleIdentifier(path); err == nil {
		t.BundleID = id
	} else if kind == App || kind == AppExtension {
		return nil, err
	}
	return t, nil
}

// profileFor picks the profile whose application identifier names bundleID
// exactly, then one whose wildcard covers it, then fallback.
func (b *PlanBuilder) profileFor(bundleID string, fallback *provision.Profile) *provision.Profile {
	var wildcard *provision.Profile
	for _, p := range b.Profiles {
		if p.BundleIDPattern() == bundleID {
			return p
		}
		if wildcard == nil && p.MatchesBundleID(bundleID) {
			wildcard = p
		}
	}
	if wildcard != nil {
		return wildcard
	}
	if fallback == nil && len(b.Profiles) > 0 {
		return b.Profiles[0]
	}
	return fallback
}

func (b *PlanBuilder) resolveMain(t *SigningTarget, profile *provision.Profile, settings *SignerSettings) {
	existing := b.existing(t)
	if profile == nil {
		t.Entitlements = existing
		return
	}
	t.Profile = profile
	t.Entitlements = profile.Entitlements()
	if settings.CustomIdentifier != "" && profile.TeamID() != "" && !strings.HasSuffix(profile.BundleIDPattern(), "*") {
		t.Entitlements = codesign.UpdateEntitlementsForBundleID(t.Entitlements, profile.TeamID(), t.BundleID)
	}
	logDropped(t, existing)
}

func (b *PlanBuilder) resolveNested(t, main *SigningTarget, settings *SignerSettings) {
	switch t.Kind {
	case Framework, Dylib:
		return
	}

	existing := b.existing(t)
	if settings.Mode == Zsign {
		t.Profile = main.Profile
		t.Entitlements = copyEntitlements(main.Entitlements)
		logDropped(t, existing)
		return
	}
	if len(b.Profiles) == 0 {
		t.Entitlements = existing
		return
	}
	profile := b.profileFor(t.BundleID, main.Profile)
	t.Profile = profile
	t.Entitlements = profile.Entitlements()
	logDropped(t, existing)
}

func (b *PlanBuilder) existing(t *SigningTarget) map[string]interface{} {
	read := b.Reader
	if read == nil {
		read = macho.ReadEntitlementsMap
	}
	ents, ok, err := read(t.Executable)
	if err != nil {
		log.WithError(err).WithField("binary", t.Executable).Warn("failed to read existing entitlements")
		return nil
	}
	if !ok {
		return nil
	}
	return ents
}

// logDropped reports entitlements the binary had that the new set lacks.
func logDropped(t *SigningTarget, existing map[string]interface{}) {
	for key := range existing {
		if _, ok := t.Entitlements[key]; !ok {
			log.WithFields(log.Fields{
				"target":      filepath.Base(t.Path),
				"entitlement": key,
			}).Debug("existing entitlement not in resolved set")
		}
	}
}

func copyEntitlements(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
