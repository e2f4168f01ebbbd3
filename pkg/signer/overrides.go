package signer

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/apex/log"

	"github.com/aluedeke/go-resign/pkg/codesign"
)

// ApplyOverrides edits the Info.plist files of appPath as settings ask. It
// must run before the plan is built since bundle identifiers feed profile
// selection.
func ApplyOverrides(appPath string, settings *SignerSettings) error {
	if settings == nil {
		return nil
	}
	info, err := codesign.ReadInfoPlist(appPath)
	if err != nil {
		return err
	}
	oldID, _ := info["CFBundleIdentifier"].(string)

	changed := false
	set := func(key string, value interface{}) {
		log.WithFields(log.Fields{"key": key, "value": value}).Info("overriding Info.plist")
		info[key] = value
		changed = true
	}

	if settings.CustomName != "" {
		set("CFBundleDisplayName", settings.CustomName)
		set("CFBundleName", settings.CustomName)
	}
	if settings.CustomIdentifier != "" && settings.CustomIdentifier != oldID {
		set("CFBundleIdentifier", settings.CustomIdentifier)
	}
	if settings.CustomVersion != "" {
		set("CFBundleShortVersionString", settings.CustomVersion)
	}
	if settings.CustomBuildVersion != "" {
		set("CFBundleVersion", settings.CustomBuildVersion)
	}
	if enabled(settings.SupportFileSharing) {
		set("UIFileSharingEnabled", true)
		set("UISupportsDocumentBrowser", true)
	}
	if enabled(settings.SupportOlderVersions) {
		set("MinimumOSVersion", "7.0")
	}
	if enabled(settings.SupportMoreDevices) {
		set("UIDeviceFamily", []interface{}{uint64(1), uint64(2)})
		if _, ok := info["UISupportedDevices"]; ok {
			delete(info, "UISupportedDevices")
			log.WithField("key", "UISupportedDevices").Info("removing Info.plist key")
		}
	}

	if changed {
		if err := codesign.WriteInfoPlist(appPath, info); err != nil {
			return err
		}
	}
	if settings.CustomIdentifier != "" && oldID != "" && settings.CustomIdentifier != oldID {
		return rewriteNestedIdentifiers(appPath, oldID, settings.CustomIdentifier)
	}
	return nil
}

// rewriteNestedIdentifiers moves nested bundle identifiers under oldID to
// newID and points watch apps at the renamed companion.
func rewriteNestedIdentifiers(appPath, oldID, newID string) error {
	return filepath.WalkDir(appPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == appPath || !d.IsDir() || !codesign.IsBundleExtension(d.Name()) {
			return nil
		}
		info, err := codesign.ReadInfoPlist(path)
		if err != nil {
			log.WithField("bundle", path).Debug("no readable Info.plist, identifier left alone")
			return nil
		}

		changed := false
		if id, ok := info["CFBundleIdentifier"].(string); ok && strings.HasPrefix(id, oldID+".") {
			info["CFBundleIdentifier"] = newID + strings.TrimPrefix(id, oldID)
			changed = true
		}
		if companion, ok := info["WKCompanionAppBundleIdentifier"].(string); ok && companion == oldID {
			info["WKCompanionAppBundleIdentifier"] = newID
			changed = true
		}
		if !changed {
			return nil
		}
		log.WithFields(log.Fields{
			"bundle":     d.Name(),
			"identifier": info["CFBundleIdentifier"],
		}).Info("rewriting nested bundle identifier")
		return codesign.WriteInfoPlist(path, info)
	})
}
