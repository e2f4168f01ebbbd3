package codesign

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"howett.net/plist"

	"github.com/aluedeke/go-resign/internal/fsutil"
)

// codeResources is _CodeSignature/CodeResources. files carries SHA-1 digests,
// files2 both digests. Files inside nested bundles are listed like any other
// file.
type codeResources struct {
	Files  map[string]interface{} `plist:"files"`
	Files2 map[string]interface{} `plist:"files2"`
	Rules  map[string]interface{} `plist:"rules"`
	Rules2 map[string]interface{} `plist:"rules2"`
}

// GenerateCodeResources hashes every file of the bundle except its main
// executable and its own CodeResources.
func GenerateCodeResources(bundlePath, executable string) ([]byte, error) {
	res := codeResources{
		Files:  map[string]interface{}{},
		Files2: map[string]interface{}{},
		Rules:  defaultRules(),
		Rules2: defaultRules2(),
	}
	self := filepath.Join(codeSignatureDir, codeResourcesName)

	err := filepath.Walk(bundlePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(bundlePath, path)
		if err != nil {
			return err
		}
		if rel == self || path == executable || shouldOmit(rel) {
			return nil
		}
		key := filepath.ToSlash(rel)

		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("%w: %v", fsutil.ErrIO, err)
			}
			res.Files2[key] = map[string]interface{}{"symlink": target}
			return nil
		}

		h1, h2, err := hashFile(path)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", rel, err)
		}
		optional := isOptional(rel)

		if optional {
			res.Files[key] = map[string]interface{}{"hash": h1, "optional": true}
		} else {
			res.Files[key] = h1
		}
		if !omitFromFiles2(rel) {
			entry := map[string]interface{}{"hash": h1, "hash2": h2}
			if optional {
				entry["optional"] = true
			}
			res.Files2[key] = entry
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	data, err := plist.MarshalIndent(res, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CodeResources: %w", err)
	}
	return data, nil
}

// WriteCodeResources generates CodeResources, stores it under
// _CodeSignature and returns its contents.
func WriteCodeResources(bundlePath, executable string) ([]byte, error) {
	data, err := GenerateCodeResources(bundlePath, executable)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(bundlePath, codeSignatureDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", fsutil.ErrIO, err)
	}
	if err := fsutil.WriteFile(filepath.Join(dir, codeResourcesName), data, 0644); err != nil {
		return nil, err
	}
	log.WithField("bundle", filepath.Base(bundlePath)).Debug("wrote CodeResources")
	return data, nil
}

// hashFile returns the SHA-1 and SHA-256 digests of a file in one read.
func hashFile(path string) (sum1, sum256 []byte, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()

	h1, h2 := sha1.New(), sha256.New()
	if _, err := io.Copy(io.MultiWriter(h1, h2), f); err != nil {
		return nil, nil, err
	}
	return h1.Sum(nil), h2.Sum(nil), nil
}

func shouldOmit(rel string) bool {
	base := filepath.Base(rel)
	if base == ".DS_Store" || strings.HasPrefix(base, "._") {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".git") {
			return true
		}
	}
	return strings.HasSuffix(filepath.ToSlash(rel), ".lproj/locversion.plist")
}

func isOptional(rel string) bool {
	return strings.Contains(filepath.ToSlash(rel), ".lproj/")
}

// omitFromFiles2 matches the omit rules of rules2.
func omitFromFiles2(rel string) bool {
	return rel == infoPlistName || rel == "PkgInfo"
}

// Rule weights are float64 so they encode as <real>.

func defaultRules() map[string]interface{} {
	return map[string]interface{}{
		"^.*":                           true,
		"^.*\\.lproj/":                  map[string]interface{}{"optional": true, "weight": float64(1000)},
		"^.*\\.lproj/locversion.plist$": map[string]interface{}{"omit": true, "weight": float64(1100)},
		"^Base\\.lproj/":                map[string]interface{}{"weight": float64(1010)},
		"^version.plist$":               true,
	}
}

func defaultRules2() map[string]interface{} {
	return map[string]interface{}{
		"^.*":                           true,
		".*\\.dSYM($|/)":                map[string]interface{}{"weight": float64(11)},
		"^(.*/)?\\.DS_Store$":           map[string]interface{}{"omit": true, "weight": float64(2000)},
		"^.*\\.lproj/":                  map[string]interface{}{"optional": true, "weight": float64(1000)},
		"^.*\\.lproj/locversion.plist$": map[string]interface{}{"omit": true, "weight": float64(1100)},
		"^Base\\.lproj/":                map[string]interface{}{"weight": float64(1010)},
		"^Info\\.plist$":                map[string]interface{}{"omit": true, "weight": float64(20)},
		"^PkgInfo$":                     map[string]interface{}{"omit": true, "weight": float64(20)},
		"^embedded\\.provisionprofile$": map[string]interface{}{"weight": float64(20)},
		"^version\\.plist$":             map[string]interface{}{"weight": float64(20)},
	}
}
