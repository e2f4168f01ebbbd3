package codesign

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"howett.net/plist"
)

// writeTestBundle lays out a minimal bundle and returns its path and
// executable.
func writeTestBundle(t *testing.T, dir, name string, exec []byte) (string, string) {
	t.Helper()
	bundle := filepath.Join(dir, name+".app")
	files := map[string][]byte{
		"Info.plist":                   []byte(infoPlistFor(name)),
		name:                           exec,
		"assets/logo.png":              []byte("png"),
		"en.lproj/Localizable.strings": []byte(`"a" = "b";`),
		".DS_Store":                    []byte("junk"),
	}
	for rel, data := range files {
		path := filepath.Join(bundle, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, data, 0755); err != nil {
			t.Fatal(err)
		}
	}
	return bundle, filepath.Join(bundle, name)
}

func infoPlistFor(name string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0">
<dict>
	<key>CFBundleExecutable</key>
	<string>` + name + `</string>
	<key>CFBundleIdentifier</key>
	<string>com.example.` + name + `</string>
</dict>
</plist>
`
}

func decodeCodeResources(t *testing.T, data []byte) (files, files2 map[string]interface{}) {
	t.Helper()
	var generated map[string]interface{}
	if _, err := plist.Unmarshal(data, &generated); err != nil {
		t.Fatalf("Failed to parse generated CodeResources: %v", err)
	}
	files, ok := generated["files"].(map[string]interface{})
	if !ok {
		t.Fatal("CodeResources missing 'files'")
	}
	files2, ok = generated["files2"].(map[string]interface{})
	if !ok {
		t.Fatal("CodeResources missing 'files2'")
	}
	return files, files2
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hashtest")
	content := []byte("Hello, World!")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	h1, h2, err := hashFile(path)
	if err != nil {
		t.Fatalf("hashFile failed: %v", err)
	}
	want1 := sha1.Sum(content)
	want2 := sha256.Sum256(content)
	if !bytes.Equal(h1, want1[:]) {
		t.Errorf("SHA-1 mismatch: %x", h1)
	}
	if !bytes.Equal(h2, want2[:]) {
		t.Errorf("SHA-256 mismatch: %x", h2)
	}
}

func TestGenerateCodeResources(t *testing.T) {
	bundle, exec := writeTestBundle(t, t.TempDir(), "App", []byte("binary"))
	if err := os.MkdirAll(filepath.Join(bundle, codeSignatureDir), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bundle, codeSignatureDir, codeResourcesName), []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	data, err := GenerateCodeResources(bundle, exec)
	if err != nil {
		t.Fatalf("GenerateCodeResources failed: %v", err)
	}
	files, files2 := decodeCodeResources(t, data)

	logo := sha1.Sum([]byte("png"))
	if got, ok := files["assets/logo.png"].([]byte); !ok || !bytes.Equal(got, logo[:]) {
		t.Errorf("files[assets/logo.png] = %v", files["assets/logo.png"])
	}
	if _, ok := files["Info.plist"]; !ok {
		t.Error("Info.plist should be in 'files'")
	}
	if _, ok := files2["Info.plist"]; ok {
		t.Error("Info.plist should be omitted from 'files2'")
	}
	for _, excluded := range []string{"App", "_CodeSignature/CodeResources", ".DS_Store"} {
		if _, ok := files[excluded]; ok {
			t.Errorf("%s should not be listed", excluded)
		}
	}

	entry, ok := files2["assets/logo.png"].(map[string]interface{})
	if !ok {
		t.Fatalf("files2[assets/logo.png] = %v", files2["assets/logo.png"])
	}
	logo256 := sha256.Sum256([]byte("png"))
	if got, _ := entry["hash2"].([]byte); !bytes.Equal(got, logo256[:]) {
		t.Error("files2 entry should carry the SHA-256 digest as hash2")
	}

	localized, ok := files["en.lproj/Localizable.strings"].(map[string]interface{})
	if !ok || localized["optional"] != true {
		t.Errorf("localized resources should be optional, got %v", files["en.lproj/Localizable.strings"])
	}
}

func TestGenerateCodeResourcesSymlink(t *testing.T) {
	bundle, exec := writeTestBundle(t, t.TempDir(), "App", []byte("binary"))
	if err := os.Symlink("assets/logo.png", filepath.Join(bundle, "logo")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	data, err := GenerateCodeResources(bundle, exec)
	if err != nil {
		t.Fatalf("GenerateCodeResources failed: %v", err)
	}
	files, files2 := decodeCodeResources(t, data)
	if _, ok := files["logo"]; ok {
		t.Error("symlinks should not appear in 'files'")
	}
	entry, ok := files2["logo"].(map[string]interface{})
	if !ok || entry["symlink"] != "assets/logo.png" {
		t.Errorf("files2[logo] = %v", files2["logo"])
	}
}

func TestWriteCodeResources(t *testing.T) {
	bundle, exec := writeTestBundle(t, t.TempDir(), "App", []byte("binary"))
	data, err := WriteCodeResources(bundle, exec)
	if err != nil {
		t.Fatalf("WriteCodeResources failed: %v", err)
	}
	onDisk, err := os.ReadFile(filepath.Join(bundle, codeSignatureDir, codeResourcesName))
	if err != nil {
		t.Fatalf("CodeResources not written: %v", err)
	}
	if !bytes.Equal(data, onDisk) {
		t.Error("returned CodeResources differs from the file")
	}
}

func TestDefaultRulesWeightsAreReals(t *testing.T) {
	for name, rules := range map[string]map[string]interface{}{"rules": defaultRules(), "rules2": defaultRules2()} {
		for pattern, rule := range rules {
			r, ok := rule.(map[string]interface{})
			if !ok {
				continue
			}
			if w, ok := r["weight"]; ok {
				if _, isFloat := w.(float64); !isFloat {
					t.Errorf("%s[%s] weight is %T, want float64", name, pattern, w)
				}
			}
		}
	}
	if rule, ok := defaultRules2()["^(.*/)?\\.DS_Store$"].(map[string]interface{}); !ok || rule["omit"] != true {
		t.Error("rules2 should omit .DS_Store")
	}
}

func TestShouldOmit(t *testing.T) {
	cases := map[string]bool{
		".DS_Store":                    true,
		"sub/.DS_Store":                true,
		"sub/._resource":               true,
		".git/config":                  true,
		"en.lproj/locversion.plist":    true,
		"Info.plist":                   false,
		"en.lproj/Localizable.strings": false,
		"Frameworks/A.framework/A":     false,
	}
	for rel, want := range cases {
		if got := shouldOmit(rel); got != want {
			t.Errorf("shouldOmit(%q) = %v, want %v", rel, got, want)
		}
	}
}

func TestOmitFromFiles2(t *testing.T) {
	cases := map[string]bool{
		"Info.plist":     true,
		"PkgInfo":        true,
		"sub/Info.plist": false,
		"assets/a.png":   false,
	}
	for rel, want := range cases {
		if got := omitFromFiles2(rel); got != want {
			t.Errorf("omitFromFiles2(%q) = %v, want %v", rel, got, want)
		}
	}
}
