package codesign

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"reflect"
	"sort"

	"github.com/dustin/go-humanize"
)

// SignatureDiff compares two bundles bundle by bundle.
type SignatureDiff struct {
	Path1, Path2 string
	Bundles      []BundleDiff
}

// BundleDiff holds the differences found for one bundle. Path is relative
// to the root bundle, "." being the root itself.
type BundleDiff struct {
	Path    string
	OnlyIn1 bool
	OnlyIn2 bool

	Fields       []FieldDiff
	CodeDirs     []CodeDirDiff
	Entitlements EntitlementsDiff
}

// FieldDiff is a single compared value.
type FieldDiff struct {
	Name           string
	Value1, Value2 string
}

// Same reports whether both sides are equal.
func (f FieldDiff) Same() bool { return f.Value1 == f.Value2 }

// CodeDirDiff compares the CodeDirectories stored in the same slot.
type CodeDirDiff struct {
	Slot       uint32
	Fields     []FieldDiff
	Special    []FieldDiff
	CodePages1 int
	CodePages2 int
	CodeSame   bool
}

// Same reports whether the directories are identical in every compared
// field.
func (d *CodeDirDiff) Same() bool {
	for _, f := range append(append([]FieldDiff{}, d.Fields...), d.Special...) {
		if !f.Same() {
			return false
		}
	}
	return d.CodeSame
}

// EntitlementsDiff lists keys added in, removed from or changed in the
// second signature.
type EntitlementsDiff struct {
	Added   map[string]interface{}
	Removed map[string]interface{}
	Changed map[string][2]interface{}
}

// Same reports whether both entitlement sets are equal.
func (d *EntitlementsDiff) Same() bool {
	return len(d.Added)+len(d.Removed)+len(d.Changed) == 0
}

// Same reports whether the bundle signatures match.
func (b *BundleDiff) Same() bool {
	if b.OnlyIn1 || b.OnlyIn2 || !b.Entitlements.Same() {
		return false
	}
	for _, f := range b.Fields {
		if !f.Same() {
			return false
		}
	}
	for i := range b.CodeDirs {
		if !b.CodeDirs[i].Same() {
			return false
		}
	}
	return true
}

// CompareSignatures diffs two decoded signatures.
func CompareSignatures(a, b *SignatureInfo) *BundleDiff {
	diff := &BundleDiff{Path: "."}
	diff.Fields = []FieldDiff{
		{"SuperBlob", fmt.Sprintf("%d blobs", len(a.Blobs)), fmt.Sprintf("%d blobs", len(b.Blobs))},
		{"Requirements", requirementsDigest(a.Requirements), requirementsDigest(b.Requirements)},
		{"CMS signer", a.CMS.SignerCN, b.CMS.SignerCN},
	}

	cds1, cds2 := map[uint32]*CodeDirectoryInfo{}, map[uint32]*CodeDirectoryInfo{}
	for i := range a.CodeDirs {
		cds1[a.CodeDirs[i].Slot] = &a.CodeDirs[i]
	}
	for i := range b.CodeDirs {
		cds2[b.CodeDirs[i].Slot] = &b.CodeDirs[i]
	}
	for _, slot := range unionKeys(cds1, cds2) {
		cd1, cd2 := cds1[slot], cds2[slot]
		switch {
		case cd1 == nil:
			diff.CodeDirs = append(diff.CodeDirs, CodeDirDiff{Slot: slot, Fields: []FieldDiff{{"Presence", "missing", "present"}}})
		case cd2 == nil:
			diff.CodeDirs = append(diff.CodeDirs, CodeDirDiff{Slot: slot, Fields: []FieldDiff{{"Presence", "present", "missing"}}})
		default:
			diff.CodeDirs = append(diff.CodeDirs, compareCodeDirectories(cd1, cd2))
		}
	}

	diff.Entitlements = compareEntitlements(a.Entitlements, b.Entitlements)
	return diff
}

func requirementsDigest(req []byte) string {
	if len(req) == 0 {
		return "<none>"
	}
	return abbreviate(hex.EncodeToString(digest(req, HashTypeSHA256)), 16)
}

func unionKeys(a, b map[uint32]*CodeDirectoryInfo) []uint32 {
	seen := map[uint32]bool{}
	var keys []uint32
	for _, m := range []map[uint32]*CodeDirectoryInfo{a, b} {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func compareCodeDirectories(cd1, cd2 *CodeDirectoryInfo) CodeDirDiff {
	diff := CodeDirDiff{
		Slot: cd1.Slot,
		Fields: []FieldDiff{
			{"Version", fmt.Sprintf("0x%x", cd1.Version), fmt.Sprintf("0x%x", cd2.Version)},
			{"Flags", fmt.Sprintf("0x%x", cd1.Flags), fmt.Sprintf("0x%x", cd2.Flags)},
			{"Hash", hashTypeName(cd1.HashType), hashTypeName(cd2.HashType)},
			{"Identifier", cd1.Identifier, cd2.Identifier},
			{"Team ID", cd1.TeamID, cd2.TeamID},
			{"Page Size", fmt.Sprint(cd1.PageSize), fmt.Sprint(cd2.PageSize)},
			{"Code Limit", fmt.Sprint(cd1.CodeLimit), fmt.Sprint(cd2.CodeLimit)},
			{"Exec Seg Flags", fmt.Sprintf("0x%x", cd1.ExecSegFlags), fmt.Sprintf("0x%x", cd2.ExecSegFlags)},
		},
		CodePages1: len(cd1.CodeHashes),
		CodePages2: len(cd2.CodeHashes),
	}

	for slot := 1; slot <= specialEntitlementsDER; slot++ {
		h1, ok1 := cd1.SpecialHashes[slot]
		h2, ok2 := cd2.SpecialHashes[slot]
		if !ok1 && !ok2 {
			continue
		}
		v1, v2 := "<empty>", "<empty>"
		if ok1 {
			v1 = hex.EncodeToString(h1)
		}
		if ok2 {
			v2 = hex.EncodeToString(h2)
		}
		diff.Special = append(diff.Special, FieldDiff{fmt.Sprintf("-%d %s", slot, specialSlotNames[slot]), v1, v2})
	}

	diff.CodeSame = len(cd1.CodeHashes) == len(cd2.CodeHashes)
	for i := 0; diff.CodeSame && i < len(cd1.CodeHashes); i++ {
		diff.CodeSame = bytes.Equal(cd1.CodeHashes[i], cd2.CodeHashes[i])
	}
	return diff
}

func compareEntitlements(a, b map[string]interface{}) EntitlementsDiff {
	diff := EntitlementsDiff{
		Added:   map[string]interface{}{},
		Removed: map[string]interface{}{},
		Changed: map[string][2]interface{}{},
	}
	for k, v1 := range a {
		v2, ok := b[k]
		switch {
		case !ok:
			diff.Removed[k] = v1
		case !reflect.DeepEqual(v1, v2):
			diff.Changed[k] = [2]interface{}{v1, v2}
		}
	}
	for k, v2 := range b {
		if _, ok := a[k]; !ok {
			diff.Added[k] = v2
		}
	}
	return diff
}

// CompareBundles inspects both bundles and pairs nested bundles by their
// path below the root bundle.
func CompareBundles(path1, path2 string, recursive bool) (*SignatureDiff, error) {
	infos1, err := InspectBundle(path1, recursive)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", path1, err)
	}
	infos2, err := InspectBundle(path2, recursive)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", path2, err)
	}

	byPath := func(root string, infos []*SignatureInfo) map[string]*SignatureInfo {
		m := map[string]*SignatureInfo{}
		for _, info := range infos {
			rel, err := filepath.Rel(root, info.BundlePath)
			if err != nil {
				rel = info.BundlePath
			}
			m[filepath.ToSlash(rel)] = info
		}
		return m
	}
	m1, m2 := byPath(path1, infos1), byPath(path2, infos2)

	var paths []string
	for p := range m1 {
		paths = append(paths, p)
	}
	for p := range m2 {
		if _, ok := m1[p]; !ok {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	diff := &SignatureDiff{Path1: path1, Path2: path2}
	for _, p := range paths {
		a, ok1 := m1[p]
		b, ok2 := m2[p]
		switch {
		case ok1 && ok2:
			bd := CompareSignatures(a, b)
			bd.Path = p
			diff.Bundles = append(diff.Bundles, *bd)
		case ok1:
			diff.Bundles = append(diff.Bundles, BundleDiff{Path: p, OnlyIn1: true})
		default:
			diff.Bundles = append(diff.Bundles, BundleDiff{Path: p, OnlyIn2: true})
		}
	}
	return diff, nil
}

// PrintSignatureDiff writes a human readable rendering of diff.
func PrintSignatureDiff(w io.Writer, diff *SignatureDiff) {
	fprint(w, "Comparing:\n  1: %s\n  2: %s\n", diff.Path1, diff.Path2)
	for i := range diff.Bundles {
		b := &diff.Bundles[i]
		fprint(w, "\n=== %s ===\n", b.Path)
		switch {
		case b.OnlyIn1:
			fprint(w, "  only in 1\n")
			continue
		case b.OnlyIn2:
			fprint(w, "  only in 2\n")
			continue
		case b.Same():
			fprint(w, "  SAME\n")
			continue
		}

		for _, f := range b.Fields {
			printFieldDiff(w, "  ", f)
		}
		for j := range b.CodeDirs {
			cd := &b.CodeDirs[j]
			if cd.Same() {
				fprint(w, "  %-16s SAME\n", slotName(cd.Slot)+":")
				continue
			}
			fprint(w, "  %s:\n", slotName(cd.Slot))
			for _, f := range append(append([]FieldDiff{}, cd.Fields...), cd.Special...) {
				if !f.Same() {
					printFieldDiff(w, "    ", f)
				}
			}
			if !cd.CodeSame {
				fprint(w, "    Code hashes differ (%s vs %s pages)\n",
					humanize.Comma(int64(cd.CodePages1)), humanize.Comma(int64(cd.CodePages2)))
			}
		}
		printEntitlementsDiff(w, &b.Entitlements)
	}
}

func printFieldDiff(w io.Writer, indent string, f FieldDiff) {
	if f.Same() {
		fprint(w, "%s%-16s SAME (%s)\n", indent, f.Name+":", f.Value1)
		return
	}
	fprint(w, "%s%-16s DIFFER\n", indent, f.Name+":")
	fprint(w, "%s  - %s\n", indent, abbreviate(f.Value1, 40))
	fprint(w, "%s  + %s\n", indent, abbreviate(f.Value2, 40))
}

func printEntitlementsDiff(w io.Writer, d *EntitlementsDiff) {
	if d.Same() {
		fprint(w, "  %-16s SAME\n", "Entitlements:")
		return
	}
	fprint(w, "  %-16s DIFFER\n", "Entitlements:")
	for _, k := range sortedKeys(d.Removed) {
		fprint(w, "    - %s: %v\n", k, d.Removed[k])
	}
	for _, k := range sortedKeys(d.Added) {
		fprint(w, "    + %s: %v\n", k, d.Added[k])
	}
	changed := make([]string, 0, len(d.Changed))
	for k := range d.Changed {
		changed = append(changed, k)
	}
	sort.Strings(changed)
	for _, k := range changed {
		fprint(w, "    ~ %s: %v -> %v\n", k, d.Changed[k][0], d.Changed[k][1])
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
