package codesign

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"go.mozilla.org/pkcs7"

	"github.com/aluedeke/go-resign/internal/fsutil"
	"github.com/aluedeke/go-resign/pkg/macho"
)

// ErrNotSigned is returned when a binary has no embedded signature.
var ErrNotSigned = errors.New("binary is not signed")

// SignatureInfo is a decoded embedded signature.
type SignatureInfo struct {
	BinaryPath   string
	BundlePath   string
	RelativePath string

	Length uint32
	Blobs  []macho.BlobIndex

	CodeDirs        []CodeDirectoryInfo
	Requirements    []byte
	EntitlementsXML string
	Entitlements    map[string]interface{}
	EntitlementsDER []byte
	CMS             CMSInfo
}

// CodeDirectoryInfo is one decoded CodeDirectory.
type CodeDirectoryInfo struct {
	Slot          uint32
	Version       uint32
	Flags         uint32
	HashType      uint8
	HashSize      uint8
	Identifier    string
	TeamID        string
	PageSize      uint32
	CodeLimit     uint32
	ExecSegBase   uint64
	ExecSegLimit  uint64
	ExecSegFlags  uint64
	NSpecialSlots uint32
	NCodeSlots    uint32
	// SpecialHashes holds the non-zero special slot hashes keyed by slot
	// number (positive).
	SpecialHashes map[int][]byte
	CodeHashes    [][]byte
	// CDHash is the digest of the directory, truncated to 20 bytes.
	CDHash []byte
}

// CMSInfo summarises the CMS blob.
type CMSInfo struct {
	Size         uint32
	Certificates []*x509.Certificate
	SignerCN     string
	SignerTeamID string
	Raw          []byte
}

// InspectBinary decodes the signature of the first slice of a binary.
func InspectBinary(path string) (*SignatureInfo, error) {
	data, err := fsutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	info, err := InspectBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	info.BinaryPath = path
	return info, nil
}

// InspectBytes is InspectBinary over an in-memory file.
func InspectBytes(data []byte) (*SignatureInfo, error) {
	slice, err := macho.FirstSlice(data)
	if err != nil {
		return nil, err
	}
	sb, found, err := slice.SuperBlob()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotSigned
	}

	info := &SignatureInfo{Length: sb.Length, Blobs: sb.Index}
	for _, bi := range sb.Index {
		blob, _, _ := sb.Blob(bi.Type)
		switch {
		case bi.Magic == macho.MagicCodeDirectory:
			cd, err := parseCodeDirectory(blob, bi.Type)
			if err != nil {
				return nil, err
			}
			info.CodeDirs = append(info.CodeDirs, *cd)
		case bi.Type == macho.SlotRequirements:
			info.Requirements = blob
		case bi.Type == macho.SlotEntitlements:
			info.EntitlementsXML = string(blob[8:])
			if ents, err := ParseEntitlementsXML(blob[8:]); err == nil {
				info.Entitlements = ents
			}
		case bi.Type == macho.SlotEntitlementsDER:
			info.EntitlementsDER = blob[8:]
		case bi.Type == macho.SlotSignature:
			info.CMS = parseCMS(blob)
		}
	}
	return info, nil
}

func cString(data []byte, off uint32) string {
	if off == 0 || int(off) >= len(data) {
		return ""
	}
	end := bytes.IndexByte(data[off:], 0)
	if end < 0 {
		return string(data[off:])
	}
	return string(data[off : int(off)+end])
}

func parseCodeDirectory(data []byte, slot uint32) (*CodeDirectoryInfo, error) {
	if len(data) < 44 {
		return nil, fmt.Errorf("%w: CodeDirectory too short", macho.ErrMachOParse)
	}
	be := binary.BigEndian
	cd := &CodeDirectoryInfo{
		Slot:          slot,
		Version:       be.Uint32(data[8:]),
		Flags:         be.Uint32(data[12:]),
		NSpecialSlots: be.Uint32(data[24:]),
		NCodeSlots:    be.Uint32(data[28:]),
		CodeLimit:     be.Uint32(data[32:]),
		HashSize:      data[36],
		HashType:      data[37],
		PageSize:      1 << data[39],
		SpecialHashes: map[int][]byte{},
	}
	hashOffset := uint64(be.Uint32(data[16:]))
	cd.Identifier = cString(data, be.Uint32(data[20:]))
	if cd.Version >= 0x20200 && len(data) >= 52 {
		cd.TeamID = cString(data, be.Uint32(data[48:]))
	}
	if cd.Version >= 0x20400 && len(data) >= codeDirectoryHeaderSize {
		cd.ExecSegBase = be.Uint64(data[64:])
		cd.ExecSegLimit = be.Uint64(data[72:])
		cd.ExecSegFlags = be.Uint64(data[80:])
	}

	hs := uint64(cd.HashSize)
	if hs == 0 || hashOffset < uint64(cd.NSpecialSlots)*hs ||
		hashOffset+uint64(cd.NCodeSlots)*hs > uint64(len(data)) {
		return nil, fmt.Errorf("%w: CodeDirectory hash table outside blob", macho.ErrMachOParse)
	}
	zero := make([]byte, hs)
	for slot := 1; slot <= int(cd.NSpecialSlots); slot++ {
		off := hashOffset - uint64(slot)*hs
		h := data[off : off+hs]
		if !bytes.Equal(h, zero) {
			cd.SpecialHashes[slot] = h
		}
	}
	for i := uint64(0); i < uint64(cd.NCodeSlots); i++ {
		off := hashOffset + i*hs
		cd.CodeHashes = append(cd.CodeHashes, data[off:off+hs])
	}

	if cd.HashType == HashTypeSHA1 {
		h := sha1.Sum(data)
		cd.CDHash = h[:]
	} else {
		h := sha256.Sum256(data)
		cd.CDHash = h[:20]
	}
	return cd, nil
}

func parseCMS(blob []byte) CMSInfo {
	info := CMSInfo{Size: uint32(len(blob))}
	if len(blob) <= 8 {
		return info
	}
	info.Raw = blob[8:]

	p7, err := pkcs7.Parse(info.Raw)
	if err != nil {
		log.WithError(err).Debug("unreadable CMS blob")
		return info
	}
	info.Certificates = p7.Certificates
	if signer := p7.GetOnlySigner(); signer != nil {
		info.SignerCN = signer.Subject.CommonName
		info.SignerTeamID = TeamIDFromCertificate(signer)
	}
	return info
}

// SignedBy reports whether the CMS signer is one of certs.
func (s *SignatureInfo) SignedBy(certs []*x509.Certificate) bool {
	if len(s.CMS.Raw) == 0 {
		return false
	}
	p7, err := pkcs7.Parse(s.CMS.Raw)
	if err != nil {
		return false
	}
	signer := p7.GetOnlySigner()
	if signer == nil {
		return false
	}
	for _, c := range certs {
		if c.Equal(signer) {
			return true
		}
	}
	return false
}

// InspectBundle decodes the signature of a bundle's executable and, when
// recursive, of every bundle under Frameworks and PlugIns.
func InspectBundle(bundlePath string, recursive bool) ([]*SignatureInfo, error) {
	return inspectBundle(bundlePath, filepath.Dir(bundlePath), recursive)
}

func inspectBundle(bundlePath, base string, recursive bool) ([]*SignatureInfo, error) {
	exec, err := BundleExecutable(bundlePath)
	if err != nil {
		return nil, err
	}
	info, err := InspectBinary(exec)
	if err != nil {
		return nil, err
	}
	info.BundlePath = bundlePath
	if info.RelativePath, err = filepath.Rel(base, bundlePath); err != nil {
		info.RelativePath = filepath.Base(bundlePath)
	}
	results := []*SignatureInfo{info}
	if !recursive {
		return results, nil
	}

	for _, dir := range []string{"Frameworks", "PlugIns"} {
		entries, err := os.ReadDir(filepath.Join(bundlePath, dir))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || !IsBundleExtension(e.Name()) {
				continue
			}
			nested, err := inspectBundle(filepath.Join(bundlePath, dir, e.Name()), base, true)
			if err != nil {
				log.WithError(err).Warnf("skipping %s", e.Name())
				continue
			}
			results = append(results, nested...)
		}
	}
	return results, nil
}

var specialSlotNames = map[int]string{
	specialInfoPlist:       "Info.plist",
	specialRequirements:    "Requirements",
	specialResourceDir:     "CodeResources",
	specialApplication:     "Application",
	specialEntitlements:    "Entitlements",
	specialRepSpecific:     "RepSpecific",
	specialEntitlementsDER: "EntitlementsDER",
}

func slotName(slot uint32) string {
	switch slot {
	case macho.SlotCodeDirectory:
		return "CodeDirectory"
	case macho.SlotRequirements:
		return "Requirements"
	case macho.SlotEntitlements:
		return "Entitlements"
	case macho.SlotEntitlementsDER:
		return "EntitlementsDER"
	case macho.SlotSignature:
		return "CMS Signature"
	}
	if slot >= macho.SlotAlternateCodeDirectory && slot < macho.SlotSignature {
		return fmt.Sprintf("CodeDirectory (alt %d)", slot-macho.SlotAlternateCodeDirectory)
	}
	return fmt.Sprintf("Unknown (0x%x)", slot)
}

func hashTypeName(t uint8) string {
	switch t {
	case HashTypeSHA1:
		return "SHA-1"
	case HashTypeSHA256:
		return "SHA-256"
	}
	return fmt.Sprintf("unknown(%d)", t)
}

// verifyFileSlot reports whether the file hashes to the special slot value.
func verifyFileSlot(path string, want []byte, hashType uint8) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return bytes.Equal(digest(data, hashType), want)
}

// PrintSignatureInfo writes a human readable dump of info.
func PrintSignatureInfo(w io.Writer, info *SignatureInfo) {
	name := info.RelativePath
	if name == "" {
		name = filepath.Base(info.BinaryPath)
	}
	fprint(w, "\n=== %s ===\n", name)
	for _, cd := range info.CodeDirs {
		if cd.Slot == macho.SlotCodeDirectory {
			fprint(w, "Identifier: %s\n", cd.Identifier)
			if cd.TeamID != "" {
				fprint(w, "Team ID:    %s\n", cd.TeamID)
			}
			if cd.Flags&FlagAdhoc != 0 {
				fprint(w, "Ad-hoc:     yes\n")
			}
		}
	}
	fprint(w, "Signature:  %d blobs, %s\n", len(info.Blobs), humanize.Bytes(uint64(info.Length)))

	for i, bi := range info.Blobs {
		branch, indent := "├─", "│   "
		if i == len(info.Blobs)-1 {
			branch, indent = "└─", "    "
		}
		fprint(w, "  %s %s: %s\n", branch, slotName(bi.Type), humanize.Bytes(uint64(bi.Length)))

		for _, cd := range info.CodeDirs {
			if cd.Slot == bi.Type {
				printCodeDirectory(w, &cd, indent, info.BundlePath)
			}
		}
		if bi.Type == macho.SlotEntitlements {
			keys := make([]string, 0, len(info.Entitlements))
			for k := range info.Entitlements {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fprint(w, "  %s  %s: %v\n", indent, k, info.Entitlements[k])
			}
		}
		if bi.Type == macho.SlotSignature && info.CMS.SignerCN != "" {
			fprint(w, "  %sSigner: %s (%s)\n", indent, info.CMS.SignerCN, info.CMS.SignerTeamID)
			fprint(w, "  %sCertificates: %d\n", indent, len(info.CMS.Certificates))
		}
	}
}

func printCodeDirectory(w io.Writer, cd *CodeDirectoryInfo, indent, bundlePath string) {
	fprint(w, "  %sVersion: 0x%x, Flags: 0x%x\n", indent, cd.Version, cd.Flags)
	fprint(w, "  %sHash: %s, Page Size: %d, Code Limit: %d\n", indent, hashTypeName(cd.HashType), cd.PageSize, cd.CodeLimit)
	fprint(w, "  %sCDHash: %s\n", indent, hex.EncodeToString(cd.CDHash))
	if cd.Version >= 0x20400 {
		fprint(w, "  %sExec Seg: base=0x%x limit=0x%x flags=0x%x\n", indent, cd.ExecSegBase, cd.ExecSegLimit, cd.ExecSegFlags)
	}
	fprint(w, "  %sSpecial Slots: %d\n", indent, cd.NSpecialSlots)
	for slot := int(cd.NSpecialSlots); slot >= 1; slot-- {
		h, ok := cd.SpecialHashes[slot]
		if !ok {
			continue
		}
		mark := ""
		if bundlePath != "" {
			var file string
			switch slot {
			case specialInfoPlist:
				file = filepath.Join(bundlePath, infoPlistName)
			case specialResourceDir:
				file = filepath.Join(bundlePath, codeSignatureDir, codeResourcesName)
			}
			if file != "" {
				mark = " ✗"
				if verifyFileSlot(file, h, cd.HashType) {
					mark = " ✓"
				}
			}
		}
		fprint(w, "  %s  -%d %s: %s%s\n", indent, slot, specialSlotNames[slot], abbreviate(hex.EncodeToString(h), 24), mark)
	}
	fprint(w, "  %sCode Slots: %d\n", indent, cd.NCodeSlots)
}

func abbreviate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func fprint(w io.Writer, format string, a ...interface{}) {
	_, _ = fmt.Fprintf(w, format, a...)
}
