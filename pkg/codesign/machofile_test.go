package codesign

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	gomacho "github.com/blacktop/go-macho"
	"go.mozilla.org/pkcs7"

	"github.com/aluedeke/go-resign/internal/certtest"
	"github.com/aluedeke/go-resign/internal/machotest"
	"github.com/aluedeke/go-resign/pkg/macho"
)

// requireLayoutParser skips when the Mach-O parser cannot read the synthetic
// images the signing tests are built on.
func requireLayoutParser(t *testing.T) {
	t.Helper()
	m, err := gomacho.NewFile(bytes.NewReader(machotest.Thin64(nil)))
	if err != nil {
		t.Skipf("synthetic Mach-O not parseable: %v", err)
	}
	m.Close()
}

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool")
	if err := os.WriteFile(path, data, 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func codeDirBySlot(t *testing.T, info *SignatureInfo, slot uint32) *CodeDirectoryInfo {
	t.Helper()
	for i := range info.CodeDirs {
		if info.CodeDirs[i].Slot == slot {
			return &info.CodeDirs[i]
		}
	}
	t.Fatalf("no CodeDirectory in slot 0x%x", slot)
	return nil
}

func TestSignatureReserve(t *testing.T) {
	// 5 pages: (5+1)*52 rounds up to one page, plus 16KiB
	if got := signatureReserve(0x4010); got != 4096+16384 {
		t.Errorf("signatureReserve = %d", got)
	}
	if got := alignUp(4097, 4096); got != 8192 {
		t.Errorf("alignUp = %d", got)
	}
}

func TestSignBinaryAdhocUnsigned(t *testing.T) {
	requireLayoutParser(t)

	path := writeFile(t, machotest.Thin64(nil))
	if err := SignBinary(path, NewSigningSettings(), "com.example.tool", nil); err != nil {
		t.Fatalf("SignBinary failed: %v", err)
	}
	signed := readFile(t, path)

	slice, err := macho.FirstSlice(signed)
	if err != nil {
		t.Fatalf("FirstSlice failed: %v", err)
	}
	ncmds, sizeofcmds := slice.LoadCommands()
	if ncmds != 3 || sizeofcmds != 2*72+16 {
		t.Errorf("load commands = %d/%d, want 3/160", ncmds, sizeofcmds)
	}
	sig, found, err := slice.CodeSignature()
	if err != nil || !found {
		t.Fatalf("signature not found: %v", err)
	}
	if sig.Offset != 0x4010 || sig.Size != 4096+16384 {
		t.Errorf("signature at 0x%x size %d", sig.Offset, sig.Size)
	}
	if len(signed) != 0x4010+4096+16384 {
		t.Errorf("signed file is %d bytes", len(signed))
	}

	info, err := InspectBytes(signed)
	if err != nil {
		t.Fatalf("InspectBytes failed: %v", err)
	}
	if len(info.Blobs) != 4 {
		t.Errorf("Expected 4 blobs, got %d", len(info.Blobs))
	}
	cd := codeDirBySlot(t, info, macho.SlotAlternateCodeDirectory)
	if cd.Identifier != "com.example.tool" || cd.TeamID != "" {
		t.Errorf("identifier/team = %q/%q", cd.Identifier, cd.TeamID)
	}
	if cd.Flags&FlagAdhoc == 0 {
		t.Error("ad-hoc flag not set")
	}
	if cd.CodeLimit != 0x4010 || cd.NCodeSlots != 5 || cd.NSpecialSlots != specialRequirements {
		t.Errorf("code limit 0x%x, %d code slots, %d special slots", cd.CodeLimit, cd.NCodeSlots, cd.NSpecialSlots)
	}
	if cd.ExecSegLimit != 0x4000 || cd.ExecSegFlags != 0 {
		t.Errorf("exec segment limit/flags = 0x%x/0x%x", cd.ExecSegLimit, cd.ExecSegFlags)
	}
	for i, h := range cd.CodeHashes {
		end := (i + 1) * pageSize
		if end > int(cd.CodeLimit) {
			end = int(cd.CodeLimit)
		}
		want := sha256.Sum256(signed[i*pageSize : end])
		if !bytes.Equal(h, want[:]) {
			t.Errorf("page %d hash does not cover the written file", i)
		}
	}
	if info.CMS.Size != 8 {
		t.Errorf("ad-hoc CMS blob should be an empty wrapper, got %d bytes", info.CMS.Size)
	}
}

func TestSignBinaryIsDeterministic(t *testing.T) {
	requireLayoutParser(t)

	path := writeFile(t, machotest.Thin64(nil))
	if err := SignBinary(path, NewSigningSettings(), "com.example.tool", nil); err != nil {
		t.Fatalf("first SignBinary failed: %v", err)
	}
	first := readFile(t, path)
	if err := SignBinary(path, NewSigningSettings(), "com.example.tool", nil); err != nil {
		t.Fatalf("second SignBinary failed: %v", err)
	}
	if !bytes.Equal(first, readFile(t, path)) {
		t.Error("re-signing an ad-hoc signed binary changed it")
	}
}

func TestSignBinaryReplacesSignature(t *testing.T) {
	requireLayoutParser(t)

	old := machotest.SuperBlob(machotest.Requirements(), machotest.Entitlements("<plist><dict/></plist>"))
	path := writeFile(t, machotest.Thin64(old))
	if err := SignBinary(path, NewSigningSettings(), "com.example.tool", []byte(taskAllowXML)); err != nil {
		t.Fatalf("SignBinary failed: %v", err)
	}

	info, err := InspectBinary(path)
	if err != nil {
		t.Fatalf("InspectBinary failed: %v", err)
	}
	if info.EntitlementsXML != taskAllowXML {
		t.Errorf("entitlements = %q", info.EntitlementsXML)
	}
	if len(info.EntitlementsDER) == 0 {
		t.Error("DER entitlements missing")
	}
	cd := codeDirBySlot(t, info, macho.SlotCodeDirectory)
	if cd.NSpecialSlots != specialEntitlementsDER {
		t.Errorf("Expected %d special slots, got %d", specialEntitlementsDER, cd.NSpecialSlots)
	}
	if cd.ExecSegFlags != execSegMainBinary|execSegAllowUnsigned {
		t.Errorf("exec segment flags = 0x%x", cd.ExecSegFlags)
	}
	entBlob := wrapBlob(macho.MagicEmbeddedEntitlements, []byte(taskAllowXML))
	if !bytes.Equal(cd.SpecialHashes[specialEntitlements], digest(entBlob, HashTypeSHA1)) {
		t.Error("entitlements slot hash does not match the blob")
	}

	xml, ok, err := macho.ReadEntitlements(path)
	if err != nil || !ok || xml != taskAllowXML {
		t.Errorf("ReadEntitlements = %q, %v, %v", xml, ok, err)
	}
}

func TestSignBinaryWithIdentity(t *testing.T) {
	requireLayoutParser(t)

	id := certtest.New(t, certtest.Options{})
	settings := NewSigningSettings()
	settings.SetSigningKey(id.Cert, id.Key, nil)

	path := writeFile(t, machotest.Thin64(nil))
	if err := SignBinary(path, settings, "com.example.tool", nil); err != nil {
		t.Fatalf("SignBinary failed: %v", err)
	}
	signed := readFile(t, path)

	info, err := InspectBytes(signed)
	if err != nil {
		t.Fatalf("InspectBytes failed: %v", err)
	}
	cd := codeDirBySlot(t, info, macho.SlotCodeDirectory)
	if cd.Flags&FlagAdhoc != 0 {
		t.Error("identity signature flagged ad-hoc")
	}
	if cd.TeamID != "ABCDE12345" {
		t.Errorf("team = %q", cd.TeamID)
	}
	if info.CMS.SignerCN != id.Cert.Subject.CommonName || info.CMS.SignerTeamID != "ABCDE12345" {
		t.Errorf("CMS signer = %q (%q)", info.CMS.SignerCN, info.CMS.SignerTeamID)
	}
	if !info.SignedBy(settings.Chain) {
		t.Error("SignedBy does not recognise the signing certificate")
	}

	slice, _ := macho.FirstSlice(signed)
	sb, _, err := slice.SuperBlob()
	if err != nil {
		t.Fatalf("SuperBlob failed: %v", err)
	}
	cdBlob, _, _ := sb.Blob(macho.SlotCodeDirectory)
	p7, err := pkcs7.Parse(info.CMS.Raw)
	if err != nil {
		t.Fatalf("pkcs7.Parse failed: %v", err)
	}
	p7.Content = cdBlob
	if err := p7.Verify(); err != nil {
		t.Errorf("CMS signature does not verify over the CodeDirectory: %v", err)
	}
}

func TestSignBinaryWithIssuedIdentity(t *testing.T) {
	requireLayoutParser(t)

	ca := certtest.New(t, certtest.Options{CommonName: "Test CA", IsCA: true})
	id := certtest.New(t, certtest.Options{Parent: ca})
	settings := NewSigningSettings()
	settings.SetSigningKey(id.Cert, id.Key, []*x509.Certificate{ca.Cert})
	if _, err := settings.ChainAppleCertificates(); err != nil {
		t.Fatalf("ChainAppleCertificates failed: %v", err)
	}

	path := writeFile(t, machotest.Thin64(nil))
	if err := SignBinary(path, settings, "com.example.tool", nil); err != nil {
		t.Fatalf("SignBinary failed: %v", err)
	}
	info, err := InspectBinary(path)
	if err != nil {
		t.Fatalf("InspectBinary failed: %v", err)
	}
	if len(info.CMS.Certificates) != 2 {
		t.Errorf("CMS carries %d certificates, want 2", len(info.CMS.Certificates))
	}
}

func TestSignRejectsNotarization(t *testing.T) {
	settings := NewSigningSettings()
	settings.ForNotarization = true

	thin := machotest.Thin64(nil)
	path := writeFile(t, thin)
	if err := SignBinary(path, settings, "com.example.tool", nil); !errors.Is(err, ErrNotarization) {
		t.Fatalf("expected ErrNotarization, got %v", err)
	}
	if !bytes.Equal(readFile(t, path), thin) {
		t.Error("binary was modified")
	}
}

func TestSignUniversal(t *testing.T) {
	requireLayoutParser(t)

	path := writeFile(t, machotest.Fat(machotest.Thin64(nil), machotest.Thin64(nil)))
	if err := SignBinary(path, NewSigningSettings(), "com.example.tool", nil); err != nil {
		t.Fatalf("SignBinary failed: %v", err)
	}
	signed := readFile(t, path)

	arches, err := macho.Arches(signed)
	if err != nil {
		t.Fatalf("Arches failed: %v", err)
	}
	if len(arches) != 2 {
		t.Fatalf("Expected 2 slices, got %d", len(arches))
	}
	for i, a := range arches {
		if a.Offset%(1<<14) != 0 {
			t.Errorf("slice %d at unaligned offset 0x%x", i, a.Offset)
		}
		info, err := InspectBytes(signed[a.Offset : a.Offset+a.Size])
		if err != nil {
			t.Fatalf("slice %d: %v", i, err)
		}
		if cd := codeDirBySlot(t, info, macho.SlotCodeDirectory); cd.Identifier != "com.example.tool" {
			t.Errorf("slice %d identifier %q", i, cd.Identifier)
		}
	}
	if binary.BigEndian.Uint32(signed) != 0xcafebabe {
		t.Error("universal header not rebuilt with FAT_MAGIC")
	}
}

func TestSignBinaryRejectsGarbage(t *testing.T) {
	path := writeFile(t, []byte("definitely not mach-o"))
	err := SignBinary(path, NewSigningSettings(), "x", nil)
	if !errors.Is(err, macho.ErrMachOParse) {
		t.Errorf("Expected ErrMachOParse, got %v", err)
	}
}

func TestAddSignatureCommandNeedsRoom(t *testing.T) {
	data := machotest.Thin64(nil)
	// occupy the padding right after the load commands
	data[32+2*72] = 0xff

	slice, err := macho.FirstSlice(data)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := addSignatureCommand(data, slice, &sliceLayout{is64: true}); err == nil {
		t.Error("Expected an error when the load command padding is in use")
	}
}

func TestInspectUnsigned(t *testing.T) {
	if _, err := InspectBytes(machotest.Thin64(nil)); !errors.Is(err, ErrNotSigned) {
		t.Errorf("Expected ErrNotSigned, got %v", err)
	}
}
