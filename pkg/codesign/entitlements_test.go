package codesign

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/aluedeke/go-resign/pkg/macho"
)

const taskAllowXML = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>application-identifier</key>
	<string>ABCDE12345.com.example.app</string>
	<key>get-task-allow</key>
	<true/>
</dict>
</plist>
`

func TestEntitlementsToDER(t *testing.T) {
	entitlements := map[string]interface{}{
		"application-identifier":              "ABCD1234.com.example.testapp",
		"com.apple.developer.team-identifier": "ABCD1234",
		"get-task-allow":                      true,
	}

	der, err := EntitlementsToDER(entitlements)
	if err != nil {
		t.Fatalf("EntitlementsToDER failed: %v", err)
	}
	if der[0] != 0x70 {
		t.Errorf("Expected APPLICATION 16 tag (0x70), got 0x%02x", der[0])
	}
	// version INTEGER 1 follows the outer header
	if !bytes.Contains(der[:6], []byte{0x02, 0x01, 0x01}) {
		t.Errorf("Expected INTEGER 1 version, got:\n%s", hex.Dump(der))
	}
	if !bytes.Contains(der, []byte("application-identifier")) {
		t.Error("DER should contain 'application-identifier'")
	}
}

func TestEntitlementsToDER_Values(t *testing.T) {
	der, err := EntitlementsToDER(map[string]interface{}{
		"key":   "value",
		"flag":  true,
		"array": []interface{}{"item1", "item2"},
		"count": int64(3),
	})
	if err != nil {
		t.Fatalf("EntitlementsToDER failed: %v", err)
	}

	for name, want := range map[string][]byte{
		"UTF8String key":   {0x0c, 0x03, 'k', 'e', 'y'},
		"UTF8String value": {0x0c, 0x05, 'v', 'a', 'l', 'u', 'e'},
		"BOOLEAN true":     {0x01, 0x01, 0xff},
		"INTEGER 3":        {0x02, 0x01, 0x03},
		"array SEQUENCE":   {0x30, 0x0e, 0x0c, 0x05, 'i', 't', 'e', 'm', '1'},
	} {
		if !bytes.Contains(der, want) {
			t.Errorf("missing %s encoding in:\n%s", name, hex.Dump(der))
		}
	}
}

func TestEntitlementsToDER_SortedKeys(t *testing.T) {
	der, err := EntitlementsToDER(map[string]interface{}{
		"z-key": "z-value",
		"a-key": "a-value",
		"m-key": "m-value",
	})
	if err != nil {
		t.Fatalf("EntitlementsToDER failed: %v", err)
	}

	a := bytes.Index(der, []byte("a-key"))
	m := bytes.Index(der, []byte("m-key"))
	z := bytes.Index(der, []byte("z-key"))
	if a < 0 || m < 0 || z < 0 {
		t.Fatalf("Keys not found in DER output")
	}
	if a >= m || m >= z {
		t.Errorf("Keys should be sorted: a-key at %d, m-key at %d, z-key at %d", a, m, z)
	}
}

func TestEntitlementsToDER_UnsupportedValue(t *testing.T) {
	if _, err := EntitlementsToDER(map[string]interface{}{"ratio": 1.5}); err == nil {
		t.Error("Expected an error for a float value")
	}
}

func TestDERWrapLongForm(t *testing.T) {
	short := derWrap(0x04, make([]byte, 0x7f))
	if !bytes.Equal(short[:2], []byte{0x04, 0x7f}) {
		t.Errorf("short form header = % x", short[:2])
	}
	one := derWrap(0x04, make([]byte, 200))
	if !bytes.Equal(one[:3], []byte{0x04, 0x81, 200}) {
		t.Errorf("one byte long form header = % x", one[:3])
	}
	two := derWrap(0x04, make([]byte, 300))
	if !bytes.Equal(two[:4], []byte{0x04, 0x82, 0x01, 0x2c}) {
		t.Errorf("two byte long form header = % x", two[:4])
	}
	if len(two) != 304 {
		t.Errorf("Expected 304 bytes, got %d", len(two))
	}
}

func TestParseEntitlementsXML(t *testing.T) {
	entitlements, err := ParseEntitlementsXML([]byte(taskAllowXML))
	if err != nil {
		t.Fatalf("ParseEntitlementsXML failed: %v", err)
	}
	if entitlements["application-identifier"] != "ABCDE12345.com.example.app" {
		t.Errorf("application-identifier = %v", entitlements["application-identifier"])
	}
	if entitlements["get-task-allow"] != true {
		t.Errorf("get-task-allow = %v", entitlements["get-task-allow"])
	}
}

func TestEntitlementsToXMLNil(t *testing.T) {
	data, err := EntitlementsToXML(nil)
	if err != nil {
		t.Fatalf("EntitlementsToXML failed: %v", err)
	}
	parsed, err := ParseEntitlementsXML(data)
	if err != nil {
		t.Fatalf("ParseEntitlementsXML failed: %v", err)
	}
	if len(parsed) != 0 {
		t.Errorf("Expected an empty dictionary, got %v", parsed)
	}
}

func TestUpdateEntitlementsForBundleID(t *testing.T) {
	entitlements := map[string]interface{}{
		"application-identifier": "OLD_TEAM.old.bundle.id",
		"keychain-access-groups": []interface{}{"OLD_TEAM.old.bundle.id", "shared"},
	}

	updated := UpdateEntitlementsForBundleID(entitlements, "NEW_TEAM", "new.bundle.id")

	if updated["application-identifier"] != "NEW_TEAM.new.bundle.id" {
		t.Errorf("application-identifier = %v", updated["application-identifier"])
	}
	groups, ok := updated["keychain-access-groups"].([]interface{})
	if !ok || len(groups) != 2 {
		t.Fatalf("keychain-access-groups = %v", updated["keychain-access-groups"])
	}
	if groups[0] != "NEW_TEAM.new.bundle.id" || groups[1] != "shared" {
		t.Errorf("keychain-access-groups = %v", groups)
	}
	if entitlements["application-identifier"] != "OLD_TEAM.old.bundle.id" {
		t.Error("input map was modified")
	}
}

func TestUpdateEntitlementsForBundleID_WithTeamPrefix(t *testing.T) {
	updated := UpdateEntitlementsForBundleID(map[string]interface{}{
		"application-identifier": "OLD_TEAM.old.bundle.id",
	}, "NEW_TEAM", "NEW_TEAM.new.bundle.id")

	if updated["application-identifier"] != "NEW_TEAM.new.bundle.id" {
		t.Errorf("application-identifier = %v", updated["application-identifier"])
	}
}

func TestEntitlementsBlobs(t *testing.T) {
	xmlBlob, derBlob, err := entitlementsBlobs(nil)
	if err != nil || xmlBlob != nil || derBlob != nil {
		t.Fatalf("nil entitlements: %v %v %v", xmlBlob, derBlob, err)
	}

	empty, _ := EntitlementsToXML(nil)
	xmlBlob, derBlob, err = entitlementsBlobs(empty)
	if err != nil {
		t.Fatalf("entitlementsBlobs failed: %v", err)
	}
	if xmlBlob == nil || derBlob != nil {
		t.Errorf("empty dictionary should produce only the XML blob")
	}

	xmlBlob, derBlob, err = entitlementsBlobs([]byte(taskAllowXML))
	if err != nil {
		t.Fatalf("entitlementsBlobs failed: %v", err)
	}
	if got := binary.BigEndian.Uint32(xmlBlob); got != macho.MagicEmbeddedEntitlements {
		t.Errorf("XML blob magic = 0x%x", got)
	}
	if !bytes.Equal(xmlBlob[8:], []byte(taskAllowXML)) {
		t.Error("XML blob payload differs from input")
	}
	if got := binary.BigEndian.Uint32(derBlob); got != macho.MagicEntitlementsDER {
		t.Errorf("DER blob magic = 0x%x", got)
	}
	if int(binary.BigEndian.Uint32(derBlob[4:])) != len(derBlob) {
		t.Error("DER blob length header is wrong")
	}
}

func TestEntitlementsBlobsSkipsDERForReals(t *testing.T) {
	xml := []byte(`<plist version="1.0"><dict><key>ratio</key><real>1.5</real></dict></plist>`)
	xmlBlob, derBlob, err := entitlementsBlobs(xml)
	if err != nil {
		t.Fatalf("entitlementsBlobs failed: %v", err)
	}
	if xmlBlob == nil {
		t.Error("XML blob missing")
	}
	if derBlob != nil {
		t.Error("DER blob should be omitted when a value cannot be encoded")
	}
}

func TestEntitlementsBlobsRejectsGarbage(t *testing.T) {
	if _, _, err := entitlementsBlobs([]byte("not a plist <<<")); err == nil {
		t.Error("Expected an error for unparsable entitlements")
	}
}

func TestGetTaskAllow(t *testing.T) {
	if !getTaskAllow([]byte(taskAllowXML)) {
		t.Error("get-task-allow true not detected")
	}
	empty, _ := EntitlementsToXML(nil)
	if getTaskAllow(empty) || getTaskAllow(nil) {
		t.Error("get-task-allow reported without the key")
	}
}
