package codesign

import (
	"encoding/asn1"
	"fmt"
	"sort"
	"strings"

	"github.com/apex/log"
	"howett.net/plist"

	"github.com/aluedeke/go-resign/pkg/macho"
)

// UpdateEntitlementsForBundleID returns a copy of entitlements with
// application-identifier and keychain-access-groups pointing at bundleID.
func UpdateEntitlementsForBundleID(entitlements map[string]interface{}, teamID, bundleID string) map[string]interface{} {
	bare := strings.TrimPrefix(bundleID, teamID+".")
	appID := teamID + "." + bare

	updated := make(map[string]interface{}, len(entitlements))
	for k, v := range entitlements {
		updated[k] = v
	}
	updated["application-identifier"] = appID

	if groups, ok := entitlements["keychain-access-groups"].([]interface{}); ok {
		rewritten := make([]interface{}, 0, len(groups))
		for _, g := range groups {
			s, ok := g.(string)
			if !ok {
				continue
			}
			if strings.Contains(s, ".") {
				s = appID
			}
			rewritten = append(rewritten, s)
		}
		updated["keychain-access-groups"] = rewritten
	}

	return updated
}

// EntitlementsToXML serializes entitlements as an XML property list.
func EntitlementsToXML(entitlements map[string]interface{}) ([]byte, error) {
	if entitlements == nil {
		entitlements = map[string]interface{}{}
	}
	data, err := plist.MarshalIndent(entitlements, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entitlements to XML: %w", err)
	}
	return data, nil
}

// ParseEntitlementsXML decodes an entitlements property list.
func ParseEntitlementsXML(data []byte) (map[string]interface{}, error) {
	var entitlements map[string]interface{}
	if _, err := plist.Unmarshal(data, &entitlements); err != nil {
		return nil, fmt.Errorf("failed to parse entitlements XML: %w", err)
	}
	return entitlements, nil
}

// EntitlementsToDER encodes entitlements in the DER form embedded next to
// the XML blob on iOS 15 and later:
//
//	[APPLICATION 16] { INTEGER 1, [CONTEXT 16] { SEQUENCE { UTF8String, value }... } }
//
// Dictionary keys are sorted.
func EntitlementsToDER(entitlements map[string]interface{}) ([]byte, error) {
	dict, err := derDict(entitlements)
	if err != nil {
		return nil, err
	}
	version, err := asn1.Marshal(1)
	if err != nil {
		return nil, err
	}
	return derWrap(0x70, append(version, dict...)), nil
}

func derDict(dict map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairs []byte
	for _, k := range keys {
		v, err := derValue(dict[k])
		if err != nil {
			return nil, fmt.Errorf("entitlement %q: %w", k, err)
		}
		pair := append(derWrap(0x0c, []byte(k)), v...)
		pairs = append(pairs, derWrap(0x30, pair)...)
	}
	return derWrap(0xb0, pairs), nil
}

func derValue(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case bool:
		return asn1.Marshal(val)
	case string:
		return derWrap(0x0c, []byte(val)), nil
	case int:
		return asn1.Marshal(int64(val))
	case int64:
		return asn1.Marshal(val)
	case uint64:
		return asn1.Marshal(int64(val))
	case []interface{}:
		var items []byte
		for _, item := range val {
			b, err := derValue(item)
			if err != nil {
				return nil, err
			}
			items = append(items, b...)
		}
		return derWrap(0x30, items), nil
	case map[string]interface{}:
		return derDict(val)
	}
	return nil, fmt.Errorf("unsupported plist type %T", v)
}

// derWrap prepends tag and a definite length to content.
func derWrap(tag byte, content []byte) []byte {
	n := len(content)
	if n < 0x80 {
		return append([]byte{tag, byte(n)}, content...)
	}
	var lenBytes []byte
	for x := n; x > 0; x >>= 8 {
		lenBytes = append([]byte{byte(x)}, lenBytes...)
	}
	out := append([]byte{tag, 0x80 | byte(len(lenBytes))}, lenBytes...)
	return append(out, content...)
}

// entitlementsBlobs returns the XML and DER entitlement blobs for a
// signature. An empty dictionary, or one holding values DER cannot express,
// gets the XML blob only.
func entitlementsBlobs(xml []byte) (xmlBlob, derBlob []byte, err error) {
	if len(xml) == 0 {
		return nil, nil, nil
	}
	ents, err := ParseEntitlementsXML(xml)
	if err != nil {
		return nil, nil, err
	}
	xmlBlob = wrapBlob(macho.MagicEmbeddedEntitlements, xml)
	if len(ents) == 0 {
		return xmlBlob, nil, nil
	}
	der, err := EntitlementsToDER(ents)
	if err != nil {
		log.WithError(err).Warn("omitting DER entitlements")
		return xmlBlob, nil, nil
	}
	return xmlBlob, wrapBlob(macho.MagicEntitlementsDER, der), nil
}
