package macho

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/apex/log"
	"howett.net/plist"

	"github.com/aluedeke/go-resign/internal/fsutil"
)

// ReadEntitlements returns the XML entitlements embedded in the code
// signature of the first slice of the binary at path. ok is false when the
// binary is unsigned or its signature has no entitlements slot.
func ReadEntitlements(path string) (xml string, ok bool, err error) {
	data, err := fsutil.ReadFile(path)
	if err != nil {
		return "", false, err
	}
	xml, ok, err = ReadEntitlementsFromBytes(data)
	if err != nil {
		return "", false, fmt.Errorf("%s: %w", path, err)
	}
	log.WithFields(log.Fields{"path": path, "present": ok}).Debug("read embedded entitlements")
	return xml, ok, nil
}

// ReadEntitlementsFromBytes is ReadEntitlements over an in-memory file.
func ReadEntitlementsFromBytes(data []byte) (string, bool, error) {
	slice, err := FirstSlice(data)
	if err != nil {
		return "", false, err
	}
	sb, found, err := slice.SuperBlob()
	if err != nil || !found {
		return "", false, err
	}

	blob, bi, found := sb.Blob(SlotEntitlements)
	if !found {
		return "", false, nil
	}
	if bi.Magic != MagicEmbeddedEntitlements {
		return "", false, fmt.Errorf("%w: entitlements blob magic 0x%08x", ErrMachOParse, binary.BigEndian.Uint32(blob))
	}

	payload := blob[8:]
	if !utf8.Valid(payload) {
		return "", false, fmt.Errorf("%w: entitlements are not valid UTF-8", ErrMachOParse)
	}
	return string(payload), true, nil
}

// ReadEntitlementsMap is ReadEntitlements decoded into a dictionary.
func ReadEntitlementsMap(path string) (map[string]interface{}, bool, error) {
	xml, ok, err := ReadEntitlements(path)
	if err != nil || !ok {
		return nil, ok, err
	}
	var ents map[string]interface{}
	if _, err := plist.Unmarshal([]byte(xml), &ents); err != nil {
		return nil, false, fmt.Errorf("%w: %s: entitlements are not a plist dictionary: %v", ErrMachOParse, path, err)
	}
	return ents, true, nil
}
