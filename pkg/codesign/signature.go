package codesign

import (
	"encoding/binary"
	"fmt"

	"github.com/aluedeke/go-resign/pkg/macho"
)

// binaryContext is what a signature covers besides the code pages.
type binaryContext struct {
	identifier    string
	entitlements  []byte
	infoPlist     []byte
	codeResources []byte
}

type indexedBlob struct {
	slot uint32
	data []byte
}

// assembleSuperBlob lays blobs out in the order given, which is also the
// index order.
func assembleSuperBlob(blobs []indexedBlob) []byte {
	size := 12 + 8*len(blobs)
	for _, b := range blobs {
		size += len(b.data)
	}

	out := make([]byte, size)
	be := binary.BigEndian
	be.PutUint32(out[0:], macho.MagicEmbeddedSignature)
	be.PutUint32(out[4:], uint32(size))
	be.PutUint32(out[8:], uint32(len(blobs)))

	off := 12 + 8*len(blobs)
	for i, b := range blobs {
		be.PutUint32(out[12+8*i:], b.slot)
		be.PutUint32(out[16+8*i:], uint32(off))
		copy(out[off:], b.data)
		off += len(b.data)
	}
	return out
}

func getTaskAllow(xml []byte) bool {
	if len(xml) == 0 {
		return false
	}
	ents, err := ParseEntitlementsXML(xml)
	if err != nil {
		return false
	}
	allow, _ := ents["get-task-allow"].(bool)
	return allow
}

// buildSignature produces the embedded signature for code, which must
// already carry its final load commands.
func buildSignature(settings *SigningSettings, bc *binaryContext, code []byte, execBase, execLimit uint64) ([]byte, error) {
	adhoc := settings.IsAdHoc()

	var commonName string
	if !adhoc {
		commonName = settings.Certificate.Subject.CommonName
	}
	req := buildRequirements(bc.identifier, commonName, adhoc)

	entBlob, derBlob, err := entitlementsBlobs(bc.entitlements)
	if err != nil {
		return nil, err
	}

	cd := &codeDirectory{
		identifier: bc.identifier,
		code:       code,
		special: map[int][]byte{
			specialInfoPlist:       bc.infoPlist,
			specialRequirements:    req,
			specialResourceDir:     bc.codeResources,
			specialEntitlements:    entBlob,
			specialEntitlementsDER: derBlob,
		},
		execSegBase:  execBase,
		execSegLimit: execLimit,
	}
	switch {
	case derBlob != nil:
		cd.specialSlots = specialEntitlementsDER
	case entBlob != nil || bc.codeResources != nil:
		cd.specialSlots = specialEntitlements
	default:
		cd.specialSlots = specialRequirements
	}
	if adhoc {
		cd.flags = FlagAdhoc
	} else {
		cd.teamID = settings.TeamID
	}
	if getTaskAllow(bc.entitlements) {
		cd.execSegFlags = execSegMainBinary | execSegAllowUnsigned
	}

	cdSHA1 := cd.encode(HashTypeSHA1)
	cdSHA256 := cd.encode(HashTypeSHA256)

	cms, err := buildCMS(settings, cdSHA1, cdSHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to create CMS signature: %w", err)
	}

	blobs := []indexedBlob{
		{macho.SlotCodeDirectory, cdSHA1},
		{macho.SlotRequirements, req},
	}
	if entBlob != nil {
		blobs = append(blobs, indexedBlob{macho.SlotEntitlements, entBlob})
	}
	if derBlob != nil {
		blobs = append(blobs, indexedBlob{macho.SlotEntitlementsDER, derBlob})
	}
	blobs = append(blobs,
		indexedBlob{macho.SlotAlternateCodeDirectory, cdSHA256},
		indexedBlob{macho.SlotSignature, cms},
	)
	return assembleSuperBlob(blobs), nil
}
