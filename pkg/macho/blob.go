package macho

import (
	"encoding/binary"
	"fmt"
)

// Code signing blob magics (cs_blobs.h).
const (
	MagicRequirement          uint32 = 0xfade0c00
	MagicRequirements         uint32 = 0xfade0c01
	MagicCodeDirectory        uint32 = 0xfade0c02
	MagicEmbeddedSignature    uint32 = 0xfade0cc0
	MagicEmbeddedEntitlements uint32 = 0xfade7171
	MagicEntitlementsDER      uint32 = 0xfade7172
	MagicBlobWrapper          uint32 = 0xfade0b01
)

// SuperBlob slot types.
const (
	SlotCodeDirectory          uint32 = 0
	SlotInfo                   uint32 = 1
	SlotRequirements           uint32 = 2
	SlotResourceDir            uint32 = 3
	SlotApplication            uint32 = 4
	SlotEntitlements           uint32 = 5
	SlotEntitlementsDER        uint32 = 7
	SlotAlternateCodeDirectory uint32 = 0x1000
	SlotSignature              uint32 = 0x10000
)

// BlobIndex is one entry of a SuperBlob index.
type BlobIndex struct {
	Type   uint32
	Offset uint32
	Magic  uint32
	Length uint32
}

// SuperBlob is a validated view over an embedded code signature. Every
// indexed blob is known to lie inside the signature data.
type SuperBlob struct {
	Length uint32
	Index  []BlobIndex

	data []byte
}

// ParseSuperBlob validates the embedded signature header and its index.
func ParseSuperBlob(data []byte) (*SuperBlob, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("%w: code signature too short (%d bytes)", ErrMachOParse, len(data))
	}
	magic := binary.BigEndian.Uint32(data[0:])
	if magic != MagicEmbeddedSignature {
		return nil, fmt.Errorf("%w: bad SuperBlob magic 0x%08x", ErrMachOParse, magic)
	}
	sb := &SuperBlob{
		Length: binary.BigEndian.Uint32(data[4:]),
		data:   data,
	}
	count := uint64(binary.BigEndian.Uint32(data[8:]))
	if 12+count*8 > uint64(len(data)) {
		return nil, fmt.Errorf("%w: blob index of %d entries exceeds signature", ErrMachOParse, count)
	}

	for i := uint64(0); i < count; i++ {
		entry := data[12+i*8:]
		bi := BlobIndex{
			Type:   binary.BigEndian.Uint32(entry[0:]),
			Offset: binary.BigEndian.Uint32(entry[4:]),
		}
		off := uint64(bi.Offset)
		if off+8 > uint64(len(data)) {
			return nil, fmt.Errorf("%w: blob 0x%x at offset %d outside signature", ErrMachOParse, bi.Type, bi.Offset)
		}
		bi.Magic = binary.BigEndian.Uint32(data[off:])
		bi.Length = binary.BigEndian.Uint32(data[off+4:])
		if bi.Length < 8 || off+uint64(bi.Length) > uint64(len(data)) {
			return nil, fmt.Errorf("%w: blob 0x%x has invalid length %d", ErrMachOParse, bi.Type, bi.Length)
		}
		sb.Index = append(sb.Index, bi)
	}

	return sb, nil
}

// Blob returns the complete blob (header included) stored under slot.
func (s *SuperBlob) Blob(slot uint32) ([]byte, BlobIndex, bool) {
	for _, bi := range s.Index {
		if bi.Type == slot {
			return s.data[bi.Offset : bi.Offset+bi.Length], bi, true
		}
	}
	return nil, BlobIndex{}, false
}

// Data returns the raw signature bytes the SuperBlob was parsed from.
func (s *SuperBlob) Data() []byte {
	return s.data
}
