package codesign

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"

	"github.com/aluedeke/go-resign/pkg/macho"
)

const (
	pageSizeBits = 12
	pageSize     = 1 << pageSizeBits

	codeDirectoryVersion    = 0x20400
	codeDirectoryHeaderSize = 88

	HashTypeSHA1   uint8 = 1
	HashTypeSHA256 uint8 = 2

	FlagAdhoc uint32 = 0x2

	execSegMainBinary    = 0x1
	execSegAllowUnsigned = 0x10
)

// Special slot numbers as stored (negated) in the CodeDirectory.
const (
	specialInfoPlist       = 1
	specialRequirements    = 2
	specialResourceDir     = 3
	specialApplication     = 4
	specialEntitlements    = 5
	specialRepSpecific     = 6
	specialEntitlementsDER = 7
)

// codeDirectory is everything a CodeDirectory covers apart from the hash
// algorithm, so the SHA-1 and SHA-256 directories are built from one value.
type codeDirectory struct {
	identifier string
	teamID     string
	flags      uint32

	// code is the slice content up to the signature offset.
	code []byte

	// special maps a special slot number to the bytes it hashes.
	special      map[int][]byte
	specialSlots int

	execSegBase  uint64
	execSegLimit uint64
	execSegFlags uint64
}

func hashSize(hashType uint8) int {
	if hashType == HashTypeSHA1 {
		return sha1.Size
	}
	return sha256.Size
}

// digest hashes data with the CodeDirectory algorithm. Empty input hashes to
// zeroes, which is how unused special slots are encoded.
func digest(data []byte, hashType uint8) []byte {
	if len(data) == 0 {
		return make([]byte, hashSize(hashType))
	}
	if hashType == HashTypeSHA1 {
		h := sha1.Sum(data)
		return h[:]
	}
	h := sha256.Sum256(data)
	return h[:]
}

func (cd *codeDirectory) pages() int {
	return (len(cd.code) + pageSize - 1) / pageSize
}

// encode serializes the directory for one hash algorithm.
func (cd *codeDirectory) encode(hashType uint8) []byte {
	hs := hashSize(hashType)

	identOffset := uint32(codeDirectoryHeaderSize)
	next := identOffset + uint32(len(cd.identifier)+1)
	var teamOffset uint32
	if cd.teamID != "" {
		teamOffset = next
		next += uint32(len(cd.teamID) + 1)
	}
	hashOffset := next + uint32(cd.specialSlots*hs)
	length := hashOffset + uint32(cd.pages()*hs)

	b := make([]byte, length)
	be := binary.BigEndian
	be.PutUint32(b[0:], macho.MagicCodeDirectory)
	be.PutUint32(b[4:], length)
	be.PutUint32(b[8:], codeDirectoryVersion)
	be.PutUint32(b[12:], cd.flags)
	be.PutUint32(b[16:], hashOffset)
	be.PutUint32(b[20:], identOffset)
	be.PutUint32(b[24:], uint32(cd.specialSlots))
	be.PutUint32(b[28:], uint32(cd.pages()))
	be.PutUint32(b[32:], uint32(len(cd.code)))
	b[36] = uint8(hs)
	b[37] = hashType
	b[38] = 0
	b[39] = pageSizeBits
	// spare2, scatterOffset
	be.PutUint32(b[48:], teamOffset)
	// spare3, codeLimit64
	be.PutUint64(b[64:], cd.execSegBase)
	be.PutUint64(b[72:], cd.execSegLimit)
	be.PutUint64(b[80:], cd.execSegFlags)

	copy(b[identOffset:], cd.identifier)
	if teamOffset != 0 {
		copy(b[teamOffset:], cd.teamID)
	}

	// slot -n is stored first, slot -1 immediately before hashOffset
	for slot := cd.specialSlots; slot >= 1; slot-- {
		off := hashOffset - uint32(slot*hs)
		copy(b[off:], digest(cd.special[slot], hashType))
	}

	off := hashOffset
	for p := 0; p < len(cd.code); p += pageSize {
		end := p + pageSize
		if end > len(cd.code) {
			end = len(cd.code)
		}
		copy(b[off:], digest(cd.code[p:end], hashType))
		off += uint32(hs)
	}

	return b
}
