// Package macho locates the embedded code signature of a Mach-O file and
// reads the entitlements it carries.
//
// Only the first architecture slice of a universal binary is inspected.
package macho

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/blacktop/go-macho/types"
)

// ErrMachOParse is returned (wrapped) when a file is not a well formed Mach-O.
var ErrMachOParse = errors.New("malformed Mach-O")

const (
	fatMagic64 uint32 = 0xcafebabf

	lcCodeSignature uint32 = 0x1d

	fatArchSize   = 20
	fatArch64Size = 32
)

// Slice describes one thin Mach-O image.
type Slice struct {
	Offset uint64
	Data   []byte
	Is64   bool
}

// SignatureRange is the file range named by LC_CODE_SIGNATURE, relative to
// the slice, along with the position of the load command itself.
type SignatureRange struct {
	Offset     uint32
	Size       uint32
	LoadOffset uint32
}

// IsMachO reports whether data starts with a thin or universal Mach-O magic.
func IsMachO(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	switch types.Magic(binary.LittleEndian.Uint32(data)) {
	case types.Magic32, types.Magic64:
		return true
	}
	be := binary.BigEndian.Uint32(data)
	return be == uint32(types.MagicFat) || be == fatMagic64
}

// IsFat reports whether data starts with a universal header.
func IsFat(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	be := binary.BigEndian.Uint32(data)
	return be == uint32(types.MagicFat) || be == fatMagic64
}

// FirstSlice returns the first architecture of data. A thin file is its own
// first slice.
func FirstSlice(data []byte) (*Slice, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: file too short (%d bytes)", ErrMachOParse, len(data))
	}

	if IsFat(data) {
		return firstFatSlice(data)
	}

	switch types.Magic(binary.LittleEndian.Uint32(data)) {
	case types.Magic32:
		return &Slice{Data: data}, nil
	case types.Magic64:
		return &Slice{Data: data, Is64: true}, nil
	}
	return nil, fmt.Errorf("%w: unknown magic 0x%08x", ErrMachOParse, binary.LittleEndian.Uint32(data))
}

// Arch is one entry of a universal header.
type Arch struct {
	CPU    uint32
	SubCPU uint32
	Offset uint64
	Size   uint64
	Align  uint32
}

// Arches decodes the architecture table of a universal binary and checks
// that every slice lies inside data.
func Arches(data []byte) ([]Arch, error) {
	if len(data) < 8 || !IsFat(data) {
		return nil, fmt.Errorf("%w: not a universal binary", ErrMachOParse)
	}
	is64 := binary.BigEndian.Uint32(data) == fatMagic64
	nArch := uint64(binary.BigEndian.Uint32(data[4:]))
	if nArch == 0 {
		return nil, fmt.Errorf("%w: universal header lists no architectures", ErrMachOParse)
	}

	entrySize := uint64(fatArchSize)
	if is64 {
		entrySize = fatArch64Size
	}
	if 8+nArch*entrySize > uint64(len(data)) {
		return nil, fmt.Errorf("%w: truncated architecture table (%d entries)", ErrMachOParse, nArch)
	}

	arches := make([]Arch, 0, nArch)
	for i := uint64(0); i < nArch; i++ {
		e := data[8+i*entrySize:]
		a := Arch{
			CPU:    binary.BigEndian.Uint32(e[0:]),
			SubCPU: binary.BigEndian.Uint32(e[4:]),
		}
		if is64 {
			a.Offset = binary.BigEndian.Uint64(e[8:])
			a.Size = binary.BigEndian.Uint64(e[16:])
			a.Align = binary.BigEndian.Uint32(e[24:])
		} else {
			a.Offset = uint64(binary.BigEndian.Uint32(e[8:]))
			a.Size = uint64(binary.BigEndian.Uint32(e[12:]))
			a.Align = binary.BigEndian.Uint32(e[16:])
		}
		if a.Offset+a.Size < a.Offset || a.Offset+a.Size > uint64(len(data)) {
			return nil, fmt.Errorf("%w: slice %d [%d, %d) outside file of %d bytes", ErrMachOParse, i, a.Offset, a.Offset+a.Size, len(data))
		}
		arches = append(arches, a)
	}
	return arches, nil
}

func firstFatSlice(data []byte) (*Slice, error) {
	arches, err := Arches(data)
	if err != nil {
		return nil, err
	}
	first := arches[0]

	sliceData := data[first.Offset : first.Offset+first.Size]
	if IsFat(sliceData) {
		return nil, fmt.Errorf("%w: nested universal header", ErrMachOParse)
	}
	thin, err := FirstSlice(sliceData)
	if err != nil {
		return nil, err
	}
	thin.Offset = first.Offset
	return thin, nil
}

// HeaderSize is the size of the mach_header for the slice.
func (s *Slice) HeaderSize() uint32 {
	if s.Is64 {
		return 32
	}
	return 28
}

// LoadCommands returns ncmds and sizeofcmds from the header.
func (s *Slice) LoadCommands() (ncmds, sizeofcmds uint32) {
	return binary.LittleEndian.Uint32(s.Data[16:]), binary.LittleEndian.Uint32(s.Data[20:])
}

// CodeSignature walks the load commands looking for LC_CODE_SIGNATURE.
// found is false when the slice carries no signature.
func (s *Slice) CodeSignature() (rng SignatureRange, found bool, err error) {
	hdr := s.HeaderSize()
	if uint64(len(s.Data)) < uint64(hdr) {
		return rng, false, fmt.Errorf("%w: truncated mach_header", ErrMachOParse)
	}
	ncmds, sizeofcmds := s.LoadCommands()
	end := uint64(hdr) + uint64(sizeofcmds)
	if end > uint64(len(s.Data)) {
		return rng, false, fmt.Errorf("%w: load commands exceed slice", ErrMachOParse)
	}

	off := uint64(hdr)
	for i := uint32(0); i < ncmds; i++ {
		if off+8 > end {
			return rng, false, fmt.Errorf("%w: load command %d truncated", ErrMachOParse, i)
		}
		cmd := binary.LittleEndian.Uint32(s.Data[off:])
		cmdSize := uint64(binary.LittleEndian.Uint32(s.Data[off+4:]))
		if cmdSize < 8 || off+cmdSize > end {
			return rng, false, fmt.Errorf("%w: load command %d has size %d", ErrMachOParse, i, cmdSize)
		}

		if cmd == lcCodeSignature {
			if cmdSize < 16 {
				return rng, false, fmt.Errorf("%w: short LC_CODE_SIGNATURE", ErrMachOParse)
			}
			rng = SignatureRange{
				Offset:     binary.LittleEndian.Uint32(s.Data[off+8:]),
				Size:       binary.LittleEndian.Uint32(s.Data[off+12:]),
				LoadOffset: uint32(off),
			}
			if uint64(rng.Offset)+uint64(rng.Size) > uint64(len(s.Data)) {
				return rng, false, fmt.Errorf("%w: code signature [%d, +%d) outside slice", ErrMachOParse, rng.Offset, rng.Size)
			}
			return rng, true, nil
		}
		off += cmdSize
	}

	return rng, false, nil
}

// SuperBlob parses the embedded signature of the slice, if any.
func (s *Slice) SuperBlob() (*SuperBlob, bool, error) {
	rng, found, err := s.CodeSignature()
	if err != nil || !found {
		return nil, false, err
	}
	sb, err := ParseSuperBlob(s.Data[rng.Offset : rng.Offset+rng.Size])
	if err != nil {
		return nil, false, err
	}
	return sb, true, nil
}
