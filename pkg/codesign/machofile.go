package codesign

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/apex/log"
	gomacho "github.com/blacktop/go-macho"
	"github.com/dustin/go-humanize"

	"github.com/aluedeke/go-resign/internal/fsutil"
	"github.com/aluedeke/go-resign/pkg/macho"
)

const (
	lcCodeSignature     = 0x1d
	lcCodeSignatureSize = 16

	defaultSliceAlign = 14 // 16KiB
)

// SignBinary signs a loose Mach-O file such as a dylib. entitlements may be
// nil.
func SignBinary(path string, settings *SigningSettings, identifier string, entitlements []byte) error {
	return signFile(path, settings, &binaryContext{
		identifier:   identifier,
		entitlements: entitlements,
	})
}

func signFile(path string, settings *SigningSettings, bc *binaryContext) error {
	if settings.ForNotarization {
		return ErrNotarization
	}
	data, err := fsutil.ReadFile(path)
	if err != nil {
		return err
	}

	var signed []byte
	if macho.IsFat(data) {
		signed, err = signUniversal(data, settings, bc)
	} else {
		signed, err = signSlice(data, settings, bc)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	log.WithFields(log.Fields{
		"path":       path,
		"identifier": bc.identifier,
		"size":       humanize.Bytes(uint64(len(signed))),
		"adhoc":      settings.IsAdHoc(),
	}).Debug("signed binary")
	return fsutil.WriteFile(path, signed, 0755)
}

// signatureReserve mirrors zsign: room for a SHA-1 and a SHA-256 hash per
// page, page aligned, plus 16KiB for blobs and the CMS signature.
func signatureReserve(codeSize uint64) uint64 {
	pages := (codeSize + pageSize - 1) / pageSize
	return alignUp((pages+1)*(20+32), 4096) + 16384
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// sliceLayout is what the writer needs to know about a thin image.
type sliceLayout struct {
	is64 bool

	execBase  uint64
	execLimit uint64

	// linkeditCmd is the file offset of the __LINKEDIT segment command, or 0.
	linkeditCmd     uint32
	linkeditFileoff uint64
	linkeditVmsize  uint64

	// firstSection is the lowest non-zero section file offset.
	firstSection uint64
}

func inspectSlice(data []byte, slice *macho.Slice, sig macho.SignatureRange, signed bool) (*sliceLayout, error) {
	// go-macho parses the signature it finds; hand it a copy with the old
	// one zeroed so stale or unusual blobs do not stop the walk.
	parseable := data
	if signed {
		parseable = make([]byte, len(data))
		copy(parseable, data)
		end := uint64(sig.Offset) + uint64(sig.Size)
		for i := uint64(sig.Offset); i < end; i++ {
			parseable[i] = 0
		}
	}

	m, err := gomacho.NewFile(bytes.NewReader(parseable))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", macho.ErrMachOParse, err)
	}
	defer m.Close()

	layout := &sliceLayout{is64: slice.Is64}
	off := slice.HeaderSize()
	for _, load := range m.Loads {
		if seg, ok := load.(*gomacho.Segment); ok {
			switch seg.Name {
			case "__TEXT":
				layout.execBase = seg.Offset
				layout.execLimit = seg.Filesz
			case "__LINKEDIT":
				layout.linkeditCmd = off
				layout.linkeditFileoff = seg.Offset
				layout.linkeditVmsize = seg.Memsz
			}
		}
		off += load.LoadSize()
	}
	for _, sec := range m.Sections {
		if sec.Offset == 0 {
			continue
		}
		if layout.firstSection == 0 || uint64(sec.Offset) < layout.firstSection {
			layout.firstSection = uint64(sec.Offset)
		}
	}
	return layout, nil
}

// signSlice returns data with a fresh embedded signature. An existing
// signature is replaced; an unsigned image gets an LC_CODE_SIGNATURE
// command appended to its load commands.
func signSlice(data []byte, settings *SigningSettings, bc *binaryContext) ([]byte, error) {
	slice, err := macho.FirstSlice(data)
	if err != nil {
		return nil, err
	}
	sig, signed, err := slice.CodeSignature()
	if err != nil {
		return nil, err
	}
	layout, err := inspectSlice(data, slice, sig, signed)
	if err != nil {
		return nil, err
	}

	var code []byte
	var lcOff uint32
	if signed {
		code = make([]byte, sig.Offset)
		copy(code, data)
		lcOff = sig.LoadOffset
	} else {
		code, lcOff, err = addSignatureCommand(data, slice, layout)
		if err != nil {
			return nil, err
		}
	}
	codeSize := uint64(len(code))
	le := binary.LittleEndian

	reserve := signatureReserve(codeSize)
	for {
		le.PutUint32(code[lcOff+8:], uint32(codeSize))
		le.PutUint32(code[lcOff+12:], uint32(reserve))
		if layout.linkeditCmd != 0 {
			filesize := codeSize + reserve - layout.linkeditFileoff
			vmsize := alignUp(filesize, 4096)
			if vmsize < layout.linkeditVmsize {
				vmsize = layout.linkeditVmsize
			}
			if layout.is64 {
				le.PutUint64(code[layout.linkeditCmd+32:], vmsize)
				le.PutUint64(code[layout.linkeditCmd+48:], filesize)
			} else {
				le.PutUint32(code[layout.linkeditCmd+28:], uint32(vmsize))
				le.PutUint32(code[layout.linkeditCmd+36:], uint32(filesize))
			}
		}

		blob, err := buildSignature(settings, bc, code, layout.execBase, layout.execLimit)
		if err != nil {
			return nil, err
		}
		if uint64(len(blob)) <= reserve {
			out := make([]byte, codeSize+reserve)
			copy(out, code)
			copy(out[codeSize:], blob)
			return out, nil
		}
		// the load commands are part of the hashed pages, so grow and redo
		reserve = alignUp(uint64(len(blob)), 4096)
	}
}

// addSignatureCommand copies data padded to 16 bytes and appends an
// LC_CODE_SIGNATURE command. The bytes it claims must be unused padding.
func addSignatureCommand(data []byte, slice *macho.Slice, layout *sliceLayout) ([]byte, uint32, error) {
	ncmds, sizeofcmds := slice.LoadCommands()
	lcOff := slice.HeaderSize() + sizeofcmds
	end := uint64(lcOff) + lcCodeSignatureSize

	if layout.firstSection != 0 && end > layout.firstSection {
		return nil, 0, fmt.Errorf("no room for LC_CODE_SIGNATURE: load commands end at %d, first section at %d", lcOff, layout.firstSection)
	}
	if end > uint64(len(data)) || !bytes.Equal(data[lcOff:end], make([]byte, lcCodeSignatureSize)) {
		return nil, 0, fmt.Errorf("no room for LC_CODE_SIGNATURE: bytes after load commands are in use")
	}

	code := make([]byte, alignUp(uint64(len(data)), 16))
	copy(code, data)

	le := binary.LittleEndian
	le.PutUint32(code[16:], ncmds+1)
	le.PutUint32(code[20:], sizeofcmds+lcCodeSignatureSize)
	le.PutUint32(code[lcOff:], lcCodeSignature)
	le.PutUint32(code[lcOff+4:], lcCodeSignatureSize)
	return code, lcOff, nil
}

// signUniversal signs every slice and rebuilds the universal header with a
// 32-bit architecture table.
func signUniversal(data []byte, settings *SigningSettings, bc *binaryContext) ([]byte, error) {
	arches, err := macho.Arches(data)
	if err != nil {
		return nil, err
	}

	slices := make([][]byte, len(arches))
	for i, a := range arches {
		signed, err := signSlice(data[a.Offset:a.Offset+a.Size], settings, bc)
		if err != nil {
			return nil, fmt.Errorf("slice %d: %w", i, err)
		}
		slices[i] = signed
	}

	offsets := make([]uint64, len(arches))
	cur := uint64(8 + 20*len(arches))
	for i, a := range arches {
		align := a.Align
		if align == 0 || align > 16 {
			align = defaultSliceAlign
		}
		cur = alignUp(cur, 1<<align)
		offsets[i] = cur
		cur += uint64(len(slices[i]))
	}
	if cur > 1<<32-1 {
		return nil, fmt.Errorf("universal binary of %s exceeds 32-bit offsets", humanize.Bytes(cur))
	}

	out := make([]byte, cur)
	be := binary.BigEndian
	be.PutUint32(out[0:], 0xcafebabe)
	be.PutUint32(out[4:], uint32(len(arches)))
	for i, a := range arches {
		e := out[8+20*i:]
		be.PutUint32(e[0:], a.CPU)
		be.PutUint32(e[4:], a.SubCPU)
		be.PutUint32(e[8:], uint32(offsets[i]))
		be.PutUint32(e[12:], uint32(len(slices[i])))
		be.PutUint32(e[16:], a.Align)
		copy(out[offsets[i]:], slices[i])
	}
	return out, nil
}
