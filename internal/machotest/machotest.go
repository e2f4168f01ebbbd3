// Package machotest builds small synthetic Mach-O images for tests.
package machotest

import (
	"encoding/binary"
	"sort"
)

const (
	lcSegment64     = 0x19
	lcCodeSignature = 0x1d

	cpuARM64  = 0x0100000c
	mhExecute = 0x2

	headerSize  = 32
	segmentSize = 72
	textSize    = 0x4000
	codeStart   = 0x400
)

// Blob is one SuperBlob entry.
type Blob struct {
	Slot uint32
	Data []byte
}

// WrapBlob prefixes payload with a magic and a length header.
func WrapBlob(magic uint32, payload []byte) []byte {
	b := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(b[0:], magic)
	binary.BigEndian.PutUint32(b[4:], uint32(len(b)))
	copy(b[8:], payload)
	return b
}

// Entitlements returns an entitlements blob holding xml.
func Entitlements(xml string) Blob {
	return Blob{Slot: 5, Data: WrapBlob(0xfade7171, []byte(xml))}
}

// Requirements returns an empty requirements vector.
func Requirements() Blob {
	return Blob{Slot: 2, Data: WrapBlob(0xfade0c01, []byte{0, 0, 0, 0})}
}

// SuperBlob assembles an embedded signature from blobs.
func SuperBlob(blobs ...Blob) []byte {
	return SuperBlobWithMagic(0xfade0cc0, blobs...)
}

// SuperBlobWithMagic is SuperBlob with an arbitrary header magic.
func SuperBlobWithMagic(magic uint32, blobs ...Blob) []byte {
	sort.SliceStable(blobs, func(i, j int) bool { return blobs[i].Slot < blobs[j].Slot })

	off := 12 + 8*len(blobs)
	size := off
	for _, b := range blobs {
		size += len(b.Data)
	}
	out := make([]byte, size)
	binary.BigEndian.PutUint32(out[0:], magic)
	binary.BigEndian.PutUint32(out[4:], uint32(size))
	binary.BigEndian.PutUint32(out[8:], uint32(len(blobs)))
	for i, b := range blobs {
		binary.BigEndian.PutUint32(out[12+8*i:], b.Slot)
		binary.BigEndian.PutUint32(out[16+8*i:], uint32(off))
		copy(out[off:], b.Data)
		off += len(b.Data)
	}
	return out
}

// Thin64 builds a 64-bit arm64 executable with __TEXT and __LINKEDIT
// segments. When sig is non-nil an LC_CODE_SIGNATURE pointing at it is added
// and sig is placed at the end of __LINKEDIT. Bytes between the load
// commands and offset 0x400 are zero.
func Thin64(sig []byte) []byte {
	ncmds := uint32(2)
	sizeofcmds := uint32(2 * segmentSize)
	if sig != nil {
		ncmds++
		sizeofcmds += 16
	}

	linkeditOff := uint64(textSize)
	sigOff := linkeditOff + 0x10
	total := sigOff + uint64(len(sig))

	out := make([]byte, total)
	le := binary.LittleEndian
	le.PutUint32(out[0:], 0xfeedfacf)
	le.PutUint32(out[4:], cpuARM64)
	le.PutUint32(out[8:], 0)
	le.PutUint32(out[12:], mhExecute)
	le.PutUint32(out[16:], ncmds)
	le.PutUint32(out[20:], sizeofcmds)

	off := headerSize
	off = putSegment(out[off:], off, "__TEXT", 0x100000000, textSize, 0, textSize)
	off = putSegment(out[off:], off, "__LINKEDIT", 0x100000000+textSize, 0x4000, linkeditOff, total-linkeditOff)

	if sig != nil {
		le.PutUint32(out[off:], lcCodeSignature)
		le.PutUint32(out[off+4:], 16)
		le.PutUint32(out[off+8:], uint32(sigOff))
		le.PutUint32(out[off+12:], uint32(len(sig)))
		copy(out[sigOff:], sig)
	}

	// recognisable code bytes, leaving zero padding after the load commands
	for i := codeStart; i < textSize; i++ {
		out[i] = byte(i)
	}
	return out
}

func putSegment(b []byte, off int, name string, vmaddr, vmsize, fileoff, filesize uint64) int {
	le := binary.LittleEndian
	le.PutUint32(b[0:], lcSegment64)
	le.PutUint32(b[4:], segmentSize)
	copy(b[8:24], name)
	le.PutUint64(b[24:], vmaddr)
	le.PutUint64(b[32:], vmsize)
	le.PutUint64(b[40:], fileoff)
	le.PutUint64(b[48:], filesize)
	le.PutUint32(b[56:], 5)
	le.PutUint32(b[60:], 5)
	return off + segmentSize
}

// Fat wraps thin images in a 32-bit universal header, aligning each slice
// to 16KiB.
func Fat(slices ...[]byte) []byte {
	const align = 0x4000
	offsets := make([]uint32, len(slices))
	cur := uint32(8 + 20*len(slices))
	for i, s := range slices {
		cur = (cur + align - 1) &^ (align - 1)
		offsets[i] = cur
		cur += uint32(len(s))
	}

	out := make([]byte, cur)
	be := binary.BigEndian
	be.PutUint32(out[0:], 0xcafebabe)
	be.PutUint32(out[4:], uint32(len(slices)))
	for i, s := range slices {
		base := 8 + 20*i
		be.PutUint32(out[base:], cpuARM64)
		be.PutUint32(out[base+4:], 0)
		be.PutUint32(out[base+8:], offsets[i])
		be.PutUint32(out[base+12:], uint32(len(s)))
		be.PutUint32(out[base+16:], 14)
		copy(out[offsets[i]:], s)
	}
	return out
}
