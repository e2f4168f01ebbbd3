package codesign

import (
	"bytes"
	"encoding/binary"

	"github.com/aluedeke/go-resign/pkg/macho"
)

// Requirement language opcodes and match operators (cscdefs.h).
const (
	opIdent              = 2
	opAnd                = 6
	opCertField          = 11
	opCertGeneric        = 14
	opAppleGenericAnchor = 15

	matchExists = 0
	matchEqual  = 1

	designatedRequirementType = 3
	requirementKindExpression = 1
)

// oidAppleIntermediate is 1.2.840.113635.100.6.2.1, present on the WWDR
// intermediate that issues iPhone developer and distribution certificates.
var oidAppleIntermediate = []byte{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x63, 0x64, 0x06, 0x02, 0x01}

type exprWriter struct {
	bytes.Buffer
}

func (w *exprWriter) op(v uint32) {
	_ = binary.Write(&w.Buffer, binary.BigEndian, v)
}

// data writes a length prefixed byte string padded to four bytes.
func (w *exprWriter) data(b []byte) {
	w.op(uint32(len(b)))
	w.Write(b)
	if pad := (4 - len(b)%4) % 4; pad > 0 {
		w.Write(make([]byte, pad))
	}
}

// designatedRequirement encodes
//
//	identifier "<id>" and anchor apple generic
//	  and certificate leaf[subject.CN] = "<cn>"
//	  and certificate 1[field.1.2.840.113635.100.6.2.1] exists
//
// dropping the certificate clauses when commonName is empty.
func designatedRequirement(identifier, commonName string) []byte {
	var w exprWriter
	w.op(opAnd)
	w.op(opIdent)
	w.data([]byte(identifier))

	if commonName == "" {
		w.op(opAppleGenericAnchor)
	} else {
		w.op(opAnd)
		w.op(opAppleGenericAnchor)
		w.op(opAnd)

		w.op(opCertField)
		w.op(0) // leaf
		w.data([]byte("subject.CN"))
		w.op(matchEqual)
		w.data([]byte(commonName))

		w.op(opCertGeneric)
		w.op(1)
		w.data(oidAppleIntermediate)
		w.op(matchExists)
	}

	expr := w.Bytes()
	blob := make([]byte, 12+len(expr))
	binary.BigEndian.PutUint32(blob[0:], macho.MagicRequirement)
	binary.BigEndian.PutUint32(blob[4:], uint32(len(blob)))
	binary.BigEndian.PutUint32(blob[8:], requirementKindExpression)
	copy(blob[12:], expr)
	return blob
}

// buildRequirements returns the internal requirements vector. Ad-hoc
// signatures carry an empty vector.
func buildRequirements(identifier, commonName string, adhoc bool) []byte {
	if adhoc {
		blob := make([]byte, 12)
		binary.BigEndian.PutUint32(blob[0:], macho.MagicRequirements)
		binary.BigEndian.PutUint32(blob[4:], 12)
		return blob
	}

	req := designatedRequirement(identifier, commonName)
	const header = 12 + 8
	blob := make([]byte, header+len(req))
	be := binary.BigEndian
	be.PutUint32(blob[0:], macho.MagicRequirements)
	be.PutUint32(blob[4:], uint32(len(blob)))
	be.PutUint32(blob[8:], 1)
	be.PutUint32(blob[12:], designatedRequirementType)
	be.PutUint32(blob[16:], header)
	copy(blob[header:], req)
	return blob
}
