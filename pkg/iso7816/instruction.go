package iso7816

import (
	"fmt"

	"github.com/gregLibert/calypso/pkg/bits"
)

// Instruction Byte (INS) Logic according to ISO/IEC 7816-4.
//
// Bit 1 of an interindustry INS announces a BER-TLV data field (e.g. B0 vs B1).
// INS values whose upper nibble is '6' or '9' are reserved for the
// transport layer (procedure bytes) and rejected.

// InsCode is a typed representation of the instruction byte.
type InsCode byte

// Interindustry instruction codes used by this module.
const (
	INS_INVALIDATE      InsCode = 0x04
	INS_VERIFY          InsCode = 0x20
	INS_REHABILITATE    InsCode = 0x44
	INS_GET_CHALLENGE   InsCode = 0x84
	INS_SELECT          InsCode = 0xA4
	INS_READ_BINARY     InsCode = 0xB0
	INS_READ_BINARY_BER InsCode = 0xB1
	INS_READ_RECORD     InsCode = 0xB2
	INS_GET_RESPONSE    InsCode = 0xC0
	INS_GET_DATA        InsCode = 0xCA
	INS_WRITE_RECORD    InsCode = 0xD2
	INS_UPDATE_BINARY   InsCode = 0xD6
	INS_UPDATE_RECORD   InsCode = 0xDC
	INS_APPEND_RECORD   InsCode = 0xE2
)

var insNames = map[InsCode]string{
	INS_INVALIDATE:      "INS_INVALIDATE",
	INS_VERIFY:          "INS_VERIFY",
	INS_REHABILITATE:    "INS_REHABILITATE",
	INS_GET_CHALLENGE:   "INS_GET_CHALLENGE",
	INS_SELECT:          "INS_SELECT",
	INS_READ_BINARY:     "INS_READ_BINARY",
	INS_READ_BINARY_BER: "INS_READ_BINARY_BER",
	INS_READ_RECORD:     "INS_READ_RECORD",
	INS_GET_RESPONSE:    "INS_GET_RESPONSE",
	INS_GET_DATA:        "INS_GET_DATA",
	INS_WRITE_RECORD:    "INS_WRITE_RECORD",
	INS_UPDATE_BINARY:   "INS_UPDATE_BINARY",
	INS_UPDATE_RECORD:   "INS_UPDATE_RECORD",
	INS_APPEND_RECORD:   "INS_APPEND_RECORD",
}

func (i InsCode) String() string {
	if name, ok := insNames[i]; ok {
		return name
	}
	return fmt.Sprintf("InsCode(0x%02X)", byte(i))
}

// Instruction represents the parsed ISO 7816-4 Instruction byte (INS).
type Instruction struct {
	Raw      InsCode
	IsBERTLV bool
}

// NewInstruction creates an Instruction, rejecting '6X' and '9X' values.
func NewInstruction(ins InsCode) (Instruction, error) {
	highNibble := byte(ins) & 0xF0
	if highNibble == 0x60 || highNibble == 0x90 {
		return Instruction{}, fmt.Errorf("invalid INS 0x%02X: 6X and 9X are reserved", byte(ins))
	}

	return Instruction{
		Raw:      ins,
		IsBERTLV: bits.IsSet(byte(ins), 1),
	}, nil
}

// MustInstruction is NewInstruction for constant tables; it panics on reserved values.
func MustInstruction(ins InsCode) Instruction {
	i, err := NewInstruction(ins)
	if err != nil {
		panic(err)
	}
	return i
}

// Verbose returns a human-readable description of the instruction.
func (i Instruction) Verbose() string {
	format := "Standard"
	if i.IsBERTLV {
		format = "BER-TLV"
	}
	return fmt.Sprintf("INS: 0x%02X | Command: %s | Format: %s", byte(i.Raw), i.Raw.String(), format)
}
