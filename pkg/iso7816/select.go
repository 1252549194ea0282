package iso7816

import (
	"fmt"
)

// SELECT (INS 'A4', ISO 7816-4 §11.2.2).
//
// P1 names how the target is referenced, P2 combines the expected answer
// (bits 4-3) with the occurrence to return (bits 2-1).

// SelectionMethod is the P1 of SELECT.
type SelectionMethod byte

const (
	SelectByFileID          SelectionMethod = 0x00
	SelectByDFName          SelectionMethod = 0x04
	SelectPathFromMF        SelectionMethod = 0x08
	SelectPathFromCurrentDF SelectionMethod = 0x09
)

func (s SelectionMethod) String() string {
	switch s {
	case SelectByFileID:
		return "File ID"
	case SelectByDFName:
		return "DF Name"
	case SelectPathFromMF:
		return "Path from MF"
	case SelectPathFromCurrentDF:
		return "Path from current DF"
	}
	return fmt.Sprintf("Method %02X", byte(s))
}

// FileOccurrence is carried in P2 bits 2-1.
type FileOccurrence byte

const (
	FirstOrOnlyOccurrence FileOccurrence = 0b00
	LastOccurrence        FileOccurrence = 0b01
	NextOccurrence        FileOccurrence = 0b10
	PreviousOccurrence    FileOccurrence = 0b11
)

// SelectionControl is carried in P2 bits 4-3.
type SelectionControl byte

const (
	ReturnFCI    SelectionControl = 0b0000
	ReturnFCP    SelectionControl = 0b0100
	ReturnNoData SelectionControl = 0b1100
)

// NewSelectCommand builds a SELECT. Le is only announced when no data is
// sent, so T=0 readers answer 61XX instead of failing on a case 4 command.
func NewSelectCommand(cla Class, method SelectionMethod, occurrence FileOccurrence, ctrl SelectionControl, data []byte) *CommandAPDU {
	ne := 0
	if len(data) == 0 && ctrl != ReturnNoData {
		ne = MaxShortLe
	}
	return NewCommandAPDU(cla, MustInstruction(INS_SELECT), byte(method), byte(ctrl)|byte(occurrence), data, ne)
}

// SelectApplication selects a DF by name and always announces Le=00:
// contactless applications return the FCI in the same exchange.
func SelectApplication(cla Class, aid []byte, occurrence FileOccurrence) *CommandAPDU {
	cmd := NewSelectCommand(cla, SelectByDFName, occurrence, ReturnFCI, aid)
	cmd.Ne = MaxShortLe
	return cmd
}
