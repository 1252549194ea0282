package iso7816

import (
	"fmt"
)

// READ RECORD (INS 'B2') and the record writing commands share the same P2:
// the SFI in bits 8-4 (0 for the current EF) and a reference mode in bits 3-1.

// ReadRecordMode is the low three bits of P2.
type ReadRecordMode byte

const (
	// RecordByNumber addresses the single record numbered P1.
	RecordByNumber ReadRecordMode = 0b100
	// RecordsFromNumber reads every record from P1 to the last one.
	RecordsFromNumber ReadRecordMode = 0b101
	// RecordsFromLast reads every record from the last one down to P1.
	RecordsFromLast ReadRecordMode = 0b110
)

func (m ReadRecordMode) String() string {
	switch m {
	case RecordByNumber:
		return "record P1"
	case RecordsFromNumber:
		return "records P1 to last"
	case RecordsFromLast:
		return "records last to P1"
	}
	return fmt.Sprintf("mode %03b", byte(m))
}

// RecordP2 encodes an SFI and a reference mode.
func RecordP2(sfi byte, mode ReadRecordMode) byte {
	return sfi<<3 | byte(mode)
}

// SplitP2 is the inverse of RecordP2.
func SplitP2(p2 byte) (sfi byte, mode ReadRecordMode) {
	return p2 >> 3, ReadRecordMode(p2 & 0x07)
}

// NewReadRecordCommand builds a case 2 READ RECORD. An ne of MaxShortLe
// (encoded 00) asks for everything available.
func NewReadRecordCommand(cla Class, sfi, p1 byte, mode ReadRecordMode, ne int) *CommandAPDU {
	return NewCommandAPDU(cla, MustInstruction(INS_READ_RECORD), p1, RecordP2(sfi, mode), nil, ne)
}
