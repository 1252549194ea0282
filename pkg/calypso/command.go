package calypso

import (
	"fmt"

	"github.com/gregLibert/calypso/pkg/iso7816"
)

// Command enumerates the card operations supported by the stack.
type Command int

const (
	CmdSelectApplication Command = iota
	CmdSelectFile
	CmdGetDataFCI
	CmdGetChallenge
	CmdReadRecord
	CmdReadRecords
	CmdUpdateRecord
	CmdWriteRecord
	CmdAppendRecord
	CmdIncrease
	CmdDecrease
	CmdInvalidate
	CmdRehabilitate
	CmdOpenSession10
	CmdOpenSession24
	CmdOpenSession31
	CmdOpenSession32
	CmdCloseSession
	CmdAbortSession
	CmdRatification
	CmdSvGet
	CmdSvReload
	CmdSvDebit
	CmdSvUndebit

	numCommands
)

// Descriptor is the static description of a Command.
type Descriptor struct {
	Name string
	Ins  iso7816.InsCode

	// Write marks commands consuming the session modification buffer.
	Write bool
}

// Calypso specific instruction codes.
const (
	insIncrease     iso7816.InsCode = 0x32
	insDecrease     iso7816.InsCode = 0x30
	insOpenSession  iso7816.InsCode = 0x8A
	insCloseSession iso7816.InsCode = 0x8E
	insSvGet        iso7816.InsCode = 0x7C
	insSvReload     iso7816.InsCode = 0xB8
	insSvDebit      iso7816.InsCode = 0xBA
	insSvUndebit    iso7816.InsCode = 0xBC
)

var commandTable = [numCommands]Descriptor{
	CmdSelectApplication: {Name: "Select Application", Ins: iso7816.INS_SELECT},
	CmdSelectFile:        {Name: "Select File", Ins: iso7816.INS_SELECT},
	CmdGetDataFCI:        {Name: "Get Data (FCI)", Ins: iso7816.INS_GET_DATA},
	CmdGetChallenge:      {Name: "Get Challenge", Ins: iso7816.INS_GET_CHALLENGE},
	CmdReadRecord:        {Name: "Read Record", Ins: iso7816.INS_READ_RECORD},
	CmdReadRecords:       {Name: "Read Records", Ins: iso7816.INS_READ_RECORD},
	CmdUpdateRecord:      {Name: "Update Record", Ins: iso7816.INS_UPDATE_RECORD, Write: true},
	CmdWriteRecord:       {Name: "Write Record", Ins: iso7816.INS_WRITE_RECORD, Write: true},
	CmdAppendRecord:      {Name: "Append Record", Ins: iso7816.INS_APPEND_RECORD, Write: true},
	CmdIncrease:          {Name: "Increase", Ins: insIncrease, Write: true},
	CmdDecrease:          {Name: "Decrease", Ins: insDecrease, Write: true},
	CmdInvalidate:        {Name: "Invalidate", Ins: iso7816.INS_INVALIDATE, Write: true},
	CmdRehabilitate:      {Name: "Rehabilitate", Ins: iso7816.INS_REHABILITATE, Write: true},
	CmdOpenSession10:     {Name: "Open Secure Session V1", Ins: insOpenSession},
	CmdOpenSession24:     {Name: "Open Secure Session V2.4", Ins: insOpenSession},
	CmdOpenSession31:     {Name: "Open Secure Session V3.1", Ins: insOpenSession},
	CmdOpenSession32:     {Name: "Open Secure Session V3.2", Ins: insOpenSession},
	CmdCloseSession:      {Name: "Close Secure Session", Ins: insCloseSession},
	CmdAbortSession:      {Name: "Abort Secure Session", Ins: insCloseSession},
	CmdRatification:      {Name: "Ratification", Ins: iso7816.INS_READ_RECORD},
	CmdSvGet:             {Name: "SV Get", Ins: insSvGet},
	CmdSvReload:          {Name: "SV Reload", Ins: insSvReload, Write: true},
	CmdSvDebit:           {Name: "SV Debit", Ins: insSvDebit, Write: true},
	CmdSvUndebit:         {Name: "SV Undebit", Ins: insSvUndebit, Write: true},
}

// Lookup returns the descriptor of cmd.
func Lookup(cmd Command) Descriptor {
	return commandTable[cmd]
}

func (c Command) String() string {
	if c < 0 || c >= numCommands {
		return fmt.Sprintf("Command(%d)", int(c))
	}
	return commandTable[c].Name
}

// Commands lists every entry of the table in declaration order.
func Commands() []Command {
	out := make([]Command, 0, numCommands)
	for c := Command(0); c < numCommands; c++ {
		out = append(out, c)
	}
	return out
}

// IsOpenSession reports whether c is one of the Open Secure Session variants.
func (c Command) IsOpenSession() bool {
	return c >= CmdOpenSession10 && c <= CmdOpenSession32
}

// OpenSessionCommandFor returns the Open Secure Session variant understood by
// cards of revision rev. Rev3.1-CLAP shares the Rev3.1 variant.
func OpenSessionCommandFor(rev Revision) Command {
	switch rev {
	case Rev1_0:
		return CmdOpenSession10
	case Rev2_4:
		return CmdOpenSession24
	case Rev3_2:
		return CmdOpenSession32
	default:
		return CmdOpenSession31
	}
}
