package calypso

import (
	"fmt"

	"github.com/gregLibert/calypso/pkg/iso7816"
)

// StatusEntry is the meaning of one status word for one command.
type StatusEntry struct {
	Success bool
	Kind    Kind // failure kind, KindNone on success
	Message string
}

// Verdict is the result class of a status word classification.
type Verdict int

const (
	Success Verdict = iota
	Failure
	Unknown
)

func (v Verdict) String() string {
	switch v {
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}

// Outcome is the classification of a response status word.
type Outcome struct {
	Verdict Verdict
	Kind    Kind
	Message string
	Status  iso7816.StatusWord
}

// Err converts a non successful outcome into an *Error.
func (o Outcome) Err(op string, cmd Command) error {
	if o.Verdict == Success {
		return nil
	}
	e := commandErrorf(o.Kind, op, cmd, "%s", o.Message)
	e.Status = o.Status
	return e
}

type statusTable map[iso7816.StatusWord]StatusEntry

func ok(msg string) StatusEntry { return StatusEntry{Success: true, Message: msg} }

func fail(kind Kind, msg string) StatusEntry { return StatusEntry{Kind: kind, Message: msg} }

var baseStatus = statusTable{
	0x6700: fail(IllegalParameter, "Lc value not supported."),
	0x6D00: fail(IllegalParameter, "Instruction unknown."),
	0x6E00: fail(IllegalParameter, "Class not supported."),
	0x9000: ok("Successful execution."),
}

// extend returns a new table holding base overridden by entries.
func extend(base, entries statusTable) statusTable {
	out := make(statusTable, len(base)+len(entries))
	for sw, e := range base {
		out[sw] = e
	}
	for sw, e := range entries {
		out[sw] = e
	}
	return out
}

var (
	readStatus = extend(baseStatus, statusTable{
		0x6981: fail(DataAccess, "Command forbidden on binary files"),
		0x6982: fail(SecurityContext, "Security conditions not fulfilled (PIN code not presented, encryption required)."),
		0x6985: fail(AccessForbidden, "Access forbidden (Never access mode, stored value log file and a stored value operation was done during the current session)."),
		0x6986: fail(DataAccess, "Command not allowed (no current EF)"),
		0x6A82: fail(DataAccess, "File not found"),
		0x6A83: fail(DataOutOfBounds, "Record not found (record index is 0, or above NumRec"),
		0x6B00: fail(IllegalParameter, "P2 value not supported"),
	})

	recordWriteStatus = extend(baseStatus, statusTable{
		0x6400: fail(BufferOverflow, "Too many modifications in session."),
		0x6981: fail(DataAccess, "Command forbidden on cyclic files when the record exists and is not record 01 and on binary files."),
		0x6982: fail(SecurityContext, "Security conditions not fulfilled (no session, wrong key, encryption required)."),
		0x6985: fail(AccessForbidden, "Access forbidden (Never access mode, DF is invalidated, etc..)."),
		0x6986: fail(DataAccess, "Command not allowed (no current EF)."),
		0x6A82: fail(DataAccess, "File not found."),
		0x6A83: fail(DataOutOfBounds, "Record is not found (record index is 0 or above NumRec)."),
		0x6B00: fail(IllegalParameter, "P2 value not supported."),
	})

	appendStatus = extend(baseStatus, statusTable{
		0x6400: fail(BufferOverflow, "Too many modifications in session."),
		0x6981: fail(DataAccess, "The current EF is not a Cyclic EF."),
		0x6982: fail(SecurityContext, "Security conditions not fulfilled (no session, wrong key)."),
		0x6985: fail(AccessForbidden, "Access forbidden (Never access mode, DF is invalidated, etc..)."),
		0x6986: fail(DataAccess, "Command not allowed (no current EF)."),
		0x6A82: fail(DataAccess, "File not found."),
		0x6B00: fail(IllegalParameter, "P1 or P2 value not supported."),
	})

	counterStatus = extend(baseStatus, statusTable{
		0x6400: fail(BufferOverflow, "Too many modifications in session."),
		0x6981: fail(DataAccess, "The current EF is not a Counters or Simulated Counter EF."),
		0x6982: fail(SecurityContext, "Security conditions not fulfilled (no session, wrong key, encryption required)."),
		0x6985: fail(AccessForbidden, "Access forbidden (Never access mode, DF is invalidated, etc..)."),
		0x6986: fail(DataAccess, "Command not allowed (no current EF)."),
		0x6A80: fail(DataOutOfBounds, "Overflow error."),
		0x6A82: fail(DataAccess, "File not found."),
		0x6A83: fail(DataOutOfBounds, "Counter number out of bounds."),
		0x6B00: fail(IllegalParameter, "P1 or P2 value not supported."),
	})

	dfStatus = extend(baseStatus, statusTable{
		0x6400: fail(BufferOverflow, "Too many modifications in session."),
		0x6982: fail(SecurityContext, "Security conditions not fulfilled (no session, wrong key)."),
		0x6985: fail(AccessForbidden, "Access forbidden (DF context is invalid)."),
	})

	openStatus = extend(baseStatus, statusTable{
		0x6900: fail(Terminated, "Transaction Counter is 0"),
		0x6981: fail(DataAccess, "Command forbidden (read requested and current EF is a Binary file)."),
		0x6982: fail(SecurityContext, "Security conditions not fulfilled (PIN code not presented, AES key forbidding the compatibility mode, encryption required)."),
		0x6985: fail(SecurityContext, "Access forbidden (Never access mode, Session already opened)."),
		0x6986: fail(DataAccess, "Command not allowed (read requested and no current EF)."),
		0x6A81: fail(SecurityContext, "Wrong key index."),
		0x6A82: fail(DataAccess, "File not found."),
		0x6A83: fail(DataOutOfBounds, "Record not found (record index is above NumRec)."),
		0x6B00: fail(IllegalParameter, "P1 or P2 value not supported."),
	})

	closeStatus = extend(baseStatus, statusTable{
		0x6700: fail(IllegalParameter, "Lc signatureLo not supported (e.g. Lc=4 with a Revision 3.2 mode for Open Secure Session)."),
		0x6985: fail(SecurityContext, "No session was opened."),
		0x6988: fail(SecurityData, "incorrect signatureLo."),
		0x6B00: fail(IllegalParameter, "P1 or P2 signatureLo not supported."),
	})

	ratificationStatus = extend(baseStatus, statusTable{
		0x6B00: ok("Ratification frame rejected as a Read Record, as expected."),
	})

	selectStatus = extend(baseStatus, statusTable{
		0x6283: ok("Successful execution, DF is invalidated."),
		0x6A82: fail(DataAccess, "File not found."),
		0x6119: ok("Correct execution (ISO7816 T=0)."),
	})

	fciStatus = extend(baseStatus, statusTable{
		0x6283: ok("Successful execution, FCI request and DF is invalidated."),
		0x6A88: fail(DataAccess, "Data object not found (optional mode not available)."),
		0x6B00: fail(IllegalParameter, "P1 or P2 value not supported."),
	})

	svGetStatus = extend(baseStatus, statusTable{
		0x6982: fail(SecurityContext, "Security conditions not fulfilled."),
		0x6985: fail(AccessForbidden, "Preconditions not satisfied (a store value operation was already done in the current session)."),
		0x6A81: fail(IllegalParameter, "Incorrect P1 or P2."),
		0x6A86: fail(IllegalParameter, "Le inconsistent with P2."),
		0x6D00: fail(IllegalParameter, "SV function not present."),
	})

	svOperationStatus = extend(baseStatus, statusTable{
		0x6200: ok("Successful execution, response data postponed until session closing."),
		0x6400: fail(BufferOverflow, "Too many modifications in session."),
		0x6900: fail(Terminated, "Transaction counter is 0 or SV TNum is FFFEh or FFFFh."),
		0x6985: fail(SecurityContext, "Preconditions not satisfied."),
		0x6988: fail(SecurityData, "Incorrect signatureHi."),
	})
)

var statusTables = [numCommands]statusTable{
	CmdSelectApplication: selectStatus,
	CmdSelectFile:        selectStatus,
	CmdGetDataFCI:        fciStatus,
	CmdGetChallenge:      baseStatus,
	CmdReadRecord:        readStatus,
	CmdReadRecords:       readStatus,
	CmdUpdateRecord:      recordWriteStatus,
	CmdWriteRecord:       recordWriteStatus,
	CmdAppendRecord:      appendStatus,
	CmdIncrease:          counterStatus,
	CmdDecrease:          counterStatus,
	CmdInvalidate:        dfStatus,
	CmdRehabilitate:      dfStatus,
	CmdOpenSession10:     openStatus,
	CmdOpenSession24:     openStatus,
	CmdOpenSession31:     openStatus,
	CmdOpenSession32:     openStatus,
	CmdCloseSession:      closeStatus,
	CmdAbortSession:      closeStatus,
	CmdRatification:      ratificationStatus,
	CmdSvGet:             svGetStatus,
	CmdSvReload:          svOperationStatus,
	CmdSvDebit:           svOperationStatus,
	CmdSvUndebit:         svOperationStatus,
}

// StatusTable returns a copy of the status table of cmd.
func StatusTable(cmd Command) map[iso7816.StatusWord]StatusEntry {
	src := statusTables[cmd]
	out := make(map[iso7816.StatusWord]StatusEntry, len(src))
	for sw, e := range src {
		out[sw] = e
	}
	return out
}

// Classify looks sw up in the table of cmd. A status word absent from the
// table is Unknown, never a guessed success or failure.
func Classify(cmd Command, sw iso7816.StatusWord) Outcome {
	entry, found := statusTables[cmd][sw]
	switch {
	case !found:
		return Outcome{
			Verdict: Unknown,
			Kind:    UnknownStatus,
			Message: fmt.Sprintf("status word %04X not expected for %s", uint16(sw), cmd),
			Status:  sw,
		}
	case entry.Success:
		return Outcome{Verdict: Success, Message: entry.Message, Status: sw}
	default:
		return Outcome{Verdict: Failure, Kind: entry.Kind, Message: entry.Message, Status: sw}
	}
}
