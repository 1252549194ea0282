package iso7816

import (
	"fmt"
	"strings"

	"github.com/gregLibert/calypso/pkg/tlv"
)

// TRANSACTION:
// One Command APDU sent by the terminal followed by one Response APDU.
//
// TRACE:
// A chronological sequence of Transactions. A single logical request may span
// several physical exchanges (61XX / 6CXX handling), and a secure session is
// itself a trace whose frames feed the session digest.

// Transaction represents a completed Command-Response pair.
type Transaction struct {
	Command  *CommandAPDU
	Response *ResponseAPDU
}

// IsSuccess checks if the transaction ended with a successful status.
// It returns false if the response is missing.
func (t *Transaction) IsSuccess() bool {
	if t.Response == nil {
		return false
	}
	return t.Response.Status.IsSuccess()
}

// Trace is a sequence of transactions (Command-Response pairs).
type Trace []Transaction

// Last returns the final transaction of the trace.
// Returns nil if the trace is empty.
func (t Trace) Last() *Transaction {
	if len(t) == 0 {
		return nil
	}
	return &t[len(t)-1]
}

// IsSuccess checks if the FINAL transaction in the trace was successful.
func (t Trace) IsSuccess() bool {
	last := t.Last()
	if last == nil {
		return false
	}
	return last.IsSuccess()
}

// Describe renders the trace as an ASCII report, one block per exchange.
// name resolves a display name for each command; nil uses the ISO INS name.
func (t Trace) Describe(name func(*CommandAPDU) string) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("=== APDU TRACE (%d exchanges) ===\n", len(t)))

	for i, tx := range t {
		cmd := tx.Command
		label := cmd.Instruction.Raw.String()
		if name != nil {
			label = name(cmd)
		}

		raw, err := cmd.Bytes()
		sb.WriteString(fmt.Sprintf("[%d] %s\n", i+1, label))
		if err != nil {
			sb.WriteString(fmt.Sprintf("    + Request: <unencodable: %v>\n", err))
		} else {
			sb.WriteString(fmt.Sprintf("    + Request: %X\n", raw))
		}

		if tx.Response == nil {
			sb.WriteString("    - No Response.\n")
			continue
		}

		mark := "[OK]"
		if !tx.Response.Status.IsSuccess() {
			mark = "[!!]"
		}
		sb.WriteString(fmt.Sprintf("    + Result:  %s %s\n", mark, tx.Response.Status.Verbose()))
		if len(tx.Response.Data) > 0 {
			sb.WriteString(fmt.Sprintf("    + Data:    %X\n", tx.Response.Data))
			sb.WriteString(fmt.Sprintf("    + ASCII:   %q\n", tlv.MakeSafeASCII(tx.Response.Data)))
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}
