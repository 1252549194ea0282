package calypso

import (
	"fmt"

	"github.com/gregLibert/calypso/pkg/iso7816"
)

// NoLe builds a request without an Le byte.
const NoLe = -1

// Request is a card frame tagged with the command it implements.
type Request struct {
	Command Command
	APDU    *iso7816.CommandAPDU

	// svFinalized is set on SV operations built by SvPrepared.Finalize.
	svFinalized bool
}

// Bytes encodes the frame.
func (r *Request) Bytes() ([]byte, error) {
	return r.APDU.Bytes()
}

// Descriptor returns the command table entry of the request.
func (r *Request) Descriptor() Descriptor {
	return Lookup(r.Command)
}

func (r *Request) String() string {
	raw, err := r.Bytes()
	if err != nil {
		return fmt.Sprintf("%s <%v>", r.Command, err)
	}
	return fmt.Sprintf("%s %X", r.Command, raw)
}

// Response is a parsed card reply.
type Response struct {
	Command Command
	Data    []byte
	Status  iso7816.StatusWord
}

// Outcome classifies the response status word against its command table.
func (r *Response) Outcome() Outcome {
	return Classify(r.Command, r.Status)
}

// Build assembles the frame of cmd for a card of revision rev. le is the raw
// Le byte (0x00 asks for everything available) or NoLe.
func Build(cmd Command, rev Revision, p1, p2 byte, data []byte, le int) (*Request, error) {
	if cmd < 0 || cmd >= numCommands {
		return nil, errorf(IllegalArgument, "build", "unknown command %d", int(cmd))
	}
	if !rev.Valid() {
		return nil, commandErrorf(IllegalArgument, "build", cmd, "unsupported card revision %s", rev)
	}
	return buildWithClass(cmd, rev.ClassByte(), p1, p2, data, le)
}

func buildWithClass(cmd Command, cla byte, p1, p2 byte, data []byte, le int) (*Request, error) {
	if len(data) > iso7816.MaxShortLc {
		return nil, commandErrorf(IllegalArgument, "build", cmd, "data length %d exceeds %d", len(data), iso7816.MaxShortLc)
	}
	if le < NoLe || le > 0xFF {
		return nil, commandErrorf(IllegalArgument, "build", cmd, "Le %d out of range", le)
	}

	class, err := iso7816.NewClass(cla)
	if err != nil {
		return nil, &Error{Kind: IllegalArgument, Op: "build", Command: cmd, HasCommand: true, Cause: err}
	}
	ins, err := iso7816.NewInstruction(Lookup(cmd).Ins)
	if err != nil {
		return nil, &Error{Kind: IllegalArgument, Op: "build", Command: cmd, HasCommand: true, Cause: err}
	}

	ne := 0
	switch {
	case le == 0:
		ne = iso7816.MaxShortLe
	case le > 0:
		ne = le
	}

	var payload []byte
	if len(data) > 0 {
		payload = append([]byte(nil), data...)
	}

	return &Request{
		Command: cmd,
		APDU:    iso7816.NewCommandAPDU(class, ins, p1, p2, payload, ne),
	}, nil
}

// Parse splits a raw response into payload and status word.
func Parse(raw []byte) (*iso7816.ResponseAPDU, error) {
	resp, err := iso7816.ParseResponseAPDU(raw)
	if err != nil {
		return nil, &Error{Kind: TransportFailure, Op: "parse", Message: "malformed response", Cause: err}
	}
	return resp, nil
}

// ParseFor parses raw as the reply to cmd.
func ParseFor(cmd Command, raw []byte) (*Response, error) {
	resp, err := iso7816.ParseResponseAPDU(raw)
	if err != nil {
		return nil, &Error{Kind: TransportFailure, Op: "parse", Command: cmd, HasCommand: true, Message: "malformed response", Cause: err}
	}
	return &Response{Command: cmd, Data: resp.Data, Status: resp.Status}, nil
}
