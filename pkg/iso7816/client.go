package iso7816

import (
	"context"
	"fmt"
)

// CLIENT & PROTOCOL LOGIC:
// The Client is a thin driver over the physical connection. It resolves the
// ISO 7816-3 transport behaviors that T=0 readers expose to the application:
//
// 1. "61 XX" (Response Available): a GET RESPONSE with Le=XX is issued.
// 2. "6C XX" (Wrong Length): the original command is re-issued with Le=XX.
//
// Send returns the Trace of every atomic exchange made for the logical request.
// There is no retry beyond these two rules: any transport error is returned as is.

// Transceiver abstracts the physical card connection (contact or contactless reader).
type Transceiver interface {
	Transceive(ctx context.Context, apdu []byte) ([]byte, error)
}

// TransceiverFunc adapts a function to the Transceiver interface.
type TransceiverFunc func(ctx context.Context, apdu []byte) ([]byte, error)

func (f TransceiverFunc) Transceive(ctx context.Context, apdu []byte) ([]byte, error) {
	return f(ctx, apdu)
}

// maxAutoExchanges bounds the 61XX/6CXX chain of a single logical request.
const maxAutoExchanges = 8

// Client manages the high-level communication with the card.
type Client struct {
	Card Transceiver
}

// NewClient creates a new Client instance.
func NewClient(card Transceiver) *Client {
	return &Client{Card: card}
}

// TransportError wraps a failure of the underlying Transceiver or a malformed frame.
type TransportError struct {
	Command *CommandAPDU
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transmission error (INS %02X): %v", byte(e.Command.Instruction.Raw), e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Send transmits a command and handles protocol logic (61xx, 6Cxx).
// Encoding errors are returned unwrapped; reader failures as *TransportError.
func (c *Client) Send(ctx context.Context, cmd *CommandAPDU) (Trace, error) {
	var trace Trace

	for current := cmd; ; {
		if len(trace) >= maxAutoExchanges {
			return trace, &TransportError{Command: cmd, Err: fmt.Errorf("too many chained exchanges (%d)", len(trace))}
		}

		rawCmd, err := current.Bytes()
		if err != nil {
			return trace, fmt.Errorf("encoding error: %w", err)
		}

		rawResp, err := c.Card.Transceive(ctx, rawCmd)
		if err != nil {
			return trace, &TransportError{Command: current, Err: err}
		}

		resp, err := ParseResponseAPDU(rawResp)
		if err != nil {
			return trace, &TransportError{Command: current, Err: err}
		}

		trace = append(trace, Transaction{Command: current, Response: resp})

		switch resp.Status.SW1() {
		case 0x61:
			// GET RESPONSE stays on the logical channel of the original command.
			cls := cmd.Class
			cls.IsChained = false
			current = NewCommandAPDU(cls, MustInstruction(INS_GET_RESPONSE), 0x00, 0x00, nil, leFromSW2(resp.Status.SW2()))

		case 0x6C:
			retry := current.Clone()
			retry.Ne = leFromSW2(resp.Status.SW2())
			current = retry

		default:
			return trace, nil
		}
	}
}

// leFromSW2 maps the XX of 61XX/6CXX to Ne; 00 stands for 256.
func leFromSW2(sw2 byte) int {
	if sw2 == 0 {
		return MaxShortLe
	}
	return int(sw2)
}
