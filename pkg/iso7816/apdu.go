package iso7816

import (
	"bytes"
	"errors"
	"fmt"
)

// APDU (Application Protocol Data Unit) structures according to ISO/IEC 7816-3 and 7816-4.
//
// COMMAND APDU (C-APDU): CLA INS P1 P2 [Lc Data] [Le]
//
// ENCODING CASES (ISO 7816-3):
// - Case 1: No Data, No Response (Header only).
// - Case 2: No Data, Response Expected (Header + Le).
// - Case 3: Data Present, No Response (Header + Lc + Data).
// - Case 4: Data Present, Response Expected (Header + Lc + Data + Le).
//
// Only Short Length encoding is produced: Lc on one byte (max 255) and Le on
// one byte, 0x00 meaning 256 ("as many as available"). Contactless ticketing
// cards and SAMs do not accept extended lengths.
//
// RESPONSE APDU (R-APDU): [Data] SW1 SW2

const (
	// MaxShortLc is the maximum data length (Nc) encodable on one byte.
	MaxShortLc = 255

	// MaxShortLe is the maximum expected length (Ne); encoded as 0x00.
	MaxShortLe = 256
)

var (
	// ErrDataTooLong is returned when a data field does not fit a single Lc byte.
	ErrDataTooLong = errors.New("data field exceeds short Lc")

	// ErrBadLe is returned when Ne is outside 0..256.
	ErrBadLe = errors.New("expected length out of short range")

	// ErrResponseTooShort is returned when a response lacks the status word.
	ErrResponseTooShort = errors.New("response too short")
)

// CommandAPDU represents a command sent to the card.
type CommandAPDU struct {
	Class       Class
	Instruction Instruction
	P1, P2      byte
	Data        []byte
	Ne          int // Expected response length: 0 means no Le, 256 is encoded 0x00
}

// NewCommandAPDU creates a basic command.
func NewCommandAPDU(cla Class, ins Instruction, p1, p2 byte, data []byte, ne int) *CommandAPDU {
	return &CommandAPDU{
		Class:       cla,
		Instruction: ins,
		P1:          p1,
		P2:          p2,
		Data:        data,
		Ne:          ne,
	}
}

// Validate checks that the command fits the short encoding.
func (c *CommandAPDU) Validate() error {
	if len(c.Data) > MaxShortLc {
		return fmt.Errorf("%w: %d bytes", ErrDataTooLong, len(c.Data))
	}
	if c.Ne < 0 || c.Ne > MaxShortLe {
		return fmt.Errorf("%w: %d", ErrBadLe, c.Ne)
	}
	return nil
}

// Bytes encodes the CommandAPDU into its byte representation (C-APDU).
func (c *CommandAPDU) Bytes() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	class, err := c.Class.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode Class: %w", err)
	}

	buf := bytes.NewBuffer(make([]byte, 0, 6+len(c.Data)))
	buf.Write([]byte{class, byte(c.Instruction.Raw), c.P1, c.P2})

	if len(c.Data) > 0 {
		buf.WriteByte(byte(len(c.Data)))
		buf.Write(c.Data)
	}

	if c.Ne > 0 {
		// 256 wraps to 0x00
		buf.WriteByte(byte(c.Ne))
	}

	return buf.Bytes(), nil
}

// Lc returns the encoded Lc value (0 when no data field is present).
func (c *CommandAPDU) Lc() int {
	return len(c.Data)
}

// Clone returns a deep copy of the command.
func (c *CommandAPDU) Clone() *CommandAPDU {
	cp := *c
	cp.Data = append([]byte(nil), c.Data...)
	return &cp
}

// String returns a readable representation of the command meta-data.
func (c *CommandAPDU) String() string {
	return fmt.Sprintf("%s | P1: %02X, P2: %02X | Lc: %d | Le: %d",
		c.Instruction.Verbose(), c.P1, c.P2, len(c.Data), c.Ne)
}

// ResponseAPDU represents the reply from the card (R-APDU).
type ResponseAPDU struct {
	Data   []byte
	Status StatusWord
}

// ParseResponseAPDU parses raw bytes received from the card into a ResponseAPDU.
// The input must contain at least 2 bytes (SW1, SW2).
func ParseResponseAPDU(raw []byte) (*ResponseAPDU, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: length %d", ErrResponseTooShort, len(raw))
	}

	indexSW1 := len(raw) - 2
	return &ResponseAPDU{
		Data:   append([]byte(nil), raw[:indexSW1]...),
		Status: NewStatusWord(raw[indexSW1], raw[indexSW1+1]),
	}, nil
}

// Bytes re-encodes the response as received from the card.
func (r *ResponseAPDU) Bytes() []byte {
	out := make([]byte, 0, len(r.Data)+2)
	out = append(out, r.Data...)
	return append(out, r.Status.SW1(), r.Status.SW2())
}

// String returns a readable representation of the response.
func (r *ResponseAPDU) String() string {
	return fmt.Sprintf("Data (%d bytes) | Status: %s", len(r.Data), r.Status.Verbose())
}
