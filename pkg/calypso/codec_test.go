package calypso

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gregLibert/calypso/pkg/iso7816"
	"github.com/gregLibert/calypso/pkg/tlv"
)

func TestBuild_ReadRecordVectors(t *testing.T) {
	const (
		sfiEnvironment = 0x07
		sfiEventLog    = 0x08
		sfiContracts   = 0x09
	)

	tests := []struct {
		name     string
		build    func() (*Request, error)
		expected []byte
	}{
		{
			name:     "Rev1.0 Environment",
			build:    func() (*Request, error) { return ReadRecord(Rev1_0, sfiEnvironment, 1, 0) },
			expected: tlv.Hex("94 B2 01 3C 00"),
		},
		{
			name:     "Rev2.4 EventLog",
			build:    func() (*Request, error) { return ReadRecord(Rev2_4, sfiEventLog, 1, 0) },
			expected: tlv.Hex("94 B2 01 44 00"),
		},
		{
			name:     "Rev3.1 Contracts",
			build:    func() (*Request, error) { return ReadRecord(Rev3_1, sfiContracts, 1, 0x1D) },
			expected: tlv.Hex("00 B2 01 4C 1D"),
		},
		{
			name:     "Rev3.1-CLAP EventLog Multiple",
			build:    func() (*Request, error) { return ReadRecords(Rev3_1_CLAP, sfiEventLog, 1, 0) },
			expected: tlv.Hex("00 B2 01 45 00"),
		},
		{
			name:     "Rev3.2 Current EF Multiple",
			build:    func() (*Request, error) { return ReadRecords(Rev3_2, 0x00, 1, 0) },
			expected: tlv.Hex("00 B2 01 05 00"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := tt.build()
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			got, err := req.Bytes()
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if !bytes.Equal(got, tt.expected) {
				t.Errorf("got %X, want %X", got, tt.expected)
			}
		})
	}
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name  string
		build func() (*Request, error)
	}{
		{"Data Too Long", func() (*Request, error) {
			return Build(CmdUpdateRecord, Rev3_1, 1, 0x3C, make([]byte, 256), NoLe)
		}},
		{"Unknown Revision", func() (*Request, error) {
			return Build(CmdGetChallenge, RevUnknown, 0, 0, nil, 8)
		}},
		{"Le Out Of Range", func() (*Request, error) {
			return Build(CmdGetChallenge, Rev3_1, 0, 0, nil, 256)
		}},
		{"Unknown Command", func() (*Request, error) {
			return Build(numCommands, Rev3_1, 0, 0, nil, NoLe)
		}},
		{"SFI Out Of Range", func() (*Request, error) { return ReadRecord(Rev3_1, 0x1F, 1, 0) }},
		{"Record Zero", func() (*Request, error) { return ReadRecord(Rev3_1, 0x07, 0, 0) }},
		{"Empty Update", func() (*Request, error) { return UpdateRecord(Rev3_1, 0x07, 1, nil) }},
		{"Counter Value Too Big", func() (*Request, error) { return Increase(Rev3_1, 0x19, 1, 0x1000000) }},
		{"Short AID", func() (*Request, error) { return SelectApplication([]byte{0x31, 0x54}, false) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build()
			if !errors.Is(err, ErrIllegalArgument) {
				t.Fatalf("expected IllegalArgument, got %v", err)
			}
		})
	}
}

func TestBuild_MaxData(t *testing.T) {
	req, err := Build(CmdUpdateRecord, Rev3_1, 1, 0x3C, make([]byte, 255), NoLe)
	if err != nil {
		t.Fatalf("255 bytes must fit: %v", err)
	}
	raw, _ := req.Bytes()
	if len(raw) != 5+255 || raw[4] != 0xFF {
		t.Errorf("unexpected encoding length %d, Lc %02X", len(raw), raw[4])
	}
}

func TestParse_RoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		{0x00},
		tlv.Hex("0102030405"),
		bytes.Repeat([]byte{0xAA}, 256),
	}
	statuses := []iso7816.StatusWord{0x9000, 0x6283, 0x6A82, 0x6985, 0x0000, 0xFFFF}

	for _, p := range payloads {
		for _, sw := range statuses {
			raw := append(append([]byte(nil), p...), sw.SW1(), sw.SW2())
			resp, err := Parse(raw)
			if err != nil {
				t.Fatalf("Parse(%X): %v", raw, err)
			}
			if !bytes.Equal(resp.Data, p) && !(len(resp.Data) == 0 && len(p) == 0) {
				t.Errorf("payload %X, want %X", resp.Data, p)
			}
			if resp.Status != sw {
				t.Errorf("status %04X, want %04X", uint16(resp.Status), uint16(sw))
			}
		}
	}
}

func TestParse_TooShort(t *testing.T) {
	for _, raw := range [][]byte{nil, {0x90}} {
		_, err := Parse(raw)
		if KindOf(err) != TransportFailure {
			t.Errorf("Parse(%X): expected TransportFailure, got %v", raw, err)
		}
	}

	_, err := ParseFor(CmdReadRecord, []byte{0x90})
	var e *Error
	if !errors.As(err, &e) || !e.HasCommand || e.Command != CmdReadRecord {
		t.Errorf("ParseFor must carry the command, got %v", err)
	}
}
