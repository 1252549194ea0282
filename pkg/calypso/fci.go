package calypso

import (
	"fmt"
	"strings"

	"github.com/moov-io/bertlv"

	"github.com/gregLibert/calypso/pkg/iso7816"
	"github.com/gregLibert/calypso/pkg/tlv"
)

// FCI LAYOUT (Select Application / Get Data FCI):
//
//	6F FCI Template
//	   84 DF Name
//	   A5 Proprietary Information
//	      BF0C FCI Issuer Discretionary Data
//	         C7 Application Serial Number (8 bytes)
//	         53 Discretionary Data: startup information (7 bytes or more)

type fciDiscretionary struct {
	Serial      []byte       `tlv:"C7"`
	StartupInfo []byte       `tlv:"53"`
	Other       []bertlv.TLV `tlv:",unknown"`
}

type fciProprietary struct {
	Discretionary *fciDiscretionary `tlv:"BF0C"`
}

type fciTemplate struct {
	DFName      []byte          `tlv:"84" fmt:"ascii"`
	Proprietary *fciProprietary `tlv:"A5"`
}

type fciResponse struct {
	FCI *fciTemplate `tlv:"6F"`
}

// Application type flags (startup information byte 3).
const (
	appTypePin                  = 0x01
	appTypeStoredValue          = 0x02
	appTypeRatificationRequired = 0x04
	appTypeCLAP                 = 0x80
)

// StartupInfo is the discretionary data block returned in the FCI.
type StartupInfo struct {
	BufferSizeIndicator byte
	Platform            byte
	ApplicationType     byte
	ApplicationSubtype  byte
	SoftwareIssuer      byte
	SoftwareVersion     byte
	SoftwareRevision    byte
}

// ParseStartupInfo decodes the first seven bytes of tag 53.
func ParseStartupInfo(data []byte) (StartupInfo, error) {
	if len(data) < 7 {
		return StartupInfo{}, errorf(IllegalArgument, "startup info", "length %d, want at least 7", len(data))
	}
	return StartupInfo{
		BufferSizeIndicator: data[0],
		Platform:            data[1],
		ApplicationType:     data[2],
		ApplicationSubtype:  data[3],
		SoftwareIssuer:      data[4],
		SoftwareVersion:     data[5],
		SoftwareRevision:    data[6],
	}, nil
}

// Revision derives the product revision from the application type.
// Rev1.0 cards carry no startup information and must be declared explicitly.
func (s StartupInfo) Revision() Revision {
	if s.ApplicationType&appTypeCLAP != 0 {
		return Rev3_1_CLAP
	}
	switch s.ApplicationType >> 3 {
	case 0x05:
		return Rev3_2
	case 0x04:
		return Rev3_1
	default:
		return Rev2_4
	}
}

// bufferSizes maps the buffer size indicator to a size in bytes (Rev3).
var bufferSizes = []int{
	0, 0, 0, 0, 0, 0, 215, 256, 304, 362, 430, 512, 608, 724, 861, 1024,
	1217, 1448, 1722, 2048, 2435, 2896, 3444, 4096, 4870, 5792, 6888, 8192,
	9741, 11585, 13777, 16384, 19483, 23170, 27554, 32768, 38967, 46340,
	55108, 65536,
}

// ModificationsBuffer returns the session modification budget declared by the
// card. Rev3 cards count bytes, older ones count write operations.
func (s StartupInfo) ModificationsBuffer(rev Revision) (size int, inBytes bool, err error) {
	if !rev.IsRev3() {
		return int(s.BufferSizeIndicator), false, nil
	}
	idx := int(s.BufferSizeIndicator)
	if idx >= len(bufferSizes) {
		return 0, true, errorf(IllegalArgument, "startup info", "buffer size indicator %02X out of range", s.BufferSizeIndicator)
	}
	return bufferSizes[idx], true, nil
}

func (s StartupInfo) HasPin() bool { return s.ApplicationType&appTypePin != 0 }

func (s StartupInfo) HasStoredValue() bool { return s.ApplicationType&appTypeStoredValue != 0 }

// RatificationCommandRequired reports whether the card expects the
// ratification frame after a Close asking for ratification.
func (s StartupInfo) RatificationCommandRequired() bool {
	return s.ApplicationType&appTypeRatificationRequired != 0
}

// CardInfo is what the terminal learns from the application selection.
type CardInfo struct {
	DFName      []byte
	Serial      []byte
	StartupInfo StartupInfo
	Revision    Revision

	// Invalidated is set when the card answered 6283 (DF invalidated).
	Invalidated bool
}

// ParseFCI decodes a Select Application or Get Data FCI response.
func ParseFCI(resp *Response) (*CardInfo, error) {
	var fci fciResponse
	if err := tlv.Unmarshal(resp.Data, &fci); err != nil {
		return nil, &Error{Kind: DataAccess, Op: "parse fci", Command: resp.Command, HasCommand: true, Message: "malformed FCI", Cause: err}
	}
	if fci.FCI == nil || fci.FCI.Proprietary == nil || fci.FCI.Proprietary.Discretionary == nil {
		return nil, commandErrorf(DataAccess, "parse fci", resp.Command, "FCI without discretionary data")
	}

	disc := fci.FCI.Proprietary.Discretionary
	si, err := ParseStartupInfo(disc.StartupInfo)
	if err != nil {
		return nil, err
	}

	return &CardInfo{
		DFName:      fci.FCI.DFName,
		Serial:      disc.Serial,
		StartupInfo: si,
		Revision:    si.Revision(),
		Invalidated: resp.Status == iso7816.SW_WARN_FILE_DEACTIVATED,
	}, nil
}

// Describe renders the selection result for diagnostics.
func (c *CardInfo) Describe() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("=== CALYPSO APPLICATION (%s) ===\n", c.Revision))
	tlv.WriteStructFields(&sb, "FCI", &fciTemplate{DFName: c.DFName})
	tlv.WriteStructFields(&sb, "FCI.A5.BF0C", &fciDiscretionary{Serial: c.Serial})

	si := c.StartupInfo
	sb.WriteString(fmt.Sprintf("\n    - Startup: buffer %02X, platform %02X, type %02X, subtype %02X, issuer %02X, version %02X.%02X",
		si.BufferSizeIndicator, si.Platform, si.ApplicationType, si.ApplicationSubtype,
		si.SoftwareIssuer, si.SoftwareVersion, si.SoftwareRevision))
	sb.WriteString(fmt.Sprintf("\n    - Features: PIN=%t SV=%t ratification command=%t", si.HasPin(), si.HasStoredValue(), si.RatificationCommandRequired()))
	if c.Invalidated {
		sb.WriteString("\n    - DF INVALIDATED")
	}
	return sb.String()
}
