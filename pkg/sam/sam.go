// Package sam drives a Calypso SAM over ISO 7816 and implements the session
// cryptography expected by calypso.Session.
//
// Every operation is one or more proprietary SAM commands (class 0x80 for
// SAM C1, 0x94 for legacy SAM S1):
//
//	Select Diversifier   14   card serial number
//	Get Challenge        84   terminal challenge sent in Open Session
//	Digest Init          8A   KIF KVC || Open Session reply
//	Digest Update        8C   one per in-session frame
//	Digest Close         8E   returns the terminal half signature
//	Digest Authenticate  82   checks the card half signature
//	SV Prepare Load      56   \
//	SV Prepare Debit     54    > SV Get header || SV Get reply || partial SV command
//	SV Prepare Undebit   5C   /
//	SV Check             58   checks the SV signature postponed to Close
package sam

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"

	"github.com/gregLibert/calypso/pkg/calypso"
	"github.com/gregLibert/calypso/pkg/iso7816"
)

const (
	insSelectDiversifier  = 0x14
	insGetChallenge       = 0x84
	insDigestInit         = 0x8A
	insDigestUpdate       = 0x8C
	insDigestClose        = 0x8E
	insDigestAuthenticate = 0x82
	insSvPrepareLoad      = 0x56
	insSvPrepareDebit     = 0x54
	insSvPrepareUndebit   = 0x5C
	insSvCheck            = 0x58
)

// DefaultClass is the class byte of SAM C1 commands.
const DefaultClass = 0x80

const challengeLen = 4

// SAM is a Calypso SAM reached through a Transceiver. It is not safe for
// concurrent use: a SAM holds one digest at a time.
type SAM struct {
	client *iso7816.Client
	cla    byte
	log    *slog.Logger
}

var _ calypso.SAM = (*SAM)(nil)

// New returns a SAM using class byte cla; 0 selects DefaultClass.
func New(reader iso7816.Transceiver, cla byte, logger *slog.Logger) *SAM {
	if cla == 0 {
		cla = DefaultClass
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SAM{
		client: iso7816.NewClient(reader),
		cla:    cla,
		log:    logger.With(slog.String("component", "sam")),
	}
}

// transmit sends capdu and converts the final answer. 61XX chains are
// resolved by the client, which matters for SAMs in contact readers (T=0).
func (s *SAM) transmit(ctx context.Context, capdu apdu.Capdu) (apdu.Rapdu, error) {
	class, err := iso7816.NewClass(capdu.Cla)
	if err != nil {
		return apdu.Rapdu{}, errors.Wrap(err, "invalid SAM class")
	}
	ins, err := iso7816.NewInstruction(iso7816.InsCode(capdu.Ins))
	if err != nil {
		return apdu.Rapdu{}, errors.Wrap(err, "invalid SAM instruction")
	}

	cmd := iso7816.NewCommandAPDU(class, ins, capdu.P1, capdu.P2, capdu.Data, capdu.Ne)
	trace, err := s.client.Send(ctx, cmd)
	if err != nil {
		return apdu.Rapdu{}, errors.Wrapf(err, "transmit INS %02X", capdu.Ins)
	}

	last := trace.Last().Response
	s.log.Debug("sam apdu",
		slog.String("ins", iso7816.InsCode(capdu.Ins).String()),
		slog.String("sw", last.Status.String()))
	return apdu.Rapdu{Data: last.Data, SW1: last.Status.SW1(), SW2: last.Status.SW2()}, nil
}

// run transmits capdu and fails on any non success status word.
func (s *SAM) run(ctx context.Context, name string, capdu apdu.Capdu) ([]byte, error) {
	resp, err := s.transmit(ctx, capdu)
	if err != nil {
		return nil, errors.Wrap(err, name)
	}
	if !resp.IsSuccess() {
		return nil, errors.Errorf("%s failed with SW: %02X%02X", name, resp.SW1, resp.SW2)
	}
	return resp.Data, nil
}

func (s *SAM) capdu(ins, p1, p2 byte, data []byte, ne int) apdu.Capdu {
	return apdu.Capdu{Cla: s.cla, Ins: ins, P1: p1, P2: p2, Data: data, Ne: ne}
}

// SelectDiversifier diversifies the SAM keys with the card serial number.
// It must precede GetChallenge for every new card.
func (s *SAM) SelectDiversifier(ctx context.Context, serial []byte) error {
	if len(serial) == 0 || len(serial) > 8 {
		return errors.Errorf("serial number length %d out of range 1..8", len(serial))
	}
	_, err := s.run(ctx, "SELECT DIVERSIFIER", s.capdu(insSelectDiversifier, 0x00, 0x00, serial, 0))
	return err
}

// GetChallenge returns the 4 byte terminal challenge.
func (s *SAM) GetChallenge(ctx context.Context) ([]byte, error) {
	data, err := s.run(ctx, "GET CHALLENGE", s.capdu(insGetChallenge, 0x00, 0x00, nil, challengeLen))
	if err != nil {
		return nil, err
	}
	if len(data) != challengeLen {
		return nil, errors.Errorf("GET CHALLENGE returned %d bytes, want %d", len(data), challengeLen)
	}
	return data, nil
}

// ComputeTerminalSignature replays the session digest into the SAM and
// returns the terminal half signature.
func (s *SAM) ComputeTerminalSignature(ctx context.Context, d *calypso.Digest) ([]byte, error) {
	if d == nil {
		return nil, errors.New("nil digest")
	}

	head := append([]byte{d.KIF, d.KVC}, d.OpenData...)
	if _, err := s.run(ctx, "DIGEST INIT", s.capdu(insDigestInit, 0x00, 0xFF, head, 0)); err != nil {
		return nil, err
	}
	for i, frame := range d.Frames {
		if _, err := s.run(ctx, "DIGEST UPDATE", s.capdu(insDigestUpdate, 0x00, 0x00, frame, 0)); err != nil {
			return nil, errors.Wrapf(err, "frame %d", i)
		}
	}

	sigLen := d.Revision.SignatureLen()
	sig, err := s.run(ctx, "DIGEST CLOSE", s.capdu(insDigestClose, 0x00, 0x00, nil, sigLen))
	if err != nil {
		return nil, err
	}
	if len(sig) != sigLen {
		return nil, errors.Errorf("DIGEST CLOSE returned %d bytes, want %d", len(sig), sigLen)
	}
	s.log.Info("terminal signature computed", slog.Int("frames", len(d.Frames)))
	return sig, nil
}

// AuthenticateCardSignature checks the card half signature.
func (s *SAM) AuthenticateCardSignature(ctx context.Context, signature []byte) error {
	_, err := s.run(ctx, "DIGEST AUTHENTICATE", s.capdu(insDigestAuthenticate, 0x00, 0x00, signature, 0))
	return err
}

// ComputeSvComplement runs the SV Prepare command matching req.Command.
func (s *SAM) ComputeSvComplement(ctx context.Context, req *calypso.SvComplementRequest) ([]byte, error) {
	if req == nil || req.Get == nil {
		return nil, errors.New("SV complement requires the SV Get result")
	}

	var ins byte
	var name string
	switch req.Command {
	case calypso.CmdSvReload:
		ins, name = insSvPrepareLoad, "SV PREPARE LOAD"
	case calypso.CmdSvDebit:
		ins, name = insSvPrepareDebit, "SV PREPARE DEBIT"
	case calypso.CmdSvUndebit:
		ins, name = insSvPrepareUndebit, "SV PREPARE UNDEBIT"
	default:
		return nil, errors.Errorf("no SV complement for %s", req.Command)
	}

	data := make([]byte, 0, len(req.Get.Header)+len(req.Get.Raw)+len(req.PartialAPDU))
	data = append(data, req.Get.Header...)
	data = append(data, req.Get.Raw...)
	data = append(data, req.PartialAPDU...)

	return s.run(ctx, name, s.capdu(ins, 0x01, 0xFF, data, apdu.MaxLenResponseDataStandard))
}

// CheckSvSignature checks the SV signature returned in the Close postponed data.
func (s *SAM) CheckSvSignature(ctx context.Context, signature []byte) error {
	_, err := s.run(ctx, "SV CHECK", s.capdu(insSvCheck, 0x00, 0x00, signature, 0))
	return err
}
