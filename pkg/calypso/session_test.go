package calypso

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregLibert/calypso/pkg/reader"
	"github.com/gregLibert/calypso/pkg/tlv"
)

type fakeSAM struct {
	challenge  []byte
	signature  []byte
	complement []byte

	challengeErr error
	cardSigErr   error
	svSigErr     error

	digests       []*Digest
	svRequests    []*SvComplementRequest
	cardSignature []byte
	svSignature   []byte
}

func newFakeSAM() *fakeSAM {
	return &fakeSAM{
		challenge:  samChallenge,
		signature:  samChallenge,
		complement: debitComplement,
	}
}

func (f *fakeSAM) GetChallenge(context.Context) ([]byte, error) {
	return f.challenge, f.challengeErr
}

func (f *fakeSAM) ComputeTerminalSignature(_ context.Context, d *Digest) ([]byte, error) {
	f.digests = append(f.digests, d)
	return f.signature, nil
}

func (f *fakeSAM) AuthenticateCardSignature(_ context.Context, sig []byte) error {
	f.cardSignature = sig
	return f.cardSigErr
}

func (f *fakeSAM) ComputeSvComplement(_ context.Context, req *SvComplementRequest) ([]byte, error) {
	f.svRequests = append(f.svRequests, req)
	return f.complement, nil
}

func (f *fakeSAM) CheckSvSignature(_ context.Context, sig []byte) error {
	f.svSignature = sig
	return f.svSigErr
}

func selectStep(appType, bufferIndicator byte, sw string) reader.Exchange {
	return reader.Exchange{
		Command:  tlv.Hex("00 A4 04 00 08", calypsoAID, "00"),
		Response: append(fciData(appType, bufferIndicator), tlv.Hex(sw)...),
	}
}

var (
	open31Step = reader.Exchange{
		Command:  tlv.Hex("00 8A 03 01 04 A831C33E 00"),
		Response: tlv.Hex("030A0B 2C 00 21 79 00 9000"),
	}
	close31Step = reader.Exchange{
		Command:  tlv.Hex("00 8E 80 00 04 A8 31 C3 3E"),
		Response: tlv.Hex("11223344 9000"),
	}
)

func newTestSession(t *testing.T, sam *fakeSAM, steps ...reader.Exchange) (*Session, *reader.Script) {
	t.Helper()

	script := reader.NewScript("test", steps...)
	s, err := NewSession(script, SessionConfig{
		AID:      tlv.Hex(calypsoAID),
		KeyIndex: 3,
		SAM:      sam,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return s, script
}

func TestSessionConfig_Validate(t *testing.T) {
	t.Parallel()

	sam := newFakeSAM()
	cases := map[string]SessionConfig{
		"No SAM":            {AID: tlv.Hex(calypsoAID), KeyIndex: 1},
		"Key Index 0":       {AID: tlv.Hex(calypsoAID), KeyIndex: 0, SAM: sam},
		"No AID Nor Rev":    {KeyIndex: 1, SAM: sam},
		"Bad Revision":      {AID: tlv.Hex(calypsoAID), KeyIndex: 1, SAM: sam, Revision: Revision(42)},
		"Negative Override": {AID: tlv.Hex(calypsoAID), KeyIndex: 1, SAM: sam, ModificationsBufferOverride: -1},
	}
	for name, cfg := range cases {
		_, err := NewSession(reader.NewScript(name), cfg)
		assert.ErrorIs(t, err, ErrIllegalArgument, name)
	}

	_, err := NewSession(nil, SessionConfig{AID: tlv.Hex(calypsoAID), KeyIndex: 1, SAM: sam})
	assert.ErrorIs(t, err, ErrIllegalArgument)
}

func TestSession_OpenClose_Rev31(t *testing.T) {
	t.Parallel()

	sam := newFakeSAM()
	s, script := newTestSession(t, sam, selectStep(0x22, 0x0A, "9000"), open31Step, close31Step)
	ctx := context.Background()

	res, err := s.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseOpen, s.Phase())
	assert.Equal(t, Rev3_1, s.Revision())
	assert.Equal(t, 0x030A0B, res.Session.TransactionCounter)
	assert.True(t, res.Session.Ratified)
	assert.Equal(t, 430, s.BufferRemaining())
	assert.True(t, s.BufferInBytes())

	_, err = s.Open(ctx)
	assert.ErrorIs(t, err, ErrIllegalState, "open twice")

	data, err := s.Close(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, PhaseClosed, s.Phase())
	assert.Equal(t, tlv.Hex("11223344"), data.Signature)
	assert.Equal(t, tlv.Hex("11223344"), sam.cardSignature)
	assert.Equal(t, 0, script.Remaining())

	require.Len(t, sam.digests, 1)
	assert.Equal(t, byte(0x21), sam.digests[0].KIF)
	assert.Equal(t, byte(0x79), sam.digests[0].KVC)
	assert.Equal(t, tlv.Hex("030A0B 2C 00 21 79 00"), sam.digests[0].OpenData)
	assert.Empty(t, sam.digests[0].Frames)

	sent := script.Sent()
	assert.Equal(t, tlv.Hex("00 8E 80 00 04 A8 31 C3 3E"), sent[len(sent)-1])
	assert.Contains(t, s.Report(), "Close Secure Session")
}

func TestSession_CloseWithRatification_Rev24(t *testing.T) {
	t.Parallel()

	sam := newFakeSAM()
	s, script := newTestSession(t, sam,
		selectStep(0x06, 0x06, "9000"),
		reader.Exchange{Command: tlv.Hex("94 8A 83 00 04 A831C33E 00"), Response: tlv.Hex("7E 030A0B2C 9000")},
		reader.Exchange{Command: tlv.Hex("94 8E 00 00 04 A8 31 C3 3E"), Response: tlv.Hex("11223344 9000")},
		reader.Exchange{Command: tlv.Hex("94 B2 00 00 00"), Response: tlv.Hex("6B00")},
	)
	ctx := context.Background()

	_, err := s.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, Rev2_4, s.Revision())
	assert.Equal(t, 6, s.BufferRemaining())
	assert.False(t, s.BufferInBytes())

	_, err = s.Close(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, PhaseClosed, s.Phase())
	assert.Equal(t, 0, script.Remaining())

	require.Len(t, sam.digests, 1)
	assert.Equal(t, byte(0x30), sam.digests[0].KIF, "default KIF of the debit key")
	assert.Equal(t, byte(0x7E), sam.digests[0].KVC)
}

func TestSession_ExecuteBeforeOpen(t *testing.T) {
	t.Parallel()

	s, script := newTestSession(t, newFakeSAM())
	req, err := UpdateRecord(Rev3_1, 0x07, 1, tlv.Hex("AABB"))
	require.NoError(t, err)

	_, err = s.Execute(context.Background(), req)
	assert.ErrorIs(t, err, ErrIllegalState)
	assert.Empty(t, script.Sent())

	_, err = s.Close(context.Background(), false)
	assert.ErrorIs(t, err, ErrIllegalState)
	assert.ErrorIs(t, s.Abort(context.Background()), ErrIllegalState)
}

func TestSession_SelectWhileOpen(t *testing.T) {
	t.Parallel()

	s, script := newTestSession(t, newFakeSAM(), selectStep(0x22, 0x0A, "9000"), open31Step)
	ctx := context.Background()
	res, err := s.Open(ctx)
	require.NoError(t, err)

	_, err = s.Select(ctx)
	require.ErrorIs(t, err, ErrIllegalState)
	assert.Len(t, script.Sent(), 2, "nothing sent after Open")
	assert.Equal(t, PhaseOpen, s.Phase())
	assert.Same(t, res.Card, s.Card())
}

func TestSession_BufferOverflow(t *testing.T) {
	t.Parallel()

	s, script := newTestSession(t, newFakeSAM(),
		selectStep(0x20, 0x06, "9000"),
		open31Step,
		reader.Exchange{Response: tlv.Hex("9000")},
	)
	ctx := context.Background()

	_, err := s.Open(ctx)
	require.NoError(t, err)
	require.Equal(t, 215, s.BufferRemaining())
	sentBefore := len(script.Sent())

	big, err := UpdateRecord(Rev3_1, 0x07, 1, make([]byte, 210))
	require.NoError(t, err)
	_, err = s.Execute(ctx, big)
	require.ErrorIs(t, err, ErrBufferOverflow)
	assert.Equal(t, 215, s.BufferRemaining(), "no partial debit")
	assert.Len(t, script.Sent(), sentBefore, "nothing sent")
	assert.Equal(t, PhaseOpen, s.Phase())

	small, err := UpdateRecord(Rev3_1, 0x07, 1, make([]byte, 100))
	require.NoError(t, err)
	_, err = s.Execute(ctx, small)
	require.NoError(t, err)
	assert.Equal(t, 215-106, s.BufferRemaining())
}

func TestSession_BufferOverride(t *testing.T) {
	t.Parallel()

	script := reader.NewScript("test", selectStep(0x06, 0x06, "9000"),
		reader.Exchange{Response: tlv.Hex("7E 030A0B2C 9000")},
		reader.Exchange{Response: tlv.Hex("9000")},
	)
	s, err := NewSession(script, SessionConfig{
		AID:                         tlv.Hex(calypsoAID),
		KeyIndex:                    1,
		SAM:                         newFakeSAM(),
		Logger:                      slog.New(slog.NewTextHandler(io.Discard, nil)),
		ModificationsBufferOverride: 1,
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Open(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, s.BufferRemaining())

	inc, err := Increase(Rev2_4, 0x19, 1, 1)
	require.NoError(t, err)
	_, err = s.Execute(ctx, inc)
	require.NoError(t, err)
	assert.Equal(t, 0, s.BufferRemaining())

	_, err = s.Execute(ctx, inc)
	assert.ErrorIs(t, err, ErrBufferOverflow)
}

func TestSession_CardRejectionKeepsSession(t *testing.T) {
	t.Parallel()

	sam := newFakeSAM()
	s, _ := newTestSession(t, sam,
		selectStep(0x22, 0x0A, "9000"),
		open31Step,
		reader.Exchange{Response: tlv.Hex("6A82")},
		reader.Exchange{Response: tlv.Hex("01 03 AABBCC 9000")},
		close31Step,
	)
	ctx := context.Background()
	_, err := s.Open(ctx)
	require.NoError(t, err)

	upd, err := UpdateRecord(Rev3_1, 0x07, 1, tlv.Hex("AABB"))
	require.NoError(t, err)
	resp, err := s.Execute(ctx, upd)
	require.ErrorIs(t, err, ErrDataAccess)
	require.NotNil(t, resp)

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.True(t, e.CardRejected())
	assert.False(t, e.SessionLost())
	assert.Equal(t, PhaseOpen, s.Phase())
	assert.Equal(t, 430, s.BufferRemaining())

	read, err := ReadRecords(Rev3_1, 0x08, 1, 0)
	require.NoError(t, err)
	resp, err = s.Execute(ctx, read)
	require.NoError(t, err)
	records, err := ParseReadRecords(read, resp)
	require.NoError(t, err)
	assert.Equal(t, tlv.Hex("AABBCC"), records[1])

	_, err = s.Close(ctx, false)
	require.NoError(t, err)
	require.Len(t, sam.digests, 1)
	assert.Len(t, sam.digests[0].Frames, 4, "rejected and accepted exchanges are both digested")
}

func TestSession_TransportFailureDropsSession(t *testing.T) {
	t.Parallel()

	boom := errors.New("rf field lost")
	s, _ := newTestSession(t, newFakeSAM(),
		selectStep(0x22, 0x0A, "9000"),
		open31Step,
		reader.Exchange{Err: boom},
	)
	ctx := context.Background()
	_, err := s.Open(ctx)
	require.NoError(t, err)

	read, err := ReadRecord(Rev3_1, 0x07, 1, 0)
	require.NoError(t, err)
	_, err = s.Execute(ctx, read)
	require.ErrorIs(t, err, ErrTransportFailure)
	assert.ErrorIs(t, err, boom)
	assert.True(t, IsSessionLost(err))
	assert.Equal(t, PhaseClosed, s.Phase())
	assert.Equal(t, 0, s.BufferRemaining())

	_, err = s.Execute(ctx, read)
	assert.ErrorIs(t, err, ErrIllegalState)
}

func TestSession_RejectsSessionCommandsThroughExecute(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t, newFakeSAM(), selectStep(0x22, 0x0A, "9000"), open31Step)
	ctx := context.Background()
	_, err := s.Open(ctx)
	require.NoError(t, err)

	closeReq, err := CloseSession(Rev3_1, false, samChallenge)
	require.NoError(t, err)
	_, err = s.Execute(ctx, closeReq)
	assert.ErrorIs(t, err, ErrIllegalArgument)

	_, err = s.Execute(ctx, nil)
	assert.ErrorIs(t, err, ErrIllegalArgument)
	assert.Equal(t, PhaseOpen, s.Phase())
}

func TestSession_PreReadsMustBeReads(t *testing.T) {
	t.Parallel()

	s, script := newTestSession(t, newFakeSAM(),
		selectStep(0x22, 0x0A, "9000"),
		reader.Exchange{Command: tlv.Hex("00 B2 01 3C 00"), Response: tlv.Hex("0102 9000")},
		open31Step,
	)
	ctx := context.Background()

	upd, err := UpdateRecord(Rev3_1, 0x07, 1, tlv.Hex("AABB"))
	require.NoError(t, err)
	_, err = s.Open(ctx, upd)
	require.ErrorIs(t, err, ErrIllegalArgument)
	assert.Empty(t, script.Sent())

	read, err := ReadRecord(Rev3_1, 0x07, 1, 0)
	require.NoError(t, err)
	res, err := s.Open(ctx, read)
	require.NoError(t, err)
	require.Len(t, res.PreReads, 1)
	assert.Equal(t, tlv.Hex("0102"), res.PreReads[0].Data)
}

func TestSession_InvalidatedDF(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t, newFakeSAM(), selectStep(0x22, 0x0A, "6283"))
	_, err := s.Open(context.Background())
	require.ErrorIs(t, err, ErrIllegalState)
	assert.True(t, s.Card().Invalidated)
	assert.Equal(t, PhaseClosed, s.Phase())

	script := reader.NewScript("test", selectStep(0x22, 0x0A, "6283"), open31Step)
	allowed, err := NewSession(script, SessionConfig{
		AID:                tlv.Hex(calypsoAID),
		KeyIndex:           3,
		SAM:                newFakeSAM(),
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		AllowInvalidatedDF: true,
	})
	require.NoError(t, err)
	_, err = allowed.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseOpen, allowed.Phase())
}

func TestSession_OpenRejected(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t, newFakeSAM(),
		selectStep(0x22, 0x0A, "9000"),
		reader.Exchange{Command: open31Step.Command, Response: tlv.Hex("6985")},
	)
	_, err := s.Open(context.Background())
	require.ErrorIs(t, err, ErrSecurityContext)
	assert.Equal(t, PhaseClosed, s.Phase())

	sam := newFakeSAM()
	sam.challengeErr = errors.New("SAM removed")
	s, script := newTestSession(t, sam, selectStep(0x22, 0x0A, "9000"))
	_, err = s.Open(context.Background())
	require.ErrorIs(t, err, ErrSecurityContext)
	assert.Len(t, script.Sent(), 1, "no Open Session without a SAM challenge")
}

func TestSession_Abort(t *testing.T) {
	t.Parallel()

	s, script := newTestSession(t, newFakeSAM(),
		selectStep(0x22, 0x0A, "9000"),
		open31Step,
		reader.Exchange{Command: tlv.Hex("00 8E 00 00 00"), Response: tlv.Hex("9000")},
	)
	ctx := context.Background()
	_, err := s.Open(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Abort(ctx))
	assert.Equal(t, PhaseClosed, s.Phase())
	assert.Equal(t, 0, script.Remaining())
}

func TestSession_AbortTransportFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("card removed")
	s, _ := newTestSession(t, newFakeSAM(),
		selectStep(0x22, 0x0A, "9000"),
		open31Step,
		reader.Exchange{Err: boom},
	)
	ctx := context.Background()
	_, err := s.Open(ctx)
	require.NoError(t, err)

	err = s.Abort(ctx)
	require.ErrorIs(t, err, ErrTransportFailure)
	assert.ErrorIs(t, err, boom)
	assert.True(t, IsSessionLost(err))
	assert.Equal(t, PhaseClosed, s.Phase())
}

func TestSession_CardSignatureRejected(t *testing.T) {
	t.Parallel()

	sam := newFakeSAM()
	sam.cardSigErr = errors.New("signature mismatch")
	s, _ := newTestSession(t, sam, selectStep(0x22, 0x0A, "9000"), open31Step, close31Step)
	ctx := context.Background()
	_, err := s.Open(ctx)
	require.NoError(t, err)

	_, err = s.Close(ctx, false)
	require.ErrorIs(t, err, ErrSecurityData)
	assert.True(t, IsSessionLost(err))
	assert.Equal(t, PhaseClosed, s.Phase())
}

func TestSession_CloseRejectedByCard(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t, newFakeSAM(),
		selectStep(0x22, 0x0A, "9000"),
		open31Step,
		reader.Exchange{Command: close31Step.Command, Response: tlv.Hex("6988")},
	)
	ctx := context.Background()
	_, err := s.Open(ctx)
	require.NoError(t, err)

	_, err = s.Close(ctx, false)
	require.ErrorIs(t, err, ErrSecurityData)
	assert.True(t, IsSessionLost(err))
	assert.Equal(t, PhaseClosed, s.Phase())
}

var svDebitGetStep = reader.Exchange{
	Command: tlv.Hex("00 7C 00 09 00"),
	Response: tlv.Hex("A1A2 7E 0005 B1B2B3 000064",
		"FF9C 1234 5678 7E 11223344 000010 000064 0004 9000"),
}

func TestSession_SvDebit(t *testing.T) {
	t.Parallel()

	sam := newFakeSAM()
	s, script := newTestSession(t, sam,
		selectStep(0x22, 0x0A, "9000"),
		open31Step,
		svDebitGetStep,
		reader.Exchange{
			Command:  tlv.Hex("00 BA AA BB 14 0000 1234 5678 7E 11223344 556677 C1C2C3C4C5C6"),
			Response: tlv.Hex("9000"),
		},
		reader.Exchange{Command: close31Step.Command, Response: tlv.Hex("03 D1D2D3 11223344 9000")},
	)
	ctx := context.Background()
	_, err := s.Open(ctx)
	require.NoError(t, err)

	_, err = s.SvDebit(ctx, 0, testDate, testTime)
	require.ErrorIs(t, err, ErrIllegalState, "debit before SV Get")

	get, err := s.SvGet(ctx, SvDebit)
	require.NoError(t, err)
	assert.Equal(t, 100, get.Balance)
	assert.Equal(t, 430, s.BufferRemaining(), "SV Get is not a write")

	_, err = s.SvDebit(ctx, 0, testDate, testTime)
	require.NoError(t, err)
	assert.True(t, s.SV().Performed())
	assert.Equal(t, 430-26, s.BufferRemaining())

	require.Len(t, sam.svRequests, 1)
	assert.Equal(t, CmdSvDebit, sam.svRequests[0].Command)
	assert.Same(t, get, sam.svRequests[0].Get)
	assert.Equal(t, tlv.Hex("00 BA 00 00 14 0000 1234 5678 7E"), sam.svRequests[0].PartialAPDU)

	_, err = s.SvDebit(ctx, 0, testDate, testTime)
	require.ErrorIs(t, err, ErrIllegalState, "second debit on the same Get")

	data, err := s.Close(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{tlv.Hex("D1D2D3")}, data.PostponedData)
	assert.Equal(t, tlv.Hex("D1D2D3"), sam.svSignature)
	assert.Equal(t, tlv.Hex("11223344"), sam.cardSignature)
	assert.False(t, s.SV().Performed())
	assert.Equal(t, 0, script.Remaining())
}

func TestSession_SvSignatureMissing(t *testing.T) {
	t.Parallel()

	sam := newFakeSAM()
	s, _ := newTestSession(t, sam,
		selectStep(0x22, 0x0A, "9000"),
		open31Step,
		svDebitGetStep,
		reader.Exchange{Response: tlv.Hex("9000")},
		close31Step,
	)
	ctx := context.Background()
	_, err := s.Open(ctx)
	require.NoError(t, err)
	_, err = s.SvGet(ctx, SvDebit)
	require.NoError(t, err)
	_, err = s.SvDebit(ctx, 10, testDate, testTime)
	require.NoError(t, err)

	_, err = s.Close(ctx, false)
	require.ErrorIs(t, err, ErrSecurityData)
	assert.Equal(t, PhaseClosed, s.Phase())
	assert.Nil(t, sam.svSignature)
}

func TestSession_SvDebitRejectedIsNotPerformed(t *testing.T) {
	t.Parallel()

	sam := newFakeSAM()
	s, _ := newTestSession(t, sam,
		selectStep(0x22, 0x0A, "9000"),
		open31Step,
		svDebitGetStep,
		reader.Exchange{Response: tlv.Hex("6988")},
		close31Step,
	)
	ctx := context.Background()
	_, err := s.Open(ctx)
	require.NoError(t, err)
	_, err = s.SvGet(ctx, SvDebit)
	require.NoError(t, err)

	_, err = s.SvDebit(ctx, 10, testDate, testTime)
	require.ErrorIs(t, err, ErrSecurityData)
	assert.False(t, s.SV().Performed())
	assert.Equal(t, PhaseOpen, s.Phase())

	_, err = s.Close(ctx, false)
	require.NoError(t, err, "no SV signature expected")
}

func TestSession_SvOperationNeedsFinalizedRequest(t *testing.T) {
	t.Parallel()

	s, script := newTestSession(t, newFakeSAM(), selectStep(0x22, 0x0A, "9000"), open31Step)
	ctx := context.Background()
	_, err := s.Open(ctx)
	require.NoError(t, err)

	for _, cmd := range []Command{CmdSvDebit, CmdSvUndebit, CmdSvReload} {
		req, err := Build(cmd, Rev3_1, 0x00, 0x00, make([]byte, 20), NoLe)
		require.NoError(t, err)

		_, err = s.Execute(ctx, req)
		assert.ErrorIs(t, err, ErrIllegalState, cmd.String())
	}
	assert.Len(t, script.Sent(), 2)
	assert.False(t, s.SV().Performed())
	assert.Equal(t, 430, s.BufferRemaining())
	assert.Equal(t, PhaseOpen, s.Phase())
}

func TestSession_FailedSvGetDisarmsOperation(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t, newFakeSAM(),
		selectStep(0x22, 0x0A, "9000"),
		open31Step,
		reader.Exchange{Command: svDebitGetStep.Command, Response: tlv.Hex("6985")},
		reader.Exchange{Command: svDebitGetStep.Command, Response: tlv.Hex("6985")},
	)
	ctx := context.Background()
	_, err := s.Open(ctx)
	require.NoError(t, err)

	get, err := s.SV().PrepareGet(SvDebit)
	require.NoError(t, err)
	require.Equal(t, SvDebit, s.SV().Intent())

	_, err = s.Execute(ctx, get)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.CardRejected())
	assert.Equal(t, SvNone, s.SV().Intent())

	_, err = s.SV().PrepareDebit(10, 0x7E, testDate, testTime)
	assert.ErrorIs(t, err, ErrIllegalState)

	_, err = s.SvGet(ctx, SvDebit)
	require.Error(t, err)
	assert.Equal(t, SvNone, s.SV().Intent())

	_, err = s.SvDebit(ctx, 10, testDate, testTime)
	assert.ErrorIs(t, err, ErrIllegalState)
	assert.Equal(t, PhaseOpen, s.Phase())
}
