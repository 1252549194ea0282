package calypso

import (
	"fmt"

	"github.com/gregLibert/calypso/pkg/bits"
)

// STORED VALUE FLOW:
//
//	SV Get (Reload|Debit)  ->  Prepare{Reload|Debit|Undebit}  ->  SAM complement  ->  Finalize
//
// Each Get enables exactly one following SV operation of matching intent:
// Get(Reload) enables Reload, Get(Debit) enables Debit or Undebit. The
// prepared command holds the locally known bytes; the SAM complement supplies
// its identifier, transaction number and signature.

// SvOperation is the intent announced by an SV Get.
type SvOperation int

const (
	SvNone SvOperation = iota
	SvReload
	SvDebit
)

func (o SvOperation) String() string {
	switch o {
	case SvReload:
		return "Reload"
	case SvDebit:
		return "Debit"
	default:
		return "None"
	}
}

const (
	svReloadLocal  = 18
	svDebitLocal   = 15
	svDebitMax     = 32767
	svReloadMin    = -8388608
	svReloadMax    = 8388607
	svGetP2Reload  = 0x07
	svGetP2Debit   = 0x09
	svLoadLogLen   = 22
	svDebitLogLen  = 19
	svGetReloadLen = 0x21
	svGetDebitLen  = 0x1E
	svGetExtLen    = 0x3D
)

// SvState enforces the SV ordering contract for one session.
// It is not safe for concurrent use.
type SvState struct {
	rev       Revision
	intent    SvOperation
	performed bool
}

// NewSvState returns the SV state of a session with a card of revision rev.
func NewSvState(rev Revision) *SvState {
	return &SvState{rev: rev}
}

// Reset forgets any pending Get; called when the session closes.
func (s *SvState) Reset() {
	s.intent = SvNone
	s.performed = false
}

// Intent returns the operation enabled by the last Get, SvNone if consumed.
func (s *SvState) Intent() SvOperation {
	return s.intent
}

// Performed reports whether an SV operation was accepted by the card since
// the last Reset.
func (s *SvState) Performed() bool {
	return s.performed
}

// Ready reports whether cmd may be prepared now.
func (s *SvState) Ready(cmd Command) bool {
	switch cmd {
	case CmdSvReload:
		return s.intent == SvReload
	case CmdSvDebit, CmdSvUndebit:
		return s.intent == SvDebit
	default:
		return false
	}
}

// PrepareGet builds SV Get for op and records the intent.
func (s *SvState) PrepareGet(op SvOperation) (*Request, error) {
	var p2 byte
	switch op {
	case SvReload:
		p2 = svGetP2Reload
	case SvDebit:
		p2 = svGetP2Debit
	default:
		return nil, commandErrorf(IllegalArgument, "build", CmdSvGet, "invalid SV operation %s", op)
	}

	var p1 byte
	if s.rev == Rev3_2 {
		p1 = 0x01
	}

	req, err := Build(CmdSvGet, s.rev, p1, p2, nil, 0x00)
	if err != nil {
		return nil, err
	}
	s.intent = op
	return req, nil
}

func (s *SvState) consume(cmd Command) error {
	if !s.Ready(cmd) {
		want := SvDebit
		if cmd == CmdSvReload {
			want = SvReload
		}
		return commandErrorf(IllegalState, "build", cmd, "requires a preceding SV Get (%s), last Get: %s", want, s.intent)
	}
	return nil
}

func (s *SvState) commit() {
	s.intent = SvNone
}

// PrepareReload assembles the local part of SV Reload. amount is signed.
func (s *SvState) PrepareReload(amount int, kvc byte, date, time uint16, free [2]byte) (*SvPrepared, error) {
	if err := s.consume(CmdSvReload); err != nil {
		return nil, err
	}
	if amount < svReloadMin || amount > svReloadMax {
		return nil, commandErrorf(IllegalArgument, "build", CmdSvReload, "amount %d out of range %d..%d", amount, svReloadMin, svReloadMax)
	}

	data := make([]byte, svReloadLocal+s.rev.SvComplementLen()-10)
	putUint16(data[0:2], date)
	data[2] = free[0]
	data[3] = kvc
	data[4] = free[1]
	bits.PutInt24(data[5:8], amount)
	putUint16(data[8:10], time)

	s.commit()
	return &SvPrepared{rev: s.rev, cmd: CmdSvReload, data: data, local: 10}, nil
}

// PrepareDebit assembles the local part of SV Debit. amount is the positive
// value to debit and is encoded negated.
func (s *SvState) PrepareDebit(amount int, kvc byte, date, time uint16) (*SvPrepared, error) {
	return s.prepareDebit(CmdSvDebit, amount, kvc, date, time)
}

// PrepareUndebit assembles the local part of SV Undebit, cancelling a debit.
func (s *SvState) PrepareUndebit(amount int, kvc byte, date, time uint16) (*SvPrepared, error) {
	return s.prepareDebit(CmdSvUndebit, amount, kvc, date, time)
}

func (s *SvState) prepareDebit(cmd Command, amount int, kvc byte, date, time uint16) (*SvPrepared, error) {
	if err := s.consume(cmd); err != nil {
		return nil, err
	}
	if amount < 0 || amount > svDebitMax {
		return nil, commandErrorf(IllegalArgument, "build", cmd, "amount %d out of range 0..%d", amount, svDebitMax)
	}

	signed := amount
	if cmd == CmdSvDebit {
		signed = -amount
	}

	data := make([]byte, svDebitLocal+s.rev.SvComplementLen()-10)
	bits.PutInt16(data[0:2], signed)
	putUint16(data[2:4], date)
	putUint16(data[4:6], time)
	data[6] = kvc

	s.commit()
	return &SvPrepared{rev: s.rev, cmd: cmd, data: data, local: 7}, nil
}

// SvPrepared is an SV Reload/Debit/Undebit waiting for its SAM complement.
// It can be finalized once.
type SvPrepared struct {
	rev      Revision
	cmd      Command
	data     []byte
	local    int
	consumed bool
}

func (p *SvPrepared) Command() Command { return p.cmd }

// Local returns the bytes known before the SAM complement.
func (p *SvPrepared) Local() []byte {
	return append([]byte(nil), p.data[:p.local]...)
}

// PartialAPDU is the command as the SAM sees it when computing the
// complement: header with zero P1/P2, Lc and the local data.
func (p *SvPrepared) PartialAPDU() []byte {
	out := []byte{p.rev.ClassByte(), byte(Lookup(p.cmd).Ins), 0x00, 0x00, byte(len(p.data))}
	return append(out, p.data[:p.local]...)
}

// Finalized reports whether Finalize already succeeded.
func (p *SvPrepared) Finalized() bool { return p.consumed }

// Finalize splices the SAM complement into the command and returns the
// sendable request. The complement is 15 bytes (20 on Rev3.2):
//
//	[0..4) SAM id | [4..6) P1 P2 | [6..9) SAM transaction number | [9..) signatureHi
func (p *SvPrepared) Finalize(complement []byte) (*Request, error) {
	if p.consumed {
		return nil, commandErrorf(IllegalState, "finalize", p.cmd, "already finalized")
	}
	if want := p.rev.SvComplementLen(); len(complement) != want {
		return nil, commandErrorf(IllegalArgument, "finalize", p.cmd, "complement length %d, want %d for %s", len(complement), want, p.rev)
	}

	data := append([]byte(nil), p.data...)
	off := p.local
	copy(data[off:off+4], complement[0:4])
	copy(data[off+4:off+7], complement[6:9])
	copy(data[off+7:], complement[9:])

	req, err := Build(p.cmd, p.rev, complement[4], complement[5], data, NoLe)
	if err != nil {
		return nil, err
	}
	p.consumed = true
	req.svFinalized = true
	return req, nil
}

// SvLoadLog is the last reload record returned by SV Get.
type SvLoadLog struct {
	Date    uint16
	Free    [2]byte
	KVC     byte
	Balance int
	Amount  int
	Time    uint16
	SamID   []byte
	SamTNum int
	SvTNum  int
}

// SvDebitLog is the last debit record returned by SV Get.
type SvDebitLog struct {
	Amount  int
	Date    uint16
	Time    uint16
	KVC     byte
	SamID   []byte
	SamTNum int
	Balance int
	SvTNum  int
}

// SvGetData is the parsed reply to SV Get.
type SvGetData struct {
	Operation      SvOperation
	ChallengeOut   []byte
	KVC            byte
	TNum           int
	PrevSignatureL []byte
	Balance        int
	LoadLog        *SvLoadLog
	DebitLog       *SvDebitLog

	// Header is the SV Get request (CLA INS P1 P2 Le) and Raw the reply
	// payload; both are input to the SAM complement computation.
	Header []byte
	Raw    []byte
}

func parseLoadLog(b []byte) *SvLoadLog {
	return &SvLoadLog{
		Date:    getUint16(b[0:2]),
		Free:    [2]byte{b[2], b[4]},
		KVC:     b[3],
		Balance: bits.Int24(b[5:8]),
		Amount:  bits.Int24(b[8:11]),
		Time:    getUint16(b[11:13]),
		SamID:   b[13:17],
		SamTNum: bits.Uint24(b[17:20]),
		SvTNum:  int(getUint16(b[20:22])),
	}
}

func parseDebitLog(b []byte) *SvDebitLog {
	return &SvDebitLog{
		Amount:  bits.Int16(b[0:2]),
		Date:    getUint16(b[2:4]),
		Time:    getUint16(b[4:6]),
		KVC:     b[6],
		SamID:   b[7:11],
		SamTNum: bits.Uint24(b[11:14]),
		Balance: bits.Int24(b[14:17]),
		SvTNum:  int(getUint16(b[17:19])),
	}
}

// ParseSvGet decodes the reply to the SV Get req.
func ParseSvGet(req *Request, resp *Response) (*SvGetData, error) {
	header, err := req.Bytes()
	if err != nil {
		return nil, &Error{Kind: IllegalArgument, Op: "parse", Command: CmdSvGet, HasCommand: true, Cause: err}
	}

	op := SvDebit
	if req.APDU.P2 == svGetP2Reload {
		op = SvReload
	}

	d := resp.Data
	out := &SvGetData{Operation: op, Header: header, Raw: append([]byte(nil), d...)}

	var chal, sig int
	switch len(d) {
	case svGetReloadLen, svGetDebitLen:
		chal, sig = 2, 3
	case svGetExtLen:
		chal, sig = 8, 6
	default:
		return nil, commandErrorf(DataAccess, "parse", CmdSvGet, "unexpected reply length %d", len(d))
	}

	i := 0
	out.ChallengeOut = d[i : i+chal]
	i += chal
	out.KVC = d[i]
	i++
	out.TNum = int(getUint16(d[i : i+2]))
	i += 2
	out.PrevSignatureL = d[i : i+sig]
	i += sig
	out.Balance = bits.Int24(d[i : i+3])
	i += 3

	switch len(d) {
	case svGetReloadLen:
		out.LoadLog = parseLoadLog(d[i : i+svLoadLogLen])
	case svGetDebitLen:
		out.DebitLog = parseDebitLog(d[i : i+svDebitLogLen])
	default:
		out.LoadLog = parseLoadLog(d[i : i+svLoadLogLen])
		out.DebitLog = parseDebitLog(d[i+svLoadLogLen : i+svLoadLogLen+svDebitLogLen])
	}
	return out, nil
}

func (g *SvGetData) String() string {
	return fmt.Sprintf("SV %s: balance %d, TNum %d, KVC %02X", g.Operation, g.Balance, g.TNum, g.KVC)
}

func putUint16(dst []byte, v uint16) {
	dst[0] = byte(v >> 8)
	dst[1] = byte(v)
}

func getUint16(src []byte) uint16 {
	return uint16(src[0])<<8 | uint16(src[1])
}
