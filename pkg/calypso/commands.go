package calypso

import (
	"github.com/gregLibert/calypso/pkg/bits"
	"github.com/gregLibert/calypso/pkg/iso7816"
)

const (
	maxSFI        = 0x1E
	maxRecord     = 250
	challengeLen  = 4
	counterMax    = 0xFFFFFF
	legacyRecord  = 29 // record bytes returned by a legacy Open Session
	minAIDLength  = 5
	maxAIDLength  = 16
	getChallengeN = 0x08
)

func checkSFI(cmd Command, sfi byte) error {
	if sfi > maxSFI {
		return commandErrorf(IllegalArgument, "build", cmd, "SFI %02X out of range 00..%02X", sfi, maxSFI)
	}
	return nil
}

func checkRecord(cmd Command, rec int) error {
	if rec < 1 || rec > maxRecord {
		return commandErrorf(IllegalArgument, "build", cmd, "record number %d out of range 1..%d", rec, maxRecord)
	}
	return nil
}

// SelectApplication selects a Calypso DF by name. The revision is not known
// yet, so the ISO class is used.
func SelectApplication(aid []byte, next bool) (*Request, error) {
	if len(aid) < minAIDLength || len(aid) > maxAIDLength {
		return nil, commandErrorf(IllegalArgument, "build", CmdSelectApplication, "AID length %d out of range %d..%d", len(aid), minAIDLength, maxAIDLength)
	}
	occurrence := iso7816.FirstOrOnlyOccurrence
	if next {
		occurrence = iso7816.NextOccurrence
	}
	return &Request{
		Command: CmdSelectApplication,
		APDU:    iso7816.SelectApplication(iso7816.MustClass(0x00), append([]byte(nil), aid...), occurrence),
	}, nil
}

// SelectFile selects an EF or DF by its two byte LID.
func SelectFile(rev Revision, lid uint16) (*Request, error) {
	id := []byte{byte(lid >> 8), byte(lid)}
	if rev.IsRev3() {
		return Build(CmdSelectFile, rev, byte(iso7816.SelectPathFromCurrentDF), 0x00, id, 0x00)
	}
	return Build(CmdSelectFile, rev, byte(iso7816.SelectPathFromMF), 0x00, append([]byte{0x3F, 0x00}, id...), 0x00)
}

// GetDataFCI requests the FCI of the current DF.
func GetDataFCI(rev Revision) (*Request, error) {
	return Build(CmdGetDataFCI, rev, 0x00, 0x6F, nil, 0x00)
}

// GetChallenge requests an 8 byte card challenge.
func GetChallenge(rev Revision) (*Request, error) {
	return Build(CmdGetChallenge, rev, 0x00, 0x00, nil, getChallengeN)
}

// ReadRecord reads one record; le 0 reads it whole.
func ReadRecord(rev Revision, sfi byte, rec int, le int) (*Request, error) {
	if err := checkSFI(CmdReadRecord, sfi); err != nil {
		return nil, err
	}
	if err := checkRecord(CmdReadRecord, rec); err != nil {
		return nil, err
	}
	return Build(CmdReadRecord, rev, byte(rec), iso7816.RecordP2(sfi, iso7816.RecordByNumber), nil, le)
}

// ReadRecords reads the records of sfi starting from first; le 0 reads up to
// the end of the file or of the response buffer.
func ReadRecords(rev Revision, sfi byte, first int, le int) (*Request, error) {
	if err := checkSFI(CmdReadRecords, sfi); err != nil {
		return nil, err
	}
	if err := checkRecord(CmdReadRecords, first); err != nil {
		return nil, err
	}
	return Build(CmdReadRecords, rev, byte(first), iso7816.RecordP2(sfi, iso7816.RecordsFromNumber), nil, le)
}

// ParseReadRecords maps record numbers to record contents. A single record
// read returns its data as is; a multiple read returns (number, length, data)
// triplets.
func ParseReadRecords(req *Request, resp *Response) (map[int][]byte, error) {
	out := make(map[int][]byte)
	if _, mode := iso7816.SplitP2(req.APDU.P2); mode != iso7816.RecordsFromNumber {
		out[int(req.APDU.P1)] = resp.Data
		return out, nil
	}

	data := resp.Data
	for i := 0; i < len(data); {
		if i+2 > len(data) {
			return nil, commandErrorf(DataAccess, "parse", req.Command, "truncated record header at offset %d", i)
		}
		num, n := int(data[i]), int(data[i+1])
		if i+2+n > len(data) {
			return nil, commandErrorf(DataAccess, "parse", req.Command, "record %d truncated", num)
		}
		out[num] = data[i+2 : i+2+n]
		i += 2 + n
	}
	return out, nil
}

func checkRecordData(cmd Command, data []byte) error {
	if len(data) == 0 {
		return commandErrorf(IllegalArgument, "build", cmd, "empty record data")
	}
	return nil
}

// UpdateRecord replaces the content of record rec.
func UpdateRecord(rev Revision, sfi byte, rec int, data []byte) (*Request, error) {
	if err := checkSFI(CmdUpdateRecord, sfi); err != nil {
		return nil, err
	}
	if err := checkRecord(CmdUpdateRecord, rec); err != nil {
		return nil, err
	}
	if err := checkRecordData(CmdUpdateRecord, data); err != nil {
		return nil, err
	}
	return Build(CmdUpdateRecord, rev, byte(rec), iso7816.RecordP2(sfi, iso7816.RecordByNumber), data, NoLe)
}

// WriteRecord ORs data into record rec.
func WriteRecord(rev Revision, sfi byte, rec int, data []byte) (*Request, error) {
	if err := checkSFI(CmdWriteRecord, sfi); err != nil {
		return nil, err
	}
	if err := checkRecord(CmdWriteRecord, rec); err != nil {
		return nil, err
	}
	if err := checkRecordData(CmdWriteRecord, data); err != nil {
		return nil, err
	}
	return Build(CmdWriteRecord, rev, byte(rec), iso7816.RecordP2(sfi, iso7816.RecordByNumber), data, NoLe)
}

// AppendRecord adds a record at the head of a cyclic file.
func AppendRecord(rev Revision, sfi byte, data []byte) (*Request, error) {
	if err := checkSFI(CmdAppendRecord, sfi); err != nil {
		return nil, err
	}
	if err := checkRecordData(CmdAppendRecord, data); err != nil {
		return nil, err
	}
	return Build(CmdAppendRecord, rev, 0x00, sfi<<3, data, NoLe)
}

func counterCommand(cmd Command, rev Revision, sfi byte, counter int, value int) (*Request, error) {
	if err := checkSFI(cmd, sfi); err != nil {
		return nil, err
	}
	if counter < 1 || counter > 0xFF {
		return nil, commandErrorf(IllegalArgument, "build", cmd, "counter number %d out of range", counter)
	}
	if value < 0 || value > counterMax {
		return nil, commandErrorf(IllegalArgument, "build", cmd, "value %d out of range 0..%d", value, counterMax)
	}
	data := make([]byte, 3)
	bits.PutInt24(data, value)
	return Build(cmd, rev, byte(counter), sfi<<3, data, 0x00)
}

// Increase adds value to a counter.
func Increase(rev Revision, sfi byte, counter int, value int) (*Request, error) {
	return counterCommand(CmdIncrease, rev, sfi, counter, value)
}

// Decrease subtracts value from a counter.
func Decrease(rev Revision, sfi byte, counter int, value int) (*Request, error) {
	return counterCommand(CmdDecrease, rev, sfi, counter, value)
}

// ParseCounterValue returns the new counter value of an Increase/Decrease reply.
func ParseCounterValue(resp *Response) (int, error) {
	if len(resp.Data) != 3 {
		return 0, commandErrorf(DataAccess, "parse", resp.Command, "counter value length %d, want 3", len(resp.Data))
	}
	return bits.Uint24(resp.Data), nil
}

// Invalidate invalidates the current DF.
func Invalidate(rev Revision) (*Request, error) {
	return Build(CmdInvalidate, rev, 0x00, 0x00, nil, NoLe)
}

// Rehabilitate restores an invalidated DF.
func Rehabilitate(rev Revision) (*Request, error) {
	return Build(CmdRehabilitate, rev, 0x00, 0x00, nil, NoLe)
}

// OpenSession builds the Open Secure Session variant of rev. keyIndex selects
// the session key (1 issuer, 2 load, 3 debit); sfi/rec name a record read at
// opening, rec 0 reads nothing.
func OpenSession(rev Revision, keyIndex int, challenge []byte, sfi byte, rec int) (*Request, error) {
	cmd := OpenSessionCommandFor(rev)
	if keyIndex < 1 || keyIndex > 3 {
		return nil, commandErrorf(IllegalArgument, "build", cmd, "key index %d out of range 1..3", keyIndex)
	}
	if len(challenge) != challengeLen {
		return nil, commandErrorf(IllegalArgument, "build", cmd, "SAM challenge length %d, want %d", len(challenge), challengeLen)
	}
	if err := checkSFI(cmd, sfi); err != nil {
		return nil, err
	}
	if rec < 0 || rec > 0x1F {
		return nil, commandErrorf(IllegalArgument, "build", cmd, "record number %d out of range 0..31", rec)
	}

	p1 := byte(rec)<<3 | byte(keyIndex)
	p2 := sfi << 3
	data := challenge

	switch rev {
	case Rev2_4:
		p1 = bits.Set(p1, 8)
	case Rev3_1, Rev3_1_CLAP:
		p2 |= 0x01
	case Rev3_2:
		p2 |= 0x02
		data = append([]byte{0x00}, challenge...)
	}

	return Build(cmd, rev, p1, p2, data, 0x00)
}

// OpenSessionData is the parsed reply to Open Secure Session.
type OpenSessionData struct {
	// CardChallenge is the transaction counter followed by the random part.
	CardChallenge      []byte
	TransactionCounter int
	Ratified           bool
	KIF                byte
	KVC                byte
	HasKIF             bool
	HasKVC             bool
	RecordData         []byte

	// ManageSecureSessionAuthorized is only reported by Rev3.2 cards.
	ManageSecureSessionAuthorized bool

	// Raw is the full reply payload, the starting point of the session digest.
	Raw []byte
}

// ParseOpenSession decodes the reply of the Open Secure Session variant of rev.
func ParseOpenSession(rev Revision, data []byte) (*OpenSessionData, error) {
	cmd := OpenSessionCommandFor(rev)
	malformed := func() error {
		return commandErrorf(DataAccess, "parse", cmd, "unexpected reply length %d for %s", len(data), rev)
	}

	out := &OpenSessionData{Raw: append([]byte(nil), data...)}

	switch rev {
	case Rev1_0, Rev2_4:
		off := 0
		if rev == Rev2_4 {
			off = 1
		}
		if len(data) < off+4 {
			return nil, malformed()
		}
		if off == 1 {
			out.KVC, out.HasKVC = data[0], true
		}
		switch len(data) - off {
		case 4:
			out.Ratified = true
		case 4 + legacyRecord:
			out.Ratified = true
			out.RecordData = data[off+4:]
		case 6:
		case 6 + legacyRecord:
			out.RecordData = data[off+6:]
		default:
			return nil, malformed()
		}
		out.CardChallenge = data[off : off+4]

	case Rev3_1, Rev3_1_CLAP, Rev3_2:
		random, flags := 1, 4
		if rev == Rev3_2 {
			random, flags = 5, 8
		}
		if len(data) < flags+4 {
			return nil, malformed()
		}
		n := int(data[flags+3])
		if len(data) != flags+4+n {
			return nil, malformed()
		}
		out.CardChallenge = data[:3+random]
		if rev == Rev3_2 {
			out.Ratified = data[flags]&0x01 == 0
			out.ManageSecureSessionAuthorized = data[flags]&0x02 != 0
		} else {
			out.Ratified = data[flags] == 0x00
		}
		out.KIF, out.KVC = data[flags+1], data[flags+2]
		out.HasKIF, out.HasKVC = true, true
		if n > 0 {
			out.RecordData = data[flags+4:]
		}

	default:
		return nil, commandErrorf(IllegalArgument, "parse", cmd, "unsupported card revision %s", rev)
	}

	out.TransactionCounter = bits.Uint24(out.CardChallenge[:3])
	return out, nil
}

// CloseSession builds Close Secure Session carrying the terminal half
// signature. ratify=false sets P1 bit 8: the session is ratified at once.
func CloseSession(rev Revision, ratify bool, signature []byte) (*Request, error) {
	if len(signature) != rev.SignatureLen() {
		return nil, commandErrorf(IllegalArgument, "build", CmdCloseSession, "terminal signature length %d, want %d for %s", len(signature), rev.SignatureLen(), rev)
	}
	p1 := bits.SetIf(0x00, 8, !ratify)
	return Build(CmdCloseSession, rev, p1, 0x00, signature, NoLe)
}

// AbortSession cancels the current session without signature.
func AbortSession(rev Revision) (*Request, error) {
	return Build(CmdAbortSession, rev, 0x00, 0x00, nil, 0x00)
}

// Ratification is the frame sent after a Close asking for ratification.
func Ratification(rev Revision) (*Request, error) {
	return Build(CmdRatification, rev, 0x00, 0x00, nil, 0x00)
}

// CloseSessionData is the parsed reply to Close Secure Session.
type CloseSessionData struct {
	// PostponedData holds the blocks whose delivery was deferred to the
	// close (SV signature, counter values, ...).
	PostponedData [][]byte
	Signature     []byte
}

// ParseCloseSession splits the reply into postponed data blocks and the card
// half signature (the last SignatureLen bytes).
func ParseCloseSession(rev Revision, data []byte) (*CloseSessionData, error) {
	sigLen := rev.SignatureLen()
	if len(data) < sigLen {
		return nil, commandErrorf(DataAccess, "parse", CmdCloseSession, "reply length %d shorter than signature (%d)", len(data), sigLen)
	}

	out := &CloseSessionData{Signature: data[len(data)-sigLen:]}
	postponed := data[:len(data)-sigLen]
	for i := 0; i < len(postponed); {
		n := int(postponed[i])
		if n == 0 || i+1+n > len(postponed) {
			return nil, commandErrorf(DataAccess, "parse", CmdCloseSession, "malformed postponed data at offset %d", i)
		}
		out.PostponedData = append(out.PostponedData, postponed[i+1:i+1+n])
		i += 1 + n
	}
	return out, nil
}

// isSvPostponed tells whether a postponed block has the length of an SV
// signature for rev.
func isSvPostponed(rev Revision, block []byte) bool {
	want := 3
	if rev == Rev3_2 {
		want = 6
	}
	return len(block) == want
}
