package calypso

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/gregLibert/calypso/pkg/iso7816"
)

// SECURE SESSION:
//
//	closed --open--> open --close|abort--> closed
//
// Between Open and Close every exchanged frame feeds the session digest that
// the SAM signs at Close. Write commands consume the card modification buffer,
// which is checked locally before any frame is sent. A transport failure
// inside the session drops it to closed without sending Close.

// Phase is the state of a Session.
type Phase string

const (
	PhaseClosed Phase = "closed"
	PhaseOpen   Phase = "open"
)

const (
	eventOpen  = "open"
	eventClose = "close"
	eventAbort = "abort"
)

// bufferOverhead is added to Lc to get the buffer cost of a write command on
// cards counting the buffer in bytes.
const bufferOverhead = 6

// SAM is the secure module collaborator computing the session cryptography.
type SAM interface {
	// GetChallenge returns the 4 byte terminal challenge sent in Open Session.
	GetChallenge(ctx context.Context) ([]byte, error)

	// ComputeTerminalSignature returns the terminal half signature
	// (Revision.SignatureLen bytes) over the session digest.
	ComputeTerminalSignature(ctx context.Context, digest *Digest) ([]byte, error)

	// AuthenticateCardSignature checks the card half signature received at
	// Close. A mismatch is returned as an error.
	AuthenticateCardSignature(ctx context.Context, signature []byte) error

	// ComputeSvComplement returns the complement finalizing an SV command
	// (Revision.SvComplementLen bytes).
	ComputeSvComplement(ctx context.Context, req *SvComplementRequest) ([]byte, error)

	// CheckSvSignature checks the SV signature postponed to Close.
	CheckSvSignature(ctx context.Context, signature []byte) error
}

// Digest is the material of the session signature: the Open Session reply
// followed by every in-session request and response.
type Digest struct {
	Revision Revision
	KIF      byte
	KVC      byte
	OpenData []byte
	Frames   [][]byte
}

// SvComplementRequest carries what the SAM needs to compute an SV complement.
type SvComplementRequest struct {
	Command     Command
	Get         *SvGetData
	PartialAPDU []byte
}

// defaultKIF is used on cards that do not report a KIF (Rev1.0/2.4),
// indexed by session key index.
var defaultKIF = [4]byte{0x00, 0x21, 0x27, 0x30}

// SessionConfig configures a Session.
type SessionConfig struct {
	// AID of the Calypso application. Empty means the application is
	// already selected and Get Data FCI is used instead.
	AID []byte

	// Revision forces the card revision; RevUnknown derives it from the FCI.
	Revision Revision

	// KeyIndex selects the session key: 1 issuer, 2 load, 3 debit.
	KeyIndex int

	// OpenSFI and OpenRecord name a record read by Open Session, 0 for none.
	OpenSFI    byte
	OpenRecord int

	SAM    SAM
	Logger *slog.Logger

	// AllowInvalidatedDF lets a session open on a DF reported invalidated.
	AllowInvalidatedDF bool

	// ModificationsBufferOverride replaces the buffer size declared by the
	// card when positive.
	ModificationsBufferOverride int
}

// Validate checks the configuration.
func (c *SessionConfig) Validate() error {
	switch {
	case c.SAM == nil:
		return errorf(IllegalArgument, "config", "SAM is required")
	case c.KeyIndex < 1 || c.KeyIndex > 3:
		return errorf(IllegalArgument, "config", "key index %d out of range 1..3", c.KeyIndex)
	case len(c.AID) == 0 && !c.Revision.Valid():
		return errorf(IllegalArgument, "config", "a revision is required when no AID is configured")
	case c.Revision != RevUnknown && !c.Revision.Valid():
		return errorf(IllegalArgument, "config", "unsupported revision %s", c.Revision)
	case c.ModificationsBufferOverride < 0:
		return errorf(IllegalArgument, "config", "negative buffer override")
	}
	return nil
}

// OpenResult is returned by a successful Open.
type OpenResult struct {
	Card     *CardInfo
	Session  *OpenSessionData
	PreReads []*Response
}

// Session drives one card through secure sessions. It is bound to a single
// reader and is not safe for concurrent use.
type Session struct {
	id     string
	client *iso7816.Client
	cfg    SessionConfig
	log    *slog.Logger
	phase  *fsm.FSM

	card *CardInfo
	rev  Revision

	open            *OpenSessionData
	bufferSize      int
	bufferRemaining int
	bufferInBytes   bool
	digest          *Digest

	sv    *SvState
	svGet *SvGetData

	trace  iso7816.Trace
	labels map[*iso7816.CommandAPDU]string
}

// NewSession binds a session to a card reader.
func NewSession(card iso7816.Transceiver, cfg SessionConfig) (*Session, error) {
	if card == nil {
		return nil, errorf(IllegalArgument, "config", "card reader is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		id:     uuid.NewString(),
		client: iso7816.NewClient(card),
		cfg:    cfg,
		rev:    cfg.Revision,
		labels: make(map[*iso7816.CommandAPDU]string),
	}
	s.log = logger.With(slog.String("session", s.id))
	s.sv = NewSvState(cfg.Revision)
	s.phase = fsm.NewFSM(
		string(PhaseClosed),
		fsm.Events{
			{Name: eventOpen, Src: []string{string(PhaseClosed)}, Dst: string(PhaseOpen)},
			{Name: eventClose, Src: []string{string(PhaseOpen)}, Dst: string(PhaseClosed)},
			{Name: eventAbort, Src: []string{string(PhaseOpen)}, Dst: string(PhaseClosed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.Info("session phase", slog.String("event", e.Event), slog.String("from", e.Src), slog.String("to", e.Dst))
			},
		},
	)
	return s, nil
}

// ID is the correlation id used in logs.
func (s *Session) ID() string { return s.id }

// Phase returns the current phase.
func (s *Session) Phase() Phase { return Phase(s.phase.Current()) }

// Revision is the revision in use, RevUnknown before selection.
func (s *Session) Revision() Revision { return s.rev }

// Card returns the selection result, nil before Select.
func (s *Session) Card() *CardInfo { return s.card }

// BufferRemaining returns the modification budget left in the open session,
// in bytes or in operations depending on BufferInBytes.
func (s *Session) BufferRemaining() int { return s.bufferRemaining }

// BufferInBytes reports whether the buffer is counted in bytes.
func (s *Session) BufferInBytes() bool { return s.bufferInBytes }

// SV returns the stored value ordering state of the session.
func (s *Session) SV() *SvState { return s.sv }

// Trace returns every exchange made by the session.
func (s *Session) Trace() iso7816.Trace {
	return append(iso7816.Trace(nil), s.trace...)
}

// Report renders the trace with Calypso command names.
func (s *Session) Report() string {
	return s.trace.Describe(func(c *iso7816.CommandAPDU) string {
		if label, ok := s.labels[c]; ok {
			return label
		}
		return c.Instruction.Raw.String()
	})
}

func (s *Session) transmit(ctx context.Context, op string, req *Request) (*Response, error) {
	raw, err := req.Bytes()
	if err != nil {
		return nil, &Error{Kind: IllegalArgument, Op: op, Command: req.Command, HasCommand: true, Cause: err}
	}

	s.log.Debug("apdu", slog.String("cmd", req.Command.String()), logHex("apdu.req", raw))
	trace, err := s.client.Send(ctx, req.APDU)
	for i := range trace {
		label := req.Command.String()
		if i > 0 {
			label += " (continued)"
		}
		s.labels[trace[i].Command] = label
	}
	s.trace = append(s.trace, trace...)

	if err != nil {
		var te *iso7816.TransportError
		if errors.As(err, &te) {
			s.log.Warn("transport failure", slog.String("cmd", req.Command.String()), slog.Any("error", err))
			return nil, wrapTransport(op, req.Command, err)
		}
		return nil, &Error{Kind: IllegalArgument, Op: op, Command: req.Command, HasCommand: true, Cause: err}
	}

	last := trace.Last().Response
	s.log.Debug("apdu", slog.String("cmd", req.Command.String()), logHex("apdu.resp", last.Bytes()))
	return &Response{Command: req.Command, Data: last.Data, Status: last.Status}, nil
}

// exchange transmits req and classifies the reply.
func (s *Session) exchange(ctx context.Context, op string, req *Request) (*Response, error) {
	resp, err := s.transmit(ctx, op, req)
	if err != nil {
		return nil, err
	}
	if err := resp.Outcome().Err(op, req.Command); err != nil {
		return resp, err
	}
	return resp, nil
}

// Select selects the application and records the card information. It is
// refused while a secure session is open.
func (s *Session) Select(ctx context.Context) (*CardInfo, error) {
	const op = "select"

	if s.Phase() == PhaseOpen {
		return nil, errorf(IllegalState, op, "a secure session is open")
	}

	var req *Request
	var err error
	if len(s.cfg.AID) > 0 {
		req, err = SelectApplication(s.cfg.AID, false)
	} else {
		req, err = GetDataFCI(s.cfg.Revision)
	}
	if err != nil {
		return nil, err
	}

	resp, err := s.exchange(ctx, op, req)
	if err != nil {
		return nil, err
	}

	card, err := ParseFCI(resp)
	if err != nil {
		return nil, err
	}
	s.card = card
	s.rev = card.Revision
	if s.cfg.Revision != RevUnknown {
		s.rev = s.cfg.Revision
	}
	s.sv = NewSvState(s.rev)

	s.log.Info("application selected",
		logHex("df", card.DFName),
		logHex("serial", card.Serial),
		slog.String("revision", s.rev.String()),
		slog.Bool("invalidated", card.Invalidated))
	return card, nil
}

// Open starts a secure session. The application is selected first when it
// was not already; preReads are read class commands sent between selection
// and Open Session, outside the session digest.
func (s *Session) Open(ctx context.Context, preReads ...*Request) (*OpenResult, error) {
	const op = "open"

	if !s.phase.Can(eventOpen) {
		return nil, errorf(IllegalState, op, "a secure session is already open")
	}
	for _, r := range preReads {
		if r == nil || Lookup(r.Command).Write || !isPlainCommand(r.Command) {
			return nil, errorf(IllegalArgument, op, "pre-open commands must be read commands")
		}
	}

	if s.card == nil {
		if _, err := s.Select(ctx); err != nil {
			return nil, err
		}
	}
	if s.card.Invalidated && !s.cfg.AllowInvalidatedDF {
		return nil, errorf(IllegalState, op, "DF is invalidated")
	}

	result := &OpenResult{Card: s.card}
	for _, r := range preReads {
		resp, err := s.exchange(ctx, op, r)
		if err != nil {
			return nil, err
		}
		result.PreReads = append(result.PreReads, resp)
	}

	size, inBytes, err := s.card.StartupInfo.ModificationsBuffer(s.rev)
	if err != nil {
		return nil, err
	}
	if s.cfg.ModificationsBufferOverride > 0 {
		size = s.cfg.ModificationsBufferOverride
	}

	challenge, err := s.cfg.SAM.GetChallenge(ctx)
	if err != nil {
		return nil, &Error{Kind: SecurityContext, Op: op, Message: "SAM challenge failed", Cause: err}
	}

	req, err := OpenSession(s.rev, s.cfg.KeyIndex, challenge, s.cfg.OpenSFI, s.cfg.OpenRecord)
	if err != nil {
		return nil, err
	}
	resp, err := s.exchange(ctx, op, req)
	if err != nil {
		return nil, err
	}
	data, err := ParseOpenSession(s.rev, resp.Data)
	if err != nil {
		return nil, err
	}

	kif := data.KIF
	if !data.HasKIF {
		kif = defaultKIF[s.cfg.KeyIndex]
	}
	s.open = data
	s.digest = &Digest{Revision: s.rev, KIF: kif, KVC: data.KVC, OpenData: data.Raw}
	s.bufferSize, s.bufferRemaining, s.bufferInBytes = size, size, inBytes
	s.sv.Reset()
	s.svGet = nil

	if err := s.phase.Event(ctx, eventOpen); err != nil {
		return nil, &Error{Kind: IllegalState, Op: op, Cause: err}
	}

	s.log.Info("secure session open",
		slog.Int("counter", data.TransactionCounter),
		slog.Bool("ratified", data.Ratified),
		slog.Int("buffer", size),
		slog.Bool("bufferInBytes", inBytes))

	result.Session = data
	return result, nil
}

// isPlainCommand reports whether cmd may go through Execute.
func isPlainCommand(cmd Command) bool {
	switch {
	case cmd.IsOpenSession(),
		cmd == CmdCloseSession,
		cmd == CmdAbortSession,
		cmd == CmdRatification,
		cmd == CmdSelectApplication:
		return false
	}
	return cmd >= 0 && cmd < numCommands
}

// cost is the modification buffer consumed by req.
func (s *Session) cost(req *Request) int {
	if !Lookup(req.Command).Write {
		return 0
	}
	if s.bufferInBytes {
		return req.APDU.Lc() + bufferOverhead
	}
	return 1
}

// Execute sends req inside the open session. A card rejection is returned as
// an error with the response; the session stays open. A transport failure
// drops the session. A failed SV Get disarms the SV operation it announced.
func (s *Session) Execute(ctx context.Context, req *Request) (resp *Response, err error) {
	const op = "execute"

	if req == nil || req.APDU == nil {
		return nil, errorf(IllegalArgument, op, "nil request")
	}
	if req.Command == CmdSvGet {
		defer func() {
			if err != nil {
				s.sv.intent = SvNone
				s.svGet = nil
			}
		}()
	}
	if s.Phase() != PhaseOpen {
		return nil, commandErrorf(IllegalState, op, req.Command, "no secure session open")
	}
	if !isPlainCommand(req.Command) {
		return nil, commandErrorf(IllegalArgument, op, req.Command, "not allowed through Execute")
	}
	if isSvOperation(req.Command) && !req.svFinalized {
		return nil, commandErrorf(IllegalState, op, req.Command, "SV operations must come from a finalized SV Get sequence")
	}

	cost := s.cost(req)
	if cost > s.bufferRemaining {
		return nil, commandErrorf(BufferOverflow, op, req.Command, "needs %d, %d left of %d", cost, s.bufferRemaining, s.bufferSize)
	}

	resp, err = s.transmit(ctx, op, req)
	if err != nil {
		if KindOf(err) == TransportFailure {
			s.drop(ctx, err)
		}
		return nil, err
	}

	raw, _ := req.Bytes()
	s.digest.Frames = append(s.digest.Frames, raw, (&iso7816.ResponseAPDU{Data: resp.Data, Status: resp.Status}).Bytes())

	if err := resp.Outcome().Err(op, req.Command); err != nil {
		return resp, err
	}
	s.bufferRemaining -= cost

	switch req.Command {
	case CmdSvGet:
		get, err := ParseSvGet(req, resp)
		if err != nil {
			return resp, err
		}
		s.svGet = get
	case CmdSvReload, CmdSvDebit, CmdSvUndebit:
		s.sv.performed = true
	}
	return resp, nil
}

func isSvOperation(cmd Command) bool {
	return cmd == CmdSvReload || cmd == CmdSvDebit || cmd == CmdSvUndebit
}

// drop ends the session locally after a failure, without talking to the card.
func (s *Session) drop(ctx context.Context, cause error) {
	var e *Error
	if errors.As(cause, &e) {
		e.Lost = true
	}
	if s.phase.Can(eventAbort) {
		s.log.Warn("secure session dropped", slog.Any("error", cause))
		_ = s.phase.Event(ctx, eventAbort)
	}
	s.clear()
}

func (s *Session) clear() {
	s.open = nil
	s.digest = nil
	s.bufferRemaining = 0
	s.sv.Reset()
	s.svGet = nil
}

// Close signs and closes the session. The session is closed afterwards
// whatever the outcome; a card signature mismatch is SecurityData.
func (s *Session) Close(ctx context.Context, ratify bool) (*CloseSessionData, error) {
	const op = "close"

	if s.Phase() != PhaseOpen {
		return nil, errorf(IllegalState, op, "no secure session open")
	}
	svDone := s.sv.Performed()

	fail := func(err error) (*CloseSessionData, error) {
		s.drop(ctx, err)
		return nil, err
	}

	signature, err := s.cfg.SAM.ComputeTerminalSignature(ctx, s.digest)
	if err != nil {
		return fail(&Error{Kind: SecurityContext, Op: op, Message: "SAM signature failed", Cause: err})
	}

	req, err := CloseSession(s.rev, ratify, signature)
	if err != nil {
		return fail(err)
	}
	resp, err := s.exchange(ctx, op, req)
	if err != nil {
		return fail(err)
	}

	data, err := ParseCloseSession(s.rev, resp.Data)
	if err != nil {
		return fail(err)
	}

	if err := s.cfg.SAM.AuthenticateCardSignature(ctx, data.Signature); err != nil {
		return fail(&Error{Kind: SecurityData, Op: op, Command: CmdCloseSession, HasCommand: true, Message: "card signature rejected", Cause: err})
	}

	if svDone {
		if len(data.PostponedData) == 0 || !isSvPostponed(s.rev, data.PostponedData[0]) {
			return fail(errorf(SecurityData, op, "SV signature missing from postponed data"))
		}
		if err := s.cfg.SAM.CheckSvSignature(ctx, data.PostponedData[0]); err != nil {
			return fail(&Error{Kind: SecurityData, Op: op, Message: "SV signature rejected", Cause: err})
		}
	}

	if err := s.phase.Event(ctx, eventClose); err != nil {
		return fail(&Error{Kind: IllegalState, Op: op, Cause: err})
	}
	s.clear()

	if ratify {
		s.ratify(ctx)
	}
	return data, nil
}

// ratify sends the ratification frame. Its answer carries no information.
func (s *Session) ratify(ctx context.Context) {
	req, err := Ratification(s.rev)
	if err != nil {
		return
	}
	if _, err := s.exchange(ctx, "ratify", req); err != nil {
		s.log.Warn("ratification", slog.Any("error", err))
	}
}

// Abort cancels the open session without signature. The session is closed
// afterwards even when the card could not be reached.
func (s *Session) Abort(ctx context.Context) error {
	const op = "abort"

	if s.Phase() != PhaseOpen {
		return errorf(IllegalState, op, "no secure session open")
	}

	req, err := AbortSession(s.rev)
	if err == nil {
		_, err = s.exchange(ctx, op, req)
	}

	var e *Error
	if errors.As(err, &e) && e.Kind == TransportFailure {
		e.Lost = true
	}
	_ = s.phase.Event(ctx, eventAbort)
	s.clear()
	return err
}
