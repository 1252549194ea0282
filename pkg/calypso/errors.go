package calypso

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gregLibert/calypso/pkg/iso7816"
)

// Kind classifies an Error for programmatic handling.
type Kind int

const (
	KindNone Kind = iota

	// Terminal side errors, detected before anything is sent.
	IllegalArgument
	IllegalState
	BufferOverflow

	// Card side errors, derived from a status word.
	DataAccess
	SecurityContext
	SecurityData
	UnknownStatus
	IllegalParameter
	AccessForbidden
	DataOutOfBounds
	Terminated

	// The reader could not complete an exchange.
	TransportFailure
)

var kindNames = map[Kind]string{
	KindNone:         "none",
	IllegalArgument:  "illegal argument",
	IllegalState:     "illegal state",
	BufferOverflow:   "session buffer overflow",
	DataAccess:       "data access",
	SecurityContext:  "security context",
	SecurityData:     "security data",
	UnknownStatus:    "unknown status",
	IllegalParameter: "illegal parameter",
	AccessForbidden:  "access forbidden",
	DataOutOfBounds:  "data out of bounds",
	Terminated:       "terminated",
	TransportFailure: "transport failure",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the single error type returned by the calypso package.
type Error struct {
	Kind    Kind
	Op      string             // Operation that failed (e.g. "open", "execute")
	Command Command            // Command involved, meaningful when HasCommand
	Status  iso7816.StatusWord // Card status word, 0 if none was received
	Message string
	Cause   error

	// HasCommand tells whether Command is set.
	HasCommand bool

	// Lost is set when the failure ended the secure session.
	Lost bool
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	if e.HasCommand {
		sb.WriteString(e.Command.String())
		sb.WriteString(": ")
	}
	sb.WriteString(e.Kind.String())
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Status != 0 {
		sb.WriteString(fmt.Sprintf(" (SW %04X)", uint16(e.Status)))
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Kind so that errors.Is(err, ErrBufferOverflow) works.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// SessionLost reports whether the secure session can no longer be used.
// Transport failures always end the session.
func (e *Error) SessionLost() bool {
	return e.Lost || e.Kind == TransportFailure
}

// CardRejected reports whether the card answered with a failure status for
// this command only.
func (e *Error) CardRejected() bool {
	return e.Status != 0 && !e.SessionLost()
}

// Sentinels for errors.Is.
var (
	ErrIllegalArgument  = &Error{Kind: IllegalArgument}
	ErrIllegalState     = &Error{Kind: IllegalState}
	ErrBufferOverflow   = &Error{Kind: BufferOverflow}
	ErrDataAccess       = &Error{Kind: DataAccess}
	ErrSecurityContext  = &Error{Kind: SecurityContext}
	ErrSecurityData     = &Error{Kind: SecurityData}
	ErrUnknownStatus    = &Error{Kind: UnknownStatus}
	ErrIllegalParameter = &Error{Kind: IllegalParameter}
	ErrAccessForbidden  = &Error{Kind: AccessForbidden}
	ErrDataOutOfBounds  = &Error{Kind: DataOutOfBounds}
	ErrTerminated       = &Error{Kind: Terminated}
	ErrTransportFailure = &Error{Kind: TransportFailure}
)

// KindOf extracts the Kind of err, KindNone when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

// IsSessionLost reports whether err ended the secure session.
func IsSessionLost(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.SessionLost()
	}
	return false
}

func errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

func commandErrorf(kind Kind, op string, cmd Command, format string, args ...any) *Error {
	e := errorf(kind, op, format, args...)
	e.Command = cmd
	e.HasCommand = true
	return e
}

func wrapTransport(op string, cmd Command, cause error) *Error {
	return &Error{
		Kind:       TransportFailure,
		Op:         op,
		Command:    cmd,
		HasCommand: true,
		Message:    "exchange failed",
		Cause:      cause,
	}
}
