package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies why a challenge attempt failed.
type Kind uint8

const (
	// KindTransport covers network failures and timeouts.
	KindTransport Kind = iota + 1

	// KindProtocol covers non-200 answers, malformed bodies and rejected
	// solutions.
	KindProtocol

	// KindComputation means no digest engine could run. It is fatal.
	KindComputation
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindComputation:
		return "computation"
	default:
		return "unknown"
	}
}

// Error is a classified attempt failure.
type Error struct {
	Kind Kind

	// Op names the step that failed, e.g. "fetch challenge".
	Op string

	// Message is the server-supplied or fallback text shown to users.
	Message string

	// Status is the HTTP status code, when there was a response.
	Status int

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error", e.Kind)
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is matching by kind.
var (
	ErrTransport   = &Error{Kind: KindTransport}
	ErrProtocol    = &Error{Kind: KindProtocol}
	ErrComputation = &Error{Kind: KindComputation}
)

// Sentinel causes wrapped inside protocol errors.
var (
	ErrMalformed = errors.New("malformed response")
	ErrRejected  = errors.New("solution rejected")
)

// Transport returns a transport error for op.
func Transport(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// Protocol returns a protocol error for op.
func Protocol(op string, status int, message string, err error) *Error {
	return &Error{Kind: KindProtocol, Op: op, Status: status, Message: message, Err: err}
}

// Computation returns a computation error for op.
func Computation(op string, err error) *Error {
	return &Error{Kind: KindComputation, Op: op, Err: err}
}

func kindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}

// IsTransport reports whether err is a transport error.
func IsTransport(err error) bool { return kindOf(err) == KindTransport }

// IsProtocol reports whether err is a protocol error.
func IsProtocol(err error) bool { return kindOf(err) == KindProtocol }

// IsComputation reports whether err is a computation error.
func IsComputation(err error) bool { return kindOf(err) == KindComputation }

// IsRetryable reports whether a fresh attempt may succeed. Computation
// errors and unclassified errors are not retryable.
func IsRetryable(err error) bool {
	switch kindOf(err) {
	case KindTransport, KindProtocol:
		return true
	default:
		return false
	}
}

// UserMessage returns the text to show for a failed attempt. Server
// messages are passed through verbatim.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if !errors.As(err, &pe) {
		return err.Error()
	}
	if pe.Message != "" {
		return pe.Message
	}
	switch pe.Kind {
	case KindTransport:
		return "Network error"
	case KindComputation:
		return "Solver unavailable on this device"
	default:
		return MsgVerifyFailed
	}
}
