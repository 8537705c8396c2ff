package protocol

import (
	"errors"
	"fmt"
)

// Error kinds. Stream-scoped kinds abandon a single exchange, connection-scoped kinds end
// the handling of a whole connection. Neither ever stops the listening endpoint.
var (
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrHandlerFailure    = errors.New("handler failure")
	ErrStreamOpenFailed  = errors.New("stream open failed")
	ErrStreamWriteFailed = errors.New("stream write failed")
	ErrStreamReset       = errors.New("stream reset by peer")
	ErrExchangeTimeout   = errors.New("exchange timed out")

	ErrConnectionLost   = errors.New("connection lost")
	ErrConnectionClosed = errors.New("connection closed")
	ErrConnectionError  = errors.New("connection error")
)

// Application error codes sent on the wire when a stream is abandoned.
const (
	CodeMalformedPayload uint64 = 0x1
	CodeHandlerFailure   uint64 = 0x2
	CodeInternal         uint64 = 0x3
)

// Application error codes used when a connection is closed.
const (
	CodeNoError  uint64 = 0x0
	CodeShutdown uint64 = 0x10
)

// Error annotates one of the kinds above with the failing operation and its cause.
type Error struct {
	Kind  error
	Op    string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// Wrap returns err annotated with kind and op. A nil err stays nil.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Cause: err}
}

// IsStreamScoped reports whether err only concerns a single exchange.
func IsStreamScoped(err error) bool {
	return errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrHandlerFailure) ||
		errors.Is(err, ErrStreamOpenFailed) ||
		errors.Is(err, ErrStreamWriteFailed) ||
		errors.Is(err, ErrStreamReset) ||
		errors.Is(err, ErrExchangeTimeout)
}

// IsConnectionScoped reports whether err is terminal for the connection.
func IsConnectionScoped(err error) bool {
	return errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrConnectionError)
}

// StreamCode maps a stream-scoped error to the code used to reset the stream.
// A handler failure wins over the malformed payload it may wrap.
func StreamCode(err error) uint64 {
	switch {
	case errors.Is(err, ErrHandlerFailure):
		return CodeHandlerFailure
	case errors.Is(err, ErrMalformedPayload):
		return CodeMalformedPayload
	default:
		return CodeInternal
	}
}

// KindForStreamCode is the inverse of StreamCode, used by the side that observes a reset.
func KindForStreamCode(code uint64) error {
	switch code {
	case CodeMalformedPayload:
		return ErrMalformedPayload
	case CodeHandlerFailure:
		return ErrHandlerFailure
	default:
		return ErrStreamReset
	}
}
