// Package rpcerrors holds the error taxonomy shared by every layer of the
// engine, together with the fault codes the engine emits by default.
//
// Local failures (EncodingError, DecodingError, ProtocolError) describe bad
// input on this side of the wire. FaultError is a fault the peer returned on
// purpose. TimeoutError and TransportError describe a call that never got an
// answer. None of these are retried by the engine.
package rpcerrors

import (
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
)

// Fault codes used by the engine. They are policy, not protocol: every
// component that emits one accepts an option to override it.
const (
	CodeNoSuchMethod   = 404
	CodeRateLimited    = 503
	CodeHandlerTimeout = 504
	CodeBadToken       = 606
	CodeHandlerError   = 608
	CodeUnhandled      = 609
)

// Lifecycle misuse. These are programmer errors.
const (
	// ErrAlreadyBound is returned when a second Service is bound to a
	// connection that already has one.
	ErrAlreadyBound = errors.ConstError("connection already has a service bound")

	// ErrNotBound is returned when using a Service that was stopped, or
	// unbinding a connection that was never bound.
	ErrNotBound = errors.ConstError("service is not bound to a connection")

	// ErrClosed is returned by a Requester after Close.
	ErrClosed = errors.ConstError("requester is closed")

	// ErrDuplicateID is returned when a caller supplied correlation id is
	// already pending.
	ErrDuplicateID = errors.ConstError("correlation id already pending")
)

// EncodingError reports a value that cannot be represented on the wire.
type EncodingError struct {
	Reason string
	Err    error
}

func (e *EncodingError) Error() string {
	if e.Err != nil {
		return "encoding error: " + e.Reason + ": " + e.Err.Error()
	}
	return "encoding error: " + e.Reason
}

func (e *EncodingError) Unwrap() error { return e.Err }

// Encodingf builds an EncodingError.
func Encodingf(format string, args ...any) *EncodingError {
	return &EncodingError{Reason: fmt.Sprintf(format, args...)}
}

// DecodingError reports malformed wire input.
type DecodingError struct {
	Reason string
	Err    error
}

func (e *DecodingError) Error() string {
	if e.Err != nil {
		return "decoding error: " + e.Reason + ": " + e.Err.Error()
	}
	return "decoding error: " + e.Reason
}

func (e *DecodingError) Unwrap() error { return e.Err }

// Decodingf builds a DecodingError.
func Decodingf(format string, args ...any) *DecodingError {
	return &DecodingError{Reason: fmt.Sprintf(format, args...)}
}

// ProtocolError reports well formed XML that breaks the RPC frame contract,
// or a token response that breaks the token convention. Code is the fault
// code a responder would use for the same violation, zero when none applies.
type ProtocolError struct {
	Code   int
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// Protocolf builds a ProtocolError without a fault code.
func Protocolf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// FaultError is a fault returned by the remote peer. Handlers may also return
// one to answer with a specific code.
type FaultError struct {
	Code    int
	Message string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("RPC fault %d: %s", e.Code, e.Message)
}

// NewFault builds a FaultError.
func NewFault(code int, format string, args ...any) *FaultError {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &FaultError{Code: code, Message: msg}
}

// TimeoutError is returned when no response arrived before the deadline, or
// the caller gave up first. Err carries the context error in the latter case.
type TimeoutError struct {
	Method string
	To     string
	After  time.Duration
	Err    error
}

func (e *TimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("call %s to %s abandoned after %s: %v", e.Method, e.To, e.After, e.Err)
	}
	return fmt.Sprintf("timed out waiting for response to %s from %s after %s", e.Method, e.To, e.After)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// TransportError reports a failure of the underlying connection, or a stanza
// level error returned by the transport in place of a response.
type TransportError struct {
	// Condition and Text are set for stanza level errors.
	Condition string
	Text      string
	Err       error
}

func (e *TransportError) Error() string {
	var parts []string
	if e.Condition != "" {
		parts = append(parts, e.Condition)
	}
	if e.Text != "" {
		parts = append(parts, e.Text)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	if len(parts) == 0 {
		return "transport error"
	}
	return "transport error: " + strings.Join(parts, ": ")
}

func (e *TransportError) Unwrap() error { return e.Err }

// AsFault returns the FaultError in err's chain, if any.
func AsFault(err error) (*FaultError, bool) {
	var f *FaultError
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var t *TransportError
	return errors.As(err, &t)
}
