// Package protoerr provides the structured error taxonomy used by the
// connection engine: stream errors, connection errors, transport
// errors, and HPACK compression errors.
package protoerr

import (
	"fmt"
	"time"

	"golang.org/x/net/http2"
)

// Type categorizes where an error originates and how the engine must
// react to it (spec §7).
type Type string

const (
	// TypeStream errors are scoped to one stream: the engine answers
	// with a status-only response or RST_STREAM and keeps the
	// connection alive.
	TypeStream Type = "stream"
	// TypeConnection errors are fatal to the whole connection: the
	// engine sends GOAWAY with Code and closes.
	TypeConnection Type = "connection"
	// TypeTransport errors come from the underlying byte stream
	// (the out-of-scope transport collaborator reported a failure).
	TypeTransport Type = "transport"
	// TypeCompression errors come from the HPACK codec.
	TypeCompression Type = "compression"
)

// Error is a structured engine error. It mirrors the teacher's
// transport-dialing Error (Type/Op/Message/Cause/Timestamp) but
// generalized to protocol-engine concerns, with an added Code field
// so a connection/stream error carries its own wire error code.
type Error struct {
	Type      Type          `json:"type"`
	Op        string        `json:"op"`
	Message   string        `json:"message"`
	Cause     error         `json:"cause,omitempty"`
	StreamID  uint32        `json:"stream_id,omitempty"`
	Code      http2.ErrCode `json:"code"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e *Error) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Type, e.Op)
	if e.StreamID != 0 {
		s += fmt.Sprintf(" stream=%d", e.StreamID)
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches errors by Type only, matching the teacher's precedent.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// NewStreamError creates a stream-scoped error.
func NewStreamError(streamID uint32, op, message string, code http2.ErrCode, cause error) *Error {
	return &Error{
		Type:      TypeStream,
		Op:        op,
		Message:   message,
		Cause:     cause,
		StreamID:  streamID,
		Code:      code,
		Timestamp: time.Now(),
	}
}

// NewConnectionError creates a connection-fatal error destined for GOAWAY.
func NewConnectionError(op, message string, code http2.ErrCode, cause error) *Error {
	return &Error{
		Type:      TypeConnection,
		Op:        op,
		Message:   message,
		Cause:     cause,
		Code:      code,
		Timestamp: time.Now(),
	}
}

// NewTransportError wraps an underlying I/O failure reported by the
// transport collaborator.
func NewTransportError(op string, cause error) *Error {
	return &Error{
		Type:      TypeTransport,
		Op:        op,
		Message:   "transport I/O failure",
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewCompressionError wraps an HPACK decode/encode failure. Per RFC
// 7540 §4.3, any compression error is connection-fatal.
func NewCompressionError(op string, cause error) *Error {
	return &Error{
		Type:      TypeCompression,
		Op:        op,
		Message:   "HPACK compression error",
		Cause:     cause,
		Code:      http2.ErrCodeCompression,
		Timestamp: time.Now(),
	}
}

// IsConnectionFatal reports whether err must be answered with GOAWAY
// rather than a stream-scoped response.
func IsConnectionFatal(err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Type == TypeConnection || e.Type == TypeCompression
}

// CodeOf extracts the wire error code from err, defaulting to
// INTERNAL_ERROR for unstructured errors.
func CodeOf(err error) http2.ErrCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return http2.ErrCodeInternal
}
