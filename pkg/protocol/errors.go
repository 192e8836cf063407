package protocol

import (
	"errors"
	"fmt"

	"github.com/apphub-dev/apphub/pkg/identifier"
)

// ProtocolError is a wire-level violation: malformed frame, unknown
// packet type, or a payload that failed its registered decoder. It
// always leads to a controlled disconnect of the offending connection,
// never a silent drop.
type ProtocolError struct {
	Reason  DisconnectReason
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("protocol: %s: %s", e.Reason, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ProtocolError) Unwrap() error { return e.Err }

// NewProtocolError creates a ProtocolError with the given reason.
func NewProtocolError(reason DisconnectReason, msg string, cause error) *ProtocolError {
	return &ProtocolError{Reason: reason, Message: msg, Err: cause}
}

// PermissionDeniedError rejects a specific request for lack of a
// granted capability. The session stays connected.
type PermissionDeniedError struct {
	Missing []identifier.ID
	Message string
}

// Error implements the error interface.
func (e *PermissionDeniedError) Error() string {
	if len(e.Missing) == 0 {
		return "permission denied: " + e.Message
	}
	return fmt.Sprintf("permission denied: %s (missing %v)", e.Message, e.Missing)
}

// AuthenticationError aborts the handshake: bad or missing token, or
// incompatible protocol version. Immediate disconnect, no retry.
type AuthenticationError struct {
	Reason  DisconnectReason
	Message string
}

// Error implements the error interface.
func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication: %s: %s", e.Reason, e.Message)
}

// ConflictError rejects a duplicate registration (packet type,
// permission type) or marks a session as superseded. Logged, never
// fatal to the server.
type ConflictError struct {
	ID      identifier.ID
	Message string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s: %s", e.ID, e.Message)
}

// IsPermissionDenied reports whether err is a permission denial.
func IsPermissionDenied(err error) bool {
	var pd *PermissionDeniedError
	return errors.As(err, &pd)
}

// DisconnectReasonFor maps an error to the reason code sent with the
// controlled disconnect it causes. Non-protocol errors map to
// internal_error.
func DisconnectReasonFor(err error) DisconnectReason {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	var ae *AuthenticationError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	if IsPermissionDenied(err) {
		return ReasonPermissionDenied
	}
	return ReasonInternalError
}
