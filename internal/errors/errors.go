package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"
)

// controlMarker is implemented by all control-plane error types so we can classify them.
type controlMarker interface {
	error
	isControl()
}

// TransportError indicates the message channel (or peer connection transport)
// is gone: closed socket, reset, failed dial. Sessions terminate on it.
type TransportError struct {
	Op  string // high-level operation (e.g. "channel.read", "channel.write")
	Err error  // underlying cause (may be nil)
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport error: %s", e.Op)
	}
	return fmt.Sprintf("transport error: %s: %v", e.Op, e.Err)
}
func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError indicates malformed framing or an unparseable payload.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("decode error: %s", e.Op)
	}
	return fmt.Sprintf("decode error: %s: %v", e.Op, e.Err)
}
func (e *DecodeError) Unwrap() error { return e.Err }
func (e *DecodeError) isControl()    {}

// AuthError indicates an invalid or expired token, or an identity collision.
// Policy: the channel is dropped without a user-visible error frame.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auth error: %s", e.Op)
	}
	return fmt.Sprintf("auth error: %s: %v", e.Op, e.Err)
}
func (e *AuthError) Unwrap() error { return e.Err }
func (e *AuthError) isControl()    {}

// ProtocolError indicates an unknown event or a payload that violates the
// wire contract. Policy: log and keep reading.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("protocol error: %s", e.Op)
	}
	return fmt.Sprintf("protocol error: %s: %v", e.Op, e.Err)
}
func (e *ProtocolError) Unwrap() error { return e.Err }
func (e *ProtocolError) isControl()    {}

// DomainError carries a peer-visible failure message (target not found, role
// not allowed). The Msg is what goes on the wire in the event-specific failure
// payload; the channel stays open.
type DomainError struct {
	Op  string
	Msg string
	Err error
}

func (e *DomainError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("domain error: %s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("domain error: %s: %s: %v", e.Op, e.Msg, e.Err)
}
func (e *DomainError) Unwrap() error { return e.Err }
func (e *DomainError) isControl()    {}

// MediaError indicates a peer-connection / SFU failure (create, negotiate,
// track write). Forwarder-level failures trigger replacement, not teardown.
type MediaError struct {
	Op  string
	Err error
}

func (e *MediaError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("media error: %s", e.Op)
	}
	return fmt.Sprintf("media error: %s: %v", e.Op, e.Err)
}
func (e *MediaError) Unwrap() error { return e.Err }

// StorageError indicates a repository failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("storage error: %s", e.Op)
	}
	return fmt.Sprintf("storage error: %s: %v", e.Op, e.Err)
}
func (e *StorageError) Unwrap() error { return e.Err }

// TimeoutError indicates an operation exceeded a deadline or idle timeout.
type TimeoutError struct {
	Op       string
	Duration time.Duration
	Err      error
}

func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (after %s)", e.Op, e.Duration)
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}
func (e *TimeoutError) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	return stdErrors.As(err, &te)
}

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	if err == nil {
		return false
	}
	var ae *AuthError
	return stdErrors.As(err, &ae)
}

// IsDomain reports whether err is (or wraps) a DomainError; the second result
// is the peer-visible message when it is.
func IsDomain(err error) (bool, string) {
	if err == nil {
		return false, ""
	}
	var de *DomainError
	if stdErrors.As(err, &de) {
		return true, de.Msg
	}
	return false, ""
}

// IsTimeout returns true if err is (or wraps) a TimeoutError, a context deadline exceeded,
// or any error type that exposes Timeout() bool and returns true.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var te *TimeoutError
	if stdErrors.As(err, &te) {
		return true
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var toErr interface{ Timeout() bool }
	if stdErrors.As(err, &toErr) && toErr.Timeout() {
		return true
	}
	return false
}

// IsControlError returns true if the error chain contains any control-plane
// error (DecodeError, AuthError, ProtocolError, DomainError).
func IsControlError(err error) bool {
	if err == nil {
		return false
	}
	var cm controlMarker
	return stdErrors.As(err, &cm)
}

// Constructors (encourage contextual wrapping with %w when used by callers).
func NewTransport(op string, cause error) error { return &TransportError{Op: op, Err: cause} }
func NewDecode(op string, cause error) error    { return &DecodeError{Op: op, Err: cause} }
func NewAuth(op string, cause error) error      { return &AuthError{Op: op, Err: cause} }
func NewProtocol(op string, cause error) error  { return &ProtocolError{Op: op, Err: cause} }
func NewDomain(op, msg string, cause error) error {
	return &DomainError{Op: op, Msg: msg, Err: cause}
}
func NewMedia(op string, cause error) error   { return &MediaError{Op: op, Err: cause} }
func NewStorage(op string, cause error) error { return &StorageError{Op: op, Err: cause} }
func NewTimeout(op string, d time.Duration, cause error) error {
	return &TimeoutError{Op: op, Duration: d, Err: cause}
}
