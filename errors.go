package tnet

import (
	"errors"
	"fmt"
	"net"
)

// Sentinel errors for the taxonomy named in the framework's error handling
// design. All are safe for wrapping with fmt.Errorf("%w", err) and can be
// checked with errors.Is.
var (
	ErrIo                  = errors.New("tnet: io error")
	ErrTimeout             = errors.New("tnet: operation timed out")
	ErrFrameTooLarge       = errors.New("tnet: frame exceeds maximum size")
	ErrTruncated           = errors.New("tnet: truncated frame")
	ErrEncrypt             = errors.New("tnet: encryption failed")
	ErrDecrypt             = errors.New("tnet: decryption failed")
	ErrParse               = errors.New("tnet: failed to parse packet")
	ErrEncryptionMismatch  = errors.New("tnet: encryption configuration mismatch")
	ErrInvalidCredentials  = errors.New("tnet: invalid credentials")
	ErrSessionExpired      = errors.New("tnet: session expired")
	ErrSessionNotFound     = errors.New("tnet: session not found")
	ErrKeepAliveTimeout    = errors.New("tnet: keep-alive timeout")
	ErrReconnectFailed     = errors.New("tnet: reconnection failed")
	ErrHandlerPanicked     = errors.New("tnet: handler panicked")
	ErrNoHandler           = errors.New("tnet: no handler registered")
	ErrRelayFailed         = errors.New("tnet: phantom relay failed")
	ErrClosed              = errors.New("tnet: socket closed")
	ErrRegistryFrozen      = errors.New("tnet: handler registry already frozen")
	ErrDuplicateHeader     = errors.New("tnet: handler already registered for header")
	ErrReservedHeader      = errors.New("tnet: header is reserved")
)

// ConnError carries the session id (if any was bound) and the phase in which
// an error occurred, so a listener's or client's error handler can report
// context without the caller re-deriving it.
type ConnError struct {
	SessionID string
	Phase     string // "handshake", "dispatch", "keepalive", "send", "recv"
	Err       error
}

func (e *ConnError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("tnet: [%s] session %s: %v", e.Phase, e.SessionID, e.Err)
	}
	return fmt.Sprintf("tnet: [%s]: %v", e.Phase, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

// NewConnError wraps err with the phase and session id it occurred under.
func NewConnError(phase, sessionID string, err error) error {
	return &ConnError{SessionID: sessionID, Phase: phase, Err: err}
}

// ProtocolError represents a protocol-level violation with an optional hint
// about whether it should be treated as fatal to the connection.
type ProtocolError struct {
	Message string
	Fatal   bool
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("tnet: protocol error: %s", e.Message)
}

// NewProtocolError creates a ProtocolError.
func NewProtocolError(message string, fatal bool) error {
	return &ProtocolError{Message: message, Fatal: fatal}
}

// IsTemporary reports whether err represents a transient condition a caller
// may reasonably retry (timeouts, refused/unreachable dial attempts, and
// anything implementing Temporary() bool).
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	type temporary interface{ Temporary() bool }
	if t, ok := err.(temporary); ok {
		return t.Temporary()
	}
	return false
}

// IsFatal reports whether err should close the connection outright, per the
// propagation policy in the error handling design.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrParse),
		errors.Is(err, ErrDecrypt),
		errors.Is(err, ErrFrameTooLarge),
		errors.Is(err, ErrTruncated),
		errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrEncryptionMismatch),
		errors.Is(err, ErrKeepAliveTimeout),
		errors.Is(err, ErrClosed):
		return true
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Fatal
	}
	return false
}
