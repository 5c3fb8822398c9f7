// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: The okvmd Authors

package rfb

import (
	"errors"
	"fmt"
)

// ErrorCode represents specific error categories for RFB operations.
type ErrorCode int

const (
	// ErrProtocol indicates a protocol-level violation by the client.
	ErrProtocol ErrorCode = iota
	// ErrAuthentication indicates an authentication failure.
	ErrAuthentication
	// ErrEncoding indicates an encoding negotiation or framing error.
	ErrEncoding
	// ErrNetwork indicates the connection is gone or unusable.
	ErrNetwork
	// ErrValidation indicates input outside protocol bounds.
	ErrValidation
	// ErrTimeout indicates a bounded operation ran out of time.
	ErrTimeout
	// ErrUnsupported indicates a feature the server does not speak.
	ErrUnsupported
)

// String returns the string representation of the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrProtocol:
		return "protocol"
	case ErrAuthentication:
		return "authentication"
	case ErrEncoding:
		return "encoding"
	case ErrNetwork:
		return "network"
	case ErrValidation:
		return "validation"
	case ErrTimeout:
		return "timeout"
	case ErrUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Error provides structured error information with operation context and an
// error code. Every Error is connection-scoped: it unwinds exactly one
// session and never affects other connections or the HID link.
type Error struct {
	Op      string
	Code    ErrorCode
	Message string
	Err     error
}

// Error returns the formatted error message.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rfb %s: %s: %s: %v", e.Code.String(), e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("rfb %s: %s: %s", e.Code.String(), e.Op, e.Message)
}

// Unwrap returns the underlying error for error chain unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether this error matches the target error.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code && e.Op == other.Op
	}
	return false
}

// IsRFBError checks whether err is an *Error, optionally limited to the
// given codes.
func IsRFBError(err error, codes ...ErrorCode) bool {
	var rfbErr *Error
	if !errors.As(err, &rfbErr) {
		return false
	}
	if len(codes) == 0 {
		return true
	}
	for _, c := range codes {
		if rfbErr.Code == c {
			return true
		}
	}
	return false
}

// newError creates the structured error all the helpers below share.
func newError(op string, code ErrorCode, message string, err error) *Error {
	return &Error{Op: op, Code: code, Message: message, Err: err}
}

// protocolError creates a new protocol error.
func protocolError(op, message string, err error) error {
	return newError(op, ErrProtocol, message, err)
}

// authenticationError creates a new authentication error.
func authenticationError(op, message string, err error) error {
	return newError(op, ErrAuthentication, message, err)
}

// encodingError creates a new encoding error.
func encodingError(op, message string, err error) error {
	return newError(op, ErrEncoding, message, err)
}

// networkError creates a new network error.
func networkError(op, message string, err error) error {
	return newError(op, ErrNetwork, message, err)
}

// validationError creates a new validation error.
func validationError(op, message string, err error) error {
	return newError(op, ErrValidation, message, err)
}

// timeoutError creates a new timeout error.
func timeoutError(op, message string, err error) error {
	return newError(op, ErrTimeout, message, err)
}

// unsupportedError creates a new unsupported operation error.
func unsupportedError(op, message string, err error) error {
	return newError(op, ErrUnsupported, message, err)
}
