package control

import (
	"errors"
	"strings"
)

// Domain errors for the control package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, control.ErrCommandTimeout) {
//	    // no response within the window
//	}
var (
	// ErrCommandTimeout is returned when no response arrives within the
	// configured command timeout.
	ErrCommandTimeout = errors.New("control: command timed out")

	// ErrCommandRejected is returned when the broker responds with an
	// explicit error field.
	ErrCommandRejected = errors.New("control: command rejected")

	// ErrTransport is returned when a connection-level failure prevents a
	// command from being delivered.
	ErrTransport = errors.New("control: transport failure")

	// ErrMalformedResponse is returned when a response cannot be decoded
	// into the expected shape.
	ErrMalformedResponse = errors.New("control: malformed response")

	// ErrClosed is returned when sending on a closed client.
	ErrClosed = errors.New("control: client closed")
)

// IsNotFound reports whether err is a broker rejection indicating the target
// client does not exist.
//
// The dynamic-security plugin reports this as a plain error message rather
// than a structured code, so the check is textual.
func IsNotFound(err error) bool {
	if !errors.Is(err, ErrCommandRejected) {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}
