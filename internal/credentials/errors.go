package credentials

import "errors"

// Domain errors for the credentials package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, credentials.ErrPasswdUtility) {
//	    // the password-file utility invocation failed
//	}
var (
	// ErrUnsupportedMode is returned when the configured auth mode is not
	// recognised.
	ErrUnsupportedMode = errors.New("credentials: unsupported auth mode")

	// ErrPasswdUtility is returned when the password-file utility exits
	// with an error.
	ErrPasswdUtility = errors.New("credentials: password utility failed")

	// ErrReloadFailed is returned when the broker reload command fails.
	ErrReloadFailed = errors.New("credentials: broker reload failed")
)
