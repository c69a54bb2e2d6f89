package reconcile

import "errors"

// Domain errors for the reconcile package.
var (
	// ErrUnrecoverableCredential is returned for a device whose broker
	// credential is missing and whose plaintext password is not recorded in
	// the fleet database: there is no secret available to recreate the
	// credential, so recovery is manual (re-provision the device). Always
	// reported, never silently skipped.
	ErrUnrecoverableCredential = errors.New("reconcile: no plaintext password available to rebuild credential")
)
