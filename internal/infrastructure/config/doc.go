// Package config provides configuration loading for credsync.
//
// Configuration is read from a YAML file with hardcoded defaults and
// CREDSYNC_* environment variable overrides, then validated. The loaded
// Config is immutable for the lifetime of the process: in particular the
// auth mode (dynamic_security vs password_file) is fixed at startup and
// selects the credential backend once at construction time.
package config
