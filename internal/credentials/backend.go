package credentials

import (
	"context"
	"fmt"

	"github.com/trapline/credsync/internal/control"
	"github.com/trapline/credsync/internal/infrastructure/config"
)

// Manager is the credential lifecycle interface consumed by the
// reconciliation engine and the CLI tools.
//
// Two interchangeable backends implement it: the dynamic-security control
// plane and the legacy password file. Call sites are backend-agnostic; the
// backend is chosen once at construction from config and never switched at
// runtime.
type Manager interface {
	// AddDevice creates (or recreates) a device credential. It is
	// idempotent: calling it twice with the same username and password
	// yields the same end state as calling it once.
	AddDevice(ctx context.Context, username, password string) error

	// RemoveDevice deletes a device credential.
	RemoveDevice(ctx context.Context, username string) error

	// UpdatePassword rotates a device credential's password. Rotation is
	// self-healing: if the credential does not exist it is created.
	UpdatePassword(ctx context.Context, username, newPassword string) error

	// ClientExists reports whether a credential exists for the username.
	// It is a boolean query and never returns an error; any failure to
	// determine existence reads as false.
	ClientExists(ctx context.Context, username string) bool

	// ListClients enumerates broker usernames. On failure it returns an
	// empty list and logs; callers must treat an empty list as "unknown",
	// never as "the broker has zero devices".
	ListClients(ctx context.Context) []string

	// ApplyChanges makes accumulated credential writes take effect. It is a
	// no-op for the dynamic-security backend, where each command is applied
	// by the broker the instant it succeeds.
	ApplyChanges() error

	// Close releases backend resources and flushes any pending apply.
	Close() error
}

// CommandSender issues a single control-plane command and waits for its
// correlated response. Implemented by control.Client.
type CommandSender interface {
	Send(ctx context.Context, cmd control.Command) (control.Response, error)
}

// Logger is the logging surface the backends need.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// New constructs the backend selected by cfg.Mode.
//
// Parameters:
//   - cfg: Auth configuration (mode plus per-backend settings)
//   - sender: Control-plane client; required in dynamic_security mode,
//     ignored in password_file mode
//   - log: Logger
//
// Returns:
//   - Manager: The selected backend
//   - error: ErrUnsupportedMode if cfg.Mode is not recognised
func New(cfg config.AuthConfig, sender CommandSender, log Logger) (Manager, error) {
	switch cfg.Mode {
	case config.AuthModeDynamicSecurity:
		return NewDynamicSecurity(sender, cfg.DeviceRole, log), nil
	case config.AuthModePasswordFile:
		return NewPasswordFile(cfg.PasswordFile, log), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, cfg.Mode)
	}
}
