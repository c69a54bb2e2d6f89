package credentials

import (
	"context"
	"fmt"

	"github.com/trapline/credsync/internal/control"
)

// DynamicSecurity manages device credentials through the broker's
// dynamic-security control plane. Every operation is a control-plane command
// that the broker applies the instant it succeeds, so ApplyChanges is a no-op.
type DynamicSecurity struct {
	sender CommandSender
	role   string
	log    Logger
}

// NewDynamicSecurity creates the dynamic-security backend.
//
// Parameters:
//   - sender: Control-plane client
//   - role: The single role assigned to every device credential
//   - log: Logger
func NewDynamicSecurity(sender CommandSender, role string, log Logger) *DynamicSecurity {
	return &DynamicSecurity{
		sender: sender,
		role:   role,
		log:    log,
	}
}

// AddDevice creates a device credential with the backend's fixed device role.
//
// The credential may already exist (a retry, a re-provision, a rebuild), so
// the create is preceded by ensureAbsent. Only the create's failure is
// surfaced to the caller.
func (d *DynamicSecurity) AddDevice(ctx context.Context, username, password string) error {
	d.ensureAbsent(ctx, username)

	if _, err := d.sender.Send(ctx, control.CreateClient(username, password, d.role)); err != nil {
		return fmt.Errorf("creating client %s: %w", username, err)
	}
	return nil
}

// ensureAbsent deletes any existing credential for username so a following
// create starts from a known state.
//
// This is the idempotent-precondition pattern: the client may legitimately
// not exist yet, so the delete's failure is expected and discarded. It is a
// named helper rather than an inline ignore so the intent is visible and
// testable in isolation.
func (d *DynamicSecurity) ensureAbsent(ctx context.Context, username string) {
	if _, err := d.sender.Send(ctx, control.DeleteClient(username)); err != nil {
		d.log.Debug("precondition delete did not apply",
			"username", username,
			"error", err,
		)
	}
}

// RemoveDevice deletes a device credential. Failure is surfaced.
func (d *DynamicSecurity) RemoveDevice(ctx context.Context, username string) error {
	if _, err := d.sender.Send(ctx, control.DeleteClient(username)); err != nil {
		return fmt.Errorf("deleting client %s: %w", username, err)
	}
	return nil
}

// UpdatePassword rotates a device credential's password.
//
// Rotation is self-healing: if the broker reports the client does not exist,
// the credential is created instead of surfacing an error.
func (d *DynamicSecurity) UpdatePassword(ctx context.Context, username, newPassword string) error {
	_, err := d.sender.Send(ctx, control.SetClientPassword(username, newPassword))
	if err == nil {
		return nil
	}

	if control.IsNotFound(err) {
		d.log.Info("rotating a missing credential, creating it instead",
			"username", username,
		)
		return d.AddDevice(ctx, username, newPassword)
	}

	return fmt.Errorf("rotating password for %s: %w", username, err)
}

// ClientExists reports whether a credential exists for the username.
//
// Existence-checking is a boolean query: any command failure (not found,
// timeout, transport) reads as "does not exist".
func (d *DynamicSecurity) ClientExists(ctx context.Context, username string) bool {
	_, err := d.sender.Send(ctx, control.GetClient(username))
	return err == nil
}

// ListClients enumerates all broker usernames.
//
// On any failure it returns an empty list and logs a warning. Callers treat
// an empty list as "unknown", never as "the broker has zero devices".
func (d *DynamicSecurity) ListClients(ctx context.Context) []string {
	resp, err := d.sender.Send(ctx, control.ListClients())
	if err != nil {
		d.log.Warn("listing broker clients failed", "error", err)
		return nil
	}

	clients, err := resp.Clients()
	if err != nil {
		d.log.Warn("decoding broker client list failed", "error", err)
		return nil
	}
	return clients
}

// ApplyChanges is a no-op: dynamic-security changes are applied by the
// broker the instant each command succeeds.
func (d *DynamicSecurity) ApplyChanges() error {
	return nil
}

// Close is a no-op; the control client's lifetime is owned by the caller.
func (d *DynamicSecurity) Close() error {
	return nil
}
