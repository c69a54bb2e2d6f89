package credentials

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/trapline/credsync/internal/infrastructure/config"
)

// PasswordFile manages device credentials in a flat broker password file,
// for environments without the dynamic-security control plane.
//
// Writes go through the broker's password utility (mosquitto_passwd); they
// do not take effect until the broker is signalled to reload, which
// ApplyChanges schedules through the debounced ReloadScheduler.
//
// Known limitations, intentional rather than accidental: a flat file is not
// reliably queryable without parsing it, so ClientExists always reports true
// and ListClients always reports empty. Reconciliation against this backend
// can therefore detect neither missing nor stale credentials.
type PasswordFile struct {
	cfg       config.PasswordFileConfig
	scheduler *ReloadScheduler
	log       Logger

	// runCommand executes an external command and returns its combined
	// output. Overridable in tests.
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewPasswordFile creates the password-file backend.
func NewPasswordFile(cfg config.PasswordFileConfig, log Logger) *PasswordFile {
	p := &PasswordFile{
		cfg: cfg,
		log: log,
		runCommand: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
	p.scheduler = NewReloadScheduler(
		time.Duration(cfg.DebounceSeconds)*time.Second,
		p.reload,
		log,
	)
	return p
}

// AddDevice writes (or overwrites) the username's entry in the password file.
//
// The -b batch flag both creates and replaces entries, so the operation is
// idempotent without a separate delete.
func (p *PasswordFile) AddDevice(ctx context.Context, username, password string) error {
	out, err := p.runCommand(ctx, p.cfg.PasswdBinary, "-b", p.cfg.Path, username, password)
	if err != nil {
		return fmt.Errorf("%w: adding %s: %v: %s", ErrPasswdUtility, username, err, out)
	}
	return nil
}

// RemoveDevice deletes the username's entry from the password file.
func (p *PasswordFile) RemoveDevice(ctx context.Context, username string) error {
	out, err := p.runCommand(ctx, p.cfg.PasswdBinary, "-D", p.cfg.Path, username)
	if err != nil {
		return fmt.Errorf("%w: removing %s: %v: %s", ErrPasswdUtility, username, err, out)
	}
	return nil
}

// UpdatePassword rotates the username's entry. The batch write replaces an
// existing entry and creates a missing one, so rotation is self-healing here
// by construction.
func (p *PasswordFile) UpdatePassword(ctx context.Context, username, newPassword string) error {
	return p.AddDevice(ctx, username, newPassword)
}

// ClientExists always reports true.
//
// A flat password file is not reliably queryable without parsing it; a
// permissive answer means no caller ever recreates a credential just because
// the file could not be read.
func (p *PasswordFile) ClientExists(_ context.Context, _ string) bool {
	return true
}

// ListClients always reports an empty list, which callers treat as
// "unknown". See the type comment for why the file is not parsed.
func (p *PasswordFile) ListClients(_ context.Context) []string {
	p.log.Debug("listClients is not supported by the password-file backend")
	return nil
}

// ApplyChanges schedules a broker reload through the debounce window.
// Repeated calls within the window coalesce into a single reload.
func (p *PasswordFile) ApplyChanges() error {
	p.scheduler.Request()
	return nil
}

// reload signals the broker to re-read the password file.
func (p *PasswordFile) reload() error {
	if p.cfg.ReloadCommand == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := p.runCommand(ctx, "sh", "-c", p.cfg.ReloadCommand)
	if err != nil {
		return fmt.Errorf("%w: %v: %s", ErrReloadFailed, err, out)
	}
	p.log.Info("broker signalled to reload password file")
	return nil
}

// Close flushes any pending reload so a trailing credential write is not
// lost, then stops the scheduler.
func (p *PasswordFile) Close() error {
	err := p.scheduler.Flush()
	p.scheduler.Stop()
	return err
}
