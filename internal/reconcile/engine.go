package reconcile

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/trapline/credsync/internal/roster"
)

// CredentialManager is the slice of the credential backend the engine uses.
// Implemented by credentials.Manager.
type CredentialManager interface {
	AddDevice(ctx context.Context, username, password string) error
	ClientExists(ctx context.Context, username string) bool
	ListClients(ctx context.Context) []string
	ApplyChanges() error
}

// Auditor records per-issue and per-run outcomes for the optional
// provisioning audit trail. Implemented by infrastructure/influxdb.Client.
type Auditor interface {
	RecordSyncIssue(username string, kind string, fixed bool)
	RecordRun(mode string, checked, issues, fixed, failed int, duration time.Duration)
}

// Logger is the logging surface the engine needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options configures an Engine.
type Options struct {
	// SystemAccounts are broker usernames excluded from drift
	// classification (the admin identity, services). A broker username
	// outside this set with no device record is reported as stale.
	SystemAccounts []string

	// OpDelay is the pause between per-device broker operations during
	// batch runs. Zero disables the pause.
	OpDelay time.Duration

	// Output receives the per-device progress lines. Defaults to io.Discard.
	Output io.Writer

	// Audit receives per-issue and per-run records. Optional.
	Audit Auditor
}

// Engine detects and optionally repairs drift between the fleet database's
// device roster and the broker's live credential set.
//
// The invariant it restores: every claimed device with a broker username has
// exactly one live broker credential. Drift appears after partial failures
// such as a broker state reset, a lost dynamic-security store, or a
// provisioning crash between database commit and broker command.
type Engine struct {
	store roster.Repository
	creds CredentialManager
	log   Logger

	systemAccounts map[string]struct{}
	opDelay        time.Duration
	out            io.Writer
	audit          Auditor
}

// New creates a reconciliation engine.
func New(store roster.Repository, creds CredentialManager, log Logger, opts Options) *Engine {
	system := make(map[string]struct{}, len(opts.SystemAccounts))
	for _, name := range opts.SystemAccounts {
		system[name] = struct{}{}
	}

	out := opts.Output
	if out == nil {
		out = io.Discard
	}

	return &Engine{
		store:          store,
		creds:          creds,
		log:            log,
		systemAccounts: system,
		opDelay:        opts.OpDelay,
		out:            out,
		audit:          opts.Audit,
	}
}

// Check compares the fleet database's claimed-device roster against the
// broker's live roster and classifies every discrepancy.
//
// With fix set, each fixable missing credential is recreated from the fleet
// database's plaintext password. One device's repair failure never aborts
// the batch; each outcome is recorded independently. Stale broker
// credentials are reported but never deleted.
//
// Parameters:
//   - ctx: Cancelling it stops the run between per-device iterations
//   - fix: Repair fixable issues instead of only reporting them
//
// Returns:
//   - *Report: Per-device outcomes and summary counts
//   - error: Only for run-level failures (the fleet database unreadable,
//     ctx cancelled); per-device failures live in the report
func (e *Engine) Check(ctx context.Context, fix bool) (*Report, error) {
	start := time.Now()

	report := &Report{Mode: "check"}
	if fix {
		report.Mode = "fix"
	}

	devices, err := e.store.ListClaimed(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing claimed devices: %w", err)
	}

	// The live roster is always queried fresh; no local copy is kept.
	// An empty roster means "unknown" (the query may have failed), so stale
	// detection below can under-report but never misfire.
	brokerOnly := make(map[string]struct{})
	for _, username := range e.creds.ListClients(ctx) {
		if _, ok := e.systemAccounts[username]; ok {
			continue
		}
		brokerOnly[username] = struct{}{}
	}

	for _, device := range devices {
		if err := e.pause(ctx); err != nil {
			return nil, err
		}

		report.Checked++
		delete(brokerOnly, device.BrokerUsername)

		exists := e.creds.ClientExists(ctx, device.BrokerUsername)

		switch {
		case exists && device.HasPassword():
			report.OK++
			fmt.Fprintf(e.out, "OK      %s\n", device.BrokerUsername)

		case exists && !device.HasPassword():
			e.addIssue(report, SyncIssue{
				Username: device.BrokerUsername,
				Device:   device,
				Kind:     IssueMissingPassword,
			})
			fmt.Fprintf(e.out, "WARN    %s  credential live but no plaintext password recorded; cannot be rebuilt automatically\n",
				device.BrokerUsername)

		case !exists && device.HasPassword():
			issue := SyncIssue{
				Username: device.BrokerUsername,
				Device:   device,
				Kind:     IssueMissingInBroker,
				Fixable:  true,
			}
			if fix {
				e.repair(ctx, report, &issue)
			} else {
				fmt.Fprintf(e.out, "ISSUE   %s  missing in broker (fixable)\n", device.BrokerUsername)
			}
			e.addIssue(report, issue)

		default: // !exists && !device.HasPassword()
			report.Unfixable++
			e.addIssue(report, SyncIssue{
				Username: device.BrokerUsername,
				Device:   device,
				Kind:     IssueMissingInBroker,
				FixError: ErrUnrecoverableCredential,
			})
			fmt.Fprintf(e.out, "ISSUE   %s  missing in broker, no plaintext password: manual recovery required\n",
				device.BrokerUsername)
		}
	}

	for username := range brokerOnly {
		e.addIssue(report, SyncIssue{
			Username: username,
			Kind:     IssueStaleInBroker,
		})
		fmt.Fprintf(e.out, "STALE   %s  present in broker but not in the device roster (not deleted)\n", username)
	}

	if fix && report.Fixed > 0 {
		if err := e.creds.ApplyChanges(); err != nil {
			e.log.Error("applying credential changes failed", "error", err)
		}
	}

	report.Duration = time.Since(start)
	e.recordRun(report)
	return report, nil
}

// Rebuild re-applies every provisionable device credential to the broker,
// for disaster recovery after the broker's credential state is lost.
//
// Unlike Check it does not diff: every record with a plaintext password is
// unconditionally recreated, serialized with the configured delay so the
// broker's control channel is not overwhelmed. Records without a plaintext
// password are reported as unrecoverable. With dryRun set, the same
// enumeration and reporting happens without issuing any broker commands.
//
// Parameters:
//   - ctx: Cancelling it stops the run between per-device iterations
//   - dryRun: Enumerate and report only
//
// Returns:
//   - *Report: Per-device outcomes and summary counts
//   - error: Only for run-level failures
func (e *Engine) Rebuild(ctx context.Context, dryRun bool) (*Report, error) {
	start := time.Now()

	report := &Report{Mode: "rebuild"}
	if dryRun {
		report.Mode = "rebuild (dry-run)"
	}

	devices, err := e.store.ListProvisionable(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing provisionable devices: %w", err)
	}

	for _, device := range devices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		report.Checked++

		if !device.HasPassword() {
			report.Unfixable++
			e.addIssue(report, SyncIssue{
				Username: device.BrokerUsername,
				Device:   device,
				Kind:     IssueMissingInBroker,
				FixError: ErrUnrecoverableCredential,
			})
			fmt.Fprintf(e.out, "SKIP    %s  no plaintext password: manual recovery required\n", device.BrokerUsername)
			continue
		}

		if dryRun {
			report.OK++
			fmt.Fprintf(e.out, "WOULD   %s  recreate credential\n", device.BrokerUsername)
			continue
		}

		if err := e.pause(ctx); err != nil {
			return nil, err
		}

		if err := e.creds.AddDevice(ctx, device.BrokerUsername, *device.Password); err != nil {
			report.Failed++
			e.addIssue(report, SyncIssue{
				Username: device.BrokerUsername,
				Device:   device,
				Kind:     IssueMissingInBroker,
				Fixable:  true,
				FixError: err,
			})
			fmt.Fprintf(e.out, "FAILED  %s  %v\n", device.BrokerUsername, err)
			e.log.Error("rebuilding credential failed",
				"username", device.BrokerUsername,
				"error", err,
			)
			continue
		}

		report.Fixed++
		fmt.Fprintf(e.out, "ADDED   %s\n", device.BrokerUsername)
	}

	if !dryRun && report.Fixed > 0 {
		if err := e.creds.ApplyChanges(); err != nil {
			e.log.Error("applying credential changes failed", "error", err)
		}
	}

	report.Duration = time.Since(start)
	e.recordRun(report)
	return report, nil
}

// repair recreates a single missing credential, recording the outcome on
// the issue and the report. A failure is logged and counted, never
// propagated: one device must not abort the batch.
func (e *Engine) repair(ctx context.Context, report *Report, issue *SyncIssue) {
	if err := e.creds.AddDevice(ctx, issue.Username, *issue.Device.Password); err != nil {
		report.Failed++
		issue.FixError = err
		fmt.Fprintf(e.out, "FAILED  %s  %v\n", issue.Username, err)
		e.log.Error("repairing credential failed",
			"username", issue.Username,
			"error", err,
		)
		return
	}

	report.Fixed++
	issue.Fixed = true
	fmt.Fprintf(e.out, "FIXED   %s  credential recreated\n", issue.Username)
}

// addIssue appends an issue to the report and forwards it to the auditor.
func (e *Engine) addIssue(report *Report, issue SyncIssue) {
	report.Issues = append(report.Issues, issue)
	if e.audit != nil {
		e.audit.RecordSyncIssue(issue.Username, string(issue.Kind), issue.Fixed)
	}
}

// recordRun forwards the run summary to the auditor.
func (e *Engine) recordRun(report *Report) {
	e.log.Info("run complete",
		"mode", report.Mode,
		"checked", report.Checked,
		"issues", len(report.Issues),
		"fixed", report.Fixed,
		"failed", report.Failed,
	)
	if e.audit != nil {
		e.audit.RecordRun(report.Mode, report.Checked, len(report.Issues),
			report.Fixed, report.Failed, report.Duration)
	}
}

// pause waits the inter-operation delay, returning early if ctx is
// cancelled. Keeps long batches interruptible between per-device
// iterations.
func (e *Engine) pause(ctx context.Context) error {
	if e.opDelay <= 0 {
		return ctx.Err()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.opDelay):
		return nil
	}
}
