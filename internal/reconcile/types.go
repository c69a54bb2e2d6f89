package reconcile

import (
	"fmt"
	"io"
	"time"

	"github.com/trapline/credsync/internal/roster"
)

// IssueKind classifies a single discrepancy between the fleet database and
// the broker's live credential set.
type IssueKind string

// Discrepancy classifications.
const (
	// IssueMissingInBroker means a claimed device has no broker credential.
	// Fixable when the fleet database holds the plaintext password;
	// otherwise manual recovery is required.
	IssueMissingInBroker IssueKind = "missing_in_broker"

	// IssueMissingPassword means the broker credential exists but the fleet
	// database has no plaintext password recorded. Existing sessions keep
	// working; future automated rebuilds cannot recreate this credential.
	// A warning, not an error.
	IssueMissingPassword IssueKind = "missing_plaintext_password"

	// IssueStaleInBroker means a broker credential has no matching device
	// record. Reported only: stale credentials are never auto-deleted, so an
	// accidental mismatch cannot silently revoke device access.
	IssueStaleInBroker IssueKind = "stale_in_broker"
)

// SyncIssue is one discrepancy found by a comparison pass. Issues are
// produced transiently per run and never persisted.
type SyncIssue struct {
	// Username is the broker username the issue concerns.
	Username string

	// Device is the fleet database record, when one exists. Zero for
	// stale-in-broker issues.
	Device roster.DeviceCredential

	// Kind classifies the discrepancy.
	Kind IssueKind

	// Fixable reports whether repair mode can resolve this issue.
	Fixable bool

	// Fixed reports whether repair mode resolved this issue.
	Fixed bool

	// FixError holds the repair failure, if repair was attempted and failed,
	// or ErrUnrecoverableCredential when no repair is possible.
	FixError error
}

// Report summarises one reconciliation or rebuild run.
type Report struct {
	// Mode names the run for logs and summaries: "check", "fix", "rebuild",
	// or "rebuild (dry-run)".
	Mode string

	// Checked is the number of fleet database devices examined.
	Checked int

	// OK is the number of devices with no discrepancy.
	OK int

	// Issues holds every discrepancy found, including ones repair resolved.
	Issues []SyncIssue

	// Fixed and Failed count repair outcomes.
	Fixed  int
	Failed int

	// Unfixable counts issues requiring manual recovery.
	Unfixable int

	// Duration is the wall-clock time of the run.
	Duration time.Duration
}

// Clean reports whether the run left no unresolved issues.
//
// Missing-plaintext-password warnings do not make a run unclean: the
// credential is live and nothing is actionable beyond re-provisioning the
// device eventually. Everything else unresolved (missing credentials that
// were not or could not be fixed, stale broker entries, failed repairs)
// makes the run unclean, which the tools translate to a non-zero exit code.
func (r *Report) Clean() bool {
	for _, issue := range r.Issues {
		if issue.Kind == IssueMissingPassword {
			continue
		}
		if !issue.Fixed {
			return false
		}
	}
	return true
}

// WriteSummary writes the final per-run summary counts.
func (r *Report) WriteSummary(w io.Writer) {
	fmt.Fprintf(w, "\n%s: %d checked, %d ok, %d issues", r.Mode, r.Checked, r.OK, len(r.Issues))
	if r.Fixed > 0 || r.Failed > 0 {
		fmt.Fprintf(w, ", %d fixed, %d failed", r.Fixed, r.Failed)
	}
	if r.Unfixable > 0 {
		fmt.Fprintf(w, ", %d need manual recovery", r.Unfixable)
	}
	fmt.Fprintf(w, " (%s)\n", r.Duration.Round(time.Millisecond))
}
