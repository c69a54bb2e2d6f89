package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// RecordSyncIssue writes one reconciliation discrepancy to the audit trail.
//
// The write is non-blocking; data is batched and sent asynchronously.
// Never write the password, only the username and outcome.
//
// Parameters:
//   - username: The broker username the issue concerns
//   - kind: The issue classification (e.g. "missing_in_broker")
//   - fixed: Whether repair mode resolved the issue
func (c *Client) RecordSyncIssue(username string, kind string, fixed bool) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"credential_sync",
		map[string]string{
			"username": username,
			"kind":     kind,
		},
		map[string]interface{}{
			"fixed": fixed,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// RecordRun writes one run summary to the audit trail.
//
// One point per check, fix or rebuild invocation, so drift trends and
// repair volumes can be charted over time.
//
// Parameters:
//   - mode: The run mode ("check", "fix", "rebuild", "rebuild (dry-run)")
//   - checked: Devices examined
//   - issues: Discrepancies found, including repaired ones
//   - fixed: Repairs that succeeded
//   - failed: Repairs that failed
//   - duration: Wall-clock run time
func (c *Client) RecordRun(mode string, checked, issues, fixed, failed int, duration time.Duration) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"credential_sync_runs",
		map[string]string{
			"mode": mode,
		},
		map[string]interface{}{
			"checked":     checked,
			"issues":      issues,
			"fixed":       fixed,
			"failed":      failed,
			"duration_ms": duration.Milliseconds(),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}
