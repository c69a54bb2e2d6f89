// Package influxdb provides the optional provisioning audit trail.
//
// It wraps the official influxdb-client-go v2 library with connection
// management and non-blocking batched writes. When enabled, every
// reconciliation discrepancy and every run summary is recorded as a
// time-series point, so drift frequency and repair volume can be charted
// alongside the fleet's telemetry.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without the audit trail
//	}
//	defer client.Close()
//
//	client.RecordSyncIssue("trap-0042", "missing_in_broker", true)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes; Flush before
// exit so short runs don't lose records to batching.
//
// Passwords are never written, only usernames and outcomes.
package influxdb
