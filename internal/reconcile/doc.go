// Package reconcile detects and repairs drift between the fleet database
// and the broker's live credential set.
//
// The fleet database is the source of truth: for every claimed device with
// a broker username there should be exactly one live broker credential.
// Check classifies departures from that invariant (missing in broker,
// missing plaintext password, stale in broker) and can repair the fixable
// ones; Rebuild recreates the entire credential set for disaster recovery.
//
// Two safety rules shape the design. Stale broker credentials are reported
// but never deleted, so a mismatch can never silently revoke a live
// device's access. And a device whose credential is missing with no
// plaintext password on record is always reported as requiring manual
// recovery: there is no secret to recreate it from, and skipping it
// silently would hide a dead device.
package reconcile
