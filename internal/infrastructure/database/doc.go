// Package database provides SQLite connectivity to the fleet database.
//
// The fleet database is the source of truth for device identity. It is
// owned, created, and migrated by the fleet-management service; credsync
// opens it read-only in practice (no code path issues writes) to enumerate
// device credentials for reconciliation and rebuild.
//
// Characteristics:
//   - WAL mode allows credsync reads concurrent with the owner's writes
//   - Busy timeout prevents lock contention errors
//   - All queries use parameterised statements
package database
