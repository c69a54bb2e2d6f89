// Package roster reads the device identity roster from the fleet database.
//
// The fleet database is the source of truth for which devices exist and
// which broker credentials they were issued. This package exposes the three
// read-only queries the reconciliation engine needs; it never writes.
package roster
