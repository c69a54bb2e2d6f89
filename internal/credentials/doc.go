// Package credentials manages the lifecycle of device broker credentials.
//
// The Manager interface exposes create, rotate, delete, existence-check, and
// list operations behind two interchangeable backends selected once at
// startup:
//
//   - DynamicSecurity issues commands over the broker's dynamic-security
//     control plane (package control). Changes apply instantly.
//   - PasswordFile shells out to the broker's password utility and signals
//     the broker to reload, with repeated apply requests debounced into a
//     single reload.
//
// Operations are written to be safe to repeat: AddDevice deletes any
// existing identity before creating (the idempotent-precondition pattern),
// and UpdatePassword creates the credential when rotating one that does not
// exist. Failure-mode policy follows the consumer's needs rather than strict
// error propagation: existence checks never fail (unknown reads as false),
// and list failures read as an empty, "unknown" roster.
package credentials
