// Package control implements a synchronous command client over the broker's
// asynchronous dynamic-security control channel.
//
// The broker exposes no request/response primitive for administrative
// operations: commands are JSON envelopes published to a control topic, and
// results arrive later on a separate response topic. This package pairs them
// up with correlation identifiers, giving callers an ordinary blocking
// Send(ctx, cmd) call with a timeout.
//
// # Connection lifecycle
//
// The administrative connection is established lazily on first Send, and
// "connected" only resolves once the response-topic subscription is
// acknowledged by the broker, because a command published before that would lose
// its response. Concurrent callers racing on the first Send share a single
// connection attempt (golang.org/x/sync/singleflight). Lost connections are
// not automatically re-established; the next Send triggers a fresh lazy
// connect.
//
// # Correlation
//
// Each command registers a pending entry keyed by a correlation identifier
// before publishing. The response handler and the per-command timeout race
// to remove that entry; removal is an atomic check-and-remove so a caller is
// never resolved twice. Responses missing correlation data are attributed to
// the sole pending command when exactly one is outstanding, and otherwise
// dropped with a log line, an accepted limitation of some broker versions.
package control
