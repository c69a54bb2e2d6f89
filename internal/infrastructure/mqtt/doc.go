// Package mqtt wraps the Eclipse Paho MQTT client for the control channel.
//
// The wrapper is intentionally narrower than a general-purpose service
// client: no Last Will and Testament, no automatic reconnection, and no
// subscription restoration. The dynamic-security control client owns the
// connection lifecycle: it connects lazily on first use and treats a lost
// connection as something the next operation re-establishes, not something
// this layer papers over.
//
// Publish and Subscribe block until the broker acknowledges the operation,
// which the control client relies on: a command must never be published
// before the response-topic subscription is acknowledged, or its response
// would be silently lost.
package mqtt
