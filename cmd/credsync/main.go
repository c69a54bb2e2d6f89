// credsync - MQTT fleet credential reconciliation
//
// credsync keeps a Mosquitto broker's credential set in sync with the fleet
// database's device roster. The fleet database is the source of truth:
// every claimed device with a broker username should have exactly one live
// broker credential. credsync detects drift (missing, stale, or
// unrecoverable credentials), repairs what it safely can, and can rebuild
// the entire credential set after a broker state loss.
//
// It is an operator tool, run on demand or from cron, never a daemon.
package main

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

func main() {
	Execute()
}
