// Command orchestratord runs the agent-fleet orchestrator: it spawns,
// supervises, and coordinates worker subprocesses against a transactional
// store. The HTTP/WebSocket transport layer is explicitly out of scope;
// this binary is the process that owns the store and the fleet.
package main

import (
	"fmt"
	"os"
)

// Build information injected via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
