// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// ShutdownTimeout bounds a graceful server shutdown, including aborting
	// running pipelines and draining subscriber connections.
	ShutdownTimeout = 30 * time.Second

	// DefaultKillGrace is the delay between SIGTERM and SIGKILL when a
	// pipeline process is stopped and no grace period is configured.
	DefaultKillGrace = 10 * time.Second

	// AbortTimeout bounds how long an abort request waits for the session
	// to reach its terminal status.
	AbortTimeout = 30 * time.Second
)
