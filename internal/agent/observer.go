package agent

import "github.com/cefsiem/cef-agent/internal/state"

// Observer is notified of loop outcomes. Calls happen on the loop goroutine
// and must not block for long.
type Observer interface {
	// UploadCompleted receives the store record after every upload attempt,
	// with the delivery error if the attempt failed.
	UploadCompleted(rec state.Record, err error)

	// HeartbeatCompleted receives the heartbeat result (nil on success).
	HeartbeatCompleted(err error)

	// SweepCompleted reports how many retries ran and how many still fail.
	SweepCompleted(attempted, failed int)
}
