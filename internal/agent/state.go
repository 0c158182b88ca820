package agent

// State is the loop's current activity.
type State int32

const (
	// StateIdle means the loop is waiting for an event or a tick.
	StateIdle State = iota
	// StateUploading means a file upload is in flight.
	StateUploading
	// StateHeartbeatInFlight means a heartbeat request is in flight.
	StateHeartbeatInFlight
	// StateRetrySweep means failed uploads are being retried.
	StateRetrySweep
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUploading:
		return "uploading"
	case StateHeartbeatInFlight:
		return "heartbeat"
	case StateRetrySweep:
		return "retry_sweep"
	default:
		return "unknown"
	}
}
