package api

import "fmt"

// JobState enumerates the allocation lifecycle states a job may be in,
// matching the integer values used on the wire.
//
// States only ever move forward as observed by polling: StateQueued →
// StatePower → StateReady, StateReady → StatePower → StateReady on a board
// reset, and any state → StateDestroyed. The client never drives these
// transitions directly; it requests creation, power changes, or destruction
// and observes the result.
type JobState int

const (
	// StateUnknown means the job id was not recognised by the server.
	// Terminal from the client's perspective, treated like destroyed.
	StateUnknown JobState = 0
	// StateQueued means the job is waiting for a suitable set of boards to
	// become free.
	StateQueued JobState = 1
	// StatePower means the job's boards are being powered on or off.
	StatePower JobState = 2
	// StateReady means boards are allocated and usable now.
	StateReady JobState = 3
	// StateDestroyed means the job has been destroyed; a reason may be
	// recorded. Terminal.
	StateDestroyed JobState = 4
)

// Terminal reports whether the state can never lead to StateReady.
func (s JobState) Terminal() bool {
	return s == StateUnknown || s == StateDestroyed
}

func (s JobState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateQueued:
		return "queued"
	case StatePower:
		return "power"
	case StateReady:
		return "ready"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("JobState(%d)", int(s))
	}
}
