package spalloc

import (
	"errors"
	"fmt"

	"pkt.systems/spalloc/api"
)

// ErrIncompatibleVersion is returned when the server speaks a protocol
// version outside the range this client supports.
var ErrIncompatibleVersion = errors.New("spalloc: server version is not compatible with this client")

// DestroyedError reports that a job no longer exists on the server: it was
// destroyed, or the server does not recognise its id at all.
type DestroyedError struct {
	// ID of the job.
	ID int
	// Reason given by the server, when it recorded one.
	Reason string
}

func (e *DestroyedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("spalloc: job %d destroyed", e.ID)
	}
	return fmt.Sprintf("spalloc: job %d destroyed: %s", e.ID, e.Reason)
}

// StateChangeTimeoutError reports that a wait for a job state change gave up
// before the job left the named state.
type StateChangeTimeoutError struct {
	// State the job was still in when the wait expired.
	State api.JobState
}

func (e *StateChangeTimeoutError) Error() string {
	return fmt.Sprintf("spalloc: timed out waiting for a state change while %s", e.State)
}
