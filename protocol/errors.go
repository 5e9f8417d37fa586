package protocol

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned when an operation is attempted on a client that
// was closed, or whose connection attempt previously failed and has not been
// retried.
var ErrNotConnected = errors.New("spalloc: not connected")

// ErrNoNotification is returned by WaitForNotification when the caller asked
// only for already-buffered notifications (negative timeout) and none were
// pending.
var ErrNoNotification = errors.New("spalloc: no notification pending")

// TransportError reports a socket-level failure that is not a timeout:
// refused or reset connections, a peer that closed the stream, or a partial
// write.
type TransportError struct {
	// Op names the operation that failed ("connect", "send", "recv").
	Op string
	// Err is the underlying cause, when one exists.
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("spalloc: transport %s failed", e.Op)
	}
	return fmt.Sprintf("spalloc: transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError reports that a deadline expired while waiting for socket I/O
// or for a tagged protocol reply.
type TimeoutError struct {
	// Op names the operation that timed out.
	Op string
	// Err is the underlying cause, when one exists.
	Err error
}

func (e *TimeoutError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("spalloc: %s timed out", e.Op)
	}
	return fmt.Sprintf("spalloc: %s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Timeout marks the error as a timeout for callers using net.Error-style
// checks.
func (e *TimeoutError) Timeout() bool { return true }

// ProtocolError wraps a lower-level transport or timeout fault encountered
// while an RPC was in flight, or a reply that violated the protocol.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("spalloc: protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ServerError carries the message of an "exception" reply: the server
// understood the request and explicitly refused it.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("spalloc: server exception: %s", e.Message)
}

// IsTimeout reports whether err has a TimeoutError anywhere in its chain.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsTransient reports whether err is a fault the reconnect cycle can recover
// from: transport and timeout faults, and protocol errors wrapping either.
// Server exceptions are authoritative and never transient.
func IsTransient(err error) bool {
	var transport *TransportError
	if errors.As(err, &transport) {
		return true
	}
	if IsTimeout(err) {
		return true
	}
	var proto *ProtocolError
	if errors.As(err, &proto) {
		return true
	}
	return errors.Is(err, ErrNotConnected)
}
