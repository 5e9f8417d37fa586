// Package api defines the wire types for the spalloc line protocol: the
// command envelope sent to the server and the closed set of reply shapes
// (return value, exception, notification) that may come back, plus the typed
// payloads carried inside them.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Request is the command envelope sent to the server, one JSON object per
// line.
type Request struct {
	// Command is the RPC method name, e.g. "create_job".
	Command string `json:"command"`
	// Args carries positional arguments. Always serialised, never null.
	Args []any `json:"args"`
	// Kwargs carries keyword arguments. Always serialised, never null.
	Kwargs map[string]any `json:"kwargs"`
}

// NewRequest builds a Request with non-nil Args and Kwargs so the serialised
// envelope always contains "args" and "kwargs" keys.
func NewRequest(command string, args []any, kwargs map[string]any) Request {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return Request{Command: command, Args: args, Kwargs: kwargs}
}

// EnvelopeKind tags which of the reply shapes a received line matched.
type EnvelopeKind int

const (
	// KindReturn marks a successful RPC reply carrying a result value.
	KindReturn EnvelopeKind = iota
	// KindException marks an RPC failure reported by the server.
	KindException
	// KindNotification marks an unsolicited server push.
	KindNotification
)

// ErrMalformedEnvelope reports a received line that is not a JSON object and
// therefore matches none of the protocol's reply shapes.
var ErrMalformedEnvelope = errors.New("spalloc: malformed protocol envelope")

// Envelope is one decoded line from the server. Exactly one of Return,
// Exception, or Notification is meaningful, selected by Kind.
type Envelope struct {
	Kind         EnvelopeKind
	Return       json.RawMessage
	Exception    string
	Notification *Notification
}

// DecodeEnvelope classifies a received line. An object with a "return" key is
// a success reply, one with an "exception" key is a server-reported failure,
// and any other object is a notification. Anything that is not a JSON object
// fails with ErrMalformedEnvelope.
func DecodeEnvelope(line []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if fields == nil {
		return Envelope{}, fmt.Errorf("%w: null line", ErrMalformedEnvelope)
	}
	if ret, ok := fields["return"]; ok {
		return Envelope{Kind: KindReturn, Return: ret}, nil
	}
	if exc, ok := fields["exception"]; ok {
		var msg string
		if err := json.Unmarshal(exc, &msg); err != nil {
			// Non-string exception payloads are preserved verbatim.
			msg = string(exc)
		}
		return Envelope{Kind: KindException, Exception: msg}, nil
	}
	notif, err := decodeNotification(line, fields)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: KindNotification, Notification: notif}, nil
}

// Notification is an unsolicited server push. The known shapes are decoded
// into JobsChanged/MachinesChanged; Raw always preserves the original line so
// callers can handle shapes this client predates.
type Notification struct {
	// JobsChanged lists job ids whose state changed, when present.
	JobsChanged []int
	// MachinesChanged lists machine names whose state changed, when present.
	MachinesChanged []string
	// Raw is the notification object exactly as received.
	Raw json.RawMessage
}

func decodeNotification(line []byte, fields map[string]json.RawMessage) (*Notification, error) {
	n := &Notification{Raw: append(json.RawMessage(nil), line...)}
	if raw, ok := fields["jobs_changed"]; ok {
		if err := json.Unmarshal(raw, &n.JobsChanged); err != nil {
			return nil, fmt.Errorf("spalloc: bad jobs_changed notification: %w", err)
		}
	}
	if raw, ok := fields["machines_changed"]; ok {
		if err := json.Unmarshal(raw, &n.MachinesChanged); err != nil {
			return nil, fmt.Errorf("spalloc: bad machines_changed notification: %w", err)
		}
	}
	return n, nil
}
