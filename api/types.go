package api

import (
	"encoding/json"
	"fmt"
)

// ChipCoord addresses an Ethernet-connected chip within an allocation,
// serialised on the wire as a two-element array [x, y].
type ChipCoord struct {
	X int
	Y int
}

// MarshalJSON encodes the coordinate as [x, y].
func (c ChipCoord) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{c.X, c.Y})
}

// UnmarshalJSON decodes a [x, y] array.
func (c *ChipCoord) UnmarshalJSON(data []byte) error {
	var pair [2]int
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("spalloc: chip coordinate: %w", err)
	}
	c.X, c.Y = pair[0], pair[1]
	return nil
}

// BoardCoord addresses one board by its logical triad coordinate, serialised
// as [x, y, z].
type BoardCoord struct {
	X int
	Y int
	Z int
}

// MarshalJSON encodes the coordinate as [x, y, z].
func (b BoardCoord) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]int{b.X, b.Y, b.Z})
}

// UnmarshalJSON decodes a [x, y, z] array.
func (b *BoardCoord) UnmarshalJSON(data []byte) error {
	var triad [3]int
	if err := json.Unmarshal(data, &triad); err != nil {
		return fmt.Errorf("spalloc: board coordinate: %w", err)
	}
	b.X, b.Y, b.Z = triad[0], triad[1], triad[2]
	return nil
}

// LinkCoord addresses one inter-board link, serialised as [x, y, z, link].
type LinkCoord struct {
	X    int
	Y    int
	Z    int
	Link int
}

// MarshalJSON encodes the link as [x, y, z, link].
func (l LinkCoord) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]int{l.X, l.Y, l.Z, l.Link})
}

// UnmarshalJSON decodes a [x, y, z, link] array.
func (l *LinkCoord) UnmarshalJSON(data []byte) error {
	var quad [4]int
	if err := json.Unmarshal(data, &quad); err != nil {
		return fmt.Errorf("spalloc: link coordinate: %w", err)
	}
	l.X, l.Y, l.Z, l.Link = quad[0], quad[1], quad[2], quad[3]
	return nil
}

// PhysicalCoord is the physical location of a board: cabinet, frame, and the
// board's position within the frame. Serialised as [cabinet, frame, board].
type PhysicalCoord struct {
	Cabinet int
	Frame   int
	Board   int
}

// MarshalJSON encodes the location as [cabinet, frame, board].
func (p PhysicalCoord) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]int{p.Cabinet, p.Frame, p.Board})
}

// UnmarshalJSON decodes a [cabinet, frame, board] array.
func (p *PhysicalCoord) UnmarshalJSON(data []byte) error {
	var triad [3]int
	if err := json.Unmarshal(data, &triad); err != nil {
		return fmt.Errorf("spalloc: physical coordinate: %w", err)
	}
	p.Cabinet, p.Frame, p.Board = triad[0], triad[1], triad[2]
	return nil
}

// Connection maps one Ethernet-connected chip to its externally reachable
// address. Serialised as a two-element array [[x, y], hostname].
type Connection struct {
	Chip     ChipCoord
	Hostname string
}

// MarshalJSON encodes the connection as [[x, y], hostname].
func (c Connection) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{c.Chip, c.Hostname})
}

// UnmarshalJSON decodes a [[x, y], hostname] pair.
func (c *Connection) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("spalloc: connection entry: %w", err)
	}
	if err := json.Unmarshal(pair[0], &c.Chip); err != nil {
		return err
	}
	if err := json.Unmarshal(pair[1], &c.Hostname); err != nil {
		return fmt.Errorf("spalloc: connection hostname: %w", err)
	}
	return nil
}

// JobStateInfo is the reply payload of get_job_state. Power, Keepalive, and
// Reason are pointers because the server reports null when the value does not
// apply (no boards allocated, no expiry, not destroyed).
type JobStateInfo struct {
	// State is the job's current lifecycle state.
	State JobState `json:"state"`
	// Power reports whether allocated boards are on; nil when the job has no
	// boards.
	Power *bool `json:"power"`
	// Keepalive is the job's keepalive interval in seconds; nil means the job
	// never expires from inactivity.
	Keepalive *float64 `json:"keepalive"`
	// Reason records why the job was destroyed; nil unless destroyed.
	Reason *string `json:"reason"`
}

// JobMachineInfo is the reply payload of get_job_machine_info. All fields are
// immutable once the job reaches the ready state, which is what lets clients
// cache it forever. Before allocation the server reports nulls, which decode
// to zero values here; an empty Connections list marks the payload as not yet
// populated.
type JobMachineInfo struct {
	// Width of the allocated machine in chips.
	Width int `json:"width"`
	// Height of the allocated machine in chips.
	Height int `json:"height"`
	// Connections lists every Ethernet-connected chip and its address.
	Connections []Connection `json:"connections"`
	// MachineName names the machine the boards were carved from.
	MachineName string `json:"machine_name"`
	// Boards lists the logical coordinates of every allocated board.
	Boards []BoardCoord `json:"boards"`
}

// Allocated reports whether the payload describes a real allocation yet.
func (i JobMachineInfo) Allocated() bool {
	return len(i.Connections) > 0
}

// ConnectionFor returns the address of the given chip, if listed.
func (i JobMachineInfo) ConnectionFor(chip ChipCoord) (string, bool) {
	for _, conn := range i.Connections {
		if conn.Chip == chip {
			return conn.Hostname, true
		}
	}
	return "", false
}

// JobInfo is one entry in the list_jobs reply.
type JobInfo struct {
	// JobID is the server-assigned job identifier.
	JobID int `json:"job_id"`
	// Owner names who created the job.
	Owner string `json:"owner"`
	// StartTime is the job creation time as a Unix timestamp in seconds.
	StartTime float64 `json:"start_time"`
	// Keepalive is the job's keepalive interval in seconds; nil means none.
	Keepalive *float64 `json:"keepalive"`
	// State is the job's current lifecycle state.
	State JobState `json:"state"`
	// Power reports board power; nil when no boards are allocated.
	Power *bool `json:"power"`
	// Args echoes the positional allocation arguments the job was created
	// with.
	Args []json.RawMessage `json:"args"`
	// Kwargs echoes the keyword allocation arguments the job was created
	// with.
	Kwargs map[string]any `json:"kwargs"`
	// AllocatedMachineName names the machine the job runs on; nil until
	// allocated.
	AllocatedMachineName *string `json:"allocated_machine_name"`
	// Boards lists the allocated board coordinates; empty until allocated.
	Boards []BoardCoord `json:"boards"`
}

// MachineInfo is one entry in the list_machines reply.
type MachineInfo struct {
	// Name is the machine's unique name.
	Name string `json:"name"`
	// Tags lists the machine's allocation tags.
	Tags []string `json:"tags"`
	// Width of the machine in triads.
	Width int `json:"width"`
	// Height of the machine in triads.
	Height int `json:"height"`
	// DeadBoards lists boards marked dead.
	DeadBoards []BoardCoord `json:"dead_boards"`
	// DeadLinks lists links marked dead.
	DeadLinks []LinkCoord `json:"dead_links"`
}

// WhereIs is the reply payload of where_is, locating a board or chip across
// the logical and physical coordinate systems.
type WhereIs struct {
	// JobID is the job covering the location, when one does.
	JobID *int `json:"job_id"`
	// JobChip is the chip location relative to the covering job.
	JobChip *ChipCoord `json:"job_chip"`
	// Chip is the machine-absolute chip location.
	Chip ChipCoord `json:"chip"`
	// Logical is the logical board coordinate.
	Logical BoardCoord `json:"logical"`
	// Physical is the cabinet/frame/board location.
	Physical PhysicalCoord `json:"physical"`
	// Machine names the machine containing the location.
	Machine string `json:"machine"`
	// BoardChip is the chip location relative to its board.
	BoardChip ChipCoord `json:"board_chip"`
}
