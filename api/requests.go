package api

import (
	"errors"
	"fmt"
)

// CreateJobRequest describes a board allocation request. Exactly one shape
// may be given: Boards (a count, zero meaning a single board), Width×Height
// (a rectangle of triads), or Board (one specific board, which also requires
// Machine). The remaining fields are allocation constraints.
type CreateJobRequest struct {
	// Boards requests any allocation of at least this many boards.
	Boards int
	// Width and Height request a rectangle of triads.
	Width  int
	Height int
	// Board requests one specific board by triad coordinate. Requires
	// Machine.
	Board *BoardCoord
	// Owner identifies who owns the job. Required; by convention an email
	// address.
	Owner string
	// KeepaliveSeconds is the interval after which the server may destroy
	// the job if no keepalive arrives. Nil means the job never expires.
	KeepaliveSeconds *float64
	// Machine pins the job to a named machine. Mutually exclusive with Tags.
	Machine string
	// Tags restricts allocation to machines carrying all of these tags.
	// Mutually exclusive with Machine.
	Tags []string
	// MinRatio is the minimum aspect ratio (height/width) the allocation
	// must be at least as square as.
	MinRatio float64
	// MaxDeadBoards bounds how many dead boards the allocation may contain.
	// Nil allows any number.
	MaxDeadBoards *int
	// MaxDeadLinks bounds how many dead links the allocation may contain.
	// Nil allows any number.
	MaxDeadLinks *int
	// RequireTorus requires wrap-around connectivity, which typically means
	// a whole machine.
	RequireTorus bool
}

// Validate checks the request invariants: an owner is present, machine and
// tags are not combined, at most one allocation shape is given, and a
// specific board names its machine.
func (r CreateJobRequest) Validate() error {
	if r.Owner == "" {
		return errors.New("spalloc: an owner must be specified for all jobs")
	}
	if r.Machine != "" && len(r.Tags) > 0 {
		return errors.New("spalloc: only one of machine and tags may be specified")
	}
	shapes := 0
	if r.Boards > 0 {
		shapes++
	}
	if r.Width > 0 || r.Height > 0 {
		if r.Width <= 0 || r.Height <= 0 {
			return errors.New("spalloc: width and height must be given together")
		}
		shapes++
	}
	if r.Board != nil {
		if r.Machine == "" {
			return errors.New("spalloc: a specific board requires a machine name")
		}
		shapes++
	}
	if shapes > 1 {
		return errors.New("spalloc: at most one of boards, width×height, and board may be specified")
	}
	return nil
}

// Positional returns the create_job positional arguments: empty for a single
// board, [n] for a board count, [w, h] for a rectangle, or [x, y, z] for a
// specific board.
func (r CreateJobRequest) Positional() []any {
	switch {
	case r.Board != nil:
		return []any{r.Board.X, r.Board.Y, r.Board.Z}
	case r.Width > 0:
		return []any{r.Width, r.Height}
	case r.Boards > 0:
		return []any{r.Boards}
	default:
		return []any{}
	}
}

// Keywords returns the create_job keyword arguments. Every key is always
// present; absent optional values are sent as JSON null, matching what
// servers expect.
func (r CreateJobRequest) Keywords() map[string]any {
	kw := map[string]any{
		"owner":           r.Owner,
		"keepalive":       nullable(r.KeepaliveSeconds),
		"machine":         nullableString(r.Machine),
		"tags":            nil,
		"min_ratio":       r.MinRatio,
		"max_dead_boards": nullable(r.MaxDeadBoards),
		"max_dead_links":  nullable(r.MaxDeadLinks),
		"require_torus":   r.RequireTorus,
	}
	if len(r.Tags) > 0 {
		kw["tags"] = r.Tags
	}
	return kw
}

// WhereIsQuery locates a board or chip. Exactly one of the four legal
// combinations must be populated: Machine+Logical, Machine+Physical,
// Machine+Chip, or JobID+Chip.
type WhereIsQuery struct {
	// Machine scopes machine-relative queries.
	Machine string
	// JobID scopes job-relative chip queries.
	JobID *int
	// Logical is a board triad coordinate within Machine.
	Logical *BoardCoord
	// Physical is a cabinet/frame/board location within Machine.
	Physical *PhysicalCoord
	// Chip is a chip coordinate, relative to Machine or to JobID.
	Chip *ChipCoord
}

// Validate checks that the query matches one of the four accepted keyword
// combinations.
func (q WhereIsQuery) Validate() error {
	switch {
	case q.Machine != "" && q.JobID == nil && q.Logical != nil && q.Physical == nil && q.Chip == nil:
		return nil
	case q.Machine != "" && q.JobID == nil && q.Logical == nil && q.Physical != nil && q.Chip == nil:
		return nil
	case q.Machine != "" && q.JobID == nil && q.Logical == nil && q.Physical == nil && q.Chip != nil:
		return nil
	case q.Machine == "" && q.JobID != nil && q.Logical == nil && q.Physical == nil && q.Chip != nil:
		return nil
	default:
		return fmt.Errorf("spalloc: invalid where_is arguments")
	}
}

// Keywords returns the where_is keyword arguments for the populated
// combination.
func (q WhereIsQuery) Keywords() map[string]any {
	kw := map[string]any{}
	switch {
	case q.Logical != nil:
		kw["machine"] = q.Machine
		kw["x"], kw["y"], kw["z"] = q.Logical.X, q.Logical.Y, q.Logical.Z
	case q.Physical != nil:
		kw["machine"] = q.Machine
		kw["cabinet"], kw["frame"], kw["board"] = q.Physical.Cabinet, q.Physical.Frame, q.Physical.Board
	case q.JobID != nil:
		kw["job_id"] = *q.JobID
		if q.Chip != nil {
			kw["chip_x"], kw["chip_y"] = q.Chip.X, q.Chip.Y
		}
	default:
		kw["machine"] = q.Machine
		if q.Chip != nil {
			kw["chip_x"], kw["chip_y"] = q.Chip.X, q.Chip.Y
		}
	}
	return kw
}

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
