package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pkt.systems/spalloc/api"
)

// Typed bindings for the spalloc RPC surface. Each binding issues one Call on
// the given handle and decodes the reply payload; error semantics are those
// of Call.

// Version asks the server for its protocol version.
func (c *Client) Version(ctx context.Context, h Handle, timeout time.Duration) (api.Version, error) {
	raw, err := c.Call(ctx, h, "version", nil, nil, timeout)
	if err != nil {
		return api.Version{}, err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return api.Version{}, &ProtocolError{Err: fmt.Errorf("version reply: %w", err)}
	}
	return api.ParseVersion(s)
}

// CreateJob validates req and asks the server to allocate a new job,
// returning the server-assigned job id.
func (c *Client) CreateJob(ctx context.Context, h Handle, req api.CreateJobRequest, timeout time.Duration) (int, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	raw, err := c.Call(ctx, h, "create_job", req.Positional(), req.Keywords(), timeout)
	if err != nil {
		return 0, err
	}
	var id int
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, &ProtocolError{Err: fmt.Errorf("create_job reply: %w", err)}
	}
	return id, nil
}

// JobKeepalive tells the server this client still wants job id alive.
func (c *Client) JobKeepalive(ctx context.Context, h Handle, id int, timeout time.Duration) error {
	_, err := c.Call(ctx, h, "job_keepalive", []any{id}, nil, timeout)
	return err
}

// GetJobState fetches the job's lifecycle state, power state, keepalive
// interval, and destruction reason.
func (c *Client) GetJobState(ctx context.Context, h Handle, id int, timeout time.Duration) (api.JobStateInfo, error) {
	raw, err := c.Call(ctx, h, "get_job_state", []any{id}, nil, timeout)
	if err != nil {
		return api.JobStateInfo{}, err
	}
	var info api.JobStateInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return api.JobStateInfo{}, &ProtocolError{Err: fmt.Errorf("get_job_state reply: %w", err)}
	}
	return info, nil
}

// GetJobMachineInfo fetches the job's allocated-machine description.
func (c *Client) GetJobMachineInfo(ctx context.Context, h Handle, id int, timeout time.Duration) (api.JobMachineInfo, error) {
	raw, err := c.Call(ctx, h, "get_job_machine_info", []any{id}, nil, timeout)
	if err != nil {
		return api.JobMachineInfo{}, err
	}
	var info api.JobMachineInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return api.JobMachineInfo{}, &ProtocolError{Err: fmt.Errorf("get_job_machine_info reply: %w", err)}
	}
	return info, nil
}

// PowerOnJobBoards powers on (or resets) the job's boards.
func (c *Client) PowerOnJobBoards(ctx context.Context, h Handle, id int, timeout time.Duration) error {
	_, err := c.Call(ctx, h, "power_on_job_boards", []any{id}, nil, timeout)
	return err
}

// PowerOffJobBoards powers off the job's boards.
func (c *Client) PowerOffJobBoards(ctx context.Context, h Handle, id int, timeout time.Duration) error {
	_, err := c.Call(ctx, h, "power_off_job_boards", []any{id}, nil, timeout)
	return err
}

// DestroyJob destroys the job. An empty reason is sent as null.
func (c *Client) DestroyJob(ctx context.Context, h Handle, id int, reason string, timeout time.Duration) error {
	var r any
	if reason != "" {
		r = reason
	}
	_, err := c.Call(ctx, h, "destroy_job", []any{id, r}, nil, timeout)
	return err
}

// NotifyJob subscribes this connection to change notifications for one job,
// or for all jobs when id is nil.
func (c *Client) NotifyJob(ctx context.Context, h Handle, id *int, timeout time.Duration) error {
	_, err := c.Call(ctx, h, "notify_job", []any{deref(id)}, nil, timeout)
	return err
}

// NoNotifyJob cancels a NotifyJob subscription.
func (c *Client) NoNotifyJob(ctx context.Context, h Handle, id *int, timeout time.Duration) error {
	_, err := c.Call(ctx, h, "no_notify_job", []any{deref(id)}, nil, timeout)
	return err
}

// NotifyMachine subscribes this connection to change notifications for one
// machine, or for all machines when name is nil.
func (c *Client) NotifyMachine(ctx context.Context, h Handle, name *string, timeout time.Duration) error {
	_, err := c.Call(ctx, h, "notify_machine", []any{deref(name)}, nil, timeout)
	return err
}

// NoNotifyMachine cancels a NotifyMachine subscription.
func (c *Client) NoNotifyMachine(ctx context.Context, h Handle, name *string, timeout time.Duration) error {
	_, err := c.Call(ctx, h, "no_notify_machine", []any{deref(name)}, nil, timeout)
	return err
}

// ListJobs fetches the server's job queue in priority order.
func (c *Client) ListJobs(ctx context.Context, h Handle, timeout time.Duration) ([]api.JobInfo, error) {
	raw, err := c.Call(ctx, h, "list_jobs", nil, nil, timeout)
	if err != nil {
		return nil, err
	}
	var jobs []api.JobInfo
	if err := json.Unmarshal(raw, &jobs); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("list_jobs reply: %w", err)}
	}
	return jobs, nil
}

// ListMachines fetches the machines the server can allocate from.
func (c *Client) ListMachines(ctx context.Context, h Handle, timeout time.Duration) ([]api.MachineInfo, error) {
	raw, err := c.Call(ctx, h, "list_machines", nil, nil, timeout)
	if err != nil {
		return nil, err
	}
	var machines []api.MachineInfo
	if err := json.Unmarshal(raw, &machines); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("list_machines reply: %w", err)}
	}
	return machines, nil
}

// WhereIs resolves a location query. The reply is nil when the server cannot
// locate the target.
func (c *Client) WhereIs(ctx context.Context, h Handle, q api.WhereIsQuery, timeout time.Duration) (*api.WhereIs, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	raw, err := c.Call(ctx, h, "where_is", nil, q.Keywords(), timeout)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	var w api.WhereIs
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("where_is reply: %w", err)}
	}
	return &w, nil
}

// GetBoardPosition maps a logical board coordinate to its physical
// cabinet/frame/board location. Nil when the server does not know the board.
func (c *Client) GetBoardPosition(ctx context.Context, h Handle, machine string, board api.BoardCoord, timeout time.Duration) (*api.PhysicalCoord, error) {
	raw, err := c.Call(ctx, h, "get_board_position", []any{machine, board.X, board.Y, board.Z}, nil, timeout)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	var p api.PhysicalCoord
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("get_board_position reply: %w", err)}
	}
	return &p, nil
}

// GetBoardAtPosition maps a physical cabinet/frame/board location to its
// logical board coordinate. Nil when no board is at that position.
func (c *Client) GetBoardAtPosition(ctx context.Context, h Handle, machine string, pos api.PhysicalCoord, timeout time.Duration) (*api.BoardCoord, error) {
	raw, err := c.Call(ctx, h, "get_board_at_position", []any{machine, pos.Cabinet, pos.Frame, pos.Board}, nil, timeout)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	var b api.BoardCoord
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("get_board_at_position reply: %w", err)}
	}
	return &b, nil
}

func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
