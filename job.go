package spalloc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/spalloc/api"
	"pkt.systems/spalloc/internal/clock"
	"pkt.systems/spalloc/internal/deadline"
	"pkt.systems/spalloc/internal/telemetry"
	"pkt.systems/spalloc/protocol"
)

// Server protocol versions this client is known to work with, half-open.
var (
	versionMin = api.Version{Major: 0, Minor: 4}
	versionMax = api.Version{Major: 2}
)

// CreateRequest selects the allocation shape for a new job. The zero value
// requests a single board. At most one of the shapes may be given; the
// allocation constraints (owner, machine, tags, dead-board bounds) come from
// the Config.
type CreateRequest struct {
	// Boards requests an allocation of at least this many boards.
	Boards int
	// Width and Height request a rectangle of triads.
	Width  int
	Height int
	// Board requests one specific board. Config.Machine must name the
	// machine the board belongs to.
	Board *api.BoardCoord
}

// Job is a handle on an allocation held at a spalloc server. While the Job is
// open a background goroutine keeps it alive, redialling after connection
// faults, so that the server does not reclaim the boards. Close releases the
// local handle and lets the job lapse; Destroy releases the boards
// immediately.
//
// A Job uses two connections: a foreground one serving the caller's queries
// and waits, and a background one owned by the keepalive goroutine. Callers
// must not issue Job methods concurrently with each other.
type Job struct {
	id     int
	client *protocol.Client
	fg     protocol.Handle
	bg     protocol.Handle

	keepalive      time.Duration // 0 disables the keepalive loop
	reconnectDelay time.Duration
	timeout        time.Duration // 0 means no per-call deadline

	logger pslog.Base
	clk    clock.Clock

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	mu   sync.Mutex
	info *api.JobMachineInfo
}

// JobOption customises job construction.
type JobOption func(*Job)

// WithLogger supplies a logger for job and protocol diagnostics. Passing nil
// keeps the default no-op logger.
func WithLogger(logger pslog.Base) JobOption {
	return func(j *Job) {
		if logger != nil {
			j.logger = logger
		}
	}
}

// withClock overrides the wall clock, for deterministic tests.
func withClock(clk clock.Clock) JobOption {
	return func(j *Job) {
		if clk != nil {
			j.clk = clk
		}
	}
}

func newJob(cfg Config, opts ...JobOption) (*Job, error) {
	if cfg.Hostname == "" {
		return nil, fmt.Errorf("spalloc: a hostname must be specified")
	}
	j := &Job{
		keepalive:      cfg.Keepalive,
		reconnectDelay: cfg.ReconnectDelay,
		timeout:        cfg.Timeout,
		logger:         pslog.NoopLogger(),
		clk:            clock.Real{},
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	switch {
	case j.keepalive == 0:
		j.keepalive = DefaultKeepalive
	case j.keepalive < 0:
		j.keepalive = 0
	}
	switch {
	case j.reconnectDelay == 0:
		j.reconnectDelay = DefaultReconnectDelay
	case j.reconnectDelay < 0:
		j.reconnectDelay = 0
	}
	switch {
	case j.timeout == 0:
		j.timeout = DefaultTimeout
	case j.timeout < 0:
		j.timeout = 0
	}
	for _, opt := range opts {
		opt(j)
	}
	j.client = protocol.New(cfg.Hostname, cfg.Port,
		protocol.WithLogger(j.logger),
		protocol.WithClock(j.clk),
		protocol.WithDefaultTimeout(j.timeout))
	j.fg = j.client.NewHandle()
	j.bg = j.client.NewHandle()
	return j, nil
}

// NewJob asks the server at cfg.Hostname to allocate a new job and starts the
// keepalive goroutine for it. It blocks only until the job is created, which
// may be long before any boards are allocated; follow with WaitUntilReady.
func NewJob(ctx context.Context, cfg Config, req CreateRequest, opts ...JobOption) (*Job, error) {
	j, err := newJob(cfg, opts...)
	if err != nil {
		return nil, err
	}
	create := api.CreateJobRequest{
		Boards:        req.Boards,
		Width:         req.Width,
		Height:        req.Height,
		Board:         req.Board,
		Owner:         cfg.Owner,
		Machine:       cfg.Machine,
		Tags:          cfg.Tags,
		MinRatio:      cfg.MinRatio,
		MaxDeadBoards: cfg.MaxDeadBoards,
		MaxDeadLinks:  cfg.MaxDeadLinks,
		RequireTorus:  cfg.RequireTorus,
	}
	if j.keepalive > 0 {
		ka := j.keepalive.Seconds()
		create.KeepaliveSeconds = &ka
	}
	if err := create.Validate(); err != nil {
		_ = j.client.Close()
		return nil, err
	}
	if err := j.connect(ctx, j.fg); err != nil {
		_ = j.client.Close()
		return nil, err
	}
	id, err := j.client.CreateJob(ctx, j.fg, create, j.timeout)
	if err != nil {
		_ = j.client.Close()
		return nil, err
	}
	j.id = id
	j.logger.Info("job.created", "job_id", id, "owner", cfg.Owner)
	go j.keepaliveLoop()
	return j, nil
}

// ResumeJob attaches to a job that already exists on the server, typically
// one created by an earlier process, and starts keeping it alive with the
// interval the server reports for it. Attaching to a destroyed or unknown job
// fails with a DestroyedError.
func ResumeJob(ctx context.Context, cfg Config, id int, opts ...JobOption) (*Job, error) {
	j, err := newJob(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := j.connect(ctx, j.fg); err != nil {
		_ = j.client.Close()
		return nil, err
	}
	info, err := j.client.GetJobState(ctx, j.fg, id, j.timeout)
	if err != nil {
		_ = j.client.Close()
		return nil, err
	}
	switch info.State {
	case api.StateUnknown:
		_ = j.client.Close()
		return nil, &DestroyedError{ID: id, Reason: "job is not recognised by the server"}
	case api.StateDestroyed:
		_ = j.client.Close()
		reason := ""
		if info.Reason != nil {
			reason = *info.Reason
		}
		return nil, &DestroyedError{ID: id, Reason: reason}
	}
	j.id = id
	j.keepalive = 0
	if info.Keepalive != nil {
		j.keepalive = time.Duration(*info.Keepalive * float64(time.Second))
	}
	j.logger.Info("job.resumed", "job_id", id, "state", info.State)
	go j.keepaliveLoop()
	return j, nil
}

// ID returns the server-assigned job id.
func (j *Job) ID() int { return j.id }

// connect dials the handle and verifies the server speaks a compatible
// protocol version.
func (j *Job) connect(ctx context.Context, h protocol.Handle) error {
	if err := j.client.Connect(h, j.timeout); err != nil {
		return err
	}
	v, err := j.client.Version(ctx, h, j.timeout)
	if err != nil {
		return err
	}
	if !v.In(versionMin, versionMax) {
		return fmt.Errorf("%w: server is %s, supported range is %s to %s",
			ErrIncompatibleVersion, v, versionMin, versionMax)
	}
	return nil
}

// keepaliveLoop beats at half the keepalive interval on the background
// handle until stopped.
func (j *Job) keepaliveLoop() {
	defer close(j.done)
	if j.keepalive <= 0 {
		<-j.stop
		return
	}
	interval := j.keepalive / 2
	for {
		select {
		case <-j.stop:
			return
		case <-j.clk.After(interval):
		}
		j.beat(context.Background())
	}
}

// beat delivers one keepalive, entering the reconnect cycle after transport
// faults. A refusal from the server is abandoned until the next beat.
func (j *Job) beat(ctx context.Context) {
	for {
		select {
		case <-j.stop:
			return
		default:
		}
		err := j.client.JobKeepalive(ctx, j.bg, j.id, j.timeout)
		if err == nil {
			telemetry.KeepalivesSent.Add(ctx, 1)
			j.logger.Trace("job.keepalive.sent", "job_id", j.id)
			return
		}
		if !protocol.IsTransient(err) {
			j.logger.Warn("job.keepalive.refused", "job_id", j.id, "error", err)
			return
		}
		j.logger.Warn("job.keepalive.failed", "job_id", j.id, "error", err)
		j.client.CloseHandle(j.bg)
		telemetry.Reconnects.Add(ctx, 1)
		select {
		case <-j.stop:
			return
		case <-j.clk.After(j.reconnectDelay):
		}
		if err := j.connect(ctx, j.bg); err != nil {
			j.logger.Warn("job.reconnect.failed", "job_id", j.id, "error", err)
			j.client.CloseHandle(j.bg)
			continue
		}
		j.logger.Info("job.reconnected", "job_id", j.id)
	}
}

// Close stops the keepalive goroutine and disconnects. The job itself stays
// queued or allocated on the server until its keepalive interval lapses. Safe
// to call more than once; after Close the Job is unusable.
func (j *Job) Close() error {
	j.stopOnce.Do(func() { close(j.stop) })
	<-j.done
	return j.client.Close()
}

// Destroy asks the server to destroy the job, releasing its boards, and then
// closes. Failure to reach the server is logged rather than returned; the
// keepalive lapse destroys the job regardless.
func (j *Job) Destroy(ctx context.Context, reason string) error {
	if err := j.client.DestroyJob(ctx, j.fg, j.id, reason, j.timeout); err != nil {
		j.logger.Warn("job.destroy.failed", "job_id", j.id, "error", err)
	} else {
		j.logger.Info("job.destroyed", "job_id", j.id, "reason", reason)
	}
	return j.Close()
}

func (j *Job) stateInfo(ctx context.Context) (api.JobStateInfo, error) {
	return j.client.GetJobState(ctx, j.fg, j.id, j.timeout)
}

// State queries the server for the job's current lifecycle state.
func (j *Job) State(ctx context.Context) (api.JobState, error) {
	info, err := j.stateInfo(ctx)
	if err != nil {
		return api.StateUnknown, err
	}
	return info.State, nil
}

// Power reports whether the job's boards are powered on. Nil when the job has
// no boards allocated yet.
func (j *Job) Power(ctx context.Context) (*bool, error) {
	info, err := j.stateInfo(ctx)
	if err != nil {
		return nil, err
	}
	return info.Power, nil
}

// Reason returns why the job was destroyed, or "" while it is alive.
func (j *Job) Reason(ctx context.Context) (string, error) {
	info, err := j.stateInfo(ctx)
	if err != nil {
		return "", err
	}
	if info.Reason == nil {
		return "", nil
	}
	return *info.Reason, nil
}

// MachineInfo returns the description of the job's allocation. Once boards
// have been allocated the description is immutable and cached; before that
// every call asks the server again.
func (j *Job) MachineInfo(ctx context.Context) (api.JobMachineInfo, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.info != nil && j.info.Allocated() {
		return *j.info, nil
	}
	info, err := j.client.GetJobMachineInfo(ctx, j.fg, j.id, j.timeout)
	if err != nil {
		return api.JobMachineInfo{}, err
	}
	j.info = &info
	return info, nil
}

// Connections lists every Ethernet-connected chip of the allocation and its
// address. Empty until boards are allocated.
func (j *Job) Connections(ctx context.Context) ([]api.Connection, error) {
	info, err := j.MachineInfo(ctx)
	if err != nil {
		return nil, err
	}
	return info.Connections, nil
}

// Hostname returns the address of the chip at (0, 0) of the allocation, the
// usual place to boot from. Fails if no boards are allocated yet.
func (j *Job) Hostname(ctx context.Context) (string, error) {
	info, err := j.MachineInfo(ctx)
	if err != nil {
		return "", err
	}
	host, ok := info.ConnectionFor(api.ChipCoord{})
	if !ok {
		return "", fmt.Errorf("spalloc: job %d has no boards allocated", j.id)
	}
	return host, nil
}

// Dimensions returns the width and height of the allocation in chips. Zero
// until boards are allocated.
func (j *Job) Dimensions(ctx context.Context) (width, height int, err error) {
	info, err := j.MachineInfo(ctx)
	if err != nil {
		return 0, 0, err
	}
	return info.Width, info.Height, nil
}

// MachineName names the machine the job's boards were carved from. Empty
// until boards are allocated.
func (j *Job) MachineName(ctx context.Context) (string, error) {
	info, err := j.MachineInfo(ctx)
	if err != nil {
		return "", err
	}
	return info.MachineName, nil
}

// Boards lists the logical coordinates of the allocated boards. Empty until
// boards are allocated.
func (j *Job) Boards(ctx context.Context) ([]api.BoardCoord, error) {
	info, err := j.MachineInfo(ctx)
	if err != nil {
		return nil, err
	}
	return info.Boards, nil
}

// WhereIs locates a chip of this job's allocation within the machine, in
// both logical and physical coordinates. Nil when the chip lies outside the
// allocation.
func (j *Job) WhereIs(ctx context.Context, chip api.ChipCoord) (*api.WhereIs, error) {
	id := j.id
	return j.client.WhereIs(ctx, j.fg, api.WhereIsQuery{JobID: &id, Chip: &chip}, j.timeout)
}

// SetPower switches the job's boards on or off, blocking until the power
// state settles.
func (j *Job) SetPower(ctx context.Context, on bool) error {
	if on {
		return j.client.PowerOnJobBoards(ctx, j.fg, j.id, j.timeout)
	}
	return j.client.PowerOffJobBoards(ctx, j.fg, j.id, j.timeout)
}

// Reset power-cycles the job's boards.
func (j *Job) Reset(ctx context.Context) error {
	return j.SetPower(ctx, true)
}

// WaitForStateChange blocks until the job leaves oldState and returns the new
// state. The foreground connection subscribes to the job's change
// notifications for the duration, and keepalives continue at their usual
// cadence so a long wait cannot starve the job. A timeout <= 0 waits forever.
// When the timeout elapses, or the connection cannot be recovered before it
// does, the old state is returned.
func (j *Job) WaitForStateChange(ctx context.Context, oldState api.JobState, timeout time.Duration) (api.JobState, error) {
	finish := deadline.At(j.clk.Now(), timeout)
	id := j.id
	for !deadline.Expired(j.clk.Now(), finish) {
		if err := ctx.Err(); err != nil {
			return oldState, err
		}
		if err := j.client.NotifyJob(ctx, j.fg, &id, j.timeout); err != nil {
			if !protocol.IsTransient(err) {
				return oldState, err
			}
			j.waitReconnect(ctx, finish)
			continue
		}
		st, err := j.watchState(ctx, oldState, finish)
		if err == nil {
			return st, nil
		}
		if !protocol.IsTransient(err) {
			return oldState, err
		}
		j.waitReconnect(ctx, finish)
	}
	return oldState, nil
}

// watchState re-checks the job state and sleeps on notifications until the
// state leaves oldState or finish passes, beating the keepalive throughout.
// Transient errors are returned for the caller's reconnect cycle.
func (j *Job) watchState(ctx context.Context, oldState api.JobState, finish time.Time) (api.JobState, error) {
	var nextBeat time.Time
	if j.keepalive > 0 {
		nextBeat = j.clk.Now().Add(j.keepalive / 2)
	}
	for {
		if err := ctx.Err(); err != nil {
			return oldState, err
		}
		st, err := j.State(ctx)
		if err != nil {
			return oldState, err
		}
		if st != oldState {
			return st, nil
		}
		if deadline.Expired(j.clk.Now(), finish) {
			return oldState, nil
		}
		if !nextBeat.IsZero() && !j.clk.Now().Before(nextBeat) {
			if err := j.client.JobKeepalive(ctx, j.fg, j.id, j.timeout); err != nil {
				return oldState, err
			}
			telemetry.KeepalivesSent.Add(ctx, 1)
			nextBeat = j.clk.Now().Add(j.keepalive / 2)
		}
		wait := deadline.Sooner(finish, nextBeat)
		var waitTimeout time.Duration
		if !wait.IsZero() {
			left := deadline.Left(j.clk.Now(), wait)
			if left <= 0 {
				continue
			}
			waitTimeout = left
		}
		if _, err := j.client.WaitForNotification(ctx, j.fg, waitTimeout); err != nil {
			if protocol.IsTimeout(err) {
				continue
			}
			return oldState, err
		}
	}
}

// waitReconnect closes the foreground connection, pauses for the reconnect
// delay (bounded by finish), and redials with a fresh version check. Failure
// is logged; the caller retries on its next pass.
func (j *Job) waitReconnect(ctx context.Context, finish time.Time) {
	j.client.CloseHandle(j.fg)
	telemetry.Reconnects.Add(ctx, 1)
	delay := j.reconnectDelay
	if left := deadline.Left(j.clk.Now(), finish); left >= 0 && left < delay {
		delay = left
	}
	select {
	case <-ctx.Done():
		return
	case <-j.clk.After(delay):
	}
	if err := j.connect(ctx, j.fg); err != nil {
		j.logger.Warn("job.reconnect.failed", "job_id", j.id, "error", err)
		j.client.CloseHandle(j.fg)
		return
	}
	j.logger.Info("job.reconnected", "job_id", j.id)
}

// WaitUntilReady blocks until the job's boards are allocated and powered on.
// It fails with a DestroyedError if the job is destroyed in the meantime and
// with a StateChangeTimeoutError when the timeout elapses first. A timeout
// <= 0 waits forever.
func (j *Job) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	finish := deadline.At(j.clk.Now(), timeout)
	cur, err := j.State(ctx)
	if err != nil {
		return err
	}
	for {
		switch cur {
		case api.StateReady:
			j.logger.Info("job.ready", "job_id", j.id)
			return nil
		case api.StateQueued:
			j.logger.Info("job.queued", "job_id", j.id)
		case api.StatePower:
			j.logger.Info("job.powering", "job_id", j.id)
		case api.StateDestroyed:
			reason, _ := j.Reason(ctx)
			return &DestroyedError{ID: j.id, Reason: reason}
		case api.StateUnknown:
			return &DestroyedError{ID: j.id, Reason: "job is not recognised by the server"}
		}
		left := deadline.Left(j.clk.Now(), finish)
		if left == 0 && !finish.IsZero() {
			return &StateChangeTimeoutError{State: cur}
		}
		if left < 0 {
			left = 0
		}
		next, err := j.WaitForStateChange(ctx, cur, left)
		if err != nil {
			return err
		}
		if next == cur {
			return &StateChangeTimeoutError{State: cur}
		}
		cur = next
	}
}

// WithJob allocates a job, waits up to readyTimeout for it to become ready,
// runs fn, and destroys the job afterwards regardless of fn's outcome.
func WithJob(ctx context.Context, cfg Config, req CreateRequest, readyTimeout time.Duration, fn func(context.Context, *Job) error, opts ...JobOption) error {
	j, err := NewJob(ctx, cfg, req, opts...)
	if err != nil {
		return err
	}
	defer j.Destroy(ctx, "")
	if err := j.WaitUntilReady(ctx, readyTimeout); err != nil {
		return err
	}
	return fn(ctx, j)
}
