package spalloc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/spalloc/api"
)

// TestHandler overrides the reply for one protocol command. Returning an
// error sends an exception reply carrying the error text.
type TestHandler func(args []json.RawMessage, kwargs map[string]json.RawMessage) (any, error)

// TestServer is an in-process spalloc server speaking the real line protocol
// over a loopback listener. It implements enough of the allocation model for
// client tests: a job table, keepalive counting, power switching, and change
// notifications pushed to subscribed connections.
type TestServer struct {
	t        testing.TB
	listener net.Listener
	logger   pslog.Base
	version  string

	mu         sync.Mutex
	closed     bool
	nextJob    int
	jobs       map[int]*testJob
	handlers   map[string]TestHandler
	keepalives map[int]int
	conns      map[*testConn]struct{}
	machines   []api.MachineInfo
}

type testJob struct {
	owner     string
	state     api.JobState
	power     *bool
	reason    *string
	keepalive *float64
	machine   api.JobMachineInfo
}

type testConn struct {
	sock net.Conn

	mu       sync.Mutex
	watchAll bool
	watch    map[int]bool
}

// send writes one newline-terminated JSON value. Replies and pushed
// notifications share the socket, hence the lock.
func (c *testConn) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.sock.Write(append(data, '\n'))
	return err
}

func (c *testConn) watching(ids []int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watchAll {
		return true
	}
	for _, id := range ids {
		if c.watch[id] {
			return true
		}
	}
	return false
}

// TestServerOption customises test server construction.
type TestServerOption func(*TestServer)

// WithTestLogger routes server diagnostics through the given logger.
func WithTestLogger(logger pslog.Base) TestServerOption {
	return func(s *TestServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithServerVersion sets the version string the server reports.
func WithServerVersion(version string) TestServerOption {
	return func(s *TestServer) {
		s.version = version
	}
}

// StartTestServer starts a loopback server and registers its shutdown with
// t.Cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &TestServer{
		t:          t,
		listener:   listener,
		logger:     pslog.NoopLogger(),
		version:    "1.0.0",
		jobs:       make(map[int]*testJob),
		handlers:   make(map[string]TestHandler),
		keepalives: make(map[int]int),
		conns:      make(map[*testConn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	t.Cleanup(s.Close)
	go s.acceptLoop()
	return s
}

// Close stops the listener and severs every open connection. Idempotent.
func (s *TestServer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*testConn, 0, len(s.conns))
	for tc := range s.conns {
		conns = append(conns, tc)
	}
	s.mu.Unlock()
	_ = s.listener.Close()
	for _, tc := range conns {
		_ = tc.sock.Close()
	}
}

// Addr returns the hostname and port the server listens on.
func (s *TestServer) Addr() (string, int) {
	host, portStr, _ := net.SplitHostPort(s.listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// Config returns a client configuration pointed at this server.
func (s *TestServer) Config() Config {
	host, port := s.Addr()
	return Config{
		Hostname: host,
		Port:     port,
		Owner:    "tester@example.com",
	}
}

// SetHandler overrides one command. A nil handler restores the built-in
// behaviour.
func (s *TestServer) SetHandler(command string, h TestHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == nil {
		delete(s.handlers, command)
		return
	}
	s.handlers[command] = h
}

// AddJob seeds a job in the given state and returns its id, for resume
// tests.
func (s *TestServer) AddJob(owner string, state api.JobState) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextJob++
	ka := 60.0
	s.jobs[s.nextJob] = &testJob{owner: owner, state: state, keepalive: &ka}
	return s.nextJob
}

// SetJobState moves a job to the given state and notifies subscribed
// connections.
func (s *TestServer) SetJobState(id int, state api.JobState) {
	s.mu.Lock()
	if job, ok := s.jobs[id]; ok {
		job.state = state
	}
	s.mu.Unlock()
	s.notifyJobsChanged(id)
}

// DestroyJob moves a job to the destroyed state with the given reason and
// notifies subscribed connections.
func (s *TestServer) DestroyJob(id int, reason string) {
	s.mu.Lock()
	if job, ok := s.jobs[id]; ok {
		job.state = api.StateDestroyed
		job.power = nil
		job.reason = &reason
	}
	s.mu.Unlock()
	s.notifyJobsChanged(id)
}

// SetMachineInfo installs the allocation description a job reports.
func (s *TestServer) SetMachineInfo(id int, info api.JobMachineInfo) {
	s.mu.Lock()
	if job, ok := s.jobs[id]; ok {
		job.machine = info
	}
	s.mu.Unlock()
}

// SetMachines installs the list_machines reply.
func (s *TestServer) SetMachines(machines []api.MachineInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machines = machines
}

// Keepalives reports how many job_keepalive commands arrived for a job.
func (s *TestServer) Keepalives(id int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepalives[id]
}

// JobState reports a job's current state as the server sees it.
func (s *TestServer) JobState(id int) api.JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		return job.state
	}
	return api.StateUnknown
}

// JobReason reports the destruction reason recorded for a job, or "".
func (s *TestServer) JobReason(id int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok && job.reason != nil {
		return *job.reason
	}
	return ""
}

// JobPower reports a job's recorded power state; nil when never switched.
func (s *TestServer) JobPower(id int) *bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		return job.power
	}
	return nil
}

// DropConnections severs every open connection without stopping the
// listener, simulating a network fault.
func (s *TestServer) DropConnections() {
	s.mu.Lock()
	conns := make([]*testConn, 0, len(s.conns))
	for tc := range s.conns {
		conns = append(conns, tc)
	}
	s.mu.Unlock()
	for _, tc := range conns {
		_ = tc.sock.Close()
	}
}

func (s *TestServer) notifyJobsChanged(ids ...int) {
	s.mu.Lock()
	conns := make([]*testConn, 0, len(s.conns))
	for tc := range s.conns {
		conns = append(conns, tc)
	}
	s.mu.Unlock()
	for _, tc := range conns {
		if tc.watching(ids) {
			_ = tc.send(map[string]any{"jobs_changed": ids})
		}
	}
}

func (s *TestServer) acceptLoop() {
	for {
		sock, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.serve(sock)
	}
}

func (s *TestServer) serve(sock net.Conn) {
	tc := &testConn{sock: sock, watch: make(map[int]bool)}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sock.Close()
		return
	}
	s.conns[tc] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, tc)
		s.mu.Unlock()
		_ = sock.Close()
	}()

	scanner := bufio.NewScanner(sock)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var req struct {
			Command string                     `json:"command"`
			Args    []json.RawMessage          `json:"args"`
			Kwargs  map[string]json.RawMessage `json:"kwargs"`
		}
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Warn("testserver.bad_request", "error", err)
			return
		}
		s.logger.Trace("testserver.request", "command", req.Command)
		result, err := s.dispatch(tc, req.Command, req.Args, req.Kwargs)
		if err != nil {
			_ = tc.send(map[string]any{"exception": err.Error()})
			continue
		}
		_ = tc.send(map[string]any{"return": result})
	}
}

func (s *TestServer) dispatch(tc *testConn, command string, args []json.RawMessage, kwargs map[string]json.RawMessage) (any, error) {
	s.mu.Lock()
	override := s.handlers[command]
	s.mu.Unlock()
	if override != nil {
		return override(args, kwargs)
	}

	switch command {
	case "version":
		return s.version, nil

	case "create_job":
		var owner string
		if raw, ok := kwargs["owner"]; ok {
			_ = json.Unmarshal(raw, &owner)
		}
		if owner == "" {
			return nil, fmt.Errorf("owner must be specified for all jobs")
		}
		var keepalive *float64
		if raw, ok := kwargs["keepalive"]; ok && string(raw) != "null" {
			var ka float64
			if err := json.Unmarshal(raw, &ka); err == nil {
				keepalive = &ka
			}
		}
		s.mu.Lock()
		s.nextJob++
		id := s.nextJob
		s.jobs[id] = &testJob{owner: owner, state: api.StateQueued, keepalive: keepalive}
		s.mu.Unlock()
		return id, nil

	case "job_keepalive":
		id, err := intArg(args, 0)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.keepalives[id]++
		s.mu.Unlock()
		return nil, nil

	case "get_job_state":
		id, err := intArg(args, 0)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		job, ok := s.jobs[id]
		if !ok {
			return api.JobStateInfo{State: api.StateUnknown}, nil
		}
		return api.JobStateInfo{State: job.state, Power: job.power, Keepalive: job.keepalive, Reason: job.reason}, nil

	case "get_job_machine_info":
		id, err := intArg(args, 0)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if job, ok := s.jobs[id]; ok {
			return job.machine, nil
		}
		return api.JobMachineInfo{}, nil

	case "power_on_job_boards", "power_off_job_boards":
		id, err := intArg(args, 0)
		if err != nil {
			return nil, err
		}
		on := command == "power_on_job_boards"
		s.mu.Lock()
		if job, ok := s.jobs[id]; ok {
			job.power = &on
		}
		s.mu.Unlock()
		return nil, nil

	case "destroy_job":
		id, err := intArg(args, 0)
		if err != nil {
			return nil, err
		}
		var reason string
		if len(args) > 1 && string(args[1]) != "null" {
			_ = json.Unmarshal(args[1], &reason)
		}
		s.DestroyJob(id, reason)
		return nil, nil

	case "notify_job":
		tc.mu.Lock()
		defer tc.mu.Unlock()
		if len(args) == 0 || string(args[0]) == "null" {
			tc.watchAll = true
			return nil, nil
		}
		var id int
		if err := json.Unmarshal(args[0], &id); err != nil {
			return nil, fmt.Errorf("bad job id")
		}
		tc.watch[id] = true
		return nil, nil

	case "no_notify_job":
		tc.mu.Lock()
		defer tc.mu.Unlock()
		if len(args) == 0 || string(args[0]) == "null" {
			tc.watchAll = false
			tc.watch = make(map[int]bool)
			return nil, nil
		}
		var id int
		if err := json.Unmarshal(args[0], &id); err != nil {
			return nil, fmt.Errorf("bad job id")
		}
		delete(tc.watch, id)
		return nil, nil

	case "notify_machine", "no_notify_machine":
		return nil, nil

	case "list_jobs":
		s.mu.Lock()
		defer s.mu.Unlock()
		jobs := make([]api.JobInfo, 0, len(s.jobs))
		for id, job := range s.jobs {
			jobs = append(jobs, api.JobInfo{
				JobID:     id,
				Owner:     job.owner,
				Keepalive: job.keepalive,
				State:     job.state,
				Power:     job.power,
				Boards:    job.machine.Boards,
			})
		}
		return jobs, nil

	case "list_machines":
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.machines, nil

	case "where_is":
		var chip api.ChipCoord
		if raw, ok := kwargs["chip_x"]; ok {
			_ = json.Unmarshal(raw, &chip.X)
		}
		if raw, ok := kwargs["chip_y"]; ok {
			_ = json.Unmarshal(raw, &chip.Y)
		}
		return api.WhereIs{Chip: chip, Machine: "mock-machine"}, nil

	case "get_board_position":
		return api.PhysicalCoord{}, nil

	case "get_board_at_position":
		return api.BoardCoord{}, nil

	default:
		return nil, fmt.Errorf("unrecognised command %s", command)
	}
}

func intArg(args []json.RawMessage, i int) (int, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing argument %d", i)
	}
	var n int
	if err := json.Unmarshal(args[i], &n); err != nil {
		return 0, fmt.Errorf("argument %d is not an integer", i)
	}
	return n, nil
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.t.Helper()
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					if strings.Contains(fmt.Sprint(r), "Log in goroutine after") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a pslog logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewStructured(writer).LogLevel(level)
}
