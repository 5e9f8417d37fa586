// Package protocol implements the spalloc line protocol: a blocking
// request/response RPC client over newline-delimited JSON, multiplexed with
// unsolicited server notifications on the same TCP stream.
//
// A Client owns one Conn per caller handle. Two handles may issue calls
// concurrently without interfering; a single handle must never have more than
// one call in flight, because the stream has no request interleaving.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/spalloc/api"
	"pkt.systems/spalloc/internal/clock"
	"pkt.systems/spalloc/internal/deadline"
	"pkt.systems/spalloc/internal/telemetry"
)

// DefaultPort is the TCP port spalloc servers listen on.
const DefaultPort = 22244

// Handle identifies one caller context. Each handle owns at most one
// connection inside the Client; obtain one per goroutine that issues calls.
type Handle uint64

// Client is a blocking RPC client for one spalloc server.
type Client struct {
	addr           string
	defaultTimeout time.Duration
	logger         pslog.Base
	clk            clock.Clock

	nextHandle atomic.Uint64

	mu    sync.Mutex
	conns map[Handle]*Conn
	dead  bool

	notifMu       sync.Mutex
	notifications []*api.Notification
}

// Option customises client construction.
type Option func(*Client)

// WithLogger supplies a logger for protocol diagnostics. Passing nil falls
// back to pslog.NoopLogger().
func WithLogger(logger pslog.Base) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		c.logger = logger
	}
}

// WithDefaultTimeout sets the timeout applied to calls that pass no explicit
// timeout. Zero or negative means wait forever.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.defaultTimeout = d
	}
}

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clk = clk
		}
	}
}

// New creates a client for the server at hostname:port. Port zero selects
// DefaultPort. No connection is made until the first call on a handle.
func New(hostname string, port int, opts ...Option) *Client {
	if port == 0 {
		port = DefaultPort
	}
	c := &Client{
		addr:   net.JoinHostPort(hostname, strconv.Itoa(port)),
		logger: pslog.NoopLogger(),
		clk:    clock.Real{},
		conns:  make(map[Handle]*Conn),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Addr returns the server address in host:port form.
func (c *Client) Addr() string { return c.addr }

// NewHandle issues a fresh caller handle. Handles are never reused.
func (c *Client) NewHandle() Handle {
	return Handle(c.nextHandle.Add(1))
}

// conn returns the handle's connection, creating one lazily. Fails fast once
// the client is closed.
func (c *Client) conn(h Handle) (*Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return nil, ErrNotConnected
	}
	conn, ok := c.conns[h]
	if !ok {
		conn = NewConn(c.addr)
		c.conns[h] = conn
	}
	return conn, nil
}

// Connect tears down any existing connection for the handle and dials a new
// one, bounded by timeout (zero or negative means no limit). A failed attempt
// leaves the handle disconnected; the caller decides whether to retry.
func (c *Client) Connect(h Handle, timeout time.Duration) error {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if old, ok := c.conns[h]; ok {
		_ = old.Close()
	}
	conn := NewConn(c.addr)
	c.conns[h] = conn
	c.mu.Unlock()

	dl := deadline.At(c.clk.Now(), timeout)
	if err := conn.Connect(dl); err != nil {
		c.logger.Warn("protocol.connect.failed", "addr", c.addr, "error", err)
		c.mu.Lock()
		if c.conns[h] == conn {
			delete(c.conns, h)
		}
		c.mu.Unlock()
		return err
	}
	c.logger.Debug("protocol.connect.ok", "addr", c.addr)
	return nil
}

// CloseHandle closes and forgets the handle's connection, if any. The handle
// remains valid: the next call on it dials afresh.
func (c *Client) CloseHandle(h Handle) {
	c.mu.Lock()
	conn, ok := c.conns[h]
	if ok {
		delete(c.conns, h)
	}
	c.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

// Close marks the client permanently dead and closes every connection it
// owns. Further calls fail fast with ErrNotConnected. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return nil
	}
	c.dead = true
	conns := make([]*Conn, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.conns = make(map[Handle]*Conn)
	c.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	c.logger.Debug("protocol.closed", "addr", c.addr)
	return nil
}

// callDeadline merges the per-call timeout (falling back to the client
// default) with any context deadline.
func (c *Client) callDeadline(ctx context.Context, timeout time.Duration) time.Time {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	dl := deadline.At(c.clk.Now(), timeout)
	if ctxDL, ok := ctx.Deadline(); ok {
		dl = deadline.Sooner(dl, ctxDL)
	}
	return dl
}

// Call sends one command and blocks until its tagged reply arrives. Any
// notification received while waiting is queued for WaitForNotification
// rather than discarded.
//
// Failures: *ServerError when the server reports an exception,
// *ProtocolError wrapping a *TimeoutError when the deadline expires, and
// *ProtocolError wrapping a *TransportError on connection faults.
func (c *Client) Call(ctx context.Context, h Handle, name string, args []any, kwargs map[string]any, timeout time.Duration) (json.RawMessage, error) {
	conn, err := c.conn(h)
	if err != nil {
		return nil, err
	}
	dl := c.callDeadline(ctx, timeout)
	callID := xid.New().String()
	c.logger.Trace("protocol.call.start", "command", name, "call_id", callID)
	telemetry.RPCCalls.Add(ctx, 1, telemetry.Command(name))

	result, err := c.exchange(ctx, conn, name, args, kwargs, dl)
	if err != nil {
		c.logger.Debug("protocol.call.error", "command", name, "call_id", callID, "error", err)
		telemetry.RPCErrors.Add(ctx, 1, telemetry.Command(name))
		return nil, err
	}
	c.logger.Trace("protocol.call.ok", "command", name, "call_id", callID)
	return result, nil
}

func (c *Client) exchange(ctx context.Context, conn *Conn, name string, args []any, kwargs map[string]any, dl time.Time) (json.RawMessage, error) {
	req := api.NewRequest(name, args, kwargs)
	if err := conn.SendLine(req, dl); err != nil {
		return nil, &ProtocolError{Err: err}
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, &ProtocolError{Err: err}
		}
		if deadline.Expired(c.clk.Now(), dl) {
			return nil, &ProtocolError{Err: &TimeoutError{Op: "call " + name}}
		}
		raw, err := conn.RecvLine(dl)
		if err != nil {
			return nil, &ProtocolError{Err: err}
		}
		env, err := api.DecodeEnvelope(raw)
		if err != nil {
			return nil, &ProtocolError{Err: err}
		}
		switch env.Kind {
		case api.KindReturn:
			return env.Return, nil
		case api.KindException:
			return nil, &ServerError{Message: env.Exception}
		case api.KindNotification:
			c.queueNotification(env.Notification)
		}
	}
}

func (c *Client) queueNotification(n *api.Notification) {
	c.notifMu.Lock()
	c.notifications = append(c.notifications, n)
	c.notifMu.Unlock()
	c.logger.Trace("protocol.notification.queued", "payload", string(n.Raw))
}

func (c *Client) popNotification() (*api.Notification, bool) {
	c.notifMu.Lock()
	defer c.notifMu.Unlock()
	if len(c.notifications) == 0 {
		return nil, false
	}
	n := c.notifications[0]
	c.notifications = c.notifications[1:]
	return n, true
}

// WaitForNotification returns the next notification, in arrival order. A
// previously queued notification is returned immediately. With a negative
// timeout only buffered notifications are considered and ErrNoNotification is
// returned when there are none. Otherwise the call blocks on the handle's
// connection until a notification arrives or the deadline expires
// (*TimeoutError); transport faults surface as *ProtocolError.
func (c *Client) WaitForNotification(ctx context.Context, h Handle, timeout time.Duration) (*api.Notification, error) {
	if n, ok := c.popNotification(); ok {
		return n, nil
	}
	if timeout < 0 {
		return nil, ErrNoNotification
	}
	conn, err := c.conn(h)
	if err != nil {
		return nil, err
	}
	dl := deadline.At(c.clk.Now(), timeout)
	if ctxDL, ok := ctx.Deadline(); ok {
		dl = deadline.Sooner(dl, ctxDL)
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, &ProtocolError{Err: err}
		}
		raw, err := conn.RecvLine(dl)
		if err != nil {
			var te *TimeoutError
			if errors.As(err, &te) {
				return nil, te
			}
			return nil, &ProtocolError{Err: err}
		}
		env, err := api.DecodeEnvelope(raw)
		if err != nil {
			return nil, &ProtocolError{Err: err}
		}
		if env.Kind != api.KindNotification {
			// A tagged reply with no call outstanding on this handle means
			// the caller broke the one-in-flight contract.
			return nil, &ProtocolError{Err: fmt.Errorf("unexpected tagged reply while waiting for notification")}
		}
		return env.Notification, nil
	}
}
