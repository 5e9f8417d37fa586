package protocol

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"time"
)

const recvChunkSize = 4096

// Conn frames one bidirectional stream of newline-delimited JSON values over
// a single TCP socket. Each Conn belongs to exactly one caller context and is
// not safe for concurrent use; the Client hands out at most one per handle.
type Conn struct {
	addr string
	sock net.Conn
	// buf holds received bytes up to (but not yet including) a newline.
	buf []byte
}

// NewConn prepares a connection to addr without dialling. The socket is
// opened by Connect, or lazily by the first send/receive.
func NewConn(addr string) *Conn {
	return &Conn{addr: addr}
}

// Connected reports whether the socket is currently open.
func (c *Conn) Connected() bool { return c.sock != nil }

// Connect opens the TCP socket, bounded by the absolute deadline (zero means
// no limit). Calling Connect on an already-open connection is a no-op.
func (c *Conn) Connect(dl time.Time) error {
	if c.sock != nil {
		return nil
	}
	d := net.Dialer{Deadline: dl}
	sock, err := d.Dial("tcp", c.addr)
	if err != nil {
		if isTimeout(err) {
			return &TimeoutError{Op: "connect", Err: err}
		}
		return &TransportError{Op: "connect", Err: err}
	}
	c.sock = sock
	c.buf = c.buf[:0]
	return nil
}

// SendLine serialises v as JSON, appends a newline, and writes it fully
// before the deadline.
func (c *Conn) SendLine(v any, dl time.Time) error {
	if err := c.Connect(dl); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	data = append(data, '\n')
	if err := c.sock.SetWriteDeadline(dl); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	n, err := c.sock.Write(data)
	if err != nil {
		if isTimeout(err) {
			return &TimeoutError{Op: "send", Err: err}
		}
		return &TransportError{Op: "send", Err: err}
	}
	if n != len(data) {
		return &TransportError{Op: "send", Err: errors.New("short write")}
	}
	return nil
}

// RecvLine buffers incoming bytes until a newline is seen and returns the
// raw JSON for everything before it. Partial lines survive across calls. A
// peer close is a TransportError, distinct from deadline expiry which is a
// TimeoutError.
func (c *Conn) RecvLine(dl time.Time) (json.RawMessage, error) {
	if err := c.Connect(dl); err != nil {
		return nil, err
	}
	for {
		if line, ok := c.takeLine(); ok {
			return line, nil
		}
		if err := c.sock.SetReadDeadline(dl); err != nil {
			return nil, &TransportError{Op: "recv", Err: err}
		}
		chunk := make([]byte, recvChunkSize)
		n, err := c.sock.Read(chunk)
		if n > 0 {
			c.buf = append(c.buf, chunk[:n]...)
			continue
		}
		if err == nil {
			continue
		}
		if isTimeout(err) {
			return nil, &TimeoutError{Op: "recv", Err: err}
		}
		if errors.Is(err, io.EOF) {
			return nil, &TransportError{Op: "recv", Err: errors.New("connection closed by peer")}
		}
		return nil, &TransportError{Op: "recv", Err: err}
	}
}

func (c *Conn) takeLine() (json.RawMessage, bool) {
	for i, b := range c.buf {
		if b != '\n' {
			continue
		}
		line := append(json.RawMessage(nil), c.buf[:i]...)
		c.buf = c.buf[:copy(c.buf, c.buf[i+1:])]
		return line, true
	}
	return nil, false
}

// Close releases the socket and clears the receive buffer. Idempotent.
func (c *Conn) Close() error {
	if c.sock == nil {
		return nil
	}
	err := c.sock.Close()
	c.sock = nil
	c.buf = nil
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
