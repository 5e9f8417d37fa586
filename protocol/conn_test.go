package protocol

import (
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"
)

// startPeer accepts one connection and hands it to fn on its own goroutine.
func startPeer(t *testing.T, fn func(net.Conn)) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		sock, err := l.Accept()
		if err != nil {
			return
		}
		fn(sock)
	}()
	return l.Addr().String()
}

func TestConnSendAndRecvLine(t *testing.T) {
	t.Parallel()
	addr := startPeer(t, func(sock net.Conn) {
		defer sock.Close()
		buf := make([]byte, 1024)
		n, err := sock.Read(buf)
		if err != nil {
			return
		}
		if buf[n-1] != '\n' {
			t.Error("request line not newline terminated")
		}
		_, _ = sock.Write([]byte("{\"return\": 42}\n"))
	})

	conn := NewConn(addr)
	defer conn.Close()
	dl := time.Now().Add(2 * time.Second)
	if err := conn.SendLine(map[string]any{"command": "ping"}, dl); err != nil {
		t.Fatalf("SendLine: %v", err)
	}
	line, err := conn.RecvLine(dl)
	if err != nil {
		t.Fatalf("RecvLine: %v", err)
	}
	var reply map[string]int
	if err := json.Unmarshal(line, &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply["return"] != 42 {
		t.Fatalf("reply = %v, want return 42", reply)
	}
}

func TestConnRecvLineReassemblesFragments(t *testing.T) {
	t.Parallel()
	addr := startPeer(t, func(sock net.Conn) {
		defer sock.Close()
		// Two lines split across three writes, with a pause mid-line.
		_, _ = sock.Write([]byte("{\"retu"))
		time.Sleep(50 * time.Millisecond)
		_, _ = sock.Write([]byte("rn\": 1}\n{\"return\""))
		_, _ = sock.Write([]byte(": 2}\n"))
	})

	conn := NewConn(addr)
	defer conn.Close()
	dl := time.Now().Add(2 * time.Second)
	for want := 1; want <= 2; want++ {
		line, err := conn.RecvLine(dl)
		if err != nil {
			t.Fatalf("RecvLine %d: %v", want, err)
		}
		var reply map[string]int
		if err := json.Unmarshal(line, &reply); err != nil {
			t.Fatalf("unmarshal reply %d: %v", want, err)
		}
		if reply["return"] != want {
			t.Fatalf("reply = %v, want return %d", reply, want)
		}
	}
}

func TestConnRecvLinePeerClose(t *testing.T) {
	t.Parallel()
	addr := startPeer(t, func(sock net.Conn) {
		_ = sock.Close()
	})

	conn := NewConn(addr)
	defer conn.Close()
	_, err := conn.RecvLine(time.Now().Add(2 * time.Second))
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("RecvLine after peer close = %v, want TransportError", err)
	}
	if IsTimeout(err) {
		t.Fatalf("peer close must not look like a timeout: %v", err)
	}
}

func TestConnRecvLineDeadline(t *testing.T) {
	t.Parallel()
	addr := startPeer(t, func(sock net.Conn) {
		// Accept and stay silent.
		defer sock.Close()
		time.Sleep(5 * time.Second)
	})

	conn := NewConn(addr)
	defer conn.Close()
	start := time.Now()
	_, err := conn.RecvLine(start.Add(100 * time.Millisecond))
	if !IsTimeout(err) {
		t.Fatalf("RecvLine = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("deadline not honoured, took %v", elapsed)
	}
}

func TestConnConnectRefused(t *testing.T) {
	t.Parallel()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	conn := NewConn(addr)
	if err := conn.Connect(time.Now().Add(2 * time.Second)); err == nil {
		t.Fatal("Connect to closed port succeeded")
	} else {
		var terr *TransportError
		if !errors.As(err, &terr) {
			t.Fatalf("Connect error = %v, want TransportError", err)
		}
	}
}

func TestConnCloseIdempotent(t *testing.T) {
	t.Parallel()
	conn := NewConn("127.0.0.1:1")
	if err := conn.Close(); err != nil {
		t.Fatalf("Close on never-opened conn: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
