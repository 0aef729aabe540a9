package dw4core

import (
	"context"
	"fmt"
	"net"
	"time"
)

// tcpTransport is the spec's TCP client/listener binding (§4.E),
// generalized to the ChannelTransport interface. It wraps a single
// net.Conn, either dialed outbound (open_client) or accepted by a
// listener (open_listener); the listener itself is tracked separately
// by SessionManager, per §3's "listening endpoint plus at most one
// currently-accepted client".
type tcpTransport struct {
	host string
	port int
	conn net.Conn
}

// newTCPClientTransport builds a transport that dials on Open.
func newTCPClientTransport(host string, port int) *tcpTransport {
	return &tcpTransport{host: host, port: port}
}

// newTCPAcceptedTransport wraps an already-accepted connection; Open is
// then a no-op.
func newTCPAcceptedTransport(conn net.Conn) *tcpTransport {
	return &tcpTransport{conn: conn}
}

func (t *tcpTransport) Open(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", t.host, t.port))
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

func (t *tcpTransport) Send(ctx context.Context, b byte) error {
	if t.conn == nil {
		return ErrNoBinding
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	} else {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}
	_, err := t.conn.Write([]byte{b})
	return err
}

// StartReader loops reading up to DefaultTCPReadChunk bytes and invoking
// onByte with each chunk until EOF, error, or ctx cancellation (§4.E).
// Blocks until the loop ends; callers run it on their own goroutine.
func (t *tcpTransport) StartReader(ctx context.Context, onByte func([]byte)) {
	buf := make([]byte, DefaultTCPReadChunk)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if t.conn == nil {
			return
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, err := t.conn.Read(buf)
		if n > 0 {
			onByte(buf[:n])
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
	}
}

func (t *tcpTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
