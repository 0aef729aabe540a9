package dw4core

import (
	"context"
	"net"
	"time"
)

// ByteSource is the non-blocking single-byte read primitive the serial
// link polls (component F, §4.F). ReadByte returns ok=false (not an
// error) when no byte is currently available, letting the caller yield
// to the scheduler instead of blocking a real OS thread — the Go
// analogue of the source's cooperative single-threaded poll loop.
type ByteSource interface {
	ReadByte() (b byte, ok bool, err error)
	Write(p []byte) (int, error)
}

// netByteSource adapts a net.Conn (the UART-over-TCP substitute this
// deployment uses in place of a real serial port, see DESIGN.md) to
// ByteSource using a short read deadline as the non-blocking check.
type netByteSource struct {
	conn net.Conn
}

// NewNetByteSource wraps conn as a ByteSource.
func NewNetByteSource(conn net.Conn) ByteSource {
	return &netByteSource{conn: conn}
}

func (s *netByteSource) ReadByte() (byte, bool, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(2 * time.Millisecond))
	var b [1]byte
	n, err := s.conn.Read(b[:])
	if n == 1 {
		return b[0], true, nil
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, false, nil
		}
		return 0, false, err
	}
	return 0, false, nil
}

func (s *netByteSource) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

// SerialLink is the byte-wise async read/write link to the host (§4.F).
type SerialLink struct {
	src          ByteSource
	poll         *AdaptivePoll
	readExactMax int

	// readExactInterval is the fixed per-cycle sleep read_exact uses
	// while waiting for bytes. It is deliberately not the backing-off
	// poll shared with PollOpcode's idle wait: read_exact's soft
	// deadline is specified as a fixed count of empty-poll cycles
	// (~1000, ~1s total, §4.F), which only holds if every cycle sleeps
	// the same fast interval instead of exponentially backing off to
	// the steady interval.
	readExactInterval time.Duration
}

// NewSerialLink wraps src with the adaptive poller used by poll_opcode's
// idle wait, and the fixed interval read_exact uses for its own
// fixed-cycle-count soft deadline.
func NewSerialLink(src ByteSource, fast, steady time.Duration, readExactCycles int) *SerialLink {
	if readExactCycles <= 0 {
		readExactCycles = DefaultReadExactCycles
	}
	if fast <= 0 {
		fast = DefaultFastPoll
	}
	return &SerialLink{
		src:               src,
		poll:              NewAdaptivePoll(fast, steady),
		readExactMax:      readExactCycles,
		readExactInterval: fast,
	}
}

// PollOpcode waits for one byte, cooperatively yielding between checks,
// until ctx is canceled or the link errors (§4.F poll_opcode). It never
// returns a soft timeout: the opcode-idle wait has no deadline, per §4.G
// ("State is idle, waiting for opcode").
func (l *SerialLink) PollOpcode(ctx context.Context) (byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		b, ok, err := l.src.ReadByte()
		if err != nil {
			return 0, err
		}
		if ok {
			l.poll.Reset()
			return b, nil
		}
		l.poll.Sleep()
	}
}

// ReadExact accumulates n bytes, resetting the empty-cycle count on any
// successful partial read and returning ErrTimeout after readExactMax
// consecutive empty cycles, each a fixed readExactInterval apart (~1s
// total at the default fast interval) (§4.F read_exact). Unlike
// PollOpcode's idle wait, this deadline must stay a roughly fixed
// duration, so it sleeps readExactInterval directly rather than going
// through l.poll's exponential backoff.
func (l *SerialLink) ReadExact(ctx context.Context, n int) ([]byte, error) {
	buf := make([]byte, 0, n)
	emptyCycles := 0
	for len(buf) < n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, ok, err := l.src.ReadByte()
		if err != nil {
			return nil, err
		}
		if ok {
			buf = append(buf, b)
			emptyCycles = 0
			continue
		}
		emptyCycles++
		if emptyCycles >= l.readExactMax {
			return nil, ErrTimeout
		}
		time.Sleep(l.readExactInterval)
	}
	return buf, nil
}

// Write sends p to the host. The dispatcher treats this as synchronous;
// the underlying device/socket is assumed to buffer the largest reply
// (§4.F).
func (l *SerialLink) Write(p []byte) error {
	_, err := l.src.Write(p)
	return err
}

// Drain reads and discards whatever is immediately available, used by
// the RESET opcodes (§4.G: "Drain UART input; clear no other state").
func (l *SerialLink) Drain(ctx context.Context) {
	for {
		b, ok, err := l.src.ReadByte()
		if err != nil || !ok {
			_ = b
			return
		}
	}
}
