package dw4core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeByteSource is a ByteSource fake that serves bytes from a
// preloaded queue, always reporting ok=false once drained, so tests
// can exercise read_exact's soft-timeout path deterministically.
type fakeByteSource struct {
	mu      sync.Mutex
	pending []byte
	written []byte
}

func (s *fakeByteSource) push(b ...byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, b...)
}

func (s *fakeByteSource) ReadByte() (byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return 0, false, nil
	}
	b := s.pending[0]
	s.pending = s.pending[1:]
	return b, true, nil
}

func (s *fakeByteSource) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, p...)
	return len(p), nil
}

func TestSerialLink_PollOpcode(t *testing.T) {
	src := &fakeByteSource{}
	link := NewSerialLink(src, time.Microsecond, time.Millisecond, 0)

	src.push(0x52)
	opcode, err := link.PollOpcode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(0x52), opcode)
}

func TestSerialLink_PollOpcode_ContextCanceled(t *testing.T) {
	src := &fakeByteSource{}
	link := NewSerialLink(src, time.Microsecond, time.Millisecond, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := link.PollOpcode(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSerialLink_ReadExact(t *testing.T) {
	t.Run("AccumulatesAcrossCycles", func(t *testing.T) {
		src := &fakeByteSource{}
		link := NewSerialLink(src, time.Microsecond, time.Microsecond, 5)
		src.push(0x01, 0x02, 0x03)

		got, err := link.ReadExact(context.Background(), 3)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x01, 0x02, 0x03}, got)
	})

	t.Run("TimesOutAfterEmptyCycles", func(t *testing.T) {
		src := &fakeByteSource{}
		link := NewSerialLink(src, time.Microsecond, time.Microsecond, 3)
		_, err := link.ReadExact(context.Background(), 2)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	// TimeoutStaysNearOneSecondAtProductionDefaults guards against the
	// soft deadline silently inflating: with fast != steady (the real
	// defaults server.go wires into every SerialLink), the deadline must
	// stay close to the ~1s read_exact specifies, not balloon toward
	// DefaultSteadyPoll * DefaultReadExactCycles.
	t.Run("TimeoutStaysNearOneSecondAtProductionDefaults", func(t *testing.T) {
		src := &fakeByteSource{}
		link := NewSerialLink(src, DefaultFastPoll, DefaultSteadyPoll, DefaultReadExactCycles)

		start := time.Now()
		_, err := link.ReadExact(context.Background(), 1)
		elapsed := time.Since(start)

		assert.ErrorIs(t, err, ErrTimeout)
		assert.Less(t, elapsed, 3*time.Second, "read_exact timeout took %s, expected ~1s", elapsed)
	})
}

func TestSerialLink_Write(t *testing.T) {
	src := &fakeByteSource{}
	link := NewSerialLink(src, time.Microsecond, time.Millisecond, 0)
	require.NoError(t, link.Write([]byte{0x00, 0x01}))
	assert.Equal(t, []byte{0x00, 0x01}, src.written)
}

func TestSerialLink_Drain(t *testing.T) {
	src := &fakeByteSource{}
	src.push(0x01, 0x02, 0x03)
	link := NewSerialLink(src, time.Microsecond, time.Millisecond, 0)
	link.Drain(context.Background())

	src.mu.Lock()
	remaining := len(src.pending)
	src.mu.Unlock()
	assert.Equal(t, 0, remaining)
}
