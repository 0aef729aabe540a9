package dw4core

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionManager_OpenClient(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	channels := NewChannelSet(DefaultChannelBufferSize)
	status := NewStatusSurface()
	sm := NewSessionManager(channels, status, NewDefaultMetrics())

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sm.OpenClient(ctx, 3, host, port))
	assert.True(t, sm.HasBinding(3))

	var remote net.Conn
	select {
	case remote = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the client connection")
	}
	defer remote.Close()

	// Server -> channel buffer.
	_, err = remote.Write([]byte{0x7A})
	require.NoError(t, err)
	waitForChannelByte(t, channels, 3, 0x7A)

	// Client -> server, via SessionManager.Send.
	require.NoError(t, sm.Send(ctx, 3, 0x55))
	buf := make([]byte, 1)
	_ = remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := remote.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, byte(0x55), buf[0])

	sm.Close(3)
	assert.False(t, sm.HasBinding(3))
}

func TestSessionManager_SendWithNoBindingFails(t *testing.T) {
	channels := NewChannelSet(DefaultChannelBufferSize)
	status := NewStatusSurface()
	sm := NewSessionManager(channels, status, NewDefaultMetrics())

	err := sm.Send(context.Background(), 7, 0x01)
	assert.ErrorIs(t, err, ErrNoBinding)
}

func TestSessionManager_OpenClient_RejectsOutOfRangeChannel(t *testing.T) {
	channels := NewChannelSet(DefaultChannelBufferSize)
	status := NewStatusSurface()
	sm := NewSessionManager(channels, status, NewDefaultMetrics())

	err := sm.OpenClient(context.Background(), NumChannels, "127.0.0.1", 1)
	assert.ErrorIs(t, err, ErrChannelRange)
}

func waitForChannelByte(t *testing.T, cs *ChannelSet, ch int, want byte) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b, ok := cs.Dequeue(ch); ok {
			assert := assert.New(t)
			assert.Equal(want, b)
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("channel %d never received byte 0x%02X", ch, want)
}
