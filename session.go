package dw4core

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"
)

// binding is the per-channel TCP/queue state (§3: "optionally a TCP
// binding"). The listener is tracked separately from the active
// transport so a fresh accept can replace the transport without
// disturbing the listener, and close(chan) can tear down both in one
// call (§4.E).
type binding struct {
	transport    ChannelTransport
	readerCancel context.CancelFunc

	listener     net.Listener
	acceptCancel context.CancelFunc
}

// SessionManager is the TCP/queue session manager (component E). It owns
// the per-channel binding table; background reader tasks touch only the
// channel buffer, the metrics and the log, never the binding table, so a
// stale reader goroutine cannot corrupt binding state after Close.
type SessionManager struct {
	mu       sync.Mutex
	bindings [NumChannels]*binding

	channels *ChannelSet
	status   *StatusSurface
	metrics  Metrics
}

// NewSessionManager builds a SessionManager bound to channels, logging
// to status, and counting via metrics.
func NewSessionManager(channels *ChannelSet, status *StatusSurface, metrics Metrics) *SessionManager {
	return &SessionManager{channels: channels, status: status, metrics: metrics}
}

func (sm *SessionManager) onIngress(ch int) func([]byte) {
	return func(data []byte) {
		sm.channels.EnqueueAll(ch, data)
		if sm.metrics != nil {
			sm.metrics.IncrementChannelRx(int64(len(data)))
		}
	}
}

// closeBindingLocked tears down whatever transport is bound to ch
// (reader task + writer half) without touching the listener. Caller
// holds sm.mu.
func (sm *SessionManager) closeBindingLocked(ch int) {
	b := sm.bindings[ch]
	if b == nil || b.transport == nil {
		return
	}
	if b.readerCancel != nil {
		b.readerCancel()
	}
	_ = b.transport.Close()
	b.transport = nil
	b.readerCancel = nil
}

func (sm *SessionManager) ensureBindingLocked(ch int) *binding {
	if sm.bindings[ch] == nil {
		sm.bindings[ch] = &binding{}
	}
	return sm.bindings[ch]
}

// bindTransportLocked installs t as ch's current transport, replacing
// (and closing) any prior one, and launches its reader task. Caller
// holds sm.mu.
func (sm *SessionManager) bindTransportLocked(ctx context.Context, ch int, t ChannelTransport) {
	sm.closeBindingLocked(ch)
	b := sm.ensureBindingLocked(ch)
	b.transport = t

	readerCtx, cancel := context.WithCancel(ctx)
	b.readerCancel = cancel
	go func() {
		t.StartReader(readerCtx, sm.onIngress(ch))
		// §4.E: termination logs but does not remove the binding; a
		// stale binding is only cleared by Send's error path, SERTERM,
		// or reload (Open Question 5).
		if sm.metrics != nil {
			sm.metrics.IncrementReaderErrors()
		}
		sm.status.Log("channel %d: reader task ended", ch)
	}()
}

// OpenClient dials host:port for channel ch and spawns its reader task
// (§4.E open_client). Any existing binding on ch is closed first.
func (sm *SessionManager) OpenClient(ctx context.Context, ch int, host string, port int) error {
	if ch < 0 || ch >= NumChannels {
		return ErrChannelRange
	}
	t := newTCPClientTransport(host, port)
	if err := t.Open(ctx); err != nil {
		return err
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.bindTransportLocked(ctx, ch, t)
	return nil
}

// OpenListener binds and listens on host:port for channel ch (§4.E
// open_listener). Accepted connections replace any existing binding on
// ch, closing the prior one first. acceptPoll is the backoff ceiling the
// accept loop uses between failed Accept calls.
func (sm *SessionManager) OpenListener(ctx context.Context, ch int, host string, port int, acceptPoll time.Duration) error {
	if ch < 0 || ch >= NumChannels {
		return ErrChannelRange
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}

	sm.mu.Lock()
	b := sm.ensureBindingLocked(ch)
	if b.listener != nil {
		_ = b.listener.Close()
		if b.acceptCancel != nil {
			b.acceptCancel()
		}
	}
	b.listener = ln
	acceptCtx, acceptCancel := context.WithCancel(ctx)
	b.acceptCancel = acceptCancel
	sm.mu.Unlock()

	go sm.acceptLoop(acceptCtx, ch, ln, acceptPoll)
	return nil
}

func (sm *SessionManager) acceptLoop(ctx context.Context, ch int, ln net.Listener, acceptPoll time.Duration) {
	poll := NewAdaptivePoll(DefaultFastPoll, acceptPoll)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			poll.Sleep()
			continue
		}
		poll.Reset()

		t := newTCPAcceptedTransport(conn)
		sm.mu.Lock()
		sm.status.Log("channel %d: accepted %s", ch, conn.RemoteAddr())
		sm.bindTransportLocked(ctx, ch, t)
		sm.mu.Unlock()
	}
}

// OpenQueue binds channel ch to an Azure Queue egress/ingress pair
// (component L, mode "azqueue"). Any existing binding is closed first.
// ingressPoll is how often the reader task drains the ingress queue.
func (sm *SessionManager) OpenQueue(ctx context.Context, ch int, e SerialMapEntry, ingressPoll time.Duration) error {
	if ch < 0 || ch >= NumChannels {
		return ErrChannelRange
	}
	svc, err := newQueueServiceClient(e.QueueAccount, e.QueueKey)
	if err != nil {
		return err
	}
	t, err := newQueueTransport(svc, e.EgressQueue, e.IngressQueue, ingressPoll)
	if err != nil {
		return err
	}
	if err := t.Open(ctx); err != nil {
		return err
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.bindTransportLocked(ctx, ch, t)
	return nil
}

// Send writes one byte to channel ch's current outbound half (§4.E
// send). On error it closes the binding and logs, matching the spec's
// "stale binding after remote close" behavior (Open Question 5): a
// SERWRITE issued after the peer vanished observes and clears the
// binding on this very call.
func (sm *SessionManager) Send(ctx context.Context, ch int, b byte) error {
	if ch < 0 || ch >= NumChannels {
		return ErrChannelRange
	}
	sm.mu.Lock()
	bnd := sm.bindings[ch]
	if bnd == nil || bnd.transport == nil {
		sm.mu.Unlock()
		return ErrNoBinding
	}
	t := bnd.transport
	sm.mu.Unlock()

	if err := t.Send(ctx, b); err != nil {
		sm.mu.Lock()
		sm.closeBindingLocked(ch)
		sm.mu.Unlock()
		sm.status.Log("channel %d: send failed, closing binding: %v", ch, err)
		return err
	}
	if sm.metrics != nil {
		sm.metrics.IncrementChannelTx(1)
	}
	return nil
}

// Close cancels the reader task, closes the writer half, clears the
// channel buffer, and removes the binding; it separately clears the
// listener if one exists (§4.E close(chan)).
func (sm *SessionManager) Close(ch int) {
	if ch < 0 || ch >= NumChannels {
		return
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closeBindingLocked(ch)
	if b := sm.bindings[ch]; b != nil && b.listener != nil {
		_ = b.listener.Close()
		if b.acceptCancel != nil {
			b.acceptCancel()
		}
		b.listener = nil
		b.acceptCancel = nil
	}
	sm.channels.Clear(ch)
}

// CloseAll tears down every channel's binding and listener, used on
// shutdown and reload (§4, lifecycle).
func (sm *SessionManager) CloseAll() {
	for ch := 0; ch < NumChannels; ch++ {
		sm.Close(ch)
	}
}

// HasBinding reports whether ch currently has an active transport,
// used by tests.
func (sm *SessionManager) HasBinding(ch int) bool {
	if ch < 0 || ch >= NumChannels {
		return false
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	b := sm.bindings[ch]
	return b != nil && b.transport != nil
}
