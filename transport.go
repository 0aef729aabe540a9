package dw4core

import "context"

// ChannelTransport is the egress/ingress abstraction a channel's binding
// acts through (SPEC_FULL §3, §4.L). tcpTransport is the spec's TCP
// client/listener pair (§4.E); queueTransport is the optional Azure
// Queue store-and-forward substitute. The dispatcher and the session
// manager only ever call these four methods — never transport internals
// — so SERREAD/SERWRITE/SERTERM behave identically regardless of which
// implementation backs a channel.
type ChannelTransport interface {
	// Open establishes the transport (dials, or is a no-op for an
	// already-accepted connection).
	Open(ctx context.Context) error
	// Send writes one byte to the transport's outbound half.
	Send(ctx context.Context, b byte) error
	// StartReader runs the ingress loop, calling onByte with each chunk
	// read until EOF, error, or ctx cancellation, then returns. Callers
	// run it on its own goroutine; it blocks until the loop ends.
	StartReader(ctx context.Context, onByte func([]byte))
	// Close tears down the transport. Safe to call more than once.
	Close() error
}
