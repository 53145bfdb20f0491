// Package transport carries framed batches between the client and a server.
//
// Two variants exist: RakNet, a reliable-UDP connection to a dedicated
// server, and PeerToPeer, a WebRTC data channel negotiated through a
// signaling path. Both deliver whole batches in order and expose the same
// lifecycle channels.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// Capabilities describe how batches must be framed for a transport.
type Capabilities struct {
	// BatchHeader prefixes every batch when HasBatchHeader is set.
	BatchHeader    byte
	HasBatchHeader bool
	// Encrypted reports that the transport already encrypts its payload,
	// so the session skips its own encryption layer.
	Encrypted bool
}

// Transport is a connection able to exchange batches with a server.
//
// Its lifecycle is governed by the underlying connection and the Close or
// Shutdown call: Connected is closed once batches can flow, Done once the
// transport is gone, and Reason then explains why.
type Transport interface {
	// Connect starts establishing the connection. It returns once the
	// attempt is under way; wait on Connected for completion.
	Connect(ctx context.Context) error
	// SendReliable queues one batch. immediate asks the transport to
	// bypass any send coalescing it does.
	SendReliable(b []byte, immediate bool) error
	// Connected is closed once the transport is ready.
	Connected() <-chan struct{}
	// Packets delivers inbound batches in arrival order.
	Packets() <-chan []byte
	// Done is closed when the transport shuts down.
	Done() <-chan struct{}
	// Reason describes why the transport closed.
	Reason() string
	// Caps returns the framing capabilities.
	Caps() Capabilities
	// Shutdown flushes queued batches, waiting at most until ctx is done,
	// then closes.
	Shutdown(ctx context.Context) error
	// Close closes immediately, discarding queued batches.
	Close() error
}
