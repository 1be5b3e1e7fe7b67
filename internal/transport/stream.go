// Package transport carries sync protocol frames between nodes over
// an authenticated, ordered, bidirectional byte stream. It ships an
// in-memory pipe for tests and a QUIC implementation for real
// networks.
package transport

import (
	"context"

	"github.com/i5heu/ouroboros-docs/pkg/keys"
)

// ALPN is the application protocol identifier negotiated for sync
// connections.
const ALPN = "iroh-docs/0"

// Stream is a reliable, ordered, bidirectional byte stream to a peer.
type Stream interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
}

// Conn is an authenticated connection to a peer, carrying one sync
// stream per session.
type Conn interface {
	// RemoteNode is the authenticated identity of the peer.
	RemoteNode() keys.NodeID
	// OpenStream opens the session stream (initiator side).
	OpenStream(ctx context.Context) (Stream, error)
	// AcceptStream awaits the session stream (acceptor side).
	AcceptStream(ctx context.Context) (Stream, error)
	// Close tears the connection down.
	Close() error
}

// Dialer establishes connections to peers by node id.
type Dialer interface {
	Dial(ctx context.Context, peer keys.NodeID) (Conn, error)
}

// Listener surfaces inbound connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
}
