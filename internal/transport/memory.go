package transport

import (
	"context"
	"net"

	"github.com/i5heu/ouroboros-docs/pkg/keys"
)

// memStream adapts a net.Pipe end to the Stream interface.
type memStream struct {
	net.Conn
}

// memConn is one side of an in-memory connection pair.
type memConn struct {
	remote keys.NodeID
	stream Stream
}

func (c *memConn) RemoteNode() keys.NodeID { return c.remote }

func (c *memConn) OpenStream(context.Context) (Stream, error) { return c.stream, nil }

func (c *memConn) AcceptStream(context.Context) (Stream, error) { return c.stream, nil }

func (c *memConn) Close() error { return c.stream.Close() }

// MemoryPair returns two connected in-memory connections, one per
// node, authenticated as each other. Used by tests and local sync.
func MemoryPair(a, b keys.NodeID) (Conn, Conn) {
	ca, cb := net.Pipe()
	return &memConn{remote: b, stream: memStream{ca}},
		&memConn{remote: a, stream: memStream{cb}}
}
