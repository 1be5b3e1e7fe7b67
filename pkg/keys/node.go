package keys

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// NodeID identifies a peer node on the transport layer (the public
// key the connection is authenticated with).
type NodeID [IDSize]byte

// NodeIDFromBytes parses a node identifier from raw bytes.
func NodeIDFromBytes(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != IDSize {
		return id, fmt.Errorf("invalid node id length: expected %d, got %d", IDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Equal returns true if this id equals the other id.
func (n NodeID) Equal(other NodeID) bool {
	return subtle.ConstantTimeCompare(n[:], other[:]) == 1
}

// IsZero returns true if this id is the zero value.
func (n NodeID) IsZero() bool {
	return n == NodeID{}
}

// Bytes returns a byte slice copy of the id.
func (n NodeID) Bytes() []byte {
	b := make([]byte, len(n))
	copy(b, n[:])
	return b
}

// String returns the hexadecimal representation of the id.
func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}
