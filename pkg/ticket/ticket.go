// Package ticket shares namespaces as self-contained strings: the
// capability, the addresses of nodes carrying the document, and the
// intended access mode.
package ticket

import (
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/i5heu/ouroboros-docs/pkg/keys"
)

// prefix identifies serialized doc tickets.
const prefix = "doc"

// ticketVersion is the serialization version.
const ticketVersion = 1

// ErrInvalidTicket means the string is not a valid doc ticket.
var ErrInvalidTicket = errors.New("ticket: invalid doc ticket")

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NodeAddr is a peer plus its dialable addresses.
type NodeAddr struct {
	ID    keys.NodeID
	Addrs []string
}

// DocTicket is a shareable pointer to a namespace.
type DocTicket struct {
	Capability keys.Capability
	Nodes      []NodeAddr
	// Mode is the intended access level for the recipient. It can
	// never exceed what the capability grants.
	Mode keys.CapabilityKind
}

// New builds a ticket from a capability and the nodes to bootstrap
// from.
func New(capability keys.Capability, nodes []NodeAddr, mode keys.CapabilityKind) DocTicket {
	if capability.Kind() == keys.CapabilityRead {
		mode = keys.CapabilityRead
	}
	return DocTicket{Capability: capability, Nodes: nodes, Mode: mode}
}

// String serializes the ticket.
func (t DocTicket) String() string {
	kind, payload := t.Capability.Raw()
	out := []byte{ticketVersion, kind}
	out = append(out, payload[:]...)
	out = append(out, byte(t.Mode))
	out = binary.BigEndian.AppendUint16(out, uint16(len(t.Nodes)))
	for _, n := range t.Nodes {
		out = append(out, n.ID[:]...)
		out = binary.BigEndian.AppendUint16(out, uint16(len(n.Addrs)))
		for _, a := range n.Addrs {
			out = binary.BigEndian.AppendUint16(out, uint16(len(a)))
			out = append(out, a...)
		}
	}
	return prefix + strings.ToLower(encoding.EncodeToString(out))
}

// Parse deserializes and validates a ticket string.
func Parse(s string) (DocTicket, error) {
	var t DocTicket
	if !strings.HasPrefix(s, prefix) {
		return t, ErrInvalidTicket
	}
	raw, err := encoding.DecodeString(strings.ToUpper(s[len(prefix):]))
	if err != nil {
		return t, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	if len(raw) < 2+keys.IDSize+1+2 {
		return t, ErrInvalidTicket
	}
	if raw[0] != ticketVersion {
		return t, fmt.Errorf("%w: unsupported version %d", ErrInvalidTicket, raw[0])
	}
	capability, err := keys.CapabilityFromRaw(raw[1], raw[2:2+keys.IDSize])
	if err != nil {
		return t, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	t.Capability = capability
	b := raw[2+keys.IDSize:]
	t.Mode = keys.CapabilityKind(b[0])
	if t.Mode != keys.CapabilityRead && t.Mode != keys.CapabilityWrite {
		return t, fmt.Errorf("%w: unknown mode %d", ErrInvalidTicket, b[0])
	}
	if t.Capability.Kind() == keys.CapabilityRead {
		t.Mode = keys.CapabilityRead
	}
	nodeCount := binary.BigEndian.Uint16(b[1:3])
	b = b[3:]
	for i := uint16(0); i < nodeCount; i++ {
		if len(b) < keys.IDSize+2 {
			return t, ErrInvalidTicket
		}
		var n NodeAddr
		copy(n.ID[:], b[:keys.IDSize])
		addrCount := binary.BigEndian.Uint16(b[keys.IDSize : keys.IDSize+2])
		b = b[keys.IDSize+2:]
		for j := uint16(0); j < addrCount; j++ {
			if len(b) < 2 {
				return t, ErrInvalidTicket
			}
			l := binary.BigEndian.Uint16(b[:2])
			b = b[2:]
			if len(b) < int(l) {
				return t, ErrInvalidTicket
			}
			n.Addrs = append(n.Addrs, string(b[:l]))
			b = b[l:]
		}
		t.Nodes = append(t.Nodes, n)
	}
	return t, nil
}

// Sanitize strips nodes pointing at self from an imported ticket.
func (t DocTicket) Sanitize(self keys.NodeID) DocTicket {
	var nodes []NodeAddr
	for _, n := range t.Nodes {
		if !n.ID.Equal(self) {
			nodes = append(nodes, n)
		}
	}
	t.Nodes = nodes
	return t
}
