package keys

import (
	"errors"
	"fmt"
)

// CapabilityKind distinguishes read-only from writable access to a
// namespace.
type CapabilityKind uint8

const (
	// CapabilityWrite grants read and write access; it carries the
	// namespace secret.
	CapabilityWrite CapabilityKind = 0
	// CapabilityRead grants read access; it carries only the public key.
	CapabilityRead CapabilityKind = 1
)

// String returns the textual kind name.
func (k CapabilityKind) String() string {
	switch k {
	case CapabilityWrite:
		return "write"
	case CapabilityRead:
		return "read"
	default:
		return "unknown"
	}
}

// ErrReadOnly is returned when a write operation is attempted with a
// read capability.
var ErrReadOnly = errors.New("keys: namespace capability is read-only")

// ErrCapabilityMismatch is returned when merging capabilities of
// different namespaces.
var ErrCapabilityMismatch = errors.New("keys: capabilities for different namespaces")

// Capability is the access level to a namespace: either the full
// keypair (write) or just the public identifier (read).
type Capability struct {
	kind   CapabilityKind
	id     NamespaceID
	secret *Namespace
}

// WriteCapability wraps a namespace secret into a write capability.
func WriteCapability(ns *Namespace) Capability {
	return Capability{kind: CapabilityWrite, id: ns.ID(), secret: ns}
}

// ReadCapability wraps a namespace id into a read capability.
func ReadCapability(id NamespaceID) Capability {
	return Capability{kind: CapabilityRead, id: id}
}

// ID returns the namespace this capability refers to.
func (c Capability) ID() NamespaceID {
	return c.id
}

// Kind returns the capability kind.
func (c Capability) Kind() CapabilityKind {
	return c.kind
}

// Secret returns the namespace secret, or ErrReadOnly for a read
// capability.
func (c Capability) Secret() (*Namespace, error) {
	if c.kind != CapabilityWrite || c.secret == nil {
		return nil, ErrReadOnly
	}
	return c.secret, nil
}

// Raw returns the capability as a kind tag plus 32 bytes: the secret
// seed for write, the public key for read.
func (c Capability) Raw() (byte, [IDSize]byte) {
	var b [IDSize]byte
	switch c.kind {
	case CapabilityWrite:
		copy(b[:], c.secret.Seed())
	case CapabilityRead:
		b = c.id
	}
	return byte(c.kind), b
}

// CapabilityFromRaw restores a capability from its tag byte and
// 32-byte payload.
func CapabilityFromRaw(kind byte, b []byte) (Capability, error) {
	switch CapabilityKind(kind) {
	case CapabilityWrite:
		ns, err := NamespaceFromSeed(b)
		if err != nil {
			return Capability{}, err
		}
		return WriteCapability(ns), nil
	case CapabilityRead:
		id, err := NamespaceIDFromBytes(b)
		if err != nil {
			return Capability{}, err
		}
		return ReadCapability(id), nil
	default:
		return Capability{}, fmt.Errorf("invalid capability kind: %d", kind)
	}
}

// Merge absorbs other into c, upgrading read to write when other is
// stronger. Returns true if c changed.
func (c *Capability) Merge(other Capability) (bool, error) {
	if !c.id.Equal(other.id) {
		return false, ErrCapabilityMismatch
	}
	if c.kind == CapabilityRead && other.kind == CapabilityWrite {
		c.kind = CapabilityWrite
		c.secret = other.secret
		return true, nil
	}
	return false, nil
}
