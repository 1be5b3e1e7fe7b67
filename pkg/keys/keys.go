// Package keys holds the key material for synced documents: the
// namespace keypair that identifies a document and grants write
// capability, and the author keypairs that attribute entries.
package keys

import (
	"bytes"
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
)

// IDSize is the byte length of namespace and author identifiers
// (an ed25519 public key).
const IDSize = 32

// SignatureSize is the byte length of an entry signature.
const SignatureSize = ed25519.SignatureSize

// NamespaceID is the public key of a namespace. It is the stable
// identifier of a replica.
type NamespaceID [IDSize]byte

// AuthorID is the public key of an author keypair.
type AuthorID [IDSize]byte

// NamespaceIDFromBytes parses a namespace identifier from raw bytes.
func NamespaceIDFromBytes(b []byte) (NamespaceID, error) {
	var id NamespaceID
	if len(b) != IDSize {
		return id, fmt.Errorf("invalid namespace id length: expected %d, got %d", IDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// AuthorIDFromBytes parses an author identifier from raw bytes.
func AuthorIDFromBytes(b []byte) (AuthorID, error) {
	var id AuthorID
	if len(b) != IDSize {
		return id, fmt.Errorf("invalid author id length: expected %d, got %d", IDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Equal returns true if this id equals the other id.
func (n NamespaceID) Equal(other NamespaceID) bool {
	return subtle.ConstantTimeCompare(n[:], other[:]) == 1
}

// IsZero returns true if this id is the zero value.
func (n NamespaceID) IsZero() bool {
	return n == NamespaceID{}
}

// Bytes returns a byte slice copy of the id.
func (n NamespaceID) Bytes() []byte {
	b := make([]byte, len(n))
	copy(b, n[:])
	return b
}

// String returns the hexadecimal representation of the id.
func (n NamespaceID) String() string {
	return hex.EncodeToString(n[:])
}

// Verify checks sig over msg under this namespace public key.
func (n NamespaceID) Verify(msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(n[:]), msg, sig)
}

// Equal returns true if this id equals the other id.
func (a AuthorID) Equal(other AuthorID) bool {
	return subtle.ConstantTimeCompare(a[:], other[:]) == 1
}

// IsZero returns true if this id is the zero value.
func (a AuthorID) IsZero() bool {
	return a == AuthorID{}
}

// Bytes returns a byte slice copy of the id.
func (a AuthorID) Bytes() []byte {
	b := make([]byte, len(a))
	copy(b, a[:])
	return b
}

// String returns the hexadecimal representation of the id.
func (a AuthorID) String() string {
	return hex.EncodeToString(a[:])
}

// Verify checks sig over msg under this author public key.
func (a AuthorID) Verify(msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(a[:]), msg, sig)
}

// Namespace is the secret keypair of a document namespace.
// Possession of it grants write capability.
type Namespace struct {
	secret ed25519.PrivateKey
}

// NewNamespace generates a fresh namespace keypair from rng.
func NewNamespace(rng io.Reader) (*Namespace, error) {
	_, secret, err := ed25519.GenerateKey(rng)
	if err != nil {
		return nil, fmt.Errorf("generate namespace key: %w", err)
	}
	return &Namespace{secret: secret}, nil
}

// NamespaceFromSeed restores a namespace keypair from its 32-byte seed.
func NamespaceFromSeed(seed []byte) (*Namespace, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid namespace seed length: expected %d, got %d", ed25519.SeedSize, len(seed))
	}
	return &Namespace{secret: ed25519.NewKeyFromSeed(seed)}, nil
}

// ID returns the public identifier of the namespace.
func (n *Namespace) ID() NamespaceID {
	var id NamespaceID
	copy(id[:], n.secret.Public().(ed25519.PublicKey))
	return id
}

// Seed returns the 32-byte secret seed.
func (n *Namespace) Seed() []byte {
	seed := make([]byte, ed25519.SeedSize)
	copy(seed, n.secret.Seed())
	return seed
}

// Sign signs msg with the namespace secret key.
func (n *Namespace) Sign(msg []byte) []byte {
	return ed25519.Sign(n.secret, msg)
}

// Author is a local keypair attributing writes to a document.
type Author struct {
	secret ed25519.PrivateKey
}

// NewAuthor generates a fresh author keypair from rng.
func NewAuthor(rng io.Reader) (*Author, error) {
	_, secret, err := ed25519.GenerateKey(rng)
	if err != nil {
		return nil, fmt.Errorf("generate author key: %w", err)
	}
	return &Author{secret: secret}, nil
}

// AuthorFromSeed restores an author keypair from its 32-byte seed.
func AuthorFromSeed(seed []byte) (*Author, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid author seed length: expected %d, got %d", ed25519.SeedSize, len(seed))
	}
	return &Author{secret: ed25519.NewKeyFromSeed(seed)}, nil
}

// ID returns the public identifier of the author.
func (a *Author) ID() AuthorID {
	var id AuthorID
	copy(id[:], a.secret.Public().(ed25519.PublicKey))
	return id
}

// Seed returns the 32-byte secret seed.
func (a *Author) Seed() []byte {
	seed := make([]byte, ed25519.SeedSize)
	copy(seed, a.secret.Seed())
	return seed
}

// Sign signs msg with the author secret key.
func (a *Author) Sign(msg []byte) []byte {
	return ed25519.Sign(a.secret, msg)
}

// CompareIDs orders two 32-byte ids lexicographically.
func CompareIDs(a, b [IDSize]byte) int {
	return bytes.Compare(a[:], b[:])
}
