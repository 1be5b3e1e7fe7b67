package entry

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// HashSize is the byte length of a content hash.
const HashSize = 32

// Hash is a fixed-size BLAKE3 hash. It identifies content in the
// external blob store and feeds reconciliation fingerprints.
type Hash [HashSize]byte

// EmptyHash is the BLAKE3 hash of the empty byte string, the hash
// carried by tombstone entries.
var EmptyHash = HashBytes(nil)

// HashBytes computes the BLAKE3 hash of data.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashHexadecimal parses a 64-character hex string into a Hash.
func HashHexadecimal(s string) (Hash, error) {
	if len(s) != HashSize*2 {
		return Hash{}, fmt.Errorf("invalid hex length: expected %d, got %d", HashSize*2, len(s))
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("decode hex: %w", err)
	}
	var h Hash
	copy(h[:], decoded)
	return h, nil
}

// Equal returns true if this hash equals the other hash.
func (h Hash) Equal(other Hash) bool {
	return subtle.ConstantTimeCompare(h[:], other[:]) == 1
}

// IsZero returns true if this hash is the zero value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Bytes returns a byte slice copy of the hash.
func (h Hash) Bytes() []byte {
	b := make([]byte, len(h))
	copy(b, h[:])
	return b
}

// String returns the hexadecimal string representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Xor combines two hashes bytewise. XOR is the commutative group
// operation of range fingerprints.
func (h Hash) Xor(other Hash) Hash {
	var out Hash
	for i := range h {
		out[i] = h[i] ^ other[i]
	}
	return out
}
