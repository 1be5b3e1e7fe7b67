// Package ranger implements range-based set reconciliation after
// Aljoscha Meyer's paper: two peers converge on the union of their
// entry sets by recursively comparing range fingerprints and
// exchanging only the entries that differ.
package ranger

import (
	"fmt"

	"github.com/i5heu/ouroboros-docs/pkg/entry"
)

// Fingerprint is the XOR combination of the BLAKE3 hashes of the
// canonical encodings of a set of entries. XOR makes it associative,
// commutative and self-inverse, so it can be maintained incrementally.
type Fingerprint entry.Hash

// EmptyFingerprint is the fingerprint of the empty set.
var EmptyFingerprint = Fingerprint(entry.HashBytes(nil))

// Xor folds another fingerprint into f.
func (f Fingerprint) Xor(other Fingerprint) Fingerprint {
	return Fingerprint(entry.Hash(f).Xor(entry.Hash(other)))
}

// String returns a short hex form for logging.
func (f Fingerprint) String() string {
	return fmt.Sprintf("Fp(%x)", f[:8])
}

// EntryFingerprint returns the fingerprint contribution of a single
// signed entry.
func EntryFingerprint(e entry.SignedEntry) Fingerprint {
	return Fingerprint(e.Entry.Fingerprint())
}

// Range is a half-open, conceptually cyclic interval of record
// identifiers:
//
//   - x == y: the whole set
//   - x < y:  [x, y), includes x but not y
//   - y < x:  wraps around, includes x but not y
type Range struct {
	X entry.RecordIdentifier
	Y entry.RecordIdentifier
}

// NewRange builds a range from its bounds.
func NewRange(x, y entry.RecordIdentifier) Range {
	return Range{X: x, Y: y}
}

// IsAll returns true if the range denotes the whole set.
func (r Range) IsAll() bool {
	return r.X.Compare(r.Y) == 0
}

// Contains returns true if t falls inside the range.
func (r Range) Contains(t entry.RecordIdentifier) bool {
	switch c := r.X.Compare(r.Y); {
	case c == 0:
		return true
	case c < 0:
		return r.X.Compare(t) <= 0 && t.Compare(r.Y) < 0
	default:
		return r.X.Compare(t) <= 0 || t.Compare(r.Y) < 0
	}
}

// EntryWithStatus is an entry on the wire, annotated with the sender's
// availability status for the entry's content.
type EntryWithStatus struct {
	Entry  entry.SignedEntry
	Status entry.ContentStatus
}

// RangeFingerprint asks the peer to compare a range by fingerprint.
type RangeFingerprint struct {
	Range       Range
	Fingerprint Fingerprint
}

// RangeItem transfers the full entry set of a range. If HaveLocal is
// false the sender requests the receiver's entries in the range in
// return; if true the item is already the reply and ends the exchange
// for that range.
type RangeItem struct {
	Range     Range
	Values    []EntryWithStatus
	HaveLocal bool
}

// MessagePart is one of RangeFingerprint or RangeItem. Exactly one
// field is non-nil.
type MessagePart struct {
	Fingerprint *RangeFingerprint
	Item        *RangeItem
}

// Message is one protocol round: a batch of message parts.
type Message struct {
	Parts []MessagePart
}

// Values returns all entries carried by the message.
func (m *Message) Values() []EntryWithStatus {
	var out []EntryWithStatus
	for _, p := range m.Parts {
		if p.Item != nil {
			out = append(out, p.Item.Values...)
		}
	}
	return out
}

// ValueCount returns the number of entries carried by the message.
func (m *Message) ValueCount() int {
	n := 0
	for _, p := range m.Parts {
		if p.Item != nil {
			n += len(p.Item.Values)
		}
	}
	return n
}
