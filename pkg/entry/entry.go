// Package entry defines the record model of a synced document: record
// identifiers, content records, entries and their double-signed form,
// plus the canonical byte encoding that is the signing domain.
package entry

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-docs/pkg/keys"
)

// MaxKeySize is the recommended upper bound for key lengths in bytes.
const MaxKeySize = 1024

// MaxTimestampFutureShift is the maximum distance in the future from
// the local wall clock, in microseconds, that an entry timestamp may
// have and still validate. Value is 10 minutes.
const MaxTimestampFutureShift = uint64(10 * time.Minute / time.Microsecond)

var (
	// ErrBadSignature means one of the two signatures does not verify.
	ErrBadSignature = errors.New("entry: signature verification failed")
	// ErrInvalidNamespace means the entry names a different namespace
	// than the replica it was offered to.
	ErrInvalidNamespace = errors.New("entry: entry for unexpected namespace")
	// ErrEntryIsEmpty means length and hash disagree about emptiness:
	// a zero length with a non-empty hash or the reverse.
	ErrEntryIsEmpty = errors.New("entry: empty entry with non-empty hash or length")
	// ErrTooFarInTheFuture means the entry timestamp is beyond the
	// accepted clock skew window.
	ErrTooFarInTheFuture = errors.New("entry: timestamp too far in the future")
	// ErrKeyTooLarge means the key exceeds MaxKeySize.
	ErrKeyTooLarge = errors.New("entry: key exceeds maximum size")
)

// Timestamp returns the current wall clock time in microseconds since
// the Unix epoch, the unit all record timestamps use.
func Timestamp() uint64 {
	return uint64(time.Now().UnixMicro())
}

// RecordIdentifier is the triple that addresses a record: namespace,
// author, and an arbitrary byte key. Identifiers order
// lexicographically by the concatenation namespace||author||key.
type RecordIdentifier struct {
	Namespace keys.NamespaceID
	Author    keys.AuthorID
	Key       []byte
}

// NewRecordIdentifier builds an identifier, copying the key bytes.
func NewRecordIdentifier(namespace keys.NamespaceID, author keys.AuthorID, key []byte) RecordIdentifier {
	k := make([]byte, len(key))
	copy(k, key)
	return RecordIdentifier{Namespace: namespace, Author: author, Key: k}
}

// Compare orders identifiers by namespace, then author, then key.
func (id RecordIdentifier) Compare(other RecordIdentifier) int {
	if c := bytes.Compare(id.Namespace[:], other.Namespace[:]); c != 0 {
		return c
	}
	if c := bytes.Compare(id.Author[:], other.Author[:]); c != 0 {
		return c
	}
	return bytes.Compare(id.Key, other.Key)
}

// Equal returns true if both identifiers address the same record.
func (id RecordIdentifier) Equal(other RecordIdentifier) bool {
	return id.Compare(other) == 0
}

// IsPrefixOf returns true if other shares namespace and author with id
// and other's key starts with id's key.
func (id RecordIdentifier) IsPrefixOf(other RecordIdentifier) bool {
	return id.Namespace == other.Namespace &&
		id.Author == other.Author &&
		bytes.HasPrefix(other.Key, id.Key)
}

// Encode appends the identifier in its canonical layout:
// namespace (32) || author (32) || key length (u32 BE) || key.
func (id RecordIdentifier) Encode(out []byte) []byte {
	out = append(out, id.Namespace[:]...)
	out = append(out, id.Author[:]...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(id.Key)))
	out = append(out, id.Key...)
	return out
}

// DecodeRecordIdentifier parses an identifier from b and returns the
// remaining bytes.
func DecodeRecordIdentifier(b []byte) (RecordIdentifier, []byte, error) {
	var id RecordIdentifier
	if len(b) < keys.IDSize*2+4 {
		return id, nil, fmt.Errorf("record identifier truncated: %d bytes", len(b))
	}
	copy(id.Namespace[:], b[:keys.IDSize])
	b = b[keys.IDSize:]
	copy(id.Author[:], b[:keys.IDSize])
	b = b[keys.IDSize:]
	keyLen := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint64(len(b)) < uint64(keyLen) {
		return id, nil, fmt.Errorf("record identifier key truncated: want %d, have %d", keyLen, len(b))
	}
	id.Key = make([]byte, keyLen)
	copy(id.Key, b[:keyLen])
	return id, b[keyLen:], nil
}

// Record is the content descriptor of an entry: the BLAKE3 hash of the
// content, its byte length, and the write timestamp in microseconds.
type Record struct {
	Hash      Hash
	Length    uint64
	Timestamp uint64
}

// NewRecord builds a record with the given timestamp.
func NewRecord(hash Hash, length, timestamp uint64) Record {
	return Record{Hash: hash, Length: length, Timestamp: timestamp}
}

// NewRecordNow builds a record stamped with the current time.
func NewRecordNow(hash Hash, length uint64) Record {
	return NewRecord(hash, length, Timestamp())
}

// EmptyRecord builds a tombstone record stamped with the current time.
func EmptyRecord() Record {
	return NewRecordNow(EmptyHash, 0)
}

// IsEmpty returns true if the record is a tombstone.
func (r Record) IsEmpty() bool {
	return r.Length == 0 && r.Hash == EmptyHash
}

// Compare orders records by timestamp, breaking ties by lexicographic
// comparison of the content hash. This is the last-writer-wins order:
// the greater record is retained.
func (r Record) Compare(other Record) int {
	if r.Timestamp != other.Timestamp {
		if r.Timestamp < other.Timestamp {
			return -1
		}
		return 1
	}
	return bytes.Compare(r.Hash[:], other.Hash[:])
}

// ValidateEmpty checks the emptiness rule: a zero length requires the
// empty hash and vice versa.
func (r Record) ValidateEmpty() error {
	if (r.Length == 0) != (r.Hash == EmptyHash) {
		return ErrEntryIsEmpty
	}
	return nil
}

// Entry pairs a record identifier with its record.
type Entry struct {
	ID     RecordIdentifier
	Record Record
}

// NewEntry builds an entry.
func NewEntry(id RecordIdentifier, record Record) Entry {
	return Entry{ID: id, Record: record}
}

// NewEmptyEntry builds a tombstone entry for the given identifier.
func NewEmptyEntry(id RecordIdentifier) Entry {
	return Entry{ID: id, Record: EmptyRecord()}
}

// IsEmpty returns true if the entry is a tombstone.
func (e Entry) IsEmpty() bool {
	return e.Record.IsEmpty()
}

// Encode returns the canonical byte encoding of the entry:
// identifier layout followed by hash (32) || length (u64 BE) ||
// timestamp (u64 BE). This byte string is the sole signing domain and
// the input of reconciliation fingerprints.
func (e Entry) Encode() []byte {
	out := make([]byte, 0, keys.IDSize*2+4+len(e.ID.Key)+HashSize+16)
	out = e.ID.Encode(out)
	out = append(out, e.Record.Hash[:]...)
	out = binary.BigEndian.AppendUint64(out, e.Record.Length)
	out = binary.BigEndian.AppendUint64(out, e.Record.Timestamp)
	return out
}

// DecodeEntry parses a canonical entry encoding from b and returns the
// remaining bytes.
func DecodeEntry(b []byte) (Entry, []byte, error) {
	var e Entry
	id, rest, err := DecodeRecordIdentifier(b)
	if err != nil {
		return e, nil, err
	}
	if len(rest) < HashSize+16 {
		return e, nil, fmt.Errorf("entry record truncated: %d bytes", len(rest))
	}
	e.ID = id
	copy(e.Record.Hash[:], rest[:HashSize])
	rest = rest[HashSize:]
	e.Record.Length = binary.BigEndian.Uint64(rest[:8])
	e.Record.Timestamp = binary.BigEndian.Uint64(rest[8:16])
	return e, rest[16:], nil
}

// Sign produces the double-signed form of the entry.
func (e Entry) Sign(namespace *keys.Namespace, author *keys.Author) SignedEntry {
	msg := e.Encode()
	var se SignedEntry
	se.Entry = e
	copy(se.NamespaceSignature[:], namespace.Sign(msg))
	copy(se.AuthorSignature[:], author.Sign(msg))
	return se
}

// SignedEntry is an entry together with signatures by the namespace
// and author keys over the canonical encoding.
type SignedEntry struct {
	Entry              Entry
	NamespaceSignature [keys.SignatureSize]byte
	AuthorSignature    [keys.SignatureSize]byte
}

// Verify checks both signatures and the emptiness rule.
func (se SignedEntry) Verify() error {
	if err := se.Entry.Record.ValidateEmpty(); err != nil {
		return err
	}
	msg := se.Entry.Encode()
	if !se.Entry.ID.Namespace.Verify(msg, se.NamespaceSignature[:]) {
		return ErrBadSignature
	}
	if !se.Entry.ID.Author.Verify(msg, se.AuthorSignature[:]) {
		return ErrBadSignature
	}
	return nil
}

// Validate runs the full validity predicate against the expected
// namespace and the local wall clock now (microseconds). verifySignatures
// is false for locally signed entries, which skip the signature check.
func (se SignedEntry) Validate(now uint64, expected keys.NamespaceID, verifySignatures bool) error {
	if !se.Entry.ID.Namespace.Equal(expected) {
		return ErrInvalidNamespace
	}
	if verifySignatures {
		if err := se.Verify(); err != nil {
			return err
		}
	} else if err := se.Entry.Record.ValidateEmpty(); err != nil {
		return err
	}
	if se.Entry.Record.Timestamp > now+MaxTimestampFutureShift {
		return ErrTooFarInTheFuture
	}
	return nil
}

// EncodeSigned returns the wire encoding of a signed entry: the
// canonical entry bytes followed by the namespace and author
// signatures.
func (se SignedEntry) EncodeSigned() []byte {
	out := se.Entry.Encode()
	out = append(out, se.NamespaceSignature[:]...)
	out = append(out, se.AuthorSignature[:]...)
	return out
}

// DecodeSignedEntry parses a signed entry from b and returns the
// remaining bytes.
func DecodeSignedEntry(b []byte) (SignedEntry, []byte, error) {
	var se SignedEntry
	e, rest, err := DecodeEntry(b)
	if err != nil {
		return se, nil, err
	}
	if len(rest) < keys.SignatureSize*2 {
		return se, nil, fmt.Errorf("signed entry signatures truncated: %d bytes", len(rest))
	}
	se.Entry = e
	copy(se.NamespaceSignature[:], rest[:keys.SignatureSize])
	rest = rest[keys.SignatureSize:]
	copy(se.AuthorSignature[:], rest[:keys.SignatureSize])
	return se, rest[keys.SignatureSize:], nil
}

// Fingerprint returns the reconciliation fingerprint contribution of
// the entry: the BLAKE3 hash of its canonical encoding.
func (e Entry) Fingerprint() Hash {
	return HashBytes(e.Encode())
}
