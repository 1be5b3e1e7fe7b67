package recordStore

import (
	"bytes"
	"fmt"

	"github.com/i5heu/ouroboros-docs/pkg/entry"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
)

// Table prefixes inside the single badger keyspace. Record rows are
// keyed namespace||author||key so a prefix scan yields the index in
// record identifier order.
var (
	keyVersion       = []byte("v")
	keyDefaultAuthor = []byte("d")
	prefixNamespace  = []byte("n:")
	prefixAuthor     = []byte("a:")
	prefixRecord     = []byte("r:")
	prefixRecordV1   = []byte("rec:")
	prefixKeyIndex   = []byte("k:")
	prefixLatest     = []byte("l:")
	prefixPolicy     = []byte("p:")
	prefixPeer       = []byte("u:")
)

// storeVersion is the current on-disk schema version.
const storeVersion = 2

func namespaceRowKey(ns keys.NamespaceID) []byte {
	return append(append([]byte(nil), prefixNamespace...), ns[:]...)
}

func authorRowKey(a keys.AuthorID) []byte {
	return append(append([]byte(nil), prefixAuthor...), a[:]...)
}

func recordRowKey(id entry.RecordIdentifier) []byte {
	out := make([]byte, 0, len(prefixRecord)+keys.IDSize*2+len(id.Key))
	out = append(out, prefixRecord...)
	out = append(out, id.Namespace[:]...)
	out = append(out, id.Author[:]...)
	out = append(out, id.Key...)
	return out
}

func recordRowPrefix(ns keys.NamespaceID) []byte {
	return append(append([]byte(nil), prefixRecord...), ns[:]...)
}

func recordAuthorPrefix(ns keys.NamespaceID, a keys.AuthorID) []byte {
	out := append(append([]byte(nil), prefixRecord...), ns[:]...)
	return append(out, a[:]...)
}

// parseRecordRowKey recovers the identifier from a record row key.
func parseRecordRowKey(k []byte) (entry.RecordIdentifier, error) {
	var id entry.RecordIdentifier
	rest := bytes.TrimPrefix(k, prefixRecord)
	if len(rest) == len(k) || len(rest) < keys.IDSize*2 {
		return id, fmt.Errorf("malformed record row key: %x", k)
	}
	copy(id.Namespace[:], rest[:keys.IDSize])
	copy(id.Author[:], rest[keys.IDSize:keys.IDSize*2])
	id.Key = append([]byte(nil), rest[keys.IDSize*2:]...)
	return id, nil
}

// encodeRecordValue serializes the record and signatures; the
// identifier lives in the row key.
func encodeRecordValue(se entry.SignedEntry) []byte {
	out := make([]byte, 0, entry.HashSize+16+keys.SignatureSize*2)
	out = append(out, se.Entry.Record.Hash[:]...)
	out = appendUint64(out, se.Entry.Record.Length)
	out = appendUint64(out, se.Entry.Record.Timestamp)
	out = append(out, se.NamespaceSignature[:]...)
	out = append(out, se.AuthorSignature[:]...)
	return out
}

func decodeRecordValue(id entry.RecordIdentifier, v []byte) (entry.SignedEntry, error) {
	var se entry.SignedEntry
	if len(v) != entry.HashSize+16+keys.SignatureSize*2 {
		return se, fmt.Errorf("malformed record row value: %d bytes", len(v))
	}
	se.Entry.ID = id
	copy(se.Entry.Record.Hash[:], v[:entry.HashSize])
	v = v[entry.HashSize:]
	se.Entry.Record.Length = readUint64(v[:8])
	se.Entry.Record.Timestamp = readUint64(v[8:16])
	v = v[16:]
	copy(se.NamespaceSignature[:], v[:keys.SignatureSize])
	copy(se.AuthorSignature[:], v[keys.SignatureSize:])
	return se, nil
}

// Key index rows order a namespace's records by key first, then
// author. Keys can contain any byte, so they are escaped to keep the
// row boundary unambiguous while preserving lexicographic order:
// 0x00 becomes 0x00 0x01 and the key ends with 0x00 0x00.
func keyIndexRowKey(id entry.RecordIdentifier) []byte {
	out := append(append([]byte(nil), prefixKeyIndex...), id.Namespace[:]...)
	out = appendEscaped(out, id.Key)
	return append(out, id.Author[:]...)
}

func keyIndexPrefix(ns keys.NamespaceID) []byte {
	return append(append([]byte(nil), prefixKeyIndex...), ns[:]...)
}

func appendEscaped(out, key []byte) []byte {
	for _, b := range key {
		if b == 0x00 {
			out = append(out, 0x00, 0x01)
		} else {
			out = append(out, b)
		}
	}
	return append(out, 0x00, 0x00)
}

// parseKeyIndexRowKey recovers identifier parts from a key index row.
func parseKeyIndexRowKey(k []byte) (entry.RecordIdentifier, error) {
	var id entry.RecordIdentifier
	rest := bytes.TrimPrefix(k, prefixKeyIndex)
	if len(rest) == len(k) || len(rest) < keys.IDSize {
		return id, fmt.Errorf("malformed key index row: %x", k)
	}
	copy(id.Namespace[:], rest[:keys.IDSize])
	rest = rest[keys.IDSize:]

	var key []byte
	i := 0
	for {
		if i+1 >= len(rest) {
			return id, fmt.Errorf("unterminated key in index row: %x", k)
		}
		if rest[i] == 0x00 {
			if rest[i+1] == 0x01 {
				key = append(key, 0x00)
				i += 2
				continue
			}
			if rest[i+1] == 0x00 {
				i += 2
				break
			}
			return id, fmt.Errorf("invalid escape in index row: %x", k)
		}
		key = append(key, rest[i])
		i++
	}
	rest = rest[i:]
	if len(rest) != keys.IDSize {
		return id, fmt.Errorf("malformed author suffix in index row: %x", k)
	}
	copy(id.Author[:], rest)
	id.Key = key
	return id, nil
}

func latestRowKey(ns keys.NamespaceID, a keys.AuthorID) []byte {
	out := append(append([]byte(nil), prefixLatest...), ns[:]...)
	return append(out, a[:]...)
}

func latestRowPrefix(ns keys.NamespaceID) []byte {
	return append(append([]byte(nil), prefixLatest...), ns[:]...)
}

func policyRowKey(ns keys.NamespaceID) []byte {
	return append(append([]byte(nil), prefixPolicy...), ns[:]...)
}

func peerRowKey(ns keys.NamespaceID, peer keys.NodeID) []byte {
	out := append(append([]byte(nil), prefixPeer...), ns[:]...)
	return append(out, peer[:]...)
}

func peerRowPrefix(ns keys.NamespaceID) []byte {
	return append(append([]byte(nil), prefixPeer...), ns[:]...)
}

func appendUint64(out []byte, v uint64) []byte {
	return append(out,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func readUint64(b []byte) uint64 {
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
}
