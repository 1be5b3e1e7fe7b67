package recordStore

import (
	"bytes"

	"github.com/dgraph-io/badger/v4"

	"github.com/i5heu/ouroboros-docs/pkg/entry"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
)

// SortBy selects the index a query walks.
type SortBy uint8

const (
	// SortKeyAuthor orders results by key, then author.
	SortKeyAuthor SortBy = iota
	// SortAuthorKey orders results by author, then key.
	SortAuthorKey
)

// SortDirection selects the iteration direction.
type SortDirection uint8

const (
	// SortAsc iterates in ascending order.
	SortAsc SortDirection = iota
	// SortDesc iterates in descending order.
	SortDesc
)

// KeyFilterKind discriminates key filters.
type KeyFilterKind uint8

const (
	// KeyAny matches every key.
	KeyAny KeyFilterKind = iota
	// KeyExact matches one key exactly.
	KeyExact
	// KeyPrefix matches keys starting with the filter bytes.
	KeyPrefix
)

// KeyFilter restricts a query to matching keys.
type KeyFilter struct {
	Kind  KeyFilterKind
	Bytes []byte
}

// Matches tests a key against the filter.
func (f KeyFilter) Matches(key []byte) bool {
	switch f.Kind {
	case KeyExact:
		return bytes.Equal(key, f.Bytes)
	case KeyPrefix:
		return bytes.HasPrefix(key, f.Bytes)
	default:
		return true
	}
}

// Query describes a filtered, ordered read over a namespace.
type Query struct {
	// Author restricts results to one author. Nil matches any.
	Author *keys.AuthorID
	// Key restricts results by key.
	Key KeyFilter
	// Sort selects the result order. LatestPerKey forces key order.
	Sort      SortBy
	Direction SortDirection
	// Offset skips the first entries of the result.
	Offset uint64
	// Limit caps the result count. Zero means no limit.
	Limit uint64
	// IncludeEmpty also yields tombstones.
	IncludeEmpty bool
	// LatestPerKey collapses the result to the newest entry per key.
	LatestPerKey bool
}

// descPad positions a reverse badger iterator past every row with the
// given prefix. Row suffixes are shorter than this pad.
var descPad = bytes.Repeat([]byte{0xff}, 4096)

// QueryIterator is a lazy, forward-only walk over query results. It
// owns a store snapshot taken at creation time; concurrent writes are
// invisible to it. Callers must Close it.
type QueryIterator struct {
	snap     *Snapshot
	ownsSnap bool
	it       *badger.Iterator
	q        Query
	ns       keys.NamespaceID
	useIdx   bool
	prefix   []byte
	skipped  uint64
	emitted  uint64
	done     bool
}

// GetMany runs a query against a fresh snapshot of the store.
func (s *Store) GetMany(ns keys.NamespaceID, q Query) (*QueryIterator, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	return snap.query(ns, q, true), nil
}

// Query runs a query against this snapshot. The iterator must be
// closed, but closing it leaves the snapshot open.
func (sn *Snapshot) Query(ns keys.NamespaceID, q Query) *QueryIterator {
	return sn.query(ns, q, false)
}

func (sn *Snapshot) query(ns keys.NamespaceID, q Query, ownSnap bool) *QueryIterator {
	useIdx := q.LatestPerKey || q.Sort == SortKeyAuthor

	var prefix []byte
	if useIdx {
		prefix = keyIndexPrefix(ns)
		if q.Key.Kind == KeyPrefix {
			prefix = appendEscapedPrefix(prefix, q.Key.Bytes)
		} else if q.Key.Kind == KeyExact {
			prefix = appendEscaped(prefix, q.Key.Bytes)
		}
	} else {
		prefix = recordRowPrefix(ns)
		if q.Author != nil {
			prefix = append(prefix, q.Author[:]...)
			if q.Key.Kind == KeyPrefix || q.Key.Kind == KeyExact {
				prefix = append(prefix, q.Key.Bytes...)
			}
		}
	}

	opts := badger.DefaultIteratorOptions
	opts.Reverse = q.Direction == SortDesc
	it := sn.txn.NewIterator(opts)
	if opts.Reverse {
		it.Seek(append(append([]byte(nil), prefix...), descPad...))
	} else {
		it.Seek(prefix)
	}

	return &QueryIterator{q: q, ns: ns, useIdx: useIdx, prefix: prefix, it: it, snap: sn, ownsSnap: ownSnap}
}

// appendEscapedPrefix escapes prefix bytes without the terminator, so
// the result matches every escaped key starting with them.
func appendEscapedPrefix(out, prefix []byte) []byte {
	for _, b := range prefix {
		if b == 0x00 {
			out = append(out, 0x00, 0x01)
		} else {
			out = append(out, b)
		}
	}
	return out
}

// Close releases the iterator and, if it owns one, its snapshot.
func (qi *QueryIterator) Close() {
	if qi.it != nil {
		qi.it.Close()
		qi.it = nil
	}
	if qi.snap != nil && qi.ownsSnap {
		qi.snap.Close()
	}
	qi.snap = nil
}

// Next returns the next matching entry. ok is false once the query is
// exhausted.
func (qi *QueryIterator) Next() (entry.SignedEntry, bool, error) {
	if qi.done || qi.it == nil {
		return entry.SignedEntry{}, false, nil
	}
	for {
		se, ok, err := qi.nextCandidate()
		if err != nil || !ok {
			qi.done = true
			return entry.SignedEntry{}, false, err
		}
		if se.Entry.IsEmpty() && !qi.q.IncludeEmpty {
			continue
		}
		if qi.skipped < qi.q.Offset {
			qi.skipped++
			continue
		}
		if qi.q.Limit > 0 && qi.emitted >= qi.q.Limit {
			qi.done = true
			return entry.SignedEntry{}, false, nil
		}
		qi.emitted++
		return se, true, nil
	}
}

// nextCandidate yields the next entry in index order, with the author
// and key filters applied and, if requested, collapsed per key.
func (qi *QueryIterator) nextCandidate() (entry.SignedEntry, bool, error) {
	if !qi.q.LatestPerKey {
		for qi.it.ValidForPrefix(qi.prefix) {
			se, match, err := qi.current()
			qi.it.Next()
			if err != nil {
				return entry.SignedEntry{}, false, err
			}
			if match {
				return se, true, nil
			}
		}
		return entry.SignedEntry{}, false, nil
	}

	// Latest-per-key walks the key index; entries of one key are
	// adjacent, so the best of each group is decided on the fly.
	var best entry.SignedEntry
	haveBest := false
	for qi.it.ValidForPrefix(qi.prefix) {
		se, match, err := qi.current()
		if err != nil {
			return entry.SignedEntry{}, false, err
		}
		if !match {
			qi.it.Next()
			continue
		}
		if haveBest && !bytes.Equal(best.Entry.ID.Key, se.Entry.ID.Key) {
			return best, true, nil
		}
		if !haveBest || se.Entry.Record.Compare(best.Entry.Record) > 0 {
			best = se
			haveBest = true
		}
		qi.it.Next()
	}
	if haveBest {
		return best, true, nil
	}
	return entry.SignedEntry{}, false, nil
}

// current decodes the row under the iterator and applies the
// author/key filters.
func (qi *QueryIterator) current() (entry.SignedEntry, bool, error) {
	item := qi.it.Item()
	var id entry.RecordIdentifier
	var err error
	if qi.useIdx {
		id, err = parseKeyIndexRowKey(item.KeyCopy(nil))
	} else {
		id, err = parseRecordRowKey(item.KeyCopy(nil))
	}
	if err != nil {
		return entry.SignedEntry{}, false, err
	}
	if qi.q.Author != nil && !id.Author.Equal(*qi.q.Author) {
		return entry.SignedEntry{}, false, nil
	}
	if !qi.q.Key.Matches(id.Key) {
		return entry.SignedEntry{}, false, nil
	}

	var value []byte
	if qi.useIdx {
		recItem, err := qi.snapGet(recordRowKey(id))
		if err != nil {
			return entry.SignedEntry{}, false, err
		}
		if recItem == nil {
			return entry.SignedEntry{}, false, nil
		}
		value = recItem
	} else {
		value, err = item.ValueCopy(nil)
		if err != nil {
			return entry.SignedEntry{}, false, err
		}
	}
	se, err := decodeRecordValue(id, value)
	if err != nil {
		return entry.SignedEntry{}, false, err
	}
	return se, true, nil
}

func (qi *QueryIterator) snapGet(key []byte) ([]byte, error) {
	item, err := qi.snap.txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}
