package recordStore

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/i5heu/ouroboros-docs/pkg/entry"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/ranger"
	"github.com/i5heu/ouroboros-docs/pkg/replica"
)

// sliceIterator replays a materialized entry list. Reconciliation
// ranges are bounded by the protocol's split thresholds, so
// materializing them keeps the held write transaction free of
// long-lived iterators.
type sliceIterator struct {
	entries []entry.SignedEntry
	pos     int
}

func (it *sliceIterator) Next() (entry.SignedEntry, bool, error) {
	if it.pos >= len(it.entries) {
		return entry.SignedEntry{}, false, nil
	}
	e := it.entries[it.pos]
	it.pos++
	return e, true, nil
}

// Instance scopes store access to one namespace. It implements the
// reconciliation store contract and the replica storage surface.
type Instance struct {
	s  *Store
	ns keys.NamespaceID
}

// Instance returns a namespace-scoped view for replica and
// reconciliation operations.
func (s *Store) Instance(ns keys.NamespaceID) *Instance {
	return &Instance{s: s, ns: ns}
}

// iterRecords walks the namespace's record rows in identifier order
// and calls fn for each; fn returns false to stop.
func (s *Store) iterRecords(ns keys.NamespaceID, fn func(se entry.SignedEntry) (bool, error)) error {
	txn := s.readTxn()
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	prefix := recordRowPrefix(ns)
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		id, err := parseRecordRowKey(item.KeyCopy(nil))
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		se, err := decodeRecordValue(id, v)
		if err != nil {
			return err
		}
		cont, err := fn(se)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// GetFirst returns the smallest identifier in the namespace, or the
// zero identifier when it holds no entries.
func (i *Instance) GetFirst() (entry.RecordIdentifier, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	var first entry.RecordIdentifier
	err := i.s.iterRecords(i.ns, func(se entry.SignedEntry) (bool, error) {
		first = se.Entry.ID
		return false, nil
	})
	return first, err
}

// Get returns the entry under id, or nil.
func (i *Instance) Get(id entry.RecordIdentifier) (*entry.SignedEntry, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	return i.s.getRecord(id)
}

func (s *Store) getRecord(id entry.RecordIdentifier) (*entry.SignedEntry, error) {
	v, err := s.getInTxn(recordRowKey(id))
	if err != nil || v == nil {
		return nil, err
	}
	se, err := decodeRecordValue(id, v)
	if err != nil {
		return nil, err
	}
	return &se, nil
}

// Len returns the number of entries in the namespace.
func (i *Instance) Len() (int, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	n := 0
	err := i.s.iterRecords(i.ns, func(entry.SignedEntry) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}

// GetFingerprint folds the fingerprint over all entries in rng.
func (i *Instance) GetFingerprint(rng ranger.Range) (ranger.Fingerprint, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	fp := ranger.EmptyFingerprint
	err := i.s.iterRecords(i.ns, func(se entry.SignedEntry) (bool, error) {
		if rng.Contains(se.Entry.ID) {
			fp = fp.Xor(ranger.EntryFingerprint(se))
		}
		return true, nil
	})
	return fp, err
}

// EntryPut stores the entry and raises the author-head aggregate.
func (i *Instance) EntryPut(se entry.SignedEntry) error {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	return i.s.putRecord(se)
}

func (s *Store) putRecord(se entry.SignedEntry) error {
	id := se.Entry.ID
	if err := s.setInTxn(recordRowKey(id), encodeRecordValue(se)); err != nil {
		return fmt.Errorf("recordStore: put record: %w", err)
	}
	if err := s.setInTxn(keyIndexRowKey(id), nil); err != nil {
		return fmt.Errorf("recordStore: put key index: %w", err)
	}
	return s.raiseAuthorHead(id.Namespace, id.Author, se.Entry.Record.Timestamp, id.Key)
}

func (s *Store) raiseAuthorHead(ns keys.NamespaceID, a keys.AuthorID, ts uint64, key []byte) error {
	rowKey := latestRowKey(ns, a)
	v, err := s.getInTxn(rowKey)
	if err != nil {
		return err
	}
	if v != nil && len(v) >= 8 && readUint64(v[:8]) >= ts {
		return nil
	}
	val := appendUint64(nil, ts)
	val = append(val, key...)
	return s.setInTxn(rowKey, val)
}

// EntryRemove deletes the entry under id and recomputes the author
// head when the head entry was removed.
func (i *Instance) EntryRemove(id entry.RecordIdentifier) (*entry.SignedEntry, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	se, err := i.s.getRecord(id)
	if err != nil || se == nil {
		return nil, err
	}
	if err := i.s.removeRecordRow(id); err != nil {
		return nil, err
	}
	if err := i.s.recomputeAuthorHead(id.Namespace, id.Author); err != nil {
		return nil, err
	}
	return se, nil
}

func (s *Store) removeRecordRow(id entry.RecordIdentifier) error {
	if err := s.deleteInTxn(recordRowKey(id)); err != nil {
		return err
	}
	return s.deleteInTxn(keyIndexRowKey(id))
}

func (s *Store) recomputeAuthorHead(ns keys.NamespaceID, a keys.AuthorID) error {
	var maxTS uint64
	var maxKey []byte
	found := false
	txn := s.readTxn()
	opts := badger.DefaultIteratorOptions
	prefix := recordAuthorPrefix(ns, a)
	it := txn.NewIterator(opts)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		v, err := item.ValueCopy(nil)
		if err != nil {
			it.Close()
			return err
		}
		id, err := parseRecordRowKey(item.KeyCopy(nil))
		if err != nil {
			it.Close()
			return err
		}
		ts := readUint64(v[entry.HashSize+8 : entry.HashSize+16])
		if !found || ts > maxTS {
			found = true
			maxTS = ts
			maxKey = id.Key
		}
	}
	it.Close()
	if !found {
		return s.deleteInTxn(latestRowKey(ns, a))
	}
	val := appendUint64(nil, maxTS)
	val = append(val, maxKey...)
	return s.setInTxn(latestRowKey(ns, a), val)
}

// GetRange materializes all entries inside rng in index order.
func (i *Instance) GetRange(rng ranger.Range) (ranger.Iterator, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	var out []entry.SignedEntry
	err := i.s.iterRecords(i.ns, func(se entry.SignedEntry) (bool, error) {
		if rng.Contains(se.Entry.ID) {
			out = append(out, se)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &sliceIterator{entries: out}, nil
}

// PrefixesOf looks up every stored entry whose key is a prefix of
// id's key, the entry for id itself included.
func (i *Instance) PrefixesOf(id entry.RecordIdentifier) (ranger.Iterator, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	var out []entry.SignedEntry
	for l := 0; l <= len(id.Key); l++ {
		p := entry.RecordIdentifier{Namespace: id.Namespace, Author: id.Author, Key: id.Key[:l]}
		se, err := i.s.getRecord(p)
		if err != nil {
			return nil, err
		}
		if se != nil {
			out = append(out, *se)
		}
	}
	return &sliceIterator{entries: out}, nil
}

// RemovePrefixFiltered deletes the author's entries prefixed by id's
// key whose record satisfies pred.
func (i *Instance) RemovePrefixFiltered(id entry.RecordIdentifier, pred func(entry.Record) bool) (int, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()

	var doomed []entry.RecordIdentifier
	txn := i.s.readTxn()
	opts := badger.DefaultIteratorOptions
	prefix := append(recordAuthorPrefix(i.ns, id.Author), id.Key...)
	it := txn.NewIterator(opts)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		rowID, err := parseRecordRowKey(item.KeyCopy(nil))
		if err != nil {
			it.Close()
			return 0, err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			it.Close()
			return 0, err
		}
		se, err := decodeRecordValue(rowID, v)
		if err != nil {
			it.Close()
			return 0, err
		}
		if pred(se.Entry.Record) {
			doomed = append(doomed, rowID)
		}
	}
	it.Close()

	for _, d := range doomed {
		if err := i.s.removeRecordRow(d); err != nil {
			return 0, err
		}
	}
	return len(doomed), nil
}

// AuthorHead returns the maximum stored timestamp for the author.
func (i *Instance) AuthorHead(a keys.AuthorID) (uint64, bool, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	v, err := i.s.getInTxn(latestRowKey(i.ns, a))
	if err != nil || v == nil {
		return 0, false, err
	}
	if len(v) < 8 {
		return 0, false, fmt.Errorf("recordStore: malformed latest row for %s", a)
	}
	return readUint64(v[:8]), true, nil
}

// DownloadPolicy returns the namespace's stored policy, defaulting to
// download-everything.
func (i *Instance) DownloadPolicy() (replica.DownloadPolicy, error) {
	return i.s.GetDownloadPolicy(i.ns)
}

// GetExact returns the entry under (namespace, author, key).
// Tombstones are only returned with includeEmpty.
func (s *Store) GetExact(ns keys.NamespaceID, a keys.AuthorID, key []byte, includeEmpty bool) (*entry.SignedEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	se, err := s.getRecord(entry.RecordIdentifier{Namespace: ns, Author: a, Key: key})
	if err != nil || se == nil {
		return nil, err
	}
	if se.Entry.IsEmpty() && !includeEmpty {
		return nil, nil
	}
	return se, nil
}

// AuthorHeads returns the per-author maximum timestamps of a
// namespace.
func (s *Store) AuthorHeads(ns keys.NamespaceID) (map[keys.AuthorID]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	heads := make(map[keys.AuthorID]uint64)
	txn := s.readTxn()
	opts := badger.DefaultIteratorOptions
	prefix := latestRowPrefix(ns)
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		k := item.KeyCopy(nil)
		v, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		if len(k) < len(prefix)+keys.IDSize || len(v) < 8 {
			return nil, fmt.Errorf("recordStore: malformed latest row %x", k)
		}
		var a keys.AuthorID
		copy(a[:], k[len(prefix):])
		heads[a] = readUint64(v[:8])
	}
	return heads, nil
}

// ContentHashes returns the content hashes of all records across all
// namespaces, for use as blob GC roots. The snapshot view keeps it
// stable against concurrent writes.
func (sn *Snapshot) ContentHashes() ([]entry.Hash, error) {
	opts := badger.DefaultIteratorOptions
	it := sn.txn.NewIterator(opts)
	defer it.Close()
	var out []entry.Hash
	seen := make(map[entry.Hash]struct{})
	for it.Seek(prefixRecord); it.ValidForPrefix(prefixRecord); it.Next() {
		v, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		if len(v) < entry.HashSize {
			continue
		}
		var h entry.Hash
		copy(h[:], v[:entry.HashSize])
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out, nil
}

var _ replica.Store = (*Instance)(nil)
var _ ranger.Store = (*Instance)(nil)
