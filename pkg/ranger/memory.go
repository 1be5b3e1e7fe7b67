package ranger

import (
	"sort"

	"github.com/i5heu/ouroboros-docs/pkg/entry"
)

// MemoryStore is an in-memory Store implementation: a sorted slice of
// signed entries. It backs tests and small ephemeral replicas; the
// persistent implementation lives in the storage layer.
type MemoryStore struct {
	entries []entry.SignedEntry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// locate returns the position of id and whether it is present.
func (m *MemoryStore) locate(id entry.RecordIdentifier) (int, bool) {
	i := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].Entry.ID.Compare(id) >= 0
	})
	if i < len(m.entries) && m.entries[i].Entry.ID.Equal(id) {
		return i, true
	}
	return i, false
}

// GetFirst returns the smallest identifier, or the zero identifier
// when the store is empty.
func (m *MemoryStore) GetFirst() (entry.RecordIdentifier, error) {
	if len(m.entries) == 0 {
		return entry.RecordIdentifier{}, nil
	}
	return m.entries[0].Entry.ID, nil
}

// Get returns the entry under id, or nil.
func (m *MemoryStore) Get(id entry.RecordIdentifier) (*entry.SignedEntry, error) {
	if i, ok := m.locate(id); ok {
		e := m.entries[i]
		return &e, nil
	}
	return nil, nil
}

// Len returns the number of entries.
func (m *MemoryStore) Len() (int, error) {
	return len(m.entries), nil
}

// GetFingerprint folds the fingerprint over all entries in rng.
func (m *MemoryStore) GetFingerprint(rng Range) (Fingerprint, error) {
	fp := EmptyFingerprint
	for _, e := range m.entries {
		if rng.Contains(e.Entry.ID) {
			fp = fp.Xor(EntryFingerprint(e))
		}
	}
	return fp, nil
}

// EntryPut stores e, replacing an entry under the same identifier.
func (m *MemoryStore) EntryPut(e entry.SignedEntry) error {
	i, ok := m.locate(e.Entry.ID)
	if ok {
		m.entries[i] = e
		return nil
	}
	m.entries = append(m.entries, entry.SignedEntry{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = e
	return nil
}

// EntryRemove deletes the entry under id.
func (m *MemoryStore) EntryRemove(id entry.RecordIdentifier) (*entry.SignedEntry, error) {
	i, ok := m.locate(id)
	if !ok {
		return nil, nil
	}
	e := m.entries[i]
	m.entries = append(m.entries[:i], m.entries[i+1:]...)
	return &e, nil
}

// GetRange iterates all entries inside rng in index order.
func (m *MemoryStore) GetRange(rng Range) (Iterator, error) {
	var out []entry.SignedEntry
	for _, e := range m.entries {
		if rng.Contains(e.Entry.ID) {
			out = append(out, e)
		}
	}
	return &memIterator{entries: out}, nil
}

// PrefixesOf iterates all entries whose identifier is a prefix of id,
// the entry for id itself included.
func (m *MemoryStore) PrefixesOf(id entry.RecordIdentifier) (Iterator, error) {
	var out []entry.SignedEntry
	for _, e := range m.entries {
		if e.Entry.ID.IsPrefixOf(id) {
			out = append(out, e)
		}
	}
	return &memIterator{entries: out}, nil
}

// RemovePrefixFiltered deletes all entries prefixed by id whose
// record satisfies pred.
func (m *MemoryStore) RemovePrefixFiltered(id entry.RecordIdentifier, pred func(entry.Record) bool) (int, error) {
	kept := m.entries[:0]
	removed := 0
	for _, e := range m.entries {
		if id.IsPrefixOf(e.Entry.ID) && pred(e.Entry.Record) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return removed, nil
}

type memIterator struct {
	entries []entry.SignedEntry
	pos     int
}

func (it *memIterator) Next() (entry.SignedEntry, bool, error) {
	if it.pos >= len(it.entries) {
		return entry.SignedEntry{}, false, nil
	}
	e := it.entries[it.pos]
	it.pos++
	return e, true, nil
}

var _ Store = (*MemoryStore)(nil)
