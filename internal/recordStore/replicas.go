package recordStore

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/replica"
)

// ImportOutcome reports what ImportNamespace did.
type ImportOutcome uint8

const (
	// ImportInserted means the namespace was new.
	ImportInserted ImportOutcome = iota
	// ImportNoChange means an equal or stronger capability existed.
	ImportNoChange
	// ImportUpgraded means a read capability was raised to write.
	ImportUpgraded
)

// NamespaceInfo is one row of ListNamespaces.
type NamespaceInfo struct {
	ID   keys.NamespaceID
	Kind keys.CapabilityKind
}

// ImportNamespace inserts a namespace row or upgrades an existing one
// when the supplied capability is stronger.
func (s *Store) ImportNamespace(c keys.Capability) (ImportOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ImportNoChange, ErrClosed
	}
	rowKey := namespaceRowKey(c.ID())
	v, err := s.getInTxn(rowKey)
	if err != nil {
		return ImportNoChange, err
	}
	if v == nil {
		if err := s.setInTxn(rowKey, capabilityRow(c)); err != nil {
			return ImportNoChange, err
		}
		return ImportInserted, nil
	}
	existing, err := capabilityFromRow(v)
	if err != nil {
		return ImportNoChange, err
	}
	changed, err := existing.Merge(c)
	if err != nil {
		return ImportNoChange, err
	}
	if !changed {
		return ImportNoChange, nil
	}
	if err := s.setInTxn(rowKey, capabilityRow(existing)); err != nil {
		return ImportNoChange, err
	}
	return ImportUpgraded, nil
}

func capabilityRow(c keys.Capability) []byte {
	kind, payload := c.Raw()
	return append([]byte{kind}, payload[:]...)
}

func capabilityFromRow(v []byte) (keys.Capability, error) {
	if len(v) != 1+keys.IDSize {
		return keys.Capability{}, fmt.Errorf("recordStore: malformed namespace row: %d bytes", len(v))
	}
	return keys.CapabilityFromRaw(v[0], v[1:])
}

// OpenReplica loads the capability of a stored namespace. Fails with
// ErrNotFound when the namespace row is absent.
func (s *Store) OpenReplica(ns keys.NamespaceID) (keys.Capability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return keys.Capability{}, ErrClosed
	}
	v, err := s.getInTxn(namespaceRowKey(ns))
	if err != nil {
		return keys.Capability{}, err
	}
	if v == nil {
		return keys.Capability{}, ErrNotFound
	}
	return capabilityFromRow(v)
}

// RemoveReplica deletes the namespace row and cascades all dependent
// rows: records, key index, author heads, policy, peers.
func (s *Store) RemoveReplica(ns keys.NamespaceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prefixes := [][]byte{
		recordRowPrefix(ns),
		keyIndexPrefix(ns),
		latestRowPrefix(ns),
		peerRowPrefix(ns),
	}
	for _, p := range prefixes {
		if err := s.deletePrefixLocked(p); err != nil {
			return err
		}
	}
	if err := s.deleteInTxn(policyRowKey(ns)); err != nil {
		return err
	}
	delete(s.peerCaches, ns)
	return s.deleteInTxn(namespaceRowKey(ns))
}

func (s *Store) deletePrefixLocked(prefix []byte) error {
	var doomed [][]byte
	txn := s.readTxn()
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		doomed = append(doomed, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, k := range doomed {
		if err := s.deleteInTxn(k); err != nil {
			return err
		}
	}
	return nil
}

// ListNamespaces returns all stored namespaces with their capability
// kind.
func (s *Store) ListNamespaces() ([]NamespaceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []NamespaceInfo
	txn := s.readTxn()
	opts := badger.DefaultIteratorOptions
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefixNamespace); it.ValidForPrefix(prefixNamespace); it.Next() {
		item := it.Item()
		k := item.KeyCopy(nil)
		v, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		if len(k) != len(prefixNamespace)+keys.IDSize || len(v) < 1 {
			return nil, fmt.Errorf("recordStore: malformed namespace row %x", k)
		}
		var id keys.NamespaceID
		copy(id[:], k[len(prefixNamespace):])
		out = append(out, NamespaceInfo{ID: id, Kind: keys.CapabilityKind(v[0])})
	}
	return out, nil
}

// NewAuthor mints and persists a fresh author keypair.
func (s *Store) NewAuthor(rng io.Reader) (*keys.Author, error) {
	author, err := keys.NewAuthor(rng)
	if err != nil {
		return nil, err
	}
	if err := s.ImportAuthor(author); err != nil {
		return nil, err
	}
	return author, nil
}

// ImportAuthor persists an author keypair.
func (s *Store) ImportAuthor(author *keys.Author) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	id := author.ID()
	return s.setInTxn(authorRowKey(id), author.Seed())
}

// GetAuthor loads a stored author keypair. Fails with ErrNotFound.
func (s *Store) GetAuthor(id keys.AuthorID) (*keys.Author, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.getAuthorLocked(id)
}

func (s *Store) getAuthorLocked(id keys.AuthorID) (*keys.Author, error) {
	v, err := s.getInTxn(authorRowKey(id))
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrNotFound
	}
	return keys.AuthorFromSeed(v)
}

// ListAuthors returns the ids of all stored authors.
func (s *Store) ListAuthors() ([]keys.AuthorID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []keys.AuthorID
	txn := s.readTxn()
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefixAuthor); it.ValidForPrefix(prefixAuthor); it.Next() {
		k := it.Item().KeyCopy(nil)
		if len(k) != len(prefixAuthor)+keys.IDSize {
			return nil, fmt.Errorf("recordStore: malformed author row %x", k)
		}
		var id keys.AuthorID
		copy(id[:], k[len(prefixAuthor):])
		out = append(out, id)
	}
	return out, nil
}

// DeleteAuthor removes an author keypair. An author still referenced
// by retained records cannot be deleted.
func (s *Store) DeleteAuthor(id keys.AuthorID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	referenced, err := s.authorReferenced(id)
	if err != nil {
		return err
	}
	if referenced {
		return fmt.Errorf("recordStore: author %s still referenced by records", id)
	}
	if v, err := s.getInTxn(authorRowKey(id)); err != nil {
		return err
	} else if v == nil {
		return ErrNotFound
	}
	return s.deleteInTxn(authorRowKey(id))
}

func (s *Store) authorReferenced(id keys.AuthorID) (bool, error) {
	txn := s.readTxn()
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefixLatest); it.ValidForPrefix(prefixLatest); it.Next() {
		k := it.Item().KeyCopy(nil)
		if len(k) != len(prefixLatest)+keys.IDSize*2 {
			continue
		}
		var a keys.AuthorID
		copy(a[:], k[len(prefixLatest)+keys.IDSize:])
		if a == id {
			return true, nil
		}
	}
	return false, nil
}

// GetDownloadPolicy loads the namespace's download policy, defaulting
// to download-everything.
func (s *Store) GetDownloadPolicy(ns keys.NamespaceID) (replica.DownloadPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return replica.DownloadPolicy{}, ErrClosed
	}
	v, err := s.getInTxn(policyRowKey(ns))
	if err != nil {
		return replica.DownloadPolicy{}, err
	}
	if v == nil {
		return replica.DefaultDownloadPolicy(), nil
	}
	return replica.DecodeDownloadPolicy(v)
}

// SetDownloadPolicy persists the namespace's download policy.
func (s *Store) SetDownloadPolicy(ns keys.NamespaceID, p replica.DownloadPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.setInTxn(policyRowKey(ns), p.Encode())
}

// RegisterUsefulPeer records that a peer contributed entries to the
// namespace. The per-namespace set is a bounded LRU; the oldest peer
// falls out when a sixth one arrives.
func (s *Store) RegisterUsefulPeer(ns keys.NamespaceID, peer keys.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cache, err := s.peerCacheLocked(ns)
	if err != nil {
		return err
	}
	cache.Add(peer, time.Now().UnixNano())
	if err := s.setInTxn(peerRowKey(ns, peer), appendUint64(nil, uint64(time.Now().UnixNano()))); err != nil {
		return err
	}
	// Prune persisted rows that fell out of the LRU.
	rows, err := s.peerRowsLocked(ns)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if !cache.Contains(row.peer) {
			if err := s.deleteInTxn(peerRowKey(ns, row.peer)); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetSyncPeers returns the namespace's useful peers, most recently
// used first. Returns nil when none are known.
func (s *Store) GetSyncPeers(ns keys.NamespaceID) ([]keys.NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	cache, err := s.peerCacheLocked(ns)
	if err != nil {
		return nil, err
	}
	if cache.Len() == 0 {
		return nil, nil
	}
	type peerAt struct {
		peer keys.NodeID
		at   int64
	}
	var peers []peerAt
	for _, p := range cache.Keys() {
		at, _ := cache.Peek(p)
		peers = append(peers, peerAt{peer: p, at: at})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].at > peers[j].at })
	out := make([]keys.NodeID, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.peer)
	}
	return out, nil
}

type peerRow struct {
	peer keys.NodeID
	at   uint64
}

func (s *Store) peerRowsLocked(ns keys.NamespaceID) ([]peerRow, error) {
	var out []peerRow
	txn := s.readTxn()
	opts := badger.DefaultIteratorOptions
	prefix := peerRowPrefix(ns)
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		k := item.KeyCopy(nil)
		v, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		if len(k) != len(prefix)+keys.IDSize || len(v) < 8 {
			return nil, fmt.Errorf("recordStore: malformed peer row %x", k)
		}
		var p keys.NodeID
		copy(p[:], k[len(prefix):])
		out = append(out, peerRow{peer: p, at: readUint64(v[:8])})
	}
	return out, nil
}

// peerCacheLocked returns the namespace's LRU, hydrating it from the
// persisted rows in recency order on first use.
func (s *Store) peerCacheLocked(ns keys.NamespaceID) (*lru.Cache[keys.NodeID, int64], error) {
	if cache, ok := s.peerCaches[ns]; ok {
		return cache, nil
	}
	cache, err := lru.New[keys.NodeID, int64](usefulPeersPerNamespace)
	if err != nil {
		return nil, err
	}
	rows, err := s.peerRowsLocked(ns)
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].at < rows[j].at })
	for _, row := range rows {
		cache.Add(row.peer, int64(row.at))
	}
	s.peerCaches[ns] = cache
	return cache, nil
}

// DefaultAuthor loads the persisted default author. A dangling
// pointer is treated as absent, not as an error.
func (s *Store) DefaultAuthor() (*keys.Author, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	v, err := s.getInTxn(keyDefaultAuthor)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	id, err := keys.AuthorIDFromBytes(v)
	if err != nil {
		return nil, err
	}
	author, err := s.getAuthorLocked(id)
	if err == ErrNotFound {
		s.log.WithField("author", id.String()).Warn("default author points at a missing author, ignoring")
		return nil, nil
	}
	return author, err
}

// SetDefaultAuthor persists the default author pointer. The author
// must exist.
func (s *Store) SetDefaultAuthor(id keys.AuthorID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.getAuthorLocked(id); err != nil {
		return err
	}
	return s.setInTxn(keyDefaultAuthor, id.Bytes())
}
