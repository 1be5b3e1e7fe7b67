package recordStore

import (
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-docs/pkg/entry"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/ranger"
	"github.com/i5heu/ouroboros-docs/pkg/replica"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	s, err := Open(StoreConfig{Path: t.TempDir(), Logger: log})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testIdentity(t *testing.T) (*keys.Namespace, *keys.Author) {
	t.Helper()
	ns, err := keys.NewNamespace(rand.Reader)
	require.NoError(t, err)
	author, err := keys.NewAuthor(rand.Reader)
	require.NoError(t, err)
	return ns, author
}

func signedEntry(ns *keys.Namespace, author *keys.Author, key string, ts uint64) entry.SignedEntry {
	id := entry.NewRecordIdentifier(ns.ID(), author.ID(), []byte(key))
	rec := entry.NewRecord(entry.HashBytes([]byte(key)), uint64(len(key)), ts)
	return entry.NewEntry(id, rec).Sign(ns, author)
}

func TestImportOpenRemoveReplica(t *testing.T) {
	s := testStore(t)
	ns, _ := testIdentity(t)

	_, err := s.OpenReplica(ns.ID())
	require.ErrorIs(t, err, ErrNotFound)

	outcome, err := s.ImportNamespace(keys.ReadCapability(ns.ID()))
	require.NoError(t, err)
	require.Equal(t, ImportInserted, outcome)

	outcome, err = s.ImportNamespace(keys.ReadCapability(ns.ID()))
	require.NoError(t, err)
	require.Equal(t, ImportNoChange, outcome)

	outcome, err = s.ImportNamespace(keys.WriteCapability(ns))
	require.NoError(t, err)
	require.Equal(t, ImportUpgraded, outcome)

	capability, err := s.OpenReplica(ns.ID())
	require.NoError(t, err)
	require.Equal(t, keys.CapabilityWrite, capability.Kind())

	infos, err := s.ListNamespaces()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, ns.ID(), infos[0].ID)

	require.NoError(t, s.RemoveReplica(ns.ID()))
	_, err = s.OpenReplica(ns.ID())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPutAndGetExact(t *testing.T) {
	s := testStore(t)
	ns, author := testIdentity(t)
	inst := s.Instance(ns.ID())

	se := signedEntry(ns, author, "greeting", 100)
	require.NoError(t, inst.EntryPut(se))

	got, err := s.GetExact(ns.ID(), author.ID(), []byte("greeting"), false)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, se.Entry.Record.Hash, got.Entry.Record.Hash)
	require.NoError(t, got.Verify())

	got, err = s.GetExact(ns.ID(), author.ID(), []byte("absent"), false)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestGetExactFiltersTombstones(t *testing.T) {
	s := testStore(t)
	ns, author := testIdentity(t)
	inst := s.Instance(ns.ID())

	id := entry.NewRecordIdentifier(ns.ID(), author.ID(), []byte("gone"))
	tomb := entry.NewEntry(id, entry.NewRecord(entry.EmptyHash, 0, 100)).Sign(ns, author)
	require.NoError(t, inst.EntryPut(tomb))

	got, err := s.GetExact(ns.ID(), author.ID(), []byte("gone"), false)
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = s.GetExact(ns.ID(), author.ID(), []byte("gone"), true)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, got.Entry.IsEmpty())
}

func TestAuthorHeadsFollowPuts(t *testing.T) {
	s := testStore(t)
	ns, author := testIdentity(t)
	inst := s.Instance(ns.ID())

	require.NoError(t, inst.EntryPut(signedEntry(ns, author, "a", 100)))
	require.NoError(t, inst.EntryPut(signedEntry(ns, author, "b", 300)))
	require.NoError(t, inst.EntryPut(signedEntry(ns, author, "c", 200)))

	heads, err := s.AuthorHeads(ns.ID())
	require.NoError(t, err)
	require.Equal(t, uint64(300), heads[author.ID()])

	ts, ok, err := inst.AuthorHead(author.ID())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(300), ts)
}

func TestRangerStoreOverBadger(t *testing.T) {
	s := testStore(t)
	ns, author := testIdentity(t)
	inst := s.Instance(ns.ID())

	var all []entry.SignedEntry
	for i := 0; i < 10; i++ {
		se := signedEntry(ns, author, fmt.Sprintf("k/%02d", i), 100+uint64(i))
		all = append(all, se)
		_, err := ranger.Put(inst, se)
		require.NoError(t, err)
	}

	n, err := inst.Len()
	require.NoError(t, err)
	require.Equal(t, 10, n)

	first, err := inst.GetFirst()
	require.NoError(t, err)
	require.True(t, first.Equal(all[0].Entry.ID))

	// Fingerprint over the whole set equals the XOR of all entry
	// fingerprints.
	want := ranger.EmptyFingerprint
	for _, se := range all {
		want = want.Xor(ranger.EntryFingerprint(se))
	}
	got, err := inst.GetFingerprint(ranger.NewRange(first, first))
	require.NoError(t, err)
	require.Equal(t, want, got)

	// A bounded range excludes its upper bound.
	rng := ranger.NewRange(all[2].Entry.ID, all[5].Entry.ID)
	it, err := inst.GetRange(rng)
	require.NoError(t, err)
	var keysInRange []string
	for {
		e, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		keysInRange = append(keysInRange, string(e.Entry.ID.Key))
	}
	require.Equal(t, []string{"k/02", "k/03", "k/04"}, keysInRange)
}

func TestQueryPrefixAndLimit(t *testing.T) {
	s := testStore(t)
	ns, author := testIdentity(t)
	inst := s.Instance(ns.ID())

	for i := 0; i < 5; i++ {
		require.NoError(t, inst.EntryPut(signedEntry(ns, author, fmt.Sprintf("p/%d", i), 100)))
	}
	require.NoError(t, inst.EntryPut(signedEntry(ns, author, "q", 100)))

	it, err := s.GetMany(ns.ID(), Query{Key: KeyFilter{Kind: KeyPrefix, Bytes: []byte("p/")}})
	require.NoError(t, err)
	defer it.Close()
	count := 0
	for {
		_, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
	}
	require.Equal(t, 5, count)

	it, err = s.GetMany(ns.ID(), Query{Offset: 1, Limit: 2})
	require.NoError(t, err)
	defer it.Close()
	var got []string
	for {
		e, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(e.Entry.ID.Key))
	}
	require.Equal(t, []string{"p/1", "p/2"}, got)
}

func TestQueryLatestPerKey(t *testing.T) {
	s := testStore(t)
	ns, a1 := testIdentity(t)
	a2, err := keys.NewAuthor(rand.Reader)
	require.NoError(t, err)
	inst := s.Instance(ns.ID())

	require.NoError(t, inst.EntryPut(signedEntry(ns, a1, "x", 100)))
	older := entry.NewEntry(
		entry.NewRecordIdentifier(ns.ID(), a2.ID(), []byte("x")),
		entry.NewRecord(entry.HashBytes([]byte("newer")), 5, 200),
	).Sign(ns, a2)
	require.NoError(t, inst.EntryPut(older))

	it, err := s.GetMany(ns.ID(), Query{LatestPerKey: true})
	require.NoError(t, err)
	defer it.Close()

	e, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(200), e.Entry.Record.Timestamp)

	_, ok, err = it.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestQueryDescending(t *testing.T) {
	s := testStore(t)
	ns, author := testIdentity(t)
	inst := s.Instance(ns.ID())
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, inst.EntryPut(signedEntry(ns, author, k, 100)))
	}

	it, err := s.GetMany(ns.ID(), Query{Direction: SortDesc})
	require.NoError(t, err)
	defer it.Close()
	var got []string
	for {
		e, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(e.Entry.ID.Key))
	}
	require.Equal(t, []string{"c", "b", "a"}, got)
}

func TestSnapshotIsolation(t *testing.T) {
	s := testStore(t)
	ns, author := testIdentity(t)
	inst := s.Instance(ns.ID())

	require.NoError(t, inst.EntryPut(signedEntry(ns, author, "before", 100)))

	it, err := s.GetMany(ns.ID(), Query{})
	require.NoError(t, err)
	defer it.Close()

	// A write after the snapshot must be invisible to the iterator.
	require.NoError(t, inst.EntryPut(signedEntry(ns, author, "after", 200)))

	count := 0
	for {
		_, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
	}
	require.Equal(t, 1, count)
}

func TestAuthors(t *testing.T) {
	s := testStore(t)
	author, err := s.NewAuthor(rand.Reader)
	require.NoError(t, err)

	got, err := s.GetAuthor(author.ID())
	require.NoError(t, err)
	require.Equal(t, author.ID(), got.ID())

	ids, err := s.ListAuthors()
	require.NoError(t, err)
	require.Equal(t, []keys.AuthorID{author.ID()}, ids)

	require.NoError(t, s.DeleteAuthor(author.ID()))
	_, err = s.GetAuthor(author.ID())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteAuthorRejectsReferenced(t *testing.T) {
	s := testStore(t)
	ns, _ := testIdentity(t)
	author, err := s.NewAuthor(rand.Reader)
	require.NoError(t, err)

	require.NoError(t, s.Instance(ns.ID()).EntryPut(signedEntry(ns, author, "held", 100)))

	require.Error(t, s.DeleteAuthor(author.ID()))
}

func TestDefaultAuthorDanglingPointer(t *testing.T) {
	s := testStore(t)
	author, err := s.NewAuthor(rand.Reader)
	require.NoError(t, err)
	require.NoError(t, s.SetDefaultAuthor(author.ID()))

	got, err := s.DefaultAuthor()
	require.NoError(t, err)
	require.Equal(t, author.ID(), got.ID())

	require.NoError(t, s.DeleteAuthor(author.ID()))
	got, err = s.DefaultAuthor()
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestUsefulPeersLRU(t *testing.T) {
	s := testStore(t)
	ns, _ := testIdentity(t)

	var peers []keys.NodeID
	for i := 0; i < usefulPeersPerNamespace+2; i++ {
		var p keys.NodeID
		p[0] = byte(i + 1)
		peers = append(peers, p)
		require.NoError(t, s.RegisterUsefulPeer(ns.ID(), p))
		time.Sleep(time.Millisecond)
	}

	got, err := s.GetSyncPeers(ns.ID())
	require.NoError(t, err)
	require.Len(t, got, usefulPeersPerNamespace)
	// Most recently used first; the two oldest fell out.
	require.Equal(t, peers[len(peers)-1], got[0])
	require.NotContains(t, got, peers[0])
	require.NotContains(t, got, peers[1])
}

func TestDownloadPolicyPersistence(t *testing.T) {
	s := testStore(t)
	ns, _ := testIdentity(t)

	p, err := s.GetDownloadPolicy(ns.ID())
	require.NoError(t, err)
	require.False(t, p.NothingExcept)
	require.Empty(t, p.Filters)

	want := replica.DownloadPolicy{
		NothingExcept: true,
		Filters:       []replica.KeyMatcher{replica.MatchPrefix([]byte("img/"))},
	}
	require.NoError(t, s.SetDownloadPolicy(ns.ID(), want))

	got, err := s.GetDownloadPolicy(ns.ID())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestContentHashes(t *testing.T) {
	s := testStore(t)
	ns, author := testIdentity(t)
	inst := s.Instance(ns.ID())
	require.NoError(t, inst.EntryPut(signedEntry(ns, author, "one", 100)))
	require.NoError(t, inst.EntryPut(signedEntry(ns, author, "two", 100)))

	snap, err := s.Snapshot()
	require.NoError(t, err)
	defer snap.Close()
	hashes, err := snap.ContentHashes()
	require.NoError(t, err)
	require.Len(t, hashes, 2)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	ns, author := testIdentity(t)
	s, err := Open(StoreConfig{Path: dir, Logger: log})
	require.NoError(t, err)
	_, err = s.ImportNamespace(keys.WriteCapability(ns))
	require.NoError(t, err)
	require.NoError(t, s.Instance(ns.ID()).EntryPut(signedEntry(ns, author, "durable", 100)))
	require.NoError(t, s.Close())

	s, err = Open(StoreConfig{Path: dir, Logger: log})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetExact(ns.ID(), author.ID(), []byte("durable"), false)
	require.NoError(t, err)
	require.NotNil(t, got)
}

// writeV1Store builds a version-1 layout by hand: record rows in the
// old table, no key index, no author-head aggregate, version row 1.
func writeV1Store(t *testing.T, dir string, entries []entry.SignedEntry) {
	t.Helper()
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(keyVersion, []byte{1}); err != nil {
			return err
		}
		for _, se := range entries {
			suffix := recordRowKey(se.Entry.ID)[len(prefixRecord):]
			oldKey := append(append([]byte(nil), prefixRecordV1...), suffix...)
			if err := txn.Set(oldKey, encodeRecordValue(se)); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, db.Close())
}

func TestMigrationFromV1(t *testing.T) {
	dir := t.TempDir()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	ns, author := testIdentity(t)
	entries := []entry.SignedEntry{
		signedEntry(ns, author, "legacy/a", 123),
		signedEntry(ns, author, "legacy/b", 456),
	}
	writeV1Store(t, dir, entries)

	s, err := Open(StoreConfig{Path: dir, Logger: log})
	require.NoError(t, err)
	defer s.Close()

	// Rows are re-keyed into the current table.
	got, err := s.GetExact(ns.ID(), author.ID(), []byte("legacy/a"), false)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NoError(t, got.Verify())

	// The author-head aggregate was built during migration.
	heads, err := s.AuthorHeads(ns.ID())
	require.NoError(t, err)
	require.Equal(t, uint64(456), heads[author.ID()])

	// The key index works for migrated rows.
	it, err := s.GetMany(ns.ID(), Query{LatestPerKey: true})
	require.NoError(t, err)
	defer it.Close()
	count := 0
	for {
		_, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
	}
	require.Equal(t, 2, count)
}

func TestUnknownVersionFailsClosed(t *testing.T) {
	dir := t.TempDir()
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyVersion, []byte{99})
	}))
	require.NoError(t, db.Close())

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	_, err = Open(StoreConfig{Path: dir, Logger: log})
	require.ErrorIs(t, err, ErrUnknownVersion)
}
