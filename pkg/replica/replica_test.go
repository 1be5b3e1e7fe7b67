package replica

import (
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-docs/pkg/entry"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/ranger"
)

// testStore is an in-memory replica store: the ranger memory index
// plus the author-head aggregate and a download policy.
type testStore struct {
	*ranger.MemoryStore
	heads  map[keys.AuthorID]uint64
	policy DownloadPolicy
}

func newTestStore() *testStore {
	return &testStore{
		MemoryStore: ranger.NewMemoryStore(),
		heads:       make(map[keys.AuthorID]uint64),
	}
}

func (s *testStore) EntryPut(e entry.SignedEntry) error {
	if ts := e.Entry.Record.Timestamp; ts > s.heads[e.Entry.ID.Author] {
		s.heads[e.Entry.ID.Author] = ts
	}
	return s.MemoryStore.EntryPut(e)
}

func (s *testStore) AuthorHead(a keys.AuthorID) (uint64, bool, error) {
	ts, ok := s.heads[a]
	return ts, ok, nil
}

func (s *testStore) DownloadPolicy() (DownloadPolicy, error) {
	return s.policy, nil
}

func testReplica(t *testing.T) (*Replica, *testStore, *keys.Namespace, *keys.Author) {
	t.Helper()
	ns, err := keys.NewNamespace(rand.Reader)
	require.NoError(t, err)
	author, err := keys.NewAuthor(rand.Reader)
	require.NoError(t, err)
	store := newTestStore()
	r := New(store, NewInfo(keys.WriteCapability(ns)))
	return r, store, ns, author
}

func TestInsertAndGet(t *testing.T) {
	t.Parallel()
	r, store, _, author := testReplica(t)

	hash := entry.HashBytes([]byte("v"))
	signed, removed, err := r.Insert([]byte("x"), author, hash, 1)
	require.NoError(t, err)
	require.Zero(t, removed)
	require.NoError(t, signed.Verify())

	got, err := store.Get(signed.Entry.ID)
	require.NoError(t, err)
	require.Equal(t, hash, got.Entry.Record.Hash)
}

func TestInsertRejectsEmptyRecord(t *testing.T) {
	t.Parallel()
	r, _, _, author := testReplica(t)
	_, _, err := r.Insert([]byte("x"), author, entry.EmptyHash, 0)
	require.ErrorIs(t, err, entry.ErrEntryIsEmpty)
	_, _, err = r.Insert([]byte("x"), author, entry.HashBytes([]byte("v")), 0)
	require.ErrorIs(t, err, entry.ErrEntryIsEmpty)
}

func TestReadOnlyReplicaRejectsLocalInsert(t *testing.T) {
	t.Parallel()
	ns, err := keys.NewNamespace(rand.Reader)
	require.NoError(t, err)
	author, err := keys.NewAuthor(rand.Reader)
	require.NoError(t, err)
	store := newTestStore()
	r := New(store, NewInfo(keys.ReadCapability(ns.ID())))

	_, _, err = r.Insert([]byte("x"), author, entry.HashBytes([]byte("v")), 1)
	require.ErrorIs(t, err, keys.ErrReadOnly)

	// Remote inserts still work on a read replica.
	signed := entry.NewEntry(
		entry.NewRecordIdentifier(ns.ID(), author.ID(), []byte("x")),
		entry.NewRecordNow(entry.HashBytes([]byte("v")), 1),
	).Sign(ns, author)
	_, err = r.InsertRemote(signed, keys.NodeID{1}, entry.ContentMissing)
	require.NoError(t, err)
}

func TestTimestampsAreStrictlyMonotonePerAuthor(t *testing.T) {
	t.Parallel()
	r, _, _, author := testReplica(t)

	var last uint64
	for i := 0; i < 10; i++ {
		signed, _, err := r.Insert([]byte(fmt.Sprintf("k%d", i)), author, entry.HashBytes([]byte{byte(i)}), 1)
		require.NoError(t, err)
		require.Greater(t, signed.Entry.Record.Timestamp, last)
		last = signed.Entry.Record.Timestamp
	}
}

func TestInsertBumpsPastFutureHead(t *testing.T) {
	t.Parallel()
	r, store, ns, author := testReplica(t)

	// An author head slightly in the future forces the next local
	// timestamp one microsecond past it.
	future := entry.Timestamp() + uint64(time.Second/time.Microsecond)
	seeded := entry.NewEntry(
		entry.NewRecordIdentifier(ns.ID(), author.ID(), []byte("seed")),
		entry.NewRecord(entry.HashBytes([]byte("s")), 1, future),
	).Sign(ns, author)
	require.NoError(t, store.EntryPut(seeded))

	signed, _, err := r.Insert([]byte("next"), author, entry.HashBytes([]byte("n")), 1)
	require.NoError(t, err)
	require.Equal(t, future+1, signed.Entry.Record.Timestamp)
}

func TestDeletePrefixWritesTombstone(t *testing.T) {
	t.Parallel()
	r, store, _, author := testReplica(t)

	for i := 0; i < 4; i++ {
		_, _, err := r.Insert([]byte(fmt.Sprintf("p/%d", i)), author, entry.HashBytes([]byte{byte(i)}), 1)
		require.NoError(t, err)
	}
	_, _, err := r.Insert([]byte("q"), author, entry.HashBytes([]byte("q")), 1)
	require.NoError(t, err)

	removed, err := r.DeletePrefix([]byte("p/"), author)
	require.NoError(t, err)
	require.Equal(t, 4, removed)

	// The tombstone itself remains and verifies.
	n, err := store.Len()
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestInsertRemoteValidates(t *testing.T) {
	t.Parallel()
	r, _, ns, author := testReplica(t)

	// Wrong namespace.
	other, err := keys.NewNamespace(rand.Reader)
	require.NoError(t, err)
	foreign := entry.NewEntry(
		entry.NewRecordIdentifier(other.ID(), author.ID(), []byte("x")),
		entry.NewRecordNow(entry.HashBytes([]byte("v")), 1),
	).Sign(other, author)
	_, err = r.InsertRemote(foreign, keys.NodeID{1}, entry.ContentMissing)
	require.ErrorIs(t, err, entry.ErrInvalidNamespace)

	// Too far in the future.
	future := entry.NewEntry(
		entry.NewRecordIdentifier(ns.ID(), author.ID(), []byte("x")),
		entry.NewRecord(entry.HashBytes([]byte("v")), 1, entry.Timestamp()+uint64(time.Hour/time.Microsecond)),
	).Sign(ns, author)
	_, err = r.InsertRemote(future, keys.NodeID{1}, entry.ContentMissing)
	require.ErrorIs(t, err, entry.ErrTooFarInTheFuture)

	// Bad signature.
	tampered := entry.NewEntry(
		entry.NewRecordIdentifier(ns.ID(), author.ID(), []byte("x")),
		entry.NewRecordNow(entry.HashBytes([]byte("v")), 1),
	).Sign(ns, author)
	tampered.AuthorSignature[0] ^= 1
	_, err = r.InsertRemote(tampered, keys.NodeID{1}, entry.ContentMissing)
	require.ErrorIs(t, err, entry.ErrBadSignature)
}

func TestInsertRemoteOlderEntryLoses(t *testing.T) {
	t.Parallel()
	r, _, ns, author := testReplica(t)

	id := entry.NewRecordIdentifier(ns.ID(), author.ID(), []byte("x"))
	now := entry.Timestamp()
	newer := entry.NewEntry(id, entry.NewRecord(entry.HashBytes([]byte("new")), 3, now)).Sign(ns, author)
	older := entry.NewEntry(id, entry.NewRecord(entry.HashBytes([]byte("old")), 3, now-10)).Sign(ns, author)

	_, err := r.InsertRemote(newer, keys.NodeID{1}, entry.ContentMissing)
	require.NoError(t, err)
	_, err = r.InsertRemote(older, keys.NodeID{1}, entry.ContentMissing)
	require.ErrorIs(t, err, ErrNewerEntryExists)
}

func TestSubscriberReceivesEventsInOrder(t *testing.T) {
	t.Parallel()
	r, _, _, author := testReplica(t)

	ch := make(chan Event, 16)
	r.Info().Subscribe(ch)

	for i := 0; i < 5; i++ {
		_, _, err := r.Insert([]byte(fmt.Sprintf("k%d", i)), author, entry.HashBytes([]byte{byte(i)}), 1)
		require.NoError(t, err)
	}

	for i := 0; i < 5; i++ {
		ev := <-ch
		require.Equal(t, EventInsertLocal, ev.Kind)
		require.Equal(t, fmt.Sprintf("k%d", i), string(ev.Entry.Entry.ID.Key))
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	t.Parallel()
	r, _, _, author := testReplica(t)

	full := make(chan Event) // unbuffered, never read
	r.Info().Subscribe(full)
	require.Equal(t, 1, r.Info().SubscribersCount())

	_, _, err := r.Insert([]byte("k"), author, entry.HashBytes([]byte("v")), 1)
	require.NoError(t, err)
	require.Zero(t, r.Info().SubscribersCount())
}

func TestRemoteInsertEventCarriesDownloadDecision(t *testing.T) {
	t.Parallel()
	r, store, ns, author := testReplica(t)
	store.policy = DownloadPolicy{NothingExcept: true, Filters: []KeyMatcher{MatchPrefix([]byte("want/"))}}

	ch := make(chan Event, 4)
	r.Info().Subscribe(ch)

	for _, tc := range []struct {
		key  string
		want bool
	}{
		{"want/a", true},
		{"skip/b", false},
	} {
		signed := entry.NewEntry(
			entry.NewRecordIdentifier(ns.ID(), author.ID(), []byte(tc.key)),
			entry.NewRecordNow(entry.HashBytes([]byte(tc.key)), 4),
		).Sign(ns, author)
		_, err := r.InsertRemote(signed, keys.NodeID{9}, entry.ContentComplete)
		require.NoError(t, err)

		ev := <-ch
		require.Equal(t, EventInsertRemote, ev.Kind)
		require.Equal(t, tc.want, ev.ShouldDownload)
		require.Equal(t, entry.ContentComplete, ev.RemoteContentStatus)
		require.Equal(t, keys.NodeID{9}, ev.From)
	}
}

func TestClosedReplicaRejectsOperations(t *testing.T) {
	t.Parallel()
	r, _, _, author := testReplica(t)
	r.Info().Close()

	_, _, err := r.Insert([]byte("x"), author, entry.HashBytes([]byte("v")), 1)
	require.ErrorIs(t, err, ErrClosed)
	_, err = r.DeletePrefix([]byte("x"), author)
	require.ErrorIs(t, err, ErrClosed)
}

func TestDownloadPolicyMatching(t *testing.T) {
	t.Parallel()
	ns, err := keys.NewNamespace(rand.Reader)
	require.NoError(t, err)
	author, err := keys.NewAuthor(rand.Reader)
	require.NoError(t, err)

	mk := func(key string) entry.Entry {
		return entry.NewEntry(
			entry.NewRecordIdentifier(ns.ID(), author.ID(), []byte(key)),
			entry.NewRecordNow(entry.HashBytes([]byte(key)), 1),
		)
	}

	everything := DefaultDownloadPolicy()
	require.True(t, everything.Matches(mk("anything")))

	except := DownloadPolicy{Filters: []KeyMatcher{MatchPrefix([]byte("big/"))}}
	require.True(t, except.Matches(mk("small")))
	require.False(t, except.Matches(mk("big/file")))

	only := DownloadPolicy{NothingExcept: true, Filters: []KeyMatcher{MatchExact([]byte("the-one"))}}
	require.True(t, only.Matches(mk("the-one")))
	require.False(t, only.Matches(mk("other")))

	// Tombstones never download.
	tomb := entry.NewEmptyEntry(entry.NewRecordIdentifier(ns.ID(), author.ID(), []byte("the-one")))
	require.False(t, everything.Matches(tomb))
	require.False(t, only.Matches(tomb))
}

func TestDownloadPolicyCodecRoundtrip(t *testing.T) {
	t.Parallel()
	p := DownloadPolicy{
		NothingExcept: true,
		Filters: []KeyMatcher{
			MatchExact([]byte("exact\x00key")),
			MatchPrefix([]byte("pre/")),
		},
	}
	got, err := DecodeDownloadPolicy(p.Encode())
	require.NoError(t, err)
	require.Equal(t, p, got)
}
