package ranger

import (
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-docs/pkg/entry"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
)

func testIdentity(t *testing.T) (keys.NamespaceID, keys.AuthorID) {
	t.Helper()
	ns, err := keys.NewNamespace(rand.Reader)
	require.NoError(t, err)
	author, err := keys.NewAuthor(rand.Reader)
	require.NoError(t, err)
	return ns.ID(), author.ID()
}

// mkEntry builds an unsigned test entry; signature checks are not
// part of the reconciliation core.
func mkEntry(ns keys.NamespaceID, author keys.AuthorID, key string, ts uint64) entry.SignedEntry {
	id := entry.NewRecordIdentifier(ns, author, []byte(key))
	rec := entry.NewRecord(entry.HashBytes([]byte(key)), uint64(len(key)), ts)
	return entry.SignedEntry{Entry: entry.NewEntry(id, rec)}
}

func storeContents(t *testing.T, s *MemoryStore) []entry.SignedEntry {
	t.Helper()
	it, err := s.GetRange(Range{})
	require.NoError(t, err)
	var out []entry.SignedEntry
	for {
		e, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

// runSync drives the alternating exchange until one side terminates,
// returning how many entries went over the wire in total.
func runSync(t *testing.T, alice, bob *MemoryStore) int {
	t.Helper()
	cfg := DefaultSyncConfig()
	transferred := 0

	msg, err := InitialMessage(alice)
	require.NoError(t, err)
	transferred += msg.ValueCount()

	sides := [2]*MemoryStore{bob, alice}
	turn := 0
	for rounds := 0; ; rounds++ {
		require.Less(t, rounds, 100, "sync must terminate")
		reply, err := ProcessMessage(sides[turn], cfg, msg, Callbacks{})
		require.NoError(t, err)
		if reply == nil {
			return transferred
		}
		transferred += reply.ValueCount()
		msg = reply
		turn = 1 - turn
	}
}

func TestPutReplacesOlderSameKey(t *testing.T) {
	t.Parallel()
	ns, author := testIdentity(t)
	s := NewMemoryStore()

	older := mkEntry(ns, author, "x", 100)
	newer := mkEntry(ns, author, "x", 200)

	out, err := Put(s, older)
	require.NoError(t, err)
	require.True(t, out.Inserted)

	out, err = Put(s, newer)
	require.NoError(t, err)
	require.True(t, out.Inserted)
	require.Equal(t, 1, out.Removed)

	// The older entry loses against the stored newer one.
	out, err = Put(s, older)
	require.NoError(t, err)
	require.False(t, out.Inserted)

	got, err := s.Get(older.Entry.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(200), got.Entry.Record.Timestamp)
}

func TestPutTieBreaksByHash(t *testing.T) {
	t.Parallel()
	ns, author := testIdentity(t)

	id := entry.NewRecordIdentifier(ns, author, []byte("x"))
	low := entry.SignedEntry{Entry: entry.NewEntry(id, entry.NewRecord(entry.Hash{0x11}, 1, 100))}
	high := entry.SignedEntry{Entry: entry.NewEntry(id, entry.NewRecord(entry.Hash{0xAA}, 1, 100))}

	// Either apply order retains the greater hash.
	for _, order := range [][2]entry.SignedEntry{{low, high}, {high, low}} {
		s := NewMemoryStore()
		for _, e := range order {
			_, err := Put(s, e)
			require.NoError(t, err)
		}
		got, err := s.Get(id)
		require.NoError(t, err)
		require.Equal(t, entry.Hash{0xAA}, got.Entry.Record.Hash)
	}
}

func TestPutPrefixDeletion(t *testing.T) {
	t.Parallel()
	ns, author := testIdentity(t)
	s := NewMemoryStore()

	for i := 0; i < 5; i++ {
		_, err := Put(s, mkEntry(ns, author, fmt.Sprintf("p/%d", i), 100))
		require.NoError(t, err)
	}
	_, err := Put(s, mkEntry(ns, author, "q", 100))
	require.NoError(t, err)

	// A newer entry under the prefix clears the subtree.
	out, err := Put(s, mkEntry(ns, author, "p/", 200))
	require.NoError(t, err)
	require.True(t, out.Inserted)
	require.Equal(t, 5, out.Removed)

	n, err := s.Len()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// An older write under a newer prefix entry is rejected.
	out, err = Put(s, mkEntry(ns, author, "p/3", 150))
	require.NoError(t, err)
	require.False(t, out.Inserted)
}

func TestSyncConvergence(t *testing.T) {
	t.Parallel()
	ns, author := testIdentity(t)

	alice := NewMemoryStore()
	bob := NewMemoryStore()
	for i := 0; i < 40; i++ {
		e := mkEntry(ns, author, fmt.Sprintf("shared/%02d", i), 100)
		_, err := Put(alice, e)
		require.NoError(t, err)
		_, err = Put(bob, e)
		require.NoError(t, err)
	}
	for i := 0; i < 7; i++ {
		_, err := Put(alice, mkEntry(ns, author, fmt.Sprintf("alice/%d", i), 110))
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		_, err := Put(bob, mkEntry(ns, author, fmt.Sprintf("bob/%d", i), 120))
		require.NoError(t, err)
	}

	runSync(t, alice, bob)

	require.Equal(t, storeContents(t, alice), storeContents(t, bob))
	n, err := alice.Len()
	require.NoError(t, err)
	require.Equal(t, 52, n)
}

func TestSyncIdenticalSetsTransferNothing(t *testing.T) {
	t.Parallel()
	ns, author := testIdentity(t)
	alice := NewMemoryStore()
	bob := NewMemoryStore()
	for i := 0; i < 30; i++ {
		e := mkEntry(ns, author, fmt.Sprintf("k%02d", i), 100)
		_, err := Put(alice, e)
		require.NoError(t, err)
		_, err = Put(bob, e)
		require.NoError(t, err)
	}
	require.Zero(t, runSync(t, alice, bob))
}

func TestSyncWithEmptySide(t *testing.T) {
	t.Parallel()
	ns, author := testIdentity(t)
	alice := NewMemoryStore()
	bob := NewMemoryStore()
	for i := 0; i < 10; i++ {
		_, err := Put(alice, mkEntry(ns, author, fmt.Sprintf("k%d", i), 100))
		require.NoError(t, err)
	}

	runSync(t, alice, bob)
	require.Equal(t, storeContents(t, alice), storeContents(t, bob))
}

func TestSyncTrafficScalesWithDifference(t *testing.T) {
	t.Parallel()
	ns, author := testIdentity(t)
	alice := NewMemoryStore()
	bob := NewMemoryStore()

	const n = 200
	for i := 0; i < n; i++ {
		e := mkEntry(ns, author, fmt.Sprintf("key/%03d", i), 100)
		_, err := Put(alice, e)
		require.NoError(t, err)
		_, err = Put(bob, e)
		require.NoError(t, err)
	}
	const d = 4
	for i := 0; i < d; i++ {
		_, err := Put(alice, mkEntry(ns, author, fmt.Sprintf("diff/%d", i), 110))
		require.NoError(t, err)
	}

	transferred := runSync(t, alice, bob)
	require.Equal(t, storeContents(t, alice), storeContents(t, bob))
	// Traffic scales with the difference, not the set size.
	require.Less(t, transferred, n/2)
}

func TestSyncConvergesConflictingValues(t *testing.T) {
	t.Parallel()
	ns, author := testIdentity(t)
	alice := NewMemoryStore()
	bob := NewMemoryStore()

	_, err := Put(alice, mkEntry(ns, author, "x", 100))
	require.NoError(t, err)
	_, err = Put(bob, mkEntry(ns, author, "x", 200))
	require.NoError(t, err)

	runSync(t, alice, bob)

	a, err := alice.Get(entry.NewRecordIdentifier(ns, author, []byte("x")))
	require.NoError(t, err)
	b, err := bob.Get(entry.NewRecordIdentifier(ns, author, []byte("x")))
	require.NoError(t, err)
	require.Equal(t, uint64(200), a.Entry.Record.Timestamp)
	require.Equal(t, uint64(200), b.Entry.Record.Timestamp)
}

func TestInitialMessageOnEmptyStore(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	msg, err := InitialMessage(s)
	require.NoError(t, err)
	require.Len(t, msg.Parts, 1)
	part := msg.Parts[0].Fingerprint
	require.NotNil(t, part)
	require.True(t, part.Range.IsAll())
	require.Equal(t, EmptyFingerprint, part.Fingerprint)
}

func TestValidateCallbackDropsEntries(t *testing.T) {
	t.Parallel()
	ns, author := testIdentity(t)
	alice := NewMemoryStore()
	bob := NewMemoryStore()
	_, err := Put(alice, mkEntry(ns, author, "good", 100))
	require.NoError(t, err)
	_, err = Put(alice, mkEntry(ns, author, "evil", 100))
	require.NoError(t, err)

	cfg := DefaultSyncConfig()
	msg, err := InitialMessage(alice)
	require.NoError(t, err)

	rejectEvil := Callbacks{
		Validate: func(e entry.SignedEntry, _ entry.ContentStatus) bool {
			return string(e.Entry.ID.Key) != "evil"
		},
	}
	sides := [2]*MemoryStore{bob, alice}
	cbs := [2]Callbacks{rejectEvil, {}}
	turn := 0
	for msg != nil {
		reply, err := ProcessMessage(sides[turn], cfg, msg, cbs[turn])
		require.NoError(t, err)
		msg = reply
		turn = 1 - turn
	}

	got, err := bob.Get(entry.NewRecordIdentifier(ns, author, []byte("evil")))
	require.NoError(t, err)
	require.Nil(t, got)
	got, err = bob.Get(entry.NewRecordIdentifier(ns, author, []byte("good")))
	require.NoError(t, err)
	require.NotNil(t, got)
}
