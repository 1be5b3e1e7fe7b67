package netSync

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-docs/internal/actor"
	"github.com/i5heu/ouroboros-docs/internal/recordStore"
	"github.com/i5heu/ouroboros-docs/internal/transport"
	"github.com/i5heu/ouroboros-docs/pkg/entry"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/replica"
)

type testNode struct {
	id keys.NodeID
	h  *actor.Handle
}

func newTestNode(t *testing.T, idByte byte) *testNode {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	store, err := recordStore.Open(recordStore.StoreConfig{Path: t.TempDir(), Logger: log})
	require.NoError(t, err)
	h := actor.New(store, slog.Default())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
		_ = store.Close()
	})
	return &testNode{id: keys.NodeID{idByte}, h: h}
}

// shareDoc registers the same namespace on both nodes and opens it.
func shareDoc(t *testing.T, a, b *testNode) (*keys.Namespace, keys.NamespaceID) {
	t.Helper()
	ctx := context.Background()
	ns, err := keys.NewNamespace(rand.Reader)
	require.NoError(t, err)
	for _, n := range []*testNode{a, b} {
		_, err := n.h.ImportNamespace(ctx, keys.WriteCapability(ns))
		require.NoError(t, err)
		require.NoError(t, n.h.Open(ctx, ns.ID()))
	}
	return ns, ns.ID()
}

// syncPair runs one bidirectional session between the two nodes over
// an in-memory connection and returns both outcomes.
func syncPair(t *testing.T, alice, bob *testNode, ns keys.NamespaceID) (Outcome, Outcome) {
	t.Helper()
	connA, connB := transport.MemoryPair(alice.id, bob.id)

	bobDone := make(chan Outcome, 1)
	go func() {
		bobDone <- HandleConnection(context.Background(), bob.h, slog.Default(), connB,
			func(keys.NamespaceID, keys.NodeID) AcceptOutcome { return Allow() }, DefaultConfig())
	}()

	aliceOut := ConnectAndSync(context.Background(), alice.h, slog.Default(), ns, connA, replica.OriginDialedByApi, DefaultConfig())

	select {
	case bobOut := <-bobDone:
		return aliceOut, bobOut
	case <-time.After(10 * time.Second):
		t.Fatal("acceptor did not finish")
		return Outcome{}, Outcome{}
	}
}

func insert(t *testing.T, n *testNode, ns keys.NamespaceID, author *keys.Author, key, value string) entry.SignedEntry {
	t.Helper()
	se, err := n.h.Insert(context.Background(), ns, author, []byte(key), entry.HashBytes([]byte(value)), uint64(len(value)))
	require.NoError(t, err)
	return se
}

func TestTwoNodeInsertAndRead(t *testing.T) {
	alice := newTestNode(t, 1)
	bob := newTestNode(t, 2)
	_, ns := shareDoc(t, alice, bob)
	ctx := context.Background()

	author, err := alice.h.CreateAuthor(ctx, rand.Reader)
	require.NoError(t, err)
	insert(t, alice, ns, author, "x", "v")

	aliceOut, bobOut := syncPair(t, alice, bob, ns)
	require.NoError(t, aliceOut.Err)
	require.NoError(t, bobOut.Err)
	require.Equal(t, 1, bobOut.Received)

	// The session splits its wall-clock time into connect and
	// process; together they cover the whole span.
	for _, out := range []Outcome{aliceOut, bobOut} {
		total := out.FinishedAt.Sub(out.StartedAt)
		require.GreaterOrEqual(t, out.Timings.Process, time.Duration(0))
		require.Equal(t, total, out.Timings.Connect+out.Timings.Process)
	}

	got, err := bob.h.GetExact(ctx, ns, author.ID(), []byte("x"), false)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, entry.HashBytes([]byte("v")), got.Entry.Record.Hash)
}

func TestBidirectionalConvergence(t *testing.T) {
	alice := newTestNode(t, 1)
	bob := newTestNode(t, 2)
	_, ns := shareDoc(t, alice, bob)
	ctx := context.Background()

	authorA, err := alice.h.CreateAuthor(ctx, rand.Reader)
	require.NoError(t, err)
	authorB, err := bob.h.CreateAuthor(ctx, rand.Reader)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		insert(t, alice, ns, authorA, fmt.Sprintf("alice/%02d", i), "a")
		insert(t, bob, ns, authorB, fmt.Sprintf("bob/%02d", i), "b")
	}

	aliceOut, bobOut := syncPair(t, alice, bob, ns)
	require.NoError(t, aliceOut.Err)
	require.NoError(t, bobOut.Err)

	headsA, err := alice.h.AuthorHeads(ctx, ns)
	require.NoError(t, err)
	headsB, err := bob.h.AuthorHeads(ctx, ns)
	require.NoError(t, err)
	require.Equal(t, headsA, headsB)

	for _, n := range []*testNode{alice, bob} {
		it, err := n.h.GetMany(ctx, ns, recordStore.Query{})
		require.NoError(t, err)
		count := 0
		for {
			_, ok, err := it.Next()
			require.NoError(t, err)
			if !ok {
				break
			}
			count++
		}
		it.Close()
		require.Equal(t, 40, count)
	}
}

func TestLWWTieBreakConvergesOnGreaterHash(t *testing.T) {
	alice := newTestNode(t, 1)
	bob := newTestNode(t, 2)
	nsKeys, ns := shareDoc(t, alice, bob)
	ctx := context.Background()

	author, err := keys.NewAuthor(rand.Reader)
	require.NoError(t, err)

	// Two entries for the same key with the same timestamp; the
	// greater hash must win on both sides regardless of order.
	id := entry.NewRecordIdentifier(ns, author.ID(), []byte("x"))
	ts := entry.Timestamp()
	low := entry.NewEntry(id, entry.NewRecord(entry.Hash{0x11}, 1, ts)).Sign(nsKeys, author)
	high := entry.NewEntry(id, entry.NewRecord(entry.Hash{0xAA}, 1, ts)).Sign(nsKeys, author)

	_, err = alice.h.InsertRemote(ctx, ns, low, bob.id, entry.ContentMissing)
	require.NoError(t, err)
	_, err = bob.h.InsertRemote(ctx, ns, high, alice.id, entry.ContentMissing)
	require.NoError(t, err)

	syncPair(t, alice, bob, ns)

	for _, n := range []*testNode{alice, bob} {
		got, err := n.h.GetExact(ctx, ns, author.ID(), []byte("x"), false)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, entry.Hash{0xAA}, got.Entry.Record.Hash)
	}
}

func TestTombstoneWins(t *testing.T) {
	alice := newTestNode(t, 1)
	bob := newTestNode(t, 2)
	_, ns := shareDoc(t, alice, bob)
	ctx := context.Background()

	author, err := alice.h.CreateAuthor(ctx, rand.Reader)
	require.NoError(t, err)

	// Alice writes and deletes before Bob ever sees the value.
	insert(t, alice, ns, author, "x", "v")
	removed, err := alice.h.DeletePrefix(ctx, ns, author, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	syncPair(t, alice, bob, ns)

	got, err := bob.h.GetExact(ctx, ns, author.ID(), []byte("x"), true)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, got.Entry.IsEmpty())

	got, err = bob.h.GetExact(ctx, ns, author.ID(), []byte("x"), false)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestPrefixDeletePropagates(t *testing.T) {
	alice := newTestNode(t, 1)
	bob := newTestNode(t, 2)
	_, ns := shareDoc(t, alice, bob)
	ctx := context.Background()

	author, err := alice.h.CreateAuthor(ctx, rand.Reader)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		insert(t, alice, ns, author, fmt.Sprintf("p/%d", i), "v")
	}

	// Bob learns the values, then alice deletes the prefix and they
	// sync again.
	syncPair(t, alice, bob, ns)
	removed, err := alice.h.DeletePrefix(ctx, ns, author, []byte("p/"))
	require.NoError(t, err)
	require.Equal(t, 10, removed)
	syncPair(t, alice, bob, ns)

	it, err := bob.h.GetMany(ctx, ns, recordStore.Query{Key: recordStore.KeyFilter{Kind: recordStore.KeyPrefix, Bytes: []byte("p/")}})
	require.NoError(t, err)
	defer it.Close()
	_, ok, err := it.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIdenticalReplicasExchangeNothing(t *testing.T) {
	alice := newTestNode(t, 1)
	bob := newTestNode(t, 2)
	nsKeys, ns := shareDoc(t, alice, bob)
	ctx := context.Background()

	author, err := keys.NewAuthor(rand.Reader)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		id := entry.NewRecordIdentifier(ns, author.ID(), []byte(fmt.Sprintf("k%d", i)))
		se := entry.NewEntry(id, entry.NewRecord(entry.HashBytes([]byte{byte(i)}), 1, 100+uint64(i))).Sign(nsKeys, author)
		_, err = alice.h.InsertRemote(ctx, ns, se, bob.id, entry.ContentMissing)
		require.NoError(t, err)
		_, err = bob.h.InsertRemote(ctx, ns, se, alice.id, entry.ContentMissing)
		require.NoError(t, err)
	}

	aliceOut, bobOut := syncPair(t, alice, bob, ns)
	require.NoError(t, aliceOut.Err)
	require.NoError(t, bobOut.Err)
	require.Zero(t, aliceOut.Sent+aliceOut.Received+bobOut.Sent+bobOut.Received)
}

func TestAcceptorRejectsUnknownNamespace(t *testing.T) {
	alice := newTestNode(t, 1)
	bob := newTestNode(t, 2)
	ctx := context.Background()

	// Only alice knows the namespace.
	ns, err := keys.NewNamespace(rand.Reader)
	require.NoError(t, err)
	_, err = alice.h.ImportNamespace(ctx, keys.WriteCapability(ns))
	require.NoError(t, err)
	require.NoError(t, alice.h.Open(ctx, ns.ID()))

	connA, connB := transport.MemoryPair(alice.id, bob.id)
	bobDone := make(chan Outcome, 1)
	go func() {
		bobDone <- HandleConnection(context.Background(), bob.h, slog.Default(), connB,
			func(keys.NamespaceID, keys.NodeID) AcceptOutcome {
				return Reject(transport.AbortNotFound)
			}, DefaultConfig())
	}()

	aliceOut := ConnectAndSync(context.Background(), alice.h, slog.Default(), ns.ID(), connA, replica.OriginDialedByApi, DefaultConfig())
	require.Error(t, aliceOut.Err)
	var aborted *AbortedError
	require.ErrorAs(t, aliceOut.Err, &aborted)
	require.Equal(t, transport.AbortNotFound, aborted.Reason)

	bobOut := <-bobDone
	require.Error(t, bobOut.Err)
}
