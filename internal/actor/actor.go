// Package actor serializes all mutations on all open replicas behind
// one goroutine. Correctness of last-writer-wins, author heads and
// tombstones depends on this single-owner discipline; reads run
// concurrently on store snapshots instead.
package actor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/i5heu/ouroboros-docs/internal/recordStore"
	"github.com/i5heu/ouroboros-docs/pkg/entry"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/ranger"
	"github.com/i5heu/ouroboros-docs/pkg/replica"
)

var (
	// ErrShutdown means the actor stopped accepting work.
	ErrShutdown = errors.New("actor: shut down")
	// ErrNotOpen means the namespace has no open replica handle.
	ErrNotOpen = errors.New("actor: replica not open")
)

// inboxSize bounds the actor inbox; senders block when it is full,
// which backpressures producers.
const inboxSize = 128

// request is one inbox message: a state transition executed on the
// actor goroutine with the reply delivered over resp.
type request struct {
	fn   func(*syncActor) (any, error)
	resp chan result
}

type result struct {
	value any
	err   error
}

// openReplica is the actor-owned state of one open namespace.
type openReplica struct {
	info    *replica.Info
	handles int
}

type syncActor struct {
	store *recordStore.Store
	log   *slog.Logger
	open  map[keys.NamespaceID]*openReplica
}

// Handle is the client side of the actor. All methods are safe for
// concurrent use; they enqueue into the actor inbox and wait for the
// reply or the caller's context.
type Handle struct {
	inbox chan request
	done  chan struct{}
	log   *slog.Logger
}

// New starts the actor goroutine over the given store.
func New(store *recordStore.Store, log *slog.Logger) *Handle {
	if log == nil {
		log = slog.Default()
	}
	h := &Handle{
		inbox: make(chan request, inboxSize),
		done:  make(chan struct{}),
		log:   log,
	}
	a := &syncActor{
		store: store,
		log:   log,
		open:  make(map[keys.NamespaceID]*openReplica),
	}
	go h.run(a)
	return h
}

func (h *Handle) run(a *syncActor) {
	defer close(h.done)
	for req := range h.inbox {
		v, err := req.fn(a)
		req.resp <- result{value: v, err: err}
		if errors.Is(err, errStop) {
			break
		}
	}
	// Reject whatever raced into the inbox during shutdown.
	for {
		select {
		case req := <-h.inbox:
			req.resp <- result{err: ErrShutdown}
		default:
			return
		}
	}
}

// errStop is the sentinel the shutdown transition returns to end the
// loop. It is never surfaced to callers.
var errStop = errors.New("actor: stop")

func (h *Handle) call(ctx context.Context, fn func(*syncActor) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := request{fn: fn, resp: make(chan result, 1)}
	select {
	case <-h.done:
		return nil, ErrShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	case h.inbox <- req:
	}
	select {
	case res := <-req.resp:
		return res.value, res.err
	case <-ctx.Done():
		// The transition still runs; only the caller stops waiting.
		return nil, ctx.Err()
	case <-h.done:
		// The reply may have raced with actor termination.
		select {
		case res := <-req.resp:
			return res.value, res.err
		default:
			return nil, ErrShutdown
		}
	}
}

// Shutdown drains pending transitions, closes all open replicas,
// flushes the store and stops the actor goroutine.
func (h *Handle) Shutdown(ctx context.Context) error {
	_, err := h.call(ctx, func(a *syncActor) (any, error) {
		for ns, or := range a.open {
			or.info.Close()
			delete(a.open, ns)
		}
		if err := a.store.Flush(); err != nil {
			a.log.Warn("flush on shutdown failed", "err", err)
		}
		return nil, errStop
	})
	if errors.Is(err, errStop) {
		err = nil
	}
	if err != nil && !errors.Is(err, ErrShutdown) {
		return err
	}
	// Dropping the handle must wait for the actor to terminate.
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Open opens a replica, loading its capability from the store. Opens
// are counted; the replica stays open until as many closes arrive.
func (h *Handle) Open(ctx context.Context, ns keys.NamespaceID) error {
	_, err := h.call(ctx, func(a *syncActor) (any, error) {
		if or, ok := a.open[ns]; ok {
			or.handles++
			return nil, nil
		}
		capability, err := a.store.OpenReplica(ns)
		if err != nil {
			return nil, err
		}
		a.open[ns] = &openReplica{info: replica.NewInfo(capability), handles: 1}
		return nil, nil
	})
	return err
}

// Close drops one open handle. The last close flushes the store and
// releases the in-memory state; it returns true.
func (h *Handle) Close(ctx context.Context, ns keys.NamespaceID) (bool, error) {
	v, err := h.call(ctx, func(a *syncActor) (any, error) {
		or, ok := a.open[ns]
		if !ok {
			return false, ErrNotOpen
		}
		or.handles--
		if or.handles > 0 {
			return false, nil
		}
		or.info.Close()
		delete(a.open, ns)
		if err := a.store.Flush(); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// OpenHandles returns the number of open handles on a namespace.
func (h *Handle) OpenHandles(ctx context.Context, ns keys.NamespaceID) (int, error) {
	v, err := h.call(ctx, func(a *syncActor) (any, error) {
		or, ok := a.open[ns]
		if !ok {
			return 0, nil
		}
		return or.handles, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (a *syncActor) replica(ns keys.NamespaceID) (*replica.Replica, error) {
	or, ok := a.open[ns]
	if !ok {
		return nil, ErrNotOpen
	}
	return replica.New(a.store.Instance(ns), or.info), nil
}

// Capability loads the stored capability of a namespace.
func (h *Handle) Capability(ctx context.Context, ns keys.NamespaceID) (keys.Capability, error) {
	v, err := h.call(ctx, func(a *syncActor) (any, error) {
		return a.store.OpenReplica(ns)
	})
	if err != nil {
		return keys.Capability{}, err
	}
	return v.(keys.Capability), nil
}

// ImportNamespace inserts or upgrades a namespace capability. An open
// replica absorbs the upgrade immediately.
func (h *Handle) ImportNamespace(ctx context.Context, c keys.Capability) (recordStore.ImportOutcome, error) {
	v, err := h.call(ctx, func(a *syncActor) (any, error) {
		outcome, err := a.store.ImportNamespace(c)
		if err != nil {
			return outcome, err
		}
		if or, ok := a.open[c.ID()]; ok {
			if _, err := or.info.MergeCapability(c); err != nil {
				return outcome, err
			}
		}
		return outcome, nil
	})
	if err != nil {
		return recordStore.ImportNoChange, err
	}
	return v.(recordStore.ImportOutcome), nil
}

// CreateReplica generates a namespace keypair and registers the new
// replica.
func (h *Handle) CreateReplica(ctx context.Context, rng io.Reader) (keys.Capability, error) {
	ns, err := keys.NewNamespace(rng)
	if err != nil {
		return keys.Capability{}, err
	}
	capability := keys.WriteCapability(ns)
	if _, err := h.ImportNamespace(ctx, capability); err != nil {
		return keys.Capability{}, err
	}
	return capability, nil
}

// RemoveReplica deletes a namespace and all its dependent rows. The
// replica must not be open.
func (h *Handle) RemoveReplica(ctx context.Context, ns keys.NamespaceID) error {
	_, err := h.call(ctx, func(a *syncActor) (any, error) {
		if _, ok := a.open[ns]; ok {
			return nil, fmt.Errorf("actor: replica %s is open", ns)
		}
		return nil, a.store.RemoveReplica(ns)
	})
	return err
}

// ListReplicas returns all stored namespaces.
func (h *Handle) ListReplicas(ctx context.Context) ([]recordStore.NamespaceInfo, error) {
	v, err := h.call(ctx, func(a *syncActor) (any, error) {
		return a.store.ListNamespaces()
	})
	if err != nil {
		return nil, err
	}
	return v.([]recordStore.NamespaceInfo), nil
}

// Insert signs and stores a record under an open, writable replica.
func (h *Handle) Insert(ctx context.Context, ns keys.NamespaceID, author *keys.Author, key []byte, hash entry.Hash, length uint64) (entry.SignedEntry, error) {
	v, err := h.call(ctx, func(a *syncActor) (any, error) {
		r, err := a.replica(ns)
		if err != nil {
			return entry.SignedEntry{}, err
		}
		signed, _, err := r.Insert(key, author, hash, length)
		return signed, err
	})
	if err != nil {
		return entry.SignedEntry{}, err
	}
	return v.(entry.SignedEntry), nil
}

// HashAndInsert hashes data and stores the resulting record.
func (h *Handle) HashAndInsert(ctx context.Context, ns keys.NamespaceID, author *keys.Author, key, data []byte) (entry.Hash, error) {
	v, err := h.call(ctx, func(a *syncActor) (any, error) {
		r, err := a.replica(ns)
		if err != nil {
			return entry.Hash{}, err
		}
		return r.HashAndInsert(key, author, data)
	})
	if err != nil {
		return entry.Hash{}, err
	}
	return v.(entry.Hash), nil
}

// DeletePrefix tombstones all of an author's keys under prefix.
func (h *Handle) DeletePrefix(ctx context.Context, ns keys.NamespaceID, author *keys.Author, prefix []byte) (int, error) {
	v, err := h.call(ctx, func(a *syncActor) (any, error) {
		r, err := a.replica(ns)
		if err != nil {
			return 0, err
		}
		return r.DeletePrefix(prefix, author)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// InsertRemote validates and stores an entry received from a peer.
func (h *Handle) InsertRemote(ctx context.Context, ns keys.NamespaceID, signed entry.SignedEntry, from keys.NodeID, status entry.ContentStatus) (int, error) {
	v, err := h.call(ctx, func(a *syncActor) (any, error) {
		r, err := a.replica(ns)
		if err != nil {
			return 0, err
		}
		return r.InsertRemote(signed, from, status)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// GetExact reads one entry through the actor's view of the store.
func (h *Handle) GetExact(ctx context.Context, ns keys.NamespaceID, author keys.AuthorID, key []byte, includeEmpty bool) (*entry.SignedEntry, error) {
	v, err := h.call(ctx, func(a *syncActor) (any, error) {
		return a.store.GetExact(ns, author, key, includeEmpty)
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry.SignedEntry), nil
}

// GetMany returns a snapshot-backed lazy iterator over query results.
// The caller owns it and must close it; reading from it never blocks
// the actor.
func (h *Handle) GetMany(ctx context.Context, ns keys.NamespaceID, q recordStore.Query) (*recordStore.QueryIterator, error) {
	v, err := h.call(ctx, func(a *syncActor) (any, error) {
		return a.store.GetMany(ns, q)
	})
	if err != nil {
		return nil, err
	}
	return v.(*recordStore.QueryIterator), nil
}

// Subscribe attaches a bounded event channel to an open replica.
func (h *Handle) Subscribe(ctx context.Context, ns keys.NamespaceID, ch chan<- replica.Event) error {
	_, err := h.call(ctx, func(a *syncActor) (any, error) {
		or, ok := a.open[ns]
		if !ok {
			return nil, ErrNotOpen
		}
		or.info.Subscribe(ch)
		return nil, nil
	})
	return err
}

// Unsubscribe detaches an event channel.
func (h *Handle) Unsubscribe(ctx context.Context, ns keys.NamespaceID, ch chan<- replica.Event) error {
	_, err := h.call(ctx, func(a *syncActor) (any, error) {
		or, ok := a.open[ns]
		if !ok {
			return nil, ErrNotOpen
		}
		or.info.Unsubscribe(ch)
		return nil, nil
	})
	return err
}

// SetContentStatusCallback installs the availability callback on an
// open replica. Returns false if one was installed before.
func (h *Handle) SetContentStatusCallback(ctx context.Context, ns keys.NamespaceID, cb replica.ContentStatusFunc) (bool, error) {
	v, err := h.call(ctx, func(a *syncActor) (any, error) {
		or, ok := a.open[ns]
		if !ok {
			return false, ErrNotOpen
		}
		return or.info.SetContentStatusCallback(cb), nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Emit dispatches an event to the subscribers of an open replica.
// Unopened namespaces drop the event silently.
func (h *Handle) Emit(ctx context.Context, ns keys.NamespaceID, ev replica.Event) error {
	_, err := h.call(ctx, func(a *syncActor) (any, error) {
		if or, ok := a.open[ns]; ok {
			or.info.SendEvent(ev)
		}
		return nil, nil
	})
	return err
}

// InitialMessage opens a reconciliation exchange for a session.
func (h *Handle) InitialMessage(ctx context.Context, ns keys.NamespaceID) (*ranger.Message, error) {
	v, err := h.call(ctx, func(a *syncActor) (any, error) {
		r, err := a.replica(ns)
		if err != nil {
			return nil, err
		}
		return r.InitialMessage()
	})
	if err != nil {
		return nil, err
	}
	return v.(*ranger.Message), nil
}

// ProcessMessage runs one reconciliation round on the actor. It
// returns the reply (nil when this side terminated) and how many
// incoming entries failed validation and were dropped.
func (h *Handle) ProcessMessage(ctx context.Context, ns keys.NamespaceID, cfg ranger.SyncConfig, msg *ranger.Message, from keys.NodeID) (*ranger.Message, int, error) {
	type reply struct {
		msg     *ranger.Message
		invalid int
	}
	v, err := h.call(ctx, func(a *syncActor) (any, error) {
		r, err := a.replica(ns)
		if err != nil {
			return reply{}, err
		}
		invalid := 0
		out, err := r.ProcessMessage(cfg, msg, from, func(e entry.SignedEntry) {
			invalid++
			a.log.Debug("dropped invalid entry from peer",
				"namespace", ns.String(), "peer", from.String(), "key", string(e.Entry.ID.Key))
		})
		return reply{msg: out, invalid: invalid}, err
	})
	if err != nil {
		return nil, 0, err
	}
	rep := v.(reply)
	return rep.msg, rep.invalid, nil
}

// AuthorHeads returns the per-author maximum timestamps of a
// namespace.
func (h *Handle) AuthorHeads(ctx context.Context, ns keys.NamespaceID) (map[keys.AuthorID]uint64, error) {
	v, err := h.call(ctx, func(a *syncActor) (any, error) {
		return a.store.AuthorHeads(ns)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[keys.AuthorID]uint64), nil
}

// CreateAuthor mints and persists a fresh author.
func (h *Handle) CreateAuthor(ctx context.Context, rng io.Reader) (*keys.Author, error) {
	v, err := h.call(ctx, func(a *syncActor) (any, error) {
		return a.store.NewAuthor(rng)
	})
	if err != nil {
		return nil, err
	}
	return v.(*keys.Author), nil
}

// ImportAuthor persists an author keypair.
func (h *Handle) ImportAuthor(ctx context.Context, author *keys.Author) error {
	_, err := h.call(ctx, func(a *syncActor) (any, error) {
		return nil, a.store.ImportAuthor(author)
	})
	return err
}

// GetAuthor loads a stored author.
func (h *Handle) GetAuthor(ctx context.Context, id keys.AuthorID) (*keys.Author, error) {
	v, err := h.call(ctx, func(a *syncActor) (any, error) {
		return a.store.GetAuthor(id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*keys.Author), nil
}

// ListAuthors returns the ids of all stored authors.
func (h *Handle) ListAuthors(ctx context.Context) ([]keys.AuthorID, error) {
	v, err := h.call(ctx, func(a *syncActor) (any, error) {
		return a.store.ListAuthors()
	})
	if err != nil {
		return nil, err
	}
	return v.([]keys.AuthorID), nil
}

// DeleteAuthor removes an unreferenced author.
func (h *Handle) DeleteAuthor(ctx context.Context, id keys.AuthorID) error {
	_, err := h.call(ctx, func(a *syncActor) (any, error) {
		return nil, a.store.DeleteAuthor(id)
	})
	return err
}

// DefaultAuthor returns the persisted default author, or nil.
func (h *Handle) DefaultAuthor(ctx context.Context) (*keys.Author, error) {
	v, err := h.call(ctx, func(a *syncActor) (any, error) {
		return a.store.DefaultAuthor()
	})
	if err != nil {
		return nil, err
	}
	return v.(*keys.Author), nil
}

// SetDefaultAuthor persists the default author pointer.
func (h *Handle) SetDefaultAuthor(ctx context.Context, id keys.AuthorID) error {
	_, err := h.call(ctx, func(a *syncActor) (any, error) {
		return nil, a.store.SetDefaultAuthor(id)
	})
	return err
}

// GetDownloadPolicy loads a namespace's download policy.
func (h *Handle) GetDownloadPolicy(ctx context.Context, ns keys.NamespaceID) (replica.DownloadPolicy, error) {
	v, err := h.call(ctx, func(a *syncActor) (any, error) {
		return a.store.GetDownloadPolicy(ns)
	})
	if err != nil {
		return replica.DownloadPolicy{}, err
	}
	return v.(replica.DownloadPolicy), nil
}

// SetDownloadPolicy persists a namespace's download policy.
func (h *Handle) SetDownloadPolicy(ctx context.Context, ns keys.NamespaceID, p replica.DownloadPolicy) error {
	_, err := h.call(ctx, func(a *syncActor) (any, error) {
		return nil, a.store.SetDownloadPolicy(ns, p)
	})
	return err
}

// RegisterUsefulPeer records a peer that contributed to a namespace.
func (h *Handle) RegisterUsefulPeer(ctx context.Context, ns keys.NamespaceID, peer keys.NodeID) error {
	_, err := h.call(ctx, func(a *syncActor) (any, error) {
		return nil, a.store.RegisterUsefulPeer(ns, peer)
	})
	return err
}

// GetSyncPeers returns a namespace's useful peers, newest first.
func (h *Handle) GetSyncPeers(ctx context.Context, ns keys.NamespaceID) ([]keys.NodeID, error) {
	v, err := h.call(ctx, func(a *syncActor) (any, error) {
		return a.store.GetSyncPeers(ns)
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.([]keys.NodeID), nil
}

// ContentHashes returns the content hashes of all records across all
// replicas, for blob garbage collection roots.
func (h *Handle) ContentHashes(ctx context.Context) ([]entry.Hash, error) {
	v, err := h.call(ctx, func(a *syncActor) (any, error) {
		snap, err := a.store.Snapshot()
		if err != nil {
			return nil, err
		}
		defer snap.Close()
		return snap.ContentHashes()
	})
	if err != nil {
		return nil, err
	}
	return v.([]entry.Hash), nil
}
