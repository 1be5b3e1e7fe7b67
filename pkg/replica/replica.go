package replica

import (
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-docs/pkg/entry"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/ranger"
)

var (
	// ErrNewerEntryExists means an insert lost against a stored entry
	// under last-writer-wins. For remote inserts this is a quiet
	// no-op at the session level; local callers are informed.
	ErrNewerEntryExists = errors.New("replica: newer entry exists for this key")
	// ErrClosed means the replica handle was closed.
	ErrClosed = errors.New("replica: replica is closed")
)

// ContentStatusFunc reports the local availability of a content hash.
type ContentStatusFunc func(hash entry.Hash) entry.ContentStatus

// Store is the storage surface a replica mutates: the ordered ranger
// index plus the aggregates the replica maintains around it.
type Store interface {
	ranger.Store
	// AuthorHead returns the maximum stored timestamp for the author,
	// with ok=false if the author has no entries.
	AuthorHead(author keys.AuthorID) (ts uint64, ok bool, err error)
	// DownloadPolicy returns the download policy for the namespace.
	DownloadPolicy() (DownloadPolicy, error)
}

// Info is the in-memory state of an open replica, shared between the
// ref-counted handles the actor hands out.
type Info struct {
	capability    keys.Capability
	subscribers   Subscribers
	contentStatus ContentStatusFunc
	closed        bool
}

// NewInfo builds replica state from a capability.
func NewInfo(capability keys.Capability) *Info {
	return &Info{capability: capability}
}

// Capability returns the access level of this replica.
func (i *Info) Capability() keys.Capability {
	return i.capability
}

// MergeCapability absorbs a stronger capability. Returns true on
// upgrade.
func (i *Info) MergeCapability(c keys.Capability) (bool, error) {
	return i.capability.Merge(c)
}

// Subscribe adds an event channel.
func (i *Info) Subscribe(ch chan<- Event) {
	i.subscribers.Subscribe(ch)
}

// Unsubscribe removes an event channel.
func (i *Info) Unsubscribe(ch chan<- Event) {
	i.subscribers.Unsubscribe(ch)
}

// SubscribersCount returns the number of live subscribers.
func (i *Info) SubscribersCount() int {
	return i.subscribers.Len()
}

// SendEvent dispatches an event to all subscribers.
func (i *Info) SendEvent(ev Event) {
	i.subscribers.Send(ev)
}

// SetContentStatusCallback installs the availability callback used
// for outgoing entries. Returns false if one is already set.
func (i *Info) SetContentStatusCallback(cb ContentStatusFunc) bool {
	if i.contentStatus != nil {
		return false
	}
	i.contentStatus = cb
	return true
}

// Close marks the replica state closed and signals subscribers by
// closing their channels.
func (i *Info) Close() {
	if i.closed {
		return
	}
	i.closed = true
	i.subscribers.CloseAll()
}

// Closed returns true once the replica state was closed.
func (i *Info) Closed() bool {
	return i.closed
}

func (i *Info) ensureOpen() error {
	if i.closed {
		return ErrClosed
	}
	return nil
}

// Replica binds replica state to a storage instance for the duration
// of an operation. All mutations must be serialized by the owner.
type Replica struct {
	store Store
	info  *Info
}

// New binds info to a store instance.
func New(store Store, info *Info) *Replica {
	return &Replica{store: store, info: info}
}

// ID returns the namespace identifier.
func (r *Replica) ID() keys.NamespaceID {
	return r.info.capability.ID()
}

// Info returns the shared replica state.
func (r *Replica) Info() *Info {
	return r.info
}

// Insert signs and stores a record for key under the given author.
// The timestamp is the current time, bumped to one microsecond past
// the author's newest entry so per-author order is strict. Returns
// the signed entry and the number of entries the insert displaced.
func (r *Replica) Insert(key []byte, author *keys.Author, hash entry.Hash, length uint64) (entry.SignedEntry, int, error) {
	if length == 0 || hash == entry.EmptyHash {
		return entry.SignedEntry{}, 0, entry.ErrEntryIsEmpty
	}
	if len(key) > entry.MaxKeySize {
		return entry.SignedEntry{}, 0, entry.ErrKeyTooLarge
	}
	if err := r.info.ensureOpen(); err != nil {
		return entry.SignedEntry{}, 0, err
	}
	secret, err := r.info.capability.Secret()
	if err != nil {
		return entry.SignedEntry{}, 0, err
	}

	ts, err := r.nextTimestamp(author.ID())
	if err != nil {
		return entry.SignedEntry{}, 0, err
	}
	id := entry.NewRecordIdentifier(r.ID(), author.ID(), key)
	e := entry.NewEntry(id, entry.NewRecord(hash, length, ts))
	signed := e.Sign(secret, author)

	removed, err := r.insertEntry(signed, originLocal{})
	if err != nil {
		return entry.SignedEntry{}, 0, err
	}
	return signed, removed, nil
}

// HashAndInsert hashes data with BLAKE3 and inserts the resulting
// record. The content bytes themselves are not stored.
func (r *Replica) HashAndInsert(key []byte, author *keys.Author, data []byte) (entry.Hash, error) {
	hash := entry.HashBytes(data)
	_, _, err := r.Insert(key, author, hash, uint64(len(data)))
	if err != nil {
		return entry.Hash{}, err
	}
	return hash, nil
}

// DeletePrefix writes a signed tombstone for prefix under author,
// clearing every entry of that author whose key starts with prefix.
// Returns the number of entries removed.
func (r *Replica) DeletePrefix(prefix []byte, author *keys.Author) (int, error) {
	if err := r.info.ensureOpen(); err != nil {
		return 0, err
	}
	secret, err := r.info.capability.Secret()
	if err != nil {
		return 0, err
	}
	ts, err := r.nextTimestamp(author.ID())
	if err != nil {
		return 0, err
	}
	id := entry.NewRecordIdentifier(r.ID(), author.ID(), prefix)
	e := entry.NewEntry(id, entry.NewRecord(entry.EmptyHash, 0, ts))
	signed := e.Sign(secret, author)
	return r.insertEntry(signed, originLocal{})
}

// InsertRemote validates and stores an entry received from a peer.
// Entries that lose against the stored state return
// ErrNewerEntryExists.
func (r *Replica) InsertRemote(signed entry.SignedEntry, from keys.NodeID, status entry.ContentStatus) (int, error) {
	if err := r.info.ensureOpen(); err != nil {
		return 0, err
	}
	return r.insertEntry(signed, originRemote{from: from, status: status})
}

// SetContentStatusCallback installs the availability callback.
func (r *Replica) SetContentStatusCallback(cb ContentStatusFunc) bool {
	return r.info.SetContentStatusCallback(cb)
}

// ContentStatus resolves the local availability of a hash through the
// registered callback, defaulting to missing.
func (r *Replica) ContentStatus(hash entry.Hash) entry.ContentStatus {
	if r.info.contentStatus == nil {
		return entry.ContentMissing
	}
	return r.info.contentStatus(hash)
}

// InitialMessage opens a reconciliation exchange over this replica.
func (r *Replica) InitialMessage() (*ranger.Message, error) {
	if err := r.info.ensureOpen(); err != nil {
		return nil, err
	}
	return ranger.InitialMessage(r.store)
}

// ProcessMessage handles one reconciliation round. Callback wiring:
// incoming entries validate like any remote insert, accepted entries
// emit remote-insert events, and outgoing entries carry the local
// content status.
func (r *Replica) ProcessMessage(cfg ranger.SyncConfig, msg *ranger.Message, from keys.NodeID, onInvalid func(entry.SignedEntry)) (*ranger.Message, error) {
	if err := r.info.ensureOpen(); err != nil {
		return nil, err
	}
	cb := ranger.Callbacks{
		Validate: func(e entry.SignedEntry, _ entry.ContentStatus) bool {
			if err := e.Validate(entry.Timestamp(), r.ID(), true); err != nil {
				if onInvalid != nil {
					onInvalid(e)
				}
				return false
			}
			return true
		},
		OnInsert: func(e entry.SignedEntry, status entry.ContentStatus) {
			r.emitInsert(e, originRemote{from: from, status: status})
		},
		ContentStatus: func(e entry.SignedEntry) entry.ContentStatus {
			return r.ContentStatus(e.Entry.Record.Hash)
		},
	}
	return ranger.ProcessMessage(r.store, cfg, msg, cb)
}

type originLocal struct{}

type originRemote struct {
	from   keys.NodeID
	status entry.ContentStatus
}

func (r *Replica) insertEntry(signed entry.SignedEntry, origin any) (int, error) {
	_, remote := origin.(originRemote)
	if err := signed.Validate(entry.Timestamp(), r.ID(), remote); err != nil {
		return 0, err
	}
	outcome, err := ranger.Put(r.store, signed)
	if err != nil {
		return 0, fmt.Errorf("replica: store put: %w", err)
	}
	if !outcome.Inserted {
		return 0, ErrNewerEntryExists
	}
	r.emitInsert(signed, origin)
	return outcome.Removed, nil
}

func (r *Replica) emitInsert(signed entry.SignedEntry, origin any) {
	switch o := origin.(type) {
	case originLocal:
		r.info.subscribers.Send(Event{
			Kind:      EventInsertLocal,
			Namespace: r.ID(),
			Entry:     signed,
		})
	case originRemote:
		policy, err := r.store.DownloadPolicy()
		if err != nil {
			policy = DefaultDownloadPolicy()
		}
		r.info.subscribers.Send(Event{
			Kind:                EventInsertRemote,
			Namespace:           r.ID(),
			Entry:               signed,
			From:                o.from,
			ShouldDownload:      policy.Matches(signed.Entry),
			RemoteContentStatus: o.status,
		})
	}
}

func (r *Replica) nextTimestamp(author keys.AuthorID) (uint64, error) {
	now := entry.Timestamp()
	head, ok, err := r.store.AuthorHead(author)
	if err != nil {
		return 0, fmt.Errorf("replica: author head: %w", err)
	}
	if ok && head+1 > now {
		return head + 1, nil
	}
	return now, nil
}
