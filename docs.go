// Package docs is a library for multi-writer, multi-dimensional
// key-value documents that synchronize between mutually distrusting
// peers. Each document is an authenticated set of signed records
// indexed by (author, key); record content lives in an external
// content-addressed blob store and only its hash, length and
// timestamp are replicated.
package docs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-docs/internal/actor"
	"github.com/i5heu/ouroboros-docs/internal/engine"
	"github.com/i5heu/ouroboros-docs/internal/netSync"
	"github.com/i5heu/ouroboros-docs/internal/recordStore"
	"github.com/i5heu/ouroboros-docs/internal/transport"
	"github.com/i5heu/ouroboros-docs/pkg/entry"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/logging"
	"github.com/i5heu/ouroboros-docs/pkg/replica"
	"github.com/i5heu/ouroboros-docs/pkg/ticket"
)

var (
	// ErrNotStarted means the database has not been started yet.
	ErrNotStarted = errors.New("docs: database not started")
	// ErrClosed means the database was closed.
	ErrClosed = errors.New("docs: database closed")
)

// Aliases for the storage-layer types that appear in the public API.
type (
	// Query describes a filtered, ordered read over a document.
	Query = recordStore.Query
	// QueryIterator streams query results from a snapshot.
	QueryIterator = recordStore.QueryIterator
	// KeyFilter restricts a query by key.
	KeyFilter = recordStore.KeyFilter
	// NamespaceInfo is one row of ListDocs.
	NamespaceInfo = recordStore.NamespaceInfo
	// ImportOutcome reports what an import did.
	ImportOutcome = recordStore.ImportOutcome
	// Event is a document notification delivered to subscribers.
	Event = replica.Event
	// Conn is an established connection to a peer.
	Conn = transport.Conn
	// Dialer establishes connections to peers.
	Dialer = transport.Dialer
	// Gossip is the consumed membership collaborator.
	Gossip = engine.Gossip
	// ContentStore is the consumed blob store collaborator.
	ContentStore = engine.ContentStore
)

// DocsDB is the top-level handle. It owns the record store, the sync
// actor and the live sync engine.
type DocsDB struct {
	log    *slog.Logger
	config Config

	store  *recordStore.Store
	actor  *actor.Handle
	engine *engine.Engine

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New constructs a handle. New does not perform I/O or start
// background goroutines; call Start.
func New(conf Config) (*DocsDB, error) {
	if len(conf.Paths) == 0 {
		return nil, fmt.Errorf("docs: at least one path must be provided in config")
	}
	if conf.Logger == nil {
		conf.Logger = logging.Default()
	}
	return &DocsDB{log: conf.Logger, config: conf}, nil
}

// Start opens the record store and starts the actor and the live
// sync engine. Only the first call has effect.
func (d *DocsDB) Start(ctx context.Context) error {
	var startErr error
	d.startOnce.Do(func() {
		storeLog := d.config.StoreLogger
		if storeLog == nil {
			storeLog = logrus.New()
		}
		store, err := recordStore.Open(recordStore.StoreConfig{
			Path:          filepath.Join(d.config.Paths[0], "docs"),
			MinimumFreeGB: d.config.MinimumFreeGB,
			Logger:        storeLog,
			FlushInterval: d.config.FlushInterval,
		})
		if err != nil {
			startErr = fmt.Errorf("docs: open record store: %w", err)
			return
		}
		d.store = store
		d.actor = actor.New(store, d.log)
		d.engine = engine.New(
			d.actor,
			d.config.Dialer,
			d.config.Gossip,
			d.config.Content,
			d.config.LocalNode,
			d.sessionConfig(),
			d.log,
		)
		d.started.Store(true)
	})
	return startErr
}

func (d *DocsDB) sessionConfig() netSync.Config {
	cfg := netSync.DefaultConfig()
	if d.config.SessionTimeout > 0 {
		cfg.SessionTimeout = d.config.SessionTimeout
	}
	if d.config.RoundTimeout > 0 {
		cfg.RoundTimeout = d.config.RoundTimeout
	}
	return cfg
}

func (d *DocsDB) ready() error {
	if !d.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// Close shuts down the engine, drains the actor and releases the
// store. Only the first call has effect; Close waits for the actor
// to terminate.
func (d *DocsDB) Close(ctx context.Context) error {
	if d.store == nil {
		return ErrNotStarted
	}
	var closeErr error
	d.closeOnce.Do(func() {
		d.engine.Shutdown()
		if err := d.actor.Shutdown(ctx); err != nil {
			closeErr = err
		}
		if err := d.store.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
		d.started.Store(false)
	})
	return closeErr
}

// CreateDoc generates a new writable document.
func (d *DocsDB) CreateDoc(ctx context.Context) (keys.Capability, error) {
	if err := d.ready(); err != nil {
		return keys.Capability{}, err
	}
	return d.actor.CreateReplica(ctx, nil)
}

// ImportDoc registers a capability, upgrading a stored one when the
// new capability is stronger.
func (d *DocsDB) ImportDoc(ctx context.Context, c keys.Capability) (ImportOutcome, error) {
	if err := d.ready(); err != nil {
		return recordStore.ImportNoChange, err
	}
	return d.actor.ImportNamespace(ctx, c)
}

// DropDoc deletes a document and all its records. The document must
// be closed.
func (d *DocsDB) DropDoc(ctx context.Context, ns keys.NamespaceID) error {
	if err := d.ready(); err != nil {
		return err
	}
	return d.actor.RemoveReplica(ctx, ns)
}

// ListDocs returns all stored documents.
func (d *DocsDB) ListDocs(ctx context.Context) ([]NamespaceInfo, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	return d.actor.ListReplicas(ctx)
}

// OpenDoc opens a document for reads, writes and sync. Opens are
// counted.
func (d *DocsDB) OpenDoc(ctx context.Context, ns keys.NamespaceID) error {
	if err := d.ready(); err != nil {
		return err
	}
	return d.actor.Open(ctx, ns)
}

// CloseDoc drops one open handle; the last close releases the
// in-memory state.
func (d *DocsDB) CloseDoc(ctx context.Context, ns keys.NamespaceID) (bool, error) {
	if err := d.ready(); err != nil {
		return false, err
	}
	return d.actor.Close(ctx, ns)
}

// OpenHandles returns the number of open handles on a document.
func (d *DocsDB) OpenHandles(ctx context.Context, ns keys.NamespaceID) (int, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	return d.actor.OpenHandles(ctx, ns)
}

// Insert stores a record under an open, writable document.
func (d *DocsDB) Insert(ctx context.Context, ns keys.NamespaceID, author *keys.Author, key []byte, hash entry.Hash, length uint64) (entry.SignedEntry, error) {
	if err := d.ready(); err != nil {
		return entry.SignedEntry{}, err
	}
	return d.actor.Insert(ctx, ns, author, key, hash, length)
}

// HashAndInsert hashes data and stores the resulting record; the
// bytes themselves belong in the blob store.
func (d *DocsDB) HashAndInsert(ctx context.Context, ns keys.NamespaceID, author *keys.Author, key, data []byte) (entry.Hash, error) {
	if err := d.ready(); err != nil {
		return entry.Hash{}, err
	}
	return d.actor.HashAndInsert(ctx, ns, author, key, data)
}

// DeletePrefix tombstones all of an author's keys under prefix and
// returns how many entries were removed.
func (d *DocsDB) DeletePrefix(ctx context.Context, ns keys.NamespaceID, author *keys.Author, prefix []byte) (int, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	return d.actor.DeletePrefix(ctx, ns, author, prefix)
}

// GetExact returns the entry under (author, key), or nil.
func (d *DocsDB) GetExact(ctx context.Context, ns keys.NamespaceID, author keys.AuthorID, key []byte, includeEmpty bool) (*entry.SignedEntry, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	return d.actor.GetExact(ctx, ns, author, key, includeEmpty)
}

// GetMany returns a snapshot-backed iterator over query results. The
// caller must close it.
func (d *DocsDB) GetMany(ctx context.Context, ns keys.NamespaceID, q Query) (*QueryIterator, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	return d.actor.GetMany(ctx, ns, q)
}

// Subscribe attaches a bounded event channel to an open document.
func (d *DocsDB) Subscribe(ctx context.Context, ns keys.NamespaceID, ch chan<- Event) error {
	if err := d.ready(); err != nil {
		return err
	}
	return d.actor.Subscribe(ctx, ns, ch)
}

// Unsubscribe detaches an event channel.
func (d *DocsDB) Unsubscribe(ctx context.Context, ns keys.NamespaceID, ch chan<- Event) error {
	if err := d.ready(); err != nil {
		return err
	}
	return d.actor.Unsubscribe(ctx, ns, ch)
}

// CreateAuthor mints and persists a fresh author.
func (d *DocsDB) CreateAuthor(ctx context.Context) (*keys.Author, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	return d.actor.CreateAuthor(ctx, nil)
}

// ImportAuthor persists an author keypair.
func (d *DocsDB) ImportAuthor(ctx context.Context, author *keys.Author) error {
	if err := d.ready(); err != nil {
		return err
	}
	return d.actor.ImportAuthor(ctx, author)
}

// ListAuthors returns all stored author ids.
func (d *DocsDB) ListAuthors(ctx context.Context) ([]keys.AuthorID, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	return d.actor.ListAuthors(ctx)
}

// DeleteAuthor removes an author that no retained record references.
func (d *DocsDB) DeleteAuthor(ctx context.Context, id keys.AuthorID) error {
	if err := d.ready(); err != nil {
		return err
	}
	return d.actor.DeleteAuthor(ctx, id)
}

// DefaultAuthor returns the persisted default author, or nil.
func (d *DocsDB) DefaultAuthor(ctx context.Context) (*keys.Author, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	return d.actor.DefaultAuthor(ctx)
}

// SetDefaultAuthor persists the default author pointer.
func (d *DocsDB) SetDefaultAuthor(ctx context.Context, id keys.AuthorID) error {
	if err := d.ready(); err != nil {
		return err
	}
	return d.actor.SetDefaultAuthor(ctx, id)
}

// GetDownloadPolicy loads a document's download policy.
func (d *DocsDB) GetDownloadPolicy(ctx context.Context, ns keys.NamespaceID) (replica.DownloadPolicy, error) {
	if err := d.ready(); err != nil {
		return replica.DownloadPolicy{}, err
	}
	return d.actor.GetDownloadPolicy(ctx, ns)
}

// SetDownloadPolicy persists a document's download policy.
func (d *DocsDB) SetDownloadPolicy(ctx context.Context, ns keys.NamespaceID, p replica.DownloadPolicy) error {
	if err := d.ready(); err != nil {
		return err
	}
	return d.actor.SetDownloadPolicy(ctx, ns, p)
}

// AuthorHeads returns the per-author maximum timestamps of a
// document.
func (d *DocsDB) AuthorHeads(ctx context.Context, ns keys.NamespaceID) (map[keys.AuthorID]uint64, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	return d.actor.AuthorHeads(ctx, ns)
}

// ContentHashes returns the content hashes of all records across all
// documents, for blob garbage collection roots.
func (d *DocsDB) ContentHashes(ctx context.Context) ([]entry.Hash, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	return d.actor.ContentHashes(ctx)
}

// StartSync joins the document's swarm and dials sessions to the
// given peers plus any stored useful peers.
func (d *DocsDB) StartSync(ctx context.Context, ns keys.NamespaceID, peers []keys.NodeID) error {
	if err := d.ready(); err != nil {
		return err
	}
	return d.engine.StartSync(ctx, ns, peers)
}

// StopSync leaves the swarm for a document.
func (d *DocsDB) StopSync(ctx context.Context, ns keys.NamespaceID) error {
	if err := d.ready(); err != nil {
		return err
	}
	return d.engine.StopSync(ctx, ns)
}

// AcceptSync serves an inbound sync connection.
func (d *DocsDB) AcceptSync(conn Conn) error {
	if err := d.ready(); err != nil {
		return err
	}
	d.engine.AcceptSync(conn)
	return nil
}

// ShareTicket exports a document as a ticket with the given mode and
// bootstrap nodes.
func (d *DocsDB) ShareTicket(ctx context.Context, ns keys.NamespaceID, nodes []ticket.NodeAddr, mode keys.CapabilityKind) (string, error) {
	if err := d.ready(); err != nil {
		return "", err
	}
	capability, err := d.actor.Capability(ctx, ns)
	if err != nil {
		return "", err
	}
	if mode == keys.CapabilityRead && capability.Kind() == keys.CapabilityWrite {
		capability = keys.ReadCapability(capability.ID())
	}
	return ticket.New(capability, nodes, mode).String(), nil
}

// ImportTicket validates and sanitizes a ticket, registers the
// document and starts syncing with the ticket's nodes.
func (d *DocsDB) ImportTicket(ctx context.Context, s string) (keys.NamespaceID, error) {
	if err := d.ready(); err != nil {
		return keys.NamespaceID{}, err
	}
	t, err := ticket.Parse(s)
	if err != nil {
		return keys.NamespaceID{}, err
	}
	t = t.Sanitize(d.config.LocalNode)

	capability := t.Capability
	if t.Mode == keys.CapabilityRead && capability.Kind() == keys.CapabilityWrite {
		capability = keys.ReadCapability(capability.ID())
	}
	if _, err := d.actor.ImportNamespace(ctx, capability); err != nil {
		return keys.NamespaceID{}, err
	}
	if err := d.actor.Open(ctx, capability.ID()); err != nil {
		return keys.NamespaceID{}, err
	}
	peers := make([]keys.NodeID, 0, len(t.Nodes))
	for _, n := range t.Nodes {
		peers = append(peers, n.ID)
	}
	if len(peers) > 0 {
		if err := d.engine.StartSync(ctx, capability.ID(), peers); err != nil {
			return keys.NamespaceID{}, err
		}
	}
	return capability.ID(), nil
}
