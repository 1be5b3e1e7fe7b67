// Package recordStore persists synced documents in a badger keyspace:
// the ordered record index, namespace and author key material, the
// per-author timestamp aggregate, download policies and the
// useful-peer cache. All mutations flow through one held write
// transaction that is coalesced and flushed on a fixed interval, on
// snapshot and on close.
package recordStore

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-docs/pkg/keys"
)

var (
	// ErrNotFound means the namespace or author row is absent.
	ErrNotFound = errors.New("recordStore: not found")
	// ErrClosed means the store was closed.
	ErrClosed = errors.New("recordStore: store is closed")
	// ErrUnknownVersion means the on-disk schema is newer than this
	// code understands. The store refuses to open.
	ErrUnknownVersion = errors.New("recordStore: unknown on-disk schema version")
	// ErrMigrationFailed means transcoding an older schema failed and
	// the store refuses to open. Source rows of the failing batch are
	// kept; batches committed before it are already in the new layout.
	ErrMigrationFailed = errors.New("recordStore: schema migration failed")
)

// usefulPeersPerNamespace bounds the LRU of peers that recently
// contributed entries to a namespace.
const usefulPeersPerNamespace = 5

// defaultFlushInterval is the write-coalescing window.
const defaultFlushInterval = 500 * time.Millisecond

// StoreConfig configures the record store.
type StoreConfig struct {
	// Path is the badger data directory.
	Path string
	// MinimumFreeGB refuses to open when the filesystem has less free
	// space, in GB. Zero disables the check.
	MinimumFreeGB uint
	// Logger is an optional logger. If nil, a default one is used.
	Logger *logrus.Logger
	// FlushInterval overrides the write-coalescing window.
	FlushInterval time.Duration
}

func (c *StoreConfig) check() error {
	if c.Path == "" {
		return fmt.Errorf("recordStore: no path configured")
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	return nil
}

// Store is the badger-backed persistence layer.
type Store struct {
	config StoreConfig
	log    *logrus.Logger
	db     *badger.DB

	mu     sync.Mutex
	txn    *badger.Txn
	dirty  bool
	closed bool

	peerCaches map[keys.NamespaceID]*lru.Cache[keys.NodeID, int64]

	done chan struct{}
	wg   sync.WaitGroup
}

// Open opens or creates a store at the configured path, migrating
// older on-disk schemas forward.
func Open(config StoreConfig) (*Store, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	log := config.Logger

	if err := config.check(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(config.Path, 0o700); err != nil {
		return nil, fmt.Errorf("recordStore: mkdir %s: %w", config.Path, err)
	}
	if err := checkFreeSpace(config.Path, config.MinimumFreeGB, log); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("recordStore: open badger at %s: %w", config.Path, err)
	}

	s := &Store{
		config:     config,
		log:        log,
		db:         db,
		peerCaches: make(map[keys.NamespaceID]*lru.Cache[keys.NodeID, int64]),
		done:       make(chan struct{}),
	}

	if err := s.ensureVersion(); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.flushLoop()

	return s, nil
}

// checkFreeSpace logs disk usage and enforces the free-space floor.
func checkFreeSpace(path string, minimumFreeGB uint, log *logrus.Logger) error {
	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("recordStore: disk usage for %s: %w", path, err)
	}
	freeGB := float64(usage.Free) / 1e9
	log.WithFields(logrus.Fields{
		"path":       path,
		"total (GB)": fmt.Sprintf("%.2f", float64(usage.Total)/1e9),
		"free (GB)":  fmt.Sprintf("%.2f", freeGB),
	}).Info("record store disk usage")
	if minimumFreeGB > 0 && freeGB < float64(minimumFreeGB) {
		return fmt.Errorf("recordStore: %.2f GB free below required %d GB", freeGB, minimumFreeGB)
	}
	return nil
}

func (s *Store) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.log.WithField("err", err).Error("record store flush failed")
			}
		case <-s.done:
			return
		}
	}
}

// writeTxn returns the held write transaction, creating one on
// demand. Callers must hold s.mu.
func (s *Store) writeTxn() *badger.Txn {
	if s.txn == nil {
		s.txn = s.db.NewTransaction(true)
	}
	s.dirty = true
	return s.txn
}

// readTxn returns a transaction suitable for reads that must observe
// the writes of the current batch. Callers must hold s.mu.
func (s *Store) readTxn() *badger.Txn {
	if s.txn != nil {
		return s.txn
	}
	s.txn = s.db.NewTransaction(true)
	return s.txn
}

// setInTxn writes a key, committing and renewing the transaction when
// badger reports it full.
func (s *Store) setInTxn(key, value []byte) error {
	err := s.writeTxn().Set(key, value)
	if errors.Is(err, badger.ErrTxnTooBig) {
		if err := s.flushLocked(); err != nil {
			return err
		}
		err = s.writeTxn().Set(key, value)
	}
	return err
}

func (s *Store) deleteInTxn(key []byte) error {
	err := s.writeTxn().Delete(key)
	if errors.Is(err, badger.ErrTxnTooBig) {
		if err := s.flushLocked(); err != nil {
			return err
		}
		err = s.writeTxn().Delete(key)
	}
	return err
}

// getInTxn reads a key through the current transaction. Returns nil
// with no error when the key is absent.
func (s *Store) getInTxn(key []byte) ([]byte, error) {
	item, err := s.readTxn().Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// Flush commits the pending write batch.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	if s.txn == nil {
		return nil
	}
	txn := s.txn
	s.txn = nil
	dirty := s.dirty
	s.dirty = false
	if !dirty {
		txn.Discard()
		return nil
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("recordStore: commit: %w", err)
	}
	return nil
}

// Close flushes pending writes and releases the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	err := s.flushLocked()
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()

	if cerr := s.db.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("recordStore: close badger: %w", cerr)
	}
	return err
}

// GarbageCollect runs a badger value log GC pass.
func (s *Store) GarbageCollect() error {
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("recordStore: sync: %w", err)
	}
	err := s.db.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("recordStore: value log gc: %w", err)
	}
	return nil
}

// Snapshot flushes pending writes and returns an owned read-only view
// of the store. Iterators created from it stay stable across
// concurrent writes. The caller must Close it.
func (s *Store) Snapshot() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := s.flushLocked(); err != nil {
		return nil, err
	}
	return &Snapshot{txn: s.db.NewTransaction(false)}, nil
}

// Snapshot is a stable read-only view of the store.
type Snapshot struct {
	txn *badger.Txn
}

// Close releases the snapshot.
func (sn *Snapshot) Close() {
	sn.txn.Discard()
}
