package recordStore

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// ensureVersion checks the on-disk schema version and migrates older
// layouts forward. Unknown versions fail closed.
func (s *Store) ensureVersion() error {
	var version uint8
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyVersion)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if len(v) != 1 {
			return fmt.Errorf("recordStore: malformed version row: %x", v)
		}
		version = v[0]
		found = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("recordStore: read version: %w", err)
	}

	switch {
	case !found:
		// Fresh store.
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Set(keyVersion, []byte{storeVersion})
		})
		if err != nil {
			return fmt.Errorf("recordStore: write version: %w", err)
		}
		return nil
	case version == 1:
		if err := s.migrateV1(); err != nil {
			return fmt.Errorf("%w: %v", ErrMigrationFailed, err)
		}
		return nil
	case version == storeVersion:
		return nil
	default:
		return fmt.Errorf("%w: version %d", ErrUnknownVersion, version)
	}
}

// migrateV1 transcodes the version-1 layout: record rows lived under
// their own table and the per-author timestamp aggregate did not
// exist yet. Rows are copied in batches and source rows deleted only
// in the same batch as their copies, so an interrupted migration
// resumes on the next open; the version row advances last. A row that
// fails to transcode aborts the migration: its batch is rolled back and
// keeps its source rows, while batches committed before it stay in the
// new layout.
func (s *Store) migrateV1() error {
	s.log.Info("migrating record store from schema version 1")

	for {
		migrated, err := s.migrateV1Batch(1024)
		if err != nil {
			return err
		}
		if migrated == 0 {
			break
		}
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyVersion, []byte{storeVersion})
	})
	if err != nil {
		return fmt.Errorf("advance version row: %w", err)
	}
	s.log.Info("record store migration finished")
	return nil
}

func (s *Store) migrateV1Batch(limit int) (int, error) {
	migrated := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		type row struct {
			key   []byte
			value []byte
		}
		var rows []row
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		for it.Seek(prefixRecordV1); it.ValidForPrefix(prefixRecordV1) && len(rows) < limit; it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				it.Close()
				return err
			}
			rows = append(rows, row{key: item.KeyCopy(nil), value: value})
		}
		it.Close()

		for _, r := range rows {
			oldKey, value := r.key, r.value
			suffix := oldKey[len(prefixRecordV1):]
			newKey := append(append([]byte(nil), prefixRecord...), suffix...)
			id, err := parseRecordRowKey(newKey)
			if err != nil {
				return fmt.Errorf("transcode row %x: %w", oldKey, err)
			}
			se, err := decodeRecordValue(id, value)
			if err != nil {
				return fmt.Errorf("transcode row %x: %w", oldKey, err)
			}

			if err := txn.Set(newKey, value); err != nil {
				return err
			}
			if err := txn.Set(keyIndexRowKey(id), nil); err != nil {
				return err
			}
			// Build the author-head aggregate v1 lacked.
			headKey := latestRowKey(id.Namespace, id.Author)
			cur, err := txn.Get(headKey)
			raise := true
			if err == nil {
				v, err := cur.ValueCopy(nil)
				if err != nil {
					return err
				}
				if len(v) >= 8 && readUint64(v[:8]) >= se.Entry.Record.Timestamp {
					raise = false
				}
			} else if err != badger.ErrKeyNotFound {
				return err
			}
			if raise {
				val := appendUint64(nil, se.Entry.Record.Timestamp)
				val = append(val, id.Key...)
				if err := txn.Set(headKey, val); err != nil {
					return err
				}
			}
			if err := txn.Delete(oldKey); err != nil {
				return err
			}
			migrated++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return migrated, nil
}
