package store

import (
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/potluck-btc/potluck/pkg/event"
	"github.com/potluck-btc/potluck/pkg/logging"
)

const eventPrefix = "event/"

// BadgerStore is the on-disk Store.
type BadgerStore struct {
	db  *badger.DB
	log *logging.Logger
}

// OpenBadger opens (or creates) a store at dir. An empty dir opens an
// in-memory database, used by tests.
func OpenBadger(dir string, log *logging.Logger) (*BadgerStore, error) {
	if log == nil {
		log = logging.New(nil)
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	return &BadgerStore{db: db, log: log.WithComponent("store")}, nil
}

// Put implements Store.
func (s *BadgerStore) Put(ev *event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(eventPrefix+ev.ID), data)
	})
}

// Get implements Store.
func (s *BadgerStore) Get(id string) (*event.Event, error) {
	var ev event.Event
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(eventPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ev)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// Query implements Store with a full prefix scan. The store holds one
// device's history, not a relay's, so the scan stays small.
func (s *BadgerStore) Query(f *Filter) ([]*event.Event, error) {
	var out []*event.Event
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(eventPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var ev event.Event
				if err := json.Unmarshal(val, &ev); err != nil {
					s.log.Warn("corrupt record skipped", "key", string(it.Item().Key()))
					return nil
				}
				if f == nil || f.Matches(&ev) {
					out = append(out, &ev)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
