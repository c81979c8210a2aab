package relaypool

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/potluck-btc/potluck/pkg/event"
)

// DefaultOutboxCapacity bounds the offline publish queue.
const DefaultOutboxCapacity = 1000

// Outbox is the bounded persistent queue for events published while no
// endpoint is connected. Delivery is at-least-once: Drain removes entries,
// and failed sends are re-appended.
type Outbox interface {
	Append(ev *event.Event) error
	Drain(max int) ([]*event.Event, error)
	Len() (int, error)
	Close() error
}

// MemoryOutbox is the in-process Outbox used for tests and ephemeral
// sessions.
type MemoryOutbox struct {
	mu       sync.Mutex
	events   []*event.Event
	capacity int
}

// NewMemoryOutbox creates a bounded in-memory outbox.
func NewMemoryOutbox(capacity int) *MemoryOutbox {
	if capacity <= 0 {
		capacity = DefaultOutboxCapacity
	}
	return &MemoryOutbox{capacity: capacity}
}

// Append implements Outbox.
func (m *MemoryOutbox) Append(ev *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) >= m.capacity {
		return ErrOutboxFull
	}
	m.events = append(m.events, ev)
	return nil
}

// Drain implements Outbox.
func (m *MemoryOutbox) Drain(max int) ([]*event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if max <= 0 || max > len(m.events) {
		max = len(m.events)
	}
	out := m.events[:max]
	m.events = append([]*event.Event(nil), m.events[max:]...)
	return out, nil
}

// Len implements Outbox.
func (m *MemoryOutbox) Len() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events), nil
}

// Close implements Outbox.
func (m *MemoryOutbox) Close() error { return nil }

const outboxPrefix = "outbox/"

// BadgerOutbox persists queued events across restarts.
type BadgerOutbox struct {
	db       *badger.DB
	capacity int

	mu   sync.Mutex
	next uint64
	size int
}

// NewBadgerOutbox creates an outbox over an open badger DB. The DB may be
// shared with other components; keys are namespaced.
func NewBadgerOutbox(db *badger.DB, capacity int) (*BadgerOutbox, error) {
	if capacity <= 0 {
		capacity = DefaultOutboxCapacity
	}
	ob := &BadgerOutbox{db: db, capacity: capacity}

	// Recover queue length and next sequence from existing keys.
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(outboxPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			seq := binary.BigEndian.Uint64(key[len(outboxPrefix):])
			if seq >= ob.next {
				ob.next = seq + 1
			}
			ob.size++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan outbox: %w", err)
	}
	return ob, nil
}

func outboxKey(seq uint64) []byte {
	key := make([]byte, len(outboxPrefix)+8)
	copy(key, outboxPrefix)
	binary.BigEndian.PutUint64(key[len(outboxPrefix):], seq)
	return key
}

// Append implements Outbox.
func (b *BadgerOutbox) Append(ev *event.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size >= b.capacity {
		return ErrOutboxFull
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	seq := b.next
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(outboxKey(seq), data)
	})
	if err != nil {
		return fmt.Errorf("append outbox: %w", err)
	}
	b.next++
	b.size++
	return nil
}

// Drain implements Outbox. Entries come back in append order and are removed
// from the queue.
func (b *BadgerOutbox) Drain(max int) ([]*event.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var events []*event.Event
	var keys [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(outboxPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if max > 0 && len(events) >= max {
				break
			}
			item := it.Item()
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var ev event.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				return err
			}
			events = append(events, &ev)
			keys = append(keys, item.KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain outbox: %w", err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("delete drained: %w", err)
	}
	b.size -= len(events)
	return events, nil
}

// Len implements Outbox.
func (b *BadgerOutbox) Len() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size, nil
}

// Close implements Outbox. The underlying DB is owned by the caller and is
// not closed here.
func (b *BadgerOutbox) Close() error { return nil }
