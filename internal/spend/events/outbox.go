package events

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"

	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
)

// Outbox parks event batches no sink accepted, in a local Badger database,
// until Publisher.Redeliver gets them out.
type Outbox struct {
	db *badger.DB
}

// OpenOutbox opens the outbox at path. An empty path keeps it in memory.
func OpenOutbox(path string) (*Outbox, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening outbox: %w", err)
	}
	return &Outbox{db: db}, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

var outboxSeq atomic.Uint64

// key format: unixnano:seq:batchID, so iteration is oldest first
func outboxKey(at time.Time) []byte {
	return []byte(fmt.Sprintf("%020d:%010d:%s", at.UnixNano(), outboxSeq.Add(1), uuid.New()))
}

// Store appends one batch.
func (o *Outbox) Store(events []interfaces.Event) error {
	val, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}
	return o.db.Update(func(txn *badger.Txn) error {
		return txn.Set(outboxKey(time.Now()), val)
	})
}

// Len returns the number of parked batches.
func (o *Outbox) Len() (int, error) {
	n := 0
	err := o.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Drain hands up to limit batches, oldest first, to deliver and deletes
// those it reports as delivered. It stops at the first failed batch so
// ordering is kept.
func (o *Outbox) Drain(limit int, deliver func([]interfaces.Event) bool) error {
	type parked struct {
		key    []byte
		events []interfaces.Event
	}
	var batches []parked
	err := o.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid() && (limit <= 0 || len(batches) < limit); it.Next() {
			item := it.Item()
			var events []interfaces.Event
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &events) }); err != nil {
				return err
			}
			batches = append(batches, parked{key: item.KeyCopy(nil), events: events})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read outbox: %w", err)
	}

	for _, b := range batches {
		if !deliver(b.events) {
			return nil
		}
		if err := o.db.Update(func(txn *badger.Txn) error { return txn.Delete(b.key) }); err != nil {
			return fmt.Errorf("failed to delete delivered batch: %w", err)
		}
	}
	return nil
}
