package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// Key layout for BadgerDB storage
const (
	outboxKeyPrefix   = "outbox:"
	outboxSequenceKey = "outbox_seq"
)

// BadgerOutbox is an Outbox persisted in BadgerDB. Keys carry a zero-padded
// sequence number so iteration order is insertion order.
type BadgerOutbox struct {
	db       *badger.DB
	ownsDB   bool
	seq      *badger.Sequence
	capacity int

	mu      sync.Mutex
	drainMu sync.Mutex
	count   int
	closed  bool
}

// OpenBadgerOutbox opens (or creates) a BadgerDB at path for the outbox
func OpenBadgerOutbox(path string, capacity int) (*BadgerOutbox, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open outbox db: %w", err)
	}

	o, err := NewBadgerOutbox(db, capacity)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	o.ownsDB = true
	return o, nil
}

// NewBadgerOutbox creates an outbox on an already open BadgerDB
func NewBadgerOutbox(db *badger.DB, capacity int) (*BadgerOutbox, error) {
	seq, err := db.GetSequence([]byte(outboxSequenceKey), 100)
	if err != nil {
		return nil, fmt.Errorf("outbox sequence: %w", err)
	}

	o := &BadgerOutbox{
		db:       db,
		seq:      seq,
		capacity: capacity,
	}

	count, err := o.countKeys()
	if err != nil {
		_ = seq.Release()
		return nil, err
	}
	o.count = count

	return o, nil
}

// Put implements Outbox
func (o *BadgerOutbox) Put(ctx context.Context, entry Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrOutboxClosed
	}
	if o.capacity > 0 && o.count >= o.capacity {
		return &OutboxError{Op: "put", EntryID: entry.ID, Err: ErrOutboxFull, Timestamp: time.Now()}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	n, err := o.seq.Next()
	if err != nil {
		return &OutboxError{Op: "put", EntryID: entry.ID, Err: err, Timestamp: time.Now()}
	}

	err = o.db.Update(func(txn *badger.Txn) error {
		return txn.Set(outboxKey(n), data)
	})
	if err != nil {
		return &OutboxError{Op: "put", EntryID: entry.ID, Err: err, Timestamp: time.Now()}
	}

	o.count++
	return nil
}

// Drain implements Outbox
func (o *BadgerOutbox) Drain(ctx context.Context, fn func(Entry) error) (int, error) {
	o.drainMu.Lock()
	defer o.drainMu.Unlock()

	drained := 0
	for {
		if err := ctx.Err(); err != nil {
			return drained, err
		}
		if o.isClosed() {
			return drained, ErrOutboxClosed
		}

		key, entry, err := o.head()
		if err != nil {
			return drained, err
		}
		if key == nil {
			return drained, nil
		}

		if err := fn(entry); err != nil {
			return drained, err
		}

		if err := o.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		}); err != nil {
			return drained, &OutboxError{Op: "delete", EntryID: entry.ID, Err: err, Timestamp: time.Now()}
		}

		o.mu.Lock()
		o.count--
		o.mu.Unlock()
		drained++
	}
}

// head returns the oldest entry, or a nil key when the outbox is empty.
func (o *BadgerOutbox) head() ([]byte, Entry, error) {
	var (
		key   []byte
		entry Entry
	)

	err := o.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(outboxKeyPrefix)
		opts.PrefetchSize = 1

		it := txn.NewIterator(opts)
		defer it.Close()

		it.Rewind()
		if !it.Valid() {
			return nil
		}

		item := it.Item()
		key = item.KeyCopy(nil)
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		return nil, Entry{}, &OutboxError{Op: "read", Err: err, Timestamp: time.Now()}
	}

	return key, entry, nil
}

func (o *BadgerOutbox) countKeys() (int, error) {
	count := 0
	err := o.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(outboxKeyPrefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count outbox entries: %w", err)
	}
	return count, nil
}

// Len implements Outbox
func (o *BadgerOutbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count
}

// Close implements Outbox. The database is closed only if the outbox opened it.
func (o *BadgerOutbox) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	// wait for an in-progress drain
	o.drainMu.Lock()
	defer o.drainMu.Unlock()

	err := o.seq.Release()
	if o.ownsDB {
		err = errors.Join(err, o.db.Close())
	}
	return err
}

func (o *BadgerOutbox) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func outboxKey(n uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", outboxKeyPrefix, n))
}
