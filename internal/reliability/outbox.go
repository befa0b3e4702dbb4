package reliability

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is a message waiting to be published
type Entry struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Body      []byte    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewEntry creates an entry with a generated id
func NewEntry(topic string, body []byte) Entry {
	return Entry{
		ID:        uuid.NewString(),
		Topic:     topic,
		Body:      body,
		CreatedAt: time.Now(),
	}
}

// Outbox stores unpublished entries in insertion order
type Outbox interface {
	// Put appends an entry
	Put(ctx context.Context, entry Entry) error
	// Drain hands entries to fn oldest first and removes each one fn accepts.
	// It stops at the first error and returns how many entries were drained.
	Drain(ctx context.Context, fn func(Entry) error) (int, error)
	// Len returns the number of stored entries
	Len() int
	// Close releases resources; further use fails with ErrOutboxClosed
	Close() error
}

// MemoryOutbox is a bounded in-process Outbox
type MemoryOutbox struct {
	mu       sync.Mutex
	drainMu  sync.Mutex
	entries  []Entry
	capacity int
	closed   bool
}

// NewMemoryOutbox creates an outbox holding at most capacity entries; 0 is unbounded
func NewMemoryOutbox(capacity int) *MemoryOutbox {
	return &MemoryOutbox{capacity: capacity}
}

// Put implements Outbox
func (o *MemoryOutbox) Put(ctx context.Context, entry Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrOutboxClosed
	}
	if o.capacity > 0 && len(o.entries) >= o.capacity {
		return &OutboxError{Op: "put", EntryID: entry.ID, Err: ErrOutboxFull, Timestamp: time.Now()}
	}

	o.entries = append(o.entries, entry)
	return nil
}

// Drain implements Outbox
func (o *MemoryOutbox) Drain(ctx context.Context, fn func(Entry) error) (int, error) {
	o.drainMu.Lock()
	defer o.drainMu.Unlock()

	drained := 0
	for {
		if err := ctx.Err(); err != nil {
			return drained, err
		}

		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return drained, ErrOutboxClosed
		}
		if len(o.entries) == 0 {
			o.mu.Unlock()
			return drained, nil
		}
		head := o.entries[0]
		o.mu.Unlock()

		if err := fn(head); err != nil {
			return drained, err
		}

		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return drained + 1, ErrOutboxClosed
		}
		// only Drain removes entries and drainMu is held, so head is still first
		o.entries = o.entries[1:]
		o.mu.Unlock()
		drained++
	}
}

// Len implements Outbox
func (o *MemoryOutbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Close implements Outbox
func (o *MemoryOutbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.entries = nil
	return nil
}

func validateEntry(entry Entry) error {
	if entry.ID == "" || entry.Topic == "" {
		return &OutboxError{Op: "put", EntryID: entry.ID, Err: ErrInvalidEntry, Timestamp: time.Now()}
	}
	return nil
}
