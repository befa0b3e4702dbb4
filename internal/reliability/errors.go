package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Outbox errors
	ErrOutboxFull   = errors.New("outbox: capacity reached")
	ErrOutboxClosed = errors.New("outbox: closed")
	ErrInvalidEntry = errors.New("outbox: invalid entry")
)

// OutboxError represents a failed outbox operation
type OutboxError struct {
	Op        string
	EntryID   string
	Err       error
	Timestamp time.Time
}

func (e *OutboxError) Error() string {
	if e.EntryID != "" {
		return fmt.Sprintf("outbox %s failed for entry %s: %v", e.Op, e.EntryID, e.Err)
	}
	return fmt.Sprintf("outbox %s failed: %v", e.Op, e.Err)
}

func (e *OutboxError) Unwrap() error {
	return e.Err
}
