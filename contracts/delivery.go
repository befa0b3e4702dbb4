package contracts

import (
	"context"
	"time"

	"github.com/goccy/go-json"
)

// Delivery is one inbound message handed to a Handler
type Delivery struct {
	Topic       string
	MessageID   string
	DeliveryTag uint64
	Redelivered bool
	Timestamp   time.Time
	Headers     map[string]any
	Body        []byte
	Payload     map[string]any
}

// Decode unmarshals the raw body into v
func (d *Delivery) Decode(v any) error {
	if err := json.Unmarshal(d.Body, v); err != nil {
		return &PayloadError{Topic: d.Topic, MessageID: d.MessageID, Err: err}
	}
	return nil
}

// Handler processes a delivery. A nil error acknowledges it; any error
// discards it without redelivery.
type Handler interface {
	Handle(ctx context.Context, delivery *Delivery) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, delivery *Delivery) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, delivery *Delivery) error {
	return f(ctx, delivery)
}
