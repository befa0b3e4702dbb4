package rabbitmq

import (
	"context"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends persistent messages to durable queues through the default exchange
type Publisher struct {
	manager        *ConnectionManager
	publishTimeout time.Duration
	contentType    string
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublishTimeout bounds a publish when the caller's ctx has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithContentType overrides the default application/json content type
func WithContentType(contentType string) PublisherOption {
	return func(p *Publisher) {
		p.contentType = contentType
	}
}

// NewPublisher creates a new publisher
func NewPublisher(manager *ConnectionManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		manager:        manager,
		publishTimeout: 10 * time.Second,
		contentType:    "application/json",
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishOption adjusts a single outgoing message
type PublishOption func(*amqp.Publishing)

// WithMessageID sets the message id instead of generating one
func WithMessageID(id string) PublishOption {
	return func(msg *amqp.Publishing) {
		msg.MessageId = id
	}
}

// WithHeaders sets message headers
func WithHeaders(headers amqp.Table) PublishOption {
	return func(msg *amqp.Publishing) {
		msg.Headers = headers
	}
}

// Publish declares the durable queue and publishes body to it. No publisher
// confirm is awaited; the broker owns the message once the frame is written.
func (p *Publisher) Publish(ctx context.Context, queue string, body []byte, opts ...PublishOption) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	msg := amqp.Publishing{
		ContentType:  p.contentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	}
	for _, opt := range opts {
		opt(&msg)
	}

	err := p.manager.Execute(ctx, func(ch Channel) error {
		if err := DurableQueue(queue).Declare(ch); err != nil {
			return err
		}
		return ch.PublishWithContext(ctx, "", queue, false, false, msg)
	})
	if err != nil {
		return &PublishError{
			Queue:     queue,
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}
