package messaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/goccy/go-json"

	"github.com/glimte/cadence/internal/metrics"
	"github.com/glimte/cadence/internal/rabbitmq"
	"github.com/glimte/cadence/internal/reliability"
)

// Transport publishes raw bodies to a queue
type Transport interface {
	Publish(ctx context.Context, queue string, body []byte, opts ...rabbitmq.PublishOption) error
}

// Publisher publishes JSON events by topic
type Publisher struct {
	transport Transport
	outbox    reliability.Outbox
	logger    *slog.Logger
}

// PublisherOption configures the Publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithOutbox buffers messages in outbox while the broker is unavailable
func WithOutbox(outbox reliability.Outbox) PublisherOption {
	return func(p *Publisher) {
		p.outbox = outbox
	}
}

// NewPublisher creates a new publisher
func NewPublisher(transport Transport, options ...PublisherOption) *Publisher {
	p := &Publisher{
		transport: transport,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish serializes payload and publishes it to topic. The payload must
// encode to a JSON object; a []byte payload is sent as is after that check.
//
// When the broker is unavailable the message is dropped and the returned
// error wraps ErrMessageDropped, or it is buffered in the outbox and nil is
// returned. Callers that treat publishing as fire-and-forget may ignore the
// error.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) error {
	if topic == "" {
		return ErrInvalidTopic
	}

	body, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("messaging: serialize payload for %s: %w", topic, err)
	}

	// Buffered messages go first so a topic keeps its publish order.
	if p.outbox != nil && p.outbox.Len() > 0 {
		if _, flushErr := p.Flush(ctx); flushErr != nil || p.outbox.Len() > 0 {
			return p.buffer(ctx, topic, body, flushErr)
		}
	}

	err = p.transport.Publish(ctx, topic, body)
	if err == nil {
		metrics.MessagesPublished.WithLabelValues(topic).Inc()
		p.logger.Debug("message published", "topic", topic, "size", len(body))
		return nil
	}

	if ctx.Err() != nil || !rabbitmq.IsRetryable(err) {
		p.logger.Error("failed to publish message", "topic", topic, "error", err)
		return err
	}

	if p.outbox != nil {
		return p.buffer(ctx, topic, body, err)
	}
	return p.drop(topic, err)
}

func (p *Publisher) buffer(ctx context.Context, topic string, body []byte, cause error) error {
	entry := reliability.NewEntry(topic, body)
	if err := p.outbox.Put(ctx, entry); err != nil {
		return p.drop(topic, errors.Join(cause, err))
	}

	metrics.MessagesBuffered.WithLabelValues(topic).Inc()
	p.logger.Info("broker unavailable, message buffered",
		"topic", topic,
		"messageId", entry.ID,
		"buffered", p.outbox.Len(),
		"error", cause)
	return nil
}

func (p *Publisher) drop(topic string, cause error) error {
	metrics.MessagesDropped.WithLabelValues(topic).Inc()
	p.logger.Warn("broker unavailable, message dropped", "topic", topic, "error", cause)
	return fmt.Errorf("%w: %w", ErrMessageDropped, cause)
}

// Flush publishes buffered messages oldest first, stopping at the first
// failure. It returns how many were published.
func (p *Publisher) Flush(ctx context.Context) (int, error) {
	if p.outbox == nil {
		return 0, nil
	}

	return p.outbox.Drain(ctx, func(entry reliability.Entry) error {
		if err := p.transport.Publish(ctx, entry.Topic, entry.Body, rabbitmq.WithMessageID(entry.ID)); err != nil {
			return err
		}
		metrics.OutboxFlushed.WithLabelValues(entry.Topic).Inc()
		return nil
	})
}

// Buffered returns the number of messages waiting in the outbox
func (p *Publisher) Buffered() int {
	if p.outbox == nil {
		return 0
	}
	return p.outbox.Len()
}

// OnConnected flushes the outbox once the broker is reachable again
func (p *Publisher) OnConnected() {
	if p.outbox == nil || p.outbox.Len() == 0 {
		return
	}

	n, err := p.Flush(context.Background())
	if err != nil {
		p.logger.Warn("outbox flush incomplete", "flushed", n, "remaining", p.outbox.Len(), "error", err)
		return
	}
	p.logger.Info("outbox flushed", "flushed", n)
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (p *Publisher) OnDisconnected(err error) {}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (p *Publisher) OnReconnecting(attempt int) {}

// encodePayload returns the wire body for payload. Subscribers discard
// anything but a JSON object, so nothing else is sent.
func encodePayload(payload any) ([]byte, error) {
	body, ok := payload.([]byte)
	if ok {
		if !json.Valid(body) {
			return nil, ErrInvalidPayload
		}
	} else {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}

	if trimmed := bytes.TrimLeft(body, " \t\r\n"); len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrInvalidPayload
	}
	return body, nil
}
