package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/cadence/contracts"
	"github.com/glimte/cadence/interceptors"
	"github.com/glimte/cadence/internal/metrics"
	"github.com/glimte/cadence/internal/rabbitmq"
)

// Source delivers raw messages from a queue
type Source interface {
	Subscribe(ctx context.Context, queue string, handler rabbitmq.DeliveryHandler) (*rabbitmq.Subscription, error)
	Unsubscribe(queue string) error
	UnsubscribeAll()
}

// Subscriber consumes JSON events by topic
type Subscriber struct {
	source Source
	chain  *interceptors.InterceptorChain
	logger *slog.Logger

	mu            sync.Mutex
	subscriptions map[string]*rabbitmq.Subscription
}

// SubscriberOption configures the Subscriber
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// WithInterceptorChain replaces the default recovery, logging and metrics chain
func WithInterceptorChain(chain *interceptors.InterceptorChain) SubscriberOption {
	return func(s *Subscriber) {
		s.chain = chain
	}
}

// NewSubscriber creates a new subscriber
func NewSubscriber(source Source, options ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		source:        source,
		logger:        slog.Default(),
		subscriptions: make(map[string]*rabbitmq.Subscription),
	}

	for _, opt := range options {
		opt(s)
	}

	if s.chain == nil {
		s.chain = interceptors.NewInterceptorChain(s.logger).
			Add(interceptors.NewRecoveryInterceptor(s.logger)).
			Add(interceptors.NewLoggingInterceptor(s.logger)).
			Add(interceptors.NewMetricsInterceptor(metrics.HandlerCollector{}))
	}

	return s
}

// Subscribe consumes topic in the background. Each delivery must carry a JSON
// object; anything else is discarded as poison. A nil handler error acks the
// delivery and any other outcome discards it.
func (s *Subscriber) Subscribe(ctx context.Context, topic string, handler contracts.Handler) error {
	if topic == "" {
		return ErrInvalidTopic
	}

	wrapped := s.chain.Wrap(handler)
	sub, err := s.source.Subscribe(ctx, topic, func(ctx context.Context, d amqp.Delivery) rabbitmq.Outcome {
		return s.deliver(ctx, topic, d, wrapped)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.subscriptions[topic] = sub
	s.mu.Unlock()

	s.logger.Info("subscribed to topic", "topic", topic)
	return nil
}

func (s *Subscriber) deliver(ctx context.Context, topic string, d amqp.Delivery, handler contracts.Handler) rabbitmq.Outcome {
	delivery := &contracts.Delivery{
		Topic:       topic,
		MessageID:   d.MessageId,
		DeliveryTag: d.DeliveryTag,
		Redelivered: d.Redelivered,
		Timestamp:   d.Timestamp,
		Headers:     map[string]any(d.Headers),
		Body:        d.Body,
	}

	var payload map[string]any
	if err := json.Unmarshal(d.Body, &payload); err != nil || payload == nil {
		metrics.MessageFailures.WithLabelValues(topic, "malformed_payload").Inc()
		s.logger.Error("discarding malformed message",
			"topic", topic,
			"messageId", d.MessageId,
			"error", err)
		return rabbitmq.OutcomeDiscard
	}
	delivery.Payload = payload

	if err := handler.Handle(ctx, delivery); err != nil {
		return rabbitmq.OutcomeDiscard
	}
	return rabbitmq.OutcomeAck
}

// Ready returns a channel closed once topic's consumer is attached, or nil
// if topic is not subscribed
func (s *Subscriber) Ready(topic string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, ok := s.subscriptions[topic]; ok {
		return sub.Ready()
	}
	return nil
}

// Unsubscribe stops consuming topic
func (s *Subscriber) Unsubscribe(topic string) error {
	s.mu.Lock()
	delete(s.subscriptions, topic)
	s.mu.Unlock()

	return s.source.Unsubscribe(topic)
}

// Close stops every subscription
func (s *Subscriber) Close() {
	s.mu.Lock()
	s.subscriptions = make(map[string]*rabbitmq.Subscription)
	s.mu.Unlock()

	s.source.UnsubscribeAll()
}
