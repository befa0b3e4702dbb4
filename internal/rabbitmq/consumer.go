package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Outcome is the verdict a handler returns for one delivery
type Outcome int

const (
	// OutcomeAck acknowledges the delivery
	OutcomeAck Outcome = iota
	// OutcomeDiscard rejects the delivery without requeue
	OutcomeDiscard
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeDiscard:
		return "discard"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// DeliveryHandler processes one delivery and decides its outcome
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery) Outcome

// Consumer runs one consume loop per subscribed queue
type Consumer struct {
	manager          *ConnectionManager
	prefetchCount    int
	handlerTimeout   time.Duration
	attachRetryDelay time.Duration
	drainTimeout     time.Duration
	logger           *slog.Logger

	mu            sync.Mutex
	subscriptions map[string]*Subscription
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithHandlerTimeout bounds a single handler call
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithAttachRetryDelay sets the pause after a failed attach before waiting for a connection
func WithAttachRetryDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.attachRetryDelay = delay
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:          manager,
		prefetchCount:    10,
		handlerTimeout:   30 * time.Second,
		attachRetryDelay: time.Second,
		drainTimeout:     5 * time.Second,
		logger:           slog.Default(),
		subscriptions:    make(map[string]*Subscription),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscription tracks the consume loop of one queue
type Subscription struct {
	Queue       string
	ConsumerTag string

	cancel    context.CancelFunc
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
}

// Ready is closed once the consumer is first attached to the broker
func (s *Subscription) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed when the consume loop has exited
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Subscribe starts consuming queue in the background. The loop keeps
// re-attaching after transport loss until ctx is done or Unsubscribe is called.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler DeliveryHandler) (*Subscription, error) {
	if queue == "" || handler == nil {
		return nil, &ConsumerError{
			Queue:     queue,
			Op:        "subscribe",
			Err:       ErrInvalidConfiguration,
			Timestamp: time.Now(),
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.subscriptions[queue]; ok {
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: existing.ConsumerTag,
			Op:          "subscribe",
			Err:         ErrAlreadySubscribed,
			Timestamp:   time.Now(),
		}
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		Queue:       queue,
		ConsumerTag: "cadence-" + uuid.NewString(),
		cancel:      cancel,
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
	}
	c.subscriptions[queue] = sub

	go c.run(consumerCtx, sub, handler)

	return sub, nil
}

func (c *Consumer) run(ctx context.Context, sub *Subscription, handler DeliveryHandler) {
	defer func() {
		c.mu.Lock()
		if c.subscriptions[sub.Queue] == sub {
			delete(c.subscriptions, sub.Queue)
		}
		c.mu.Unlock()
		close(sub.done)
		c.logger.Info("consumer stopped", "queue", sub.Queue)
	}()

	for ctx.Err() == nil {
		ch, deliveries, err := c.attach(ctx, sub)
		if err != nil {
			if errors.Is(err, ErrManagerClosed) || ctx.Err() != nil {
				return
			}
			c.logger.Warn("failed to attach consumer",
				"queue", sub.Queue,
				"consumerTag", sub.ConsumerTag,
				"error", err)

			if !c.sleep(ctx, c.attachRetryDelay) || !c.waitConnected(ctx) {
				return
			}
			continue
		}

		sub.markReady()
		c.logger.Info("subscribed to queue",
			"queue", sub.Queue,
			"consumerTag", sub.ConsumerTag,
			"prefetchCount", c.prefetchCount)

		if stopped := c.consume(ctx, sub, ch, deliveries, handler); stopped {
			return
		}

		c.logger.Warn("delivery channel closed, re-attaching", "queue", sub.Queue)
		if ch.IsClosed() {
			c.manager.Invalidate(ch)
		}
		if !c.waitConnected(ctx) {
			return
		}
	}
}

// attach declares the queue and registers the broker consumer on the shared channel.
func (c *Consumer) attach(ctx context.Context, sub *Subscription) (Channel, <-chan amqp.Delivery, error) {
	var (
		used       Channel
		deliveries <-chan amqp.Delivery
	)

	err := c.manager.Execute(ctx, func(ch Channel) error {
		used = ch
		if err := DurableQueue(sub.Queue).Declare(ch); err != nil {
			return err
		}
		if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
			return fmt.Errorf("failed to set QoS: %w", err)
		}

		d, err := ch.Consume(
			sub.Queue,
			sub.ConsumerTag,
			false, // autoAck
			false, // exclusive
			false, // noLocal
			false, // noWait
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to start consuming: %w", err)
		}
		deliveries = d
		return nil
	})
	if err != nil {
		return nil, nil, &ConsumerError{
			Queue:       sub.Queue,
			ConsumerTag: sub.ConsumerTag,
			Op:          "attach",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	return used, deliveries, nil
}

// consume processes deliveries until the stream ends or ctx is done. It
// reports true when the subscription itself was stopped.
func (c *Consumer) consume(ctx context.Context, sub *Subscription, ch Channel, deliveries <-chan amqp.Delivery, handler DeliveryHandler) bool {
	for {
		select {
		case <-ctx.Done():
			c.cancelConsumer(sub, ch, deliveries)
			return true

		case delivery, ok := <-deliveries:
			if !ok {
				return false
			}
			if ctx.Err() != nil {
				// stopped while this delivery was waiting
				if err := delivery.Nack(false, true); err != nil {
					c.logger.Warn("failed to requeue prefetched message",
						"queue", sub.Queue,
						"messageId", delivery.MessageId,
						"error", err)
				}
				c.cancelConsumer(sub, ch, deliveries)
				return true
			}
			c.handleMessage(ctx, sub, delivery, handler)
		}
	}
}

// handleMessage applies exactly one of ack or discard to the delivery.
func (c *Consumer) handleMessage(ctx context.Context, sub *Subscription, delivery amqp.Delivery, handler DeliveryHandler) {
	// In-flight deliveries finish even when the subscription is being stopped.
	msgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.handlerTimeout)
	defer cancel()

	outcome := c.invoke(msgCtx, sub, delivery, handler)

	switch outcome {
	case OutcomeAck:
		if err := delivery.Ack(false); err != nil {
			c.logger.Error("failed to ack message",
				"queue", sub.Queue,
				"messageId", delivery.MessageId,
				"error", err)
		}
	default:
		if err := delivery.Nack(false, false); err != nil {
			c.logger.Error("failed to nack message",
				"queue", sub.Queue,
				"messageId", delivery.MessageId,
				"error", err)
			return
		}
		c.logger.Warn("message discarded",
			"queue", sub.Queue,
			"messageId", delivery.MessageId,
			"redelivered", delivery.Redelivered)
	}
}

func (c *Consumer) invoke(ctx context.Context, sub *Subscription, delivery amqp.Delivery, handler DeliveryHandler) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked",
				"queue", sub.Queue,
				"messageId", delivery.MessageId,
				"panic", r)
			outcome = OutcomeDiscard
		}
	}()
	return handler(ctx, delivery)
}

// cancelConsumer stops the broker consumer and returns prefetched
// deliveries to the queue.
func (c *Consumer) cancelConsumer(sub *Subscription, ch Channel, deliveries <-chan amqp.Delivery) {
	if err := ch.Cancel(sub.ConsumerTag, false); err != nil {
		c.logger.Warn("failed to cancel consumer",
			"queue", sub.Queue,
			"consumerTag", sub.ConsumerTag,
			"error", err)
	}

	timeout := time.NewTimer(c.drainTimeout)
	defer timeout.Stop()

	for {
		select {
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			if err := delivery.Nack(false, true); err != nil {
				c.logger.Warn("failed to requeue prefetched message",
					"queue", sub.Queue,
					"messageId", delivery.MessageId,
					"error", err)
			}
		case <-timeout.C:
			return
		}
	}
}

func (c *Consumer) waitConnected(ctx context.Context) bool {
	select {
	case <-c.manager.Connected():
		return ctx.Err() == nil
	case <-ctx.Done():
		return false
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Unsubscribe stops consuming from a queue and waits for the loop to exit
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	sub, ok := c.subscriptions[queue]
	c.mu.Unlock()

	if !ok {
		return &ConsumerError{
			Queue:     queue,
			Op:        "unsubscribe",
			Err:       ErrSubscriptionNotFound,
			Timestamp: time.Now(),
		}
	}

	sub.cancel()
	<-sub.done
	return nil
}

// UnsubscribeAll stops all active consumers
func (c *Consumer) UnsubscribeAll() {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	for _, sub := range subs {
		<-sub.done
	}
}

// GetActiveConsumers returns the subscribed queues in name order
func (c *Consumer) GetActiveConsumers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make([]string, 0, len(c.subscriptions))
	for queue := range c.subscriptions {
		queues = append(queues, queue)
	}
	sort.Strings(queues)
	return queues
}
