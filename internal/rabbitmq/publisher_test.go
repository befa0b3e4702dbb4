package rabbitmq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/cadence/internal/rabbitmq"
	"github.com/glimte/cadence/internal/rabbitmq/rabbitmqtest"
)

func TestPublisher(t *testing.T) {
	t.Run("publishes a persistent message to a durable queue", func(t *testing.T) {
		broker := rabbitmqtest.New()
		cm := newManager(t, broker)
		publisher := rabbitmq.NewPublisher(cm)
		consumer := newConsumer(t, cm)

		require.NoError(t, publisher.Publish(context.Background(), "USER_REGISTERED", []byte(`{"id":"u1"}`)))
		assert.True(t, broker.Durable("USER_REGISTERED"))
		assert.Equal(t, 1, broker.QueueLength("USER_REGISTERED"))

		received := make(chan amqp.Delivery, 1)
		_, err := consumer.Subscribe(context.Background(), "USER_REGISTERED", func(_ context.Context, d amqp.Delivery) rabbitmq.Outcome {
			received <- d
			return rabbitmq.OutcomeAck
		})
		require.NoError(t, err)

		select {
		case d := <-received:
			assert.Equal(t, amqp.Persistent, d.DeliveryMode)
			assert.Equal(t, "application/json", d.ContentType)
			assert.NotEmpty(t, d.MessageId)
			assert.False(t, d.Timestamp.IsZero())
			assert.Equal(t, `{"id":"u1"}`, string(d.Body))
		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
	})

	t.Run("applies publish options", func(t *testing.T) {
		broker := rabbitmqtest.New()
		cm := newManager(t, broker)
		publisher := rabbitmq.NewPublisher(cm, rabbitmq.WithContentType("text/plain"))
		consumer := newConsumer(t, cm)

		require.NoError(t, publisher.Publish(context.Background(), "q", []byte("hi"),
			rabbitmq.WithMessageID("fixed-id"),
			rabbitmq.WithHeaders(amqp.Table{"source": "test"})))

		received := make(chan amqp.Delivery, 1)
		_, err := consumer.Subscribe(context.Background(), "q", func(_ context.Context, d amqp.Delivery) rabbitmq.Outcome {
			received <- d
			return rabbitmq.OutcomeAck
		})
		require.NoError(t, err)

		d := <-received
		assert.Equal(t, "fixed-id", d.MessageId)
		assert.Equal(t, "text/plain", d.ContentType)
		assert.Equal(t, "test", d.Headers["source"])
	})

	t.Run("returns PublishError when the broker is unreachable", func(t *testing.T) {
		broker := rabbitmqtest.New()
		broker.SetDialError(rabbitmqtest.ErrDialRefused)
		cm := newManager(t, broker)
		publisher := rabbitmq.NewPublisher(cm)

		err := publisher.Publish(context.Background(), "q", []byte("lost"))
		require.Error(t, err)

		var publishErr *rabbitmq.PublishError
		require.True(t, errors.As(err, &publishErr))
		assert.Equal(t, "q", publishErr.Queue)

		var connErr *rabbitmq.ConnectionError
		assert.True(t, errors.As(err, &connErr))
		assert.True(t, rabbitmq.IsRetryable(err))
	})

	t.Run("bounds a publish by the publish timeout when ctx has no deadline", func(t *testing.T) {
		broker := rabbitmqtest.New()
		release := make(chan struct{})
		broker.SetDialHook(func() { <-release })
		cm := newManager(t, broker)
		t.Cleanup(func() { close(release) })
		publisher := rabbitmq.NewPublisher(cm, rabbitmq.WithPublishTimeout(30*time.Millisecond))

		start := time.Now()
		err := publisher.Publish(context.Background(), "q", []byte(`{}`))
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("surfaces a declaration mismatch as a non-retryable TopologyError", func(t *testing.T) {
		broker := rabbitmqtest.New()
		broker.DeclareQueue("legacy", false)
		cm := newManager(t, broker)
		publisher := rabbitmq.NewPublisher(cm)

		err := publisher.Publish(context.Background(), "legacy", []byte("x"))
		require.Error(t, err)

		var topologyErr *rabbitmq.TopologyError
		require.True(t, errors.As(err, &topologyErr))
		assert.Equal(t, "legacy", topologyErr.Name)

		var amqpErr *amqp.Error
		require.True(t, errors.As(err, &amqpErr))
		assert.Equal(t, amqp.PreconditionFailed, amqpErr.Code)
		assert.False(t, rabbitmq.IsRetryable(err))
	})

	t.Run("rejects an empty queue name", func(t *testing.T) {
		broker := rabbitmqtest.New()
		cm := newManager(t, broker)
		publisher := rabbitmq.NewPublisher(cm)

		err := publisher.Publish(context.Background(), "", []byte("x"))
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
	})
}
