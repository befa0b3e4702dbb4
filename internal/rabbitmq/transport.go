package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the manager, publisher and consumer use.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Connection is the subset of *amqp.Connection the manager uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a new broker connection.
type Dialer func(url string) (Connection, error)

// amqpConnection adapts *amqp.Connection to Connection.
type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// NewAMQPDialer returns a Dialer backed by amqp091-go with the given dial timeout
// and heartbeat interval.
func NewAMQPDialer(connectTimeout, heartbeat time.Duration, connectionName string) Dialer {
	return func(url string) (Connection, error) {
		cfg := amqp.Config{
			Heartbeat: heartbeat,
			Locale:    "en_US",
			Dial:      amqp.DefaultDial(connectTimeout),
		}
		if connectionName != "" {
			cfg.Properties = amqp.Table{"connection_name": connectionName}
		}

		conn, err := amqp.DialConfig(url, cfg)
		if err != nil {
			return nil, err
		}
		return &amqpConnection{Connection: conn}, nil
	}
}
