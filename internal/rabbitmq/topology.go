package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// DurableQueue is the declaration shared by publishers and consumers of a
// topic. Both sides must use identical flags or the broker rejects the
// second declaration.
func DurableQueue(name string) QueueDeclaration {
	return QueueDeclaration{
		Name:    name,
		Durable: true,
	}
}

// Declare declares the queue on ch. Declaring an existing queue with the same
// flags is a no-op on the broker.
func (q QueueDeclaration) Declare(ch Channel) error {
	if q.Name == "" {
		return &TopologyError{
			Name:      q.Name,
			Op:        "declare",
			Err:       ErrInvalidConfiguration,
			Timestamp: time.Now(),
		}
	}

	_, err := ch.QueueDeclare(
		q.Name,
		q.Durable,
		q.AutoDelete,
		q.Exclusive,
		false, // noWait
		q.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Name:      q.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}
