// Package rabbitmq provides the AMQP 0-9-1 transport for cadence.
//
// This package includes:
//   - ConnectionManager: owns one connection and one shared channel, coalesces
//     connection attempts and reconnects on a timer after transport loss
//   - Publisher: persistent publishes to durable queues on the default exchange
//   - Consumer: one supervised consume loop per queue with manual ack/nack
//   - QueueDeclaration: the declaration shared by both sides of a topic
//
// Delivery is at-least-once. A delivery that is not acknowledged before its
// channel closes is redelivered by the broker once the consumer re-attaches.
package rabbitmq
