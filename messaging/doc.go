// Package messaging publishes and consumes JSON events by topic.
//
// This package implements:
//   - Publisher: serializes payloads and publishes them fire-and-forget. While
//     the broker is unavailable a message is dropped, or stored in an outbox
//     and flushed on reconnect when one is configured
//   - Subscriber: decodes deliveries into contracts.Delivery, runs handlers
//     through an interceptor chain and acks or discards each delivery
//   - JSONHandler: adapts a typed function to contracts.Handler
//
// Example usage:
//
//	publisher := messaging.NewPublisher(rabbitmq.NewPublisher(manager))
//	_ = publisher.Publish(ctx, "USER_REGISTERED", event)
//
//	subscriber := messaging.NewSubscriber(rabbitmq.NewConsumer(manager))
//	err := subscriber.Subscribe(ctx, "USER_REGISTERED",
//		messaging.JSONHandler(func(ctx context.Context, e contracts.UserRegistered, d *contracts.Delivery) error {
//			return welcome(ctx, e)
//		}))
package messaging
