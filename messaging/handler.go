package messaging

import (
	"context"

	"github.com/glimte/cadence/contracts"
)

// JSONHandler decodes the delivery body into T before calling fn. A body
// that does not decode into T fails the delivery.
func JSONHandler[T any](fn func(ctx context.Context, event T, delivery *contracts.Delivery) error) contracts.Handler {
	return contracts.HandlerFunc(func(ctx context.Context, delivery *contracts.Delivery) error {
		var event T
		if err := delivery.Decode(&event); err != nil {
			return err
		}
		return fn(ctx, event, delivery)
	})
}
