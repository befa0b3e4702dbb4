// Copyright 2026 Cadence Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cadence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/cadence/contracts"
	"github.com/glimte/cadence/internal/metrics"
	"github.com/glimte/cadence/internal/rabbitmq"
	"github.com/glimte/cadence/internal/reliability"
	"github.com/glimte/cadence/messaging"
)

// Client provides the main entry point for cadence messaging
type Client struct {
	manager    *rabbitmq.ConnectionManager
	publisher  *messaging.Publisher
	subscriber *messaging.Subscriber
	outbox     reliability.Outbox
	logger     *slog.Logger
}

// NewClient creates a client for the broker at url. No connection is made
// until the first publish or subscribe, or an explicit Connect.
func NewClient(url string, options ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: broker url is required", rabbitmq.ErrInvalidConfiguration)
	}

	cfg := &clientConfig{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.logger)}, cfg.connectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)

	publisherOpts := []messaging.PublisherOption{messaging.WithPublisherLogger(cfg.logger)}
	if cfg.outbox != nil {
		publisherOpts = append(publisherOpts, messaging.WithOutbox(cfg.outbox))
	}
	publisher := messaging.NewPublisher(
		rabbitmq.NewPublisher(manager, cfg.publisherOptions...),
		publisherOpts...,
	)

	consumerOpts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.logger)}, cfg.consumerOptions...)
	subscriber := messaging.NewSubscriber(
		rabbitmq.NewConsumer(manager, consumerOpts...),
		messaging.WithSubscriberLogger(cfg.logger),
	)

	manager.AddStateListener(publisher)
	manager.AddStateListener(metrics.ConnectionRecorder{})

	cfg.logger.Info("cadence client created", "url", rabbitmq.SanitizeURL(url), "outbox", cfg.outbox != nil)

	return &Client{
		manager:    manager,
		publisher:  publisher,
		subscriber: subscriber,
		outbox:     cfg.outbox,
		logger:     cfg.logger,
	}, nil
}

// Connect makes a connect attempt now. On failure the client keeps retrying
// in the background.
func (c *Client) Connect(ctx context.Context) error {
	return c.manager.Connect(ctx)
}

// Publish serializes payload to JSON and publishes it to topic
func (c *Client) Publish(ctx context.Context, topic string, payload any) error {
	return c.publisher.Publish(ctx, topic, payload)
}

// Subscribe consumes topic in the background until Unsubscribe or Close
func (c *Client) Subscribe(ctx context.Context, topic string, handler contracts.Handler) error {
	return c.subscriber.Subscribe(ctx, topic, handler)
}

// Unsubscribe stops consuming topic
func (c *Client) Unsubscribe(topic string) error {
	return c.subscriber.Unsubscribe(topic)
}

// Ready returns a channel closed once topic's consumer is attached
func (c *Client) Ready(topic string) <-chan struct{} {
	return c.subscriber.Ready(topic)
}

// Publisher returns the message publisher
func (c *Client) Publisher() *messaging.Publisher {
	return c.publisher
}

// Subscriber returns the message subscriber
func (c *Client) Subscriber() *messaging.Subscriber {
	return c.subscriber
}

// Manager returns the broker connection manager
func (c *Client) Manager() *rabbitmq.ConnectionManager {
	return c.manager
}

// Close stops every subscription and closes the broker connection
func (c *Client) Close() error {
	c.subscriber.Close()

	err := c.manager.Close()
	if c.outbox != nil {
		err = errors.Join(err, c.outbox.Close())
	}
	return err
}

// clientConfig holds client configuration
type clientConfig struct {
	logger            *slog.Logger
	outbox            reliability.Outbox
	connectionOptions []rabbitmq.ConnectionOption
	publisherOptions  []rabbitmq.PublisherOption
	consumerOptions   []rabbitmq.ConsumerOption
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithOutbox buffers publishes while the broker is unavailable instead of
// dropping them. The client closes the outbox on Close.
func WithOutbox(outbox reliability.Outbox) ClientOption {
	return func(cfg *clientConfig) {
		cfg.outbox = outbox
	}
}

// WithConnectionOptions passes options to the connection manager
func WithConnectionOptions(options ...rabbitmq.ConnectionOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectionOptions = append(cfg.connectionOptions, options...)
	}
}

// WithPublisherOptions passes options to the broker publisher
func WithPublisherOptions(options ...rabbitmq.PublisherOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.publisherOptions = append(cfg.publisherOptions, options...)
	}
}

// WithConsumerOptions passes options to the consumer
func WithConsumerOptions(options ...rabbitmq.ConsumerOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.consumerOptions = append(cfg.consumerOptions, options...)
	}
}
