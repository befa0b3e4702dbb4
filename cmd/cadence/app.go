package main

import (
	"fmt"
	"log/slog"

	"github.com/glimte/cadence"
	"github.com/glimte/cadence/internal/config"
	"github.com/glimte/cadence/internal/logging"
	"github.com/glimte/cadence/internal/rabbitmq"
	"github.com/glimte/cadence/internal/reliability"
)

// app holds what every subcommand needs
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func loadApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return &app{cfg: cfg, logger: logger}, nil
}

// newClient builds a broker client from the loaded configuration
func (a *app) newClient() (*cadence.Client, error) {
	outbox, err := openOutbox(a.cfg.Outbox)
	if err != nil {
		return nil, err
	}

	options := []cadence.ClientOption{
		cadence.WithLogger(a.logger),
		cadence.WithConnectionOptions(connectionOptions(a.cfg.Broker)...),
		cadence.WithPublisherOptions(rabbitmq.WithPublishTimeout(a.cfg.Broker.PublishTimeout)),
		cadence.WithConsumerOptions(rabbitmq.WithPrefetchCount(a.cfg.Broker.Prefetch)),
	}
	if outbox != nil {
		options = append(options, cadence.WithOutbox(outbox))
	}

	client, err := cadence.NewClient(a.cfg.Broker.URL, options...)
	if err != nil {
		if outbox != nil {
			_ = outbox.Close()
		}
		return nil, err
	}
	return client, nil
}

func connectionOptions(cfg config.BrokerConfig) []rabbitmq.ConnectionOption {
	options := []rabbitmq.ConnectionOption{
		rabbitmq.WithConnectTimeout(cfg.ConnectTimeout),
		rabbitmq.WithHeartbeat(cfg.Heartbeat),
		rabbitmq.WithConnectionName(cfg.ConnectionName),
	}

	switch cfg.BackoffMode {
	case "exponential":
		options = append(options, rabbitmq.WithRetryPolicy(
			reliability.NewExponentialBackoff(cfg.ReconnectDelay, cfg.MaxBackoff, 2.0, 0)))
	default:
		options = append(options, rabbitmq.WithReconnectDelay(cfg.ReconnectDelay))
	}

	return options
}

// openOutbox returns nil when buffering is disabled
func openOutbox(cfg config.OutboxConfig) (reliability.Outbox, error) {
	switch cfg.Mode {
	case "memory":
		return reliability.NewMemoryOutbox(cfg.Capacity), nil
	case "badger":
		outbox, err := reliability.OpenBadgerOutbox(cfg.Path, cfg.Capacity)
		if err != nil {
			return nil, fmt.Errorf("open outbox at %s: %w", cfg.Path, err)
		}
		return outbox, nil
	default:
		return nil, nil
	}
}
