package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/glimte/cadence"
	"github.com/glimte/cadence/internal/supervisor"
	"github.com/glimte/cadence/notification"
)

func newNotifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "notify",
		Short: "Send welcome emails for user registrations",
		Long:  "Consume USER_REGISTERED events and send a welcome email for each one.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			return a.notify(cmd.Context())
		},
	}
}

func (a *app) notify(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := a.newClient()
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			a.logger.Warn("client close failed", "error", err)
		}
	}()

	notifier, err := a.notifierService(client)
	if err != nil {
		return err
	}

	tree := supervisor.NewTree(a.logger, supervisor.DefaultTreeConfig())
	tree.AddMessagingService(supervisor.NewBrokerService(client, a.logger))
	tree.AddMessagingService(notifier)

	a.logger.Info("notifier started", "topic", a.cfg.Topics.UserRegistered, "mode", a.cfg.Notify.Mode)

	err = tree.Serve(ctx)
	a.reportUnstopped(tree)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervisor stopped: %w", err)
	}
	return nil
}

// notifierService keeps the welcome handler subscribed to the registration topic
func (a *app) notifierService(client *cadence.Client) (*supervisor.SubscriptionService, error) {
	sender, err := a.newSender()
	if err != nil {
		return nil, err
	}

	topic := a.cfg.Topics.UserRegistered
	handler := notification.WelcomeHandler(sender, a.logger)

	return supervisor.NewSubscriptionService("welcome-notifier",
		func(ctx context.Context) error { return client.Subscribe(ctx, topic, handler) },
		func() error { return client.Unsubscribe(topic) },
	), nil
}

// newSender picks the welcome email transport from the notification config
func (a *app) newSender() (notification.Sender, error) {
	cfg := a.cfg.Notify
	if cfg.Mode != "smtp" {
		return notification.NewLogSender(a.logger), nil
	}

	sender, err := notification.NewSMTPSender(notification.SMTPConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
		FromName: cfg.FromName,
		StartTLS: cfg.StartTLS,
		Timeout:  cfg.Timeout,
	}, notification.WithSMTPLogger(a.logger))
	if err != nil {
		return nil, fmt.Errorf("smtp sender: %w", err)
	}
	return sender, nil
}

// reportUnstopped logs services that did not stop within the shutdown timeout
func (a *app) reportUnstopped(tree *supervisor.Tree) {
	unstopped, err := tree.UnstoppedServiceReport()
	if err != nil {
		a.logger.Debug("unstopped service report unavailable", "error", err)
		return
	}
	for _, svc := range unstopped {
		a.logger.Warn("service failed to stop within timeout", "service", svc.Name)
	}
}
