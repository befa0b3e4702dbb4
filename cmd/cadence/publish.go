package main

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/glimte/cadence/internal/reliability"
)

func newPublishCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "publish <topic> <json>",
		Short: "Publish a JSON event to a topic",
		Example: `  cadence publish USER_REGISTERED '{"id":"u-1","email":"ada@example.com",` +
			`"fullname":{"firstname":"Ada","lastname":"Lovelace"},"role":"artist"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic, body := args[0], []byte(args[1])
			if !json.Valid(body) {
				return fmt.Errorf("payload for %s is not valid JSON", topic)
			}

			a, err := loadApp()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, err := a.newClient()
			if err != nil {
				return fmt.Errorf("create client: %w", err)
			}
			defer client.Close()

			// The manager also retries in the background; this loop only
			// decides how long the command waits before giving up.
			policy := reliability.NewFixedInterval(a.cfg.Broker.ReconnectDelay, 0)
			if err := reliability.Retry(ctx, policy, func() error { return client.Connect(ctx) }); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			if err := client.Publish(ctx, topic, body); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "published to %s\n", topic)
			return nil
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "How long to wait for the broker")
	return cmd
}
