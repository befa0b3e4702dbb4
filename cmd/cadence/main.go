// Command cadence runs the realtime gateway and the registration notifier
// and offers a few broker tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "cadence",
		Short: "Realtime playback gateway and registration notifier",
		Long: `Cadence relays playback events between the sessions of a signed-in user
and sends welcome emails for USER_REGISTERED events delivered through RabbitMQ.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				return os.Setenv("CONFIG_PATH", configPath)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")

	rootCmd.AddCommand(
		newServeCommand(),
		newNotifyCommand(),
		newPublishCommand(),
		newTokenCommand(),
	)

	return rootCmd
}
