package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-detect/internal/messaging"
	natsclient "github.com/telhawk-systems/telhawk-detect/internal/messaging/nats"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect run events on the message bus",
}

var eventsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print run events as they are published",
	RunE: func(cmd *cobra.Command, args []string) error {
		natsCfg := natsclient.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.Name = serviceName + "-watch"

		client, err := natsclient.NewClient(natsCfg, logger)
		if err != nil {
			return err
		}
		defer client.Close()

		subject, _ := cmd.Flags().GetString("subject")
		out := cmd.OutOrStdout()
		sub, err := client.Subscribe(subject, func(_ context.Context, msg *messaging.Message) error {
			_, err := fmt.Fprintf(out, "%s %s\n", msg.Subject, msg.Data)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		logger.Info("Watching run events", "subject", sub.Subject())

		<-cmd.Context().Done()
		return nil
	},
}

func init() {
	eventsWatchCmd.Flags().String("subject", messaging.SubjectAll, "subject to subscribe to")
	eventsCmd.AddCommand(eventsWatchCmd)
	rootCmd.AddCommand(eventsCmd)
}
