package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newConsumeCmd creates the 'consume' subcommand, which processes bus tasks
// until interrupted.
func newConsumeCmd() *cobra.Command {
	var serve bool
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Process scraping tasks from the bus",
		Long: `Subscribes to the task topic and runs each task on a browser executor,
publishing results, retrying failures and dead-lettering tasks that exhaust
their retries. Runs until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if serve {
				go func() {
					if err := serveHTTP(ctx, appInstance); err != nil {
						appInstance.Logger.Error("status server failed", zap.Error(err))
						cancel()
					}
				}()
			}

			if err := appInstance.Consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("consume: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&serve, "serve", true, "serve the status API alongside the consumer")
	return cmd
}
