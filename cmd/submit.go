package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// newSubmitCmd creates the 'submit' subcommand, which publishes a job as a workflow.
func newSubmitCmd() *cobra.Command {
	var (
		jobPath string
		batches int
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Publish a job to the task topic as one workflow",
		Long: `Splits the job into at most --batches tasks and publishes each to the
configured task topic, tagged with the workflow ID and the task total so
consumers can tell when the workflow is complete.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			job, err := loadJob(jobPath)
			if err != nil {
				return err
			}
			if batches <= 0 {
				batches = poolSize(appInstance.Config.Pool.MaxWorkers)
			}
			sub, err := appInstance.Submitter.Submit(cmd.Context(), job, batches)
			if err != nil {
				return fmt.Errorf("submit job: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(sub); err != nil {
				return fmt.Errorf("write submission: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&jobPath, "job", "", "path to the job file")
	cmd.Flags().IntVar(&batches, "batches", 0, "number of tasks to split the job into (default: pool size)")
	return cmd
}
