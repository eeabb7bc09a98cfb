package cli

import (
	"github.com/spf13/cobra"
)

// NewHealthCmd создаёт команду состояния планировщика.
func NewHealthCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show scheduler health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			health, err := client.Health()
			if err != nil {
				return err
			}

			out.Health(health)
			return nil
		},
	}
}

// NewJobCmd создаёт группу команд для заданий.
func NewJobCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage publication jobs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "retry JOB_KEY",
		Short: "Requeue a FAILED_TERMINAL job (key is STORY_ID:EPISODE_INDEX)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			job, err := client.RetryJob(args[0])
			if err != nil {
				return err
			}

			out.Notice("Job requeued: %s", job.Key)
			out.Job(job)
			return nil
		},
	})

	return cmd
}
