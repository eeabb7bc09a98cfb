package cli

import (
	"github.com/spf13/cobra"
)

// NewStoryCmd создаёт группу команд для управления историями.
func NewStoryCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "story",
		Short: "Manage stories",
	}

	cmd.AddCommand(newStoryRegisterCmd(clientFn, outputFn))

	return cmd
}

func newStoryRegisterCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var episodes int
	var policy policyFlags

	cmd := &cobra.Command{
		Use:   "register STORY_ID",
		Short: "Register a story, optionally with a release schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := CreateStoryRequest{ID: args[0], TotalEpisodes: episodes}
			if policy.set() {
				schedule, err := policy.request()
				if err != nil {
					return err
				}
				req.Schedule = &schedule
			}

			status, err := client.RegisterStory(req)
			if err != nil {
				return err
			}

			out.Notice("Story registered: %s (%d episodes)", status.Story.ID, status.Total)
			out.Schedule(status)
			return nil
		},
	}

	cmd.Flags().IntVar(&episodes, "episodes", 0, "Total number of episodes (required)")
	cmd.MarkFlagRequired("episodes")
	policy.bind(cmd)

	return cmd
}
