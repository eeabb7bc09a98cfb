package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// NewScheduleCmd создаёт группу команд для управления расписаниями.
func NewScheduleCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage release schedules",
	}

	cmd.AddCommand(
		newScheduleCreateCmd(clientFn, outputFn),
		newScheduleStatusCmd(clientFn, outputFn),
		newScheduleCancelCmd(clientFn, outputFn),
	)

	return cmd
}

// policyFlags — флаги политики выпуска, общие для story register и schedule create.
type policyFlags struct {
	frequency string
	start     string
	timezone  string
	interval  time.Duration
	cronExpr  string
}

func (f *policyFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.frequency, "frequency", "", "Release frequency: daily, weekly or custom")
	cmd.Flags().StringVar(&f.start, "start", "", "First release time (RFC 3339, or local time in --timezone)")
	cmd.Flags().StringVar(&f.timezone, "timezone", "", "IANA timezone (e.g. 'Europe/Moscow', default UTC)")
	cmd.Flags().DurationVar(&f.interval, "interval", 0, "Interval between episodes for custom frequency (e.g. 36h)")
	cmd.Flags().StringVar(&f.cronExpr, "cron", "", "Cron expression for custom frequency (e.g. '0 18 * * 1,4')")
}

func (f *policyFlags) set() bool {
	return f.frequency != "" || f.start != ""
}

func (f *policyFlags) request() (ScheduleRequest, error) {
	if f.frequency == "" || f.start == "" {
		return ScheduleRequest{}, fmt.Errorf("--frequency and --start are required")
	}
	if f.interval%time.Second != 0 {
		return ScheduleRequest{}, fmt.Errorf("--interval must be a whole number of seconds")
	}
	return ScheduleRequest{
		ReleaseFrequency: f.frequency,
		StartDate:        f.start,
		Timezone:         f.timezone,
		IntervalSec:      int64(f.interval / time.Second),
		CronExpr:         f.cronExpr,
	}, nil
}

func newScheduleCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var policy policyFlags

	cmd := &cobra.Command{
		Use:   "create STORY_ID",
		Short: "Create a release schedule for a story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req, err := policy.request()
			if err != nil {
				return err
			}

			status, err := client.CreateSchedule(args[0], req)
			if err != nil {
				return err
			}

			out.Notice("Schedule created: %s (next release %s)", status.Story.ID, out.Time(status.Story.NextReleaseAt))
			out.Schedule(status)
			return nil
		},
	}

	policy.bind(cmd)
	cmd.MarkFlagRequired("frequency")
	cmd.MarkFlagRequired("start")

	return cmd
}

func newScheduleStatusCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "status STORY_ID",
		Short: "Show schedule status of a story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			status, err := client.GetSchedule(args[0])
			if err != nil {
				return err
			}

			out.Notice("Story %s: %d/%d published, serialized=%t, next release %s",
				status.Story.ID, status.Published, status.Total,
				status.Story.IsSerialized, out.Time(status.Story.NextReleaseAt))
			out.Schedule(status)
			return nil
		},
	}
}

func newScheduleCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel STORY_ID",
		Short: "Cancel the release schedule of a story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			result, err := client.CancelSchedule(args[0])
			if err != nil {
				return err
			}

			out.Cancelled(result)
			return nil
		},
	}
}
