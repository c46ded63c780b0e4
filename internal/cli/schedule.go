package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// NewScheduleCmd создаёт группу команд для управления расписаниями.
func NewScheduleCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage schedules",
	}

	cmd.AddCommand(
		newScheduleListCmd(clientFn, outputFn),
		newScheduleCreateCmd(clientFn, outputFn),
		newScheduleDeleteCmd(clientFn, outputFn),
	)

	return cmd
}

func newScheduleListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedule entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			schedules, err := client.ListSchedules()
			if err != nil {
				return err
			}

			headers := []string{"NAME", "TYPE", "QUEUE", "SCHEDULE", "ENABLED", "NEXT_DUE"}
			rows := make([][]string, len(schedules))
			for i, s := range schedules {
				rows[i] = []string{s.Name, s.Type, s.Queue, scheduleExpr(s), fmt.Sprintf("%t", s.Enabled), s.NextDueAt}
			}

			out.Print(headers, rows, schedules)
			return nil
		},
	}
}

func newScheduleCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var taskType string
	var cronExpr string
	var intervalSec int
	var queue string
	var priority int
	var timezone string
	var args []string

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a schedule entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			client := clientFn()
			out := outputFn()

			req := CreateScheduleRequest{
				Name:        cmdArgs[0],
				Type:        taskType,
				Queue:       queue,
				CronExpr:    cronExpr,
				IntervalSec: intervalSec,
				Timezone:    timezone,
			}

			if cmd.Flags().Changed("priority") {
				req.Priority = &priority
			}

			if len(args) > 0 {
				req.Args = make(map[string]any)
				for _, kv := range args {
					parts := strings.SplitN(kv, "=", 2)
					if len(parts) != 2 {
						return fmt.Errorf("invalid arg format %q, expected KEY=VALUE", kv)
					}
					req.Args[parts[0]] = parts[1]
				}
			}

			schedule, err := client.CreateSchedule(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Schedule created: %s, next due %s", schedule.Name, schedule.NextDueAt))
			return nil
		},
	}

	cmd.Flags().StringVar(&taskType, "type", "", "Task type to materialize (required)")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "Cron expression, minute granularity")
	cmd.Flags().IntVar(&intervalSec, "interval", 0, "Fixed interval in seconds (alternative to --cron)")
	cmd.Flags().StringVar(&queue, "queue", "", "Queue name")
	cmd.Flags().IntVar(&priority, "priority", 3, "Priority: 1, 3, 5 or 10")
	cmd.Flags().StringVar(&timezone, "timezone", "", "Timezone for cron evaluation (default UTC)")
	cmd.Flags().StringSliceVar(&args, "arg", nil, "Task arguments as KEY=VALUE (repeatable)")
	cmd.MarkFlagRequired("type")

	return cmd
}

func newScheduleDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a schedule entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if err := client.DeleteSchedule(args[0]); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Schedule deleted: %s", args[0]))
			return nil
		},
	}
}

func scheduleExpr(s ScheduleResponse) string {
	if s.CronExpr != "" {
		return s.CronExpr
	}
	return "every " + time.Duration(s.Interval).String()
}
