package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewTaskCmd создаёт группу команд для управления задачами.
func NewTaskCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}

	cmd.AddCommand(
		newTaskSubmitCmd(clientFn, outputFn),
		newTaskStatusCmd(clientFn, outputFn),
		newTaskCancelCmd(clientFn, outputFn),
	)

	return cmd
}

func newTaskSubmitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var queue string
	var priority int
	var maxRetries int
	var countdown int
	var idempotencyKey string
	var args []string
	var wait bool
	var waitMs int

	cmd := &cobra.Command{
		Use:   "submit TYPE",
		Short: "Submit a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			client := clientFn()
			out := outputFn()

			req := SubmitRequest{
				Type:           cmdArgs[0],
				Queue:          queue,
				MaxRetries:     maxRetries,
				CountdownSec:   countdown,
				IdempotencyKey: idempotencyKey,
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

			submitted, err := client.SubmitTask(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Task submitted: %s", submitted.TaskID))

			if !wait {
				out.Print(
					[]string{"TASK_ID", "STATE", "QUEUE"},
					[][]string{{submitted.TaskID, submitted.State, submitted.Queue}},
					submitted,
				)
				return nil
			}

			status, err := client.GetTask(submitted.TaskID, waitMs)
			if err != nil {
				return err
			}
			printStatus(out, status)
			return nil
		},
	}

	cmd.Flags().StringVar(&queue, "queue", "", "Queue name (default queue if not specified)")
	cmd.Flags().IntVar(&priority, "priority", 3, "Priority: 1 (low), 3 (normal), 5 (high), 10 (critical)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Retry limit override (registry policy if 0)")
	cmd.Flags().IntVar(&countdown, "countdown", 0, "Delay execution by N seconds")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Producer idempotency key")
	cmd.Flags().StringSliceVar(&args, "arg", nil, "Task arguments as KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the task to reach a terminal state")
	cmd.Flags().IntVar(&waitMs, "wait-ms", 30000, "Long-poll timeout in milliseconds (with --wait)")

	return cmd
}

func newTaskStatusCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var waitMs int

	cmd := &cobra.Command{
		Use:   "status ID",
		Short: "Show task status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			status, err := client.GetTask(args[0], waitMs)
			if err != nil {
				return err
			}

			printStatus(out, status)
			return nil
		},
	}

	cmd.Flags().IntVar(&waitMs, "wait-ms", 0, "Long-poll until terminal state or timeout")

	return cmd
}

func newTaskCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			resp, err := client.CancelTask(args[0])
			if err != nil {
				return err
			}

			if resp.Removed {
				out.Success(fmt.Sprintf("Task cancelled: %s", resp.TaskID))
			} else {
				out.Success(fmt.Sprintf("Task %s already picked up, cancel is advisory", resp.TaskID))
			}
			return nil
		},
	}
}

func printStatus(out *Output, status *StatusResponse) {
	errMsg := ""
	kind := ""
	if status.Error != nil {
		errMsg = status.Error.Message
		kind = status.Error.Kind
	}

	progress := ""
	if status.Progress != nil && status.Progress.Total > 0 {
		progress = fmt.Sprintf("%d/%d", status.Progress.Current, status.Progress.Total)
	}

	out.Print(
		[]string{"TASK_ID", "STATE", "ATTEMPT", "PROGRESS", "ERROR_KIND", "ERROR"},
		[][]string{{status.TaskID, status.State, strconv.Itoa(status.Attempt), progress, kind, errMsg}},
		status,
	)
}
